package station

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/Bldg-7/chargebay/internal/shared"
	"github.com/Bldg-7/chargebay/internal/storage"
)

var base = time.Date(2026, 3, 2, 8, 0, 0, 0, time.UTC)

// at returns base plus sec seconds.
func at(sec float64) time.Time {
	return base.Add(time.Duration(sec * float64(time.Second)))
}

func identifierAt(id string, sec float64) shared.IdentifierEvent {
	return shared.IdentifierEvent{Identifier: id, Source: "test", ObservedAt: at(sec)}
}

func slotAt(slot int, state shared.SlotPresence, sec float64) shared.SlotEvent {
	return shared.SlotEvent{SlotID: slot, State: state, ObservedAt: at(sec)}
}

func newTestState() *StationState {
	s := NewStationState(7, time.Second, 10*time.Second)
	n := 0
	s.newID = func() string {
		n++
		return fmt.Sprintf("session-%d", n)
	}
	return s
}

// memStore is an in-memory Store.
type memStore struct {
	mu           sync.Mutex
	sessions     map[string]shared.ChargeSession
	accounts     map[string]shared.BatteryAccount
	names        map[string]string
	nameRequests map[string]int
	events       []storage.StationEvent
	minimum      int64
	minimumErr   error
	pingErr      error
	minimumReads int
	abandonCalls int
}

func newMemStore() *memStore {
	return &memStore{
		sessions:     make(map[string]shared.ChargeSession),
		accounts:     make(map[string]shared.BatteryAccount),
		names:        make(map[string]string),
		nameRequests: make(map[string]int),
		minimumErr:   storage.ErrNotFound,
	}
}

func (m *memStore) RecordSessionStart(ctx context.Context, s shared.ChargeSession) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sessions[s.ID] = s
	return nil
}

func (m *memStore) RecordSessionEnd(ctx context.Context, s shared.ChargeSession) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sessions[s.ID] = s
	return nil
}

func (m *memStore) SessionHistory(ctx context.Context, identifier string) ([]shared.ChargeSession, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []shared.ChargeSession
	for _, s := range m.sessions {
		if s.Identifier == identifier && s.Closed() {
			out = append(out, s)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].StartedAt.Before(out[j].StartedAt) })
	return out, nil
}

func (m *memStore) SaveAccount(ctx context.Context, a shared.BatteryAccount) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.accounts[a.Identifier] = a
	return nil
}

func (m *memStore) account(id string) (shared.BatteryAccount, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	a, ok := m.accounts[id]
	return a, ok
}

func (m *memStore) session(id string) (shared.ChargeSession, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[id]
	return s, ok
}

func (m *memStore) BatteryName(ctx context.Context, identifier string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	name, ok := m.names[identifier]
	if !ok {
		return "", storage.ErrNotFound
	}
	return name, nil
}

func (m *memStore) RequestName(ctx context.Context, identifier string, slotID int, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.nameRequests[identifier] = slotID
	return nil
}

func (m *memStore) AppendStationEvent(ctx context.Context, ev storage.StationEvent) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.events = append(m.events, ev)
	return nil
}

func (m *memStore) MinimumDuration(ctx context.Context) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.minimumReads++
	if m.minimumErr != nil {
		return 0, m.minimumErr
	}
	return m.minimum, nil
}

func (m *memStore) setMinimum(v int64, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.minimum, m.minimumErr = v, err
}

func (m *memStore) Ping(ctx context.Context) error {
	return m.pingErr
}

func (m *memStore) AbandonOpenSessions(ctx context.Context, at time.Time) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.abandonCalls++
	return 0, nil
}

// fakeRequester answers Request calls from a scripted list of results;
// once the script is exhausted it returns fallback.
type fakeRequester struct {
	mu       sync.Mutex
	lines    []string
	script   []error
	fallback error
}

func (f *fakeRequester) Request(ctx context.Context, line string, timeout time.Duration) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.lines = append(f.lines, line)
	if len(f.script) > 0 {
		err := f.script[0]
		f.script = f.script[1:]
		return err
	}
	return f.fallback
}

func (f *fakeRequester) sent() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, len(f.lines))
	copy(out, f.lines)
	return out
}

func (f *fakeRequester) reset() {
	f.mu.Lock()
	f.lines = nil
	f.mu.Unlock()
}

type countingSender struct {
	mu    sync.Mutex
	lines []string
	err   error
}

func (c *countingSender) Send(line string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.err != nil {
		return c.err
	}
	c.lines = append(c.lines, line)
	return nil
}

func (c *countingSender) count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.lines)
}

// eventLog records published events.
type eventLog struct {
	mu     sync.Mutex
	events []shared.SessionEvent
}

func (l *eventLog) Publish(ev shared.SessionEvent) {
	l.mu.Lock()
	l.events = append(l.events, ev)
	l.mu.Unlock()
}

func (l *eventLog) ofType(t shared.SessionEventType) []shared.SessionEvent {
	l.mu.Lock()
	defer l.mu.Unlock()
	var out []shared.SessionEvent
	for _, ev := range l.events {
		if ev.Type == t {
			out = append(out, ev)
		}
	}
	return out
}

// recordingSink collects delivered events; failing sinks return err.
type recordingSink struct {
	name string
	err  error
	ch   chan shared.SessionEvent
}

func newRecordingSink(name string) *recordingSink {
	return &recordingSink{name: name, ch: make(chan shared.SessionEvent, 64)}
}

func (r *recordingSink) Name() string { return r.name }

func (r *recordingSink) Handle(ctx context.Context, ev shared.SessionEvent) error {
	r.ch <- ev
	return r.err
}

func (r *recordingSink) next(t *testing.T) shared.SessionEvent {
	t.Helper()
	select {
	case ev := <-r.ch:
		return ev
	case <-time.After(2 * time.Second):
		t.Fatalf("sink %s: timed out waiting for event", r.name)
		return shared.SessionEvent{}
	}
}

func closedSession(id, identifier string, start float64, seconds int64) shared.ChargeSession {
	end := at(start).Add(time.Duration(seconds) * time.Second)
	return shared.ChargeSession{
		ID:              id,
		Identifier:      identifier,
		StartedAt:       at(start),
		EndedAt:         &end,
		DurationSeconds: &seconds,
	}
}
