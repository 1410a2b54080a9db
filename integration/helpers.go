package integration

import (
	"bufio"
	"context"
	"fmt"
	"net"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/Bldg-7/chargebay/internal/config"
	"github.com/Bldg-7/chargebay/internal/ident"
	"github.com/Bldg-7/chargebay/internal/link"
	"github.com/Bldg-7/chargebay/internal/shared"
	"github.com/Bldg-7/chargebay/internal/station"
	"github.com/Bldg-7/chargebay/internal/storage"
	"go.uber.org/zap"
)

// fakeDevice is a slot controller behind a TCP bridge. It announces its
// firmware on connect, acknowledges SEG commands and records every line
// the station writes.
type fakeDevice struct {
	t        *testing.T
	listener net.Listener
	banner   string

	mu       sync.Mutex
	conn     net.Conn
	commands []string
	lastSeg  map[int]string

	connections atomic.Int64
	pings       atomic.Int64
	muted       atomic.Bool
}

func newFakeDevice(t *testing.T, banner string) *fakeDevice {
	t.Helper()

	listener, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen fake device: %v", err)
	}
	d := &fakeDevice{
		t:        t,
		listener: listener,
		banner:   banner,
		lastSeg:  make(map[int]string),
	}
	go d.acceptLoop()
	t.Cleanup(func() {
		_ = d.listener.Close()
		d.dropConnection()
	})
	return d
}

func (d *fakeDevice) addr() string {
	return d.listener.Addr().String()
}

func (d *fakeDevice) acceptLoop() {
	for {
		conn, err := d.listener.Accept()
		if err != nil {
			return
		}
		d.mu.Lock()
		if d.conn != nil {
			_ = d.conn.Close()
		}
		d.conn = conn
		d.mu.Unlock()
		d.connections.Add(1)
		go d.serve(conn)
	}
}

func (d *fakeDevice) serve(conn net.Conn) {
	if d.banner != "" {
		d.write(conn, "FW "+d.banner)
	}

	scanner := bufio.NewScanner(conn)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		switch {
		case line == shared.HeartbeatLine:
			d.pings.Add(1)
		case strings.HasPrefix(line, "SEG "):
			var slot int
			if _, err := fmt.Sscanf(line, "SEG %d", &slot); err == nil {
				d.mu.Lock()
				d.commands = append(d.commands, line)
				d.lastSeg[slot] = line
				d.mu.Unlock()
			}
			if !d.muted.Load() {
				d.write(conn, "ACK")
			}
		}
	}
}

func (d *fakeDevice) write(conn net.Conn, line string) {
	_ = conn.SetWriteDeadline(time.Now().Add(time.Second))
	_, _ = conn.Write([]byte(line + "\n"))
}

// send pushes a controller line, such as a slot sensor report, to the station.
func (d *fakeDevice) send(line string) {
	d.t.Helper()

	var conn net.Conn
	waitFor(d.t, 2*time.Second, func() bool {
		d.mu.Lock()
		defer d.mu.Unlock()
		conn = d.conn
		return conn != nil
	}, "fake device connection")
	d.write(conn, line)
}

func (d *fakeDevice) dropConnection() {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.conn != nil {
		_ = d.conn.Close()
		d.conn = nil
	}
}

func (d *fakeDevice) commandCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.commands)
}

func (d *fakeDevice) countCommand(line string) int {
	d.mu.Lock()
	defer d.mu.Unlock()
	n := 0
	for _, c := range d.commands {
		if c == line {
			n++
		}
	}
	return n
}

func (d *fakeDevice) lastCommand(slot int) string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.lastSeg[slot]
}

// captureSink records every event the station publishes.
type captureSink struct {
	mu     sync.Mutex
	events []shared.SessionEvent
}

func (c *captureSink) Name() string { return "capture" }

func (c *captureSink) Handle(_ context.Context, ev shared.SessionEvent) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.events = append(c.events, ev)
	return nil
}

func (c *captureSink) ofType(t shared.SessionEventType) []shared.SessionEvent {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []shared.SessionEvent
	for _, ev := range c.events {
		if ev.Type == t {
			out = append(out, ev)
		}
	}
	return out
}

type stationHarness struct {
	t      *testing.T
	dbPath string
	cfg    *config.StationConfig
	device *fakeDevice

	store  *storage.HistoryStore
	server *station.Server
	scans  *ident.PushSource
	sink   *captureSink
}

func newStationHarness(t *testing.T, thresholdSeconds int64) *stationHarness {
	t.Helper()

	h := &stationHarness{
		t:      t,
		dbPath: filepath.Join(t.TempDir(), "station.db"),
		device: newFakeDevice(t, "1.3.0"),
	}
	h.cfg = testConfig(h.device.addr(), h.dbPath)

	h.start(func(store *storage.HistoryStore) {
		if thresholdSeconds > 0 {
			if err := store.SetMinimumDuration(context.Background(), thresholdSeconds); err != nil {
				t.Fatalf("set minimum duration: %v", err)
			}
		}
	})
	t.Cleanup(h.stop)
	return h
}

func testConfig(addr, dbPath string) *config.StationConfig {
	cfg := config.DefaultStationConfig()
	cfg.StationName = "integration"
	cfg.Link = config.LinkConfig{
		Kind:               config.LinkTCP,
		Address:            addr,
		DialTimeoutMS:      1000,
		ReconnectMinMS:     20,
		ReconnectMaxMS:     100,
		FirmwareConstraint: ">= 1.2.0, < 2",
	}
	cfg.Poll.IntervalMS = 20
	cfg.Indicator.AckTimeoutMS = 200
	cfg.Indicator.RetryBackoffMS = 10
	cfg.Indicator.RetryBackoffMaxMS = 20
	cfg.Indicator.HeartbeatIntervalSec = 1
	cfg.Metrics.Addr = "127.0.0.1:0"
	cfg.Database.Path = dbPath
	return cfg
}

func (h *stationHarness) start(seed func(store *storage.HistoryStore)) {
	h.t.Helper()

	db, err := storage.Open(h.dbPath)
	if err != nil {
		h.t.Fatalf("open store: %v", err)
	}
	h.store = storage.NewHistoryStore(db)
	if seed != nil {
		seed(h.store)
	}

	dialer, err := link.NewDialer(h.cfg.Link)
	if err != nil {
		h.t.Fatalf("dialer: %v", err)
	}

	h.sink = &captureSink{}
	srv, err := station.NewServer(h.cfg, dialer, h.store, zap.NewNop(), h.sink)
	if err != nil {
		h.t.Fatalf("new server: %v", err)
	}
	h.scans = ident.NewPushSource("test", 16)
	srv.AddSource(h.scans)

	if err := srv.Start(context.Background()); err != nil {
		h.t.Fatalf("start server: %v", err)
	}
	h.server = srv

	waitFor(h.t, 3*time.Second, srv.Link().Connected, "link connected")
}

func (h *stationHarness) stop() {
	if h.server != nil && h.server.IsRunning() {
		_ = h.server.Stop()
	}
	if h.store != nil {
		_ = h.store.Close()
		h.store = nil
	}
}

// restart stops the station and brings up a new one on the same database
// and device.
func (h *stationHarness) restart() {
	h.t.Helper()
	h.stop()
	h.start(nil)
}

func (h *stationHarness) scan(identifier string) {
	h.t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := h.scans.Push(ctx, identifier); err != nil {
		h.t.Fatalf("push scan %s: %v", identifier, err)
	}
}

// waitPending blocks until the scan has reached the pending queue, so a
// following slot event cannot overtake it.
func (h *stationHarness) waitPending(count int) {
	h.t.Helper()
	waitFor(h.t, 2*time.Second, func() bool {
		return h.server.State().PendingCount() == count
	}, fmt.Sprintf("%d pending identifiers", count))
}

func (h *stationHarness) slot(id int) station.SlotState {
	for _, s := range h.server.State().SnapshotSlots() {
		if s.SlotID == id {
			return s
		}
	}
	h.t.Fatalf("slot %d not found", id)
	return station.SlotState{}
}

func waitFor(t *testing.T, timeout time.Duration, fn func() bool, label string) {
	t.Helper()

	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if fn() {
			return
		}
		time.Sleep(20 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", label)
}
