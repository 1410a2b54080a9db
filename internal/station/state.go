package station

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/Bldg-7/chargebay/internal/shared"
	"github.com/google/uuid"
)

var ErrUnknownSlot = errors.New("unknown slot")

// SlotState is the station's view of one physical slot.
type SlotState struct {
	SlotID       int
	State        shared.SlotPresence
	LastChangeAt time.Time
	// Identifier is set while a battery is assigned to the slot.
	Identifier string
	Session    *shared.ChargeSession
}

// Assigned reports whether a battery is currently matched to the slot.
func (s SlotState) Assigned() bool {
	return s.Identifier != ""
}

// StationState owns slot occupancy, assignments and the pending
// identifier queue. Every read and write goes through one mutex so a
// match never observes a half-applied transition.
type StationState struct {
	mu      sync.Mutex
	slots   []SlotState
	pending []shared.IdentifierEvent
	window  time.Duration
	maxAge  time.Duration
	newID   func() string
}

// NewStationState creates state for slotCount slots, all UNKNOWN.
func NewStationState(slotCount int, window, maxAge time.Duration) *StationState {
	slots := make([]SlotState, slotCount)
	for i := range slots {
		slots[i] = SlotState{SlotID: i, State: shared.SlotUnknown}
	}
	return &StationState{
		slots:  slots,
		window: window,
		maxAge: maxAge,
		newID:  func() string { return uuid.New().String() },
	}
}

func (s *StationState) SlotCount() int {
	return len(s.slots)
}

// RecordSlotEvent applies one sensor transition and runs matching for it.
func (s *StationState) RecordSlotEvent(ev shared.SlotEvent) (Transition, error) {
	if ev.SlotID < 0 || ev.SlotID >= len(s.slots) {
		return Transition{}, fmt.Errorf("%w: %d", ErrUnknownSlot, ev.SlotID)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	switch ev.State {
	case shared.SlotPresent:
		return s.presentLocked(ev), nil
	case shared.SlotRemoved:
		return s.removedLocked(ev), nil
	default:
		return Transition{}, fmt.Errorf("unsupported slot state %q", ev.State)
	}
}

// EnqueueIdentifier appends a read to the pending queue and drops entries
// older than the retention horizon. It returns the number pruned.
func (s *StationState) EnqueueIdentifier(ev shared.IdentifierEvent) int {
	s.mu.Lock()
	defer s.mu.Unlock()

	pruned := s.pruneLocked(ev.ObservedAt)
	s.pending = append(s.pending, ev)
	return pruned
}

// PrunePending drops pending reads older than the retention horizon at now.
func (s *StationState) PrunePending(now time.Time) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.pruneLocked(now)
}

// DequeuePendingMatch removes the oldest pending entry for identifier.
// It reports false when no such entry exists, which is not an error.
func (s *StationState) DequeuePendingMatch(identifier string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	for i, p := range s.pending {
		if p.Identifier == identifier {
			s.removePendingLocked(i)
			return true
		}
	}
	return false
}

func (s *StationState) PendingCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.pending)
}

// Pending returns a copy of the queue in arrival order.
func (s *StationState) Pending() []shared.IdentifierEvent {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]shared.IdentifierEvent, len(s.pending))
	copy(out, s.pending)
	return out
}

// SnapshotSlots returns a copy of every slot. Sessions are copied so the
// caller can read them without holding the lock.
func (s *StationState) SnapshotSlots() []SlotState {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]SlotState, len(s.slots))
	for i, slot := range s.slots {
		out[i] = slot
		if slot.Session != nil {
			session := *slot.Session
			out[i].Session = &session
		}
	}
	return out
}

// AssignedSlot returns the slot currently holding identifier.
func (s *StationState) AssignedSlot(identifier string) (int, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	slot := s.assignedSlotLocked(identifier)
	return slot, slot >= 0
}

func (s *StationState) assignedSlotLocked(identifier string) int {
	for _, slot := range s.slots {
		if slot.Identifier == identifier {
			return slot.SlotID
		}
	}
	return -1
}

func (s *StationState) pruneLocked(now time.Time) int {
	if s.maxAge <= 0 {
		return 0
	}
	cutoff := now.Add(-s.maxAge)
	kept := s.pending[:0]
	pruned := 0
	for _, p := range s.pending {
		if p.ObservedAt.Before(cutoff) {
			pruned++
			continue
		}
		kept = append(kept, p)
	}
	for i := len(kept); i < len(s.pending); i++ {
		s.pending[i] = shared.IdentifierEvent{}
	}
	s.pending = kept
	return pruned
}

func (s *StationState) removePendingLocked(i int) {
	copy(s.pending[i:], s.pending[i+1:])
	s.pending[len(s.pending)-1] = shared.IdentifierEvent{}
	s.pending = s.pending[:len(s.pending)-1]
}
