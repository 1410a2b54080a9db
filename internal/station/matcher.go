package station

import (
	"context"
	"errors"
	"time"

	"github.com/Bldg-7/chargebay/internal/shared"
	"github.com/Bldg-7/chargebay/internal/storage"
	"go.uber.org/zap"
)

// TransitionKind describes what a slot event did to the station.
type TransitionKind int

const (
	// TransitionIgnored is a PRESENT on a slot that is already occupied.
	TransitionIgnored TransitionKind = iota
	TransitionOpened
	TransitionUnmatched
	TransitionClosed
	// TransitionVacated is a REMOVED on a slot with no assignment.
	TransitionVacated
)

func (k TransitionKind) String() string {
	switch k {
	case TransitionOpened:
		return "opened"
	case TransitionUnmatched:
		return "unmatched"
	case TransitionClosed:
		return "closed"
	case TransitionVacated:
		return "vacated"
	default:
		return "ignored"
	}
}

// Transition is the outcome of one slot event.
type Transition struct {
	Kind    TransitionKind
	SlotID  int
	Session shared.ChargeSession
	// Matched is the pending read consumed by an opened session.
	Matched shared.IdentifierEvent
	Pruned  int
}

func (s *StationState) presentLocked(ev shared.SlotEvent) Transition {
	pruned := s.pruneLocked(ev.ObservedAt)
	slot := &s.slots[ev.SlotID]
	wasPresent := slot.State == shared.SlotPresent
	slot.State = shared.SlotPresent
	slot.LastChangeAt = ev.ObservedAt

	// An occupied slot only matches again after a REMOVED.
	if slot.Assigned() || wasPresent {
		return Transition{Kind: TransitionIgnored, SlotID: ev.SlotID, Pruned: pruned}
	}

	idx := s.firstMatchLocked(ev.ObservedAt)
	if idx < 0 {
		return Transition{Kind: TransitionUnmatched, SlotID: ev.SlotID, Pruned: pruned}
	}

	matched := s.pending[idx]
	s.removePendingLocked(idx)

	session := shared.ChargeSession{
		ID:         s.newID(),
		Identifier: matched.Identifier,
		SlotID:     ev.SlotID,
		StartedAt:  ev.ObservedAt,
	}
	slot.Identifier = matched.Identifier
	slot.Session = &session

	return Transition{
		Kind:    TransitionOpened,
		SlotID:  ev.SlotID,
		Session: session,
		Matched: matched,
		Pruned:  pruned,
	}
}

// firstMatchLocked scans the queue in arrival order for the first read
// within the window whose identifier is not already in another slot.
func (s *StationState) firstMatchLocked(at time.Time) int {
	for i, p := range s.pending {
		delta := at.Sub(p.ObservedAt)
		if delta < 0 {
			delta = -delta
		}
		if delta > s.window {
			continue
		}
		if s.assignedSlotLocked(p.Identifier) >= 0 {
			continue
		}
		return i
	}
	return -1
}

func (s *StationState) removedLocked(ev shared.SlotEvent) Transition {
	slot := &s.slots[ev.SlotID]
	slot.State = shared.SlotRemoved
	slot.LastChangeAt = ev.ObservedAt

	if !slot.Assigned() || slot.Session == nil {
		slot.Identifier = ""
		slot.Session = nil
		return Transition{Kind: TransitionVacated, SlotID: ev.SlotID}
	}

	session := closeSession(*slot.Session, ev.ObservedAt)
	slot.Identifier = ""
	slot.Session = nil

	return Transition{Kind: TransitionClosed, SlotID: ev.SlotID, Session: session}
}

// closeSession stamps the end time and whole-second duration. An end
// before the start is clamped to zero.
func closeSession(session shared.ChargeSession, end time.Time) shared.ChargeSession {
	if end.Before(session.StartedAt) {
		end = session.StartedAt
	}
	duration := int64(end.Sub(session.StartedAt) / time.Second)
	session.EndedAt = &end
	session.DurationSeconds = &duration
	return session
}

// SessionRecorder takes session transitions off the reader goroutine.
type SessionRecorder interface {
	SessionOpened(ctx context.Context, session shared.ChargeSession)
	SessionClosed(ctx context.Context, session shared.ChargeSession)
	Audit(ctx context.Context, ev storage.StationEvent)
}

// EventPublisher fans session events out to sinks.
type EventPublisher interface {
	Publish(ev shared.SessionEvent)
}

// Matcher turns slot and identifier events into state transitions and
// hands their side effects to the recorder and publisher.
type Matcher struct {
	state    *StationState
	recorder SessionRecorder
	events   EventPublisher
	logger   *zap.Logger
	metrics  *Metrics
}

func NewMatcher(state *StationState, recorder SessionRecorder, events EventPublisher, logger *zap.Logger, metrics *Metrics) *Matcher {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Matcher{
		state:    state,
		recorder: recorder,
		events:   events,
		logger:   logger,
		metrics:  metrics,
	}
}

// HandleIdentifier queues an identifier read for matching.
func (m *Matcher) HandleIdentifier(ctx context.Context, ev shared.IdentifierEvent) {
	if ev.CorrelationID == "" {
		ev.CorrelationID = shared.GetCorrelationID(ctx)
	}
	pruned := m.state.EnqueueIdentifier(ev)
	m.metrics.RecordIdentifier(ev.Source)
	m.metrics.SetPending(m.state.PendingCount())

	m.logger.Info("identifier queued",
		zap.String("identifier", ev.Identifier),
		zap.String("source", ev.Source),
		zap.Int("pruned", pruned),
		zap.String("correlation_id", ev.CorrelationID))

	m.audit(ctx, storage.StationEvent{
		Type:          "identifier",
		Identifier:    ev.Identifier,
		CorrelationID: ev.CorrelationID,
		Data:          ev.Source,
		OccurredAt:    ev.ObservedAt,
	})
}

// HandleSlotEvent applies a sensor transition. Events for one slot must
// arrive here in the order they were read.
func (m *Matcher) HandleSlotEvent(ctx context.Context, ev shared.SlotEvent) {
	if ev.CorrelationID == "" {
		ev.CorrelationID = shared.GetCorrelationID(ctx)
	}
	m.metrics.RecordSlotEvent(string(ev.State))

	tr, err := m.state.RecordSlotEvent(ev)
	if err != nil {
		if errors.Is(err, ErrUnknownSlot) {
			m.metrics.RecordLineError("unknown_slot")
		}
		m.logger.Warn("slot event dropped",
			zap.Int("slot", ev.SlotID),
			zap.String("state", string(ev.State)),
			zap.Error(err))
		return
	}
	m.metrics.SetPending(m.state.PendingCount())

	slotID := ev.SlotID
	m.audit(ctx, storage.StationEvent{
		Type:          "slot_" + string(ev.State),
		SlotID:        &slotID,
		Identifier:    tr.Session.Identifier,
		CorrelationID: ev.CorrelationID,
		Data:          tr.Kind.String(),
		OccurredAt:    ev.ObservedAt,
	})

	switch tr.Kind {
	case TransitionOpened:
		m.metrics.RecordMatch("matched")
		m.logger.Info("session opened",
			zap.Int("slot", tr.SlotID),
			zap.String("identifier", tr.Session.Identifier),
			zap.String("session_id", tr.Session.ID),
			zap.Duration("scan_offset", ev.ObservedAt.Sub(tr.Matched.ObservedAt)),
			zap.String("correlation_id", ev.CorrelationID))
		if m.recorder != nil {
			m.recorder.SessionOpened(ctx, tr.Session)
		}
		m.publish(shared.SessionEvent{
			Type:          shared.EventSessionOpened,
			OccurredAt:    ev.ObservedAt,
			SlotID:        tr.SlotID,
			Identifier:    tr.Session.Identifier,
			Session:       &tr.Session,
			CorrelationID: ev.CorrelationID,
		})

	case TransitionUnmatched:
		m.metrics.RecordMatch("unmatched")
		m.logger.Warn("slot occupied without a matching identifier",
			zap.Int("slot", tr.SlotID),
			zap.String("correlation_id", ev.CorrelationID))
		m.publish(shared.SessionEvent{
			Type:          shared.EventSlotUnmatched,
			OccurredAt:    ev.ObservedAt,
			SlotID:        tr.SlotID,
			CorrelationID: ev.CorrelationID,
		})

	case TransitionClosed:
		m.logger.Info("session closed",
			zap.Int("slot", tr.SlotID),
			zap.String("identifier", tr.Session.Identifier),
			zap.String("session_id", tr.Session.ID),
			zap.Int64("duration_seconds", *tr.Session.DurationSeconds),
			zap.String("correlation_id", ev.CorrelationID))
		if m.recorder != nil {
			m.recorder.SessionClosed(shared.WithCorrelationID(ctx, ev.CorrelationID), tr.Session)
		}

	case TransitionIgnored:
		m.metrics.RecordMatch("ignored")
		m.logger.Debug("duplicate PRESENT on occupied slot", zap.Int("slot", tr.SlotID))

	case TransitionVacated:
		m.logger.Debug("REMOVED on unassigned slot", zap.Int("slot", tr.SlotID))
	}
}

func (m *Matcher) publish(ev shared.SessionEvent) {
	if m.events != nil {
		m.events.Publish(ev)
	}
}

func (m *Matcher) audit(ctx context.Context, ev storage.StationEvent) {
	if m.recorder != nil {
		m.recorder.Audit(ctx, ev)
	}
}
