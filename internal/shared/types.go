package shared

import (
	"errors"
	"strings"
	"time"
)

var (
	ErrNotSlotLine       = errors.New("not a slot line")
	ErrMalformedSlotLine = errors.New("malformed slot line")
	ErrEmptyIdentifier   = errors.New("empty identifier")
)

// SlotPresence is the occupancy reported by a slot sensor.
type SlotPresence string

const (
	SlotUnknown SlotPresence = "UNKNOWN"
	SlotPresent SlotPresence = "PRESENT"
	SlotRemoved SlotPresence = "REMOVED"
)

// SlotEvent is one sensor transition read off the link.
type SlotEvent struct {
	SlotID        int
	State         SlotPresence
	ObservedAt    time.Time
	CorrelationID string
}

// IdentifierEvent is one identifier read from any source.
type IdentifierEvent struct {
	Identifier    string
	Source        string
	ObservedAt    time.Time
	CorrelationID string
}

// NewIdentifierEvent trims the identifier and rejects empty reads.
func NewIdentifierEvent(identifier, source string, at time.Time) (IdentifierEvent, error) {
	identifier = strings.TrimSpace(identifier)
	if identifier == "" {
		return IdentifierEvent{}, ErrEmptyIdentifier
	}
	return IdentifierEvent{
		Identifier: identifier,
		Source:     source,
		ObservedAt: at,
	}, nil
}

// ChargeSession is one occupancy interval of a battery in a slot.
// EndedAt and DurationSeconds are nil while the session is open.
type ChargeSession struct {
	ID              string     `json:"id"`
	Identifier      string     `json:"identifier"`
	SlotID          int        `json:"slot_id"`
	StartedAt       time.Time  `json:"started_at"`
	EndedAt         *time.Time `json:"ended_at,omitempty"`
	DurationSeconds *int64     `json:"duration_seconds,omitempty"`
}

// Closed reports whether the session has an end time.
func (s ChargeSession) Closed() bool {
	return s.EndedAt != nil && s.DurationSeconds != nil
}

// BatteryAccount holds the aggregates derived from a battery's sessions.
type BatteryAccount struct {
	Identifier           string `json:"identifier"`
	TotalCycles          int64  `json:"total_cycles"`
	TotalChargeSeconds   int64  `json:"total_charge_seconds"`
	AverageChargeSeconds int64  `json:"average_charge_seconds"`
}

// IndicatorMode is the animation a light segment runs.
type IndicatorMode string

const (
	ModePulse     IndicatorMode = "PULSE"
	ModeSolid     IndicatorMode = "SOLID"
	ModeDeepPulse IndicatorMode = "DEEP_PULSE"
)

// Hues on the 0-255 wheel used by the segment firmware.
const (
	HueRed   = 0
	HueAmber = 32
	HueGreen = 96
	HueBlue  = 160
)

// IndicatorCommand addresses one slot's light segment.
type IndicatorCommand struct {
	SlotID   int
	Position int
	Hue      int
	Mode     IndicatorMode
}

// SessionEventType names the events emitted to sinks.
type SessionEventType string

const (
	EventSessionOpened  SessionEventType = "session_opened"
	EventSessionClosed  SessionEventType = "session_closed"
	EventSlotUnmatched  SessionEventType = "slot_unmatched"
	EventNextChanged    SessionEventType = "next_changed"
	EventAccountUpdated SessionEventType = "account_updated"
)

// SessionEvent is what the station publishes to its sinks.
type SessionEvent struct {
	Type          SessionEventType `json:"type"`
	OccurredAt    time.Time        `json:"occurred_at"`
	SlotID        int              `json:"slot_id"`
	Identifier    string           `json:"identifier,omitempty"`
	Session       *ChargeSession   `json:"session,omitempty"`
	Account       *BatteryAccount  `json:"account,omitempty"`
	Counted       bool             `json:"counted,omitempty"`
	HasCandidate  bool             `json:"has_candidate,omitempty"`
	CorrelationID string           `json:"correlation_id,omitempty"`
}
