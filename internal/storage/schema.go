package storage

import (
	"database/sql"
	"errors"
	"fmt"
	"time"

	_ "modernc.org/sqlite"
)

var (
	ErrNotFound       = errors.New("not found")
	ErrInvalidSetting = errors.New("invalid setting value")
)

const (
	SessionOpen      = "open"
	SessionClosed    = "closed"
	SessionAbandoned = "abandoned"
)

const settingMinimumDuration = "minimum_duration_seconds"

// Fixed-width so stored timestamps sort lexically.
const timestampLayout = "2006-01-02T15:04:05.000000000Z07:00"

// SessionRecord is a charge_sessions row.
type SessionRecord struct {
	ID              string
	Identifier      string
	SlotID          int
	Status          string
	StartedAt       time.Time
	EndedAt         *time.Time
	DurationSeconds *int64
}

// AccountRecord is a battery_accounts row joined with the display name.
type AccountRecord struct {
	Identifier           string
	Name                 string
	TotalCycles          int64
	TotalChargeSeconds   int64
	AverageChargeSeconds int64
	IsCharging           bool
	ChargingSlot         *int
	LastChargingSlot     *int
	LastChargeSeconds    *int64
	LastEndedAt          *time.Time
	UpdatedAt            time.Time
}

type CurrentCharging struct {
	Identifier string
	SlotID     int
	SessionID  string
	StartedAt  time.Time
}

type NameRequest struct {
	Identifier  string
	SlotID      int
	RequestedAt time.Time
}

// StationEvent is an audit row for slot, scan and match activity.
type StationEvent struct {
	Type          string
	SlotID        *int
	Identifier    string
	CorrelationID string
	Data          string
	OccurredAt    time.Time
}

// Open opens the sqlite database at path and applies migrations.
func Open(path string) (*sql.DB, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open database %s: %w", path, err)
	}
	// Pragmas are per connection; one connection keeps them in force.
	db.SetMaxOpenConns(1)
	if _, err := db.Exec("PRAGMA busy_timeout = 5000"); err != nil {
		db.Close()
		return nil, fmt.Errorf("set busy timeout: %w", err)
	}
	if err := NewMigrationRunner(db).Migrate(); err != nil {
		db.Close()
		return nil, err
	}
	return db, nil
}

func formatTimestamp(t time.Time) string {
	return t.UTC().Format(timestampLayout)
}

func parseTimestamp(value string) (time.Time, error) {
	layouts := []string{
		time.RFC3339Nano,
		time.RFC3339,
		"2006-01-02 15:04:05",
	}
	for _, layout := range layouts {
		if t, err := time.Parse(layout, value); err == nil {
			return t.UTC(), nil
		}
	}
	return time.Time{}, fmt.Errorf("unsupported timestamp format: %q", value)
}

func parseNullTimestamp(value sql.NullString) (*time.Time, error) {
	if !value.Valid || value.String == "" {
		return nil, nil
	}
	t, err := parseTimestamp(value.String)
	if err != nil {
		return nil, err
	}
	return &t, nil
}

func nullInt(value sql.NullInt64) *int {
	if !value.Valid {
		return nil
	}
	v := int(value.Int64)
	return &v
}

func nullInt64(value sql.NullInt64) *int64 {
	if !value.Valid {
		return nil
	}
	v := value.Int64
	return &v
}
