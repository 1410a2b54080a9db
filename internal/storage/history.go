package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/Bldg-7/chargebay/internal/shared"
)

// HistoryStore persists charge sessions, battery accounts and station
// settings in sqlite.
type HistoryStore struct {
	db  *sql.DB
	now func() time.Time
}

func NewHistoryStore(db *sql.DB) *HistoryStore {
	return &HistoryStore{db: db, now: time.Now}
}

func (s *HistoryStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func (s *HistoryStore) Close() error {
	return s.db.Close()
}

// MinimumDuration returns the stored threshold in seconds. ErrNotFound when
// unset, ErrInvalidSetting when the stored value is not a positive integer.
func (s *HistoryStore) MinimumDuration(ctx context.Context) (int64, error) {
	var raw string
	err := s.db.QueryRowContext(ctx, `SELECT value FROM settings WHERE key = ?`, settingMinimumDuration).Scan(&raw)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, ErrNotFound
	}
	if err != nil {
		return 0, fmt.Errorf("read %s: %w", settingMinimumDuration, err)
	}
	seconds, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || seconds <= 0 {
		return 0, fmt.Errorf("%w: %s=%q", ErrInvalidSetting, settingMinimumDuration, raw)
	}
	return seconds, nil
}

func (s *HistoryStore) SetMinimumDuration(ctx context.Context, seconds int64) error {
	if seconds <= 0 {
		return fmt.Errorf("%w: minimum duration must be positive, got %d", ErrInvalidSetting, seconds)
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO settings (key, value, updated_at) VALUES (?, ?, ?)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at
	`, settingMinimumDuration, strconv.FormatInt(seconds, 10), formatTimestamp(s.now()))
	if err != nil {
		return fmt.Errorf("write %s: %w", settingMinimumDuration, err)
	}
	return nil
}

// RecordSessionStart stores an open session and marks the battery as
// charging in its slot.
func (s *HistoryStore) RecordSessionStart(ctx context.Context, session shared.ChargeSession) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin session start: %w", err)
	}
	defer tx.Rollback()

	started := formatTimestamp(session.StartedAt)
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO charge_sessions (id, identifier, slot_id, status, started_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(id) DO NOTHING
	`, session.ID, session.Identifier, session.SlotID, SessionOpen, started); err != nil {
		return fmt.Errorf("insert session %s: %w", session.ID, err)
	}

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO current_charging (identifier, slot_id, session_id, started_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(identifier) DO UPDATE SET
			slot_id = excluded.slot_id,
			session_id = excluded.session_id,
			started_at = excluded.started_at
	`, session.Identifier, session.SlotID, session.ID, started); err != nil {
		return fmt.Errorf("upsert current charging %s: %w", session.Identifier, err)
	}

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO battery_accounts (identifier, is_charging, charging_slot, charging_started_at, updated_at)
		VALUES (?, 1, ?, ?, ?)
		ON CONFLICT(identifier) DO UPDATE SET
			is_charging = 1,
			charging_slot = excluded.charging_slot,
			charging_started_at = excluded.charging_started_at,
			updated_at = excluded.updated_at
	`, session.Identifier, session.SlotID, started, formatTimestamp(s.now())); err != nil {
		return fmt.Errorf("mark charging %s: %w", session.Identifier, err)
	}

	return tx.Commit()
}

// RecordSessionEnd closes a session. A session whose start was never
// written is inserted closed.
func (s *HistoryStore) RecordSessionEnd(ctx context.Context, session shared.ChargeSession) error {
	if !session.Closed() {
		return fmt.Errorf("session %s is not closed", session.ID)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin session end: %w", err)
	}
	defer tx.Rollback()

	ended := formatTimestamp(*session.EndedAt)
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO charge_sessions (id, identifier, slot_id, status, started_at, ended_at, duration_seconds)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			status = excluded.status,
			ended_at = excluded.ended_at,
			duration_seconds = excluded.duration_seconds
	`, session.ID, session.Identifier, session.SlotID, SessionClosed,
		formatTimestamp(session.StartedAt), ended, *session.DurationSeconds); err != nil {
		return fmt.Errorf("close session %s: %w", session.ID, err)
	}

	if _, err := tx.ExecContext(ctx, `
		DELETE FROM current_charging WHERE identifier = ? AND session_id = ?
	`, session.Identifier, session.ID); err != nil {
		return fmt.Errorf("clear current charging %s: %w", session.Identifier, err)
	}

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO battery_accounts (identifier, last_charging_slot, last_charge_seconds, last_ended_at, updated_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(identifier) DO UPDATE SET
			is_charging = 0,
			charging_slot = NULL,
			charging_started_at = NULL,
			last_charging_slot = excluded.last_charging_slot,
			last_charge_seconds = excluded.last_charge_seconds,
			last_ended_at = excluded.last_ended_at,
			updated_at = excluded.updated_at
	`, session.Identifier, session.SlotID, *session.DurationSeconds, ended, formatTimestamp(s.now())); err != nil {
		return fmt.Errorf("mark not charging %s: %w", session.Identifier, err)
	}

	return tx.Commit()
}

// SessionHistory returns the closed sessions of one battery, oldest first.
func (s *HistoryStore) SessionHistory(ctx context.Context, identifier string) ([]shared.ChargeSession, error) {
	records, err := s.querySessions(ctx, `
		SELECT id, identifier, slot_id, status, started_at, ended_at, duration_seconds
		FROM charge_sessions
		WHERE identifier = ? AND status = ?
		ORDER BY started_at, id
	`, identifier, SessionClosed)
	if err != nil {
		return nil, err
	}

	sessions := make([]shared.ChargeSession, 0, len(records))
	for _, r := range records {
		sessions = append(sessions, shared.ChargeSession{
			ID:              r.ID,
			Identifier:      r.Identifier,
			SlotID:          r.SlotID,
			StartedAt:       r.StartedAt,
			EndedAt:         r.EndedAt,
			DurationSeconds: r.DurationSeconds,
		})
	}
	return sessions, nil
}

// Sessions returns every session row of one battery, newest first.
func (s *HistoryStore) Sessions(ctx context.Context, identifier string, limit int) ([]SessionRecord, error) {
	if limit <= 0 {
		limit = 100
	}
	return s.querySessions(ctx, `
		SELECT id, identifier, slot_id, status, started_at, ended_at, duration_seconds
		FROM charge_sessions
		WHERE identifier = ?
		ORDER BY started_at DESC, id
		LIMIT ?
	`, identifier, limit)
}

// Identifiers lists every battery that has at least one session.
func (s *HistoryStore) Identifiers(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT DISTINCT identifier FROM charge_sessions ORDER BY identifier`)
	if err != nil {
		return nil, fmt.Errorf("list identifiers: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan identifier: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// SaveAccount writes the aggregates and leaves the charging fields alone.
func (s *HistoryStore) SaveAccount(ctx context.Context, account shared.BatteryAccount) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO battery_accounts (identifier, total_cycles, total_charge_seconds, average_charge_seconds, updated_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(identifier) DO UPDATE SET
			total_cycles = excluded.total_cycles,
			total_charge_seconds = excluded.total_charge_seconds,
			average_charge_seconds = excluded.average_charge_seconds,
			updated_at = excluded.updated_at
	`, account.Identifier, account.TotalCycles, account.TotalChargeSeconds, account.AverageChargeSeconds, formatTimestamp(s.now()))
	if err != nil {
		return fmt.Errorf("save account %s: %w", account.Identifier, err)
	}
	return nil
}

func (s *HistoryStore) GetAccount(ctx context.Context, identifier string) (AccountRecord, error) {
	accounts, err := s.queryAccounts(ctx, `WHERE a.identifier = ?`, identifier)
	if err != nil {
		return AccountRecord{}, err
	}
	if len(accounts) == 0 {
		return AccountRecord{}, ErrNotFound
	}
	return accounts[0], nil
}

func (s *HistoryStore) ListAccounts(ctx context.Context) ([]AccountRecord, error) {
	return s.queryAccounts(ctx, "")
}

func (s *HistoryStore) CurrentCharging(ctx context.Context) ([]CurrentCharging, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT identifier, slot_id, session_id, started_at FROM current_charging ORDER BY slot_id
	`)
	if err != nil {
		return nil, fmt.Errorf("list current charging: %w", err)
	}
	defer rows.Close()

	var out []CurrentCharging
	for rows.Next() {
		var (
			c       CurrentCharging
			started string
		)
		if err := rows.Scan(&c.Identifier, &c.SlotID, &c.SessionID, &started); err != nil {
			return nil, fmt.Errorf("scan current charging: %w", err)
		}
		if c.StartedAt, err = parseTimestamp(started); err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

// AbandonOpenSessions marks sessions left open by a previous run as
// abandoned and clears the charging flags. Abandoned sessions carry no
// duration and never count.
func (s *HistoryStore) AbandonOpenSessions(ctx context.Context, at time.Time) (int64, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("begin abandon: %w", err)
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx, `
		UPDATE charge_sessions SET status = ?, ended_at = ? WHERE status = ?
	`, SessionAbandoned, formatTimestamp(at), SessionOpen)
	if err != nil {
		return 0, fmt.Errorf("abandon sessions: %w", err)
	}
	n, _ := res.RowsAffected()

	if _, err := tx.ExecContext(ctx, `DELETE FROM current_charging`); err != nil {
		return 0, fmt.Errorf("clear current charging: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `
		UPDATE battery_accounts
		SET is_charging = 0, charging_slot = NULL, charging_started_at = NULL
		WHERE is_charging = 1
	`); err != nil {
		return 0, fmt.Errorf("clear charging flags: %w", err)
	}

	return n, tx.Commit()
}

func (s *HistoryStore) BatteryName(ctx context.Context, identifier string) (string, error) {
	var name string
	err := s.db.QueryRowContext(ctx, `SELECT name FROM battery_names WHERE identifier = ?`, identifier).Scan(&name)
	if errors.Is(err, sql.ErrNoRows) {
		return "", ErrNotFound
	}
	if err != nil {
		return "", fmt.Errorf("read name %s: %w", identifier, err)
	}
	return name, nil
}

// SetBatteryName stores a display name and resolves any open name request.
func (s *HistoryStore) SetBatteryName(ctx context.Context, identifier, name string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin set name: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO battery_names (identifier, name, updated_at) VALUES (?, ?, ?)
		ON CONFLICT(identifier) DO UPDATE SET name = excluded.name, updated_at = excluded.updated_at
	`, identifier, name, formatTimestamp(s.now())); err != nil {
		return fmt.Errorf("set name %s: %w", identifier, err)
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM name_requests WHERE identifier = ?`, identifier); err != nil {
		return fmt.Errorf("resolve name request %s: %w", identifier, err)
	}
	return tx.Commit()
}

// RequestName queues a naming request for a battery seen without a name.
func (s *HistoryStore) RequestName(ctx context.Context, identifier string, slotID int, at time.Time) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO name_requests (identifier, slot_id, requested_at) VALUES (?, ?, ?)
		ON CONFLICT(identifier) DO UPDATE SET slot_id = excluded.slot_id, requested_at = excluded.requested_at
	`, identifier, slotID, formatTimestamp(at))
	if err != nil {
		return fmt.Errorf("request name %s: %w", identifier, err)
	}
	return nil
}

func (s *HistoryStore) PendingNameRequests(ctx context.Context) ([]NameRequest, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT identifier, slot_id, requested_at FROM name_requests ORDER BY requested_at
	`)
	if err != nil {
		return nil, fmt.Errorf("list name requests: %w", err)
	}
	defer rows.Close()

	var out []NameRequest
	for rows.Next() {
		var (
			r         NameRequest
			requested string
		)
		if err := rows.Scan(&r.Identifier, &r.SlotID, &requested); err != nil {
			return nil, fmt.Errorf("scan name request: %w", err)
		}
		if r.RequestedAt, err = parseTimestamp(requested); err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

func (s *HistoryStore) AppendStationEvent(ctx context.Context, ev StationEvent) error {
	var slot sql.NullInt64
	if ev.SlotID != nil {
		slot = sql.NullInt64{Int64: int64(*ev.SlotID), Valid: true}
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO station_events (type, slot_id, identifier, correlation_id, data, occurred_at)
		VALUES (?, ?, ?, ?, ?, ?)
	`, ev.Type, slot, ev.Identifier, ev.CorrelationID, ev.Data, formatTimestamp(ev.OccurredAt))
	if err != nil {
		return fmt.Errorf("append station event %s: %w", ev.Type, err)
	}
	return nil
}

func (s *HistoryStore) querySessions(ctx context.Context, query string, args ...any) ([]SessionRecord, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query sessions: %w", err)
	}
	defer rows.Close()

	var out []SessionRecord
	for rows.Next() {
		var (
			r        SessionRecord
			started  string
			ended    sql.NullString
			duration sql.NullInt64
		)
		if err := rows.Scan(&r.ID, &r.Identifier, &r.SlotID, &r.Status, &started, &ended, &duration); err != nil {
			return nil, fmt.Errorf("scan session row: %w", err)
		}
		if r.StartedAt, err = parseTimestamp(started); err != nil {
			return nil, fmt.Errorf("parse started_at for session %s: %w", r.ID, err)
		}
		if r.EndedAt, err = parseNullTimestamp(ended); err != nil {
			return nil, fmt.Errorf("parse ended_at for session %s: %w", r.ID, err)
		}
		r.DurationSeconds = nullInt64(duration)
		out = append(out, r)
	}
	return out, rows.Err()
}

func (s *HistoryStore) queryAccounts(ctx context.Context, where string, args ...any) ([]AccountRecord, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT a.identifier, COALESCE(n.name, ''), a.total_cycles, a.total_charge_seconds,
			a.average_charge_seconds, a.is_charging, a.charging_slot, a.last_charging_slot,
			a.last_charge_seconds, a.last_ended_at, a.updated_at
		FROM battery_accounts a
		LEFT JOIN battery_names n ON n.identifier = a.identifier
		`+where+`
		ORDER BY a.identifier
	`, args...)
	if err != nil {
		return nil, fmt.Errorf("query accounts: %w", err)
	}
	defer rows.Close()

	var out []AccountRecord
	for rows.Next() {
		var (
			a            AccountRecord
			isCharging   int
			chargingSlot sql.NullInt64
			lastSlot     sql.NullInt64
			lastSeconds  sql.NullInt64
			lastEnded    sql.NullString
			updated      string
		)
		if err := rows.Scan(&a.Identifier, &a.Name, &a.TotalCycles, &a.TotalChargeSeconds,
			&a.AverageChargeSeconds, &isCharging, &chargingSlot, &lastSlot,
			&lastSeconds, &lastEnded, &updated); err != nil {
			return nil, fmt.Errorf("scan account row: %w", err)
		}
		a.IsCharging = isCharging != 0
		a.ChargingSlot = nullInt(chargingSlot)
		a.LastChargingSlot = nullInt(lastSlot)
		a.LastChargeSeconds = nullInt64(lastSeconds)
		if a.LastEndedAt, err = parseNullTimestamp(lastEnded); err != nil {
			return nil, err
		}
		if a.UpdatedAt, err = parseTimestamp(updated); err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, rows.Err()
}
