package storage

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/Bldg-7/chargebay/internal/shared"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T) *HistoryStore {
	t.Helper()
	return NewHistoryStore(openTemp(t, filepath.Join(t.TempDir(), "history.db")))
}

func closedSession(id, identifier string, slot int, start time.Time, seconds int64) shared.ChargeSession {
	end := start.Add(time.Duration(seconds) * time.Second)
	return shared.ChargeSession{
		ID:              id,
		Identifier:      identifier,
		SlotID:          slot,
		StartedAt:       start,
		EndedAt:         &end,
		DurationSeconds: &seconds,
	}
}

func TestMinimumDurationSetting(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	_, err := store.MinimumDuration(ctx)
	require.ErrorIs(t, err, ErrNotFound)

	require.NoError(t, store.SetMinimumDuration(ctx, 60))
	got, err := store.MinimumDuration(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(60), got)

	require.ErrorIs(t, store.SetMinimumDuration(ctx, 0), ErrInvalidSetting)

	_, err = store.db.Exec(`UPDATE settings SET value = 'sixty' WHERE key = ?`, settingMinimumDuration)
	require.NoError(t, err)
	_, err = store.MinimumDuration(ctx)
	require.ErrorIs(t, err, ErrInvalidSetting)
}

func TestSessionLifecycle(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	start := time.Date(2026, 3, 1, 8, 0, 10, 0, time.UTC)

	open := shared.ChargeSession{ID: "s1", Identifier: "A1B2C3D4E5", SlotID: 3, StartedAt: start}
	require.NoError(t, store.RecordSessionStart(ctx, open))

	current, err := store.CurrentCharging(ctx)
	require.NoError(t, err)
	require.Len(t, current, 1)
	assert.Equal(t, 3, current[0].SlotID)
	assert.Equal(t, "s1", current[0].SessionID)

	account, err := store.GetAccount(ctx, "A1B2C3D4E5")
	require.NoError(t, err)
	assert.True(t, account.IsCharging)
	require.NotNil(t, account.ChargingSlot)
	assert.Equal(t, 3, *account.ChargingSlot)

	history, err := store.SessionHistory(ctx, "A1B2C3D4E5")
	require.NoError(t, err)
	assert.Empty(t, history, "open sessions are not history")

	require.NoError(t, store.RecordSessionEnd(ctx, closedSession("s1", "A1B2C3D4E5", 3, start, 60)))

	current, err = store.CurrentCharging(ctx)
	require.NoError(t, err)
	assert.Empty(t, current)

	account, err = store.GetAccount(ctx, "A1B2C3D4E5")
	require.NoError(t, err)
	assert.False(t, account.IsCharging)
	assert.Nil(t, account.ChargingSlot)
	require.NotNil(t, account.LastChargingSlot)
	assert.Equal(t, 3, *account.LastChargingSlot)
	require.NotNil(t, account.LastChargeSeconds)
	assert.Equal(t, int64(60), *account.LastChargeSeconds)

	history, err = store.SessionHistory(ctx, "A1B2C3D4E5")
	require.NoError(t, err)
	require.Len(t, history, 1)
	assert.Equal(t, int64(60), *history[0].DurationSeconds)
	assert.True(t, history[0].StartedAt.Equal(start))
}

func TestRecordSessionEndWithoutStart(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	start := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)

	require.NoError(t, store.RecordSessionEnd(ctx, closedSession("late", "BBBB", 1, start, 30)))

	history, err := store.SessionHistory(ctx, "BBBB")
	require.NoError(t, err)
	require.Len(t, history, 1)
	assert.Equal(t, "late", history[0].ID)
}

func TestRecordSessionEndRejectsOpen(t *testing.T) {
	store := newTestStore(t)
	err := store.RecordSessionEnd(context.Background(), shared.ChargeSession{ID: "x", Identifier: "X", StartedAt: time.Now()})
	require.Error(t, err)
}

func TestSessionHistoryOrdering(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	base := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)

	// Fractional and whole-second starts must still sort chronologically.
	require.NoError(t, store.RecordSessionEnd(ctx, closedSession("b", "ID1", 0, base.Add(time.Second), 10)))
	require.NoError(t, store.RecordSessionEnd(ctx, closedSession("a", "ID1", 0, base.Add(500*time.Millisecond), 10)))

	history, err := store.SessionHistory(ctx, "ID1")
	require.NoError(t, err)
	require.Len(t, history, 2)
	assert.Equal(t, "a", history[0].ID)
	assert.Equal(t, "b", history[1].ID)
}

func TestSaveAccountKeepsChargingFields(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	start := time.Date(2026, 3, 1, 11, 0, 0, 0, time.UTC)

	require.NoError(t, store.RecordSessionStart(ctx, shared.ChargeSession{ID: "s", Identifier: "ID2", SlotID: 4, StartedAt: start}))
	require.NoError(t, store.SaveAccount(ctx, shared.BatteryAccount{
		Identifier:           "ID2",
		TotalCycles:          2,
		TotalChargeSeconds:   7300,
		AverageChargeSeconds: 3650,
	}))

	account, err := store.GetAccount(ctx, "ID2")
	require.NoError(t, err)
	assert.Equal(t, int64(2), account.TotalCycles)
	assert.Equal(t, int64(3650), account.AverageChargeSeconds)
	assert.True(t, account.IsCharging)

	accounts, err := store.ListAccounts(ctx)
	require.NoError(t, err)
	assert.Len(t, accounts, 1)

	_, err = store.GetAccount(ctx, "missing")
	assert.True(t, errors.Is(err, ErrNotFound))
}

func TestAbandonOpenSessions(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	start := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	require.NoError(t, store.RecordSessionStart(ctx, shared.ChargeSession{ID: "o1", Identifier: "ID3", SlotID: 2, StartedAt: start}))
	require.NoError(t, store.RecordSessionEnd(ctx, closedSession("c1", "ID4", 5, start, 100)))

	n, err := store.AbandonOpenSessions(ctx, start.Add(time.Hour))
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	sessions, err := store.Sessions(ctx, "ID3", 10)
	require.NoError(t, err)
	require.Len(t, sessions, 1)
	assert.Equal(t, SessionAbandoned, sessions[0].Status)
	assert.Nil(t, sessions[0].DurationSeconds)

	current, err := store.CurrentCharging(ctx)
	require.NoError(t, err)
	assert.Empty(t, current)

	account, err := store.GetAccount(ctx, "ID3")
	require.NoError(t, err)
	assert.False(t, account.IsCharging)

	ids, err := store.Identifiers(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"ID3", "ID4"}, ids)
}

func TestNameRequests(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	at := time.Date(2026, 3, 1, 13, 0, 0, 0, time.UTC)

	_, err := store.BatteryName(ctx, "ID5")
	require.ErrorIs(t, err, ErrNotFound)

	require.NoError(t, store.RequestName(ctx, "ID5", 1, at))
	require.NoError(t, store.RequestName(ctx, "ID5", 6, at.Add(time.Minute)))

	pending, err := store.PendingNameRequests(ctx)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, 6, pending[0].SlotID)

	require.NoError(t, store.SetBatteryName(ctx, "ID5", "Blue Pack 2"))
	name, err := store.BatteryName(ctx, "ID5")
	require.NoError(t, err)
	assert.Equal(t, "Blue Pack 2", name)

	pending, err = store.PendingNameRequests(ctx)
	require.NoError(t, err)
	assert.Empty(t, pending)
}

func TestAppendStationEvent(t *testing.T) {
	store := newTestStore(t)
	slot := 3
	require.NoError(t, store.AppendStationEvent(context.Background(), StationEvent{
		Type:          "slot_present",
		SlotID:        &slot,
		CorrelationID: "corr-1",
		OccurredAt:    time.Now(),
	}))

	var count int
	require.NoError(t, store.db.QueryRow(`SELECT COUNT(*) FROM station_events WHERE slot_id = 3`).Scan(&count))
	assert.Equal(t, 1, count)
}
