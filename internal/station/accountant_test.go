package station

import (
	"context"
	"testing"

	"github.com/Bldg-7/chargebay/internal/shared"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestComputeAccount(t *testing.T) {
	open := shared.ChargeSession{ID: "open", Identifier: "AAAA", StartedAt: at(500)}

	tests := []struct {
		name      string
		sessions  []shared.ChargeSession
		threshold int64
		want      shared.BatteryAccount
	}{
		{
			name:      "no history",
			threshold: 60,
			want:      shared.BatteryAccount{Identifier: "AAAA"},
		},
		{
			name: "short sessions excluded",
			sessions: []shared.ChargeSession{
				closedSession("s1", "AAAA", 0, 59),
				closedSession("s2", "AAAA", 100, 60),
			},
			threshold: 60,
			want:      shared.BatteryAccount{Identifier: "AAAA", TotalCycles: 1, TotalChargeSeconds: 60, AverageChargeSeconds: 60},
		},
		{
			name: "average rounds down",
			sessions: []shared.ChargeSession{
				closedSession("s1", "AAAA", 0, 61),
				closedSession("s2", "AAAA", 100, 62),
			},
			threshold: 60,
			want:      shared.BatteryAccount{Identifier: "AAAA", TotalCycles: 2, TotalChargeSeconds: 123, AverageChargeSeconds: 61},
		},
		{
			name: "open sessions skipped",
			sessions: []shared.ChargeSession{
				closedSession("s1", "AAAA", 0, 3600),
				open,
			},
			threshold: 60,
			want:      shared.BatteryAccount{Identifier: "AAAA", TotalCycles: 1, TotalChargeSeconds: 3600, AverageChargeSeconds: 3600},
		},
		{
			name: "repeated session counted once",
			sessions: []shared.ChargeSession{
				closedSession("s1", "AAAA", 0, 120),
				closedSession("s1", "AAAA", 0, 120),
			},
			threshold: 60,
			want:      shared.BatteryAccount{Identifier: "AAAA", TotalCycles: 1, TotalChargeSeconds: 120, AverageChargeSeconds: 120},
		},
		{
			name: "zero threshold counts everything",
			sessions: []shared.ChargeSession{
				closedSession("s1", "AAAA", 0, 0),
				closedSession("s2", "AAAA", 10, 5),
			},
			threshold: 0,
			want:      shared.BatteryAccount{Identifier: "AAAA", TotalCycles: 2, TotalChargeSeconds: 5, AverageChargeSeconds: 2},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := ComputeAccount("AAAA", tt.sessions, tt.threshold)
			assert.Equal(t, tt.want, got)
			assert.Equal(t, got, ComputeAccount("AAAA", tt.sessions, tt.threshold))
		})
	}
}

func TestCounted(t *testing.T) {
	assert.True(t, Counted(closedSession("s1", "AAAA", 0, 60), 60))
	assert.False(t, Counted(closedSession("s1", "AAAA", 0, 59), 60))
	assert.False(t, Counted(shared.ChargeSession{ID: "open"}, 0))
}

func TestAccountantRecompute(t *testing.T) {
	ctx := context.Background()
	store := newMemStore()
	require.NoError(t, store.RecordSessionEnd(ctx, closedSession("s1", "AAAA", 0, 3600)))
	acct := NewAccountant(store, nil)

	// s2 has not been written yet; it is merged in.
	s2 := closedSession("s2", "AAAA", 4000, 4000)
	got, err := acct.Recompute(ctx, "AAAA", 3600, &s2)
	require.NoError(t, err)
	assert.Equal(t, int64(2), got.TotalCycles)
	assert.Equal(t, int64(7600), got.TotalChargeSeconds)

	// Once written, recomputing with the same session does not double count.
	require.NoError(t, store.RecordSessionEnd(ctx, s2))
	again, err := acct.Recompute(ctx, "AAAA", 3600, &s2)
	require.NoError(t, err)
	assert.Equal(t, got, again)

	saved, ok := store.account("AAAA")
	require.True(t, ok)
	assert.Equal(t, again, saved)
}

func TestAccountantThresholdChangeRecomputes(t *testing.T) {
	ctx := context.Background()
	store := newMemStore()
	require.NoError(t, store.RecordSessionEnd(ctx, closedSession("s1", "AAAA", 0, 1800)))
	require.NoError(t, store.RecordSessionEnd(ctx, closedSession("s2", "AAAA", 5000, 3600)))
	acct := NewAccountant(store, nil)

	strict, err := acct.Recompute(ctx, "AAAA", 3600, nil)
	require.NoError(t, err)
	assert.Equal(t, int64(1), strict.TotalCycles)

	loose, err := acct.Recompute(ctx, "AAAA", 600, nil)
	require.NoError(t, err)
	assert.Equal(t, int64(2), loose.TotalCycles)
	assert.Equal(t, int64(2700), loose.AverageChargeSeconds)
}
