package station

import (
	"context"
	"testing"
	"time"

	"github.com/Bldg-7/chargebay/internal/shared"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNextDelay(t *testing.T) {
	tests := []struct {
		interval time.Duration
		elapsed  time.Duration
		want     time.Duration
	}{
		{500 * time.Millisecond, 0, 500 * time.Millisecond},
		{500 * time.Millisecond, 120 * time.Millisecond, 380 * time.Millisecond},
		{500 * time.Millisecond, 500 * time.Millisecond, 0},
		{500 * time.Millisecond, 2 * time.Second, 0},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, NextDelay(tt.interval, tt.elapsed), "elapsed %s", tt.elapsed)
	}
}

func newTestOrchestrator(state *StationState, threshold int64, req Requester, events EventPublisher) *Orchestrator {
	src := NewThresholdSource(nil, threshold, time.Minute, nil)
	o := NewOrchestrator(state, src, newTestDriver(req), events, 10*time.Millisecond, nil, nil)
	return o
}

func TestTickDrivesIndicatorsAndSelection(t *testing.T) {
	state := newTestState()
	state.EnqueueIdentifier(identifierAt("AAAA", 9.8))
	_, err := state.RecordSlotEvent(slotAt(1, shared.SlotPresent, 10.0))
	require.NoError(t, err)

	req := &fakeRequester{}
	events := &eventLog{}
	o := newTestOrchestrator(state, 60, req, events)

	o.now = func() time.Time { return at(30) }
	evals := o.Tick(context.Background())
	require.Len(t, evals, 7)
	assert.Equal(t, ClassCharging, evals[1].Class)
	assert.Len(t, req.sent(), 7, "first pass paints every segment")
	assert.Empty(t, events.ofType(shared.EventNextChanged))

	req.reset()
	o.now = func() time.Time { return at(80) }
	evals = o.Tick(context.Background())
	assert.True(t, evals[1].Selected)
	assert.Equal(t, []string{"SEG 1 POS 5 COLOR 96 MODE DEEP_PULSE"}, req.sent())

	changed := events.ofType(shared.EventNextChanged)
	require.Len(t, changed, 1)
	assert.True(t, changed[0].HasCandidate)
	assert.Equal(t, 1, changed[0].SlotID)
	assert.Equal(t, "AAAA", changed[0].Identifier)

	// Same selection on the next cycle publishes nothing new.
	o.Tick(context.Background())
	assert.Len(t, events.ofType(shared.EventNextChanged), 1)

	_, err = state.RecordSlotEvent(slotAt(1, shared.SlotRemoved, 90))
	require.NoError(t, err)
	o.now = func() time.Time { return at(91) }
	o.Tick(context.Background())
	changed = events.ofType(shared.EventNextChanged)
	require.Len(t, changed, 2)
	assert.False(t, changed[1].HasCandidate)
}

func TestTickPrunesPending(t *testing.T) {
	state := newTestState()
	state.EnqueueIdentifier(identifierAt("AAAA", 0))
	o := newTestOrchestrator(state, 60, &fakeRequester{}, nil)
	o.now = func() time.Time { return at(30) }

	o.Tick(context.Background())
	assert.Equal(t, 0, state.PendingCount())
}

func TestRunStopsOnCancel(t *testing.T) {
	req := &fakeRequester{}
	o := newTestOrchestrator(newTestState(), 60, req, nil)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		o.Run(ctx)
		close(done)
	}()

	require.Eventually(t, func() bool { return len(req.sent()) >= 7 }, 2*time.Second, 5*time.Millisecond)
	cancel()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("poll loop did not stop")
	}
}
