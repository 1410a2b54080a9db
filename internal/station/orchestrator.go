package station

import (
	"context"
	"time"

	"github.com/Bldg-7/chargebay/internal/shared"
	"go.uber.org/zap"
)

// Orchestrator runs the fixed-cadence poll: snapshot, classify, select,
// then drive the indicators.
type Orchestrator struct {
	state     *StationState
	threshold *ThresholdSource
	indicator *IndicatorDriver
	events    EventPublisher
	interval  time.Duration
	logger    *zap.Logger
	metrics   *Metrics
	now       func() time.Time

	next    int
	hasNext bool
}

func NewOrchestrator(state *StationState, threshold *ThresholdSource, indicator *IndicatorDriver, events EventPublisher, interval time.Duration, logger *zap.Logger, metrics *Metrics) *Orchestrator {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Orchestrator{
		state:     state,
		threshold: threshold,
		indicator: indicator,
		events:    events,
		interval:  interval,
		logger:    logger,
		metrics:   metrics,
		now:       time.Now,
		next:      -1,
	}
}

// NextDelay is how long to sleep after a cycle that took elapsed. An
// overrun yields zero; missed cycles are not made up.
func NextDelay(interval, elapsed time.Duration) time.Duration {
	if d := interval - elapsed; d > 0 {
		return d
	}
	return 0
}

// Run polls until ctx is done.
func (o *Orchestrator) Run(ctx context.Context) {
	o.logger.Info("poll loop started", zap.Duration("interval", o.interval))
	timer := time.NewTimer(0)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			o.logger.Info("poll loop stopped")
			return
		case <-timer.C:
		}

		start := time.Now()
		o.Tick(ctx)
		elapsed := time.Since(start)
		o.metrics.ObservePoll(elapsed)
		timer.Reset(NextDelay(o.interval, elapsed))
	}
}

// Tick runs one poll cycle and returns the evaluations it acted on.
func (o *Orchestrator) Tick(ctx context.Context) []SlotEvaluation {
	now := o.now()
	if pruned := o.state.PrunePending(now); pruned > 0 {
		o.logger.Debug("expired pending identifiers", zap.Int("count", pruned))
	}
	o.metrics.SetPending(o.state.PendingCount())

	threshold := o.threshold.Seconds(ctx)
	evals, next, ok := Evaluate(o.state.SnapshotSlots(), now, threshold)
	o.noteSelection(now, evals, next, ok)

	counts := make(map[Classification]int, 3)
	for _, ev := range evals {
		counts[ev.Class]++
	}
	o.metrics.SetSlotClasses(counts)

	if o.indicator != nil {
		res := o.indicator.Apply(ctx, evals)
		if res.Failed > 0 {
			o.logger.Debug("indicator pass incomplete",
				zap.Int("sent", res.Sent),
				zap.Int("failed", res.Failed))
		}
	}
	return evals
}

func (o *Orchestrator) noteSelection(now time.Time, evals []SlotEvaluation, next int, ok bool) {
	if ok == o.hasNext && next == o.next {
		return
	}
	o.next, o.hasNext = next, ok

	ev := shared.SessionEvent{
		Type:         shared.EventNextChanged,
		OccurredAt:   now,
		SlotID:       next,
		HasCandidate: ok,
	}
	if ok {
		for _, e := range evals {
			if e.SlotID == next {
				ev.Identifier = e.Identifier
			}
		}
		o.logger.Info("next battery changed",
			zap.Int("slot", next),
			zap.String("identifier", ev.Identifier))
	} else {
		o.logger.Info("no battery ready")
	}
	if o.events != nil {
		o.events.Publish(ev)
	}
}
