package station

import (
	"context"
	"sync"

	"github.com/Bldg-7/chargebay/internal/shared"
	"go.uber.org/zap"
)

const sinkQueueSize = 256

// Sink receives published session events.
type Sink interface {
	Name() string
	Handle(ctx context.Context, ev shared.SessionEvent) error
}

type sinkWorker struct {
	sink  Sink
	queue chan shared.SessionEvent
}

// EventBus delivers each event to every sink on its own goroutine, so a
// slow sink only backs up its own queue.
type EventBus struct {
	logger  *zap.Logger
	metrics *Metrics
	workers []*sinkWorker

	mu      sync.RWMutex
	started bool
	closed  bool
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

func NewEventBus(logger *zap.Logger, metrics *Metrics, sinks ...Sink) *EventBus {
	if logger == nil {
		logger = zap.NewNop()
	}
	b := &EventBus{logger: logger, metrics: metrics}
	for _, s := range sinks {
		if s == nil {
			continue
		}
		b.workers = append(b.workers, &sinkWorker{sink: s, queue: make(chan shared.SessionEvent, sinkQueueSize)})
	}
	return b
}

// Start launches one delivery goroutine per sink.
func (b *EventBus) Start(ctx context.Context) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.started || b.closed {
		return
	}
	b.started = true

	ctx, b.cancel = context.WithCancel(ctx)
	for _, w := range b.workers {
		b.wg.Add(1)
		go b.deliver(ctx, w)
	}
}

// Publish queues ev for every sink without blocking.
func (b *EventBus) Publish(ev shared.SessionEvent) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return
	}
	for _, w := range b.workers {
		select {
		case w.queue <- ev:
		default:
			b.metrics.RecordDropped(w.sink.Name())
			b.logger.Warn("sink queue full; dropping event",
				zap.String("sink", w.sink.Name()),
				zap.String("type", string(ev.Type)))
		}
	}
}

// Close delivers what is already queued and stops the workers.
func (b *EventBus) Close() {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	b.closed = true
	for _, w := range b.workers {
		close(w.queue)
	}
	b.mu.Unlock()

	b.wg.Wait()
	if b.cancel != nil {
		b.cancel()
	}
}

func (b *EventBus) deliver(ctx context.Context, w *sinkWorker) {
	defer b.wg.Done()
	for ev := range w.queue {
		if err := w.sink.Handle(ctx, ev); err != nil {
			b.logger.Warn("sink delivery failed",
				zap.String("sink", w.sink.Name()),
				zap.String("type", string(ev.Type)),
				zap.Error(err))
		}
	}
}
