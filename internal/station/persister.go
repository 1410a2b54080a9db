package station

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/Bldg-7/chargebay/internal/shared"
	"github.com/Bldg-7/chargebay/internal/storage"
	"go.uber.org/zap"
)

const (
	persistQueueSize = 1024
	persistTimeout   = 5 * time.Second
)

// SessionStore is the history store as seen by the persist worker.
type SessionStore interface {
	AccountStore
	RecordSessionStart(ctx context.Context, session shared.ChargeSession) error
	RecordSessionEnd(ctx context.Context, session shared.ChargeSession) error
	BatteryName(ctx context.Context, identifier string) (string, error)
	RequestName(ctx context.Context, identifier string, slotID int, at time.Time) error
	AppendStationEvent(ctx context.Context, ev storage.StationEvent) error
}

type persistKind int

const (
	persistOpened persistKind = iota
	persistClosed
	persistAudit
)

type persistOp struct {
	kind          persistKind
	session       shared.ChargeSession
	audit         storage.StationEvent
	correlationID string
}

// Persister moves store writes and accounting off the reader goroutine.
// Session writes wait for queue space; audit rows are dropped when the
// queue is full.
type Persister struct {
	store      SessionStore
	accountant *Accountant
	threshold  *ThresholdSource
	events     EventPublisher
	logger     *zap.Logger
	metrics    *Metrics

	queue   chan persistOp
	stopCh  chan struct{}
	stopped sync.Once
	workers sync.WaitGroup
}

func NewPersister(store SessionStore, threshold *ThresholdSource, events EventPublisher, logger *zap.Logger, metrics *Metrics) *Persister {
	if logger == nil {
		logger = zap.NewNop()
	}
	p := &Persister{
		store:      store,
		accountant: NewAccountant(store, logger),
		threshold:  threshold,
		events:     events,
		logger:     logger,
		metrics:    metrics,
		queue:      make(chan persistOp, persistQueueSize),
		stopCh:     make(chan struct{}),
	}

	p.workers.Add(1)
	go p.persistWorker()

	return p
}

// Close drains queued work and stops the worker.
func (p *Persister) Close() {
	p.stopped.Do(func() { close(p.stopCh) })
	p.workers.Wait()
}

func (p *Persister) SessionOpened(ctx context.Context, session shared.ChargeSession) {
	p.enqueueSession(ctx, persistOp{kind: persistOpened, session: session, correlationID: shared.GetCorrelationID(ctx)})
}

func (p *Persister) SessionClosed(ctx context.Context, session shared.ChargeSession) {
	p.enqueueSession(ctx, persistOp{kind: persistClosed, session: session, correlationID: shared.GetCorrelationID(ctx)})
}

func (p *Persister) Audit(ctx context.Context, ev storage.StationEvent) {
	select {
	case <-p.stopCh:
		return
	default:
	}
	select {
	case p.queue <- persistOp{kind: persistAudit, audit: ev}:
	default:
		p.metrics.RecordDropped("persist")
		p.logger.Warn("persist queue full; dropping station event",
			zap.String("type", ev.Type),
			zap.String("correlation_id", ev.CorrelationID))
	}
}

func (p *Persister) enqueueSession(ctx context.Context, op persistOp) {
	select {
	case p.queue <- op:
	case <-p.stopCh:
		p.logger.Warn("persister stopped; session write lost",
			zap.String("session_id", op.session.ID))
	case <-ctx.Done():
		p.logger.Warn("session write abandoned",
			zap.String("session_id", op.session.ID),
			zap.Error(ctx.Err()))
	}
}

func (p *Persister) persistWorker() {
	defer p.workers.Done()

	for {
		select {
		case op := <-p.queue:
			p.process(op)
		case <-p.stopCh:
			for {
				select {
				case op := <-p.queue:
					p.process(op)
				default:
					return
				}
			}
		}
	}
}

func (p *Persister) process(op persistOp) {
	if p.store == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), persistTimeout)
	defer cancel()
	if op.correlationID != "" {
		ctx = shared.WithCorrelationID(ctx, op.correlationID)
	}

	switch op.kind {
	case persistOpened:
		p.persistOpened(ctx, op.session)
	case persistClosed:
		p.persistClosed(ctx, op.session)
	case persistAudit:
		if err := p.store.AppendStationEvent(ctx, op.audit); err != nil {
			p.logger.Warn("failed to persist station event", zap.String("type", op.audit.Type), zap.Error(err))
		}
	}
}

func (p *Persister) persistOpened(ctx context.Context, session shared.ChargeSession) {
	if err := p.store.RecordSessionStart(ctx, session); err != nil {
		shared.LogErrorWithContext(ctx, p.logger, "failed to record session start", err,
			zap.String("session_id", session.ID))
		return
	}

	_, err := p.store.BatteryName(ctx, session.Identifier)
	switch {
	case errors.Is(err, storage.ErrNotFound):
		if err := p.store.RequestName(ctx, session.Identifier, session.SlotID, session.StartedAt); err != nil {
			p.logger.Warn("failed to request battery name", zap.String("identifier", session.Identifier), zap.Error(err))
			return
		}
		shared.LogWithContext(ctx, p.logger, "unnamed battery, name requested",
			zap.String("identifier", session.Identifier),
			zap.Int("slot", session.SlotID))
	case err != nil:
		p.logger.Warn("failed to read battery name", zap.String("identifier", session.Identifier), zap.Error(err))
	}
}

func (p *Persister) persistClosed(ctx context.Context, session shared.ChargeSession) {
	if err := p.store.RecordSessionEnd(ctx, session); err != nil {
		shared.LogErrorWithContext(ctx, p.logger, "failed to record session end", err,
			zap.String("session_id", session.ID))
	}

	threshold := p.threshold.Seconds(ctx)
	counted := Counted(session, threshold)
	p.metrics.RecordSessionClosed(counted)

	p.publish(shared.SessionEvent{
		Type:          shared.EventSessionClosed,
		OccurredAt:    *session.EndedAt,
		SlotID:        session.SlotID,
		Identifier:    session.Identifier,
		Session:       &session,
		Counted:       counted,
		CorrelationID: shared.GetCorrelationID(ctx),
	})

	account, err := p.accountant.Recompute(ctx, session.Identifier, threshold, &session)
	if err != nil {
		shared.LogErrorWithContext(ctx, p.logger, "failed to update battery account", err,
			zap.String("identifier", session.Identifier))
		return
	}
	p.publish(shared.SessionEvent{
		Type:          shared.EventAccountUpdated,
		OccurredAt:    *session.EndedAt,
		SlotID:        session.SlotID,
		Identifier:    session.Identifier,
		Account:       &account,
		CorrelationID: shared.GetCorrelationID(ctx),
	})
}

func (p *Persister) publish(ev shared.SessionEvent) {
	if p.events != nil {
		p.events.Publish(ev)
	}
}
