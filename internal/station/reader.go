package station

import (
	"context"
	"errors"
	"time"

	"github.com/Bldg-7/chargebay/internal/shared"
	"go.uber.org/zap"
)

// SlotEventHandler consumes parsed slot events.
type SlotEventHandler interface {
	HandleSlotEvent(ctx context.Context, ev shared.SlotEvent)
}

// SlotEventReader parses inbound device lines into slot events. It runs
// on the link's read goroutine, so events reach the handler in read order.
type SlotEventReader struct {
	handler SlotEventHandler
	logger  *zap.Logger
	metrics *Metrics
	now     func() time.Time
}

func NewSlotEventReader(handler SlotEventHandler, logger *zap.Logger, metrics *Metrics) *SlotEventReader {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &SlotEventReader{handler: handler, logger: logger, metrics: metrics, now: time.Now}
}

// HandleLine is a link.LineHandler.
func (r *SlotEventReader) HandleLine(ctx context.Context, raw string) {
	line, err := shared.ParseInboundLine(raw)
	if err != nil {
		if errors.Is(err, shared.ErrMalformedSlotLine) {
			r.metrics.RecordLineError("malformed")
			r.logger.Warn("dropping malformed slot line", zap.String("line", raw), zap.Error(err))
			return
		}
		r.metrics.RecordLineError("unrecognized")
		r.logger.Debug("ignoring device output", zap.String("line", raw))
		return
	}
	if line.Kind != shared.LineSlot {
		return
	}

	ctx, id := shared.StartCorrelation(ctx)
	r.handler.HandleSlotEvent(ctx, shared.SlotEvent{
		SlotID:        line.SlotID,
		State:         line.State,
		ObservedAt:    r.now(),
		CorrelationID: id,
	})
}
