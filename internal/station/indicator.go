package station

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/Bldg-7/chargebay/internal/link"
	"github.com/Bldg-7/chargebay/internal/shared"
	"go.uber.org/zap"
)

// Requester writes a line and waits for the device to acknowledge it.
type Requester interface {
	Request(ctx context.Context, line string, timeout time.Duration) error
}

// Sender writes a line without waiting for a reply.
type Sender interface {
	Send(line string) error
}

// Appearance is how a segment looks for one classification.
type Appearance struct {
	Hue  int
	Mode shared.IndicatorMode
}

// Palette maps slot status to segment appearance.
type Palette struct {
	Available Appearance
	Charging  Appearance
	Ready     Appearance
	Selected  Appearance
}

func DefaultPalette() Palette {
	return Palette{
		Available: Appearance{Hue: shared.HueAmber, Mode: shared.ModePulse},
		Charging:  Appearance{Hue: shared.HueRed, Mode: shared.ModeSolid},
		Ready:     Appearance{Hue: shared.HueBlue, Mode: shared.ModeSolid},
		Selected:  Appearance{Hue: shared.HueGreen, Mode: shared.ModeDeepPulse},
	}
}

// IndicatorOptions configures the command/ack protocol.
type IndicatorOptions struct {
	Positions   []int
	AckTimeout  time.Duration
	MaxAttempts int
	RetryMin    time.Duration
	RetryMax    time.Duration
	Palette     Palette
}

// ApplyResult counts what one Apply pass did.
type ApplyResult struct {
	Sent    int
	Skipped int
	Failed  int
}

// IndicatorDriver keeps each slot's light segment in step with its
// classification. A command is written only when it differs from the
// last one the device acknowledged for that slot.
type IndicatorDriver struct {
	link    Requester
	opts    IndicatorOptions
	logger  *zap.Logger
	metrics *Metrics

	mu        sync.Mutex
	lastAcked map[int]shared.IndicatorCommand
}

func NewIndicatorDriver(requester Requester, opts IndicatorOptions, logger *zap.Logger, metrics *Metrics) *IndicatorDriver {
	if logger == nil {
		logger = zap.NewNop()
	}
	if opts.MaxAttempts < 1 {
		opts.MaxAttempts = 1
	}
	if opts.Palette == (Palette{}) {
		opts.Palette = DefaultPalette()
	}
	return &IndicatorDriver{
		link:      requester,
		opts:      opts,
		logger:    logger,
		metrics:   metrics,
		lastAcked: make(map[int]shared.IndicatorCommand),
	}
}

// CommandFor computes the command for one evaluated slot.
func (d *IndicatorDriver) CommandFor(ev SlotEvaluation) shared.IndicatorCommand {
	var look Appearance
	switch {
	case ev.Class == ClassReady && ev.Selected:
		look = d.opts.Palette.Selected
	case ev.Class == ClassReady:
		look = d.opts.Palette.Ready
	case ev.Class == ClassCharging:
		look = d.opts.Palette.Charging
	default:
		look = d.opts.Palette.Available
	}
	return shared.IndicatorCommand{
		SlotID:   ev.SlotID,
		Position: d.position(ev.SlotID),
		Hue:      look.Hue,
		Mode:     look.Mode,
	}
}

func (d *IndicatorDriver) position(slotID int) int {
	if slotID >= 0 && slotID < len(d.opts.Positions) {
		return d.opts.Positions[slotID]
	}
	return slotID
}

// Apply sends every command that changed since the last acknowledgment.
// A disconnected link ends the pass early; the next poll retries.
func (d *IndicatorDriver) Apply(ctx context.Context, evals []SlotEvaluation) ApplyResult {
	var res ApplyResult
	for _, ev := range evals {
		cmd := d.CommandFor(ev)
		if d.acknowledged(cmd) {
			res.Skipped++
			continue
		}
		err := d.send(ctx, cmd)
		if err == nil {
			res.Sent++
			continue
		}
		res.Failed++
		if errors.Is(err, link.ErrNotConnected) || ctx.Err() != nil {
			return res
		}
	}
	return res
}

// LastAcked returns the last acknowledged command for a slot.
func (d *IndicatorDriver) LastAcked(slotID int) (shared.IndicatorCommand, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	cmd, ok := d.lastAcked[slotID]
	return cmd, ok
}

// Reset forgets every acknowledged command so the next pass repaints all
// segments. Called when the link comes back, since the device may have
// restarted.
func (d *IndicatorDriver) Reset() {
	d.mu.Lock()
	d.lastAcked = make(map[int]shared.IndicatorCommand)
	d.mu.Unlock()
}

func (d *IndicatorDriver) acknowledged(cmd shared.IndicatorCommand) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	last, ok := d.lastAcked[cmd.SlotID]
	return ok && last == cmd
}

func (d *IndicatorDriver) send(ctx context.Context, cmd shared.IndicatorCommand) error {
	line := shared.FormatIndicatorCommand(cmd)
	backoff := link.NewBackoff(d.opts.RetryMin, d.opts.RetryMax)

	var err error
	for attempt := 1; attempt <= d.opts.MaxAttempts; attempt++ {
		start := time.Now()
		err = d.link.Request(ctx, line, d.opts.AckTimeout)
		if err == nil {
			d.metrics.ObserveAck(time.Since(start))
			d.metrics.RecordIndicator("acked")
			d.mu.Lock()
			d.lastAcked[cmd.SlotID] = cmd
			d.mu.Unlock()
			return nil
		}
		if errors.Is(err, link.ErrNotConnected) {
			d.metrics.RecordIndicator("disconnected")
			d.logger.Debug("indicator command skipped, link down", zap.Int("slot", cmd.SlotID))
			return err
		}
		d.metrics.RecordIndicator("retry")
		d.logger.Debug("indicator command not acknowledged",
			zap.Int("slot", cmd.SlotID),
			zap.Int("attempt", attempt),
			zap.Error(err))

		if attempt == d.opts.MaxAttempts {
			break
		}
		if !sleepCtx(ctx, backoff.Duration()) {
			return ctx.Err()
		}
	}

	d.metrics.RecordIndicator("failed")
	d.logger.Warn("indicator command failed",
		zap.Int("slot", cmd.SlotID),
		zap.String("command", line),
		zap.Int("attempts", d.opts.MaxAttempts),
		zap.Error(err))
	return err
}

func sleepCtx(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return ctx.Err() == nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}

// Heartbeat writes a keep-alive line on a fixed interval.
type Heartbeat struct {
	sender   Sender
	interval time.Duration
	logger   *zap.Logger
}

func NewHeartbeat(sender Sender, interval time.Duration, logger *zap.Logger) *Heartbeat {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Heartbeat{sender: sender, interval: interval, logger: logger}
}

// Run blocks until ctx is done.
func (h *Heartbeat) Run(ctx context.Context) {
	if h.interval <= 0 {
		return
	}
	ticker := time.NewTicker(h.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := h.sender.Send(shared.HeartbeatLine); err != nil {
				if errors.Is(err, link.ErrNotConnected) {
					h.logger.Debug("heartbeat skipped, link down")
					continue
				}
				h.logger.Warn("heartbeat write failed", zap.Error(err))
			}
		}
	}
}
