package station

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/Bldg-7/chargebay/internal/storage"
	"go.uber.org/zap"
)

// ThresholdReader reads the operator-configured minimum duration.
type ThresholdReader interface {
	MinimumDuration(ctx context.Context) (int64, error)
}

// ThresholdSource caches the minimum-duration setting and refreshes it
// on an interval. A missing or invalid setting yields the fallback; a
// failed read keeps the last good value.
type ThresholdSource struct {
	reader   ThresholdReader
	fallback int64
	refresh  time.Duration
	logger   *zap.Logger
	now      func() time.Time

	mu        sync.Mutex
	value     int64
	fetchedAt time.Time
	loaded    bool
}

func NewThresholdSource(reader ThresholdReader, fallback int64, refresh time.Duration, logger *zap.Logger) *ThresholdSource {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &ThresholdSource{
		reader:   reader,
		fallback: fallback,
		refresh:  refresh,
		logger:   logger,
		now:      time.Now,
		value:    fallback,
	}
}

// Seconds returns the current threshold in seconds.
func (t *ThresholdSource) Seconds(ctx context.Context) int64 {
	if t == nil {
		return 0
	}
	if t.reader == nil {
		return t.fallback
	}

	t.mu.Lock()
	if t.loaded && t.now().Sub(t.fetchedAt) < t.refresh {
		v := t.value
		t.mu.Unlock()
		return v
	}
	t.mu.Unlock()

	v, err := t.reader.MinimumDuration(ctx)

	t.mu.Lock()
	defer t.mu.Unlock()
	t.fetchedAt = t.now()

	switch {
	case err == nil:
		if !t.loaded || v != t.value {
			t.logger.Info("minimum duration loaded", zap.Int64("seconds", v))
		}
		t.value = v
		t.loaded = true
	case errors.Is(err, storage.ErrNotFound):
		t.value = t.fallback
		t.loaded = true
	case errors.Is(err, storage.ErrInvalidSetting):
		t.logger.Warn("minimum duration setting invalid, using default",
			zap.Int64("default", t.fallback), zap.Error(err))
		t.value = t.fallback
		t.loaded = true
	default:
		t.logger.Warn("minimum duration read failed", zap.Int64("using", t.value), zap.Error(err))
	}
	return t.value
}

// Invalidate forces the next Seconds call to re-read the setting.
func (t *ThresholdSource) Invalidate() {
	t.mu.Lock()
	t.loaded = false
	t.mu.Unlock()
}
