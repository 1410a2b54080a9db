package shared

import (
	"context"
	"time"

	"go.uber.org/zap"
)

const (
	safeGoMaxRetries = 10
	safeGoMaxDelay   = 5 * time.Minute
	safeGoResetAfter = 2 * time.Minute
)

// SafeGo runs fn in a goroutine and restarts it after a panic with
// exponential delay. A normal return ends the worker. After too many
// consecutive panics onExhausted is called, if set.
func SafeGo(ctx context.Context, logger *zap.Logger, name string, fn func(ctx context.Context), onExhausted func()) <-chan struct{} {
	if logger == nil {
		logger = zap.NewNop()
	}
	done := make(chan struct{})

	go func() {
		defer close(done)
		retries := 0
		delay := time.Second

		for {
			started := time.Now()
			var panicValue any

			func() {
				defer func() {
					panicValue = recover()
				}()
				fn(ctx)
			}()

			if panicValue == nil {
				return
			}

			if time.Since(started) >= safeGoResetAfter {
				retries = 0
				delay = time.Second
			}
			retries++
			logger.Error("worker panicked",
				zap.String("worker", name),
				zap.Int("attempt", retries),
				zap.Any("panic", panicValue),
			)

			if retries >= safeGoMaxRetries {
				logger.Error("worker exhausted restarts", zap.String("worker", name))
				if onExhausted != nil {
					onExhausted()
				}
				return
			}

			select {
			case <-time.After(delay):
				delay = min(delay*2, safeGoMaxDelay)
			case <-ctx.Done():
				return
			}
		}
	}()

	return done
}
