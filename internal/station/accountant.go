package station

import (
	"context"
	"fmt"

	"github.com/Bldg-7/chargebay/internal/shared"
	"go.uber.org/zap"
)

// AccountStore is the slice of the history store the accountant needs.
type AccountStore interface {
	SessionHistory(ctx context.Context, identifier string) ([]shared.ChargeSession, error)
	SaveAccount(ctx context.Context, account shared.BatteryAccount) error
}

// ComputeAccount derives a battery's aggregates from its full session
// history. Sessions shorter than threshold seconds are ignored, open
// sessions are skipped and a session ID seen twice counts once, so the
// result depends only on the set of closed sessions.
func ComputeAccount(identifier string, sessions []shared.ChargeSession, threshold int64) shared.BatteryAccount {
	account := shared.BatteryAccount{Identifier: identifier}
	seen := make(map[string]struct{}, len(sessions))

	for _, s := range sessions {
		if !s.Closed() {
			continue
		}
		if s.ID != "" {
			if _, dup := seen[s.ID]; dup {
				continue
			}
			seen[s.ID] = struct{}{}
		}
		if *s.DurationSeconds < threshold {
			continue
		}
		account.TotalCycles++
		account.TotalChargeSeconds += *s.DurationSeconds
	}

	if account.TotalCycles > 0 {
		account.AverageChargeSeconds = account.TotalChargeSeconds / account.TotalCycles
	}
	return account
}

// Counted reports whether a closed session meets the threshold.
func Counted(session shared.ChargeSession, threshold int64) bool {
	return session.Closed() && *session.DurationSeconds >= threshold
}

// mergeSession replaces the history entry with the same ID or appends it.
func mergeSession(history []shared.ChargeSession, session shared.ChargeSession) []shared.ChargeSession {
	for i := range history {
		if history[i].ID == session.ID {
			history[i] = session
			return history
		}
	}
	return append(history, session)
}

// Accountant recomputes and stores battery aggregates.
type Accountant struct {
	store  AccountStore
	logger *zap.Logger
}

func NewAccountant(store AccountStore, logger *zap.Logger) *Accountant {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Accountant{store: store, logger: logger}
}

// Recompute rebuilds the account for identifier from stored history. When
// closed is set it is merged in first so a session whose write has not
// landed yet is still counted exactly once.
func (a *Accountant) Recompute(ctx context.Context, identifier string, threshold int64, closed *shared.ChargeSession) (shared.BatteryAccount, error) {
	history, err := a.store.SessionHistory(ctx, identifier)
	if err != nil {
		return shared.BatteryAccount{}, fmt.Errorf("load history for %s: %w", identifier, err)
	}
	if closed != nil {
		history = mergeSession(history, *closed)
	}

	account := ComputeAccount(identifier, history, threshold)
	if err := a.store.SaveAccount(ctx, account); err != nil {
		return account, fmt.Errorf("save account %s: %w", identifier, err)
	}

	a.logger.Debug("account recomputed",
		zap.String("identifier", identifier),
		zap.Int64("cycles", account.TotalCycles),
		zap.Int64("total_seconds", account.TotalChargeSeconds),
		zap.Int64("threshold", threshold))
	return account, nil
}
