package yieldsaga

import (
	"context"
	"log/slog"
	"time"
)

// Accruer decides what happens during the accrue step of a round trip. The
// saga itself never computes yield; it only gives the protocol time.
type Accruer interface {
	Accrue(ctx context.Context, sagaID string, period time.Duration) error
}

// NoopAccruer logs the accrual period and returns at once. Timing is left to
// whoever schedules the saga.
type NoopAccruer struct {
	Logger *slog.Logger
}

func (a *NoopAccruer) Accrue(ctx context.Context, sagaID string, period time.Duration) error {
	if a.Logger != nil {
		a.Logger.Info("accrual period delegated to yield protocol",
			slog.String("saga_id", sagaID),
			slog.Duration("period", period))
	}
	return nil
}

// WaitAccruer actually waits out the accrual period.
type WaitAccruer struct{}

func (a *WaitAccruer) Accrue(ctx context.Context, sagaID string, period time.Duration) error {
	if period <= 0 {
		return nil
	}
	timer := time.NewTimer(period)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// AccruerFunc adapts a function to the Accruer interface.
type AccruerFunc func(ctx context.Context, sagaID string, period time.Duration) error

func (f AccruerFunc) Accrue(ctx context.Context, sagaID string, period time.Duration) error {
	return f(ctx, sagaID, period)
}
