package attestation

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/deepnoodle-ai/yieldsaga"
	"github.com/deepnoodle-ai/yieldsaga/retry"
)

// BridgeStatus summarizes where a transfer is from the attestation
// service's point of view.
type BridgeStatus string

const (
	BridgeInitiated BridgeStatus = "initiated"
	BridgeAttested  BridgeStatus = "attested"
	BridgeFailed    BridgeStatus = "failed"
)

// RetryOptions configures GetAttestationWithRetry.
type RetryOptions struct {
	MaxRetries int
	BaseWait   time.Duration
	MaxWait    time.Duration
}

// DefaultRetryOptions waits 1s, 2s, 4s, 8s then 10s between fetches.
var DefaultRetryOptions = RetryOptions{
	MaxRetries: 5,
	BaseWait:   time.Second,
	MaxWait:    10 * time.Second,
}

// PollingProvider waits for attestations by polling a Fetcher at a fixed
// interval.
type PollingProvider struct {
	fetcher Fetcher
	logger  *slog.Logger
}

// NewPollingProvider creates a polling provider.
func NewPollingProvider(fetcher Fetcher, logger *slog.Logger) *PollingProvider {
	if logger == nil {
		logger = yieldsaga.NewDiscardLogger()
	}
	return &PollingProvider{fetcher: fetcher, logger: logger}
}

// WaitForAttestation polls exactly maxAttempts times unless the service
// answers first. A failed fetch counts as an attempt. Cancelling ctx ends the
// wait with an attestation timeout wrapping the context error.
func (p *PollingProvider) WaitForAttestation(ctx context.Context, messageHash string, maxAttempts int, interval time.Duration) (string, error) {
	if maxAttempts <= 0 {
		return "", fmt.Errorf("max attempts must be positive")
	}
	logger := p.logger.With(slog.String("message_hash", messageHash))
	logger.Info("waiting for attestation",
		slog.Int("max_attempts", maxAttempts), slog.Duration("interval", interval))

	for attempt := 1; attempt <= maxAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return "", interrupted(err, attempt-1)
		}
		resp, err := p.fetcher.GetAttestation(ctx, messageHash)
		switch {
		case err != nil:
			if ctxErr := ctx.Err(); ctxErr != nil {
				return "", interrupted(ctxErr, attempt)
			}
			logger.Warn("attestation fetch failed", slog.Int("attempt", attempt), slog.Any("error", err))
		case resp.Status == StatusComplete && resp.Attestation != "":
			logger.Info("attestation received", slog.Int("attempt", attempt))
			return resp.Attestation, nil
		case resp.Status == StatusFailed:
			return "", yieldsaga.Errorf(yieldsaga.KindAttestationFailed,
				"attestation service reported failure for %s", messageHash)
		default:
			logger.Debug("attestation pending", slog.Int("attempt", attempt))
		}
		if attempt == maxAttempts {
			break
		}
		timer := time.NewTimer(interval)
		select {
		case <-ctx.Done():
			timer.Stop()
			return "", interrupted(ctx.Err(), attempt)
		case <-timer.C:
		}
	}
	return "", yieldsaga.Errorf(yieldsaga.KindAttestationTimeout,
		"no attestation for %s after %d attempts", messageHash, maxAttempts)
}

func interrupted(err error, attempts int) error {
	return yieldsaga.NewSagaError(yieldsaga.KindAttestationTimeout, "",
		fmt.Errorf("attestation wait interrupted after %d attempts: %w", attempts, err))
}

var errStillPending = errors.New("attestation still pending")

// GetAttestationWithRetry fetches with capped exponential backoff,
// min(base*2^attempt, max), until the attestation is complete.
func (p *PollingProvider) GetAttestationWithRetry(ctx context.Context, messageHash string, opts RetryOptions) (string, error) {
	var attestation string
	err := retry.Do(ctx, func() error {
		resp, err := p.fetcher.GetAttestation(ctx, messageHash)
		if err != nil {
			var status *retry.StatusError
			if errors.As(err, &status) {
				return err
			}
			return retry.NewRecoverableError(err)
		}
		switch {
		case resp.Status == StatusFailed:
			return retry.NewNonRecoverableError(yieldsaga.Errorf(yieldsaga.KindAttestationFailed,
				"attestation service reported failure for %s", messageHash))
		case resp.Status == StatusComplete && resp.Attestation != "":
			attestation = resp.Attestation
			return nil
		}
		return retry.NewRecoverableError(errStillPending)
	},
		retry.WithMaxRetries(opts.MaxRetries),
		retry.WithBaseWait(opts.BaseWait),
		retry.WithMaxWait(opts.MaxWait),
		retry.WithOnRetry(func(attempt int, wait time.Duration, err error) {
			p.logger.Debug("retrying attestation fetch",
				slog.String("message_hash", messageHash),
				slog.Int("attempt", attempt+1),
				slog.Duration("wait", wait),
				slog.Any("error", err))
		}),
	)
	if err == nil {
		return attestation, nil
	}
	if yieldsaga.MatchesKind(err, yieldsaga.KindAttestationFailed) {
		return "", err
	}
	return "", yieldsaga.NewSagaError(yieldsaga.KindAttestationTimeout, "", err)
}

// GetBridgeStatus reports whether a transfer is attested.
func (p *PollingProvider) GetBridgeStatus(ctx context.Context, messageHash string) (BridgeStatus, error) {
	resp, err := p.fetcher.GetAttestation(ctx, messageHash)
	if err != nil {
		return "", err
	}
	switch {
	case resp.Status == StatusComplete && resp.Attestation != "":
		return BridgeAttested, nil
	case resp.Status == StatusFailed:
		return BridgeFailed, nil
	}
	return BridgeInitiated, nil
}

// IsReadyToClaim reports whether the destination mint can be submitted.
func (p *PollingProvider) IsReadyToClaim(ctx context.Context, messageHash string) (bool, error) {
	status, err := p.GetBridgeStatus(ctx, messageHash)
	if err != nil {
		return false, err
	}
	return status == BridgeAttested, nil
}
