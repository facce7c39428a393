package attestation

import (
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/deepnoodle-ai/yieldsaga"
)

// Provider names accepted by New.
const (
	ProviderCircle = "circle"
	ProviderManual = "manual"
)

// Config selects and configures an attestation provider.
type Config struct {
	Provider string
	BaseURL  string
	Timeout  time.Duration
	// HTTPClient overrides the client used by the circle provider.
	HTTPClient *http.Client
	// Fetcher, if set, replaces the HTTP client of the circle provider.
	Fetcher Fetcher
	Logger  *slog.Logger
}

// New builds the provider named by cfg.Provider. An empty name selects the
// circle poller; an unknown name does too, after logging a warning.
func New(cfg Config) yieldsaga.AttestationProvider {
	logger := cfg.Logger
	if logger == nil {
		logger = yieldsaga.NewDiscardLogger()
	}
	provider := strings.ToLower(strings.TrimSpace(cfg.Provider))
	switch provider {
	case ProviderManual:
		logger.Info("using manual attestation provider")
		return NewManualProvider(logger)
	case "", ProviderCircle:
	default:
		logger.Warn("unknown attestation provider, falling back to circle", slog.String("provider", cfg.Provider))
	}
	fetcher := cfg.Fetcher
	if fetcher == nil {
		fetcher = NewClient(ClientOptions{
			BaseURL:    cfg.BaseURL,
			Timeout:    cfg.Timeout,
			HTTPClient: cfg.HTTPClient,
			Logger:     logger,
		})
	}
	logger.Info("using circle attestation provider")
	return NewPollingProvider(fetcher, logger)
}
