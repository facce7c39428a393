// Package config loads orchestrator settings from a YAML file, a .env file
// and YIELDSAGA_* environment variables, in that order of precedence from
// lowest to highest.
package config

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/deepnoodle-ai/yieldsaga"
	"github.com/deepnoodle-ai/yieldsaga/attestation"
	"github.com/deepnoodle-ai/yieldsaga/evm"
	"github.com/ethereum/go-ethereum/common"
	"github.com/joho/godotenv"
	"github.com/shopspring/decimal"
	"gopkg.in/yaml.v3"
)

// Store backends.
const (
	StoreMemory   = "memory"
	StoreFile     = "file"
	StoreRedis    = "redis"
	StorePostgres = "postgres"
)

// Yield protocol modes.
const (
	YieldSimulated = "simulated"
	YieldLive      = "live"
)

type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

type AttestationConfig struct {
	Provider    string        `yaml:"provider"`
	BaseURL     string        `yaml:"base_url"`
	MaxAttempts int           `yaml:"max_attempts"`
	Interval    time.Duration `yaml:"interval"`
	Timeout     time.Duration `yaml:"timeout"`
	MaxRetries  int           `yaml:"max_retries"`
	BaseWait    time.Duration `yaml:"base_wait"`
	MaxWait     time.Duration `yaml:"max_wait"`
}

type StoreConfig struct {
	Backend     string `yaml:"backend"`
	Dir         string `yaml:"dir"`
	RedisAddr   string `yaml:"redis_addr"`
	RedisPrefix string `yaml:"redis_prefix"`
	PostgresDSN string `yaml:"postgres_dsn"`
}

type YieldConfig struct {
	Mode            string        `yaml:"mode"`
	APY             float64       `yaml:"apy"`
	ImmediateFeeBps int64         `yaml:"immediate_fee_bps"`
	EpochLength     time.Duration `yaml:"epoch_length"`

	RPCURL       string `yaml:"rpc_url"`
	PrivateKey   string `yaml:"-"`
	Pool         string `yaml:"pool"`
	DataProvider string `yaml:"data_provider"`
	Asset        string `yaml:"asset"`
	AToken       string `yaml:"a_token"`
}

type RouteConfig struct {
	SourceNetwork      string `yaml:"source_network"`
	SourceDomain       uint32 `yaml:"source_domain"`
	DestinationNetwork string `yaml:"destination_network"`
	DestinationDomain  uint32 `yaml:"destination_domain"`
}

// Config holds every setting of the CLI and its collaborators.
type Config struct {
	Log             LogConfig         `yaml:"log"`
	Attestation     AttestationConfig `yaml:"attestation"`
	Store           StoreConfig       `yaml:"store"`
	Yield           YieldConfig       `yaml:"yield"`
	Route           RouteConfig       `yaml:"route"`
	SlippagePercent float64           `yaml:"slippage_percent"`
	SwapFeeBps      int64             `yaml:"swap_fee_bps"`
}

// Default returns the settings used when nothing is configured.
func Default() *Config {
	route := yieldsaga.DefaultRoute()
	return &Config{
		Log: LogConfig{Level: "info", Format: "text"},
		Attestation: AttestationConfig{
			Provider:    attestation.ProviderCircle,
			BaseURL:     attestation.DefaultBaseURL,
			MaxAttempts: yieldsaga.DefaultAttestationAttempts,
			Interval:    yieldsaga.DefaultAttestationInterval,
			Timeout:     30 * time.Second,
			MaxRetries:  attestation.DefaultRetryOptions.MaxRetries,
			BaseWait:    attestation.DefaultRetryOptions.BaseWait,
			MaxWait:     attestation.DefaultRetryOptions.MaxWait,
		},
		Store: StoreConfig{Backend: StoreMemory, RedisPrefix: "yieldsaga"},
		Yield: YieldConfig{Mode: YieldSimulated, APY: 5, EpochLength: 48 * time.Hour},
		Route: RouteConfig{
			SourceNetwork:      route.SourceNetwork,
			SourceDomain:       route.SourceDomain,
			DestinationNetwork: route.DestinationNetwork,
			DestinationDomain:  route.DestinationDomain,
		},
		SlippagePercent: 0.5,
		SwapFeeBps:      30,
	}
}

// Load reads path (optional), then the given env files (default ".env";
// missing files are ignored), then applies YIELDSAGA_* overrides and
// validates the result.
func Load(path string, envFiles ...string) (*Config, error) {
	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config %s: %w", path, err)
		}
	}
	if len(envFiles) == 0 {
		envFiles = []string{".env"}
	}
	for _, f := range envFiles {
		if err := godotenv.Load(f); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("failed to load %s: %w", f, err)
		}
	}
	if err := cfg.applyEnv(os.LookupEnv); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

type binding struct {
	name  string
	apply func(cfg *Config, value string) error
}

func str(set func(*Config, string)) func(*Config, string) error {
	return func(cfg *Config, v string) error {
		set(cfg, v)
		return nil
	}
}

func integer(set func(*Config, int64)) func(*Config, string) error {
	return func(cfg *Config, v string) error {
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			return err
		}
		set(cfg, n)
		return nil
	}
}

func float(set func(*Config, float64)) func(*Config, string) error {
	return func(cfg *Config, v string) error {
		f, err := strconv.ParseFloat(v, 64)
		if err != nil {
			return err
		}
		set(cfg, f)
		return nil
	}
}

func duration(set func(*Config, time.Duration)) func(*Config, string) error {
	return func(cfg *Config, v string) error {
		d, err := time.ParseDuration(v)
		if err != nil {
			return err
		}
		set(cfg, d)
		return nil
	}
}

var bindings = []binding{
	{"LOG_LEVEL", str(func(c *Config, v string) { c.Log.Level = v })},
	{"LOG_FORMAT", str(func(c *Config, v string) { c.Log.Format = v })},
	{"ATTESTATION_PROVIDER", str(func(c *Config, v string) { c.Attestation.Provider = v })},
	{"ATTESTATION_URL", str(func(c *Config, v string) { c.Attestation.BaseURL = v })},
	{"ATTESTATION_ATTEMPTS", integer(func(c *Config, v int64) { c.Attestation.MaxAttempts = int(v) })},
	{"ATTESTATION_INTERVAL", duration(func(c *Config, v time.Duration) { c.Attestation.Interval = v })},
	{"ATTESTATION_TIMEOUT", duration(func(c *Config, v time.Duration) { c.Attestation.Timeout = v })},
	{"STORE", str(func(c *Config, v string) { c.Store.Backend = v })},
	{"STORE_DIR", str(func(c *Config, v string) { c.Store.Dir = v })},
	{"REDIS_ADDR", str(func(c *Config, v string) { c.Store.RedisAddr = v })},
	{"REDIS_PREFIX", str(func(c *Config, v string) { c.Store.RedisPrefix = v })},
	{"POSTGRES_DSN", str(func(c *Config, v string) { c.Store.PostgresDSN = v })},
	{"YIELD_MODE", str(func(c *Config, v string) { c.Yield.Mode = v })},
	{"APY", float(func(c *Config, v float64) { c.Yield.APY = v })},
	{"IMMEDIATE_FEE_BPS", integer(func(c *Config, v int64) { c.Yield.ImmediateFeeBps = v })},
	{"EPOCH_LENGTH", duration(func(c *Config, v time.Duration) { c.Yield.EpochLength = v })},
	{"ETH_RPC_URL", str(func(c *Config, v string) { c.Yield.RPCURL = v })},
	{"ETH_PRIVATE_KEY", str(func(c *Config, v string) { c.Yield.PrivateKey = v })},
	{"AAVE_POOL", str(func(c *Config, v string) { c.Yield.Pool = v })},
	{"AAVE_DATA_PROVIDER", str(func(c *Config, v string) { c.Yield.DataProvider = v })},
	{"AAVE_ASSET", str(func(c *Config, v string) { c.Yield.Asset = v })},
	{"AAVE_ATOKEN", str(func(c *Config, v string) { c.Yield.AToken = v })},
	{"SLIPPAGE_PERCENT", float(func(c *Config, v float64) { c.SlippagePercent = v })},
	{"SWAP_FEE_BPS", integer(func(c *Config, v int64) { c.SwapFeeBps = v })},
}

// EnvPrefix is prepended to every override variable.
const EnvPrefix = "YIELDSAGA_"

func (c *Config) applyEnv(lookup func(string) (string, bool)) error {
	for _, b := range bindings {
		v, ok := lookup(EnvPrefix + b.name)
		if !ok || v == "" {
			continue
		}
		if err := b.apply(c, v); err != nil {
			return fmt.Errorf("invalid %s%s: %w", EnvPrefix, b.name, err)
		}
	}
	return nil
}

// Validate checks names and numeric bounds.
func (c *Config) Validate() error {
	var errs []error
	switch strings.ToLower(c.Log.Level) {
	case "debug", "info", "warn", "error":
	default:
		errs = append(errs, fmt.Errorf("unknown log level %q", c.Log.Level))
	}
	if c.Log.Format != "text" && c.Log.Format != "json" {
		errs = append(errs, fmt.Errorf("unknown log format %q", c.Log.Format))
	}
	switch strings.ToLower(strings.TrimSpace(c.Attestation.Provider)) {
	case attestation.ProviderCircle, attestation.ProviderManual:
	default:
		errs = append(errs, fmt.Errorf("unknown attestation provider %q", c.Attestation.Provider))
	}
	if c.Attestation.MaxAttempts <= 0 {
		errs = append(errs, fmt.Errorf("attestation max_attempts must be positive"))
	}
	if c.Attestation.Interval <= 0 {
		errs = append(errs, fmt.Errorf("attestation interval must be positive"))
	}
	switch c.Store.Backend {
	case StoreMemory, StoreFile:
	case StoreRedis:
		if c.Store.RedisAddr == "" {
			errs = append(errs, fmt.Errorf("redis store requires redis_addr"))
		}
	case StorePostgres:
		if c.Store.PostgresDSN == "" {
			errs = append(errs, fmt.Errorf("postgres store requires postgres_dsn"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown store backend %q", c.Store.Backend))
	}
	switch c.Yield.Mode {
	case YieldSimulated:
		if c.Yield.APY < 0 {
			errs = append(errs, fmt.Errorf("apy must not be negative"))
		}
	case YieldLive:
		for name, v := range map[string]string{
			"rpc_url": c.Yield.RPCURL, "private_key": c.Yield.PrivateKey,
			"pool": c.Yield.Pool, "data_provider": c.Yield.DataProvider,
			"asset": c.Yield.Asset, "a_token": c.Yield.AToken,
		} {
			if v == "" {
				errs = append(errs, fmt.Errorf("live yield mode requires %s", name))
			}
		}
	default:
		errs = append(errs, fmt.Errorf("unknown yield mode %q", c.Yield.Mode))
	}
	if c.Yield.ImmediateFeeBps < 0 || c.Yield.ImmediateFeeBps >= 10_000 {
		errs = append(errs, fmt.Errorf("immediate_fee_bps must be in [0, 10000)"))
	}
	if c.SwapFeeBps < 0 || c.SwapFeeBps >= 10_000 {
		errs = append(errs, fmt.Errorf("swap_fee_bps must be in [0, 10000)"))
	}
	if err := yieldsaga.ValidateSlippage(c.Slippage()); err != nil {
		errs = append(errs, err)
	}
	if c.Route.SourceNetwork == "" || c.Route.DestinationNetwork == "" {
		errs = append(errs, fmt.Errorf("route networks are required"))
	} else if c.Route.SourceNetwork == c.Route.DestinationNetwork {
		errs = append(errs, fmt.Errorf("route source and destination must differ"))
	}
	return errors.Join(errs...)
}

// Slippage returns the default slippage tolerance as a decimal.
func (c *Config) Slippage() decimal.Decimal {
	return decimal.NewFromFloat(c.SlippagePercent)
}

// APY returns the simulated protocol rate as a decimal.
func (c *Config) APY() decimal.Decimal {
	return decimal.NewFromFloat(c.Yield.APY)
}

// SagaRoute returns the configured bridge route.
func (c *Config) SagaRoute() yieldsaga.Route {
	return yieldsaga.Route{
		SourceNetwork:      c.Route.SourceNetwork,
		SourceDomain:       c.Route.SourceDomain,
		DestinationNetwork: c.Route.DestinationNetwork,
		DestinationDomain:  c.Route.DestinationDomain,
	}
}

// Logger builds the configured logger.
func (c *Config) Logger() *slog.Logger {
	var level slog.Level
	if err := level.UnmarshalText([]byte(c.Log.Level)); err != nil {
		level = slog.LevelInfo
	}
	if c.Log.Format == "json" {
		return yieldsaga.NewJSONLogger(level)
	}
	return yieldsaga.NewLoggerWithLevel(level)
}

// AttestationProvider builds the configured attestation provider.
func (c *Config) AttestationProvider(logger *slog.Logger) yieldsaga.AttestationProvider {
	return attestation.New(attestation.Config{
		Provider: c.Attestation.Provider,
		BaseURL:  c.Attestation.BaseURL,
		Timeout:  c.Attestation.Timeout,
		Logger:   logger,
	})
}

// YieldProtocol returns the protocol sagas supply to. Simulated mode hands
// back simulatedYield; live mode dials the configured Aave pool.
func (c *Config) YieldProtocol(ctx context.Context, simulatedYield yieldsaga.YieldProtocol, logger *slog.Logger) (yieldsaga.YieldProtocol, error) {
	switch c.Yield.Mode {
	case YieldSimulated:
		return simulatedYield, nil
	case YieldLive:
		protocol, err := evm.DialAaveProtocol(ctx, c.Yield.RPCURL, c.Yield.PrivateKey, evm.AaveOptions{
			Pool:         common.HexToAddress(c.Yield.Pool),
			DataProvider: common.HexToAddress(c.Yield.DataProvider),
			Asset:        common.HexToAddress(c.Yield.Asset),
			AToken:       common.HexToAddress(c.Yield.AToken),
			Logger:       logger,
		})
		if err != nil {
			return nil, fmt.Errorf("failed to open live yield protocol: %w", err)
		}
		return protocol, nil
	default:
		return nil, fmt.Errorf("unknown yield mode %q", c.Yield.Mode)
	}
}

// RetryOptions returns the backoff used for single attestation fetches.
func (c *Config) RetryOptions() attestation.RetryOptions {
	return attestation.RetryOptions{
		MaxRetries: c.Attestation.MaxRetries,
		BaseWait:   c.Attestation.BaseWait,
		MaxWait:    c.Attestation.MaxWait,
	}
}
