package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"log"
	"log/slog"
	"net/http"
	"os"
	"time"

	"github.com/deepnoodle-ai/yieldsaga"
	"github.com/deepnoodle-ai/yieldsaga/attestation"
	"github.com/deepnoodle-ai/yieldsaga/config"
	"github.com/deepnoodle-ai/yieldsaga/metrics"
	"github.com/deepnoodle-ai/yieldsaga/pgstore"
	"github.com/deepnoodle-ai/yieldsaga/redisstore"
	"github.com/deepnoodle-ai/yieldsaga/simulated"
	"github.com/fatih/color"
	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"
)

// The simulated user every CLI run is funded as.
const cliUser = "GCLIUSER"

// CLI configuration
type Options struct {
	Workflow    string
	Amount      string
	Days        int
	APY         string
	FeeBps      int64
	Slippage    string
	Mode        string
	ConfigFile  string
	StepLogsDir string
	MetricsAddr string
	Timeout     time.Duration
	Verbose     bool
	JSON        bool
	List        bool
	Show        string
	Attestation string
}

func main() {
	opts := parseFlags()

	cfg, err := config.Load(opts.ConfigFile)
	if err != nil {
		color.Red("Error: %v", err)
		os.Exit(1)
	}
	if !opts.Verbose {
		cfg.Log.Level = "error"
	}
	logger := cfg.Logger()

	ctx := context.Background()
	if opts.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, opts.Timeout)
		defer cancel()
	}

	if opts.Attestation != "" {
		checkAttestation(ctx, cfg, logger, opts.Attestation)
		return
	}

	store, closeStore, err := openStore(ctx, cfg)
	if err != nil {
		log.Fatalf("Failed to open %s store: %v", cfg.Store.Backend, err)
	}
	defer closeStore()

	switch {
	case opts.List:
		listSagas(ctx, store, opts.JSON)
	case opts.Show != "":
		showSaga(ctx, store, opts.Show)
	default:
		runWorkflow(ctx, cfg, logger, store, opts)
	}
}

func parseFlags() *Options {
	opts := &Options{}

	flag.StringVar(&opts.Workflow, "workflow", "roundtrip", "Workflow to run: deposit, withdraw or roundtrip")
	flag.StringVar(&opts.Workflow, "w", "roundtrip", "Workflow to run (shorthand)")
	flag.StringVar(&opts.Amount, "amount", "1000", "Native amount to move")
	flag.IntVar(&opts.Days, "days", 30, "Days to accrue yield between supply and withdraw")
	flag.StringVar(&opts.APY, "apy", "", "Simulated yield rate in percent (default: from config, or the live rate in live mode)")
	flag.Int64Var(&opts.FeeBps, "fee-bps", -1, "Swap fee in basis points (default: from config)")
	flag.StringVar(&opts.Slippage, "slippage", "", "Slippage tolerance in percent (default: from config)")
	flag.StringVar(&opts.Mode, "mode", string(yieldsaga.RedemptionImmediate), "Redemption mode: immediate or delayed")
	flag.StringVar(&opts.ConfigFile, "config", "", "Path to a YAML config file (optional)")
	flag.StringVar(&opts.ConfigFile, "c", "", "Path to a YAML config file (shorthand)")
	flag.StringVar(&opts.StepLogsDir, "logs", "", "Directory to store step logs (optional)")
	flag.StringVar(&opts.MetricsAddr, "metrics-addr", "", "Serve Prometheus metrics on this address while running (optional)")
	flag.DurationVar(&opts.Timeout, "timeout", 0, "Execution timeout (e.g., 30s, 5m)")
	flag.DurationVar(&opts.Timeout, "t", 0, "Execution timeout (shorthand)")
	flag.BoolVar(&opts.Verbose, "verbose", false, "Enable verbose logging")
	flag.BoolVar(&opts.Verbose, "v", false, "Enable verbose logging (shorthand)")
	flag.BoolVar(&opts.JSON, "json", false, "Output results in JSON format")
	flag.BoolVar(&opts.List, "list", false, "List stored sagas and exit")
	flag.StringVar(&opts.Show, "show", "", "Print the stored state of a saga and exit")
	flag.StringVar(&opts.Attestation, "attestation", "", "Fetch the attestation status of a message hash and exit")

	flag.Usage = func() {
		fmt.Fprintf(os.Stderr, `yieldsaga - run cross-network yield sagas

Usage: %s [options]

Examples:
  # Simulate a 60 day round trip at 6%% APY
  %s -workflow roundtrip -amount 1000 -days 60 -apy 6

  # Deposit only, persisting state in Redis
  YIELDSAGA_STORE=redis YIELDSAGA_REDIS_ADDR=localhost:6379 %s -workflow deposit

  # Inspect stored sagas
  %s -list

Options:
`, os.Args[0], os.Args[0], os.Args[0], os.Args[0])
		flag.PrintDefaults()
	}

	flag.Parse()
	return opts
}

func openStore(ctx context.Context, cfg *config.Config) (*yieldsaga.StateStore, func(), error) {
	noop := func() {}
	switch cfg.Store.Backend {
	case config.StoreFile:
		store, err := yieldsaga.NewFileStore(cfg.Store.Dir)
		return store, noop, err
	case config.StoreRedis:
		client := redis.NewClient(&redis.Options{Addr: cfg.Store.RedisAddr})
		if err := client.Ping(ctx).Err(); err != nil {
			client.Close()
			return nil, nil, err
		}
		return redisstore.NewStore(client, cfg.Store.RedisPrefix), func() { client.Close() }, nil
	case config.StorePostgres:
		db, err := pgstore.Open(ctx, cfg.Store.PostgresDSN)
		if err != nil {
			return nil, nil, err
		}
		if err := pgstore.Migrate(ctx, db); err != nil {
			db.Close()
			return nil, nil, err
		}
		return pgstore.NewStore(db), func() { db.Close() }, nil
	default:
		return yieldsaga.NewMemoryStore(), noop, nil
	}
}

func runWorkflow(ctx context.Context, cfg *config.Config, logger *slog.Logger, store *yieldsaga.StateStore, opts *Options) {
	amount, err := decimal.NewFromString(opts.Amount)
	if err != nil {
		log.Fatalf("Invalid amount %q: %v", opts.Amount, err)
	}
	mode := yieldsaga.RedemptionMode(opts.Mode)
	// Live mode supplies real funds to the pool, which only deposits do here.
	var liveYield yieldsaga.YieldProtocol
	if cfg.Yield.Mode == config.YieldLive {
		if yieldsaga.Workflow(opts.Workflow) != yieldsaga.WorkflowDeposit {
			log.Fatalf("Live yield mode only runs the deposit workflow")
		}
		if liveYield, err = cfg.YieldProtocol(ctx, nil, logger); err != nil {
			log.Fatalf("Failed to open yield protocol: %v", err)
		}
	}
	apy, err := resolveAPY(ctx, cfg, liveYield, opts.APY)
	if err != nil {
		log.Fatalf("Failed to determine APY: %v", err)
	}
	feeBps := cfg.SwapFeeBps
	if opts.FeeBps >= 0 {
		feeBps = opts.FeeBps
	}
	slippage := cfg.Slippage()
	if opts.Slippage != "" {
		if slippage, err = decimal.NewFromString(opts.Slippage); err != nil {
			log.Fatalf("Invalid slippage %q: %v", opts.Slippage, err)
		}
	}

	env := simulated.NewEnvironment(simulated.EnvironmentOptions{
		APY:             apy,
		SwapFeeBps:      feeBps,
		ImmediateFeeBps: cfg.Yield.ImmediateFeeBps,
		EpochLength:     cfg.Yield.EpochLength,
		Route:           cfg.SagaRoute(),
	})
	env.Fund(cliUser, amount)

	sagaOpts := env.Options(store)
	sagaOpts.Logger = logger
	if liveYield != nil {
		sagaOpts.Yield = liveYield
	}
	sagaOpts.AttestationAttempts = cfg.Attestation.MaxAttempts
	sagaOpts.DefaultSlippagePercent = &slippage
	if cfg.Attestation.Provider == attestation.ProviderManual {
		sagaOpts.Attestations = cfg.AttestationProvider(logger)
	}
	if opts.StepLogsDir != "" {
		sagaOpts.StepLogger = yieldsaga.NewFileStepLogger(opts.StepLogsDir)
		color.Blue("Step logs: %s", opts.StepLogsDir)
	}
	chain := yieldsaga.NewCallbackChain()
	if !opts.JSON {
		chain.Add(&progressCallbacks{})
	}
	if opts.MetricsAddr != "" {
		collector := metrics.NewDefault()
		chain.Add(collector)
		mux := http.NewServeMux()
		mux.Handle("/metrics", collector.Handler())
		go func() {
			if err := http.ListenAndServe(opts.MetricsAddr, mux); err != nil {
				logger.Error("metrics server stopped", slog.Any("error", err))
			}
		}()
		color.Blue("Metrics: http://%s/metrics", opts.MetricsAddr)
	}
	sagaOpts.Callbacks = chain

	if !opts.JSON {
		color.Cyan("Workflow: %s", opts.Workflow)
		color.White("Amount: %s  APY: %s%%  Days: %d  Route: %s -> %s",
			amount, apy, opts.Days, env.Route.SourceNetwork, env.Route.DestinationNetwork)
	}

	startTime := time.Now()
	var result *yieldsaga.Result
	switch yieldsaga.Workflow(opts.Workflow) {
	case yieldsaga.WorkflowDeposit:
		result, err = runDeposit(ctx, sagaOpts, amount)
	case yieldsaga.WorkflowWithdraw:
		result, err = runWithdraw(ctx, env, sagaOpts, amount, opts.Days, mode)
	case yieldsaga.WorkflowRoundTrip:
		result, err = runRoundTrip(ctx, env, sagaOpts, amount, opts.Days, mode)
	default:
		color.Red("Error: unknown workflow %q", opts.Workflow)
		flag.Usage()
		os.Exit(1)
	}
	showResult(result, err, time.Since(startTime), opts.JSON)
}

// resolveAPY prefers the flag, then the live pool rate in live mode, then the
// configured rate.
func resolveAPY(ctx context.Context, cfg *config.Config, live yieldsaga.YieldProtocol, flagValue string) (decimal.Decimal, error) {
	if flagValue != "" {
		return decimal.NewFromString(flagValue)
	}
	if live == nil {
		return cfg.APY(), nil
	}
	apy, err := live.CurrentAPY(ctx)
	if err != nil {
		return decimal.Zero, err
	}
	color.Magenta("Live pool APY: %s%%", apy.StringFixed(4))
	return apy, nil
}

func runDeposit(ctx context.Context, opts yieldsaga.Options, amount decimal.Decimal) (*yieldsaga.Result, error) {
	o, err := yieldsaga.NewDepositOrchestrator(opts)
	if err != nil {
		return nil, err
	}
	return o.Execute(ctx, yieldsaga.DepositOptions{UserAddress: cliUser, Amount: amount})
}

// runWithdraw opens a position with a deposit saga, lets it accrue, then
// withdraws it with a second saga.
func runWithdraw(ctx context.Context, env *simulated.Environment, opts yieldsaga.Options, amount decimal.Decimal, days int, mode yieldsaga.RedemptionMode) (*yieldsaga.Result, error) {
	deposit, err := runDeposit(ctx, opts, amount)
	if err != nil {
		return deposit, err
	}
	color.Blue("Deposit saga %s completed, accruing %d days", deposit.ID, days)
	if err := env.Yield.Accrue(ctx, deposit.ID, yieldsaga.AccrualDays(days)); err != nil {
		return deposit, err
	}

	o, err := yieldsaga.NewWithdrawOrchestrator(opts)
	if err != nil {
		return nil, err
	}
	result, err := o.Execute(ctx, yieldsaga.WithdrawOptions{
		UserAddress:     cliUser,
		Mode:            mode,
		OriginalDeposit: &amount,
	})
	if err != nil || !result.Pending {
		return result, err
	}
	return settleRedemption(ctx, env, result, o.Resume)
}

func runRoundTrip(ctx context.Context, env *simulated.Environment, opts yieldsaga.Options, amount decimal.Decimal, days int, mode yieldsaga.RedemptionMode) (*yieldsaga.Result, error) {
	o, err := yieldsaga.NewRoundTripOrchestrator(opts)
	if err != nil {
		return nil, err
	}
	result, err := o.Execute(ctx, yieldsaga.RoundTripOptions{
		UserAddress:   cliUser,
		Amount:        amount,
		AccrualPeriod: yieldsaga.AccrualDays(days),
		Mode:          mode,
	})
	if err != nil || !result.Pending {
		return result, err
	}
	return settleRedemption(ctx, env, result, o.Resume)
}

// settleRedemption waits out the simulated epoch and resumes the saga.
func settleRedemption(ctx context.Context, env *simulated.Environment, pending *yieldsaga.Result,
	resume func(context.Context, string) (*yieldsaga.Result, error)) (*yieldsaga.Result, error) {
	color.Yellow("Redemption %s pending, advancing the simulated epoch", pending.State.PendingRedemption)
	env.Clock.Advance(env.Yield.EpochLength())
	return resume(ctx, pending.ID)
}

type progressCallbacks struct {
	yieldsaga.BaseCallbacks
}

func (p *progressCallbacks) AfterStep(ctx context.Context, event *yieldsaga.StepEvent) {
	if event.Error != nil {
		color.Red("  x %s (%v)", event.Step, event.Error)
		return
	}
	color.Green("  + %s (%v)", event.Step, event.Duration.Round(time.Microsecond))
}

type resultOutput struct {
	ID          string            `json:"id,omitempty"`
	Status      yieldsaga.Status  `json:"status,omitempty"`
	Step        yieldsaga.Step    `json:"step,omitempty"`
	Pending     bool              `json:"pending,omitempty"`
	Amounts     yieldsaga.Amounts `json:"amounts"`
	Profit      *decimal.Decimal  `json:"profit,omitempty"`
	YieldProfit *decimal.Decimal  `json:"yield_profit,omitempty"`
	Error       string            `json:"error,omitempty"`
	Duration    string            `json:"duration"`
}

func showResult(result *yieldsaga.Result, err error, duration time.Duration, asJSON bool) {
	out := resultOutput{Duration: duration.String()}
	if result != nil {
		out.ID = result.ID
		out.Pending = result.Pending
		out.Profit = result.Profit
		out.YieldProfit = result.YieldProfit
		if result.State != nil {
			out.Status = result.State.Status
			out.Step = result.State.CurrentStep
			out.Amounts = result.State.Amounts
		}
	}
	if err != nil {
		out.Error = err.Error()
	}

	if asJSON {
		data, jsonErr := json.MarshalIndent(out, "", "  ")
		if jsonErr != nil {
			log.Fatalf("Failed to format result: %v", jsonErr)
		}
		fmt.Println(string(data))
	} else {
		fmt.Println()
		color.White("Saga %s finished in %v", out.ID, duration)
		color.White("Status: %s (step %s)", out.Status, out.Step)
		printLedger(out.Amounts)
		if out.YieldProfit != nil {
			color.Magenta("Yield profit: %s", out.YieldProfit)
		}
		if out.Profit != nil {
			color.Magenta("Profit: %s", out.Profit)
		}
		if err != nil {
			color.Red("Error: %v", err)
			var sagaErr *yieldsaga.SagaError
			if errors.As(err, &sagaErr) {
				color.Red("Kind: %s", sagaErr.Kind)
			}
		} else if out.Pending {
			color.Yellow("Saga is waiting on a delayed redemption")
		} else {
			color.Green("Saga successful!")
		}
	}
	if err != nil {
		os.Exit(1)
	}
}

func printLedger(a yieldsaga.Amounts) {
	rows := []struct {
		name  string
		value *decimal.Decimal
	}{
		{"deposit", a.Deposit},
		{"post swap", a.PostSwap},
		{"bridged", a.Bridged},
		{"supplied", a.Supplied},
		{"receipt", a.Receipt},
		{"yield earned", a.YieldEarned},
		{"withdrawn", a.Withdrawn},
		{"return bridged", a.ReturnBridged},
		{"returned", a.Returned},
	}
	color.Cyan("Ledger:")
	for _, row := range rows {
		if row.value != nil {
			fmt.Printf("  %-15s %s\n", row.name, row.value)
		}
	}
}

func listSagas(ctx context.Context, store *yieldsaga.StateStore, asJSON bool) {
	states, err := store.List(ctx, yieldsaga.ListFilter{})
	if err != nil {
		log.Fatalf("Failed to list sagas: %v", err)
	}
	if asJSON {
		data, err := json.MarshalIndent(states, "", "  ")
		if err != nil {
			log.Fatalf("Failed to format sagas: %v", err)
		}
		fmt.Println(string(data))
		return
	}
	if len(states) == 0 {
		color.Blue("No sagas stored")
		return
	}
	for _, s := range states {
		line := fmt.Sprintf("%s  %-9s  %-10s  %-24s  %s", s.ID, s.Workflow, s.Status, s.CurrentStep, s.Amount)
		switch s.Status {
		case yieldsaga.StatusCompleted:
			color.Green("%s", line)
		case yieldsaga.StatusFailed, yieldsaga.StatusCancelled:
			color.Red("%s", line)
		default:
			color.Yellow("%s", line)
		}
	}
}

func showSaga(ctx context.Context, store *yieldsaga.StateStore, id string) {
	data, err := store.Export(ctx, id)
	if err != nil {
		log.Fatalf("Failed to load saga: %v", err)
	}
	fmt.Println(string(data))
}

func checkAttestation(ctx context.Context, cfg *config.Config, logger *slog.Logger, messageHash string) {
	provider, ok := cfg.AttestationProvider(logger).(*attestation.PollingProvider)
	if !ok {
		color.Yellow("Manual provider: attestation %s", attestation.SyntheticAttestation(messageHash))
		return
	}
	status, err := provider.GetBridgeStatus(ctx, messageHash)
	if err != nil {
		log.Fatalf("Failed to get bridge status: %v", err)
	}
	color.White("Status: %s", status)
	if status != attestation.BridgeAttested {
		return
	}
	att, err := provider.GetAttestationWithRetry(ctx, messageHash, cfg.RetryOptions())
	if err != nil {
		log.Fatalf("Failed to fetch attestation: %v", err)
	}
	color.Green("Attestation: %s", att)
}
