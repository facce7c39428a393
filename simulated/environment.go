package simulated

import (
	"time"

	"github.com/deepnoodle-ai/yieldsaga"
	"github.com/deepnoodle-ai/yieldsaga/attestation"
	"github.com/shopspring/decimal"
)

// EnvironmentOptions configures a full simulated stack.
type EnvironmentOptions struct {
	APY             decimal.Decimal
	SwapFeeBps      int64
	BridgeFeeBps    int64
	ImmediateFeeBps int64
	EpochLength     time.Duration
	PendingPolls    int
	Start           time.Time
	Route           yieldsaga.Route
}

// Environment bundles simulated collaborators that share one ledger and
// clock.
type Environment struct {
	Ledger       *Ledger
	Clock        *Clock
	Swap         *SwapProvider
	Bridge       *Bridge
	Yield        *YieldProtocol
	Attestations *attestation.PollingProvider
	Route        yieldsaga.Route
}

// NewEnvironment creates a simulated stack.
func NewEnvironment(opts EnvironmentOptions) *Environment {
	if opts.Start.IsZero() {
		opts.Start = time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	}
	if opts.Route == (yieldsaga.Route{}) {
		opts.Route = yieldsaga.DefaultRoute()
	}
	ledger := NewLedger()
	clock := NewClock(opts.Start)
	bridge := NewBridge(BridgeOptions{
		Ledger: ledger,
		Domains: map[string]uint32{
			opts.Route.SourceNetwork:      opts.Route.SourceDomain,
			opts.Route.DestinationNetwork: opts.Route.DestinationDomain,
		},
		PendingPolls: opts.PendingPolls,
		FeeBps:       opts.BridgeFeeBps,
	})
	return &Environment{
		Ledger: ledger,
		Clock:  clock,
		Swap:   NewSwapProvider(SwapOptions{Ledger: ledger, FeeBps: opts.SwapFeeBps}),
		Bridge: bridge,
		Yield: NewYieldProtocol(YieldOptions{
			Ledger:          ledger,
			Clock:           clock,
			Network:         opts.Route.DestinationNetwork,
			APY:             opts.APY,
			ImmediateFeeBps: opts.ImmediateFeeBps,
			EpochLength:     opts.EpochLength,
		}),
		Attestations: attestation.NewPollingProvider(bridge, nil),
		Route:        opts.Route,
	}
}

// Options returns orchestrator options wired to the environment. The yield
// protocol doubles as the accruer.
func (e *Environment) Options(store yieldsaga.Store) yieldsaga.Options {
	return yieldsaga.Options{
		Store:               store,
		Swap:                e.Swap,
		Burner:              e.Bridge,
		Minter:              e.Bridge,
		Attestations:        e.Attestations,
		Yield:               e.Yield,
		Balances:            e.Ledger,
		Accruer:             e.Yield,
		Route:               e.Route,
		AttestationInterval: time.Millisecond,
	}
}

// Fund credits owner with native funds on the source network.
func (e *Environment) Fund(owner string, amount decimal.Decimal) {
	e.Ledger.Credit(e.Route.SourceNetwork, yieldsaga.AssetNative, owner, amount)
}
