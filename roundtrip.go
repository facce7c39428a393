package yieldsaga

import (
	"context"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// RoundTripOptions starts a full round trip.
type RoundTripOptions struct {
	UserAddress          string
	Amount               decimal.Decimal
	DestinationRecipient string
	SourceRecipient      string
	// AccrualPeriod is handed to the Accruer between supply and withdraw.
	AccrualPeriod   time.Duration
	Mode            RedemptionMode
	SlippagePercent *decimal.Decimal
	// MinOutput floors the outbound swap, MinReturnOutput the final one.
	MinOutput       *decimal.Decimal
	MinReturnOutput *decimal.Decimal
}

// AccrualDays converts a number of days into an accrual period.
func AccrualDays(days int) time.Duration {
	return time.Duration(days) * 24 * time.Hour
}

// RoundTripOrchestrator runs deposit, accrual and withdraw as one saga.
type RoundTripOrchestrator struct {
	*engine
}

// NewRoundTripOrchestrator creates a round trip orchestrator.
func NewRoundTripOrchestrator(opts Options) (*RoundTripOrchestrator, error) {
	e, err := newEngine(opts)
	if err != nil {
		return nil, err
	}
	if err := e.requireBridge(); err != nil {
		return nil, err
	}
	if e.yield == nil {
		return nil, fmt.Errorf("yield protocol is required")
	}
	return &RoundTripOrchestrator{engine: e}, nil
}

func (o *RoundTripOrchestrator) steps() []stepDef {
	return []stepDef{
		{step: StepSwapToStable, run: o.swapToStable},
		{step: StepBurnSource, run: o.burnSource},
		{step: StepAwaitAttestation, run: o.awaitAttestation(StepAwaitAttestation)},
		{step: StepMintDestination, run: o.mintDestination},
		{step: StepSupplyToYield, run: o.supplyToYield},
		{step: StepAccrue, run: o.accrue},
		{step: StepWithdrawFromYield, run: o.withdrawFromYield},
		{step: StepBurnDestination, run: o.burnDestination},
		{step: StepAwaitReturnAttestation, run: o.awaitAttestation(StepAwaitReturnAttestation)},
		{step: StepMintSource, run: o.mintSource},
		{step: StepSwapToNative, run: o.swapToNative},
	}
}

// Execute runs a new round trip. Profit and YieldProfit in the result are
// computed from the recorded ledger.
func (o *RoundTripOrchestrator) Execute(ctx context.Context, opts RoundTripOptions) (*Result, error) {
	if err := validateAmount("amount", opts.Amount); err != nil {
		return nil, err
	}
	if opts.AccrualPeriod < 0 {
		return nil, fmt.Errorf("accrual period must not be negative")
	}
	mode := opts.Mode
	if mode == "" {
		mode = RedemptionImmediate
	}
	if mode != RedemptionImmediate && mode != RedemptionDelayed {
		return nil, fmt.Errorf("unknown redemption mode %q", mode)
	}
	slippage, err := o.resolveSlippage(opts.SlippagePercent)
	if err != nil {
		return nil, err
	}
	state, err := o.store.Create(ctx, CreateRequest{
		Workflow:    WorkflowRoundTrip,
		UserAddress: opts.UserAddress,
		Amount:      opts.Amount,
		Parameters: Parameters{
			DestinationRecipient: opts.DestinationRecipient,
			SourceRecipient:      opts.SourceRecipient,
			SlippagePercent:      slippage,
			MinOutput:            opts.MinOutput,
			MinReturnOutput:      opts.MinReturnOutput,
			RedemptionMode:       mode,
			AccrualPeriod:        opts.AccrualPeriod,
		},
	})
	if err != nil {
		return nil, err
	}
	return o.run(ctx, state.ID, o.steps(), false)
}

// Resume continues an interrupted round trip.
func (o *RoundTripOrchestrator) Resume(ctx context.Context, id string) (*Result, error) {
	return o.resume(ctx, id, WorkflowRoundTrip, o.steps())
}
