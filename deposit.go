package yieldsaga

import (
	"context"
	"fmt"

	"github.com/shopspring/decimal"
)

// DepositOptions starts a deposit saga.
type DepositOptions struct {
	UserAddress string
	// Amount of native asset to move.
	Amount decimal.Decimal
	// DestinationRecipient receives the minted stable asset and owns the
	// yield position. Defaults to UserAddress.
	DestinationRecipient string
	// SlippagePercent defaults to the orchestrator's configured tolerance.
	SlippagePercent *decimal.Decimal
	// MinOutput is an optional absolute floor for the swap.
	MinOutput *decimal.Decimal
	// SkipSupply stops the saga after the mint.
	SkipSupply bool
}

// DepositOrchestrator moves native value from the source network into the
// destination yield protocol.
type DepositOrchestrator struct {
	*engine
}

// NewDepositOrchestrator creates a deposit orchestrator.
func NewDepositOrchestrator(opts Options) (*DepositOrchestrator, error) {
	e, err := newEngine(opts)
	if err != nil {
		return nil, err
	}
	if err := e.requireBridge(); err != nil {
		return nil, err
	}
	return &DepositOrchestrator{engine: e}, nil
}

func (o *DepositOrchestrator) steps() []stepDef {
	return []stepDef{
		{step: StepSwapToStable, run: o.swapToStable},
		{step: StepBurnSource, run: o.burnSource},
		{step: StepAwaitAttestation, run: o.awaitAttestation(StepAwaitAttestation)},
		{step: StepMintDestination, run: o.mintDestination},
		{step: StepSupplyToYield, run: o.supplyToYield, skip: func(s *TransactionState) bool {
			return s.Parameters.SkipSupply
		}},
	}
}

// Execute runs a new deposit saga to completion. On failure the returned
// result still identifies the saga and its last persisted state.
func (o *DepositOrchestrator) Execute(ctx context.Context, opts DepositOptions) (*Result, error) {
	if err := validateAmount("amount", opts.Amount); err != nil {
		return nil, err
	}
	if !opts.SkipSupply && o.yield == nil {
		return nil, fmt.Errorf("yield protocol is required unless supply is skipped")
	}
	slippage, err := o.resolveSlippage(opts.SlippagePercent)
	if err != nil {
		return nil, err
	}
	state, err := o.store.Create(ctx, CreateRequest{
		Workflow:    WorkflowDeposit,
		UserAddress: opts.UserAddress,
		Amount:      opts.Amount,
		Parameters: Parameters{
			DestinationRecipient: opts.DestinationRecipient,
			SlippagePercent:      slippage,
			MinOutput:            opts.MinOutput,
			SkipSupply:           opts.SkipSupply,
		},
	})
	if err != nil {
		return nil, err
	}
	return o.run(ctx, state.ID, o.steps(), false)
}

// Resume continues a deposit saga that was interrupted while waiting.
// Failed sagas are final and return ErrNotResumable.
func (o *DepositOrchestrator) Resume(ctx context.Context, id string) (*Result, error) {
	return o.resume(ctx, id, WorkflowDeposit, o.steps())
}
