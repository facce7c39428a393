package yieldsaga

import (
	"context"
	"fmt"

	"github.com/shopspring/decimal"
)

// WithdrawOptions starts a withdraw saga.
type WithdrawOptions struct {
	UserAddress string
	// ReceiptAmount to redeem. Nil redeems the whole position.
	ReceiptAmount *decimal.Decimal
	Mode          RedemptionMode
	// DestinationRecipient owns the yield position. Defaults to UserAddress.
	DestinationRecipient string
	// SourceRecipient receives the native asset. Defaults to UserAddress.
	SourceRecipient string
	SlippagePercent *decimal.Decimal
	// MinOutput is an optional absolute floor for the final swap.
	MinOutput *decimal.Decimal
	// OriginalDeposit, when known, enables profit reporting.
	OriginalDeposit *decimal.Decimal
}

// WithdrawOrchestrator moves a yield position back to the source network as
// native asset.
type WithdrawOrchestrator struct {
	*engine
}

// NewWithdrawOrchestrator creates a withdraw orchestrator.
func NewWithdrawOrchestrator(opts Options) (*WithdrawOrchestrator, error) {
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
	return &WithdrawOrchestrator{engine: e}, nil
}

func (o *WithdrawOrchestrator) steps() []stepDef {
	return []stepDef{
		{step: StepWithdrawFromYield, run: o.withdrawFromYield},
		{step: StepBurnDestination, run: o.burnDestination},
		{step: StepAwaitReturnAttestation, run: o.awaitAttestation(StepAwaitReturnAttestation)},
		{step: StepMintSource, run: o.mintSource},
		{step: StepSwapToNative, run: o.swapToNative},
	}
}

// Execute runs a new withdraw saga. It returns with Pending set when a
// delayed redemption has not settled yet; call Resume once it has.
func (o *WithdrawOrchestrator) Execute(ctx context.Context, opts WithdrawOptions) (*Result, error) {
	amount := decimal.Zero
	if opts.ReceiptAmount != nil {
		if err := validateAmount("receipt amount", *opts.ReceiptAmount); err != nil {
			return nil, err
		}
		amount = *opts.ReceiptAmount
	}
	if opts.OriginalDeposit != nil {
		if err := validateAmount("original deposit", *opts.OriginalDeposit); err != nil {
			return nil, err
		}
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
		Workflow:    WorkflowWithdraw,
		UserAddress: opts.UserAddress,
		Amount:      amount,
		Parameters: Parameters{
			DestinationRecipient: opts.DestinationRecipient,
			SourceRecipient:      opts.SourceRecipient,
			SlippagePercent:      slippage,
			MinReturnOutput:      opts.MinOutput,
			RedemptionMode:       mode,
			WithdrawMax:          opts.ReceiptAmount == nil,
		},
	})
	if err != nil {
		return nil, err
	}
	if opts.OriginalDeposit != nil {
		if err := o.store.UpdateAmounts(ctx, state.ID, Amounts{Deposit: opts.OriginalDeposit}); err != nil {
			return nil, err
		}
	}
	return o.run(ctx, state.ID, o.steps(), false)
}

// Resume continues a withdraw saga that was interrupted while waiting or that
// is waiting on a delayed redemption.
func (o *WithdrawOrchestrator) Resume(ctx context.Context, id string) (*Result, error) {
	return o.resume(ctx, id, WorkflowWithdraw, o.steps())
}
