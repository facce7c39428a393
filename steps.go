package yieldsaga

import (
	"context"
	"fmt"

	"github.com/shopspring/decimal"
)

// Chain tx ref keys.
const (
	RefSwap       = "swap"
	RefSwapReturn = "swap-return"
	RefBurn       = "burn"
	RefMint       = "mint"
	RefSupply     = "supply"
	RefWithdraw   = "withdraw"
)

// Names under which finished bridge legs are archived.
const (
	legOutbound = "outbound"
	legReturn   = "return"
)

func (e *engine) checkBalance(ctx context.Context, step Step, network string, asset Asset, owner string, need decimal.Decimal) error {
	if e.balances == nil {
		return nil
	}
	have, err := e.balances.Balance(ctx, network, asset, owner)
	if err != nil {
		return wrapStepError(step, KindStepFailed, fmt.Errorf("balance check: %w", err))
	}
	if have.LessThan(need) {
		return NewSagaError(KindInsufficientBalance, step,
			fmt.Errorf("%s balance on %s is %s, need %s", asset, network, have, need))
	}
	return nil
}

// swapStep quotes, checks the floor, then executes. Nothing is written to
// the store if the quote is below the floor. The recipient also owns the
// input funds.
func (e *engine) swapStep(ctx context.Context, step Step, state *TransactionState, network string, in, out Asset, amountIn decimal.Decimal, callerMin *decimal.Decimal, recipient string) (*SwapResult, decimal.Decimal, error) {
	if err := e.checkBalance(ctx, step, network, in, recipient, amountIn); err != nil {
		return nil, decimal.Zero, err
	}
	quote, err := e.swap.Quote(ctx, network, amountIn, in, out)
	if err != nil {
		return nil, decimal.Zero, wrapStepError(step, KindStepFailed, fmt.Errorf("quote: %w", err))
	}
	slippage := state.Parameters.SlippagePercent
	floor := SwapFloor(quote.AmountOut, slippage, callerMin)
	if quote.AmountOut.LessThan(floor) {
		return nil, floor, NewSagaError(KindSlippageExceeded, step,
			fmt.Errorf("quoted %s below minimum %s", quote.AmountOut, floor))
	}
	res, err := e.swap.Execute(ctx, SwapRequest{
		Network:      network,
		AssetIn:      in,
		AssetOut:     out,
		AmountIn:     amountIn,
		MinAmountOut: floor,
		Recipient:    recipient,
	})
	if err != nil {
		return nil, floor, wrapStepError(step, KindStepFailed, fmt.Errorf("swap: %w", err))
	}
	if res.AmountOut.LessThan(floor) {
		return nil, floor, NewSagaError(KindSlippageExceeded, step,
			fmt.Errorf("received %s below minimum %s", res.AmountOut, floor))
	}
	return res, floor, nil
}

func (e *engine) swapToStable(ctx context.Context, state *TransactionState) (map[string]any, error) {
	network := e.route.SourceNetwork
	res, floor, err := e.swapStep(ctx, StepSwapToStable, state, network, AssetNative, AssetStable,
		state.Amount, state.Parameters.MinOutput, state.UserAddress)
	if err != nil {
		return nil, err
	}
	// The swap has executed; record it even if ctx is cancelled meanwhile.
	persist := context.WithoutCancel(ctx)
	amountIn := state.Amount
	if err := e.store.UpdateAmounts(persist, state.ID, Amounts{Deposit: &amountIn, PostSwap: &res.AmountOut}); err != nil {
		return nil, err
	}
	if err := e.store.UpdateChainTxRef(persist, state.ID, network, RefSwap, res.TxRef); err != nil {
		return nil, err
	}
	return map[string]any{
		"tx_ref":     res.TxRef,
		"amount_out": res.AmountOut.String(),
		"min_output": floor.String(),
	}, nil
}

func (e *engine) burn(ctx context.Context, step Step, state *TransactionState, network, owner string, amount decimal.Decimal, domain uint32, recipient string) (map[string]any, error) {
	if err := e.checkBalance(ctx, step, network, AssetStable, owner, amount); err != nil {
		return nil, err
	}
	res, err := e.burner.Burn(ctx, BurnRequest{
		Network:           network,
		Owner:             owner,
		Amount:            amount,
		DestinationDomain: domain,
		Recipient:         recipient,
	})
	if err != nil {
		return nil, wrapStepError(step, KindBridgeStepFailed, fmt.Errorf("burn: %w", err))
	}
	// The burn is final from here on. Its message hash is the only handle on
	// the burned funds, so it is written even if ctx is already cancelled.
	if err := e.store.RecordBurn(context.WithoutCancel(ctx), state.ID, network, RefBurn, res.TxRef, res.MessageHash); err != nil {
		return nil, err
	}
	return map[string]any{
		"tx_ref":             res.TxRef,
		"message_hash":       res.MessageHash,
		"amount":             amount.String(),
		"destination_domain": domain,
	}, nil
}

func (e *engine) burnSource(ctx context.Context, state *TransactionState) (map[string]any, error) {
	if state.Amounts.PostSwap == nil {
		return nil, NewSagaError(KindStepFailed, StepBurnSource, fmt.Errorf("no post-swap amount recorded"))
	}
	return e.burn(ctx, StepBurnSource, state, e.route.SourceNetwork, state.UserAddress, *state.Amounts.PostSwap,
		e.route.DestinationDomain, e.destinationRecipient(state))
}

// awaitAttestation blocks on the provider unless the current leg already has
// an attestation.
func (e *engine) awaitAttestation(step Step) stepFunc {
	return func(ctx context.Context, state *TransactionState) (map[string]any, error) {
		if state.Bridge.MessageHash == "" {
			return nil, NewSagaError(KindStepFailed, step, fmt.Errorf("no message hash recorded"))
		}
		if state.Bridge.Attestation != "" {
			return map[string]any{"attestation": state.Bridge.Attestation, "reused": true}, nil
		}
		attestation, err := e.attestations.WaitForAttestation(ctx, state.Bridge.MessageHash,
			e.attestationAttempts, e.attestationInterval)
		if err != nil {
			return nil, wrapStepError(step, KindAttestationTimeout, err)
		}
		if err := e.store.UpdateBridgeData(context.WithoutCancel(ctx), state.ID, BridgeData{Attestation: attestation}); err != nil {
			return nil, err
		}
		return map[string]any{"message_hash": state.Bridge.MessageHash, "attestation": attestation}, nil
	}
}

func (e *engine) mint(ctx context.Context, step Step, state *TransactionState, network, recipient string) (*MintResult, error) {
	if state.Bridge.Attestation == "" {
		return nil, NewSagaError(KindStepFailed, step, fmt.Errorf("no attestation recorded"))
	}
	res, err := e.minter.Mint(ctx, MintRequest{
		Network:     network,
		MessageHash: state.Bridge.MessageHash,
		Attestation: state.Bridge.Attestation,
		Recipient:   recipient,
	})
	if err != nil {
		return nil, wrapStepError(step, KindBridgeStepFailed, fmt.Errorf("mint: %w", err))
	}
	if err := e.store.UpdateChainTxRef(context.WithoutCancel(ctx), state.ID, network, RefMint, res.TxRef); err != nil {
		return nil, err
	}
	return res, nil
}

// finishMint records the minted amount and archives the leg, which is no
// longer in flight.
func (e *engine) finishMint(ctx context.Context, state *TransactionState, amounts Amounts, leg string) error {
	persist := context.WithoutCancel(ctx)
	if err := e.store.UpdateAmounts(persist, state.ID, amounts); err != nil {
		return err
	}
	return e.store.CloseBridgeLeg(persist, state.ID, leg)
}

func (e *engine) mintDestination(ctx context.Context, state *TransactionState) (map[string]any, error) {
	res, err := e.mint(ctx, StepMintDestination, state, e.route.DestinationNetwork, e.destinationRecipient(state))
	if err != nil {
		return nil, err
	}
	if err := e.finishMint(ctx, state, Amounts{Bridged: &res.Amount}, legOutbound); err != nil {
		return nil, err
	}
	return map[string]any{"tx_ref": res.TxRef, "amount": res.Amount.String()}, nil
}

func (e *engine) supplyToYield(ctx context.Context, state *TransactionState) (map[string]any, error) {
	if state.Amounts.Bridged == nil {
		return nil, NewSagaError(KindStepFailed, StepSupplyToYield, fmt.Errorf("no bridged amount recorded"))
	}
	amount := *state.Amounts.Bridged
	res, err := e.yield.Supply(ctx, e.destinationRecipient(state), amount)
	if err != nil {
		return nil, wrapStepError(StepSupplyToYield, KindStepFailed, fmt.Errorf("supply: %w", err))
	}
	persist := context.WithoutCancel(ctx)
	if err := e.store.UpdateAmounts(persist, state.ID, Amounts{Supplied: &amount, Receipt: &res.ReceiptAmount}); err != nil {
		return nil, err
	}
	if err := e.store.UpdateChainTxRef(persist, state.ID, e.route.DestinationNetwork, RefSupply, res.TxRef); err != nil {
		return nil, err
	}
	return map[string]any{"tx_ref": res.TxRef, "supplied": amount.String(), "receipt": res.ReceiptAmount.String()}, nil
}

func (e *engine) accrue(ctx context.Context, state *TransactionState) (map[string]any, error) {
	period := state.Parameters.AccrualPeriod
	if err := e.accruer.Accrue(ctx, state.ID, period); err != nil {
		return nil, wrapStepError(StepAccrue, KindStepFailed, err)
	}
	return map[string]any{"period": period.String()}, nil
}

func (e *engine) withdrawFromYield(ctx context.Context, state *TransactionState) (map[string]any, error) {
	owner := e.destinationRecipient(state)
	var (
		res *WithdrawResult
		err error
	)
	if state.PendingRedemption != "" {
		claimer, ok := e.yield.(RedemptionClaimer)
		if !ok {
			return nil, NewSagaError(KindStepFailed, StepWithdrawFromYield,
				fmt.Errorf("yield protocol cannot claim delayed redemptions"))
		}
		res, err = claimer.ClaimRedemption(ctx, owner, state.PendingRedemption)
	} else {
		// A saga redeems only the receipt it recorded, never other positions
		// the owner may hold.
		req := WithdrawRequest{Mode: state.Parameters.RedemptionMode, Recipient: owner}
		if !state.Parameters.WithdrawMax {
			amount := state.Amount
			if state.Amounts.Receipt != nil {
				amount = *state.Amounts.Receipt
			}
			req.Amount = &amount
		}
		res, err = e.yield.Withdraw(ctx, owner, req)
	}
	if err != nil {
		return nil, wrapStepError(StepWithdrawFromYield, KindStepFailed, fmt.Errorf("withdraw: %w", err))
	}
	persist := context.WithoutCancel(ctx)
	if res.Pending() {
		if res.PendingRef != state.PendingRedemption {
			if err := e.store.SetPendingRedemption(persist, state.ID, res.PendingRef); err != nil {
				return nil, err
			}
		}
		return map[string]any{"pending_ref": res.PendingRef}, errRedemptionPending
	}
	if err := e.store.UpdateAmounts(persist, state.ID, Amounts{Withdrawn: &res.ReturnedAmount, YieldEarned: &res.InterestEarned}); err != nil {
		return nil, err
	}
	if err := e.store.UpdateChainTxRef(persist, state.ID, e.route.DestinationNetwork, RefWithdraw, res.TxRef); err != nil {
		return nil, err
	}
	if state.PendingRedemption != "" {
		if err := e.store.SetPendingRedemption(persist, state.ID, ""); err != nil {
			return nil, err
		}
	}
	return map[string]any{
		"tx_ref":   res.TxRef,
		"returned": res.ReturnedAmount.String(),
		"interest": res.InterestEarned.String(),
	}, nil
}

func (e *engine) burnDestination(ctx context.Context, state *TransactionState) (map[string]any, error) {
	if state.Amounts.Withdrawn == nil {
		return nil, NewSagaError(KindStepFailed, StepBurnDestination, fmt.Errorf("no withdrawn amount recorded"))
	}
	if !state.Bridge.IsZero() {
		if err := e.store.CloseBridgeLeg(ctx, state.ID, legOutbound); err != nil {
			return nil, err
		}
	}
	return e.burn(ctx, StepBurnDestination, state, e.route.DestinationNetwork, e.destinationRecipient(state), *state.Amounts.Withdrawn,
		e.route.SourceDomain, e.sourceRecipient(state))
}

func (e *engine) mintSource(ctx context.Context, state *TransactionState) (map[string]any, error) {
	res, err := e.mint(ctx, StepMintSource, state, e.route.SourceNetwork, e.sourceRecipient(state))
	if err != nil {
		return nil, err
	}
	if err := e.finishMint(ctx, state, Amounts{ReturnBridged: &res.Amount}, legReturn); err != nil {
		return nil, err
	}
	return map[string]any{"tx_ref": res.TxRef, "amount": res.Amount.String()}, nil
}

func (e *engine) swapToNative(ctx context.Context, state *TransactionState) (map[string]any, error) {
	if state.Amounts.ReturnBridged == nil {
		return nil, NewSagaError(KindStepFailed, StepSwapToNative, fmt.Errorf("no returned stable amount recorded"))
	}
	network := e.route.SourceNetwork
	recipient := e.sourceRecipient(state)
	res, floor, err := e.swapStep(ctx, StepSwapToNative, state, network, AssetStable, AssetNative,
		*state.Amounts.ReturnBridged, state.Parameters.MinReturnOutput, recipient)
	if err != nil {
		return nil, err
	}
	persist := context.WithoutCancel(ctx)
	if err := e.store.UpdateAmounts(persist, state.ID, Amounts{Returned: &res.AmountOut}); err != nil {
		return nil, err
	}
	if err := e.store.UpdateChainTxRef(persist, state.ID, network, RefSwapReturn, res.TxRef); err != nil {
		return nil, err
	}
	return map[string]any{
		"tx_ref":     res.TxRef,
		"amount_out": res.AmountOut.String(),
		"min_output": floor.String(),
	}, nil
}

func (e *engine) destinationRecipient(state *TransactionState) string {
	if state.Parameters.DestinationRecipient != "" {
		return state.Parameters.DestinationRecipient
	}
	return state.UserAddress
}

func (e *engine) sourceRecipient(state *TransactionState) string {
	if state.Parameters.SourceRecipient != "" {
		return state.Parameters.SourceRecipient
	}
	return state.UserAddress
}
