// Package storetest holds the behaviour every saga store must share. Store
// backends run it from their own tests.
package storetest

import (
	"context"
	"testing"

	"github.com/deepnoodle-ai/yieldsaga"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"
)

func dec(s string) *decimal.Decimal {
	d := decimal.RequireFromString(s)
	return &d
}

// CreateDeposit creates a deposit saga of 1000 for user.
func CreateDeposit(t *testing.T, store yieldsaga.Store, user string) *yieldsaga.TransactionState {
	t.Helper()
	state, err := store.Create(context.Background(), yieldsaga.CreateRequest{
		Workflow:    yieldsaga.WorkflowDeposit,
		UserAddress: user,
		Amount:      decimal.NewFromInt(1000),
	})
	require.NoError(t, err)
	return state
}

// Run exercises store against the shared contract. newStore must return an
// empty store for every call.
func Run(t *testing.T, newStore func(t *testing.T) yieldsaga.Store) {
	ctx := context.Background()

	t.Run("create", func(t *testing.T) {
		store := newStore(t)
		state := CreateDeposit(t, store, "GUSER")
		require.Contains(t, state.ID, "saga_")
		require.Equal(t, yieldsaga.StatusPending, state.Status)
		require.Equal(t, yieldsaga.StepSwapToStable, state.CurrentStep)
		require.False(t, state.Committed)

		got, err := store.Get(ctx, state.ID)
		require.NoError(t, err)
		require.Equal(t, state.ID, got.ID)
		require.Equal(t, "1000", got.Amount.String())
	})

	t.Run("unknown id fails loudly", func(t *testing.T) {
		store := newStore(t)
		const id = "saga_missing"
		_, err := store.Get(ctx, id)
		require.ErrorIs(t, err, yieldsaga.ErrStateNotFound)

		require.ErrorIs(t, store.UpdateStatus(ctx, id, yieldsaga.StatusProcessing, nil), yieldsaga.ErrStateNotFound)
		require.ErrorIs(t, store.UpdateStep(ctx, id, yieldsaga.StepBurnSource), yieldsaga.ErrStateNotFound)
		require.ErrorIs(t, store.UpdateChainTxRef(ctx, id, "a", "b", "c"), yieldsaga.ErrStateNotFound)
		require.ErrorIs(t, store.UpdateBridgeData(ctx, id, yieldsaga.BridgeData{MessageHash: "x"}), yieldsaga.ErrStateNotFound)
		require.ErrorIs(t, store.UpdateAmounts(ctx, id, yieldsaga.Amounts{Deposit: dec("1")}), yieldsaga.ErrStateNotFound)
		require.ErrorIs(t, store.MarkCommitted(ctx, id), yieldsaga.ErrStateNotFound)
	})

	t.Run("mutations persist and bump version", func(t *testing.T) {
		store := newStore(t)
		id := CreateDeposit(t, store, "GUSER").ID

		require.NoError(t, store.UpdateStatus(ctx, id, yieldsaga.StatusProcessing, nil))
		require.NoError(t, store.UpdateStep(ctx, id, yieldsaga.StepBurnSource))
		require.NoError(t, store.UpdateChainTxRef(ctx, id, "stellar", "burn", "0xburn"))
		require.NoError(t, store.UpdateBridgeData(ctx, id, yieldsaga.BridgeData{MessageHash: "0xmsg"}))
		require.NoError(t, store.UpdateAmounts(ctx, id, yieldsaga.Amounts{Deposit: dec("1000")}))
		require.NoError(t, store.UpdateAmounts(ctx, id, yieldsaga.Amounts{PostSwap: dec("997")}))
		require.NoError(t, store.MarkCommitted(ctx, id))

		got, err := store.Get(ctx, id)
		require.NoError(t, err)
		require.Equal(t, yieldsaga.StatusProcessing, got.Status)
		require.Equal(t, yieldsaga.StepBurnSource, got.CurrentStep)
		require.Equal(t, "0xburn", got.TxRef("stellar", "burn"))
		require.Equal(t, "0xmsg", got.Bridge.MessageHash)
		require.Equal(t, "1000", got.Amounts.Deposit.String())
		require.Equal(t, "997", got.Amounts.PostSwap.String())
		require.True(t, got.Committed)
		require.Equal(t, int64(8), got.Version)
		require.False(t, got.UpdatedAt.Before(got.CreatedAt))
	})

	t.Run("rejected mutation leaves state unchanged", func(t *testing.T) {
		store := newStore(t)
		id := CreateDeposit(t, store, "GUSER").ID
		require.NoError(t, store.UpdateAmounts(ctx, id, yieldsaga.Amounts{PostSwap: dec("997")}))

		err := store.UpdateAmounts(ctx, id, yieldsaga.Amounts{PostSwap: dec("500"), Bridged: dec("500")})
		require.ErrorIs(t, err, yieldsaga.ErrFieldImmutable)
		require.NoError(t, store.UpdateStep(ctx, id, yieldsaga.StepSwapToStable))

		require.NoError(t, store.UpdateStep(ctx, id, yieldsaga.StepAwaitAttestation))
		require.ErrorIs(t, store.UpdateStep(ctx, id, yieldsaga.StepBurnSource), yieldsaga.ErrStepRegression)
		require.ErrorIs(t, store.UpdateStatus(ctx, id, yieldsaga.StatusCompleted, nil), yieldsaga.ErrInvalidTransition)

		got, err := store.Get(ctx, id)
		require.NoError(t, err)
		require.Equal(t, "997", got.Amounts.PostSwap.String())
		require.Nil(t, got.Amounts.Bridged)
		require.Equal(t, yieldsaga.StepAwaitAttestation, got.CurrentStep)
		require.Equal(t, yieldsaga.StatusPending, got.Status)
	})

	t.Run("failure is recorded with its kind", func(t *testing.T) {
		store := newStore(t)
		id := CreateDeposit(t, store, "GUSER").ID
		require.NoError(t, store.UpdateStatus(ctx, id, yieldsaga.StatusProcessing, nil))
		cause := yieldsaga.NewSagaError(yieldsaga.KindSlippageExceeded, yieldsaga.StepSwapToStable, nil)
		require.NoError(t, store.UpdateStatus(ctx, id, yieldsaga.StatusFailed, cause))

		got, err := store.Get(ctx, id)
		require.NoError(t, err)
		require.Equal(t, yieldsaga.StatusFailed, got.Status)
		require.Equal(t, yieldsaga.KindSlippageExceeded, got.ErrorKind)
		require.NotEmpty(t, got.Error)
		require.ErrorIs(t, store.UpdateStatus(ctx, id, yieldsaga.StatusProcessing, nil), yieldsaga.ErrInvalidTransition)
	})

	t.Run("bridge legs and redemptions", func(t *testing.T) {
		store := newStore(t)
		id := CreateDeposit(t, store, "GUSER").ID
		require.NoError(t, store.UpdateBridgeData(ctx, id, yieldsaga.BridgeData{MessageHash: "0x1", BridgeTxHash: "0xb"}))
		require.ErrorIs(t, store.UpdateBridgeData(ctx, id, yieldsaga.BridgeData{MessageHash: "0x2"}), yieldsaga.ErrFieldImmutable)
		require.NoError(t, store.CloseBridgeLeg(ctx, id, "outbound"))
		require.NoError(t, store.UpdateBridgeData(ctx, id, yieldsaga.BridgeData{MessageHash: "0x2"}))
		require.NoError(t, store.SetPendingRedemption(ctx, id, "ref-1"))

		got, err := store.Get(ctx, id)
		require.NoError(t, err)
		require.Equal(t, "0x2", got.Bridge.MessageHash)
		require.Len(t, got.BridgeHistory, 1)
		require.Equal(t, "0x1", got.BridgeHistory[0].Data.MessageHash)
		require.Equal(t, "ref-1", got.PendingRedemption)

		require.NoError(t, store.UpdateChainTxRef(ctx, id, "stellar", "burn", "0xa"))
		require.ErrorIs(t, store.UpdateChainTxRef(ctx, id, "stellar", "burn", "0xb"), yieldsaga.ErrFieldImmutable)
	})

	t.Run("burn is recorded in one mutation", func(t *testing.T) {
		store := newStore(t)
		id := CreateDeposit(t, store, "GUSER").ID
		require.NoError(t, store.RecordBurn(ctx, id, "stellar", yieldsaga.RefBurn, "0xburn", "0xmsg"))

		got, err := store.Get(ctx, id)
		require.NoError(t, err)
		require.True(t, got.Committed)
		require.Equal(t, "0xmsg", got.Bridge.MessageHash)
		require.Equal(t, "0xburn", got.Bridge.BridgeTxHash)
		require.Equal(t, "0xburn", got.TxRef("stellar", yieldsaga.RefBurn))
		require.Equal(t, int64(2), got.Version)

		// A second burn on the same leg writes nothing.
		require.NoError(t, store.CloseBridgeLeg(ctx, id, "outbound"))
		err = store.RecordBurn(ctx, id, "stellar", yieldsaga.RefBurn, "0xother", "0xmsg2")
		require.ErrorIs(t, err, yieldsaga.ErrFieldImmutable)
		got, err = store.Get(ctx, id)
		require.NoError(t, err)
		require.True(t, got.Bridge.IsZero())
		require.Equal(t, "0xburn", got.TxRef("stellar", yieldsaga.RefBurn))
		require.Equal(t, int64(3), got.Version)

		require.ErrorIs(t, store.RecordBurn(ctx, "saga_missing", "stellar", yieldsaga.RefBurn, "0x1", "0x2"), yieldsaga.ErrStateNotFound)
	})

	t.Run("returned state is a copy", func(t *testing.T) {
		store := newStore(t)
		id := CreateDeposit(t, store, "GUSER").ID
		got, err := store.Get(ctx, id)
		require.NoError(t, err)
		got.Status = yieldsaga.StatusCompleted
		got.ChainTxRefs["stellar"] = map[string]string{"swap": "0xalias"}

		again, err := store.Get(ctx, id)
		require.NoError(t, err)
		require.Equal(t, yieldsaga.StatusPending, again.Status)
		require.Empty(t, again.TxRef("stellar", "swap"))
	})

	t.Run("list filters", func(t *testing.T) {
		store := newStore(t)
		a := CreateDeposit(t, store, "GALICE")
		CreateDeposit(t, store, "GALICE")
		CreateDeposit(t, store, "GBOB")
		require.NoError(t, store.UpdateStatus(ctx, a.ID, yieldsaga.StatusProcessing, nil))

		all, err := store.List(ctx, yieldsaga.ListFilter{})
		require.NoError(t, err)
		require.Len(t, all, 3)

		alice, err := store.List(ctx, yieldsaga.ListFilter{UserAddress: "GALICE"})
		require.NoError(t, err)
		require.Len(t, alice, 2)

		processing, err := store.List(ctx, yieldsaga.ListFilter{Status: yieldsaga.StatusProcessing})
		require.NoError(t, err)
		require.Len(t, processing, 1)
		require.Equal(t, a.ID, processing[0].ID)

		pending, err := store.List(ctx, yieldsaga.ListFilter{Status: yieldsaga.StatusPending})
		require.NoError(t, err)
		require.Len(t, pending, 2)

		withdrawals, err := store.List(ctx, yieldsaga.ListFilter{Workflow: yieldsaga.WorkflowWithdraw})
		require.NoError(t, err)
		require.Empty(t, withdrawals)
	})
}
