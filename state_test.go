package yieldsaga

import (
	"errors"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"
)

func dec(s string) *decimal.Decimal {
	d := decimal.RequireFromString(s)
	return &d
}

func newTestState(w Workflow) *TransactionState {
	return &TransactionState{
		ID:          "saga_test",
		Workflow:    w,
		Status:      StatusPending,
		CurrentStep: w.FirstStep(),
		ChainTxRefs: map[string]map[string]string{},
	}
}

func TestStatusTransitions(t *testing.T) {
	tests := []struct {
		from, to Status
		ok       bool
	}{
		{StatusPending, StatusProcessing, true},
		{StatusPending, StatusCancelled, true},
		{StatusPending, StatusCompleted, false},
		{StatusPending, StatusFailed, false},
		{StatusProcessing, StatusProcessing, true},
		{StatusProcessing, StatusCompleted, true},
		{StatusProcessing, StatusFailed, true},
		{StatusProcessing, StatusCancelled, true},
		{StatusProcessing, StatusPending, false},
		{StatusCompleted, StatusFailed, false},
		{StatusFailed, StatusProcessing, false},
		{StatusCancelled, StatusProcessing, false},
	}
	for _, tt := range tests {
		t.Run(string(tt.from)+"->"+string(tt.to), func(t *testing.T) {
			require.Equal(t, tt.ok, tt.from.CanTransitionTo(tt.to))
		})
	}
}

func TestSetStatusRecordsErrorOnlyWhenFailed(t *testing.T) {
	state := newTestState(WorkflowDeposit)
	require.NoError(t, state.SetStatus(StatusProcessing, errors.New("ignored")))
	require.Empty(t, state.Error)

	require.NoError(t, state.SetStatus(StatusFailed, NewSagaError(KindBridgeStepFailed, StepBurnSource, errors.New("reverted"))))
	require.Equal(t, StatusFailed, state.Status)
	require.Equal(t, KindBridgeStepFailed, state.ErrorKind)
	require.Contains(t, state.Error, "reverted")

	err := state.SetStatus(StatusCompleted, nil)
	require.ErrorIs(t, err, ErrInvalidTransition)
	require.Equal(t, StatusFailed, state.Status)
}

func TestWorkflowSteps(t *testing.T) {
	require.Equal(t, StepSwapToStable, WorkflowDeposit.FirstStep())
	require.Equal(t, StepWithdrawFromYield, WorkflowWithdraw.FirstStep())
	require.Len(t, WorkflowRoundTrip.Steps(), 11)
	require.Equal(t, -1, WorkflowDeposit.StepIndex(StepAccrue))
	require.False(t, Workflow("bogus").Valid())

	steps := WorkflowDeposit.Steps()
	steps[0] = StepAccrue
	require.Equal(t, StepSwapToStable, WorkflowDeposit.FirstStep())
}

func TestSetStepIsMonotonic(t *testing.T) {
	state := newTestState(WorkflowRoundTrip)
	require.NoError(t, state.SetStep(StepBurnSource))
	require.NoError(t, state.SetStep(StepBurnSource))
	require.NoError(t, state.SetStep(StepAccrue))

	err := state.SetStep(StepMintDestination)
	require.ErrorIs(t, err, ErrStepRegression)
	require.Equal(t, StepAccrue, state.CurrentStep)

	err = newTestState(WorkflowDeposit).SetStep(StepSwapToNative)
	require.Error(t, err)
	require.Contains(t, err.Error(), "not part of the deposit workflow")
}

func TestMergeAmountsIsWriteOnce(t *testing.T) {
	state := newTestState(WorkflowDeposit)
	require.NoError(t, state.MergeAmounts(Amounts{Deposit: dec("1000"), PostSwap: dec("997")}))
	require.NoError(t, state.MergeAmounts(Amounts{Bridged: dec("997")}))

	err := state.MergeAmounts(Amounts{Supplied: dec("997"), PostSwap: dec("1")})
	require.ErrorIs(t, err, ErrFieldImmutable)
	require.Contains(t, err.Error(), "post_swap")

	// nothing from the rejected merge was applied
	require.Nil(t, state.Amounts.Supplied)
	require.True(t, state.Amounts.PostSwap.Equal(decimal.RequireFromString("997")))
	require.True(t, state.Amounts.Deposit.Equal(decimal.RequireFromString("1000")))
}

func TestChainTxRefsAreAppendOnly(t *testing.T) {
	state := newTestState(WorkflowDeposit)
	require.NoError(t, state.SetChainTxRef("stellar", "swap", "0xaa"))
	require.NoError(t, state.SetChainTxRef("stellar", "burn", "0xbb"))
	require.NoError(t, state.SetChainTxRef("ethereum", "mint", "0xcc"))

	err := state.SetChainTxRef("stellar", "swap", "0xdd")
	require.ErrorIs(t, err, ErrFieldImmutable)
	require.Equal(t, "0xaa", state.TxRef("stellar", "swap"))
	require.Equal(t, "0xcc", state.TxRef("ethereum", "mint"))
	require.Empty(t, state.TxRef("ethereum", "burn"))
}

func TestBridgeDataPerLeg(t *testing.T) {
	state := newTestState(WorkflowRoundTrip)
	require.NoError(t, state.MergeBridgeData(BridgeData{MessageHash: "0x01", BridgeTxHash: "0xb1"}))
	require.NoError(t, state.MergeBridgeData(BridgeData{Attestation: "0xa1"}))

	err := state.MergeBridgeData(BridgeData{Attestation: "0xa2"})
	require.ErrorIs(t, err, ErrFieldImmutable)
	require.Equal(t, "0xa1", state.Bridge.Attestation)

	require.NoError(t, state.CloseBridgeLeg("outbound"))
	require.True(t, state.Bridge.IsZero())
	require.Len(t, state.BridgeHistory, 1)
	require.Equal(t, "0x01", state.BridgeHistory[0].Data.MessageHash)

	require.NoError(t, state.MergeBridgeData(BridgeData{MessageHash: "0x02"}))
	require.Equal(t, "0x02", state.Bridge.MessageHash)

	require.Error(t, newTestState(WorkflowDeposit).CloseBridgeLeg("outbound"))
}

func TestCopyIsDeep(t *testing.T) {
	state := newTestState(WorkflowDeposit)
	require.NoError(t, state.SetChainTxRef("stellar", "swap", "0xaa"))
	require.NoError(t, state.MergeAmounts(Amounts{Deposit: dec("10")}))
	state.Parameters.MinOutput = dec("9")

	c := state.Copy()
	c.ChainTxRefs["stellar"]["swap"] = "changed"
	*c.Amounts.Deposit = decimal.NewFromInt(99)
	*c.Parameters.MinOutput = decimal.NewFromInt(1)

	require.Equal(t, "0xaa", state.TxRef("stellar", "swap"))
	require.Equal(t, "10", state.Amounts.Deposit.String())
	require.Equal(t, "9", state.Parameters.MinOutput.String())
}
