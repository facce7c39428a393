package yieldsaga_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/deepnoodle-ai/yieldsaga"
	"github.com/deepnoodle-ai/yieldsaga/simulated"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"
)

const user = "GUSER"

func dec(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func requireAmount(t *testing.T, want string, got *decimal.Decimal) {
	t.Helper()
	require.NotNil(t, got, "amount %s not recorded", want)
	require.True(t, dec(want).Equal(*got), "want %s, got %s", want, got)
}

func newEnv(apy string) *simulated.Environment {
	return simulated.NewEnvironment(simulated.EnvironmentOptions{
		APY:         dec(apy),
		SwapFeeBps:  simulated.DefaultSwapFeeBps,
		EpochLength: 24 * time.Hour,
	})
}

type burnerFunc func(ctx context.Context, req yieldsaga.BurnRequest) (*yieldsaga.BurnResult, error)

func (f burnerFunc) Burn(ctx context.Context, req yieldsaga.BurnRequest) (*yieldsaga.BurnResult, error) {
	return f(ctx, req)
}

type recordingCallbacks struct {
	yieldsaga.BaseCallbacks
	mutex  sync.Mutex
	sagas  []yieldsaga.SagaEvent
	steps  []yieldsaga.Step
	failed []yieldsaga.Step
}

func (r *recordingCallbacks) AfterSaga(ctx context.Context, event *yieldsaga.SagaEvent) {
	r.mutex.Lock()
	defer r.mutex.Unlock()
	r.sagas = append(r.sagas, *event)
}

func (r *recordingCallbacks) AfterStep(ctx context.Context, event *yieldsaga.StepEvent) {
	r.mutex.Lock()
	defer r.mutex.Unlock()
	r.steps = append(r.steps, event.Step)
	if event.Error != nil {
		r.failed = append(r.failed, event.Step)
	}
}

func TestDeposit(t *testing.T) {
	ctx := context.Background()

	t.Run("supplies bridged funds", func(t *testing.T) {
		env := newEnv("6")
		env.Fund(user, dec("1000"))
		store := yieldsaga.NewMemoryStore()
		o, err := yieldsaga.NewDepositOrchestrator(env.Options(store))
		require.NoError(t, err)

		res, err := o.Execute(ctx, yieldsaga.DepositOptions{UserAddress: user, Amount: dec("1000")})
		require.NoError(t, err)
		require.False(t, res.Pending)

		state := res.State
		require.Equal(t, yieldsaga.StatusCompleted, state.Status)
		require.Equal(t, yieldsaga.StepSupplyToYield, state.CurrentStep)
		require.True(t, state.Committed)
		requireAmount(t, "1000", state.Amounts.Deposit)
		requireAmount(t, "997", state.Amounts.PostSwap)
		requireAmount(t, "997", state.Amounts.Bridged)
		requireAmount(t, "997", state.Amounts.Supplied)
		requireAmount(t, "997", state.Amounts.Receipt)
		require.NotEmpty(t, state.TxRef("stellar", yieldsaga.RefSwap))
		require.NotEmpty(t, state.TxRef("stellar", yieldsaga.RefBurn))
		require.NotEmpty(t, state.TxRef("ethereum", yieldsaga.RefMint))
		require.NotEmpty(t, state.TxRef("ethereum", yieldsaga.RefSupply))
		require.True(t, state.Bridge.IsZero(), "no leg in flight once minted")
		require.Len(t, state.BridgeHistory, 1)
		require.Equal(t, "outbound", state.BridgeHistory[0].Name)
		require.NotEmpty(t, state.BridgeHistory[0].Data.MessageHash)
		require.NotEmpty(t, state.BridgeHistory[0].Data.Attestation)
		require.Equal(t, state.TxRef("stellar", yieldsaga.RefBurn), state.BridgeHistory[0].Data.BridgeTxHash)

		principal, _ := env.Yield.Position(user)
		require.True(t, dec("997").Equal(principal))
	})

	t.Run("skip supply stops after mint", func(t *testing.T) {
		env := newEnv("6")
		env.Fund(user, dec("1000"))
		o, err := yieldsaga.NewDepositOrchestrator(env.Options(yieldsaga.NewMemoryStore()))
		require.NoError(t, err)

		res, err := o.Execute(ctx, yieldsaga.DepositOptions{
			UserAddress:          user,
			Amount:               dec("1000"),
			DestinationRecipient: "0xdest",
			SkipSupply:           true,
		})
		require.NoError(t, err)
		require.Equal(t, yieldsaga.StatusCompleted, res.State.Status)
		requireAmount(t, "997", res.State.Amounts.Bridged)
		require.Nil(t, res.State.Amounts.Supplied)

		bal, err := env.Ledger.Balance(ctx, "ethereum", yieldsaga.AssetStable, "0xdest")
		require.NoError(t, err)
		require.True(t, dec("997").Equal(bal))
	})

	t.Run("rejects bad input before creating a saga", func(t *testing.T) {
		env := newEnv("6")
		store := yieldsaga.NewMemoryStore()
		o, err := yieldsaga.NewDepositOrchestrator(env.Options(store))
		require.NoError(t, err)

		_, err = o.Execute(ctx, yieldsaga.DepositOptions{UserAddress: user, Amount: dec("0")})
		require.Error(t, err)
		bad := dec("100")
		_, err = o.Execute(ctx, yieldsaga.DepositOptions{UserAddress: user, Amount: dec("1"), SlippagePercent: &bad})
		require.Error(t, err)

		all, err := store.List(ctx, yieldsaga.ListFilter{})
		require.NoError(t, err)
		require.Empty(t, all)
	})
}

func TestDepositFailures(t *testing.T) {
	ctx := context.Background()

	t.Run("slippage aborts before any ledger write", func(t *testing.T) {
		env := newEnv("6")
		env.Fund(user, dec("1000"))
		o, err := yieldsaga.NewDepositOrchestrator(env.Options(yieldsaga.NewMemoryStore()))
		require.NoError(t, err)

		floor := dec("999")
		res, err := o.Execute(ctx, yieldsaga.DepositOptions{UserAddress: user, Amount: dec("1000"), MinOutput: &floor})
		require.ErrorIs(t, err, yieldsaga.ErrSlippageExceeded)
		require.NotNil(t, res)
		require.Equal(t, yieldsaga.StatusFailed, res.State.Status)
		require.Equal(t, yieldsaga.KindSlippageExceeded, res.State.ErrorKind)
		require.Equal(t, yieldsaga.StepSwapToStable, res.State.CurrentStep)
		require.Nil(t, res.State.Amounts.Deposit)
		require.Nil(t, res.State.Amounts.PostSwap)
		require.False(t, res.State.Committed)

		bal, _ := env.Ledger.Balance(ctx, "stellar", yieldsaga.AssetNative, user)
		require.True(t, dec("1000").Equal(bal))
	})

	t.Run("insufficient balance", func(t *testing.T) {
		env := newEnv("6")
		env.Fund(user, dec("10"))
		o, err := yieldsaga.NewDepositOrchestrator(env.Options(yieldsaga.NewMemoryStore()))
		require.NoError(t, err)

		res, err := o.Execute(ctx, yieldsaga.DepositOptions{UserAddress: user, Amount: dec("1000")})
		require.ErrorIs(t, err, yieldsaga.ErrInsufficientBalance)
		require.Equal(t, yieldsaga.KindInsufficientBalance, res.State.ErrorKind)
		require.False(t, yieldsaga.IsRetryable(err))
	})

	t.Run("burn failure leaves saga uncommitted", func(t *testing.T) {
		env := newEnv("6")
		env.Fund(user, dec("1000"))
		opts := env.Options(yieldsaga.NewMemoryStore())
		opts.Burner = burnerFunc(func(ctx context.Context, req yieldsaga.BurnRequest) (*yieldsaga.BurnResult, error) {
			return nil, errors.New("rpc unavailable")
		})
		o, err := yieldsaga.NewDepositOrchestrator(opts)
		require.NoError(t, err)

		res, err := o.Execute(ctx, yieldsaga.DepositOptions{UserAddress: user, Amount: dec("1000")})
		require.ErrorIs(t, err, yieldsaga.ErrBridgeStepFailed)
		require.Equal(t, yieldsaga.StatusFailed, res.State.Status)
		require.Equal(t, yieldsaga.StepBurnSource, res.State.CurrentStep)
		require.Equal(t, yieldsaga.KindBridgeStepFailed, res.State.ErrorKind)
		require.Contains(t, res.State.Error, "rpc unavailable")
		require.False(t, res.State.Committed)
		requireAmount(t, "997", res.State.Amounts.PostSwap)
		require.Empty(t, res.State.TxRef("stellar", yieldsaga.RefBurn))
	})

	t.Run("attestation failure after commit", func(t *testing.T) {
		env := newEnv("6")
		env.Fund(user, dec("1000"))
		opts := env.Options(yieldsaga.NewMemoryStore())
		opts.Burner = burnerFunc(func(ctx context.Context, req yieldsaga.BurnRequest) (*yieldsaga.BurnResult, error) {
			res, err := env.Bridge.Burn(ctx, req)
			if err == nil {
				env.Bridge.FailMessage(res.MessageHash)
			}
			return res, err
		})
		o, err := yieldsaga.NewDepositOrchestrator(opts)
		require.NoError(t, err)

		res, err := o.Execute(ctx, yieldsaga.DepositOptions{UserAddress: user, Amount: dec("1000")})
		require.ErrorIs(t, err, yieldsaga.ErrAttestationFailed)
		require.Equal(t, yieldsaga.StatusFailed, res.State.Status)
		require.Equal(t, yieldsaga.KindAttestationFailed, res.State.ErrorKind)
		require.Equal(t, yieldsaga.StepAwaitAttestation, res.State.CurrentStep)
		require.True(t, res.State.Committed)
		require.Empty(t, res.State.Bridge.Attestation)
	})

	t.Run("attestation timeout fails the saga", func(t *testing.T) {
		env := simulated.NewEnvironment(simulated.EnvironmentOptions{APY: dec("6"), PendingPolls: 100})
		env.Fund(user, dec("1000"))
		opts := env.Options(yieldsaga.NewMemoryStore())
		opts.AttestationAttempts = 3
		o, err := yieldsaga.NewDepositOrchestrator(opts)
		require.NoError(t, err)

		res, err := o.Execute(ctx, yieldsaga.DepositOptions{UserAddress: user, Amount: dec("1000")})
		require.ErrorIs(t, err, yieldsaga.ErrAttestationTimeout)
		require.Equal(t, yieldsaga.StatusFailed, res.State.Status)
		require.Equal(t, yieldsaga.KindAttestationTimeout, res.State.ErrorKind)
		require.True(t, res.State.Committed)
		require.True(t, yieldsaga.IsRetryable(err))

		_, err = o.Resume(ctx, res.ID)
		require.ErrorIs(t, err, yieldsaga.ErrNotResumable)

		// The message hash survives the failure, so the wait can be retried
		// outside the saga.
		stored, err := opts.Store.Get(ctx, res.ID)
		require.NoError(t, err)
		require.NotEmpty(t, stored.Bridge.MessageHash)
		env.Bridge.SetPendingPolls(0)
		att, err := env.Attestations.WaitForAttestation(ctx, stored.Bridge.MessageHash, 3, time.Millisecond)
		require.NoError(t, err)
		require.NotEmpty(t, att)
	})
}

func TestDepositResumeAfterInterruption(t *testing.T) {
	env := simulated.NewEnvironment(simulated.EnvironmentOptions{APY: dec("6"), PendingPolls: 1_000_000})
	env.Fund(user, dec("1000"))
	store := yieldsaga.NewMemoryStore()
	o, err := yieldsaga.NewDepositOrchestrator(env.Options(store))
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()
	res, err := o.Execute(ctx, yieldsaga.DepositOptions{UserAddress: user, Amount: dec("1000")})
	require.ErrorIs(t, err, yieldsaga.ErrAttestationTimeout)
	require.Equal(t, yieldsaga.StatusProcessing, res.State.Status)
	require.Equal(t, yieldsaga.StepAwaitAttestation, res.State.CurrentStep)
	require.True(t, res.State.Committed)

	env.Bridge.SetPendingPolls(0)
	resumed, err := o.Resume(context.Background(), res.ID)
	require.NoError(t, err)
	require.Equal(t, yieldsaga.StatusCompleted, resumed.State.Status)
	requireAmount(t, "997", resumed.State.Amounts.Supplied)
	require.Greater(t, resumed.State.Version, res.State.Version)

	_, err = o.Resume(context.Background(), res.ID)
	require.ErrorIs(t, err, yieldsaga.ErrNotResumable)

	w, err := yieldsaga.NewWithdrawOrchestrator(env.Options(store))
	require.NoError(t, err)
	_, err = w.Resume(context.Background(), res.ID)
	require.ErrorIs(t, err, yieldsaga.ErrNotResumable)
}

func TestWithdraw(t *testing.T) {
	ctx := context.Background()

	deposit := func(t *testing.T, env *simulated.Environment, store yieldsaga.Store) {
		t.Helper()
		env.Fund(user, dec("1000"))
		o, err := yieldsaga.NewDepositOrchestrator(env.Options(store))
		require.NoError(t, err)
		_, err = o.Execute(ctx, yieldsaga.DepositOptions{UserAddress: user, Amount: dec("1000")})
		require.NoError(t, err)
	}

	t.Run("profit is clamped at zero", func(t *testing.T) {
		env := newEnv("0")
		store := yieldsaga.NewMemoryStore()
		deposit(t, env, store)

		o, err := yieldsaga.NewWithdrawOrchestrator(env.Options(store))
		require.NoError(t, err)
		original := dec("1000")
		res, err := o.Execute(ctx, yieldsaga.WithdrawOptions{UserAddress: user, OriginalDeposit: &original})
		require.NoError(t, err)

		state := res.State
		require.Equal(t, yieldsaga.StatusCompleted, state.Status)
		requireAmount(t, "997", state.Amounts.Withdrawn)
		requireAmount(t, "997", state.Amounts.ReturnBridged)
		requireAmount(t, "994.009", state.Amounts.Returned)
		require.NotNil(t, res.Profit)
		require.True(t, res.Profit.IsZero())

		bal, _ := env.Ledger.Balance(ctx, "stellar", yieldsaga.AssetNative, user)
		require.True(t, dec("994.009").Equal(bal))
	})

	t.Run("delayed redemption waits for resume", func(t *testing.T) {
		env := newEnv("6")
		store := yieldsaga.NewMemoryStore()
		deposit(t, env, store)

		o, err := yieldsaga.NewWithdrawOrchestrator(env.Options(store))
		require.NoError(t, err)
		res, err := o.Execute(ctx, yieldsaga.WithdrawOptions{UserAddress: user, Mode: yieldsaga.RedemptionDelayed})
		require.NoError(t, err)
		require.True(t, res.Pending)
		require.Equal(t, yieldsaga.StatusProcessing, res.State.Status)
		require.Equal(t, yieldsaga.StepWithdrawFromYield, res.State.CurrentStep)
		require.NotEmpty(t, res.State.PendingRedemption)

		again, err := o.Resume(ctx, res.ID)
		require.NoError(t, err)
		require.True(t, again.Pending)

		env.Clock.Advance(24 * time.Hour)
		done, err := o.Resume(ctx, res.ID)
		require.NoError(t, err)
		require.False(t, done.Pending)
		require.Equal(t, yieldsaga.StatusCompleted, done.State.Status)
		require.Empty(t, done.State.PendingRedemption)
		requireAmount(t, "997", done.State.Amounts.Withdrawn)
		require.Nil(t, done.Profit)
	})

	t.Run("requires a yield protocol", func(t *testing.T) {
		opts := newEnv("6").Options(yieldsaga.NewMemoryStore())
		opts.Yield = nil
		_, err := yieldsaga.NewWithdrawOrchestrator(opts)
		require.Error(t, err)
	})
}

func TestRoundTrip(t *testing.T) {
	ctx := context.Background()
	env := newEnv("6")
	env.Fund(user, dec("1000"))

	callbacks := &recordingCallbacks{}
	stepLogger := yieldsaga.NewFileStepLogger(t.TempDir())
	opts := env.Options(yieldsaga.NewMemoryStore())
	opts.Callbacks = callbacks
	opts.StepLogger = stepLogger

	o, err := yieldsaga.NewRoundTripOrchestrator(opts)
	require.NoError(t, err)

	start := env.Clock.Now()
	res, err := o.Execute(ctx, yieldsaga.RoundTripOptions{
		UserAddress:   user,
		Amount:        dec("1000"),
		AccrualPeriod: yieldsaga.AccrualDays(60),
	})
	require.NoError(t, err)
	require.Equal(t, 60*24*time.Hour, env.Clock.Now().Sub(start))

	state := res.State
	require.Equal(t, yieldsaga.StatusCompleted, state.Status)
	require.Equal(t, yieldsaga.StepSwapToNative, state.CurrentStep)
	requireAmount(t, "1000", state.Amounts.Deposit)
	requireAmount(t, "997", state.Amounts.PostSwap)
	requireAmount(t, "997", state.Amounts.Bridged)
	requireAmount(t, "997", state.Amounts.Supplied)
	requireAmount(t, "9.833424", state.Amounts.YieldEarned)
	requireAmount(t, "1006.833424", state.Amounts.Withdrawn)
	requireAmount(t, "1006.833424", state.Amounts.ReturnBridged)
	requireAmount(t, "1003.8129237", state.Amounts.Returned)

	require.NotNil(t, res.Profit)
	require.True(t, res.Profit.GreaterThan(dec("3.6")) && res.Profit.LessThan(dec("3.9")), "profit %s", res.Profit)
	requireAmount(t, "9.833424", res.YieldProfit)

	require.True(t, state.Bridge.IsZero())
	require.Len(t, state.BridgeHistory, 2)
	require.Equal(t, "outbound", state.BridgeHistory[0].Name)
	require.Equal(t, "return", state.BridgeHistory[1].Name)
	require.NotEqual(t, state.BridgeHistory[0].Data.MessageHash, state.BridgeHistory[1].Data.MessageHash)
	require.NotEmpty(t, state.TxRef("ethereum", yieldsaga.RefBurn))
	require.NotEmpty(t, state.TxRef("stellar", yieldsaga.RefMint))
	require.NotEmpty(t, state.TxRef("stellar", yieldsaga.RefSwapReturn))

	require.Equal(t, yieldsaga.WorkflowRoundTrip.Steps(), callbacks.steps)
	require.Empty(t, callbacks.failed)
	require.Len(t, callbacks.sagas, 1)
	require.Equal(t, yieldsaga.StatusCompleted, callbacks.sagas[0].Status)

	history, err := stepLogger.GetStepHistory(ctx, res.ID)
	require.NoError(t, err)
	require.Len(t, history, 11)
	require.Equal(t, yieldsaga.StepSwapToStable, history[0].Step)
	require.Equal(t, "997", history[0].Result["amount_out"])
}

func TestRoundTripDelayedRedemption(t *testing.T) {
	ctx := context.Background()
	env := newEnv("6")
	env.Fund(user, dec("1000"))
	store := yieldsaga.NewMemoryStore()
	o, err := yieldsaga.NewRoundTripOrchestrator(env.Options(store))
	require.NoError(t, err)

	res, err := o.Execute(ctx, yieldsaga.RoundTripOptions{
		UserAddress:   user,
		Amount:        dec("1000"),
		AccrualPeriod: yieldsaga.AccrualDays(60),
		Mode:          yieldsaga.RedemptionDelayed,
	})
	require.NoError(t, err)
	require.True(t, res.Pending)

	pending, err := store.List(ctx, yieldsaga.ListFilter{Status: yieldsaga.StatusProcessing})
	require.NoError(t, err)
	require.Len(t, pending, 1)

	env.Clock.Advance(24 * time.Hour)
	done, err := o.Resume(ctx, res.ID)
	require.NoError(t, err)
	require.Equal(t, yieldsaga.StatusCompleted, done.State.Status)
	requireAmount(t, "1003.8129237", done.State.Amounts.Returned)
}

func TestRoundTripRedeemsOnlyItsOwnPosition(t *testing.T) {
	ctx := context.Background()
	env := newEnv("6")
	env.Fund(user, dec("1100"))
	store := yieldsaga.NewMemoryStore()

	deposits, err := yieldsaga.NewDepositOrchestrator(env.Options(store))
	require.NoError(t, err)
	_, err = deposits.Execute(ctx, yieldsaga.DepositOptions{UserAddress: user, Amount: dec("1000")})
	require.NoError(t, err)

	roundTrips, err := yieldsaga.NewRoundTripOrchestrator(env.Options(store))
	require.NoError(t, err)
	res, err := roundTrips.Execute(ctx, yieldsaga.RoundTripOptions{
		UserAddress:   user,
		Amount:        dec("100"),
		AccrualPeriod: yieldsaga.AccrualDays(60),
	})
	require.NoError(t, err)

	state := res.State
	requireAmount(t, "99.7", state.Amounts.Supplied)
	require.True(t, state.Amounts.Withdrawn.GreaterThan(dec("99.7")))
	require.True(t, state.Amounts.Withdrawn.LessThan(dec("101")), "withdrew %s", state.Amounts.Withdrawn)
	require.True(t, res.YieldProfit.IsPositive())
	require.True(t, res.YieldProfit.LessThan(dec("1")), "yield profit %s", res.YieldProfit)

	// The deposit saga's position is untouched and keeps accruing.
	principal, interest := env.Yield.Position(user)
	require.True(t, dec("997").Equal(principal), "principal %s", principal)
	require.True(t, interest.IsPositive())
}

func TestConcurrentRoundTrips(t *testing.T) {
	ctx := context.Background()
	env := newEnv("6")
	store := yieldsaga.NewMemoryStore()
	o, err := yieldsaga.NewRoundTripOrchestrator(env.Options(store))
	require.NoError(t, err)

	users := []string{"GA", "GB", "GC", "GD"}
	for _, u := range users {
		env.Fund(u, dec("100"))
	}

	var wg sync.WaitGroup
	errs := make([]error, len(users))
	for i, u := range users {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, errs[i] = o.Execute(ctx, yieldsaga.RoundTripOptions{UserAddress: u, Amount: dec("100")})
		}()
	}
	wg.Wait()
	for _, err := range errs {
		require.NoError(t, err)
	}

	done, err := store.List(ctx, yieldsaga.ListFilter{Status: yieldsaga.StatusCompleted})
	require.NoError(t, err)
	require.Len(t, done, len(users))
}

func TestAccruers(t *testing.T) {
	ctx := context.Background()

	require.NoError(t, (&yieldsaga.NoopAccruer{Logger: yieldsaga.NewDiscardLogger()}).Accrue(ctx, "saga", time.Hour))

	start := time.Now()
	require.NoError(t, (&yieldsaga.WaitAccruer{}).Accrue(ctx, "saga", 5*time.Millisecond))
	require.GreaterOrEqual(t, time.Since(start), 5*time.Millisecond)

	cctx, cancel := context.WithCancel(ctx)
	cancel()
	require.ErrorIs(t, (&yieldsaga.WaitAccruer{}).Accrue(cctx, "saga", time.Hour), context.Canceled)

	var got time.Duration
	f := yieldsaga.AccruerFunc(func(ctx context.Context, sagaID string, period time.Duration) error {
		got = period
		return nil
	})
	require.NoError(t, f.Accrue(ctx, "saga", yieldsaga.AccrualDays(2)))
	require.Equal(t, 48*time.Hour, got)
}

func TestRoundTripAccrualInterrupted(t *testing.T) {
	env := newEnv("6")
	env.Fund(user, dec("1000"))
	opts := env.Options(yieldsaga.NewMemoryStore())
	opts.Accruer = &yieldsaga.WaitAccruer{}
	o, err := yieldsaga.NewRoundTripOrchestrator(opts)
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	res, err := o.Execute(ctx, yieldsaga.RoundTripOptions{
		UserAddress:   user,
		Amount:        dec("1000"),
		AccrualPeriod: time.Hour,
	})
	require.Error(t, err)
	require.Equal(t, yieldsaga.StatusProcessing, res.State.Status)
	require.Equal(t, yieldsaga.StepAccrue, res.State.CurrentStep)
}
