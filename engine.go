package yieldsaga

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/shopspring/decimal"
	"go.jetify.com/typeid"
)

// Bridge domain identifiers of the burn-and-mint bridge.
const (
	DomainEthereum  uint32 = 0
	DomainAvalanche uint32 = 1
	DomainOptimism  uint32 = 2
	DomainArbitrum  uint32 = 3
	DomainSolana    uint32 = 5
	DomainBase      uint32 = 6
	DomainPolygon   uint32 = 7
	DomainStellar   uint32 = 27
)

// Route names the two networks a saga moves value between. The source holds
// the native asset, the destination hosts the yield protocol.
type Route struct {
	SourceNetwork      string
	SourceDomain       uint32
	DestinationNetwork string
	DestinationDomain  uint32
}

// DefaultRoute bridges from Stellar to Ethereum.
func DefaultRoute() Route {
	return Route{
		SourceNetwork:      "stellar",
		SourceDomain:       DomainStellar,
		DestinationNetwork: "ethereum",
		DestinationDomain:  DomainEthereum,
	}
}

// Default attestation polling budget.
const (
	DefaultAttestationAttempts = 60
	DefaultAttestationInterval = 5 * time.Second
)

// DefaultSlippagePercent is used when a caller does not pass a tolerance.
var DefaultSlippagePercent = decimal.RequireFromString("0.5")

// Options configures an orchestrator. Collaborators a workflow never uses may
// be left nil; the constructors check what they need.
type Options struct {
	Store        Store
	Swap         SwapProvider
	Burner       BurnBridge
	Minter       MintBridge
	Attestations AttestationProvider
	Yield        YieldProtocol
	Balances     BalanceChecker
	Accruer      Accruer
	Route        Route

	AttestationAttempts    int
	AttestationInterval    time.Duration
	DefaultSlippagePercent *decimal.Decimal

	Logger     *slog.Logger
	StepLogger StepLogger
	Callbacks  SagaCallbacks
}

// Result is returned by Execute and Resume.
type Result struct {
	ID    string
	State *TransactionState
	// Pending is set when the saga stopped on a delayed redemption and must
	// be resumed once it settles.
	Pending bool
	// Profit is the clamped native gain, when it can be computed.
	Profit *decimal.Decimal
	// YieldProfit is withdrawn minus supplied, for round trips.
	YieldProfit *decimal.Decimal
}

type stepFunc func(ctx context.Context, state *TransactionState) (map[string]any, error)

type stepDef struct {
	step Step
	run  stepFunc
	// skip reports whether the step does not apply to this saga.
	skip func(state *TransactionState) bool
}

// errRedemptionPending stops a run without failing the saga.
var errRedemptionPending = errors.New("redemption pending")

// engine holds everything the three orchestrators share. It keeps no per-saga
// state, so one engine can run many sagas concurrently.
type engine struct {
	store        Store
	swap         SwapProvider
	burner       BurnBridge
	minter       MintBridge
	attestations AttestationProvider
	yield        YieldProtocol
	balances     BalanceChecker
	accruer      Accruer
	route        Route

	attestationAttempts int
	attestationInterval time.Duration
	slippagePercent     decimal.Decimal

	logger     *slog.Logger
	stepLogger StepLogger
	callbacks  SagaCallbacks
}

func newEngine(opts Options) (*engine, error) {
	if opts.Store == nil {
		return nil, fmt.Errorf("store is required")
	}
	if opts.Logger == nil {
		opts.Logger = NewDiscardLogger()
	}
	if opts.StepLogger == nil {
		opts.StepLogger = NewNullStepLogger()
	}
	if opts.Callbacks == nil {
		opts.Callbacks = &BaseCallbacks{}
	}
	if opts.Accruer == nil {
		opts.Accruer = &NoopAccruer{Logger: opts.Logger}
	}
	if opts.Route == (Route{}) {
		opts.Route = DefaultRoute()
	}
	if opts.AttestationAttempts <= 0 {
		opts.AttestationAttempts = DefaultAttestationAttempts
	}
	if opts.AttestationInterval <= 0 {
		opts.AttestationInterval = DefaultAttestationInterval
	}
	slippage := DefaultSlippagePercent
	if opts.DefaultSlippagePercent != nil {
		slippage = *opts.DefaultSlippagePercent
	}
	if err := ValidateSlippage(slippage); err != nil {
		return nil, err
	}
	return &engine{
		store:               opts.Store,
		swap:                opts.Swap,
		burner:              opts.Burner,
		minter:              opts.Minter,
		attestations:        opts.Attestations,
		yield:               opts.Yield,
		balances:            opts.Balances,
		accruer:             opts.Accruer,
		route:               opts.Route,
		attestationAttempts: opts.AttestationAttempts,
		attestationInterval: opts.AttestationInterval,
		slippagePercent:     slippage,
		logger:              opts.Logger,
		stepLogger:          opts.StepLogger,
		callbacks:           opts.Callbacks,
	}, nil
}

func (e *engine) requireBridge() error {
	switch {
	case e.swap == nil:
		return fmt.Errorf("swap provider is required")
	case e.burner == nil:
		return fmt.Errorf("burn bridge is required")
	case e.minter == nil:
		return fmt.Errorf("mint bridge is required")
	case e.attestations == nil:
		return fmt.Errorf("attestation provider is required")
	}
	return nil
}

// resumableSteps are safe to re-enter after an interruption because they
// either wait or only read from collaborators until they settle.
var resumableSteps = map[Step]bool{
	StepAwaitAttestation:       true,
	StepAwaitReturnAttestation: true,
	StepAccrue:                 true,
}

func isResumable(state *TransactionState) bool {
	if state.Status == StatusPending {
		return true
	}
	if state.Status != StatusProcessing {
		return false
	}
	if state.CurrentStep == StepWithdrawFromYield && state.PendingRedemption != "" {
		return true
	}
	return resumableSteps[state.CurrentStep]
}

// run executes steps starting at the saga's current step and returns once
// the saga is terminal, pending, or interrupted. When a step fails the error
// is returned together with a result describing where the saga stopped.
func (e *engine) run(ctx context.Context, id string, steps []stepDef, resumed bool) (*Result, error) {
	state, err := e.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	logger := e.logger.With(slog.String("saga_id", id), slog.String("workflow", string(state.Workflow)))

	start := time.Now()
	sagaEvent := &SagaEvent{
		SagaID:    id,
		Workflow:  state.Workflow,
		Status:    StatusProcessing,
		Step:      state.CurrentStep,
		Resumed:   resumed,
		StartTime: start,
	}
	e.callbacks.BeforeSaga(ctx, sagaEvent)

	finish := func(status Status, runErr error) {
		sagaEvent.Status = status
		sagaEvent.EndTime = time.Now()
		sagaEvent.Duration = sagaEvent.EndTime.Sub(start)
		sagaEvent.Error = runErr
		e.callbacks.AfterSaga(ctx, sagaEvent)
	}

	if err := e.store.UpdateStatus(ctx, id, StatusProcessing, nil); err != nil {
		finish(state.Status, err)
		return nil, err
	}
	logger.Info("saga started", slog.String("step", string(state.CurrentStep)), slog.Bool("resumed", resumed))

	// Bookkeeping between steps ignores cancellation: a cancelled ctx
	// surfaces in the next step, and every irreversible step is followed by
	// a wait that can be resumed.
	persist := context.WithoutCancel(ctx)
	from := state.Workflow.StepIndex(state.CurrentStep)
	for _, def := range steps {
		if state.Workflow.StepIndex(def.step) < from {
			continue
		}
		state, err = e.store.Get(persist, id)
		if err != nil {
			finish(StatusProcessing, err)
			return nil, err
		}
		if def.skip != nil && def.skip(state) {
			logger.Info("step skipped", slog.String("step", string(def.step)))
			continue
		}
		if err := e.store.UpdateStep(persist, id, def.step); err != nil {
			finish(StatusProcessing, err)
			return nil, err
		}
		state.CurrentStep = def.step

		stepErr := e.runStep(ctx, logger, state, def)
		if errors.Is(stepErr, errRedemptionPending) {
			logger.Info("saga waiting on delayed redemption", slog.String("step", string(def.step)))
			finish(StatusProcessing, nil)
			return e.result(ctx, id, true)
		}
		if stepErr != nil {
			status := e.fail(ctx, logger, state, stepErr)
			finish(status, stepErr)
			res, _ := e.result(ctx, id, false)
			return res, stepErr
		}
	}

	if err := e.store.UpdateStatus(persist, id, StatusCompleted, nil); err != nil {
		finish(StatusProcessing, err)
		return nil, err
	}
	logger.Info("saga completed", slog.Duration("duration", time.Since(start)))
	finish(StatusCompleted, nil)
	return e.result(ctx, id, false)
}

func (e *engine) runStep(ctx context.Context, logger *slog.Logger, state *TransactionState, def stepDef) error {
	start := time.Now()
	event := &StepEvent{
		SagaID:    state.ID,
		Workflow:  state.Workflow,
		Step:      def.step,
		StartTime: start,
	}
	e.callbacks.BeforeStep(ctx, event)
	logger.Info("step started", slog.String("step", string(def.step)))

	result, err := def.run(ctx, state)

	event.EndTime = time.Now()
	event.Duration = event.EndTime.Sub(start)
	event.Result = result
	if err != nil && !errors.Is(err, errRedemptionPending) {
		event.Error = err
	}
	e.callbacks.AfterStep(ctx, event)

	params := map[string]any{
		"user_address": state.UserAddress,
		"amount":       state.Amount.String(),
	}
	entry := &StepLogEntry{
		ID:         newStepLogID(),
		SagaID:     state.ID,
		Workflow:   state.Workflow,
		Step:       def.step,
		Parameters: params,
		Result:     result,
		StartTime:  start,
		Duration:   event.Duration.Seconds(),
	}
	if event.Error != nil {
		entry.Error = event.Error.Error()
	}
	if logErr := e.stepLogger.LogStep(context.WithoutCancel(ctx), entry); logErr != nil {
		logger.Warn("failed to write step log", slog.String("step", string(def.step)), slog.Any("error", logErr))
	}

	if event.Error != nil {
		logger.Error("step failed", slog.String("step", string(def.step)), slog.Any("error", err))
	} else {
		logger.Info("step completed", slog.String("step", string(def.step)), slog.Duration("duration", event.Duration))
	}
	return err
}

// fail records a step failure. An interrupted wait leaves the saga in
// Processing at that step so it can be resumed; anything else marks it
// Failed. The store write does not inherit ctx cancellation.
func (e *engine) fail(ctx context.Context, logger *slog.Logger, state *TransactionState, cause error) Status {
	if ctx.Err() != nil && isResumable(state) {
		logger.Warn("saga interrupted, left in processing",
			slog.String("step", string(state.CurrentStep)), slog.Any("error", cause))
		return StatusProcessing
	}
	if err := e.store.UpdateStatus(context.WithoutCancel(ctx), state.ID, StatusFailed, cause); err != nil {
		logger.Error("failed to mark saga failed", slog.Any("error", err))
		return StatusProcessing
	}
	return StatusFailed
}

func (e *engine) result(ctx context.Context, id string, pending bool) (*Result, error) {
	state, err := e.store.Get(context.WithoutCancel(ctx), id)
	if err != nil {
		return nil, err
	}
	res := &Result{ID: id, State: state, Pending: pending}
	a := state.Amounts
	if a.Deposit != nil && a.Returned != nil {
		p := Profit(*a.Deposit, *a.Returned)
		res.Profit = &p
	}
	if a.Supplied != nil && a.Withdrawn != nil {
		y := a.Withdrawn.Sub(*a.Supplied)
		res.YieldProfit = &y
	}
	return res, nil
}

// resume continues a saga that stopped at a step that is safe to re-enter.
func (e *engine) resume(ctx context.Context, id string, workflow Workflow, steps []stepDef) (*Result, error) {
	state, err := e.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if state.Workflow != workflow {
		return nil, fmt.Errorf("%w: saga %s is a %s saga", ErrNotResumable, id, state.Workflow)
	}
	if !isResumable(state) {
		return nil, fmt.Errorf("%w: saga %s is %s at %s", ErrNotResumable, id, state.Status, state.CurrentStep)
	}
	return e.run(ctx, id, steps, true)
}

func (e *engine) resolveSlippage(percent *decimal.Decimal) (decimal.Decimal, error) {
	if percent == nil {
		return e.slippagePercent, nil
	}
	if err := ValidateSlippage(*percent); err != nil {
		return decimal.Zero, err
	}
	return *percent, nil
}

func validateAmount(name string, amount decimal.Decimal) error {
	if !amount.IsPositive() {
		return fmt.Errorf("%s must be positive, got %s", name, amount)
	}
	return nil
}

func newStepLogID() string {
	id, err := typeid.WithPrefix("step")
	if err != nil {
		panic(err)
	}
	return id.String()
}
