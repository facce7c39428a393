package yieldsaga

import (
	"fmt"
	"slices"
	"time"

	"github.com/shopspring/decimal"
)

// Status is the lifecycle status of a saga.
type Status string

const (
	StatusPending    Status = "pending"
	StatusProcessing Status = "processing"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
	StatusCancelled  Status = "cancelled"
)

// IsTerminal reports whether no further transitions are allowed.
func (s Status) IsTerminal() bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusCancelled
}

// CanTransitionTo reports whether moving from s to next is allowed. Staying
// in the same non-terminal status is allowed so that resumed sagas can mark
// themselves Processing again.
func (s Status) CanTransitionTo(next Status) bool {
	if s.IsTerminal() {
		return false
	}
	switch next {
	case StatusPending:
		return s == StatusPending
	case StatusProcessing:
		return true
	case StatusCompleted, StatusFailed:
		return s == StatusProcessing
	case StatusCancelled:
		return true
	}
	return false
}

// Workflow identifies which saga shape a state belongs to.
type Workflow string

const (
	WorkflowDeposit   Workflow = "deposit"
	WorkflowWithdraw  Workflow = "withdraw"
	WorkflowRoundTrip Workflow = "roundtrip"
)

// Step names one stage of a workflow.
type Step string

const (
	StepSwapToStable           Step = "swap-to-stable"
	StepBurnSource             Step = "burn-source"
	StepAwaitAttestation       Step = "await-attestation"
	StepMintDestination        Step = "mint-destination"
	StepSupplyToYield          Step = "supply-to-yield"
	StepAccrue                 Step = "accrue"
	StepWithdrawFromYield      Step = "withdraw-from-yield"
	StepBurnDestination        Step = "burn-destination"
	StepAwaitReturnAttestation Step = "await-return-attestation"
	StepMintSource             Step = "mint-source"
	StepSwapToNative           Step = "swap-to-native"
)

var workflowSteps = map[Workflow][]Step{
	WorkflowDeposit: {
		StepSwapToStable,
		StepBurnSource,
		StepAwaitAttestation,
		StepMintDestination,
		StepSupplyToYield,
	},
	WorkflowWithdraw: {
		StepWithdrawFromYield,
		StepBurnDestination,
		StepAwaitReturnAttestation,
		StepMintSource,
		StepSwapToNative,
	},
	WorkflowRoundTrip: {
		StepSwapToStable,
		StepBurnSource,
		StepAwaitAttestation,
		StepMintDestination,
		StepSupplyToYield,
		StepAccrue,
		StepWithdrawFromYield,
		StepBurnDestination,
		StepAwaitReturnAttestation,
		StepMintSource,
		StepSwapToNative,
	},
}

// Valid reports whether w is a known workflow.
func (w Workflow) Valid() bool {
	_, ok := workflowSteps[w]
	return ok
}

// Steps returns the ordered steps of the workflow.
func (w Workflow) Steps() []Step {
	return slices.Clone(workflowSteps[w])
}

// StepIndex returns the position of step within the workflow, or -1.
func (w Workflow) StepIndex(step Step) int {
	return slices.Index(workflowSteps[w], step)
}

// FirstStep returns the step a freshly created saga starts at.
func (w Workflow) FirstStep() Step {
	steps := workflowSteps[w]
	if len(steps) == 0 {
		return ""
	}
	return steps[0]
}

// RedemptionMode selects how receipt assets are redeemed from a yield
// protocol.
type RedemptionMode string

const (
	// RedemptionImmediate redeems right away at a small fee.
	RedemptionImmediate RedemptionMode = "immediate"
	// RedemptionDelayed redeems without a fee once an external epoch ends.
	RedemptionDelayed RedemptionMode = "delayed"
)

// Amounts is the write-once ledger of value at each hop. A nil field has not
// been recorded yet.
type Amounts struct {
	Deposit       *decimal.Decimal `json:"deposit,omitempty"`
	PostSwap      *decimal.Decimal `json:"post_swap,omitempty"`
	Bridged       *decimal.Decimal `json:"bridged,omitempty"`
	Supplied      *decimal.Decimal `json:"supplied,omitempty"`
	Receipt       *decimal.Decimal `json:"receipt,omitempty"`
	Withdrawn     *decimal.Decimal `json:"withdrawn,omitempty"`
	YieldEarned   *decimal.Decimal `json:"yield_earned,omitempty"`
	ReturnBridged *decimal.Decimal `json:"return_bridged,omitempty"`
	Returned      *decimal.Decimal `json:"returned,omitempty"`
}

type amountField struct {
	name  string
	value **decimal.Decimal
}

func (a *Amounts) fields() []amountField {
	return []amountField{
		{"deposit", &a.Deposit},
		{"post_swap", &a.PostSwap},
		{"bridged", &a.Bridged},
		{"supplied", &a.Supplied},
		{"receipt", &a.Receipt},
		{"withdrawn", &a.Withdrawn},
		{"yield_earned", &a.YieldEarned},
		{"return_bridged", &a.ReturnBridged},
		{"returned", &a.Returned},
	}
}

// Copy returns a deep copy of the ledger.
func (a Amounts) Copy() Amounts {
	var out Amounts
	src := a.fields()
	dst := out.fields()
	for i := range src {
		if v := *src[i].value; v != nil {
			c := *v
			*dst[i].value = &c
		}
	}
	return out
}

// BridgeData describes the bridge leg currently in flight. Each field is set
// at most once per leg.
type BridgeData struct {
	MessageHash  string `json:"message_hash,omitempty"`
	Attestation  string `json:"attestation,omitempty"`
	BridgeTxHash string `json:"bridge_tx_hash,omitempty"`
}

// IsZero reports whether no field of the leg has been set.
func (b BridgeData) IsZero() bool {
	return b == BridgeData{}
}

// BridgeLeg is a closed bridge leg kept for audit.
type BridgeLeg struct {
	Name string     `json:"name"`
	Data BridgeData `json:"data"`
}

// Parameters are the caller inputs a saga was started with. They are fixed
// at creation so a saga can be resumed without the original call.
type Parameters struct {
	DestinationRecipient string           `json:"destination_recipient,omitempty"`
	SourceRecipient      string           `json:"source_recipient,omitempty"`
	SlippagePercent      decimal.Decimal  `json:"slippage_percent"`
	MinOutput            *decimal.Decimal `json:"min_output,omitempty"`
	MinReturnOutput      *decimal.Decimal `json:"min_return_output,omitempty"`
	SkipSupply           bool             `json:"skip_supply,omitempty"`
	RedemptionMode       RedemptionMode   `json:"redemption_mode,omitempty"`
	WithdrawMax          bool             `json:"withdraw_max,omitempty"`
	AccrualPeriod        time.Duration    `json:"accrual_period,omitempty"`
}

func (p Parameters) copy() Parameters {
	out := p
	if p.MinOutput != nil {
		v := *p.MinOutput
		out.MinOutput = &v
	}
	if p.MinReturnOutput != nil {
		v := *p.MinReturnOutput
		out.MinReturnOutput = &v
	}
	return out
}

// TransactionState is the single record describing one saga. It is fully
// JSON serializable so any store can persist it.
type TransactionState struct {
	ID                string                       `json:"id"`
	Workflow          Workflow                     `json:"workflow"`
	Status            Status                       `json:"status"`
	CurrentStep       Step                         `json:"current_step"`
	UserAddress       string                       `json:"user_address"`
	Amount            decimal.Decimal              `json:"amount"`
	Parameters        Parameters                   `json:"parameters"`
	ChainTxRefs       map[string]map[string]string `json:"chain_tx_refs"`
	Bridge            BridgeData                   `json:"bridge_data"`
	BridgeHistory     []BridgeLeg                  `json:"bridge_history,omitempty"`
	Amounts           Amounts                      `json:"amounts"`
	Committed         bool                         `json:"committed"`
	PendingRedemption string                       `json:"pending_redemption,omitempty"`
	Error             string                       `json:"error,omitempty"`
	ErrorKind         string                       `json:"error_kind,omitempty"`
	Version           int64                        `json:"version"`
	CreatedAt         time.Time                    `json:"created_at"`
	UpdatedAt         time.Time                    `json:"updated_at"`
}

// Copy returns a deep copy of the state.
func (s *TransactionState) Copy() *TransactionState {
	out := *s
	out.Parameters = s.Parameters.copy()
	out.Amounts = s.Amounts.Copy()
	out.ChainTxRefs = make(map[string]map[string]string, len(s.ChainTxRefs))
	for network, refs := range s.ChainTxRefs {
		inner := make(map[string]string, len(refs))
		for k, v := range refs {
			inner[k] = v
		}
		out.ChainTxRefs[network] = inner
	}
	out.BridgeHistory = slices.Clone(s.BridgeHistory)
	return &out
}

// TxRef returns the transaction reference recorded for network and key.
func (s *TransactionState) TxRef(network, key string) string {
	return s.ChainTxRefs[network][key]
}

// SetStatus moves the saga to status. cause is recorded only when the new
// status is Failed.
func (s *TransactionState) SetStatus(status Status, cause error) error {
	if !s.Status.CanTransitionTo(status) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, s.Status, status)
	}
	s.Status = status
	if status == StatusFailed {
		if cause == nil {
			cause = fmt.Errorf("failed at %s", s.CurrentStep)
		}
		s.Error = cause.Error()
		s.ErrorKind = ClassifyError(cause).Kind
	}
	return nil
}

// SetStep advances the current step. Moving backwards is rejected.
func (s *TransactionState) SetStep(step Step) error {
	next := s.Workflow.StepIndex(step)
	if next < 0 {
		return fmt.Errorf("step %q is not part of the %s workflow", step, s.Workflow)
	}
	if cur := s.Workflow.StepIndex(s.CurrentStep); next < cur {
		return fmt.Errorf("%w: %s -> %s", ErrStepRegression, s.CurrentStep, step)
	}
	s.CurrentStep = step
	return nil
}

// SetChainTxRef records a transaction reference. References are append-only.
func (s *TransactionState) SetChainTxRef(network, key, ref string) error {
	if s.ChainTxRefs == nil {
		s.ChainTxRefs = map[string]map[string]string{}
	}
	refs, ok := s.ChainTxRefs[network]
	if !ok {
		refs = map[string]string{}
		s.ChainTxRefs[network] = refs
	}
	if existing, ok := refs[key]; ok {
		return fmt.Errorf("%w: chain tx ref %s/%s already set to %s", ErrFieldImmutable, network, key, existing)
	}
	refs[key] = ref
	return nil
}

// MergeBridgeData sets the non-empty fields of partial on the current leg.
// Nothing is written if any of them is already set.
func (s *TransactionState) MergeBridgeData(partial BridgeData) error {
	check := func(name, cur, next string) error {
		if next != "" && cur != "" {
			return fmt.Errorf("%w: bridge %s already set", ErrFieldImmutable, name)
		}
		return nil
	}
	if err := check("message_hash", s.Bridge.MessageHash, partial.MessageHash); err != nil {
		return err
	}
	if err := check("attestation", s.Bridge.Attestation, partial.Attestation); err != nil {
		return err
	}
	if err := check("bridge_tx_hash", s.Bridge.BridgeTxHash, partial.BridgeTxHash); err != nil {
		return err
	}
	if partial.MessageHash != "" {
		s.Bridge.MessageHash = partial.MessageHash
	}
	if partial.Attestation != "" {
		s.Bridge.Attestation = partial.Attestation
	}
	if partial.BridgeTxHash != "" {
		s.Bridge.BridgeTxHash = partial.BridgeTxHash
	}
	return nil
}

// CloseBridgeLeg archives the current leg under name and clears it so the
// next leg can be recorded.
func (s *TransactionState) CloseBridgeLeg(name string) error {
	if s.Bridge.IsZero() {
		return fmt.Errorf("no bridge leg in flight to close as %q", name)
	}
	s.BridgeHistory = append(s.BridgeHistory, BridgeLeg{Name: name, Data: s.Bridge})
	s.Bridge = BridgeData{}
	return nil
}

// MergeAmounts shallow-merges the non-nil fields of partial into the ledger.
// The merge is all or nothing: if any field is already recorded, no field is
// written.
func (s *TransactionState) MergeAmounts(partial Amounts) error {
	cur := s.Amounts.fields()
	next := partial.fields()
	for i := range next {
		if *next[i].value != nil && *cur[i].value != nil {
			return fmt.Errorf("%w: amount %s already recorded as %s",
				ErrFieldImmutable, cur[i].name, (*cur[i].value).String())
		}
	}
	for i := range next {
		if v := *next[i].value; v != nil {
			c := *v
			*cur[i].value = &c
		}
	}
	return nil
}

// RecordBurn stores a successful burn on the current leg: its message hash
// and tx hash, the chain tx ref under key, and the committed flag. Either all
// of it is written or none.
func (s *TransactionState) RecordBurn(network, key, txRef, messageHash string) error {
	if err := s.MergeBridgeData(BridgeData{MessageHash: messageHash, BridgeTxHash: txRef}); err != nil {
		return err
	}
	if err := s.SetChainTxRef(network, key, txRef); err != nil {
		return err
	}
	s.MarkCommitted()
	return nil
}

// MarkCommitted records that a burn succeeded. It never clears.
func (s *TransactionState) MarkCommitted() {
	s.Committed = true
}

// SetPendingRedemption records or clears the reference of a delayed
// redemption.
func (s *TransactionState) SetPendingRedemption(ref string) {
	s.PendingRedemption = ref
}
