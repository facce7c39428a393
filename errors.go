package yieldsaga

import (
	"errors"
	"fmt"
)

// Error kinds used to classify saga failures.
const (
	// KindInsufficientBalance is raised by pre-flight checks before a swap or burn.
	KindInsufficientBalance = "insufficient_balance"

	// KindSlippageExceeded means a quote fell below the caller's floor.
	KindSlippageExceeded = "slippage_exceeded"

	// KindAttestationFailed means the attestation service reported failure.
	// It will never resolve and must not be retried.
	KindAttestationFailed = "attestation_failed"

	// KindAttestationTimeout means polling gave up before a final answer. The
	// attestation may still resolve later, so the wait may be retried.
	KindAttestationTimeout = "attestation_timeout"

	// KindBridgeStepFailed means a burn or mint call errored.
	KindBridgeStepFailed = "bridge_step_failed"

	// KindStateNotFound means an operation named an unknown saga id.
	KindStateNotFound = "state_not_found"

	// KindStepFailed covers any other leaf failure.
	KindStepFailed = "step_failed"
)

var (
	ErrInsufficientBalance = errors.New("insufficient balance")
	ErrSlippageExceeded    = errors.New("slippage exceeded")
	ErrAttestationFailed   = errors.New("attestation failed")
	ErrAttestationTimeout  = errors.New("attestation timeout")
	ErrBridgeStepFailed    = errors.New("bridge step failed")
	ErrStateNotFound       = errors.New("transaction not found")
	ErrStepFailed          = errors.New("step failed")

	ErrFieldImmutable    = errors.New("field is write-once")
	ErrInvalidTransition = errors.New("invalid status transition")
	ErrStepRegression    = errors.New("step cannot move backwards")
	ErrNotResumable      = errors.New("saga cannot be resumed")
	ErrStateExists       = errors.New("transaction already exists")
)

var kindSentinels = map[string]error{
	KindInsufficientBalance: ErrInsufficientBalance,
	KindSlippageExceeded:    ErrSlippageExceeded,
	KindAttestationFailed:   ErrAttestationFailed,
	KindAttestationTimeout:  ErrAttestationTimeout,
	KindBridgeStepFailed:    ErrBridgeStepFailed,
	KindStateNotFound:       ErrStateNotFound,
	KindStepFailed:          ErrStepFailed,
}

var kindOrder = []string{
	KindStateNotFound,
	KindAttestationFailed,
	KindAttestationTimeout,
	KindInsufficientBalance,
	KindSlippageExceeded,
	KindBridgeStepFailed,
	KindStepFailed,
}

// SagaError is a classified saga failure. It matches both its kind sentinel
// and the wrapped cause with errors.Is.
type SagaError struct {
	Kind    string `json:"kind"`
	Step    Step   `json:"step,omitempty"`
	Cause   string `json:"cause"`
	Details any    `json:"details,omitempty"`
	Wrapped error  `json:"-"`
}

// Error implements the error interface
func (e *SagaError) Error() string {
	if e.Step != "" {
		return fmt.Sprintf("%s at %s: %s", e.Kind, e.Step, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Cause)
}

// Unwrap exposes the kind sentinel and the wrapped cause.
func (e *SagaError) Unwrap() []error {
	var errs []error
	if sentinel, ok := kindSentinels[e.Kind]; ok {
		errs = append(errs, sentinel)
	}
	if e.Wrapped != nil {
		errs = append(errs, e.Wrapped)
	}
	return errs
}

// IsRecoverable reports whether the failure may resolve if retried. Only
// attestation timeouts qualify.
func (e *SagaError) IsRecoverable() bool {
	return e.Kind == KindAttestationTimeout
}

// NewSagaError creates a classified error. A nil cause produces an error
// carrying just the kind.
func NewSagaError(kind string, step Step, cause error) *SagaError {
	e := &SagaError{Kind: kind, Step: step, Wrapped: cause}
	if cause != nil {
		e.Cause = cause.Error()
	} else if sentinel, ok := kindSentinels[kind]; ok {
		e.Cause = sentinel.Error()
	}
	return e
}

// Errorf creates a classified error with a formatted cause.
func Errorf(kind string, format string, args ...any) *SagaError {
	return NewSagaError(kind, "", fmt.Errorf(format, args...))
}

// NewStateNotFoundError reports an unknown saga id.
func NewStateNotFoundError(id string) *SagaError {
	return &SagaError{Kind: KindStateNotFound, Cause: fmt.Sprintf("transaction %s not found", id)}
}

// ClassifyError converts any error into a SagaError.
func ClassifyError(err error) *SagaError {
	var sagaErr *SagaError
	if errors.As(err, &sagaErr) {
		return sagaErr
	}
	for _, kind := range kindOrder {
		if errors.Is(err, kindSentinels[kind]) {
			return &SagaError{Kind: kind, Cause: err.Error(), Wrapped: err}
		}
	}
	return &SagaError{Kind: KindStepFailed, Cause: err.Error(), Wrapped: err}
}

// IsRetryable reports whether err is an attestation timeout. The burn behind
// such an error has landed, so waiting again can still finish the transfer.
// A saga whose wait ran out of attempts is Failed and terminal; the retry
// happens out of band by polling Bridge.MessageHash again, for example with
// PollingProvider.GetAttestationWithRetry. A wait cut short by cancellation
// leaves the saga Processing and Resume picks it up.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	return ClassifyError(err).IsRecoverable()
}

// MatchesKind reports whether err classifies as kind.
func MatchesKind(err error, kind string) bool {
	if err == nil {
		return false
	}
	return ClassifyError(err).Kind == kind
}

// wrapStepError attaches step to err. Errors that already carry a kind keep
// it, everything else is classified as fallback.
func wrapStepError(step Step, fallback string, err error) *SagaError {
	var sagaErr *SagaError
	if errors.As(err, &sagaErr) {
		out := *sagaErr
		if out.Step == "" {
			out.Step = step
		}
		return &out
	}
	return NewSagaError(fallback, step, err)
}
