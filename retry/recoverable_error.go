package retry

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strings"
)

// RecoverableError is implemented by errors that know whether retrying the
// failed call can help.
type RecoverableError interface {
	error
	IsRecoverable() bool
}

// IsRecoverable reports whether err is worth another attempt. Errors that
// classify themselves win; otherwise network failures and the transient
// answers of RPC nodes are recoverable.
func IsRecoverable(err error) bool {
	if err == nil {
		return false
	}
	var recoverable RecoverableError
	if errors.As(err, &recoverable) {
		return recoverable.IsRecoverable()
	}
	switch {
	case errors.Is(err, context.Canceled):
		return false
	case errors.Is(err, context.DeadlineExceeded):
		return true
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}
	var opErr *net.OpError
	if errors.As(err, &opErr) {
		return true
	}
	return hasTransientMessage(err)
}

// transientMessages are substrings RPC nodes and gateways use for failures
// that clear up on their own.
var transientMessages = []string{
	"connection refused",
	"connection reset",
	"timeout",
	"rate limit",
	"too many requests",
	"nonce too low",
	"replacement transaction underpriced",
	"header not found",
}

func hasTransientMessage(err error) bool {
	msg := strings.ToLower(err.Error())
	if strings.Contains(msg, "execution reverted") {
		return false
	}
	for _, pattern := range transientMessages {
		if strings.Contains(msg, pattern) {
			return true
		}
	}
	return false
}

// StatusError is a non-success HTTP answer from a remote service.
type StatusError struct {
	Service string
	Code    int
	Body    string
}

func (e *StatusError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("%s returned %d", e.Service, e.Code)
	}
	return fmt.Sprintf("%s returned %d: %s", e.Service, e.Code, e.Body)
}

// IsRecoverable is true for throttling and server side failures.
func (e *StatusError) IsRecoverable() bool {
	return e.Code == http.StatusTooManyRequests || e.Code >= 500
}

type recoverableError struct {
	err error
}

func (e *recoverableError) Error() string {
	return e.err.Error()
}

func (e *recoverableError) IsRecoverable() bool {
	return true
}

func (e *recoverableError) Unwrap() error {
	return e.err
}

// NewRecoverableError marks err as retryable regardless of its type.
func NewRecoverableError(err error) error {
	return &recoverableError{err: err}
}

// NonRecoverableError stops Do at once.
type NonRecoverableError struct {
	err error
}

func (e *NonRecoverableError) Error() string {
	return e.err.Error()
}

func (e *NonRecoverableError) IsRecoverable() bool {
	return false
}

func (e *NonRecoverableError) Unwrap() error {
	return e.err
}

func NewNonRecoverableError(err error) *NonRecoverableError {
	return &NonRecoverableError{err: err}
}
