package yieldsaga

import (
	"context"
	"time"
)

// SagaCallbacks receives saga lifecycle events. Implementations must not
// block for long since they run inline with the saga.
type SagaCallbacks interface {
	BeforeSaga(ctx context.Context, event *SagaEvent)
	AfterSaga(ctx context.Context, event *SagaEvent)

	BeforeStep(ctx context.Context, event *StepEvent)
	AfterStep(ctx context.Context, event *StepEvent)
}

// SagaEvent describes one orchestrator run of a saga.
type SagaEvent struct {
	SagaID    string
	Workflow  Workflow
	Status    Status
	Step      Step
	Resumed   bool
	StartTime time.Time
	EndTime   time.Time
	Duration  time.Duration
	Error     error
}

// StepEvent describes one step execution.
type StepEvent struct {
	SagaID    string
	Workflow  Workflow
	Step      Step
	StartTime time.Time
	EndTime   time.Time
	Duration  time.Duration
	Result    map[string]any
	Error     error
}

// BaseCallbacks provides a default implementation that does nothing
type BaseCallbacks struct{}

func (n *BaseCallbacks) BeforeSaga(ctx context.Context, event *SagaEvent) {
	// noop
}

func (n *BaseCallbacks) AfterSaga(ctx context.Context, event *SagaEvent) {
	// noop
}

func (n *BaseCallbacks) BeforeStep(ctx context.Context, event *StepEvent) {
	// noop
}

func (n *BaseCallbacks) AfterStep(ctx context.Context, event *StepEvent) {
	// noop
}

// NewBaseCallbacks creates a no-op implementation. Embed BaseCallbacks in
// your own type to only implement the events you care about.
func NewBaseCallbacks() SagaCallbacks {
	return &BaseCallbacks{}
}

// CallbackChain fans events out to several callbacks in order.
type CallbackChain struct {
	callbacks []SagaCallbacks
}

// NewCallbackChain creates a new callback chain
func NewCallbackChain(callbacks ...SagaCallbacks) *CallbackChain {
	return &CallbackChain{callbacks: callbacks}
}

// Add adds a callback to the chain
func (c *CallbackChain) Add(callback SagaCallbacks) {
	c.callbacks = append(c.callbacks, callback)
}

func (c *CallbackChain) BeforeSaga(ctx context.Context, event *SagaEvent) {
	for _, callback := range c.callbacks {
		callback.BeforeSaga(ctx, event)
	}
}

func (c *CallbackChain) AfterSaga(ctx context.Context, event *SagaEvent) {
	for _, callback := range c.callbacks {
		callback.AfterSaga(ctx, event)
	}
}

func (c *CallbackChain) BeforeStep(ctx context.Context, event *StepEvent) {
	for _, callback := range c.callbacks {
		callback.BeforeStep(ctx, event)
	}
}

func (c *CallbackChain) AfterStep(ctx context.Context, event *StepEvent) {
	for _, callback := range c.callbacks {
		callback.AfterStep(ctx, event)
	}
}
