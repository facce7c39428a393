package yieldsaga

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"golang.org/x/sync/errgroup"
)

// Resumer continues an interrupted saga. Every orchestrator implements it.
type Resumer interface {
	Resume(ctx context.Context, id string) (*Result, error)
}

// RecoveryOptions configures a Recovery.
type RecoveryOptions struct {
	Store Store
	// Resumers maps each workflow to the orchestrator that resumes it.
	// Sagas of a workflow without a resumer are skipped.
	Resumers map[Workflow]Resumer
	// Concurrency bounds how many sagas are resumed at once. Defaults to 4.
	Concurrency int
	Logger      *slog.Logger
}

// Recovery finds sagas that never started or were left in Processing at a
// step that is safe to re-enter, for example after a process restart, and
// resumes them.
type Recovery struct {
	store       Store
	resumers    map[Workflow]Resumer
	concurrency int
	logger      *slog.Logger
}

// RecoveryReport summarizes one Run.
type RecoveryReport struct {
	Resumed map[string]*Result
	Failed  map[string]error
	Skipped []string
}

// NewRecovery creates a Recovery.
func NewRecovery(opts RecoveryOptions) (*Recovery, error) {
	if opts.Store == nil {
		return nil, fmt.Errorf("store is required")
	}
	if opts.Concurrency <= 0 {
		opts.Concurrency = 4
	}
	if opts.Logger == nil {
		opts.Logger = NewDiscardLogger()
	}
	return &Recovery{
		store:       opts.Store,
		resumers:    opts.Resumers,
		concurrency: opts.Concurrency,
		logger:      opts.Logger,
	}, nil
}

// Run resumes every Pending saga and every resumable Processing saga. A saga
// that fails again is reported in Failed; it does not stop the others. Run
// only returns an error when the store cannot be listed or ctx is cancelled.
func (r *Recovery) Run(ctx context.Context) (*RecoveryReport, error) {
	var states []*TransactionState
	for _, status := range []Status{StatusPending, StatusProcessing} {
		listed, err := r.store.List(ctx, ListFilter{Status: status})
		if err != nil {
			return nil, fmt.Errorf("failed to list %s sagas: %w", status, err)
		}
		states = append(states, listed...)
	}

	report := &RecoveryReport{
		Resumed: map[string]*Result{},
		Failed:  map[string]error{},
	}
	var mutex sync.Mutex

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(r.concurrency)
	for _, state := range states {
		resumer, ok := r.resumers[state.Workflow]
		if !ok || !isResumable(state) {
			report.Skipped = append(report.Skipped, state.ID)
			continue
		}
		id := state.ID
		logger := r.logger.With(slog.String("saga_id", id), slog.String("step", string(state.CurrentStep)))
		g.Go(func() error {
			logger.Info("resuming saga")
			res, err := resumer.Resume(gctx, id)

			mutex.Lock()
			defer mutex.Unlock()
			if err != nil {
				logger.Warn("resumed saga failed", slog.Any("error", err))
				report.Failed[id] = err
			} else {
				report.Resumed[id] = res
			}
			return nil
		})
	}
	g.Wait()

	if err := ctx.Err(); err != nil {
		return report, err
	}
	return report, nil
}
