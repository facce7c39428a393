package metrics

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/deepnoodle-ai/yieldsaga"
	"github.com/deepnoodle-ai/yieldsaga/simulated"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"
)

func TestCollectorEvents(t *testing.T) {
	ctx := context.Background()
	c := New(prometheus.NewRegistry())

	saga := &yieldsaga.SagaEvent{SagaID: "saga_1", Workflow: yieldsaga.WorkflowDeposit}
	c.BeforeSaga(ctx, saga)
	require.Equal(t, 1.0, testutil.ToFloat64(c.InFlight.WithLabelValues("deposit")))

	c.AfterStep(ctx, &yieldsaga.StepEvent{
		Workflow: yieldsaga.WorkflowDeposit,
		Step:     yieldsaga.StepSwapToStable,
		Duration: 20 * time.Millisecond,
	})
	c.AfterStep(ctx, &yieldsaga.StepEvent{
		Workflow: yieldsaga.WorkflowDeposit,
		Step:     yieldsaga.StepBurnSource,
		Error:    yieldsaga.NewSagaError(yieldsaga.KindBridgeStepFailed, yieldsaga.StepBurnSource, nil),
	})

	saga.Status = yieldsaga.StatusFailed
	c.AfterSaga(ctx, saga)

	require.Equal(t, 0.0, testutil.ToFloat64(c.InFlight.WithLabelValues("deposit")))
	require.Equal(t, 1.0, testutil.ToFloat64(c.Sagas.WithLabelValues("deposit", "failed")))
	require.Equal(t, 1.0, testutil.ToFloat64(c.StepFailures.WithLabelValues("deposit", "burn-source", "bridge_step_failed")))
	require.Equal(t, 2, testutil.CollectAndCount(c.StepDuration))
}

func TestCollectorWithOrchestrator(t *testing.T) {
	ctx := context.Background()
	registry := prometheus.NewRegistry()
	c := New(registry)

	env := simulated.NewEnvironment(simulated.EnvironmentOptions{APY: decimal.NewFromInt(5)})
	env.Fund("GUSER", decimal.NewFromInt(100))
	opts := env.Options(yieldsaga.NewMemoryStore())
	opts.Callbacks = yieldsaga.NewCallbackChain(c)

	o, err := yieldsaga.NewRoundTripOrchestrator(opts)
	require.NoError(t, err)
	_, err = o.Execute(ctx, yieldsaga.RoundTripOptions{UserAddress: "GUSER", Amount: decimal.NewFromInt(100)})
	require.NoError(t, err)

	require.Equal(t, 1.0, testutil.ToFloat64(c.Sagas.WithLabelValues("roundtrip", "completed")))
	require.Equal(t, len(yieldsaga.WorkflowRoundTrip.Steps()), testutil.CollectAndCount(c.StepDuration))
	require.Equal(t, 0, testutil.CollectAndCount(c.StepFailures))

	srv := httptest.NewServer(c.Handler())
	defer srv.Close()
	resp, err := http.Get(srv.URL)
	require.NoError(t, err)
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	require.True(t, strings.Contains(string(body), `yieldsaga_sagas_total{status="completed",workflow="roundtrip"} 1`))
}
