package attestation

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/deepnoodle-ai/yieldsaga"
	"github.com/deepnoodle-ai/yieldsaga/retry"
	"github.com/stretchr/testify/require"
)

// scriptedFetcher answers from a fixed script, repeating the last entry.
type scriptedFetcher struct {
	calls   atomic.Int32
	answers []*Response
	err     error
}

func (f *scriptedFetcher) GetAttestation(ctx context.Context, messageHash string) (*Response, error) {
	n := int(f.calls.Add(1))
	if f.err != nil {
		return nil, f.err
	}
	if n > len(f.answers) {
		n = len(f.answers)
	}
	return f.answers[n-1], nil
}

func pending() *Response { return &Response{Status: StatusPending} }

func TestWaitForAttestation(t *testing.T) {
	ctx := context.Background()

	t.Run("always pending times out after exactly max attempts", func(t *testing.T) {
		f := &scriptedFetcher{answers: []*Response{pending()}}
		p := NewPollingProvider(f, nil)

		_, err := p.WaitForAttestation(ctx, "0xabc", 5, time.Millisecond)
		require.ErrorIs(t, err, yieldsaga.ErrAttestationTimeout)
		require.True(t, yieldsaga.IsRetryable(err))
		require.Equal(t, int32(5), f.calls.Load())
	})

	t.Run("failed on first poll stops immediately", func(t *testing.T) {
		f := &scriptedFetcher{answers: []*Response{{Status: StatusFailed}}}
		p := NewPollingProvider(f, nil)

		_, err := p.WaitForAttestation(ctx, "0xabc", 10, time.Hour)
		require.ErrorIs(t, err, yieldsaga.ErrAttestationFailed)
		require.False(t, yieldsaga.IsRetryable(err))
		require.Equal(t, int32(1), f.calls.Load())
	})

	t.Run("complete after pending", func(t *testing.T) {
		f := &scriptedFetcher{answers: []*Response{
			pending(),
			pending(),
			{Status: StatusComplete, Attestation: "0xsig"},
		}}
		p := NewPollingProvider(f, nil)

		att, err := p.WaitForAttestation(ctx, "0xabc", 10, time.Millisecond)
		require.NoError(t, err)
		require.Equal(t, "0xsig", att)
		require.Equal(t, int32(3), f.calls.Load())
	})

	t.Run("fetch errors count as attempts", func(t *testing.T) {
		f := &scriptedFetcher{err: errors.New("connection refused")}
		p := NewPollingProvider(f, nil)

		_, err := p.WaitForAttestation(ctx, "0xabc", 3, time.Millisecond)
		require.ErrorIs(t, err, yieldsaga.ErrAttestationTimeout)
		require.Equal(t, int32(3), f.calls.Load())
	})

	t.Run("cancellation surfaces a timeout", func(t *testing.T) {
		f := &scriptedFetcher{answers: []*Response{pending()}}
		p := NewPollingProvider(f, nil)

		cctx, cancel := context.WithTimeout(ctx, 20*time.Millisecond)
		defer cancel()
		_, err := p.WaitForAttestation(cctx, "0xabc", 1000, 5*time.Millisecond)
		require.ErrorIs(t, err, yieldsaga.ErrAttestationTimeout)
		require.ErrorIs(t, err, context.DeadlineExceeded)
		require.Less(t, f.calls.Load(), int32(1000))
	})

	t.Run("rejects non-positive attempts", func(t *testing.T) {
		p := NewPollingProvider(&scriptedFetcher{answers: []*Response{pending()}}, nil)
		_, err := p.WaitForAttestation(ctx, "0xabc", 0, time.Millisecond)
		require.Error(t, err)
	})
}

func TestGetAttestationWithRetry(t *testing.T) {
	ctx := context.Background()
	opts := RetryOptions{MaxRetries: 3, BaseWait: time.Millisecond, MaxWait: 2 * time.Millisecond}

	t.Run("eventually complete", func(t *testing.T) {
		f := &scriptedFetcher{answers: []*Response{pending(), {Status: StatusComplete, Attestation: "0xsig"}}}
		att, err := NewPollingProvider(f, nil).GetAttestationWithRetry(ctx, "0xabc", opts)
		require.NoError(t, err)
		require.Equal(t, "0xsig", att)
		require.Equal(t, int32(2), f.calls.Load())
	})

	t.Run("exhausted", func(t *testing.T) {
		f := &scriptedFetcher{answers: []*Response{pending()}}
		_, err := NewPollingProvider(f, nil).GetAttestationWithRetry(ctx, "0xabc", opts)
		require.ErrorIs(t, err, yieldsaga.ErrAttestationTimeout)
		require.Equal(t, int32(4), f.calls.Load())
	})

	t.Run("failure is not retried", func(t *testing.T) {
		f := &scriptedFetcher{answers: []*Response{{Status: StatusFailed}}}
		_, err := NewPollingProvider(f, nil).GetAttestationWithRetry(ctx, "0xabc", opts)
		require.ErrorIs(t, err, yieldsaga.ErrAttestationFailed)
		require.Equal(t, int32(1), f.calls.Load())
	})

	t.Run("client errors are not retried", func(t *testing.T) {
		f := &scriptedFetcher{err: &retry.StatusError{Service: "attestation service", Code: http.StatusBadRequest}}
		_, err := NewPollingProvider(f, nil).GetAttestationWithRetry(ctx, "0xabc", opts)
		require.ErrorIs(t, err, yieldsaga.ErrAttestationTimeout)
		require.Equal(t, int32(1), f.calls.Load())
	})

	t.Run("server errors are retried", func(t *testing.T) {
		f := &scriptedFetcher{err: &retry.StatusError{Service: "attestation service", Code: http.StatusBadGateway}}
		_, err := NewPollingProvider(f, nil).GetAttestationWithRetry(ctx, "0xabc", opts)
		require.ErrorIs(t, err, yieldsaga.ErrAttestationTimeout)
		require.Equal(t, int32(4), f.calls.Load())
	})
}

func TestBridgeStatus(t *testing.T) {
	ctx := context.Background()
	attested := NewPollingProvider(&scriptedFetcher{answers: []*Response{{Status: StatusComplete, Attestation: "0x1"}}}, nil)
	status, err := attested.GetBridgeStatus(ctx, "0xabc")
	require.NoError(t, err)
	require.Equal(t, BridgeAttested, status)
	ready, err := attested.IsReadyToClaim(ctx, "0xabc")
	require.NoError(t, err)
	require.True(t, ready)

	waiting := NewPollingProvider(&scriptedFetcher{answers: []*Response{pending()}}, nil)
	status, err = waiting.GetBridgeStatus(ctx, "0xabc")
	require.NoError(t, err)
	require.Equal(t, BridgeInitiated, status)
}

func TestClient(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		switch r.URL.Path {
		case "/attestations/0xunknown":
			w.WriteHeader(http.StatusNotFound)
		case "/attestations/0xpending":
			w.Write([]byte(`{"status":"pending_confirmations","attestation":null}`))
		case "/attestations/0xdone":
			w.Write([]byte(`{"status":"complete","attestation":"0xsig"}`))
		case "/attestations/0xbroken":
			w.WriteHeader(http.StatusBadGateway)
		default:
			w.WriteHeader(http.StatusBadRequest)
			w.Write([]byte("bad hash"))
		}
	}))
	defer srv.Close()

	ctx := context.Background()
	c := NewClient(ClientOptions{BaseURL: srv.URL + "/"})

	resp, err := c.GetAttestation(ctx, "0xunknown")
	require.NoError(t, err)
	require.Equal(t, StatusPending, resp.Status)

	resp, err = c.GetAttestation(ctx, "0xpending")
	require.NoError(t, err)
	require.Equal(t, StatusPending, resp.Status)

	resp, err = c.GetAttestation(ctx, "0xdone")
	require.NoError(t, err)
	require.Equal(t, StatusComplete, resp.Status)
	require.Equal(t, "0xsig", resp.Attestation)

	_, err = c.GetAttestation(ctx, "0xbroken")
	require.Error(t, err)
	require.Contains(t, err.Error(), "502")

	_, err = c.GetAttestation(ctx, "nope")
	require.Error(t, err)
	require.Contains(t, err.Error(), "bad hash")

	require.Equal(t, int32(5), hits.Load())

	// End to end through the factory.
	provider := New(Config{Provider: "circle", BaseURL: srv.URL})
	att, err := provider.WaitForAttestation(ctx, "0xdone", 3, time.Millisecond)
	require.NoError(t, err)
	require.Equal(t, "0xsig", att)
}

func TestManualProvider(t *testing.T) {
	ctx := context.Background()
	p := NewManualProvider(nil)

	a1, err := p.WaitForAttestation(ctx, "0x1234", 1, time.Hour)
	require.NoError(t, err)
	a2, err := p.WaitForAttestation(ctx, "0x1234", 1, time.Hour)
	require.NoError(t, err)
	require.Equal(t, a1, a2)
	require.Len(t, a1, 66)

	other, err := p.WaitForAttestation(ctx, "0x5678", 1, time.Hour)
	require.NoError(t, err)
	require.NotEqual(t, a1, other)

	cctx, cancel := context.WithCancel(ctx)
	cancel()
	_, err = p.WaitForAttestation(cctx, "0x1234", 1, time.Hour)
	require.ErrorIs(t, err, yieldsaga.ErrAttestationTimeout)
}

func TestFactory(t *testing.T) {
	require.IsType(t, &ManualProvider{}, New(Config{Provider: "manual"}))
	require.IsType(t, &ManualProvider{}, New(Config{Provider: " Manual "}))
	require.IsType(t, &PollingProvider{}, New(Config{Provider: "circle"}))
	require.IsType(t, &PollingProvider{}, New(Config{}))
	require.IsType(t, &PollingProvider{}, New(Config{Provider: "wormhole"}))
}
