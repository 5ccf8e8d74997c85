package synthesis

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// scriptedGenerator returns one scripted reply per call, repeating the last.
type scriptedGenerator struct {
	mu      sync.Mutex
	replies []reply
	calls   int
	block   bool
}

type reply struct {
	text string
	err  error
}

func (g *scriptedGenerator) Generate(ctx context.Context, _, _ string) (string, error) {
	g.mu.Lock()
	i := min(g.calls, len(g.replies)-1)
	g.calls++
	r := g.replies[i]
	block := g.block
	g.mu.Unlock()

	if block {
		<-ctx.Done()
		return "", ctx.Err()
	}
	return r.text, r.err
}

func (g *scriptedGenerator) Model() string { return "scripted" }

func (g *scriptedGenerator) Calls() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.calls
}

// wrapForTest returns the retrying generator with recorded, instant sleeps.
func wrapForTest(p RetryPolicy, g Generator) (*retrying, *[]time.Duration) {
	r := p.Wrap(g).(*retrying)
	var slept []time.Duration
	r.sleep = func(ctx context.Context, d time.Duration) error {
		slept = append(slept, d)
		return ctx.Err()
	}
	return r, &slept
}

func TestRetryPolicy_Defaults(t *testing.T) {
	var p RetryPolicy
	p.ApplyDefaults()
	assert.Equal(t, 30*time.Second, p.Timeout)
	assert.Equal(t, 3, p.MaxAttempts)
	assert.Equal(t, 500*time.Millisecond, p.InitialBackoff)
	assert.Equal(t, 5*time.Second, p.MaxBackoff)
}

func TestRetryPolicy_Backoff(t *testing.T) {
	p := RetryPolicy{}
	p.ApplyDefaults()
	want := []time.Duration{500 * time.Millisecond, time.Second, 2 * time.Second, 4 * time.Second, 5 * time.Second, 5 * time.Second}
	for i, w := range want {
		assert.Equal(t, w, p.Backoff(i+1), "attempt %d", i+1)
	}
}

func TestRetryPolicy_WrapNil(t *testing.T) {
	assert.Nil(t, RetryPolicy{}.Wrap(nil))
}

func TestRetry_SucceedsAfterTransientFailures(t *testing.T) {
	g := &scriptedGenerator{replies: []reply{
		{err: errors.New("connection reset")},
		{err: errors.New("API returned unexpected status code: 503")},
		{text: "- 15 days"},
	}}
	r, slept := wrapForTest(RetryPolicy{}, g)

	out, err := r.Generate(context.Background(), "sys", "user")
	require.NoError(t, err)
	assert.Equal(t, "- 15 days", out)
	assert.Equal(t, 3, g.Calls())
	assert.Equal(t, []time.Duration{500 * time.Millisecond, time.Second}, *slept)
}

func TestRetry_ExhaustedIsUnavailable(t *testing.T) {
	g := &scriptedGenerator{replies: []reply{{err: errors.New("connection refused")}}}
	r, _ := wrapForTest(RetryPolicy{MaxAttempts: 2}, g)

	_, err := r.Generate(context.Background(), "sys", "user")
	require.ErrorIs(t, err, ErrGenerationUnavailable)
	assert.Contains(t, err.Error(), "after 2 attempts")
	assert.Equal(t, 2, g.Calls())
}

func TestRetry_PermanentErrorsStopEarly(t *testing.T) {
	g := &scriptedGenerator{replies: []reply{{err: errors.New("API returned unexpected status code: 401: invalid api key")}}}
	r, _ := wrapForTest(RetryPolicy{}, g)

	_, err := r.Generate(context.Background(), "sys", "user")
	require.ErrorIs(t, err, ErrGenerationUnavailable)
	assert.Equal(t, 1, g.Calls())
}

func TestRetry_AttemptTimeout(t *testing.T) {
	g := &scriptedGenerator{replies: []reply{{}}, block: true}
	r, _ := wrapForTest(RetryPolicy{Timeout: 10 * time.Millisecond, MaxAttempts: 2}, g)

	_, err := r.Generate(context.Background(), "sys", "user")
	require.ErrorIs(t, err, ErrGenerationTimeout)
	assert.Equal(t, 2, g.Calls())
}

func TestRetry_CallerCancellationNotRetried(t *testing.T) {
	g := &scriptedGenerator{replies: []reply{{}}, block: true}
	r, _ := wrapForTest(RetryPolicy{Timeout: time.Minute}, g)

	ctx, cancel := context.WithCancel(context.Background())
	time.AfterFunc(10*time.Millisecond, cancel)

	_, err := r.Generate(ctx, "sys", "user")
	assert.ErrorIs(t, err, context.Canceled)
	assert.NotErrorIs(t, err, ErrGenerationTimeout)
	assert.Equal(t, 1, g.Calls())
}

func TestRetry_EmptyOutputIsUnavailable(t *testing.T) {
	g := &scriptedGenerator{replies: []reply{{text: "  \n"}}}
	r, _ := wrapForTest(RetryPolicy{}, g)

	_, err := r.Generate(context.Background(), "sys", "user")
	assert.ErrorIs(t, err, ErrGenerationUnavailable)
	assert.Equal(t, 1, g.Calls())
}

func TestRetry_RateLimited(t *testing.T) {
	g := &scriptedGenerator{replies: []reply{{text: "ok"}}}
	r, _ := wrapForTest(RetryPolicy{RatePerSecond: 20}, g)

	start := time.Now()
	for i := 0; i < 3; i++ {
		_, err := r.Generate(context.Background(), "sys", "user")
		require.NoError(t, err)
	}
	// Burst of one: the second and third calls wait ~50ms each.
	assert.GreaterOrEqual(t, time.Since(start), 80*time.Millisecond)
}

func TestIsPermanent(t *testing.T) {
	tests := []struct {
		err  error
		want bool
	}{
		{errors.New("API returned unexpected status code: 400: bad request"), true},
		{errors.New("API returned unexpected status code: 404"), true},
		{errors.New("API returned unexpected status code: 429: slow down"), false},
		{errors.New("API returned unexpected status code: 408"), false},
		{errors.New("API returned unexpected status code: 500"), false},
		{errors.New("dial tcp: connection refused"), false},
		{errEmptyCompletion, true},
	}
	for _, tt := range tests {
		t.Run(tt.err.Error(), func(t *testing.T) {
			assert.Equal(t, tt.want, isPermanent(tt.err))
		})
	}
}

func TestRetry_OpenAIStatusClassification(t *testing.T) {
	tests := []struct {
		status    int
		wantCalls int
	}{
		{http.StatusUnauthorized, 1},
		{http.StatusBadRequest, 1},
		{http.StatusTooManyRequests, 3},
		{http.StatusBadGateway, 3},
	}
	for _, tt := range tests {
		t.Run(http.StatusText(tt.status), func(t *testing.T) {
			var calls atomic.Int32
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
				calls.Add(1)
				w.Header().Set("Content-Type", "application/json")
				w.WriteHeader(tt.status)
				_, _ = w.Write([]byte(`{"error":{"message":"upstream says no"}}`))
			}))
			t.Cleanup(srv.Close)

			g, err := NewOpenAIGenerator(OpenAIConfig{BaseURL: srv.URL, Model: "gpt-4o-mini", APIKey: "k"})
			require.NoError(t, err)

			_, err = g.Generate(context.Background(), "sys", "user")
			var se *StatusError
			require.ErrorAs(t, err, &se)
			assert.Equal(t, tt.status, se.StatusCode)
			assert.Equal(t, "upstream says no", se.Message)

			r, _ := wrapForTest(RetryPolicy{MaxAttempts: 3}, g)
			calls.Store(0)
			_, err = r.Generate(context.Background(), "sys", "user")
			require.ErrorIs(t, err, ErrGenerationUnavailable)
			assert.Equal(t, int32(tt.wantCalls), calls.Load())
		})
	}
}

func TestIsPermanent_TypedStatusWins(t *testing.T) {
	// The text says 500 but the typed code is authoritative.
	err := fmt.Errorf("wrapped: %w", &StatusError{StatusCode: http.StatusForbidden, Message: "status code: 500"})
	assert.True(t, isPermanent(err))
	assert.False(t, isPermanent(&StatusError{StatusCode: http.StatusServiceUnavailable}))
}
