package synthesis

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"regexp"
	"strconv"
	"strings"
	"time"

	"golang.org/x/time/rate"
)

var (
	// ErrGenerationUnavailable means the model could not produce an answer.
	ErrGenerationUnavailable = errors.New("generation unavailable")

	// ErrGenerationTimeout means every allowed attempt ran out of time.
	ErrGenerationTimeout = errors.New("generation timed out")

	errEmptyCompletion = errors.New("empty completion")
)

// RetryPolicy bounds calls to a Generator.
type RetryPolicy struct {
	// Timeout bounds one attempt. Default: 30s
	Timeout time.Duration
	// MaxAttempts includes the first call. Default: 3
	MaxAttempts int
	// InitialBackoff is the wait before the second attempt; it doubles
	// per attempt up to MaxBackoff. Defaults: 500ms, 5s
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
	// RatePerSecond limits calls across all queries. Zero or negative
	// means unlimited.
	RatePerSecond float64
}

// ApplyDefaults sets default values for unset fields.
func (p *RetryPolicy) ApplyDefaults() {
	if p.Timeout <= 0 {
		p.Timeout = 30 * time.Second
	}
	if p.MaxAttempts <= 0 {
		p.MaxAttempts = 3
	}
	if p.InitialBackoff <= 0 {
		p.InitialBackoff = 500 * time.Millisecond
	}
	if p.MaxBackoff <= 0 {
		p.MaxBackoff = 5 * time.Second
	}
}

// Backoff returns the wait after the given failed attempt (1-based).
func (p RetryPolicy) Backoff(attempt int) time.Duration {
	d := p.InitialBackoff
	for i := 1; i < attempt; i++ {
		d *= 2
		if d >= p.MaxBackoff {
			return p.MaxBackoff
		}
	}
	return min(d, p.MaxBackoff)
}

// Wrap returns g governed by the policy. A nil g stays nil.
func (p RetryPolicy) Wrap(g Generator) Generator {
	if g == nil {
		return nil
	}
	p.ApplyDefaults()
	limit := rate.Inf
	if p.RatePerSecond > 0 {
		limit = rate.Limit(p.RatePerSecond)
	}
	return &retrying{
		next:    g,
		policy:  p,
		limiter: rate.NewLimiter(limit, 1),
		sleep:   sleepContext,
	}
}

type retrying struct {
	next    Generator
	policy  RetryPolicy
	limiter *rate.Limiter
	sleep   func(context.Context, time.Duration) error
}

func (r *retrying) Model() string { return r.next.Model() }

// Generate tries up to MaxAttempts times. Cancellation of ctx by the
// caller is returned as-is and never retried.
func (r *retrying) Generate(ctx context.Context, system, user string) (string, error) {
	var lastErr error
	attempts := 0
	for attempt := 1; attempt <= r.policy.MaxAttempts; attempt++ {
		if attempt > 1 {
			if err := r.sleep(ctx, r.policy.Backoff(attempt-1)); err != nil {
				return "", err
			}
		}
		if err := r.limiter.Wait(ctx); err != nil {
			if ctx.Err() != nil {
				return "", ctx.Err()
			}
			return "", fmt.Errorf("%w: rate limiter: %v", ErrGenerationUnavailable, err)
		}

		attempts = attempt
		attemptCtx, cancel := context.WithTimeout(ctx, r.policy.Timeout)
		out, err := r.next.Generate(attemptCtx, system, user)
		cancel()

		if err == nil {
			if strings.TrimSpace(out) == "" {
				return "", fmt.Errorf("%w: %v", ErrGenerationUnavailable, errEmptyCompletion)
			}
			return out, nil
		}
		if ctx.Err() != nil {
			return "", ctx.Err()
		}
		if errors.Is(err, context.DeadlineExceeded) {
			lastErr = fmt.Errorf("%w: attempt %d exceeded %s", ErrGenerationTimeout, attempt, r.policy.Timeout)
		} else {
			lastErr = fmt.Errorf("%w: %v", ErrGenerationUnavailable, err)
		}
		if isPermanent(err) {
			break
		}
	}
	return "", fmt.Errorf("after %d attempts: %w", attempts, lastErr)
}

// statusCode finds the code in errors from generators that only report it
// as text.
var statusCode = regexp.MustCompile(`status code: (\d{3})`)

// isPermanent reports client errors that a retry cannot fix. Rate limits
// and request timeouts stay retryable.
func isPermanent(err error) bool {
	if errors.Is(err, errEmptyCompletion) {
		return true
	}
	var se *StatusError
	if errors.As(err, &se) {
		return permanentStatus(se.StatusCode)
	}
	m := statusCode.FindStringSubmatch(err.Error())
	if m == nil {
		return false
	}
	code, _ := strconv.Atoi(m[1])
	return permanentStatus(code)
}

func permanentStatus(code int) bool {
	return code >= 400 && code < 500 && code != http.StatusTooManyRequests && code != http.StatusRequestTimeout
}

func sleepContext(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
