// Package external holds the provider adapters: one per messaging vendor,
// each turning a rendered message into a vendor call and the vendor's reply
// into a SendResult. Outbound HTTP goes through BaseClient, which adds
// circuit breaking, bounded retries, trace propagation and error mapping.
package external

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"math/rand/v2"
	"net/http"
	"strconv"
	"time"

	"blastengine/internal/types"

	"github.com/sony/gobreaker/v2"
)

// RetryPolicy configures the retry behavior for the BaseClient.
type RetryPolicy struct {
	MaxRetries int
	MinWait    time.Duration
	MaxWait    time.Duration
}

// DefaultRetryPolicy keeps retries short: the cascade already retries a
// failed step after the strategy's retry delay.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxRetries: 2,
		MinWait:    250 * time.Millisecond,
		MaxWait:    5 * time.Second,
	}
}

// BaseClient wraps an *http.Client and a circuit breaker. Provider adapters
// embed it so that every vendor call trips the same breaker rules.
type BaseClient struct {
	client      *http.Client
	breaker     *gobreaker.CircuitBreaker[*http.Response]
	retryPolicy RetryPolicy
	userAgent   string
	sleepFn     func(context.Context, time.Duration) error
	listener    func(vendor string, from, to gobreaker.State)
}

// BaseClientOption is a functional option for configuring a BaseClient.
type BaseClientOption func(*BaseClient)

// WithBreakerListener is told about breaker transitions, e.g. to log a
// vendor outage once instead of once per recipient.
func WithBreakerListener(fn func(vendor string, from, to gobreaker.State)) BaseClientOption {
	return func(c *BaseClient) {
		c.listener = fn
	}
}

func (c *BaseClient) onStateChange(name string, from, to gobreaker.State) {
	if c.listener != nil {
		c.listener(name, from, to)
	}
}

// WithSleepFunc overrides the wait between retries. Tests pass a no-op.
func WithSleepFunc(fn func(context.Context, time.Duration) error) BaseClientOption {
	return func(c *BaseClient) {
		c.sleepFn = fn
	}
}

// Breaker tuning shared by every vendor: trip after this many consecutive
// failed calls, probe again after breakerCooldown.
const (
	breakerTripAfter = 5
	breakerCooldown  = 30 * time.Second
	breakerWindow    = time.Minute
)

// NewBaseClient creates a BaseClient with its own breaker named after the
// vendor.
func NewBaseClient(
	httpClient *http.Client,
	breakerName string,
	retryPolicy RetryPolicy,
	userAgent string,
	opts ...BaseClientOption,
) *BaseClient {
	bc := &BaseClient{
		client:      httpClient,
		retryPolicy: retryPolicy,
		userAgent:   userAgent,
		sleepFn:     sleepCtx,
	}
	for _, opt := range opts {
		opt(bc)
	}
	bc.breaker = gobreaker.NewCircuitBreaker[*http.Response](gobreaker.Settings{
		Name:        breakerName,
		MaxRequests: 1,
		Interval:    breakerWindow,
		Timeout:     breakerCooldown,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures > breakerTripAfter
		},
		OnStateChange: bc.onStateChange,
	})
	return bc
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// Do sends req to the vendor. 429 and 5xx replies are retried within the
// policy; any other reply goes back to the adapter, which closes the body.
// An open breaker, exhausted retries or a dead context become
// *types.AppError so the dispatcher can classify the failure.
func (c *BaseClient) Do(req *http.Request) (*http.Response, error) {
	ctx := req.Context()
	c.stamp(req)

	replay, err := replayable(req)
	if err != nil {
		return nil, types.NewAppError(types.ErrCodeInternalUnexpected, "buffering provider request body", err)
	}

	var (
		last    *http.Response
		lastErr error
	)
	for attempt := 0; attempt <= c.retryPolicy.MaxRetries; attempt++ {
		if last != nil {
			last.Body.Close()
			last = nil
		}
		if attempt > 0 {
			if err := replay(req); err != nil {
				return nil, types.NewAppError(types.ErrCodeInternalUnexpected, "replaying provider request body", err)
			}
		}

		resp, err := c.breaker.Execute(func() (*http.Response, error) { return c.roundTrip(req) })
		if err == nil {
			return resp, nil
		}
		last, lastErr = resp, err

		if breakerRejected(err) || ctx.Err() != nil || attempt == c.retryPolicy.MaxRetries {
			break
		}
		if err := c.sleepFn(ctx, c.computeBackoff(attempt, resp)); err != nil {
			lastErr = err
			break
		}
	}

	status := 0
	if last != nil {
		status = last.StatusCode
		last.Body.Close()
	}
	return nil, classify(status, lastErr)
}

// stamp sets the correlation and client headers.
func (c *BaseClient) stamp(req *http.Request) {
	if id := types.GetRequestID(req.Context()); id != "" {
		req.Header.Set("X-B3-TraceId", id)
	}
	if c.userAgent != "" {
		req.Header.Set("User-Agent", c.userAgent)
	}
}

// roundTrip performs one call and turns throttling and server errors into
// breaker failures while still handing back the response.
func (c *BaseClient) roundTrip(req *http.Request) (*http.Response, error) {
	resp, err := c.client.Do(req)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500 {
		return resp, fmt.Errorf("provider replied %d", resp.StatusCode)
	}
	return resp, nil
}

// replayable returns a function that rewinds the request body before a
// retry. Requests built from in-memory readers already carry GetBody.
func replayable(req *http.Request) (func(*http.Request) error, error) {
	if req.Body == nil || req.Body == http.NoBody {
		return func(*http.Request) error { return nil }, nil
	}
	if req.GetBody == nil {
		buf, err := io.ReadAll(req.Body)
		req.Body.Close()
		if err != nil {
			return nil, err
		}
		req.GetBody = func() (io.ReadCloser, error) { return io.NopCloser(bytes.NewReader(buf)), nil }
		req.Body, _ = req.GetBody()
	}
	return func(r *http.Request) error {
		body, err := r.GetBody()
		if err != nil {
			return err
		}
		r.Body = body
		return nil
	}, nil
}

func breakerRejected(err error) bool {
	return errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests)
}

// computeBackoff honours Retry-After (seconds or HTTP date) and otherwise
// uses jittered exponential backoff clamped to [MinWait, MaxWait].
func (c *BaseClient) computeBackoff(attempt int, resp *http.Response) time.Duration {
	p := c.retryPolicy
	if wait, ok := retryAfter(resp); ok {
		return max(min(wait, p.MaxWait), p.MinWait)
	}
	ceiling := min(p.MinWait<<attempt, p.MaxWait)
	if ceiling <= p.MinWait {
		return p.MinWait
	}
	return p.MinWait + rand.N(ceiling-p.MinWait)
}

func retryAfter(resp *http.Response) (time.Duration, bool) {
	if resp == nil {
		return 0, false
	}
	v := resp.Header.Get("Retry-After")
	if v == "" {
		return 0, false
	}
	if secs, err := strconv.Atoi(v); err == nil && secs > 0 {
		return time.Duration(secs) * time.Second, true
	}
	if at, err := http.ParseTime(v); err == nil {
		return time.Until(at), true
	}
	return 0, false
}

// classify maps the final failure of a provider call onto an error code.
// Rate limiting, whether from the vendor or our own breaker, is kept apart
// from outages so policy can wait instead of failing the step.
func classify(status int, err error) *types.AppError {
	switch {
	case breakerRejected(err):
		return types.NewAppError(types.ErrCodeUpstreamRateLimited, "provider circuit open", err)
	case errors.Is(err, context.DeadlineExceeded):
		return types.NewAppError(types.ErrCodeUpstreamTimeout, "provider call timed out", err)
	case errors.Is(err, context.Canceled):
		return types.NewAppError(types.ErrCodeUpstreamUnavailable, "provider call cancelled", err)
	case status == http.StatusTooManyRequests:
		return types.NewAppError(types.ErrCodeUpstreamRateLimited, "provider throttled the request", err)
	case status >= 500:
		return types.NewAppError(types.ErrCodeUpstreamUnavailable, fmt.Sprintf("provider replied %d after retries", status), err)
	}
	return types.NewAppError(types.ErrCodeUpstreamProvider, "provider request failed", err)
}

// readErrorBody returns up to 4 KiB of a failed response for error messages.
func readErrorBody(resp *http.Response) string {
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	return string(body)
}
