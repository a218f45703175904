package external

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/sony/gobreaker/v2"

	"blastengine/internal/types"
)

func noopSleep(context.Context, time.Duration) error { return nil }

func newTestClient(t *testing.T, policy RetryPolicy) *BaseClient {
	t.Helper()
	return NewBaseClient(
		&http.Client{Timeout: 5 * time.Second},
		"test-breaker",
		policy,
		"blastengine-test/1.0",
		WithSleepFunc(noopSleep),
	)
}

func TestDo_SuccessSetsHeaders(t *testing.T) {
	var gotTrace, gotUA string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotTrace = r.Header.Get("X-B3-TraceId")
		gotUA = r.Header.Get("User-Agent")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"status":"ok"}`))
	}))
	defer server.Close()

	client := newTestClient(t, DefaultRetryPolicy())
	ctx := types.WithRequestID(context.Background(), "req-42")
	req, _ := http.NewRequestWithContext(ctx, http.MethodGet, server.URL, nil)

	resp, err := client.Do(req)
	if err != nil {
		t.Fatalf("expected no error, got: %v", err)
	}
	defer resp.Body.Close()

	body, _ := io.ReadAll(resp.Body)
	if string(body) != `{"status":"ok"}` {
		t.Errorf("unexpected body: %s", body)
	}
	if gotTrace != "req-42" {
		t.Errorf("trace header = %q, want req-42", gotTrace)
	}
	if gotUA != "blastengine-test/1.0" {
		t.Errorf("user agent = %q", gotUA)
	}
}

func TestDo_RetriesTransientStatuses(t *testing.T) {
	for _, code := range []int{http.StatusInternalServerError, http.StatusServiceUnavailable, http.StatusTooManyRequests} {
		var calls atomic.Int32
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if calls.Add(1) < 3 {
				w.WriteHeader(code)
				return
			}
			w.WriteHeader(http.StatusOK)
		}))

		client := newTestClient(t, RetryPolicy{MaxRetries: 3, MinWait: time.Millisecond, MaxWait: 10 * time.Millisecond})
		req, _ := http.NewRequest(http.MethodGet, server.URL, nil)
		resp, err := client.Do(req)
		if err != nil {
			t.Fatalf("code %d: expected success after retries, got %v", code, err)
		}
		resp.Body.Close()
		if calls.Load() != 3 {
			t.Errorf("code %d: expected 3 calls, got %d", code, calls.Load())
		}
		server.Close()
	}
}

func TestDo_ExhaustedRetriesMapToAppError(t *testing.T) {
	tests := []struct {
		status int
		want   types.ErrorCode
	}{
		{http.StatusInternalServerError, types.ErrCodeUpstreamUnavailable},
		{http.StatusTooManyRequests, types.ErrCodeUpstreamRateLimited},
	}
	for _, tc := range tests {
		var calls atomic.Int32
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			calls.Add(1)
			w.WriteHeader(tc.status)
		}))

		client := newTestClient(t, RetryPolicy{MaxRetries: 2, MinWait: time.Millisecond, MaxWait: time.Millisecond})
		req, _ := http.NewRequest(http.MethodGet, server.URL, nil)
		_, err := client.Do(req)
		server.Close()

		var appErr *types.AppError
		if !errors.As(err, &appErr) {
			t.Fatalf("status %d: expected AppError, got %T", tc.status, err)
		}
		if appErr.Code != tc.want {
			t.Errorf("status %d: code = %s, want %s", tc.status, appErr.Code, tc.want)
		}
		if calls.Load() != 3 {
			t.Errorf("status %d: expected 3 calls, got %d", tc.status, calls.Load())
		}
	}
}

func TestDo_ClientErrorsNotRetried(t *testing.T) {
	var calls atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusBadRequest)
	}))
	defer server.Close()

	client := newTestClient(t, DefaultRetryPolicy())
	req, _ := http.NewRequest(http.MethodGet, server.URL, nil)
	resp, err := client.Do(req)
	if err != nil {
		t.Fatalf("4xx should be returned to the caller, got error %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest || calls.Load() != 1 {
		t.Errorf("status=%d calls=%d", resp.StatusCode, calls.Load())
	}
}

func TestDo_CircuitBreakerOpens(t *testing.T) {
	var calls atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer server.Close()

	client := newTestClient(t, RetryPolicy{MaxRetries: 0, MinWait: time.Millisecond, MaxWait: time.Millisecond})
	for i := 0; i < 6; i++ {
		req, _ := http.NewRequest(http.MethodGet, server.URL, nil)
		_, _ = client.Do(req)
	}
	before := calls.Load()

	req, _ := http.NewRequest(http.MethodGet, server.URL, nil)
	_, err := client.Do(req)
	if !types.IsCode(err, types.ErrCodeUpstreamRateLimited) {
		t.Fatalf("expected breaker-open rate limit error, got %v", err)
	}
	if calls.Load() != before {
		t.Errorf("open breaker must not reach the server")
	}
}

func TestDo_PostBodyReplayedOnRetry(t *testing.T) {
	var bodies []string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		b, _ := io.ReadAll(r.Body)
		bodies = append(bodies, string(b))
		if len(bodies) == 1 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	client := newTestClient(t, RetryPolicy{MaxRetries: 1, MinWait: time.Millisecond, MaxWait: time.Millisecond})
	req, _ := http.NewRequest(http.MethodPost, server.URL, strings.NewReader("payload"))
	resp, err := client.Do(req)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	resp.Body.Close()
	if len(bodies) != 2 || bodies[0] != "payload" || bodies[1] != "payload" {
		t.Errorf("bodies = %q", bodies)
	}
}

func TestDo_CancelledContextStopsRetries(t *testing.T) {
	var calls atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer server.Close()

	ctx, cancel := context.WithCancel(context.Background())
	client := NewBaseClient(&http.Client{}, "cancel", RetryPolicy{MaxRetries: 5, MinWait: time.Millisecond, MaxWait: time.Millisecond}, "",
		WithSleepFunc(func(context.Context, time.Duration) error {
			cancel()
			return context.Canceled
		}))
	req, _ := http.NewRequestWithContext(ctx, http.MethodGet, server.URL, nil)
	_, err := client.Do(req)
	if !types.IsCode(err, types.ErrCodeUpstreamUnavailable) {
		t.Fatalf("expected upstream_unavailable, got %v", err)
	}
	if calls.Load() != 1 {
		t.Errorf("expected a single call, got %d", calls.Load())
	}
}

func TestComputeBackoff(t *testing.T) {
	c := newTestClient(t, RetryPolicy{MaxRetries: 3, MinWait: 100 * time.Millisecond, MaxWait: time.Second})

	resp := &http.Response{Header: http.Header{"Retry-After": []string{"30"}}}
	if got := c.computeBackoff(0, resp); got != time.Second {
		t.Errorf("Retry-After must be capped by MaxWait, got %v", got)
	}
	for attempt := 0; attempt < 5; attempt++ {
		got := c.computeBackoff(attempt, nil)
		if got < 100*time.Millisecond || got > time.Second {
			t.Errorf("attempt %d backoff %v out of range", attempt, got)
		}
	}
}

func TestDo_BreakerListenerSeesTrip(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer server.Close()

	var transitions []string
	client := NewBaseClient(&http.Client{}, "twilio", RetryPolicy{}, "",
		WithSleepFunc(noopSleep),
		WithBreakerListener(func(vendor string, from, to gobreaker.State) {
			transitions = append(transitions, vendor+":"+from.String()+"->"+to.String())
		}))
	for i := 0; i < 7; i++ {
		req, _ := http.NewRequest(http.MethodGet, server.URL, nil)
		_, _ = client.Do(req)
	}
	if len(transitions) != 1 || transitions[0] != "twilio:closed->open" {
		t.Errorf("transitions = %q", transitions)
	}
}
