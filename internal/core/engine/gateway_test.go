package engine

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"net/url"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

type recordingSleeper struct {
	mu     sync.Mutex
	delays []time.Duration
}

func (s *recordingSleeper) Sleep(ctx context.Context, d time.Duration) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	s.delays = append(s.delays, d)
	s.mu.Unlock()
	return nil
}

type recordingObserver struct {
	mu         sync.Mutex
	attempts   []RetryAttempt
	suppressed []string
}

func (o *recordingObserver) ObserveAttempt(attempt RetryAttempt) {
	o.mu.Lock()
	o.attempts = append(o.attempts, attempt)
	o.mu.Unlock()
}

func (o *recordingObserver) ObserveSuppressed(endpoint string) {
	o.mu.Lock()
	o.suppressed = append(o.suppressed, endpoint)
	o.mu.Unlock()
}

// statusSequence serves the given statuses in order, repeating the last one.
func statusSequence(t *testing.T, body string, statuses ...int) (*httptest.Server, *atomic.Int32) {
	t.Helper()
	var hits atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		n := int(hits.Add(1))
		status := statuses[len(statuses)-1]
		if n <= len(statuses) {
			status = statuses[n-1]
		}
		w.WriteHeader(status)
		if status == http.StatusOK {
			_, _ = w.Write([]byte(body))
		}
	}))
	t.Cleanup(server.Close)
	return server, &hits
}

func testGateway(baseURL string, sleeper *recordingSleeper) *Gateway {
	policy := DefaultRetryPolicy()
	policy.Jitter = 0
	return &Gateway{
		Client:  &http.Client{},
		BaseURL: baseURL,
		Timeout: 2 * time.Second,
		Health:  &EndpointHealth{FailureThreshold: 5, Cooldown: time.Minute},
		Policy:  policy,
		Sleep:   sleeper.Sleep,
	}
}

func TestGatewaySuccessSendsHeaders(t *testing.T) {
	var mu sync.Mutex
	var got *http.Request
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		got = r.Clone(context.Background())
		mu.Unlock()
		_, _ = w.Write([]byte("<items/>"))
	}))
	defer server.Close()

	gateway := testGateway(server.URL+"/xmlapi2/", &recordingSleeper{})
	gateway.Token = "secret"
	gateway.UserAgent = "catalogsync/test"

	body, err := gateway.Call(context.Background(), "search", Request{
		Path:  "search",
		Query: url.Values{"query": {"catan"}, "type": {"boardgame"}},
	})
	require.NoError(t, err)
	require.Equal(t, "<items/>", string(body))

	mu.Lock()
	defer mu.Unlock()
	require.NotNil(t, got)
	require.Equal(t, "/xmlapi2/search", got.URL.Path)
	require.Equal(t, "catan", got.URL.Query().Get("query"))
	require.Equal(t, "Bearer secret", got.Header.Get("Authorization"))
	require.Equal(t, "catalogsync/test", got.Header.Get("User-Agent"))
	require.Contains(t, got.Header.Get("Accept"), "application/xml")

	state := gateway.Health.State("search")
	require.Zero(t, state.ConsecutiveFailures)
	require.Equal(t, int64(1), state.TotalRequests)
}

func TestGatewayQueuedThenSuccess(t *testing.T) {
	server, hits := statusSequence(t, "<items/>", http.StatusAccepted, http.StatusAccepted, http.StatusOK)
	sleeper := &recordingSleeper{}
	gateway := testGateway(server.URL, sleeper)
	observer := &recordingObserver{}
	gateway.Observer = observer

	body, err := gateway.Call(context.Background(), "collection", Request{Path: "collection"})
	require.NoError(t, err)
	require.Equal(t, "<items/>", string(body))
	require.Equal(t, int32(3), hits.Load())
	require.Equal(t, []time.Duration{5 * time.Second, 10 * time.Second}, sleeper.delays)

	state := gateway.Health.State("collection")
	require.Zero(t, state.ConsecutiveFailures)
	require.Equal(t, int64(3), state.TotalRequests)

	require.Len(t, observer.attempts, 3)
	require.Equal(t, OutcomeQueued, observer.attempts[0].Kind)
	require.Equal(t, OutcomeSuccess, observer.attempts[2].Kind)
	require.Equal(t, 15*time.Second, observer.attempts[2].CumulativeDelay)
}

func TestGatewayRateLimitedExhausts(t *testing.T) {
	server, hits := statusSequence(t, "", http.StatusTooManyRequests)
	sleeper := &recordingSleeper{}
	gateway := testGateway(server.URL, sleeper)

	_, err := gateway.Call(context.Background(), "collection", Request{Path: "collection"})
	require.Error(t, err)
	require.ErrorIs(t, err, ErrRetryExhausted)

	var gwErr *GatewayError
	require.True(t, errors.As(err, &gwErr))
	require.Equal(t, OutcomeRateLimited, gwErr.Kind)
	require.Equal(t, 4, gwErr.Attempts)
	require.Equal(t, http.StatusTooManyRequests, gwErr.StatusCode)

	require.Equal(t, int32(4), hits.Load())
	require.Equal(t, []time.Duration{2 * time.Second, 4 * time.Second, 8 * time.Second}, sleeper.delays)
	require.Zero(t, gateway.Health.State("collection").ConsecutiveFailures)
}

func TestGatewayServerFaultNotRetried(t *testing.T) {
	server, hits := statusSequence(t, "", http.StatusBadGateway)
	gateway := testGateway(server.URL, &recordingSleeper{})

	_, err := gateway.Call(context.Background(), "thing", Request{Path: "thing"})
	require.ErrorIs(t, err, ErrServerFault)
	require.Equal(t, int32(1), hits.Load())
	require.Equal(t, 1, gateway.Health.State("thing").ConsecutiveFailures)
}

func TestGatewayServerFaultRetriedWhenConfigured(t *testing.T) {
	server, hits := statusSequence(t, "", http.StatusServiceUnavailable)
	gateway := testGateway(server.URL, &recordingSleeper{})
	gateway.Policy.RetryServerFaults = true

	_, err := gateway.Call(context.Background(), "thing", Request{Path: "thing"})
	require.ErrorIs(t, err, ErrRetryExhausted)
	require.Equal(t, int32(4), hits.Load())
	require.Equal(t, 1, gateway.Health.State("thing").ConsecutiveFailures)
}

func TestGatewaySuppressedWhenCircuitOpen(t *testing.T) {
	server, hits := statusSequence(t, "<items/>", http.StatusOK)
	gateway := testGateway(server.URL, &recordingSleeper{})
	observer := &recordingObserver{}
	gateway.Observer = observer
	for i := 0; i < 5; i++ {
		gateway.Health.RecordOutcome("thing", false)
	}

	_, err := gateway.Call(context.Background(), "thing", Request{Path: "thing"})
	require.ErrorIs(t, err, ErrSuppressed)
	require.Zero(t, hits.Load())
	require.Equal(t, []string{"thing"}, observer.suppressed)
	require.Empty(t, observer.attempts)
}

func TestGatewaySuppressedWhenBudgetExhausted(t *testing.T) {
	server, hits := statusSequence(t, "<items/>", http.StatusOK)
	gateway := testGateway(server.URL, &recordingSleeper{})
	gateway.Health.HourlyBudget = 1

	_, err := gateway.Call(context.Background(), "search", Request{Path: "search"})
	require.NoError(t, err)

	_, err = gateway.Call(context.Background(), "thing", Request{Path: "thing"})
	require.ErrorIs(t, err, ErrSuppressed)
	require.Equal(t, int32(1), hits.Load())
}

func TestGatewayConnectionFailureRecordedOnce(t *testing.T) {
	server := httptest.NewServer(http.NotFoundHandler())
	baseURL := server.URL
	server.Close()

	sleeper := &recordingSleeper{}
	gateway := testGateway(baseURL, sleeper)

	_, err := gateway.Call(context.Background(), "search", Request{Path: "search"})
	require.ErrorIs(t, err, ErrRetryExhausted)

	var gwErr *GatewayError
	require.True(t, errors.As(err, &gwErr))
	require.Equal(t, OutcomeTransientConnection, gwErr.Kind)
	require.Len(t, sleeper.delays, 3)

	state := gateway.Health.State("search")
	require.Equal(t, 1, state.ConsecutiveFailures)
	require.Equal(t, int64(4), state.TotalRequests)
}

func TestGatewayAttemptTimeout(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-r.Context().Done():
		case <-time.After(time.Second):
		}
	}))
	defer server.Close()

	gateway := testGateway(server.URL, &recordingSleeper{})
	gateway.Timeout = 30 * time.Millisecond
	gateway.Policy.MaxRetries = 1

	_, err := gateway.Call(context.Background(), "thing", Request{Path: "thing"})
	require.ErrorIs(t, err, ErrRetryExhausted)

	var gwErr *GatewayError
	require.True(t, errors.As(err, &gwErr))
	require.Equal(t, OutcomeTimeout, gwErr.Kind)
	require.Equal(t, 2, gwErr.Attempts)
	require.Equal(t, 1, gateway.Health.State("thing").ConsecutiveFailures)
}

func TestGatewayNotFoundIsFatal(t *testing.T) {
	server, hits := statusSequence(t, "", http.StatusNotFound)
	gateway := testGateway(server.URL, &recordingSleeper{})

	_, err := gateway.Call(context.Background(), "thing", Request{Path: "thing"})
	require.ErrorIs(t, err, ErrUpstreamFatal)
	require.Equal(t, int32(1), hits.Load())
}

func TestGatewayRespectsRetryAfter(t *testing.T) {
	var hits atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if hits.Add(1) == 1 {
			w.Header().Set("Retry-After", "30")
			w.WriteHeader(http.StatusTooManyRequests)
			return
		}
		_, _ = w.Write([]byte("<items/>"))
	}))
	defer server.Close()

	sleeper := &recordingSleeper{}
	gateway := testGateway(server.URL, sleeper)
	gateway.RespectRetryAfter = true

	_, err := gateway.Call(context.Background(), "search", Request{Path: "search"})
	require.NoError(t, err)
	require.Equal(t, []time.Duration{30 * time.Second}, sleeper.delays)
}

func TestRetryAfterHeaderParsing(t *testing.T) {
	future := time.Now().Add(90 * time.Second).UTC().Format(http.TimeFormat)
	tests := []struct {
		value string
		min   time.Duration
		max   time.Duration
	}{
		{"7", 7 * time.Second, 7 * time.Second},
		{" 12 ", 12 * time.Second, 12 * time.Second},
		{"0", 0, 0},
		{"-5", 0, 0},
		{"3m", 0, 0},
		{"1.5", 0, 0},
		{"soon", 0, 0},
		{"99999999999", 24 * time.Hour, 24 * time.Hour},
		{future, 80 * time.Second, 90 * time.Second},
	}

	for _, tt := range tests {
		t.Run(tt.value, func(t *testing.T) {
			resp := &http.Response{Header: http.Header{}}
			resp.Header.Set("Retry-After", tt.value)
			got := retryAfter(resp)
			require.GreaterOrEqual(t, got, tt.min)
			require.LessOrEqual(t, got, tt.max)
		})
	}
	require.Zero(t, retryAfter(nil))
}

func TestBudgetOvershootIsBoundedByRetries(t *testing.T) {
	server, hits := statusSequence(t, "", http.StatusTooManyRequests)
	gateway := testGateway(server.URL, &recordingSleeper{})
	gateway.Health.HourlyBudget = 1
	gateway.Policy.MaxRetries = 2

	_, err := gateway.Call(context.Background(), "search", Request{Path: "search"})
	require.ErrorIs(t, err, ErrRetryExhausted)
	require.Equal(t, int32(3), hits.Load())

	budget := gateway.Health.Budget()
	require.Equal(t, int64(3), budget.Used)
	require.LessOrEqual(t, budget.Used, budget.Limit+int64(gateway.Policy.MaxRetries))
	require.True(t, budget.Exhausted)

	_, err = gateway.Call(context.Background(), "search", Request{Path: "search"})
	require.ErrorIs(t, err, ErrSuppressed)
	require.Equal(t, int32(3), hits.Load(), "an exhausted budget admits no further calls")
}

func TestGatewayCancelledDuringBackoff(t *testing.T) {
	server, _ := statusSequence(t, "", http.StatusAccepted)
	gateway := testGateway(server.URL, &recordingSleeper{})

	ctx, cancel := context.WithCancel(context.Background())
	gateway.Sleep = func(ctx context.Context, d time.Duration) error {
		cancel()
		return ctx.Err()
	}

	_, err := gateway.Call(ctx, "collection", Request{Path: "collection"})
	require.ErrorIs(t, err, context.Canceled)
	require.Zero(t, gateway.Health.State("collection").ConsecutiveFailures)
}

func TestGatewayAcquiresTokenPerAttempt(t *testing.T) {
	server, _ := statusSequence(t, "<items/>", http.StatusAccepted, http.StatusOK)
	clock := newFakeClock()
	sleeper := &recordingSleeper{}
	gateway := testGateway(server.URL, sleeper)
	gateway.Limiter = &RateLimiter{Rate: 0.2, Burst: 1, Clock: clock.Now, Sleep: clock.Sleep}

	start := clock.Now()
	_, err := gateway.Call(context.Background(), "collection", Request{Path: "collection"})
	require.NoError(t, err)

	// The second attempt waited for a fresh token.
	require.Equal(t, 5*time.Second, clock.Now().Sub(start))
}

func TestGatewayErrorMessage(t *testing.T) {
	err := &GatewayError{
		Endpoint:   "thing",
		Kind:       OutcomeServerFault,
		Attempts:   1,
		StatusCode: 502,
		Reason:     ErrServerFault,
	}
	require.Equal(t, "thing: upstream server fault after 1 attempt(s), last outcome server_fault (status 502)", err.Error())

	suppressed := &GatewayError{Endpoint: "search", Reason: ErrSuppressed}
	require.Equal(t, "search: request suppressed by admission control", suppressed.Error())
}
