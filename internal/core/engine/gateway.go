package engine

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/fulmenhq/gofulmen/logging"
	"go.uber.org/zap"
)

const (
	DefaultRequestTimeout = 60 * time.Second
	defaultAccept         = "application/xml, text/xml, */*"
	maxBodyBytes          = 32 << 20
	maxRetryAfterSeconds  = 24 * 60 * 60
)

var (
	// ErrSuppressed means local admission control denied the call; no request was sent.
	ErrSuppressed = errors.New("request suppressed by admission control")
	// ErrRetryExhausted means the attempt ceiling was reached while the outcome was still retryable.
	ErrRetryExhausted = errors.New("retry attempts exhausted")
	// ErrServerFault means the upstream answered with a 5xx status.
	ErrServerFault = errors.New("upstream server fault")
	// ErrUpstreamFatal means the upstream call failed in a way that is not retried.
	ErrUpstreamFatal = errors.New("upstream request failed")
)

// Request describes one upstream resource fetch relative to the gateway base URL.
type Request struct {
	Path  string
	Query url.Values
}

// RetryAttempt describes one finished attempt inside a logical gateway call.
type RetryAttempt struct {
	Endpoint        string
	Index           int
	Kind            OutcomeKind
	StatusCode      int
	Latency         time.Duration
	CumulativeDelay time.Duration
	Err             error
}

// Observer receives gateway events, typically for metrics.
type Observer interface {
	ObserveAttempt(attempt RetryAttempt)
	ObserveSuppressed(endpoint string)
}

// GatewayError is the terminal failure of a logical gateway call.
// It matches one of the Err* sentinels with errors.Is, and the transport cause when present.
type GatewayError struct {
	Endpoint   string
	Kind       OutcomeKind
	Attempts   int
	StatusCode int
	Reason     error
	Cause      error
}

func (e *GatewayError) Error() string {
	var b strings.Builder
	fmt.Fprintf(&b, "%s: %v", e.Endpoint, e.Reason)
	if e.Attempts > 0 {
		fmt.Fprintf(&b, " after %d attempt(s), last outcome %s", e.Attempts, e.Kind)
	}
	if e.StatusCode != 0 {
		fmt.Fprintf(&b, " (status %d)", e.StatusCode)
	}
	if e.Cause != nil {
		fmt.Fprintf(&b, ": %v", e.Cause)
	}
	return b.String()
}

func (e *GatewayError) Unwrap() []error {
	errs := []error{e.Reason}
	if e.Cause != nil {
		errs = append(errs, e.Cause)
	}
	return errs
}

// outcome is the interpreted result of one HTTP attempt.
type outcome struct {
	Kind       OutcomeKind
	StatusCode int
	Body       []byte
	RetryAfter time.Duration
	Err        error
	// Aborted is set when the caller's context ended, as opposed to the per-attempt timeout.
	Aborted bool
}

// Gateway performs admission-controlled, rate-limited, retried calls against the upstream API.
type Gateway struct {
	Client    *http.Client
	BaseURL   string
	Token     string
	UserAgent string
	// Timeout bounds each individual attempt.
	Timeout time.Duration
	Limiter *RateLimiter
	Health  *EndpointHealth
	Policy  RetryPolicy
	// RespectRetryAfter raises a retry delay to the upstream's Retry-After hint when larger.
	RespectRetryAfter bool
	Sleep             func(ctx context.Context, d time.Duration) error
	Logger            *logging.Logger
	Observer          Observer
}

// Call fetches req from the named endpoint and returns the raw response body.
func (g *Gateway) Call(ctx context.Context, endpoint string, req Request) ([]byte, error) {
	if g == nil {
		return nil, errors.New("gateway is not configured")
	}
	if ctx == nil {
		ctx = context.Background()
	}

	if !g.Health.ShouldAllow(endpoint) {
		g.warn("upstream call suppressed",
			zap.String("endpoint", endpoint),
			zap.Bool("budget_exhausted", g.Health.Budget().Exhausted))
		if g.Observer != nil {
			g.Observer.ObserveSuppressed(endpoint)
		}
		return nil, &GatewayError{Endpoint: endpoint, Reason: ErrSuppressed}
	}

	target, err := g.resolve(req)
	if err != nil {
		return nil, &GatewayError{Endpoint: endpoint, Kind: OutcomeFatal, Reason: ErrUpstreamFatal, Cause: err}
	}

	maxAttempts := g.Policy.MaxAttempts()
	var cumulative time.Duration

	for attempt := 1; ; attempt++ {
		if err := g.Limiter.Acquire(ctx); err != nil {
			return nil, &GatewayError{Endpoint: endpoint, Kind: OutcomeFatal, Attempts: attempt - 1, Reason: err}
		}

		g.Health.CountRequest(endpoint)
		started := time.Now()
		result := g.do(ctx, target)
		g.observe(RetryAttempt{
			Endpoint:        endpoint,
			Index:           attempt,
			Kind:            result.Kind,
			StatusCode:      result.StatusCode,
			Latency:         time.Since(started),
			CumulativeDelay: cumulative,
			Err:             result.Err,
		})

		if result.Aborted {
			return nil, &GatewayError{Endpoint: endpoint, Kind: result.Kind, Attempts: attempt, Reason: result.Err}
		}

		switch result.Kind {
		case OutcomeSuccess:
			g.Health.RecordOutcome(endpoint, true)
			return result.Body, nil
		case OutcomeServerFault:
			if !g.Policy.Retryable(result.Kind) {
				g.Health.RecordOutcome(endpoint, false)
				return nil, g.terminal(endpoint, attempt, result, ErrServerFault)
			}
		case OutcomeFatal:
			g.Health.RecordOutcome(endpoint, false)
			return nil, g.terminal(endpoint, attempt, result, ErrUpstreamFatal)
		}

		if attempt >= maxAttempts {
			// Queued and RateLimited are throttling signals and never count against the circuit.
			if result.Kind.Transport() || result.Kind == OutcomeServerFault {
				g.Health.RecordOutcome(endpoint, false)
			}
			g.warn("upstream retries exhausted",
				zap.String("endpoint", endpoint),
				zap.Int("attempts", attempt),
				zap.String("last_outcome", result.Kind.String()))
			return nil, g.terminal(endpoint, attempt, result, ErrRetryExhausted)
		}

		delay := g.Policy.Delay(result.Kind, attempt)
		if g.RespectRetryAfter && result.RetryAfter > delay {
			delay = result.RetryAfter
		}

		g.info("retrying upstream call",
			zap.String("endpoint", endpoint),
			zap.Int("attempt", attempt),
			zap.String("outcome", result.Kind.String()),
			zap.Int("status", result.StatusCode),
			zap.Duration("delay", delay))

		if err := g.sleep(ctx, delay); err != nil {
			return nil, &GatewayError{Endpoint: endpoint, Kind: result.Kind, Attempts: attempt, Reason: err}
		}
		cumulative += delay
	}
}

// do issues one HTTP attempt and interprets the response into an outcome.
func (g *Gateway) do(ctx context.Context, target string) outcome {
	attemptCtx, cancel := context.WithTimeout(ctx, g.timeout())
	defer cancel()

	req, err := http.NewRequestWithContext(attemptCtx, http.MethodGet, target, nil)
	if err != nil {
		return outcome{Kind: OutcomeFatal, Err: err}
	}
	req.Header.Set("Accept", defaultAccept)
	if g.UserAgent != "" {
		req.Header.Set("User-Agent", g.UserAgent)
	}
	if token := strings.TrimSpace(g.Token); token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := g.client().Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return outcome{Kind: OutcomeFatal, Err: ctx.Err(), Aborted: true}
		}
		return outcome{Kind: g.Policy.Classify(err), Err: err}
	}
	defer resp.Body.Close() // nolint:errcheck // best-effort cleanup on HTTP response body

	result := outcome{
		Kind:       g.Policy.ClassifyStatus(resp.StatusCode),
		StatusCode: resp.StatusCode,
		RetryAfter: retryAfter(resp),
	}
	if result.Kind != OutcomeSuccess {
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 64<<10))
		return result
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	if err != nil {
		if ctx.Err() != nil {
			return outcome{Kind: OutcomeFatal, StatusCode: resp.StatusCode, Err: ctx.Err(), Aborted: true}
		}
		return outcome{Kind: g.Policy.Classify(err), StatusCode: resp.StatusCode, Err: err}
	}
	result.Body = body
	return result
}

func (g *Gateway) terminal(endpoint string, attempts int, result outcome, reason error) *GatewayError {
	return &GatewayError{
		Endpoint:   endpoint,
		Kind:       result.Kind,
		Attempts:   attempts,
		StatusCode: result.StatusCode,
		Reason:     reason,
		Cause:      result.Err,
	}
}

func (g *Gateway) resolve(req Request) (string, error) {
	base := strings.TrimRight(strings.TrimSpace(g.BaseURL), "/")
	if base == "" {
		return "", errors.New("upstream base URL is required")
	}
	parsed, err := url.Parse(base + "/" + strings.TrimLeft(req.Path, "/"))
	if err != nil {
		return "", fmt.Errorf("invalid upstream URL: %w", err)
	}
	if len(req.Query) > 0 {
		parsed.RawQuery = req.Query.Encode()
	}
	return parsed.String(), nil
}

func (g *Gateway) client() *http.Client {
	if g.Client != nil {
		return g.Client
	}
	return http.DefaultClient
}

func (g *Gateway) timeout() time.Duration {
	if g.Timeout > 0 {
		return g.Timeout
	}
	return DefaultRequestTimeout
}

func (g *Gateway) sleep(ctx context.Context, d time.Duration) error {
	if g.Sleep != nil {
		return g.Sleep(ctx, d)
	}
	return sleepContext(ctx, d)
}

func (g *Gateway) observe(attempt RetryAttempt) {
	if g.Observer != nil {
		g.Observer.ObserveAttempt(attempt)
	}
}

func (g *Gateway) info(msg string, fields ...zap.Field) {
	if g.Logger != nil {
		g.Logger.Info(msg, fields...)
	}
}

func (g *Gateway) warn(msg string, fields ...zap.Field) {
	if g.Logger != nil {
		g.Logger.Warn(msg, fields...)
	}
}

func retryAfter(resp *http.Response) time.Duration {
	if resp == nil || resp.Header == nil {
		return 0
	}

	value := strings.TrimSpace(resp.Header.Get("Retry-After"))
	if value == "" {
		return 0
	}
	// delay-seconds is a non-negative integer; anything else must be an HTTP-date.
	if seconds, err := strconv.Atoi(value); err == nil {
		if seconds <= 0 {
			return 0
		}
		if seconds > maxRetryAfterSeconds {
			seconds = maxRetryAfterSeconds
		}
		return time.Duration(seconds) * time.Second
	}
	if parsed, err := http.ParseTime(value); err == nil {
		if wait := time.Until(parsed); wait > 0 {
			return wait
		}
	}
	return 0
}
