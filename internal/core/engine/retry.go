package engine

import (
	"context"
	"errors"
	"io"
	"math"
	"math/rand/v2"
	"net"
	"net/http"
	"strings"
	"syscall"
	"time"
)

// OutcomeKind classifies the result of one upstream attempt.
type OutcomeKind int

const (
	OutcomeSuccess OutcomeKind = iota
	OutcomeQueued
	OutcomeRateLimited
	OutcomeTimeout
	OutcomeTransientConnection
	OutcomeServerFault
	OutcomeFatal
)

func (k OutcomeKind) String() string {
	switch k {
	case OutcomeSuccess:
		return "success"
	case OutcomeQueued:
		return "queued"
	case OutcomeRateLimited:
		return "rate_limited"
	case OutcomeTimeout:
		return "timeout"
	case OutcomeTransientConnection:
		return "transient_connection"
	case OutcomeServerFault:
		return "server_fault"
	default:
		return "fatal"
	}
}

// Transport reports whether the kind is a network-level failure rather than an HTTP status.
func (k OutcomeKind) Transport() bool {
	return k == OutcomeTimeout || k == OutcomeTransientConnection
}

const (
	DefaultMaxRetries      = 3
	DefaultBaseDelay       = 2 * time.Second
	DefaultQueuedBaseDelay = 5 * time.Second
	DefaultJitter          = 0.8
	DefaultMaxDelay        = 5 * time.Minute
)

// RetryPolicy decides which outcomes are retried and how long to wait between attempts.
type RetryPolicy struct {
	// MaxRetries is the number of attempts allowed after the first one.
	MaxRetries int
	// BaseDelay applies to RateLimited, Timeout and TransientConnection outcomes.
	BaseDelay time.Duration
	// QueuedBaseDelay applies to Queued outcomes.
	QueuedBaseDelay time.Duration
	// MaxDelay caps the nominal backoff before jitter. Zero means DefaultMaxDelay.
	MaxDelay time.Duration
	// Jitter is the multiplicative jitter factor j; delays are scaled by a uniform draw from [1-j, 1+j].
	// Zero disables jitter.
	Jitter float64
	// RetryServerFaults makes 5xx responses retryable.
	RetryServerFaults bool
	// Rand returns a uniform value in [0, 1). Defaults to math/rand/v2.
	Rand func() float64
}

// DefaultRetryPolicy returns the standard policy: three retries, 2s/5s bases, jitter 0.8.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxRetries:      DefaultMaxRetries,
		BaseDelay:       DefaultBaseDelay,
		QueuedBaseDelay: DefaultQueuedBaseDelay,
		Jitter:          DefaultJitter,
	}
}

// MaxAttempts returns the total number of attempts, first one included.
func (p RetryPolicy) MaxAttempts() int {
	if p.MaxRetries < 0 {
		return 1
	}
	return p.MaxRetries + 1
}

// Retryable reports whether an outcome of this kind should be retried.
func (p RetryPolicy) Retryable(kind OutcomeKind) bool {
	switch kind {
	case OutcomeQueued, OutcomeRateLimited, OutcomeTimeout, OutcomeTransientConnection:
		return true
	case OutcomeServerFault:
		return p.RetryServerFaults
	default:
		return false
	}
}

// Delay returns the wait before retry attempt k (k >= 1) after an outcome of the given kind:
// min(base * 2^(k-1), MaxDelay), scaled by jitter.
func (p RetryPolicy) Delay(kind OutcomeKind, attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}

	base := p.BaseDelay
	if base <= 0 {
		base = DefaultBaseDelay
	}
	if kind == OutcomeQueued {
		base = p.QueuedBaseDelay
		if base <= 0 {
			base = DefaultQueuedBaseDelay
		}
	}

	limit := p.MaxDelay
	if limit <= 0 {
		limit = DefaultMaxDelay
	}
	// Saturate in float64; converting an out-of-range value to Duration wraps negative.
	delay := math.Min(float64(base)*math.Pow(2, float64(attempt-1)), float64(limit))

	jitter := p.jitter()
	if jitter > 0 {
		draw := p.random()
		delay *= 1 - jitter + 2*jitter*draw
	}
	if delay >= math.MaxInt64 {
		return time.Duration(math.MaxInt64)
	}
	return time.Duration(delay)
}

// ClassifyStatus maps an HTTP status code to an outcome kind.
func (p RetryPolicy) ClassifyStatus(code int) OutcomeKind {
	switch {
	case code == http.StatusAccepted:
		return OutcomeQueued
	case code == http.StatusTooManyRequests:
		return OutcomeRateLimited
	case code >= 200 && code < 300:
		return OutcomeSuccess
	case code >= 500:
		return OutcomeServerFault
	default:
		return OutcomeFatal
	}
}

// Classify maps a transport error to an outcome kind.
func (p RetryPolicy) Classify(err error) OutcomeKind {
	if err == nil {
		return OutcomeSuccess
	}
	if errors.Is(err, context.Canceled) {
		return OutcomeFatal
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return OutcomeTimeout
	}

	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return OutcomeTimeout
	}

	if errors.Is(err, syscall.ECONNREFUSED) ||
		errors.Is(err, syscall.ECONNRESET) ||
		errors.Is(err, syscall.ECONNABORTED) ||
		errors.Is(err, syscall.EPIPE) ||
		errors.Is(err, io.ErrUnexpectedEOF) ||
		errors.Is(err, io.EOF) {
		return OutcomeTransientConnection
	}

	var opErr *net.OpError
	if errors.As(err, &opErr) {
		return OutcomeTransientConnection
	}
	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) && (dnsErr.IsTemporary || dnsErr.IsTimeout) {
		return OutcomeTransientConnection
	}

	if strings.Contains(strings.ToLower(err.Error()), "connection") {
		return OutcomeTransientConnection
	}
	return OutcomeFatal
}

func (p RetryPolicy) jitter() float64 {
	j := p.Jitter
	if j < 0 {
		return 0
	}
	if j > 1 {
		return 1
	}
	return j
}

func (p RetryPolicy) random() float64 {
	if p.Rand != nil {
		return p.Rand()
	}
	return rand.Float64()
}
