package engine

import (
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/fulmenhq/gofulmen/logging"
	"go.uber.org/zap"

	"github.com/bgpack/catalogsync/internal/core"
)

const (
	DefaultFailureThreshold = 5
	DefaultCooldown         = 300 * time.Second
	DefaultHourlyBudget     = 720
)

// EndpointHealth tracks per-endpoint consecutive failures and a process-wide request budget.
// A circuit opens after FailureThreshold consecutive failures and closes lazily on the first
// read after Cooldown has elapsed. There is no half-open probing state.
type EndpointHealth struct {
	FailureThreshold int
	Cooldown         time.Duration
	// HourlyBudget caps upstream requests until ResetAll. Zero disables the cap.
	// Admission is checked once per Gateway.Call while every attempt is counted,
	// so used can exceed the cap by at most MaxRetries per call in flight.
	HourlyBudget int64
	Clock        func() time.Time
	Logger       *logging.Logger
	// OnEvent observes breaker transitions and administrative resets.
	OnEvent func(core.HealthEvent)

	mu      sync.RWMutex
	entries map[string]*endpointEntry

	used            atomic.Int64
	outcomes        atomic.Int64
	failures        atomic.Int64
	budgetAnnounced atomic.Bool
	windowStart     atomic.Int64
}

type endpointEntry struct {
	mu                  sync.Mutex
	consecutiveFailures int
	open                bool
	openedAt            time.Time
	totalRequests       int64
}

// ShouldAllow reports whether a request to endpoint may be attempted now.
// An open circuit whose cooldown has elapsed is closed as a side effect.
func (h *EndpointHealth) ShouldAllow(endpoint string) bool {
	if h == nil {
		return true
	}
	if h.budgetExhausted() {
		return false
	}

	entry := h.entry(endpoint)
	entry.mu.Lock()
	closed := h.expireLocked(entry)
	allowed := !entry.open
	entry.mu.Unlock()

	if closed {
		h.info("circuit closed after cooldown", zap.String("endpoint", endpoint))
		h.emit(endpoint, core.HealthEventCircuitClosed, "cooldown elapsed")
	}
	return allowed
}

// CountRequest records one upstream attempt against the endpoint and the hourly budget.
func (h *EndpointHealth) CountRequest(endpoint string) {
	if h == nil {
		return
	}

	entry := h.entry(endpoint)
	entry.mu.Lock()
	entry.totalRequests++
	entry.mu.Unlock()

	h.startWindow()
	used := h.used.Add(1)
	limit := h.HourlyBudget
	if limit > 0 && used >= limit && h.budgetAnnounced.CompareAndSwap(false, true) {
		h.warn("hourly request budget exhausted",
			zap.Int64("used", used),
			zap.Int64("limit", limit))
		h.emit("", core.HealthEventBudgetExhausted, "")
	}
}

// RecordOutcome feeds a terminal success or failure back into the endpoint's breaker.
func (h *EndpointHealth) RecordOutcome(endpoint string, success bool) {
	if h == nil {
		return
	}

	h.outcomes.Add(1)
	if !success {
		h.failures.Add(1)
	}

	entry := h.entry(endpoint)
	entry.mu.Lock()
	var event string
	if success {
		entry.consecutiveFailures = 0
		if entry.open {
			entry.open = false
			entry.openedAt = time.Time{}
			event = core.HealthEventCircuitClosed
		}
	} else {
		entry.consecutiveFailures++
		if !entry.open && entry.consecutiveFailures >= h.threshold() {
			entry.open = true
			entry.openedAt = h.now()
			event = core.HealthEventCircuitOpened
		}
	}
	failures := entry.consecutiveFailures
	entry.mu.Unlock()

	switch event {
	case core.HealthEventCircuitOpened:
		h.warn("circuit opened",
			zap.String("endpoint", endpoint),
			zap.Int("consecutive_failures", failures),
			zap.Duration("cooldown", h.cooldown()))
		h.emit(endpoint, event, "failure threshold reached")
	case core.HealthEventCircuitClosed:
		h.info("circuit closed", zap.String("endpoint", endpoint))
		h.emit(endpoint, event, "successful request")
	}
}

// Reset forces the endpoint closed and zeroes its counters.
func (h *EndpointHealth) Reset(endpoint string) {
	if h == nil {
		return
	}

	entry := h.entry(endpoint)
	entry.mu.Lock()
	entry.consecutiveFailures = 0
	entry.open = false
	entry.openedAt = time.Time{}
	entry.totalRequests = 0
	entry.mu.Unlock()

	h.info("endpoint health reset", zap.String("endpoint", endpoint))
	h.emit(endpoint, core.HealthEventReset, "administrative reset")
}

// ResetAll clears the hourly budget counter and every endpoint's state.
func (h *EndpointHealth) ResetAll() {
	if h == nil {
		return
	}

	h.mu.Lock()
	h.entries = make(map[string]*endpointEntry)
	h.mu.Unlock()

	h.used.Store(0)
	h.outcomes.Store(0)
	h.failures.Store(0)
	h.budgetAnnounced.Store(false)
	h.windowStart.Store(h.now().UnixNano())

	h.info("hourly budget and endpoint health reset")
	h.emit("", core.HealthEventResetAll, "")
}

// State returns the current state of one endpoint, applying cooldown expiry.
func (h *EndpointHealth) State(endpoint string) core.EndpointHealthState {
	state := core.EndpointHealthState{Endpoint: endpoint}
	if h == nil {
		return state
	}

	h.mu.RLock()
	entry, ok := h.entries[endpoint]
	h.mu.RUnlock()
	if !ok {
		return state
	}

	entry.mu.Lock()
	closed := h.expireLocked(entry)
	state.ConsecutiveFailures = entry.consecutiveFailures
	state.CircuitOpen = entry.open
	state.TotalRequests = entry.totalRequests
	if entry.open {
		openedAt := entry.openedAt
		state.CircuitOpenedAt = &openedAt
	}
	entry.mu.Unlock()

	if closed {
		h.emit(endpoint, core.HealthEventCircuitClosed, "cooldown elapsed")
	}
	return state
}

// Snapshot returns the state of every known endpoint sorted by name.
func (h *EndpointHealth) Snapshot() []core.EndpointHealthState {
	if h == nil {
		return nil
	}

	h.mu.RLock()
	names := make([]string, 0, len(h.entries))
	for name := range h.entries {
		names = append(names, name)
	}
	h.mu.RUnlock()

	sort.Strings(names)
	states := make([]core.EndpointHealthState, 0, len(names))
	for _, name := range names {
		states = append(states, h.State(name))
	}
	return states
}

// Budget reports hourly budget usage and the terminal outcome success rate.
func (h *EndpointHealth) Budget() core.BudgetState {
	if h == nil {
		return core.BudgetState{SuccessRate: 1}
	}

	state := core.BudgetState{
		Used:      h.used.Load(),
		Limit:     h.HourlyBudget,
		Exhausted: h.budgetExhausted(),
		Outcomes:  h.outcomes.Load(),
		Failures:  h.failures.Load(),
	}
	if start := h.windowStart.Load(); start != 0 {
		state.WindowStart = time.Unix(0, start).UTC()
	}
	state.SuccessRate = 1
	if state.Outcomes > 0 {
		state.SuccessRate = float64(state.Outcomes-state.Failures) / float64(state.Outcomes)
	}
	return state
}

func (h *EndpointHealth) entry(endpoint string) *endpointEntry {
	h.mu.RLock()
	entry, ok := h.entries[endpoint]
	h.mu.RUnlock()
	if ok {
		return entry
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	if h.entries == nil {
		h.entries = make(map[string]*endpointEntry)
	}
	if entry, ok = h.entries[endpoint]; ok {
		return entry
	}
	entry = &endpointEntry{}
	h.entries[endpoint] = entry
	return entry
}

// expireLocked closes an open circuit whose cooldown has elapsed. Caller holds entry.mu.
func (h *EndpointHealth) expireLocked(entry *endpointEntry) bool {
	if !entry.open {
		return false
	}
	if h.now().Sub(entry.openedAt) <= h.cooldown() {
		return false
	}
	entry.open = false
	entry.openedAt = time.Time{}
	entry.consecutiveFailures = 0
	return true
}

func (h *EndpointHealth) budgetExhausted() bool {
	return h.HourlyBudget > 0 && h.used.Load() >= h.HourlyBudget
}

func (h *EndpointHealth) startWindow() {
	h.windowStart.CompareAndSwap(0, h.now().UnixNano())
}

func (h *EndpointHealth) threshold() int {
	if h.FailureThreshold > 0 {
		return h.FailureThreshold
	}
	return DefaultFailureThreshold
}

func (h *EndpointHealth) cooldown() time.Duration {
	if h.Cooldown > 0 {
		return h.Cooldown
	}
	return DefaultCooldown
}

func (h *EndpointHealth) now() time.Time {
	if h.Clock != nil {
		return h.Clock()
	}
	return time.Now().UTC()
}

func (h *EndpointHealth) emit(endpoint, kind, detail string) {
	if h.OnEvent == nil {
		return
	}
	h.OnEvent(core.HealthEvent{
		Endpoint:   endpoint,
		Kind:       kind,
		Detail:     detail,
		OccurredAt: h.now(),
	})
}

func (h *EndpointHealth) info(msg string, fields ...zap.Field) {
	if h.Logger != nil {
		h.Logger.Info(msg, fields...)
	}
}

func (h *EndpointHealth) warn(msg string, fields ...zap.Field) {
	if h.Logger != nil {
		h.Logger.Warn(msg, fields...)
	}
}
