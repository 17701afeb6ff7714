package core

import "time"

// EndpointHealthState is a point-in-time view of one endpoint's breaker state.
type EndpointHealthState struct {
	Endpoint            string     `json:"endpoint"`
	ConsecutiveFailures int        `json:"consecutive_failures"`
	CircuitOpen         bool       `json:"circuit_open"`
	CircuitOpenedAt     *time.Time `json:"circuit_opened_at,omitempty"`
	TotalRequests       int64      `json:"total_requests"`
}

// BudgetState reports the process-wide hourly request budget.
type BudgetState struct {
	Used        int64     `json:"used"`
	Limit       int64     `json:"limit"`
	Exhausted   bool      `json:"exhausted"`
	Outcomes    int64     `json:"outcomes"`
	Failures    int64     `json:"failures"`
	SuccessRate float64   `json:"success_rate"`
	WindowStart time.Time `json:"window_start"`
}

// HealthEvent records an administrative or breaker transition for history views.
type HealthEvent struct {
	ID         string    `json:"id"`
	Endpoint   string    `json:"endpoint"`
	Kind       string    `json:"kind"`
	Detail     string    `json:"detail,omitempty"`
	OccurredAt time.Time `json:"occurred_at"`
}

const (
	HealthEventCircuitOpened   = "circuit_opened"
	HealthEventCircuitClosed   = "circuit_closed"
	HealthEventReset           = "reset"
	HealthEventResetAll        = "reset_all"
	HealthEventBudgetExhausted = "budget_exhausted"
)

// HealthEventFilter narrows a health event history listing. Zero fields match everything.
type HealthEventFilter struct {
	Endpoint string
	Kind     string
	Since    time.Time
	Limit    int
}
