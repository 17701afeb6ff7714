package engine

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/bgpack/catalogsync/internal/core"
)

func TestEndpointHealthOpensAtThreshold(t *testing.T) {
	clock := newFakeClock()
	health := &EndpointHealth{FailureThreshold: 5, Cooldown: 300 * time.Second, Clock: clock.Now}

	for i := 0; i < 4; i++ {
		health.RecordOutcome("thing", false)
		require.True(t, health.ShouldAllow("thing"))
	}

	health.RecordOutcome("thing", false)
	require.False(t, health.ShouldAllow("thing"))

	state := health.State("thing")
	require.True(t, state.CircuitOpen)
	require.NotNil(t, state.CircuitOpenedAt)
	require.Equal(t, clock.Now(), *state.CircuitOpenedAt)
	require.Equal(t, 5, state.ConsecutiveFailures)

	// Other endpoints are unaffected.
	require.True(t, health.ShouldAllow("search"))
}

func TestEndpointHealthCooldownClosesLazily(t *testing.T) {
	clock := newFakeClock()
	health := &EndpointHealth{FailureThreshold: 2, Cooldown: 300 * time.Second, Clock: clock.Now}

	health.RecordOutcome("collection", false)
	health.RecordOutcome("collection", false)
	require.False(t, health.ShouldAllow("collection"))

	clock.Advance(300 * time.Second)
	require.False(t, health.ShouldAllow("collection"))

	clock.Advance(time.Second)
	require.True(t, health.ShouldAllow("collection"))

	state := health.State("collection")
	require.False(t, state.CircuitOpen)
	require.Nil(t, state.CircuitOpenedAt)
	require.Zero(t, state.ConsecutiveFailures)

	// The post-cooldown failure count starts over.
	health.RecordOutcome("collection", false)
	require.True(t, health.ShouldAllow("collection"))
}

func TestEndpointHealthSuccessResetsFailures(t *testing.T) {
	health := &EndpointHealth{FailureThreshold: 5}

	health.RecordOutcome("search", false)
	health.RecordOutcome("search", false)
	health.RecordOutcome("search", false)
	require.Equal(t, 3, health.State("search").ConsecutiveFailures)

	health.RecordOutcome("search", true)
	require.Zero(t, health.State("search").ConsecutiveFailures)

	for i := 0; i < 5; i++ {
		health.RecordOutcome("search", false)
	}
	require.False(t, health.ShouldAllow("search"))

	health.RecordOutcome("search", true)
	require.True(t, health.ShouldAllow("search"))
	require.Zero(t, health.State("search").ConsecutiveFailures)
}

func TestEndpointHealthReset(t *testing.T) {
	health := &EndpointHealth{FailureThreshold: 1}
	health.CountRequest("thing")
	health.RecordOutcome("thing", false)
	require.False(t, health.ShouldAllow("thing"))

	health.Reset("thing")

	require.True(t, health.ShouldAllow("thing"))
	state := health.State("thing")
	require.False(t, state.CircuitOpen)
	require.Zero(t, state.ConsecutiveFailures)
	require.Zero(t, state.TotalRequests)
}

func TestEndpointHealthHourlyBudget(t *testing.T) {
	var events []core.HealthEvent
	health := &EndpointHealth{
		HourlyBudget: 3,
		OnEvent:      func(ev core.HealthEvent) { events = append(events, ev) },
	}

	for i := 0; i < 3; i++ {
		require.True(t, health.ShouldAllow("search"))
		health.CountRequest("search")
	}

	require.False(t, health.ShouldAllow("search"))
	require.False(t, health.ShouldAllow("thing"))
	require.True(t, health.Budget().Exhausted)
	require.Len(t, events, 1)
	require.Equal(t, core.HealthEventBudgetExhausted, events[0].Kind)

	health.ResetAll()

	require.True(t, health.ShouldAllow("search"))
	require.Zero(t, health.Budget().Used)
	require.Nil(t, health.Snapshot()[0].CircuitOpenedAt)
}

func TestEndpointHealthResetAllClearsEndpoints(t *testing.T) {
	health := &EndpointHealth{FailureThreshold: 1}
	health.RecordOutcome("a", false)
	health.RecordOutcome("b", false)
	require.Len(t, health.Snapshot(), 2)

	health.ResetAll()

	require.Empty(t, health.Snapshot())
	require.True(t, health.ShouldAllow("a"))
	require.True(t, health.ShouldAllow("b"))
}

func TestEndpointHealthBudgetSuccessRate(t *testing.T) {
	health := &EndpointHealth{}
	require.InDelta(t, 1.0, health.Budget().SuccessRate, 1e-9)

	health.RecordOutcome("search", true)
	health.RecordOutcome("search", true)
	health.RecordOutcome("search", true)
	health.RecordOutcome("thing", false)

	budget := health.Budget()
	require.Equal(t, int64(4), budget.Outcomes)
	require.Equal(t, int64(1), budget.Failures)
	require.InDelta(t, 0.75, budget.SuccessRate, 1e-9)
}

func TestEndpointHealthSnapshotSorted(t *testing.T) {
	health := &EndpointHealth{}
	health.CountRequest("thing")
	health.CountRequest("collection")
	health.CountRequest("search")
	health.CountRequest("search")

	snapshot := health.Snapshot()
	require.Len(t, snapshot, 3)
	require.Equal(t, "collection", snapshot[0].Endpoint)
	require.Equal(t, "search", snapshot[1].Endpoint)
	require.Equal(t, int64(2), snapshot[1].TotalRequests)
	require.Equal(t, "thing", snapshot[2].Endpoint)
}

func TestEndpointHealthEvents(t *testing.T) {
	clock := newFakeClock()
	var mu sync.Mutex
	var kinds []string
	health := &EndpointHealth{
		FailureThreshold: 1,
		Cooldown:         time.Minute,
		Clock:            clock.Now,
		OnEvent: func(ev core.HealthEvent) {
			mu.Lock()
			kinds = append(kinds, ev.Kind)
			mu.Unlock()
		},
	}

	health.RecordOutcome("thing", false)
	clock.Advance(2 * time.Minute)
	require.True(t, health.ShouldAllow("thing"))
	health.Reset("thing")

	require.Equal(t, []string{
		core.HealthEventCircuitOpened,
		core.HealthEventCircuitClosed,
		core.HealthEventReset,
	}, kinds)
}

func TestEndpointHealthConcurrentFailures(t *testing.T) {
	health := &EndpointHealth{FailureThreshold: 1000}

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 10; j++ {
				health.ShouldAllow("thing")
				health.CountRequest("thing")
				health.RecordOutcome("thing", false)
			}
		}()
	}
	wg.Wait()

	state := health.State("thing")
	require.Equal(t, 500, state.ConsecutiveFailures)
	require.Equal(t, int64(500), state.TotalRequests)
	require.False(t, state.CircuitOpen)
}

func TestEndpointHealthNilSafe(t *testing.T) {
	var health *EndpointHealth
	require.True(t, health.ShouldAllow("thing"))
	health.RecordOutcome("thing", false)
	health.CountRequest("thing")
	health.Reset("thing")
	health.ResetAll()
	require.Nil(t, health.Snapshot())
	require.Equal(t, "thing", health.State("thing").Endpoint)
}
