package cmd

import (
	"bytes"
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"

	"github.com/goccy/go-json"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bgpack/catalogsync/internal/config"
	"github.com/bgpack/catalogsync/internal/core"
	"github.com/bgpack/catalogsync/internal/core/engine"
	"github.com/bgpack/catalogsync/internal/server"
)

// useSettings installs a fresh global viper with defaults plus overrides.
func useSettings(t *testing.T, overrides map[string]any) {
	t.Helper()
	viper.Reset()
	v := viper.GetViper()
	config.SetDefaults(v)
	for key, value := range overrides {
		v.Set(key, value)
	}
	t.Cleanup(viper.Reset)
}

func fastUpstream(baseURL string) map[string]any {
	return map[string]any{
		"upstream.base_url":       baseURL,
		"rate_limit.rate":         1000.0,
		"rate_limit.burst":        10,
		"retry.base_delay":        "1ms",
		"retry.queued_base_delay": "1ms",
		"retry.jitter":            0.0,
		"store.enabled":           false,
	}
}

func outputCommand(t *testing.T, format string) (*cobra.Command, *bytes.Buffer) {
	t.Helper()
	cmd := &cobra.Command{}
	addOutputFlags(cmd)
	require.NoError(t, cmd.Flags().Set("format", format))
	var buf bytes.Buffer
	cmd.SetOut(&buf)
	cmd.SetContext(context.Background())
	return cmd, &buf
}

func TestParseIDArgs(t *testing.T) {
	ids, err := parseIDArgs([]string{"13", "822,9209", " 13 "})
	require.NoError(t, err)
	assert.Equal(t, []int{13, 822, 9209, 13}, ids)

	_, err = parseIDArgs([]string{"abc"})
	assert.Error(t, err)

	_, err = parseIDArgs([]string{"0"})
	assert.Error(t, err)

	_, err = parseIDArgs([]string{",", " "})
	assert.Error(t, err)
}

func TestUserAgentAppendsVersion(t *testing.T) {
	previous := versionInfo
	t.Cleanup(func() { versionInfo = previous })

	SetVersionInfo("1.2.3", "abc", "today")
	assert.Equal(t, "catalogsync/1.2.3", userAgent(""))
	assert.Equal(t, "shelfbot/1.2.3", userAgent(" shelfbot "))
	assert.Equal(t, "shelfbot/9 (ops@example.com)", userAgent("shelfbot/9 (ops@example.com)"))

	SetVersionInfo("", "", "")
	assert.Equal(t, "catalogsync", userAgent(""))
}

func TestRunLookupRendersUpstreamRecords(t *testing.T) {
	var hits atomic.Int32
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		assert.Equal(t, "/search", r.URL.Path)
		assert.Equal(t, "catan", r.URL.Query().Get("query"))
		w.Header().Set("Content-Type", "text/xml")
		_, _ = w.Write([]byte(`<items><item id="13"><name type="primary" value="Catan"/></item></items>`))
	}))
	defer upstream.Close()
	useSettings(t, fastUpstream(upstream.URL))

	cmd, buf := outputCommand(t, "json")
	err := runLookup(cmd, "Search: catan", func(ctx context.Context, stack *engineStack) []core.GameRecord {
		return stack.Orchestrator.SearchByName(ctx, "catan")
	})
	require.NoError(t, err)

	var payload struct {
		Title   string            `json:"title"`
		Count   int               `json:"count"`
		Records []core.GameRecord `json:"records"`
	}
	require.NoError(t, json.Unmarshal(buf.Bytes(), &payload))
	assert.Equal(t, "Search: catan", payload.Title)
	require.Equal(t, 1, payload.Count)
	assert.Equal(t, "13", payload.Records[0].ExternalID)
	assert.Equal(t, "Catan", payload.Records[0].Name)
	assert.Equal(t, int32(1), hits.Load())
}

func TestRunLookupDegradesToEmptyOnUpstreamFailure(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
	}))
	defer upstream.Close()
	settings := fastUpstream(upstream.URL)
	settings["retry.max_retries"] = 1
	useSettings(t, settings)

	cmd, buf := outputCommand(t, "json")
	err := runLookup(cmd, "Collection: alice", func(ctx context.Context, stack *engineStack) []core.GameRecord {
		return stack.Orchestrator.FetchCollection(ctx, "alice", false)
	})
	require.NoError(t, err)
	assert.Contains(t, buf.String(), `"count": 0`)
}

func TestRunLookupRejectsUnknownFormat(t *testing.T) {
	useSettings(t, fastUpstream("http://127.0.0.1:1"))

	cmd, _ := outputCommand(t, "xml")
	err := runLookup(cmd, "x", func(context.Context, *engineStack) []core.GameRecord {
		t.Fatal("fetch must not run")
		return nil
	})
	assert.Error(t, err)
}

func TestValidateResetFlags(t *testing.T) {
	assert.Error(t, validateResetFlags("", false, false, false))
	assert.Error(t, validateResetFlags("search", true, true, false))
	assert.Error(t, validateResetFlags("", true, false, false))
	assert.NoError(t, validateResetFlags("", true, false, true))
	assert.NoError(t, validateResetFlags("", true, true, false))
	assert.NoError(t, validateResetFlags("thing", false, false, false))
}

func newAdminTestServer(t *testing.T, token string) (*httptest.Server, *engine.EndpointHealth) {
	t.Helper()
	health := &engine.EndpointHealth{FailureThreshold: 1, HourlyBudget: 10}
	srv := server.New(server.Options{
		AdminToken: token,
		Health:     health,
		Endpoints:  knownEndpoints,
	})
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)
	return ts, health
}

func TestAdminClientEndpointsAndReset(t *testing.T) {
	ts, health := newAdminTestServer(t, "s3cret")
	health.CountRequest("search")
	health.RecordOutcome("search", false)
	require.True(t, health.State("search").CircuitOpen)

	client := &adminClient{BaseURL: ts.URL, Token: "s3cret"}
	ctx := context.Background()

	resp, err := client.Endpoints(ctx)
	require.NoError(t, err)
	require.Len(t, resp.Endpoints, len(knownEndpoints))
	assert.Equal(t, int64(1), resp.Budget.Used)

	state, err := client.ResetEndpoint(ctx, "search")
	require.NoError(t, err)
	assert.Equal(t, "search", state.Endpoint)
	assert.False(t, state.CircuitOpen)
	assert.False(t, health.State("search").CircuitOpen)

	resp, err = client.ResetBudget(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(0), resp.Budget.Used)
}

func TestAdminClientSurfacesServerErrors(t *testing.T) {
	ts, _ := newAdminTestServer(t, "s3cret")
	ctx := context.Background()

	_, err := (&adminClient{BaseURL: ts.URL, Token: "wrong"}).Endpoints(ctx)
	var apiErr *adminError
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, http.StatusUnauthorized, apiErr.Status)
	assert.Equal(t, "UNAUTHORIZED", apiErr.Code)

	_, err = (&adminClient{BaseURL: ts.URL, Token: "s3cret"}).ResetEndpoint(ctx, "bogus")
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, http.StatusNotFound, apiErr.Status)

	_, err = (&adminClient{BaseURL: ts.URL, Token: "s3cret"}).Events(ctx, core.HealthEventFilter{Limit: 5})
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, http.StatusServiceUnavailable, apiErr.Status)
}

func TestRedactSettingsHidesSecrets(t *testing.T) {
	settings := map[string]any{
		"upstream": map[string]any{"token": "abc", "base_url": "https://example.test"},
		"server":   map[string]any{"admin_token": ""},
	}

	out := redactSettings(settings, "")

	upstream := out["upstream"].(map[string]any)
	assert.Equal(t, redacted, upstream["token"])
	assert.Equal(t, "https://example.test", upstream["base_url"])
	assert.Equal(t, "(not set)", out["server"].(map[string]any)["admin_token"])
	assert.Equal(t, "abc", settings["upstream"].(map[string]any)["token"], "input must not be mutated")
}

func TestWriteEnvYAMLIncludesSettings(t *testing.T) {
	useSettings(t, map[string]any{"upstream.token": "topsecret"})

	var buf bytes.Buffer
	require.NoError(t, writeEnvYAML(&buf, redactSettings(viper.AllSettings(), "")))

	text := buf.String()
	assert.Contains(t, text, "application:")
	assert.Contains(t, text, "hourly_budget: 720")
	assert.NotContains(t, text, "topsecret")
	assert.True(t, strings.Contains(text, "token: (set)"))
}
