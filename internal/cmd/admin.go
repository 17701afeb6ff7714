package cmd

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/goccy/go-json"
	"github.com/spf13/cobra"

	"github.com/bgpack/catalogsync/internal/core"
	errwrap "github.com/bgpack/catalogsync/internal/errors"
	"github.com/bgpack/catalogsync/internal/output"
	"github.com/bgpack/catalogsync/internal/server/handlers"
)

const adminClientTimeout = 10 * time.Second

// adminClient talks to the /v1/admin routes of a running server.
type adminClient struct {
	BaseURL string
	Token   string
	HTTP    *http.Client
}

// adminError carries the server's error envelope message.
type adminError struct {
	Status  int
	Code    string
	Message string
}

func (e *adminError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("admin request failed (%d %s): %s", e.Status, e.Code, e.Message)
	}
	return fmt.Sprintf("admin request failed (%d): %s", e.Status, e.Message)
}

func (c *adminClient) Endpoints(ctx context.Context) (handlers.EndpointsResponse, error) {
	var resp handlers.EndpointsResponse
	err := c.do(ctx, http.MethodGet, "/v1/admin/endpoints", nil, &resp)
	return resp, err
}

func (c *adminClient) ResetEndpoint(ctx context.Context, name string) (core.EndpointHealthState, error) {
	var state core.EndpointHealthState
	err := c.do(ctx, http.MethodPost, "/v1/admin/endpoints/"+url.PathEscape(name)+"/reset", nil, &state)
	return state, err
}

func (c *adminClient) ResetBudget(ctx context.Context) (handlers.EndpointsResponse, error) {
	var resp handlers.EndpointsResponse
	err := c.do(ctx, http.MethodPost, "/v1/admin/budget/reset", nil, &resp)
	return resp, err
}

func (c *adminClient) Events(ctx context.Context, filter core.HealthEventFilter) (handlers.EventsResponse, error) {
	query := url.Values{}
	if filter.Endpoint != "" {
		query.Set("endpoint", filter.Endpoint)
	}
	if filter.Kind != "" {
		query.Set("kind", filter.Kind)
	}
	if filter.Limit > 0 {
		query.Set("limit", strconv.Itoa(filter.Limit))
	}
	if !filter.Since.IsZero() {
		query.Set("since", filter.Since.UTC().Format(time.RFC3339))
	}
	var resp handlers.EventsResponse
	err := c.do(ctx, http.MethodGet, "/v1/admin/events", query, &resp)
	return resp, err
}

func (c *adminClient) do(ctx context.Context, method, path string, query url.Values, out any) error {
	target := strings.TrimRight(c.BaseURL, "/") + path
	if len(query) > 0 {
		target += "?" + query.Encode()
	}

	req, err := http.NewRequestWithContext(ctx, method, target, nil)
	if err != nil {
		return fmt.Errorf("build admin request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if token := strings.TrimSpace(c.Token); token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	client := c.HTTP
	if client == nil {
		client = &http.Client{Timeout: adminClientTimeout}
	}
	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("admin request %s %s: %w", method, path, err)
	}
	defer resp.Body.Close() // nolint:errcheck // response body

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("read admin response: %w", err)
	}

	if resp.StatusCode >= 300 {
		return decodeAdminError(resp.StatusCode, body)
	}
	if err := json.Unmarshal(body, out); err != nil {
		return fmt.Errorf("decode admin response: %w", err)
	}
	return nil
}

func decodeAdminError(status int, body []byte) error {
	apiErr := &adminError{Status: status}
	var envelope errwrap.HTTPErrorResponse
	if err := json.Unmarshal(body, &envelope); err == nil {
		apiErr.Code, apiErr.Message = envelope.Error.Code, envelope.Error.Message
	}
	if apiErr.Message == "" {
		apiErr.Message = strings.TrimSpace(string(body))
	}
	if apiErr.Message == "" {
		apiErr.Message = http.StatusText(status)
	}
	return apiErr
}

var adminCmd = &cobra.Command{
	Use:   "admin",
	Short: "Inspect and reset endpoint health on a running server",
	Long: `Operator commands against a running "catalogsync serve".

The token defaults to server.admin_token from configuration
(CATALOGSYNC_SERVER_ADMIN_TOKEN).`,
}

var adminEndpointsCmd = &cobra.Command{
	Use:   "endpoints",
	Short: "Show per-endpoint circuit state and the hourly budget",
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newAdminClient(cmd)
		if err != nil {
			return err
		}
		resp, err := client.Endpoints(commandContext(cmd))
		if err != nil {
			return err
		}
		return renderHealth(cmd, output.HealthView{Endpoints: resp.Endpoints, Budget: resp.Budget})
	},
}

var adminResetCmd = &cobra.Command{
	Use:   "reset",
	Short: "Close an endpoint's circuit, or reset every circuit and the budget",
	Long: `Reset endpoint health.

  --endpoint NAME   close one circuit and clear its failure count
  --all             reset every circuit and the hourly request budget (requires --yes)

--dry-run prints what would be reset without contacting the server.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		endpoint, _ := cmd.Flags().GetString("endpoint")
		all, _ := cmd.Flags().GetBool("all")
		yes, _ := cmd.Flags().GetBool("yes")
		dryRun, _ := cmd.Flags().GetBool("dry-run")

		endpoint = strings.TrimSpace(endpoint)
		if err := validateResetFlags(endpoint, all, yes, dryRun); err != nil {
			return err
		}

		out := cmd.OutOrStdout()
		if dryRun {
			if all {
				fmt.Fprintln(out, "dry run: would reset all endpoint circuits and the hourly budget")
			} else {
				fmt.Fprintf(out, "dry run: would reset endpoint %s\n", endpoint)
			}
			return nil
		}

		client, err := newAdminClient(cmd)
		if err != nil {
			return err
		}
		ctx := commandContext(cmd)

		if all {
			resp, err := client.ResetBudget(ctx)
			if err != nil {
				return err
			}
			return renderHealth(cmd, output.HealthView{Endpoints: resp.Endpoints, Budget: resp.Budget})
		}

		state, err := client.ResetEndpoint(ctx, endpoint)
		if err != nil {
			return err
		}
		return renderHealth(cmd, output.HealthView{Endpoints: []core.EndpointHealthState{state}})
	},
}

var adminEventsCmd = &cobra.Command{
	Use:   "events",
	Short: "List recorded circuit and reset events",
	RunE: func(cmd *cobra.Command, args []string) error {
		endpoint, _ := cmd.Flags().GetString("endpoint")
		kind, _ := cmd.Flags().GetString("kind")
		limit, _ := cmd.Flags().GetInt("limit")
		since, _ := cmd.Flags().GetDuration("since")

		filter := core.HealthEventFilter{
			Endpoint: strings.TrimSpace(endpoint),
			Kind:     strings.TrimSpace(kind),
			Limit:    limit,
		}
		if since > 0 {
			filter.Since = time.Now().Add(-since)
		}

		client, err := newAdminClient(cmd)
		if err != nil {
			return err
		}
		resp, err := client.Events(commandContext(cmd), filter)
		if err != nil {
			return err
		}

		format, err := resolveOutputFormat(cmd)
		if err != nil {
			return err
		}
		rendered, err := output.NewFormatter(format).FormatEvents(resp.Events)
		if err != nil {
			return err
		}
		return writeToCommandSink(cmd, rendered)
	},
}

func validateResetFlags(endpoint string, all, yes, dryRun bool) error {
	switch {
	case endpoint == "" && !all:
		return fmt.Errorf("specify --endpoint NAME or --all")
	case endpoint != "" && all:
		return fmt.Errorf("--endpoint and --all are mutually exclusive")
	case all && !yes && !dryRun:
		return fmt.Errorf("--all resets every circuit and the budget; pass --yes to confirm")
	}
	return nil
}

func newAdminClient(cmd *cobra.Command) (*adminClient, error) {
	serverURL, _ := cmd.Flags().GetString("server")
	token, _ := cmd.Flags().GetString("token")

	if !cmd.Flags().Changed("token") {
		cfg, err := loadConfig()
		if err != nil {
			return nil, err
		}
		token = cfg.Server.AdminToken
	}

	parsed, err := url.Parse(strings.TrimSpace(serverURL))
	if err != nil || parsed.Scheme == "" || parsed.Host == "" {
		return nil, fmt.Errorf("invalid --server %q: expected a URL such as http://localhost:8080", serverURL)
	}
	return &adminClient{BaseURL: parsed.String(), Token: token}, nil
}

func renderHealth(cmd *cobra.Command, view output.HealthView) error {
	format, err := resolveOutputFormat(cmd)
	if err != nil {
		return err
	}
	rendered, err := output.NewFormatter(format).FormatHealth(view)
	if err != nil {
		return err
	}
	return writeToCommandSink(cmd, rendered)
}

func writeToCommandSink(cmd *cobra.Command, rendered string) error {
	sink, err := openCommandSink(cmd)
	if err != nil {
		return err
	}
	defer func() { _ = sink.close() }()
	return writeRendered(sink.writer, rendered)
}

func commandContext(cmd *cobra.Command) context.Context {
	if ctx := cmd.Context(); ctx != nil {
		return ctx
	}
	return context.Background()
}

func init() {
	adminCmd.PersistentFlags().String("server", "http://localhost:8080", "Base URL of the running server")
	adminCmd.PersistentFlags().String("token", "", "Admin bearer token (default server.admin_token)")

	adminResetCmd.Flags().String("endpoint", "", "Endpoint to reset (collection, search, thing)")
	adminResetCmd.Flags().Bool("all", false, "Reset every endpoint and the hourly budget")
	adminResetCmd.Flags().Bool("yes", false, "Confirm --all")
	adminResetCmd.Flags().Bool("dry-run", false, "Print what would be reset")

	adminEventsCmd.Flags().String("endpoint", "", "Only events for this endpoint")
	adminEventsCmd.Flags().String("kind", "", "Only events of this kind (circuit_opened, circuit_closed, reset, reset_all, budget_exhausted)")
	adminEventsCmd.Flags().Int("limit", 50, "Maximum events to list")
	adminEventsCmd.Flags().Duration("since", 0, "Only events newer than this age (e.g. 24h)")

	for _, c := range []*cobra.Command{adminEndpointsCmd, adminResetCmd, adminEventsCmd} {
		addOutputFlags(c)
		adminCmd.AddCommand(c)
	}
	rootCmd.AddCommand(adminCmd)
}
