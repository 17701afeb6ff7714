package cmd

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/bgpack/catalogsync/internal/core"
	"github.com/bgpack/catalogsync/internal/observability"
	"github.com/bgpack/catalogsync/internal/output"
)

var searchCmd = &cobra.Command{
	Use:   "search QUERY",
	Short: "Search the catalog by name",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		query := strings.Join(args, " ")
		return runLookup(cmd, "Search: "+query, func(ctx context.Context, stack *engineStack) []core.GameRecord {
			return stack.Orchestrator.SearchByName(ctx, query)
		})
	},
}

var collectionCmd = &cobra.Command{
	Use:   "collection USERNAME",
	Short: "List the games a user owns",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		exclude, err := cmd.Flags().GetBool("exclude-expansions")
		if err != nil {
			return err
		}
		username := args[0]
		return runLookup(cmd, "Collection: "+username, func(ctx context.Context, stack *engineStack) []core.GameRecord {
			return stack.Orchestrator.FetchCollection(ctx, username, exclude)
		})
	},
}

var detailsCmd = &cobra.Command{
	Use:   "details ID...",
	Short: "Fetch full records for one or more game ids",
	Long: `Fetch full records for one or more game ids.

Ids may be given as separate arguments or comma separated. Results keep the
order of the first occurrence of each id; ids the upstream could not supply
are omitted.`,
	Args: cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ids, err := parseIDArgs(args)
		if err != nil {
			return err
		}
		return runLookup(cmd, fmt.Sprintf("Details (%d requested)", len(ids)), func(ctx context.Context, stack *engineStack) []core.GameRecord {
			return stack.Orchestrator.FetchDetails(ctx, ids)
		})
	},
}

// runLookup wires a CLI engine stack, runs fetch and renders the records.
// Upstream trouble never fails the command: the facade already degraded to an empty result.
func runLookup(cmd *cobra.Command, title string, fetch func(context.Context, *engineStack) []core.GameRecord) error {
	format, err := resolveOutputFormat(cmd)
	if err != nil {
		return err
	}

	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	ctx := commandContext(cmd)
	logger := observability.CLILogger
	opts := engineOptions{Logger: logger}
	if cfg.Store.Enabled {
		db, err := openStore(ctx, cfg)
		if err != nil && logger != nil {
			logger.Warn("Record cache unavailable, continuing without it", zap.Error(err))
		} else if err == nil {
			defer db.Close() // nolint:errcheck // best-effort cleanup
			opts.Cache = db
		}
	}

	stack := buildEngine(cfg, opts)
	records := fetch(ctx, stack)

	if budget := stack.Health.Budget(); budget.Failures > 0 && logger != nil {
		logger.Debug("Upstream failures during lookup",
			zap.Int64("failures", budget.Failures),
			zap.Int64("requests", budget.Used))
	}

	rendered, err := output.NewFormatter(format).FormatRecords(title, records)
	if err != nil {
		return err
	}
	return writeToCommandSink(cmd, rendered)
}

func parseIDArgs(args []string) ([]int, error) {
	var ids []int
	for _, arg := range args {
		for _, part := range strings.Split(arg, ",") {
			part = strings.TrimSpace(part)
			if part == "" {
				continue
			}
			id, err := strconv.Atoi(part)
			if err != nil || id <= 0 {
				return nil, fmt.Errorf("invalid game id %q: must be a positive integer", part)
			}
			ids = append(ids, id)
		}
	}
	if len(ids) == 0 {
		return nil, fmt.Errorf("at least one game id is required")
	}
	return ids, nil
}

func init() {
	for _, c := range []*cobra.Command{searchCmd, collectionCmd, detailsCmd} {
		addOutputFlags(c)
		rootCmd.AddCommand(c)
	}
	collectionCmd.Flags().Bool("exclude-expansions", false, "Omit expansions from the collection")
}
