package cmd

import (
	"fmt"
	"strings"
	"time"

	"github.com/fulmenhq/gofulmen/ascii"
	"github.com/goccy/go-json"
	"github.com/spf13/cobra"

	"github.com/bgpack/catalogsync/internal/core/store"
	"github.com/bgpack/catalogsync/internal/output"
)

var cacheCmd = &cobra.Command{
	Use:   "cache",
	Short: "Inspect and maintain the local record cache",
}

var cacheStatsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Show cached record counts",
	RunE: func(cmd *cobra.Command, args []string) error {
		format, err := resolveOutputFormat(cmd)
		if err != nil {
			return err
		}
		if format == output.FormatMarkdown {
			return fmt.Errorf("unsupported output format: %s", format)
		}

		ctx := commandContext(cmd)
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		db, err := openStore(ctx, cfg)
		if err != nil {
			return err
		}
		defer db.Close() // nolint:errcheck // best-effort cleanup

		stats, err := db.RecordStats(ctx, time.Now())
		if err != nil {
			return err
		}

		if format == output.FormatJSON {
			payload, err := json.MarshalIndent(stats, "", "  ")
			if err != nil {
				return err
			}
			return writeToCommandSink(cmd, string(payload))
		}
		return writeToCommandSink(cmd, renderCacheStats(db.Driver(), cfg.Cache.RecordTTL, stats))
	},
}

var cachePurgeCmd = &cobra.Command{
	Use:   "purge",
	Short: "Delete expired records and old health events",
	RunE: func(cmd *cobra.Command, args []string) error {
		eventsOlderThan, err := cmd.Flags().GetDuration("events-older-than")
		if err != nil {
			return err
		}

		ctx := commandContext(cmd)
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		db, err := openStore(ctx, cfg)
		if err != nil {
			return err
		}
		defer db.Close() // nolint:errcheck // best-effort cleanup

		now := time.Now()
		records, err := db.PurgeExpiredRecords(ctx, now)
		if err != nil {
			return err
		}
		lines := []string{"Cache Purge", "", fmt.Sprintf("expired records removed: %d", records)}

		if eventsOlderThan > 0 {
			events, err := db.PruneHealthEvents(ctx, now.Add(-eventsOlderThan))
			if err != nil {
				return err
			}
			lines = append(lines, fmt.Sprintf("health events removed:   %d (older than %s)", events, eventsOlderThan))
		}
		return writeToCommandSink(cmd, ascii.DrawBox(strings.Join(lines, "\n"), 0))
	},
}

func renderCacheStats(driver string, ttl time.Duration, stats store.RecordStats) string {
	lines := []string{
		"Record Cache",
		"",
		fmt.Sprintf("driver:  %s", driver),
		fmt.Sprintf("ttl:     %s", ttl),
		fmt.Sprintf("total:   %d", stats.Total),
		fmt.Sprintf("fresh:   %d", stats.Fresh),
		fmt.Sprintf("expired: %d", stats.Expired),
		fmt.Sprintf("hits:    %d", stats.Hits),
	}
	if stats.Total == 0 {
		lines = append(lines, "", "(cache is empty)")
	}
	return ascii.DrawBox(strings.Join(lines, "\n"), 0)
}

func init() {
	cacheStatsCmd.Flags().String("format", string(output.FormatTable), "Output format: table|json")
	cacheStatsCmd.Flags().String("out", "", "Write output to a file (default stdout)")
	cachePurgeCmd.Flags().String("out", "", "Write output to a file (default stdout)")
	cachePurgeCmd.Flags().Duration("events-older-than", 30*24*time.Hour, "Also delete health events older than this (0 keeps all)")

	cacheCmd.AddCommand(cacheStatsCmd, cachePurgeCmd)
	rootCmd.AddCommand(cacheCmd)
}
