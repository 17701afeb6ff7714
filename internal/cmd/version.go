package cmd

import (
	"fmt"
	"runtime"

	"github.com/fulmenhq/gofulmen/crucible"
	"github.com/spf13/cobra"

	"github.com/bgpack/catalogsync/internal/config"
)

var extended bool

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Long:  "Print version information. Use --extended for build, Go and gofulmen details.",
	RunE: func(cmd *cobra.Command, args []string) error {
		out := cmd.OutOrStdout()
		fmt.Fprintf(out, "%s %s\n", config.AppName, versionInfo.Version)
		if !extended {
			return nil
		}

		deps := crucible.GetVersion()
		fmt.Fprintf(out, "Commit: %s\n", versionInfo.Commit)
		fmt.Fprintf(out, "Built: %s\n", versionInfo.BuildDate)
		fmt.Fprintf(out, "Go: %s\n\n", runtime.Version())
		fmt.Fprintf(out, "Gofulmen: %s\n", deps.Gofulmen)
		fmt.Fprintf(out, "Crucible: %s\n", deps.Crucible)
		return nil
	},
}

func init() {
	rootCmd.AddCommand(versionCmd)
	versionCmd.Flags().BoolVarP(&extended, "extended", "e", false, "show extended version information")
}
