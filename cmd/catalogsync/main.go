package main

import (
	"github.com/fulmenhq/gofulmen/foundry"

	"github.com/bgpack/catalogsync/internal/cmd"
	"github.com/bgpack/catalogsync/internal/server/handlers"
)

// Set via ldflags, e.g. -X main.version=1.0.0 -X main.commit=abc123 -X main.buildDate=2026-10-18
var (
	version   = "dev"
	commit    = "unknown"
	buildDate = "unknown"
)

func main() {
	cmd.SetVersionInfo(version, commit, buildDate)
	handlers.SetBuildInfo(handlers.BuildInfo{Version: version, Commit: commit, BuildDate: buildDate})

	if err := cmd.Execute(); err != nil {
		cmd.ExitWithCodeStderr(foundry.ExitFailure, "Command execution failed", err)
	}
}
