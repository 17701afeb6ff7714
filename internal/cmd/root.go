package cmd

import (
	"os"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"github.com/bgpack/catalogsync/internal/config"
	"github.com/bgpack/catalogsync/internal/observability"
)

var (
	cfgFile string
	verbose bool

	// Version info set by main package
	versionInfo struct {
		Version   string
		Commit    string
		BuildDate string
	}
)

// SetVersionInfo is called by main package to set version information
func SetVersionInfo(version, commit, buildDate string) {
	versionInfo.Version = version
	versionInfo.Commit = commit
	versionInfo.BuildDate = buildDate
}

var rootCmd = &cobra.Command{
	Use:   config.AppName,
	Short: "Rate-limited, self-healing client for a board game catalog XML API",
	Long: `catalogsync fetches board game records from a rate-limited catalog XML API.

Requests pass through a shared token bucket, per-endpoint circuit breakers and an
hourly request budget, and transient failures are retried with jittered backoff.
Run "serve" for the HTTP lookup and admin surface, or use the lookup commands directly.`,
	SilenceUsage: true,
}

// Execute adds all child commands to the root command and sets flags appropriately.
// This is called by main.main(). It only needs to happen once to the rootCmd.
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	// Keep telemetry quiet for CLI runs; serve installs the real system.
	observability.DisableTelemetry()

	cobra.OnInitialize(initConfig)

	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is $XDG_CONFIG_HOME/catalogsync/config.yaml)")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "verbose output (sets log level to debug)")

	_ = viper.BindPFlag("verbose", rootCmd.PersistentFlags().Lookup("verbose"))
}

// initConfig reads in config file and ENV variables if set.
func initConfig() {
	if err := observability.InitCLILogger(config.AppName, verbose); err != nil {
		ExitWithCodeStderr(exitConfigInvalid, "Failed to initialize CLI logger", err)
	}

	v := viper.GetViper()
	if cfgFile != "" {
		v.SetConfigFile(cfgFile)
	} else {
		if dir := config.DefaultConfigDir(); dir != "" {
			v.AddConfigPath(dir)
		} else if home, err := os.UserHomeDir(); err == nil {
			v.AddConfigPath(home)
		} else {
			ExitWithCode(observability.CLILogger, exitFileNotFound, "Could not find home directory", err)
		}
		v.AddConfigPath("./config")
		v.SetConfigName("config")
		v.SetConfigType("yaml")
	}

	config.ConfigureEnv(v)
	config.SetDefaults(v)

	if err := v.ReadInConfig(); err == nil {
		observability.CLILogger.Debug("Using config file", zap.String("path", v.ConfigFileUsed()))
	} else if _, ok := err.(viper.ConfigFileNotFoundError); ok {
		observability.CLILogger.Debug("No config file found, using defaults and environment variables")
	} else if cfgFile != "" {
		ExitWithCode(observability.CLILogger, exitConfigInvalid, "Failed to read config file", err)
	} else {
		observability.CLILogger.Warn("Error reading config file", zap.Error(err))
	}
}

// loadConfig decodes the layered viper settings into a validated Config.
func loadConfig() (*config.Config, error) {
	return config.Load(viper.GetViper())
}
