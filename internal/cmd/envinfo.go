package cmd

import (
	"fmt"
	"io"
	"runtime"
	"sort"
	"strings"

	"github.com/fulmenhq/gofulmen/crucible"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"

	"github.com/bgpack/catalogsync/internal/config"
)

const redacted = "(set)"

// secretKeys are printed as set or unset, never by value.
var secretKeys = map[string]bool{
	"upstream.token":     true,
	"server.admin_token": true,
	"store.auth_token":   true,
}

var envInfoCmd = &cobra.Command{
	Use:   "envinfo",
	Short: "Display environment information",
	Long: `Display version, runtime and effective configuration.

Secrets (upstream token, admin token, store auth token) are shown only as set or unset.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		format, err := cmd.Flags().GetString("format")
		if err != nil {
			return err
		}

		settings := redactSettings(viper.AllSettings(), "")
		out := cmd.OutOrStdout()

		switch strings.ToLower(strings.TrimSpace(format)) {
		case "yaml":
			return writeEnvYAML(out, settings)
		case "", "text":
			return writeEnvText(out, settings)
		default:
			return fmt.Errorf("unsupported envinfo format: %s (use text or yaml)", format)
		}
	},
}

type envReport struct {
	Application map[string]string `yaml:"application"`
	Runtime     map[string]string `yaml:"runtime"`
	ConfigFile  string            `yaml:"config_file"`
	Settings    map[string]any    `yaml:"settings"`
}

func buildEnvReport(settings map[string]any) envReport {
	version := crucible.GetVersion()
	configFile := viper.ConfigFileUsed()
	if configFile == "" {
		configFile = config.DefaultConfigPath() + " (not found)"
	}
	return envReport{
		Application: map[string]string{
			"name":     config.AppName,
			"version":  versionInfo.Version,
			"commit":   versionInfo.Commit,
			"built":    versionInfo.BuildDate,
			"gofulmen": version.Gofulmen,
			"crucible": version.Crucible,
		},
		Runtime: map[string]string{
			"go":     runtime.Version(),
			"goos":   runtime.GOOS,
			"goarch": runtime.GOARCH,
			"cpus":   fmt.Sprintf("%d", runtime.NumCPU()),
		},
		ConfigFile: configFile,
		Settings:   settings,
	}
}

func writeEnvYAML(w io.Writer, settings map[string]any) error {
	enc := yaml.NewEncoder(w)
	enc.SetIndent(2)
	if err := enc.Encode(buildEnvReport(settings)); err != nil {
		return fmt.Errorf("encode envinfo: %w", err)
	}
	return enc.Close()
}

func writeEnvText(w io.Writer, settings map[string]any) error {
	report := buildEnvReport(settings)

	var b strings.Builder
	b.WriteString("=== catalogsync environment ===\n\n")
	writeSection(&b, "Application", report.Application)
	writeSection(&b, "Runtime", report.Runtime)
	fmt.Fprintf(&b, "Config file: %s\n\n", report.ConfigFile)

	b.WriteString("Settings:\n")
	flat := make(map[string]string)
	flattenSettings(settings, "", flat)
	keys := make([]string, 0, len(flat))
	for key := range flat {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	for _, key := range keys {
		fmt.Fprintf(&b, "  %-32s %s\n", key, flat[key])
	}

	_, err := io.WriteString(w, b.String())
	return err
}

func writeSection(b *strings.Builder, title string, values map[string]string) {
	keys := make([]string, 0, len(values))
	for key := range values {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	fmt.Fprintf(b, "%s:\n", title)
	for _, key := range keys {
		fmt.Fprintf(b, "  %-10s %s\n", key+":", values[key])
	}
	b.WriteString("\n")
}

// redactSettings copies viper settings, replacing secret values.
func redactSettings(settings map[string]any, prefix string) map[string]any {
	out := make(map[string]any, len(settings))
	for key, value := range settings {
		path := key
		if prefix != "" {
			path = prefix + "." + key
		}
		if nested, ok := value.(map[string]any); ok {
			out[key] = redactSettings(nested, path)
			continue
		}
		if secretKeys[path] {
			if s, ok := value.(string); !ok || strings.TrimSpace(s) != "" {
				value = redacted
			} else {
				value = "(not set)"
			}
		}
		out[key] = value
	}
	return out
}

func flattenSettings(settings map[string]any, prefix string, out map[string]string) {
	for key, value := range settings {
		path := key
		if prefix != "" {
			path = prefix + "." + key
		}
		if nested, ok := value.(map[string]any); ok {
			flattenSettings(nested, path, out)
			continue
		}
		out[path] = fmt.Sprintf("%v", value)
	}
}

func init() {
	envInfoCmd.Flags().String("format", "text", "Output format: text|yaml")
	rootCmd.AddCommand(envInfoCmd)
}
