package cmd

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"

	"github.com/bgpack/catalogsync/internal/output"
)

type outputSink struct {
	writer io.Writer
	close  func() error
	path   string
}

// addOutputFlags registers --format and --out on a command that renders records or health.
func addOutputFlags(cmd *cobra.Command) {
	cmd.Flags().String("format", string(output.FormatTable), output.FormatHelp())
	cmd.Flags().String("out", "", "Write output to a file (default stdout)")
}

func resolveOutputFormat(cmd *cobra.Command) (output.Format, error) {
	value, err := cmd.Flags().GetString("format")
	if err != nil {
		return "", err
	}
	return output.ParseFormat(value)
}

// openCommandSink opens the --out target, falling back to the command's stdout.
func openCommandSink(cmd *cobra.Command) (*outputSink, error) {
	path, err := cmd.Flags().GetString("out")
	if err != nil {
		return nil, err
	}
	sink, err := openSink(path)
	if err != nil {
		return nil, err
	}
	if sink.path == "-" {
		sink.writer = cmd.OutOrStdout()
	}
	return sink, nil
}

func openSink(path string) (*outputSink, error) {
	trimmed := strings.TrimSpace(path)
	if trimmed == "" || trimmed == "-" {
		return &outputSink{writer: os.Stdout, close: func() error { return nil }, path: "-"}, nil
	}

	if err := os.MkdirAll(filepath.Dir(trimmed), 0755); err != nil {
		return nil, fmt.Errorf("create output directory: %w", err)
	}
	file, err := os.Create(trimmed)
	if err != nil {
		return nil, err
	}
	return &outputSink{writer: file, close: file.Close, path: trimmed}, nil
}

func writeRendered(w io.Writer, rendered string) error {
	if !strings.HasSuffix(rendered, "\n") {
		rendered += "\n"
	}
	_, err := io.WriteString(w, rendered)
	return err
}
