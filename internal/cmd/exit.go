package cmd

import (
	stderrors "errors"
	"fmt"
	"os"

	"github.com/fulmenhq/gofulmen/errors"
	"github.com/fulmenhq/gofulmen/foundry"
	"github.com/fulmenhq/gofulmen/logging"
	"go.uber.org/zap"
)

// Semantic exit codes used by the commands.
const (
	exitConfigInvalid = foundry.ExitConfigInvalid
	exitFileNotFound  = foundry.ExitFileNotFound
)

// ExitWithCode logs err with the foundry exit code metadata and exits.
// logger may be nil for failures before logging is initialized.
func ExitWithCode(logger *logging.Logger, exitCode foundry.ExitCode, msg string, err error) {
	info, ok := foundry.GetExitCodeInfo(exitCode)
	if !ok {
		fmt.Fprintf(os.Stderr, "FATAL: %s: %v (exit code: %d)\n", msg, err, exitCode)
		os.Exit(int(exitCode))
	}

	if logger == nil {
		ExitWithCodeStderr(exitCode, msg, err)
		return
	}

	fields := []zap.Field{
		zap.Int("exit_code", info.Code),
		zap.String("exit_name", info.Name),
		zap.String("exit_category", info.Category),
	}

	var envelope *errors.ErrorEnvelope
	if stderrors.As(err, &envelope) {
		fields = append(fields,
			zap.String("error_code", envelope.Code),
			zap.String("error_message", envelope.Message),
			zap.String("correlation_id", envelope.CorrelationID),
		)
		if envelope.Context != nil {
			fields = append(fields, zap.Any("error_context", envelope.Context))
		}
		if original, ok := envelope.Original.(error); ok {
			err = original
		}
	}

	fields = append(fields, zap.Error(err))
	logger.Error(msg, fields...)
	os.Exit(info.Code)
}

// ExitWithCodeStderr writes the failure to stderr and exits.
func ExitWithCodeStderr(exitCode foundry.ExitCode, msg string, err error) {
	info, ok := foundry.GetExitCodeInfo(exitCode)
	if !ok {
		fmt.Fprintf(os.Stderr, "FATAL: %s: %v (exit code: %d)\n", msg, err, exitCode)
		os.Exit(int(exitCode))
	}

	var envelope *errors.ErrorEnvelope
	switch {
	case err == nil:
		fmt.Fprintf(os.Stderr, "FATAL: %s\n", msg)
	case stderrors.As(err, &envelope):
		fmt.Fprintf(os.Stderr, "FATAL: %s [%s]: %s (correlation: %s)\n",
			msg, envelope.Code, envelope.Message, envelope.CorrelationID)
		if original, ok := envelope.Original.(error); ok {
			fmt.Fprintf(os.Stderr, "Underlying error: %v\n", original)
		}
	default:
		fmt.Fprintf(os.Stderr, "FATAL: %s: %v\n", msg, err)
	}
	fmt.Fprintf(os.Stderr, "Exit Code: %d (%s) - %s\n", info.Code, info.Name, info.Description)

	os.Exit(info.Code)
}
