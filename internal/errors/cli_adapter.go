package errors

import (
	"fmt"
	"log/slog"
	"os"
)

// CLIErrorAdapter handles error presentation and exit code determination for CLI applications.
type CLIErrorAdapter struct {
	verbose bool
	logger  *slog.Logger
}

// NewCLIErrorAdapter creates a new CLI error adapter.
func NewCLIErrorAdapter(verbose bool, logger *slog.Logger) *CLIErrorAdapter {
	if logger == nil {
		logger = slog.Default()
	}
	return &CLIErrorAdapter{
		verbose: verbose,
		logger:  logger,
	}
}

// ExitCodeFor determines the appropriate exit code for an error.
func (a *CLIErrorAdapter) ExitCodeFor(err error) int {
	if err == nil {
		return 0
	}

	if re, ok := err.(*RunnerdError); ok {
		return a.exitCodeFromRunnerd(re)
	}

	return 1
}

// exitCodeFromRunnerd maps RunnerdError to exit codes.
func (a *CLIErrorAdapter) exitCodeFromRunnerd(err *RunnerdError) int {
	switch err.Category {
	case CategoryValidation:
		return 2 // Invalid usage
	case CategoryConfig:
		return 7 // Configuration error
	case CategoryAuth:
		return 5 // Auth error
	case CategoryUpstream, CategoryRateLimit:
		return 8 // External system error
	case CategoryDaemon, CategoryTransient:
		return 12 // Runtime error
	case CategoryPolicy:
		return 13 // Policy block
	case CategoryInternal:
		return 10 // Internal error
	default:
		return 1 // General error
	}
}

// HandleError prints the error appropriately and exits with the mapped code.
func (a *CLIErrorAdapter) HandleError(err error) {
	if err == nil {
		return
	}

	if a.verbose {
		a.logger.Error("command failed", slog.String("error", err.Error()))
	} else if re, ok := err.(*RunnerdError); ok {
		fmt.Fprintf(os.Stderr, "error: %s\n", re.Message)
	} else {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
	}

	os.Exit(a.ExitCodeFor(err))
}
