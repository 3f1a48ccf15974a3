// Command survstat runs the survival and prognostic analysis of a cohort
// table, and generates synthetic cohorts for checking it.
package main

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"

	"github.com/spf13/cobra"
)

var (
	logLevel  string
	logFormat string
)

func newRootCmd() *cobra.Command {

	cmd := &cobra.Command{
		Use:           "survstat",
		Short:         "Survival and prognostic modeling of clinical cohorts",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	cmd.PersistentFlags().StringVar(&logLevel, "log-level", "info", "Log level: debug, info, warn or error")
	cmd.PersistentFlags().StringVar(&logFormat, "log-format", "text", "Log format: text or json")

	cmd.AddCommand(newAnalyzeCmd())
	cmd.AddCommand(newSimulateCmd())

	return cmd
}

// newLogger returns a logger writing to w with the configured level and
// format.
func newLogger(w io.Writer) (*slog.Logger, error) {

	var level slog.Level
	if err := level.UnmarshalText([]byte(logLevel)); err != nil {
		return nil, fmt.Errorf("invalid log level '%s'", logLevel)
	}
	opts := &slog.HandlerOptions{Level: level}

	switch strings.ToLower(logFormat) {
	case "text":
		return slog.New(slog.NewTextHandler(w, opts)), nil
	case "json":
		return slog.New(slog.NewJSONHandler(w, opts)), nil
	}
	return nil, fmt.Errorf("invalid log format '%s'", logFormat)
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "survstat: %v\n", err)
		os.Exit(1)
	}
}
