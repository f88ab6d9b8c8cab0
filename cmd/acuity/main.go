// Command acuity runs the AcuityBridge escalation core: a synthetic demo,
// policy validation, offline audit verification and export, and the SLA
// sweeper service.
package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/acuitybridge/core/pkg/config"
)

// errReported marks failures already printed to the user.
var errReported = errors.New("reported")

func main() {
	os.Exit(Run(os.Args[1:], os.Stdout, os.Stderr))
}

// Run is the testable entrypoint. Exit codes: 0 success, 1 failure
// (including a broken audit chain), 2 usage error.
func Run(args []string, stdout, stderr io.Writer) int {
	root := newRootCmd(stdout, stderr)
	root.SetArgs(args)
	if err := root.ExecuteContext(context.Background()); err != nil {
		var usage usageError
		switch {
		case errors.As(err, &usage):
			_, _ = fmt.Fprintln(stderr, "Error:", err)
			return 2
		case errors.Is(err, errReported):
		default:
			_, _ = fmt.Fprintln(stderr, "Error:", err)
		}
		return 1
	}
	return 0
}

type usageError struct{ msg string }

func (e usageError) Error() string { return e.msg }

func newRootCmd(stdout, stderr io.Writer) *cobra.Command {
	root := &cobra.Command{
		Use:   "acuity",
		Short: "AcuityBridge human-reviewed escalation core",
		Long: `acuity drives the AcuityBridge escalation workflow: check-ins become
policy-driven flags, flags requiring review open cases only a human can close,
and every step lands in a hash-chained audit log.

This software is not a medical device. All outputs require human review.`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.SetOut(stdout)
	root.SetErr(stderr)
	root.SetFlagErrorFunc(func(_ *cobra.Command, err error) error {
		return usageError{err.Error()}
	})
	root.PersistentFlags().String("config", "", "Path to a YAML config file (ACUITY_* env vars override it)")

	root.AddCommand(demoCmd())
	root.AddCommand(policyCmd())
	root.AddCommand(auditCmd())
	root.AddCommand(serveCmd())
	return root
}

// loadConfig reads the --config file and environment.
func loadConfig(cmd *cobra.Command) (*config.Config, error) {
	path, _ := cmd.Flags().GetString("config")
	cfg, errs := config.Load(path)
	if len(errs) > 0 {
		return nil, fmt.Errorf("config: %w", errors.Join(errs...))
	}
	return cfg, nil
}

// newLogger builds the process logger from cfg and installs it as default.
func newLogger(cfg *config.Config, w io.Writer) *slog.Logger {
	var level slog.Level
	if err := level.UnmarshalText([]byte(cfg.LogLevel)); err != nil {
		level = slog.LevelInfo
	}
	opts := &slog.HandlerOptions{Level: level}

	var handler slog.Handler
	if strings.EqualFold(cfg.LogFormat, "text") {
		handler = slog.NewTextHandler(w, opts)
	} else {
		handler = slog.NewJSONHandler(w, opts)
	}
	logger := slog.New(handler).With("service", cfg.ServiceName, "env", cfg.Env)
	slog.SetDefault(logger)
	return logger
}
