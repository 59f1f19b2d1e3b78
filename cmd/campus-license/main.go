// Command campus-license operates the license engine: lifecycle commands
// for administrators and a long-running daemon for expiry sweeps.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rcourtman/campus-license/internal/config"
	lerrors "github.com/rcourtman/campus-license/internal/errors"
	"github.com/rcourtman/campus-license/internal/logging"
	"github.com/spf13/cobra"
)

// Version information (set at build time with -ldflags)
var (
	Version   = "dev"
	BuildTime = "unknown"
	GitCommit = "unknown"
)

const closeTimeout = 10 * time.Second

// errInvalid marks a completed validation that found the license invalid.
var errInvalid = errors.New("license is not valid")

func newRootCmd() *cobra.Command {
	var actor string

	root := &cobra.Command{
		Use:           "campus-license",
		Short:         "Campus license validation and security engine",
		Version:       Version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVar(&actor, "actor", "cli", "actor recorded in the audit log")

	actorFn := func() string { return actor }
	root.AddCommand(
		newIssueCmd(actorFn),
		newActivateCmd(actorFn),
		newValidateCmd(),
		newValidateHexCmd(),
		newRenewCmd(actorFn),
		newTransferCmd(actorFn),
		newRevokeCmd(actorFn),
		newBlacklistCmd(actorFn),
		newUnblacklistCmd(actorFn),
		newRegisterHardwareCmd(actorFn),
		newRestrictCmd(actorFn),
		newRefreshHexCmd(actorFn),
		newGetCmd(),
		newSweepCmd(),
		newExportCmd(actorFn),
		newOpenBundleCmd(),
		newCertificateCmd(),
		newFingerprintCmd(),
		newServeCmd(),
		newVersionCmd(),
	)
	return root
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "campus-license %s\n", Version)
			if BuildTime != "unknown" {
				fmt.Fprintf(out, "Built: %s\n", BuildTime)
			}
			if GitCommit != "unknown" {
				fmt.Fprintf(out, "Commit: %s\n", GitCommit)
			}
		},
	}
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := newRootCmd().ExecuteContext(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(exitCode(err))
	}
}

// exitCode distinguishes invalid licenses (2) and configuration problems
// (3) from other failures.
func exitCode(err error) int {
	switch {
	case errors.Is(err, errInvalid):
		return 2
	case lerrors.KindOf(err) == lerrors.KindConfig:
		return 3
	default:
		return 1
	}
}

// loadConfig reads configuration and configures logging from it.
func loadConfig() (*config.Config, error) {
	logging.Init(logging.Config{Format: "auto", Level: "info", Component: "campus-license"})
	cfg, err := config.Load()
	if err != nil {
		return nil, err
	}
	logging.Init(logging.Config{Format: cfg.LogFormat, Level: cfg.LogLevel, Component: "campus-license"})
	return cfg, nil
}

// withApp builds the application for one command and tears it down after.
func withApp(cmd *cobra.Command, fn func(ctx context.Context, a *app) error) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	ctx, _ = logging.WithRequestID(ctx, "")

	a, err := buildApp(ctx, cfg, nil)
	if err != nil {
		return err
	}
	runErr := fn(ctx, a)

	closeCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), closeTimeout)
	defer cancel()
	if err := a.Close(closeCtx); err != nil && runErr == nil {
		return err
	}
	return runErr
}

func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
