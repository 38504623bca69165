package main

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/mixelka/verifymail/internal/config"
	"github.com/mixelka/verifymail/internal/email"
	"github.com/mixelka/verifymail/internal/logger"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	err := newRootCmd().ExecuteContext(ctx)
	stop()
	if err != nil {
		slog.Error("command failed", "error", err)
		if email.IsTimeout(err) {
			os.Exit(2)
		}
		os.Exit(1)
	}
}

type app struct {
	logger *slog.Logger
}

func newRootCmd() *cobra.Command {
	a := &app{}

	root := &cobra.Command{
		Use:           "verifycode",
		Short:         "Fetch email verification codes from an IMAP mailbox",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			l := config.LoadLogging()
			// stdout carries the code, logs go to stderr
			a.logger = logger.New(os.Stderr, l.LogLevel, l.LogFormat)
			slog.SetDefault(a.logger)
		},
	}

	root.AddCommand(
		a.newGetCmd(),
		a.newFoldersCmd(),
		a.newExtractCmd(),
		a.newPurgeCmd(),
		a.newHistoryCmd(),
	)

	return root
}

// loadConfig loads the mailbox configuration
func (a *app) loadConfig() (*config.Config, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, err
	}
	if cfg.EmailTLSSkipVerify {
		a.logger.Warn("TLS certificate verification is disabled")
	}
	return cfg, nil
}

var errPurgeNotConfirmed = errors.New("refusing to purge without --yes")
