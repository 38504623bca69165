package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/mixelka/verifymail/internal/config"
	"github.com/mixelka/verifymail/internal/database"
	"github.com/mixelka/verifymail/internal/email"
	"github.com/mixelka/verifymail/internal/parser"
	"github.com/mixelka/verifymail/pkg/models"
)

func (a *app) newManager(cfg *config.Config) *email.Manager {
	return email.NewManager(
		cfg.ClientConfig(),
		parser.NewBodyNormalizer(),
		parser.NewCodeDetector(),
		a.logger,
		email.WithBackoff(cfg.PollInterval),
		email.WithRecentWindow(cfg.RecentWindow),
	)
}

func (a *app) newGetCmd() *cobra.Command {
	var (
		to      string
		from    string
		wait    time.Duration
		after   string
		verbose bool
	)

	cmd := &cobra.Command{
		Use:   "get",
		Short: "Wait for a verification code and print it",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := a.loadConfig()
			if err != nil {
				return err
			}

			req := email.Request{
				Recipient: to,
				Sender:    cfg.Sender,
				MaxWait:   cfg.MaxWait,
			}
			if from != "" {
				req.Sender = from
			}
			if wait > 0 {
				req.MaxWait = wait
			}
			if after != "" {
				t, err := time.Parse(time.RFC3339, after)
				if err != nil {
					return fmt.Errorf("invalid --after: %w", err)
				}
				req.SentAfter = &t
			}

			ctx := cmd.Context()
			res, err := a.newManager(cfg).Poll(ctx, req)
			if err != nil {
				return err
			}

			if cfg.HistoryEnabled() {
				a.recordHistory(ctx, cfg.DatabasePath, req, res)
			}

			out := cmd.OutOrStdout()
			if verbose {
				fmt.Fprintf(out, "%s\tfolder=%s strategy=%q uid=%d attempts=%d elapsed=%s\n",
					res.Code, res.Folder, res.Strategy, res.UID, res.Attempts, res.Elapsed.Round(time.Millisecond))
				return nil
			}
			fmt.Fprintln(out, res.Code)
			return nil
		},
	}

	cmd.Flags().StringVar(&to, "to", "", "recipient address")
	cmd.Flags().StringVar(&from, "from", "", "sender address (default VERIFY_SENDER)")
	cmd.Flags().DurationVar(&wait, "wait", 0, "maximum wait (default VERIFY_MAX_WAIT)")
	cmd.Flags().StringVar(&after, "after", "", "ignore mail received before this RFC3339 time")
	cmd.Flags().BoolVarP(&verbose, "verbose", "v", false, "print where the code was found")
	_ = cmd.MarkFlagRequired("to")

	return cmd
}

// recordHistory writes the result to the audit log. Failures are logged, never returned.
func (a *app) recordHistory(ctx context.Context, path string, req email.Request, res *email.Result) {
	db, err := database.Open(ctx, path)
	if err != nil {
		a.logger.Warn("failed to open history database", "error", err)
		return
	}
	defer db.Close()

	rec := &models.CodeRecord{
		Recipient:  req.Recipient,
		Sender:     req.Sender,
		Code:       res.Code,
		Folder:     res.Folder,
		Strategy:   res.Strategy,
		UID:        res.UID,
		ReceivedAt: res.ReceivedAt,
		Attempts:   res.Attempts,
		ElapsedMS:  res.Elapsed.Milliseconds(),
	}
	if err := db.RecordCode(ctx, rec); err != nil {
		a.logger.Warn("failed to record code", "error", err)
	}
}

func (a *app) newFoldersCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "folders",
		Short: "List mailbox folders",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := a.loadConfig()
			if err != nil {
				return err
			}

			folders, err := a.newManager(cfg).ListFolders(cmd.Context())
			if err != nil {
				return err
			}
			for _, f := range folders {
				fmt.Fprintln(cmd.OutOrStdout(), f)
			}
			return nil
		},
	}
}

func (a *app) newExtractCmd() *cobra.Command {
	var all bool

	cmd := &cobra.Command{
		Use:   "extract [file]",
		Short: "Extract a code from a raw message file or stdin",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var r io.Reader = cmd.InOrStdin()
			if len(args) == 1 {
				f, err := os.Open(args[0])
				if err != nil {
					return err
				}
				defer f.Close()
				r = f
			}

			raw, err := io.ReadAll(r)
			if err != nil {
				return fmt.Errorf("failed to read message: %w", err)
			}

			msg := email.ParseRawMessage(raw)
			a.logger.Debug("parsed message", "from", msg.From, "to", msg.To, "subject", msg.Subject)

			text := parser.NewBodyNormalizer().Normalize(msg.Text, msg.Full)
			detector := parser.NewCodeDetector()
			out := cmd.OutOrStdout()

			if all {
				tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
				for _, c := range detector.DetectCodes(text) {
					fmt.Fprintf(tw, "%s\t%s\n", c.Value, c.Pattern)
				}
				return tw.Flush()
			}

			code, ok := detector.Extract(text)
			if !ok {
				return fmt.Errorf("no code found")
			}
			fmt.Fprintln(out, code)
			return nil
		},
	}

	cmd.Flags().BoolVar(&all, "all", false, "list every candidate with the pattern that matched")
	return cmd
}

func (a *app) newPurgeCmd() *cobra.Command {
	var (
		folders []string
		yes     bool
	)

	cmd := &cobra.Command{
		Use:   "purge",
		Short: "Delete every message in the given folders",
		RunE: func(cmd *cobra.Command, args []string) error {
			if !yes {
				return errPurgeNotConfirmed
			}
			cfg, err := a.loadConfig()
			if err != nil {
				return err
			}

			ctx := cmd.Context()
			session := email.NewSession(cfg.ClientConfig(), a.logger)
			if err := session.Connect(ctx, "INBOX"); err != nil {
				return err
			}
			defer session.Disconnect()

			for _, folder := range folders {
				if err := session.SwitchFolder(ctx, folder); err != nil {
					a.logger.Warn("skipping folder", "error", err)
					continue
				}
				n, err := session.DeleteAll(ctx)
				if err != nil {
					return fmt.Errorf("purge %s: %w", folder, err)
				}
				a.logger.Info("purged folder", "folder", folder, "deleted", n)
			}
			return nil
		},
	}

	cmd.Flags().StringSliceVar(&folders, "folder", []string{"INBOX"}, "folders to purge")
	cmd.Flags().BoolVar(&yes, "yes", false, "confirm deletion")
	return cmd
}

func (a *app) newHistoryCmd() *cobra.Command {
	var (
		to    string
		limit int
	)

	cmd := &cobra.Command{
		Use:   "history",
		Short: "Show recently extracted codes",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := a.loadConfig()
			if err != nil {
				return err
			}
			if !cfg.HistoryEnabled() {
				return fmt.Errorf("DATABASE_PATH is not set")
			}

			ctx := cmd.Context()
			db, err := database.Open(ctx, cfg.DatabasePath)
			if err != nil {
				return err
			}
			defer db.Close()

			records, err := db.RecentCodes(ctx, to, limit)
			if err != nil {
				return err
			}

			tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "EXTRACTED\tRECIPIENT\tCODE\tFOLDER\tSTRATEGY")
			for _, r := range records {
				fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\n",
					r.ExtractedAt.Format(time.DateTime), r.Recipient, r.Code, r.Folder, r.Strategy)
			}
			return tw.Flush()
		},
	}

	cmd.Flags().StringVar(&to, "to", "", "only show codes for this recipient")
	cmd.Flags().IntVar(&limit, "limit", 20, "number of rows")
	return cmd
}
