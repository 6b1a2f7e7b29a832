package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/spf13/cobra"

	"github.com/hazyhaar/attachd/config"
	"github.com/hazyhaar/attachd/ingester"
)

// Version is set at build time.
var Version = "0.1.0"

// cli carries what PersistentPreRunE builds for the subcommands.
type cli struct {
	cfgPath  string
	logLevel string

	cfg      *config.Config
	logger   *slog.Logger
	closeLog func() error
	app      *app
}

func newRootCmd() *cobra.Command {
	c := &cli{}
	root := &cobra.Command{
		Use:   "attachd",
		Short: "Helpdesk attachment ingestion and content extraction",
		Long: `attachd stores helpdesk attachments once per uploader, extracts their
content (documents, images, audio), summarizes it and tracks every file
through uploaded, processing, processed or failed.`,
		Version:       Version,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			if cmd.Name() == "help" || cmd.Name() == "version" {
				return nil
			}
			return c.setup(cmd.Context())
		},
		PersistentPostRunE: func(*cobra.Command, []string) error {
			return c.teardown()
		},
	}
	root.PersistentFlags().StringVarP(&c.cfgPath, "config", "c", os.Getenv("ATTACHD_CONFIG"), "YAML config file")
	root.PersistentFlags().StringVar(&c.logLevel, "log-level", "", "override log.level")

	root.AddCommand(
		c.serveCmd(),
		c.mcpCmd(),
		c.ingestCmd(),
		c.processCmd(),
		c.reprocessCmd(),
		c.deleteCmd(),
		c.quarantineCmd(),
		c.showCmd(),
		c.recoverCmd(),
	)
	return root
}

func (c *cli) setup(ctx context.Context) error {
	cfg, err := config.Load(c.cfgPath)
	if err != nil {
		return err
	}
	if c.logLevel != "" {
		if _, err := config.ParseLevel(c.logLevel); err != nil {
			return err
		}
		cfg.Log.Level = c.logLevel
	}
	c.cfg = cfg
	c.logger, c.closeLog = config.SetupLogger(cfg.Log)
	slog.SetDefault(c.logger)

	c.app, err = buildApp(ctx, cfg, c.logger)
	return err
}

func (c *cli) teardown() error {
	var err error
	if c.app != nil {
		err = c.app.Close()
		c.app = nil
	}
	if c.closeLog != nil {
		if cerr := c.closeLog(); err == nil {
			err = cerr
		}
		c.closeLog = nil
	}
	return err
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func (c *cli) ingestCmd() *cobra.Command {
	var (
		org, uploader, mimeType, description string
		process                              bool
	)
	cmd := &cobra.Command{
		Use:   "ingest <file>...",
		Short: "Upload files through the dedup gate",
		Long: `Upload files through the dedup gate. Each file prints the gate's answer:
created, restored or duplicate.

Examples:
  attachd ingest --org acme --uploader agent-7 screenshot.png
  attachd ingest --org acme --uploader agent-7 --process logs/*.txt`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			for _, path := range args {
				data, err := os.ReadFile(path)
				if err != nil {
					return fmt.Errorf("read %s: %w", path, err)
				}
				res, err := c.app.ing.Upload(ctx, ingester.UploadRequest{
					OrganizationID: org,
					UploaderID:     uploader,
					Filename:       filepath.Base(path),
					MIMEType:       mimeType,
					Description:    description,
					Data:           data,
				})
				if err != nil {
					return fmt.Errorf("ingest %s: %w", path, err)
				}
				if process && res.Kind != ingester.Duplicate {
					c.app.ing.Wait()
					rec, err := c.app.ing.Process(ctx, res.Record.ID)
					if err != nil {
						return err
					}
					res.Record = rec
				}
				if err := printJSON(cmd.OutOrStdout(), res); err != nil {
					return err
				}
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&org, "org", "", "organization id (required)")
	cmd.Flags().StringVar(&uploader, "uploader", "", "uploader id (required)")
	cmd.Flags().StringVar(&mimeType, "mime", "", "declared MIME type")
	cmd.Flags().StringVar(&description, "description", "", "free-text description")
	cmd.Flags().BoolVar(&process, "process", false, "process synchronously before printing")
	_ = cmd.MarkFlagRequired("org")
	_ = cmd.MarkFlagRequired("uploader")
	return cmd
}

// idCmd builds a single-id command that prints the resulting record.
func (c *cli) idCmd(use, short string, run func(ctx context.Context, id string) (any, error)) *cobra.Command {
	return &cobra.Command{
		Use:   use + " <id>",
		Short: short,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			out, err := run(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), out)
		},
	}
}

func (c *cli) processCmd() *cobra.Command {
	return c.idCmd("process", "Process an uploaded file now", func(ctx context.Context, id string) (any, error) {
		return c.app.ing.Process(ctx, id)
	})
}

func (c *cli) reprocessCmd() *cobra.Command {
	return c.idCmd("reprocess", "Reset a processed or failed file and process it again", func(ctx context.Context, id string) (any, error) {
		return c.app.ing.Reprocess(ctx, id)
	})
}

func (c *cli) deleteCmd() *cobra.Command {
	return c.idCmd("delete", "Soft-delete a file; re-uploading the same bytes restores it", func(ctx context.Context, id string) (any, error) {
		return c.app.ing.Delete(ctx, id)
	})
}

func (c *cli) quarantineCmd() *cobra.Command {
	var reason string
	cmd := c.idCmd("quarantine", "Quarantine a file", func(ctx context.Context, id string) (any, error) {
		return c.app.ing.Quarantine(ctx, id, reason)
	})
	cmd.Flags().StringVar(&reason, "reason", "quarantined by operator", "quarantine reason")
	return cmd
}

func (c *cli) showCmd() *cobra.Command {
	var text, events bool
	cmd := &cobra.Command{
		Use:   "show <id>",
		Short: "Print a file record, its text view or its lifecycle events",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			id := args[0]
			switch {
			case text:
				view, err := c.app.ing.TextView(ctx, id)
				if err != nil {
					return err
				}
				_, err = fmt.Fprintln(cmd.OutOrStdout(), view)
				return err
			case events:
				if _, err := c.app.ing.Get(ctx, id); err != nil {
					return err
				}
				evs, err := c.app.events.List(ctx, id)
				if err != nil {
					return err
				}
				return printJSON(cmd.OutOrStdout(), evs)
			}
			rec, err := c.app.ing.Get(ctx, id)
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), rec)
		},
	}
	cmd.Flags().BoolVar(&text, "text", false, "print the flattened text view")
	cmd.Flags().BoolVar(&events, "events", false, "print the lifecycle events")
	return cmd
}

func (c *cli) recoverCmd() *cobra.Command {
	var (
		olderThan time.Duration
		sweep     int
	)
	cmd := &cobra.Command{
		Use:   "recover",
		Short: "Reset files stuck in processing and requeue unprocessed uploads",
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()
			if olderThan <= 0 {
				olderThan = c.cfg.Pipeline.StaleAfter
			}
			recovered, err := c.app.ing.RecoverStale(ctx, olderThan)
			if err != nil {
				return err
			}
			queued, err := c.app.ing.Sweep(ctx, sweep)
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), map[string]int{"recovered": recovered, "queued": queued})
		},
	}
	cmd.Flags().DurationVar(&olderThan, "older-than", 0, "processing age considered stale (default pipeline.stale_after)")
	cmd.Flags().IntVar(&sweep, "sweep-limit", 1000, "max uploaded files to requeue")
	return cmd
}
