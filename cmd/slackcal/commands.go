package main

import (
	"errors"
	"fmt"
	"io"
	"os"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"slackcal/internal/agent"
	"slackcal/internal/ics"
	appLog "slackcal/internal/log"
	"slackcal/internal/model"
	"slackcal/internal/store"
	"slackcal/internal/web"
)

func serveCmd(configPath *string) *cobra.Command {
	var listen string

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the ingest and reminder schedules with the HTTP API",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(*configPath)
			if err != nil {
				return err
			}
			// CLI --listen overrides config file listen if provided.
			if listen != "" {
				cfg.Listen = listen
			}
			a, err := buildApp(cfg)
			if err != nil {
				return err
			}
			defer a.Close()

			driver, err := agent.NewDriver(a.agent, cfg.Cycle, cfg.Reminder)
			if err != nil {
				return err
			}
			srv := web.NewServer(a.store, newFeed(cfg), cfg.DisplayLocation(), cfg.BasicAuth)

			appLog.Info("slackcal starting", "version", version)
			g, ctx := errgroup.WithContext(cmd.Context())
			g.Go(func() error { return driver.Run(ctx) })
			g.Go(func() error { return web.Serve(ctx, cfg.Listen, srv.Handler()) })
			err = g.Wait()
			appLog.Info("slackcal exiting")
			return err
		},
	}

	cmd.Flags().StringVar(&listen, "listen", "", "HTTP listen address (overrides config if set)")
	return cmd
}

func runOnceCmd(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "run-once",
		Short: "Run one ingest+notify cycle and exit",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(*configPath)
			if err != nil {
				return err
			}
			a, err := buildApp(cfg)
			if err != nil {
				return err
			}
			defer a.Close()

			res, err := a.agent.Cycle(cmd.Context())
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "channels=%d records=%d failed=%d reminders=%d\n",
				res.Channels, res.Records, res.Failed, res.Delivered)
			return nil
		},
	}
}

func notifyCmd(configPath *string) *cobra.Command {
	var window time.Duration

	cmd := &cobra.Command{
		Use:   "notify",
		Short: "Run one reminder scan and exit",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(*configPath)
			if err != nil {
				return err
			}
			a, err := buildApp(cfg)
			if err != nil {
				return err
			}
			defer a.Close()

			if window <= 0 {
				window = cfg.Window()
			}
			n, err := a.notifier.Run(cmd.Context(), window)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "reminders=%d\n", n)
			return nil
		},
	}

	cmd.Flags().DurationVar(&window, "window", 0, "Look-ahead window (default: reminder_window_minutes from config)")
	return cmd
}

func channelsCmd(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "channels",
		Short: "List channel watermarks",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(*configPath)
			if err != nil {
				return err
			}
			s, err := openStore(cfg)
			if err != nil {
				return err
			}
			defer s.Close()

			cursors, err := s.Cursors(cmd.Context())
			if err != nil {
				return err
			}
			return printCursors(cmd.OutOrStdout(), cursors, cfg.DisplayLocation())
		},
	}
}

func printCursors(w io.Writer, cursors []model.ChannelCursor, loc *time.Location) error {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "CHANNEL\tLAST PROCESSED")
	for _, c := range cursors {
		fmt.Fprintf(tw, "%s\t%s\n", c.ChannelID, c.LastProcessed.In(loc).Format(time.RFC3339))
	}
	return tw.Flush()
}

func exportICSCmd(configPath *string) *cobra.Command {
	var output, kind string

	cmd := &cobra.Command{
		Use:   "export-ics",
		Short: "Write the stored records as an iCalendar feed",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(*configPath)
			if err != nil {
				return err
			}
			s, err := openStore(cfg)
			if err != nil {
				return err
			}
			defer s.Close()

			snap, err := s.Snapshot(cmd.Context())
			if err != nil {
				return err
			}
			var recs []model.ScheduleRecord
			switch kind {
			case "", "all":
				recs = append(snap.Meetings, snap.Tasks...)
			default:
				k, err := model.ParseKind(kind)
				if err != nil {
					return err
				}
				if k == model.KindTask {
					recs = snap.Tasks
				} else {
					recs = snap.Meetings
				}
			}

			w := cmd.OutOrStdout()
			if output != "" && output != "-" {
				f, err := os.Create(output)
				if err != nil {
					return err
				}
				defer f.Close()
				w = f
			}
			return newFeed(cfg).Write(w, recs)
		},
	}

	cmd.Flags().StringVarP(&output, "output", "o", "", "Output file (default stdout)")
	cmd.Flags().StringVar(&kind, "kind", "all", "Records to export: all, meetings or tasks")
	return cmd
}

func importICSCmd(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "import-ics <path-or-url>",
		Short: "Add the events of an iCalendar feed to the store",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(*configPath)
			if err != nil {
				return err
			}
			s, err := openStore(cfg)
			if err != nil {
				return err
			}
			defer s.Close()

			body, err := ics.NewFetcher(cfg.SlackTimeout()).Fetch(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			recs, err := ics.Decode(body, cfg.DisplayLocation())
			if err != nil {
				return err
			}

			ctx := cmd.Context()
			fresh := make([]model.ScheduleRecord, 0, len(recs))
			for _, r := range recs {
				_, err := s.Get(ctx, r.Kind, r.ID)
				switch {
				case err == nil:
					continue
				case errors.Is(err, store.ErrNotFound):
					fresh = append(fresh, r)
				default:
					return err
				}
			}
			if _, err := s.AddRecords(ctx, fresh); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "imported=%d skipped=%d\n", len(fresh), len(recs)-len(fresh))
			return nil
		},
	}
}
