package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/courierd/courierd/internal/engine"
	"github.com/courierd/courierd/internal/httpapi"
	"github.com/courierd/courierd/internal/notification"
	"github.com/courierd/courierd/internal/template"
)

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API server",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := buildApp()
			if err != nil {
				return err
			}
			defer a.Close()

			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			if err := a.db.Migrate(ctx); err != nil {
				return transientErr{err}
			}

			server := httpapi.NewServer(a.cfg.Server.Addr, httpapi.Deps{
				Engine:    a.engine,
				Prefs:     a.prefRepo,
				Analytics: a.analytics,
				Queue:     a.queue,
				Breakers:  a.breakers,
				DB:        a.db.DB,
				Redis:     a.redis,
				Log:       a.log,
			})

			g, gctx := errgroup.WithContext(ctx)
			g.Go(server.Run)
			g.Go(func() error {
				a.collector.Run(gctx)
				return nil
			})
			g.Go(func() error {
				<-gctx.Done()
				sctx, cancel := shutdownContext()
				defer cancel()
				return server.Shutdown(sctx)
			})

			if err := g.Wait(); err != nil {
				return transientErr{err}
			}
			a.log.Info("server stopped")
			return nil
		},
	}
}

func workerCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "worker",
		Short: "Run the delivery worker pool",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := buildApp()
			if err != nil {
				return err
			}
			defer a.Close()

			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			if err := a.db.Migrate(ctx); err != nil {
				return transientErr{err}
			}

			worker := engine.NewWorker(a.engine, engine.WorkerConfig{
				Count:                  a.cfg.Worker.Count,
				IOMultiplier:           a.cfg.Worker.IOMultiplier,
				ScheduledSweepInterval: a.cfg.Worker.ScheduledSweepInterval,
				RetrySweepInterval:     a.cfg.Worker.RetrySweepInterval,
				BatchSweepInterval:     a.cfg.Worker.BatchSweepInterval,
				ExpirySweepInterval:    a.cfg.Worker.ExpirySweepInterval,
				ReconcileInterval:      a.cfg.Worker.ReconcileInterval,
			}, a.log)

			if err := worker.Start(ctx); err != nil {
				return err
			}
			<-ctx.Done()
			a.log.Info("shutting down workers")
			worker.Stop()
			return nil
		},
	}
}

func flushMetricsCmd() *cobra.Command {
	var window time.Duration
	cmd := &cobra.Command{
		Use:   "flush-metrics",
		Short: "Flush buffered metric points and print the rollup",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := buildApp()
			if err != nil {
				return err
			}
			defer a.Close()

			ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
			defer cancel()

			if err := a.collector.Flush(ctx); err != nil {
				return transientErr{err}
			}

			end := time.Now().UTC()
			overview, err := a.analytics.Overview(ctx, end.Add(-window), end)
			if err != nil {
				return transientErr{err}
			}
			return printJSON(overview)
		},
	}
	cmd.Flags().DurationVar(&window, "window", 24*time.Hour, "rollup window")
	return cmd
}

func replayScheduledCmd() *cobra.Command {
	var (
		failedFinal bool
		channel     string
		limit       int
	)
	cmd := &cobra.Command{
		Use:   "replay-scheduled",
		Short: "Promote every due entry from the scheduled set, optionally re-queueing failed-final records",
		RunE: func(cmd *cobra.Command, args []string) error {
			if channel != "" && !notification.Channel(channel).Valid() {
				return configErr{fmt.Errorf("unknown channel %q", channel)}
			}
			a, err := buildApp()
			if err != nil {
				return err
			}
			defer a.Close()

			ctx, cancel := context.WithTimeout(context.Background(), 60*time.Second)
			defer cancel()

			total := 0
			for {
				promoted, err := a.queue.PromoteScheduled(ctx, time.Now())
				if err != nil {
					return transientErr{err}
				}
				total += promoted
				if promoted == 0 {
					break
				}
			}
			fmt.Printf("promoted %d scheduled notifications\n", total)

			if failedFinal {
				replayed, err := a.engine.ReplayFailedFinal(ctx, notification.Channel(channel), limit)
				if err != nil {
					return transientErr{err}
				}
				fmt.Printf("replayed %d failed-final notifications\n", replayed)
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&failedFinal, "failed-final", false, "also re-queue failed-final notifications")
	cmd.Flags().StringVar(&channel, "channel", "", "restrict failed-final replay to one channel")
	cmd.Flags().IntVar(&limit, "limit", 100, "max failed-final notifications to replay")
	return cmd
}

func initPreferencesCmd() *cobra.Command {
	var userID string
	cmd := &cobra.Command{
		Use:   "init-preferences",
		Short: "Create default preference rows for a user",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := buildApp()
			if err != nil {
				return err
			}
			defer a.Close()

			ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
			defer cancel()

			if err := a.db.Migrate(ctx); err != nil {
				return transientErr{err}
			}
			created, err := a.prefRepo.InitDefaults(ctx, userID)
			if err != nil {
				return transientErr{err}
			}
			fmt.Printf("created %d preference rows for user %s\n", created, userID)
			return nil
		},
	}
	cmd.Flags().StringVar(&userID, "user", "", "user id")
	_ = cmd.MarkFlagRequired("user")
	return cmd
}

func templateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "template",
		Short: "Manage notification templates",
	}
	cmd.AddCommand(templateListCmd(), templateGetCmd(), templateSetCmd(), templateActivateCmd())
	return cmd
}

func templateListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List every template version",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := buildApp()
			if err != nil {
				return err
			}
			defer a.Close()

			ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
			defer cancel()

			tpls, err := a.templates.List(ctx)
			if err != nil {
				return transientErr{err}
			}
			for _, t := range tpls {
				marker := " "
				if t.Active {
					marker = "*"
				}
				fmt.Printf("%s %-30s v%-3d %-10s %s\n", marker, t.Name, t.Version, t.Type, t.Channel)
			}
			return nil
		},
	}
}

func templateGetCmd() *cobra.Command {
	var version int
	cmd := &cobra.Command{
		Use:   "get <name>",
		Short: "Print one template version (active version when --version is omitted)",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := buildApp()
			if err != nil {
				return err
			}
			defer a.Close()

			ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
			defer cancel()

			var tpl *template.Template
			if version > 0 {
				tpl, err = a.templates.Get(ctx, args[0], version)
			} else {
				tpl, err = a.templates.GetActiveByName(ctx, args[0])
			}
			if err != nil {
				if errors.Is(err, template.ErrNotFound) {
					return fmt.Errorf("template not found")
				}
				return transientErr{err}
			}
			return printJSON(tpl)
		},
	}
	cmd.Flags().IntVar(&version, "version", 0, "template version")
	return cmd
}

func templateSetCmd() *cobra.Command {
	var file string
	cmd := &cobra.Command{
		Use:   "set",
		Short: "Save a new template version from a JSON file",
		RunE: func(cmd *cobra.Command, args []string) error {
			raw, err := os.ReadFile(file)
			if err != nil {
				return configErr{err}
			}
			var tpl template.Template
			if err := json.Unmarshal(raw, &tpl); err != nil {
				return configErr{fmt.Errorf("invalid template file: %w", err)}
			}
			if tpl.Name == "" || tpl.Version <= 0 {
				return configErr{errors.New("template name and a positive version are required")}
			}
			if !tpl.Type.Valid() || !tpl.Channel.Valid() {
				return configErr{errors.New("template type and channel must be valid")}
			}
			if err := template.NewRenderer().Validate(&tpl); err != nil {
				return configErr{fmt.Errorf("template does not validate: %w", err)}
			}

			a, err := buildApp()
			if err != nil {
				return err
			}
			defer a.Close()

			ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
			defer cancel()

			if err := a.templates.Save(ctx, &tpl); err != nil {
				if errors.Is(err, template.ErrConflict) {
					return fmt.Errorf("version %d of %q already exists", tpl.Version, tpl.Name)
				}
				return transientErr{err}
			}
			fmt.Printf("saved %s v%d (inactive; activate to serve)\n", tpl.Name, tpl.Version)
			return nil
		},
	}
	cmd.Flags().StringVar(&file, "file", "", "path to template JSON")
	_ = cmd.MarkFlagRequired("file")
	return cmd
}

func templateActivateCmd() *cobra.Command {
	var version int
	cmd := &cobra.Command{
		Use:   "activate <name>",
		Short: "Make one version the active template for its type and channel",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if version <= 0 {
				return configErr{errors.New("--version is required")}
			}
			a, err := buildApp()
			if err != nil {
				return err
			}
			defer a.Close()

			ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
			defer cancel()

			if err := a.templates.Activate(ctx, args[0], version); err != nil {
				if errors.Is(err, template.ErrNotFound) {
					return fmt.Errorf("template %s v%d not found", args[0], version)
				}
				return transientErr{err}
			}
			// Workers read the active template through the shared Redis
			// cache; drop the entry so the switch takes effect now, not
			// after the TTL.
			if err := a.tplCache.Invalidate(ctx, args[0]); err != nil {
				a.log.WithError(err).Warn("failed to invalidate template cache")
			}
			fmt.Printf("activated %s v%d\n", args[0], version)
			return nil
		},
	}
	cmd.Flags().IntVar(&version, "version", 0, "template version")
	return cmd
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
