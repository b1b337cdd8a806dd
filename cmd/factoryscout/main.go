package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gorhill/cronexpr"
	"github.com/spf13/cobra"

	"github.com/factoryscout/factoryscout/config"
	"github.com/factoryscout/factoryscout/internal/collector"
	"github.com/factoryscout/factoryscout/internal/dedup"
	"github.com/factoryscout/factoryscout/internal/index"
	"github.com/factoryscout/factoryscout/internal/runner"
	"github.com/factoryscout/factoryscout/internal/server"
	"github.com/factoryscout/factoryscout/internal/source"
	"github.com/factoryscout/factoryscout/internal/store"
	"github.com/factoryscout/factoryscout/internal/synth"
	"github.com/factoryscout/factoryscout/internal/telemetry"
)

func main() {
	var cfgPath string
	root := &cobra.Command{
		Use:           "factoryscout",
		Short:         "Monthly manufacturing market intelligence agent",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVar(&cfgPath, "config", "", "path to config file")

	root.AddCommand(runCmd(&cfgPath))
	root.AddCommand(serveCmd(&cfgPath))
	root.AddCommand(migrateCmd(&cfgPath))
	root.AddCommand(statusCmd(&cfgPath))
	root.AddCommand(searchCmd(&cfgPath))

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(runner.ExitFailed)
	}
}

func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
}

func runCmd(cfgPath *string) *cobra.Command {
	var keywords []string
	var period string
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Execute one report run now",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.LoadConfig(*cfgPath)
			if err != nil {
				return err
			}
			ctx, cancel := signalContext()
			defer cancel()

			when := time.Now().UTC()
			if period != "" {
				when, err = time.Parse("2006-01", period)
				if err != nil {
					return fmt.Errorf("invalid --period, want YYYY-MM: %w", err)
				}
			}

			st, err := store.New(ctx, cfg.Storage.Postgres)
			if err != nil {
				return err
			}
			defer st.Close()

			provider, err := synth.NewOpenAIProvider(cfg.LLM)
			if err != nil {
				return err
			}

			var cache *source.FetchCache
			if cfg.Storage.Redis.Host != "" {
				cache = source.NewFetchCache(cfg.Storage.Redis)
				defer cache.Close()
			}
			scrape := source.NewScrapeAdapter(cfg.Sources.Scrape, cfg.Collector.AdapterTimeout, cache)
			adapters := []source.Adapter{
				source.NewSearchAdapter(cfg.Sources.Search, cfg.Collector.AdapterTimeout, scrape),
				scrape,
			}
			if cfg.Sources.Social.Enabled {
				adapters = append(adapters, source.NewSocialAdapter(cfg.Sources.Social, cfg.Collector.AdapterTimeout, scrape))
			}

			var idx runner.Indexing
			if cfg.Storage.Index.Path != "" {
				bidx, err := index.Open(cfg.Storage.Index.Path)
				if err != nil {
					return err
				}
				defer bidx.Close()
				idx = bidx
			}

			tel := telemetry.New(cfg.Telemetry)
			r := runner.New(
				collector.New(cfg.Collector, adapters...),
				dedup.New(cfg.Dedup),
				synth.New(provider, cfg.Synthesis, cfg.LLM.PromptVersion),
				st,
				idx,
				tel,
			)

			runCtx := ctx
			if cfg.General.MaxRunTime > 0 {
				var runCancel context.CancelFunc
				runCtx, runCancel = context.WithTimeout(ctx, cfg.General.MaxRunTime)
				defer runCancel()
			}

			outcome, err := r.Run(runCtx, when, source.QuerySpec{Keywords: keywords})
			if outcome != nil && outcome.Report != nil {
				fmt.Printf("%s\n\n%s\n", outcome.Report.Title, outcome.Report.Summary)
				fmt.Printf("\ntrends=%d challenges=%d solutions=%d degraded=%v\n",
					len(outcome.Report.Trends), len(outcome.Report.Challenges),
					len(outcome.Report.Solutions), outcome.Report.Degraded)
			}
			if err != nil {
				fmt.Fprintln(os.Stderr, "error:", err)
			}
			if cfg.General.Debug {
				for phase, d := range tel.Snapshot().PhaseTimes {
					fmt.Fprintf(os.Stderr, "phase %s: %v\n", phase, d)
				}
			}
			if outcome != nil {
				os.Exit(outcome.ExitCode)
			}
			return err
		},
	}
	cmd.Flags().StringSliceVar(&keywords, "keywords", nil, "extra query keywords")
	cmd.Flags().StringVar(&period, "period", "", "report period as YYYY-MM (default: current month)")
	return cmd
}

func serveCmd(cfgPath *string) *cobra.Command {
	var addr string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve stored reports over HTTP",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.LoadConfig(*cfgPath)
			if err != nil {
				return err
			}
			if addr != "" {
				cfg.Server.Address = addr
			}
			ctx, cancel := signalContext()
			defer cancel()

			st, err := store.New(ctx, cfg.Storage.Postgres)
			if err != nil {
				return err
			}
			defer st.Close()

			var search server.Searcher
			if cfg.Storage.Index.Path != "" {
				bidx, err := index.Open(cfg.Storage.Index.Path)
				if err != nil {
					return err
				}
				defer bidx.Close()
				search = bidx
			}

			return server.New(cfg.Server, st, search).Start(ctx)
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "", "listen address (overrides config)")
	return cmd
}

func migrateCmd(cfgPath *string) *cobra.Command {
	var dir, direction string
	var steps int
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Apply database migrations",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.LoadConfig(*cfgPath)
			if err != nil {
				return err
			}
			dsn, err := cfg.Storage.Postgres.DSN()
			if err != nil {
				return err
			}
			return store.Migrate(dir, dsn, direction, steps)
		},
	}
	cmd.Flags().StringVar(&dir, "dir", "file://migrations", "migrations source")
	cmd.Flags().StringVar(&direction, "direction", "up", "up or down")
	cmd.Flags().IntVar(&steps, "steps", 0, "number of steps (0 = all)")
	return cmd
}

func statusCmd(cfgPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show the last run and the next scheduled one",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.LoadConfig(*cfgPath)
			if err != nil {
				return err
			}
			ctx, cancel := signalContext()
			defer cancel()

			st, err := store.New(ctx, cfg.Storage.Postgres)
			if err != nil {
				return err
			}
			defer st.Close()

			run, err := st.LastRun(ctx)
			switch {
			case errors.Is(err, store.ErrNotFound):
				fmt.Println("no runs recorded yet")
			case err != nil:
				return err
			default:
				fmt.Printf("last run: %s\n  period: %s\n  state: %s", run.ID, run.Period.Format("2006-01"), run.State)
				if run.Reason != "" {
					fmt.Printf(" (%s)", run.Reason)
				}
				fmt.Printf("\n  started: %s\n", run.StartedAt.Format(time.RFC3339))
				if run.FinishedAt != nil {
					fmt.Printf("  finished: %s\n", run.FinishedAt.Format(time.RFC3339))
				}
				fmt.Printf("  records: %d raw, %d normalized\n", run.RawCount, run.NormalizedCount)
				for _, ae := range run.AdapterErrors {
					fmt.Printf("  adapter error: %s\n", ae)
				}
			}

			expr, err := cronexpr.Parse(cfg.General.ScheduleCron)
			if err != nil {
				return fmt.Errorf("invalid schedule_cron %q: %w", cfg.General.ScheduleCron, err)
			}
			fmt.Printf("next scheduled run: %s\n", expr.Next(time.Now()).Format(time.RFC1123))
			return nil
		},
	}
}

func searchCmd(cfgPath *string) *cobra.Command {
	var (
		limit   int
		fromRun string
	)
	cmd := &cobra.Command{
		Use:   "search [query]",
		Short: "Keyword search over collected records",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.LoadConfig(*cfgPath)
			if err != nil {
				return err
			}
			if cfg.Storage.Index.Path == "" {
				return errors.New("keyword index disabled (storage.index.path)")
			}
			idx, err := index.Open(cfg.Storage.Index.Path)
			if err != nil {
				return err
			}
			defer idx.Close()

			if fromRun != "" {
				ctx, cancel := signalContext()
				defer cancel()
				st, err := store.New(ctx, cfg.Storage.Postgres)
				if err != nil {
					return err
				}
				defer st.Close()
				recs, err := st.NormalizedRecords(ctx, fromRun)
				if err != nil {
					return err
				}
				if err := idx.IndexRecords(fromRun, recs); err != nil {
					return err
				}
			}

			q := ""
			for i, a := range args {
				if i > 0 {
					q += " "
				}
				q += a
			}
			hits, err := idx.Search(q, limit)
			if err != nil {
				return err
			}
			if len(hits) == 0 {
				fmt.Println("no matches")
				return nil
			}
			for _, h := range hits {
				fmt.Printf("%.3f  %s\n", h.Score, h.ID)
				for _, f := range h.Fragments {
					fmt.Printf("       %s\n", f)
				}
			}
			return nil
		},
	}
	cmd.Flags().IntVar(&limit, "limit", 10, "max results")
	cmd.Flags().StringVar(&fromRun, "from-run", "", "rebuild index entries for this run from storage first")
	return cmd
}
