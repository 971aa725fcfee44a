package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"jobflow/internal/api"
	"jobflow/internal/config"
	"jobflow/internal/dispatcher"
	"jobflow/internal/handlers"
	"jobflow/internal/handlers/sample"
	"jobflow/internal/outcome"
	"jobflow/internal/queue"
	"jobflow/internal/retry"
	"jobflow/internal/scheduler"
	"jobflow/internal/store"
	"jobflow/internal/worker"
)

var configFile string

var rootCmd = &cobra.Command{
	Use:   "jobflow",
	Short: "In-process background job dispatcher",
	Long: `jobflow runs payloads now or after an ISO-8601 delay on a bounded
worker pool, with optional SQLite checkpointing and recurring cron schedules.`,
	SilenceUsage: true,
	RunE:         runServe,
}

var pruneCmd = &cobra.Command{
	Use:   "prune",
	Short: "Delete finished jobs older than the retention window from the checkpoint",
	RunE:  runPrune,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configFile, "config", "", "config file (yaml, toml or json)")
	rootCmd.PersistentFlags().String("db", "", "SQLite checkpoint path (empty keeps jobs in memory)")
	rootCmd.PersistentFlags().String("log-level", "info", "log level")
	rootCmd.PersistentFlags().Bool("log-json", false, "log JSON instead of console output")
	rootCmd.PersistentFlags().Duration("retention", time.Hour, "how long finished jobs stay queryable")

	rootCmd.Flags().String("addr", ":8080", "HTTP bind address")
	rootCmd.Flags().Int("workers", 8, "number of worker goroutines")
	rootCmd.Flags().Duration("poll-ceiling", time.Second, "longest sleep between delayed-job checks")
	rootCmd.Flags().Int("retry-max-attempts", 0, "attempts per job including the first (0 or 1 disables retry)")
	rootCmd.Flags().Bool("debug", false, "expose pprof handlers")

	rootCmd.AddCommand(pruneCmd)
}

var flagKeys = map[string]string{
	"db":                 "db.path",
	"log-level":          "log.level",
	"log-json":           "log.json",
	"retention":          "outcome.retention",
	"addr":               "http.addr",
	"workers":            "workers",
	"poll-ceiling":       "dispatch.poll_ceiling",
	"retry-max-attempts": "retry.max_attempts",
	"debug":              "http.debug",
}

// bindFlags lets explicitly set flags override config file and environment.
func bindFlags(v *viper.Viper, fs *pflag.FlagSet) error {
	var err error
	fs.VisitAll(func(f *pflag.Flag) {
		key, ok := flagKeys[f.Name]
		if !ok || err != nil {
			return
		}
		err = v.BindPFlag(key, f)
	})
	return err
}

func loadConfig(cmd *cobra.Command) (*config.Config, error) {
	v := config.New(configFile)
	if err := bindFlags(v, cmd.Flags()); err != nil {
		return nil, errors.Wrap(err, "bind flags")
	}
	cfg, err := config.Load(v)
	if err != nil {
		return nil, err
	}
	if err := setupLogging(cfg.Log); err != nil {
		return nil, err
	}
	return cfg, nil
}

func setupLogging(c config.LogConfig) error {
	zerolog.TimeFieldFormat = time.RFC3339
	lvl, err := zerolog.ParseLevel(c.Level)
	if err != nil {
		return errors.Wrapf(err, "log level %q", c.Level)
	}
	zerolog.SetGlobalLevel(lvl)
	if c.JSON {
		log.Logger = zerolog.New(os.Stdout).With().Timestamp().Logger()
	} else {
		log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stdout})
	}
	return nil
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}

	var (
		cp        outcome.Checkpointer
		schedules scheduler.Store = scheduler.NewMemoryStore()
		db        *store.SQLite
	)
	if cfg.DB.Path != "" {
		db, err = store.Open(cfg.DB.Path)
		if err != nil {
			return err
		}
		defer db.Close()
		cp, schedules = db, db
	}

	ready := queue.NewReady()
	tracker := outcome.New(cfg.Outcome.Retention, cfg.Outcome.Capacity, cp)
	d := dispatcher.New(ready, tracker, dispatcher.WithPollCeiling(cfg.Dispatch.PollCeiling))

	reg := handlers.NewRegistry()
	reg.Register(sample.Kind, sample.Service{Work: cfg.Sample.Work})

	if db != nil {
		pending, err := db.Pending(cmd.Context())
		if err != nil {
			return errors.Wrap(err, "load pending jobs")
		}
		n := reg.Resume(pending, d, time.Now())
		log.Info().Int("recovered", n).Int("pending", len(pending)).Msg("recovered checkpointed jobs")
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	dispatchDone := make(chan struct{})
	go func() {
		defer close(dispatchDone)
		if err := d.Run(ctx); err != nil {
			log.Error().Err(err).Msg("dispatcher")
		}
	}()

	pool := worker.NewPool(ready, tracker, cfg.Workers,
		worker.WithRetry(retry.FromConfig(cfg.Retry.MaxAttempts, cfg.Retry.Initial, cfg.Retry.Max), d))
	pool.Start(ctx)

	sched := scheduler.NewService(schedules, reg, d, cfg.Schedules.Interval, cfg.Schedules.Lookahead)
	go sched.Start(ctx)

	if db != nil && cfg.Outcome.Retention > 0 {
		go pruneLoop(ctx, db, cfg.Outcome.Retention)
	}

	handler := api.NewServer(api.Deps{
		Dispatcher: d,
		Handlers:   reg,
		Schedules:  sched,
		Metrics: func() api.Metrics {
			return api.Metrics{Stats: tracker.Stats(), Ready: ready.Len(), Scheduled: d.Scheduled(), InFlight: pool.InFlight()}
		},
		SubmitRate:  cfg.HTTP.SubmitRate,
		SubmitBurst: cfg.HTTP.SubmitBurst,
		Debug:       cfg.HTTP.Debug,
	})
	srv := &http.Server{Addr: cfg.HTTP.Addr, Handler: handler}
	serveErr := make(chan error, 1)
	go func() {
		log.Info().Str("addr", cfg.HTTP.Addr).Int("workers", cfg.Workers).Msg("HTTP server starting")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
	}()

	// Graceful shutdown
	c := make(chan os.Signal, 1)
	signal.Notify(c, os.Interrupt, syscall.SIGTERM)
	select {
	case <-c:
	case err = <-serveErr:
		log.Error().Err(err).Msg("http server")
	}
	log.Info().Msg("shutting down")

	ctxTimeout, cancelTimeout := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancelTimeout()
	_ = srv.Shutdown(ctxTimeout)

	sched.Stop()
	cancel()
	<-dispatchDone
	ready.Close()
	if stopErr := pool.Stop(ctxTimeout); stopErr != nil {
		log.Warn().Err(stopErr).Int("in_flight", pool.InFlight()).Msg("workers did not finish before deadline")
	}

	st := tracker.Stats()
	log.Info().
		Int("live", st.Live).
		Int64("succeeded", st.Succeeded).
		Int64("failed", st.Failed).
		Int64("cancelled", st.Cancelled).
		Msg("stopped")
	return err
}

func pruneLoop(ctx context.Context, db *store.SQLite, retention time.Duration) {
	interval := retention / 4
	if interval < time.Minute {
		interval = time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			n, err := db.Prune(ctx, now.Add(-retention))
			if err != nil {
				log.Warn().Err(err).Msg("checkpoint prune failed")
				continue
			}
			if n > 0 {
				log.Debug().Int("pruned", n).Msg("checkpoint pruned")
			}
		}
	}
}

func runPrune(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	if cfg.DB.Path == "" {
		return errors.New("prune needs --db or db.path")
	}
	db, err := store.Open(cfg.DB.Path)
	if err != nil {
		return err
	}
	defer db.Close()

	n, err := db.Prune(cmd.Context(), time.Now().Add(-cfg.Outcome.Retention))
	if err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "pruned %d finished jobs\n", n)
	return nil
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
