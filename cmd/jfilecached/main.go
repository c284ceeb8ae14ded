// Command jfilecached is a standalone daemon wiring the cache core's
// BackgroundLoadSave against a bbolt-backed durable queue/object-id map
// and a local-directory FileLoader, driven entirely by the
// configuration table in SPEC_FULL section 6.
//
// It does not speak any network file protocol -- that front end is
// explicitly out of scope for the core (SPEC_FULL section 1) -- it
// only proves the core's wiring by running the background load/save
// machinery and exposing its Prometheus metrics. The
// MaximumFilesPerDirectory, DataLoadWaitTime and DataPollSleepTime
// settings are accepted and parsed but not used by this binary.
//
// Grounded on the teacher's small single-command cmd/ binaries
// (cmd/touch, cmd/version): one cobra.Command, flags bound with
// pflag, no subcommands.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/FileSysOrg/jfileserver-sub003/durablequeue"
	"github.com/FileSysOrg/jfileserver-sub003/filestate"
	"github.com/FileSysOrg/jfileserver-sub003/internal/jflog"
	"github.com/FileSysOrg/jfileserver-sub003/loader/dirloader"
	"github.com/FileSysOrg/jfileserver-sub003/loadsave"
	"github.com/FileSysOrg/jfileserver-sub003/metrics"
)

var (
	cfgFile string
	cfg     = defaultConfig()
)

func main() {
	root := newRootCmd()
	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "jfilecached",
		Short: "Run the cache-backed network file core's background load/save daemon",
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(cmd)
		},
	}

	flags := cmd.Flags()
	flags.StringVar(&cfgFile, "config", "", "optional TOML configuration file")
	flags.StringVar(&cfg.ThreadPoolSize, "thread-pool-size", cfg.ThreadPoolSize, "read:write worker counts, \"R:W\" or \"N\"")
	flags.StringVar(&cfg.TempDirectory, "temp-directory", cfg.TempDirectory, "root of the temp-file tree")
	flags.IntVar(&cfg.MaximumFilesPerDirectory, "maximum-files-per-directory", cfg.MaximumFilesPerDirectory, "files per temp sub-directory before rolling over (10..20000)")
	flags.IntVar(&cfg.RequestQueueMaxSize, "request-queue-max-size", cfg.RequestQueueMaxSize, "in-memory queue depth cap (max 5000)")
	flags.IntVar(&cfg.LowWaterMark, "low-water-mark", cfg.LowWaterMark, "in-memory queue refill trigger (>= 50)")
	flags.DurationVar(&cfg.DataLoadWaitTime, "data-load-wait-time", cfg.DataLoadWaitTime, "read-side total wait bound")
	flags.DurationVar(&cfg.DataPollSleepTime, "data-poll-sleep-time", cfg.DataPollSleepTime, "read-side per-iteration poll interval")
	flags.DurationVar(&cfg.OnlineCheckInterval, "online-check-interval", cfg.OnlineCheckInterval, "database online probe interval (1..30 min)")
	flags.BoolVar(&cfg.Debug, "debug", cfg.Debug, "enable debug-level logging")
	flags.BoolVar(&cfg.SQLDebug, "sql-debug", cfg.SQLDebug, "enable durable-queue trace logging")
	flags.BoolVar(&cfg.ThreadDebug, "thread-debug", cfg.ThreadDebug, "enable worker-pool trace logging")
	flags.StringVar(&cfg.QueueDBPath, "queue-db-path", cfg.QueueDBPath, "bbolt database backing the durable queue and object-id map")
	flags.StringVar(&cfg.ObjectRoot, "object-root", cfg.ObjectRoot, "directory root the dirloader FileLoader stores objects under")
	flags.StringVar(&cfg.MetricsAddr, "metrics-addr", cfg.MetricsAddr, "listen address for the Prometheus /metrics endpoint")

	return cmd
}

func run(cmd *cobra.Command) error {
	if err := loadConfigFile(&cfg, cfgFile); err != nil {
		return fmt.Errorf("load config file: %w", err)
	}

	level := logrus.InfoLevel
	if cfg.Debug || cfg.ThreadDebug || cfg.SQLDebug {
		level = logrus.DebugLevel
	}
	jflog.SetLevel(level)
	log := jflog.For("jfilecached", nil)

	readWorkers, writeWorkers, err := readWriteWorkers(cfg.ThreadPoolSize)
	if err != nil {
		return err
	}

	db, err := durablequeue.Open(cfg.QueueDBPath, 5*time.Second)
	if err != nil {
		return fmt.Errorf("open durable queue: %w", err)
	}
	defer db.Close()

	ldr, err := dirloader.New(cfg.ObjectRoot)
	if err != nil {
		return fmt.Errorf("open object root: %w", err)
	}

	cache := filestate.New(30 * time.Second)
	cache.OnExpired(func(st *filestate.State) bool {
		return true
	})

	collectors := metrics.New()
	if err := collectors.Register(prometheus.DefaultRegisterer); err != nil {
		return fmt.Errorf("register metrics: %w", err)
	}

	lsCfg := loadsave.DefaultConfig()
	lsCfg.ReadWorkers = readWorkers
	lsCfg.WriteWorkers = writeWorkers
	lsCfg.RequestQueueMaxSize = cfg.RequestQueueMaxSize
	lsCfg.LowQueueSize = cfg.LowWaterMark

	bls := loadsave.New(lsCfg, db, db, ldr, cache, collectors)

	ctx, cancel := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if err := bls.Start(ctx); err != nil {
		return fmt.Errorf("start background load/save: %w", err)
	}
	defer bls.Stop()

	if err := bls.RecoverOnStartup(cfg.TempDirectory, []string{"ldr_"}); err != nil {
		log.WithError(err).Warn("startup recovery scan failed")
	}

	go runOnlineCheck(ctx, db, cfg.OnlineCheckInterval, log)

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	srv := &http.Server{Addr: cfg.MetricsAddr, Handler: mux}
	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.WithError(err).Error("metrics server stopped")
		}
	}()

	log.WithFields(logrus.Fields{
		"read_workers":  readWorkers,
		"write_workers": writeWorkers,
		"metrics_addr":  cfg.MetricsAddr,
	}).Info("jfilecached running")

	<-ctx.Done()
	log.Info("shutting down")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	return srv.Shutdown(shutdownCtx)
}

// runOnlineCheck implements the OnlineCheckInterval option (spec 6):
// a periodic probe of the durable store's reachability, independent of
// any individual request's success/failure, so an operator sees a
// clear log line the moment the store goes away rather than inferring
// it from a pile of Requeue verdicts.
func runOnlineCheck(ctx context.Context, db *durablequeue.Bolt, interval time.Duration, log *logrus.Entry) {
	if interval <= 0 {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, _, err := db.LoadObjectID(0, 0); err != nil {
				log.WithError(err).Warn("durable store online check failed")
			}
		}
	}
}
