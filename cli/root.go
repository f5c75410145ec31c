// Package cli owns the root command: configuration loading, service
// wiring, startup recovery and graceful shutdown.
package cli

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"

	"github.com/prodogs/DocumentEvaluator-sub001/api"
	"github.com/prodogs/DocumentEvaluator-sub001/batch"
	"github.com/prodogs/DocumentEvaluator-sub001/common"
	"github.com/prodogs/DocumentEvaluator-sub001/config"
	"github.com/prodogs/DocumentEvaluator-sub001/db"
	"github.com/prodogs/DocumentEvaluator-sub001/encoder"
	"github.com/prodogs/DocumentEvaluator-sub001/llm"
	"github.com/prodogs/DocumentEvaluator-sub001/monitor"
	"github.com/prodogs/DocumentEvaluator-sub001/preprocessor"
	"github.com/prodogs/DocumentEvaluator-sub001/queue"
	"github.com/prodogs/DocumentEvaluator-sub001/recovery"
	"github.com/prodogs/DocumentEvaluator-sub001/statemanager"
	"github.com/prodogs/DocumentEvaluator-sub001/version"
)

var cfgFile string

// RootCmd starts the document evaluation service: both stores, the HTTP
// API and the queue processor.
var RootCmd = &cobra.Command{
	Use:     "docevaluator",
	Short:   "Document evaluation batch orchestration service",
	Version: version.Version,
	RunE: func(cmd *cobra.Command, args []string) error {
		return run()
	},
}

func init() {
	RootCmd.PersistentFlags().StringVar(&cfgFile, "config", "",
		"config file (default searches ./config.yaml, ./configs, ~/.docevaluator, /etc/docevaluator)")
}

func run() error {
	cfg, err := config.LoadConfig(cfgFile)
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}

	logCfg := common.DefaultLoggerConfig()
	logCfg.Level = common.LogLevel(cfg.Logging.Level)
	logCfg.Format = cfg.Logging.Format
	common.ConfigureLogger(logCfg)
	log := common.ServiceLogger("cli")
	log.WithField("environment", cfg.Service.Environment).Info("starting docevaluator")

	catalog, err := db.OpenCatalog(cfg.Catalog)
	if err != nil {
		return err
	}
	defer func() { _ = catalog.Close() }()

	work, err := db.OpenWork(cfg.Work)
	if err != nil {
		return err
	}
	defer func() { _ = work.Close() }()

	if err := catalog.SeedDocumentTypes(); err != nil {
		return err
	}

	enc := encoder.New(work)
	pre := preprocessor.New(catalog, enc, cfg.Preprocess.MaxFileSize)
	batches := batch.NewService(catalog, work, enc)
	client := llm.NewClient(cfg.LLM.AnalyzerURL, cfg.LLM.RequestTimeout)
	breaker := llm.NewBreaker(llm.BreakerConfig{
		Threshold: cfg.LLM.BreakerThreshold,
		Window:    cfg.LLM.BreakerWindow,
		Cooldown:  cfg.LLM.BreakerCooldown,
	})
	metrics := monitor.NewMetrics(prometheus.DefaultRegisterer)
	proc := queue.NewProcessor(cfg.Queue, catalog, work, batches, client, breaker, metrics)
	recov := recovery.New(catalog, work, cfg.Queue.TaskTimeout)
	mon := monitor.New(catalog, work, client, cfg.Queue.TaskTimeout)
	ops := statemanager.New(statemanager.DefaultMaxOperations)

	// Reconcile crash leftovers before any work is accepted.
	if _, err := recov.Run(); err != nil {
		return fmt.Errorf("startup recovery failed: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if cfg.Queue.AutoStart {
		if err := proc.Start(ctx); err != nil {
			return err
		}
	}

	e := api.NewEchoServer(cfg.Server)
	handlers := api.NewHandlers(ctx, catalog, work, batches, pre, proc, recov, mon, ops)
	handlers.RegisterRoutes(e)

	serverErr := make(chan error, 1)
	go func() {
		if err := api.StartServer(e, cfg.Server); err != nil && err != http.ErrServerClosed {
			serverErr <- err
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, os.Interrupt, syscall.SIGTERM)

	select {
	case err := <-serverErr:
		return fmt.Errorf("HTTP server failed: %w", err)
	case sig := <-quit:
		log.WithField("signal", sig.String()).Info("shutting down")
	}

	// Stop leasing first, then drain HTTP. Rows still PROCESSING are
	// settled by recovery or the reaper on next start.
	if proc.Running() {
		if err := proc.Stop(); err != nil {
			log.WithError(err).Warn("queue processor stop failed")
		}
	}
	if err := api.GracefulShutdown(e, cfg.Server.ShutdownTimeout); err != nil {
		log.WithError(err).Warn("HTTP shutdown incomplete")
	}

	log.Info("shutdown complete")
	return nil
}
