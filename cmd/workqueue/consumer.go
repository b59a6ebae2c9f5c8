package main

import (
	"context"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/notifyhub/workqueue/internal/api"
	"github.com/notifyhub/workqueue/internal/config"
	"github.com/notifyhub/workqueue/internal/metrics"
	"github.com/notifyhub/workqueue/internal/monitor"
	"github.com/notifyhub/workqueue/internal/queue"
)

func newConsumerCommand(opts *globalOptions) *cobra.Command {
	var (
		instances   int
		prefetch    int
		metricsAddr string
	)

	cmd := &cobra.Command{
		Use:   "consumer",
		Short: "Run queue consumers",
		Long: "Consumes work items one at a time per instance, acknowledging each after " +
			"processing. Unacknowledged items are redelivered by the broker after a disconnect.",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := opts.load()
			if err != nil {
				return err
			}
			if cmd.Flags().Changed("instances") {
				cfg.ConsumerInstances = instances
			}
			if cmd.Flags().Changed("prefetch") {
				cfg.Prefetch = prefetch
			}
			if metricsAddr != "" {
				cfg.MetricsAddr = metricsAddr
			}
			if err := cfg.Validate(); err != nil {
				return err
			}
			return runConsumer(cfg)
		},
	}
	cmd.Flags().IntVar(&instances, "instances", 1, "consumers in this process (overrides CONSUMER_INSTANCES)")
	cmd.Flags().IntVar(&prefetch, "prefetch", 1, "unacknowledged deliveries per consumer (overrides PREFETCH)")
	cmd.Flags().StringVar(&metricsAddr, "metrics-addr", "", "serve /metrics and /health here (overrides METRICS_ADDR)")
	return cmd
}

func runConsumer(cfg *config.Config) error {
	logger, err := newLogger(cfg)
	if err != nil {
		return err
	}
	defer logger.Sync() //nolint:errcheck

	if cfg.BrokerMode == config.BrokerMemory {
		logger.Warn("in-memory broker: nothing outside this process can publish to it; use standalone instead")
	}

	ctx := context.Background()
	ledger, err := openLedger(ctx, cfg, logger)
	if err != nil {
		logger.Error("failed to open ledger", zap.Error(err))
		return err
	}
	defer ledger.Close()

	reg := prometheus.NewRegistry()
	m := metrics.New(reg)

	workerCtx, cancelWorkers := context.WithCancel(ctx)
	defer cancelWorkers()

	pool := startConsumer(workerCtx, cfg, newDialer(cfg, queue.New(), "workqueue-consumer"), ledger, m, logger)

	var srv *http.Server
	if cfg.MetricsAddr != "" {
		mon := monitor.NewDepthMonitor(pool.Workers()[0].Client(), cfg.QueueName, cfg.QueuePollInterval, m.ObserveQueue, logger)
		go mon.Run(workerCtx)

		srv = &http.Server{
			Addr:         cfg.MetricsAddr,
			Handler:      api.NewOpsRouter(pool, reg, logger),
			ReadTimeout:  cfg.ReadTimeout,
			WriteTimeout: cfg.WriteTimeout,
		}
		listen(srv, "metrics server", logger)
	}

	waitForSignal(logger)

	// 1. Stop taking new deliveries; in-flight items finish and are acked.
	cancelWorkers()
	pool.Wait()

	// 2. Stop the metrics endpoint last so the final state can be scraped.
	shutdownServer(srv, cfg, logger)

	logger.Info("consumer stopped cleanly")
	return nil
}
