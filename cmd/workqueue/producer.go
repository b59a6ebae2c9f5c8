package main

import (
	"context"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/notifyhub/workqueue/internal/config"
	"github.com/notifyhub/workqueue/internal/metrics"
	"github.com/notifyhub/workqueue/internal/queue"
)

func newProducerCommand(opts *globalOptions) *cobra.Command {
	var port string

	cmd := &cobra.Command{
		Use:   "producer",
		Short: "Run the HTTP producer API",
		Long: "Serves POST /publish and POST /burst, publishing persistent work items to " +
			"the queue. Publishes fail fast with 503 while the broker is unreachable.",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := opts.load()
			if err != nil {
				return err
			}
			if port != "" {
				cfg.HTTPPort = port
			}
			return runProducer(cfg)
		},
	}
	cmd.Flags().StringVar(&port, "port", "", "HTTP port (overrides PORT)")
	return cmd
}

func runProducer(cfg *config.Config) error {
	logger, err := newLogger(cfg)
	if err != nil {
		return err
	}
	defer logger.Sync() //nolint:errcheck

	if cfg.BrokerMode == config.BrokerMemory {
		logger.Warn("in-memory broker: items stay inside this process; use standalone to consume them")
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

	// Context for all background goroutines; cancelled on shutdown signal.
	bgCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	side := startProducer(bgCtx, cfg, newDialer(cfg, queue.New(), "workqueue-producer"), ledger, m, reg, logger)

	waitForSignal(logger)

	// 1. Stop accepting new HTTP requests.
	shutdownServer(side.srv, cfg, logger)

	// 2. Close the broker connection.
	cancel()
	<-side.done

	logger.Info("producer stopped cleanly")
	return nil
}
