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

func newStandaloneCommand(opts *globalOptions) *cobra.Command {
	var (
		port      string
		instances int
	)

	cmd := &cobra.Command{
		Use:   "standalone",
		Short: "Run producer and consumers in one process on an in-memory broker",
		Long: "Local demo mode: the producer API and a consumer pool share an in-process " +
			"broker, so no RabbitMQ is needed. Nothing survives a restart.",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := opts.load()
			if err != nil {
				return err
			}
			cfg.BrokerMode = config.BrokerMemory
			if port != "" {
				cfg.HTTPPort = port
			}
			if cmd.Flags().Changed("instances") {
				cfg.ConsumerInstances = instances
			}
			if err := cfg.Validate(); err != nil {
				return err
			}
			return runStandalone(cfg)
		},
	}
	cmd.Flags().StringVar(&port, "port", "", "HTTP port (overrides PORT)")
	cmd.Flags().IntVar(&instances, "instances", 1, "consumers (overrides CONSUMER_INSTANCES)")
	return cmd
}

func runStandalone(cfg *config.Config) error {
	logger, err := newLogger(cfg)
	if err != nil {
		return err
	}
	defer logger.Sync() //nolint:errcheck

	ctx := context.Background()
	ledger, err := openLedger(ctx, cfg, logger)
	if err != nil {
		logger.Error("failed to open ledger", zap.Error(err))
		return err
	}
	defer ledger.Close()

	reg := prometheus.NewRegistry()
	m := metrics.New(reg)
	mem := queue.New()

	producerCtx, cancelProducer := context.WithCancel(ctx)
	defer cancelProducer()
	workerCtx, cancelWorkers := context.WithCancel(ctx)
	defer cancelWorkers()

	side := startProducer(producerCtx, cfg, newDialer(cfg, mem, "workqueue-producer"), ledger, m, reg, logger)
	pool := startConsumer(workerCtx, cfg, newDialer(cfg, mem, "workqueue-consumer"), ledger, m, logger)

	waitForSignal(logger)

	// 1. Stop accepting new HTTP requests.
	shutdownServer(side.srv, cfg, logger)

	// 2. Let consumers finish their current item.
	cancelWorkers()
	pool.Wait()

	// 3. Close the producer's broker connection.
	cancelProducer()
	<-side.done

	logger.Info("standalone stopped cleanly")
	return nil
}
