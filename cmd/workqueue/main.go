package main

import (
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/notifyhub/workqueue/internal/config"
)

func main() {
	if err := newRootCommand().Execute(); err != nil {
		os.Exit(1)
	}
}

// globalOptions are the flags shared by every subcommand. Non-empty values
// override the environment.
type globalOptions struct {
	brokerURL  string
	brokerMode string
}

func newRootCommand() *cobra.Command {
	opts := &globalOptions{}

	root := &cobra.Command{
		Use:   "workqueue",
		Short: "Durable work-queue producer and consumer",
		Long: "workqueue runs either side of a RabbitMQ work queue: an HTTP producer " +
			"that publishes persistent work items, or a consumer that processes them " +
			"one at a time and acknowledges each when done. Both reconnect forever.",
		SilenceUsage: true,
	}
	root.PersistentFlags().StringVar(&opts.brokerURL, "broker-url", "", "AMQP URL (overrides RABBITMQ_URL)")
	root.PersistentFlags().StringVar(&opts.brokerMode, "broker-mode", "", "amqp or memory (overrides BROKER_MODE)")

	root.AddCommand(
		newProducerCommand(opts),
		newConsumerCommand(opts),
		newStandaloneCommand(opts),
	)
	return root
}

// load reads the environment, then applies flag overrides.
func (o *globalOptions) load() (*config.Config, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, err
	}
	if o.brokerURL != "" {
		cfg.BrokerURL = o.brokerURL
	}
	if o.brokerMode != "" {
		cfg.BrokerMode = strings.ToLower(o.brokerMode)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}
