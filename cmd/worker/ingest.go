package worker

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/jmehdipour/treesync/internal/app"
	"github.com/jmehdipour/treesync/internal/kafka"
	"github.com/jmehdipour/treesync/internal/worker"
)

var ingestCmd = &cobra.Command{
	Use:   "ingest",
	Short: "Consume mutations from Kafka into the local queue",
	RunE:  runIngest,
}

func runIngest(cmd *cobra.Command, args []string) error {
	cfg, log, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	defer func() { _ = log.Sync() }()

	if len(cfg.Kafka.Brokers) == 0 || cfg.Kafka.MutationsTopic == "" {
		return fmt.Errorf("ingest needs kafka.brokers and kafka.mutations_topic")
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	a, err := app.Open(ctx, cfg, log)
	if err != nil {
		return err
	}
	defer a.Close()

	consumer := kafka.NewConsumerFromConfig(kafka.ConsumerConfig(cfg.Kafka))
	defer consumer.Close()

	log.Info("ingest started",
		zap.String("topic", consumer.Topic()),
		zap.String("group", cfg.Kafka.GroupID),
	)
	return worker.NewIngest(consumer, a.Queue, log.Named("ingest")).Run(ctx)
}
