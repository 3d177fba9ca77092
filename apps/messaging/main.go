package main

import (
	"context"
	"os/signal"
	"syscall"

	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
	"github.com/segmentio/kafka-go"

	"github.com/mahaj/workspace-chat/pkg/config"
	"github.com/mahaj/workspace-chat/pkg/db"
	"github.com/mahaj/workspace-chat/pkg/logging"
	"github.com/mahaj/workspace-chat/pkg/stream"
)

func main() {
	cfg, err := config.LoadServer()
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load config")
	}
	logger, err := logging.New(cfg.Config, "messaging")
	if err != nil {
		log.Fatal().Err(err).Msg("failed to build logger")
	}

	// Schema creation belongs to a migration step in production; the
	// service still bootstraps an empty cluster on its own.
	if err := db.EnsureKeyspace(cfg.Hosts(), cfg.ScyllaKeyspace, logger); err != nil {
		logger.Fatal().Err(err).Msg("failed to create keyspace")
	}
	session, err := db.NewSession(cfg.Hosts(), cfg.ScyllaKeyspace, logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to connect to ScyllaDB")
	}
	defer session.Close()
	if err := session.CreateTables(); err != nil {
		logger.Fatal().Err(err).Msg("failed to create tables")
	}

	reader := stream.NewReader(cfg.Brokers(), cfg.KafkaTopic, cfg.KafkaGroupID, kafka.FirstOffset)
	defer reader.Close()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	logger.Info().Str("topic", cfg.KafkaTopic).Str("group", cfg.KafkaGroupID).Msg("starting kafka consumer")
	err = NewConsumer(reader, db.NewMessages(session), logger).Consume(ctx)
	if err != nil && !errors.Is(err, context.Canceled) {
		logger.Error().Err(err).Msg("consumer stopped")
	}
}
