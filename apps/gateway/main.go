package main

import (
	"context"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"github.com/segmentio/kafka-go"
	"golang.org/x/sync/errgroup"

	"github.com/mahaj/workspace-chat/pkg/auth"
	"github.com/mahaj/workspace-chat/pkg/config"
	"github.com/mahaj/workspace-chat/pkg/logging"
	"github.com/mahaj/workspace-chat/pkg/presence"
	"github.com/mahaj/workspace-chat/pkg/snowflake"
	"github.com/mahaj/workspace-chat/pkg/stream"
)

func main() {
	cfg, err := config.LoadServer()
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load config")
	}
	logger, err := logging.New(cfg.Config, "gateway")
	if err != nil {
		log.Fatal().Err(err).Msg("failed to build logger")
	}

	ids, err := snowflake.NewNode(cfg.NodeID)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to initialize snowflake node")
	}

	writer := stream.NewWriter(cfg.Brokers(), cfg.KafkaTopic)
	defer writer.Close()
	// Unique group for fanout (broadcast to all gateways)
	reader := stream.NewReader(cfg.Brokers(), cfg.KafkaTopic, "gateway-group-"+uuid.NewString(), kafka.LastOffset)
	defer reader.Close()
	rdb := presence.NewRedis(cfg.RedisAddr)
	defer rdb.Close()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	hub := NewHub(writer, rdb, ids, logger)
	signer := auth.NewSigner(cfg.JWTSecret, cfg.JWTTTL)

	mux := http.NewServeMux()
	mux.HandleFunc("/ws", wsHandler(ctx, hub, signer))
	srv := &http.Server{Addr: cfg.GatewayAddr, Handler: mux, ReadHeaderTimeout: 10 * time.Second}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		hub.Run(gctx)
		return nil
	})
	g.Go(func() error {
		hub.Fanout(gctx, reader)
		return nil
	})
	g.Go(func() error {
		logger.Info().Str("addr", cfg.GatewayAddr).Msg("gateway service starting")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})

	if err := g.Wait(); err != nil {
		logger.Error().Err(err).Msg("gateway stopped")
	}
}
