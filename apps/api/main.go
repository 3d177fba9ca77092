package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/mahaj/workspace-chat/pkg/auth"
	"github.com/mahaj/workspace-chat/pkg/config"
	"github.com/mahaj/workspace-chat/pkg/db"
	"github.com/mahaj/workspace-chat/pkg/logging"
	"github.com/mahaj/workspace-chat/pkg/presence"
)

func main() {
	cfg, err := config.LoadServer()
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load config")
	}
	logger, err := logging.New(cfg.Config, "api")
	if err != nil {
		log.Fatal().Err(err).Msg("failed to build logger")
	}

	session, err := db.NewSession(cfg.Hosts(), cfg.ScyllaKeyspace, logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to connect to ScyllaDB")
	}
	defer session.Close()

	rdb := presence.NewRedis(cfg.RedisAddr)
	defer rdb.Close()

	srv := NewServer(
		db.NewUsers(session),
		db.NewMessages(session),
		rdb,
		auth.NewSigner(cfg.JWTSecret, cfg.JWTTTL),
		cfg.BcryptCost,
		logger,
	)
	httpServer := &http.Server{
		Addr:              cfg.APIAddr,
		Handler:           srv.Routes(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		logger.Info().Str("addr", cfg.APIAddr).Msg("API service starting")
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal().Err(err).Msg("api server failed")
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)
	<-stop

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(ctx); err != nil {
		logger.Error().Err(err).Msg("shutdown")
	}
}
