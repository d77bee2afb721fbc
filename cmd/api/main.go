package main

import (
	"context"
	"errors"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/joho/godotenv"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/Slade66/resumable-fetcher/internal/api"
	"github.com/Slade66/resumable-fetcher/internal/config"
	"github.com/Slade66/resumable-fetcher/internal/logger"
	"github.com/Slade66/resumable-fetcher/internal/queue"
	"github.com/Slade66/resumable-fetcher/internal/status"
)

func main() {
	configPath := flag.String("config", "", "config file")
	flag.Parse()

	_ = godotenv.Load()
	cfg, err := config.Load(*configPath)
	if err != nil {
		panic(err)
	}

	log := logger.New(cfg.Logging.LoggerConfig(), os.Stdout)
	defer log.Close()
	if logger.ParseLevel(cfg.Logging.Level) > zerolog.DebugLevel {
		gin.SetMode(gin.ReleaseMode)
	}

	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	defer rdb.Close()

	pingCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	err = rdb.Ping(pingCtx).Err()
	cancel()
	if err != nil {
		log.Fatal().Err(err).Str("addr", cfg.Redis.Addr).Msg("API cannot connect to Redis")
	}
	log.Info().Str("addr", cfg.Redis.Addr).Msg("Connected to Redis")

	srv := api.NewServer(
		queue.New(rdb, cfg.Worker.Stream, cfg.Worker.Group),
		status.NewManager(rdb, log.Logger),
		api.Config{
			OutputDir:     cfg.Download.OutputDir,
			DefaultBlocks: cfg.Download.Blocks,
			MaxBlocks:     cfg.Worker.MaxBlocks,
		},
		log.Logger,
	)

	httpServer := &http.Server{
		Addr:              cfg.Server.Address(),
		Handler:           srv.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	go func() {
		log.Info().Str("addr", httpServer.Addr).Msg("API server listening")
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatal().Err(err).Msg("API server failed")
		}
	}()

	<-ctx.Done()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("API server shutdown failed")
	}
	log.Info().Msg("API server stopped")
}
