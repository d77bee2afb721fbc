package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/redis/go-redis/v9"
	"github.com/spf13/afero"

	"github.com/Slade66/resumable-fetcher/internal/breakpoint"
	"github.com/Slade66/resumable-fetcher/internal/client"
	"github.com/Slade66/resumable-fetcher/internal/config"
	"github.com/Slade66/resumable-fetcher/internal/downloader"
	"github.com/Slade66/resumable-fetcher/internal/logger"
	"github.com/Slade66/resumable-fetcher/internal/queue"
	"github.com/Slade66/resumable-fetcher/internal/status"
	"github.com/Slade66/resumable-fetcher/internal/store"
	"github.com/Slade66/resumable-fetcher/internal/uploader"
	"github.com/Slade66/resumable-fetcher/internal/worker"
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
		log.Fatal().Err(err).Str("addr", cfg.Redis.Addr).Msg("Worker cannot connect to Redis")
	}
	log.Info().Str("addr", cfg.Redis.Addr).Msg("Connected to Redis")

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	bpStore, closer, err := store.Open(ctx, cfg.Store, rdb)
	if err != nil {
		log.Fatal().Err(err).Str("backend", cfg.Store.Backend).Msg("Failed to open breakpoint store")
	}
	defer closer.Close()

	q := queue.New(rdb, cfg.Worker.Stream, cfg.Worker.Group)
	created, err := q.EnsureGroup(ctx)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to create consumer group")
	}
	log.Info().Bool("created", created).Str("stream", cfg.Worker.Stream).Str("group", cfg.Worker.Group).Msg("Consumer group ready")

	opts := worker.Options{
		Consumer:  consumerName(),
		MaxBlocks: cfg.Worker.MaxBlocks,
	}
	if cfg.OBS.Enabled() {
		up, err := uploader.NewObsUploader(cfg.OBS.Endpoint, cfg.OBS.AK, cfg.OBS.SK, cfg.OBS.Bucket, log.Logger)
		if err != nil {
			log.Fatal().Err(err).Msg("Failed to create OBS uploader")
		}
		defer up.Close()
		opts.Uploader = up
	} else {
		log.Info().Msg("OBS is not configured, completed files stay local")
	}

	engine := downloader.New(
		client.New(cfg.Download.ClientOptions()),
		bpStore,
		afero.NewOsFs(),
		cfg.Download.EngineOptions(),
		log.Logger,
	)
	statuses := status.NewManager(rdb, log.Logger)
	w := worker.New(q, engine, statuses, opts, log.Logger)

	go func() {
		if err := w.ListenCancel(ctx, statuses); err != nil {
			log.Error().Err(err).Msg("Cancel listener stopped")
		}
	}()

	if p, ok := bpStore.(breakpoint.Purger); ok && cfg.Worker.PurgeInterval > 0 {
		s, err := worker.StartPurgeJob(p, cfg.Worker.PurgeInterval, cfg.Worker.PurgeAge, log.Logger)
		if err != nil {
			log.Fatal().Err(err).Msg("Failed to start purge job")
		}
		defer func() {
			if err := s.Shutdown(); err != nil {
				log.Error().Err(err).Msg("Purge scheduler shutdown failed")
			}
		}()
	}

	if err := w.Run(ctx); err != nil {
		log.Error().Err(err).Msg("Worker stopped")
		return
	}
	log.Info().Msg("Worker stopped")
}

func consumerName() string {
	name, err := os.Hostname()
	if err != nil || name == "" {
		return fmt.Sprintf("worker-%d", time.Now().Unix())
	}
	return name
}
