// main.go
package main

import (
	"context"
	"flag"
	"fmt"
	"net/url"
	"os"
	"os/signal"
	"path"
	"path/filepath"
	"syscall"

	"github.com/joho/godotenv"
	"github.com/spf13/afero"

	"github.com/Slade66/resumable-fetcher/internal/cause"
	"github.com/Slade66/resumable-fetcher/internal/client"
	"github.com/Slade66/resumable-fetcher/internal/config"
	"github.com/Slade66/resumable-fetcher/internal/downloader"
	"github.com/Slade66/resumable-fetcher/internal/logger"
	"github.com/Slade66/resumable-fetcher/internal/observer"
	"github.com/Slade66/resumable-fetcher/internal/store"
	"github.com/Slade66/resumable-fetcher/pkg/task"
)

func main() {
	os.Exit(run())
}

func run() int {
	// 1. Flags
	urlStr := flag.String("url", "", "URL of the file to download (required)")
	output := flag.String("output", "", "destination path (derived from the URL when empty)")
	blocks := flag.Int("blocks", 0, "number of concurrent connections (0 = configured default)")
	retries := flag.Int("retries", -1, "retries per block (-1 = configured default)")
	backend := flag.String("store", "", "breakpoint store: memory, sqlite, redis or blob")
	configPath := flag.String("config", "", "config file")
	flag.Parse()

	if *urlStr == "" {
		fmt.Fprintln(os.Stderr, "error: -url is required")
		flag.Usage()
		return 2
	}

	// 2. Configuration
	_ = godotenv.Load()
	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		return 1
	}
	if *blocks > 0 {
		cfg.Download.Blocks = *blocks
	}
	if *retries >= 0 {
		cfg.Download.MaxRetries = *retries
	}
	if *backend != "" {
		cfg.Store.Backend = *backend
	}
	if cfg.Store.Backend == "redis" {
		fmt.Fprintln(os.Stderr, "error: the redis store is only available to the worker")
		return 2
	}

	log := logger.New(cfg.Logging.LoggerConfig(), os.Stderr)
	defer log.Close()

	if *output == "" {
		name, err := fileNameFromURL(*urlStr)
		if err != nil {
			log.Error().Err(err).Msg("Use -output to choose a destination")
			return 2
		}
		*output = filepath.Join(cfg.Download.OutputDir, name)
	}

	// 3. Engine
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	bp, closer, err := store.Open(ctx, cfg.Store, nil)
	if err != nil {
		log.Error().Err(err).Msg("Failed to open breakpoint store")
		return 1
	}
	defer closer.Close()

	engine := downloader.New(
		client.New(cfg.Download.ClientOptions()),
		bp,
		afero.NewOsFs(),
		cfg.Download.EngineOptions(),
		log.Logger,
	)

	// 4. Download
	t := task.ForDestination(*urlStr, *output)
	bar := observer.NewProgressBar(os.Stdout)
	c, err := engine.Run(ctx, t, bar.Listener(nil))

	switch c {
	case cause.Completed:
		fmt.Printf("Saved %s\n", t.OutputPath)
		return 0
	case cause.Canceled:
		fmt.Println("Interrupted; run the same command again to resume.")
		return 130
	default:
		log.Error().Err(err).Stringer("cause", c).Msg("Download failed")
		return 1
	}
}

func fileNameFromURL(rawURL string) (string, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return "", fmt.Errorf("parse url: %w", err)
	}
	name := path.Base(u.Path)
	if name == "" || name == "." || name == "/" {
		return "", fmt.Errorf("no file name in %s", rawURL)
	}
	return name, nil
}
