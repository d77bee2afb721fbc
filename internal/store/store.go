// Package store opens the breakpoint backend named in the configuration.
package store

import (
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/redis/go-redis/v9"

	"github.com/Slade66/resumable-fetcher/internal/breakpoint"
	"github.com/Slade66/resumable-fetcher/internal/config"
	"github.com/Slade66/resumable-fetcher/internal/store/blobstore"
	"github.com/Slade66/resumable-fetcher/internal/store/redisstore"
	"github.com/Slade66/resumable-fetcher/internal/store/sqlitestore"
)

// ErrRedisRequired is returned when the redis backend is chosen without a
// client.
var ErrRedisRequired = errors.New("store: redis backend needs a redis client")

type nopCloser struct{}

func (nopCloser) Close() error { return nil }

// Open returns the configured store and a closer for it. rdb is only used by
// the redis backend and may be nil otherwise.
func Open(ctx context.Context, cfg config.StoreConfig, rdb redis.UniversalClient) (breakpoint.Store, io.Closer, error) {
	switch cfg.Backend {
	case "memory":
		return breakpoint.NewMemoryStore(), nopCloser{}, nil
	case "sqlite":
		s, err := sqlitestore.Open(cfg.SQLitePath)
		if err != nil {
			return nil, nil, err
		}
		return s, s, nil
	case "redis":
		if rdb == nil {
			return nil, nil, ErrRedisRequired
		}
		return redisstore.New(rdb, cfg.KeyPrefix), nopCloser{}, nil
	case "blob":
		s, err := blobstore.Open(ctx, cfg.BlobURL, "")
		if err != nil {
			return nil, nil, err
		}
		return s, s, nil
	default:
		return nil, nil, fmt.Errorf("store: unknown backend %q", cfg.Backend)
	}
}
