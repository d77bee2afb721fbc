// Package redisstore keeps breakpoints in Redis as JSON strings, with a
// sorted set of save times used for purging.
package redisstore

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/Slade66/resumable-fetcher/internal/breakpoint"
)

// DefaultPrefix is prepended to every key the store writes.
const DefaultPrefix = "breakpoint:"

// Store is a breakpoint.Store backed by Redis.
type Store struct {
	rdb    redis.UniversalClient
	prefix string
}

var (
	_ breakpoint.Store  = (*Store)(nil)
	_ breakpoint.Purger = (*Store)(nil)
)

// New wraps rdb. An empty prefix means DefaultPrefix.
func New(rdb redis.UniversalClient, prefix string) *Store {
	if prefix == "" {
		prefix = DefaultPrefix
	}
	return &Store{rdb: rdb, prefix: prefix}
}

func (s *Store) key(id uuid.UUID) string {
	return s.prefix + id.String()
}

// indexKey holds every task id scored by its last save time.
func (s *Store) indexKey() string {
	return s.prefix + "index"
}

func (s *Store) Load(ctx context.Context, id uuid.UUID) (*breakpoint.Info, error) {
	data, err := s.rdb.Get(ctx, s.key(id)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, breakpoint.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("load breakpoint %s: %w", id, err)
	}
	info, err := breakpoint.Unmarshal(data)
	if err != nil {
		return nil, fmt.Errorf("decode breakpoint %s: %w", id, err)
	}
	return info, nil
}

func (s *Store) Save(ctx context.Context, info *breakpoint.Info) error {
	snap := info.Snapshot()
	data, err := breakpoint.Marshal(snap)
	if err != nil {
		return err
	}
	_, err = s.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Set(ctx, s.key(snap.TaskID), data, 0)
		pipe.ZAdd(ctx, s.indexKey(), redis.Z{
			Score:  float64(snap.UpdatedAt.Unix()),
			Member: snap.TaskID.String(),
		})
		return nil
	})
	if err != nil {
		return fmt.Errorf("save breakpoint %s: %w", snap.TaskID, err)
	}
	return nil
}

func (s *Store) Remove(ctx context.Context, id uuid.UUID) error {
	_, err := s.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Del(ctx, s.key(id))
		pipe.ZRem(ctx, s.indexKey(), id.String())
		return nil
	})
	if err != nil {
		return fmt.Errorf("remove breakpoint %s: %w", id, err)
	}
	return nil
}

// PurgeBefore drops every record last saved before t.
func (s *Store) PurgeBefore(ctx context.Context, t time.Time) (int, error) {
	ids, err := s.rdb.ZRangeByScore(ctx, s.indexKey(), &redis.ZRangeBy{
		Min: "-inf",
		Max: "(" + strconv.FormatInt(t.Unix(), 10),
	}).Result()
	if err != nil {
		return 0, fmt.Errorf("purge breakpoints: %w", err)
	}

	n := 0
	for _, raw := range ids {
		id, err := uuid.Parse(raw)
		if err != nil {
			s.rdb.ZRem(ctx, s.indexKey(), raw)
			continue
		}
		if err := s.Remove(ctx, id); err != nil {
			return n, err
		}
		n++
	}
	return n, nil
}
