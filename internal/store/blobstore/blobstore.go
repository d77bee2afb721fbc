// Package blobstore keeps breakpoints as JSON objects in a gocloud bucket,
// so local directories (file://) and object storage share one backend.
package blobstore

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/google/uuid"
	"gocloud.dev/blob"
	_ "gocloud.dev/blob/fileblob"
	_ "gocloud.dev/blob/memblob"
	"gocloud.dev/gcerrors"

	"github.com/Slade66/resumable-fetcher/internal/breakpoint"
)

// DefaultPrefix is the key prefix of every record object.
const DefaultPrefix = "breakpoints/"

// Store is a breakpoint.Store on a blob bucket.
type Store struct {
	bucket *blob.Bucket
	prefix string
	owned  bool
}

var (
	_ breakpoint.Store  = (*Store)(nil)
	_ breakpoint.Purger = (*Store)(nil)
)

// Open opens the bucket at url, e.g. "file:///var/lib/fetcher" or "mem://".
func Open(ctx context.Context, url, prefix string) (*Store, error) {
	bucket, err := blob.OpenBucket(ctx, url)
	if err != nil {
		return nil, fmt.Errorf("open bucket %s: %w", url, err)
	}
	s := New(bucket, prefix)
	s.owned = true
	return s, nil
}

// New uses an already opened bucket. Close leaves it open.
func New(bucket *blob.Bucket, prefix string) *Store {
	if prefix == "" {
		prefix = DefaultPrefix
	}
	return &Store{bucket: bucket, prefix: prefix}
}

// Close closes the bucket if Open created it.
func (s *Store) Close() error {
	if s.owned {
		return s.bucket.Close()
	}
	return nil
}

func (s *Store) key(id uuid.UUID) string {
	return s.prefix + id.String() + ".json"
}

func isNotExist(err error) bool {
	return gcerrors.Code(err) == gcerrors.NotFound
}

func (s *Store) Load(ctx context.Context, id uuid.UUID) (*breakpoint.Info, error) {
	data, err := s.bucket.ReadAll(ctx, s.key(id))
	if isNotExist(err) {
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

// Save writes the record in one object upload, which replaces the previous
// version as a whole.
func (s *Store) Save(ctx context.Context, info *breakpoint.Info) error {
	data, err := breakpoint.Marshal(info)
	if err != nil {
		return err
	}
	opts := &blob.WriterOptions{ContentType: "application/json"}
	if err := s.bucket.WriteAll(ctx, s.key(info.TaskID), data, opts); err != nil {
		return fmt.Errorf("save breakpoint %s: %w", info.TaskID, err)
	}
	return nil
}

func (s *Store) Remove(ctx context.Context, id uuid.UUID) error {
	err := s.bucket.Delete(ctx, s.key(id))
	if err != nil && !isNotExist(err) {
		return fmt.Errorf("remove breakpoint %s: %w", id, err)
	}
	return nil
}

// PurgeBefore reads every record and drops those last saved before t.
// Objects that do not decode are dropped too.
func (s *Store) PurgeBefore(ctx context.Context, t time.Time) (int, error) {
	iter := s.bucket.List(&blob.ListOptions{Prefix: s.prefix})
	n := 0
	for {
		obj, err := iter.Next(ctx)
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return n, fmt.Errorf("list breakpoints: %w", err)
		}
		if obj.IsDir || !strings.HasSuffix(obj.Key, ".json") {
			continue
		}

		data, err := s.bucket.ReadAll(ctx, obj.Key)
		if isNotExist(err) {
			continue
		}
		if err != nil {
			return n, fmt.Errorf("read %s: %w", obj.Key, err)
		}
		if info, err := breakpoint.Unmarshal(data); err == nil && !info.UpdatedAt.Before(t) {
			continue
		}
		if err := s.bucket.Delete(ctx, obj.Key); err != nil && !isNotExist(err) {
			return n, fmt.Errorf("delete %s: %w", obj.Key, err)
		}
		n++
	}
	return n, nil
}
