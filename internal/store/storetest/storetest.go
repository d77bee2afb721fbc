// Package storetest checks that a breakpoint.Store backend honours the
// store contract.
package storetest

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Slade66/resumable-fetcher/internal/breakpoint"
)

func record(blocks ...breakpoint.Block) *breakpoint.Info {
	return &breakpoint.Info{
		TaskID:        uuid.New(),
		URL:           "https://example.com/file.bin",
		Path:          "/downloads/file.bin",
		ETag:          "abc",
		LastModified:  "Wed, 21 Oct 2015 07:28:00 GMT",
		TotalLength:   10000,
		SupportsRange: true,
		Blocks:        blocks,
		UpdatedAt:     time.Now().UTC().Truncate(time.Millisecond),
	}
}

// Run exercises s. Backends that implement breakpoint.Purger get the purge
// checks as well.
func Run(t *testing.T, s breakpoint.Store) {
	ctx := context.Background()

	t.Run("NotFound", func(t *testing.T) {
		_, err := s.Load(ctx, uuid.New())
		assert.ErrorIs(t, err, breakpoint.ErrNotFound)
	})

	t.Run("RoundTrip", func(t *testing.T) {
		info := record(
			breakpoint.Block{RangeLeft: 0, RangeRight: 4999, CurrentOffset: 1200},
			breakpoint.Block{RangeLeft: 5000, RangeRight: 9999, CurrentOffset: 10000},
		)
		require.NoError(t, s.Save(ctx, info))

		got, err := s.Load(ctx, info.TaskID)
		require.NoError(t, err)
		assert.Equal(t, info.TaskID, got.TaskID)
		assert.Equal(t, info.URL, got.URL)
		assert.Equal(t, info.Path, got.Path)
		assert.Equal(t, info.ETag, got.ETag)
		assert.False(t, got.WeakETag)
		assert.Equal(t, info.LastModified, got.LastModified)
		assert.Equal(t, info.TotalLength, got.TotalLength)
		assert.True(t, got.SupportsRange)
		assert.Equal(t, info.Blocks, got.Blocks)
		assert.WithinDuration(t, info.UpdatedAt, got.UpdatedAt, time.Millisecond)
		assert.NoError(t, got.Check())
	})

	t.Run("SaveReplaces", func(t *testing.T) {
		info := record(
			breakpoint.Block{RangeLeft: 0, RangeRight: 4999, CurrentOffset: 0},
			breakpoint.Block{RangeLeft: 5000, RangeRight: 9999, CurrentOffset: 5000},
		)
		require.NoError(t, s.Save(ctx, info))

		info.Blocks = []breakpoint.Block{{RangeLeft: 0, RangeRight: 9999, CurrentOffset: 300}}
		info.ETag = "def"
		info.WeakETag = true
		require.NoError(t, s.Save(ctx, info))

		got, err := s.Load(ctx, info.TaskID)
		require.NoError(t, err)
		assert.Equal(t, "def", got.ETag)
		assert.True(t, got.WeakETag)
		assert.Equal(t, info.Blocks, got.Blocks)
	})

	t.Run("OpenEndedBlock", func(t *testing.T) {
		info := record(breakpoint.Block{RangeLeft: 0, RangeRight: -1, CurrentOffset: 77})
		info.TotalLength = -1
		info.SupportsRange = false
		require.NoError(t, s.Save(ctx, info))

		got, err := s.Load(ctx, info.TaskID)
		require.NoError(t, err)
		assert.True(t, got.Chunked())
		assert.Equal(t, info.Blocks, got.Blocks)
	})

	t.Run("Remove", func(t *testing.T) {
		info := record(breakpoint.Block{RangeLeft: 0, RangeRight: 9999, CurrentOffset: 0})
		require.NoError(t, s.Save(ctx, info))
		require.NoError(t, s.Remove(ctx, info.TaskID))

		_, err := s.Load(ctx, info.TaskID)
		assert.ErrorIs(t, err, breakpoint.ErrNotFound)
		assert.NoError(t, s.Remove(ctx, info.TaskID), "removing twice is fine")
	})

	p, ok := s.(breakpoint.Purger)
	if !ok {
		return
	}
	t.Run("PurgeBefore", func(t *testing.T) {
		old := record(breakpoint.Block{RangeLeft: 0, RangeRight: 9999, CurrentOffset: 0})
		old.UpdatedAt = time.Now().Add(-100 * 24 * time.Hour)
		fresh := record(breakpoint.Block{RangeLeft: 0, RangeRight: 9999, CurrentOffset: 0})
		require.NoError(t, s.Save(ctx, old))
		require.NoError(t, s.Save(ctx, fresh))

		n, err := p.PurgeBefore(ctx, time.Now().Add(-50*24*time.Hour))
		require.NoError(t, err)
		assert.GreaterOrEqual(t, n, 1)

		_, err = s.Load(ctx, old.TaskID)
		assert.ErrorIs(t, err, breakpoint.ErrNotFound)
		_, err = s.Load(ctx, fresh.TaskID)
		assert.NoError(t, err)
	})
}
