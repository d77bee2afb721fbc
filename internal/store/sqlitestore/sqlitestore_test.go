package sqlitestore

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Slade66/resumable-fetcher/internal/breakpoint"
	"github.com/Slade66/resumable-fetcher/internal/store/storetest"
)

func TestStore(t *testing.T) {
	s, err := Open(filepath.Join(t.TempDir(), "data", "breakpoints.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })

	storetest.Run(t, s)
}

func TestReopenKeepsRecords(t *testing.T) {
	path := filepath.Join(t.TempDir(), "breakpoints.db")
	ctx := context.Background()

	s, err := Open(path)
	require.NoError(t, err)
	info := &breakpoint.Info{
		URL:           "https://example.com/a",
		Path:          "/a",
		TotalLength:   100,
		SupportsRange: true,
		Blocks:        []breakpoint.Block{{RangeLeft: 0, RangeRight: 99, CurrentOffset: 40}},
	}
	info.TaskID[0] = 1
	require.NoError(t, s.Save(ctx, info))
	require.NoError(t, s.Close())

	s, err = Open(path)
	require.NoError(t, err)
	defer s.Close()
	got, err := s.Load(ctx, info.TaskID)
	require.NoError(t, err)
	assert.Equal(t, int64(40), got.Blocks[0].CurrentOffset)
}

func TestRemoveDropsBlocks(t *testing.T) {
	s, err := Open(filepath.Join(t.TempDir(), "breakpoints.db"))
	require.NoError(t, err)
	defer s.Close()
	ctx := context.Background()

	info := &breakpoint.Info{URL: "https://example.com/b", Path: "/b", TotalLength: 10,
		Blocks: []breakpoint.Block{{RangeLeft: 0, RangeRight: 9, CurrentOffset: 0}}}
	info.TaskID[0] = 2
	require.NoError(t, s.Save(ctx, info))
	require.NoError(t, s.Remove(ctx, info.TaskID))

	var n int
	require.NoError(t, s.conn.QueryRowContext(ctx, `SELECT COUNT(*) FROM blocks`).Scan(&n))
	assert.Zero(t, n)
}
