package blobstore

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gocloud.dev/blob/memblob"

	"github.com/Slade66/resumable-fetcher/internal/store/storetest"
)

func TestMemBucket(t *testing.T) {
	bucket := memblob.OpenBucket(nil)
	t.Cleanup(func() { bucket.Close() })

	storetest.Run(t, New(bucket, ""))
}

func TestFileBucket(t *testing.T) {
	ctx := context.Background()
	s, err := Open(ctx, "file://"+t.TempDir(), "")
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })

	storetest.Run(t, s)
}

func TestPurgeDropsGarbage(t *testing.T) {
	ctx := context.Background()
	bucket := memblob.OpenBucket(nil)
	defer bucket.Close()
	s := New(bucket, "bp/")

	require.NoError(t, bucket.WriteAll(ctx, "bp/broken.json", []byte("{"), nil))
	require.NoError(t, bucket.WriteAll(ctx, "other/keep.json", []byte("{"), nil))

	n, err := s.PurgeBefore(ctx, time.Now())
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	ok, err := bucket.Exists(ctx, "other/keep.json")
	require.NoError(t, err)
	assert.True(t, ok)
}
