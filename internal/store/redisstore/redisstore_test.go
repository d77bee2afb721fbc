//go:build integration

package redisstore

import (
	"testing"

	"github.com/Slade66/resumable-fetcher/internal/store/storetest"
	"github.com/Slade66/resumable-fetcher/internal/testutil"
)

func TestStore(t *testing.T) {
	storetest.Run(t, New(testutil.StartRedis(t), "test:breakpoint:"))
}
