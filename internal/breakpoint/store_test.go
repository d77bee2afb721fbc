package breakpoint_test

import (
	"testing"

	"github.com/Slade66/resumable-fetcher/internal/breakpoint"
	"github.com/Slade66/resumable-fetcher/internal/store/storetest"
)

func TestMemoryStoreContract(t *testing.T) {
	storetest.Run(t, breakpoint.NewMemoryStore())
}
