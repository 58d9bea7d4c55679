package litestore_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/feothyuth/claude-orchestrator/internal/store/litestore"
)

func newTestAdapter(t *testing.T) *litestore.Adapter {
	t.Helper()
	adapter, err := litestore.New(context.Background(), litestore.Config{
		Path:            ":memory:",
		PollInterval:    5 * time.Millisecond,
		ChangeRetention: time.Minute,
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = adapter.Close() })
	return adapter
}
