package parallel_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cryfs-go/cryfs/internal/blockstore/caching"
	"github.com/cryfs-go/cryfs/internal/blockstore/ondisk"
	"github.com/cryfs-go/cryfs/internal/blockstore/parallel"
)

func newStore(t *testing.T) *parallel.Store {
	t.Helper()
	lower, err := ondisk.New(t.TempDir())
	require.NoError(t, err)
	cached := caching.New(lower)
	t.Cleanup(func() { cached.Close(context.Background()) })
	return parallel.New(cached)
}

func TestRoundTrip(t *testing.T) {
	ctx := context.Background()
	s := newStore(t)

	b, err := s.Create(ctx, []byte("parallel"))
	require.NoError(t, err)
	id := b.Id()
	require.NoError(t, b.Close(ctx))

	loaded, err := s.Load(ctx, id)
	require.NoError(t, err)
	require.NotNil(t, loaded)
	assert.Equal(t, "parallel", string(loaded.Data()))
}

func TestRemoveBlocksUntilHandleReleased(t *testing.T) {
	// Remove(i) called while another goroutine holds a handle to i
	// blocks until that handle is released.
	ctx := context.Background()
	s := newStore(t)

	created, err := s.Create(ctx, []byte("x"))
	require.NoError(t, err)
	id := created.Id()
	require.NoError(t, created.Close(ctx))

	held, err := s.Load(ctx, id)
	require.NoError(t, err)

	removeDone := make(chan struct{})
	go func() {
		defer close(removeDone)
		require.NoError(t, s.Remove(ctx, id))
	}()

	select {
	case <-removeDone:
		t.Fatal("Remove must not complete while a handle is still open")
	case <-time.After(50 * time.Millisecond):
	}

	require.NoError(t, held.Close(ctx))

	select {
	case <-removeDone:
	case <-time.After(2 * time.Second):
		t.Fatal("Remove did not complete after the handle was released")
	}

	loaded, err := s.Load(ctx, id)
	require.NoError(t, err)
	assert.Nil(t, loaded)
}

func TestDistinctIdsProceedConcurrently(t *testing.T) {
	ctx := context.Background()
	s := newStore(t)

	b1, err := s.Create(ctx, []byte("1"))
	require.NoError(t, err)
	b2, err := s.Create(ctx, []byte("2"))
	require.NoError(t, err)

	// Both handles are simultaneously live without blocking each other.
	assert.Equal(t, "1", string(b1.Data()))
	assert.Equal(t, "2", string(b2.Data()))
	require.NoError(t, b1.Close(ctx))
	require.NoError(t, b2.Close(ctx))
}
