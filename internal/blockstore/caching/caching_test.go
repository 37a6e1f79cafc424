package caching_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cryfs-go/cryfs/internal/blockstore"
	"github.com/cryfs-go/cryfs/internal/blockstore/caching"
	"github.com/cryfs-go/cryfs/internal/blockstore/ondisk"
)

func newStores(t *testing.T) (*caching.Store, *ondisk.Store) {
	t.Helper()
	lower, err := ondisk.New(t.TempDir())
	require.NoError(t, err)
	s := caching.New(lower)
	t.Cleanup(func() { s.Close(context.Background()) })
	return s, lower
}

func TestRoundTrip(t *testing.T) {
	ctx := context.Background()
	s, _ := newStores(t)

	b, err := s.Create(ctx, []byte("cached"))
	require.NoError(t, err)
	id := b.Id()
	require.NoError(t, b.Close(ctx))

	loaded, err := s.Load(ctx, id)
	require.NoError(t, err)
	require.NotNil(t, loaded)
	assert.Equal(t, "cached", string(loaded.Data()))
}

func TestWriteVisibleToSecondHandleBeforeFlush(t *testing.T) {
	// Cache coherence: a second handle on the same id sees a write made
	// through a first handle before the flush interval elapses.
	ctx := context.Background()
	s, _ := newStores(t)

	b, err := s.Create(ctx, []byte("old"))
	require.NoError(t, err)
	id := b.Id()

	h2, err := s.Load(ctx, id)
	require.NoError(t, err)
	require.NoError(t, h2.Write([]byte("new"), 0))

	// A third handle, also before any flush, observes the update.
	h3, err := s.Load(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, "new", string(h3.Data()))
}

func TestBackgroundFlushPersistsAfterInterval(t *testing.T) {
	ctx := context.Background()
	s, lower := newStores(t)

	b, err := s.Create(ctx, []byte("x"))
	require.NoError(t, err)
	id := b.Id()
	require.NoError(t, b.Write([]byte("y"), 0))

	// Wait past MaxLifetime + a margin for the flush timer tick.
	time.Sleep(caching.MaxLifetime + 200*time.Millisecond)

	lowerBlock, err := lower.Load(ctx, id)
	require.NoError(t, err)
	require.NotNil(t, lowerBlock, "background flush must have persisted the block to the lower store")
	assert.Equal(t, "y", string(lowerBlock.Data()))
}

func TestRemoveMakesLoadReturnNil(t *testing.T) {
	ctx := context.Background()
	s, _ := newStores(t)

	b, err := s.Create(ctx, []byte("z"))
	require.NoError(t, err)
	id := b.Id()
	require.NoError(t, b.Close(ctx))

	require.NoError(t, s.Remove(ctx, id))

	loaded, err := s.Load(ctx, id)
	require.NoError(t, err)
	assert.Nil(t, loaded)
}

func TestForEachBlockUnionsCacheAndLower(t *testing.T) {
	ctx := context.Background()
	s, _ := newStores(t)

	ids := make(map[blockstore.Id]bool)
	for i := 0; i < 3; i++ {
		b, err := s.Create(ctx, []byte{byte(i)})
		require.NoError(t, err)
		ids[b.Id()] = true
	}

	seen := make(map[blockstore.Id]bool)
	err := s.ForEachBlock(ctx, func(id blockstore.Id) error {
		seen[id] = true
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, ids, seen)
}

func TestEvictionFlushesDirtyEntries(t *testing.T) {
	ctx := context.Background()
	s, lower := newStores(t)

	var last, first blockstore.Id
	for i := 0; i < caching.Capacity+10; i++ {
		b, err := s.Create(ctx, []byte{byte(i)})
		require.NoError(t, err)
		if i == 0 {
			// Dirty the least recently used entry so its eviction has
			// something to flush.
			first = b.Id()
			require.NoError(t, b.Write([]byte("dirty"), 0))
		}
		last = b.Id()
	}
	_ = last

	// Create writes every block through to the lower layer; the dirtied
	// first entry, evicted once the cache exceeded Capacity, must have
	// been flushed there with its new bytes.
	n, err := lower.NumBlocks(ctx)
	require.NoError(t, err)
	assert.True(t, n > 0)

	lowerBlock, err := lower.Load(ctx, first)
	require.NoError(t, err)
	require.NotNil(t, lowerBlock)
	assert.Equal(t, "dirty", string(lowerBlock.Data()))
}
