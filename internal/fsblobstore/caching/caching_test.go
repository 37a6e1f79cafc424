package caching_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cryfs-go/cryfs/internal/blobstore"
	"github.com/cryfs-go/cryfs/internal/blockstore"
	"github.com/cryfs-go/cryfs/internal/blockstore/ondisk"
	"github.com/cryfs-go/cryfs/internal/fsblobstore"
	"github.com/cryfs-go/cryfs/internal/fsblobstore/caching"
)

func newStore(t *testing.T) *caching.Store {
	t.Helper()
	lower, err := ondisk.New(t.TempDir())
	require.NoError(t, err)
	return caching.New(fsblobstore.New(blobstore.New(lower, 1024)))
}

func TestLoadReturnsSameWrapperOnCacheHit(t *testing.T) {
	ctx := context.Background()
	s := newStore(t)

	created, err := s.CreateFileBlob(ctx, blockstore.NewId())
	require.NoError(t, err)
	id := created.Id()

	first, err := s.Load(ctx, id)
	require.NoError(t, err)
	second, err := s.Load(ctx, id)
	require.NoError(t, err)
	assert.Same(t, first, second)
}

func TestRemoveEvictsFromCache(t *testing.T) {
	ctx := context.Background()
	s := newStore(t)

	created, err := s.CreateFileBlob(ctx, blockstore.NewId())
	require.NoError(t, err)
	id := created.Id()

	require.NoError(t, s.Remove(ctx, id))

	loaded, err := s.Load(ctx, id)
	require.NoError(t, err)
	assert.Nil(t, loaded)
}

func TestCacheEvictsBeyondCapacity(t *testing.T) {
	ctx := context.Background()
	s := newStore(t)

	var firstId blockstore.Id
	var first *fsblobstore.FileBlob
	for i := 0; i < caching.Capacity+10; i++ {
		b, err := s.CreateFileBlob(ctx, blockstore.NewId())
		require.NoError(t, err)
		if i == 0 {
			firstId = b.Id()
			first = b
		}
	}

	// The very first created blob has been evicted by now; Load still
	// succeeds, but returns a fresh wrapper read through from the lower
	// layer rather than the one that was cached.
	loaded, err := s.Load(ctx, firstId)
	require.NoError(t, err)
	require.NotNil(t, loaded)
	assert.NotSame(t, first, loaded)
}
