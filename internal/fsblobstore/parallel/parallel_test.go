package parallel_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cryfs-go/cryfs/internal/blobstore"
	"github.com/cryfs-go/cryfs/internal/blockstore"
	"github.com/cryfs-go/cryfs/internal/blockstore/ondisk"
	"github.com/cryfs-go/cryfs/internal/fsblobstore"
	"github.com/cryfs-go/cryfs/internal/fsblobstore/parallel"
)

func newStore(t *testing.T) *parallel.Store {
	t.Helper()
	lower, err := ondisk.New(t.TempDir())
	require.NoError(t, err)
	return parallel.New(fsblobstore.New(blobstore.New(lower, 1024)))
}

func TestLoadReturnsHandle(t *testing.T) {
	ctx := context.Background()
	s := newStore(t)

	created, err := s.CreateFileBlob(ctx, blockstore.NewId())
	require.NoError(t, err)
	id := created.Id()
	require.NoError(t, created.Close(ctx))

	loaded, err := s.Load(ctx, id)
	require.NoError(t, err)
	require.NotNil(t, loaded)
	assert.Equal(t, fsblobstore.BlobTypeFile, loaded.Type())
	require.NoError(t, loaded.Close(ctx))
}

func TestRemoveBlocksUntilHandleReleased(t *testing.T) {
	ctx := context.Background()
	s := newStore(t)

	created, err := s.CreateFileBlob(ctx, blockstore.NewId())
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
}
