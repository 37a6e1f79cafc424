package blobstore_test

import (
	"bytes"
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cryfs-go/cryfs/internal/blobstore"
	"github.com/cryfs-go/cryfs/internal/blockstore/ondisk"
)

// testBlockSize is deliberately tiny so tests exercise multi-leaf, multi-depth
// trees without needing megabytes of fixture data.
const testBlockSize = 7 + 16*2 // headerSize(7) + room for exactly 2 child ids

func newBlobStore(t *testing.T) *blobstore.BlobStore {
	t.Helper()
	lower, err := ondisk.New(t.TempDir())
	require.NoError(t, err)
	return blobstore.New(lower, testBlockSize)
}

func TestCreateEmptyBlobHasZeroSize(t *testing.T) {
	ctx := context.Background()
	s := newBlobStore(t)

	b, err := s.Create(ctx)
	require.NoError(t, err)

	size, err := b.Size(ctx)
	require.NoError(t, err)
	assert.Equal(t, uint64(0), size)
}

func TestWriteThenReadRoundTrips(t *testing.T) {
	ctx := context.Background()
	s := newBlobStore(t)

	b, err := s.Create(ctx)
	require.NoError(t, err)

	content := []byte("hello, cryfs blob layer")
	require.NoError(t, b.Write(ctx, content, 0))

	size, err := b.Size(ctx)
	require.NoError(t, err)
	assert.Equal(t, uint64(len(content)), size)

	got, err := b.ReadAll(ctx)
	require.NoError(t, err)
	assert.True(t, bytes.Equal(content, got))
}

func TestIdStableAcrossWritesAndResizes(t *testing.T) {
	ctx := context.Background()
	s := newBlobStore(t)

	b, err := s.Create(ctx)
	require.NoError(t, err)
	id := b.Id()

	require.NoError(t, b.Write(ctx, bytes.Repeat([]byte{'a'}, 500), 0))
	assert.Equal(t, id, b.Id())

	require.NoError(t, b.Resize(ctx, 5))
	assert.Equal(t, id, b.Id())

	require.NoError(t, b.Resize(ctx, 500))
	assert.Equal(t, id, b.Id())

	require.NoError(t, b.Resize(ctx, 0))
	assert.Equal(t, id, b.Id())
}

func TestWriteGrowsAcrossMultipleLeaves(t *testing.T) {
	ctx := context.Background()
	s := newBlobStore(t)

	b, err := s.Create(ctx)
	require.NoError(t, err)

	// Larger than several leaves' worth of capacity at this tiny block
	// size, forcing the tree to grow depth more than once.
	content := bytes.Repeat([]byte{'x', 'y', 'z'}, 200)
	require.NoError(t, b.Write(ctx, content, 0))

	size, err := b.Size(ctx)
	require.NoError(t, err)
	assert.Equal(t, uint64(len(content)), size)

	got, err := b.ReadAll(ctx)
	require.NoError(t, err)
	assert.True(t, bytes.Equal(content, got))
}

func TestWriteGrowsZeroFilledGap(t *testing.T) {
	ctx := context.Background()
	s := newBlobStore(t)

	b, err := s.Create(ctx)
	require.NoError(t, err)

	require.NoError(t, b.Write(ctx, []byte("tail"), 50))

	size, err := b.Size(ctx)
	require.NoError(t, err)
	assert.Equal(t, uint64(54), size)

	got, err := b.ReadAll(ctx)
	require.NoError(t, err)
	assert.True(t, bytes.Equal(make([]byte, 50), got[:50]))
	assert.Equal(t, "tail", string(got[50:]))
}

func TestOverwriteWithinExistingRangeIsLastWriteWins(t *testing.T) {
	ctx := context.Background()
	s := newBlobStore(t)

	b, err := s.Create(ctx)
	require.NoError(t, err)

	require.NoError(t, b.Write(ctx, bytes.Repeat([]byte{'1'}, 100), 0))
	require.NoError(t, b.Write(ctx, bytes.Repeat([]byte{'2'}, 20), 40))

	got, err := b.ReadAll(ctx)
	require.NoError(t, err)
	assert.True(t, bytes.Equal(bytes.Repeat([]byte{'1'}, 40), got[:40]))
	assert.True(t, bytes.Equal(bytes.Repeat([]byte{'2'}, 20), got[40:60]))
	assert.True(t, bytes.Equal(bytes.Repeat([]byte{'1'}, 40), got[60:100]))
}

func TestResizeShrinkTruncatesContent(t *testing.T) {
	ctx := context.Background()
	s := newBlobStore(t)

	b, err := s.Create(ctx)
	require.NoError(t, err)

	content := bytes.Repeat([]byte{'q'}, 300)
	require.NoError(t, b.Write(ctx, content, 0))
	require.NoError(t, b.Resize(ctx, 10))

	size, err := b.Size(ctx)
	require.NoError(t, err)
	assert.Equal(t, uint64(10), size)

	got, err := b.ReadAll(ctx)
	require.NoError(t, err)
	assert.True(t, bytes.Equal(content[:10], got))
}

func TestGrowShrinkGrowPreservesTreeInvariantAndContent(t *testing.T) {
	ctx := context.Background()
	s := newBlobStore(t)

	b, err := s.Create(ctx)
	require.NoError(t, err)

	require.NoError(t, b.Write(ctx, bytes.Repeat([]byte{'a'}, 400), 0))
	require.NoError(t, b.Resize(ctx, 3))
	require.NoError(t, b.Write(ctx, bytes.Repeat([]byte{'b'}, 250), 3))

	size, err := b.Size(ctx)
	require.NoError(t, err)
	assert.Equal(t, uint64(253), size)

	got, err := b.ReadAll(ctx)
	require.NoError(t, err)
	assert.True(t, bytes.Equal(bytes.Repeat([]byte{'a'}, 3), got[:3]))
	assert.True(t, bytes.Equal(bytes.Repeat([]byte{'b'}, 250), got[3:]))
}

func TestLoadReturnsBlobWithSamePersistedContent(t *testing.T) {
	ctx := context.Background()
	s := newBlobStore(t)

	b, err := s.Create(ctx)
	require.NoError(t, err)
	content := bytes.Repeat([]byte{'p'}, 150)
	require.NoError(t, b.Write(ctx, content, 0))
	id := b.Id()

	loaded, err := s.Load(ctx, id)
	require.NoError(t, err)
	require.NotNil(t, loaded)

	got, err := loaded.ReadAll(ctx)
	require.NoError(t, err)
	assert.True(t, bytes.Equal(content, got))
}

func TestLoadMissingBlobReturnsNil(t *testing.T) {
	ctx := context.Background()
	s := newBlobStore(t)

	other, err := s.Create(ctx)
	require.NoError(t, err)
	id := other.Id()
	require.NoError(t, s.Remove(ctx, id))

	loaded, err := s.Load(ctx, id)
	require.NoError(t, err)
	assert.Nil(t, loaded)
}

func TestRemoveDeletesEveryBlockInTree(t *testing.T) {
	ctx := context.Background()
	lowerDir := t.TempDir()
	lower, err := ondisk.New(lowerDir)
	require.NoError(t, err)
	s := blobstore.New(lower, testBlockSize)

	b, err := s.Create(ctx)
	require.NoError(t, err)
	require.NoError(t, b.Write(ctx, bytes.Repeat([]byte{'z'}, 400), 0))

	before, err := lower.NumBlocks(ctx)
	require.NoError(t, err)
	assert.Greater(t, before, uint64(1))

	require.NoError(t, s.Remove(ctx, b.Id()))

	after, err := lower.NumBlocks(ctx)
	require.NoError(t, err)
	assert.Equal(t, uint64(0), after)
}

func TestReadPastEndIsClampedNotError(t *testing.T) {
	ctx := context.Background()
	s := newBlobStore(t)

	b, err := s.Create(ctx)
	require.NoError(t, err)
	require.NoError(t, b.Write(ctx, []byte("abc"), 0))

	dst := make([]byte, 100)
	n, err := b.Read(ctx, dst, 0)
	require.NoError(t, err)
	assert.Equal(t, 3, n)
	assert.Equal(t, "abc", string(dst[:n]))
}
