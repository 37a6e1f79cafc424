package fsblobstore_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cryfs-go/cryfs/internal/blobstore"
	"github.com/cryfs-go/cryfs/internal/blockstore"
	"github.com/cryfs-go/cryfs/internal/blockstore/ondisk"
	"github.com/cryfs-go/cryfs/internal/fsblobstore"
)

const testBlockSize = 1024

func newStore(t *testing.T) *fsblobstore.Store {
	t.Helper()
	lower, err := ondisk.New(t.TempDir())
	require.NoError(t, err)
	return fsblobstore.New(blobstore.New(lower, testBlockSize))
}

func TestCreateFileBlobRoundTrip(t *testing.T) {
	ctx := context.Background()
	s := newStore(t)

	parent := blockstore.NewId()
	f, err := s.CreateFileBlob(ctx, parent)
	require.NoError(t, err)
	assert.Equal(t, fsblobstore.BlobTypeFile, f.Type())
	assert.Equal(t, parent, f.ParentId())

	require.NoError(t, f.Write(ctx, []byte("hello world"), 0))
	size, err := f.Size(ctx)
	require.NoError(t, err)
	assert.Equal(t, uint64(11), size)

	loaded, err := s.Load(ctx, f.Id())
	require.NoError(t, err)
	require.NotNil(t, loaded)
	lf, ok := loaded.(*fsblobstore.FileBlob)
	require.True(t, ok)
	content, err := lf.ReadAll(ctx)
	require.NoError(t, err)
	assert.Equal(t, "hello world", string(content))
	assert.Equal(t, parent, lf.ParentId())
}

func TestCreateDirBlobStartsEmpty(t *testing.T) {
	ctx := context.Background()
	s := newStore(t)

	d, err := s.CreateDirBlob(ctx, blockstore.NewId())
	require.NoError(t, err)
	assert.Equal(t, fsblobstore.BlobTypeDir, d.Type())
	assert.Empty(t, d.Entries())

	loaded, err := s.Load(ctx, d.Id())
	require.NoError(t, err)
	ld, ok := loaded.(*fsblobstore.DirBlob)
	require.True(t, ok)
	assert.Empty(t, ld.Entries())
}

func TestRootDirIsItsOwnParent(t *testing.T) {
	ctx := context.Background()
	s := newStore(t)

	d, err := s.CreateDirBlob(ctx, blockstore.Id{})
	require.NoError(t, err)
	require.NoError(t, d.SetParentId(ctx, d.Id()))
	assert.Equal(t, d.Id(), d.ParentId())
}

func TestCreateSymlinkBlobRoundTrip(t *testing.T) {
	ctx := context.Background()
	s := newStore(t)

	sl, err := s.CreateSymlinkBlob(ctx, "/some/target", blockstore.NewId())
	require.NoError(t, err)

	loaded, err := s.Load(ctx, sl.Id())
	require.NoError(t, err)
	lsl, ok := loaded.(*fsblobstore.SymlinkBlob)
	require.True(t, ok)
	target, err := lsl.Target(ctx)
	require.NoError(t, err)
	assert.Equal(t, "/some/target", target)
}

func TestAddOrOverwriteChildThenGetChild(t *testing.T) {
	ctx := context.Background()
	s := newStore(t)

	d, err := s.CreateDirBlob(ctx, blockstore.NewId())
	require.NoError(t, err)

	childId := blockstore.NewId()
	zero := fsblobstore.Timespec{}
	require.NoError(t, d.AddOrOverwriteChild(ctx, "foo.txt", childId, fsblobstore.BlobTypeFile, 0o644, 1000, 1000, zero, zero, nil))

	e, ok := d.GetChildByName("foo.txt")
	require.True(t, ok)
	assert.Equal(t, childId, e.ChildId)

	byId, ok := d.GetChildById(childId)
	require.True(t, ok)
	assert.Equal(t, "foo.txt", byId.Name)
}

func TestAddOrOverwriteChildNamesUniqueAndSortedById(t *testing.T) {
	ctx := context.Background()
	s := newStore(t)
	d, err := s.CreateDirBlob(ctx, blockstore.NewId())
	require.NoError(t, err)

	zero := fsblobstore.Timespec{}
	ids := make([]blockstore.Id, 5)
	for i := range ids {
		ids[i] = blockstore.NewId()
		require.NoError(t, d.AddOrOverwriteChild(ctx, string(rune('a'+i)), ids[i], fsblobstore.BlobTypeFile, 0o644, 0, 0, zero, zero, nil))
	}
	assert.Len(t, d.Entries(), 5)

	loaded, err := s.Load(ctx, d.Id())
	require.NoError(t, err)
	ld := loaded.(*fsblobstore.DirBlob)
	entries := ld.Entries()
	for i := 1; i < len(entries); i++ {
		assert.True(t, string(entries[i-1].ChildId[:]) <= string(entries[i].ChildId[:]))
	}
}

func TestAddOrOverwriteChildReplacesAndReportsOldId(t *testing.T) {
	ctx := context.Background()
	s := newStore(t)
	d, err := s.CreateDirBlob(ctx, blockstore.NewId())
	require.NoError(t, err)

	zero := fsblobstore.Timespec{}
	oldId := blockstore.NewId()
	require.NoError(t, d.AddOrOverwriteChild(ctx, "foo", oldId, fsblobstore.BlobTypeFile, 0o644, 0, 0, zero, zero, nil))

	newId := blockstore.NewId()
	var reported blockstore.Id
	require.NoError(t, d.AddOrOverwriteChild(ctx, "foo", newId, fsblobstore.BlobTypeFile, 0o644, 0, 0, zero, zero, func(old blockstore.Id) {
		reported = old
	}))
	assert.Equal(t, oldId, reported)

	e, ok := d.GetChildByName("foo")
	require.True(t, ok)
	assert.Equal(t, newId, e.ChildId)
	assert.Len(t, d.Entries(), 1)
}

func TestAddOrOverwriteChildRejectsTypeMismatch(t *testing.T) {
	ctx := context.Background()
	s := newStore(t)
	d, err := s.CreateDirBlob(ctx, blockstore.NewId())
	require.NoError(t, err)

	zero := fsblobstore.Timespec{}
	require.NoError(t, d.AddOrOverwriteChild(ctx, "foo", blockstore.NewId(), fsblobstore.BlobTypeDir, 0o755, 0, 0, zero, zero, nil))
	err = d.AddOrOverwriteChild(ctx, "foo", blockstore.NewId(), fsblobstore.BlobTypeFile, 0o644, 0, 0, zero, zero, nil)
	assert.Error(t, err)
}

func TestRenameChild(t *testing.T) {
	ctx := context.Background()
	s := newStore(t)
	d, err := s.CreateDirBlob(ctx, blockstore.NewId())
	require.NoError(t, err)

	zero := fsblobstore.Timespec{}
	childId := blockstore.NewId()
	require.NoError(t, d.AddOrOverwriteChild(ctx, "old-name", childId, fsblobstore.BlobTypeFile, 0o644, 0, 0, zero, zero, nil))

	require.NoError(t, d.RenameChild(ctx, childId, "new-name", nil))

	_, ok := d.GetChildByName("old-name")
	assert.False(t, ok)
	e, ok := d.GetChildByName("new-name")
	require.True(t, ok)
	assert.Equal(t, childId, e.ChildId)
}

func TestRemoveChildByName(t *testing.T) {
	ctx := context.Background()
	s := newStore(t)
	d, err := s.CreateDirBlob(ctx, blockstore.NewId())
	require.NoError(t, err)

	zero := fsblobstore.Timespec{}
	require.NoError(t, d.AddOrOverwriteChild(ctx, "foo", blockstore.NewId(), fsblobstore.BlobTypeFile, 0o644, 0, 0, zero, zero, nil))
	require.NoError(t, d.RemoveChildByName(ctx, "foo"))

	assert.Empty(t, d.Entries())
	_, ok := d.GetChildByName("foo")
	assert.False(t, ok)
}

func TestChmodPreservesFileTypeBits(t *testing.T) {
	ctx := context.Background()
	s := newStore(t)

	f, err := s.CreateFileBlob(ctx, blockstore.NewId())
	require.NoError(t, err)
	require.NoError(t, f.Chmod(ctx, 0o600))
	assert.Equal(t, uint32(0o100600), f.Mode())
}

func TestChownUpdatesUidGid(t *testing.T) {
	ctx := context.Background()
	s := newStore(t)

	f, err := s.CreateFileBlob(ctx, blockstore.NewId())
	require.NoError(t, err)
	require.NoError(t, f.Chown(ctx, 42, 43))
	assert.Equal(t, uint32(42), f.Uid())
	assert.Equal(t, uint32(43), f.Gid())
}

func TestLoadMissingReturnsNil(t *testing.T) {
	ctx := context.Background()
	s := newStore(t)

	loaded, err := s.Load(ctx, blockstore.NewId())
	require.NoError(t, err)
	assert.Nil(t, loaded)
}
