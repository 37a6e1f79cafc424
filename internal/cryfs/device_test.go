package cryfs_test

import (
	"context"
	"syscall"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/xerrors"

	"github.com/cryfs-go/cryfs/internal/blobstore"
	"github.com/cryfs-go/cryfs/internal/blockstore"
	"github.com/cryfs-go/cryfs/internal/blockstore/ondisk"
	"github.com/cryfs-go/cryfs/internal/cryerr"
	"github.com/cryfs-go/cryfs/internal/cryfs"
	"github.com/cryfs-go/cryfs/internal/fsblobstore"
	fscaching "github.com/cryfs-go/cryfs/internal/fsblobstore/caching"
	fsparallel "github.com/cryfs-go/cryfs/internal/fsblobstore/parallel"
)

const testBlockSize = 1024

// newDevice assembles the real blobstore -> fsblobstore -> caching ->
// parallel stack on a throwaway on-disk block store and bootstraps a root
// directory: the FsBlobStore layering mount.go builds, placed directly on
// the on-disk store without the block-level encryption, integrity,
// caching and parallel layers (irrelevant to the node-layer logic under
// test here).
func newDevice(t *testing.T) (*cryfs.Device, blockstore.Id) {
	t.Helper()
	onDisk, err := ondisk.New(t.TempDir())
	require.NoError(t, err)
	blobs := blobstore.New(onDisk, testBlockSize)
	fsBlobs := fsblobstore.New(blobs)
	fsCache := fscaching.New(fsBlobs)
	fsPar := fsparallel.New(fsCache)

	rootId := blockstore.NewId()
	ctx := context.Background()
	_, err = fsCache.CreateRootDirBlob(ctx, rootId)
	require.NoError(t, err)

	dev := cryfs.NewDevice(cryfs.NewFsStore(fsPar), onDisk, rootId)
	return dev, rootId
}

func errnoOf(t *testing.T, err error) syscall.Errno {
	t.Helper()
	var ce *cryerr.Error
	require.True(t, xerrors.As(err, &ce), "expected *cryerr.Error, got %T: %v", err, err)
	return ce.Errno
}

func TestCreateFileWriteRead(t *testing.T) {
	ctx := context.Background()
	dev, root := newDevice(t)

	id, attr, err := dev.CreateFile(ctx, root, "hello.txt", 0o100644, 1000, 1000)
	require.NoError(t, err)
	assert.Equal(t, fsblobstore.BlobTypeFile, attr.Type)
	assert.Equal(t, uint64(0), attr.Size)

	require.NoError(t, dev.WriteFile(ctx, id, []byte("hello world"), 0))

	buf := make([]byte, 32)
	n, err := dev.ReadFile(ctx, id, buf, 0)
	require.NoError(t, err)
	assert.Equal(t, "hello world", string(buf[:n]))

	stat, err := dev.Stat(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, uint64(11), stat.Size)
}

func TestCreateFileRejectsDuplicateName(t *testing.T) {
	ctx := context.Background()
	dev, root := newDevice(t)

	_, _, err := dev.CreateFile(ctx, root, "dup.txt", 0o100644, 0, 0)
	require.NoError(t, err)
	_, _, err = dev.CreateFile(ctx, root, "dup.txt", 0o100644, 0, 0)
	require.Error(t, err)
	assert.Equal(t, syscall.EEXIST, errnoOf(t, err))
}

func TestMkdirAndReadDir(t *testing.T) {
	ctx := context.Background()
	dev, root := newDevice(t)

	sub, _, err := dev.Mkdir(ctx, root, "sub", 0o040755, 0, 0)
	require.NoError(t, err)
	_, _, err = dev.CreateFile(ctx, sub, "a.txt", 0o100644, 0, 0)
	require.NoError(t, err)
	_, _, err = dev.CreateFile(ctx, sub, "b.txt", 0o100644, 0, 0)
	require.NoError(t, err)

	entries, err := dev.ReadDir(ctx, sub)
	require.NoError(t, err)
	names := map[string]bool{}
	for _, e := range entries {
		names[e.Name] = true
	}
	assert.True(t, names["a.txt"])
	assert.True(t, names["b.txt"])
	assert.Len(t, entries, 2)
}

func TestLookupMissingReturnsEnoent(t *testing.T) {
	ctx := context.Background()
	dev, root := newDevice(t)

	_, _, err := dev.Lookup(ctx, root, "nope")
	require.Error(t, err)
	assert.Equal(t, syscall.ENOENT, errnoOf(t, err))
}

func TestRmdirRejectsNonEmpty(t *testing.T) {
	ctx := context.Background()
	dev, root := newDevice(t)

	sub, _, err := dev.Mkdir(ctx, root, "sub", 0o040755, 0, 0)
	require.NoError(t, err)
	_, _, err = dev.CreateFile(ctx, sub, "a.txt", 0o100644, 0, 0)
	require.NoError(t, err)

	err = dev.Rmdir(ctx, root, "sub")
	require.Error(t, err)
	assert.Equal(t, syscall.ENOTEMPTY, errnoOf(t, err))
}

func TestUnlinkRejectsDirectory(t *testing.T) {
	ctx := context.Background()
	dev, root := newDevice(t)

	_, _, err := dev.Mkdir(ctx, root, "sub", 0o040755, 0, 0)
	require.NoError(t, err)

	err = dev.Unlink(ctx, root, "sub")
	require.Error(t, err)
	assert.Equal(t, syscall.EISDIR, errnoOf(t, err))
}

func TestRenameWithinSameDir(t *testing.T) {
	ctx := context.Background()
	dev, root := newDevice(t)

	id, _, err := dev.CreateFile(ctx, root, "old.txt", 0o100644, 0, 0)
	require.NoError(t, err)
	require.NoError(t, dev.WriteFile(ctx, id, []byte("content"), 0))

	require.NoError(t, dev.Rename(ctx, root, "old.txt", root, "new.txt"))

	_, _, err = dev.Lookup(ctx, root, "old.txt")
	require.Error(t, err)
	gotId, _, err := dev.Lookup(ctx, root, "new.txt")
	require.NoError(t, err)
	assert.Equal(t, id, gotId)
}

func TestRenameAcrossDirs(t *testing.T) {
	ctx := context.Background()
	dev, root := newDevice(t)

	dirA, _, err := dev.Mkdir(ctx, root, "a", 0o040755, 0, 0)
	require.NoError(t, err)
	dirB, _, err := dev.Mkdir(ctx, root, "b", 0o040755, 0, 0)
	require.NoError(t, err)

	id, _, err := dev.CreateFile(ctx, dirA, "file.txt", 0o100644, 0, 0)
	require.NoError(t, err)
	require.NoError(t, dev.WriteFile(ctx, id, []byte("moved"), 0))

	require.NoError(t, dev.Rename(ctx, dirA, "file.txt", dirB, "file.txt"))

	_, _, err = dev.Lookup(ctx, dirA, "file.txt")
	require.Error(t, err)
	gotId, attr, err := dev.Lookup(ctx, dirB, "file.txt")
	require.NoError(t, err)
	assert.Equal(t, id, gotId)
	assert.Equal(t, uint64(5), attr.Size)
}

func TestRenameOverwriteDestroysOldTarget(t *testing.T) {
	ctx := context.Background()
	dev, root := newDevice(t)

	srcId, _, err := dev.CreateFile(ctx, root, "src.txt", 0o100644, 0, 0)
	require.NoError(t, err)
	dstId, _, err := dev.CreateFile(ctx, root, "dst.txt", 0o100644, 0, 0)
	require.NoError(t, err)

	require.NoError(t, dev.Rename(ctx, root, "src.txt", root, "dst.txt"))

	gotId, _, err := dev.Lookup(ctx, root, "dst.txt")
	require.NoError(t, err)
	assert.Equal(t, srcId, gotId)

	// The overwritten blob's subtree is destroyed; its id is no longer
	// loadable.
	_, err = dev.Stat(ctx, dstId)
	require.Error(t, err)
}

func TestTruncateGrowsAndShrinks(t *testing.T) {
	ctx := context.Background()
	dev, root := newDevice(t)

	id, _, err := dev.CreateFile(ctx, root, "f.bin", 0o100644, 0, 0)
	require.NoError(t, err)
	require.NoError(t, dev.WriteFile(ctx, id, []byte("0123456789"), 0))

	require.NoError(t, dev.Truncate(ctx, id, 4))
	stat, err := dev.Stat(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, uint64(4), stat.Size)

	require.NoError(t, dev.Truncate(ctx, id, 10))
	stat, err = dev.Stat(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, uint64(10), stat.Size)
}

func TestSymlinkRoundTrip(t *testing.T) {
	ctx := context.Background()
	dev, root := newDevice(t)

	id, attr, err := dev.CreateSymlink(ctx, root, "link", "/some/target", 0, 0)
	require.NoError(t, err)
	assert.Equal(t, fsblobstore.BlobTypeSymlink, attr.Type)

	target, err := dev.ReadSymlink(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, "/some/target", target)
}

func TestStatFSDelegatesToLowestStore(t *testing.T) {
	ctx := context.Background()
	dev, root := newDevice(t)

	_, _, err := dev.CreateFile(ctx, root, "f.txt", 0o100644, 0, 0)
	require.NoError(t, err)

	numBlocks, _, err := dev.StatFS(ctx)
	require.NoError(t, err)
	// root blob + the new file's leaf.
	assert.GreaterOrEqual(t, numBlocks, uint64(2))
}
