// Package cryfs maps POSIX filesystem operations onto the FsBlobStore
// layer: Device resolves names under a parent directory blob into
// child blobs and performs the create/remove/rename/stat operations
// the node layer (fs.go, a fuseutil.FileSystem) dispatches FUSE requests
// to.
//
// Device is a plain struct wrapping the lower store, with no lock of its
// own, and explicit-error (not panic/exception) methods named after the
// operation. The FUSE-specific inode-table bookkeeping lives in fs.go
// instead, so this file stays testable without a FUSE mount.
package cryfs

import (
	"context"
	"time"

	"golang.org/x/xerrors"

	"github.com/cryfs-go/cryfs/internal/blockstore"
	"github.com/cryfs-go/cryfs/internal/cryerr"
	"github.com/cryfs-go/cryfs/internal/fsblobstore"
)

// fsStore is the subset of the (parallel-wrapped) FsBlobStore stack
// Device needs. NewFsStore adapts *fsparallel.Store to it.
type fsStore interface {
	CreateFileBlob(ctx context.Context, parentId blockstore.Id) (*FsHandle, error)
	CreateDirBlob(ctx context.Context, parentId blockstore.Id) (*FsHandle, error)
	CreateSymlinkBlob(ctx context.Context, target string, parentId blockstore.Id) (*FsHandle, error)
	Load(ctx context.Context, id blockstore.Id) (*FsHandle, error)
	Remove(ctx context.Context, id blockstore.Id) error
}

// FsHandle is the common shape of fsblobstore/parallel.Handle: an FsBlob
// plus a Close that releases the per-id slot. Declared here (instead of
// importing the parallel package's concrete type into every signature) so
// device.go only depends on behavior, not on the wrapper package directly.
type FsHandle struct {
	fsblobstore.FsBlob
	close func(ctx context.Context) error
}

func (h *FsHandle) Close(ctx context.Context) error { return h.close(ctx) }

// Attr is the stat-relevant projection of an FsBlob or DirEntry that the
// node layer needs to fill in a FUSE attributes response.
type Attr struct {
	Type  fsblobstore.BlobType
	Size  uint64
	Mode  uint32
	Uid   uint32
	Gid   uint32
	Atime time.Time
	Mtime time.Time
	Ctime time.Time
}

// BlockStats is the subset of blockstore.Store statfs delegates to the
// lowest store for.
type BlockStats interface {
	NumBlocks(ctx context.Context) (uint64, error)
	EstimateNumFreeBytes(ctx context.Context) (uint64, error)
	BlockSizeFromPhysicalBlockSize(physicalSize uint64) uint64
}

// Device implements the path-independent half of the filesystem: every
// method takes a parent blob id (resolved by the node layer's inode
// table) plus a child name, never a full path.
type Device struct {
	fs     fsStore
	blocks BlockStats
	RootId blockstore.Id
}

func NewDevice(fs fsStore, blocks BlockStats, rootId blockstore.Id) *Device {
	return &Device{fs: fs, blocks: blocks, RootId: rootId}
}

func attrOf(b fsblobstore.FsBlob, size uint64) Attr {
	return Attr{
		Type:  b.Type(),
		Size:  size,
		Mode:  b.Mode(),
		Uid:   b.Uid(),
		Gid:   b.Gid(),
		Atime: b.Atime().Time(),
		Mtime: b.Mtime().Time(),
		Ctime: b.Ctime().Time(),
	}
}

func sizeOf(ctx context.Context, b fsblobstore.FsBlob) (uint64, error) {
	switch t := b.(type) {
	case *fsblobstore.FileBlob:
		return t.Size(ctx)
	case *fsblobstore.SymlinkBlob:
		target, err := t.Target(ctx)
		if err != nil {
			return 0, err
		}
		return uint64(len(target)), nil
	default:
		return 0, nil // directories report size 0, matching upstream CryFS
	}
}

// Stat loads id and returns its attributes.
func (d *Device) Stat(ctx context.Context, id blockstore.Id) (Attr, error) {
	h, err := d.fs.Load(ctx, id)
	if err != nil {
		return Attr{}, cryerr.Storage(err)
	}
	if h == nil {
		return Attr{}, cryerr.Posix(enoent)
	}
	defer h.Close(ctx)
	size, err := sizeOf(ctx, h.FsBlob)
	if err != nil {
		return Attr{}, cryerr.Storage(err)
	}
	return attrOf(h.FsBlob, size), nil
}

// Lookup resolves name under the directory blob parentId, one path
// component at a time.
func (d *Device) Lookup(ctx context.Context, parentId blockstore.Id, name string) (blockstore.Id, Attr, error) {
	ph, err := d.fs.Load(ctx, parentId)
	if err != nil {
		return blockstore.Id{}, Attr{}, cryerr.Storage(err)
	}
	if ph == nil {
		return blockstore.Id{}, Attr{}, cryerr.Posix(enoent)
	}
	defer ph.Close(ctx)
	dir, ok := ph.FsBlob.(*fsblobstore.DirBlob)
	if !ok {
		return blockstore.Id{}, Attr{}, cryerr.Posix(enotdir)
	}
	entry, ok := dir.GetChildByName(name)
	if !ok {
		return blockstore.Id{}, Attr{}, cryerr.Posix(enoent)
	}
	attr := Attr{
		Type: entry.Type, Mode: entry.Mode, Uid: entry.Uid, Gid: entry.Gid,
		Atime: entry.Atime.Time(), Mtime: entry.Mtime.Time(), Ctime: entry.Ctime.Time(),
	}
	if entry.Type != fsblobstore.BlobTypeDir {
		ch, err := d.fs.Load(ctx, entry.ChildId)
		if err != nil {
			return blockstore.Id{}, Attr{}, cryerr.Storage(err)
		}
		if ch != nil {
			attr.Size, err = sizeOf(ctx, ch.FsBlob)
			ch.Close(ctx)
			if err != nil {
				return blockstore.Id{}, Attr{}, cryerr.Storage(err)
			}
		}
	}
	return entry.ChildId, attr, nil
}

// ReadDir returns every entry of the directory blob id.
func (d *Device) ReadDir(ctx context.Context, id blockstore.Id) ([]fsblobstore.DirEntry, error) {
	h, err := d.fs.Load(ctx, id)
	if err != nil {
		return nil, cryerr.Storage(err)
	}
	if h == nil {
		return nil, cryerr.Posix(enoent)
	}
	defer h.Close(ctx)
	dir, ok := h.FsBlob.(*fsblobstore.DirBlob)
	if !ok {
		return nil, cryerr.Posix(enotdir)
	}
	return dir.Entries(), nil
}

func (d *Device) withParentDir(ctx context.Context, parentId blockstore.Id, fn func(dir *fsblobstore.DirBlob) error) error {
	ph, err := d.fs.Load(ctx, parentId)
	if err != nil {
		return cryerr.Storage(err)
	}
	if ph == nil {
		return cryerr.Posix(enoent)
	}
	defer ph.Close(ctx)
	dir, ok := ph.FsBlob.(*fsblobstore.DirBlob)
	if !ok {
		return cryerr.Posix(enotdir)
	}
	return fn(dir)
}

// create is the shared body of Mkdir/CreateFile/CreateSymlink: check the
// name is free, create the child blob, register it in the parent, return
// its id and attributes.
func (d *Device) create(
	ctx context.Context,
	parentId blockstore.Id,
	name string,
	mode, uid, gid uint32,
	mk func() (*FsHandle, error),
) (blockstore.Id, Attr, error) {
	var childId blockstore.Id
	var attr Attr
	err := d.withParentDir(ctx, parentId, func(dir *fsblobstore.DirBlob) error {
		if _, exists := dir.GetChildByName(name); exists {
			return cryerr.Posix(eexist)
		}
		h, err := mk()
		if err != nil {
			return cryerr.Storage(err)
		}
		defer h.Close(ctx)
		childId = h.Id()
		if err := dir.AddOrOverwriteChild(ctx, name, childId, h.Type(), mode, uid, gid, h.Atime(), h.Mtime(), nil); err != nil {
			return cryerr.Storage(err)
		}
		size, err := sizeOf(ctx, h.FsBlob)
		if err != nil {
			return cryerr.Storage(err)
		}
		attr = attrOf(h.FsBlob, size)
		return nil
	})
	return childId, attr, err
}

func (d *Device) Mkdir(ctx context.Context, parentId blockstore.Id, name string, mode, uid, gid uint32) (blockstore.Id, Attr, error) {
	return d.create(ctx, parentId, name, mode, uid, gid, func() (*FsHandle, error) {
		return d.fs.CreateDirBlob(ctx, parentId)
	})
}

func (d *Device) CreateFile(ctx context.Context, parentId blockstore.Id, name string, mode, uid, gid uint32) (blockstore.Id, Attr, error) {
	return d.create(ctx, parentId, name, mode, uid, gid, func() (*FsHandle, error) {
		return d.fs.CreateFileBlob(ctx, parentId)
	})
}

func (d *Device) CreateSymlink(ctx context.Context, parentId blockstore.Id, name, target string, uid, gid uint32) (blockstore.Id, Attr, error) {
	return d.create(ctx, parentId, name, 0o120777, uid, gid, func() (*FsHandle, error) {
		return d.fs.CreateSymlinkBlob(ctx, target, parentId)
	})
}

// removeChild implements Unlink/Rmdir's shared shape: look the name up,
// check type/emptiness, drop the directory entry, then remove the child's
// blob. Removal is not recursive; a directory is only removed once it has
// no entries.
func (d *Device) removeChild(ctx context.Context, parentId blockstore.Id, name string, wantDir bool) error {
	var childId blockstore.Id
	err := d.withParentDir(ctx, parentId, func(dir *fsblobstore.DirBlob) error {
		entry, ok := dir.GetChildByName(name)
		if !ok {
			return cryerr.Posix(enoent)
		}
		isDir := entry.Type == fsblobstore.BlobTypeDir
		if wantDir && !isDir {
			return cryerr.Posix(enotdir)
		}
		if !wantDir && isDir {
			return cryerr.Posix(eisdir)
		}
		if isDir {
			children, err := d.ReadDir(ctx, entry.ChildId)
			if err != nil {
				return err
			}
			if len(children) > 0 {
				return cryerr.Posix(enotempty)
			}
		}
		childId = entry.ChildId
		return dir.RemoveChildByName(ctx, name)
	})
	if err != nil {
		return err
	}
	if err := d.fs.Remove(ctx, childId); err != nil {
		return cryerr.Storage(err)
	}
	return nil
}

func (d *Device) Unlink(ctx context.Context, parentId blockstore.Id, name string) error {
	return d.removeChild(ctx, parentId, name, false)
}

func (d *Device) Rmdir(ctx context.Context, parentId blockstore.Id, name string) error {
	return d.removeChild(ctx, parentId, name, true)
}

// Rename edits at most two dir blobs (source-parent, target-parent) and
// updates the renamed blob's parent pointer. If an entry already exists
// at the destination, Rename removes that entry's blob itself once the
// directory edits are done. The removal is not recursive: the children of
// an overwritten directory are not removed.
func (d *Device) Rename(ctx context.Context, oldParentId blockstore.Id, oldName string, newParentId blockstore.Id, newName string) error {
	var movedId blockstore.Id
	var overwrittenId *blockstore.Id

	if oldParentId == newParentId {
		err := d.withParentDir(ctx, oldParentId, func(dir *fsblobstore.DirBlob) error {
			entry, ok := dir.GetChildByName(oldName)
			if !ok {
				return cryerr.Posix(enoent)
			}
			movedId = entry.ChildId
			return dir.RenameChild(ctx, entry.ChildId, newName, func(oldChildId blockstore.Id) {
				overwrittenId = &oldChildId
			})
		})
		if err != nil {
			return err
		}
	} else {
		var movedEntry fsblobstore.DirEntry
		err := d.withParentDir(ctx, oldParentId, func(dir *fsblobstore.DirBlob) error {
			entry, ok := dir.GetChildByName(oldName)
			if !ok {
				return cryerr.Posix(enoent)
			}
			movedEntry = entry
			movedId = entry.ChildId
			return dir.RemoveChildByName(ctx, oldName)
		})
		if err != nil {
			return err
		}
		err = d.withParentDir(ctx, newParentId, func(dir *fsblobstore.DirBlob) error {
			return dir.AddOrOverwriteChild(ctx, newName, movedEntry.ChildId, movedEntry.Type, movedEntry.Mode, movedEntry.Uid, movedEntry.Gid, movedEntry.Atime, movedEntry.Mtime, func(oldChildId blockstore.Id) {
				overwrittenId = &oldChildId
			})
		})
		if err != nil {
			return err
		}
		h, err := d.fs.Load(ctx, movedId)
		if err != nil {
			return cryerr.Storage(err)
		}
		if h != nil {
			err = h.SetParentId(ctx, newParentId)
			h.Close(ctx)
			if err != nil {
				return cryerr.Storage(err)
			}
		}
	}

	if overwrittenId != nil {
		if err := d.fs.Remove(ctx, *overwrittenId); err != nil {
			return cryerr.Storage(err)
		}
	}
	return nil
}

func (d *Device) Chmod(ctx context.Context, id blockstore.Id, mode uint32) error {
	h, err := d.fs.Load(ctx, id)
	if err != nil {
		return cryerr.Storage(err)
	}
	if h == nil {
		return cryerr.Posix(enoent)
	}
	defer h.Close(ctx)
	return cryerr.Storage(h.Chmod(ctx, mode))
}

func (d *Device) Chown(ctx context.Context, id blockstore.Id, uid, gid uint32) error {
	h, err := d.fs.Load(ctx, id)
	if err != nil {
		return cryerr.Storage(err)
	}
	if h == nil {
		return cryerr.Posix(enoent)
	}
	defer h.Close(ctx)
	return cryerr.Storage(h.Chown(ctx, uid, gid))
}

func (d *Device) Utimens(ctx context.Context, id blockstore.Id, atime, mtime time.Time) error {
	h, err := d.fs.Load(ctx, id)
	if err != nil {
		return cryerr.Storage(err)
	}
	if h == nil {
		return cryerr.Posix(enoent)
	}
	defer h.Close(ctx)
	ts := func(t time.Time) fsblobstore.Timespec {
		return fsblobstore.Timespec{Sec: t.Unix(), Nsec: int32(t.Nanosecond())}
	}
	return cryerr.Storage(h.SetAccessTimes(ctx, ts(atime), ts(mtime), ts(time.Now())))
}

func (d *Device) ReadFile(ctx context.Context, id blockstore.Id, dst []byte, offset uint64) (int, error) {
	h, err := d.fs.Load(ctx, id)
	if err != nil {
		return 0, cryerr.Storage(err)
	}
	if h == nil {
		return 0, cryerr.Posix(enoent)
	}
	defer h.Close(ctx)
	fb, ok := h.FsBlob.(*fsblobstore.FileBlob)
	if !ok {
		return 0, cryerr.Posix(eisdir)
	}
	n, err := fb.Read(ctx, dst, offset)
	if err != nil {
		return n, cryerr.Storage(err)
	}
	return n, nil
}

func (d *Device) WriteFile(ctx context.Context, id blockstore.Id, src []byte, offset uint64) error {
	h, err := d.fs.Load(ctx, id)
	if err != nil {
		return cryerr.Storage(err)
	}
	if h == nil {
		return cryerr.Posix(enoent)
	}
	defer h.Close(ctx)
	fb, ok := h.FsBlob.(*fsblobstore.FileBlob)
	if !ok {
		return cryerr.Posix(eisdir)
	}
	if err := fb.Write(ctx, src, offset); err != nil {
		return cryerr.Storage(err)
	}
	return cryerr.Storage(h.UpdateModificationTimestamp(ctx))
}

func (d *Device) Truncate(ctx context.Context, id blockstore.Id, newSize uint64) error {
	h, err := d.fs.Load(ctx, id)
	if err != nil {
		return cryerr.Storage(err)
	}
	if h == nil {
		return cryerr.Posix(enoent)
	}
	defer h.Close(ctx)
	fb, ok := h.FsBlob.(*fsblobstore.FileBlob)
	if !ok {
		return cryerr.Posix(eisdir)
	}
	return cryerr.Storage(fb.Resize(ctx, newSize))
}

func (d *Device) ReadSymlink(ctx context.Context, id blockstore.Id) (string, error) {
	h, err := d.fs.Load(ctx, id)
	if err != nil {
		return "", cryerr.Storage(err)
	}
	if h == nil {
		return "", cryerr.Posix(enoent)
	}
	defer h.Close(ctx)
	sl, ok := h.FsBlob.(*fsblobstore.SymlinkBlob)
	if !ok {
		return "", xerrors.Errorf("cryfs: not a symlink")
	}
	return sl.Target(ctx)
}

// StatFS delegates to the lowest block store.
func (d *Device) StatFS(ctx context.Context) (numBlocks, freeBytes uint64, err error) {
	numBlocks, err = d.blocks.NumBlocks(ctx)
	if err != nil {
		return 0, 0, cryerr.Storage(err)
	}
	freeBytes, err = d.blocks.EstimateNumFreeBytes(ctx)
	if err != nil {
		return 0, 0, cryerr.Storage(err)
	}
	return numBlocks, freeBytes, nil
}
