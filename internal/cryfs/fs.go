// fs.go adapts Device to fuseutil.FileSystem: an inode table mapping
// fuseops.InodeID to the underlying blockstore.Id, plus one dispatch
// method per FUSE operation, each translating a Device call's result into
// the fuseops reply shape (or a syscall.Errno on failure).
package cryfs

import (
	"context"
	"io"
	"log"
	"os"
	"sync"
	"time"

	"github.com/jacobsa/fuse"
	"github.com/jacobsa/fuse/fuseops"
	"github.com/jacobsa/fuse/fuseutil"

	"github.com/cryfs-go/cryfs/internal/blockstore"
	"github.com/cryfs-go/cryfs/internal/cryerr"
	"github.com/cryfs-go/cryfs/internal/fsblobstore"
)

// attrTTL bounds how long the kernel may cache attributes and directory
// entries it gets back from this filesystem before re-validating them.
var attrTTL = 1 * time.Second

type inodeEntry struct {
	id      blockstore.Id
	lookups uint64 // outstanding kernel references; dropped via ForgetInode
}

// dirHandle is a snapshot of a directory's entries taken at OpenDir time,
// so repeated ReadDir calls at increasing offsets see a consistent
// listing even if the directory is mutated concurrently by another
// operation.
type dirHandle struct {
	entries []fuseutil.Dirent
}

// FileSystem is the fuseutil.FileSystem implementation backing one mount.
// Construct via New.
type FileSystem struct {
	fuseutil.NotImplementedFileSystem

	dev *Device

	mu        sync.Mutex
	inodes    map[fuseops.InodeID]*inodeEntry
	byBlobId  map[blockstore.Id]fuseops.InodeID
	nextInode fuseops.InodeID

	handlesMu  sync.Mutex
	dirHandles map[fuseops.HandleID]*dirHandle
	nextHandle fuseops.HandleID
}

// New builds the FUSE-facing filesystem over dev. The root directory blob
// is pinned to fuseops.RootInodeID, matching FUSE's requirement that the
// root inode number always be 1.
func New(dev *Device) *FileSystem {
	fs := &FileSystem{
		dev:        dev,
		inodes:     make(map[fuseops.InodeID]*inodeEntry),
		byBlobId:   make(map[blockstore.Id]fuseops.InodeID),
		nextInode:  fuseops.RootInodeID + 1,
		dirHandles: make(map[fuseops.HandleID]*dirHandle),
	}
	fs.inodes[fuseops.RootInodeID] = &inodeEntry{id: dev.RootId, lookups: 1}
	fs.byBlobId[dev.RootId] = fuseops.RootInodeID
	return fs
}

// inodeFor returns the stable FUSE inode number for blob id, allocating a
// fresh one on first sight and bumping its lookup count.
func (fs *FileSystem) inodeFor(id blockstore.Id) fuseops.InodeID {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	if ino, ok := fs.byBlobId[id]; ok {
		fs.inodes[ino].lookups++
		return ino
	}
	ino := fs.nextInode
	fs.nextInode++
	fs.inodes[ino] = &inodeEntry{id: id, lookups: 1}
	fs.byBlobId[id] = ino
	return ino
}

func (fs *FileSystem) blobIdFor(ino fuseops.InodeID) (blockstore.Id, bool) {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	e, ok := fs.inodes[ino]
	if !ok {
		return blockstore.Id{}, false
	}
	return e.id, true
}

func toFuseAttr(a Attr) fuseops.InodeAttributes {
	mode := os.FileMode(a.Mode & 0o7777)
	switch a.Type {
	case fsblobstore.BlobTypeDir:
		mode |= os.ModeDir
	case fsblobstore.BlobTypeSymlink:
		mode |= os.ModeSymlink
	}
	return fuseops.InodeAttributes{
		Size:  a.Size,
		Nlink: 1,
		Mode:  mode,
		Uid:   a.Uid,
		Gid:   a.Gid,
		Atime: a.Atime,
		Mtime: a.Mtime,
		Ctime: a.Ctime,
	}
}

func asErrno(err error) error {
	if err == nil {
		return nil
	}
	return cryerr.ToErrno(err)
}

func (fs *FileSystem) StatFS(ctx context.Context, op *fuseops.StatFSOp) error {
	numBlocks, freeBytes, err := fs.dev.StatFS(ctx)
	if err != nil {
		return asErrno(err)
	}
	op.BlockSize = 4096
	op.Blocks = numBlocks
	op.BlocksFree = freeBytes / uint64(op.BlockSize)
	op.BlocksAvailable = op.BlocksFree
	op.IoSize = 65536
	return nil
}

func (fs *FileSystem) LookUpInode(ctx context.Context, op *fuseops.LookUpInodeOp) error {
	parentId, ok := fs.blobIdFor(op.Parent)
	if !ok {
		return fuse.EIO
	}
	childId, attr, err := fs.dev.Lookup(ctx, parentId, op.Name)
	if err != nil {
		if cryerr.ToErrno(err) == enoent {
			return fuse.ENOENT
		}
		return asErrno(err)
	}
	op.Entry.Child = fs.inodeFor(childId)
	op.Entry.Attributes = toFuseAttr(attr)
	op.Entry.AttributesExpiration = time.Now().Add(attrTTL)
	op.Entry.EntryExpiration = time.Now().Add(attrTTL)
	return nil
}

func (fs *FileSystem) GetInodeAttributes(ctx context.Context, op *fuseops.GetInodeAttributesOp) error {
	id, ok := fs.blobIdFor(op.Inode)
	if !ok {
		return fuse.ENOENT
	}
	attr, err := fs.dev.Stat(ctx, id)
	if err != nil {
		return asErrno(err)
	}
	op.Attributes = toFuseAttr(attr)
	op.AttributesExpiration = time.Now().Add(attrTTL)
	return nil
}

func (fs *FileSystem) SetInodeAttributes(ctx context.Context, op *fuseops.SetInodeAttributesOp) error {
	id, ok := fs.blobIdFor(op.Inode)
	if !ok {
		return fuse.ENOENT
	}
	if op.Mode != nil {
		if err := fs.dev.Chmod(ctx, id, uint32(*op.Mode)); err != nil {
			return asErrno(err)
		}
	}
	if op.Size != nil {
		if err := fs.dev.Truncate(ctx, id, *op.Size); err != nil {
			return asErrno(err)
		}
	}
	if op.Atime != nil || op.Mtime != nil {
		atime, mtime := time.Now(), time.Now()
		if op.Atime != nil {
			atime = *op.Atime
		}
		if op.Mtime != nil {
			mtime = *op.Mtime
		}
		if err := fs.dev.Utimens(ctx, id, atime, mtime); err != nil {
			return asErrno(err)
		}
	}
	attr, err := fs.dev.Stat(ctx, id)
	if err != nil {
		return asErrno(err)
	}
	op.Attributes = toFuseAttr(attr)
	op.AttributesExpiration = time.Now().Add(attrTTL)
	return nil
}

func (fs *FileSystem) ForgetInode(ctx context.Context, op *fuseops.ForgetInodeOp) error {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	e, ok := fs.inodes[op.Inode]
	if !ok {
		return nil
	}
	if op.N >= e.lookups {
		delete(fs.inodes, op.Inode)
		delete(fs.byBlobId, e.id)
		return nil
	}
	e.lookups -= op.N
	return nil
}

func (fs *FileSystem) MkDir(ctx context.Context, op *fuseops.MkDirOp) error {
	parentId, ok := fs.blobIdFor(op.Parent)
	if !ok {
		return fuse.EIO
	}
	childId, attr, err := fs.dev.Mkdir(ctx, parentId, op.Name, uint32(op.Mode), op.Uid, op.Gid)
	if err != nil {
		return asErrno(err)
	}
	op.Entry.Child = fs.inodeFor(childId)
	op.Entry.Attributes = toFuseAttr(attr)
	op.Entry.AttributesExpiration = time.Now().Add(attrTTL)
	op.Entry.EntryExpiration = time.Now().Add(attrTTL)
	return nil
}

func (fs *FileSystem) CreateFile(ctx context.Context, op *fuseops.CreateFileOp) error {
	parentId, ok := fs.blobIdFor(op.Parent)
	if !ok {
		return fuse.EIO
	}
	childId, attr, err := fs.dev.CreateFile(ctx, parentId, op.Name, uint32(op.Mode), op.Uid, op.Gid)
	if err != nil {
		return asErrno(err)
	}
	op.Entry.Child = fs.inodeFor(childId)
	op.Entry.Attributes = toFuseAttr(attr)
	op.Entry.AttributesExpiration = time.Now().Add(attrTTL)
	op.Entry.EntryExpiration = time.Now().Add(attrTTL)
	return nil
}

func (fs *FileSystem) CreateSymlink(ctx context.Context, op *fuseops.CreateSymlinkOp) error {
	parentId, ok := fs.blobIdFor(op.Parent)
	if !ok {
		return fuse.EIO
	}
	childId, attr, err := fs.dev.CreateSymlink(ctx, parentId, op.Name, op.Target, op.Uid, op.Gid)
	if err != nil {
		return asErrno(err)
	}
	op.Entry.Child = fs.inodeFor(childId)
	op.Entry.Attributes = toFuseAttr(attr)
	op.Entry.AttributesExpiration = time.Now().Add(attrTTL)
	op.Entry.EntryExpiration = time.Now().Add(attrTTL)
	return nil
}

func (fs *FileSystem) ReadSymlink(ctx context.Context, op *fuseops.ReadSymlinkOp) error {
	id, ok := fs.blobIdFor(op.Inode)
	if !ok {
		return fuse.ENOENT
	}
	target, err := fs.dev.ReadSymlink(ctx, id)
	if err != nil {
		return asErrno(err)
	}
	op.Target = target
	return nil
}

func (fs *FileSystem) Rename(ctx context.Context, op *fuseops.RenameOp) error {
	oldParentId, ok := fs.blobIdFor(op.OldParent)
	if !ok {
		return fuse.EIO
	}
	newParentId, ok := fs.blobIdFor(op.NewParent)
	if !ok {
		return fuse.EIO
	}
	return asErrno(fs.dev.Rename(ctx, oldParentId, op.OldName, newParentId, op.NewName))
}

func (fs *FileSystem) RmDir(ctx context.Context, op *fuseops.RmDirOp) error {
	parentId, ok := fs.blobIdFor(op.Parent)
	if !ok {
		return fuse.EIO
	}
	return asErrno(fs.dev.Rmdir(ctx, parentId, op.Name))
}

func (fs *FileSystem) Unlink(ctx context.Context, op *fuseops.UnlinkOp) error {
	parentId, ok := fs.blobIdFor(op.Parent)
	if !ok {
		return fuse.EIO
	}
	return asErrno(fs.dev.Unlink(ctx, parentId, op.Name))
}

func (fs *FileSystem) OpenDir(ctx context.Context, op *fuseops.OpenDirOp) error {
	id, ok := fs.blobIdFor(op.Inode)
	if !ok {
		return fuse.ENOENT
	}
	entries, err := fs.dev.ReadDir(ctx, id)
	if err != nil {
		return asErrno(err)
	}
	dirents := make([]fuseutil.Dirent, 0, len(entries))
	for i, e := range entries {
		typ := fuseutil.DT_File
		switch e.Type {
		case fsblobstore.BlobTypeDir:
			typ = fuseutil.DT_Directory
		case fsblobstore.BlobTypeSymlink:
			typ = fuseutil.DT_Link
		}
		dirents = append(dirents, fuseutil.Dirent{
			Offset: fuseops.DirOffset(i + 1),
			Inode:  fs.inodeFor(e.ChildId),
			Name:   e.Name,
			Type:   typ,
		})
	}
	fs.handlesMu.Lock()
	op.Handle = fs.nextHandle
	fs.nextHandle++
	fs.dirHandles[op.Handle] = &dirHandle{entries: dirents}
	fs.handlesMu.Unlock()
	return nil
}

func (fs *FileSystem) ReadDir(ctx context.Context, op *fuseops.ReadDirOp) error {
	fs.handlesMu.Lock()
	h, ok := fs.dirHandles[op.Handle]
	fs.handlesMu.Unlock()
	if !ok {
		return fuse.EIO
	}
	if int(op.Offset) > len(h.entries) {
		return fuse.EIO
	}
	for _, e := range h.entries[op.Offset:] {
		n := fuseutil.WriteDirent(op.Dst[op.BytesRead:], e)
		if n == 0 {
			break
		}
		op.BytesRead += n
	}
	return nil
}

func (fs *FileSystem) ReleaseDirHandle(ctx context.Context, op *fuseops.ReleaseDirHandleOp) error {
	fs.handlesMu.Lock()
	delete(fs.dirHandles, op.Handle)
	fs.handlesMu.Unlock()
	return nil
}

func (fs *FileSystem) OpenFile(ctx context.Context, op *fuseops.OpenFileOp) error {
	if _, ok := fs.blobIdFor(op.Inode); !ok {
		return fuse.ENOENT
	}
	return nil
}

func (fs *FileSystem) ReadFile(ctx context.Context, op *fuseops.ReadFileOp) error {
	id, ok := fs.blobIdFor(op.Inode)
	if !ok {
		return fuse.ENOENT
	}
	n, err := fs.dev.ReadFile(ctx, id, op.Dst, uint64(op.Offset))
	op.BytesRead = n
	if err != nil {
		if err == io.EOF {
			return nil
		}
		return asErrno(err)
	}
	return nil
}

func (fs *FileSystem) WriteFile(ctx context.Context, op *fuseops.WriteFileOp) error {
	id, ok := fs.blobIdFor(op.Inode)
	if !ok {
		return fuse.ENOENT
	}
	return asErrno(fs.dev.WriteFile(ctx, id, op.Data, uint64(op.Offset)))
}

func (fs *FileSystem) SyncFile(ctx context.Context, op *fuseops.SyncFileOp) error {
	return nil // every write already goes straight through to the block store
}

func (fs *FileSystem) FlushFile(ctx context.Context, op *fuseops.FlushFileOp) error {
	return nil
}

func (fs *FileSystem) ReleaseFileHandle(ctx context.Context, op *fuseops.ReleaseFileHandleOp) error {
	return nil
}

func (fs *FileSystem) Destroy() {
	log.Printf("cryfs: filesystem destroyed")
}
