package fsblobstore

import (
	"context"
	"time"

	"github.com/cryfs-go/cryfs/internal/blobstore"
	"github.com/cryfs-go/cryfs/internal/blockstore"
)

// now is a var (not a direct time.Now call) so tests can stub it for
// deterministic timestamp assertions.
var now = time.Now

// FsBlob is the common surface of FileBlob, DirBlob and SymlinkBlob: the
// header fields every filesystem object carries, regardless of type.
type FsBlob interface {
	Id() blockstore.Id
	Type() BlobType
	ParentId() blockstore.Id
	SetParentId(ctx context.Context, id blockstore.Id) error

	Mode() uint32
	Chmod(ctx context.Context, mode uint32) error
	Uid() uint32
	Gid() uint32
	Chown(ctx context.Context, uid, gid uint32) error

	Atime() Timespec
	Mtime() Timespec
	Ctime() Timespec
	SetAccessTimes(ctx context.Context, atime, mtime, ctime Timespec) error
	UpdateAccessTimestamp(ctx context.Context) error
	UpdateModificationTimestamp(ctx context.Context) error

	// Flush persists any buffered header/body mutations.
	Flush(ctx context.Context) error
}

// base implements the shared FsBlob surface; FileBlob/DirBlob/SymlinkBlob
// embed it and add their type-specific body.
type base struct {
	blob *blobstore.Blob
	h    header
}

func (b *base) Id() blockstore.Id   { return b.blob.Id() }
func (b *base) Type() BlobType      { return b.h.blobType }
func (b *base) ParentId() blockstore.Id { return b.h.parentId }
func (b *base) Mode() uint32        { return b.h.meta.Mode }
func (b *base) Uid() uint32         { return b.h.meta.Uid }
func (b *base) Gid() uint32         { return b.h.meta.Gid }
func (b *base) Atime() Timespec     { return b.h.meta.Atime }
func (b *base) Mtime() Timespec     { return b.h.meta.Mtime }
func (b *base) Ctime() Timespec     { return b.h.meta.Ctime }

func (b *base) SetParentId(ctx context.Context, id blockstore.Id) error {
	b.h.parentId = id
	return b.writeHeader(ctx)
}

func (b *base) Chmod(ctx context.Context, mode uint32) error {
	// Preserve the file-type bits; only the permission bits are caller
	// controlled, so the mode's file-type bits always agree with the
	// blob's own type byte.
	b.h.meta.Mode = (b.h.meta.Mode &^ 0o007777) | (mode & 0o007777)
	return b.writeHeader(ctx)
}

func (b *base) Chown(ctx context.Context, uid, gid uint32) error {
	b.h.meta.Uid = uid
	b.h.meta.Gid = gid
	return b.writeHeader(ctx)
}

func (b *base) SetAccessTimes(ctx context.Context, atime, mtime, ctime Timespec) error {
	b.h.meta.Atime = atime
	b.h.meta.Mtime = mtime
	b.h.meta.Ctime = ctime
	return b.writeHeader(ctx)
}

func (b *base) UpdateAccessTimestamp(ctx context.Context) error {
	b.h.meta.Atime = timeToTimespec(now())
	return b.writeHeader(ctx)
}

func (b *base) UpdateModificationTimestamp(ctx context.Context) error {
	t := timeToTimespec(now())
	b.h.meta.Mtime = t
	b.h.meta.Ctime = t
	return b.writeHeader(ctx)
}

func (b *base) writeHeader(ctx context.Context) error {
	return b.blob.Write(ctx, encodeHeader(b.h), 0)
}

// Flush persists any buffered mutations. Every setter above already
// writes straight through to the underlying blob, so there is nothing
// buffered at this layer; Flush exists so FsBlob satisfies the same
// "flush on release" shape every blockstore layer's handle follows.
func (b *base) Flush(ctx context.Context) error {
	return b.blob.Flush(ctx)
}
