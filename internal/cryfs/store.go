package cryfs

import (
	"context"

	"github.com/cryfs-go/cryfs/internal/blockstore"
	fsparallel "github.com/cryfs-go/cryfs/internal/fsblobstore/parallel"
)

// parallelAdapter satisfies fsStore by wrapping fsparallel.Store, whose
// *Handle already flushes and releases the per-id slot on Close — exactly
// the behavior FsHandle.close needs, so wrapping is a one-line forward per
// method.
type parallelAdapter struct {
	lower *fsparallel.Store
}

// NewFsStore wraps the fully assembled FsBlobStore stack (parallel over
// caching over fsblobstore.Store) for use by Device.
func NewFsStore(lower *fsparallel.Store) fsStore {
	return &parallelAdapter{lower: lower}
}

func wrap(h *fsparallel.Handle, err error) (*FsHandle, error) {
	if err != nil || h == nil {
		return nil, err
	}
	return &FsHandle{FsBlob: h.FsBlob, close: h.Close}, nil
}

func (a *parallelAdapter) CreateFileBlob(ctx context.Context, parentId blockstore.Id) (*FsHandle, error) {
	return wrap(a.lower.CreateFileBlob(ctx, parentId))
}

func (a *parallelAdapter) CreateDirBlob(ctx context.Context, parentId blockstore.Id) (*FsHandle, error) {
	return wrap(a.lower.CreateDirBlob(ctx, parentId))
}

func (a *parallelAdapter) CreateSymlinkBlob(ctx context.Context, target string, parentId blockstore.Id) (*FsHandle, error) {
	return wrap(a.lower.CreateSymlinkBlob(ctx, target, parentId))
}

func (a *parallelAdapter) Load(ctx context.Context, id blockstore.Id) (*FsHandle, error) {
	return wrap(a.lower.Load(ctx, id))
}

func (a *parallelAdapter) Remove(ctx context.Context, id blockstore.Id) error {
	return a.lower.Remove(ctx, id)
}
