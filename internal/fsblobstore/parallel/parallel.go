// Package parallel mirrors blockstore/parallel one level up: it enforces
// at-most-one-live-FsBlob-handle-per-id over an fsblobstore-shaped lower
// layer.
package parallel

import (
	"context"
	"sync"

	"golang.org/x/xerrors"

	"github.com/cryfs-go/cryfs/internal/blockstore"
	"github.com/cryfs-go/cryfs/internal/fsblobstore"
)

// lower is the subset of fsblobstore.Store (or fsblobstore/caching.Store)
// this layer wraps — satisfied by both, so parallel can sit directly on
// top of either.
type lower interface {
	CreateFileBlob(ctx context.Context, parentId blockstore.Id) (*fsblobstore.FileBlob, error)
	CreateDirBlob(ctx context.Context, parentId blockstore.Id) (*fsblobstore.DirBlob, error)
	CreateSymlinkBlob(ctx context.Context, target string, parentId blockstore.Id) (*fsblobstore.SymlinkBlob, error)
	Load(ctx context.Context, id blockstore.Id) (fsblobstore.FsBlob, error)
	Remove(ctx context.Context, id blockstore.Id) error
}

type openEntry struct {
	refcount      int
	pendingRemove chan struct{}
}

// Store enforces the per-id singleton-FsBlob-handle invariant over lower.
type Store struct {
	lower lower

	mu   sync.Mutex
	open map[blockstore.Id]*openEntry
}

func New(lower lower) *Store {
	return &Store{lower: lower, open: make(map[blockstore.Id]*openEntry)}
}

func (s *Store) acquire(ctx context.Context, id blockstore.Id) error {
	for {
		s.mu.Lock()
		e, ok := s.open[id]
		if !ok {
			s.open[id] = &openEntry{refcount: 1}
			s.mu.Unlock()
			return nil
		}
		if e.pendingRemove == nil {
			e.refcount++
			s.mu.Unlock()
			return nil
		}
		wait := e.pendingRemove
		s.mu.Unlock()
		select {
		case <-wait:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

func (s *Store) release(id blockstore.Id) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.open[id]
	if !ok {
		return
	}
	e.refcount--
	if e.refcount > 0 {
		return
	}
	if e.pendingRemove != nil {
		close(e.pendingRemove)
	}
	delete(s.open, id)
}

// Handle wraps an FsBlob with the release call that lets a waiting Remove
// (and any Load queued behind that Remove) proceed.
type Handle struct {
	fsblobstore.FsBlob
	store *Store
	id    blockstore.Id
}

// Close flushes the underlying blob and releases this id's slot.
func (h *Handle) Close(ctx context.Context) error {
	err := h.FsBlob.Flush(ctx)
	h.store.release(h.id)
	return err
}

func (s *Store) CreateFileBlob(ctx context.Context, parentId blockstore.Id) (*Handle, error) {
	b, err := s.lower.CreateFileBlob(ctx, parentId)
	if err != nil {
		return nil, err
	}
	if err := s.acquire(ctx, b.Id()); err != nil {
		return nil, err
	}
	return &Handle{FsBlob: b, store: s, id: b.Id()}, nil
}

func (s *Store) CreateDirBlob(ctx context.Context, parentId blockstore.Id) (*Handle, error) {
	b, err := s.lower.CreateDirBlob(ctx, parentId)
	if err != nil {
		return nil, err
	}
	if err := s.acquire(ctx, b.Id()); err != nil {
		return nil, err
	}
	return &Handle{FsBlob: b, store: s, id: b.Id()}, nil
}

func (s *Store) CreateSymlinkBlob(ctx context.Context, target string, parentId blockstore.Id) (*Handle, error) {
	b, err := s.lower.CreateSymlinkBlob(ctx, target, parentId)
	if err != nil {
		return nil, err
	}
	if err := s.acquire(ctx, b.Id()); err != nil {
		return nil, err
	}
	return &Handle{FsBlob: b, store: s, id: b.Id()}, nil
}

// Load returns (nil, nil) if id is not present.
func (s *Store) Load(ctx context.Context, id blockstore.Id) (*Handle, error) {
	if err := s.acquire(ctx, id); err != nil {
		return nil, err
	}
	b, err := s.lower.Load(ctx, id)
	if err != nil {
		s.release(id)
		return nil, err
	}
	if b == nil {
		s.release(id)
		return nil, nil
	}
	return &Handle{FsBlob: b, store: s, id: id}, nil
}

// Remove waits for any live handle on id to be released before forwarding
// the removal to the lower layer.
func (s *Store) Remove(ctx context.Context, id blockstore.Id) error {
	s.mu.Lock()
	e, ok := s.open[id]
	if !ok {
		s.mu.Unlock()
		return s.lower.Remove(ctx, id)
	}
	if e.pendingRemove == nil {
		e.pendingRemove = make(chan struct{})
	}
	wait := e.pendingRemove
	s.mu.Unlock()

	select {
	case <-wait:
	case <-ctx.Done():
		return xerrors.Errorf("fsblobstore/parallel: remove(%s): %w", id, ctx.Err())
	}
	return s.lower.Remove(ctx, id)
}
