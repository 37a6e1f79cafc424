// Package parallel implements ParallelAccessBlockStore: it enforces "at
// most one live handle per id" across the whole process while letting
// different ids proceed concurrently, and serializes remove() against
// any handle currently open on that id.
//
// The implementation is a refcounted map entry per open id, with a
// pending-remove notifier channel and a single short-held sync.Mutex
// guarding the map.
package parallel

import (
	"context"
	"sync"

	"golang.org/x/xerrors"

	"github.com/cryfs-go/cryfs/internal/blockstore"
)

// openEntry tracks one currently-open block id: how many live handles
// reference it and (if a remove() is waiting on refcount reaching zero)
// the channel to signal.
type openEntry struct {
	refcount      int
	pendingRemove chan struct{}
}

// Store enforces the per-id singleton-handle invariant over a lower
// blockstore.Store.
type Store struct {
	lower blockstore.Store

	mu   sync.Mutex
	open map[blockstore.Id]*openEntry
}

// New wraps lower with per-id serialization.
func New(lower blockstore.Store) *Store {
	return &Store{lower: lower, open: make(map[blockstore.Id]*openEntry)}
}

func (s *Store) CreateId() blockstore.Id { return s.lower.CreateId() }

// acquire blocks until id has no pending remove in flight, then marks it
// open (incrementing refcount) and returns. The lock is held only long
// enough to update the map; the actual block I/O happens outside it.
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
			// loop around: re-check state, since remove() clears the entry
			// once refcount drains to zero.
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// release decrements id's refcount; at zero it either wakes a waiting
// remove() or simply forgets the entry (the block itself already lives in
// the lower store/cache).
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

func (s *Store) TryCreate(ctx context.Context, id blockstore.Id, data []byte) (blockstore.Block, error) {
	if err := s.acquire(ctx, id); err != nil {
		return nil, err
	}
	lowerBlock, err := s.lower.TryCreate(ctx, id, data)
	if err != nil {
		s.release(id)
		return nil, err
	}
	if lowerBlock == nil {
		s.release(id)
		return nil, nil
	}
	return newHandle(s, lowerBlock, id), nil
}

func (s *Store) Create(ctx context.Context, data []byte) (blockstore.Block, error) {
	for {
		id := s.CreateId()
		b, err := s.TryCreate(ctx, id, data)
		if err != nil {
			return nil, err
		}
		if b != nil {
			return b, nil
		}
	}
}

func (s *Store) Load(ctx context.Context, id blockstore.Id) (blockstore.Block, error) {
	if err := s.acquire(ctx, id); err != nil {
		return nil, err
	}
	lowerBlock, err := s.lower.Load(ctx, id)
	if err != nil {
		s.release(id)
		return nil, err
	}
	if lowerBlock == nil {
		s.release(id)
		return nil, nil
	}
	return newHandle(s, lowerBlock, id), nil
}

func (s *Store) Overwrite(ctx context.Context, id blockstore.Id, data []byte) (blockstore.Block, error) {
	if err := s.acquire(ctx, id); err != nil {
		return nil, err
	}
	lowerBlock, err := s.lower.Overwrite(ctx, id, data)
	if err != nil {
		s.release(id)
		return nil, err
	}
	return newHandle(s, lowerBlock, id), nil
}

// Remove waits for any live handle on id to be released before
// forwarding the removal to the lower store: a remove call on an id
// that's still open blocks until every handle on it is released.
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
		return xerrors.Errorf("parallel: remove(%s): %w", id, ctx.Err())
	}
	return s.lower.Remove(ctx, id)
}

func (s *Store) NumBlocks(ctx context.Context) (uint64, error) {
	return s.lower.NumBlocks(ctx)
}

func (s *Store) EstimateNumFreeBytes(ctx context.Context) (uint64, error) {
	return s.lower.EstimateNumFreeBytes(ctx)
}

func (s *Store) BlockSizeFromPhysicalBlockSize(physicalSize uint64) uint64 {
	return s.lower.BlockSizeFromPhysicalBlockSize(physicalSize)
}

func (s *Store) ForEachBlock(ctx context.Context, f func(blockstore.Id) error) error {
	return s.lower.ForEachBlock(ctx, f)
}
