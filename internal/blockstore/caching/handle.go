package caching

import (
	"context"
	"time"

	"github.com/cryfs-go/cryfs/internal/blockstore"
)

// handle is a thin view onto a cache entry. All actual bytes live in the
// Store's entries map; the handle just knows which id to look up, which
// keeps the "one cached copy per id" invariant centralized in the Store
// rather than duplicated per handle.
type handle struct {
	store *Store
	id    blockstore.Id
}

func newHandle(s *Store, id blockstore.Id) *handle {
	return &handle{store: s, id: id}
}

func (h *handle) Id() blockstore.Id { return h.id }

func (h *handle) entry() *entry {
	h.store.mu.Lock()
	defer h.store.mu.Unlock()
	return h.store.entries[h.id]
}

func (h *handle) Size() int {
	e := h.entry()
	if e == nil {
		return 0
	}
	h.store.mu.Lock()
	defer h.store.mu.Unlock()
	return len(e.data)
}

func (h *handle) Data() []byte {
	h.store.mu.Lock()
	defer h.store.mu.Unlock()
	e := h.store.entries[h.id]
	if e == nil {
		return nil
	}
	return e.data
}

func (h *handle) Write(src []byte, offset int) error {
	h.store.mu.Lock()
	defer h.store.mu.Unlock()
	e := h.store.entries[h.id]
	if e == nil {
		return blockstore.ErrNotFound
	}
	needed := offset + len(src)
	if needed > len(e.data) {
		grown := make([]byte, needed)
		copy(grown, e.data)
		e.data = grown
	}
	copy(e.data[offset:], src)
	if !e.dirty {
		e.dirtySince = time.Now()
	}
	e.dirty = true
	return nil
}

func (h *handle) Resize(newSize int) error {
	h.store.mu.Lock()
	defer h.store.mu.Unlock()
	e := h.store.entries[h.id]
	if e == nil {
		return blockstore.ErrNotFound
	}
	if newSize == len(e.data) {
		return nil
	}
	if newSize < len(e.data) {
		e.data = e.data[:newSize]
	} else {
		grown := make([]byte, newSize)
		copy(grown, e.data)
		e.data = grown
	}
	if !e.dirty {
		e.dirtySince = time.Now()
	}
	e.dirty = true
	return nil
}

func (h *handle) Flush(ctx context.Context) error {
	e := h.entry()
	if e == nil {
		return nil
	}
	return h.store.flushEntry(ctx, e)
}

func (h *handle) Close(ctx context.Context) error {
	// Dropping a handle does not evict it from the cache — CachingBlockStore
	// keeps it resident until LRU eviction or the flush timer reclaims it.
	// Close only guarantees durability of what was written through this
	// handle.
	return h.Flush(ctx)
}
