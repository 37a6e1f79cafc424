// Package caching implements CachingBlockStore: a bounded write-back
// LRU cache of recently used blocks sitting above IntegrityBlockStore,
// with a background timer flushing dirty entries older than
// MaxLifetime.
package caching

import (
	"container/list"
	"context"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/cryfs-go/cryfs/internal/blockstore"
)

// Capacity is the fixed cache size in entries.
const Capacity = 1000

// MaxLifetime bounds how long a dirty entry may sit in RAM before the
// background timer flushes it.
const MaxLifetime = 1 * time.Second

// tickInterval is how often the flush timer wakes up to scan for entries
// older than MaxLifetime. It does not need to equal MaxLifetime; a finer
// tick just bounds flush latency more tightly.
const tickInterval = 100 * time.Millisecond

type entry struct {
	id       blockstore.Id
	data     []byte
	dirty    bool
	removed  bool // tombstoned locally; not yet forwarded to lower
	lastUse  time.Time
	dirtySince time.Time
	elem     *list.Element // position in the LRU list
}

// Store is a bounded write-back cache over a lower blockstore.Store.
type Store struct {
	lower blockstore.Store

	mu      sync.Mutex
	entries map[blockstore.Id]*entry
	lru     *list.List // front = most recently used

	stop chan struct{}
	done chan struct{}
}

// New wraps lower with a bounded write-back cache and starts its
// background flush timer. Close must be called to stop the timer and
// flush remaining dirty entries.
func New(lower blockstore.Store) *Store {
	s := &Store{
		lower:   lower,
		entries: make(map[blockstore.Id]*entry),
		lru:     list.New(),
		stop:    make(chan struct{}),
		done:    make(chan struct{}),
	}
	go s.flushLoop()
	return s
}

// Close stops the background flush timer and flushes every remaining
// dirty entry.
func (s *Store) Close(ctx context.Context) error {
	close(s.stop)
	<-s.done
	return s.FlushAll(ctx)
}

func (s *Store) flushLoop() {
	defer close(s.done)
	t := time.NewTicker(tickInterval)
	defer t.Stop()
	for {
		select {
		case <-s.stop:
			return
		case <-t.C:
			s.flushExpired()
		}
	}
}

// flushExpired snapshots the dirty set older than MaxLifetime under the
// lock, then flushes each outside the lock, retrying any failure on the
// next tick.
func (s *Store) flushExpired() {
	now := time.Now()
	s.mu.Lock()
	var toFlush []*entry
	for _, e := range s.entries {
		if e.dirty && !e.removed && now.Sub(e.dirtySince) >= MaxLifetime {
			toFlush = append(toFlush, e)
		}
	}
	s.mu.Unlock()

	for _, e := range toFlush {
		if err := s.flushEntry(context.Background(), e); err != nil {
			// Best-effort retry on next tick: a caller-visible error channel
			// is out of scope for a background loop, so the entry simply
			// remains dirty and is retried.
			continue
		}
	}
}

func (s *Store) flushEntry(ctx context.Context, e *entry) error {
	s.mu.Lock()
	if !e.dirty || e.removed {
		s.mu.Unlock()
		return nil
	}
	data := append([]byte{}, e.data...)
	s.mu.Unlock()

	if _, err := s.lower.Overwrite(ctx, e.id, data); err != nil {
		return err
	}

	s.mu.Lock()
	e.dirty = false
	s.mu.Unlock()
	return nil
}

// FlushAll flushes every dirty entry. Used by Close and by tests.
func (s *Store) FlushAll(ctx context.Context) error {
	s.mu.Lock()
	var toFlush []*entry
	for _, e := range s.entries {
		if e.dirty && !e.removed {
			toFlush = append(toFlush, e)
		}
	}
	s.mu.Unlock()

	eg, ctx := errgroup.WithContext(ctx)
	for _, e := range toFlush {
		e := e
		eg.Go(func() error { return s.flushEntry(ctx, e) })
	}
	return eg.Wait()
}

func (s *Store) touch(e *entry) {
	if e.elem != nil {
		s.lru.Remove(e.elem)
	}
	e.lastUse = time.Now()
	e.elem = s.lru.PushFront(e)
}

// evictLocked removes least-recently-used entries until the cache is back
// at Capacity and returns the ones that were dirty, for the caller to
// flush to lower once it has released s.mu: dirty entries must be
// flushed before eviction.
func (s *Store) evictLocked() []*entry {
	var dirty []*entry
	for len(s.entries) > Capacity {
		back := s.lru.Back()
		if back == nil {
			return dirty
		}
		e := back.Value.(*entry)
		s.lru.Remove(back)
		delete(s.entries, e.id)
		if e.dirty && !e.removed {
			dirty = append(dirty, &entry{id: e.id, data: append([]byte{}, e.data...)})
		}
	}
	return dirty
}

func (s *Store) flushEvicted(ctx context.Context, evicted []*entry) {
	for _, e := range evicted {
		s.lower.Overwrite(ctx, e.id, e.data)
	}
}

func (s *Store) CreateId() blockstore.Id { return s.lower.CreateId() }

func (s *Store) TryCreate(ctx context.Context, id blockstore.Id, data []byte) (blockstore.Block, error) {
	s.mu.Lock()
	if _, exists := s.entries[id]; exists {
		s.mu.Unlock()
		return nil, nil
	}
	s.mu.Unlock()

	lowerBlock, err := s.lower.TryCreate(ctx, id, data)
	if err != nil {
		return nil, err
	}
	if lowerBlock == nil {
		return nil, nil
	}
	if err := lowerBlock.Close(ctx); err != nil {
		return nil, err
	}

	s.mu.Lock()
	e := &entry{id: id, data: append([]byte{}, data...)}
	s.entries[id] = e
	s.touch(e)
	evicted := s.evictLocked()
	s.mu.Unlock()
	s.flushEvicted(ctx, evicted)
	return newHandle(s, id), nil
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
	s.mu.Lock()
	e, hit := s.entries[id]
	if hit {
		if e.removed {
			s.mu.Unlock()
			return nil, nil
		}
		s.touch(e)
		s.mu.Unlock()
		return newHandle(s, id), nil
	}
	s.mu.Unlock()

	lowerBlock, err := s.lower.Load(ctx, id)
	if err != nil {
		return nil, err
	}
	if lowerBlock == nil {
		return nil, nil
	}
	data := append([]byte{}, lowerBlock.Data()...)
	if err := lowerBlock.Close(ctx); err != nil {
		return nil, err
	}

	s.mu.Lock()
	// Another goroutine may have raced us to installing this id; the
	// entry already installed wins and the copy just loaded is dropped.
	if existing, ok := s.entries[id]; ok {
		s.touch(existing)
		s.mu.Unlock()
		return newHandle(s, id), nil
	}
	e = &entry{id: id, data: data}
	s.entries[id] = e
	s.touch(e)
	evicted := s.evictLocked()
	s.mu.Unlock()
	s.flushEvicted(ctx, evicted)
	return newHandle(s, id), nil
}

func (s *Store) Overwrite(ctx context.Context, id blockstore.Id, data []byte) (blockstore.Block, error) {
	s.mu.Lock()
	e, ok := s.entries[id]
	if !ok {
		e = &entry{id: id}
		s.entries[id] = e
	}
	e.data = append([]byte{}, data...)
	e.dirty = true
	e.removed = false
	e.dirtySince = time.Now()
	s.touch(e)
	evicted := s.evictLocked()
	s.mu.Unlock()
	s.flushEvicted(ctx, evicted)
	return newHandle(s, id), nil
}

func (s *Store) Remove(ctx context.Context, id blockstore.Id) error {
	s.mu.Lock()
	if e, ok := s.entries[id]; ok {
		e.removed = true
		e.dirty = false
		if e.elem != nil {
			s.lru.Remove(e.elem)
			e.elem = nil
		}
		delete(s.entries, id)
	}
	s.mu.Unlock()
	return s.lower.Remove(ctx, id)
}

func (s *Store) NumBlocks(ctx context.Context) (uint64, error) {
	// The union of cached-created and lower-known ids, minus removed ids.
	// Cached entries always correspond to something the lower
	// store will also report once flushed, except for newly created,
	// not-yet-flushed entries — so we count the lower store and add any
	// cached ids it doesn't know about yet.
	n, err := s.lower.NumBlocks(ctx)
	if err != nil {
		return 0, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	extra := uint64(0)
	for id, e := range s.entries {
		if !e.dirty {
			continue
		}
		known, err := lowerHas(ctx, s.lower, id)
		if err == nil && !known {
			extra++
		}
	}
	return n + extra, nil
}

func lowerHas(ctx context.Context, lower blockstore.Store, id blockstore.Id) (bool, error) {
	b, err := lower.Load(ctx, id)
	if err != nil {
		return false, err
	}
	if b == nil {
		return false, nil
	}
	return true, b.Close(ctx)
}

func (s *Store) EstimateNumFreeBytes(ctx context.Context) (uint64, error) {
	return s.lower.EstimateNumFreeBytes(ctx)
}

func (s *Store) BlockSizeFromPhysicalBlockSize(physicalSize uint64) uint64 {
	return s.lower.BlockSizeFromPhysicalBlockSize(physicalSize)
}

func (s *Store) ForEachBlock(ctx context.Context, f func(blockstore.Id) error) error {
	seen := make(map[blockstore.Id]bool)
	s.mu.Lock()
	removed := make(map[blockstore.Id]bool)
	var created []blockstore.Id
	for id, e := range s.entries {
		if e.removed {
			removed[id] = true
			continue
		}
		created = append(created, id)
	}
	s.mu.Unlock()

	for _, id := range created {
		seen[id] = true
		if err := f(id); err != nil {
			return err
		}
	}
	return s.lower.ForEachBlock(ctx, func(id blockstore.Id) error {
		if seen[id] || removed[id] {
			return nil
		}
		return f(id)
	})
}
