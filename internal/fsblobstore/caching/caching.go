// Package caching adds a small LRU of FsBlob wrappers on top of
// fsblobstore.Store, so that repeated stat/readdir calls for the same
// directory do not re-parse its header and DirEntryList every time.
// Wrappers enter the cache when they are created or loaded and stay there
// while in use; there is no release step that hands a wrapper back.
package caching

import (
	"container/list"
	"context"
	"sync"

	"github.com/cryfs-go/cryfs/internal/blockstore"
	"github.com/cryfs-go/cryfs/internal/fsblobstore"
)

// Capacity is the fixed number of cached FsBlob wrappers held in this
// second, small LRU.
const Capacity = 50

type entry struct {
	id   blockstore.Id
	blob fsblobstore.FsBlob
}

// Store wraps an fsblobstore.Store with the 50-entry LRU.
type Store struct {
	lower *fsblobstore.Store

	mu    sync.Mutex
	lru   *list.List
	elems map[blockstore.Id]*list.Element
}

func New(lower *fsblobstore.Store) *Store {
	return &Store{
		lower: lower,
		lru:   list.New(),
		elems: make(map[blockstore.Id]*list.Element),
	}
}

func (s *Store) insert(id blockstore.Id, blob fsblobstore.FsBlob) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if elem, ok := s.elems[id]; ok {
		elem.Value.(*entry).blob = blob
		s.lru.MoveToFront(elem)
		return
	}
	elem := s.lru.PushFront(&entry{id: id, blob: blob})
	s.elems[id] = elem
	for s.lru.Len() > Capacity {
		oldest := s.lru.Back()
		s.lru.Remove(oldest)
		delete(s.elems, oldest.Value.(*entry).id)
	}
}

func (s *Store) evict(id blockstore.Id) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if elem, ok := s.elems[id]; ok {
		s.lru.Remove(elem)
		delete(s.elems, id)
	}
}

func (s *Store) CreateFileBlob(ctx context.Context, parentId blockstore.Id) (*fsblobstore.FileBlob, error) {
	b, err := s.lower.CreateFileBlob(ctx, parentId)
	if err != nil {
		return nil, err
	}
	s.insert(b.Id(), b)
	return b, nil
}

func (s *Store) CreateDirBlob(ctx context.Context, parentId blockstore.Id) (*fsblobstore.DirBlob, error) {
	b, err := s.lower.CreateDirBlob(ctx, parentId)
	if err != nil {
		return nil, err
	}
	s.insert(b.Id(), b)
	return b, nil
}

func (s *Store) CreateRootDirBlob(ctx context.Context, rootId blockstore.Id) (*fsblobstore.DirBlob, error) {
	b, err := s.lower.CreateRootDirBlob(ctx, rootId)
	if err != nil {
		return nil, err
	}
	s.insert(b.Id(), b)
	return b, nil
}

func (s *Store) CreateSymlinkBlob(ctx context.Context, target string, parentId blockstore.Id) (*fsblobstore.SymlinkBlob, error) {
	b, err := s.lower.CreateSymlinkBlob(ctx, target, parentId)
	if err != nil {
		return nil, err
	}
	s.insert(b.Id(), b)
	return b, nil
}

// Load returns the cached wrapper if id was recently created or loaded, or
// loads it from the lower layer and caches it.
func (s *Store) Load(ctx context.Context, id blockstore.Id) (fsblobstore.FsBlob, error) {
	s.mu.Lock()
	if elem, ok := s.elems[id]; ok {
		s.lru.MoveToFront(elem)
		blob := elem.Value.(*entry).blob
		s.mu.Unlock()
		return blob, nil
	}
	s.mu.Unlock()

	blob, err := s.lower.Load(ctx, id)
	if err != nil || blob == nil {
		return blob, err
	}
	s.insert(id, blob)
	return blob, nil
}

func (s *Store) Remove(ctx context.Context, id blockstore.Id) error {
	if err := s.lower.Remove(ctx, id); err != nil {
		return err
	}
	s.evict(id)
	return nil
}
