package blobstore

import (
	"context"

	"github.com/cryfs-go/cryfs/internal/blockstore"
)

// BlobStore creates, loads and removes Blobs on top of a blockstore.Store.
type BlobStore struct {
	ns *nodeStore
}

// New wraps blocks, a fully assembled blockstore.Store (ondisk → encrypted
// → integrity → caching → parallel), as a BlobStore. blockSize must match
// the block size the store was configured with.
func New(blocks blockstore.Store, blockSize int) *BlobStore {
	return &BlobStore{ns: newNodeStore(blocks, blockSize)}
}

// Create allocates a new, empty blob (a single empty leaf) and returns it.
func (s *BlobStore) Create(ctx context.Context) (*Blob, error) {
	id, err := s.ns.createLeaf(ctx, nil)
	if err != nil {
		return nil, err
	}
	return &Blob{ns: s.ns, id: id}, nil
}

// CreateWithId allocates a new, empty blob under a caller-chosen id. It
// fails if id is already in use. Used only to bootstrap a filesystem root,
// whose id must match the one already written into cryfs.config.
func (s *BlobStore) CreateWithId(ctx context.Context, id blockstore.Id) (*Blob, error) {
	if err := s.ns.createLeafWithId(ctx, id, nil); err != nil {
		return nil, err
	}
	return &Blob{ns: s.ns, id: id}, nil
}

// Load opens the blob rooted at id. It returns (nil, nil) if no block
// exists under id, mirroring blockstore.Store.Load's not-found contract.
func (s *BlobStore) Load(ctx context.Context, id blockstore.Id) (*Blob, error) {
	block, err := s.ns.blocks.Load(ctx, id)
	if err != nil {
		return nil, err
	}
	if block == nil {
		return nil, nil
	}
	if err := block.Close(ctx); err != nil {
		return nil, err
	}
	return &Blob{ns: s.ns, id: id}, nil
}

// Remove deletes every block belonging to the blob rooted at id.
func (s *BlobStore) Remove(ctx context.Context, id blockstore.Id) error {
	b := &Blob{ns: s.ns, id: id}
	return b.removeSubtree(ctx, id)
}
