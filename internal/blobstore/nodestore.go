package blobstore

import (
	"context"

	"golang.org/x/xerrors"

	"github.com/cryfs-go/cryfs/internal/blockstore"
)

// nodeStore is the low-level block-shaped-as-a-tree-node layer that Blob
// and BlobStore build on. All node reads/writes route through the
// supplied blockstore.Store, so every node read/write goes through the
// full encryption+integrity+caching+parallel-access stack.
type nodeStore struct {
	blocks blockstore.Store
	layout *layout
}

func newNodeStore(blocks blockstore.Store, blockSize int) *nodeStore {
	return &nodeStore{blocks: blocks, layout: newLayout(blockSize)}
}

func (ns *nodeStore) createLeaf(ctx context.Context, data []byte) (blockstore.Id, error) {
	block, err := ns.blocks.Create(ctx, nil)
	if err != nil {
		return blockstore.Id{}, xerrors.Errorf("blobstore: create leaf: %w", err)
	}
	if err := writeLeaf(block, ns.layout, data); err != nil {
		return blockstore.Id{}, err
	}
	id := block.Id()
	if err := block.Close(ctx); err != nil {
		return blockstore.Id{}, err
	}
	return id, nil
}

// createLeafWithId is createLeaf for the one caller that needs a
// caller-chosen id instead of a store-assigned one: the filesystem root,
// whose id is generated and persisted into cryfs.config before any block
// exists.
func (ns *nodeStore) createLeafWithId(ctx context.Context, id blockstore.Id, data []byte) error {
	block, err := ns.blocks.TryCreate(ctx, id, nil)
	if err != nil {
		return xerrors.Errorf("blobstore: create leaf %s: %w", id, err)
	}
	if block == nil {
		return xerrors.Errorf("blobstore: leaf id %s already exists", id)
	}
	if err := writeLeaf(block, ns.layout, data); err != nil {
		return err
	}
	return block.Close(ctx)
}

func (ns *nodeStore) createInner(ctx context.Context, depth uint8, children []blockstore.Id) (blockstore.Id, error) {
	block, err := ns.blocks.Create(ctx, nil)
	if err != nil {
		return blockstore.Id{}, xerrors.Errorf("blobstore: create inner node: %w", err)
	}
	if err := writeInner(block, ns.layout, depth, children); err != nil {
		return blockstore.Id{}, err
	}
	id := block.Id()
	if err := block.Close(ctx); err != nil {
		return blockstore.Id{}, err
	}
	return id, nil
}

// createMinimalSubtreeWithLeaf builds the smallest possible subtree of the
// given depth: a straight chain of single-child inner nodes down to one
// empty leaf. It returns the subtree's root id and the id of that leaf
// (the leaf id is what the caller threads back up as "the newly appended
// leaf").
func (ns *nodeStore) createMinimalSubtreeWithLeaf(ctx context.Context, depth uint8) (subtreeRoot, leaf blockstore.Id, err error) {
	if depth == 0 {
		id, err := ns.createLeaf(ctx, nil)
		return id, id, err
	}
	childRoot, leafId, err := ns.createMinimalSubtreeWithLeaf(ctx, depth-1)
	if err != nil {
		return blockstore.Id{}, blockstore.Id{}, err
	}
	rootId, err := ns.createInner(ctx, depth, []blockstore.Id{childRoot})
	if err != nil {
		return blockstore.Id{}, blockstore.Id{}, err
	}
	return rootId, leafId, nil
}

// copyRawNodeToNewBlock duplicates a node's already-serialized bytes
// (header + payload) into a freshly allocated block, used when a tree
// root is wrapped in a new, deeper root while keeping its own id fixed:
// the old content moves to a new id, and the root's original id is
// reused for the new top-level content, preserving blob id stability.
func (ns *nodeStore) copyRawNodeToNewBlock(ctx context.Context, raw []byte) (blockstore.Id, error) {
	cp := append([]byte{}, raw...)
	block, err := ns.blocks.Create(ctx, cp)
	if err != nil {
		return blockstore.Id{}, xerrors.Errorf("blobstore: copy node: %w", err)
	}
	id := block.Id()
	if err := block.Close(ctx); err != nil {
		return blockstore.Id{}, err
	}
	return id, nil
}

// remove deletes a single node block (not its subtree — see Blob.removeSubtree
// for that).
func (ns *nodeStore) remove(ctx context.Context, id blockstore.Id) error {
	return ns.blocks.Remove(ctx, id)
}

// withNode opens a node's handle for the duration of fn, then closes it
// (releasing the ParallelAccess slot for that id) before returning.
func (ns *nodeStore) withNode(ctx context.Context, id blockstore.Id, fn func(blockstore.Block) error) error {
	block, err := ns.blocks.Load(ctx, id)
	if err != nil {
		return err
	}
	if block == nil {
		return xerrors.Errorf("blobstore: node %s not found", id)
	}
	if err := fn(block); err != nil {
		block.Close(ctx)
		return err
	}
	return block.Close(ctx)
}
