package blobstore

import (
	"context"

	"golang.org/x/xerrors"

	"github.com/cryfs-go/cryfs/internal/blockstore"
)

// Blob is a variable-length byte stream backed by a balanced left-max-data
// tree of blocks. Its id never changes across any sequence of
// Write/Resize/Flush — growth and shrinkage always rewrite the root
// block in place instead of replacing the root's own id: growth relocates
// the old root content to a freshly allocated block, and shrinkage copies
// a sole remaining child's content into the root and frees that child.
type Blob struct {
	ns *nodeStore
	id blockstore.Id
}

func (b *Blob) Id() blockstore.Id { return b.id }

// Size returns the blob's current length in bytes by descending only the
// rightmost spine: every non-rightmost child is known (by the tree
// invariant) to be a completely full subtree, so its contribution is
// computed arithmetically via leavesPerFullSubtree rather than read.
func (b *Blob) Size(ctx context.Context) (uint64, error) {
	return b.sizeOf(ctx, b.id)
}

func (b *Blob) sizeOf(ctx context.Context, id blockstore.Id) (uint64, error) {
	var size uint64
	err := b.ns.withNode(ctx, id, func(block blockstore.Block) error {
		depth, err := readDepth(block)
		if err != nil {
			return err
		}
		if depth == 0 {
			data, err := readLeaf(block)
			if err != nil {
				return err
			}
			size = uint64(len(data))
			return nil
		}
		children, err := readChildren(block)
		if err != nil {
			return err
		}
		full := b.ns.layout.maxDataPerFullSubtree(depth - 1)
		size = uint64(len(children)-1) * full
		lastSize, err := b.sizeOf(ctx, children[len(children)-1])
		if err != nil {
			return err
		}
		size += lastSize
		return nil
	})
	return size, err
}

// ReadAll returns the blob's entire contents.
func (b *Blob) ReadAll(ctx context.Context) ([]byte, error) {
	size, err := b.Size(ctx)
	if err != nil {
		return nil, err
	}
	dst := make([]byte, size)
	if _, err := b.Read(ctx, dst, 0); err != nil {
		return nil, err
	}
	return dst, nil
}

// Read fills dst starting at offset and returns the number of bytes
// actually copied, which is less than len(dst) iff the read runs past the
// end of the blob: reads are clamped to content, never error on a short
// tail.
func (b *Blob) Read(ctx context.Context, dst []byte, offset uint64) (int, error) {
	size, err := b.Size(ctx)
	if err != nil {
		return 0, err
	}
	if offset >= size {
		return 0, nil
	}
	length := len(dst)
	if offset+uint64(length) > size {
		length = int(size - offset)
	}
	n, err := b.readRange(ctx, b.id, offset, dst[:length])
	if err != nil {
		return 0, err
	}
	return n, nil
}

func (b *Blob) readRange(ctx context.Context, id blockstore.Id, localOff uint64, dst []byte) (int, error) {
	if len(dst) == 0 {
		return 0, nil
	}
	var n int
	err := b.ns.withNode(ctx, id, func(block blockstore.Block) error {
		depth, err := readDepth(block)
		if err != nil {
			return err
		}
		if depth == 0 {
			data, err := readLeaf(block)
			if err != nil {
				return err
			}
			n = copy(dst, data[localOff:])
			return nil
		}
		children, err := readChildren(block)
		if err != nil {
			return err
		}
		full := b.ns.layout.maxDataPerFullSubtree(depth - 1)
		idx := int(localOff / full)
		if idx >= len(children) {
			idx = len(children) - 1
		}
		childOff := localOff - uint64(idx)*full
		written := 0
		for idx < len(children) && written < len(dst) {
			got, err := b.readRange(ctx, children[idx], childOff, dst[written:])
			if err != nil {
				return err
			}
			if got == 0 {
				break
			}
			written += got
			childOff = 0
			idx++
		}
		n = written
		return nil
	})
	return n, err
}

// Write overwrites len(src) bytes at offset, growing the blob (allocating a
// zero-filled gap if offset is past the current end) as needed.
func (b *Blob) Write(ctx context.Context, src []byte, offset uint64) error {
	if len(src) == 0 {
		return nil
	}
	size, err := b.Size(ctx)
	if err != nil {
		return err
	}
	needed := offset + uint64(len(src))
	if needed > size {
		if err := b.growToSize(ctx, needed); err != nil {
			return err
		}
	}
	return b.writeRange(ctx, b.id, offset, src)
}

func (b *Blob) writeRange(ctx context.Context, id blockstore.Id, localOff uint64, src []byte) error {
	if len(src) == 0 {
		return nil
	}
	return b.ns.withNode(ctx, id, func(block blockstore.Block) error {
		depth, err := readDepth(block)
		if err != nil {
			return err
		}
		if depth == 0 {
			data, err := readLeaf(block)
			if err != nil {
				return err
			}
			if int(localOff)+len(src) > len(data) {
				return xerrors.Errorf("blobstore: write past leaf end (leaf not grown first)")
			}
			copy(data[localOff:], src)
			return writeLeaf(block, b.ns.layout, data)
		}
		children, err := readChildren(block)
		if err != nil {
			return err
		}
		full := b.ns.layout.maxDataPerFullSubtree(depth - 1)
		idx := int(localOff / full)
		if idx >= len(children) {
			idx = len(children) - 1
		}
		childOff := localOff - uint64(idx)*full
		written := 0
		for idx < len(children) && written < len(src) {
			remainInChild := full - childOff
			chunk := src[written:]
			if uint64(len(chunk)) > remainInChild {
				chunk = chunk[:remainInChild]
			}
			if err := b.writeRange(ctx, children[idx], childOff, chunk); err != nil {
				return err
			}
			written += len(chunk)
			childOff = 0
			idx++
		}
		return nil
	})
}

// Resize grows (zero-filling the new tail) or shrinks the blob to exactly
// newSize bytes, preserving the root's id either way.
func (b *Blob) Resize(ctx context.Context, newSize uint64) error {
	size, err := b.Size(ctx)
	if err != nil {
		return err
	}
	if newSize > size {
		return b.growToSize(ctx, newSize)
	}
	if newSize < size {
		return b.shrinkToSize(ctx, newSize)
	}
	return nil
}

// Flush persists any buffered mutations. Every write/resize above already
// writes straight through nodeStore (which itself writes straight through
// the underlying blockstore.Store), so there is nothing buffered at this
// layer; Flush exists to satisfy the same "flush before close" shape
// every other handle type in this stack follows.
func (b *Blob) Flush(ctx context.Context) error {
	return nil
}

// growToSize extends the blob, one leaf-capacity-worth at a time, filling
// newly allocated space with zero bytes, until Size() >= target.
func (b *Blob) growToSize(ctx context.Context, target uint64) error {
	for {
		size, err := b.Size(ctx)
		if err != nil {
			return err
		}
		if size >= target {
			return nil
		}
		lastLeaf, err := b.rightmostLeaf(ctx)
		if err != nil {
			return err
		}
		var data []byte
		err = b.ns.withNode(ctx, lastLeaf, func(block blockstore.Block) error {
			var err error
			data, err = readLeaf(block)
			return err
		})
		if err != nil {
			return err
		}
		if len(data) < b.ns.layout.maxLeafBytes {
			add := target - size
			room := uint64(b.ns.layout.maxLeafBytes - len(data))
			if add > room {
				add = room
			}
			newData := append(data, make([]byte, add)...)
			if err := b.ns.withNode(ctx, lastLeaf, func(block blockstore.Block) error {
				return writeLeaf(block, b.ns.layout, newData)
			}); err != nil {
				return err
			}
			continue
		}
		if err := b.appendOneLeaf(ctx); err != nil {
			return err
		}
	}
}

// rightmostLeaf descends the tree's rightmost spine to find the current
// last leaf's id.
func (b *Blob) rightmostLeaf(ctx context.Context) (blockstore.Id, error) {
	id := b.id
	for {
		var next blockstore.Id
		var isLeaf bool
		err := b.ns.withNode(ctx, id, func(block blockstore.Block) error {
			depth, err := readDepth(block)
			if err != nil {
				return err
			}
			if depth == 0 {
				isLeaf = true
				return nil
			}
			children, err := readChildren(block)
			if err != nil {
				return err
			}
			next = children[len(children)-1]
			return nil
		})
		if err != nil {
			return blockstore.Id{}, err
		}
		if isLeaf {
			return id, nil
		}
		id = next
	}
}

// appendOneLeaf adds exactly one new, empty leaf to the tree, growing the
// tree's depth (wrapping the root) only if every existing slot is already
// full. The root's own id never changes: when wrapping is required, the
// root's current content is relocated to a new block and the root block
// is overwritten in place with the new top-level inner node.
func (b *Blob) appendOneLeaf(ctx context.Context) error {
	var raw []byte
	var depth uint8
	var children []blockstore.Id
	err := b.ns.withNode(ctx, b.id, func(block blockstore.Block) error {
		h, err := decodeHeader(block.Data())
		if err != nil {
			return err
		}
		depth = h.depth
		raw = append([]byte{}, block.Data()...)
		if depth > 0 {
			children, err = readChildren(block)
		}
		return err
	})
	if err != nil {
		return err
	}

	if depth == 0 {
		oldCopyId, err := b.ns.copyRawNodeToNewBlock(ctx, raw)
		if err != nil {
			return err
		}
		newLeafId, err := b.ns.createLeaf(ctx, nil)
		if err != nil {
			return err
		}
		return b.ns.withNode(ctx, b.id, func(block blockstore.Block) error {
			return writeInner(block, b.ns.layout, 1, []blockstore.Id{oldCopyId, newLeafId})
		})
	}

	if depth == 1 {
		if len(children) < b.ns.layout.maxChildren {
			newLeafId, err := b.ns.createLeaf(ctx, nil)
			if err != nil {
				return err
			}
			return b.ns.withNode(ctx, b.id, func(block blockstore.Block) error {
				return writeInner(block, b.ns.layout, 1, append(children, newLeafId))
			})
		}
	} else {
		lastChild := children[len(children)-1]
		_, ok, err := b.appendLeafInSubtree(ctx, lastChild, depth-1)
		if err != nil {
			return err
		}
		if ok {
			return nil
		}
		if len(children) < b.ns.layout.maxChildren {
			newSubtreeId, _, err := b.ns.createMinimalSubtreeWithLeaf(ctx, depth-1)
			if err != nil {
				return err
			}
			return b.ns.withNode(ctx, b.id, func(block blockstore.Block) error {
				return writeInner(block, b.ns.layout, depth, append(children, newSubtreeId))
			})
		}
	}

	// Root is completely full at its current depth: wrap it, keeping the
	// root's id fixed by relocating its current content.
	oldCopyId, err := b.ns.copyRawNodeToNewBlock(ctx, raw)
	if err != nil {
		return err
	}
	newSubtreeId, _, err := b.ns.createMinimalSubtreeWithLeaf(ctx, depth)
	if err != nil {
		return err
	}
	return b.ns.withNode(ctx, b.id, func(block blockstore.Block) error {
		return writeInner(block, b.ns.layout, depth+1, []blockstore.Id{oldCopyId, newSubtreeId})
	})
}

// appendLeafInSubtree attempts to append one new empty leaf within the
// subtree rooted at nodeId (a non-root node, so unlike appendOneLeaf it
// never needs to preserve nodeId's own id: a subtree that is completely
// full simply reports ok=false so the caller can add a new sibling at the
// parent level instead).
func (b *Blob) appendLeafInSubtree(ctx context.Context, nodeId blockstore.Id, depth uint8) (blockstore.Id, bool, error) {
	var newLeafId blockstore.Id
	var ok bool
	var children []blockstore.Id
	err := b.ns.withNode(ctx, nodeId, func(block blockstore.Block) error {
		var err error
		children, err = readChildren(block)
		if err != nil {
			return err
		}
		if depth == 1 {
			if len(children) < b.ns.layout.maxChildren {
				newLeafId, err = b.ns.createLeaf(ctx, nil)
				if err != nil {
					return err
				}
				ok = true
				return writeInner(block, b.ns.layout, 1, append(children, newLeafId))
			}
			return nil
		}
		return nil
	})
	if err != nil || depth == 1 {
		return newLeafId, ok, err
	}

	lastChild := children[len(children)-1]
	leafId, childOk, err := b.appendLeafInSubtree(ctx, lastChild, depth-1)
	if err != nil {
		return blockstore.Id{}, false, err
	}
	if childOk {
		return leafId, true, nil
	}
	if len(children) >= b.ns.layout.maxChildren {
		return blockstore.Id{}, false, nil
	}
	newSubtreeId, leafId, err := b.ns.createMinimalSubtreeWithLeaf(ctx, depth-1)
	if err != nil {
		return blockstore.Id{}, false, err
	}
	err = b.ns.withNode(ctx, nodeId, func(block blockstore.Block) error {
		return writeInner(block, b.ns.layout, depth, append(children, newSubtreeId))
	})
	if err != nil {
		return blockstore.Id{}, false, err
	}
	return leafId, true, nil
}

// subtreeRemoval reports what happened to a non-root subtree when its
// rightmost leaf was removed.
type subtreeRemoval int

const (
	subtreeShrank subtreeRemoval = iota
	subtreeFullyRemoved
)

// shrinkToSize truncates the blob down to target bytes: it removes
// whole trailing leaves until the right leaf count is reached, then
// truncates the new last leaf's data, collapsing the root whenever it is
// left with exactly one child.
func (b *Blob) shrinkToSize(ctx context.Context, target uint64) error {
	for {
		size, err := b.Size(ctx)
		if err != nil {
			return err
		}
		lastLeaf, err := b.rightmostLeaf(ctx)
		if err != nil {
			return err
		}
		var data []byte
		err = b.ns.withNode(ctx, lastLeaf, func(block blockstore.Block) error {
			var err error
			data, err = readLeaf(block)
			return err
		})
		if err != nil {
			return err
		}
		keepInLastLeaf := size - uint64(len(data))
		if target >= keepInLastLeaf {
			newLen := int(target - keepInLastLeaf)
			if newLen == len(data) {
				return nil
			}
			return b.ns.withNode(ctx, lastLeaf, func(block blockstore.Block) error {
				return writeLeaf(block, b.ns.layout, data[:newLen])
			})
		}
		if err := b.removeLastLeaf(ctx); err != nil {
			return err
		}
	}
}

// removeLastLeaf deletes the tree's current rightmost leaf, collapsing any
// ancestor chain that degenerates to zero children, and collapses the
// root if it ends up with exactly one child. The root's id is preserved
// throughout.
func (b *Blob) removeLastLeaf(ctx context.Context) error {
	var depth uint8
	var children []blockstore.Id
	err := b.ns.withNode(ctx, b.id, func(block blockstore.Block) error {
		h, err := decodeHeader(block.Data())
		if err != nil {
			return err
		}
		depth = h.depth
		if depth > 0 {
			children, err = readChildren(block)
		}
		return err
	})
	if err != nil {
		return err
	}
	if depth == 0 {
		return xerrors.New("blobstore: cannot shrink below a single empty leaf")
	}

	if depth == 1 {
		lastIdx := len(children) - 1
		if err := b.ns.remove(ctx, children[lastIdx]); err != nil {
			return err
		}
		newChildren := children[:lastIdx]
		if len(newChildren) == 0 {
			return xerrors.New("blobstore: root degenerated to zero children")
		}
		if err := b.ns.withNode(ctx, b.id, func(block blockstore.Block) error {
			return writeInner(block, b.ns.layout, 1, newChildren)
		}); err != nil {
			return err
		}
	} else {
		lastIdx := len(children) - 1
		result, err := b.removeLastLeafInSubtree(ctx, children[lastIdx], depth-1)
		if err != nil {
			return err
		}
		if result == subtreeFullyRemoved {
			newChildren := children[:lastIdx]
			if len(newChildren) == 0 {
				return xerrors.New("blobstore: root degenerated to zero children")
			}
			if err := b.ns.withNode(ctx, b.id, func(block blockstore.Block) error {
				return writeInner(block, b.ns.layout, depth, newChildren)
			}); err != nil {
				return err
			}
		}
	}
	return b.collapseRootIfSingleChild(ctx)
}

func (b *Blob) removeLastLeafInSubtree(ctx context.Context, nodeId blockstore.Id, depth uint8) (subtreeRemoval, error) {
	var children []blockstore.Id
	err := b.ns.withNode(ctx, nodeId, func(block blockstore.Block) error {
		var err error
		children, err = readChildren(block)
		return err
	})
	if err != nil {
		return subtreeShrank, err
	}

	if depth == 1 {
		lastIdx := len(children) - 1
		if err := b.ns.remove(ctx, children[lastIdx]); err != nil {
			return subtreeShrank, err
		}
		newChildren := children[:lastIdx]
		if len(newChildren) == 0 {
			return subtreeFullyRemoved, b.ns.remove(ctx, nodeId)
		}
		err := b.ns.withNode(ctx, nodeId, func(block blockstore.Block) error {
			return writeInner(block, b.ns.layout, 1, newChildren)
		})
		return subtreeShrank, err
	}

	lastIdx := len(children) - 1
	result, err := b.removeLastLeafInSubtree(ctx, children[lastIdx], depth-1)
	if err != nil {
		return subtreeShrank, err
	}
	if result == subtreeFullyRemoved {
		newChildren := children[:lastIdx]
		if len(newChildren) == 0 {
			return subtreeFullyRemoved, b.ns.remove(ctx, nodeId)
		}
		err := b.ns.withNode(ctx, nodeId, func(block blockstore.Block) error {
			return writeInner(block, b.ns.layout, depth, newChildren)
		})
		return subtreeShrank, err
	}
	return subtreeShrank, nil
}

// collapseRootIfSingleChild repeatedly replaces the root's content with
// its sole child's content (freeing the child) for as long as the root
// has exactly one child, preserving the root's own id.
func (b *Blob) collapseRootIfSingleChild(ctx context.Context) error {
	for {
		var depth uint8
		var children []blockstore.Id
		err := b.ns.withNode(ctx, b.id, func(block blockstore.Block) error {
			h, err := decodeHeader(block.Data())
			if err != nil {
				return err
			}
			depth = h.depth
			if depth > 0 {
				children, err = readChildren(block)
			}
			return err
		})
		if err != nil {
			return err
		}
		if depth == 0 || len(children) != 1 {
			return nil
		}
		childId := children[0]
		var childRaw []byte
		err = b.ns.withNode(ctx, childId, func(block blockstore.Block) error {
			childRaw = append([]byte{}, block.Data()...)
			return nil
		})
		if err != nil {
			return err
		}
		if err := b.ns.remove(ctx, childId); err != nil {
			return err
		}
		if err := b.ns.withNode(ctx, b.id, func(block blockstore.Block) error {
			if err := block.Resize(len(childRaw)); err != nil {
				return err
			}
			return block.Write(childRaw, 0)
		}); err != nil {
			return err
		}
	}
}

// removeSubtree deletes every block in the tree rooted at id, releasing
// each node's handle before recursing into or deleting it (a held handle
// would otherwise deadlock against the ParallelAccess layer's
// remove-blocks-until-released contract).
func (b *Blob) removeSubtree(ctx context.Context, id blockstore.Id) error {
	var depth uint8
	var children []blockstore.Id
	err := b.ns.withNode(ctx, id, func(block blockstore.Block) error {
		h, err := decodeHeader(block.Data())
		if err != nil {
			return err
		}
		depth = h.depth
		if depth > 0 {
			children, err = readChildren(block)
		}
		return err
	})
	if err != nil {
		return err
	}
	for _, c := range children {
		if err := b.removeSubtree(ctx, c); err != nil {
			return err
		}
	}
	return b.ns.remove(ctx, id)
}
