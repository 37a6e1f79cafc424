// Package blobstore implements the tree-of-blocks Blob abstraction: a
// variable-length byte stream stored as a balanced left-max-data tree
// over fixed-size blocks from a blockstore.Store.
//
// Each node carries a depth byte plus either a byte payload (leaf) or a
// child-id array (inner node). On-disk structures in this package are
// encoded with a small binary header via encoding/binary, written into
// a bytes.Buffer.
package blobstore

import (
	"encoding/binary"

	"golang.org/x/xerrors"

	"github.com/cryfs-go/cryfs/internal/blockstore"
)

// NodeFormatVersion is the blob-tree node format version.
const NodeFormatVersion uint16 = 0

// headerSize is sizeof(format_version) + sizeof(unused_bytes) + sizeof(depth).
const headerSize = 2 + 4 + 1

// Depth 0 is a leaf; depth > 0 is an inner node whose children have depth-1.
type nodeHeader struct {
	unusedBytes uint32
	depth       uint8
}

func encodeHeader(h nodeHeader) []byte {
	buf := make([]byte, headerSize)
	binary.LittleEndian.PutUint16(buf[0:2], NodeFormatVersion)
	binary.LittleEndian.PutUint32(buf[2:6], h.unusedBytes)
	buf[6] = h.depth
	return buf
}

func decodeHeader(raw []byte) (nodeHeader, error) {
	if len(raw) < headerSize {
		return nodeHeader{}, xerrors.New("blobstore: node too short for header")
	}
	version := binary.LittleEndian.Uint16(raw[0:2])
	if version != NodeFormatVersion {
		return nodeHeader{}, xerrors.Errorf("blobstore: unsupported node format version %d", version)
	}
	return nodeHeader{
		unusedBytes: binary.LittleEndian.Uint32(raw[2:6]),
		depth:       raw[6],
	}, nil
}

// layout precomputes the per-blockSize constants used throughout the tree
// algorithms, cached instead of recomputed on every call.
type layout struct {
	blockSize       int
	maxLeafBytes    int
	maxChildren     int
	leavesPerDepth  map[uint8]uint64 // memoized K^d
}

func newLayout(blockSize int) *layout {
	return &layout{
		blockSize:      blockSize,
		maxLeafBytes:   blockSize - headerSize,
		maxChildren:    (blockSize - headerSize) / blockstore.IdSize,
		leavesPerDepth: make(map[uint8]uint64),
	}
}

// leavesPerFullSubtree returns K^depth: the number of leaves under a
// completely full subtree rooted at a node of the given depth.
func (l *layout) leavesPerFullSubtree(depth uint8) uint64 {
	if depth == 0 {
		return 1
	}
	if v, ok := l.leavesPerDepth[depth]; ok {
		return v
	}
	v := uint64(l.maxChildren) * l.leavesPerFullSubtree(depth-1)
	l.leavesPerDepth[depth] = v
	return v
}

// maxDataPerFullSubtree returns the number of data bytes a completely full
// subtree of the given depth can hold.
func (l *layout) maxDataPerFullSubtree(depth uint8) uint64 {
	return l.leavesPerFullSubtree(depth) * uint64(l.maxLeafBytes)
}
