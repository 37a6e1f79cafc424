package blobstore

import (
	"io"

	"github.com/orcaman/writerseeker"
	"golang.org/x/xerrors"

	"github.com/cryfs-go/cryfs/internal/blockstore"
)

// readDepth parses just the header's depth field, the common first step of
// almost every tree algorithm (decide leaf vs. inner before doing
// anything else).
func readDepth(block blockstore.Block) (uint8, error) {
	h, err := decodeHeader(block.Data())
	if err != nil {
		return 0, err
	}
	return h.depth, nil
}

// readLeaf returns a leaf node's actual data bytes (header and trailing
// padding stripped per unused_bytes).
func readLeaf(block blockstore.Block) ([]byte, error) {
	raw := block.Data()
	h, err := decodeHeader(raw)
	if err != nil {
		return nil, err
	}
	if h.depth != 0 {
		return nil, xerrors.Errorf("blobstore: node %s is not a leaf (depth %d)", block.Id(), h.depth)
	}
	payload := raw[headerSize:]
	if int(h.unusedBytes) > len(payload) {
		return nil, xerrors.Errorf("blobstore: corrupt leaf %s: unused_bytes exceeds payload", block.Id())
	}
	return payload[:len(payload)-int(h.unusedBytes)], nil
}

// writeLeaf overwrites block with a leaf node carrying data, padded out to
// the full layout block size so later in-place growth does not require
// reallocating the underlying block file.
func writeLeaf(block blockstore.Block, l *layout, data []byte) error {
	if len(data) > l.maxLeafBytes {
		return xerrors.Errorf("blobstore: leaf data %d exceeds max leaf size %d", len(data), l.maxLeafBytes)
	}
	unused := l.maxLeafBytes - len(data)
	hdr := encodeHeader(nodeHeader{unusedBytes: uint32(unused), depth: 0})
	if err := block.Resize(l.blockSize); err != nil {
		return err
	}
	if err := block.Write(hdr, 0); err != nil {
		return err
	}
	if err := block.Write(data, headerSize); err != nil {
		return err
	}
	// Zero the unused tail explicitly: Resize already zero-fills new bytes,
	// but a shrink-then-grow within the same handle could otherwise leave
	// stale bytes from a previous, larger write.
	if unused > 0 {
		if err := block.Write(make([]byte, unused), headerSize+len(data)); err != nil {
			return err
		}
	}
	return nil
}

// readChildren returns an inner node's ordered child ids.
func readChildren(block blockstore.Block) ([]blockstore.Id, error) {
	raw := block.Data()
	h, err := decodeHeader(raw)
	if err != nil {
		return nil, err
	}
	if h.depth == 0 {
		return nil, xerrors.Errorf("blobstore: node %s is a leaf, not inner", block.Id())
	}
	payload := raw[headerSize:]
	if int(h.unusedBytes) > len(payload) {
		return nil, xerrors.Errorf("blobstore: corrupt inner node %s: unused_bytes exceeds payload", block.Id())
	}
	used := payload[:len(payload)-int(h.unusedBytes)]
	if len(used)%blockstore.IdSize != 0 {
		return nil, xerrors.Errorf("blobstore: corrupt inner node %s: child area not a multiple of id size", block.Id())
	}
	n := len(used) / blockstore.IdSize
	children := make([]blockstore.Id, n)
	for i := 0; i < n; i++ {
		copy(children[i][:], used[i*blockstore.IdSize:(i+1)*blockstore.IdSize])
	}
	return children, nil
}

// writeInner overwrites block with an inner node at the given depth
// carrying children, padded to the full layout block size.
func writeInner(block blockstore.Block, l *layout, depth uint8, children []blockstore.Id) error {
	if len(children) == 0 || len(children) > l.maxChildren {
		return xerrors.Errorf("blobstore: inner node child count %d out of range [1,%d]", len(children), l.maxChildren)
	}
	// Assemble the child-id area through an io.Writer instead of indexed
	// copy()s into a preallocated slice, the same read-modify-write-via-
	// WriteSeeker idiom the node layout otherwise has no reason to pull in
	// bytes.Buffer for.
	var scratch writerseeker.WriterSeeker
	for _, c := range children {
		if _, err := scratch.Write(c[:]); err != nil {
			return xerrors.Errorf("blobstore: assemble inner node children: %w", err)
		}
	}
	used, err := io.ReadAll(scratch.Reader())
	if err != nil {
		return xerrors.Errorf("blobstore: assemble inner node children: %w", err)
	}
	maxChildArea := l.maxChildren * blockstore.IdSize
	unused := maxChildArea - len(used)
	hdr := encodeHeader(nodeHeader{unusedBytes: uint32(unused), depth: depth})
	if err := block.Resize(l.blockSize); err != nil {
		return err
	}
	if err := block.Write(hdr, 0); err != nil {
		return err
	}
	if err := block.Write(used, headerSize); err != nil {
		return err
	}
	if unused > 0 {
		if err := block.Write(make([]byte, unused), headerSize+len(used)); err != nil {
			return err
		}
	}
	return nil
}
