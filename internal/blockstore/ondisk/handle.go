package ondisk

import (
	"context"

	"golang.org/x/xerrors"

	"github.com/cryfs-go/cryfs/internal/blockstore"
)

// handle is the exclusive in-memory view of one on-disk block. Every write
// buffers into data; Flush does a single full-file rewrite, never a
// partial patch, so a handle dropped before Flush leaves the file as it
// was. The rewrite truncates and rewrites the file in place; it is not
// atomic with respect to a crash.
type handle struct {
	store *Store
	id    blockstore.Id
	data  []byte
	dirty bool
}

func newHandle(s *Store, id blockstore.Id, data []byte) *handle {
	return &handle{store: s, id: id, data: data}
}

func (h *handle) Id() blockstore.Id { return h.id }
func (h *handle) Size() int         { return len(h.data) }
func (h *handle) Data() []byte      { return h.data }

func (h *handle) Write(src []byte, offset int) error {
	if offset < 0 {
		return xerrors.Errorf("ondisk: negative offset %d", offset)
	}
	needed := offset + len(src)
	if needed > len(h.data) {
		grown := make([]byte, needed)
		copy(grown, h.data)
		h.data = grown
	}
	copy(h.data[offset:], src)
	h.dirty = true
	return nil
}

func (h *handle) Resize(newSize int) error {
	if newSize < 0 {
		return xerrors.Errorf("ondisk: negative size %d", newSize)
	}
	if newSize == len(h.data) {
		return nil
	}
	if newSize < len(h.data) {
		h.data = h.data[:newSize]
	} else {
		grown := make([]byte, newSize)
		copy(grown, h.data) // bytes beyond old size are zeroed on grow
		h.data = grown
	}
	h.dirty = true
	return nil
}

func (h *handle) Flush(ctx context.Context) error {
	if !h.dirty {
		return nil
	}
	if err := rewriteBlockFile(h.store.path(h.id), h.data); err != nil {
		return err
	}
	h.dirty = false
	return nil
}

func (h *handle) Close(ctx context.Context) error {
	return h.Flush(ctx)
}
