package integrity

import (
	"context"

	"github.com/cryfs-go/cryfs/internal/blockstore"
)

type handle struct {
	store *Store
	lower blockstore.Block
	id    blockstore.Id
	data  []byte
	dirty bool
}

func newHandle(s *Store, lower blockstore.Block, id blockstore.Id, data []byte) *handle {
	return &handle{store: s, lower: lower, id: id, data: data}
}

func (h *handle) Id() blockstore.Id { return h.id }
func (h *handle) Size() int         { return len(h.data) }
func (h *handle) Data() []byte      { return h.data }

func (h *handle) Write(src []byte, offset int) error {
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
	if newSize == len(h.data) {
		return nil
	}
	if newSize < len(h.data) {
		h.data = h.data[:newSize]
	} else {
		grown := make([]byte, newSize)
		copy(grown, h.data)
		h.data = grown
	}
	h.dirty = true
	return nil
}

func (h *handle) Flush(ctx context.Context) error {
	if !h.dirty {
		return nil
	}
	wrapped, err := h.store.wrapForWrite(ctx, h.id, h.data)
	if err != nil {
		return err
	}
	if err := h.lower.Resize(len(wrapped)); err != nil {
		return err
	}
	if err := h.lower.Write(wrapped, 0); err != nil {
		return err
	}
	if err := h.lower.Flush(ctx); err != nil {
		return err
	}
	h.dirty = false
	return nil
}

func (h *handle) Close(ctx context.Context) error {
	if err := h.Flush(ctx); err != nil {
		return err
	}
	return h.lower.Close(ctx)
}
