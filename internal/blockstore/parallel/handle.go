package parallel

import (
	"context"

	"github.com/cryfs-go/cryfs/internal/blockstore"
)

// handle wraps the lower handle; Close releases this id's slot in
// addition to flushing, which is what lets a waiting Remove or a second
// Load proceed.
type handle struct {
	store *Store
	lower blockstore.Block
	id    blockstore.Id
}

func newHandle(s *Store, lower blockstore.Block, id blockstore.Id) *handle {
	return &handle{store: s, lower: lower, id: id}
}

func (h *handle) Id() blockstore.Id { return h.id }
func (h *handle) Size() int         { return h.lower.Size() }
func (h *handle) Data() []byte      { return h.lower.Data() }

func (h *handle) Write(src []byte, offset int) error {
	return h.lower.Write(src, offset)
}

func (h *handle) Resize(newSize int) error {
	return h.lower.Resize(newSize)
}

func (h *handle) Flush(ctx context.Context) error {
	return h.lower.Flush(ctx)
}

func (h *handle) Close(ctx context.Context) error {
	err := h.lower.Close(ctx)
	h.store.release(h.id)
	return err
}
