package encrypted

import (
	"context"

	"github.com/cryfs-go/cryfs/internal/blockstore"
)

// handle holds the decrypted plaintext view of a block; Flush re-encrypts
// and pushes the result down to the lower handle.
type handle struct {
	store      *Store
	lower      blockstore.Block
	id         blockstore.Id
	plaintext  []byte
	dirty      bool
}

func newHandle(s *Store, lower blockstore.Block, id blockstore.Id, plaintext []byte) *handle {
	return &handle{store: s, lower: lower, id: id, plaintext: plaintext}
}

func (h *handle) Id() blockstore.Id { return h.id }
func (h *handle) Size() int         { return len(h.plaintext) }
func (h *handle) Data() []byte      { return h.plaintext }

func (h *handle) Write(src []byte, offset int) error {
	needed := offset + len(src)
	if needed > len(h.plaintext) {
		grown := make([]byte, needed)
		copy(grown, h.plaintext)
		h.plaintext = grown
	}
	copy(h.plaintext[offset:], src)
	h.dirty = true
	return nil
}

func (h *handle) Resize(newSize int) error {
	if newSize == len(h.plaintext) {
		return nil
	}
	if newSize < len(h.plaintext) {
		h.plaintext = h.plaintext[:newSize]
	} else {
		grown := make([]byte, newSize)
		copy(grown, h.plaintext)
		h.plaintext = grown
	}
	h.dirty = true
	return nil
}

func (h *handle) Flush(ctx context.Context) error {
	if !h.dirty {
		return nil
	}
	encoded, err := h.store.encode(h.id, h.plaintext)
	if err != nil {
		return err
	}
	if err := h.lower.Resize(len(encoded)); err != nil {
		return err
	}
	if err := h.lower.Write(encoded, 0); err != nil {
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
