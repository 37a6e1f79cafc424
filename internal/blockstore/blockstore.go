// Package blockstore defines the contract shared by every layer of the
// block store stack: on-disk persistence, encryption, integrity
// checking, caching and parallel-access dispatch. Each layer in
// internal/blockstore/{ondisk,encrypted,integrity,caching,parallel}
// implements Store by wrapping the layer below it.
package blockstore

import (
	"context"
	"encoding/hex"
	"strings"

	"github.com/google/uuid"
	"golang.org/x/xerrors"
)

// IdSize is the serialized size of a BlockId in bytes (128 bits).
const IdSize = 16

// Id is a 128-bit opaque block identifier, generated uniformly at random.
type Id [IdSize]byte

// NewId generates a fresh random BlockId.
func NewId() Id {
	return Id(uuid.New())
}

// ParseId decodes the 32-hex-character on-disk file name form of an Id.
func ParseId(s string) (Id, error) {
	if len(s) != IdSize*2 {
		return Id{}, xerrors.Errorf("blockstore: invalid block id length %d", len(s))
	}
	var id Id
	if _, err := hex.Decode(id[:], []byte(s)); err != nil {
		return Id{}, xerrors.Errorf("blockstore: invalid block id %q: %w", s, err)
	}
	return id, nil
}

// String renders the uppercase hex form used as the on-disk file name.
func (id Id) String() string {
	return strings.ToUpper(hex.EncodeToString(id[:]))
}

// IsZero reports whether id is the zero value (used as a sentinel, e.g. the
// root directory's own parent pointer is never the zero id).
func (id Id) IsZero() bool {
	return id == Id{}
}

// Block is an exclusive handle to one stored block's bytes. Handles are
// not safe to share between goroutines: the ParallelAccess
// layer (internal/blockstore/parallel) is what makes "at most one live
// handle per id" an enforced, process-wide invariant rather than just a
// convention.
//
// A handle must be released (Close) before the underlying store is torn
// down; Close flushes any unwritten bytes.
type Block interface {
	Id() Id
	Size() int
	Data() []byte
	// Write overwrites len(src) bytes at offset, growing the block (per
	// Resize's zero-fill rule) if offset+len(src) > Size().
	Write(src []byte, offset int) error
	// Resize grows (zero-filling the new tail) or shrinks the block to
	// exactly newSize bytes.
	Resize(newSize int) error
	// Flush persists any buffered mutations down the stack. Close calls
	// Flush implicitly.
	Flush(ctx context.Context) error
	// Close releases the handle. Implementations must flush on Close.
	Close(ctx context.Context) error
}

// Store is the contract every layer of the block store stack implements.
type Store interface {
	// CreateId returns a fresh, store-wide-unique block id. It performs no
	// I/O.
	CreateId() Id

	// TryCreate persists data under id. It returns (nil, nil) if id already
	// exists (collision) rather than an error, so callers can retry with a
	// fresh id.
	TryCreate(ctx context.Context, id Id, data []byte) (Block, error)

	// Create persists data under a fresh id, retrying CreateId on the rare
	// collision.
	Create(ctx context.Context, data []byte) (Block, error)

	// Load returns (nil, nil) if id is not present.
	Load(ctx context.Context, id Id) (Block, error)

	// Overwrite replaces (or creates) the block stored under id.
	Overwrite(ctx context.Context, id Id, data []byte) (Block, error)

	// Remove deletes the block stored under id. It is not an error if id
	// does not exist.
	Remove(ctx context.Context, id Id) error

	// NumBlocks returns the number of blocks currently stored.
	NumBlocks(ctx context.Context) (uint64, error)

	// EstimateNumFreeBytes estimates remaining free space in the underlying
	// medium.
	EstimateNumFreeBytes(ctx context.Context) (uint64, error)

	// BlockSizeFromPhysicalBlockSize converts a physical (on-disk) size
	// into the usable payload size at this layer, undoing whatever header
	// this layer (and everything below it) adds.
	BlockSizeFromPhysicalBlockSize(physicalSize uint64) uint64

	// ForEachBlock invokes f once per block id currently known to the
	// store. Iteration order is unspecified.
	ForEachBlock(ctx context.Context, f func(Id) error) error
}

// ErrNotFound is returned by layers that distinguish "absent" from "I/O
// failure" via an error value instead of a nil Block (most of the stack
// instead returns (nil, nil) — ErrNotFound exists for the few
// operations, like Remove-by-id bookkeeping, that need to say so
// explicitly).
var ErrNotFound = xerrors.New("blockstore: block not found")
