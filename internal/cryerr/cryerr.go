// Package cryerr implements the CryError taxonomy: a small tagged sum
// type that every layer above the raw stores funnels errors through,
// and the mapping from that taxonomy to the POSIX errno values the node
// layer (internal/cryfs) must return to FUSE.
package cryerr

import (
	"syscall"

	"golang.org/x/xerrors"

	"github.com/cryfs-go/cryfs/internal/blockstore/integrity"
)

// Kind tags the broad category of a CryError.
type Kind int

const (
	KindConfig Kind = iota
	KindStorage
	KindIntegrity
	KindPosix
	KindCorruption
)

func (k Kind) String() string {
	switch k {
	case KindConfig:
		return "config"
	case KindStorage:
		return "storage"
	case KindIntegrity:
		return "integrity"
	case KindPosix:
		return "posix"
	case KindCorruption:
		return "corruption"
	default:
		return "unknown"
	}
}

// Error is CryError: a tagged error carrying enough to both log a
// human-readable diagnosis and map to a POSIX errno at the node-layer
// boundary.
type Error struct {
	Kind  Kind
	Errno syscall.Errno // only meaningful when Kind == KindPosix
	Err   error
}

func (e *Error) Error() string {
	if e.Err == nil {
		return e.Kind.String()
	}
	return xerrors.Errorf("%s: %w", e.Kind, e.Err).Error()
}

func (e *Error) Unwrap() error { return e.Err }

// Config wraps err as a config-layer failure (wrong password, corrupted
// config, version mismatch, filesystem-id changed).
func Config(err error) error { return &Error{Kind: KindConfig, Err: err} }

// Storage wraps err as an I/O failure from the base directory.
func Storage(err error) error { return &Error{Kind: KindStorage, Err: err} }

// Integrity wraps err as a detected rollback/replay/forging/missing-block
// violation.
func Integrity(err error) error { return &Error{Kind: KindIntegrity, Err: err} }

// Posix constructs a CryError that maps directly to errno at the node
// boundary (ENOENT, EEXIST, EISDIR, ENOTDIR, ENOTEMPTY, EACCES, ENOSPC).
func Posix(errno syscall.Errno) error {
	return &Error{Kind: KindPosix, Errno: errno, Err: errno}
}

// Corruption wraps a detected-but-uncategorized structural problem (a
// header that fails to parse, a node with an inconsistent child count).
func Corruption(err error) error { return &Error{Kind: KindCorruption, Err: err} }

// ToErrno maps a CryError (or a raw error carrying an integrity
// violation or syscall.ENOSPC) to the POSIX errno the node layer returns
// to FUSE: EIO for integrity/storage/corruption/config failures, ENOSPC
// when the underlying error is out-of-space.
func ToErrno(err error) syscall.Errno {
	if err == nil {
		return 0
	}
	var ce *Error
	if xerrors.As(err, &ce) {
		switch ce.Kind {
		case KindPosix:
			return ce.Errno
		case KindIntegrity:
			return syscall.EIO
		case KindStorage:
			if xerrors.Is(err, syscall.ENOSPC) {
				return syscall.ENOSPC
			}
			return syscall.EIO
		case KindCorruption:
			return syscall.EIO
		case KindConfig:
			return syscall.EIO
		}
	}
	var violation *integrity.Violation
	if xerrors.As(err, &violation) {
		return syscall.EIO
	}
	if xerrors.Is(err, syscall.ENOSPC) {
		return syscall.ENOSPC
	}
	// Programming errors (broken invariants) are not mapped here; callers
	// that hit an unrecoverable invariant violation should panic instead
	// of routing through ToErrno.
	return syscall.EIO
}
