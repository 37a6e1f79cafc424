// Package ondisk implements blockstore.Store by persisting one file per
// block into a base directory, named by the block's uppercase hex id.
// Block creation uses an O_EXCL open so two concurrent Create calls can
// never silently clobber each other, and each file carries a small
// binary FormatVersion header in front of the payload.
package ondisk

import (
	"bytes"
	"context"
	"encoding/binary"
	"io"
	"os"
	"path/filepath"

	"golang.org/x/xerrors"

	"github.com/cryfs-go/cryfs/internal/blockstore"
)

// FormatVersion is the on-disk block file format version.
const FormatVersion uint16 = 0

const headerSize = 2 // sizeof(uint16)

// Store is a blockstore.Store backed by a directory of block files.
type Store struct {
	baseDir string
}

// New opens (creating if necessary) an OnDiskBlockStore rooted at baseDir.
func New(baseDir string) (*Store, error) {
	if err := os.MkdirAll(baseDir, 0700); err != nil {
		return nil, xerrors.Errorf("ondisk: MkdirAll(%s): %w", baseDir, err)
	}
	return &Store{baseDir: baseDir}, nil
}

func (s *Store) path(id blockstore.Id) string {
	return filepath.Join(s.baseDir, id.String())
}

func (s *Store) CreateId() blockstore.Id {
	return blockstore.NewId()
}

func (s *Store) TryCreate(ctx context.Context, id blockstore.Id, data []byte) (blockstore.Block, error) {
	f, err := os.OpenFile(s.path(id), os.O_RDWR|os.O_CREATE|os.O_EXCL, 0600)
	if err != nil {
		if os.IsExist(err) {
			return nil, nil // collision: caller retries with a new id
		}
		return nil, xerrors.Errorf("ondisk: create %s: %w", id, err)
	}
	defer f.Close()
	if err := writeBlockFile(f, data); err != nil {
		return nil, err
	}
	return newHandle(s, id, data), nil
}

func (s *Store) Create(ctx context.Context, data []byte) (blockstore.Block, error) {
	for {
		id := s.CreateId()
		b, err := s.TryCreate(ctx, id, data)
		if err != nil {
			return nil, err
		}
		if b != nil {
			return b, nil
		}
	}
}

func (s *Store) Load(ctx context.Context, id blockstore.Id) (blockstore.Block, error) {
	f, err := os.Open(s.path(id))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, xerrors.Errorf("ondisk: open %s: %w", id, err)
	}
	defer f.Close()
	data, err := readBlockFile(f)
	if err != nil {
		return nil, xerrors.Errorf("ondisk: read %s: %w", id, err)
	}
	return newHandle(s, id, data), nil
}

func (s *Store) Overwrite(ctx context.Context, id blockstore.Id, data []byte) (blockstore.Block, error) {
	f, err := os.OpenFile(s.path(id), os.O_RDWR|os.O_CREATE|os.O_TRUNC, 0600)
	if err != nil {
		return nil, xerrors.Errorf("ondisk: overwrite %s: %w", id, err)
	}
	defer f.Close()
	if err := writeBlockFile(f, data); err != nil {
		return nil, err
	}
	return newHandle(s, id, data), nil
}

func (s *Store) Remove(ctx context.Context, id blockstore.Id) error {
	if err := os.Remove(s.path(id)); err != nil && !os.IsNotExist(err) {
		return xerrors.Errorf("ondisk: remove %s: %w", id, err)
	}
	return nil
}

func (s *Store) NumBlocks(ctx context.Context) (uint64, error) {
	var n uint64
	err := s.ForEachBlock(ctx, func(blockstore.Id) error {
		n++
		return nil
	})
	return n, err
}

func (s *Store) EstimateNumFreeBytes(ctx context.Context) (uint64, error) {
	var stat unixStatfs
	if err := statfs(s.baseDir, &stat); err != nil {
		return 0, xerrors.Errorf("ondisk: statfs(%s): %w", s.baseDir, err)
	}
	return stat.FreeBytes, nil
}

func (s *Store) BlockSizeFromPhysicalBlockSize(physicalSize uint64) uint64 {
	if physicalSize < headerSize {
		return 0
	}
	return physicalSize - headerSize
}

// ForEachBlock enumerates directory entries whose name parses as a 32-char
// hex block id, ignoring anything else (e.g. a lockfile).
func (s *Store) ForEachBlock(ctx context.Context, f func(blockstore.Id) error) error {
	entries, err := os.ReadDir(s.baseDir)
	if err != nil {
		return xerrors.Errorf("ondisk: ReadDir(%s): %w", s.baseDir, err)
	}
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		id, err := blockstore.ParseId(e.Name())
		if err != nil {
			continue // not a block file (e.g. a lockfile)
		}
		if err := f(id); err != nil {
			return err
		}
	}
	return nil
}

func writeBlockFile(f *os.File, data []byte) error {
	var hdr bytes.Buffer
	if err := binary.Write(&hdr, binary.LittleEndian, FormatVersion); err != nil {
		return err
	}
	if _, err := f.Write(hdr.Bytes()); err != nil {
		return xerrors.Errorf("ondisk: write header: %w", err)
	}
	if _, err := f.Write(data); err != nil {
		return xerrors.Errorf("ondisk: write payload: %w", err)
	}
	return nil
}

func readBlockFile(f *os.File) ([]byte, error) {
	var version uint16
	if err := binary.Read(f, binary.LittleEndian, &version); err != nil {
		return nil, xerrors.Errorf("read format version: %w", err)
	}
	if version != FormatVersion {
		return nil, xerrors.Errorf("unsupported block format version %d", version)
	}
	data, err := io.ReadAll(f)
	if err != nil {
		return nil, xerrors.Errorf("read payload: %w", err)
	}
	return data, nil
}

// rewriteBlockFile does a full-file rewrite — block contents are small
// and fixed size, never a partial in-place patch. The file is truncated
// and rewritten in place, so the rewrite is not atomic with respect to a
// crash.
func rewriteBlockFile(path string, data []byte) error {
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE|os.O_TRUNC, 0600)
	if err != nil {
		return xerrors.Errorf("ondisk: rewrite %s: %w", path, err)
	}
	defer f.Close()
	return writeBlockFile(f, data)
}
