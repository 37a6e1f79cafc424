package integrity

import (
	"bytes"
	"context"
	"encoding/binary"
	"log"

	"golang.org/x/xerrors"

	"github.com/cryfs-go/cryfs/internal/blockstore"
)

// FormatVersion is the integrity header's format version.
const FormatVersion uint16 = 0

const headerSize = 2 + 4 + 8 // format_version(u16) + client_id(u32) + block_version(u64)

// Config controls the optional missing-block-is-violation mode, gated
// by CryConfig's exclusiveClientId field.
type Config struct {
	ExclusiveClientId bool
}

// Store wraps a lower blockstore.Store with the (client_id, version)
// header and KnownBlockVersions bookkeeping.
type Store struct {
	lower  blockstore.Store
	state  *State
	config Config
}

// New wraps lower with integrity checking, backed by state.
func New(lower blockstore.Store, state *State, config Config) *Store {
	return &Store{lower: lower, state: state, config: config}
}

// CheckOnMount runs the mount-time checks: if ExclusiveClientId is set,
// every known non-tombstoned block must still be present below. Call
// this before serving any filesystem operation; a violation detected
// here, before the FUSE loop starts, aborts the mount without poisoning
// further.
func (s *Store) CheckOnMount(ctx context.Context) error {
	if s.state.IsPoisoned() {
		return xerrors.Errorf("integrity: filesystem is poisoned from a previous run")
	}
	if !s.config.ExclusiveClientId {
		return nil
	}
	return s.state.CheckNoMissingBlocks(func(id blockstore.Id) (bool, error) {
		b, err := s.lower.Load(ctx, id)
		if err != nil {
			return false, err
		}
		return b != nil, nil
	})
}

func encodeHeader(client ClientId, version Version) []byte {
	buf := make([]byte, headerSize)
	binary.LittleEndian.PutUint16(buf[0:2], FormatVersion)
	binary.LittleEndian.PutUint32(buf[2:6], uint32(client))
	binary.LittleEndian.PutUint64(buf[6:14], uint64(version))
	return buf
}

func decodeHeader(raw []byte) (ClientId, Version, []byte, error) {
	if len(raw) < headerSize {
		return 0, 0, nil, xerrors.New("integrity: block too short for header")
	}
	version := binary.LittleEndian.Uint16(raw[0:2])
	if version != FormatVersion {
		return 0, 0, nil, xerrors.Errorf("integrity: unsupported header format version %d", version)
	}
	client := ClientId(binary.LittleEndian.Uint32(raw[2:6]))
	blockVersion := Version(binary.LittleEndian.Uint64(raw[6:14]))
	return client, blockVersion, raw[headerSize:], nil
}

// reactToViolation poisons local state and propagates the error upward;
// the node layer maps this to EIO and triggers unmount.
func (s *Store) reactToViolation(v *Violation) error {
	log.Printf("integrity violation: %v", v)
	if err := s.state.Poison(); err != nil {
		log.Printf("integrity: failed to persist poisoned flag: %v", err)
	}
	return v
}

func (s *Store) CreateId() blockstore.Id { return s.lower.CreateId() }

func (s *Store) wrapForWrite(ctx context.Context, id blockstore.Id, payload []byte) ([]byte, error) {
	version, err := s.state.recordWrite(id)
	if err != nil {
		return nil, err
	}
	var buf bytes.Buffer
	buf.Write(encodeHeader(s.state.MyClient, version))
	buf.Write(payload)
	return buf.Bytes(), nil
}

func (s *Store) TryCreate(ctx context.Context, id blockstore.Id, data []byte) (blockstore.Block, error) {
	wrapped, err := s.wrapForWrite(ctx, id, data)
	if err != nil {
		return nil, err
	}
	lowerBlock, err := s.lower.TryCreate(ctx, id, wrapped)
	if err != nil {
		return nil, err
	}
	if lowerBlock == nil {
		return nil, nil
	}
	return newHandle(s, lowerBlock, id, data), nil
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
	lowerBlock, err := s.lower.Load(ctx, id)
	if err != nil {
		return nil, err
	}
	if lowerBlock == nil {
		return nil, nil
	}
	client, version, payload, err := decodeHeader(lowerBlock.Data())
	if err != nil {
		return nil, err
	}
	if err := s.state.checkAndRecord(id, client, version); err != nil {
		if v, ok := err.(*Violation); ok {
			return nil, s.reactToViolation(v)
		}
		return nil, err
	}
	return newHandle(s, lowerBlock, id, payload), nil
}

func (s *Store) Overwrite(ctx context.Context, id blockstore.Id, data []byte) (blockstore.Block, error) {
	wrapped, err := s.wrapForWrite(ctx, id, data)
	if err != nil {
		return nil, err
	}
	lowerBlock, err := s.lower.Overwrite(ctx, id, wrapped)
	if err != nil {
		return nil, err
	}
	return newHandle(s, lowerBlock, id, data), nil
}

func (s *Store) Remove(ctx context.Context, id blockstore.Id) error {
	if err := s.lower.Remove(ctx, id); err != nil {
		return err
	}
	return s.state.recordRemove(id)
}

func (s *Store) NumBlocks(ctx context.Context) (uint64, error) {
	return s.lower.NumBlocks(ctx)
}

func (s *Store) EstimateNumFreeBytes(ctx context.Context) (uint64, error) {
	return s.lower.EstimateNumFreeBytes(ctx)
}

func (s *Store) BlockSizeFromPhysicalBlockSize(physicalSize uint64) uint64 {
	physicalSize = s.lower.BlockSizeFromPhysicalBlockSize(physicalSize)
	if physicalSize < headerSize {
		return 0
	}
	return physicalSize - headerSize
}

func (s *Store) ForEachBlock(ctx context.Context, f func(blockstore.Id) error) error {
	return s.lower.ForEachBlock(ctx, f)
}
