// Package encrypted implements EncryptedBlockStore<Cipher>: a transparent
// authenticated-encryption layer over any blockstore.Store.
//
// Wire layout:
//
//	[ BlockId_plaintext (16) || nonce || cipher_ciphertext(of: BlockId || user_bytes) ]
//
// The BlockId plaintext sits outside the ciphertext (so the store below
// can be looked up without decrypting) and is repeated inside the
// plaintext that gets encrypted (so swapping one block's ciphertext into
// another block's file is caught on decrypt: the recovered inner id
// won't match the outer one). The nonce travels alongside the
// ciphertext, inside the outer envelope but outside the authenticated
// region, the way AES-GCM wire formats conventionally do.
package encrypted

import (
	"context"

	"golang.org/x/xerrors"

	"github.com/cryfs-go/cryfs/internal/blockstore"
	"github.com/cryfs-go/cryfs/internal/blockstore/encrypted/cipher"
)

// Store wraps a lower blockstore.Store, encrypting payloads with aead.
type Store struct {
	lower blockstore.Store
	aead  cipher.AEAD
}

// New wraps lower with authenticated encryption using aead.
func New(lower blockstore.Store, aead cipher.AEAD) *Store {
	return &Store{lower: lower, aead: aead}
}

const overheadBeforeCipher = blockstore.IdSize // outer plaintext BlockId

func (s *Store) CreateId() blockstore.Id { return s.lower.CreateId() }

func (s *Store) encode(id blockstore.Id, plaintext []byte) ([]byte, error) {
	nonce, err := cipher.RandomNonce(s.aead)
	if err != nil {
		return nil, err
	}
	inner := make([]byte, 0, blockstore.IdSize+len(plaintext))
	inner = append(inner, id[:]...)
	inner = append(inner, plaintext...)
	ciphertext := s.aead.Seal(nil, nonce, inner, nil)

	out := make([]byte, 0, overheadBeforeCipher+len(nonce)+len(ciphertext))
	out = append(out, id[:]...)
	out = append(out, nonce...)
	out = append(out, ciphertext...)
	return out, nil
}

// decode returns (plaintext, true, nil) on success, (nil, false, nil) if
// decryption fails or the inner id does not match outerId (callers log
// this case), and (nil, false, err) on a structural error (e.g. truncated
// block).
func (s *Store) decode(outerId blockstore.Id, raw []byte) ([]byte, bool, error) {
	nonceSize := s.aead.NonceSize()
	if len(raw) < overheadBeforeCipher+nonceSize {
		return nil, false, xerrors.New("encrypted: block too short")
	}
	gotOuterId := blockstore.Id{}
	copy(gotOuterId[:], raw[:blockstore.IdSize])
	nonce := raw[blockstore.IdSize : blockstore.IdSize+nonceSize]
	ciphertext := raw[blockstore.IdSize+nonceSize:]

	inner, err := s.aead.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return nil, false, nil // auth failure: not found, not a hard error
	}
	if len(inner) < blockstore.IdSize {
		return nil, false, nil
	}
	var innerId blockstore.Id
	copy(innerId[:], inner[:blockstore.IdSize])
	if innerId != outerId {
		return nil, false, nil // inner id must match outer id
	}
	return inner[blockstore.IdSize:], true, nil
}

func (s *Store) TryCreate(ctx context.Context, id blockstore.Id, data []byte) (blockstore.Block, error) {
	encoded, err := s.encode(id, data)
	if err != nil {
		return nil, err
	}
	lowerBlock, err := s.lower.TryCreate(ctx, id, encoded)
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
	plaintext, ok, err := s.decode(id, lowerBlock.Data())
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, nil
	}
	return newHandle(s, lowerBlock, id, plaintext), nil
}

func (s *Store) Overwrite(ctx context.Context, id blockstore.Id, data []byte) (blockstore.Block, error) {
	encoded, err := s.encode(id, data)
	if err != nil {
		return nil, err
	}
	lowerBlock, err := s.lower.Overwrite(ctx, id, encoded)
	if err != nil {
		return nil, err
	}
	return newHandle(s, lowerBlock, id, data), nil
}

func (s *Store) Remove(ctx context.Context, id blockstore.Id) error {
	return s.lower.Remove(ctx, id)
}

func (s *Store) NumBlocks(ctx context.Context) (uint64, error) {
	return s.lower.NumBlocks(ctx)
}

func (s *Store) EstimateNumFreeBytes(ctx context.Context) (uint64, error) {
	return s.lower.EstimateNumFreeBytes(ctx)
}

func (s *Store) BlockSizeFromPhysicalBlockSize(physicalSize uint64) uint64 {
	overhead := uint64(overheadBeforeCipher + s.aead.NonceSize() + s.aead.Overhead())
	physicalSize = s.lower.BlockSizeFromPhysicalBlockSize(physicalSize)
	if physicalSize < overhead {
		return 0
	}
	return physicalSize - overhead
}

func (s *Store) ForEachBlock(ctx context.Context, f func(blockstore.Id) error) error {
	return s.lower.ForEachBlock(ctx, f)
}
