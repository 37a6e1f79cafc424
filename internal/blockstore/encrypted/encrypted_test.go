package encrypted_test

import (
	"bytes"
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cryfs-go/cryfs/internal/blockstore"
	"github.com/cryfs-go/cryfs/internal/blockstore/encrypted"
	"github.com/cryfs-go/cryfs/internal/blockstore/encrypted/cipher"
	"github.com/cryfs-go/cryfs/internal/blockstore/ondisk"
)

func newStore(t *testing.T, cipherName string) (*encrypted.Store, blockstore.Store) {
	t.Helper()
	lower, err := ondisk.New(t.TempDir())
	require.NoError(t, err)
	size, err := cipher.KeySize(cipherName)
	require.NoError(t, err)
	aead, err := cipher.New(cipherName, bytes.Repeat([]byte{0x42}, size))
	require.NoError(t, err)
	return encrypted.New(lower, aead), lower
}

func TestRoundTripGCM(t *testing.T) {
	ctx := context.Background()
	s, _ := newStore(t, "aes-256-gcm")

	b, err := s.Create(ctx, []byte("top secret"))
	require.NoError(t, err)
	id := b.Id()
	require.NoError(t, b.Close(ctx))

	loaded, err := s.Load(ctx, id)
	require.NoError(t, err)
	require.NotNil(t, loaded)
	assert.Equal(t, "top secret", string(loaded.Data()))
}

func TestRoundTripCFB(t *testing.T) {
	ctx := context.Background()
	s, _ := newStore(t, "aes-128-cfb")

	b, err := s.Create(ctx, []byte("cfb payload"))
	require.NoError(t, err)
	id := b.Id()
	require.NoError(t, b.Close(ctx))

	loaded, err := s.Load(ctx, id)
	require.NoError(t, err)
	require.NotNil(t, loaded)
	assert.Equal(t, "cfb payload", string(loaded.Data()))
}

func TestSwappedCiphertextIsRejected(t *testing.T) {
	// Replacing a block file with a byte-identical copy of another
	// block's file must make Load return nil — the inner id no longer
	// matches the outer id.
	ctx := context.Background()
	s, lower := newStore(t, "aes-256-gcm")

	b1, err := s.Create(ctx, []byte("block one"))
	require.NoError(t, err)
	id1 := b1.Id()
	require.NoError(t, b1.Close(ctx))

	b2, err := s.Create(ctx, []byte("block two"))
	require.NoError(t, err)
	id2 := b2.Id()
	require.NoError(t, b2.Close(ctx))

	raw2, err := lower.Load(ctx, id2)
	require.NoError(t, err)

	// Overwrite block one's lower-level bytes with block two's raw bytes,
	// but keep block one's outer id: the ciphertext for id2 decrypts fine,
	// but the id encrypted inside it is id2, not id1.
	lowerBlock, err := lower.Load(ctx, id1)
	require.NoError(t, err)
	swapped := append([]byte{}, raw2.Data()...)
	copy(swapped[:blockstore.IdSize], id1[:])
	require.NoError(t, lowerBlock.Resize(len(swapped)))
	require.NoError(t, lowerBlock.Write(swapped, 0))
	require.NoError(t, lowerBlock.Close(ctx))

	loaded, err := s.Load(ctx, id1)
	require.NoError(t, err)
	assert.Nil(t, loaded, "swapped ciphertext must be rejected")
	_ = id2
}

func TestCipherUnavailable(t *testing.T) {
	size, err := cipher.KeySize("serpent-256-gcm")
	require.NoError(t, err)
	_, err = cipher.New("serpent-256-gcm", make([]byte, size))
	assert.ErrorIs(t, err, cipher.ErrCipherUnavailable)
}
