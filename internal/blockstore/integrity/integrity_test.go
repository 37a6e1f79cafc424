package integrity_test

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cryfs-go/cryfs/internal/blockstore/integrity"
	"github.com/cryfs-go/cryfs/internal/blockstore/ondisk"
)

func newStore(t *testing.T) (*integrity.Store, *integrity.State, *ondisk.Store) {
	t.Helper()
	lower, err := ondisk.New(t.TempDir())
	require.NoError(t, err)
	state, err := integrity.LoadState(filepath.Join(t.TempDir(), "integritystate"))
	require.NoError(t, err)
	return integrity.New(lower, state, integrity.Config{}), state, lower
}

func TestRoundTrip(t *testing.T) {
	ctx := context.Background()
	s, _, _ := newStore(t)

	b, err := s.Create(ctx, []byte("payload"))
	require.NoError(t, err)
	id := b.Id()
	require.NoError(t, b.Close(ctx))

	loaded, err := s.Load(ctx, id)
	require.NoError(t, err)
	require.NotNil(t, loaded)
	assert.Equal(t, "payload", string(loaded.Data()))
}

func TestRollbackOfOwnWritesDetected(t *testing.T) {
	ctx := context.Background()
	s, _, lower := newStore(t)

	b, err := s.Create(ctx, []byte("v1"))
	require.NoError(t, err)
	id := b.Id()
	require.NoError(t, b.Close(ctx))

	// Snapshot the lower-level (header + payload) bytes right after the
	// first write.
	v1Raw, err := lower.Load(ctx, id)
	require.NoError(t, err)
	v1Bytes := append([]byte{}, v1Raw.Data()...)

	// A second write bumps the version and is read back fine.
	b2, err := s.Overwrite(ctx, id, []byte("v2"))
	require.NoError(t, err)
	require.NoError(t, b2.Close(ctx))
	loaded, err := s.Load(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, "v2", string(loaded.Data()))

	// Simulate an attacker rolling the base directory back to the
	// snapshot taken right after the first write.
	_, err = lower.Overwrite(ctx, id, v1Bytes)
	require.NoError(t, err)

	_, err = s.Load(ctx, id)
	require.Error(t, err)
	var violation *integrity.Violation
	require.ErrorAs(t, err, &violation)
	assert.Equal(t, integrity.ViolationRollbackOwnWrites, violation.Kind)
}

func TestTombstoneReappearing(t *testing.T) {
	ctx := context.Background()
	s, _, lower := newStore(t)

	b, err := s.Create(ctx, []byte("data"))
	require.NoError(t, err)
	id := b.Id()
	require.NoError(t, b.Close(ctx))

	// Keep the block's lower-level bytes so they can be restored later.
	raw, err := lower.Load(ctx, id)
	require.NoError(t, err)
	rawBytes := append([]byte{}, raw.Data()...)

	require.NoError(t, s.Remove(ctx, id))

	// The block file is gone at the lower layer too, so a plain Load
	// returns nil, not a violation (the violation only fires if bytes for
	// a tombstoned id somehow reappear, e.g. via a restored backup).
	loaded, err := s.Load(ctx, id)
	require.NoError(t, err)
	assert.Nil(t, loaded)

	// Restoring the removed block's bytes, as a backup restore would.
	_, err = lower.Overwrite(ctx, id, rawBytes)
	require.NoError(t, err)

	_, err = s.Load(ctx, id)
	var violation *integrity.Violation
	require.ErrorAs(t, err, &violation)
	assert.Equal(t, integrity.ViolationTombstoneReappeared, violation.Kind)
}

func TestMissingBlockIsViolationWhenExclusive(t *testing.T) {
	ctx := context.Background()
	lower, err := ondisk.New(t.TempDir())
	require.NoError(t, err)
	state, err := integrity.LoadState(filepath.Join(t.TempDir(), "integritystate"))
	require.NoError(t, err)
	s := integrity.New(lower, state, integrity.Config{ExclusiveClientId: true})

	b, err := s.Create(ctx, []byte("data"))
	require.NoError(t, err)
	id := b.Id()
	require.NoError(t, b.Close(ctx))

	// Simulate deletion of the block file out from under the store.
	require.NoError(t, lower.Remove(ctx, id))

	err = s.CheckOnMount(ctx)
	require.Error(t, err)
	var violation *integrity.Violation
	assert.ErrorAs(t, err, &violation)
	assert.Equal(t, integrity.ViolationMissingBlock, violation.Kind)
}

func TestPoisonedFilesystemRefusesMount(t *testing.T) {
	ctx := context.Background()
	s, state, _ := newStore(t)
	require.NoError(t, state.Poison())

	err := s.CheckOnMount(ctx)
	assert.Error(t, err)
}

func TestStatePersistsAcrossReload(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "integritystate")

	state, err := integrity.LoadState(path)
	require.NoError(t, err)
	lower, err := ondisk.New(t.TempDir())
	require.NoError(t, err)
	s := integrity.New(lower, state, integrity.Config{})

	ctx := context.Background()
	b, err := s.Create(ctx, []byte("persisted"))
	require.NoError(t, err)
	id := b.Id()
	require.NoError(t, b.Close(ctx))

	reloaded, err := integrity.LoadState(path)
	require.NoError(t, err)
	assert.Equal(t, state.MyClient, reloaded.MyClient)

	s2 := integrity.New(lower, reloaded, integrity.Config{})
	loaded, err := s2.Load(ctx, id)
	require.NoError(t, err)
	require.NotNil(t, loaded)
	assert.Equal(t, "persisted", string(loaded.Data()))
}
