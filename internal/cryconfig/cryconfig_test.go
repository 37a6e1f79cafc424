package cryconfig_test

import (
	"context"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cryfs-go/cryfs/internal/blockstore"
	"github.com/cryfs-go/cryfs/internal/cryconfig"
)

func newTestOptions() cryconfig.CreateOptions {
	var fsid cryconfig.FilesystemId
	copy(fsid[:], "0123456789abcdef")
	return cryconfig.CreateOptions{
		Cipher:         "aes-256-gcm",
		BlocksizeBytes: 32768,
		RootBlob:       blockstore.NewId(),
		FilesystemId:   fsid,
	}
}

func TestCreateThenSaveThenLoadRoundTrips(t *testing.T) {
	ctx := context.Background()
	provider := cryconfig.TestFakeKeyProvider{Password: []byte("correct horse battery staple")}

	created, err := cryconfig.Create(ctx, provider, newTestOptions())
	require.NoError(t, err)

	raw, err := created.Save()
	require.NoError(t, err)

	loaded, err := cryconfig.Load(ctx, provider, raw)
	require.NoError(t, err)

	if diff := cmp.Diff(created.Config, loaded.Config); diff != "" {
		t.Fatalf("config changed across save/load round trip (-created +loaded):\n%s", diff)
	}
}

func TestLoadWithWrongPasswordFails(t *testing.T) {
	ctx := context.Background()
	created, err := cryconfig.Create(ctx, cryconfig.TestFakeKeyProvider{Password: []byte("right")}, newTestOptions())
	require.NoError(t, err)
	raw, err := created.Save()
	require.NoError(t, err)

	_, err = cryconfig.Load(ctx, cryconfig.TestFakeKeyProvider{Password: []byte("wrong")}, raw)
	assert.Error(t, err)
}

func TestLoadRejectsCorruptedOuterHeader(t *testing.T) {
	ctx := context.Background()
	provider := cryconfig.TestFakeKeyProvider{Password: []byte("p")}
	created, err := cryconfig.Create(ctx, provider, newTestOptions())
	require.NoError(t, err)
	raw, err := created.Save()
	require.NoError(t, err)

	corrupted := append([]byte(nil), raw...)
	corrupted[0] ^= 0xFF

	_, err = cryconfig.Load(ctx, provider, corrupted)
	assert.Error(t, err)
}

func TestLoadRejectsTamperedCiphertext(t *testing.T) {
	ctx := context.Background()
	provider := cryconfig.TestFakeKeyProvider{Password: []byte("p")}
	created, err := cryconfig.Create(ctx, provider, newTestOptions())
	require.NoError(t, err)
	raw, err := created.Save()
	require.NoError(t, err)

	corrupted := append([]byte(nil), raw...)
	corrupted[len(corrupted)-1] ^= 0xFF

	_, err = cryconfig.Load(ctx, provider, corrupted)
	assert.Error(t, err)
}

func TestSavedConfigHasConstantSizeRegardlessOfCipher(t *testing.T) {
	ctx := context.Background()
	provider := cryconfig.TestFakeKeyProvider{Password: []byte("p")}

	shortCipher := newTestOptions()
	shortCipher.Cipher = "aes-128-gcm"
	shortCreated, err := cryconfig.Create(ctx, provider, shortCipher)
	require.NoError(t, err)
	shortRaw, err := shortCreated.Save()
	require.NoError(t, err)

	longCipher := newTestOptions()
	longCipher.Cipher = "twofish-256-cfb"
	longCreated, err := cryconfig.Create(ctx, provider, longCipher)
	require.NoError(t, err)
	longRaw, err := longCreated.Save()
	require.NoError(t, err)

	assert.Equal(t, len(shortRaw), len(longRaw))
}

func TestCreateRejectsUnavailableCipher(t *testing.T) {
	ctx := context.Background()
	opts := newTestOptions()
	opts.Cipher = "serpent-256-gcm"
	_, err := cryconfig.Create(ctx, cryconfig.TestFakeKeyProvider{Password: []byte("p")}, opts)
	assert.Error(t, err)
}

func TestExclusiveClientIdRoundTrips(t *testing.T) {
	ctx := context.Background()
	provider := cryconfig.TestFakeKeyProvider{Password: []byte("p")}
	opts := newTestOptions()
	clientId := uint32(42)
	opts.ExclusiveClientId = &clientId

	created, err := cryconfig.Create(ctx, provider, opts)
	require.NoError(t, err)
	assert.True(t, created.Config.MissingBlockIsIntegrityViolation())

	raw, err := created.Save()
	require.NoError(t, err)
	loaded, err := cryconfig.Load(ctx, provider, raw)
	require.NoError(t, err)
	require.NotNil(t, loaded.Config.ExclusiveClientId)
	assert.Equal(t, clientId, *loaded.Config.ExclusiveClientId)
}
