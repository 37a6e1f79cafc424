// Package cipher implements the authenticated-cipher registry behind
// EncryptedBlockStore.
//
// crypto/aes + crypto/cipher's GCM/CFB modes are used for the AES variants
// (stdlib is the idiomatic choice the whole Go ecosystem defers to for
// AES — see DESIGN.md for why no third-party AES package is wired
// instead). golang.org/x/crypto/twofish backs the Twofish variants.
// Serpent, CAST-256 and MARS have no maintained pure-Go implementation in
// the ecosystem; golang.org/x/crypto/cast5 implements CAST5, an unrelated
// 64-bit-block cipher, not CAST-256, so it cannot stand in here either.
// Their names are recognized but New returns ErrCipherUnavailable
// for them rather than shipping a hand-rolled, unaudited implementation
// of a security primitive.
package cipher

import (
	gocipher "crypto/aes"
	"crypto/cipher"
	"fmt"

	"golang.org/x/crypto/twofish"
	"golang.org/x/xerrors"
)

// ErrCipherUnavailable is returned by New for a recognized-but-
// unimplemented cipher name.
var ErrCipherUnavailable = xerrors.New("cipher: not available in this build")

// AEAD is the contract EncryptedBlockStore needs: authenticated encryption
// with a fixed nonce size, a fixed tag size, and a known key size.
type AEAD interface {
	cipher.AEAD
	// Warning, if non-empty, must be surfaced to the user: non-AEAD
	// "-cfb" variants only get integrity from IntegrityBlockStore above.
	Warning() string
}

// KeySize returns the key length in bytes for a cipher name, or an error if
// the name is unknown.
func KeySize(name string) (int, error) {
	spec, ok := registry[name]
	if !ok {
		return 0, xerrors.Errorf("cipher: unknown cipher %q", name)
	}
	return spec.keySize, nil
}

// New constructs an AEAD for the given cipher name and key. The key must be
// exactly KeySize(name) bytes.
func New(name string, key []byte) (AEAD, error) {
	spec, ok := registry[name]
	if !ok {
		return nil, xerrors.Errorf("cipher: unknown cipher %q", name)
	}
	if len(key) != spec.keySize {
		return nil, xerrors.Errorf("cipher: %s needs a %d-byte key, got %d", name, spec.keySize, len(key))
	}
	if spec.unavailable {
		return nil, xerrors.Errorf("cipher %q: %w", name, ErrCipherUnavailable)
	}
	return spec.build(key)
}

// Names lists every recognized cipher name, in registry order, including
// the ones New cannot currently build.
func Names() []string {
	names := make([]string, len(orderedNames))
	copy(names, orderedNames)
	return names
}

type spec struct {
	keySize     int
	unavailable bool
	build       func(key []byte) (AEAD, error)
}

var orderedNames = []string{
	"aes-128-gcm", "aes-256-gcm", "aes-128-cfb", "aes-256-cfb",
	"twofish-128-gcm", "twofish-256-gcm", "twofish-128-cfb", "twofish-256-cfb",
	"serpent-128-gcm", "serpent-256-gcm", "serpent-128-cfb", "serpent-256-cfb",
	"cast-256-gcm", "cast-256-cfb",
	"mars-128-gcm", "mars-256-gcm", "mars-448-gcm",
	"mars-128-cfb", "mars-256-cfb", "mars-448-cfb",
}

var registry = func() map[string]spec {
	m := make(map[string]spec, len(orderedNames))
	aesSizes := map[string]int{"128": 16, "256": 32}
	for bits, size := range aesSizes {
		size := size
		m[fmt.Sprintf("aes-%s-gcm", bits)] = spec{keySize: size, build: buildGCM(gocipher.NewCipher)}
		m[fmt.Sprintf("aes-%s-cfb", bits)] = spec{keySize: size, build: buildCFB(gocipher.NewCipher)}
		m[fmt.Sprintf("twofish-%s-gcm", bits)] = spec{keySize: size, build: buildGCM(twofish.NewCipher)}
		m[fmt.Sprintf("twofish-%s-cfb", bits)] = spec{keySize: size, build: buildCFB(twofish.NewCipher)}
		m[fmt.Sprintf("serpent-%s-gcm", bits)] = spec{keySize: size, unavailable: true}
		m[fmt.Sprintf("serpent-%s-cfb", bits)] = spec{keySize: size, unavailable: true}
	}
	m["cast-256-gcm"] = spec{keySize: 32, unavailable: true}
	m["cast-256-cfb"] = spec{keySize: 32, unavailable: true}
	for _, bits := range []string{"128", "256", "448"} {
		size := map[string]int{"128": 16, "256": 32, "448": 56}[bits]
		m[fmt.Sprintf("mars-%s-gcm", bits)] = spec{keySize: size, unavailable: true}
		m[fmt.Sprintf("mars-%s-cfb", bits)] = spec{keySize: size, unavailable: true}
	}
	return m
}()

type blockCipherFactory func(key []byte) (cipher.Block, error)

func buildGCM(factory blockCipherFactory) func([]byte) (AEAD, error) {
	return func(key []byte) (AEAD, error) {
		block, err := factory(key)
		if err != nil {
			return nil, xerrors.Errorf("cipher: new block cipher: %w", err)
		}
		aead, err := cipher.NewGCM(block)
		if err != nil {
			return nil, xerrors.Errorf("cipher: new GCM: %w", err)
		}
		return &aeadCipher{AEAD: aead}, nil
	}
}

func buildCFB(factory blockCipherFactory) func([]byte) (AEAD, error) {
	return func(key []byte) (AEAD, error) {
		block, err := factory(key)
		if err != nil {
			return nil, xerrors.Errorf("cipher: new block cipher: %w", err)
		}
		return &cfbAEAD{block: block, warning: "-cfb ciphers are not authenticated; integrity relies entirely on IntegrityBlockStore"}, nil
	}
}

type aeadCipher struct {
	cipher.AEAD
}

func (a *aeadCipher) Warning() string { return "" }
