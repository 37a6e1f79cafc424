package cryconfig

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/binary"
	"io"

	"golang.org/x/crypto/hkdf"
	"golang.org/x/xerrors"

	"github.com/cryfs-go/cryfs/internal/blockstore/encrypted/cipher"
)

// InnerPlaintextSize is the fixed size of the padded CryConfig JSON
// payload the inner encryptor seals: a randomly padded 512-byte block.
const InnerPlaintextSize = 512

// innerMarkerSize is the width of the cipher-name marker prefixed to every
// inner ciphertext; 31 usable bytes plus a NUL terminator comfortably
// fits every recognized cipher name (the longest, such as
// "twofish-256-gcm" and "serpent-128-cfb", are 15 bytes).
const innerMarkerSize = 32

// DeriveInnerKey derives the inner encryption key from the same key
// material the outer layer already derived via scrypt, so a compromise of
// one key's on-disk representation does not hand over the other.
func DeriveInnerKey(outerKey []byte, cipherName string, keySize int) ([]byte, error) {
	key := make([]byte, keySize)
	kdf := hkdf.New(sha256.New, outerKey, nil, []byte("cryfs-inner-key:"+cipherName))
	if _, err := io.ReadFull(kdf, key); err != nil {
		return nil, xerrors.Errorf("cryconfig: derive inner key: %w", err)
	}
	return key, nil
}

// peekCipherName reads back the cipher name EncryptInner stamped into
// blob's marker prefix, before any decryption has happened — Load needs it
// to know which cipher's key size to derive and which AEAD to construct.
func peekCipherName(blob []byte) (string, error) {
	if len(blob) < innerMarkerSize {
		return "", xerrors.New("cryconfig: inner blob truncated")
	}
	marker := blob[:innerMarkerSize]
	end := 0
	for end < len(marker) && marker[end] != 0 {
		end++
	}
	return string(marker[:end]), nil
}

func encodeMarker(cipherName string) ([]byte, error) {
	if len(cipherName) >= innerMarkerSize {
		return nil, xerrors.Errorf("cryconfig: cipher name %q too long", cipherName)
	}
	marker := make([]byte, innerMarkerSize)
	copy(marker, cipherName)
	return marker, nil
}

func padInnerPlaintext(payload []byte) ([]byte, error) {
	if len(payload)+4 > InnerPlaintextSize {
		return nil, xerrors.Errorf("cryconfig: config JSON (%d bytes) too large for the %d-byte inner block", len(payload), InnerPlaintextSize)
	}
	buf := make([]byte, InnerPlaintextSize)
	binary.BigEndian.PutUint32(buf[:4], uint32(len(payload)))
	copy(buf[4:], payload)
	if _, err := rand.Read(buf[4+len(payload):]); err != nil {
		return nil, xerrors.Errorf("cryconfig: generate inner padding: %w", err)
	}
	return buf, nil
}

func unpadInnerPlaintext(padded []byte) ([]byte, error) {
	if len(padded) != InnerPlaintextSize {
		return nil, xerrors.Errorf("cryconfig: padded inner plaintext has wrong size %d", len(padded))
	}
	n := binary.BigEndian.Uint32(padded[:4])
	if int(n) > InnerPlaintextSize-4 {
		return nil, xerrors.New("cryconfig: corrupt inner padding length")
	}
	out := make([]byte, n)
	copy(out, padded[4:4+n])
	return out, nil
}

// EncryptInner seals payload (the serialized CryConfig JSON) under
// cipherName/innerKey, prefixing the cipher-name marker that DecryptInner
// checks on the way back in.
func EncryptInner(cipherName string, innerKey, payload []byte) ([]byte, error) {
	aead, err := cipher.New(cipherName, innerKey)
	if err != nil {
		return nil, xerrors.Errorf("cryconfig: inner cipher: %w", err)
	}
	marker, err := encodeMarker(cipherName)
	if err != nil {
		return nil, err
	}
	padded, err := padInnerPlaintext(payload)
	if err != nil {
		return nil, err
	}
	nonce := make([]byte, aead.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return nil, xerrors.Errorf("cryconfig: generate inner nonce: %w", err)
	}
	sealed := aead.Seal(nil, nonce, padded, marker)
	blob := make([]byte, 0, innerMarkerSize+len(nonce)+len(sealed))
	blob = append(blob, marker...)
	blob = append(blob, nonce...)
	blob = append(blob, sealed...)
	return blob, nil
}

// DecryptInner reverses EncryptInner. A cipher-name mismatch between the
// marker stored in blob and cipherName is treated identically to any other
// authentication failure: the config was not produced by this cipher.
func DecryptInner(cipherName string, innerKey, blob []byte) ([]byte, error) {
	if len(blob) < innerMarkerSize {
		return nil, xerrors.New("cryconfig: inner blob truncated")
	}
	rest := blob[innerMarkerSize:]
	// The marker we authenticate against is derived from the caller-
	// supplied cipherName, not read back out of blob: an attacker flipping
	// the stored marker bytes must still fail AEAD auth rather than
	// silently reinterpret which cipher decrypted the payload.
	wantMarker, err := encodeMarker(cipherName)
	if err != nil {
		return nil, err
	}
	aead, err := cipher.New(cipherName, innerKey)
	if err != nil {
		return nil, xerrors.Errorf("cryconfig: inner cipher: %w", err)
	}
	if len(rest) < aead.NonceSize() {
		return nil, xerrors.New("cryconfig: inner blob truncated")
	}
	nonce, sealed := rest[:aead.NonceSize()], rest[aead.NonceSize():]
	padded, err := aead.Open(nil, nonce, sealed, wantMarker)
	if err != nil {
		return nil, xerrors.Errorf("cryconfig: inner decrypt: cipher mismatch or corrupt config: %w", err)
	}
	return unpadInnerPlaintext(padded)
}
