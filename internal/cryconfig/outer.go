package cryconfig

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/binary"

	"golang.org/x/xerrors"
)

// OuterKeySize is the key length the outer layer always uses: AES-256-GCM.
const OuterKeySize = 32

// outerMagic is the literal ASCII header prefix stamped at the start of
// every cryfs.config file, including its trailing NUL.
const outerMagic = "cryfs.config;0;scrypt\x00"

// OuterPlaintextSize is the size every inner blob is padded to before the
// outer AEAD seals it, so the stored file size never leaks which cipher
// name (and therefore which inner-ciphertext overhead) was chosen.
const OuterPlaintextSize = 1024

// EncodeOuterHeader serializes outerMagic + params into the fixed preamble
// written before the outer ciphertext.
func EncodeOuterHeader(params ScryptParams) []byte {
	buf := make([]byte, 0, len(outerMagic)+4+4+4+4+len(params.Salt))
	buf = append(buf, outerMagic...)
	var lenBuf [4]byte
	binary.BigEndian.PutUint32(lenBuf[:], uint32(len(params.Salt)))
	buf = append(buf, lenBuf[:]...)
	buf = append(buf, params.Salt...)
	var nrp [12]byte
	binary.BigEndian.PutUint32(nrp[0:4], uint32(params.N))
	binary.BigEndian.PutUint32(nrp[4:8], uint32(params.R))
	binary.BigEndian.PutUint32(nrp[8:12], uint32(params.P))
	buf = append(buf, nrp[:]...)
	return buf
}

// DecodeOuterHeader parses the preamble EncodeOuterHeader writes, returning
// the consumed header bytes (needed back as AEAD associated data) and the
// parsed params.
func DecodeOuterHeader(data []byte) (header []byte, params ScryptParams, err error) {
	if len(data) < len(outerMagic)+4 {
		return nil, ScryptParams{}, xerrors.New("cryconfig: outer header truncated")
	}
	if string(data[:len(outerMagic)]) != outerMagic {
		return nil, ScryptParams{}, xerrors.New("cryconfig: not a cryfs config (bad outer header magic)")
	}
	off := len(outerMagic)
	saltLen := int(binary.BigEndian.Uint32(data[off : off+4]))
	off += 4
	if len(data) < off+saltLen+12 {
		return nil, ScryptParams{}, xerrors.New("cryconfig: outer header truncated")
	}
	salt := make([]byte, saltLen)
	copy(salt, data[off:off+saltLen])
	off += saltLen
	n := int(binary.BigEndian.Uint32(data[off : off+4]))
	r := int(binary.BigEndian.Uint32(data[off+4 : off+8]))
	p := int(binary.BigEndian.Uint32(data[off+8 : off+12]))
	off += 12
	return data[:off], ScryptParams{Salt: salt, N: n, R: r, P: p}, nil
}

// padPlaintext prepends a 4-byte big-endian length and fills the remainder
// up to OuterPlaintextSize with random bytes, stripped again on unpad.
func padPlaintext(plaintext []byte) ([]byte, error) {
	if len(plaintext)+4 > OuterPlaintextSize {
		return nil, xerrors.Errorf("cryconfig: plaintext %d bytes too large to pad to %d", len(plaintext), OuterPlaintextSize)
	}
	buf := make([]byte, OuterPlaintextSize)
	binary.BigEndian.PutUint32(buf[:4], uint32(len(plaintext)))
	copy(buf[4:], plaintext)
	if _, err := rand.Read(buf[4+len(plaintext):]); err != nil {
		return nil, xerrors.Errorf("cryconfig: generate padding: %w", err)
	}
	return buf, nil
}

func unpadPlaintext(padded []byte) ([]byte, error) {
	if len(padded) != OuterPlaintextSize {
		return nil, xerrors.Errorf("cryconfig: padded plaintext has wrong size %d", len(padded))
	}
	n := binary.BigEndian.Uint32(padded[:4])
	if int(n) > OuterPlaintextSize-4 {
		return nil, xerrors.New("cryconfig: corrupt padding length")
	}
	out := make([]byte, n)
	copy(out, padded[4:4+n])
	return out, nil
}

// EncryptOuter pads plaintext, seals it with AES-256-GCM under key, binding
// header as associated data, and returns nonce||ciphertext.
func EncryptOuter(key, header, plaintext []byte) ([]byte, error) {
	if len(key) != OuterKeySize {
		return nil, xerrors.Errorf("cryconfig: outer key must be %d bytes, got %d", OuterKeySize, len(key))
	}
	padded, err := padPlaintext(plaintext)
	if err != nil {
		return nil, err
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, xerrors.Errorf("cryconfig: outer AES: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, xerrors.Errorf("cryconfig: outer GCM: %w", err)
	}
	nonce := make([]byte, gcm.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return nil, xerrors.Errorf("cryconfig: generate outer nonce: %w", err)
	}
	sealed := gcm.Seal(nil, nonce, padded, header)
	return append(nonce, sealed...), nil
}

// DecryptOuter reverses EncryptOuter given the same header bytes that were
// bound as associated data.
func DecryptOuter(key, header, rest []byte) ([]byte, error) {
	if len(key) != OuterKeySize {
		return nil, xerrors.Errorf("cryconfig: outer key must be %d bytes, got %d", OuterKeySize, len(key))
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, xerrors.Errorf("cryconfig: outer AES: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, xerrors.Errorf("cryconfig: outer GCM: %w", err)
	}
	if len(rest) < gcm.NonceSize() {
		return nil, xerrors.New("cryconfig: outer ciphertext truncated")
	}
	nonce, sealed := rest[:gcm.NonceSize()], rest[gcm.NonceSize():]
	padded, err := gcm.Open(nil, nonce, sealed, header)
	if err != nil {
		return nil, xerrors.Errorf("cryconfig: outer decrypt: wrong password or corrupt config: %w", err)
	}
	return unpadPlaintext(padded)
}
