package cipher

import (
	"crypto/cipher"
	"crypto/rand"

	"golang.org/x/xerrors"
)

// cfbAEAD adapts a plain CFB stream cipher to the AEAD interface so
// EncryptedBlockStore can treat every cipher uniformly. It provides no
// authentication of its own: Overhead is 0 and Open never rejects
// tampered ciphertext on its own — the inner-BlockId check and
// IntegrityBlockStore are what catch tampering for these variants.
type cfbAEAD struct {
	block   cipher.Block
	warning string
}

func (c *cfbAEAD) NonceSize() int { return c.block.BlockSize() }
func (c *cfbAEAD) Overhead() int  { return 0 }
func (c *cfbAEAD) Warning() string { return c.warning }

func (c *cfbAEAD) Seal(dst, nonce, plaintext, additionalData []byte) []byte {
	stream := cipher.NewCFBEncrypter(c.block, nonce)
	out := make([]byte, len(plaintext))
	stream.XORKeyStream(out, plaintext)
	return append(dst, out...)
}

func (c *cfbAEAD) Open(dst, nonce, ciphertext, additionalData []byte) ([]byte, error) {
	if len(nonce) != c.NonceSize() {
		return nil, xerrors.New("cipher: bad nonce size for cfb")
	}
	stream := cipher.NewCFBDecrypter(c.block, nonce)
	out := make([]byte, len(ciphertext))
	stream.XORKeyStream(out, ciphertext)
	return append(dst, out...), nil
}

// randomNonce is a small helper shared by callers that need a fresh
// nonce/IV of the AEAD's declared size.
func randomNonce(a AEAD) ([]byte, error) {
	nonce := make([]byte, a.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return nil, xerrors.Errorf("cipher: generate nonce: %w", err)
	}
	return nonce, nil
}

// RandomNonce is exported so the encrypted block store layer (which owns
// the "nonce || ciphertext" wire framing, not this package) can generate
// nonces without duplicating the crypto/rand call site.
func RandomNonce(a AEAD) ([]byte, error) { return randomNonce(a) }
