package cryconfig

import (
	"crypto/rand"
	"encoding/hex"

	"golang.org/x/xerrors"

	"github.com/cryfs-go/cryfs/internal/blockstore/encrypted/cipher"
)

func cipherKeySize(name string) (int, error) {
	size, err := cipher.KeySize(name)
	if err != nil {
		return 0, xerrors.Errorf("cryconfig: %w", err)
	}
	return size, nil
}

// mustCipherKeySize is used in paths where the cipher name was just read
// back out of a blob we ourselves produced (or validated on load); an
// error here means on-disk corruption, not a user mistake.
func mustCipherKeySize(name string) int {
	size, err := cipher.KeySize(name)
	if err != nil {
		return 0
	}
	return size
}

// checkCipherAvailable fails fast (at filesystem-creation time, rather
// than at the first Save) when name is a recognized cipher name that this
// build cannot actually construct (cipher.ErrCipherUnavailable).
func checkCipherAvailable(name string, keySize int) error {
	if _, err := cipher.New(name, make([]byte, keySize)); err != nil {
		return xerrors.Errorf("cryconfig: %w", err)
	}
	return nil
}

func newRandomKey(size int) ([]byte, error) {
	key := make([]byte, size)
	if _, err := rand.Read(key); err != nil {
		return nil, xerrors.Errorf("cryconfig: generate key: %w", err)
	}
	return key, nil
}

func hexEncode(b []byte) string {
	return hex.EncodeToString(b)
}
