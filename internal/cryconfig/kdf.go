package cryconfig

import (
	"crypto/rand"

	"golang.org/x/crypto/scrypt"
	"golang.org/x/xerrors"
)

// ScryptSaltSize is the random salt length used for every derivation.
const ScryptSaltSize = 32

// ScryptParams are the KDF parameters serialized into the outer config
// header and replayed verbatim on load.
type ScryptParams struct {
	Salt []byte
	// N, R, P are the scrypt cost parameters.
	N, R, P int
}

// DefaultScryptParams are the parameters used for every newly created
// filesystem: a fixed cost of N=2^20, R=8, P=1.
var DefaultScryptParams = ScryptParams{N: 1 << 20, R: 8, P: 1}

// NewScryptParams generates fresh parameters with a random salt, keeping
// the caller's cost knobs (used by tests to ask for a cheap N).
func NewScryptParams(n, r, p int) (ScryptParams, error) {
	salt := make([]byte, ScryptSaltSize)
	if _, err := rand.Read(salt); err != nil {
		return ScryptParams{}, xerrors.Errorf("cryconfig: generate scrypt salt: %w", err)
	}
	return ScryptParams{Salt: salt, N: n, R: r, P: p}, nil
}

// Derive runs scrypt over password with these parameters, producing
// keySize bytes of key material.
func (p ScryptParams) Derive(password []byte, keySize int) ([]byte, error) {
	key, err := scrypt.Key(password, p.Salt, p.N, p.R, p.P, keySize)
	if err != nil {
		return nil, xerrors.Errorf("cryconfig: scrypt: %w", err)
	}
	return key, nil
}
