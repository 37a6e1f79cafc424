// Package cryconfig implements CryConfig, its JSON wire shape, and the
// bootstrap pipeline (key derivation + outer/inner encryption) that turns a
// password into a usable Config and back.
package cryconfig

import (
	"encoding/hex"
	"encoding/json"

	"github.com/go-playground/validator/v10"
	"golang.org/x/xerrors"

	"github.com/cryfs-go/cryfs/internal/blockstore"
	"github.com/cryfs-go/cryfs/internal/blockstore/encrypted/cipher"
)

// FilesystemFormatVersion is the on-disk format version stamped into every
// newly created filesystem's Config.Version.
const FilesystemFormatVersion = "0.1"

// FilesystemIdSize is the serialized size of a FilesystemId in bytes.
const FilesystemIdSize = 16

// FilesystemId is the random identifier stamped into Config at creation and
// checked, unchanged, on every subsequent load.
type FilesystemId [FilesystemIdSize]byte

func (id FilesystemId) String() string { return hex.EncodeToString(id[:]) }

// MarshalJSON renders FilesystemId as a hex string, not the default
// byte-array-of-numbers encoding for a fixed array.
func (id FilesystemId) MarshalJSON() ([]byte, error) {
	return json.Marshal(id.String())
}

// UnmarshalJSON is the inverse of MarshalJSON.
func (id *FilesystemId) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return xerrors.Errorf("cryconfig: decode filesystemId: %w", err)
	}
	decoded, err := hex.DecodeString(s)
	if err != nil {
		return xerrors.Errorf("cryconfig: decode filesystemId: %w", err)
	}
	if len(decoded) != FilesystemIdSize {
		return xerrors.Errorf("cryconfig: filesystemId must be %d bytes, got %d", FilesystemIdSize, len(decoded))
	}
	copy(id[:], decoded)
	return nil
}

// Migrations records compatibility triggers: filesystems created before
// this repo existed might lack per-block version numbers or per-entry
// parent pointers, and must be migrated rather than rejected outright.
type Migrations struct {
	HasVersionNumbers bool `json:"hasVersionNumbers"`
	HasParentPointers bool `json:"hasParentPointers"`
}

// Config is the plaintext content of cryfs.config once both encryption
// layers have been peeled off. Version/CreatedWithVersion/
// LastOpenedWithVersion stay a triplet rather than collapsing to one
// field, so a load can tell apart the version a filesystem was created
// with from the version that most recently opened it.
type Config struct {
	RootBlob string `json:"rootblob" validate:"required"`
	// EncryptionKey is hex-encoded; its decoded length must match
	// cipher.KeySize(Cipher).
	EncryptionKey string `json:"key" validate:"required,hexadecimal"`
	Cipher        string `json:"cipher" validate:"required"`

	Version               string `json:"version" validate:"required"`
	CreatedWithVersion    string `json:"createdWithVersion" validate:"required"`
	LastOpenedWithVersion string `json:"lastOpenedWithVersion" validate:"required"`

	BlocksizeBytes uint64 `json:"blocksizeBytes" validate:"required,min=1"`

	FilesystemId FilesystemId `json:"filesystemId"`

	// ExclusiveClientId, if non-nil, restricts this filesystem to one
	// client id and turns on missing-block-is-violation mode.
	ExclusiveClientId *uint32 `json:"exclusiveClientId,omitempty"`

	Migrations Migrations `json:"migrations"`
}

// MissingBlockIsIntegrityViolation reports whether this config's exclusive
// client id mode is active.
func (c *Config) MissingBlockIsIntegrityViolation() bool {
	return c.ExclusiveClientId != nil
}

// Key decodes EncryptionKey and validates its length against Cipher.
func (c *Config) Key() ([]byte, error) {
	key, err := hex.DecodeString(c.EncryptionKey)
	if err != nil {
		return nil, xerrors.Errorf("cryconfig: decode key: %w", err)
	}
	wantSize, err := cipher.KeySize(c.Cipher)
	if err != nil {
		return nil, xerrors.Errorf("cryconfig: %w", err)
	}
	if len(key) != wantSize {
		return nil, xerrors.Errorf("cryconfig: cipher %s needs a %d-byte key, config has %d", c.Cipher, wantSize, len(key))
	}
	return key, nil
}

var validate = validator.New()

// Validate checks the field-level constraints above plus that Cipher names
// a recognized cipher and RootBlob parses as a BlockId.
func (c *Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		return xerrors.Errorf("cryconfig: invalid config: %w", err)
	}
	if _, err := cipher.KeySize(c.Cipher); err != nil {
		return xerrors.Errorf("cryconfig: %w", err)
	}
	if _, err := blockstore.ParseId(c.RootBlob); err != nil {
		return xerrors.Errorf("cryconfig: invalid rootblob: %w", err)
	}
	return nil
}
