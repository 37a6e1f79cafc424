package cryconfig

import (
	"context"
	"encoding/json"

	"golang.org/x/xerrors"

	"github.com/cryfs-go/cryfs/internal/blockstore"
)

// File is the bootstrap pipeline entry point: Create and Load turn a
// KeyProvider plus (for Load) raw cryfs.config bytes into a usable Config,
// and File.Save reverses Create.
type File struct {
	Config Config

	// outerKey and params are kept around so a modified Config can be saved
	// again (e.g. LastOpenedWithVersion bump) without re-running scrypt.
	outerKey []byte
	params   ScryptParams
}

// CreateOptions describes the choices made only at filesystem-creation
// time; everything else in Config is generated fresh.
type CreateOptions struct {
	Cipher            string
	BlocksizeBytes    uint64
	RootBlob          blockstore.Id
	FilesystemId      FilesystemId
	ExclusiveClientId *uint32
}

// Create derives a fresh outer key via provider, assembles a brand new
// Config around opts, and returns a File ready to Save.
func Create(ctx context.Context, provider KeyProvider, opts CreateOptions) (*File, error) {
	outerKey, params, err := provider.RequestKeyForNewFilesystem(ctx, OuterKeySize)
	if err != nil {
		return nil, xerrors.Errorf("cryconfig: create: %w", err)
	}
	innerKeySize, err := cipherKeySize(opts.Cipher)
	if err != nil {
		return nil, err
	}
	if err := checkCipherAvailable(opts.Cipher, innerKeySize); err != nil {
		return nil, err
	}
	innerKey, err := newRandomKey(innerKeySize)
	if err != nil {
		return nil, xerrors.Errorf("cryconfig: create: %w", err)
	}

	cfg := Config{
		RootBlob:              opts.RootBlob.String(),
		EncryptionKey:         hexEncode(innerKey),
		Cipher:                opts.Cipher,
		Version:               FilesystemFormatVersion,
		CreatedWithVersion:    FilesystemFormatVersion,
		LastOpenedWithVersion: FilesystemFormatVersion,
		BlocksizeBytes:        opts.BlocksizeBytes,
		FilesystemId:          opts.FilesystemId,
		ExclusiveClientId:     opts.ExclusiveClientId,
		Migrations:            Migrations{HasVersionNumbers: true, HasParentPointers: true},
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &File{Config: cfg, outerKey: outerKey, params: params}, nil
}

// Load parses the outer header, asks provider to re-derive the outer key
// from the stored params, peels both encryption layers, and parses the
// resulting JSON into Config.
func Load(ctx context.Context, provider KeyProvider, raw []byte) (*File, error) {
	header, params, err := DecodeOuterHeader(raw)
	if err != nil {
		return nil, xerrors.Errorf("cryconfig: load: %w", err)
	}
	outerKey, err := provider.RequestKeyForExistingFilesystem(ctx, OuterKeySize, params)
	if err != nil {
		return nil, xerrors.Errorf("cryconfig: load: %w", err)
	}
	innerBlob, err := DecryptOuter(outerKey, header, raw[len(header):])
	if err != nil {
		return nil, xerrors.Errorf("cryconfig: load: wrong password or corrupt config: %w", err)
	}

	cipherName, err := peekCipherName(innerBlob)
	if err != nil {
		return nil, xerrors.Errorf("cryconfig: load: %w", err)
	}
	innerKey, err := DeriveInnerKey(outerKey, cipherName, mustCipherKeySize(cipherName))
	if err != nil {
		return nil, err
	}
	payload, err := DecryptInner(cipherName, innerKey, innerBlob)
	if err != nil {
		return nil, xerrors.Errorf("cryconfig: load: %w", err)
	}
	var cfg Config
	if err := json.Unmarshal(payload, &cfg); err != nil {
		return nil, xerrors.Errorf("cryconfig: load: parse config JSON: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &File{Config: cfg, outerKey: outerKey, params: params}, nil
}

// Save serializes Config to JSON, seals it with the inner encryptor under
// Config.Cipher, then seals that with the outer AES-256-GCM layer, ready to
// be written verbatim to cryfs.config (typically via renameio for
// atomicity).
func (f *File) Save() ([]byte, error) {
	if err := f.Config.Validate(); err != nil {
		return nil, err
	}
	payload, err := json.Marshal(f.Config)
	if err != nil {
		return nil, xerrors.Errorf("cryconfig: save: marshal config: %w", err)
	}
	innerKeySize, err := cipherKeySize(f.Config.Cipher)
	if err != nil {
		return nil, err
	}
	innerKey, err := DeriveInnerKey(f.outerKey, f.Config.Cipher, innerKeySize)
	if err != nil {
		return nil, err
	}
	innerBlob, err := EncryptInner(f.Config.Cipher, innerKey, payload)
	if err != nil {
		return nil, xerrors.Errorf("cryconfig: save: %w", err)
	}
	header := EncodeOuterHeader(f.params)
	outer, err := EncryptOuter(f.outerKey, header, innerBlob)
	if err != nil {
		return nil, xerrors.Errorf("cryconfig: save: %w", err)
	}
	return append(header, outer...), nil
}
