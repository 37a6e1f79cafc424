// Package localstate resolves and manages the local state directory: a
// per-machine, per-filesystem directory, kept outside the base directory,
// holding the basedirs drift-detection map, the myClientId file and the
// integritystate sidecar.
//
// CRYFS_LOCAL_STATE_DIR is resolved once via a "var X = findX()" pattern,
// and every atomic write in this package uses github.com/google/renameio,
// the same as internal/blockstore/integrity.
package localstate

import (
	"encoding/json"
	"os"
	"path/filepath"

	"github.com/google/renameio"
	"golang.org/x/xerrors"

	"github.com/cryfs-go/cryfs/internal/cryconfig"
)

// EnvOverride is the environment variable that overrides the local state
// root directory.
const EnvOverride = "CRYFS_LOCAL_STATE_DIR"

// Root is the local state root directory, resolved once at process
// start: an env override, falling back to a fixed default under the
// user's home directory.
var Root = findRoot()

func findRoot() string {
	if dir := os.Getenv(EnvOverride); dir != "" {
		return dir
	}
	home, err := os.UserHomeDir()
	if err != nil {
		home = "."
	}
	return filepath.Join(home, ".local", "share", "cryfs")
}

// Dir returns (creating if necessary) the local state directory for one
// filesystem, keyed by its filesystem id.
func Dir(root string, fsid cryconfig.FilesystemId) (string, error) {
	dir := filepath.Join(root, fsid.String())
	if err := os.MkdirAll(dir, 0700); err != nil {
		return "", xerrors.Errorf("localstate: mkdir %s: %w", dir, err)
	}
	return dir, nil
}

// MyClientIdPath is the path to the per-filesystem, per-installation client
// id file.
func MyClientIdPath(fsDir string) string {
	return filepath.Join(fsDir, "myClientId")
}

// IntegrityStatePath is the path to the integritystate sidecar, passed
// straight to integrity.LoadState.
func IntegrityStatePath(fsDir string) string {
	return filepath.Join(fsDir, "integritystate")
}

// basedirsFile is the name of the fsid → last-known-basedir map, stored
// directly under root (not under a per-filesystem subdirectory, since its
// whole job is mapping fsid to basedir before the per-filesystem directory
// is even known to be the right one).
const basedirsFile = "basedirs"

// Basedirs is the persisted fsid → last-known-basedir map used for drift
// detection: if a filesystem id's recorded basedir does not match the
// one being mounted, the caller can warn that the base directory
// appears to have moved or been swapped.
type Basedirs struct {
	path    string
	entries map[string]string // fsid hex -> basedir
}

// LoadBasedirs reads (or initializes empty) the basedirs map under root.
func LoadBasedirs(root string) (*Basedirs, error) {
	path := filepath.Join(root, basedirsFile)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return &Basedirs{path: path, entries: make(map[string]string)}, nil
		}
		return nil, xerrors.Errorf("localstate: read basedirs: %w", err)
	}
	var entries map[string]string
	if err := json.Unmarshal(data, &entries); err != nil {
		return nil, xerrors.Errorf("localstate: corrupt basedirs: %w", err)
	}
	return &Basedirs{path: path, entries: entries}, nil
}

// Lookup returns the last-known basedir recorded for fsid, if any.
func (b *Basedirs) Lookup(fsid cryconfig.FilesystemId) (string, bool) {
	dir, ok := b.entries[fsid.String()]
	return dir, ok
}

// FindFsidForBaseDir reverse-looks-up baseDir (given as an absolute path)
// in the map, returning the filesystem id (hex string) last recorded
// there, if any. Used to detect a swapped-out base directory: the same
// directory now holding a different filesystem than last time.
func (b *Basedirs) FindFsidForBaseDir(baseDir string) (string, bool) {
	for fsidHex, bd := range b.entries {
		if bd == baseDir {
			return fsidHex, true
		}
	}
	return "", false
}

// Record updates fsid's last-known basedir and persists the map
// atomically (write-to-temp + rename).
func (b *Basedirs) Record(fsid cryconfig.FilesystemId, basedir string) error {
	abs, err := filepath.Abs(basedir)
	if err != nil {
		return xerrors.Errorf("localstate: abs(%s): %w", basedir, err)
	}
	b.entries[fsid.String()] = abs
	if err := os.MkdirAll(filepath.Dir(b.path), 0700); err != nil {
		return xerrors.Errorf("localstate: mkdir: %w", err)
	}
	data, err := json.Marshal(b.entries)
	if err != nil {
		return xerrors.Errorf("localstate: marshal basedirs: %w", err)
	}
	if err := renameio.WriteFile(b.path, data, 0600); err != nil {
		return xerrors.Errorf("localstate: write basedirs: %w", err)
	}
	return nil
}
