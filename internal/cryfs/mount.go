// mount.go assembles the full stack — the block store layers, the
// FsBlobStore layers, CryConfig, and the FUSE server loop — and runs the
// orderly teardown sequence on unmount.
package cryfs

import (
	"context"
	"crypto/rand"
	"os"
	"path/filepath"
	"strings"

	"github.com/google/renameio"
	"github.com/jacobsa/fuse"
	"github.com/jacobsa/fuse/fuseutil"
	"github.com/mattn/go-isatty"
	"golang.org/x/xerrors"

	"github.com/cryfs-go/cryfs/internal/atexit"
	"github.com/cryfs-go/cryfs/internal/blockstore"
	"github.com/cryfs-go/cryfs/internal/blockstore/caching"
	"github.com/cryfs-go/cryfs/internal/blockstore/encrypted"
	"github.com/cryfs-go/cryfs/internal/blockstore/encrypted/cipher"
	"github.com/cryfs-go/cryfs/internal/blockstore/integrity"
	"github.com/cryfs-go/cryfs/internal/blockstore/ondisk"
	"github.com/cryfs-go/cryfs/internal/blockstore/parallel"
	"github.com/cryfs-go/cryfs/internal/blobstore"
	"github.com/cryfs-go/cryfs/internal/cryconfig"
	"github.com/cryfs-go/cryfs/internal/cryfs/mountopts"
	"github.com/cryfs-go/cryfs/internal/fsblobstore"
	fscaching "github.com/cryfs-go/cryfs/internal/fsblobstore/caching"
	fsparallel "github.com/cryfs-go/cryfs/internal/fsblobstore/parallel"
	"github.com/cryfs-go/cryfs/internal/localstate"
	"github.com/cryfs-go/cryfs/internal/oninterrupt"
)

// stack is every layer kept around so Unmount can tear them down in
// reverse order: fsparallel has nothing to flush itself, fscaching is
// read-only bookkeeping, blockCaching owns the dirty write-back cache
// that must flush before the lower layers close.
type stack struct {
	blockOnDisk    *ondisk.Store
	blockCaching   *caching.Store
	integrityState *integrity.State
	basedirs       *localstate.Basedirs
	baseDir        string
	fsid           cryconfig.FilesystemId
}

// Mounted is a running mount: the FUSE server plus everything Unmount
// needs to tear down cleanly.
type Mounted struct {
	mfs      *fuse.MountedFileSystem
	mountDir string
	stack    *stack
}

// Join blocks until the filesystem is unmounted (by the kernel, a SIGINT
// handler calling Unmount, or fusermount -u).
func (m *Mounted) Join(ctx context.Context) error {
	return m.mfs.Join(ctx)
}

// Unmount requests the kernel unmount the filesystem, then runs the
// teardown sequence via atexit.Run: flush the block cache, persist
// integrity state and the basedir record, in that order, outermost
// layer first. If the filesystem was already unmounted by something
// else (an external fusermount -u), the teardown still runs exactly
// once, whichever path notices first.
func (m *Mounted) Unmount() error {
	if err := fuse.Unmount(m.mountDir); err != nil {
		return xerrors.Errorf("cryfs: unmount: %w", err)
	}
	return atexit.Run()
}

func (s *stack) teardown() error {
	ctx := context.Background()
	if err := s.blockCaching.Close(ctx); err != nil {
		return xerrors.Errorf("cryfs: flush block cache: %w", err)
	}
	if err := s.integrityState.Save(); err != nil {
		return xerrors.Errorf("cryfs: persist integrity state: %w", err)
	}
	if err := s.basedirs.Record(s.fsid, s.baseDir); err != nil {
		return xerrors.Errorf("cryfs: record basedir: %w", err)
	}
	return nil
}

// Mount-time errors the CLI layer (cmd/cryfs) maps to distinct process
// exit codes. Wrapped with xerrors.Errorf elsewhere in this file; callers
// unwrap with xerrors.Is.
var (
	ErrInaccessibleBaseDir             = xerrors.New("cryfs: base directory is not accessible")
	ErrInaccessibleMountDir            = xerrors.New("cryfs: mount directory is not accessible")
	ErrBaseDirInsideMountDir           = xerrors.New("cryfs: base directory is inside the mount directory")
	ErrFilesystemIdChanged             = xerrors.New("cryfs: filesystem id changed since this base directory was last mounted")
	ErrEncryptionKeyChanged            = xerrors.New("cryfs: wrong password, or the encryption key changed")
	ErrIntegrityViolation              = xerrors.New("cryfs: integrity violation detected")
	ErrIntegrityViolationOnPreviousRun = xerrors.New("cryfs: filesystem was poisoned by an integrity violation on a previous run")
)

// checkDirs runs the base/mount directory preflight checks: both
// directories must be accessible, and basedir must not be a (direct or
// indirect) child of mountdir, which would make the FUSE mount shadow
// the very directory it reads from.
func checkDirs(baseDir, mountDir string) error {
	absBase, err := filepath.Abs(baseDir)
	if err != nil {
		return xerrors.Errorf("%w: %v", ErrInaccessibleBaseDir, err)
	}
	absMount, err := filepath.Abs(mountDir)
	if err != nil {
		return xerrors.Errorf("%w: %v", ErrInaccessibleMountDir, err)
	}
	if err := os.MkdirAll(absBase, 0700); err != nil {
		return xerrors.Errorf("%w: %v", ErrInaccessibleBaseDir, err)
	}
	if err := os.MkdirAll(absMount, 0700); err != nil {
		return xerrors.Errorf("%w: %v", ErrInaccessibleMountDir, err)
	}
	rel, err := filepath.Rel(absMount, absBase)
	if err == nil && rel != ".." && !strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return ErrBaseDirInsideMountDir
	}
	return nil
}

// presetPasswordEnv holds the password a noninteractive mount uses in
// place of a console prompt. Analogous to upstream CryFS's -extpass, but
// simpler: one env var read once at mount time instead of spawning an
// external program.
const presetPasswordEnv = "CRYFS_PRESET_PASSWORD"

// resolveKeyProvider picks the password source: noninteractive mounts
// require CRYFS_PRESET_PASSWORD, interactive mounts prompt on the
// controlling terminal only when it actually is one (go-isatty): a
// stdin that isn't a tty (piped, redirected, running under a
// supervisor) fails closed instead of blocking forever on a prompt
// nobody can answer.
func resolveKeyProvider(opts *mountopts.Options) (cryconfig.KeyProvider, error) {
	if opts.Noninteractive {
		pw, ok := os.LookupEnv(presetPasswordEnv)
		if !ok {
			return nil, xerrors.Errorf("cryfs: noninteractive mount requires %s to be set", presetPasswordEnv)
		}
		return cryconfig.PresetPassword{Password: []byte(pw)}, nil
	}
	if !isatty.IsTerminal(os.Stdin.Fd()) && !isatty.IsCygwinTerminal(os.Stdin.Fd()) {
		return nil, xerrors.New("cryfs: stdin is not a terminal; pass -noninteractive with a preset key provider")
	}
	return cryconfig.ConsolePrompt{In: os.Stdin, Out: os.Stderr}, nil
}

// Mount runs the full bootstrap: load or create cryfs.config, build the
// block-store stack (ondisk -> encrypted -> integrity -> caching ->
// parallel), build the FsBlobStore stack on top (fsblobstore -> caching
// -> parallel), construct the node layer, and hand it to jacobsa/fuse.
func Mount(ctx context.Context, opts *mountopts.Options) (*Mounted, error) {
	if err := checkDirs(opts.BaseDir, opts.MountDir); err != nil {
		return nil, err
	}

	provider, err := resolveKeyProvider(opts)
	if err != nil {
		return nil, err
	}

	_, configExisted := os.Stat(opts.ConfigPath)
	cfgFile, created, err := loadOrCreateConfig(ctx, opts, provider)
	if err != nil {
		if configExisted == nil {
			// An existing config failed to decrypt: either the password was
			// wrong or the stored key material no longer matches.
			return nil, xerrors.Errorf("%w: %v", ErrEncryptionKeyChanged, err)
		}
		return nil, err
	}
	cfg := cfgFile.Config

	if cfg.Version != cryconfig.FilesystemFormatVersion && !opts.AllowFilesystemUpgrade {
		return nil, xerrors.Errorf("cryfs: filesystem was created by version %s; pass --allow-filesystem-upgrade to proceed", cfg.Version)
	}

	basedirs, err := localstate.LoadBasedirs(localstate.Root)
	if err != nil {
		return nil, xerrors.Errorf("cryfs: load local state: %w", err)
	}
	absBaseDir, err := filepath.Abs(opts.BaseDir)
	if err != nil {
		return nil, xerrors.Errorf("%w: %v", ErrInaccessibleBaseDir, err)
	}
	if prevFsid, ok := basedirs.FindFsidForBaseDir(absBaseDir); ok && prevFsid != cfg.FilesystemId.String() {
		// This base directory previously held a different filesystem id —
		// its contents were swapped out from under us without us knowing,
		// which is exactly what the filesystem id check below exists to
		// catch.
		return nil, xerrors.Errorf("%w: basedir %s previously held filesystem %s, now holds %s", ErrFilesystemIdChanged, absBaseDir, prevFsid, cfg.FilesystemId)
	}

	fsDir, err := localstate.Dir(localstate.Root, cfg.FilesystemId)
	if err != nil {
		return nil, xerrors.Errorf("cryfs: local state dir: %w", err)
	}

	key, err := cfg.Key()
	if err != nil {
		return nil, err
	}
	aead, err := cipher.New(cfg.Cipher, key)
	if err != nil {
		return nil, xerrors.Errorf("cryfs: %w", err)
	}

	onDisk, err := ondisk.New(filepath.Join(opts.BaseDir, "blocks"))
	if err != nil {
		return nil, xerrors.Errorf("cryfs: %w", err)
	}
	enc := encrypted.New(onDisk, aead)

	integrityState, err := integrity.LoadState(localstate.IntegrityStatePath(fsDir))
	if err != nil {
		return nil, xerrors.Errorf("cryfs: %w", err)
	}
	integrityConfig := integrity.Config{ExclusiveClientId: cfg.MissingBlockIsIntegrityViolation()}
	integ := integrity.New(enc, integrityState, integrityConfig)

	// A poisoned flag set on a previous run (IntegrityViolationOnPreviousRun)
	// is a distinct exit condition from a violation detected during this
	// mount's own checks (IntegrityViolation) — both are overridden the same
	// way, by --allow-integrity-violations.
	if integrityState.IsPoisoned() && !opts.AllowIntegrityViolations {
		return nil, ErrIntegrityViolationOnPreviousRun
	}
	if integrityConfig.ExclusiveClientId {
		err := integrityState.CheckNoMissingBlocks(func(id blockstore.Id) (bool, error) {
			b, err := enc.Load(ctx, id)
			if err != nil {
				return false, err
			}
			return b != nil, nil
		})
		if err != nil && !opts.AllowIntegrityViolations {
			return nil, xerrors.Errorf("%w: %v", ErrIntegrityViolation, err)
		}
	}

	blockCache := caching.New(integ)
	parallelBlocks := parallel.New(blockCache)

	blockSize := int(onDisk.BlockSizeFromPhysicalBlockSize(cfg.BlocksizeBytes))
	blobs := blobstore.New(parallelBlocks, blockSize)
	fsBlobs := fsblobstore.New(blobs)
	fsCache := fscaching.New(fsBlobs)
	fsStoreImpl := fsparallel.New(fsCache)

	rootId, err := blockstore.ParseId(cfg.RootBlob)
	if err != nil {
		return nil, xerrors.Errorf("cryfs: %w", err)
	}
	if created {
		if err := bootstrapRoot(ctx, fsCache, rootId); err != nil {
			return nil, err
		}
	}

	dev := NewDevice(NewFsStore(fsStoreImpl), parallelBlocks, rootId)
	server := fuseutil.NewFileSystemServer(New(dev))

	mfs, err := fuse.Mount(opts.MountDir, server, &fuse.MountConfig{
		FSName:     "cryfs",
		VolumeName: "cryfs",
	})
	if err != nil {
		return nil, xerrors.Errorf("cryfs: fuse.Mount: %w", err)
	}

	st := &stack{
		blockOnDisk:    onDisk,
		blockCaching:   blockCache,
		integrityState: integrityState,
		basedirs:       basedirs,
		baseDir:        opts.BaseDir,
		fsid:           cfg.FilesystemId,
	}
	mounted := &Mounted{mfs: mfs, mountDir: opts.MountDir, stack: st}

	atexit.Register(st.teardown)
	oninterrupt.Register(func() {
		mounted.Unmount()
	})

	cfgFile.Config.LastOpenedWithVersion = cryconfig.FilesystemFormatVersion
	if err := writeConfig(opts, cfgFile); err != nil {
		return nil, err
	}

	return mounted, nil
}

// bootstrapRoot creates the filesystem's root directory blob the first
// time a filesystem is mounted, parented under its own id.
func bootstrapRoot(ctx context.Context, fsCache *fscaching.Store, rootId blockstore.Id) error {
	if _, err := fsCache.CreateRootDirBlob(ctx, rootId); err != nil {
		return xerrors.Errorf("cryfs: create root blob: %w", err)
	}
	return nil
}

// loadOrCreateConfig loads the existing config if opts.ConfigPath
// exists, otherwise creates a fresh Config for a new filesystem
// (a fresh random root blob id, generated here rather than inside
// cryconfig since only the caller knows which block store the root blob
// will live in).
func loadOrCreateConfig(ctx context.Context, opts *mountopts.Options, provider cryconfig.KeyProvider) (*cryconfig.File, bool, error) {
	raw, err := os.ReadFile(opts.ConfigPath)
	if err == nil {
		f, err := cryconfig.Load(ctx, provider, raw)
		if err != nil {
			return nil, false, err
		}
		return f, false, nil
	}
	if !os.IsNotExist(err) {
		return nil, false, xerrors.Errorf("cryfs: read config: %w", err)
	}

	var fsid cryconfig.FilesystemId
	rootId := blockstore.NewId()
	if _, err := rand.Read(fsid[:]); err != nil {
		return nil, false, xerrors.Errorf("cryfs: generate filesystem id: %w", err)
	}
	var exclusive *uint32
	if opts.ExclusiveClientId {
		v := uint32(1)
		exclusive = &v
	}
	f, err := cryconfig.Create(ctx, provider, cryconfig.CreateOptions{
		Cipher:            opts.Cipher,
		BlocksizeBytes:    opts.BlocksizeBytes,
		RootBlob:          rootId,
		FilesystemId:      fsid,
		ExclusiveClientId: exclusive,
	})
	if err != nil {
		return nil, false, err
	}
	return f, true, nil
}

func writeConfig(opts *mountopts.Options, f *cryconfig.File) error {
	raw, err := f.Save()
	if err != nil {
		return xerrors.Errorf("cryfs: save config: %w", err)
	}
	if err := renameio.WriteFile(opts.ConfigPath, raw, 0600); err != nil {
		return xerrors.Errorf("cryfs: write config: %w", err)
	}
	return nil
}
