// Command cryfs mounts and manages encrypted CryFS filesystems.
//
// Verbs are dispatched through a name -> func map built in funcmain,
// with flag.FlagSet-per-verb parsing pushed down into each verb's own
// package (here internal/cryfs/mountopts.Parse). funcmain returns an
// error and main calls os.Exit so deferred cleanup always runs first.
// -debug controls whether wrapped errors print with %+v (the xerrors
// stack) or just %v.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"

	"golang.org/x/xerrors"

	"github.com/cryfs-go/cryfs/internal/atexit"
	"github.com/cryfs-go/cryfs/internal/cryfs"
	"github.com/cryfs-go/cryfs/internal/cryfs/mountopts"
	"github.com/cryfs-go/cryfs/internal/lifecycle"
)

var debug = flag.Bool("debug", false, "format error messages with additional detail")

// exitCode maps a Mount error to its process exit code. Unmapped errors
// (a generic I/O failure, a bad flag) fall through to the catch-all
// exit status 1 main uses for everything funcmain returns.
func exitCode(err error) (int, bool) {
	switch {
	case xerrors.Is(err, cryfs.ErrInaccessibleBaseDir):
		return 16, true
	case xerrors.Is(err, cryfs.ErrInaccessibleMountDir):
		return 17, true
	case xerrors.Is(err, cryfs.ErrBaseDirInsideMountDir):
		return 18, true
	case xerrors.Is(err, cryfs.ErrFilesystemIdChanged):
		return 20, true
	case xerrors.Is(err, cryfs.ErrEncryptionKeyChanged):
		return 21, true
	case xerrors.Is(err, cryfs.ErrIntegrityViolationOnPreviousRun):
		return 22, true
	case xerrors.Is(err, cryfs.ErrIntegrityViolation):
		return 23, true
	default:
		return 0, false
	}
}

func cmdMount(ctx context.Context, args []string) error {
	opts, err := mountopts.Parse("mount", args)
	if err != nil {
		return err
	}
	mounted, err := cryfs.Mount(ctx, opts)
	if err != nil {
		return err
	}
	if err := mounted.Join(ctx); err != nil {
		return xerrors.Errorf("join: %w", err)
	}
	// Join returning without an explicit Unmount call means the kernel (or
	// an external fusermount -u) tore the mount down already; atexit.Run is
	// a no-op if Unmount's own call already ran the teardown first.
	return atexit.Run()
}

// cmdMkfs is an alias for mount: creation itself happens the first time
// Mount sees a missing config file, so this verb runs cmdMount unchanged,
// with the same flags and the same "mount" usage message.
func cmdMkfs(ctx context.Context, args []string) error {
	return cmdMount(ctx, args)
}

func cmdVersion(ctx context.Context, args []string) error {
	fmt.Println("cryfs (Go reimplementation)")
	return nil
}

func funcmain() error {
	flag.Parse()

	verbs := map[string]func(ctx context.Context, args []string) error{
		"mount":   cmdMount,
		"mkfs":    cmdMkfs,
		"version": cmdVersion,
	}

	args := flag.Args()
	if len(args) == 0 {
		return xerrors.New("syntax: cryfs <mount|mkfs|version> [flags] <basedir> <mountdir>")
	}
	verb, rest := args[0], args[1:]
	fn, ok := verbs[verb]
	if !ok {
		return xerrors.Errorf("unknown command %q", verb)
	}

	ctx, cancel := lifecycle.InterruptibleContext()
	defer cancel()

	return fn(ctx, rest)
}

func main() {
	err := funcmain()
	if err == nil {
		return
	}
	if *debug {
		fmt.Fprintf(os.Stderr, "%+v\n", err)
	} else {
		fmt.Fprintln(os.Stderr, err)
	}
	if code, ok := exitCode(err); ok {
		os.Exit(code)
	}
	os.Exit(1)
}
