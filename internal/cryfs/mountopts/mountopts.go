// Package mountopts parses and validates the mount-time option set: the
// basedir/mountdir pair, cipher selection, integrity override flags, and
// the POSIX atime update policy.
//
// Flag parsing uses one flag.FlagSet per subcommand. Values are then
// layered three ways with github.com/knadh/koanf/v2: struct defaults via
// knadh/koanf/providers/structs, overridden by CRYFS_*-prefixed env vars
// via knadh/koanf/providers/env/v2, overridden in turn by any flag the
// caller actually passed. The result is validated with
// github.com/go-playground/validator/v10.
package mountopts

import (
	"flag"
	"fmt"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/knadh/koanf/providers/env/v2"
	"github.com/knadh/koanf/providers/structs"
	"github.com/knadh/koanf/v2"
	"golang.org/x/xerrors"
)

// AtimePolicy controls how/whether atime is updated on read.
type AtimePolicy int

const (
	// Relatime updates atime only when it is older than mtime/ctime, or
	// older than a day — the Linux kernel default, and this filesystem's
	// default too.
	Relatime AtimePolicy = iota
	Noatime
	Strictatime
	Nodiratime
)

func ParseAtimePolicy(s string) (AtimePolicy, error) {
	switch s {
	case "", "relatime":
		return Relatime, nil
	case "noatime":
		return Noatime, nil
	case "strictatime":
		return Strictatime, nil
	case "nodiratime":
		return Nodiratime, nil
	default:
		return 0, xerrors.Errorf("mountopts: unknown atime policy %q", s)
	}
}

// Options is the fully parsed, validated set of mount-time options.
type Options struct {
	BaseDir  string `validate:"required"`
	MountDir string `validate:"required"`

	Cipher                     string `validate:"required"`
	ConfigPath                 string
	AllowIntegrityViolations   bool
	AllowFilesystemUpgrade     bool
	Foreground                 bool
	BlocksizeBytes             uint64 `validate:"min=1"`
	ExclusiveClientId          bool

	Atime AtimePolicy

	// Noninteractive mirrors CRYFS_FRONTEND=noninteractive: password
	// prompts are disallowed and must come from elsewhere (environment,
	// a preset key provider).
	Noninteractive bool
}

// DefaultCipher matches CryFS upstream's historical default.
const DefaultCipher = "aes-256-gcm"

// DefaultBlocksizeBytes matches CryFS upstream's default block size.
const DefaultBlocksizeBytes = 32832

// layeredDefaults is loaded into koanf via the structs provider so
// CRYFS_CIPHER/CRYFS_BLOCKSIZEBYTES/CRYFS_ATIME env vars have a base value
// to override before an explicit -cipher/-blocksize/-atime flag overrides
// both: struct defaults < env < explicit flags.
type layeredDefaults struct {
	Cipher         string `koanf:"cipher"`
	BlocksizeBytes uint64 `koanf:"blocksizebytes"`
	Atime          string `koanf:"atime"`
}

var defaultValues = layeredDefaults{
	Cipher:         DefaultCipher,
	BlocksizeBytes: DefaultBlocksizeBytes,
	Atime:          "relatime",
}

// Parse builds a flag.FlagSet, parses args against it, layers
// CRYFS_FRONTEND via koanf's env provider on top of the parsed
// -noninteractive flag, then validates the result.
func Parse(name string, args []string) (*Options, error) {
	fset := flag.NewFlagSet(name, flag.ContinueOnError)
	var (
		cipher         = fset.String("cipher", DefaultCipher, "cipher to use (env CRYFS_CIPHER)")
		configPath     = fset.String("config", "", "path to the config file (default: <basedir>/cryfs.config)")
		allowIntegrity = fset.Bool("allow-integrity-violations", false, "mount even if the filesystem was previously poisoned by a detected integrity violation")
		allowUpgrade   = fset.Bool("allow-filesystem-upgrade", false, "allow mounting a filesystem created by an older version")
		foreground     = fset.Bool("f", false, "run in the foreground instead of daemonizing")
		blocksize      = fset.Uint64("blocksize", DefaultBlocksizeBytes, "block size in bytes for a newly created filesystem (env CRYFS_BLOCKSIZEBYTES)")
		exclusive      = fset.Bool("exclusive-client", false, "restrict this filesystem to this client id (missing-block-is-violation mode)")
		atime          = fset.String("atime", "relatime", "atime update policy: noatime|strictatime|relatime|nodiratime (env CRYFS_ATIME)")
		noninteractive = fset.Bool("noninteractive", false, "fail instead of prompting for a password")
	)
	fset.Usage = func() {
		fmt.Fprintf(fset.Output(), "usage: cryfs %s [flags] <basedir> <mountdir>\n", name)
		fset.PrintDefaults()
	}
	if err := fset.Parse(args); err != nil {
		return nil, err
	}
	if fset.NArg() != 2 {
		return nil, xerrors.Errorf("mountopts: syntax: %s [flags] <basedir> <mountdir>", name)
	}

	// explicit tracks which flags the user actually passed, so a koanf
	// value (struct default, overridable by env) only wins for the ones
	// left at their flag.FlagSet zero default.
	explicit := make(map[string]bool)
	fset.Visit(func(f *flag.Flag) { explicit[f.Name] = true })

	k := koanf.New(".")
	if err := k.Load(structs.Provider(defaultValues, "koanf"), nil); err != nil {
		return nil, xerrors.Errorf("mountopts: load defaults: %w", err)
	}
	if err := k.Load(env.Provider(".", env.Opt{
		Prefix: "CRYFS_",
		TransformFunc: func(key, value string) (string, any) {
			return strings.ToLower(strings.TrimPrefix(key, "CRYFS_")), value
		},
	}), nil); err != nil {
		return nil, xerrors.Errorf("mountopts: load env: %w", err)
	}
	if frontend := k.String("frontend"); frontend == "noninteractive" {
		*noninteractive = true
	}
	if !explicit["cipher"] {
		*cipher = k.String("cipher")
	}
	if !explicit["blocksize"] {
		*blocksize = uint64(k.Int64("blocksizebytes"))
	}
	if !explicit["atime"] {
		*atime = k.String("atime")
	}

	policy, err := ParseAtimePolicy(*atime)
	if err != nil {
		return nil, err
	}

	opts := &Options{
		BaseDir:                  fset.Arg(0),
		MountDir:                 fset.Arg(1),
		Cipher:                   *cipher,
		ConfigPath:               *configPath,
		AllowIntegrityViolations: *allowIntegrity,
		AllowFilesystemUpgrade:   *allowUpgrade,
		Foreground:               *foreground,
		BlocksizeBytes:           *blocksize,
		ExclusiveClientId:        *exclusive,
		Atime:                    policy,
		Noninteractive:           *noninteractive,
	}
	if opts.ConfigPath == "" {
		opts.ConfigPath = cryfsConfigPath(opts.BaseDir)
	}
	if err := validate.Struct(opts); err != nil {
		return nil, xerrors.Errorf("mountopts: invalid options: %w", err)
	}
	return opts, nil
}

var validate = validator.New()

func cryfsConfigPath(baseDir string) string {
	return baseDir + "/cryfs.config"
}
