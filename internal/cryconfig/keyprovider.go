package cryconfig

import (
	"bufio"
	"context"
	"fmt"
	"io"

	"golang.org/x/xerrors"
)

// KeyProvider turns a password (however obtained) into an EncryptionKey,
// either for a brand new filesystem (choosing fresh KDF parameters) or
// for one whose KDF parameters were already read from cryfs.config's
// outer header.
type KeyProvider interface {
	RequestKeyForNewFilesystem(ctx context.Context, keySize int) (key []byte, params ScryptParams, err error)
	RequestKeyForExistingFilesystem(ctx context.Context, keySize int, params ScryptParams) (key []byte, err error)
}

// passwordSource is implemented by every KeyProvider below; it is the only
// thing that differs between them.
type passwordSource interface {
	password(ctx context.Context) ([]byte, error)
}

func requestNew(ctx context.Context, src passwordSource, keySize int) ([]byte, ScryptParams, error) {
	pw, err := src.password(ctx)
	if err != nil {
		return nil, ScryptParams{}, err
	}
	params, err := NewScryptParams(DefaultScryptParams.N, DefaultScryptParams.R, DefaultScryptParams.P)
	if err != nil {
		return nil, ScryptParams{}, err
	}
	key, err := params.Derive(pw, keySize)
	if err != nil {
		return nil, ScryptParams{}, err
	}
	return key, params, nil
}

func requestExisting(ctx context.Context, src passwordSource, keySize int, params ScryptParams) ([]byte, error) {
	pw, err := src.password(ctx)
	if err != nil {
		return nil, err
	}
	return params.Derive(pw, keySize)
}

// PresetPassword is a KeyProvider that always returns a fixed password,
// used for --extpass-style non-interactive invocations and tests.
type PresetPassword struct {
	Password []byte
}

func (p PresetPassword) password(context.Context) ([]byte, error) { return p.Password, nil }

func (p PresetPassword) RequestKeyForNewFilesystem(ctx context.Context, keySize int) ([]byte, ScryptParams, error) {
	return requestNew(ctx, p, keySize)
}

func (p PresetPassword) RequestKeyForExistingFilesystem(ctx context.Context, keySize int, params ScryptParams) ([]byte, error) {
	return requestExisting(ctx, p, keySize, params)
}

// ConsolePrompt reads the password as one line from In, printing Prompt to
// Out first. internal/cryfs's resolveKeyProvider constructs this only
// when go-isatty reports stdin is a terminal;
// CRYFS_FRONTEND=noninteractive must fail closed before ever reaching here.
type ConsolePrompt struct {
	In     io.Reader
	Out    io.Writer
	Prompt string
}

func (c ConsolePrompt) password(ctx context.Context) ([]byte, error) {
	if ctx.Err() != nil {
		return nil, ctx.Err()
	}
	prompt := c.Prompt
	if prompt == "" {
		prompt = "Password: "
	}
	fmt.Fprint(c.Out, prompt)
	line, err := bufio.NewReader(c.In).ReadString('\n')
	if err != nil && err != io.EOF {
		return nil, xerrors.Errorf("cryconfig: read password: %w", err)
	}
	return []byte(trimNewline(line)), nil
}

func (c ConsolePrompt) RequestKeyForNewFilesystem(ctx context.Context, keySize int) ([]byte, ScryptParams, error) {
	return requestNew(ctx, c, keySize)
}

func (c ConsolePrompt) RequestKeyForExistingFilesystem(ctx context.Context, keySize int, params ScryptParams) ([]byte, error) {
	return requestExisting(ctx, c, keySize, params)
}

func trimNewline(s string) string {
	for len(s) > 0 && (s[len(s)-1] == '\n' || s[len(s)-1] == '\r') {
		s = s[:len(s)-1]
	}
	return s
}

// TestFakeKeyProvider is a KeyProvider with cheap, fixed KDF parameters so
// unit tests do not pay scrypt's real cost; it derives from a fixed
// password, same as PresetPassword, but with N small enough to run in
// milliseconds.
type TestFakeKeyProvider struct {
	Password []byte
}

func (t TestFakeKeyProvider) password(context.Context) ([]byte, error) { return t.Password, nil }

func (t TestFakeKeyProvider) RequestKeyForNewFilesystem(ctx context.Context, keySize int) ([]byte, ScryptParams, error) {
	pw, err := t.password(ctx)
	if err != nil {
		return nil, ScryptParams{}, err
	}
	params, err := NewScryptParams(16, 8, 1)
	if err != nil {
		return nil, ScryptParams{}, err
	}
	key, err := params.Derive(pw, keySize)
	if err != nil {
		return nil, ScryptParams{}, err
	}
	return key, params, nil
}

func (t TestFakeKeyProvider) RequestKeyForExistingFilesystem(ctx context.Context, keySize int, params ScryptParams) ([]byte, error) {
	return requestExisting(ctx, t, keySize, params)
}
