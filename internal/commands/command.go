// Package commands provides the command interface and implementations.
package commands

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"

	"chaintodo/internal/backend/ethereum"
	"chaintodo/internal/config"
	"chaintodo/internal/exitcode"
	"chaintodo/internal/ledger"
	"chaintodo/internal/logging"
	"chaintodo/internal/tasksync"
)

// Command defines the interface for CLI commands.
type Command interface {
	// Name returns the primary command name.
	Name() string

	// Aliases returns alternative names for the command.
	Aliases() []string

	// Synopsis returns a short description for help output.
	Synopsis() string

	// Usage returns the usage string for help output.
	Usage() string

	// NeedsLedger returns true if the command talks to the task ledger.
	// Commands like help, version, login, logout return false.
	NeedsLedger() bool

	// RegisterFlags registers command-specific flags.
	RegisterFlags(fs *flag.FlagSet)

	// Run executes the command.
	// cfg is always provided (config dir, paths).
	// env.Open is nil if NeedsLedger() returns false.
	// args contains positional arguments after flag parsing.
	// Returns exit code.
	Run(ctx context.Context, cfg *config.Config, env *Env, args []string, out, errOut io.Writer) int
}

// Opener builds a synchronizer over a fresh backend. release closes the
// synchronizer and then the backend.
type Opener func(ctx context.Context, opts ...tasksync.Option) (s *tasksync.Synchronizer, release func(), err error)

// Env carries what commands need beyond the config.
type Env struct {
	Logger logging.Logger

	// Open is set for commands that need the ledger.
	Open Opener

	// In is the command input for watch; nil disables it.
	In io.Reader

	// Passphrase unlocks or protects keystore accounts.
	Passphrase ethereum.PassphraseFunc

	// LightKDF uses cheap scrypt parameters for new keystore files.
	LightKDF bool
}

// openLedger opens a synchronizer and initializes it. On failure the
// error is reported on errOut and a non-zero exit code returned.
func openLedger(ctx context.Context, env *Env, errOut io.Writer, opts ...tasksync.Option) (*tasksync.Synchronizer, func(), int) {
	if env == nil || env.Open == nil {
		fmt.Fprintln(errOut, "error: no ledger backend configured")
		return nil, nil, exitcode.AuthError
	}
	s, release, err := env.Open(ctx, opts...)
	if err != nil {
		return nil, nil, reportError(errOut, err)
	}
	if err := s.Initialize(ctx); err != nil {
		release()
		return nil, nil, reportError(errOut, err)
	}
	return s, release, exitcode.Success
}

// reportError prints err as the synchronizer would phrase it and returns
// the matching exit code.
func reportError(errOut io.Writer, err error) int {
	var opErr *ledger.OpError
	if errors.As(err, &opErr) {
		fmt.Fprintf(errOut, "error: %s\n", ledger.Message(opErr.Op, err))
	} else {
		fmt.Fprintf(errOut, "error: %v\n", err)
	}
	return exitcode.FromError(err)
}
