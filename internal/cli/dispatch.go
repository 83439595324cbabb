package cli

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"strings"

	"chaintodo/internal/backend/ethereum"
	"chaintodo/internal/commands"
	"chaintodo/internal/config"
	"chaintodo/internal/exitcode"
	"chaintodo/internal/logging"
	"chaintodo/internal/tasksync"
)

// Dispatcher handles command-line parsing and dispatch.
type Dispatcher struct {
	registry *commands.Registry
	factory  BackendFactory

	// Stdin feeds watch and passphrase prompts; nil disables both.
	Stdin *os.File
}

// NewDispatcher creates a new dispatcher with the given registry and backend factory.
func NewDispatcher(registry *commands.Registry, factory BackendFactory) *Dispatcher {
	return &Dispatcher{
		registry: registry,
		factory:  factory,
	}
}

// Run parses arguments and dispatches to the appropriate command.
// Returns the exit code.
func (d *Dispatcher) Run(ctx context.Context, args []string, out, errOut io.Writer) int {
	// No args -> dispatch to "list" command with no args
	if len(args) == 0 {
		return d.dispatch(ctx, "list", nil, out, errOut)
	}

	cmdName := args[0]

	// Flags require a command
	if strings.HasPrefix(cmdName, "-") {
		fmt.Fprintf(errOut, "error: unknown command: %s\n", cmdName)
		return exitcode.UserError
	}

	return d.dispatch(ctx, cmdName, args[1:], out, errOut)
}

func (d *Dispatcher) dispatch(ctx context.Context, cmdName string, args []string, out, errOut io.Writer) int {
	cmd, ok := d.registry.Find(cmdName)
	if !ok {
		fmt.Fprintf(errOut, "error: unknown command: %s\n", cmdName)
		return exitcode.UserError
	}
	return d.dispatchCommand(ctx, cmd, args, out, errOut)
}

func (d *Dispatcher) dispatchCommand(ctx context.Context, cmd commands.Command, args []string, out, errOut io.Writer) int {
	fs := flag.NewFlagSet(cmd.Name(), flag.ContinueOnError)
	fs.SetOutput(io.Discard) // We handle errors ourselves

	// Common flags
	var configDir string
	var quiet bool
	var debug bool

	fs.StringVar(&configDir, "config", "", "")
	fs.BoolVar(&quiet, "quiet", false, "")
	fs.BoolVar(&debug, "debug", false, "")

	cmd.RegisterFlags(fs)

	if err := fs.Parse(args); err != nil {
		return flagError(err, errOut)
	}

	// Check if first positional arg starts with - (should have been parsed as flag)
	positionalArgs := fs.Args()
	if len(positionalArgs) > 0 && strings.HasPrefix(positionalArgs[0], "-") {
		fmt.Fprintf(errOut, "error: unknown flag: %s\n", positionalArgs[0])
		return exitcode.UserError
	}

	// A broken config file only matters to commands that touch the ledger;
	// the others run on defaults so help and config --init keep working.
	cfg, err := config.Load(configDir)
	if err != nil {
		if cmd.NeedsLedger() || !errors.Is(err, config.ErrInvalid) {
			fmt.Fprintf(errOut, "error: %v\n", err)
			return exitcode.FromError(err)
		}
		if cfg, err = config.New(configDir); err != nil {
			fmt.Fprintf(errOut, "error: %v\n", err)
			return exitcode.AuthError
		}
	}
	cfg.Quiet = quiet
	cfg.Debug = debug

	level := cfg.LogLevel
	if debug {
		level = "debug"
	}
	logger, err := logging.New(errOut, cfg.LogFormat, level)
	if err != nil {
		fmt.Fprintf(errOut, "error: %v\n", err)
		return exitcode.AuthError
	}

	env := &commands.Env{
		Logger:     logger,
		Passphrase: d.passphrase(cfg, errOut),
	}
	if d.Stdin != nil {
		env.In = d.Stdin
	}
	if cmd.NeedsLedger() && d.factory != nil {
		env.Open = d.opener(cfg, env)
	}

	logger.Debug("dispatch", "command", cmd.Name(), "backend", cfg.Backend, "config", cfg.Dir)
	return cmd.Run(ctx, cfg, env, positionalArgs, out, errOut)
}

// opener builds synchronizers over backends from the factory.
func (d *Dispatcher) opener(cfg *config.Config, env *commands.Env) commands.Opener {
	return func(ctx context.Context, opts ...tasksync.Option) (*tasksync.Synchronizer, func(), error) {
		b, err := d.factory(ctx, cfg, env)
		if err != nil {
			return nil, nil, err
		}
		opts = append([]tasksync.Option{tasksync.WithLogger(env.Logger)}, opts...)
		s := tasksync.New(b.Client, b.Store, opts...)
		release := func() {
			s.Close()
			if err := b.Close(); err != nil {
				env.Logger.Error("failed to close backend", "err", err)
			}
		}
		return s, release, nil
	}
}

// passphrase prefers the configured passphrase and falls back to a
// terminal prompt on stdin.
func (d *Dispatcher) passphrase(cfg *config.Config, errOut io.Writer) ethereum.PassphraseFunc {
	var prompt ethereum.PassphraseFunc
	if d.Stdin != nil {
		prompt = ethereum.PromptPassphrase(d.Stdin, errOut)
	}
	return func(account string) (string, error) {
		p, ok, err := cfg.Passphrase()
		if err != nil {
			return "", err
		}
		if ok {
			return p, nil
		}
		if prompt == nil {
			return "", fmt.Errorf("no passphrase configured (set %s or ethereum.passphrase_file)", config.EnvPassphrase)
		}
		return prompt(account)
	}
}

// flagError reports a flag parsing error.
func flagError(err error, errOut io.Writer) int {
	errStr := err.Error()

	// Missing flag value
	if strings.Contains(errStr, "flag needs an argument") {
		parts := strings.Split(errStr, ":")
		if len(parts) > 1 {
			flagPart := strings.TrimSpace(parts[len(parts)-1])
			fmt.Fprintf(errOut, "error: flag needs an argument: %s\n", flagPart)
			return exitcode.UserError
		}
	}

	// Unknown flag
	if strings.HasPrefix(errStr, "flag provided but not defined:") {
		flagName := strings.TrimPrefix(errStr, "flag provided but not defined: ")
		fmt.Fprintf(errOut, "error: unknown flag: %s\n", flagName)
		return exitcode.UserError
	}

	fmt.Fprintf(errOut, "error: %s\n", errStr)
	return exitcode.UserError
}
