package commands

import (
	"context"
	"flag"
	"fmt"
	"io"
	"strings"

	"chaintodo/internal/config"
	"chaintodo/internal/exitcode"
)

func init() {
	Register(&AddCmd{})
	Register(&CreateCmd{})
}

// AddCmd implements the add command.
type AddCmd struct{}

func (c *AddCmd) Name() string      { return "add" }
func (c *AddCmd) Aliases() []string { return nil }
func (c *AddCmd) Synopsis() string  { return "Create a task" }
func (c *AddCmd) Usage() string     { return "chaintodo add <content...>" }
func (c *AddCmd) NeedsLedger() bool { return true }

func (c *AddCmd) RegisterFlags(fs *flag.FlagSet) {}

func (c *AddCmd) Run(ctx context.Context, cfg *config.Config, env *Env, args []string, out, errOut io.Writer) int {
	return runAdd(ctx, cfg, env, args, out, errOut)
}

// CreateCmd is an alias for AddCmd.
type CreateCmd struct{}

func (c *CreateCmd) Name() string      { return "create" }
func (c *CreateCmd) Aliases() []string { return nil }
func (c *CreateCmd) Synopsis() string  { return "Create a task (alias for add)" }
func (c *CreateCmd) Usage() string     { return "chaintodo create <content...>" }
func (c *CreateCmd) NeedsLedger() bool { return true }

func (c *CreateCmd) RegisterFlags(fs *flag.FlagSet) {}

func (c *CreateCmd) Run(ctx context.Context, cfg *config.Config, env *Env, args []string, out, errOut io.Writer) int {
	return runAdd(ctx, cfg, env, args, out, errOut)
}

// runAdd is the shared implementation for add and create commands. It
// returns once the new task is confirmed and the list reloaded.
func runAdd(ctx context.Context, cfg *config.Config, env *Env, args []string, out, errOut io.Writer) int {
	if len(args) == 0 {
		fmt.Fprintln(errOut, "error: task content required")
		return exitcode.UserError
	}
	content := strings.Join(args, " ")

	s, release, code := openLedger(ctx, env, errOut)
	if code != exitcode.Success {
		return code
	}
	defer release()

	if err := s.CreateTask(ctx, content); err != nil {
		return reportError(errOut, err)
	}

	if !cfg.Quiet {
		fmt.Fprintln(out, "ok")
	}
	return exitcode.Success
}
