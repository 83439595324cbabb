package commands

import (
	"context"
	"flag"
	"fmt"
	"io"

	"chaintodo/internal/config"
	"chaintodo/internal/exitcode"
	"chaintodo/internal/ledger"
	"chaintodo/internal/output"
)

func init() {
	Register(&ListCmd{})
}

// ListCmd implements the list command, also run for `chaintodo` with no
// arguments.
type ListCmd struct {
	open bool
	done bool
}

// SetFilter sets the open/done filters (for testing).
func (c *ListCmd) SetFilter(open, done bool) {
	c.open, c.done = open, done
}

func (c *ListCmd) Name() string      { return "list" }
func (c *ListCmd) Aliases() []string { return []string{"ls"} }
func (c *ListCmd) Synopsis() string  { return "List tasks" }
func (c *ListCmd) Usage() string     { return "chaintodo list [--open | --done]" }
func (c *ListCmd) NeedsLedger() bool { return true }

func (c *ListCmd) RegisterFlags(fs *flag.FlagSet) {
	fs.BoolVar(&c.open, "open", false, "")
	fs.BoolVar(&c.done, "done", false, "")
}

func (c *ListCmd) Run(ctx context.Context, cfg *config.Config, env *Env, args []string, out, errOut io.Writer) int {
	if len(args) > 0 {
		fmt.Fprintf(errOut, "error: unexpected argument: %s\n", args[0])
		return exitcode.UserError
	}
	if c.open && c.done {
		fmt.Fprintln(errOut, "error: cannot use both --open and --done")
		return exitcode.UserError
	}

	s, release, code := openLedger(ctx, env, errOut)
	if code != exitcode.Success {
		return code
	}
	defer release()

	snap := s.Snapshot()
	tasks := snap.Tasks
	if c.open || c.done {
		tasks = filterTasks(tasks, c.done)
	}
	output.FormatTasks(out, tasks, snap.Account != ledger.None, cfg.Quiet)
	return exitcode.Success
}

func filterTasks(tasks []ledger.Task, completed bool) []ledger.Task {
	var out []ledger.Task
	for _, t := range tasks {
		if t.Completed == completed {
			out = append(out, t)
		}
	}
	return out
}
