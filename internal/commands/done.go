package commands

import (
	"context"
	"flag"
	"fmt"
	"io"

	"chaintodo/internal/config"
	"chaintodo/internal/exitcode"
)

func init() {
	Register(&ToggleCmd{})
}

// ToggleCmd implements the toggle command. Each id is flipped in its own
// confirmed transaction, in argument order; the first failure stops the
// rest.
type ToggleCmd struct{}

func (c *ToggleCmd) Name() string      { return "toggle" }
func (c *ToggleCmd) Aliases() []string { return []string{"done"} }
func (c *ToggleCmd) Synopsis() string  { return "Flip the completed flag of tasks" }
func (c *ToggleCmd) Usage() string     { return "chaintodo toggle <id>..." }
func (c *ToggleCmd) NeedsLedger() bool { return true }

func (c *ToggleCmd) RegisterFlags(fs *flag.FlagSet) {}

func (c *ToggleCmd) Run(ctx context.Context, cfg *config.Config, env *Env, args []string, out, errOut io.Writer) int {
	ids, err := ParseTaskIDs(args)
	if err != nil {
		fmt.Fprintf(errOut, "error: %v\n", err)
		return exitcode.UserError
	}

	s, release, code := openLedger(ctx, env, errOut)
	if code != exitcode.Success {
		return code
	}
	defer release()

	for _, id := range ids {
		if err := s.ToggleCompleted(ctx, id); err != nil {
			return reportError(errOut, err)
		}
	}

	if !cfg.Quiet {
		fmt.Fprintln(out, "ok")
	}
	return exitcode.Success
}
