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
	Register(&HelpCmd{})
}

// HelpCmd implements the help command.
type HelpCmd struct{}

func (c *HelpCmd) Name() string      { return "help" }
func (c *HelpCmd) Aliases() []string { return nil }
func (c *HelpCmd) Synopsis() string  { return "Print usage" }
func (c *HelpCmd) Usage() string     { return "chaintodo help" }
func (c *HelpCmd) NeedsLedger() bool { return false }

func (c *HelpCmd) RegisterFlags(fs *flag.FlagSet) {}

func (c *HelpCmd) Run(ctx context.Context, cfg *config.Config, env *Env, args []string, out, errOut io.Writer) int {
	fmt.Fprint(out, helpText)
	return exitcode.Success
}

const helpText = `Usage:
  chaintodo                                     List all tasks
  chaintodo list [common flags] [--open | --done]
  chaintodo add [common flags] <content...>
  chaintodo create [common flags] <content...>
  chaintodo toggle [common flags] <id>...
  chaintodo done [common flags] <id>...
  chaintodo status [common flags]
  chaintodo watch [common flags] [--metrics-addr <host:port>]
  chaintodo login [common flags] [--new | --import <keyfile>]
  chaintodo logout [common flags] [<address>]
  chaintodo config [common flags] [--init]
  chaintodo help
  chaintodo version

Common flags:
  --config <dir>   Override config directory
  --quiet          Suppress informational output
  --debug          Print debug logs to stderr

Exit codes:
  0  success
  1  bad arguments, invalid content, unknown task, interrupted
  2  wallet, connection or configuration problem
  3  submission or confirmation failure
`
