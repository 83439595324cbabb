package commands

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"

	"chaintodo/internal/config"
	"chaintodo/internal/exitcode"
)

func init() {
	Register(&ConfigCmd{})
}

// ConfigCmd prints the effective configuration or writes a default file.
type ConfigCmd struct {
	writeDefault bool
}

// SetInit sets the --init flag (for testing).
func (c *ConfigCmd) SetInit(init bool) {
	c.writeDefault = init
}

func (c *ConfigCmd) Name() string      { return "config" }
func (c *ConfigCmd) Aliases() []string { return nil }
func (c *ConfigCmd) Synopsis() string  { return "Show or initialize the configuration" }
func (c *ConfigCmd) Usage() string     { return "chaintodo config [--init]" }
func (c *ConfigCmd) NeedsLedger() bool { return false }

func (c *ConfigCmd) RegisterFlags(fs *flag.FlagSet) {
	fs.BoolVar(&c.writeDefault, "init", false, "")
}

func (c *ConfigCmd) Run(ctx context.Context, cfg *config.Config, env *Env, args []string, out, errOut io.Writer) int {
	if len(args) > 0 {
		fmt.Fprintf(errOut, "error: unexpected argument: %s\n", args[0])
		return exitcode.UserError
	}

	if c.writeDefault {
		if err := cfg.WriteDefault(); err != nil {
			if errors.Is(err, os.ErrExist) {
				fmt.Fprintf(errOut, "error: %s already exists\n", cfg.FilePath())
				return exitcode.UserError
			}
			fmt.Fprintf(errOut, "error: failed to write config: %v\n", err)
			return exitcode.AuthError
		}
		if !cfg.Quiet {
			fmt.Fprintln(out, cfg.FilePath())
		}
		return exitcode.Success
	}

	// The dispatcher falls back to defaults for a broken file; report it.
	if _, err := config.Load(cfg.Dir); err != nil {
		fmt.Fprintf(errOut, "error: %v\n", err)
		return exitcode.AuthError
	}

	body, err := cfg.Masked().Encode()
	if err != nil {
		fmt.Fprintf(errOut, "error: %v\n", err)
		return exitcode.AuthError
	}
	if !cfg.Quiet {
		fmt.Fprintf(out, "# %s\n", cfg.FilePath())
	}
	out.Write(body)
	return exitcode.Success
}
