package commands

import (
	"context"
	"flag"
	"fmt"
	"io"

	"chaintodo/internal/config"
	"chaintodo/internal/exitcode"
	"chaintodo/internal/output"
)

func init() {
	Register(&StatusCmd{})
}

// StatusCmd prints the connection state and a task summary.
type StatusCmd struct{}

func (c *StatusCmd) Name() string      { return "status" }
func (c *StatusCmd) Aliases() []string { return nil }
func (c *StatusCmd) Synopsis() string  { return "Show account, network and task summary" }
func (c *StatusCmd) Usage() string     { return "chaintodo status" }
func (c *StatusCmd) NeedsLedger() bool { return true }

func (c *StatusCmd) RegisterFlags(fs *flag.FlagSet) {}

func (c *StatusCmd) Run(ctx context.Context, cfg *config.Config, env *Env, args []string, out, errOut io.Writer) int {
	if env == nil || env.Open == nil {
		fmt.Fprintln(errOut, "error: no ledger backend configured")
		return exitcode.AuthError
	}
	s, release, err := env.Open(ctx)
	if err != nil {
		return reportError(errOut, err)
	}
	defer release()

	initErr := s.Initialize(ctx)
	session := s.Session()

	fmt.Fprintf(out, "backend:  %s\n", cfg.Backend)
	if cfg.Backend == config.BackendEthereum {
		fmt.Fprintf(out, "rpc:      %s\n", cfg.Ethereum.RPCURL)
		fmt.Fprintf(out, "contract: %s\n", output.ShortAddress(cfg.Ethereum.ContractAddress))
	}
	chain := session.ChainID
	if chain == "" {
		chain = "-"
	}
	fmt.Fprintf(out, "chain:    %s\n", chain)
	if session.Connected {
		fmt.Fprintf(out, "account:  %s\n", output.ShortAddress(string(session.Address)))
	} else {
		fmt.Fprintln(out, "account:  not connected")
	}

	if initErr != nil {
		return reportError(errOut, initErr)
	}

	tasks := s.Snapshot().Tasks
	done := 0
	for _, t := range tasks {
		if t.Completed {
			done++
		}
	}
	fmt.Fprintf(out, "tasks:    %d (%d done)\n", len(tasks), done)
	return exitcode.Success
}
