package commands

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"

	"github.com/ethereum/go-ethereum/accounts/keystore"

	"chaintodo/internal/backend/ethereum"
	"chaintodo/internal/config"
	"chaintodo/internal/exitcode"
)

func init() {
	Register(&LogoutCmd{})
}

// LogoutCmd implements the logout command. It deletes an account from the
// keystore; the passphrase must match.
type LogoutCmd struct{}

func (c *LogoutCmd) Name() string      { return "logout" }
func (c *LogoutCmd) Aliases() []string { return nil }
func (c *LogoutCmd) Synopsis() string  { return "Remove a signing account" }
func (c *LogoutCmd) Usage() string     { return "chaintodo logout [<address>]" }
func (c *LogoutCmd) NeedsLedger() bool { return false }

func (c *LogoutCmd) RegisterFlags(fs *flag.FlagSet) {}

func (c *LogoutCmd) Run(ctx context.Context, cfg *config.Config, env *Env, args []string, out, errOut io.Writer) int {
	if len(args) > 1 {
		fmt.Fprintf(errOut, "error: unexpected argument: %s\n", args[1])
		return exitcode.UserError
	}

	ks := ethereum.OpenKeystore(cfg.KeystorePath(), env != nil && env.LightKDF)
	if len(ks.Accounts()) == 0 {
		if !cfg.Quiet {
			fmt.Fprintln(out, "not logged in")
		}
		return exitcode.Success
	}

	want := cfg.Ethereum.Account
	if len(args) == 1 {
		want = args[0]
	}
	acc, err := ethereum.SelectAccount(ks, want)
	if err != nil {
		fmt.Fprintf(errOut, "error: account not found: %s\n", want)
		return exitcode.UserError
	}

	if env == nil || env.Passphrase == nil {
		fmt.Fprintln(errOut, "error: no passphrase source")
		return exitcode.AuthError
	}
	passphrase, err := env.Passphrase(acc.Address.Hex())
	if err != nil {
		fmt.Fprintf(errOut, "error: %v\n", err)
		return exitcode.AuthError
	}

	if err := ks.Delete(acc, passphrase); err != nil {
		if errors.Is(err, keystore.ErrDecrypt) {
			fmt.Fprintln(errOut, "error: wrong passphrase")
			return exitcode.AuthError
		}
		fmt.Fprintf(errOut, "error: failed to remove account: %v\n", err)
		return exitcode.AuthError
	}

	if !cfg.Quiet {
		fmt.Fprintln(out, "ok")
	}
	return exitcode.Success
}
