package commands

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/ethereum/go-ethereum/accounts"
	"github.com/ethereum/go-ethereum/accounts/keystore"
	"github.com/ethereum/go-ethereum/crypto"

	"chaintodo/internal/backend/ethereum"
	"chaintodo/internal/config"
	"chaintodo/internal/exitcode"
	"chaintodo/internal/output"
)

func init() {
	Register(&LoginCmd{})
}

// LoginCmd implements the login command. It puts a signing account into
// the keystore, either freshly generated or imported from a private key.
type LoginCmd struct {
	create     bool
	importFile string
}

// SetOptions sets the flags (for testing).
func (c *LoginCmd) SetOptions(create bool, importFile string) {
	c.create, c.importFile = create, importFile
}

func (c *LoginCmd) Name() string      { return "login" }
func (c *LoginCmd) Aliases() []string { return nil }
func (c *LoginCmd) Synopsis() string  { return "Create or import a signing account" }
func (c *LoginCmd) Usage() string     { return "chaintodo login [--new | --import <keyfile>]" }
func (c *LoginCmd) NeedsLedger() bool { return false }

func (c *LoginCmd) RegisterFlags(fs *flag.FlagSet) {
	fs.BoolVar(&c.create, "new", false, "")
	fs.StringVar(&c.importFile, "import", "", "")
}

func (c *LoginCmd) Run(ctx context.Context, cfg *config.Config, env *Env, args []string, out, errOut io.Writer) int {
	if len(args) > 0 {
		fmt.Fprintf(errOut, "error: unexpected argument: %s\n", args[0])
		return exitcode.UserError
	}
	if c.create && c.importFile != "" {
		fmt.Fprintln(errOut, "error: cannot use both --new and --import")
		return exitcode.UserError
	}

	lightKDF := env != nil && env.LightKDF
	ks := ethereum.OpenKeystore(cfg.KeystorePath(), lightKDF)

	if !c.create && c.importFile == "" {
		acc, err := ethereum.SelectAccount(ks, cfg.Ethereum.Account)
		if err != nil {
			fmt.Fprintln(errOut, "error: no account in keystore (use --new or --import <keyfile>)")
			return exitcode.AuthError
		}
		if !cfg.Quiet {
			fmt.Fprintf(out, "already logged in as %s\n", output.ShortAddress(acc.Address.Hex()))
		}
		return exitcode.Success
	}

	if env == nil || env.Passphrase == nil {
		fmt.Fprintln(errOut, "error: no passphrase source")
		return exitcode.AuthError
	}
	passphrase, err := env.Passphrase("new account")
	if err != nil {
		fmt.Fprintf(errOut, "error: %v\n", err)
		return exitcode.AuthError
	}

	var acc accounts.Account
	if c.create {
		acc, err = ks.NewAccount(passphrase)
	} else {
		acc, err = importKey(ks, c.importFile, passphrase)
	}
	switch {
	case errors.Is(err, keystore.ErrAccountAlreadyExists):
		fmt.Fprintf(errOut, "error: account already exists: %s\n", acc.Address.Hex())
		return exitcode.UserError
	case err != nil:
		fmt.Fprintf(errOut, "error: %v\n", err)
		return exitcode.UserError
	}

	if !cfg.Quiet {
		fmt.Fprintln(out, acc.Address.Hex())
	}
	return exitcode.Success
}

// importKey reads a hex private key, with or without 0x, and stores it.
func importKey(ks *keystore.KeyStore, path, passphrase string) (accounts.Account, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return accounts.Account{}, fmt.Errorf("failed to read key file: %w", err)
	}
	hexKey := strings.TrimPrefix(strings.TrimSpace(string(data)), "0x")
	key, err := crypto.HexToECDSA(hexKey)
	if err != nil {
		return accounts.Account{}, fmt.Errorf("invalid private key in %s", path)
	}
	return ks.ImportECDSA(key, passphrase)
}
