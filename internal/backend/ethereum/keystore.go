package ethereum

import (
	"fmt"
	"io"
	"os"

	"github.com/ethereum/go-ethereum/accounts"
	"github.com/ethereum/go-ethereum/accounts/keystore"
	"github.com/ethereum/go-ethereum/common"
	"golang.org/x/term"

	"chaintodo/internal/ledger"
)

// PassphraseFunc returns the passphrase unlocking account.
type PassphraseFunc func(account string) (string, error)

// OpenKeystore opens the keystore at dir. lightKDF selects cheap scrypt
// parameters for newly written keys.
func OpenKeystore(dir string, lightKDF bool) *keystore.KeyStore {
	n, p := keystore.StandardScryptN, keystore.StandardScryptP
	if lightKDF {
		n, p = keystore.LightScryptN, keystore.LightScryptP
	}
	return keystore.NewKeyStore(dir, n, p)
}

// SelectAccount returns the account named by want, or the first account
// if want is empty.
func SelectAccount(ks *keystore.KeyStore, want string) (accounts.Account, error) {
	accs := ks.Accounts()
	if len(accs) == 0 {
		return accounts.Account{}, fmt.Errorf("%w: keystore is empty (run: chaintodo login)", ledger.ErrNoWallet)
	}
	if want == "" {
		return accs[0], nil
	}
	addr := common.HexToAddress(want)
	for _, acc := range accs {
		if acc.Address == addr {
			return acc, nil
		}
	}
	return accounts.Account{}, fmt.Errorf("%w: account %s not in keystore", ledger.ErrNoWallet, want)
}

// StaticPassphrase returns a PassphraseFunc that always returns p.
func StaticPassphrase(p string) PassphraseFunc {
	return func(string) (string, error) { return p, nil }
}

// PromptPassphrase returns a PassphraseFunc reading from the terminal
// behind in. Without a terminal the request counts as rejected.
func PromptPassphrase(in *os.File, out io.Writer) PassphraseFunc {
	return func(account string) (string, error) {
		fd := int(in.Fd())
		if !term.IsTerminal(fd) {
			return "", fmt.Errorf("%w: no passphrase configured and stdin is not a terminal", ledger.ErrUserRejected)
		}
		fmt.Fprintf(out, "Passphrase for %s: ", account)
		b, err := term.ReadPassword(fd)
		fmt.Fprintln(out)
		if err != nil {
			return "", fmt.Errorf("%w: %v", ledger.ErrUserRejected, err)
		}
		return string(b), nil
	}
}
