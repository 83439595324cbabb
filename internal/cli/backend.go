// Package cli parses the command line, loads the configuration and wires
// the selected ledger backend into commands.
package cli

import (
	"context"
	"errors"
	"fmt"

	"chaintodo/internal/backend/devchain"
	"chaintodo/internal/backend/ethereum"
	"chaintodo/internal/commands"
	"chaintodo/internal/config"
	"chaintodo/internal/ledger"
	"chaintodo/internal/rpcauth"
)

// Backend is a ledger client and store built for one command run.
type Backend struct {
	Client ledger.Client
	Store  ledger.Store

	// Close releases the client and whatever it runs on.
	Close func() error
}

// BackendFactory builds the backend selected by cfg.
// Used to inject the backend during dispatch.
type BackendFactory func(ctx context.Context, cfg *config.Config, env *commands.Env) (*Backend, error)

// NewBackend is the production BackendFactory.
func NewBackend(ctx context.Context, cfg *config.Config, env *commands.Env) (*Backend, error) {
	switch cfg.Backend {
	case config.BackendDevchain:
		return newDevchain(cfg, env)
	case config.BackendEthereum:
		return newEthereum(ctx, cfg, env)
	default:
		return nil, fmt.Errorf("%w: backend %q", config.ErrInvalid, cfg.Backend)
	}
}

func newDevchain(cfg *config.Config, env *commands.Env) (*Backend, error) {
	chain, err := devchain.Open(devchain.Config{
		Dir:           cfg.DevchainPath(),
		Backend:       cfg.Devchain.DBBackend,
		BlockInterval: cfg.Devchain.BlockInterval.Duration,
		Logger:        env.Logger,
	})
	if err != nil {
		return nil, err
	}
	client := devchain.NewClient(chain, ledger.Identity(cfg.Devchain.Account))
	return &Backend{
		Client: client,
		Store:  devchain.NewStore(chain, client),
		Close: func() error {
			return errors.Join(client.Close(), chain.Close())
		},
	}, nil
}

func newEthereum(ctx context.Context, cfg *config.Config, env *commands.Env) (*Backend, error) {
	httpClient, err := rpcauth.NewHTTPClient(ctx, cfg.Ethereum.Auth)
	if err != nil {
		return nil, err
	}
	client := ethereum.NewClient(ethereum.Options{
		RPCURL:       cfg.Ethereum.RPCURL,
		HTTPClient:   httpClient,
		Keystore:     ethereum.OpenKeystore(cfg.KeystorePath(), env.LightKDF),
		Account:      cfg.Ethereum.Account,
		ChainID:      cfg.Ethereum.ChainID,
		PollInterval: cfg.Ethereum.NetworkPollInterval.Duration,
		Passphrase:   env.Passphrase,
		Logger:       env.Logger,
	})
	store, err := ethereum.NewStore(client, cfg.Ethereum.ContractAddress, cfg.Ethereum.ConfirmTimeout.Duration)
	if err != nil {
		client.Close()
		return nil, err
	}
	return &Backend{
		Client: client,
		Store:  store,
		Close:  client.Close,
	}, nil
}
