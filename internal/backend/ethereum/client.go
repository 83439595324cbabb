// Package ethereum implements ledger.Client and ledger.Store against a
// TodoList contract over Ethereum JSON-RPC, signing with a local keystore.
package ethereum

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"net/http"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/accounts"
	"github.com/ethereum/go-ethereum/accounts/keystore"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/ethereum/go-ethereum/event"
	"github.com/ethereum/go-ethereum/rpc"

	"chaintodo/internal/ledger"
	"chaintodo/internal/logging"
)

const (
	// APITimeout is the timeout for RPC calls.
	APITimeout = 10 * time.Second

	// DefaultPollInterval is how often the chain id is checked.
	DefaultPollInterval = 5 * time.Second
)

// Options configures a Client.
type Options struct {
	RPCURL string

	// HTTPClient carries RPC authentication; nil uses the default client.
	HTTPClient *http.Client

	Keystore *keystore.KeyStore

	// Account selects a keystore account; the first one if empty.
	Account string

	// ChainID, if set, is the only chain Connect accepts.
	ChainID string

	PollInterval time.Duration
	Passphrase   PassphraseFunc
	Logger       logging.Logger
}

// Client implements ledger.Client. The held account follows the keystore:
// the configured account, or the first one when none is configured.
type Client struct {
	opts   Options
	ks     *keystore.KeyStore
	logger logging.Logger

	mu         sync.Mutex
	rpc        *rpc.Client
	eth        *ethclient.Client
	chainID    *big.Int
	account    accounts.Account
	connected  bool
	passphrase string
	unlocked   bool

	accountHandlers map[int]func(ledger.Identity)
	networkHandlers map[int]func(string)
	nextHandler     int

	stop chan struct{}
	sub  event.Subscription
	wg   sync.WaitGroup
}

// NewClient creates a client. Nothing is dialed until Connect.
func NewClient(opts Options) *Client {
	if opts.PollInterval <= 0 {
		opts.PollInterval = DefaultPollInterval
	}
	logger := opts.Logger
	if logger == nil {
		logger = logging.NewNopLogger()
	}
	return &Client{
		opts:            opts,
		ks:              opts.Keystore,
		logger:          logger.With("module", "ethereum"),
		accountHandlers: make(map[int]func(ledger.Identity)),
		networkHandlers: make(map[int]func(string)),
	}
}

// Connect implements ledger.Client. It selects and unlocks the keystore
// account, dials the RPC endpoint and starts the account and network
// watchers.
func (c *Client) Connect(ctx context.Context) (ledger.Identity, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.connected {
		return identity(c.account), nil
	}
	if c.ks == nil {
		return ledger.None, fmt.Errorf("%w: no keystore configured", ledger.ErrNoWallet)
	}

	acc, err := SelectAccount(c.ks, c.opts.Account)
	if err != nil {
		return ledger.None, err
	}

	if c.eth == nil {
		if err := c.dialLocked(ctx); err != nil {
			return ledger.None, err
		}
	}

	if err := c.unlockLocked(acc, true); err != nil {
		return ledger.None, err
	}
	c.account = acc
	c.connected = true
	c.startWatchersLocked()

	c.logger.Info("connected", "account", acc.Address.Hex(), "chain", c.chainID.String())
	return identity(acc), nil
}

func (c *Client) dialLocked(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, APITimeout)
	defer cancel()

	var opts []rpc.ClientOption
	if c.opts.HTTPClient != nil {
		opts = append(opts, rpc.WithHTTPClient(c.opts.HTTPClient))
	}
	rc, err := rpc.DialOptions(ctx, c.opts.RPCURL, opts...)
	if err != nil {
		return fmt.Errorf("%w: dial %s: %v", ledger.ErrConnection, c.opts.RPCURL, err)
	}
	eth := ethclient.NewClient(rc)

	chainID, err := eth.ChainID(ctx)
	if err != nil {
		rc.Close()
		return wrapError(err)
	}
	if c.opts.ChainID != "" && chainID.String() != c.opts.ChainID {
		rc.Close()
		return fmt.Errorf("%w: endpoint is on chain %s, want %s", ledger.ErrConnection, chainID, c.opts.ChainID)
	}

	c.rpc, c.eth, c.chainID = rc, eth, chainID
	c.logger.Debug("dialed", "url", c.opts.RPCURL, "chain", chainID.String())
	return nil
}

// unlockLocked unlocks acc with the cached passphrase, asking for one if
// prompt is set and none is cached.
func (c *Client) unlockLocked(acc accounts.Account, prompt bool) error {
	if !c.unlocked {
		if !prompt {
			return fmt.Errorf("%w: no passphrase for %s", ledger.ErrUserRejected, acc.Address.Hex())
		}
		if c.opts.Passphrase == nil {
			return fmt.Errorf("%w: no passphrase source", ledger.ErrUserRejected)
		}
		p, err := c.opts.Passphrase(acc.Address.Hex())
		if err != nil {
			if errors.Is(err, ledger.ErrUserRejected) {
				return err
			}
			return fmt.Errorf("%w: %v", ledger.ErrUserRejected, err)
		}
		c.passphrase = p
	}

	if err := c.ks.Unlock(acc, c.passphrase); err != nil {
		if errors.Is(err, keystore.ErrDecrypt) {
			return fmt.Errorf("%w: wrong passphrase for %s", ledger.ErrUserRejected, acc.Address.Hex())
		}
		return fmt.Errorf("%w: unlock %s: %v", ledger.ErrUserRejected, acc.Address.Hex(), err)
	}
	c.unlocked = true
	return nil
}

func (c *Client) startWatchersLocked() {
	if c.stop != nil {
		return
	}
	c.stop = make(chan struct{})
	events := make(chan accounts.WalletEvent, 8)
	c.sub = c.ks.Subscribe(events)

	c.wg.Add(2)
	go c.watchWallets(c.stop, c.sub, events)
	go c.watchNetwork(c.stop)
}

func (c *Client) watchWallets(stop <-chan struct{}, sub event.Subscription, events <-chan accounts.WalletEvent) {
	defer c.wg.Done()
	for {
		select {
		case <-stop:
			return
		case err := <-sub.Err():
			if err != nil {
				c.logger.Error("wallet subscription failed", "err", err)
			}
			return
		case ev := <-events:
			c.logger.Debug("wallet event", "kind", ev.Kind, "url", ev.Wallet.URL().String())
			c.refreshAccount()
		}
	}
}

// refreshAccount re-selects the held account after a keystore change and
// notifies handlers if it differs.
func (c *Client) refreshAccount() {
	c.mu.Lock()
	next, err := SelectAccount(c.ks, c.opts.Account)
	if err != nil {
		next = accounts.Account{}
	}
	if next.Address == c.account.Address && c.connected == (err == nil) {
		c.mu.Unlock()
		return
	}

	if c.connected {
		_ = c.ks.Lock(c.account.Address)
	}
	c.account = next
	c.connected = err == nil
	if c.connected {
		if uerr := c.unlockLocked(next, false); uerr != nil {
			c.logger.Info("switched to locked account", "account", next.Address.Hex(), "err", uerr)
		}
	}
	id := identity(next)
	if !c.connected {
		id = ledger.None
	}
	handlers := make([]func(ledger.Identity), 0, len(c.accountHandlers))
	for _, h := range c.accountHandlers {
		handlers = append(handlers, h)
	}
	c.mu.Unlock()

	c.logger.Info("account changed", "account", id)
	for _, h := range handlers {
		h(id)
	}
}

func (c *Client) watchNetwork(stop <-chan struct{}) {
	defer c.wg.Done()
	ticker := time.NewTicker(c.opts.PollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			c.checkNetwork()
		}
	}
}

func (c *Client) checkNetwork() {
	ctx, cancel := context.WithTimeout(context.Background(), APITimeout)
	defer cancel()
	id, err := c.eth.ChainID(ctx)
	if err != nil {
		c.logger.Debug("chain id poll failed", "err", err)
		return
	}

	c.mu.Lock()
	if c.chainID.Cmp(id) == 0 {
		c.mu.Unlock()
		return
	}
	c.chainID = id
	handlers := make([]func(string), 0, len(c.networkHandlers))
	for _, h := range c.networkHandlers {
		handlers = append(handlers, h)
	}
	c.mu.Unlock()

	c.logger.Info("network changed", "chain", id.String())
	for _, h := range handlers {
		h(id.String())
	}
}

// Session implements ledger.Client.
func (c *Client) Session() ledger.Session {
	c.mu.Lock()
	defer c.mu.Unlock()
	var s ledger.Session
	if c.chainID != nil {
		s.ChainID = c.chainID.String()
	}
	if c.connected {
		s.Connected = true
		s.Address = identity(c.account)
	}
	return s
}

// OnAccountChanged implements ledger.Client.
func (c *Client) OnAccountChanged(fn func(ledger.Identity)) func() {
	c.mu.Lock()
	defer c.mu.Unlock()
	id := c.nextHandler
	c.nextHandler++
	c.accountHandlers[id] = fn
	return func() {
		c.mu.Lock()
		defer c.mu.Unlock()
		delete(c.accountHandlers, id)
	}
}

// OnNetworkChanged implements ledger.Client.
func (c *Client) OnNetworkChanged(fn func(string)) func() {
	c.mu.Lock()
	defer c.mu.Unlock()
	id := c.nextHandler
	c.nextHandler++
	c.networkHandlers[id] = fn
	return func() {
		c.mu.Lock()
		defer c.mu.Unlock()
		delete(c.networkHandlers, id)
	}
}

// Close implements ledger.Client. It stops the watchers, locks the account
// and closes the RPC connection.
func (c *Client) Close() error {
	c.mu.Lock()
	if c.stop != nil {
		close(c.stop)
		c.sub.Unsubscribe()
		c.stop = nil
	}
	c.mu.Unlock()

	c.wg.Wait()

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.connected {
		_ = c.ks.Lock(c.account.Address)
		c.connected = false
	}
	if c.rpc != nil {
		c.rpc.Close()
		c.rpc, c.eth = nil, nil
	}
	c.accountHandlers = make(map[int]func(ledger.Identity))
	c.networkHandlers = make(map[int]func(string))
	return nil
}

// signer returns what a transaction needs from the session.
func (c *Client) signer() (*ethclient.Client, accounts.Account, *big.Int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.connected || c.eth == nil {
		return nil, accounts.Account{}, nil, ledger.ErrStoreUnavailable
	}
	return c.eth, c.account, new(big.Int).Set(c.chainID), nil
}

// backend returns the RPC client regardless of the held account.
func (c *Client) backend() (*ethclient.Client, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.eth == nil {
		return nil, ledger.ErrStoreUnavailable
	}
	return c.eth, nil
}

func identity(acc accounts.Account) ledger.Identity {
	return ledger.Identity(acc.Address.Hex())
}

var _ ledger.Client = (*Client)(nil)
