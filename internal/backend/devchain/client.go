package devchain

import (
	"context"
	"fmt"
	"sync"

	"chaintodo/internal/ledger"
)

// Client is the wallet side of a devchain. It holds one account at a time;
// SwitchAccount plays the part of a user switching accounts in a wallet.
type Client struct {
	chain *Chain

	mu        sync.Mutex
	account   ledger.Identity
	connected bool
	closed    bool

	accountHandlers map[int]func(ledger.Identity)
	networkHandlers map[int]func(string)
	nextHandler     int
}

// NewClient returns a client that connects to chain as account.
func NewClient(chain *Chain, account ledger.Identity) *Client {
	return &Client{
		chain:           chain,
		account:         account,
		accountHandlers: make(map[int]func(ledger.Identity)),
		networkHandlers: make(map[int]func(string)),
	}
}

// Connect implements ledger.Client.
func (c *Client) Connect(ctx context.Context) (ledger.Identity, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return ledger.None, fmt.Errorf("%w: %v", ledger.ErrConnection, ErrClosed)
	}
	if c.account == ledger.None {
		return ledger.None, fmt.Errorf("%w: no devchain account configured", ledger.ErrNoWallet)
	}
	if _, err := c.chain.Height(); err != nil {
		return ledger.None, fmt.Errorf("%w: %v", ledger.ErrConnection, err)
	}
	c.connected = true
	return c.account, nil
}

// Session implements ledger.Client.
func (c *Client) Session() ledger.Session {
	c.mu.Lock()
	defer c.mu.Unlock()
	s := ledger.Session{Connected: c.connected, ChainID: c.chain.ChainID()}
	if c.connected {
		s.Address = c.account
	}
	return s
}

// SwitchAccount changes the held account and notifies handlers. Switching
// to ledger.None disconnects.
func (c *Client) SwitchAccount(id ledger.Identity) {
	c.mu.Lock()
	if c.closed || id == c.account {
		c.mu.Unlock()
		return
	}
	c.account = id
	c.connected = id != ledger.None
	handlers := make([]func(ledger.Identity), 0, len(c.accountHandlers))
	for _, h := range c.accountHandlers {
		handlers = append(handlers, h)
	}
	c.mu.Unlock()

	for _, h := range handlers {
		h(id)
	}
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

// OnNetworkChanged implements ledger.Client. A devchain never changes its
// chain id, so fn is never called.
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

// Close implements ledger.Client. It does not close the chain.
func (c *Client) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	c.connected = false
	c.accountHandlers = make(map[int]func(ledger.Identity))
	c.networkHandlers = make(map[int]func(string))
	return nil
}

var _ ledger.Client = (*Client)(nil)
