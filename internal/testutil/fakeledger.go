// Package testutil provides testing utilities.
package testutil

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"chaintodo/internal/ledger"
)

// DefaultAccount is the account a new FakeLedger connects as.
const DefaultAccount ledger.Identity = "0x5FbDB2315678afecb367f032d93F642f64180aa3"

// DefaultChainID is the chain id a new FakeLedger reports.
const DefaultChainID = "31337"

// FakeLedger is an in-memory implementation of ledger.Client and
// ledger.Store for testing. Mutations take effect at confirmation.
type FakeLedger struct {
	mu        sync.Mutex
	tasks     []ledger.Task
	account   ledger.Identity
	connected bool
	chainID   string
	pending   map[string]func() error
	handles   int
	calls     []string
	counts    int

	accountHandlers map[int]func(ledger.Identity)
	networkHandlers map[int]func(string)
	nextHandler     int

	// Error injection for testing
	ConnectErr error
	CountErr   error
	TaskErr    error
	CreateErr  error
	ToggleErr  error
	ConfirmErr error

	// ConfirmGate, if set, makes each AwaitConfirmation wait for one value.
	ConfirmGate chan struct{}

	// CountHook, if set, runs after TaskCount read the count and before it
	// returns, with the 1-based call number.
	CountHook func(call int)
}

// NewFakeLedger creates an empty ledger with DefaultAccount in its wallet.
func NewFakeLedger() *FakeLedger {
	return &FakeLedger{
		account:         DefaultAccount,
		chainID:         DefaultChainID,
		pending:         make(map[string]func() error),
		accountHandlers: make(map[int]func(ledger.Identity)),
		networkHandlers: make(map[int]func(string)),
	}
}

// AddTask seeds a confirmed task and returns its id.
func (f *FakeLedger) AddTask(content string, completed bool) uint64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	id := uint64(len(f.tasks)) + 1
	f.tasks = append(f.tasks, ledger.Task{ID: id, Content: content, Completed: completed})
	return id
}

// Tasks returns the confirmed tasks.
func (f *FakeLedger) Tasks() []ledger.Task {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]ledger.Task, len(f.tasks))
	copy(out, f.tasks)
	return out
}

// Calls returns the recorded submissions and confirmations in order,
// e.g. "submit toggle 1", "confirm toggle 1".
func (f *FakeLedger) Calls() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, len(f.calls))
	copy(out, f.calls)
	return out
}

// CountCalls returns how many times TaskCount was called.
func (f *FakeLedger) CountCalls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.counts
}

// SetWalletAccount sets the account Connect returns, without signalling.
func (f *FakeLedger) SetWalletAccount(id ledger.Identity) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.account = id
}

// SwitchAccount changes the held identity and notifies handlers.
func (f *FakeLedger) SwitchAccount(id ledger.Identity) {
	f.mu.Lock()
	f.account = id
	f.connected = id != ledger.None
	handlers := make([]func(ledger.Identity), 0, len(f.accountHandlers))
	for _, h := range f.accountHandlers {
		handlers = append(handlers, h)
	}
	f.mu.Unlock()

	for _, h := range handlers {
		h(id)
	}
}

// ChangeNetwork changes the chain id and notifies handlers.
func (f *FakeLedger) ChangeNetwork(chainID string) {
	f.mu.Lock()
	f.chainID = chainID
	handlers := make([]func(string), 0, len(f.networkHandlers))
	for _, h := range f.networkHandlers {
		handlers = append(handlers, h)
	}
	f.mu.Unlock()

	for _, h := range handlers {
		h(chainID)
	}
}

// Connect implements ledger.Client.
func (f *FakeLedger) Connect(ctx context.Context) (ledger.Identity, error) {
	if f.ConnectErr != nil {
		return ledger.None, f.ConnectErr
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.account == ledger.None {
		return ledger.None, ledger.ErrNoWallet
	}
	f.connected = true
	return f.account, nil
}

// Session implements ledger.Client.
func (f *FakeLedger) Session() ledger.Session {
	f.mu.Lock()
	defer f.mu.Unlock()
	s := ledger.Session{Connected: f.connected, ChainID: f.chainID}
	if f.connected {
		s.Address = f.account
	}
	return s
}

// OnAccountChanged implements ledger.Client.
func (f *FakeLedger) OnAccountChanged(fn func(ledger.Identity)) func() {
	f.mu.Lock()
	defer f.mu.Unlock()
	id := f.nextHandler
	f.nextHandler++
	f.accountHandlers[id] = fn
	return func() {
		f.mu.Lock()
		defer f.mu.Unlock()
		delete(f.accountHandlers, id)
	}
}

// OnNetworkChanged implements ledger.Client.
func (f *FakeLedger) OnNetworkChanged(fn func(string)) func() {
	f.mu.Lock()
	defer f.mu.Unlock()
	id := f.nextHandler
	f.nextHandler++
	f.networkHandlers[id] = fn
	return func() {
		f.mu.Lock()
		defer f.mu.Unlock()
		delete(f.networkHandlers, id)
	}
}

// Close implements ledger.Client.
func (f *FakeLedger) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.connected = false
	return nil
}

// TaskCount implements ledger.Store.
func (f *FakeLedger) TaskCount(ctx context.Context) (uint64, error) {
	if f.CountErr != nil {
		return 0, f.CountErr
	}
	f.mu.Lock()
	if !f.connected {
		f.mu.Unlock()
		return 0, ledger.ErrStoreUnavailable
	}
	f.counts++
	call := f.counts
	count := uint64(len(f.tasks))
	hook := f.CountHook
	f.mu.Unlock()

	if hook != nil {
		hook(call)
	}
	return count, nil
}

// Task implements ledger.Store.
func (f *FakeLedger) Task(ctx context.Context, id uint64) (ledger.Task, error) {
	if f.TaskErr != nil {
		return ledger.Task{}, f.TaskErr
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if id < 1 || id > uint64(len(f.tasks)) {
		return ledger.Task{}, fmt.Errorf("%w: %d", ledger.ErrNotFound, id)
	}
	return f.tasks[id-1], nil
}

type fakeHandle string

func (h fakeHandle) ID() string { return string(h) }

// CreateTask implements ledger.Store.
func (f *FakeLedger) CreateTask(ctx context.Context, content string) (ledger.Handle, error) {
	if err := ledger.ValidateContent(content); err != nil {
		return nil, err
	}
	if f.CreateErr != nil {
		return nil, f.CreateErr
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.submitLocked("create", func() error {
		id := uint64(len(f.tasks)) + 1
		f.tasks = append(f.tasks, ledger.Task{ID: id, Content: content})
		return nil
	}), nil
}

// ToggleCompleted implements ledger.Store.
func (f *FakeLedger) ToggleCompleted(ctx context.Context, id uint64) (ledger.Handle, error) {
	if f.ToggleErr != nil {
		return nil, f.ToggleErr
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if id < 1 || id > uint64(len(f.tasks)) {
		return nil, fmt.Errorf("%w: %d", ledger.ErrNotFound, id)
	}
	return f.submitLocked(fmt.Sprintf("toggle %d", id), func() error {
		f.tasks[id-1].Completed = !f.tasks[id-1].Completed
		return nil
	}), nil
}

func (f *FakeLedger) submitLocked(op string, apply func() error) ledger.Handle {
	f.handles++
	h := fakeHandle(fmt.Sprintf("%s#%d", op, f.handles))
	f.pending[string(h)] = apply
	f.calls = append(f.calls, "submit "+op)
	return h
}

// AwaitConfirmation implements ledger.Store.
func (f *FakeLedger) AwaitConfirmation(ctx context.Context, h ledger.Handle) error {
	if f.ConfirmGate != nil {
		select {
		case <-f.ConfirmGate:
		case <-ctx.Done():
			return fmt.Errorf("%w: %w", ledger.ErrConfirmation, ctx.Err())
		}
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	apply, ok := f.pending[h.ID()]
	if !ok {
		return fmt.Errorf("%w: unknown handle %s", ledger.ErrConfirmation, h.ID())
	}
	delete(f.pending, h.ID())
	op, _, _ := strings.Cut(h.ID(), "#")
	f.calls = append(f.calls, "confirm "+op)

	if f.ConfirmErr != nil {
		return f.ConfirmErr
	}
	return apply()
}

var (
	_ ledger.Client = (*FakeLedger)(nil)
	_ ledger.Store  = (*FakeLedger)(nil)
)
