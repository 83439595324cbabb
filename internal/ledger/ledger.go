package ledger

import "context"

// Client owns the connection to the ledger network and the signing identity.
// Backends implement it; the synchronizer never touches wallets directly.
type Client interface {
	// Connect requests account access from the wallet and returns the
	// primary account. It fails with ErrNoWallet, ErrUserRejected or
	// ErrConnection.
	Connect(ctx context.Context) (Identity, error)

	// Session returns the current connection state.
	Session() Session

	// OnAccountChanged registers fn to run whenever the held identity
	// changes, including to None. The returned func removes the handler.
	OnAccountChanged(fn func(Identity)) (cancel func())

	// OnNetworkChanged registers fn to run when the network (chain id)
	// changes. Such a change cannot be handled in place.
	OnNetworkChanged(fn func(chainID string)) (cancel func())

	// Close releases watchers and network connections.
	Close() error
}

// Store is the authoritative task registry, reached through a Client's
// signing identity. All calls address one configured store location.
type Store interface {
	// TaskCount returns the number of tasks ever created.
	TaskCount(ctx context.Context) (uint64, error)

	// Task returns the task with the given id, in [1, TaskCount].
	Task(ctx context.Context, id uint64) (Task, error)

	// CreateTask submits a creation request. The task is durable only
	// once the handle is confirmed.
	CreateTask(ctx context.Context, content string) (Handle, error)

	// ToggleCompleted submits a request flipping the completed flag.
	ToggleCompleted(ctx context.Context, id uint64) (Handle, error)

	// AwaitConfirmation blocks until the mutation is durably applied.
	AwaitConfirmation(ctx context.Context, h Handle) error
}
