// Package ledger defines the backend-agnostic contracts for the task ledger.
package ledger

// Identity is an opaque, comparable token naming the signing party.
// For Ethereum backends it is the checksummed account address.
type Identity string

// None is the empty identity, reported when no account is available.
const None Identity = ""

// Task is a single task as stored by the ledger.
type Task struct {
	ID        uint64
	Content   string
	Completed bool
}

// Session is the connection state owned by a Client.
type Session struct {
	Address   Identity
	Connected bool
	ChainID   string
}

// Handle references an in-flight mutation until it is confirmed.
type Handle interface {
	// ID returns a printable reference (transaction hash or submission id).
	ID() string
}
