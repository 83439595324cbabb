package devchain

import (
	"context"
	"errors"
	"fmt"

	"chaintodo/internal/ledger"
)

// Store is the task registry of a devchain, seen through a Client.
type Store struct {
	chain  *Chain
	client *Client
}

// NewStore returns a store that submits as client's current account.
func NewStore(chain *Chain, client *Client) *Store {
	return &Store{chain: chain, client: client}
}

func (s *Store) sender() (ledger.Identity, error) {
	session := s.client.Session()
	if !session.Connected {
		return ledger.None, ledger.ErrStoreUnavailable
	}
	return session.Address, nil
}

// TaskCount implements ledger.Store.
func (s *Store) TaskCount(ctx context.Context) (uint64, error) {
	if _, err := s.sender(); err != nil {
		return 0, err
	}
	count, err := s.chain.Count()
	if err != nil {
		return 0, wrapError(err)
	}
	return count, nil
}

// Task implements ledger.Store.
func (s *Store) Task(ctx context.Context, id uint64) (ledger.Task, error) {
	if _, err := s.sender(); err != nil {
		return ledger.Task{}, err
	}
	task, err := s.chain.Task(id)
	if err != nil {
		return ledger.Task{}, wrapError(err)
	}
	return task, nil
}

// CreateTask implements ledger.Store.
func (s *Store) CreateTask(ctx context.Context, content string) (ledger.Handle, error) {
	if err := ledger.ValidateContent(content); err != nil {
		return nil, err
	}
	from, err := s.sender()
	if err != nil {
		return nil, err
	}
	return s.chain.submit(&submission{from: from, kind: txCreate, content: content})
}

// ToggleCompleted implements ledger.Store. Ids outside the committed range
// are rejected before submission.
func (s *Store) ToggleCompleted(ctx context.Context, id uint64) (ledger.Handle, error) {
	if err := ledger.ValidateID(id); err != nil {
		return nil, err
	}
	from, err := s.sender()
	if err != nil {
		return nil, err
	}
	count, err := s.chain.Count()
	if err != nil {
		return nil, wrapError(err)
	}
	if id > count {
		return nil, fmt.Errorf("%w: id %d not in [1, %d]", ledger.ErrNotFound, id, count)
	}
	return s.chain.submit(&submission{from: from, kind: txToggle, taskID: id})
}

// AwaitConfirmation implements ledger.Store. It blocks until the
// submission is included in a block.
func (s *Store) AwaitConfirmation(ctx context.Context, h ledger.Handle) error {
	sub, ok := h.(*submission)
	if !ok {
		return fmt.Errorf("%w: foreign handle %s", ledger.ErrConfirmation, h.ID())
	}
	select {
	case <-sub.done:
		return sub.err
	case <-ctx.Done():
		return fmt.Errorf("%w: %s: %w", ledger.ErrConfirmation, sub.id, ctx.Err())
	}
}

func wrapError(err error) error {
	if errors.Is(err, ErrClosed) {
		return fmt.Errorf("%w: %v", ledger.ErrConnection, err)
	}
	return err
}

var _ ledger.Store = (*Store)(nil)
