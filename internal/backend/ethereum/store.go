package ethereum

import (
	"context"
	"fmt"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/accounts/abi/bind"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"

	"chaintodo/contracts"
	"chaintodo/internal/ledger"
	"chaintodo/internal/logging"
)

// DefaultConfirmTimeout bounds AwaitConfirmation.
const DefaultConfirmTimeout = 2 * time.Minute

// txHandle is the ledger.Handle of a sent transaction.
type txHandle struct {
	tx *types.Transaction
}

func (h *txHandle) ID() string { return h.tx.Hash().Hex() }

// Store implements ledger.Store over a deployed TodoList contract.
type Store struct {
	client         *Client
	address        common.Address
	abi            abi.ABI
	confirmTimeout time.Duration
	logger         logging.Logger
}

// NewStore binds the TodoList contract at contractAddress.
func NewStore(client *Client, contractAddress string, confirmTimeout time.Duration) (*Store, error) {
	if !common.IsHexAddress(contractAddress) {
		return nil, fmt.Errorf("%w: invalid contract address %q", ledger.ErrStoreUnavailable, contractAddress)
	}
	parsed, err := contracts.ParseTodoList()
	if err != nil {
		return nil, fmt.Errorf("failed to parse TodoList ABI: %w", err)
	}
	if confirmTimeout <= 0 {
		confirmTimeout = DefaultConfirmTimeout
	}
	return &Store{
		client:         client,
		address:        common.HexToAddress(contractAddress),
		abi:            parsed,
		confirmTimeout: confirmTimeout,
		logger:         client.logger.With("contract", common.HexToAddress(contractAddress).Hex()),
	}, nil
}

func (s *Store) contract() (*bind.BoundContract, *bind.CallOpts, error) {
	eth, acc, _, err := s.client.signer()
	if err != nil {
		return nil, nil, err
	}
	return bind.NewBoundContract(s.address, s.abi, eth, eth, eth), &bind.CallOpts{From: acc.Address}, nil
}

// TaskCount implements ledger.Store.
func (s *Store) TaskCount(ctx context.Context) (uint64, error) {
	contract, opts, err := s.contract()
	if err != nil {
		return 0, err
	}
	ctx, cancel := context.WithTimeout(ctx, APITimeout)
	defer cancel()
	opts.Context = ctx

	var out []interface{}
	if err := contract.Call(opts, &out, contracts.MethodTaskCount); err != nil {
		return 0, wrapError(err)
	}
	count := *abi.ConvertType(out[0], new(*big.Int)).(**big.Int)
	if !count.IsUint64() {
		return 0, fmt.Errorf("%w: task count %s out of range", ledger.ErrConnection, count)
	}
	return count.Uint64(), nil
}

// Task implements ledger.Store. The contract returns a zero record for ids
// it never assigned.
func (s *Store) Task(ctx context.Context, id uint64) (ledger.Task, error) {
	contract, opts, err := s.contract()
	if err != nil {
		return ledger.Task{}, err
	}
	ctx, cancel := context.WithTimeout(ctx, APITimeout)
	defer cancel()
	opts.Context = ctx

	var out []interface{}
	if err := contract.Call(opts, &out, contracts.MethodTasks, new(big.Int).SetUint64(id)); err != nil {
		return ledger.Task{}, wrapError(err)
	}
	gotID := *abi.ConvertType(out[0], new(*big.Int)).(**big.Int)
	content := *abi.ConvertType(out[1], new(string)).(*string)
	completed := *abi.ConvertType(out[2], new(bool)).(*bool)

	if gotID.Sign() == 0 {
		return ledger.Task{}, fmt.Errorf("%w: id %d", ledger.ErrNotFound, id)
	}
	return ledger.Task{ID: gotID.Uint64(), Content: content, Completed: completed}, nil
}

// CreateTask implements ledger.Store.
func (s *Store) CreateTask(ctx context.Context, content string) (ledger.Handle, error) {
	if err := ledger.ValidateContent(content); err != nil {
		return nil, err
	}
	return s.transact(ctx, contracts.MethodCreateTask, content)
}

// ToggleCompleted implements ledger.Store. Ids beyond the task count are
// rejected before anything is signed.
func (s *Store) ToggleCompleted(ctx context.Context, id uint64) (ledger.Handle, error) {
	if err := ledger.ValidateID(id); err != nil {
		return nil, err
	}
	count, err := s.TaskCount(ctx)
	if err != nil {
		return nil, err
	}
	if id > count {
		return nil, fmt.Errorf("%w: id %d not in [1, %d]", ledger.ErrNotFound, id, count)
	}
	return s.transact(ctx, contracts.MethodToggleCompleted, new(big.Int).SetUint64(id))
}

func (s *Store) transact(ctx context.Context, method string, params ...interface{}) (ledger.Handle, error) {
	eth, acc, chainID, err := s.client.signer()
	if err != nil {
		return nil, err
	}
	opts, err := bind.NewKeyStoreTransactorWithChainID(s.client.ks, acc, chainID)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ledger.ErrUserRejected, err)
	}
	ctx, cancel := context.WithTimeout(ctx, APITimeout)
	defer cancel()
	opts.Context = ctx

	contract := bind.NewBoundContract(s.address, s.abi, eth, eth, eth)
	tx, err := contract.Transact(opts, method, params...)
	if err != nil {
		return nil, wrapSubmitError(err)
	}
	s.logger.Debug("transaction sent", "method", method, "tx", tx.Hash().Hex(), "nonce", tx.Nonce())
	return &txHandle{tx: tx}, nil
}

// AwaitConfirmation implements ledger.Store. It waits up to the confirm
// timeout for a receipt; a failed receipt means the contract reverted.
func (s *Store) AwaitConfirmation(ctx context.Context, h ledger.Handle) error {
	th, ok := h.(*txHandle)
	if !ok {
		return fmt.Errorf("%w: foreign handle %s", ledger.ErrConfirmation, h.ID())
	}
	eth, err := s.client.backend()
	if err != nil {
		return fmt.Errorf("%w: %v", ledger.ErrConfirmation, err)
	}

	ctx, cancel := context.WithTimeout(ctx, s.confirmTimeout)
	defer cancel()

	receipt, err := bind.WaitMined(ctx, eth, th.tx)
	if err != nil {
		return fmt.Errorf("%w: %s: %w", ledger.ErrConfirmation, th.ID(), err)
	}
	if receipt.Status != types.ReceiptStatusSuccessful {
		return fmt.Errorf("%w: transaction %s reverted in block %v", ledger.ErrConfirmation, th.ID(), receipt.BlockNumber)
	}
	s.logger.Debug("transaction confirmed", "tx", th.ID(), "block", receipt.BlockNumber, "gas", receipt.GasUsed)
	return nil
}

var _ ledger.Store = (*Store)(nil)
