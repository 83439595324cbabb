package ethereum

import (
	"errors"
	"math/big"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/rpc"
	"github.com/stretchr/testify/require"

	"chaintodo/contracts"
	"chaintodo/internal/ledger"
)

// fakeNode is a single-contract JSON-RPC node. Transactions are mined as
// soon as they are received.
type fakeNode struct {
	mu       sync.Mutex
	abi      abi.ABI
	contract common.Address
	chainID  *big.Int
	tasks    []ledger.Task
	nonces   map[common.Address]uint64
	receipts map[common.Hash]*types.Receipt
	sent     []*types.Transaction
	height   int64

	// revertNext makes the next mined transaction fail.
	revertNext bool
}

func newFakeNode(t *testing.T, contract common.Address) *fakeNode {
	t.Helper()
	parsed, err := contracts.ParseTodoList()
	require.NoError(t, err)
	return &fakeNode{
		abi:      parsed,
		contract: contract,
		chainID:  big.NewInt(31337),
		nonces:   make(map[common.Address]uint64),
		receipts: make(map[common.Hash]*types.Receipt),
	}
}

// serve starts the node; wrap, if set, decorates its HTTP handler.
func (n *fakeNode) serve(t *testing.T, wrap func(http.Handler) http.Handler) string {
	t.Helper()
	srv := rpc.NewServer()
	require.NoError(t, srv.RegisterName("eth", &ethAPI{n: n}))
	var h http.Handler = srv
	if wrap != nil {
		h = wrap(h)
	}
	hs := httptest.NewServer(h)
	t.Cleanup(func() {
		hs.Close()
		srv.Stop()
	})
	return hs.URL
}

func (n *fakeNode) addTask(content string, completed bool) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.tasks = append(n.tasks, ledger.Task{ID: uint64(len(n.tasks)) + 1, Content: content, Completed: completed})
}

func (n *fakeNode) snapshot() []ledger.Task {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]ledger.Task(nil), n.tasks...)
}

func (n *fakeNode) setChainID(id int64) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.chainID = big.NewInt(id)
}

func (n *fakeNode) sentCount() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return len(n.sent)
}

type callArgs struct {
	From  *common.Address `json:"from"`
	To    *common.Address `json:"to"`
	Data  *hexutil.Bytes  `json:"data"`
	Input *hexutil.Bytes  `json:"input"`
}

func (a callArgs) payload() []byte {
	if a.Input != nil {
		return *a.Input
	}
	if a.Data != nil {
		return *a.Data
	}
	return nil
}

type ethAPI struct {
	n *fakeNode
}

func (api *ethAPI) ChainId() *hexutil.Big {
	api.n.mu.Lock()
	defer api.n.mu.Unlock()
	return (*hexutil.Big)(new(big.Int).Set(api.n.chainID))
}

func (api *ethAPI) Call(args callArgs, block *string) (hexutil.Bytes, error) {
	n := api.n
	n.mu.Lock()
	defer n.mu.Unlock()

	data := args.payload()
	if len(data) < 4 {
		return nil, errors.New("short call data")
	}
	method, err := n.abi.MethodById(data[:4])
	if err != nil {
		return nil, err
	}
	in, err := method.Inputs.Unpack(data[4:])
	if err != nil {
		return nil, err
	}

	switch method.Name {
	case contracts.MethodTaskCount:
		return method.Outputs.Pack(big.NewInt(int64(len(n.tasks))))
	case contracts.MethodTasks:
		id := in[0].(*big.Int)
		if id.Sign() <= 0 || id.Uint64() > uint64(len(n.tasks)) {
			return method.Outputs.Pack(new(big.Int), "", false)
		}
		task := n.tasks[id.Uint64()-1]
		return method.Outputs.Pack(new(big.Int).SetUint64(task.ID), task.Content, task.Completed)
	}
	return nil, errors.New("not a view method: " + method.Name)
}

func (api *ethAPI) GetBlockByNumber(number string, full bool) (*types.Header, error) {
	api.n.mu.Lock()
	defer api.n.mu.Unlock()
	return &types.Header{
		Number:     big.NewInt(api.n.height),
		Difficulty: new(big.Int),
		GasLimit:   30_000_000,
		Extra:      []byte{},
	}, nil
}

func (api *ethAPI) GasPrice() *hexutil.Big {
	return (*hexutil.Big)(big.NewInt(1_000_000_000))
}

func (api *ethAPI) GetCode(addr common.Address, block *string) hexutil.Bytes {
	if addr != api.n.contract {
		return hexutil.Bytes{}
	}
	return hexutil.Bytes{0x60, 0x80}
}

func (api *ethAPI) EstimateGas(args callArgs, block *string) hexutil.Uint64 {
	return 100_000
}

func (api *ethAPI) GetTransactionCount(addr common.Address, block *string) hexutil.Uint64 {
	api.n.mu.Lock()
	defer api.n.mu.Unlock()
	return hexutil.Uint64(api.n.nonces[addr])
}

func (api *ethAPI) SendRawTransaction(input hexutil.Bytes) (common.Hash, error) {
	n := api.n
	tx := new(types.Transaction)
	if err := tx.UnmarshalBinary(input); err != nil {
		return common.Hash{}, err
	}

	n.mu.Lock()
	defer n.mu.Unlock()

	from, err := types.Sender(types.LatestSignerForChainID(n.chainID), tx)
	if err != nil {
		return common.Hash{}, err
	}
	if tx.Nonce() != n.nonces[from] {
		return common.Hash{}, errors.New("nonce too low")
	}
	n.nonces[from]++
	n.sent = append(n.sent, tx)
	n.height++

	status := types.ReceiptStatusSuccessful
	if n.revertNext || !n.apply(tx.Data()) {
		status = types.ReceiptStatusFailed
		n.revertNext = false
	}
	n.receipts[tx.Hash()] = &types.Receipt{
		Type:              tx.Type(),
		Status:            status,
		CumulativeGasUsed: 50_000,
		Logs:              []*types.Log{},
		TxHash:            tx.Hash(),
		GasUsed:           50_000,
		EffectiveGasPrice: tx.GasPrice(),
		BlockHash:         common.BigToHash(big.NewInt(n.height)),
		BlockNumber:       big.NewInt(n.height),
	}
	return tx.Hash(), nil
}

// apply runs a contract call against the task list; false means revert.
func (n *fakeNode) apply(data []byte) bool {
	if len(data) < 4 {
		return false
	}
	method, err := n.abi.MethodById(data[:4])
	if err != nil {
		return false
	}
	in, err := method.Inputs.Unpack(data[4:])
	if err != nil {
		return false
	}
	switch method.Name {
	case contracts.MethodCreateTask:
		n.tasks = append(n.tasks, ledger.Task{ID: uint64(len(n.tasks)) + 1, Content: in[0].(string)})
		return true
	case contracts.MethodToggleCompleted:
		id := in[0].(*big.Int)
		if id.Sign() <= 0 || id.Uint64() > uint64(len(n.tasks)) {
			return false
		}
		n.tasks[id.Uint64()-1].Completed = !n.tasks[id.Uint64()-1].Completed
		return true
	}
	return false
}

func (api *ethAPI) GetTransactionReceipt(hash common.Hash) *types.Receipt {
	api.n.mu.Lock()
	defer api.n.mu.Unlock()
	return api.n.receipts[hash]
}
