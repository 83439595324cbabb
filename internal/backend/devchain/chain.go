// Package devchain implements an in-process task ledger for local
// development. Submissions wait in a pending pool and are applied in blocks
// produced every BlockInterval; state is kept in a tm-db database.
package devchain

import (
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/orderedcode"
	"github.com/google/uuid"
	dbm "github.com/tendermint/tm-db"

	"chaintodo/internal/ledger"
	"chaintodo/internal/logging"
)

const (
	// DefaultChainID is reported by every devchain.
	DefaultChainID = "devchain-1"

	// DefaultBlockInterval is the time between blocks.
	DefaultBlockInterval = time.Second

	dbName = "tasks"

	prefixTask = "task"
	prefixMeta = "meta"
	metaCount  = "count"
	metaHeight = "height"
)

// ErrClosed is returned by operations on a closed chain.
var ErrClosed = errors.New("devchain closed")

// Config configures a Chain.
type Config struct {
	// Dir is the database directory. Ignored for the memdb backend.
	Dir string

	// Backend is a tm-db backend name ("goleveldb", "memdb").
	Backend string

	// BlockInterval is the time between blocks. Zero disables automatic
	// block production; call ProduceBlock instead.
	BlockInterval time.Duration

	Logger logging.Logger
}

type txKind int

const (
	txCreate txKind = iota
	txToggle
)

// submission is a pending mutation. It doubles as the ledger.Handle.
type submission struct {
	id      string
	from    ledger.Identity
	kind    txKind
	content string
	taskID  uint64

	done   chan struct{}
	err    error
	height uint64
}

func (s *submission) ID() string { return s.id }

type taskRecord struct {
	Content   string          `json:"content"`
	Completed bool            `json:"completed"`
	Creator   ledger.Identity `json:"creator"`
	Height    uint64          `json:"height"`
}

// Chain is an in-process ledger holding the task registry.
type Chain struct {
	db     dbm.DB
	logger logging.Logger

	mu      sync.Mutex
	pending []*submission
	closed  bool

	stop chan struct{}
	wg   sync.WaitGroup
}

// Open opens (or creates) the chain database and starts producing blocks.
func Open(cfg Config) (*Chain, error) {
	backend := cfg.Backend
	if backend == "" {
		backend = string(dbm.GoLevelDBBackend)
	}

	var db dbm.DB
	var err error
	if dbm.BackendType(backend) == dbm.MemDBBackend {
		db = dbm.NewMemDB()
	} else {
		db, err = dbm.NewDB(dbName, dbm.BackendType(backend), cfg.Dir)
		if err != nil {
			return nil, fmt.Errorf("%w: open devchain database: %v", ledger.ErrConnection, err)
		}
	}

	logger := cfg.Logger
	if logger == nil {
		logger = logging.NewNopLogger()
	}

	c := &Chain{
		db:     db,
		logger: logger.With("module", "devchain"),
		stop:   make(chan struct{}),
	}
	if cfg.BlockInterval > 0 {
		c.wg.Add(1)
		go c.produce(cfg.BlockInterval)
	}
	return c, nil
}

// ChainID returns the chain identifier.
func (c *Chain) ChainID() string {
	return DefaultChainID
}

func (c *Chain) produce(interval time.Duration) {
	defer c.wg.Done()
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-c.stop:
			return
		case <-ticker.C:
			if _, err := c.ProduceBlock(); err != nil {
				c.logger.Error("failed to produce block", "err", err)
			}
		}
	}
}

// submit queues a mutation for the next block.
func (c *Chain) submit(sub *submission) (ledger.Handle, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil, fmt.Errorf("%w: %v", ledger.ErrSubmission, ErrClosed)
	}
	sub.id = uuid.NewString()
	sub.done = make(chan struct{})
	c.pending = append(c.pending, sub)
	c.logger.Debug("submission queued", "id", sub.id, "from", sub.from, "pending", len(c.pending))
	return sub, nil
}

// ProduceBlock applies all pending submissions in arrival order and
// commits them in one batch. It returns the new height.
func (c *Chain) ProduceBlock() (uint64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return 0, ErrClosed
	}
	if len(c.pending) == 0 {
		return c.heightLocked()
	}

	height, err := c.heightLocked()
	if err != nil {
		return 0, err
	}
	height++

	count, err := c.countLocked()
	if err != nil {
		return 0, err
	}

	batch := c.db.NewBatch()
	defer batch.Close()

	// Records touched in this block, so later submissions see earlier ones.
	touched := make(map[uint64]*taskRecord)
	for _, sub := range c.pending {
		sub.height = height
		switch sub.kind {
		case txCreate:
			count++
			touched[count] = &taskRecord{Content: sub.content, Creator: sub.from, Height: height}
		case txToggle:
			rec, ok := touched[sub.taskID]
			if !ok {
				if sub.taskID < 1 || sub.taskID > count {
					sub.err = fmt.Errorf("%w: reverted: task %d does not exist", ledger.ErrConfirmation, sub.taskID)
					continue
				}
				rec, err = c.recordLocked(sub.taskID)
				if err != nil {
					return 0, err
				}
				touched[sub.taskID] = rec
			}
			rec.Completed = !rec.Completed
			rec.Height = height
		}
	}

	for id, rec := range touched {
		value, err := json.Marshal(rec)
		if err != nil {
			return 0, err
		}
		if err := batch.Set(taskKey(id), value); err != nil {
			return 0, err
		}
	}
	if err := batch.Set(metaKey(metaCount), encodeUint(count)); err != nil {
		return 0, err
	}
	if err := batch.Set(metaKey(metaHeight), encodeUint(height)); err != nil {
		return 0, err
	}
	if err := batch.WriteSync(); err != nil {
		return 0, err
	}

	applied := c.pending
	c.pending = nil
	for _, sub := range applied {
		close(sub.done)
	}
	c.logger.Debug("block committed", "height", height, "txs", len(applied), "tasks", count)
	return height, nil
}

// Count returns the number of committed tasks.
func (c *Chain) Count() (uint64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return 0, ErrClosed
	}
	return c.countLocked()
}

// Task returns the committed task with the given id.
func (c *Chain) Task(id uint64) (ledger.Task, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return ledger.Task{}, ErrClosed
	}
	count, err := c.countLocked()
	if err != nil {
		return ledger.Task{}, err
	}
	if id < 1 || id > count {
		return ledger.Task{}, fmt.Errorf("%w: id %d not in [1, %d]", ledger.ErrNotFound, id, count)
	}
	rec, err := c.recordLocked(id)
	if err != nil {
		return ledger.Task{}, err
	}
	return ledger.Task{ID: id, Content: rec.Content, Completed: rec.Completed}, nil
}

// Height returns the height of the last committed block.
func (c *Chain) Height() (uint64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.heightLocked()
}

func (c *Chain) countLocked() (uint64, error) {
	return c.metaLocked(metaCount)
}

func (c *Chain) heightLocked() (uint64, error) {
	return c.metaLocked(metaHeight)
}

func (c *Chain) metaLocked(name string) (uint64, error) {
	value, err := c.db.Get(metaKey(name))
	if err != nil {
		return 0, err
	}
	if value == nil {
		return 0, nil
	}
	return decodeUint(value)
}

func (c *Chain) recordLocked(id uint64) (*taskRecord, error) {
	value, err := c.db.Get(taskKey(id))
	if err != nil {
		return nil, err
	}
	if value == nil {
		return nil, fmt.Errorf("%w: id %d", ledger.ErrNotFound, id)
	}
	var rec taskRecord
	if err := json.Unmarshal(value, &rec); err != nil {
		return nil, fmt.Errorf("decode task %d: %w", id, err)
	}
	return &rec, nil
}

// Close stops block production, fails pending submissions and closes the
// database.
func (c *Chain) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	close(c.stop)
	for _, sub := range c.pending {
		sub.err = fmt.Errorf("%w: %v", ledger.ErrConfirmation, ErrClosed)
		close(sub.done)
	}
	c.pending = nil
	c.mu.Unlock()

	c.wg.Wait()
	return c.db.Close()
}

func taskKey(id uint64) []byte {
	key, err := orderedcode.Append(nil, prefixTask, id)
	if err != nil {
		panic(err)
	}
	return key
}

func metaKey(name string) []byte {
	key, err := orderedcode.Append(nil, prefixMeta, name)
	if err != nil {
		panic(err)
	}
	return key
}

func encodeUint(n uint64) []byte {
	value, err := orderedcode.Append(nil, n)
	if err != nil {
		panic(err)
	}
	return value
}

func decodeUint(value []byte) (uint64, error) {
	var n uint64
	if _, err := orderedcode.Parse(string(value), &n); err != nil {
		return 0, err
	}
	return n, nil
}
