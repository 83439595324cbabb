// Package tasksync reconciles the local view of the task list with the
// authoritative ledger.
//
// Every mutation follows submit, await confirmation, then a full reload.
// Reloads carry increasing sequence numbers and the account epoch they
// started in; a result that is older than the published snapshot, or that
// belongs to a previous account, is discarded. Concurrent Reload calls share
// one fetch. Mutations are serialized.
package tasksync

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"
	"golang.org/x/sync/singleflight"

	"chaintodo/internal/ledger"
	"chaintodo/internal/logging"
	"chaintodo/internal/metrics"
)

const (
	reloadKey = "reload"

	// fetchConcurrency bounds parallel Task reads during a reload.
	fetchConcurrency = 8

	// maxTaskCount bounds the count a store may report before a reload
	// allocates for it.
	maxTaskCount = 1 << 20

	eventBuffer = 16
)

// Synchronizer owns the published Snapshot. It is the only writer.
type Synchronizer struct {
	client  ledger.Client
	store   ledger.Store
	logger  logging.Logger
	metrics *metrics.Metrics

	flight    singleflight.Group
	mutations *semaphore.Weighted
	seq       atomic.Uint64

	mu       sync.RWMutex
	snap     Snapshot
	epoch    uint64
	busy     int
	mutating bool
	phase    Phase
	subs     map[int]chan Snapshot
	nextSub  int
	cancels  []func()
	started  bool
	restart  chan struct{}
	restartO sync.Once

	events    chan event
	runCtx    context.Context
	runCancel context.CancelFunc
	wg        sync.WaitGroup
	closeOnce sync.Once
}

type eventKind int

const (
	eventReload eventKind = iota
)

type event struct {
	kind  eventKind
	epoch uint64
}

// Option configures a Synchronizer.
type Option func(*Synchronizer)

// WithLogger sets the logger. The default discards output.
func WithLogger(l logging.Logger) Option {
	return func(s *Synchronizer) { s.logger = l }
}

// WithMetrics sets the metrics sink. The default is NopMetrics.
func WithMetrics(m *metrics.Metrics) Option {
	return func(s *Synchronizer) { s.metrics = m }
}

// New creates a Synchronizer over the given client and store.
func New(client ledger.Client, store ledger.Store, opts ...Option) *Synchronizer {
	runCtx, runCancel := context.WithCancel(context.Background())
	s := &Synchronizer{
		client:    client,
		store:     store,
		logger:    logging.NewNopLogger(),
		metrics:   metrics.NopMetrics(),
		mutations: semaphore.NewWeighted(1),
		subs:      make(map[int]chan Snapshot),
		restart:   make(chan struct{}),
		events:    make(chan event, eventBuffer),
		runCtx:    runCtx,
		runCancel: runCancel,
	}
	for _, opt := range opts {
		opt(s)
	}
	s.logger = s.logger.With("module", "tasksync")
	return s
}

// Initialize connects the client, subscribes to account and network
// signals, and loads the task list. Failures are recorded in the Snapshot
// and also returned; the synchronizer stays usable either way.
func (s *Synchronizer) Initialize(ctx context.Context) error {
	s.begin()
	defer s.end()

	account, err := s.client.Connect(ctx)
	if err != nil {
		return s.fail("connect", err)
	}
	s.logger.Info("connected", "account", account, "chain", s.client.Session().ChainID)

	s.mu.Lock()
	s.snap.Account = account
	s.notifyLocked()
	if !s.started {
		s.started = true
		s.cancels = append(s.cancels,
			s.client.OnAccountChanged(s.onAccountChanged),
			s.client.OnNetworkChanged(s.onNetworkChanged),
		)
		s.wg.Add(1)
		go s.run()
	}
	s.mu.Unlock()

	if err := s.reload(ctx, false); err != nil {
		return s.fail("load tasks", err)
	}
	return nil
}

// Reload fetches the full task list and publishes it. A call made while
// another reload is in flight joins that reload.
func (s *Synchronizer) Reload(ctx context.Context) error {
	s.begin()
	defer s.end()

	s.setReadPhase(PhaseReloading)
	if err := s.reload(ctx, false); err != nil {
		return s.fail("load tasks", err)
	}
	return nil
}

// CreateTask validates content, submits it, waits for confirmation and
// reloads. The draft is kept on failure and cleared on success.
func (s *Synchronizer) CreateTask(ctx context.Context, content string) error {
	const action = "create task"

	s.setDraft(content)
	if err := ledger.ValidateContent(content); err != nil {
		return s.fail(action, err)
	}

	err := s.mutate(ctx, "create", action, func(ctx context.Context) (ledger.Handle, error) {
		return s.store.CreateTask(ctx, content)
	})
	if err != nil {
		return err
	}
	s.clearDraft(content)
	return nil
}

// ToggleCompleted flips the completed flag of task id once the ledger
// confirms it. No optimistic change is published before confirmation.
func (s *Synchronizer) ToggleCompleted(ctx context.Context, id uint64) error {
	const action = "toggle task"

	if err := ledger.ValidateID(id); err != nil {
		return s.fail(action, err)
	}

	return s.mutate(ctx, "toggle", action, func(ctx context.Context) (ledger.Handle, error) {
		return s.store.ToggleCompleted(ctx, id)
	})
}

func (s *Synchronizer) mutate(ctx context.Context, op, action string, submit func(context.Context) (ledger.Handle, error)) (err error) {
	s.begin()
	defer s.end()
	defer func() {
		outcome := "ok"
		if err != nil {
			outcome = ledger.KindOf(err).String()
		}
		s.metrics.Mutations.With("op", op, "outcome", outcome).Add(1)
	}()

	s.metrics.QueuedMutations.Add(1)
	err = s.mutations.Acquire(ctx, 1)
	s.metrics.QueuedMutations.Add(-1)
	if err != nil {
		return s.fail(action, err)
	}
	defer s.mutations.Release(1)

	// The phase belongs to the mutation holding the semaphore.
	s.setMutating(true)
	defer s.setMutating(false)

	if !s.client.Session().Connected {
		return s.failMutation(action, fmt.Errorf("%w: not connected", ledger.ErrStoreUnavailable))
	}

	s.setPhase(PhaseSubmitting)
	h, err := submit(ctx)
	if err != nil {
		return s.failMutation(action, err)
	}
	s.logger.Debug("submitted", "op", op, "handle", h.ID())

	s.setPhase(PhaseConfirming)
	start := time.Now()
	if err := s.store.AwaitConfirmation(ctx, h); err != nil {
		return s.failMutation(action, err)
	}
	s.metrics.ConfirmationSeconds.Observe(time.Since(start).Seconds())
	s.logger.Debug("confirmed", "op", op, "handle", h.ID())

	// The store assigns ids and order, so re-read everything, starting a
	// fetch that cannot have begun before the confirmation.
	s.setPhase(PhaseReloading)
	if err := s.reload(ctx, true); err != nil {
		return s.failMutation(action, err)
	}
	return nil
}

// reload runs or joins a fetch. fresh forces a new fetch instead of
// joining one already in flight.
func (s *Synchronizer) reload(ctx context.Context, fresh bool) error {
	if !s.client.Session().Connected {
		return fmt.Errorf("%w: not connected", ledger.ErrStoreUnavailable)
	}
	if fresh {
		s.flight.Forget(reloadKey)
	}

	fetchCtx := context.WithoutCancel(ctx)
	ch := s.flight.DoChan(reloadKey, func() (interface{}, error) {
		return nil, s.fetch(fetchCtx)
	})
	s.metrics.ReloadWaiters.Add(1)
	defer s.metrics.ReloadWaiters.Add(-1)

	select {
	case res := <-ch:
		if res.Shared {
			s.metrics.CoalescedReloads.Add(1)
		}
		return res.Err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// fetch reads the count and then every task, and publishes the result if
// nothing newer was published meanwhile.
func (s *Synchronizer) fetch(ctx context.Context) error {
	seq := s.seq.Add(1)
	s.mu.RLock()
	epoch := s.epoch
	s.mu.RUnlock()

	count, err := s.store.TaskCount(ctx)
	if err != nil {
		return err
	}
	if count > maxTaskCount {
		return fmt.Errorf("%w: task count %d out of range", ledger.ErrStoreUnavailable, count)
	}

	tasks := make([]ledger.Task, count)
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(fetchConcurrency)
	for i := range tasks {
		i := i
		id := uint64(i) + 1
		g.Go(func() error {
			task, err := s.store.Task(gctx, id)
			if err != nil {
				return err
			}
			if task.ID != id {
				return fmt.Errorf("%w: store returned task %d for id %d", ledger.ErrNotFound, task.ID, id)
			}
			tasks[i] = task
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}

	return s.publish(seq, epoch, tasks)
}

func (s *Synchronizer) publish(seq, epoch uint64, tasks []ledger.Task) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if epoch != s.epoch || seq <= s.snap.Seq {
		s.metrics.StaleReloads.Add(1)
		s.logger.Debug("discarding stale reload", "seq", seq, "published", s.snap.Seq, "epoch", epoch, "current_epoch", s.epoch)
		return ledger.ErrStale
	}

	next := s.snap
	next.Tasks = tasks
	next.Seq = seq
	s.snap = next
	s.notifyLocked()

	s.metrics.Reloads.Add(1)
	s.metrics.Tasks.Set(float64(len(tasks)))
	s.logger.Debug("reload published", "seq", seq, "tasks", len(tasks))
	return nil
}

// fail records err in the Snapshot and returns it wrapped with the
// operation. Stale results are not failures and yield nil. The phase is
// left to a mutation in progress.
func (s *Synchronizer) fail(action string, err error) error {
	return s.record(action, err, false)
}

// failMutation is fail for the mutation holding the semaphore.
func (s *Synchronizer) failMutation(action string, err error) error {
	return s.record(action, err, true)
}

func (s *Synchronizer) record(action string, err error, owner bool) error {
	if ledger.KindOf(err) == ledger.KindStale {
		return nil
	}
	err = ledger.WrapOp(action, err)

	s.mu.Lock()
	s.snap.Err = ledger.Message(action, err)
	s.snap.Kind = ledger.KindOf(err)
	if owner || !s.mutating {
		s.phase = PhaseFailed
	}
	s.notifyLocked()
	s.mu.Unlock()

	s.logger.Error("operation failed", "op", action, "kind", ledger.KindOf(err).String(), "err", err)
	return err
}

// begin marks an operation in flight and clears the previous error.
func (s *Synchronizer) begin() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.busy++
	s.snap.Loading = true
	s.snap.Err = ""
	s.snap.Kind = ledger.KindUnknown
	s.notifyLocked()
}

// end marks an operation finished. Loading clears with the last one.
func (s *Synchronizer) end() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.busy--
	if s.busy == 0 {
		s.snap.Loading = false
		s.phase = PhaseIdle
	}
	s.notifyLocked()
}

func (s *Synchronizer) setMutating(on bool) {
	s.mu.Lock()
	s.mutating = on
	s.mu.Unlock()
}

// setPhase moves to p. Only the mutation holding the semaphore calls it.
func (s *Synchronizer) setPhase(p Phase) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.phase = p
	s.logger.Debug("phase", "phase", p.String())
}

// setReadPhase moves to p unless a mutation owns the phase.
func (s *Synchronizer) setReadPhase(p Phase) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.mutating {
		return
	}
	s.phase = p
	s.logger.Debug("phase", "phase", p.String())
}

func (s *Synchronizer) setDraft(content string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.snap.Draft = content
	s.notifyLocked()
}

func (s *Synchronizer) clearDraft(content string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.snap.Draft == content {
		s.snap.Draft = ""
		s.notifyLocked()
	}
}

// Snapshot returns a copy of the published snapshot.
func (s *Synchronizer) Snapshot() Snapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.snap.clone()
}

// Phase returns the lifecycle stage of the most recent operation.
func (s *Synchronizer) Phase() Phase {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.phase
}

// Session returns the client's connection state.
func (s *Synchronizer) Session() ledger.Session {
	return s.client.Session()
}

// Subscribe returns a channel receiving every published snapshot. Slow
// receivers only see the latest one. cancel stops delivery.
func (s *Synchronizer) Subscribe() (<-chan Snapshot, func()) {
	s.mu.Lock()
	defer s.mu.Unlock()

	id := s.nextSub
	s.nextSub++
	ch := make(chan Snapshot, 1)
	s.subs[id] = ch
	ch <- s.snap.clone()

	return ch, func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		delete(s.subs, id)
	}
}

// notifyLocked delivers the current snapshot to subscribers, replacing any
// undelivered one. Callers hold s.mu.
func (s *Synchronizer) notifyLocked() {
	for _, ch := range s.subs {
		snap := s.snap.clone()
		select {
		case ch <- snap:
		default:
			select {
			case <-ch:
			default:
			}
			ch <- snap
		}
	}
}

// Restart is closed once the network changed and the whole stack must be
// rebuilt.
func (s *Synchronizer) Restart() <-chan struct{} {
	return s.restart
}

func (s *Synchronizer) onAccountChanged(account ledger.Identity) {
	s.mu.Lock()
	s.epoch++
	epoch := s.epoch
	s.snap = Snapshot{
		Loading: s.busy > 0,
		Draft:   s.snap.Draft,
		Account: account,
		Seq:     s.snap.Seq,
	}
	s.notifyLocked()
	s.mu.Unlock()

	s.flight.Forget(reloadKey)
	s.metrics.AccountChanges.Add(1)
	s.logger.Info("account changed", "account", account, "epoch", epoch)

	if account == ledger.None {
		return
	}
	select {
	case s.events <- event{kind: eventReload, epoch: epoch}:
	case <-s.runCtx.Done():
	}
}

func (s *Synchronizer) onNetworkChanged(chainID string) {
	s.mu.Lock()
	s.epoch++
	s.snap.Err = fmt.Sprintf("network changed to chain %s; restart required", chainID)
	s.snap.Kind = ledger.KindConnectivity
	s.notifyLocked()
	s.mu.Unlock()

	s.logger.Info("network changed", "chain", chainID)
	s.restartO.Do(func() { close(s.restart) })
}

func (s *Synchronizer) run() {
	defer s.wg.Done()
	for {
		select {
		case <-s.runCtx.Done():
			return
		case ev := <-s.events:
			s.mu.RLock()
			current := s.epoch
			s.mu.RUnlock()
			if ev.epoch != current {
				continue
			}
			if err := s.Reload(s.runCtx); err != nil {
				s.logger.Debug("reload after account change failed", "err", err)
			}
		}
	}
}

// Close stops listening for ledger signals. It does not close the client.
func (s *Synchronizer) Close() {
	s.closeOnce.Do(func() {
		s.mu.Lock()
		cancels := s.cancels
		s.cancels = nil
		s.mu.Unlock()
		for _, cancel := range cancels {
			cancel()
		}
		s.runCancel()
		s.wg.Wait()
	})
}
