package tasksync_test

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/go-kit/kit/metrics/generic"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"chaintodo/internal/ledger"
	"chaintodo/internal/metrics"
	"chaintodo/internal/tasksync"
	"chaintodo/internal/testutil"
)

const waitFor = 5 * time.Second

func newSynchronizer(t *testing.T, fake *testutil.FakeLedger) *tasksync.Synchronizer {
	t.Helper()
	s := tasksync.New(fake, fake)
	t.Cleanup(s.Close)
	return s
}

func initialized(t *testing.T, fake *testutil.FakeLedger, opts ...tasksync.Option) *tasksync.Synchronizer {
	t.Helper()
	s := tasksync.New(fake, fake, opts...)
	t.Cleanup(s.Close)
	require.NoError(t, s.Initialize(context.Background()))
	return s
}

func TestInitializeLoadsTasks(t *testing.T) {
	fake := testutil.NewFakeLedger()
	fake.AddTask("Learn hardhat & solidity", false)
	fake.AddTask("Build a Dapp Frontend", true)

	s := initialized(t, fake)

	snap := s.Snapshot()
	assert.False(t, snap.Loading)
	assert.Empty(t, snap.Err)
	assert.Equal(t, testutil.DefaultAccount, snap.Account)
	assert.Equal(t, []ledger.Task{
		{ID: 1, Content: "Learn hardhat & solidity"},
		{ID: 2, Content: "Build a Dapp Frontend", Completed: true},
	}, snap.Tasks)
	assert.Equal(t, tasksync.PhaseIdle, s.Phase())
}

func TestInitializeNoWalletIsRecorded(t *testing.T) {
	fake := testutil.NewFakeLedger()
	fake.SetWalletAccount(ledger.None)

	s := newSynchronizer(t, fake)
	err := s.Initialize(context.Background())

	require.ErrorIs(t, err, ledger.ErrNoWallet)
	snap := s.Snapshot()
	assert.False(t, snap.Loading)
	assert.Equal(t, ledger.KindConnectivity, snap.Kind)
	assert.Equal(t, "failed to connect: no wallet available", snap.Err)
	assert.Empty(t, snap.Tasks)

	// Still usable: commands fail cleanly instead of panicking.
	err = s.CreateTask(context.Background(), "Learn X")
	require.ErrorIs(t, err, ledger.ErrStoreUnavailable)
	assert.Empty(t, fake.Calls())
}

func TestInitializeUserRejected(t *testing.T) {
	fake := testutil.NewFakeLedger()
	fake.ConnectErr = fmt.Errorf("unlock: %w", ledger.ErrUserRejected)

	s := newSynchronizer(t, fake)
	require.Error(t, s.Initialize(context.Background()))
	assert.Equal(t, ledger.KindAuthorization, s.Snapshot().Kind)
}

// Each successful create grows the list by one and the new id is len+1.
func TestCreateTaskAppendsWithNextID(t *testing.T) {
	fake := testutil.NewFakeLedger()
	s := initialized(t, fake)
	ctx := context.Background()

	for i := 1; i <= 5; i++ {
		before := len(s.Snapshot().Tasks)
		require.NoError(t, s.CreateTask(ctx, fmt.Sprintf("task %d", i)))

		snap := s.Snapshot()
		require.Len(t, snap.Tasks, before+1)
		last := snap.Tasks[len(snap.Tasks)-1]
		assert.Equal(t, uint64(before+1), last.ID)
		assert.Equal(t, fmt.Sprintf("task %d", i), last.Content)
		assert.False(t, last.Completed)
		assert.Empty(t, snap.Draft)
	}
}

func TestReloadIsIdempotent(t *testing.T) {
	fake := testutil.NewFakeLedger()
	fake.AddTask("a", false)
	fake.AddTask("b", true)
	s := initialized(t, fake)
	ctx := context.Background()

	require.NoError(t, s.Reload(ctx))
	first := s.Snapshot()
	require.NoError(t, s.Reload(ctx))
	second := s.Snapshot()

	assert.Equal(t, first.Tasks, second.Tasks)
	assert.Greater(t, second.Seq, first.Seq)
}

// A reload that started before a newer one was published is discarded.
func TestStaleReloadIsDiscarded(t *testing.T) {
	fake := testutil.NewFakeLedger()
	fake.AddTask("first", false)
	s := initialized(t, fake)
	ctx := context.Background()

	base := fake.CountCalls()
	started := make(chan struct{})
	release := make(chan struct{})
	fake.CountHook = func(call int) {
		if call == base+1 {
			close(started)
			<-release
		}
	}

	staleDone := make(chan error, 1)
	go func() { staleDone <- s.Reload(ctx) }()
	<-started

	// The slow reload read a count of 1. A create now publishes 2 tasks.
	require.NoError(t, s.CreateTask(ctx, "second"))
	require.Len(t, s.Snapshot().Tasks, 2)
	published := s.Snapshot().Seq

	close(release)
	select {
	case err := <-staleDone:
		require.NoError(t, err, "stale results are not surfaced")
	case <-time.After(waitFor):
		t.Fatal("stale reload did not finish")
	}

	snap := s.Snapshot()
	assert.Len(t, snap.Tasks, 2)
	assert.Equal(t, published, snap.Seq)
	assert.Empty(t, snap.Err)
}

func TestConcurrentReloadsCoalesce(t *testing.T) {
	fake := testutil.NewFakeLedger()
	fake.AddTask("a", false)
	m := metrics.NopMetrics()
	waiters := generic.NewGauge("reload_waiters")
	m.ReloadWaiters = waiters
	s := initialized(t, fake, tasksync.WithMetrics(m))
	ctx := context.Background()

	base := fake.CountCalls()
	started := make(chan struct{})
	release := make(chan struct{})
	fake.CountHook = func(call int) {
		if call == base+1 {
			close(started)
			<-release
		}
	}

	var wg sync.WaitGroup
	errs := make(chan error, 4)
	wg.Add(1)
	go func() {
		defer wg.Done()
		errs <- s.Reload(ctx)
	}()
	<-started
	for i := 0; i < 3; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			errs <- s.Reload(ctx)
		}()
	}
	require.Eventually(t, func() bool { return waiters.Value() == 4 }, waitFor, time.Millisecond,
		"every caller waits on the in-flight fetch")
	close(release)
	wg.Wait()
	close(errs)

	for err := range errs {
		require.NoError(t, err)
	}
	assert.Equal(t, base+1, fake.CountCalls())
}

func TestCreateTaskRejectsEmptyContentLocally(t *testing.T) {
	fake := testutil.NewFakeLedger()
	fake.AddTask("keep me", false)
	s := initialized(t, fake)
	before := s.Snapshot()

	for _, content := range []string{"", "   ", "\t"} {
		err := s.CreateTask(context.Background(), content)
		require.ErrorIs(t, err, ledger.ErrValidation)

		snap := s.Snapshot()
		assert.Equal(t, ledger.KindValidation, snap.Kind)
		assert.Equal(t, before.Tasks, snap.Tasks)
		assert.False(t, snap.Loading)
	}
	assert.Empty(t, fake.Calls(), "validation failures never reach the store")
}

func TestToggleFlipsOnlyThatTask(t *testing.T) {
	fake := testutil.NewFakeLedger()
	fake.AddTask("a", false)
	fake.AddTask("b", true)
	fake.AddTask("c", false)
	s := initialized(t, fake)
	before := s.Snapshot().Tasks

	require.NoError(t, s.ToggleCompleted(context.Background(), 2))

	after := s.Snapshot().Tasks
	require.Len(t, after, 3)
	assert.Equal(t, before[0], after[0])
	assert.Equal(t, ledger.Task{ID: 2, Content: "b", Completed: false}, after[1])
	assert.Equal(t, before[2], after[2])
}

func TestToggleRejectsZeroID(t *testing.T) {
	fake := testutil.NewFakeLedger()
	s := initialized(t, fake)

	err := s.ToggleCompleted(context.Background(), 0)
	require.ErrorIs(t, err, ledger.ErrValidation)
	assert.Empty(t, fake.Calls())
}

func TestToggleUnknownIDIsNotFound(t *testing.T) {
	fake := testutil.NewFakeLedger()
	fake.AddTask("a", false)
	s := initialized(t, fake)

	err := s.ToggleCompleted(context.Background(), 9)
	require.ErrorIs(t, err, ledger.ErrNotFound)
	snap := s.Snapshot()
	assert.Equal(t, ledger.KindNotFound, snap.Kind)
	assert.Len(t, snap.Tasks, 1)
	assert.False(t, snap.Loading)
}

func TestEndToEndScenario(t *testing.T) {
	fake := testutil.NewFakeLedger()
	s := initialized(t, fake)
	ctx := context.Background()
	require.Empty(t, s.Snapshot().Tasks)

	require.NoError(t, s.CreateTask(ctx, "Learn X"))
	assert.Equal(t, []ledger.Task{{ID: 1, Content: "Learn X"}}, s.Snapshot().Tasks)

	require.NoError(t, s.CreateTask(ctx, "Build Y"))
	assert.Equal(t, []ledger.Task{
		{ID: 1, Content: "Learn X"},
		{ID: 2, Content: "Build Y"},
	}, s.Snapshot().Tasks)

	require.NoError(t, s.ToggleCompleted(ctx, 1))
	assert.Equal(t, []ledger.Task{
		{ID: 1, Content: "Learn X", Completed: true},
		{ID: 2, Content: "Build Y"},
	}, s.Snapshot().Tasks)
}

// A second toggle is not submitted until the first one's confirmation is done.
func TestMutationsAreSerialized(t *testing.T) {
	fake := testutil.NewFakeLedger()
	fake.AddTask("a", false)
	fake.AddTask("b", false)
	s := initialized(t, fake)
	fake.ConfirmGate = make(chan struct{})
	ctx := context.Background()

	first := make(chan error, 1)
	go func() { first <- s.ToggleCompleted(ctx, 1) }()
	require.Eventually(t, func() bool { return len(fake.Calls()) == 1 }, waitFor, time.Millisecond)

	second := make(chan error, 1)
	go func() { second <- s.ToggleCompleted(ctx, 2) }()

	// The second toggle is queued behind the unconfirmed first one.
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, []string{"submit toggle 1"}, fake.Calls())
	assert.True(t, s.Snapshot().Loading)

	fake.ConfirmGate <- struct{}{}
	require.NoError(t, <-first)
	fake.ConfirmGate <- struct{}{}
	require.NoError(t, <-second)

	assert.Equal(t, []string{
		"submit toggle 1",
		"confirm toggle 1",
		"submit toggle 2",
		"confirm toggle 2",
	}, fake.Calls())
	snap := s.Snapshot()
	assert.False(t, snap.Loading)
	assert.True(t, snap.Tasks[0].Completed)
	assert.True(t, snap.Tasks[1].Completed)
}

func TestNoOptimisticToggleBeforeConfirmation(t *testing.T) {
	fake := testutil.NewFakeLedger()
	fake.AddTask("a", false)
	s := initialized(t, fake)
	fake.ConfirmGate = make(chan struct{})

	done := make(chan error, 1)
	go func() { done <- s.ToggleCompleted(context.Background(), 1) }()
	require.Eventually(t, func() bool { return s.Phase() == tasksync.PhaseConfirming }, waitFor, time.Millisecond)

	snap := s.Snapshot()
	assert.True(t, snap.Loading)
	assert.False(t, snap.Tasks[0].Completed)

	close(fake.ConfirmGate)
	require.NoError(t, <-done)
	assert.True(t, s.Snapshot().Tasks[0].Completed)
}

func TestFailureKeepsTasksAndDraft(t *testing.T) {
	testCases := map[string]struct {
		setup func(*testutil.FakeLedger)
		kind  ledger.Kind
	}{
		"submission": {
			setup: func(f *testutil.FakeLedger) {
				f.CreateErr = fmt.Errorf("%w: insufficient funds", ledger.ErrSubmission)
			},
			kind: ledger.KindSubmission,
		},
		"confirmation": {
			setup: func(f *testutil.FakeLedger) {
				f.ConfirmErr = fmt.Errorf("%w: reverted", ledger.ErrConfirmation)
			},
			kind: ledger.KindConfirmation,
		},
		"rejected": {
			setup: func(f *testutil.FakeLedger) {
				f.CreateErr = fmt.Errorf("sign: %w", ledger.ErrUserRejected)
			},
			kind: ledger.KindAuthorization,
		},
		"reload": {
			setup: func(f *testutil.FakeLedger) {
				f.TaskErr = fmt.Errorf("%w: timeout", ledger.ErrStoreUnavailable)
			},
			kind: ledger.KindConnectivity,
		},
	}

	for name, tc := range testCases {
		tc := tc
		t.Run(name, func(t *testing.T) {
			fake := testutil.NewFakeLedger()
			fake.AddTask("existing", false)
			s := initialized(t, fake)
			before := s.Snapshot().Tasks

			tc.setup(fake)
			err := s.CreateTask(context.Background(), "my typed text")
			require.Error(t, err)

			snap := s.Snapshot()
			assert.Equal(t, tc.kind, snap.Kind)
			assert.Contains(t, snap.Err, "failed to create task")
			assert.False(t, snap.Loading)
			assert.Equal(t, before, snap.Tasks)
			assert.Equal(t, "my typed text", snap.Draft)
			assert.Equal(t, tasksync.PhaseIdle, s.Phase())
		})
	}
}

func TestNextOperationClearsError(t *testing.T) {
	fake := testutil.NewFakeLedger()
	s := initialized(t, fake)
	ctx := context.Background()

	require.Error(t, s.CreateTask(ctx, ""))
	require.NotEmpty(t, s.Snapshot().Err)

	require.NoError(t, s.CreateTask(ctx, "ok"))
	assert.Empty(t, s.Snapshot().Err)
	assert.Equal(t, ledger.KindUnknown, s.Snapshot().Kind)
}

func TestAccountChangeResetsAndReloads(t *testing.T) {
	fake := testutil.NewFakeLedger()
	fake.AddTask("a", false)
	s := initialized(t, fake)
	updates, cancel := s.Subscribe()
	defer cancel()

	const other ledger.Identity = "0x70997970C51812dc3A010C7d01b50e0d17dc79C8"
	fake.SwitchAccount(other)

	require.Eventually(t, func() bool {
		snap := s.Snapshot()
		return snap.Account == other && len(snap.Tasks) == 1 && !snap.Loading
	}, waitFor, time.Millisecond)

	var last tasksync.Snapshot
	require.Eventually(t, func() bool {
		select {
		case last = <-updates:
		default:
		}
		return last.Account == other && len(last.Tasks) == 1
	}, waitFor, time.Millisecond)
}

func TestAccountDroppedClearsTasks(t *testing.T) {
	fake := testutil.NewFakeLedger()
	fake.AddTask("a", false)
	s := initialized(t, fake)

	fake.SwitchAccount(ledger.None)

	snap := s.Snapshot()
	assert.Equal(t, ledger.None, snap.Account)
	assert.Empty(t, snap.Tasks)
}

// A reload started under the previous account is never published.
func TestAccountChangeInvalidatesInFlightReload(t *testing.T) {
	fake := testutil.NewFakeLedger()
	fake.AddTask("a", false)
	s := initialized(t, fake)

	base := fake.CountCalls()
	started := make(chan struct{})
	release := make(chan struct{})
	fake.CountHook = func(call int) {
		if call == base+1 {
			close(started)
			<-release
		}
	}

	done := make(chan error, 1)
	go func() { done <- s.Reload(context.Background()) }()
	<-started

	fake.SwitchAccount(ledger.None)
	close(release)
	require.NoError(t, <-done)

	snap := s.Snapshot()
	assert.Empty(t, snap.Tasks)
	assert.Equal(t, ledger.None, snap.Account)
}

func TestNetworkChangeRequestsRestart(t *testing.T) {
	fake := testutil.NewFakeLedger()
	s := initialized(t, fake)

	select {
	case <-s.Restart():
		t.Fatal("restart requested before network change")
	default:
	}

	fake.ChangeNetwork("1")

	select {
	case <-s.Restart():
	case <-time.After(waitFor):
		t.Fatal("restart not requested")
	}
	snap := s.Snapshot()
	assert.Equal(t, ledger.KindConnectivity, snap.Kind)
	assert.Contains(t, snap.Err, "restart required")
}

func TestCloseStopsSignals(t *testing.T) {
	fake := testutil.NewFakeLedger()
	s := initialized(t, fake)
	s.Close()

	fake.SwitchAccount("0x70997970C51812dc3A010C7d01b50e0d17dc79C8")
	assert.Equal(t, testutil.DefaultAccount, s.Snapshot().Account)
}

func TestSubscribeReceivesLatest(t *testing.T) {
	fake := testutil.NewFakeLedger()
	s := initialized(t, fake)
	updates, cancel := s.Subscribe()
	defer cancel()

	require.NoError(t, s.CreateTask(context.Background(), "Learn X"))

	var last tasksync.Snapshot
	require.Eventually(t, func() bool {
		select {
		case last = <-updates:
		default:
		}
		return len(last.Tasks) == 1 && !last.Loading
	}, waitFor, time.Millisecond)
}

// hugeCountStore reports a task count no ledger of ours would hold.
type hugeCountStore struct {
	*testutil.FakeLedger
}

func (hugeCountStore) TaskCount(ctx context.Context) (uint64, error) {
	return 1 << 62, nil
}

func TestReloadRejectsImplausibleCount(t *testing.T) {
	fake := testutil.NewFakeLedger()
	s := tasksync.New(fake, hugeCountStore{fake})
	t.Cleanup(s.Close)

	err := s.Initialize(context.Background())
	require.ErrorIs(t, err, ledger.ErrStoreUnavailable)

	snap := s.Snapshot()
	assert.Equal(t, ledger.KindConnectivity, snap.Kind)
	assert.Contains(t, snap.Err, "out of range")
	assert.Empty(t, snap.Tasks)
	assert.False(t, snap.Loading)
}

// A mutation queued behind an unconfirmed one gives up when its context is
// cancelled, without submitting anything or claiming the phase.
func TestQueuedMutationCanBeCancelled(t *testing.T) {
	fake := testutil.NewFakeLedger()
	fake.AddTask("a", false)
	fake.AddTask("b", false)
	m := metrics.NopMetrics()
	queued := generic.NewGauge("queued_mutations")
	m.QueuedMutations = queued
	s := initialized(t, fake, tasksync.WithMetrics(m))
	fake.ConfirmGate = make(chan struct{})

	first := make(chan error, 1)
	go func() { first <- s.ToggleCompleted(context.Background(), 1) }()
	require.Eventually(t, func() bool { return s.Phase() == tasksync.PhaseConfirming }, waitFor, time.Millisecond)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	second := make(chan error, 1)
	go func() { second <- s.ToggleCompleted(ctx, 2) }()
	require.Eventually(t, func() bool { return queued.Value() == 1 }, waitFor, time.Millisecond)
	assert.Equal(t, tasksync.PhaseConfirming, s.Phase())

	cancel()
	select {
	case err := <-second:
		require.ErrorIs(t, err, context.Canceled)
	case <-time.After(waitFor):
		t.Fatal("queued toggle ignored cancellation")
	}
	assert.Equal(t, []string{"submit toggle 1"}, fake.Calls())
	assert.True(t, s.Snapshot().Loading, "first toggle is still confirming")
	assert.Equal(t, tasksync.PhaseConfirming, s.Phase())

	fake.ConfirmGate <- struct{}{}
	require.NoError(t, <-first)
	snap := s.Snapshot()
	assert.False(t, snap.Loading)
	assert.True(t, snap.Tasks[0].Completed)
	assert.False(t, snap.Tasks[1].Completed)
	assert.Equal(t, tasksync.PhaseIdle, s.Phase())
}

func TestReloadKeepsMutationPhase(t *testing.T) {
	fake := testutil.NewFakeLedger()
	fake.AddTask("a", false)
	s := initialized(t, fake)
	fake.ConfirmGate = make(chan struct{})

	done := make(chan error, 1)
	go func() { done <- s.ToggleCompleted(context.Background(), 1) }()
	require.Eventually(t, func() bool { return s.Phase() == tasksync.PhaseConfirming }, waitFor, time.Millisecond)

	require.NoError(t, s.Reload(context.Background()))
	assert.Equal(t, tasksync.PhaseConfirming, s.Phase())
	assert.True(t, s.Snapshot().Loading)

	fake.ConfirmGate <- struct{}{}
	require.NoError(t, <-done)
	assert.Equal(t, tasksync.PhaseIdle, s.Phase())
}
