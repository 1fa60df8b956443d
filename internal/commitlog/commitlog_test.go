package commitlog

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pideck/pideck/internal/common/logger"
	"github.com/pideck/pideck/internal/db"
	"github.com/pideck/pideck/internal/state"
	"github.com/pideck/pideck/internal/store"
	"github.com/pideck/pideck/pkg/protocol"
)

func testLogger(t *testing.T) *logger.Logger {
	t.Helper()
	log, err := logger.NewLogger(logger.LoggingConfig{Level: "error", Format: "console"})
	require.NoError(t, err)
	return log
}

func newTestStore(t *testing.T, dir string) store.Store {
	t.Helper()
	pool, err := db.Open(filepath.Join(dir, "sync.db"))
	require.NoError(t, err)
	st, err := store.NewSQLiteStore(pool, 0, testLogger(t))
	require.NoError(t, err)
	return st
}

func newTestLog(t *testing.T, st store.Store, opts Options) *Log {
	t.Helper()
	if opts.SnapshotEveryDeltas == 0 {
		opts.SnapshotEveryDeltas = 1 << 30
	}
	log := testLogger(t)
	l, err := New(context.Background(), state.NewModel(log), st, nil, opts, log)
	require.NoError(t, err)
	return l
}

// flakyStore wraps a real store and fails Append on demand.
type flakyStore struct {
	store.Store
	mu   sync.Mutex
	fail bool
}

func (f *flakyStore) setFail(v bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.fail = v
}

func (f *flakyStore) Append(ctx context.Context, version uint64, wsID string, mut protocol.Mutation) error {
	f.mu.Lock()
	fail := f.fail
	f.mu.Unlock()
	if fail {
		return errors.New("disk on fire")
	}
	return f.Store.Append(ctx, version, wsID, mut)
}

func TestCommitAssignsContiguousVersionsAndFansOutInOrder(t *testing.T) {
	st := newTestStore(t, t.TempDir())
	l := newTestLog(t, st, Options{})
	defer func() { require.NoError(t, l.Close(context.Background())) }()

	var mu sync.Mutex
	var seen []uint64
	unsub := l.Subscribe(func(d protocol.Delta) {
		mu.Lock()
		seen = append(seen, d.Version)
		mu.Unlock()
	})
	defer unsub()

	ctx := context.Background()
	d1, err := l.Commit(ctx, protocol.NewWorkspaceCreate("ws-1", "/tmp/p", "p"))
	require.NoError(t, err)
	d2, err := l.Commit(ctx, protocol.NewSlotCreate("ws-1", protocol.DefaultSlotID))
	require.NoError(t, err)

	assert.Equal(t, uint64(1), d1.Version)
	assert.Equal(t, uint64(2), d2.Version)
	assert.Equal(t, uint64(2), l.Version())

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []uint64{1, 2}, seen)
}

func TestRejectedMutationDoesNotAdvanceVersion(t *testing.T) {
	st := newTestStore(t, t.TempDir())
	l := newTestLog(t, st, Options{})
	defer func() { require.NoError(t, l.Close(context.Background())) }()

	ctx := context.Background()
	_, err := l.Commit(ctx, protocol.NewSlotCreate("nope", "s"))
	require.Error(t, err)
	assert.Equal(t, uint64(0), l.Version())

	// Nothing durable either.
	min, err := st.MinRetainedVersion(ctx)
	require.NoError(t, err)
	assert.Equal(t, uint64(0), min)
}

func TestRestartRestoresCommittedState(t *testing.T) {
	dir := t.TempDir()
	ctx := context.Background()

	st := newTestStore(t, dir)
	l := newTestLog(t, st, Options{})
	_, err := l.CommitAll(ctx,
		protocol.NewWorkspaceCreate("ws-1", "/tmp/p", "p"),
		protocol.NewSlotCreate("ws-1", protocol.DefaultSlotID),
		protocol.NewStreamingDelta("ws-1", protocol.DefaultSlotID, protocol.StreamText, "hi"),
	)
	require.NoError(t, err)
	require.NoError(t, l.Close(ctx))
	require.NoError(t, st.Close())

	st2 := newTestStore(t, dir)
	defer func() { _ = st2.Close() }()
	l2 := newTestLog(t, st2, Options{})
	defer func() { require.NoError(t, l2.Close(ctx)) }()

	assert.Equal(t, uint64(3), l2.Version())
	got := l2.CurrentState()
	require.Contains(t, got.Workspaces, "ws-1")
	assert.Equal(t, "hi", got.Workspaces["ws-1"].Slots[protocol.DefaultSlotID].StreamingText)
}

func TestSnapshotTriggerAfterDeltaCount(t *testing.T) {
	dir := t.TempDir()
	ctx := context.Background()

	st := newTestStore(t, dir)
	l := newTestLog(t, st, Options{SnapshotEveryDeltas: 3})

	_, err := l.CommitAll(ctx,
		protocol.NewWorkspaceCreate("ws-1", "/tmp/p", "p"),
		protocol.NewSlotCreate("ws-1", protocol.DefaultSlotID),
		protocol.NewStreamingDelta("ws-1", protocol.DefaultSlotID, protocol.StreamText, "x"),
	)
	require.NoError(t, err)

	// The background writer picks the snapshot up asynchronously.
	require.Eventually(t, func() bool {
		snap, _, err := st.LoadLatest(ctx)
		return err == nil && snap != nil && snap.Version == 3
	}, 2*time.Second, 10*time.Millisecond)

	require.NoError(t, l.Close(ctx))
}

func TestPersistenceDegradesAfterConsecutiveFailuresAndRecovers(t *testing.T) {
	st := &flakyStore{Store: newTestStore(t, t.TempDir())}
	l := newTestLog(t, st, Options{})
	defer func() { require.NoError(t, l.Close(context.Background())) }()

	ctx := context.Background()
	_, err := l.Commit(ctx, protocol.NewWorkspaceCreate("ws-1", "/tmp/p", "p"))
	require.NoError(t, err)

	st.setFail(true)
	for i := 0; i < 3; i++ {
		_, err := l.Commit(ctx, protocol.NewSlotCreate("ws-1", protocol.DefaultSlotID))
		require.Error(t, err)
	}
	assert.True(t, l.Degraded())
	assert.Equal(t, uint64(1), l.Version())

	// First durable append closes the circuit.
	st.setFail(false)
	d, err := l.Commit(ctx, protocol.NewSlotCreate("ws-1", protocol.DefaultSlotID))
	require.NoError(t, err)
	assert.Equal(t, uint64(2), d.Version)
	assert.False(t, l.Degraded())
}

func TestCurrentStateIsIsolated(t *testing.T) {
	st := newTestStore(t, t.TempDir())
	l := newTestLog(t, st, Options{})
	defer func() { require.NoError(t, l.Close(context.Background())) }()

	ctx := context.Background()
	_, err := l.CommitAll(ctx,
		protocol.NewWorkspaceCreate("ws-1", "/tmp/p", "p"),
		protocol.NewSlotCreate("ws-1", protocol.DefaultSlotID),
	)
	require.NoError(t, err)

	snap := l.CurrentState()
	_, err = l.Commit(ctx, protocol.NewStreamingDelta("ws-1", protocol.DefaultSlotID, protocol.StreamText, "later"))
	require.NoError(t, err)

	assert.Empty(t, snap.Workspaces["ws-1"].Slots[protocol.DefaultSlotID].StreamingText)
}
