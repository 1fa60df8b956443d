// Package commitlog serializes all state changes through a single
// version counter. Every mutation is validated, durably appended, and
// only then applied in memory and fanned out to subscribers, so the
// in-memory tree never runs ahead of the durable log.
package commitlog

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/pideck/pideck/internal/common/logger"
	"github.com/pideck/pideck/internal/common/tracing"
	"github.com/pideck/pideck/internal/events/bus"
	"github.com/pideck/pideck/internal/state"
	"github.com/pideck/pideck/internal/store"
	"github.com/pideck/pideck/pkg/protocol"
)

// degradeAfterFailures is the number of consecutive append failures
// before the log reports itself degraded and the gateway starts
// rejecting mutating commands.
const degradeAfterFailures = 3

// ErrDegraded wraps append failures once the circuit is open.
var ErrDegraded = errors.New("commitlog: persistence degraded")

// Subscriber receives committed deltas in version order. Handlers run
// inside the commit region and must never block; the gateway enqueues
// into bounded per-client queues and disconnects clients that fall
// behind instead of blocking here.
type Subscriber func(delta protocol.Delta)

// Options configures snapshot cadence and diagnostics.
type Options struct {
	SnapshotEveryDeltas int
	SnapshotInterval    time.Duration
	SlowAppendWarn      time.Duration
}

// Log is the versioned commit log. All mutations flow through Commit;
// the mutex makes stage, append, apply, and fan-out one atomic region.
type Log struct {
	mu    sync.Mutex
	model *state.Model
	store store.Store

	subMu       sync.Mutex
	subscribers map[int]Subscriber
	nextSubID   int

	opts   Options
	logger *logger.Logger
	bus    bus.EventBus

	deltasSinceSnapshot int
	consecutiveFailures int
	degraded            bool

	snapshotCh chan protocol.Snapshot
	done       chan struct{}
	wg         sync.WaitGroup
}

// New loads the durable state into the model and starts the background
// snapshot writer. Returns store.ErrCorrupt (wrapped) when the log
// cannot be reconstructed; the process must not continue in that case.
func New(ctx context.Context, model *state.Model, st store.Store, eventBus bus.EventBus, opts Options, log *logger.Logger) (*Log, error) {
	snap, deltas, err := st.LoadLatest(ctx)
	if err != nil {
		return nil, fmt.Errorf("load state: %w", err)
	}
	if err := model.Load(snap, deltas); err != nil {
		return nil, fmt.Errorf("%w: %v", store.ErrCorrupt, err)
	}

	l := &Log{
		model:       model,
		store:       st,
		subscribers: make(map[int]Subscriber),
		opts:        opts,
		logger:      log.WithFields(zap.String("component", "commitlog")),
		bus:         eventBus,
		snapshotCh:  make(chan protocol.Snapshot, 1),
		done:        make(chan struct{}),
	}

	l.logger.Info("Commit log loaded",
		zap.Uint64("version", model.Version()),
		zap.Int("replayed_deltas", len(deltas)))

	l.wg.Add(2)
	go l.snapshotWriter()
	go l.snapshotTicker()

	return l, nil
}

// Version returns the highest committed version.
func (l *Log) Version() uint64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.model.Version()
}

// Degraded reports whether the append circuit is open. The gateway
// rejects mutating client commands while degraded; agent-driven
// mutations keep attempting commits, and the first success closes the
// circuit.
func (l *Log) Degraded() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.degraded
}

// CurrentState returns a deep copy of the tree at its current version.
func (l *Log) CurrentState() *protocol.GlobalState {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.model.Snapshot()
}

// Subscribe registers an ordered delta consumer and returns an
// unsubscribe function.
func (l *Log) Subscribe(sub Subscriber) func() {
	l.subMu.Lock()
	defer l.subMu.Unlock()
	id := l.nextSubID
	l.nextSubID++
	l.subscribers[id] = sub
	return func() {
		l.subMu.Lock()
		defer l.subMu.Unlock()
		delete(l.subscribers, id)
	}
}

// Commit validates, durably appends, applies, and broadcasts one
// mutation. On success the returned delta carries the assigned version.
// Rejections from staging come back unwrapped so callers can classify
// them with state.IsIgnored.
func (l *Log) Commit(ctx context.Context, mut protocol.Mutation) (protocol.Delta, error) {
	ctx, span := tracing.Tracer("commitlog").Start(ctx, "commit."+string(mut.Kind))
	defer span.End()

	l.mu.Lock()
	defer l.mu.Unlock()

	staged, err := l.model.Stage(mut)
	if err != nil {
		return protocol.Delta{}, err
	}

	version := l.model.Version() + 1
	start := time.Now()
	if err := l.store.Append(ctx, version, staged.WorkspaceID, staged); err != nil {
		l.appendFailed(ctx, version, err)
		if l.degraded {
			return protocol.Delta{}, fmt.Errorf("%w: %v", ErrDegraded, err)
		}
		return protocol.Delta{}, fmt.Errorf("append version %d: %w", version, err)
	}
	if elapsed := time.Since(start); elapsed > l.opts.SlowAppendWarn && l.opts.SlowAppendWarn > 0 {
		l.logger.Warn("Slow delta append",
			zap.Uint64("version", version),
			zap.Duration("elapsed", elapsed))
	}
	l.appendSucceeded(ctx)

	l.model.Commit(version, staged)
	delta := protocol.Delta{Version: version, Mutation: staged}

	l.deltasSinceSnapshot++
	if l.deltasSinceSnapshot >= l.opts.SnapshotEveryDeltas {
		l.scheduleSnapshotLocked()
	}

	// Fan out inside the commit region so subscribers observe deltas in
	// version order with no interleaving.
	l.broadcast(delta)

	return delta, nil
}

// CommitAll commits mutations in sequence, stopping at the first
// non-ignored failure. Used for multi-step operations like workspace
// open (create + default slot).
func (l *Log) CommitAll(ctx context.Context, muts ...protocol.Mutation) ([]protocol.Delta, error) {
	deltas := make([]protocol.Delta, 0, len(muts))
	for _, mut := range muts {
		d, err := l.Commit(ctx, mut)
		if err != nil {
			if state.IsIgnored(err) {
				continue
			}
			return deltas, err
		}
		deltas = append(deltas, d)
	}
	return deltas, nil
}

// SnapshotNow synchronously writes a snapshot of the current state.
func (l *Log) SnapshotNow(ctx context.Context) error {
	l.mu.Lock()
	snap := protocol.Snapshot{Version: l.model.Version(), State: l.model.Snapshot()}
	l.deltasSinceSnapshot = 0
	l.mu.Unlock()

	if snap.Version == 0 {
		return nil
	}
	return l.store.WriteSnapshot(ctx, snap)
}

// Close stops background work and writes a final snapshot so restart
// replays as little as possible.
func (l *Log) Close(ctx context.Context) error {
	close(l.done)
	l.wg.Wait()
	return l.SnapshotNow(ctx)
}

func (l *Log) broadcast(delta protocol.Delta) {
	l.subMu.Lock()
	defer l.subMu.Unlock()
	for _, sub := range l.subscribers {
		sub(delta)
	}
}

func (l *Log) appendFailed(ctx context.Context, version uint64, err error) {
	l.consecutiveFailures++
	l.logger.Error("Delta append failed",
		zap.Uint64("version", version),
		zap.Int("consecutive_failures", l.consecutiveFailures),
		zap.Error(err))

	if l.consecutiveFailures >= degradeAfterFailures && !l.degraded {
		l.degraded = true
		l.logger.Error("Persistence degraded, rejecting mutating commands")
		l.publishPersistenceState(ctx, true)
	}
}

func (l *Log) appendSucceeded(ctx context.Context) {
	if l.degraded {
		l.degraded = false
		l.logger.Info("Persistence recovered")
		l.publishPersistenceState(ctx, false)
	}
	l.consecutiveFailures = 0
}

func (l *Log) publishPersistenceState(ctx context.Context, degraded bool) {
	if l.bus == nil {
		return
	}
	ev := bus.NewEvent("persistence_state", "", map[string]any{"degraded": degraded})
	if err := l.bus.Publish(ctx, bus.SubjectPersistenceState, ev); err != nil {
		l.logger.Warn("Failed to publish persistence state", zap.Error(err))
	}
}

// scheduleSnapshotLocked clones the tree under the commit lock and hands
// it to the background writer. At most one snapshot is in flight; a
// pending one is simply superseded by the next trigger.
func (l *Log) scheduleSnapshotLocked() {
	snap := protocol.Snapshot{Version: l.model.Version(), State: l.model.Snapshot()}
	select {
	case l.snapshotCh <- snap:
		l.deltasSinceSnapshot = 0
	default:
	}
}

func (l *Log) snapshotWriter() {
	defer l.wg.Done()
	for {
		select {
		case snap := <-l.snapshotCh:
			ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
			err := l.store.WriteSnapshot(ctx, snap)
			cancel()
			if err != nil {
				// Not fatal: the delta log is intact, restart just
				// replays more.
				l.logger.Error("Snapshot write failed",
					zap.Uint64("version", snap.Version),
					zap.Error(err))
				continue
			}
			l.logger.Debug("Snapshot written", zap.Uint64("version", snap.Version))
		case <-l.done:
			return
		}
	}
}

func (l *Log) snapshotTicker() {
	defer l.wg.Done()
	if l.opts.SnapshotInterval <= 0 {
		return
	}
	ticker := time.NewTicker(l.opts.SnapshotInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			l.mu.Lock()
			if l.deltasSinceSnapshot > 0 {
				l.scheduleSnapshotLocked()
			}
			l.mu.Unlock()
		case <-l.done:
			return
		}
	}
}
