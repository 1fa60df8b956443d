// Package workspace owns workspace and slot lifecycle: opening
// directories, spawning agent adapters per slot, and bridging the
// plans/jobs/sessions provider into state mutations.
package workspace

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/pideck/pideck/internal/agent"
	apperrors "github.com/pideck/pideck/internal/common/errors"
	"github.com/pideck/pideck/internal/common/logger"
	"github.com/pideck/pideck/internal/events/bus"
	"github.com/pideck/pideck/pkg/protocol"
)

// closeStreamingWait bounds how long CloseWorkspace waits for an
// aborted turn to wind down before tearing the adapter down anyway.
const closeStreamingWait = 5 * time.Second

// ErrPathNotAllowed is returned when the requested directory falls
// outside the configured allow-list.
var ErrPathNotAllowed = apperrors.Forbidden("path is outside the allowed workspace roots")

// Lookup sentinels, matched with errors.Is by the gateway to pick wire
// error codes.
var (
	ErrUnknownWorkspace = errors.New("unknown workspace")
	ErrUnknownSlot      = errors.New("unknown slot")
)

// Provider feeds plans, jobs, and session listings for one workspace
// into the commit log.
type Provider interface {
	Start(ctx context.Context) error
	// Refresh forces a session-listing rescan (after agentEnd).
	Refresh()
	Stop()
}

// ProviderFactory creates a provider bound to one workspace directory.
// liveSessionFiles snapshots the transcript files the workspace's slots
// are currently bound to.
type ProviderFactory func(workspaceID, path string, committer agent.Committer,
	liveSessionFiles func() []string) (Provider, error)

// Registry is the process-wide owner of workspaces.
type Registry struct {
	committer       agent.Committer
	sessionFactory  agent.SessionFactory
	providerFactory ProviderFactory
	eventBus        bus.EventBus
	allowedRoots    []string
	logger          *logger.Logger

	mu     sync.Mutex
	byID   map[string]*workspaceEntry
	byPath map[string]*workspaceEntry
}

type workspaceEntry struct {
	id   string
	path string

	// mu serializes slot lifecycle within one workspace, including the
	// startup race of concurrent default-slot creation.
	mu       sync.Mutex
	slots    map[string]*agent.Adapter
	provider Provider
	runCtx   context.Context
	cancel   context.CancelFunc

	opened chan struct{} // closed once the open sequence committed
	err    error         // open failure, readable after opened closes
}

// NewRegistry creates a registry.
func NewRegistry(committer agent.Committer, sessions agent.SessionFactory, providers ProviderFactory,
	eventBus bus.EventBus, allowedRoots []string, log *logger.Logger) *Registry {
	return &Registry{
		committer:       committer,
		sessionFactory:  sessions,
		providerFactory: providers,
		eventBus:        eventBus,
		allowedRoots:    allowedRoots,
		logger:          log.WithFields(zap.String("component", "workspace_registry")),
		byID:            make(map[string]*workspaceEntry),
		byPath:          make(map[string]*workspaceEntry),
	}
}

// OpenWorkspace opens the directory as a workspace, creating the
// default slot and its adapter. Idempotent per path: concurrent and
// repeated opens of the same directory return the same workspace id.
func (r *Registry) OpenWorkspace(ctx context.Context, path string) (string, error) {
	resolved, err := r.resolvePath(path)
	if err != nil {
		return "", err
	}

	r.mu.Lock()
	if entry, ok := r.byPath[resolved]; ok {
		r.mu.Unlock()
		// Another caller may still be mid-open; wait for its outcome.
		select {
		case <-entry.opened:
		case <-ctx.Done():
			return "", ctx.Err()
		}
		if entry.err != nil {
			return "", entry.err
		}
		return entry.id, nil
	}

	entry := &workspaceEntry{
		id:     uuid.New().String(),
		path:   resolved,
		slots:  make(map[string]*agent.Adapter),
		opened: make(chan struct{}),
	}
	r.byID[entry.id] = entry
	r.byPath[resolved] = entry
	r.mu.Unlock()

	entry.err = r.open(ctx, entry)
	close(entry.opened)
	if entry.err != nil {
		r.mu.Lock()
		delete(r.byID, entry.id)
		delete(r.byPath, resolved)
		r.mu.Unlock()
		return "", entry.err
	}
	return entry.id, nil
}

func (r *Registry) open(ctx context.Context, entry *workspaceEntry) error {
	entry.mu.Lock()
	defer entry.mu.Unlock()

	if _, err := r.committer.CommitAll(ctx,
		protocol.NewWorkspaceCreate(entry.id, entry.path, filepath.Base(entry.path)),
		protocol.NewSlotCreate(entry.id, protocol.DefaultSlotID),
	); err != nil {
		return fmt.Errorf("open workspace %s: %w", entry.path, err)
	}

	runCtx, cancel := context.WithCancel(context.Background())
	entry.runCtx = runCtx
	entry.cancel = cancel

	if err := r.spawnAdapterLocked(runCtx, entry, protocol.DefaultSlotID); err != nil {
		cancel()
		return err
	}

	if r.providerFactory != nil {
		provider, err := r.providerFactory(entry.id, entry.path, r.committer, entry.liveSessionFiles)
		if err != nil {
			r.logger.Warn("Provider unavailable for workspace",
				zap.String("path", entry.path), zap.Error(err))
		} else {
			entry.provider = provider
			if err := provider.Start(runCtx); err != nil {
				r.logger.Warn("Provider failed to start",
					zap.String("path", entry.path), zap.Error(err))
				entry.provider = nil
			}
		}
	}

	r.publish(ctx, bus.SubjectWorkspaceOpened, "workspace_opened", entry.id,
		map[string]any{"path": entry.path})
	r.logger.Info("Workspace opened",
		zap.String("workspace_id", entry.id),
		zap.String("path", entry.path))
	return nil
}

func (r *Registry) spawnAdapterLocked(runCtx context.Context, entry *workspaceEntry, slotID string) error {
	session, err := r.sessionFactory(entry.path, slotID)
	if err != nil {
		return fmt.Errorf("spawn agent session: %w", err)
	}
	adapter := agent.NewAdapter(entry.id, slotID, session, r.committer, agent.Hooks{
		OnAgentEnd: func() {
			if entry.provider != nil {
				entry.provider.Refresh()
			}
		},
	}, r.logger)
	entry.slots[slotID] = adapter
	go adapter.Run(runCtx)
	return nil
}

// CloseWorkspace aborts every slot's agent, waits for in-flight turns
// to end, clears pending UI, and commits WorkspaceClose.
func (r *Registry) CloseWorkspace(ctx context.Context, wsID string) error {
	r.mu.Lock()
	entry, ok := r.byID[wsID]
	if !ok {
		r.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrUnknownWorkspace, wsID)
	}
	delete(r.byID, wsID)
	delete(r.byPath, entry.path)
	r.mu.Unlock()

	// Wait out a concurrent open so the provider field is settled, then
	// stop the provider before taking the workspace lock: its refresh
	// loop reads slot bindings under that same lock.
	select {
	case <-entry.opened:
	case <-ctx.Done():
		return ctx.Err()
	}
	if entry.provider != nil {
		entry.provider.Stop()
	}

	entry.mu.Lock()
	defer entry.mu.Unlock()

	// Close interrupts streaming: abort first, then give the agents a
	// bounded window to emit their final agentEnd before tear-down.
	for _, adapter := range entry.slots {
		_ = adapter.Abort(ctx)
	}
	deadline := time.Now().Add(closeStreamingWait)
	for _, adapter := range entry.slots {
		for adapter.IsStreaming() && time.Now().Before(deadline) {
			time.Sleep(10 * time.Millisecond)
		}
	}

	stopCtx, cancel := context.WithTimeout(ctx, closeStreamingWait)
	defer cancel()
	for _, adapter := range entry.slots {
		adapter.Stop(stopCtx)
	}
	if entry.cancel != nil {
		entry.cancel()
	}

	if _, err := r.committer.Commit(ctx, protocol.NewWorkspaceClose(wsID)); err != nil {
		return err
	}

	r.publish(ctx, bus.SubjectWorkspaceClosed, "workspace_closed", wsID,
		map[string]any{"path": entry.path})
	r.logger.Info("Workspace closed", zap.String("workspace_id", wsID))
	return nil
}

// CreateSlot adds an agent slot to the workspace. Idempotent for an
// existing slot id.
func (r *Registry) CreateSlot(ctx context.Context, wsID, slotID string) error {
	entry, err := r.entry(wsID)
	if err != nil {
		return err
	}

	entry.mu.Lock()
	defer entry.mu.Unlock()

	if _, ok := entry.slots[slotID]; ok {
		return nil
	}
	if _, err := r.committer.Commit(ctx, protocol.NewSlotCreate(wsID, slotID)); err != nil {
		return err
	}
	runCtx := entry.runCtx
	if runCtx == nil {
		runCtx = context.Background()
	}
	return r.spawnAdapterLocked(runCtx, entry, slotID)
}

// DeleteSlot stops the slot's agent and removes it. The default slot
// cannot be deleted; the state model rejects the mutation.
func (r *Registry) DeleteSlot(ctx context.Context, wsID, slotID string) error {
	entry, err := r.entry(wsID)
	if err != nil {
		return err
	}

	entry.mu.Lock()
	defer entry.mu.Unlock()

	if _, err := r.committer.Commit(ctx, protocol.NewSlotDelete(wsID, slotID)); err != nil {
		return err
	}
	if adapter, ok := entry.slots[slotID]; ok {
		stopCtx, cancel := context.WithTimeout(ctx, closeStreamingWait)
		adapter.Stop(stopCtx)
		cancel()
		delete(entry.slots, slotID)
	}
	return nil
}

// Adapter returns the adapter for a slot, for command routing.
func (r *Registry) Adapter(wsID, slotID string) (*agent.Adapter, error) {
	entry, err := r.entry(wsID)
	if err != nil {
		return nil, err
	}
	entry.mu.Lock()
	defer entry.mu.Unlock()
	adapter, ok := entry.slots[slotID]
	if !ok {
		return nil, fmt.Errorf("%w: %s/%s", ErrUnknownSlot, wsID, slotID)
	}
	return adapter, nil
}

// WorkspacePath returns the directory a workspace id maps to.
func (r *Registry) WorkspacePath(wsID string) (string, error) {
	entry, err := r.entry(wsID)
	if err != nil {
		return "", err
	}
	return entry.path, nil
}

// CloseAll closes every open workspace in parallel; used on shutdown,
// where each close may wait out a streaming turn.
func (r *Registry) CloseAll(ctx context.Context) {
	r.mu.Lock()
	ids := make([]string, 0, len(r.byID))
	for id := range r.byID {
		ids = append(ids, id)
	}
	r.mu.Unlock()

	var g errgroup.Group
	for _, id := range ids {
		g.Go(func() error {
			if err := r.CloseWorkspace(ctx, id); err != nil {
				r.logger.Warn("Failed to close workspace on shutdown",
					zap.String("workspace_id", id), zap.Error(err))
			}
			return nil
		})
	}
	_ = g.Wait()
}

// liveSessionFiles snapshots the session file each live slot is bound
// to, for the provider's session-listing filter.
func (e *workspaceEntry) liveSessionFiles() []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	files := make([]string, 0, len(e.slots))
	for _, adapter := range e.slots {
		if f := adapter.SessionFile(); f != "" {
			files = append(files, f)
		}
	}
	return files
}

func (r *Registry) entry(wsID string) (*workspaceEntry, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	entry, ok := r.byID[wsID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownWorkspace, wsID)
	}
	return entry, nil
}

// resolvePath canonicalizes the path, requires it to be an existing
// directory, and enforces the allow-list (empty list allows any path).
func (r *Registry) resolvePath(path string) (string, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return "", apperrors.BadRequest(fmt.Sprintf("invalid path %q", path))
	}
	abs = filepath.Clean(abs)

	info, err := os.Stat(abs)
	if err != nil || !info.IsDir() {
		return "", apperrors.BadRequest(fmt.Sprintf("not a directory: %s", abs))
	}

	if len(r.allowedRoots) == 0 {
		return abs, nil
	}
	for _, root := range r.allowedRoots {
		if abs == root || strings.HasPrefix(abs, root+string(filepath.Separator)) {
			return abs, nil
		}
	}
	return "", ErrPathNotAllowed
}

func (r *Registry) publish(ctx context.Context, subject, eventType, wsID string, data map[string]any) {
	if r.eventBus == nil {
		return
	}
	if err := r.eventBus.Publish(ctx, subject, bus.NewEvent(eventType, wsID, data)); err != nil {
		r.logger.Warn("Failed to publish workspace event", zap.Error(err))
	}
}
