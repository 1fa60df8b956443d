package agent

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/pideck/pideck/internal/common/logger"
	"github.com/pideck/pideck/internal/state"
	"github.com/pideck/pideck/pkg/protocol"
)

// Committer is the slice of the commit log the adapter needs.
type Committer interface {
	Commit(ctx context.Context, mut protocol.Mutation) (protocol.Delta, error)
	CommitAll(ctx context.Context, muts ...protocol.Mutation) ([]protocol.Delta, error)
}

// Hooks lets the registry react to session milestones without the
// adapter knowing about providers.
type Hooks struct {
	// OnAgentEnd runs after an agentEnd is committed. Session metadata on
	// disk may have changed; the registry refreshes the session listing.
	OnAgentEnd func()
}

// Adapter glues one agent session to the commit log. Events are
// translated on a single goroutine, preserving the session's causal
// order; commands are forwarded to the session without speculative
// state changes.
type Adapter struct {
	workspaceID string
	slotID      string
	session     Session
	committer   Committer
	hooks       Hooks
	logger      *logger.Logger

	mu        sync.Mutex
	streaming bool
	steering  []string
	followUp  []string

	cancel context.CancelFunc
	done   chan struct{}
}

// NewAdapter creates an adapter for one (workspace, slot) pair. Call
// Run to start translating events.
func NewAdapter(workspaceID, slotID string, session Session, committer Committer, hooks Hooks, log *logger.Logger) *Adapter {
	return &Adapter{
		workspaceID: workspaceID,
		slotID:      slotID,
		session:     session,
		committer:   committer,
		hooks:       hooks,
		logger: log.WithWorkspaceID(workspaceID).WithSlotID(slotID).
			WithFields(zap.String("component", "agent_adapter")),
		done: make(chan struct{}),
	}
}

// Run consumes session events until the session terminates or the
// context is cancelled.
func (a *Adapter) Run(ctx context.Context) {
	ctx, a.cancel = context.WithCancel(ctx)
	defer close(a.done)

	for {
		select {
		case ev, ok := <-a.session.Events():
			if !ok {
				return
			}
			a.handleEvent(ctx, ev)
		case <-ctx.Done():
			return
		}
	}
}

// Stop aborts the session, stops the event loop, and waits for it to
// drain.
func (a *Adapter) Stop(ctx context.Context) {
	_ = a.session.Abort(ctx)
	if a.cancel != nil {
		a.cancel()
	}
	select {
	case <-a.done:
	case <-ctx.Done():
	}
	_ = a.session.Close()
}

// Done is closed when the event loop has exited.
func (a *Adapter) Done() <-chan struct{} { return a.done }

// IsStreaming reports whether the session is mid-turn.
func (a *Adapter) IsStreaming() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.streaming
}

// SessionFile reports the transcript file the slot's session is bound
// to. The provider uses it to keep unbound empty transcripts out of
// session listings.
func (a *Adapter) SessionFile() string {
	return a.session.SessionFile()
}

func (a *Adapter) handleEvent(ctx context.Context, ev Event) {
	var err error
	switch ev.Type {
	case EventAgentStart:
		a.mu.Lock()
		a.streaming = true
		a.mu.Unlock()
		on := true
		_, err = a.committer.CommitAll(ctx,
			protocol.NewStreamingClear(a.workspaceID, a.slotID),
			protocol.NewSlotUpdate(a.workspaceID, a.slotID, protocol.SlotPatch{IsStreaming: &on}),
		)

	case EventAgentEnd:
		a.mu.Lock()
		a.streaming = false
		a.mu.Unlock()
		off := false
		// The buffer clear is a delta of its own; clients that only
		// replay deltas see the buffers emptied, not just the flag flip.
		_, err = a.committer.CommitAll(ctx,
			protocol.NewSlotUpdate(a.workspaceID, a.slotID, protocol.SlotPatch{IsStreaming: &off}),
			protocol.NewStreamingClear(a.workspaceID, a.slotID),
		)
		if err == nil {
			a.flushQueued(ctx)
			if a.hooks.OnAgentEnd != nil {
				a.hooks.OnAgentEnd()
			}
		}

	case EventMessageStart:
		if ev.Message != nil {
			_, err = a.committer.Commit(ctx,
				protocol.NewMessagesAppend(a.workspaceID, a.slotID, []protocol.Message{*ev.Message}))
		}

	case EventMessageUpdate:
		_, err = a.committer.Commit(ctx,
			protocol.NewStreamingDelta(a.workspaceID, a.slotID, ev.Channel, ev.Delta))

	case EventMessageEnd:
		if ev.Message != nil {
			_, err = a.committer.CommitAll(ctx,
				protocol.NewSlotUpdate(a.workspaceID, a.slotID, protocol.SlotPatch{UpsertMessage: ev.Message}),
				protocol.NewStreamingClear(a.workspaceID, a.slotID),
			)
		}

	case EventToolStart:
		_, err = a.committer.Commit(ctx, protocol.NewToolStart(a.workspaceID, a.slotID,
			protocol.ToolExecution{
				ID:        ev.ToolCallID,
				Name:      ev.ToolName,
				Args:      ev.ToolArgs,
				Status:    protocol.ToolStatusRunning,
				StartedAt: time.Now().UnixMilli(),
			}))

	case EventToolUpdate:
		_, err = a.committer.Commit(ctx,
			protocol.NewToolUpdate(a.workspaceID, a.slotID, ev.ToolCallID, ev.Partial))

	case EventToolEnd:
		_, err = a.committer.Commit(ctx,
			protocol.NewToolEnd(a.workspaceID, a.slotID, ev.ToolCallID, ev.Result, ev.IsError))

	case EventCompactionStart:
		on := true
		_, err = a.committer.Commit(ctx,
			protocol.NewSlotUpdate(a.workspaceID, a.slotID, protocol.SlotPatch{IsCompacting: &on}))

	case EventCompactionEnd:
		off := false
		_, err = a.committer.Commit(ctx,
			protocol.NewSlotUpdate(a.workspaceID, a.slotID, protocol.SlotPatch{IsCompacting: &off}))
		if err == nil {
			err = a.replaceMessagesFromSession(ctx)
		}

	case EventPendingUI:
		_, err = a.committer.Commit(ctx,
			protocol.NewPendingUISet(a.workspaceID, a.slotID, ev.PendingUI))

	case EventStateChanged:
		patch := protocol.SlotPatch{ModelRef: ev.ModelRef}
		if ev.SessionFile != "" {
			f := ev.SessionFile
			patch.SessionFile = &f
		}
		if ev.ThinkingLevel != "" {
			lvl := ev.ThinkingLevel
			patch.ThinkingLevel = &lvl
		}
		_, err = a.committer.Commit(ctx,
			protocol.NewSlotUpdate(a.workspaceID, a.slotID, patch))

	default:
		a.logger.Warn("Unknown session event", zap.String("type", string(ev.Type)))
	}

	if err != nil && !state.IsIgnored(err) {
		a.logger.Error("Failed to commit session event",
			zap.String("event", string(ev.Type)),
			zap.Error(err))
	}
}

// replaceMessagesFromSession re-reads the session transcript and commits
// a full replacement. Used after compaction and session switches.
func (a *Adapter) replaceMessagesFromSession(ctx context.Context) error {
	msgs, err := a.session.Messages(ctx)
	if err != nil {
		return err
	}
	_, err = a.committer.Commit(ctx, protocol.NewMessagesReplace(a.workspaceID, a.slotID, msgs))
	return err
}

// flushQueued delivers the oldest queued follow-up once the turn ends
// and drops consumed steering entries.
func (a *Adapter) flushQueued(ctx context.Context) {
	a.mu.Lock()
	var next string
	haveNext := len(a.followUp) > 0
	if haveNext {
		next = a.followUp[0]
		a.followUp = a.followUp[1:]
	}
	a.steering = nil
	followUp := append([]string(nil), a.followUp...)
	a.mu.Unlock()
	var steering []string

	if _, err := a.committer.Commit(ctx,
		protocol.NewQueuedMessagesUpdate(a.workspaceID, a.slotID, steering, followUp)); err != nil {
		a.logger.Error("Failed to commit queued messages", zap.Error(err))
	}
	if haveNext {
		if err := a.session.Prompt(ctx, next, nil); err != nil {
			a.logger.Error("Failed to deliver queued follow-up", zap.Error(err))
		}
	}
}

// SendPrompt forwards a user prompt. While streaming it queues as a
// follow-up instead, delivered when the current turn ends.
func (a *Adapter) SendPrompt(ctx context.Context, text string, images []protocol.ImageContent) error {
	a.mu.Lock()
	if a.streaming {
		a.followUp = append(a.followUp, text)
		steering := append([]string(nil), a.steering...)
		followUp := append([]string(nil), a.followUp...)
		a.mu.Unlock()
		_, err := a.committer.Commit(ctx,
			protocol.NewQueuedMessagesUpdate(a.workspaceID, a.slotID, steering, followUp))
		return err
	}
	a.mu.Unlock()
	return a.session.Prompt(ctx, text, images)
}

// Steer injects guidance into the in-flight turn and records it in the
// slot's queued messages.
func (a *Adapter) Steer(ctx context.Context, text string) error {
	a.mu.Lock()
	a.steering = append(a.steering, text)
	steering := append([]string(nil), a.steering...)
	followUp := append([]string(nil), a.followUp...)
	a.mu.Unlock()

	if _, err := a.committer.Commit(ctx,
		protocol.NewQueuedMessagesUpdate(a.workspaceID, a.slotID, steering, followUp)); err != nil {
		return err
	}
	return a.session.Steer(ctx, text)
}

// FollowUp queues a message for delivery after the current turn.
func (a *Adapter) FollowUp(ctx context.Context, text string) error {
	a.mu.Lock()
	a.followUp = append(a.followUp, text)
	steering := append([]string(nil), a.steering...)
	followUp := append([]string(nil), a.followUp...)
	a.mu.Unlock()

	_, err := a.committer.Commit(ctx,
		protocol.NewQueuedMessagesUpdate(a.workspaceID, a.slotID, steering, followUp))
	return err
}

// Abort interrupts the in-flight turn.
func (a *Adapter) Abort(ctx context.Context) error {
	return a.session.Abort(ctx)
}

// SetModel forwards a model change; the session confirms via a
// stateChanged event.
func (a *Adapter) SetModel(ctx context.Context, provider, modelID string) error {
	return a.session.SetModel(ctx, provider, modelID)
}

// SetThinkingLevel forwards a reasoning-effort change.
func (a *Adapter) SetThinkingLevel(ctx context.Context, level protocol.ThinkingLevel) error {
	return a.session.SetThinkingLevel(ctx, level)
}

// NewSession starts a fresh conversation in this slot.
func (a *Adapter) NewSession(ctx context.Context) error {
	if err := a.session.NewSession(ctx); err != nil {
		return err
	}
	return a.replaceMessagesFromSession(ctx)
}

// SwitchSession loads a different on-disk session into this slot.
func (a *Adapter) SwitchSession(ctx context.Context, sessionFile string) error {
	if err := a.session.SwitchSession(ctx, sessionFile); err != nil {
		return err
	}
	f := sessionFile
	if _, err := a.committer.Commit(ctx,
		protocol.NewSlotUpdate(a.workspaceID, a.slotID, protocol.SlotPatch{SessionFile: &f})); err != nil {
		return err
	}
	return a.replaceMessagesFromSession(ctx)
}

// Compact asks the agent to compact its context.
func (a *Adapter) Compact(ctx context.Context, instructions string) error {
	return a.session.Compact(ctx, instructions)
}

// Fork branches the conversation from a prior entry.
func (a *Adapter) Fork(ctx context.Context, entryID string) error {
	return a.session.Fork(ctx, entryID)
}

// Bash runs a shell command through the agent's tool surface.
func (a *Adapter) Bash(ctx context.Context, command string) error {
	return a.session.Bash(ctx, command)
}

// AbortBash interrupts a running bash command.
func (a *Adapter) AbortBash(ctx context.Context) error {
	return a.session.AbortBash(ctx)
}

// RespondToPendingUI resumes the agent with the user's response and
// clears the slot's pending UI.
func (a *Adapter) RespondToPendingUI(ctx context.Context, id string, response json.RawMessage) error {
	if err := a.session.RespondToPendingUI(ctx, id, response); err != nil {
		return err
	}
	_, err := a.committer.Commit(ctx, protocol.NewPendingUISet(a.workspaceID, a.slotID, nil))
	return err
}
