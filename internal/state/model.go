// Package state holds the authoritative in-memory state tree and the
// validation/apply logic for mutations. The model is not safe for
// concurrent use; the commit log serializes all access.
package state

import (
	"errors"
	"fmt"
	"path/filepath"

	"go.uber.org/zap"

	"github.com/pideck/pideck/internal/common/logger"
	"github.com/pideck/pideck/pkg/protocol"
)

// RejectReason classifies why a mutation was not applied.
type RejectReason int

const (
	// RejectIgnored marks an idempotent no-op (e.g. ToolUpdate for an
	// unknown tool call). Not an error condition; the version does not
	// advance.
	RejectIgnored RejectReason = iota

	// RejectInvalid marks a state-machine violation (e.g. a second
	// pending UI). Reported to the originating client as a protocol
	// error; the version does not advance.
	RejectInvalid
)

// RejectError is returned by Stage when a mutation cannot be applied.
type RejectError struct {
	Reason RejectReason
	Kind   protocol.MutationKind
	Detail string
}

func (e *RejectError) Error() string {
	return fmt.Sprintf("mutation %s rejected: %s", e.Kind, e.Detail)
}

// IsIgnored reports whether err is an idempotent-no-op rejection.
func IsIgnored(err error) bool {
	re, ok := err.(*RejectError)
	return ok && re.Reason == RejectIgnored
}

// IsRejection reports whether err is any staging rejection, as opposed
// to a persistence or transport failure.
func IsRejection(err error) bool {
	var re *RejectError
	return errors.As(err, &re)
}

func ignored(kind protocol.MutationKind, format string, args ...any) error {
	return &RejectError{Reason: RejectIgnored, Kind: kind, Detail: fmt.Sprintf(format, args...)}
}

func invalid(kind protocol.MutationKind, format string, args ...any) error {
	return &RejectError{Reason: RejectInvalid, Kind: kind, Detail: fmt.Sprintf(format, args...)}
}

// Model owns the state tree. Stage validates a mutation against the
// current tree without mutating it; Commit applies a previously staged
// mutation and cannot fail. The split lets the commit log make the
// durable write between validation and the in-memory change, so the tree
// never reflects a mutation that failed to persist.
type Model struct {
	state  *protocol.GlobalState
	logger *logger.Logger
}

// NewModel creates an empty model at version 0.
func NewModel(log *logger.Logger) *Model {
	return &Model{
		state:  protocol.NewGlobalState(),
		logger: log.WithFields(zap.String("component", "state_model")),
	}
}

// Version returns the version of the last applied mutation.
func (m *Model) Version() uint64 {
	return m.state.Version
}

// Snapshot returns a deep copy of the current tree for persistence or
// catch-up reads.
func (m *Model) Snapshot() *protocol.GlobalState {
	return m.state.Clone()
}

// Workspace returns the workspace record, or nil. Callers must not
// mutate the result outside the commit worker.
func (m *Model) Workspace(wsID string) *protocol.Workspace {
	return m.state.Workspaces[wsID]
}

// Load replaces the tree from a snapshot and replays deltas in order.
// Deterministic: the same inputs always produce the same tree. A delta
// that fails to stage means the durable log is inconsistent.
func (m *Model) Load(snap *protocol.Snapshot, deltas []protocol.Delta) error {
	if snap != nil {
		m.state = snap.State.Clone()
		m.state.Version = snap.Version
	} else {
		m.state = protocol.NewGlobalState()
	}

	for _, d := range deltas {
		if d.Version != m.state.Version+1 {
			return fmt.Errorf("replay: expected version %d, got %d", m.state.Version+1, d.Version)
		}
		staged, err := m.Stage(d.Mutation)
		if err != nil {
			return fmt.Errorf("replay version %d: %w", d.Version, err)
		}
		m.Commit(d.Version, staged)
	}
	return nil
}

// Stage validates mut against the invariants and returns its canonical
// form. It never mutates the tree.
func (m *Model) Stage(mut protocol.Mutation) (protocol.Mutation, error) {
	switch mut.Kind {
	case protocol.KindWorkspaceCreate:
		var p protocol.WorkspaceCreatePayload
		if err := mut.DecodePayload(&p); err != nil {
			return mut, invalid(mut.Kind, "%v", err)
		}
		if _, ok := m.state.Workspaces[mut.WorkspaceID]; ok {
			return mut, ignored(mut.Kind, "workspace %s already open", mut.WorkspaceID)
		}
		if p.Path == "" {
			return mut, invalid(mut.Kind, "empty path")
		}
		// Canonicalize the derived name from the path basename.
		if p.Name == "" {
			p.Name = filepath.Base(p.Path)
			return protocol.NewWorkspaceCreate(mut.WorkspaceID, p.Path, p.Name), nil
		}
		return mut, nil

	case protocol.KindWorkspaceClose:
		if _, ok := m.state.Workspaces[mut.WorkspaceID]; !ok {
			return mut, ignored(mut.Kind, "workspace %s not open", mut.WorkspaceID)
		}
		return mut, nil

	case protocol.KindSlotCreate:
		ws, ok := m.state.Workspaces[mut.WorkspaceID]
		if !ok {
			return mut, invalid(mut.Kind, "unknown workspace %s", mut.WorkspaceID)
		}
		if _, ok := ws.Slots[mut.SlotID]; ok {
			return mut, ignored(mut.Kind, "slot %s already exists", mut.SlotID)
		}
		if mut.SlotID == "" {
			return mut, invalid(mut.Kind, "empty slot id")
		}
		return mut, nil

	case protocol.KindSlotDelete:
		if mut.SlotID == protocol.DefaultSlotID {
			return mut, invalid(mut.Kind, "the default slot cannot be deleted")
		}
		if _, err := m.slot(mut); err != nil {
			return mut, err
		}
		return mut, nil

	case protocol.KindSlotUpdate:
		if _, err := m.slot(mut); err != nil {
			return mut, err
		}
		var p protocol.SlotPatch
		if err := mut.DecodePayload(&p); err != nil {
			return mut, invalid(mut.Kind, "%v", err)
		}
		return mut, nil

	case protocol.KindMessagesAppend:
		slot, err := m.slot(mut)
		if err != nil {
			return mut, err
		}
		var p protocol.MessagesPayload
		if err := mut.DecodePayload(&p); err != nil {
			return mut, invalid(mut.Kind, "%v", err)
		}
		seen := make(map[string]bool, len(slot.Messages))
		for _, existing := range slot.Messages {
			seen[existing.ID] = true
		}
		for _, msg := range p.Messages {
			if msg.ID == "" {
				return mut, invalid(mut.Kind, "message without id")
			}
			if seen[msg.ID] {
				return mut, invalid(mut.Kind, "message %s already present", msg.ID)
			}
			seen[msg.ID] = true
		}
		return mut, nil

	case protocol.KindMessagesReplace:
		if _, err := m.slot(mut); err != nil {
			return mut, err
		}
		var p protocol.MessagesPayload
		if err := mut.DecodePayload(&p); err != nil {
			return mut, invalid(mut.Kind, "%v", err)
		}
		return mut, nil

	case protocol.KindStreamingDelta:
		if _, err := m.slot(mut); err != nil {
			return mut, err
		}
		var p protocol.StreamingDeltaPayload
		if err := mut.DecodePayload(&p); err != nil {
			return mut, invalid(mut.Kind, "%v", err)
		}
		if p.Channel != protocol.StreamText && p.Channel != protocol.StreamThinking {
			return mut, invalid(mut.Kind, "unknown channel %q", p.Channel)
		}
		return mut, nil

	case protocol.KindStreamingClear:
		if _, err := m.slot(mut); err != nil {
			return mut, err
		}
		return mut, nil

	case protocol.KindToolStart:
		slot, err := m.slot(mut)
		if err != nil {
			return mut, err
		}
		var p protocol.ToolStartPayload
		if err := mut.DecodePayload(&p); err != nil {
			return mut, invalid(mut.Kind, "%v", err)
		}
		if p.Execution.ID == "" {
			return mut, invalid(mut.Kind, "tool execution without id")
		}
		if findTool(slot, p.Execution.ID) >= 0 {
			return mut, ignored(mut.Kind, "tool %s already running", p.Execution.ID)
		}
		return mut, nil

	case protocol.KindToolUpdate:
		slot, err := m.slot(mut)
		if err != nil {
			return mut, err
		}
		var p protocol.ToolUpdatePayload
		if err := mut.DecodePayload(&p); err != nil {
			return mut, invalid(mut.Kind, "%v", err)
		}
		if findTool(slot, p.ToolCallID) < 0 {
			return mut, ignored(mut.Kind, "unknown tool call %s", p.ToolCallID)
		}
		return mut, nil

	case protocol.KindToolEnd:
		slot, err := m.slot(mut)
		if err != nil {
			return mut, err
		}
		var p protocol.ToolEndPayload
		if err := mut.DecodePayload(&p); err != nil {
			return mut, invalid(mut.Kind, "%v", err)
		}
		if findTool(slot, p.ToolCallID) < 0 {
			return mut, ignored(mut.Kind, "unknown tool call %s", p.ToolCallID)
		}
		return mut, nil

	case protocol.KindPendingUISet:
		slot, err := m.slot(mut)
		if err != nil {
			return mut, err
		}
		var p protocol.PendingUISetPayload
		if err := mut.DecodePayload(&p); err != nil {
			return mut, invalid(mut.Kind, "%v", err)
		}
		if p.PendingUI != nil && slot.PendingUI != nil {
			if slot.PendingUI.ID == p.PendingUI.ID {
				return mut, ignored(mut.Kind, "pending UI %s already set", p.PendingUI.ID)
			}
			return mut, invalid(mut.Kind,
				"pending UI %s still awaiting a response", slot.PendingUI.ID)
		}
		return mut, nil

	case protocol.KindSessionsUpdate, protocol.KindPlansUpdate, protocol.KindJobsUpdate,
		protocol.KindActivePlanUpdate, protocol.KindActiveJobsUpdate, protocol.KindPaneUIUpdate:
		if _, ok := m.state.Workspaces[mut.WorkspaceID]; !ok {
			return mut, invalid(mut.Kind, "unknown workspace %s", mut.WorkspaceID)
		}
		return mut, nil

	case protocol.KindQueuedMessagesUpdate:
		if _, err := m.slot(mut); err != nil {
			return mut, err
		}
		return mut, nil

	case protocol.KindUIStateUpdate:
		var p protocol.UIStatePatch
		if err := mut.DecodePayload(&p); err != nil {
			return mut, invalid(mut.Kind, "%v", err)
		}
		return mut, nil

	default:
		m.logger.Warn("Unknown mutation kind", zap.String("kind", string(mut.Kind)))
		return mut, invalid(mut.Kind, "unknown mutation kind")
	}
}

// Commit applies a staged mutation at the given version. The mutation
// must have been staged against the current tree; Commit cannot fail.
func (m *Model) Commit(version uint64, mut protocol.Mutation) {
	switch mut.Kind {
	case protocol.KindWorkspaceCreate:
		var p protocol.WorkspaceCreatePayload
		_ = mut.DecodePayload(&p)
		m.state.Workspaces[mut.WorkspaceID] = &protocol.Workspace{
			ID:    mut.WorkspaceID,
			Path:  p.Path,
			Name:  p.Name,
			Slots: make(map[string]*protocol.Slot),
		}

	case protocol.KindWorkspaceClose:
		delete(m.state.Workspaces, mut.WorkspaceID)

	case protocol.KindSlotCreate:
		ws := m.state.Workspaces[mut.WorkspaceID]
		ws.Slots[mut.SlotID] = &protocol.Slot{ID: mut.SlotID}

	case protocol.KindSlotDelete:
		ws := m.state.Workspaces[mut.WorkspaceID]
		delete(ws.Slots, mut.SlotID)

	case protocol.KindSlotUpdate:
		var p protocol.SlotPatch
		_ = mut.DecodePayload(&p)
		m.applySlotPatch(m.mustSlot(mut), p)

	case protocol.KindMessagesAppend:
		var p protocol.MessagesPayload
		_ = mut.DecodePayload(&p)
		slot := m.mustSlot(mut)
		slot.Messages = append(slot.Messages, p.Messages...)

	case protocol.KindMessagesReplace:
		var p protocol.MessagesPayload
		_ = mut.DecodePayload(&p)
		m.mustSlot(mut).Messages = p.Messages

	case protocol.KindStreamingDelta:
		var p protocol.StreamingDeltaPayload
		_ = mut.DecodePayload(&p)
		slot := m.mustSlot(mut)
		if p.Channel == protocol.StreamThinking {
			slot.StreamingThinking += p.Delta
		} else {
			slot.StreamingText += p.Delta
		}

	case protocol.KindStreamingClear:
		slot := m.mustSlot(mut)
		slot.StreamingText = ""
		slot.StreamingThinking = ""

	case protocol.KindToolStart:
		var p protocol.ToolStartPayload
		_ = mut.DecodePayload(&p)
		slot := m.mustSlot(mut)
		slot.ActiveTools = append(slot.ActiveTools, p.Execution)

	case protocol.KindToolUpdate:
		var p protocol.ToolUpdatePayload
		_ = mut.DecodePayload(&p)
		slot := m.mustSlot(mut)
		if i := findTool(slot, p.ToolCallID); i >= 0 {
			slot.ActiveTools[i].Result += p.PartialResult
		}

	case protocol.KindToolEnd:
		var p protocol.ToolEndPayload
		_ = mut.DecodePayload(&p)
		m.finishTool(m.mustSlot(mut), p)

	case protocol.KindPendingUISet:
		var p protocol.PendingUISetPayload
		_ = mut.DecodePayload(&p)
		m.mustSlot(mut).PendingUI = p.PendingUI

	case protocol.KindSessionsUpdate:
		var p protocol.SessionsUpdatePayload
		_ = mut.DecodePayload(&p)
		m.state.Workspaces[mut.WorkspaceID].Sessions = p.Sessions

	case protocol.KindPlansUpdate:
		var p protocol.BlobPayload
		_ = mut.DecodePayload(&p)
		m.state.Workspaces[mut.WorkspaceID].Plans = p.Value

	case protocol.KindJobsUpdate:
		var p protocol.BlobPayload
		_ = mut.DecodePayload(&p)
		m.state.Workspaces[mut.WorkspaceID].Jobs = p.Value

	case protocol.KindActivePlanUpdate:
		var p protocol.BlobPayload
		_ = mut.DecodePayload(&p)
		m.state.Workspaces[mut.WorkspaceID].ActivePlan = p.Value

	case protocol.KindActiveJobsUpdate:
		var p protocol.BlobPayload
		_ = mut.DecodePayload(&p)
		m.state.Workspaces[mut.WorkspaceID].ActiveJobs = p.Value

	case protocol.KindPaneUIUpdate:
		var p protocol.PaneUIPayload
		_ = mut.DecodePayload(&p)
		m.state.Workspaces[mut.WorkspaceID].PaneUI = p.PaneUI

	case protocol.KindQueuedMessagesUpdate:
		var p protocol.QueuedMessagesPayload
		_ = mut.DecodePayload(&p)
		slot := m.mustSlot(mut)
		slot.QueuedMessages = protocol.QueuedMessages{Steering: p.Steering, FollowUp: p.FollowUp}

	case protocol.KindUIStateUpdate:
		var p protocol.UIStatePatch
		_ = mut.DecodePayload(&p)
		m.applyUIStatePatch(p)
	}

	m.state.Version = version
}

func (m *Model) slot(mut protocol.Mutation) (*protocol.Slot, error) {
	ws, ok := m.state.Workspaces[mut.WorkspaceID]
	if !ok {
		return nil, invalid(mut.Kind, "unknown workspace %s", mut.WorkspaceID)
	}
	slot, ok := ws.Slots[mut.SlotID]
	if !ok {
		return nil, invalid(mut.Kind, "unknown slot %s/%s", mut.WorkspaceID, mut.SlotID)
	}
	return slot, nil
}

func (m *Model) mustSlot(mut protocol.Mutation) *protocol.Slot {
	slot, err := m.slot(mut)
	if err != nil {
		// Stage ran under the same lock against the same tree.
		panic(fmt.Sprintf("state: commit of unstaged mutation: %v", err))
	}
	return slot
}

func (m *Model) applySlotPatch(slot *protocol.Slot, p protocol.SlotPatch) {
	if p.SessionFile != nil {
		slot.SessionFile = *p.SessionFile
	}
	if p.IsCompacting != nil {
		slot.IsCompacting = *p.IsCompacting
	}
	if p.ModelRef != nil {
		ref := *p.ModelRef
		slot.ModelRef = &ref
	}
	if p.ThinkingLevel != nil {
		slot.ThinkingLevel = *p.ThinkingLevel
	}
	if p.UpsertMessage != nil {
		upsertMessage(slot, *p.UpsertMessage)
	}
	if p.IsStreaming != nil {
		wasStreaming := slot.IsStreaming
		slot.IsStreaming = *p.IsStreaming
		// Streaming buffers never survive the end of a turn.
		if wasStreaming && !slot.IsStreaming {
			slot.StreamingText = ""
			slot.StreamingThinking = ""
		}
	}
}

func upsertMessage(slot *protocol.Slot, msg protocol.Message) {
	for i := range slot.Messages {
		if slot.Messages[i].ID == msg.ID {
			slot.Messages[i] = msg
			return
		}
	}
	slot.Messages = append(slot.Messages, msg)
}

// finishTool removes the execution from activeTools and promotes the
// result into the matching toolCall content of the message that owns it.
func (m *Model) finishTool(slot *protocol.Slot, p protocol.ToolEndPayload) {
	if i := findTool(slot, p.ToolCallID); i >= 0 {
		slot.ActiveTools = append(slot.ActiveTools[:i], slot.ActiveTools[i+1:]...)
	}

	status := protocol.ToolStatusComplete
	if p.IsError {
		status = protocol.ToolStatusError
	}
	for mi := range slot.Messages {
		for ci := range slot.Messages[mi].Content {
			tc := slot.Messages[mi].Content[ci].ToolCall
			if tc != nil && tc.ID == p.ToolCallID {
				tc.Status = status
				tc.Result = p.Result
				tc.IsError = p.IsError
				return
			}
		}
	}
}

func (m *Model) applyUIStatePatch(p protocol.UIStatePatch) {
	ui := &m.state.UIState
	if p.Theme != nil {
		ui.Theme = *p.Theme
	}
	if p.LastActiveWorkspace != nil {
		ui.LastActiveWorkspace = *p.LastActiveWorkspace
	}
	for path, draft := range p.Drafts {
		if ui.Drafts == nil {
			ui.Drafts = make(map[string]string)
		}
		if draft == "" {
			delete(ui.Drafts, path)
		} else {
			ui.Drafts[path] = draft
		}
	}
	for wsID, slotID := range p.LastActiveSession {
		if ui.LastActiveSession == nil {
			ui.LastActiveSession = make(map[string]string)
		}
		ui.LastActiveSession[wsID] = slotID
	}
}

func findTool(slot *protocol.Slot, toolCallID string) int {
	for i, t := range slot.ActiveTools {
		if t.ID == toolCallID {
			return i
		}
	}
	return -1
}
