package protocol

import (
	"encoding/json"
	"fmt"
)

// MutationKind tags the payload of a mutation. Unknown kinds are carried
// through the codec untouched for forward compatibility; the state model
// rejects them.
type MutationKind string

const (
	KindWorkspaceCreate       MutationKind = "WorkspaceCreate"
	KindWorkspaceClose        MutationKind = "WorkspaceClose"
	KindSlotCreate            MutationKind = "SlotCreate"
	KindSlotDelete            MutationKind = "SlotDelete"
	KindSlotUpdate            MutationKind = "SlotUpdate"
	KindMessagesAppend        MutationKind = "MessagesAppend"
	KindMessagesReplace       MutationKind = "MessagesReplace"
	KindStreamingDelta        MutationKind = "StreamingDelta"
	KindStreamingClear        MutationKind = "StreamingClear"
	KindToolStart             MutationKind = "ToolStart"
	KindToolUpdate            MutationKind = "ToolUpdate"
	KindToolEnd               MutationKind = "ToolEnd"
	KindPendingUISet          MutationKind = "PendingUISet"
	KindSessionsUpdate        MutationKind = "SessionsUpdate"
	KindPlansUpdate           MutationKind = "PlansUpdate"
	KindJobsUpdate            MutationKind = "JobsUpdate"
	KindActivePlanUpdate      MutationKind = "ActivePlanUpdate"
	KindActiveJobsUpdate      MutationKind = "ActiveJobsUpdate"
	KindPaneUIUpdate          MutationKind = "PaneUIUpdate"
	KindQueuedMessagesUpdate  MutationKind = "QueuedMessagesUpdate"
	KindUIStateUpdate         MutationKind = "UIStateUpdate"
)

// Mutation is the smallest atomic state change. WorkspaceID and SlotID
// are empty for global mutations (UIStateUpdate).
type Mutation struct {
	Kind        MutationKind    `json:"kind"`
	WorkspaceID string          `json:"workspaceId,omitempty"`
	SlotID      string          `json:"slotId,omitempty"`
	Payload     json.RawMessage `json:"payload,omitempty"`
}

// Global reports whether the mutation is not scoped to a workspace.
func (m *Mutation) Global() bool { return m.WorkspaceID == "" }

// Delta is a versioned mutation, the unit of the log and the broadcast.
type Delta struct {
	Version  uint64   `json:"version"`
	Mutation Mutation `json:"mutation"`
}

// Snapshot is a version-stamped copy of the complete state.
type Snapshot struct {
	Version uint64       `json:"version"`
	State   *GlobalState `json:"state"`
}

// StreamChannel selects which streaming buffer a delta appends to.
type StreamChannel string

const (
	StreamText     StreamChannel = "text"
	StreamThinking StreamChannel = "thinking"
)

// WorkspaceCreatePayload carries the canonical path of a new workspace.
type WorkspaceCreatePayload struct {
	Path string `json:"path"`
	Name string `json:"name"`
}

// SlotPatch is a partial Slot update; nil fields are left untouched.
// UpsertMessage replaces the message with the same id (or appends it),
// used to swap the streaming placeholder for the finalized message.
type SlotPatch struct {
	SessionFile   *string        `json:"sessionFile,omitempty"`
	IsStreaming   *bool          `json:"isStreaming,omitempty"`
	IsCompacting  *bool          `json:"isCompacting,omitempty"`
	ModelRef      *ModelRef      `json:"modelRef,omitempty"`
	ThinkingLevel *ThinkingLevel `json:"thinkingLevel,omitempty"`
	UpsertMessage *Message       `json:"upsertMessage,omitempty"`
}

// MessagesPayload carries messages for append or full replacement.
type MessagesPayload struct {
	Messages []Message `json:"messages"`
}

// StreamingDeltaPayload carries one incremental chunk; clients reconstruct
// buffers by accumulation.
type StreamingDeltaPayload struct {
	Channel StreamChannel `json:"channel"`
	Delta   string        `json:"delta"`
}

// ToolStartPayload carries the new tool execution.
type ToolStartPayload struct {
	Execution ToolExecution `json:"execution"`
}

// ToolUpdatePayload appends a partial result to a running tool.
type ToolUpdatePayload struct {
	ToolCallID    string `json:"toolCallId"`
	PartialResult string `json:"partialResult"`
}

// ToolEndPayload finalizes a tool execution.
type ToolEndPayload struct {
	ToolCallID string `json:"toolCallId"`
	Result     string `json:"result"`
	IsError    bool   `json:"isError"`
}

// PendingUISetPayload sets or clears (nil) the slot's pending UI.
type PendingUISetPayload struct {
	PendingUI *PendingUI `json:"pendingUI"`
}

// SessionsUpdatePayload replaces the workspace's discoverable sessions.
type SessionsUpdatePayload struct {
	Sessions []SessionInfo `json:"sessions"`
}

// BlobPayload carries an opaque whole-replacement value (plans, jobs).
type BlobPayload struct {
	Value json.RawMessage `json:"value"`
}

// PaneUIPayload replaces the workspace pane view state.
type PaneUIPayload struct {
	PaneUI PaneUI `json:"paneUI"`
}

// QueuedMessagesPayload replaces the slot's queued user input.
type QueuedMessagesPayload struct {
	Steering []string `json:"steering"`
	FollowUp []string `json:"followUp"`
}

// UIStatePatch is a partial UIState update; nil fields are untouched and
// draft entries merge key-by-key (empty string deletes a draft).
type UIStatePatch struct {
	Theme               *string           `json:"theme,omitempty"`
	Drafts              map[string]string `json:"drafts,omitempty"`
	LastActiveWorkspace *string           `json:"lastActiveWorkspace,omitempty"`
	LastActiveSession   map[string]string `json:"lastActiveSession,omitempty"`
}

func mustMarshal(v any) json.RawMessage {
	data, err := json.Marshal(v)
	if err != nil {
		// All payload types marshal cleanly; a failure here is a
		// programming error.
		panic(fmt.Sprintf("protocol: marshal payload: %v", err))
	}
	return data
}

// NewWorkspaceCreate builds a WorkspaceCreate mutation.
func NewWorkspaceCreate(wsID, path, name string) Mutation {
	return Mutation{Kind: KindWorkspaceCreate, WorkspaceID: wsID,
		Payload: mustMarshal(WorkspaceCreatePayload{Path: path, Name: name})}
}

// NewWorkspaceClose builds a WorkspaceClose mutation.
func NewWorkspaceClose(wsID string) Mutation {
	return Mutation{Kind: KindWorkspaceClose, WorkspaceID: wsID}
}

// NewSlotCreate builds a SlotCreate mutation.
func NewSlotCreate(wsID, slotID string) Mutation {
	return Mutation{Kind: KindSlotCreate, WorkspaceID: wsID, SlotID: slotID}
}

// NewSlotDelete builds a SlotDelete mutation.
func NewSlotDelete(wsID, slotID string) Mutation {
	return Mutation{Kind: KindSlotDelete, WorkspaceID: wsID, SlotID: slotID}
}

// NewSlotUpdate builds a partial slot update.
func NewSlotUpdate(wsID, slotID string, patch SlotPatch) Mutation {
	return Mutation{Kind: KindSlotUpdate, WorkspaceID: wsID, SlotID: slotID,
		Payload: mustMarshal(patch)}
}

// NewMessagesAppend builds an append of finalized messages.
func NewMessagesAppend(wsID, slotID string, msgs []Message) Mutation {
	return Mutation{Kind: KindMessagesAppend, WorkspaceID: wsID, SlotID: slotID,
		Payload: mustMarshal(MessagesPayload{Messages: msgs})}
}

// NewMessagesReplace builds a full message-list replacement (session
// switch, compaction).
func NewMessagesReplace(wsID, slotID string, msgs []Message) Mutation {
	return Mutation{Kind: KindMessagesReplace, WorkspaceID: wsID, SlotID: slotID,
		Payload: mustMarshal(MessagesPayload{Messages: msgs})}
}

// NewStreamingDelta builds an incremental streaming chunk.
func NewStreamingDelta(wsID, slotID string, ch StreamChannel, delta string) Mutation {
	return Mutation{Kind: KindStreamingDelta, WorkspaceID: wsID, SlotID: slotID,
		Payload: mustMarshal(StreamingDeltaPayload{Channel: ch, Delta: delta})}
}

// NewStreamingClear builds a clear of both streaming buffers.
func NewStreamingClear(wsID, slotID string) Mutation {
	return Mutation{Kind: KindStreamingClear, WorkspaceID: wsID, SlotID: slotID}
}

// NewToolStart builds a ToolStart mutation.
func NewToolStart(wsID, slotID string, exec ToolExecution) Mutation {
	return Mutation{Kind: KindToolStart, WorkspaceID: wsID, SlotID: slotID,
		Payload: mustMarshal(ToolStartPayload{Execution: exec})}
}

// NewToolUpdate builds a ToolUpdate mutation.
func NewToolUpdate(wsID, slotID, toolCallID, partial string) Mutation {
	return Mutation{Kind: KindToolUpdate, WorkspaceID: wsID, SlotID: slotID,
		Payload: mustMarshal(ToolUpdatePayload{ToolCallID: toolCallID, PartialResult: partial})}
}

// NewToolEnd builds a ToolEnd mutation.
func NewToolEnd(wsID, slotID, toolCallID, result string, isError bool) Mutation {
	return Mutation{Kind: KindToolEnd, WorkspaceID: wsID, SlotID: slotID,
		Payload: mustMarshal(ToolEndPayload{ToolCallID: toolCallID, Result: result, IsError: isError})}
}

// NewPendingUISet builds a PendingUISet mutation; nil clears.
func NewPendingUISet(wsID, slotID string, ui *PendingUI) Mutation {
	return Mutation{Kind: KindPendingUISet, WorkspaceID: wsID, SlotID: slotID,
		Payload: mustMarshal(PendingUISetPayload{PendingUI: ui})}
}

// NewSessionsUpdate builds a SessionsUpdate mutation.
func NewSessionsUpdate(wsID string, sessions []SessionInfo) Mutation {
	return Mutation{Kind: KindSessionsUpdate, WorkspaceID: wsID,
		Payload: mustMarshal(SessionsUpdatePayload{Sessions: sessions})}
}

// NewBlobUpdate builds a whole-replacement update for plans/jobs values.
func NewBlobUpdate(kind MutationKind, wsID string, value json.RawMessage) Mutation {
	return Mutation{Kind: kind, WorkspaceID: wsID,
		Payload: mustMarshal(BlobPayload{Value: value})}
}

// NewPaneUIUpdate builds a pane view-state replacement.
func NewPaneUIUpdate(wsID string, pane PaneUI) Mutation {
	return Mutation{Kind: KindPaneUIUpdate, WorkspaceID: wsID,
		Payload: mustMarshal(PaneUIPayload{PaneUI: pane})}
}

// NewQueuedMessagesUpdate builds a queued-input replacement.
func NewQueuedMessagesUpdate(wsID, slotID string, steering, followUp []string) Mutation {
	return Mutation{Kind: KindQueuedMessagesUpdate, WorkspaceID: wsID, SlotID: slotID,
		Payload: mustMarshal(QueuedMessagesPayload{Steering: steering, FollowUp: followUp})}
}

// NewUIStateUpdate builds a global UI state patch.
func NewUIStateUpdate(patch UIStatePatch) Mutation {
	return Mutation{Kind: KindUIStateUpdate, Payload: mustMarshal(patch)}
}

// DecodePayload unmarshals the mutation payload into v.
func (m *Mutation) DecodePayload(v any) error {
	if len(m.Payload) == 0 {
		return nil
	}
	if err := json.Unmarshal(m.Payload, v); err != nil {
		return fmt.Errorf("decode %s payload: %w", m.Kind, err)
	}
	return nil
}
