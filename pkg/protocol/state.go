// Package protocol defines the wire types for the Pi-Deck sync protocol:
// the replicated state tree, mutations, deltas, snapshots, and the
// client/server message envelopes.
package protocol

import "encoding/json"

// Role identifies the author of a message.
type Role string

const (
	RoleUser       Role = "user"
	RoleAssistant  Role = "assistant"
	RoleToolResult Role = "toolResult"
)

// ContentType identifies the kind of a message content part.
type ContentType string

const (
	ContentText     ContentType = "text"
	ContentThinking ContentType = "thinking"
	ContentToolCall ContentType = "toolCall"
	ContentImage    ContentType = "image"
)

// ToolStatus is the lifecycle state of a tool call.
type ToolStatus string

const (
	ToolStatusRunning  ToolStatus = "running"
	ToolStatusComplete ToolStatus = "complete"
	ToolStatusError    ToolStatus = "error"
)

// ThinkingLevel is the agent's reasoning effort setting.
type ThinkingLevel string

const (
	ThinkingOff     ThinkingLevel = "off"
	ThinkingMinimal ThinkingLevel = "minimal"
	ThinkingLow     ThinkingLevel = "low"
	ThinkingMedium  ThinkingLevel = "medium"
	ThinkingHigh    ThinkingLevel = "high"
	ThinkingXHigh   ThinkingLevel = "xhigh"
)

// ToolCallContent is the toolCall content part of an assistant message.
type ToolCallContent struct {
	ID      string          `json:"id"`
	Name    string          `json:"name"`
	Args    json.RawMessage `json:"args,omitempty"`
	Status  ToolStatus      `json:"status"`
	Result  string          `json:"result,omitempty"`
	IsError bool            `json:"isError,omitempty"`
}

// ImageContent is an inline image content part.
type ImageContent struct {
	MimeType string `json:"mimeType"`
	Data     string `json:"data"` // base64
}

// ContentPart is one typed segment of a message.
type ContentPart struct {
	Type     ContentType      `json:"type"`
	Text     string           `json:"text,omitempty"`
	ToolCall *ToolCallContent `json:"toolCall,omitempty"`
	Image    *ImageContent    `json:"image,omitempty"`
}

// Message is a finalized conversation turn. Immutable once committed,
// except for the placeholder swap when a streaming turn completes.
type Message struct {
	ID        string        `json:"id"`
	Role      Role          `json:"role"`
	Timestamp int64         `json:"timestamp"` // unix millis, monotonic per slot
	Content   []ContentPart `json:"content"`
}

// ToolExecution is an in-flight tool call tracked in a slot's activeTools.
type ToolExecution struct {
	ID        string          `json:"id"`
	Name      string          `json:"name"`
	Args      json.RawMessage `json:"args,omitempty"`
	Status    ToolStatus      `json:"status"`
	Result    string          `json:"result,omitempty"`
	StartedAt int64           `json:"startedAt"`
}

// PendingUIKind is the kind of interactive request an agent can raise.
type PendingUIKind string

const (
	PendingUIQuestionnaire PendingUIKind = "questionnaire"
	PendingUIDialog        PendingUIKind = "dialog"
	PendingUICustom        PendingUIKind = "custom"
)

// PendingUI is an outstanding interactive request awaiting a single user
// response. At most one per slot.
type PendingUI struct {
	ID   string          `json:"id"`
	Kind PendingUIKind   `json:"kind"`
	Data json.RawMessage `json:"data,omitempty"`
}

// ModelRef identifies the model driving a slot's agent session.
type ModelRef struct {
	Provider string `json:"provider"`
	ModelID  string `json:"modelId"`
}

// QueuedMessages holds user input queued while the agent is streaming.
type QueuedMessages struct {
	Steering []string `json:"steering"`
	FollowUp []string `json:"followUp"`
}

// SessionInfo describes an on-disk agent session discoverable in a workspace.
type SessionInfo struct {
	SessionFile  string `json:"sessionFile"`
	Title        string `json:"title,omitempty"`
	CreatedAt    int64  `json:"createdAt"`
	UpdatedAt    int64  `json:"updatedAt"`
	MessageCount int    `json:"messageCount"`
}

// Slot is one concurrent agent session inside a workspace.
type Slot struct {
	ID                string          `json:"id"`
	SessionFile       string          `json:"sessionFile,omitempty"`
	Messages          []Message       `json:"messages"`
	StreamingText     string          `json:"streamingText"`
	StreamingThinking string          `json:"streamingThinking"`
	ActiveTools       []ToolExecution `json:"activeTools"`
	IsStreaming       bool            `json:"isStreaming"`
	IsCompacting      bool            `json:"isCompacting"`
	PendingUI         *PendingUI      `json:"pendingUI,omitempty"`
	QueuedMessages    QueuedMessages  `json:"queuedMessages"`
	ModelRef          *ModelRef       `json:"modelRef,omitempty"`
	ThinkingLevel     ThinkingLevel   `json:"thinkingLevel,omitempty"`
}

// DefaultSlotID is the slot every workspace owns from creation to close.
const DefaultSlotID = "default"

// TabRef identifies a pane tab in the workspace view state.
type TabRef struct {
	Kind string `json:"kind"`
	ID   string `json:"id"`
}

// PaneUI is workspace view state shared across browser tabs.
type PaneUI struct {
	Tabs          []TabRef `json:"tabs"`
	ActiveTab     *TabRef  `json:"activeTab,omitempty"`
	RightPaneOpen bool     `json:"rightPaneOpen"`
}

// Workspace is a directory plus its agent session slots.
type Workspace struct {
	ID          string           `json:"id"`
	Path        string           `json:"path"`
	Name        string           `json:"name"`
	Slots       map[string]*Slot `json:"slots"`
	Sessions    []SessionInfo    `json:"sessions"`
	Plans       json.RawMessage  `json:"plans,omitempty"`
	Jobs        json.RawMessage  `json:"jobs,omitempty"`
	ActivePlan  json.RawMessage  `json:"activePlan,omitempty"`
	ActiveJobs  json.RawMessage  `json:"activeJobs,omitempty"`
	PaneUI      PaneUI           `json:"paneUI"`
}

// UIState is per-user preference scratch, patched key-by-key.
type UIState struct {
	Theme               string            `json:"theme,omitempty"`
	Drafts              map[string]string `json:"drafts,omitempty"` // keyed by workspace path
	LastActiveWorkspace string            `json:"lastActiveWorkspace,omitempty"`
	LastActiveSession   map[string]string `json:"lastActiveSession,omitempty"` // workspace id -> slot id
}

// GlobalState is the root of the replicated state tree.
type GlobalState struct {
	Version    uint64                `json:"version"`
	Workspaces map[string]*Workspace `json:"workspaces"`
	UIState    UIState               `json:"uiState"`
}

// NewGlobalState returns an empty state at version 0.
func NewGlobalState() *GlobalState {
	return &GlobalState{
		Workspaces: make(map[string]*Workspace),
	}
}

// Clone returns a deep copy of the state tree. Used to hand immutable
// snapshots to the snapshotter and catch-up readers.
func (s *GlobalState) Clone() *GlobalState {
	out := &GlobalState{
		Version:    s.Version,
		Workspaces: make(map[string]*Workspace, len(s.Workspaces)),
		UIState:    s.UIState.clone(),
	}
	for id, ws := range s.Workspaces {
		out.Workspaces[id] = ws.clone()
	}
	return out
}

func (u UIState) clone() UIState {
	out := u
	if u.Drafts != nil {
		out.Drafts = make(map[string]string, len(u.Drafts))
		for k, v := range u.Drafts {
			out.Drafts[k] = v
		}
	}
	if u.LastActiveSession != nil {
		out.LastActiveSession = make(map[string]string, len(u.LastActiveSession))
		for k, v := range u.LastActiveSession {
			out.LastActiveSession[k] = v
		}
	}
	return out
}

func (w *Workspace) clone() *Workspace {
	out := *w
	out.Slots = make(map[string]*Slot, len(w.Slots))
	for id, slot := range w.Slots {
		out.Slots[id] = slot.clone()
	}
	out.Sessions = append([]SessionInfo(nil), w.Sessions...)
	out.Plans = cloneRaw(w.Plans)
	out.Jobs = cloneRaw(w.Jobs)
	out.ActivePlan = cloneRaw(w.ActivePlan)
	out.ActiveJobs = cloneRaw(w.ActiveJobs)
	out.PaneUI = w.PaneUI.clone()
	return &out
}

func (p PaneUI) clone() PaneUI {
	out := p
	out.Tabs = append([]TabRef(nil), p.Tabs...)
	if p.ActiveTab != nil {
		tab := *p.ActiveTab
		out.ActiveTab = &tab
	}
	return out
}

func (sl *Slot) clone() *Slot {
	out := *sl
	out.Messages = cloneMessages(sl.Messages)
	out.ActiveTools = make([]ToolExecution, len(sl.ActiveTools))
	for i, t := range sl.ActiveTools {
		out.ActiveTools[i] = t
		out.ActiveTools[i].Args = cloneRaw(t.Args)
	}
	if sl.PendingUI != nil {
		ui := *sl.PendingUI
		ui.Data = cloneRaw(sl.PendingUI.Data)
		out.PendingUI = &ui
	}
	out.QueuedMessages = QueuedMessages{
		Steering: append([]string(nil), sl.QueuedMessages.Steering...),
		FollowUp: append([]string(nil), sl.QueuedMessages.FollowUp...),
	}
	if sl.ModelRef != nil {
		ref := *sl.ModelRef
		out.ModelRef = &ref
	}
	return &out
}

func cloneMessages(msgs []Message) []Message {
	out := make([]Message, len(msgs))
	for i, m := range msgs {
		out[i] = m.Clone()
	}
	return out
}

// Clone returns a deep copy of the message.
func (m Message) Clone() Message {
	out := m
	out.Content = make([]ContentPart, len(m.Content))
	for i, p := range m.Content {
		out.Content[i] = p
		if p.ToolCall != nil {
			tc := *p.ToolCall
			tc.Args = cloneRaw(p.ToolCall.Args)
			out.Content[i].ToolCall = &tc
		}
		if p.Image != nil {
			img := *p.Image
			out.Content[i].Image = &img
		}
	}
	return out
}

func cloneRaw(raw json.RawMessage) json.RawMessage {
	if raw == nil {
		return nil
	}
	return append(json.RawMessage(nil), raw...)
}
