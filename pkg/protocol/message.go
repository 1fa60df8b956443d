package protocol

import (
	"encoding/json"
	"fmt"
)

// ProtocolVersion is the sync protocol schema version.
const ProtocolVersion = 1

// Client -> server message types.
const (
	TypeHello                 = "hello"
	TypeAck                   = "ack"
	TypeOpenWorkspace         = "openWorkspace"
	TypeCloseWorkspace        = "closeWorkspace"
	TypeBrowseDirectory       = "browseDirectory"
	TypeCreateSlot            = "createSlot"
	TypeDeleteSlot            = "deleteSlot"
	TypeSubscribe             = "subscribe"
	TypePrompt                = "prompt"
	TypeSteer                 = "steer"
	TypeFollowUp              = "followUp"
	TypeAbort                 = "abort"
	TypeSetModel              = "setModel"
	TypeSetThinkingLevel      = "setThinkingLevel"
	TypeNewSession            = "newSession"
	TypeSwitchSession         = "switchSession"
	TypeCompact               = "compact"
	TypeFork                  = "fork"
	TypeBash                  = "bash"
	TypeAbortBash             = "abortBash"
	TypeQuestionnaireResponse = "questionnaireResponse"
	TypePaneUI                = "paneUI"
	TypeUIState               = "uiState"
)

// Server -> client message types.
const (
	TypeSnapshot   = "snapshot"
	TypeDelta      = "delta"
	TypeDeltaBatch = "deltaBatch"
	TypeError      = "error"
	TypeDirListing = "dirListing"
)

// Wire error codes.
const (
	ErrCodePathNotAllowed       = "path_not_allowed"
	ErrCodeClientTooSlow        = "client_too_slow"
	ErrCodePersistenceDegraded  = "persistence_degraded"
	ErrCodePendingUIConflict    = "pending_ui_conflict"
	ErrCodeUnknownWorkspace     = "unknown_workspace"
	ErrCodeUnknownSlot          = "unknown_slot"
	ErrCodeUnknownAction        = "unknown_action"
	ErrCodeBadPayload           = "bad_payload"
	ErrCodeInternal             = "internal_error"
	ErrCodeProtocolViolation    = "protocol_violation"
	ErrCodeUnsupportedProtocol  = "unsupported_protocol"
)

// ClientMessage is the flat client->server frame. Fields are populated per
// Type; one JSON object per text frame.
type ClientMessage struct {
	Type string `json:"type"`

	// hello
	ClientID          string  `json:"clientId,omitempty"`
	ResumeFromVersion *uint64 `json:"resumeFromVersion,omitempty"`
	ProtocolVersion   int     `json:"protocolVersion,omitempty"`

	// ack
	Version uint64 `json:"version,omitempty"`

	// command targeting
	WorkspaceID string `json:"workspaceId,omitempty"`
	SlotID      string `json:"slotId,omitempty"`
	Path        string `json:"path,omitempty"`

	// subscribe
	WorkspaceIDs []string `json:"workspaceIds,omitempty"`

	// prompt / steer / followUp
	Message string         `json:"message,omitempty"`
	Images  []ImageContent `json:"images,omitempty"`

	// setModel / setThinkingLevel
	Provider string        `json:"provider,omitempty"`
	ModelID  string        `json:"modelId,omitempty"`
	Level    ThinkingLevel `json:"level,omitempty"`

	// switchSession / compact / fork / bash
	SessionFile  string `json:"sessionFile,omitempty"`
	Instructions string `json:"instructions,omitempty"`
	EntryID      string `json:"entryId,omitempty"`
	Command      string `json:"command,omitempty"`

	// questionnaireResponse
	ID       string          `json:"id,omitempty"`
	Response json.RawMessage `json:"response,omitempty"`

	// paneUI
	PaneUI *PaneUI `json:"paneUI,omitempty"`

	// uiState
	UIState *UIStatePatch `json:"uiState,omitempty"`
}

// ServerMessage is the flat server->client frame.
type ServerMessage struct {
	Type            string `json:"type"`
	ProtocolVersion int    `json:"protocolVersion,omitempty"`

	// snapshot / delta
	Version  uint64       `json:"version,omitempty"`
	State    *GlobalState `json:"state,omitempty"`
	Mutation *Mutation    `json:"mutation,omitempty"`

	// deltaBatch (contiguous versions)
	Deltas []Delta `json:"deltas,omitempty"`

	// error
	Code        string `json:"code,omitempty"`
	Message     string `json:"message,omitempty"`
	WorkspaceID string `json:"workspaceId,omitempty"`

	// dirListing
	Path    string     `json:"path,omitempty"`
	Entries []DirEntry `json:"entries,omitempty"`
}

// DirEntry is one row of a browseDirectory result.
type DirEntry struct {
	Name  string `json:"name"`
	Path  string `json:"path"`
	IsDir bool   `json:"isDir"`
}

// NewSnapshotMessage builds a snapshot frame.
func NewSnapshotMessage(version uint64, state *GlobalState) *ServerMessage {
	return &ServerMessage{
		Type:            TypeSnapshot,
		ProtocolVersion: ProtocolVersion,
		Version:         version,
		State:           state,
	}
}

// NewDeltaMessage builds a single-delta frame.
func NewDeltaMessage(d Delta) *ServerMessage {
	m := d.Mutation
	return &ServerMessage{Type: TypeDelta, Version: d.Version, Mutation: &m}
}

// NewDeltaBatchMessage builds a catch-up batch frame. Deltas must be
// contiguous in version.
func NewDeltaBatchMessage(deltas []Delta) *ServerMessage {
	return &ServerMessage{Type: TypeDeltaBatch, Deltas: deltas}
}

// NewErrorMessage builds an error frame.
func NewErrorMessage(code, message, workspaceID string) *ServerMessage {
	return &ServerMessage{Type: TypeError, Code: code, Message: message, WorkspaceID: workspaceID}
}

// EncodeServerMessage serializes a server frame.
func EncodeServerMessage(msg *ServerMessage) ([]byte, error) {
	return json.Marshal(msg)
}

// DecodeClientMessage parses a client frame. The type is validated to be
// non-empty; unknown types are left for the command router to reject so
// the connection can stay open.
func DecodeClientMessage(data []byte) (*ClientMessage, error) {
	var msg ClientMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		return nil, fmt.Errorf("malformed frame: %w", err)
	}
	if msg.Type == "" {
		return nil, fmt.Errorf("frame missing type")
	}
	return &msg, nil
}

// EncodeDelta serializes a delta for the persistent log.
func EncodeDelta(d Delta) ([]byte, error) {
	return json.Marshal(d)
}

// DecodeDelta parses a delta from the persistent log.
func DecodeDelta(data []byte) (Delta, error) {
	var d Delta
	if err := json.Unmarshal(data, &d); err != nil {
		return Delta{}, fmt.Errorf("decode delta: %w", err)
	}
	return d, nil
}

// EncodeSnapshot serializes a snapshot for the persistent log.
func EncodeSnapshot(s Snapshot) ([]byte, error) {
	return json.Marshal(s)
}

// DecodeSnapshot parses a snapshot from the persistent log.
func DecodeSnapshot(data []byte) (Snapshot, error) {
	var s Snapshot
	if err := json.Unmarshal(data, &s); err != nil {
		return Snapshot{}, fmt.Errorf("decode snapshot: %w", err)
	}
	return s, nil
}
