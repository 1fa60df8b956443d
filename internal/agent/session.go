// Package agent bridges black-box agent sessions into state mutations.
// A Session is the event/command surface of one running agent; the
// Adapter translates its events into commits and forwards commands.
package agent

import (
	"context"
	"encoding/json"
	"errors"

	"github.com/pideck/pideck/pkg/protocol"
)

// EventType enumerates the events a session can emit. Events carry no
// workspace context; the adapter scopes them to its slot.
type EventType string

const (
	EventAgentStart      EventType = "agentStart"
	EventAgentEnd        EventType = "agentEnd"
	EventMessageStart    EventType = "messageStart"
	EventMessageUpdate   EventType = "messageUpdate"
	EventMessageEnd      EventType = "messageEnd"
	EventToolStart       EventType = "toolStart"
	EventToolUpdate      EventType = "toolUpdate"
	EventToolEnd         EventType = "toolEnd"
	EventCompactionStart EventType = "compactionStart"
	EventCompactionEnd   EventType = "compactionEnd"
	EventPendingUI       EventType = "pendingUI"
	EventStateChanged    EventType = "stateChanged"
)

// Event is one session event. Only the fields relevant to the Type are
// populated.
type Event struct {
	Type EventType

	// messageStart / messageEnd
	Message *protocol.Message

	// messageUpdate
	MessageID string
	Channel   protocol.StreamChannel
	Delta     string

	// tool lifecycle
	ToolCallID string
	ToolName   string
	ToolArgs   json.RawMessage
	Partial    string
	Result     string
	IsError    bool

	// pendingUI (nil clears)
	PendingUI *protocol.PendingUI

	// compactionEnd
	Summary string

	// stateChanged: the session's own view of its settings
	SessionFile   string
	ModelRef      *protocol.ModelRef
	ThinkingLevel protocol.ThinkingLevel
}

// ErrPendingUIMismatch is returned by RespondToPendingUI when the given
// id does not match the currently pending request.
var ErrPendingUIMismatch = errors.New("pending ui id mismatch")

// Session is one agent conversation bound to a workspace directory. All
// command methods are forwarded verbatim; state changes surface only as
// events on Events(). Implementations close the events channel when the
// session terminates.
type Session interface {
	// Events returns the session's event stream. Closed on termination.
	Events() <-chan Event

	Prompt(ctx context.Context, text string, images []protocol.ImageContent) error
	Steer(ctx context.Context, text string) error
	Abort(ctx context.Context) error
	SetModel(ctx context.Context, provider, modelID string) error
	SetThinkingLevel(ctx context.Context, level protocol.ThinkingLevel) error
	NewSession(ctx context.Context) error
	SwitchSession(ctx context.Context, sessionFile string) error
	Compact(ctx context.Context, instructions string) error
	Fork(ctx context.Context, entryID string) error
	Bash(ctx context.Context, command string) error
	AbortBash(ctx context.Context) error
	RespondToPendingUI(ctx context.Context, id string, response json.RawMessage) error

	// Messages re-reads the session's finalized message list (used after
	// compaction and session switches).
	Messages(ctx context.Context) ([]protocol.Message, error)

	// SessionFile returns the name of the on-disk transcript this session
	// writes to, or "" when none exists yet.
	SessionFile() string

	Close() error
}

// SessionFactory creates a session for a workspace directory and slot.
type SessionFactory func(workspacePath, slotID string) (Session, error)
