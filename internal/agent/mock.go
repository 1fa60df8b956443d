package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/pideck/pideck/pkg/protocol"
)

// MockSession is a scripted in-process Session used by the --mock-agent
// development mode and by tests. Each prompt produces a canned streamed
// reply; bash commands produce a full tool lifecycle.
type MockSession struct {
	events chan Event

	mu          sync.Mutex
	closed      bool
	aborted     bool
	sessionFile string
	modelRef    protocol.ModelRef
	thinking    protocol.ThinkingLevel
	messages    []protocol.Message
	pendingID   string

	// ChunkDelay spaces out streamed chunks; zero in tests.
	ChunkDelay time.Duration
	// Reply overrides the canned assistant reply.
	Reply string
}

// NewMockSession creates a mock session with an empty transcript.
func NewMockSession() *MockSession {
	return &MockSession{
		events:      make(chan Event, 256),
		sessionFile: fmt.Sprintf("session-%s.jsonl", uuid.New().String()[:8]),
		modelRef:    protocol.ModelRef{Provider: "mock", ModelID: "mock-1"},
		thinking:    protocol.ThinkingOff,
	}
}

// Events implements Session.
func (s *MockSession) Events() <-chan Event { return s.events }

// emit holds the lock through the send so Close cannot close the
// channel mid-send. The send is non-blocking; the buffer is large
// enough in practice and dropping beats deadlock.
func (s *MockSession) emit(ev Event) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	select {
	case s.events <- ev:
	default:
	}
}

// Prompt implements Session: records the user message and streams a
// scripted assistant turn.
func (s *MockSession) Prompt(ctx context.Context, text string, images []protocol.ImageContent) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return fmt.Errorf("mock session closed")
	}
	s.aborted = false
	reply := s.Reply
	if reply == "" {
		reply = "Acknowledged: " + text
	}
	userMsg := protocol.Message{
		ID:        uuid.New().String(),
		Role:      protocol.RoleUser,
		Timestamp: time.Now().UnixMilli(),
		Content:   []protocol.ContentPart{{Type: protocol.ContentText, Text: text}},
	}
	s.messages = append(s.messages, userMsg)
	s.mu.Unlock()

	go s.runTurn(userMsg, reply)
	return nil
}

func (s *MockSession) runTurn(userMsg protocol.Message, reply string) {
	s.emit(Event{Type: EventMessageStart, Message: &userMsg})
	s.emit(Event{Type: EventAgentStart})

	assistantID := uuid.New().String()
	placeholder := protocol.Message{
		ID:        assistantID,
		Role:      protocol.RoleAssistant,
		Timestamp: time.Now().UnixMilli(),
		Content:   []protocol.ContentPart{},
	}
	s.emit(Event{Type: EventMessageStart, Message: &placeholder})

	for _, chunk := range chunkString(reply, 8) {
		s.mu.Lock()
		aborted := s.aborted
		s.mu.Unlock()
		if aborted {
			break
		}
		s.emit(Event{Type: EventMessageUpdate, MessageID: assistantID,
			Channel: protocol.StreamText, Delta: chunk})
		if s.ChunkDelay > 0 {
			time.Sleep(s.ChunkDelay)
		}
	}

	final := protocol.Message{
		ID:        assistantID,
		Role:      protocol.RoleAssistant,
		Timestamp: time.Now().UnixMilli(),
		Content:   []protocol.ContentPart{{Type: protocol.ContentText, Text: reply}},
	}
	s.mu.Lock()
	s.messages = append(s.messages, final)
	s.mu.Unlock()

	s.emit(Event{Type: EventMessageEnd, Message: &final})
	s.emit(Event{Type: EventAgentEnd})
}

// Steer implements Session; the mock just records it.
func (s *MockSession) Steer(ctx context.Context, text string) error { return nil }

// Abort implements Session.
func (s *MockSession) Abort(ctx context.Context) error {
	s.mu.Lock()
	s.aborted = true
	s.mu.Unlock()
	return nil
}

// SetModel implements Session and confirms via stateChanged.
func (s *MockSession) SetModel(ctx context.Context, provider, modelID string) error {
	s.mu.Lock()
	s.modelRef = protocol.ModelRef{Provider: provider, ModelID: modelID}
	ref := s.modelRef
	s.mu.Unlock()
	s.emit(Event{Type: EventStateChanged, ModelRef: &ref})
	return nil
}

// SetThinkingLevel implements Session and confirms via stateChanged.
func (s *MockSession) SetThinkingLevel(ctx context.Context, level protocol.ThinkingLevel) error {
	s.mu.Lock()
	s.thinking = level
	s.mu.Unlock()
	s.emit(Event{Type: EventStateChanged, ThinkingLevel: level})
	return nil
}

// NewSession implements Session: fresh transcript, fresh session file.
func (s *MockSession) NewSession(ctx context.Context) error {
	s.mu.Lock()
	s.messages = nil
	s.sessionFile = fmt.Sprintf("session-%s.jsonl", uuid.New().String()[:8])
	file := s.sessionFile
	s.mu.Unlock()
	s.emit(Event{Type: EventStateChanged, SessionFile: file})
	return nil
}

// SwitchSession implements Session.
func (s *MockSession) SwitchSession(ctx context.Context, sessionFile string) error {
	s.mu.Lock()
	s.sessionFile = sessionFile
	s.messages = nil
	s.mu.Unlock()
	return nil
}

// Compact implements Session: replaces the transcript with a summary
// message, bracketed by compaction events.
func (s *MockSession) Compact(ctx context.Context, instructions string) error {
	s.emit(Event{Type: EventCompactionStart})
	summary := protocol.Message{
		ID:        uuid.New().String(),
		Role:      protocol.RoleAssistant,
		Timestamp: time.Now().UnixMilli(),
		Content:   []protocol.ContentPart{{Type: protocol.ContentText, Text: "[conversation compacted]"}},
	}
	s.mu.Lock()
	s.messages = []protocol.Message{summary}
	s.mu.Unlock()
	s.emit(Event{Type: EventCompactionEnd, Summary: "[conversation compacted]"})
	return nil
}

// Fork implements Session; the mock treats it as a no-op.
func (s *MockSession) Fork(ctx context.Context, entryID string) error { return nil }

// Bash implements Session with a full scripted tool lifecycle.
func (s *MockSession) Bash(ctx context.Context, command string) error {
	toolID := uuid.New().String()
	args, _ := json.Marshal(map[string]string{"command": command})
	go func() {
		s.emit(Event{Type: EventToolStart, ToolCallID: toolID, ToolName: "bash", ToolArgs: args})
		s.emit(Event{Type: EventToolUpdate, ToolCallID: toolID, Partial: "$ " + command + "\n"})
		s.emit(Event{Type: EventToolEnd, ToolCallID: toolID, Result: "$ " + command + "\nok\n"})
	}()
	return nil
}

// AbortBash implements Session.
func (s *MockSession) AbortBash(ctx context.Context) error { return nil }

// RequestPendingUI makes the mock raise an interactive request; tests
// and the dev mode use it to exercise the pending-UI path.
func (s *MockSession) RequestPendingUI(kind protocol.PendingUIKind, data json.RawMessage) string {
	id := uuid.New().String()
	s.mu.Lock()
	s.pendingID = id
	s.mu.Unlock()
	s.emit(Event{Type: EventPendingUI, PendingUI: &protocol.PendingUI{ID: id, Kind: kind, Data: data}})
	return id
}

// RespondToPendingUI implements Session.
func (s *MockSession) RespondToPendingUI(ctx context.Context, id string, response json.RawMessage) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.pendingID != id {
		return fmt.Errorf("%w: %s", ErrPendingUIMismatch, id)
	}
	s.pendingID = ""
	return nil
}

// SessionFile implements Session.
func (s *MockSession) SessionFile() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sessionFile
}

// Messages implements Session.
func (s *MockSession) Messages(ctx context.Context) ([]protocol.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]protocol.Message, len(s.messages))
	for i, m := range s.messages {
		out[i] = m.Clone()
	}
	return out, nil
}

// Close implements Session.
func (s *MockSession) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.closed {
		s.closed = true
		close(s.events)
	}
	return nil
}

// MockSessionFactory returns a SessionFactory producing mock sessions.
func MockSessionFactory(chunkDelay time.Duration) SessionFactory {
	return func(workspacePath, slotID string) (Session, error) {
		s := NewMockSession()
		s.ChunkDelay = chunkDelay
		return s, nil
	}
}

func chunkString(s string, size int) []string {
	if size <= 0 {
		return []string{s}
	}
	var out []string
	var b strings.Builder
	for _, r := range s {
		b.WriteRune(r)
		if b.Len() >= size {
			out = append(out, b.String())
			b.Reset()
		}
	}
	if b.Len() > 0 {
		out = append(out, b.String())
	}
	return out
}
