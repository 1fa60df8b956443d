package agent

import (
	"context"
	"encoding/json"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pideck/pideck/internal/commitlog"
	"github.com/pideck/pideck/internal/common/logger"
	"github.com/pideck/pideck/internal/db"
	"github.com/pideck/pideck/internal/state"
	"github.com/pideck/pideck/internal/store"
	"github.com/pideck/pideck/pkg/protocol"
)

const (
	wsID   = "ws-1"
	slotID = protocol.DefaultSlotID
)

func testLogger(t *testing.T) *logger.Logger {
	t.Helper()
	log, err := logger.NewLogger(logger.LoggingConfig{Level: "error", Format: "console"})
	require.NoError(t, err)
	return log
}

func newTestLog(t *testing.T) *commitlog.Log {
	t.Helper()
	pool, err := db.Open(filepath.Join(t.TempDir(), "sync.db"))
	require.NoError(t, err)
	st, err := store.NewSQLiteStore(pool, 0, testLogger(t))
	require.NoError(t, err)

	log := testLogger(t)
	l, err := commitlog.New(context.Background(), state.NewModel(log), st, nil,
		commitlog.Options{SnapshotEveryDeltas: 1 << 30}, log)
	require.NoError(t, err)
	t.Cleanup(func() {
		_ = l.Close(context.Background())
		_ = st.Close()
	})

	ctx := context.Background()
	_, err = l.CommitAll(ctx,
		protocol.NewWorkspaceCreate(wsID, "/tmp/p", "p"),
		protocol.NewSlotCreate(wsID, slotID),
	)
	require.NoError(t, err)
	return l
}

// scriptedSession lets tests emit session events directly and observe
// forwarded commands.
type scriptedSession struct {
	events  chan Event
	prompts chan string
	pending map[string]bool
}

func newScriptedSession() *scriptedSession {
	return &scriptedSession{
		events:  make(chan Event, 64),
		prompts: make(chan string, 8),
		pending: make(map[string]bool),
	}
}

func (s *scriptedSession) Events() <-chan Event { return s.events }
func (s *scriptedSession) Prompt(ctx context.Context, text string, images []protocol.ImageContent) error {
	s.prompts <- text
	return nil
}
func (s *scriptedSession) Steer(ctx context.Context, text string) error             { return nil }
func (s *scriptedSession) Abort(ctx context.Context) error                          { return nil }
func (s *scriptedSession) SetModel(ctx context.Context, provider, id string) error  { return nil }
func (s *scriptedSession) SetThinkingLevel(ctx context.Context, l protocol.ThinkingLevel) error {
	return nil
}
func (s *scriptedSession) NewSession(ctx context.Context) error                  { return nil }
func (s *scriptedSession) SwitchSession(ctx context.Context, f string) error     { return nil }
func (s *scriptedSession) Compact(ctx context.Context, instructions string) error { return nil }
func (s *scriptedSession) Fork(ctx context.Context, entryID string) error        { return nil }
func (s *scriptedSession) Bash(ctx context.Context, command string) error        { return nil }
func (s *scriptedSession) AbortBash(ctx context.Context) error                   { return nil }
func (s *scriptedSession) RespondToPendingUI(ctx context.Context, id string, r json.RawMessage) error {
	if !s.pending[id] {
		return assert.AnError
	}
	delete(s.pending, id)
	return nil
}
func (s *scriptedSession) Messages(ctx context.Context) ([]protocol.Message, error) {
	return nil, nil
}
func (s *scriptedSession) SessionFile() string { return "" }
func (s *scriptedSession) Close() error {
	close(s.events)
	return nil
}

func startAdapter(t *testing.T, l *commitlog.Log, sess Session) *Adapter {
	t.Helper()
	a := NewAdapter(wsID, slotID, sess, l, Hooks{}, testLogger(t))
	go a.Run(context.Background())
	return a
}

func slotState(l *commitlog.Log) *protocol.Slot {
	return l.CurrentState().Workspaces[wsID].Slots[slotID]
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	require.Eventually(t, cond, 2*time.Second, 5*time.Millisecond)
}

func TestPromptRoundTripWithMockSession(t *testing.T) {
	l := newTestLog(t)
	sess := NewMockSession()
	a := startAdapter(t, l, sess)
	defer a.Stop(context.Background())

	require.NoError(t, a.SendPrompt(context.Background(), "hello", nil))

	waitFor(t, func() bool {
		slot := slotState(l)
		return !slot.IsStreaming && len(slot.Messages) == 2
	})

	slot := slotState(l)
	assert.Equal(t, protocol.RoleUser, slot.Messages[0].Role)
	assert.Equal(t, "hello", slot.Messages[0].Content[0].Text)
	assert.Equal(t, protocol.RoleAssistant, slot.Messages[1].Role)
	assert.Equal(t, "Acknowledged: hello", slot.Messages[1].Content[0].Text)
	assert.Empty(t, slot.StreamingText)
	assert.Empty(t, slot.StreamingThinking)
}

func TestToolLifecycle(t *testing.T) {
	l := newTestLog(t)
	sess := newScriptedSession()
	a := startAdapter(t, l, sess)
	defer a.Stop(context.Background())

	sess.events <- Event{Type: EventToolStart, ToolCallID: "t1", ToolName: "bash"}
	waitFor(t, func() bool { return len(slotState(l).ActiveTools) == 1 })

	sess.events <- Event{Type: EventToolUpdate, ToolCallID: "t1", Partial: "abc"}
	waitFor(t, func() bool { return slotState(l).ActiveTools[0].Result == "abc" })

	// The assistant message owning the tool call arrives before the end.
	sess.events <- Event{Type: EventMessageStart, Message: &protocol.Message{
		ID: "m1", Role: protocol.RoleAssistant,
		Content: []protocol.ContentPart{{
			Type:     protocol.ContentToolCall,
			ToolCall: &protocol.ToolCallContent{ID: "t1", Name: "bash", Status: protocol.ToolStatusRunning},
		}},
	}}
	sess.events <- Event{Type: EventToolEnd, ToolCallID: "t1", Result: "abcdef"}

	waitFor(t, func() bool { return len(slotState(l).ActiveTools) == 0 })
	slot := slotState(l)
	tc := slot.Messages[0].Content[0].ToolCall
	assert.Equal(t, protocol.ToolStatusComplete, tc.Status)
	assert.Equal(t, "abcdef", tc.Result)
}

func TestToolEventsForUnknownIDDoNotAdvanceVersion(t *testing.T) {
	l := newTestLog(t)
	sess := newScriptedSession()
	a := startAdapter(t, l, sess)
	defer a.Stop(context.Background())

	before := l.Version()
	sess.events <- Event{Type: EventToolUpdate, ToolCallID: "ghost", Partial: "x"}
	sess.events <- Event{Type: EventToolEnd, ToolCallID: "ghost", Result: "x"}

	// Give the adapter time to process both events.
	sess.events <- Event{Type: EventMessageUpdate, Channel: protocol.StreamText, Delta: "z"}
	waitFor(t, func() bool { return slotState(l).StreamingText == "z" })

	assert.Equal(t, before+1, l.Version())
}

func TestPendingUIConflictAndResolution(t *testing.T) {
	l := newTestLog(t)
	sess := newScriptedSession()
	sess.pending["q1"] = true
	a := startAdapter(t, l, sess)
	defer a.Stop(context.Background())

	sess.events <- Event{Type: EventPendingUI,
		PendingUI: &protocol.PendingUI{ID: "q1", Kind: protocol.PendingUIQuestionnaire}}
	waitFor(t, func() bool { return slotState(l).PendingUI != nil })
	afterSet := l.Version()

	// A second pending UI is a protocol error and must not advance the
	// version.
	sess.events <- Event{Type: EventPendingUI,
		PendingUI: &protocol.PendingUI{ID: "q2", Kind: protocol.PendingUIDialog}}
	sess.events <- Event{Type: EventMessageUpdate, Channel: protocol.StreamText, Delta: "tick"}
	waitFor(t, func() bool { return slotState(l).StreamingText == "tick" })

	assert.Equal(t, afterSet+1, l.Version())
	assert.Equal(t, "q1", slotState(l).PendingUI.ID)

	require.NoError(t, a.RespondToPendingUI(context.Background(), "q1", json.RawMessage(`{"answers":[]}`)))
	assert.Nil(t, slotState(l).PendingUI)
}

func TestPromptWhileStreamingQueuesFollowUp(t *testing.T) {
	l := newTestLog(t)
	sess := newScriptedSession()
	a := startAdapter(t, l, sess)
	defer a.Stop(context.Background())

	sess.events <- Event{Type: EventAgentStart}
	waitFor(t, func() bool { return slotState(l).IsStreaming })

	require.NoError(t, a.SendPrompt(context.Background(), "queued question", nil))
	assert.Equal(t, []string{"queued question"}, slotState(l).QueuedMessages.FollowUp)

	sess.events <- Event{Type: EventAgentEnd}
	select {
	case got := <-sess.prompts:
		assert.Equal(t, "queued question", got)
	case <-time.After(2 * time.Second):
		t.Fatal("queued follow-up was not delivered")
	}
	waitFor(t, func() bool { return len(slotState(l).QueuedMessages.FollowUp) == 0 })
}

func TestAgentEndClearsStreamingBuffersExplicitly(t *testing.T) {
	l := newTestLog(t)

	var mu sync.Mutex
	var kinds []protocol.MutationKind
	unsub := l.Subscribe(func(d protocol.Delta) {
		mu.Lock()
		kinds = append(kinds, d.Mutation.Kind)
		mu.Unlock()
	})
	defer unsub()

	sess := newScriptedSession()
	a := startAdapter(t, l, sess)
	defer a.Stop(context.Background())

	sess.events <- Event{Type: EventAgentStart}
	sess.events <- Event{Type: EventMessageUpdate, Channel: protocol.StreamText, Delta: "partial"}
	waitFor(t, func() bool { return slotState(l).StreamingText == "partial" })

	sess.events <- Event{Type: EventAgentEnd}
	waitFor(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(kinds) > 0 && kinds[len(kinds)-1] == protocol.KindQueuedMessagesUpdate
	})

	slot := slotState(l)
	assert.False(t, slot.IsStreaming)
	assert.Empty(t, slot.StreamingText)

	// The turn end is observable in the delta stream itself: the flag
	// flip, an explicit buffer clear, then the queue flush.
	mu.Lock()
	defer mu.Unlock()
	require.GreaterOrEqual(t, len(kinds), 3)
	tail := kinds[len(kinds)-3:]
	assert.Equal(t, []protocol.MutationKind{
		protocol.KindSlotUpdate,
		protocol.KindStreamingClear,
		protocol.KindQueuedMessagesUpdate,
	}, tail)
}

func TestCompactionReplacesMessages(t *testing.T) {
	l := newTestLog(t)
	sess := NewMockSession()
	a := startAdapter(t, l, sess)
	defer a.Stop(context.Background())

	require.NoError(t, a.SendPrompt(context.Background(), "hi", nil))
	waitFor(t, func() bool { return len(slotState(l).Messages) == 2 })

	require.NoError(t, a.Compact(context.Background(), ""))
	waitFor(t, func() bool {
		slot := slotState(l)
		return !slot.IsCompacting && len(slot.Messages) == 1
	})
	assert.Equal(t, "[conversation compacted]", slotState(l).Messages[0].Content[0].Text)
}
