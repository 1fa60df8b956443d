package websocket

import (
	"context"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pideck/pideck/internal/agent"
	"github.com/pideck/pideck/internal/commitlog"
	"github.com/pideck/pideck/internal/common/config"
	"github.com/pideck/pideck/internal/common/logger"
	"github.com/pideck/pideck/internal/db"
	"github.com/pideck/pideck/internal/events/bus"
	"github.com/pideck/pideck/internal/state"
	"github.com/pideck/pideck/internal/store"
	"github.com/pideck/pideck/internal/workspace"
	"github.com/pideck/pideck/pkg/protocol"
)

func testLogger(t *testing.T) *logger.Logger {
	t.Helper()
	log, err := logger.NewLogger(logger.LoggingConfig{Level: "error", Format: "console"})
	require.NoError(t, err)
	return log
}

type gatewayFixture struct {
	log   *commitlog.Log
	store store.Store
	bus   bus.EventBus
	hub   *Hub
	srv   *httptest.Server
}

func newGateway(t *testing.T, allowedRoots []string) *gatewayFixture {
	t.Helper()
	return newGatewayWithSync(t, allowedRoots, config.SyncConfig{
		OutboundQueueDeltas: 256,
		OutboundQueueBytes:  1 << 20,
		CatchUpBatchSize:    3,
	})
}

func newGatewayWithSync(t *testing.T, allowedRoots []string, syncCfg config.SyncConfig) *gatewayFixture {
	t.Helper()
	lg := testLogger(t)

	pool, err := db.Open(filepath.Join(t.TempDir(), "sync.db"))
	require.NoError(t, err)
	st, err := store.NewSQLiteStore(pool, 0, lg)
	require.NoError(t, err)

	eventBus := bus.NewMemoryEventBus(lg)
	l, err := commitlog.New(context.Background(), state.NewModel(lg), st, eventBus,
		commitlog.Options{SnapshotEveryDeltas: 1 << 30}, lg)
	require.NoError(t, err)

	registry := workspace.NewRegistry(l, agent.MockSessionFactory(0), nil, eventBus,
		allowedRoots, lg)

	hub := NewHub(l, st, registry, eventBus, syncCfg, lg)
	hub.Start()

	gin.SetMode(gin.TestMode)
	router := gin.New()
	router.GET("/ws", hub.HandleWebSocket)
	srv := httptest.NewServer(router)

	t.Cleanup(func() {
		srv.Close()
		hub.Shutdown()
		registry.CloseAll(context.Background())
		_ = l.Close(context.Background())
		_ = st.Close()
		eventBus.Close()
	})
	return &gatewayFixture{log: l, store: st, bus: eventBus, hub: hub, srv: srv}
}

type testConn struct {
	t    *testing.T
	conn *websocket.Conn
}

func (f *gatewayFixture) dial(t *testing.T) *testConn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(f.srv.URL, "http") + "/ws"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })
	return &testConn{t: t, conn: conn}
}

func (c *testConn) send(msg protocol.ClientMessage) {
	c.t.Helper()
	require.NoError(c.t, c.conn.WriteJSON(msg))
}

func (c *testConn) recv() *protocol.ServerMessage {
	c.t.Helper()
	require.NoError(c.t, c.conn.SetReadDeadline(time.Now().Add(3*time.Second)))
	var msg protocol.ServerMessage
	require.NoError(c.t, c.conn.ReadJSON(&msg))
	return &msg
}

// hello performs the handshake and returns the first replay frame.
func (c *testConn) hello(clientID string, resume *uint64) *protocol.ServerMessage {
	c.t.Helper()
	c.send(protocol.ClientMessage{
		Type:              protocol.TypeHello,
		ClientID:          clientID,
		ProtocolVersion:   protocol.ProtocolVersion,
		ResumeFromVersion: resume,
	})
	return c.recv()
}

// recvDeltas reads frames until n deltas arrived, unwrapping batches.
func (c *testConn) recvDeltas(n int) []protocol.Delta {
	c.t.Helper()
	var out []protocol.Delta
	for len(out) < n {
		msg := c.recv()
		switch msg.Type {
		case protocol.TypeDelta:
			out = append(out, protocol.Delta{Version: msg.Version, Mutation: *msg.Mutation})
		case protocol.TypeDeltaBatch:
			out = append(out, msg.Deltas...)
		default:
			c.t.Fatalf("expected delta, got %s frame (code %s)", msg.Type, msg.Code)
		}
	}
	return out
}

func TestHelloSnapshotThenLiveDeltas(t *testing.T) {
	f := newGateway(t, nil)
	conn := f.dial(t)

	first := conn.hello("", nil)
	require.Equal(t, protocol.TypeSnapshot, first.Type)
	assert.Equal(t, protocol.ProtocolVersion, first.ProtocolVersion)
	assert.Equal(t, uint64(0), first.Version)
	require.NotNil(t, first.State)

	dir := t.TempDir()
	conn.send(protocol.ClientMessage{Type: protocol.TypeOpenWorkspace, Path: dir})

	deltas := conn.recvDeltas(2)
	assert.Equal(t, uint64(1), deltas[0].Version)
	assert.Equal(t, protocol.KindWorkspaceCreate, deltas[0].Mutation.Kind)
	assert.Equal(t, uint64(2), deltas[1].Version)
	assert.Equal(t, protocol.KindSlotCreate, deltas[1].Mutation.Kind)
}

func TestUnsupportedProtocolVersion(t *testing.T) {
	f := newGateway(t, nil)
	conn := f.dial(t)

	conn.send(protocol.ClientMessage{Type: protocol.TypeHello, ProtocolVersion: 99})
	msg := conn.recv()
	assert.Equal(t, protocol.TypeError, msg.Type)
	assert.Equal(t, protocol.ErrCodeUnsupportedProtocol, msg.Code)
}

func TestReconnectResumesWithDeltaBatch(t *testing.T) {
	f := newGateway(t, nil)

	conn := f.dial(t)
	first := conn.hello("tab-1", nil)
	require.Equal(t, protocol.TypeSnapshot, first.Type)

	// Build up history past one catch-up batch.
	theme := "dark"
	for i := 0; i < 5; i++ {
		_, err := f.log.Commit(context.Background(),
			protocol.NewUIStateUpdate(protocol.UIStatePatch{Theme: &theme}))
		require.NoError(t, err)
	}
	deltas := conn.recvDeltas(5)
	conn.send(protocol.ClientMessage{Type: protocol.TypeAck, Version: deltas[4].Version})
	require.NoError(t, conn.conn.Close())

	// Commits while the client is away.
	for i := 0; i < 4; i++ {
		_, err := f.log.Commit(context.Background(),
			protocol.NewUIStateUpdate(protocol.UIStatePatch{Theme: &theme}))
		require.NoError(t, err)
	}

	resume := deltas[4].Version
	conn2 := f.dial(t)
	first2 := conn2.hello("tab-1", &resume)
	require.Equal(t, protocol.TypeDeltaBatch, first2.Type,
		"resume within retained history must not force a snapshot")

	missed := append([]protocol.Delta{}, first2.Deltas...)
	for len(missed) < 4 {
		missed = append(missed, conn2.recvDeltas(4-len(missed))...)
	}
	for i, d := range missed {
		assert.Equal(t, resume+uint64(i)+1, d.Version)
	}

	// Live delivery continues seamlessly after catch-up.
	_, err := f.log.Commit(context.Background(),
		protocol.NewUIStateUpdate(protocol.UIStatePatch{Theme: &theme}))
	require.NoError(t, err)
	live := conn2.recvDeltas(1)
	assert.Equal(t, missed[3].Version+1, live[0].Version)
}

func TestResumeAheadOfLogFallsBackToSnapshot(t *testing.T) {
	f := newGateway(t, nil)
	conn := f.dial(t)

	resume := uint64(999)
	first := conn.hello("tab-1", &resume)
	assert.Equal(t, protocol.TypeSnapshot, first.Type)
}

// prunedStore pretends history below minRetained was pruned.
type prunedStore struct {
	store.Store
	minRetained uint64
}

func (s *prunedStore) MinRetainedVersion(ctx context.Context) (uint64, error) {
	return s.minRetained, nil
}

func TestStaleResumeForcesSnapshot(t *testing.T) {
	f := newGateway(t, nil)
	f.hub.store = &prunedStore{Store: f.store, minRetained: 121}

	ctx := context.Background()
	cases := []struct {
		from, current uint64
		want          bool
	}{
		{from: 10, current: 130, want: false},  // pruned past the hint
		{from: 120, current: 130, want: true},  // first needed delta is 121
		{from: 119, current: 130, want: false}, // needs the pruned 120
		{from: 130, current: 130, want: true},  // nothing to replay
		{from: 131, current: 130, want: false}, // ahead of the log
	}
	for _, tc := range cases {
		ok, err := f.hub.canReplayFrom(ctx, tc.from, tc.current)
		require.NoError(t, err)
		assert.Equal(t, tc.want, ok, "resume from %d at head %d", tc.from, tc.current)
	}
}

func TestMultiClientFanOutOrdering(t *testing.T) {
	f := newGateway(t, nil)

	conn1 := f.dial(t)
	require.Equal(t, protocol.TypeSnapshot, conn1.hello("tab-1", nil).Type)
	conn2 := f.dial(t)
	require.Equal(t, protocol.TypeSnapshot, conn2.hello("tab-2", nil).Type)

	dir := t.TempDir()
	conn1.send(protocol.ClientMessage{Type: protocol.TypeOpenWorkspace, Path: dir})

	for _, conn := range []*testConn{conn1, conn2} {
		deltas := conn.recvDeltas(2)
		for i, d := range deltas {
			assert.Equal(t, uint64(i+1), d.Version, "every client sees the same order")
		}
	}
}

func TestAckPersistsClientCursor(t *testing.T) {
	f := newGateway(t, nil)
	conn := f.dial(t)
	conn.hello("tab-1", nil)

	theme := "light"
	_, err := f.log.Commit(context.Background(),
		protocol.NewUIStateUpdate(protocol.UIStatePatch{Theme: &theme}))
	require.NoError(t, err)
	deltas := conn.recvDeltas(1)

	conn.send(protocol.ClientMessage{Type: protocol.TypeAck, Version: deltas[0].Version})
	require.Eventually(t, func() bool {
		cur, err := f.store.ClientCursor(context.Background(), "tab-1")
		return err == nil && cur == deltas[0].Version
	}, 2*time.Second, 10*time.Millisecond)
}

func TestAckAheadOfDeliveryIsClamped(t *testing.T) {
	f := newGateway(t, nil)
	conn := f.dial(t)
	conn.hello("tab-1", nil)

	theme := "light"
	_, err := f.log.Commit(context.Background(),
		protocol.NewUIStateUpdate(protocol.UIStatePatch{Theme: &theme}))
	require.NoError(t, err)
	deltas := conn.recvDeltas(1)

	// A cursor past what this connection was sent must not persist; it
	// would let pruning discard deltas the client never received.
	conn.send(protocol.ClientMessage{Type: protocol.TypeAck, Version: deltas[0].Version + 500})
	require.Eventually(t, func() bool {
		cur, err := f.store.ClientCursor(context.Background(), "tab-1")
		return err == nil && cur == deltas[0].Version
	}, 2*time.Second, 10*time.Millisecond)
}

func TestPersistenceDegradedIsBroadcast(t *testing.T) {
	f := newGateway(t, nil)
	conn1 := f.dial(t)
	conn1.hello("tab-1", nil)
	conn2 := f.dial(t)
	conn2.hello("tab-2", nil)

	ev := bus.NewEvent("persistence_state", "", map[string]any{"degraded": true})
	require.NoError(t, f.bus.Publish(context.Background(), bus.SubjectPersistenceState, ev))

	for _, conn := range []*testConn{conn1, conn2} {
		msg := conn.recv()
		assert.Equal(t, protocol.TypeError, msg.Type)
		assert.Equal(t, protocol.ErrCodePersistenceDegraded, msg.Code)
	}
}

func TestSlowClientGetsErrorFrameThenDisconnect(t *testing.T) {
	f := newGatewayWithSync(t, nil, config.SyncConfig{
		OutboundQueueDeltas: 4,
		OutboundQueueBytes:  64 * 1024,
		CatchUpBatchSize:    3,
	})
	conn := f.dial(t)
	conn.hello("", nil)

	// Deltas pile up past the byte budget while the tab reads nothing.
	draft := strings.Repeat("x", 128*1024)
	for i := 0; i < 3; i++ {
		_, err := f.log.Commit(context.Background(), protocol.NewUIStateUpdate(
			protocol.UIStatePatch{Drafts: map[string]string{"/tmp/big": draft}}))
		require.NoError(t, err)
	}

	var sawTooSlow bool
	for i := 0; i < 16; i++ {
		require.NoError(t, conn.conn.SetReadDeadline(time.Now().Add(3*time.Second)))
		var msg protocol.ServerMessage
		if err := conn.conn.ReadJSON(&msg); err != nil {
			break
		}
		if msg.Type == protocol.TypeError && msg.Code == protocol.ErrCodeClientTooSlow {
			sawTooSlow = true
			break
		}
	}
	require.True(t, sawTooSlow, "overflowing client must be told why it is dropped")

	// The server hangs up after the error frame.
	require.NoError(t, conn.conn.SetReadDeadline(time.Now().Add(3*time.Second)))
	_, _, err := conn.conn.ReadMessage()
	assert.Error(t, err)
}

func TestOpenWorkspaceOutsideRootsReturnsError(t *testing.T) {
	allowed := t.TempDir()
	f := newGateway(t, []string{allowed})
	conn := f.dial(t)
	conn.hello("", nil)

	conn.send(protocol.ClientMessage{Type: protocol.TypeOpenWorkspace, Path: t.TempDir()})
	msg := conn.recv()
	assert.Equal(t, protocol.TypeError, msg.Type)
	assert.Equal(t, protocol.ErrCodePathNotAllowed, msg.Code)
}

func TestUnknownTargetsAndActions(t *testing.T) {
	f := newGateway(t, nil)
	conn := f.dial(t)
	conn.hello("", nil)

	conn.send(protocol.ClientMessage{Type: protocol.TypePrompt,
		WorkspaceID: "nope", Message: "hi"})
	msg := conn.recv()
	assert.Equal(t, protocol.ErrCodeUnknownWorkspace, msg.Code)

	conn.send(protocol.ClientMessage{Type: protocol.TypeCloseWorkspace, WorkspaceID: "nope"})
	assert.Equal(t, protocol.ErrCodeUnknownWorkspace, conn.recv().Code)

	conn.send(protocol.ClientMessage{Type: "danceParty"})
	assert.Equal(t, protocol.ErrCodeUnknownAction, conn.recv().Code)
}

func TestSubscribeFiltersWorkspaceDeltas(t *testing.T) {
	f := newGateway(t, nil)
	conn := f.dial(t)
	conn.hello("", nil)

	dirA, dirB := t.TempDir(), t.TempDir()
	conn.send(protocol.ClientMessage{Type: protocol.TypeOpenWorkspace, Path: dirA})
	wsA := conn.recvDeltas(2)[0].Mutation.WorkspaceID
	conn.send(protocol.ClientMessage{Type: protocol.TypeOpenWorkspace, Path: dirB})
	conn.recvDeltas(2)

	conn.send(protocol.ClientMessage{Type: protocol.TypeSubscribe, WorkspaceIDs: []string{wsA}})
	// Subscribe is handled on the read pump; wait for it to take effect
	// before committing.
	require.Eventually(t, func() bool {
		f.hub.mu.RLock()
		defer f.hub.mu.RUnlock()
		for c := range f.hub.clients {
			c.subMu.RLock()
			filtered := c.subscribed != nil
			c.subMu.RUnlock()
			if filtered {
				return true
			}
		}
		return false
	}, 2*time.Second, 10*time.Millisecond)

	st := f.log.CurrentState()
	var wsB string
	for id := range st.Workspaces {
		if id != wsA {
			wsB = id
		}
	}

	_, err := f.log.Commit(context.Background(),
		protocol.NewPaneUIUpdate(wsB, protocol.PaneUI{}))
	require.NoError(t, err)
	_, err = f.log.Commit(context.Background(),
		protocol.NewPaneUIUpdate(wsA, protocol.PaneUI{}))
	require.NoError(t, err)

	deltas := conn.recvDeltas(1)
	assert.Equal(t, wsA, deltas[0].Mutation.WorkspaceID,
		"delta for the unsubscribed workspace must be filtered out")
}

func TestBrowseDirectoryListsSubdirectories(t *testing.T) {
	f := newGateway(t, nil)
	conn := f.dial(t)
	conn.hello("", nil)

	root := t.TempDir()
	for _, name := range []string{"beta", "alpha", ".hidden"} {
		require.NoError(t, mkdirAll(filepath.Join(root, name)))
	}

	conn.send(protocol.ClientMessage{Type: protocol.TypeBrowseDirectory, Path: root})
	msg := conn.recv()
	require.Equal(t, protocol.TypeDirListing, msg.Type)
	require.Len(t, msg.Entries, 2)
	assert.Equal(t, "alpha", msg.Entries[0].Name)
	assert.Equal(t, "beta", msg.Entries[1].Name)
	assert.True(t, msg.Entries[0].IsDir)
}

func TestPromptRoundTripOverWire(t *testing.T) {
	f := newGateway(t, nil)
	conn := f.dial(t)
	conn.hello("", nil)

	dir := t.TempDir()
	conn.send(protocol.ClientMessage{Type: protocol.TypeOpenWorkspace, Path: dir})
	wsID := conn.recvDeltas(2)[0].Mutation.WorkspaceID

	conn.send(protocol.ClientMessage{Type: protocol.TypePrompt,
		WorkspaceID: wsID, Message: "hello there"})

	// The mock agent answers every prompt and ends the turn; wait for
	// the slot to leave streaming with the final message applied.
	require.Eventually(t, func() bool {
		ws := f.log.CurrentState().Workspaces[wsID]
		if ws == nil {
			return false
		}
		slot := ws.Slots[protocol.DefaultSlotID]
		if slot == nil || slot.IsStreaming {
			return false
		}
		for _, m := range slot.Messages {
			for _, part := range m.Content {
				if strings.Contains(part.Text, "Acknowledged: hello there") {
					return true
				}
			}
		}
		return false
	}, 5*time.Second, 20*time.Millisecond)
}

func mkdirAll(path string) error {
	return os.MkdirAll(path, 0o755)
}
