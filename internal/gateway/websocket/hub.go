// Package websocket is the sync gateway: it upgrades browser
// connections, replays state on connect, and fans committed deltas out
// to every subscribed client in version order.
package websocket

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/pideck/pideck/internal/commitlog"
	"github.com/pideck/pideck/internal/common/config"
	"github.com/pideck/pideck/internal/common/logger"
	"github.com/pideck/pideck/internal/events/bus"
	"github.com/pideck/pideck/internal/store"
	"github.com/pideck/pideck/internal/workspace"
	"github.com/pideck/pideck/pkg/protocol"
)

var (
	errFirstFrameNotHello  = errors.New("first frame must be hello")
	errUnsupportedProtocol = errors.New("unsupported protocol version")
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	// The deck is a local control surface; browsers connect from
	// arbitrary origins (tailscale hostnames, localhost ports).
	CheckOrigin: func(r *http.Request) bool { return true },
}

// Hub owns the single commit-log subscription and the set of connected
// clients. Fan-out happens inside the commit region, so enqueueing must
// never block; per-client queues absorb the slack.
type Hub struct {
	log      *commitlog.Log
	store    store.Store
	registry *workspace.Registry
	router   *Router
	eventBus bus.EventBus
	cfg      config.SyncConfig
	logger   *logger.Logger

	mu          sync.RWMutex
	clients     map[*Client]bool
	unsubscribe func()
	busSub      bus.Subscription
}

// NewHub creates the gateway hub.
func NewHub(log *commitlog.Log, st store.Store, registry *workspace.Registry,
	eventBus bus.EventBus, cfg config.SyncConfig, lg *logger.Logger) *Hub {
	h := &Hub{
		log:      log,
		store:    st,
		registry: registry,
		eventBus: eventBus,
		cfg:      cfg,
		logger:   lg.WithFields(zap.String("component", "sync_hub")),
		clients:  make(map[*Client]bool),
	}
	h.router = NewRouter(log, st, registry, lg)
	return h
}

// Start subscribes the hub to the commit log and to persistence-state
// events. Must be called before serving connections.
func (h *Hub) Start() {
	h.unsubscribe = h.log.Subscribe(h.fanOut)
	if h.eventBus != nil {
		sub, err := h.eventBus.Subscribe(bus.SubjectPersistenceState, h.onPersistenceState)
		if err != nil {
			h.logger.Warn("Failed to subscribe to persistence state", zap.Error(err))
		} else {
			h.busSub = sub
		}
	}
}

// Shutdown detaches from the commit log and closes every client.
func (h *Hub) Shutdown() {
	if h.unsubscribe != nil {
		h.unsubscribe()
	}
	if h.busSub != nil {
		_ = h.busSub.Unsubscribe()
	}
	h.mu.Lock()
	for client := range h.clients {
		close(client.send)
		delete(h.clients, client)
	}
	h.mu.Unlock()
}

// onPersistenceState tells every connected client when the commit log
// enters degraded mode, so browsers can warn before their next command
// bounces.
func (h *Hub) onPersistenceState(ctx context.Context, ev *bus.Event) error {
	degraded, _ := ev.Data["degraded"].(bool)
	if !degraded {
		return nil
	}
	h.mu.RLock()
	defer h.mu.RUnlock()
	for client := range h.clients {
		client.enqueueMessage(protocol.NewErrorMessage(
			protocol.ErrCodePersistenceDegraded,
			"state persistence is degraded, mutating commands are refused", ""))
	}
	return nil
}

// fanOut delivers a committed delta to every registered client. Runs
// inside the commit mutex; per-client enqueue is non-blocking.
func (h *Hub) fanOut(d protocol.Delta) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for client := range h.clients {
		client.enqueueDelta(d)
	}
}

func (h *Hub) register(c *Client) {
	h.mu.Lock()
	h.clients[c] = true
	h.mu.Unlock()
}

func (h *Hub) unregister(c *Client) {
	h.mu.Lock()
	if _, ok := h.clients[c]; ok {
		delete(h.clients, c)
		close(c.send)
	}
	h.mu.Unlock()
}

// ClientCount returns the number of live connections.
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// HandleWebSocket is the gin handler for /ws.
func (h *Hub) HandleWebSocket(c *gin.Context) {
	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.logger.Error("WebSocket upgrade failed", zap.Error(err))
		return
	}

	// The request context ends when this handler returns; the
	// connection outlives it.
	client := newClient(uuid.New().String(), conn, h, h.logger)
	go h.serve(context.Background(), client)
}

// serve runs one connection: hello handshake, catch-up replay, then the
// read and write pumps.
func (h *Hub) serve(ctx context.Context, client *Client) {
	if err := h.handshake(ctx, client); err != nil {
		h.logger.Debug("Handshake failed",
			zap.String("conn_id", client.connID), zap.Error(err))
		_ = client.conn.Close()
		return
	}

	go client.WritePump()
	client.ReadPump(ctx)
}

// handshake reads the hello frame, registers the client so live deltas
// start queueing, then replays history directly on the connection. The
// order matters: registration before replay means no committed version
// can fall between the replayed history and the queue, and the write
// pump's version skip drops the overlap.
func (h *Hub) handshake(ctx context.Context, client *Client) error {
	_ = client.conn.SetReadDeadline(time.Now().Add(helloWait))
	_, data, err := client.conn.ReadMessage()
	if err != nil {
		return err
	}
	msg, err := protocol.DecodeClientMessage(data)
	if err != nil {
		_ = client.writeDirect(protocol.NewErrorMessage(
			protocol.ErrCodeBadPayload, err.Error(), ""))
		return err
	}
	if msg.Type != protocol.TypeHello {
		_ = client.writeDirect(protocol.NewErrorMessage(
			protocol.ErrCodeProtocolViolation, "first frame must be hello", ""))
		return errFirstFrameNotHello
	}
	if msg.ProtocolVersion > protocol.ProtocolVersion {
		_ = client.writeDirect(protocol.NewErrorMessage(
			protocol.ErrCodeUnsupportedProtocol,
			"server speaks protocol version 1", ""))
		return errUnsupportedProtocol
	}

	client.clientID = msg.ClientID
	if client.clientID == "" {
		client.clientID = uuid.New().String()
	}
	client.logger = client.logger.WithClientID(client.clientID)

	h.register(client)
	if err := h.replay(ctx, client, msg.ResumeFromVersion); err != nil {
		h.unregister(client)
		return err
	}

	h.logger.Info("Client connected",
		zap.String("client_id", client.clientID),
		zap.Uint64("at_version", client.lastSentVersion.Load()))
	return nil
}

// replay brings the connection up to date: a delta batch walk when the
// resume point is still retained, a full snapshot otherwise.
func (h *Hub) replay(ctx context.Context, client *Client, resume *uint64) error {
	if resume != nil {
		ok, err := h.replayDeltas(ctx, client, *resume)
		if err != nil {
			return err
		}
		if ok {
			return nil
		}
	}

	snap := h.log.CurrentState()
	if err := client.writeDirect(protocol.NewSnapshotMessage(snap.Version, snap)); err != nil {
		return err
	}
	client.lastSentVersion.Store(snap.Version)
	return nil
}

// canReplayFrom reports whether the retained log still covers the
// client's resume point. A hint ahead of the log, or one whose first
// needed delta (from+1) was pruned, forces a snapshot instead.
func (h *Hub) canReplayFrom(ctx context.Context, from, current uint64) (bool, error) {
	if from > current {
		return false, nil
	}
	if from == current {
		return true, nil
	}
	min, err := h.store.MinRetainedVersion(ctx)
	if err != nil {
		return false, err
	}
	return min != 0 && min <= from+1, nil
}

// replayDeltas streams history from the resume point in batches.
// Returns false when the resume point cannot be served from the
// retained log, in which case the caller falls back to a snapshot.
func (h *Hub) replayDeltas(ctx context.Context, client *Client, from uint64) (bool, error) {
	current := h.log.Version()
	ok, err := h.canReplayFrom(ctx, from, current)
	if err != nil || !ok {
		return false, err
	}

	v := from
	for v < current {
		deltas, err := h.store.DeltasSince(ctx, v, h.cfg.CatchUpBatchSize)
		if err != nil {
			return false, err
		}
		if len(deltas) == 0 {
			break
		}
		if err := client.writeDirect(protocol.NewDeltaBatchMessage(deltas)); err != nil {
			return false, err
		}
		v = deltas[len(deltas)-1].Version
	}
	client.lastSentVersion.Store(v)
	return true, nil
}
