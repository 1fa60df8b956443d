package websocket

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/pideck/pideck/internal/common/logger"
	"github.com/pideck/pideck/pkg/protocol"
)

const (
	// Time allowed to write a message to the peer
	writeWait = 10 * time.Second

	// Time allowed to read the next pong message from the peer
	pongWait = 60 * time.Second

	// Send pings to peer with this period (must be less than pongWait)
	pingPeriod = (pongWait * 9) / 10

	// Time allowed for the client to send its hello frame
	helloWait = 10 * time.Second

	// Maximum message size allowed from peer; prompts may carry base64
	// images.
	maxMessageSize = 16 * 1024 * 1024
)

// queueItem is one outbound frame. Version is non-zero for delta frames
// and lets the write pump skip deltas already covered by catch-up.
type queueItem struct {
	version uint64
	frame   []byte
}

// Client is one WebSocket connection. Several connections may share a
// clientId (browser tabs); each keeps its own send queue and cursors.
type Client struct {
	connID   string
	clientID string
	conn     *websocket.Conn
	hub      *Hub

	send        chan queueItem
	queuedBytes atomic.Int64

	// lastSentVersion is the highest delta version written to the
	// socket; queued deltas at or below it are dropped.
	lastSentVersion  atomic.Uint64
	lastAckedVersion atomic.Uint64

	// subscribedWorkspaces restricts delta fan-out; nil means all.
	subMu      sync.RWMutex
	subscribed map[string]bool

	slowOnce sync.Once
	tooSlow  chan struct{}

	logger *logger.Logger
}

func newClient(connID string, conn *websocket.Conn, hub *Hub, log *logger.Logger) *Client {
	return &Client{
		connID:  connID,
		conn:    conn,
		hub:     hub,
		send:    make(chan queueItem, hub.cfg.OutboundQueueDeltas),
		tooSlow: make(chan struct{}),
		logger:  log.WithFields(zap.String("conn_id", connID)),
	}
}

// wantsDelta applies the client's workspace subscription filter. Global
// mutations always pass.
func (c *Client) wantsDelta(d protocol.Delta) bool {
	if d.Mutation.Global() {
		return true
	}
	c.subMu.RLock()
	defer c.subMu.RUnlock()
	if c.subscribed == nil {
		return true
	}
	return c.subscribed[d.Mutation.WorkspaceID]
}

func (c *Client) setSubscriptions(workspaceIDs []string) {
	c.subMu.Lock()
	defer c.subMu.Unlock()
	if workspaceIDs == nil {
		c.subscribed = nil
		return
	}
	c.subscribed = make(map[string]bool, len(workspaceIDs))
	for _, id := range workspaceIDs {
		c.subscribed[id] = true
	}
}

// enqueueDelta queues a committed delta for delivery. Called from the
// commit region; never blocks. Overflow of either bound marks the
// client too slow and the write pump disconnects it.
func (c *Client) enqueueDelta(d protocol.Delta) {
	if !c.wantsDelta(d) {
		return
	}
	frame, err := protocol.EncodeServerMessage(protocol.NewDeltaMessage(d))
	if err != nil {
		c.logger.Error("Failed to encode delta", zap.Error(err))
		return
	}
	if c.queuedBytes.Add(int64(len(frame))) > int64(c.hub.cfg.OutboundQueueBytes) {
		c.queuedBytes.Add(-int64(len(frame)))
		c.markTooSlow()
		return
	}
	select {
	case c.send <- queueItem{version: d.Version, frame: frame}:
	default:
		c.queuedBytes.Add(-int64(len(frame)))
		c.markTooSlow()
	}
}

// enqueueMessage queues a non-delta frame (errors, listings).
func (c *Client) enqueueMessage(msg *protocol.ServerMessage) {
	frame, err := protocol.EncodeServerMessage(msg)
	if err != nil {
		c.logger.Error("Failed to encode message", zap.Error(err))
		return
	}
	c.queuedBytes.Add(int64(len(frame)))
	select {
	case c.send <- queueItem{frame: frame}:
	default:
		c.queuedBytes.Add(-int64(len(frame)))
	}
}

func (c *Client) sendError(code, message, workspaceID string) {
	c.enqueueMessage(protocol.NewErrorMessage(code, message, workspaceID))
}

func (c *Client) markTooSlow() {
	c.slowOnce.Do(func() {
		c.logger.Warn("Client outbound queue overflow, disconnecting")
		close(c.tooSlow)
	})
}

// writeDirect writes a frame synchronously. Only used during the
// handshake, before the write pump starts.
func (c *Client) writeDirect(msg *protocol.ServerMessage) error {
	frame, err := protocol.EncodeServerMessage(msg)
	if err != nil {
		return err
	}
	_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
	return c.conn.WriteMessage(websocket.TextMessage, frame)
}

// ReadPump pumps frames from the connection into the command router.
func (c *Client) ReadPump(ctx context.Context) {
	defer func() {
		c.hub.unregister(c)
		_ = c.conn.Close()
	}()

	c.conn.SetReadLimit(maxMessageSize)
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				c.logger.Debug("WebSocket read error", zap.Error(err))
			}
			return
		}

		msg, err := protocol.DecodeClientMessage(data)
		if err != nil {
			c.sendError(protocol.ErrCodeBadPayload, err.Error(), "")
			continue
		}
		c.hub.router.Handle(ctx, c, msg)
	}
}

// WritePump pumps queued frames to the connection and keeps the peer
// alive with pings.
func (c *Client) WritePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		_ = c.conn.Close()
	}()

	for {
		select {
		case item, ok := <-c.send:
			if !ok {
				_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
				_ = c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			c.queuedBytes.Add(-int64(len(item.frame)))

			// Deltas already delivered through catch-up are skipped.
			if item.version != 0 && item.version <= c.lastSentVersion.Load() {
				continue
			}

			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.TextMessage, item.frame); err != nil {
				return
			}
			if item.version != 0 {
				c.lastSentVersion.Store(item.version)
			}

		case <-c.tooSlow:
			frame, err := protocol.EncodeServerMessage(
				protocol.NewErrorMessage(protocol.ErrCodeClientTooSlow,
					"outbound queue limit exceeded", ""))
			if err == nil {
				_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
				_ = c.conn.WriteMessage(websocket.TextMessage, frame)
			}
			return

		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
