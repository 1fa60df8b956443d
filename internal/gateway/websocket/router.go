package websocket

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"go.uber.org/zap"

	"github.com/pideck/pideck/internal/agent"
	"github.com/pideck/pideck/internal/commitlog"
	"github.com/pideck/pideck/internal/common/logger"
	"github.com/pideck/pideck/internal/common/tracing"
	"github.com/pideck/pideck/internal/state"
	"github.com/pideck/pideck/internal/store"
	"github.com/pideck/pideck/internal/workspace"
	"github.com/pideck/pideck/pkg/protocol"
)

// Router dispatches client command frames to the registry, the slot
// adapters, and the commit log.
type Router struct {
	log      *commitlog.Log
	store    store.Store
	registry *workspace.Registry
	logger   *logger.Logger
}

// NewRouter creates a command router.
func NewRouter(log *commitlog.Log, st store.Store, registry *workspace.Registry,
	lg *logger.Logger) *Router {
	return &Router{
		log:      log,
		store:    st,
		registry: registry,
		logger:   lg.WithFields(zap.String("component", "command_router")),
	}
}

// mutating reports whether a command type would grow the state log.
// These are refused while persistence is degraded; reads, acks, and
// abort commands stay available.
func mutating(msgType string) bool {
	switch msgType {
	case protocol.TypeAck, protocol.TypeSubscribe, protocol.TypeBrowseDirectory,
		protocol.TypeAbort, protocol.TypeAbortBash:
		return false
	}
	return true
}

// Handle routes one decoded client frame. Errors are reported back on
// the same connection; the connection stays open.
func (r *Router) Handle(ctx context.Context, c *Client, msg *protocol.ClientMessage) {
	ctx, span := tracing.Tracer("gateway").Start(ctx, "ws."+msg.Type)
	defer span.End()

	if mutating(msg.Type) && r.log.Degraded() {
		c.sendError(protocol.ErrCodePersistenceDegraded,
			"state persistence is degraded, command refused", msg.WorkspaceID)
		return
	}

	var err error
	switch msg.Type {
	case protocol.TypeHello:
		// Hello is consumed by the handshake; a repeat is a protocol
		// error but not worth dropping the connection over.
		c.sendError(protocol.ErrCodeProtocolViolation, "duplicate hello", "")
		return

	case protocol.TypeAck:
		r.handleAck(ctx, c, msg.Version)
		return

	case protocol.TypeSubscribe:
		c.setSubscriptions(msg.WorkspaceIDs)
		return

	case protocol.TypeOpenWorkspace:
		_, err = r.registry.OpenWorkspace(ctx, msg.Path)

	case protocol.TypeCloseWorkspace:
		err = r.registry.CloseWorkspace(ctx, msg.WorkspaceID)

	case protocol.TypeBrowseDirectory:
		r.handleBrowse(c, msg.Path)
		return

	case protocol.TypeCreateSlot:
		err = r.registry.CreateSlot(ctx, msg.WorkspaceID, msg.SlotID)

	case protocol.TypeDeleteSlot:
		err = r.registry.DeleteSlot(ctx, msg.WorkspaceID, msg.SlotID)

	case protocol.TypePrompt:
		err = r.withAdapter(c, msg, func(a *agent.Adapter) error {
			return a.SendPrompt(ctx, msg.Message, msg.Images)
		})

	case protocol.TypeSteer:
		err = r.withAdapter(c, msg, func(a *agent.Adapter) error {
			return a.Steer(ctx, msg.Message)
		})

	case protocol.TypeFollowUp:
		err = r.withAdapter(c, msg, func(a *agent.Adapter) error {
			return a.FollowUp(ctx, msg.Message)
		})

	case protocol.TypeAbort:
		err = r.withAdapter(c, msg, func(a *agent.Adapter) error {
			return a.Abort(ctx)
		})

	case protocol.TypeSetModel:
		err = r.withAdapter(c, msg, func(a *agent.Adapter) error {
			return a.SetModel(ctx, msg.Provider, msg.ModelID)
		})

	case protocol.TypeSetThinkingLevel:
		err = r.withAdapter(c, msg, func(a *agent.Adapter) error {
			return a.SetThinkingLevel(ctx, msg.Level)
		})

	case protocol.TypeNewSession:
		err = r.withAdapter(c, msg, func(a *agent.Adapter) error {
			return a.NewSession(ctx)
		})

	case protocol.TypeSwitchSession:
		err = r.withAdapter(c, msg, func(a *agent.Adapter) error {
			return a.SwitchSession(ctx, msg.SessionFile)
		})

	case protocol.TypeCompact:
		err = r.withAdapter(c, msg, func(a *agent.Adapter) error {
			return a.Compact(ctx, msg.Instructions)
		})

	case protocol.TypeFork:
		err = r.withAdapter(c, msg, func(a *agent.Adapter) error {
			return a.Fork(ctx, msg.EntryID)
		})

	case protocol.TypeBash:
		err = r.withAdapter(c, msg, func(a *agent.Adapter) error {
			return a.Bash(ctx, msg.Command)
		})

	case protocol.TypeAbortBash:
		err = r.withAdapter(c, msg, func(a *agent.Adapter) error {
			return a.AbortBash(ctx)
		})

	case protocol.TypeQuestionnaireResponse:
		err = r.withAdapter(c, msg, func(a *agent.Adapter) error {
			return a.RespondToPendingUI(ctx, msg.ID, msg.Response)
		})

	case protocol.TypePaneUI:
		if msg.PaneUI == nil {
			err = fmt.Errorf("paneUI payload missing")
			break
		}
		_, err = r.log.Commit(ctx, protocol.NewPaneUIUpdate(msg.WorkspaceID, *msg.PaneUI))

	case protocol.TypeUIState:
		if msg.UIState == nil {
			err = fmt.Errorf("uiState payload missing")
			break
		}
		_, err = r.log.Commit(ctx, protocol.NewUIStateUpdate(*msg.UIState))

	default:
		c.sendError(protocol.ErrCodeUnknownAction,
			fmt.Sprintf("unknown message type %q", msg.Type), msg.WorkspaceID)
		return
	}

	if err != nil {
		r.reportError(c, msg, err)
	}
}

// withAdapter resolves the target slot adapter and runs the command.
func (r *Router) withAdapter(c *Client, msg *protocol.ClientMessage,
	fn func(*agent.Adapter) error) error {
	slotID := msg.SlotID
	if slotID == "" {
		slotID = protocol.DefaultSlotID
	}
	adapter, err := r.registry.Adapter(msg.WorkspaceID, slotID)
	if err != nil {
		return err
	}
	return fn(adapter)
}

func (r *Router) handleAck(ctx context.Context, c *Client, version uint64) {
	// An ack never runs ahead of what this connection was sent; a bogus
	// cursor must not let pruning cross undelivered history.
	if sent := c.lastSentVersion.Load(); version > sent {
		version = sent
	}
	// Cursors only move forward; a stale ack after reconnect is a no-op.
	for {
		prev := c.lastAckedVersion.Load()
		if version <= prev {
			return
		}
		if c.lastAckedVersion.CompareAndSwap(prev, version) {
			break
		}
	}
	if err := r.store.ClientAck(ctx, c.clientID, version); err != nil {
		r.logger.Warn("Failed to persist ack cursor",
			zap.String("client_id", c.clientID), zap.Error(err))
	}
}

// handleBrowse lists the subdirectories of a path for the workspace
// picker. Defaults to the user's home directory.
func (r *Router) handleBrowse(c *Client, path string) {
	if path == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			c.sendError(protocol.ErrCodeInternal, "cannot resolve home directory", "")
			return
		}
		path = home
	}
	path = filepath.Clean(path)

	entries, err := os.ReadDir(path)
	if err != nil {
		c.sendError(protocol.ErrCodeBadPayload,
			fmt.Sprintf("cannot read directory: %s", path), "")
		return
	}

	listing := make([]protocol.DirEntry, 0, len(entries))
	for _, e := range entries {
		if !e.IsDir() || strings.HasPrefix(e.Name(), ".") {
			continue
		}
		listing = append(listing, protocol.DirEntry{
			Name:  e.Name(),
			Path:  filepath.Join(path, e.Name()),
			IsDir: true,
		})
	}
	sort.Slice(listing, func(i, j int) bool { return listing[i].Name < listing[j].Name })

	c.enqueueMessage(&protocol.ServerMessage{
		Type:    protocol.TypeDirListing,
		Path:    path,
		Entries: listing,
	})
}

// reportError maps command failures to wire error codes.
func (r *Router) reportError(c *Client, msg *protocol.ClientMessage, err error) {
	code := protocol.ErrCodeInternal
	switch {
	case state.IsIgnored(err):
		// Idempotent no-op; nothing to report.
		return
	case errors.Is(err, workspace.ErrPathNotAllowed):
		code = protocol.ErrCodePathNotAllowed
	case errors.Is(err, workspace.ErrUnknownWorkspace):
		code = protocol.ErrCodeUnknownWorkspace
	case errors.Is(err, workspace.ErrUnknownSlot):
		code = protocol.ErrCodeUnknownSlot
	case errors.Is(err, commitlog.ErrDegraded):
		code = protocol.ErrCodePersistenceDegraded
	case errors.Is(err, agent.ErrPendingUIMismatch):
		code = protocol.ErrCodePendingUIConflict
	case state.IsRejection(err):
		code = protocol.ErrCodeBadPayload
	}

	r.logger.Debug("Command failed",
		zap.String("type", msg.Type),
		zap.String("code", code),
		zap.Error(err))
	c.sendError(code, err.Error(), msg.WorkspaceID)
}
