// Package bus provides the out-of-band event bus for Pi-Deck. Ordered
// state deltas never travel here; the bus carries operational events
// (provider refreshes, persistence degradation, workspace lifecycle)
// where delivery order across subjects does not matter.
package bus

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// Well-known subjects. Subjects are dotted and support NATS-style
// wildcard subscription (* for one token, > for the rest).
const (
	SubjectPlansChanged     = "pideck.provider.plans"
	SubjectJobsChanged      = "pideck.provider.jobs"
	SubjectSessionsChanged  = "pideck.provider.sessions"
	SubjectWorkspaceOpened  = "pideck.workspace.opened"
	SubjectWorkspaceClosed  = "pideck.workspace.closed"
	SubjectPersistenceState = "pideck.persistence.state"
)

// Event is a message on the bus.
type Event struct {
	ID          string         `json:"id"`
	Type        string         `json:"type"`
	WorkspaceID string         `json:"workspaceId,omitempty"`
	Timestamp   time.Time      `json:"timestamp"`
	Data        map[string]any `json:"data,omitempty"`
}

// NewEvent creates an event with a fresh ID and current timestamp.
func NewEvent(eventType, workspaceID string, data map[string]any) *Event {
	return &Event{
		ID:          uuid.New().String(),
		Type:        eventType,
		WorkspaceID: workspaceID,
		Timestamp:   time.Now().UTC(),
		Data:        data,
	}
}

// EventHandler handles one delivered event.
type EventHandler func(ctx context.Context, event *Event) error

// Subscription is an active subscription handle.
type Subscription interface {
	Unsubscribe() error
	IsValid() bool
}

// EventBus fans events out to subscribers. Implementations: in-memory
// (default) and NATS (when nats.url is configured).
type EventBus interface {
	Publish(ctx context.Context, subject string, event *Event) error
	Subscribe(subject string, handler EventHandler) (Subscription, error)
	Close()
	IsConnected() bool
}
