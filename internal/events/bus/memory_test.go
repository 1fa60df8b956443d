package bus

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pideck/pideck/internal/common/logger"
)

func newTestBus(t *testing.T) *MemoryEventBus {
	t.Helper()
	log, err := logger.NewLogger(logger.LoggingConfig{Level: "error", Format: "console"})
	require.NoError(t, err)
	return NewMemoryEventBus(log)
}

func TestPublishDeliversToExactSubject(t *testing.T) {
	b := newTestBus(t)
	defer b.Close()

	received := make(chan *Event, 1)
	_, err := b.Subscribe(SubjectPlansChanged, func(ctx context.Context, e *Event) error {
		received <- e
		return nil
	})
	require.NoError(t, err)

	ev := NewEvent("plans_changed", "ws-1", map[string]any{"count": 3})
	require.NoError(t, b.Publish(context.Background(), SubjectPlansChanged, ev))

	select {
	case got := <-received:
		assert.Equal(t, "plans_changed", got.Type)
		assert.Equal(t, "ws-1", got.WorkspaceID)
	case <-time.After(time.Second):
		t.Fatal("event not delivered")
	}
}

func TestWildcardSubscription(t *testing.T) {
	b := newTestBus(t)
	defer b.Close()

	var mu sync.Mutex
	var subjects []string
	done := make(chan struct{}, 2)
	_, err := b.Subscribe("pideck.provider.*", func(ctx context.Context, e *Event) error {
		mu.Lock()
		subjects = append(subjects, e.Type)
		mu.Unlock()
		done <- struct{}{}
		return nil
	})
	require.NoError(t, err)

	require.NoError(t, b.Publish(context.Background(), SubjectPlansChanged, NewEvent("plans", "", nil)))
	require.NoError(t, b.Publish(context.Background(), SubjectJobsChanged, NewEvent("jobs", "", nil)))

	for i := 0; i < 2; i++ {
		select {
		case <-done:
		case <-time.After(time.Second):
			t.Fatal("wildcard delivery timed out")
		}
	}

	mu.Lock()
	defer mu.Unlock()
	assert.ElementsMatch(t, []string{"plans", "jobs"}, subjects)
}

func TestUnsubscribeStopsDelivery(t *testing.T) {
	b := newTestBus(t)
	defer b.Close()

	received := make(chan *Event, 1)
	sub, err := b.Subscribe(SubjectWorkspaceOpened, func(ctx context.Context, e *Event) error {
		received <- e
		return nil
	})
	require.NoError(t, err)
	require.NoError(t, sub.Unsubscribe())
	assert.False(t, sub.IsValid())

	require.NoError(t, b.Publish(context.Background(), SubjectWorkspaceOpened, NewEvent("opened", "ws-1", nil)))

	select {
	case <-received:
		t.Fatal("unsubscribed handler still received event")
	case <-time.After(100 * time.Millisecond):
	}
}

func TestPublishAfterCloseFails(t *testing.T) {
	b := newTestBus(t)
	b.Close()
	assert.False(t, b.IsConnected())
	assert.Error(t, b.Publish(context.Background(), SubjectPlansChanged, NewEvent("x", "", nil)))
}
