package orchestration

import (
	"context"
	"encoding/json"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stepflow-io/stepflow/storage"
)

func TestNotifyProgressDeliversEnvelope(t *testing.T) {
	ctx := context.Background()
	store := storage.NewInMemoryStore()
	bus := NewInMemoryEventBus()
	subs := NewSubscriptionManager(store)
	notifier := NewNotifier(bus, subs)

	_, err := subs.CreateSubscriptions(ctx, "exec-1", []string{"alerts", "audit.log"}, nil)
	require.NoError(t, err)

	alerts, cancelA, err := bus.Subscribe(ctx, "alerts")
	require.NoError(t, err)
	defer cancelA()
	audit, cancelB, err := bus.Subscribe(ctx, "audit.log")
	require.NoError(t, err)
	defer cancelB()

	notifier.NotifyProgress(ctx, &storage.ProgressEvent{
		ExecutionID:     "exec-1",
		EventType:       storage.EventStepCompleted,
		Progress:        50,
		CurrentStepDesc: "provision",
		EventDetails:    map[string]interface{}{"step_id": "provision"},
		SequenceNumber:  3,
		Timestamp:       time.Now().UTC(),
	})

	for _, ch := range []<-chan []byte{alerts, audit} {
		var envelope map[string]interface{}
		require.NoError(t, json.Unmarshal(receiveOne(t, ch), &envelope))
		assert.Equal(t, "exec-1", envelope["execution_id"])
		assert.Equal(t, "step_completed", envelope["event_type"])
		assert.Equal(t, float64(50), envelope["progress_percentage"])
		assert.Equal(t, "provision", envelope["current_step_desc"])
		assert.Equal(t, float64(3), envelope["sequence_number"])
	}

	// Both subscriptions stay active after successful delivery.
	active, err := subs.ActiveSubscriptions(ctx, "exec-1")
	require.NoError(t, err)
	assert.Len(t, active, 2)
}

// failingBus rejects every publish.
type failingBus struct{}

func (failingBus) Publish(ctx context.Context, topic string, payload []byte) error {
	return fmt.Errorf("broker unreachable")
}

func (failingBus) Subscribe(ctx context.Context, topic string) (<-chan []byte, func(), error) {
	return nil, nil, fmt.Errorf("broker unreachable")
}

func TestNotifyProgressRecordsDeliveryFailure(t *testing.T) {
	ctx := context.Background()
	store := storage.NewInMemoryStore()
	subs := NewSubscriptionManager(store)
	notifier := NewNotifier(failingBus{}, subs)

	ids, err := subs.CreateSubscriptions(ctx, "exec-1", []string{"alerts"}, nil)
	require.NoError(t, err)
	require.Len(t, ids, 1)

	notifier.NotifyProgress(ctx, &storage.ProgressEvent{
		ExecutionID: "exec-1",
		EventType:   storage.EventWorkflowProgress,
	})

	sub, err := store.GetSubscription(ctx, ids[0])
	require.NoError(t, err)
	assert.Equal(t, storage.DeliveryFailed, sub.DeliveryStatus)
	assert.Equal(t, "broker unreachable", sub.FailureReason)
}

func TestNotifyProgressExpiresOverdueFirst(t *testing.T) {
	ctx := context.Background()
	store := storage.NewInMemoryStore()
	bus := NewInMemoryEventBus()
	subs := NewSubscriptionManager(store)
	notifier := NewNotifier(bus, subs)

	past := time.Now().UTC().Add(-time.Hour)
	ids, err := subs.CreateSubscriptions(ctx, "exec-1", []string{"stale"}, &past)
	require.NoError(t, err)
	require.Len(t, ids, 1)

	stale, cancel, err := bus.Subscribe(ctx, "stale")
	require.NoError(t, err)
	defer cancel()

	notifier.NotifyProgress(ctx, &storage.ProgressEvent{
		ExecutionID: "exec-1",
		EventType:   storage.EventWorkflowProgress,
	})

	select {
	case <-stale:
		t.Fatal("expired subscription received a delivery")
	default:
	}
	sub, err := store.GetSubscription(ctx, ids[0])
	require.NoError(t, err)
	assert.Equal(t, storage.DeliveryExpired, sub.DeliveryStatus)
}
