package orchestration

import (
	"context"
	"encoding/json"
	"time"

	"github.com/stepflow-io/stepflow/core"
	"github.com/stepflow-io/stepflow/storage"
)

// Notifier fans appended progress events out to an execution's active
// callback topics. Delivery outcomes feed back into the subscription rows;
// overdue subscriptions are expired as a side effect of the sweep. Fan-out
// is best-effort: a delivery failure never blocks the engine.
type Notifier struct {
	bus    EventBus
	subs   *SubscriptionManager
	logger core.Logger
}

// NotifierOption configures a Notifier.
type NotifierOption func(*Notifier)

// WithNotifierLogger sets the logger (defaults to NoOp).
func WithNotifierLogger(logger core.Logger) NotifierOption {
	return func(n *Notifier) {
		if logger != nil {
			n.logger = logger
		}
	}
}

// NewNotifier creates a notifier publishing through the given bus.
// Returns concrete type per Go idiom "return structs, accept interfaces".
func NewNotifier(bus EventBus, subs *SubscriptionManager, opts ...NotifierOption) *Notifier {
	n := &Notifier{bus: bus, subs: subs, logger: &core.NoOpLogger{}}
	for _, opt := range opts {
		opt(n)
	}
	return n
}

// callbackEnvelope is the JSON document delivered to callback topics.
type callbackEnvelope struct {
	ExecutionID     string                 `json:"execution_id"`
	EventType       storage.EventType      `json:"event_type"`
	Progress        float64                `json:"progress_percentage"`
	CurrentStepDesc string                 `json:"current_step_desc,omitempty"`
	EventDetails    map[string]interface{} `json:"event_details,omitempty"`
	SequenceNumber  int64                  `json:"sequence_number"`
	Timestamp       time.Time              `json:"timestamp"`
}

// NotifyProgress delivers one appended progress event to every active
// subscription of its execution.
func (n *Notifier) NotifyProgress(ctx context.Context, event *storage.ProgressEvent) {
	if _, err := n.subs.ExpireOverdue(ctx, event.ExecutionID, time.Now().UTC()); err != nil {
		n.logger.WarnWithContext(ctx, "Expiring overdue subscriptions failed", map[string]interface{}{
			"operation":    "notify_progress",
			"execution_id": event.ExecutionID,
			"error":        err.Error(),
		})
	}

	active, err := n.subs.ActiveSubscriptions(ctx, event.ExecutionID)
	if err != nil {
		n.logger.ErrorWithContext(ctx, "Listing active subscriptions failed", map[string]interface{}{
			"operation":    "notify_progress",
			"execution_id": event.ExecutionID,
			"error":        err.Error(),
		})
		return
	}
	if len(active) == 0 {
		return
	}

	payload, err := json.Marshal(callbackEnvelope{
		ExecutionID:     event.ExecutionID,
		EventType:       event.EventType,
		Progress:        event.Progress,
		CurrentStepDesc: event.CurrentStepDesc,
		EventDetails:    event.EventDetails,
		SequenceNumber:  event.SequenceNumber,
		Timestamp:       event.Timestamp,
	})
	if err != nil {
		n.logger.ErrorWithContext(ctx, "Encoding callback payload failed", map[string]interface{}{
			"operation":    "notify_progress",
			"execution_id": event.ExecutionID,
			"error":        err.Error(),
		})
		return
	}

	for _, sub := range active {
		if err := n.bus.Publish(ctx, sub.CallbackTopic, payload); err != nil {
			n.logger.WarnWithContext(ctx, "Callback delivery failed", map[string]interface{}{
				"operation":    "notify_progress",
				"execution_id": event.ExecutionID,
				"topic":        sub.CallbackTopic,
				"error":        err.Error(),
			})
			if markErr := n.subs.MarkDeliveryFailed(ctx, sub.ID, err.Error()); markErr != nil {
				n.logger.ErrorWithContext(ctx, "Recording delivery failure failed", map[string]interface{}{
					"operation":       "notify_progress",
					"subscription_id": sub.ID,
					"error":           markErr.Error(),
				})
			}
			continue
		}
		if err := n.subs.MarkDeliverySuccess(ctx, sub.ID); err != nil {
			n.logger.WarnWithContext(ctx, "Recording delivery success failed", map[string]interface{}{
				"operation":       "notify_progress",
				"subscription_id": sub.ID,
				"error":           err.Error(),
			})
		}
	}
}
