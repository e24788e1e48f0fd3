package orchestration

import (
	"context"
	"fmt"
	"regexp"
	"sync"
	"time"

	"github.com/stepflow-io/stepflow/core"
	"github.com/stepflow-io/stepflow/storage"
)

// topicPattern is the callback topic grammar: a letter or underscore
// followed by letters, digits, underscores, dots, or hyphens.
var topicPattern = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_.\-]*$`)

// SubscriptionManager validates callback topics and maintains the
// subscription rows of an execution. Topic validation results are cached
// in-process because the same topics recur across executions.
type SubscriptionManager struct {
	store  storage.SubscriptionStore
	logger core.Logger

	mu    sync.RWMutex
	cache map[string]bool
}

// SubscriptionOption configures a SubscriptionManager.
type SubscriptionOption func(*SubscriptionManager)

// WithSubscriptionLogger sets the logger (defaults to NoOp).
func WithSubscriptionLogger(logger core.Logger) SubscriptionOption {
	return func(m *SubscriptionManager) {
		if logger != nil {
			m.logger = logger
		}
	}
}

// NewSubscriptionManager creates a manager over the given store.
// Returns concrete type per Go idiom "return structs, accept interfaces".
func NewSubscriptionManager(store storage.SubscriptionStore, opts ...SubscriptionOption) *SubscriptionManager {
	m := &SubscriptionManager{
		store:  store,
		logger: &core.NoOpLogger{},
		cache:  make(map[string]bool),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// ValidateTopics partitions topics into valid and invalid names, preserving
// order.
func (m *SubscriptionManager) ValidateTopics(topics []string) (valid, invalid []string) {
	for _, topic := range topics {
		if m.topicValid(topic) {
			valid = append(valid, topic)
		} else {
			invalid = append(invalid, topic)
		}
	}
	return valid, invalid
}

func (m *SubscriptionManager) topicValid(topic string) bool {
	m.mu.RLock()
	cached, ok := m.cache[topic]
	m.mu.RUnlock()
	if ok {
		return cached
	}

	result := topic != "" && topicPattern.MatchString(topic)
	m.mu.Lock()
	m.cache[topic] = result
	m.mu.Unlock()
	return result
}

// ClearTopicCache drops the validation cache.
func (m *SubscriptionManager) ClearTopicCache() {
	m.mu.Lock()
	m.cache = make(map[string]bool)
	m.mu.Unlock()
}

// CreateSubscriptions filters out invalid topics and batch-inserts active
// subscription rows, returning the created ids. Empty or all-invalid input
// yields an empty list, not an error. Duplicate topics for the same
// execution are skipped by the store.
func (m *SubscriptionManager) CreateSubscriptions(ctx context.Context, executionID string, topics []string, expiry *time.Time) ([]string, error) {
	valid, invalid := m.ValidateTopics(topics)
	if len(invalid) > 0 {
		m.logger.WarnWithContext(ctx, "Dropping invalid callback topics", map[string]interface{}{
			"operation":    "create_subscriptions",
			"execution_id": executionID,
			"invalid":      invalid,
		})
	}
	if len(valid) == 0 {
		return nil, nil
	}

	subs := make([]*storage.ExecutionSubscription, 0, len(valid))
	for _, topic := range valid {
		subs = append(subs, &storage.ExecutionSubscription{
			ExecutionID:    executionID,
			CallbackTopic:  topic,
			ExpiryTime:     expiry,
			DeliveryStatus: storage.DeliveryActive,
		})
	}
	return m.store.CreateSubscriptions(ctx, subs)
}

// ActiveSubscriptions returns the active, unexpired subscriptions of an
// execution.
func (m *SubscriptionManager) ActiveSubscriptions(ctx context.Context, executionID string) ([]*storage.ExecutionSubscription, error) {
	return m.store.ListActiveSubscriptions(ctx, executionID, time.Now().UTC())
}

// ActiveTopics returns the active callback topic names of an execution.
func (m *SubscriptionManager) ActiveTopics(ctx context.Context, executionID string) ([]string, error) {
	subs, err := m.ActiveSubscriptions(ctx, executionID)
	if err != nil {
		return nil, err
	}
	topics := make([]string, 0, len(subs))
	for _, sub := range subs {
		topics = append(topics, sub.CallbackTopic)
	}
	return topics, nil
}

// MarkDeliverySuccess re-confirms a subscription as active after a
// successful callback delivery.
func (m *SubscriptionManager) MarkDeliverySuccess(ctx context.Context, id string) error {
	return m.store.SetDeliveryStatus(ctx, id, storage.DeliveryActive, "")
}

// MarkDeliveryFailed records a failed callback delivery.
func (m *SubscriptionManager) MarkDeliveryFailed(ctx context.Context, id, reason string) error {
	if reason == "" {
		reason = "delivery failed"
	}
	return m.store.SetDeliveryStatus(ctx, id, storage.DeliveryFailed, reason)
}

// ExpireSubscription marks a subscription expired.
func (m *SubscriptionManager) ExpireSubscription(ctx context.Context, id string) error {
	return m.store.SetDeliveryStatus(ctx, id, storage.DeliveryExpired, "")
}

// ExpireOverdue sweeps an execution's subscriptions and expires the ones
// whose expiry time has passed. Returns the number expired.
func (m *SubscriptionManager) ExpireOverdue(ctx context.Context, executionID string, now time.Time) (int, error) {
	subs, err := m.store.ListSubscriptions(ctx, executionID)
	if err != nil {
		return 0, err
	}
	expired := 0
	for _, sub := range subs {
		if sub.DeliveryStatus != storage.DeliveryActive || sub.ExpiryTime == nil || sub.ExpiryTime.After(now) {
			continue
		}
		if err := m.ExpireSubscription(ctx, sub.ID); err != nil {
			return expired, fmt.Errorf("expiring subscription %s: %w", sub.ID, err)
		}
		expired++
	}
	return expired, nil
}
