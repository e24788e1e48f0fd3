package storage

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/stepflow-io/stepflow/core"
)

// InMemoryStore is the Store implementation for tests and single-node
// development. It mirrors the semantics of the Postgres store exactly,
// including optimistic version checks and monotonic progress, so the engine
// test suite runs against it unchanged.
//
// All values are deep-copied through JSON on the way in and out; callers can
// never alias internal state. This also enforces the JSON-representability
// rule for outputs and event details.
type InMemoryStore struct {
	mu sync.RWMutex

	executions map[string]*PipelineExecution
	steps      map[string]*StepExecution
	events     map[string][]*ProgressEvent
	eventSeq   map[string]int64
	subs       map[string]*ExecutionSubscription

	logger core.Logger
}

// InMemoryStoreOption configures an InMemoryStore.
type InMemoryStoreOption func(*InMemoryStore)

// WithMemoryStoreLogger sets the logger (defaults to NoOp).
func WithMemoryStoreLogger(logger core.Logger) InMemoryStoreOption {
	return func(s *InMemoryStore) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// NewInMemoryStore creates an empty in-memory store.
func NewInMemoryStore(opts ...InMemoryStoreOption) *InMemoryStore {
	s := &InMemoryStore{
		executions: make(map[string]*PipelineExecution),
		steps:      make(map[string]*StepExecution),
		events:     make(map[string][]*ProgressEvent),
		eventSeq:   make(map[string]int64),
		subs:       make(map[string]*ExecutionSubscription),
		logger:     &core.NoOpLogger{},
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// ----- ExecutionStore -----

func (s *InMemoryStore) CreateExecution(ctx context.Context, exec *PipelineExecution) error {
	if exec == nil {
		return fmt.Errorf("nil execution: %w", core.ErrInvalidDefinition)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if exec.ID == "" {
		exec.ID = uuid.New().String()
	}
	if _, exists := s.executions[exec.ID]; exists {
		return fmt.Errorf("execution %s: %w", exec.ID, core.ErrDuplicateEntity)
	}
	now := time.Now().UTC()
	if exec.CreatedAt.IsZero() {
		exec.CreatedAt = now
	}
	exec.UpdatedAt = now
	if exec.Version == 0 {
		exec.Version = 1
	}
	if exec.Status == "" {
		exec.Status = ExecutionPending
	}

	stored, err := deepCopy(exec)
	if err != nil {
		return err
	}
	s.executions[exec.ID] = stored
	return nil
}

func (s *InMemoryStore) GetExecution(ctx context.Context, id string) (*PipelineExecution, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	exec, ok := s.executions[id]
	if !ok {
		return nil, fmt.Errorf("execution %s: %w", id, core.ErrExecutionNotFound)
	}
	return deepCopy(exec)
}

func (s *InMemoryStore) ListExecutions(ctx context.Context, filter ExecutionFilter, page, pageSize int) ([]*PipelineExecution, int, error) {
	if page < 1 {
		page = 1
	}
	if pageSize < 1 {
		pageSize = 20
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	var matched []*PipelineExecution
	for _, exec := range s.executions {
		if !matchesFilter(exec, filter) {
			continue
		}
		matched = append(matched, exec)
	}
	sort.Slice(matched, func(i, j int) bool {
		if matched[i].CreatedAt.Equal(matched[j].CreatedAt) {
			return matched[i].ID > matched[j].ID
		}
		return matched[i].CreatedAt.After(matched[j].CreatedAt)
	})

	total := len(matched)
	start := (page - 1) * pageSize
	if start >= total {
		return []*PipelineExecution{}, total, nil
	}
	end := start + pageSize
	if end > total {
		end = total
	}

	out := make([]*PipelineExecution, 0, end-start)
	for _, exec := range matched[start:end] {
		cp, err := deepCopy(exec)
		if err != nil {
			return nil, 0, err
		}
		out = append(out, cp)
	}
	return out, total, nil
}

func matchesFilter(exec *PipelineExecution, filter ExecutionFilter) bool {
	if filter.Status != "" && exec.Status != filter.Status {
		return false
	}
	if filter.Initiator != "" && exec.Initiator != filter.Initiator {
		return false
	}
	if filter.CreatedAfter != nil && exec.CreatedAt.Before(*filter.CreatedAfter) {
		return false
	}
	if filter.CreatedBefore != nil && !exec.CreatedAt.Before(*filter.CreatedBefore) {
		return false
	}
	if filter.DefinitionID != "" {
		defID, _ := exec.Definition["id"].(string)
		if defID != filter.DefinitionID {
			return false
		}
	}
	return true
}

func (s *InMemoryStore) UpdateExecution(ctx context.Context, id string, expectedVersion int64, patch ExecutionPatch) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	exec, ok := s.executions[id]
	if !ok {
		return 0, fmt.Errorf("execution %s: %w", id, core.ErrExecutionNotFound)
	}
	if exec.Version != expectedVersion {
		return 0, fmt.Errorf("execution %s: expected version %d, have %d: %w",
			id, expectedVersion, exec.Version, core.ErrOptimisticLock)
	}

	if patch.Status != nil {
		exec.Status = *patch.Status
	}
	if patch.Progress != nil {
		// Progress is monotonic: a smaller value never overwrites.
		next := RoundProgress(*patch.Progress)
		if next > exec.Progress {
			exec.Progress = next
		}
	}
	if patch.StartTime != nil {
		exec.StartTime = copyTime(patch.StartTime)
	}
	if patch.EndTime != nil {
		exec.EndTime = copyTime(patch.EndTime)
	}
	if patch.FinalOutputs != nil {
		cp, err := deepCopyMap(patch.FinalOutputs)
		if err != nil {
			return 0, err
		}
		exec.FinalOutputs = cp
	}
	if patch.ErrorInfo != nil {
		cp, err := deepCopyMap(patch.ErrorInfo)
		if err != nil {
			return 0, err
		}
		exec.ErrorInfo = cp
	}

	exec.Version++
	exec.UpdatedAt = time.Now().UTC()
	return exec.Version, nil
}

func (s *InMemoryStore) DeleteExecution(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.executions, id)
	return nil
}

func (s *InMemoryStore) ListExpiredExecutions(ctx context.Context, cutoff time.Time, limit int) ([]*PipelineExecution, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var expired []*PipelineExecution
	for _, exec := range s.executions {
		if exec.Status.Terminal() && exec.CreatedAt.Before(cutoff) {
			expired = append(expired, exec)
		}
	}
	sort.Slice(expired, func(i, j int) bool {
		return expired[i].CreatedAt.Before(expired[j].CreatedAt)
	})
	if limit > 0 && len(expired) > limit {
		expired = expired[:limit]
	}

	out := make([]*PipelineExecution, 0, len(expired))
	for _, exec := range expired {
		cp, err := deepCopy(exec)
		if err != nil {
			return nil, err
		}
		out = append(out, cp)
	}
	return out, nil
}

// ----- StepStore -----

func (s *InMemoryStore) CreateSteps(ctx context.Context, steps []*StepExecution) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now().UTC()
	for _, step := range steps {
		if step.ID == "" {
			step.ID = uuid.New().String()
		}
		if _, exists := s.steps[step.ID]; exists {
			return fmt.Errorf("step %s: %w", step.ID, core.ErrDuplicateEntity)
		}
		for _, existing := range s.steps {
			if existing.ExecutionID == step.ExecutionID && existing.StepID == step.StepID {
				return fmt.Errorf("step id %q already exists in execution %s: %w",
					step.StepID, step.ExecutionID, core.ErrDuplicateEntity)
			}
		}
		if step.Version == 0 {
			step.Version = 1
		}
		if step.Status == "" {
			step.Status = StepPending
		}
		if step.CreatedAt.IsZero() {
			step.CreatedAt = now
		}
		step.UpdatedAt = now
	}

	for _, step := range steps {
		stored, err := deepCopy(step)
		if err != nil {
			return err
		}
		s.steps[step.ID] = stored
	}
	return nil
}

func (s *InMemoryStore) GetStep(ctx context.Context, id string) (*StepExecution, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	step, ok := s.steps[id]
	if !ok {
		return nil, fmt.Errorf("step %s: %w", id, core.ErrStepNotFound)
	}
	return deepCopy(step)
}

func (s *InMemoryStore) ListSteps(ctx context.Context, executionID string) ([]*StepExecution, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*StepExecution
	for _, step := range s.steps {
		if step.ExecutionID != executionID {
			continue
		}
		cp, err := deepCopy(step)
		if err != nil {
			return nil, err
		}
		out = append(out, cp)
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].SequenceNumber < out[j].SequenceNumber
	})
	return out, nil
}

func (s *InMemoryStore) UpdateStep(ctx context.Context, id string, expectedVersion int64, patch StepPatch) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	step, ok := s.steps[id]
	if !ok {
		return 0, fmt.Errorf("step %s: %w", id, core.ErrStepNotFound)
	}
	if step.Version != expectedVersion {
		return 0, fmt.Errorf("step %s: expected version %d, have %d: %w",
			id, expectedVersion, step.Version, core.ErrOptimisticLock)
	}

	if patch.ExternalWorkflowID != nil && *patch.ExternalWorkflowID != "" {
		for _, other := range s.steps {
			if other.ID != id && other.AwaitingEvent && other.ExternalWorkflowID == *patch.ExternalWorkflowID {
				return 0, fmt.Errorf("external workflow id %q already bound to step %s: %w",
					*patch.ExternalWorkflowID, other.ID, core.ErrDuplicateEntity)
			}
		}
	}

	applyStepPatch(step, patch)
	step.Version++
	step.UpdatedAt = time.Now().UTC()
	return step.Version, nil
}

func applyStepPatch(step *StepExecution, patch StepPatch) {
	if patch.Status != nil {
		step.Status = *patch.Status
	}
	if patch.Progress != nil {
		step.Progress = RoundProgress(*patch.Progress)
	}
	if patch.StartTime != nil {
		step.StartTime = copyTime(patch.StartTime)
	}
	if patch.EndTime != nil {
		step.EndTime = copyTime(patch.EndTime)
	}
	if patch.Outputs != nil {
		if cp, err := deepCopyMap(patch.Outputs); err == nil {
			step.Outputs = cp
		}
	}
	if patch.ErrorMessage != nil {
		step.ErrorMessage = *patch.ErrorMessage
	}
	if patch.RetryCount != nil {
		step.RetryCount = *patch.RetryCount
	}
	if patch.AwaitingEvent != nil {
		step.AwaitingEvent = *patch.AwaitingEvent
	}
	if patch.ExternalWorkflowID != nil {
		step.ExternalWorkflowID = *patch.ExternalWorkflowID
	}
	if patch.EventDeadline != nil {
		step.EventDeadline = copyTime(patch.EventDeadline)
	}
}

func (s *InMemoryStore) GetStepByExternalWorkflowID(ctx context.Context, externalWorkflowID string) (*StepExecution, error) {
	if externalWorkflowID == "" {
		return nil, fmt.Errorf("empty external workflow id: %w", core.ErrStepNotFound)
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	for _, step := range s.steps {
		if step.AwaitingEvent && step.ExternalWorkflowID == externalWorkflowID {
			return deepCopy(step)
		}
	}
	return nil, fmt.Errorf("no awaiting step for external workflow %s: %w", externalWorkflowID, core.ErrStepNotFound)
}

func (s *InMemoryStore) ListAwaitingSteps(ctx context.Context, executionID string) ([]*StepExecution, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*StepExecution
	for _, step := range s.steps {
		if step.ExecutionID == executionID && step.AwaitingEvent {
			cp, err := deepCopy(step)
			if err != nil {
				return nil, err
			}
			out = append(out, cp)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].SequenceNumber < out[j].SequenceNumber
	})
	return out, nil
}

func (s *InMemoryStore) ListAwaitingPastDeadline(ctx context.Context, now time.Time) ([]*StepExecution, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*StepExecution
	for _, step := range s.steps {
		if step.AwaitingEvent && step.EventDeadline != nil && step.EventDeadline.Before(now) {
			cp, err := deepCopy(step)
			if err != nil {
				return nil, err
			}
			out = append(out, cp)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].EventDeadline.Before(*out[j].EventDeadline)
	})
	return out, nil
}

func (s *InMemoryStore) CompleteStepFromEvent(ctx context.Context, id string, expectedVersion int64, status StepStatus, outputs map[string]interface{}, errorMessage string) (int64, error) {
	if !status.Terminal() {
		return 0, fmt.Errorf("complete_step_from_event requires a terminal status, got %s: %w", status, core.ErrInvalidParams)
	}

	now := time.Now().UTC()
	awaiting := false
	emptyExternal := ""
	progress := 0.0
	if status == StepCompleted {
		progress = 100
	}
	return s.UpdateStep(ctx, id, expectedVersion, StepPatch{
		Status:             &status,
		Progress:           &progress,
		EndTime:            &now,
		Outputs:            outputs,
		ErrorMessage:       &errorMessage,
		AwaitingEvent:      &awaiting,
		ExternalWorkflowID: &emptyExternal,
	})
}

func (s *InMemoryStore) DeleteSteps(ctx context.Context, executionID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for id, step := range s.steps {
		if step.ExecutionID == executionID {
			delete(s.steps, id)
		}
	}
	return nil
}

// ----- ProgressEventStore -----

func (s *InMemoryStore) AppendEvent(ctx context.Context, event *ProgressEvent) error {
	if event == nil || event.ExecutionID == "" {
		return fmt.Errorf("progress event requires an execution id: %w", core.ErrInvalidParams)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	s.eventSeq[event.ExecutionID]++
	event.SequenceNumber = s.eventSeq[event.ExecutionID]
	if event.ID == "" {
		event.ID = uuid.New().String()
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now().UTC()
	}
	if len(event.CurrentStepDesc) > MaxStepDescLength {
		event.CurrentStepDesc = event.CurrentStepDesc[:MaxStepDescLength]
	}

	stored, err := deepCopy(event)
	if err != nil {
		return err
	}
	s.events[event.ExecutionID] = append(s.events[event.ExecutionID], stored)
	return nil
}

func (s *InMemoryStore) ListEvents(ctx context.Context, executionID string, limit int) ([]*ProgressEvent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	events := s.events[executionID]
	out := make([]*ProgressEvent, 0, len(events))
	// Most recent first.
	for i := len(events) - 1; i >= 0; i-- {
		if limit > 0 && len(out) >= limit {
			break
		}
		cp, err := deepCopy(events[i])
		if err != nil {
			return nil, err
		}
		out = append(out, cp)
	}
	return out, nil
}

func (s *InMemoryStore) DeleteEvents(ctx context.Context, executionID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.events, executionID)
	delete(s.eventSeq, executionID)
	return nil
}

// ----- SubscriptionStore -----

func (s *InMemoryStore) CreateSubscriptions(ctx context.Context, subs []*ExecutionSubscription) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now().UTC()
	created := make([]string, 0, len(subs))
	for _, sub := range subs {
		if sub.ExecutionID == "" || sub.CallbackTopic == "" {
			return created, fmt.Errorf("subscription requires execution id and topic: %w", core.ErrInvalidParams)
		}
		if s.subscriptionExists(sub.ExecutionID, sub.CallbackTopic) {
			continue
		}
		if sub.ID == "" {
			sub.ID = uuid.New().String()
		}
		if sub.SubscriptionTime.IsZero() {
			sub.SubscriptionTime = now
		}
		if sub.DeliveryStatus == "" {
			sub.DeliveryStatus = DeliveryActive
		}
		stored, err := deepCopy(sub)
		if err != nil {
			return created, err
		}
		s.subs[sub.ID] = stored
		created = append(created, sub.ID)
	}
	return created, nil
}

func (s *InMemoryStore) subscriptionExists(executionID, topic string) bool {
	for _, sub := range s.subs {
		if sub.ExecutionID == executionID && sub.CallbackTopic == topic {
			return true
		}
	}
	return false
}

func (s *InMemoryStore) GetSubscription(ctx context.Context, id string) (*ExecutionSubscription, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	sub, ok := s.subs[id]
	if !ok {
		return nil, fmt.Errorf("subscription %s: %w", id, core.ErrSubscriptionNotFound)
	}
	return deepCopy(sub)
}

func (s *InMemoryStore) ListSubscriptions(ctx context.Context, executionID string) ([]*ExecutionSubscription, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*ExecutionSubscription
	for _, sub := range s.subs {
		if sub.ExecutionID == executionID {
			cp, err := deepCopy(sub)
			if err != nil {
				return nil, err
			}
			out = append(out, cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CallbackTopic < out[j].CallbackTopic })
	return out, nil
}

func (s *InMemoryStore) ListActiveSubscriptions(ctx context.Context, executionID string, now time.Time) ([]*ExecutionSubscription, error) {
	subs, err := s.ListSubscriptions(ctx, executionID)
	if err != nil {
		return nil, err
	}
	active := subs[:0]
	for _, sub := range subs {
		if sub.DeliveryStatus != DeliveryActive {
			continue
		}
		if sub.ExpiryTime != nil && sub.ExpiryTime.Before(now) {
			continue
		}
		active = append(active, sub)
	}
	return active, nil
}

func (s *InMemoryStore) SetDeliveryStatus(ctx context.Context, id string, status DeliveryStatus, reason string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	sub, ok := s.subs[id]
	if !ok {
		return fmt.Errorf("subscription %s: %w", id, core.ErrSubscriptionNotFound)
	}
	sub.DeliveryStatus = status
	sub.FailureReason = reason
	return nil
}

func (s *InMemoryStore) DeleteSubscriptions(ctx context.Context, executionID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for id, sub := range s.subs {
		if sub.ExecutionID == executionID {
			delete(s.subs, id)
		}
	}
	return nil
}

// ----- helpers -----

// deepCopy round-trips an entity through JSON. Shared with the Postgres
// store's JSONB semantics: anything that survives here survives there.
func deepCopy[T any](v *T) (*T, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("entity is not JSON-representable: %v: %w", err, core.ErrNotJSONValue)
	}
	out := new(T)
	if err := json.Unmarshal(raw, out); err != nil {
		return nil, err
	}
	return out, nil
}

func deepCopyMap(m map[string]interface{}) (map[string]interface{}, error) {
	if m == nil {
		return nil, nil
	}
	raw, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("value is not JSON-representable: %v: %w", err, core.ErrNotJSONValue)
	}
	out := make(map[string]interface{}, len(m))
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, err
	}
	return out, nil
}

func copyTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	cp := *t
	return &cp
}

// Compile-time interface compliance check
var _ Store = (*InMemoryStore)(nil)
