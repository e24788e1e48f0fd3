// Package postgres implements the storage contract on PostgreSQL via
// uptrace/bun. JSON documents live in jsonb columns, progress percentages in
// numeric(5,2), and every update carries the optimistic version predicate in
// its WHERE clause so concurrent writers never block each other.
package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/uptrace/bun"
	"github.com/uptrace/bun/dialect/pgdialect"
	"github.com/uptrace/bun/driver/pgdriver"

	"github.com/stepflow-io/stepflow/core"
	"github.com/stepflow-io/stepflow/storage"
)

// Store is the production storage.Store backed by PostgreSQL.
type Store struct {
	db     *bun.DB
	logger core.Logger
}

// StoreOption configures a Store.
type StoreOption func(*Store)

// WithLogger sets the logger (defaults to NoOp).
func WithLogger(logger core.Logger) StoreOption {
	return func(s *Store) {
		if logger == nil {
			return
		}
		if cal, ok := logger.(core.ComponentAwareLogger); ok {
			s.logger = cal.WithComponent("engine/storage")
		} else {
			s.logger = logger
		}
	}
}

// Connect opens a bun DB over the pgdriver connector.
func Connect(dsn string) (*bun.DB, error) {
	if dsn == "" {
		return nil, fmt.Errorf("empty Postgres DSN (check DATABASE_URL environment variable): %w", core.ErrStoreUnavailable)
	}
	sqldb := sql.OpenDB(pgdriver.NewConnector(pgdriver.WithDSN(dsn)))
	return bun.NewDB(sqldb, pgdialect.New()), nil
}

// NewStore creates a Store over an existing bun DB.
// Returns concrete type per Go idiom "return structs, accept interfaces".
func NewStore(db *bun.DB, opts ...StoreOption) *Store {
	s := &Store{
		db:     db,
		logger: &core.NoOpLogger{},
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// progressSequence is the durable per-execution counter behind AppendEvent.
type progressSequence struct {
	bun.BaseModel `bun:"table:progress_sequence,alias:ps"`

	ExecutionID string `bun:"execution_id,pk"`
	Value       int64  `bun:"value,notnull"`
}

// ----- ExecutionStore -----

func (s *Store) CreateExecution(ctx context.Context, exec *storage.PipelineExecution) error {
	if exec.ID == "" {
		exec.ID = uuid.New().String()
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
		exec.Status = storage.ExecutionPending
	}

	_, err := s.db.NewInsert().Model(exec).Exec(ctx)
	return wrapWriteError("postgres.CreateExecution", exec.ID, err)
}

func (s *Store) GetExecution(ctx context.Context, id string) (*storage.PipelineExecution, error) {
	exec := new(storage.PipelineExecution)
	err := s.db.NewSelect().Model(exec).Where("pe.id = ?", id).Scan(ctx)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("execution %s: %w", id, core.ErrExecutionNotFound)
	}
	if err != nil {
		return nil, wrapReadError("postgres.GetExecution", id, err)
	}
	return exec, nil
}

func (s *Store) ListExecutions(ctx context.Context, filter storage.ExecutionFilter, page, pageSize int) ([]*storage.PipelineExecution, int, error) {
	if page < 1 {
		page = 1
	}
	if pageSize < 1 {
		pageSize = 20
	}

	var execs []*storage.PipelineExecution
	q := s.db.NewSelect().Model(&execs)
	if filter.Status != "" {
		q = q.Where("pe.status = ?", filter.Status)
	}
	if filter.Initiator != "" {
		q = q.Where("pe.initiator = ?", filter.Initiator)
	}
	if filter.CreatedAfter != nil {
		q = q.Where("pe.created_at >= ?", *filter.CreatedAfter)
	}
	if filter.CreatedBefore != nil {
		q = q.Where("pe.created_at < ?", *filter.CreatedBefore)
	}
	if filter.DefinitionID != "" {
		q = q.Where("pe.definition->>'id' = ?", filter.DefinitionID)
	}

	total, err := q.
		OrderExpr("pe.created_at DESC, pe.id DESC").
		Limit(pageSize).
		Offset((page - 1) * pageSize).
		ScanAndCount(ctx)
	if err != nil {
		return nil, 0, wrapReadError("postgres.ListExecutions", "", err)
	}
	if execs == nil {
		execs = []*storage.PipelineExecution{}
	}
	return execs, total, nil
}

func (s *Store) UpdateExecution(ctx context.Context, id string, expectedVersion int64, patch storage.ExecutionPatch) (int64, error) {
	q := s.db.NewUpdate().
		Model((*storage.PipelineExecution)(nil)).
		Where("pe.id = ?", id).
		Where("pe.version = ?", expectedVersion).
		Set("version = version + 1").
		Set("updated_at = ?", time.Now().UTC())

	if patch.Status != nil {
		q = q.Set("status = ?", *patch.Status)
	}
	if patch.Progress != nil {
		// Monotonic: keep the stored value when the patch carries less.
		q = q.Set("progress_percentage = GREATEST(progress_percentage, ?)", storage.RoundProgress(*patch.Progress))
	}
	if patch.StartTime != nil {
		q = q.Set("start_time = ?", *patch.StartTime)
	}
	if patch.EndTime != nil {
		q = q.Set("end_time = ?", *patch.EndTime)
	}
	if patch.FinalOutputs != nil {
		q = q.Set("final_outputs = ?::jsonb", jsonString(patch.FinalOutputs))
	}
	if patch.ErrorInfo != nil {
		q = q.Set("error_info = ?::jsonb", jsonString(patch.ErrorInfo))
	}

	res, err := q.Exec(ctx)
	if err != nil {
		return 0, wrapWriteError("postgres.UpdateExecution", id, err)
	}
	if affected, _ := res.RowsAffected(); affected == 0 {
		return 0, s.versionConflict(ctx, "execution", id, expectedVersion)
	}
	return expectedVersion + 1, nil
}

func (s *Store) DeleteExecution(ctx context.Context, id string) error {
	_, err := s.db.NewDelete().
		Model((*storage.PipelineExecution)(nil)).
		Where("pe.id = ?", id).
		Exec(ctx)
	return wrapWriteError("postgres.DeleteExecution", id, err)
}

func (s *Store) ListExpiredExecutions(ctx context.Context, cutoff time.Time, limit int) ([]*storage.PipelineExecution, error) {
	var execs []*storage.PipelineExecution
	q := s.db.NewSelect().
		Model(&execs).
		Where("pe.status IN (?)", bun.In(storage.TerminalExecutionStatuses)).
		Where("pe.created_at < ?", cutoff).
		OrderExpr("pe.created_at ASC")
	if limit > 0 {
		q = q.Limit(limit)
	}
	if err := q.Scan(ctx); err != nil {
		return nil, wrapReadError("postgres.ListExpiredExecutions", "", err)
	}
	return execs, nil
}

// ----- StepStore -----

func (s *Store) CreateSteps(ctx context.Context, steps []*storage.StepExecution) error {
	if len(steps) == 0 {
		return nil
	}
	now := time.Now().UTC()
	for _, step := range steps {
		if step.ID == "" {
			step.ID = uuid.New().String()
		}
		if step.Version == 0 {
			step.Version = 1
		}
		if step.Status == "" {
			step.Status = storage.StepPending
		}
		if step.CreatedAt.IsZero() {
			step.CreatedAt = now
		}
		step.UpdatedAt = now
	}
	_, err := s.db.NewInsert().Model(&steps).Exec(ctx)
	return wrapWriteError("postgres.CreateSteps", "", err)
}

func (s *Store) GetStep(ctx context.Context, id string) (*storage.StepExecution, error) {
	step := new(storage.StepExecution)
	err := s.db.NewSelect().Model(step).Where("se.id = ?", id).Scan(ctx)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("step %s: %w", id, core.ErrStepNotFound)
	}
	if err != nil {
		return nil, wrapReadError("postgres.GetStep", id, err)
	}
	return step, nil
}

func (s *Store) ListSteps(ctx context.Context, executionID string) ([]*storage.StepExecution, error) {
	var steps []*storage.StepExecution
	err := s.db.NewSelect().
		Model(&steps).
		Where("se.execution_id = ?", executionID).
		OrderExpr("se.sequence_number ASC").
		Scan(ctx)
	if err != nil {
		return nil, wrapReadError("postgres.ListSteps", executionID, err)
	}
	return steps, nil
}

func (s *Store) UpdateStep(ctx context.Context, id string, expectedVersion int64, patch storage.StepPatch) (int64, error) {
	q := s.db.NewUpdate().
		Model((*storage.StepExecution)(nil)).
		Where("se.id = ?", id).
		Where("se.version = ?", expectedVersion).
		Set("version = version + 1").
		Set("updated_at = ?", time.Now().UTC())

	if patch.Status != nil {
		q = q.Set("status = ?", *patch.Status)
	}
	if patch.Progress != nil {
		q = q.Set("progress_percentage = ?", storage.RoundProgress(*patch.Progress))
	}
	if patch.StartTime != nil {
		q = q.Set("start_time = ?", *patch.StartTime)
	}
	if patch.EndTime != nil {
		q = q.Set("end_time = ?", *patch.EndTime)
	}
	if patch.Outputs != nil {
		q = q.Set("outputs = ?::jsonb", jsonString(patch.Outputs))
	}
	if patch.ErrorMessage != nil {
		q = q.Set("error_message = ?", *patch.ErrorMessage)
	}
	if patch.RetryCount != nil {
		q = q.Set("retry_count = ?", *patch.RetryCount)
	}
	if patch.AwaitingEvent != nil {
		q = q.Set("awaiting_event = ?", *patch.AwaitingEvent)
	}
	if patch.ExternalWorkflowID != nil {
		if *patch.ExternalWorkflowID == "" {
			q = q.Set("external_workflow_id = NULL")
		} else {
			q = q.Set("external_workflow_id = ?", *patch.ExternalWorkflowID)
		}
	}
	if patch.EventDeadline != nil {
		q = q.Set("event_deadline = ?", *patch.EventDeadline)
	}

	res, err := q.Exec(ctx)
	if err != nil {
		return 0, wrapWriteError("postgres.UpdateStep", id, err)
	}
	if affected, _ := res.RowsAffected(); affected == 0 {
		return 0, s.stepVersionConflict(ctx, id, expectedVersion)
	}
	return expectedVersion + 1, nil
}

func (s *Store) GetStepByExternalWorkflowID(ctx context.Context, externalWorkflowID string) (*storage.StepExecution, error) {
	step := new(storage.StepExecution)
	err := s.db.NewSelect().
		Model(step).
		Where("se.awaiting_event = TRUE").
		Where("se.external_workflow_id = ?", externalWorkflowID).
		Scan(ctx)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("no awaiting step for external workflow %s: %w", externalWorkflowID, core.ErrStepNotFound)
	}
	if err != nil {
		return nil, wrapReadError("postgres.GetStepByExternalWorkflowID", externalWorkflowID, err)
	}
	return step, nil
}

func (s *Store) ListAwaitingSteps(ctx context.Context, executionID string) ([]*storage.StepExecution, error) {
	var steps []*storage.StepExecution
	err := s.db.NewSelect().
		Model(&steps).
		Where("se.execution_id = ?", executionID).
		Where("se.awaiting_event = TRUE").
		OrderExpr("se.sequence_number ASC").
		Scan(ctx)
	if err != nil {
		return nil, wrapReadError("postgres.ListAwaitingSteps", executionID, err)
	}
	return steps, nil
}

func (s *Store) ListAwaitingPastDeadline(ctx context.Context, now time.Time) ([]*storage.StepExecution, error) {
	var steps []*storage.StepExecution
	err := s.db.NewSelect().
		Model(&steps).
		Where("se.awaiting_event = TRUE").
		Where("se.event_deadline < ?", now).
		OrderExpr("se.event_deadline ASC").
		Scan(ctx)
	if err != nil {
		return nil, wrapReadError("postgres.ListAwaitingPastDeadline", "", err)
	}
	return steps, nil
}

func (s *Store) CompleteStepFromEvent(ctx context.Context, id string, expectedVersion int64, status storage.StepStatus, outputs map[string]interface{}, errorMessage string) (int64, error) {
	if !status.Terminal() {
		return 0, fmt.Errorf("complete_step_from_event requires a terminal status, got %s: %w", status, core.ErrInvalidParams)
	}

	now := time.Now().UTC()
	awaiting := false
	empty := ""
	progress := 0.0
	if status == storage.StepCompleted {
		progress = 100
	}
	return s.UpdateStep(ctx, id, expectedVersion, storage.StepPatch{
		Status:             &status,
		Progress:           &progress,
		EndTime:            &now,
		Outputs:            outputs,
		ErrorMessage:       &errorMessage,
		AwaitingEvent:      &awaiting,
		ExternalWorkflowID: &empty,
	})
}

func (s *Store) DeleteSteps(ctx context.Context, executionID string) error {
	_, err := s.db.NewDelete().
		Model((*storage.StepExecution)(nil)).
		Where("se.execution_id = ?", executionID).
		Exec(ctx)
	return wrapWriteError("postgres.DeleteSteps", executionID, err)
}

// ----- ProgressEventStore -----

func (s *Store) AppendEvent(ctx context.Context, event *storage.ProgressEvent) error {
	if event == nil || event.ExecutionID == "" {
		return fmt.Errorf("progress event requires an execution id: %w", core.ErrInvalidParams)
	}
	if event.ID == "" {
		event.ID = uuid.New().String()
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now().UTC()
	}
	if len(event.CurrentStepDesc) > storage.MaxStepDescLength {
		event.CurrentStepDesc = event.CurrentStepDesc[:storage.MaxStepDescLength]
	}

	return s.db.RunInTx(ctx, nil, func(ctx context.Context, tx bun.Tx) error {
		// The per-execution counter row serializes sequence assignment.
		var seq int64
		err := tx.NewRaw(
			"INSERT INTO progress_sequence (execution_id, value) VALUES (?, 1) "+
				"ON CONFLICT (execution_id) DO UPDATE SET value = progress_sequence.value + 1 "+
				"RETURNING value",
			event.ExecutionID,
		).Scan(ctx, &seq)
		if err != nil {
			return wrapWriteError("postgres.AppendEvent", event.ExecutionID, err)
		}
		event.SequenceNumber = seq

		_, err = tx.NewInsert().Model(event).Exec(ctx)
		return wrapWriteError("postgres.AppendEvent", event.ExecutionID, err)
	})
}

func (s *Store) ListEvents(ctx context.Context, executionID string, limit int) ([]*storage.ProgressEvent, error) {
	var events []*storage.ProgressEvent
	q := s.db.NewSelect().
		Model(&events).
		Where("ev.execution_id = ?", executionID).
		OrderExpr("ev.sequence_number DESC")
	if limit > 0 {
		q = q.Limit(limit)
	}
	if err := q.Scan(ctx); err != nil {
		return nil, wrapReadError("postgres.ListEvents", executionID, err)
	}
	return events, nil
}

func (s *Store) DeleteEvents(ctx context.Context, executionID string) error {
	return s.db.RunInTx(ctx, nil, func(ctx context.Context, tx bun.Tx) error {
		if _, err := tx.NewDelete().
			Model((*storage.ProgressEvent)(nil)).
			Where("ev.execution_id = ?", executionID).
			Exec(ctx); err != nil {
			return wrapWriteError("postgres.DeleteEvents", executionID, err)
		}
		_, err := tx.NewDelete().
			Model((*progressSequence)(nil)).
			Where("ps.execution_id = ?", executionID).
			Exec(ctx)
		return wrapWriteError("postgres.DeleteEvents", executionID, err)
	})
}

// ----- SubscriptionStore -----

func (s *Store) CreateSubscriptions(ctx context.Context, subs []*storage.ExecutionSubscription) ([]string, error) {
	now := time.Now().UTC()
	created := make([]string, 0, len(subs))
	for _, sub := range subs {
		if sub.ExecutionID == "" || sub.CallbackTopic == "" {
			return created, fmt.Errorf("subscription requires execution id and topic: %w", core.ErrInvalidParams)
		}
		if sub.ID == "" {
			sub.ID = uuid.New().String()
		}
		if sub.SubscriptionTime.IsZero() {
			sub.SubscriptionTime = now
		}
		if sub.DeliveryStatus == "" {
			sub.DeliveryStatus = storage.DeliveryActive
		}
		res, err := s.db.NewInsert().
			Model(sub).
			On("CONFLICT (execution_id, callback_topic) DO NOTHING").
			Exec(ctx)
		if err != nil {
			return created, wrapWriteError("postgres.CreateSubscriptions", sub.ExecutionID, err)
		}
		if affected, _ := res.RowsAffected(); affected > 0 {
			created = append(created, sub.ID)
		}
	}
	return created, nil
}

func (s *Store) GetSubscription(ctx context.Context, id string) (*storage.ExecutionSubscription, error) {
	sub := new(storage.ExecutionSubscription)
	err := s.db.NewSelect().Model(sub).Where("sub.id = ?", id).Scan(ctx)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("subscription %s: %w", id, core.ErrSubscriptionNotFound)
	}
	if err != nil {
		return nil, wrapReadError("postgres.GetSubscription", id, err)
	}
	return sub, nil
}

func (s *Store) ListSubscriptions(ctx context.Context, executionID string) ([]*storage.ExecutionSubscription, error) {
	var subs []*storage.ExecutionSubscription
	err := s.db.NewSelect().
		Model(&subs).
		Where("sub.execution_id = ?", executionID).
		OrderExpr("sub.callback_topic ASC").
		Scan(ctx)
	if err != nil {
		return nil, wrapReadError("postgres.ListSubscriptions", executionID, err)
	}
	return subs, nil
}

func (s *Store) ListActiveSubscriptions(ctx context.Context, executionID string, now time.Time) ([]*storage.ExecutionSubscription, error) {
	var subs []*storage.ExecutionSubscription
	err := s.db.NewSelect().
		Model(&subs).
		Where("sub.execution_id = ?", executionID).
		Where("sub.delivery_status = ?", storage.DeliveryActive).
		Where("sub.expiry_time IS NULL OR sub.expiry_time >= ?", now).
		OrderExpr("sub.callback_topic ASC").
		Scan(ctx)
	if err != nil {
		return nil, wrapReadError("postgres.ListActiveSubscriptions", executionID, err)
	}
	return subs, nil
}

func (s *Store) SetDeliveryStatus(ctx context.Context, id string, status storage.DeliveryStatus, reason string) error {
	res, err := s.db.NewUpdate().
		Model((*storage.ExecutionSubscription)(nil)).
		Where("sub.id = ?", id).
		Set("delivery_status = ?", status).
		Set("failure_reason = ?", reason).
		Exec(ctx)
	if err != nil {
		return wrapWriteError("postgres.SetDeliveryStatus", id, err)
	}
	if affected, _ := res.RowsAffected(); affected == 0 {
		return fmt.Errorf("subscription %s: %w", id, core.ErrSubscriptionNotFound)
	}
	return nil
}

func (s *Store) DeleteSubscriptions(ctx context.Context, executionID string) error {
	_, err := s.db.NewDelete().
		Model((*storage.ExecutionSubscription)(nil)).
		Where("sub.execution_id = ?", executionID).
		Exec(ctx)
	return wrapWriteError("postgres.DeleteSubscriptions", executionID, err)
}

// ----- helpers -----

// versionConflict distinguishes a stale version from a missing row after an
// UPDATE matched nothing.
func (s *Store) versionConflict(ctx context.Context, entity, id string, expectedVersion int64) error {
	exists, err := s.db.NewSelect().
		Model((*storage.PipelineExecution)(nil)).
		Where("pe.id = ?", id).
		Exists(ctx)
	if err != nil {
		return wrapReadError("postgres.UpdateExecution", id, err)
	}
	if !exists {
		return fmt.Errorf("%s %s: %w", entity, id, core.ErrExecutionNotFound)
	}
	return fmt.Errorf("%s %s: expected version %d: %w", entity, id, expectedVersion, core.ErrOptimisticLock)
}

func (s *Store) stepVersionConflict(ctx context.Context, id string, expectedVersion int64) error {
	exists, err := s.db.NewSelect().
		Model((*storage.StepExecution)(nil)).
		Where("se.id = ?", id).
		Exists(ctx)
	if err != nil {
		return wrapReadError("postgres.UpdateStep", id, err)
	}
	if !exists {
		return fmt.Errorf("step %s: %w", id, core.ErrStepNotFound)
	}
	return fmt.Errorf("step %s: expected version %d: %w", id, expectedVersion, core.ErrOptimisticLock)
}

func wrapWriteError(op, id string, err error) error {
	if err == nil {
		return nil
	}
	return &core.EngineError{
		Op:   op,
		Kind: core.KindStore,
		ID:   id,
		Err:  fmt.Errorf("%v: %w", err, core.ErrStoreUnavailable),
	}
}

func wrapReadError(op, id string, err error) error {
	if err == nil {
		return nil
	}
	return &core.EngineError{
		Op:   op,
		Kind: core.KindStore,
		ID:   id,
		Err:  fmt.Errorf("%v: %w", err, core.ErrStoreUnavailable),
	}
}

// jsonString renders a sanitized map for a ?::jsonb placeholder. Values
// reach this point already passed through core.SanitizeJSON, so a marshal
// failure cannot happen in practice; the empty object is a safe fallback.
func jsonString(m map[string]interface{}) string {
	raw, err := json.Marshal(m)
	if err != nil {
		return "{}"
	}
	return string(raw)
}

// Compile-time interface compliance check
var _ storage.Store = (*Store)(nil)
