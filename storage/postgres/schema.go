package postgres

import (
	"context"

	"github.com/uptrace/bun"
)

// schemaDDL creates the engine tables and indexes. Statements are
// idempotent so bootstrap can run on every start. Foreign keys carry ON
// DELETE CASCADE as a safety net, but the retention worker still deletes in
// dependency order at the application layer.
var schemaDDL = []string{
	`CREATE TABLE IF NOT EXISTS pipeline_execution (
		id UUID PRIMARY KEY,
		version BIGINT NOT NULL DEFAULT 1,
		definition JSONB NOT NULL,
		params JSONB,
		initiator TEXT NOT NULL,
		status TEXT NOT NULL,
		progress_percentage NUMERIC(5,2) NOT NULL DEFAULT 0,
		start_time TIMESTAMPTZ,
		end_time TIMESTAMPTZ,
		final_outputs JSONB,
		error_info JSONB,
		created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
		updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
	)`,
	`CREATE INDEX IF NOT EXISTS idx_pipeline_execution_status
		ON pipeline_execution (status)`,
	`CREATE INDEX IF NOT EXISTS idx_pipeline_execution_initiator
		ON pipeline_execution (initiator)`,
	`CREATE INDEX IF NOT EXISTS idx_pipeline_execution_created_at
		ON pipeline_execution (created_at DESC)`,
	`CREATE INDEX IF NOT EXISTS idx_pipeline_execution_retention
		ON pipeline_execution (created_at)
		WHERE status IN ('COMPLETED', 'FAILED', 'INTERRUPTED')`,

	`CREATE TABLE IF NOT EXISTS step_execution (
		id UUID PRIMARY KEY,
		execution_id UUID NOT NULL REFERENCES pipeline_execution (id) ON DELETE CASCADE,
		version BIGINT NOT NULL DEFAULT 1,
		step_id TEXT NOT NULL,
		step_name TEXT,
		status TEXT NOT NULL,
		start_time TIMESTAMPTZ,
		end_time TIMESTAMPTZ,
		progress_percentage NUMERIC(5,2) NOT NULL DEFAULT 0,
		outputs JSONB,
		error_message TEXT,
		retry_count INT NOT NULL DEFAULT 0,
		sequence_number INT NOT NULL,
		handler_type TEXT NOT NULL,
		awaiting_event BOOLEAN NOT NULL DEFAULT FALSE,
		external_workflow_id TEXT,
		event_deadline TIMESTAMPTZ,
		created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
		updated_at TIMESTAMPTZ NOT NULL DEFAULT now(),
		UNIQUE (execution_id, step_id),
		UNIQUE (execution_id, sequence_number)
	)`,
	`CREATE INDEX IF NOT EXISTS idx_step_execution_execution
		ON step_execution (execution_id)`,
	`CREATE INDEX IF NOT EXISTS idx_step_execution_execution_status
		ON step_execution (execution_id, status)`,
	`CREATE UNIQUE INDEX IF NOT EXISTS idx_step_execution_external_workflow
		ON step_execution (external_workflow_id)
		WHERE awaiting_event`,
	`CREATE INDEX IF NOT EXISTS idx_step_execution_event_deadline
		ON step_execution (event_deadline)
		WHERE awaiting_event`,

	`CREATE TABLE IF NOT EXISTS progress_event (
		id UUID PRIMARY KEY,
		execution_id UUID NOT NULL REFERENCES pipeline_execution (id) ON DELETE CASCADE,
		event_type TEXT NOT NULL,
		progress_percentage NUMERIC(5,2) NOT NULL DEFAULT 0,
		eta_seconds BIGINT,
		current_step_desc VARCHAR(256),
		event_details JSONB,
		timestamp TIMESTAMPTZ NOT NULL DEFAULT now(),
		sequence_number BIGINT NOT NULL,
		UNIQUE (execution_id, sequence_number)
	)`,
	`CREATE INDEX IF NOT EXISTS idx_progress_event_execution_time
		ON progress_event (execution_id, timestamp DESC)`,

	`CREATE TABLE IF NOT EXISTS progress_sequence (
		execution_id UUID PRIMARY KEY,
		value BIGINT NOT NULL DEFAULT 0
	)`,

	`CREATE TABLE IF NOT EXISTS execution_subscription (
		id UUID PRIMARY KEY,
		execution_id UUID NOT NULL REFERENCES pipeline_execution (id) ON DELETE CASCADE,
		callback_topic TEXT NOT NULL,
		subscription_time TIMESTAMPTZ NOT NULL DEFAULT now(),
		expiry_time TIMESTAMPTZ,
		delivery_status TEXT NOT NULL DEFAULT 'active',
		failure_reason TEXT,
		UNIQUE (execution_id, callback_topic)
	)`,
	`CREATE INDEX IF NOT EXISTS idx_execution_subscription_execution
		ON execution_subscription (execution_id)`,
	`CREATE INDEX IF NOT EXISTS idx_execution_subscription_active
		ON execution_subscription (execution_id)
		WHERE delivery_status = 'active'`,
	`CREATE INDEX IF NOT EXISTS idx_execution_subscription_expiry
		ON execution_subscription (expiry_time)
		WHERE expiry_time IS NOT NULL`,
}

// CreateSchema bootstraps the tables and indexes. Safe to run repeatedly.
func CreateSchema(ctx context.Context, db *bun.DB) error {
	for _, ddl := range schemaDDL {
		if _, err := db.ExecContext(ctx, ddl); err != nil {
			return wrapWriteError("postgres.CreateSchema", "", err)
		}
	}
	return nil
}
