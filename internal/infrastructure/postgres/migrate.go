package postgres

import (
	"context"
	"fmt"
)

// jobTableDDL is shared by all four state tables; the state is the table
// itself, not a column.
const jobTableDDL = `
	CREATE TABLE IF NOT EXISTS %s (
		id                    text PRIMARY KEY,
		kind                  text NOT NULL,
		due_date              timestamptz,
		lock_owner            text,
		lock_expiration       timestamptz,
		retries               int NOT NULL DEFAULT 3,
		retries_initialized   boolean NOT NULL DEFAULT false,
		exception_message     text,
		exception_stacktrace  text,
		execution_id          text NOT NULL DEFAULT '',
		process_instance_id   text NOT NULL DEFAULT '',
		process_definition_id text NOT NULL DEFAULT '',
		repeat_expression     text NOT NULL DEFAULT '',
		exclusive             boolean NOT NULL DEFAULT false,
		tenant_id             text NOT NULL DEFAULT '',
		created_at            timestamptz NOT NULL DEFAULT now(),
		CONSTRAINT %s_lock_pair CHECK ((lock_owner IS NULL) = (lock_expiration IS NULL))
	)`

// Migrate creates the job tables and their indexes. Idempotent.
func (s *JobStore) Migrate(ctx context.Context) error {
	for _, table := range stateTables {
		if _, err := s.pool.Exec(ctx, fmt.Sprintf(jobTableDDL, table, table)); err != nil {
			return fmt.Errorf("create %s: %w", table, err)
		}
		if _, err := s.pool.Exec(ctx, fmt.Sprintf(
			`CREATE INDEX IF NOT EXISTS %s_process_instance_idx ON %s (process_instance_id)`,
			table, table)); err != nil {
			return fmt.Errorf("index %s: %w", table, err)
		}
	}

	indexes := []string{
		`CREATE INDEX IF NOT EXISTS job_executable_due_idx ON job_executable (due_date ASC NULLS FIRST)`,
		`CREATE INDEX IF NOT EXISTS job_timer_due_idx ON job_timer (due_date ASC)`,
	}
	for _, q := range indexes {
		if _, err := s.pool.Exec(ctx, q); err != nil {
			return fmt.Errorf("create index: %w", err)
		}
	}

	_, err := s.pool.Exec(ctx, `
		CREATE TABLE IF NOT EXISTS instance_lock_hints (
			process_instance_id text PRIMARY KEY,
			locked_until        timestamptz NOT NULL
		)`)
	if err != nil {
		return fmt.Errorf("create instance_lock_hints: %w", err)
	}
	return nil
}
