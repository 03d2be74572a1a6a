package postgres

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/procflow/jobexec/internal/domain"
	"github.com/procflow/jobexec/internal/repository"
)

// JobStore keeps one physical table per job state. Moving a job between
// states is a delete plus an insert in one transaction, so an id exists
// in exactly one table at any committed point in time.
type JobStore struct {
	pool *pgxpool.Pool
}

var _ repository.JobStore = (*JobStore)(nil)

func NewJobStore(pool *pgxpool.Pool) *JobStore {
	return &JobStore{pool: pool}
}

var stateTables = map[domain.State]string{
	domain.StateTimer:      "job_timer",
	domain.StateExecutable: "job_executable",
	domain.StateSuspended:  "job_suspended",
	domain.StateDeadLetter: "job_deadletter",
}

func tableFor(state domain.State) (string, error) {
	t, ok := stateTables[state]
	if !ok {
		return "", fmt.Errorf("%w: unknown job state %q", domain.ErrInvalidArgument, state)
	}
	return t, nil
}

const jobColumns = `id, kind, due_date, lock_owner, lock_expiration, retries,
	retries_initialized, exception_message, exception_stacktrace, execution_id,
	process_instance_id, process_definition_id, repeat_expression, exclusive,
	tenant_id, created_at`

func (s *JobStore) AcquireDue(ctx context.Context, owner string, limit int, now, leaseUntil time.Time) ([]*domain.Job, error) {
	// FOR UPDATE SKIP LOCKED prevents two nodes from leasing the same row.
	query := `
		UPDATE job_executable
		SET    lock_owner      = $1,
		       lock_expiration = $2
		WHERE id IN (
			SELECT id FROM job_executable
			WHERE  (due_date IS NULL OR due_date <= $3)
			  AND  (lock_expiration IS NULL OR lock_expiration <= $3)
			ORDER BY due_date ASC NULLS FIRST
			LIMIT $4
			FOR UPDATE SKIP LOCKED
		)
		RETURNING ` + jobColumns

	rows, err := s.pool.Query(ctx, query, owner, leaseUntil, now, limit)
	if err != nil {
		return nil, fmt.Errorf("acquire jobs: %w", err)
	}
	defer rows.Close()

	return collectJobs(rows)
}

func (s *JobStore) PromoteDueTimers(ctx context.Context, now time.Time, limit int) (int, error) {
	// Leased timers stay put; their owner is still working on them.
	query := `
		WITH moved AS (
			DELETE FROM job_timer
			WHERE id IN (
				SELECT id FROM job_timer
				WHERE  due_date <= $1
				  AND  (lock_expiration IS NULL OR lock_expiration <= $1)
				ORDER BY due_date ASC
				LIMIT $2
				FOR UPDATE SKIP LOCKED
			)
			RETURNING ` + jobColumns + `
		)
		INSERT INTO job_executable SELECT * FROM moved`

	tag, err := s.pool.Exec(ctx, query, now, limit)
	if err != nil {
		return 0, fmt.Errorf("promote due timers: %w", err)
	}
	return int(tag.RowsAffected()), nil
}

func (s *JobStore) Insert(ctx context.Context, state domain.State, job *domain.Job) error {
	table, err := tableFor(state)
	if err != nil {
		return err
	}
	_, err = s.pool.Exec(ctx, insertQuery(table), insertArgs(job)...)
	if err != nil {
		return fmt.Errorf("insert into %s: %w", table, err)
	}
	return nil
}

func (s *JobStore) Update(ctx context.Context, state domain.State, job *domain.Job) error {
	table, err := tableFor(state)
	if err != nil {
		return err
	}
	query := fmt.Sprintf(`
		UPDATE %s
		SET    kind = $2, due_date = $3, lock_owner = $4, lock_expiration = $5,
		       retries = $6, retries_initialized = $7, exception_message = $8,
		       exception_stacktrace = $9, execution_id = $10,
		       process_instance_id = $11, process_definition_id = $12,
		       repeat_expression = $13, exclusive = $14, tenant_id = $15
		WHERE id = $1`, table)

	tag, err := s.pool.Exec(ctx, query,
		job.ID, job.Kind, job.DueDate, job.LockOwner, job.LockExpiration,
		job.Retries, job.RetriesInitialized, job.ExceptionMessage,
		job.ExceptionStacktrace, job.ExecutionID, job.ProcessInstanceID,
		job.ProcessDefinitionID, job.RepeatExpression, job.Exclusive, job.TenantID,
	)
	if err != nil {
		return fmt.Errorf("update %s: %w", table, err)
	}
	if tag.RowsAffected() == 0 {
		return domain.ErrJobNotFound
	}
	return nil
}

func (s *JobStore) Delete(ctx context.Context, state domain.State, id string) error {
	table, err := tableFor(state)
	if err != nil {
		return err
	}
	tag, err := s.pool.Exec(ctx, fmt.Sprintf(`DELETE FROM %s WHERE id = $1`, table), id)
	if err != nil {
		return fmt.Errorf("delete from %s: %w", table, err)
	}
	if tag.RowsAffected() == 0 {
		return domain.ErrJobNotFound
	}
	return nil
}

func (s *JobStore) FindByID(ctx context.Context, state domain.State, id string) (*domain.Job, error) {
	table, err := tableFor(state)
	if err != nil {
		return nil, err
	}
	row := s.pool.QueryRow(ctx,
		fmt.Sprintf(`SELECT %s FROM %s WHERE id = $1`, jobColumns, table), id)
	return scanJob(row)
}

func (s *JobStore) FindByProcessInstance(ctx context.Context, state domain.State, processInstanceID string) ([]*domain.Job, error) {
	table, err := tableFor(state)
	if err != nil {
		return nil, err
	}
	rows, err := s.pool.Query(ctx,
		fmt.Sprintf(`SELECT %s FROM %s WHERE process_instance_id = $1 ORDER BY created_at`, jobColumns, table),
		processInstanceID)
	if err != nil {
		return nil, fmt.Errorf("find by process instance in %s: %w", table, err)
	}
	defer rows.Close()
	return collectJobs(rows)
}

func (s *JobStore) List(ctx context.Context, input repository.ListJobsInput) ([]*domain.Job, error) {
	table, err := tableFor(input.State)
	if err != nil {
		return nil, err
	}

	args := []any{}
	where := []string{}
	if input.TenantID != "" {
		args = append(args, input.TenantID)
		where = append(where, fmt.Sprintf("tenant_id = $%d", len(args)))
	}
	cond := ""
	if len(where) > 0 {
		cond = "WHERE " + strings.Join(where, " AND ")
	}
	args = append(args, input.Limit)

	query := fmt.Sprintf(`SELECT %s FROM %s %s ORDER BY due_date ASC NULLS FIRST, id LIMIT $%d`,
		jobColumns, table, cond, len(args))

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list %s: %w", table, err)
	}
	defer rows.Close()
	return collectJobs(rows)
}

func (s *JobStore) Locate(ctx context.Context, id string) (*domain.Job, domain.State, error) {
	for _, state := range []domain.State{
		domain.StateExecutable, domain.StateTimer, domain.StateSuspended, domain.StateDeadLetter,
	} {
		job, err := s.FindByID(ctx, state, id)
		if err == nil {
			return job, state, nil
		}
		if !errors.Is(err, domain.ErrJobNotFound) {
			return nil, "", err
		}
	}
	return nil, "", domain.ErrJobNotFound
}

func (s *JobStore) Move(ctx context.Context, from, to domain.State, job *domain.Job) error {
	fromTable, err := tableFor(from)
	if err != nil {
		return err
	}
	toTable, err := tableFor(to)
	if err != nil {
		return err
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin move: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	tag, err := tx.Exec(ctx, fmt.Sprintf(`DELETE FROM %s WHERE id = $1`, fromTable), job.ID)
	if err != nil {
		return fmt.Errorf("move: delete from %s: %w", fromTable, err)
	}
	if tag.RowsAffected() == 0 {
		return domain.ErrJobNotFound
	}

	if _, err := tx.Exec(ctx, insertQuery(toTable), insertArgs(job)...); err != nil {
		return fmt.Errorf("move: insert into %s: %w", toTable, err)
	}

	return tx.Commit(ctx)
}

func (s *JobStore) SuspendInstance(ctx context.Context, processInstanceID string) (int, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return 0, fmt.Errorf("begin suspend: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	total := 0
	for _, table := range []string{"job_timer", "job_executable"} {
		query := fmt.Sprintf(`
			WITH moved AS (
				DELETE FROM %s WHERE process_instance_id = $1
				RETURNING `+jobColumns+`
			)
			INSERT INTO job_suspended SELECT * FROM moved`, table)

		tag, err := tx.Exec(ctx, query, processInstanceID)
		if err != nil {
			return 0, fmt.Errorf("suspend from %s: %w", table, err)
		}
		total += int(tag.RowsAffected())
	}

	if err := tx.Commit(ctx); err != nil {
		return 0, err
	}
	return total, nil
}

func (s *JobStore) ActivateInstance(ctx context.Context, processInstanceID string, now time.Time) (int, int, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return 0, 0, fmt.Errorf("begin activate: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	toTimer := `
		WITH moved AS (
			DELETE FROM job_suspended
			WHERE process_instance_id = $1 AND due_date > $2
			RETURNING ` + jobColumns + `
		)
		INSERT INTO job_timer SELECT * FROM moved`

	timerTag, err := tx.Exec(ctx, toTimer, processInstanceID, now)
	if err != nil {
		return 0, 0, fmt.Errorf("activate to timer: %w", err)
	}

	toExecutable := `
		WITH moved AS (
			DELETE FROM job_suspended
			WHERE process_instance_id = $1
			RETURNING ` + jobColumns + `
		)
		INSERT INTO job_executable SELECT * FROM moved`

	execTag, err := tx.Exec(ctx, toExecutable, processInstanceID)
	if err != nil {
		return 0, 0, fmt.Errorf("activate to executable: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return 0, 0, err
	}
	return int(timerTag.RowsAffected()), int(execTag.RowsAffected()), nil
}

func (s *JobStore) LockInstance(ctx context.Context, processInstanceID string) (func(), error) {
	// Session-scoped advisory lock; the connection is pinned until release.
	conn, err := s.pool.Acquire(ctx)
	if err != nil {
		return nil, fmt.Errorf("acquire conn for instance lock: %w", err)
	}

	if _, err := conn.Exec(ctx, `SELECT pg_advisory_lock(hashtextextended($1, 0))`, processInstanceID); err != nil {
		conn.Release()
		return nil, fmt.Errorf("lock instance %s: %w", processInstanceID, err)
	}

	release := func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_, _ = conn.Exec(ctx, `SELECT pg_advisory_unlock(hashtextextended($1, 0))`, processInstanceID)
		conn.Release()
	}
	return release, nil
}

func (s *JobStore) SetInstanceLockHint(ctx context.Context, processInstanceID string, until time.Time) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO instance_lock_hints (process_instance_id, locked_until)
		VALUES ($1, $2)
		ON CONFLICT (process_instance_id) DO UPDATE SET locked_until = $2`,
		processInstanceID, until)
	return err
}

func (s *JobStore) ClearInstanceLockHint(ctx context.Context, processInstanceID string) error {
	_, err := s.pool.Exec(ctx,
		`DELETE FROM instance_lock_hints WHERE process_instance_id = $1`, processInstanceID)
	return err
}

func insertQuery(table string) string {
	return fmt.Sprintf(`
		INSERT INTO %s (%s)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16)`,
		table, jobColumns)
}

func insertArgs(job *domain.Job) []any {
	return []any{
		job.ID, job.Kind, job.DueDate, job.LockOwner, job.LockExpiration,
		job.Retries, job.RetriesInitialized, job.ExceptionMessage,
		job.ExceptionStacktrace, job.ExecutionID, job.ProcessInstanceID,
		job.ProcessDefinitionID, job.RepeatExpression, job.Exclusive,
		job.TenantID, job.CreatedAt,
	}
}

// pgx.Row and pgx.Rows both implement this.
type rowScanner interface {
	Scan(dest ...any) error
}

func scanJob(row rowScanner) (*domain.Job, error) {
	var j domain.Job
	err := row.Scan(
		&j.ID, &j.Kind, &j.DueDate, &j.LockOwner, &j.LockExpiration,
		&j.Retries, &j.RetriesInitialized, &j.ExceptionMessage,
		&j.ExceptionStacktrace, &j.ExecutionID, &j.ProcessInstanceID,
		&j.ProcessDefinitionID, &j.RepeatExpression, &j.Exclusive,
		&j.TenantID, &j.CreatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, domain.ErrJobNotFound
		}
		return nil, fmt.Errorf("scan job: %w", err)
	}
	return &j, nil
}

func collectJobs(rows pgx.Rows) ([]*domain.Job, error) {
	var jobs []*domain.Job
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, j)
	}
	return jobs, rows.Err()
}
