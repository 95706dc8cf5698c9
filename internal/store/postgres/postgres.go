// Package postgres implements the store repositories on PostgreSQL via pgx.
// Schema management is handled by the embedded goose migrations; call Migrate
// before constructing the store.
package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/mqmon/mqmon/internal/event"
	"github.com/mqmon/mqmon/internal/store"
)

// querier is satisfied by both *pgxpool.Pool and pgx.Tx, so the same
// repositories serve pooled and transactional access.
type querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// DB is the Postgres-backed store. It implements store.TxRunner so the
// projection can apply one event's writes atomically.
type DB struct {
	store.Store
	pool *pgxpool.Pool
}

// Connect opens a pgx pool, verifies connectivity, and returns the store.
func Connect(ctx context.Context, dsn string) (*DB, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("connect to postgres: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	return New(pool), nil
}

// New builds a store on an existing pool.
func New(pool *pgxpool.Pool) *DB {
	return &DB{Store: *newStore(pool), pool: pool}
}

func newStore(db querier) *store.Store {
	return &store.Store{
		Executions: &ExecutionRepository{db: db},
		Events:     &EventLogRepository{db: db},
		Steps:      &SagaStepRepository{db: db},
	}
}

// RunInTx runs fn against repositories bound to one transaction, committing
// on nil and rolling back on error.
func (d *DB) RunInTx(ctx context.Context, fn func(s *store.Store) error) error {
	return pgx.BeginFunc(ctx, d.pool, func(tx pgx.Tx) error {
		return fn(newStore(tx))
	})
}

// Close releases the underlying pool.
func (d *DB) Close() {
	d.pool.Close()
}

// ExecutionRepository persists ProcessExecution rows.
type ExecutionRepository struct {
	db querier
}

const executionColumns = `process_id, status, worker, started_at, finished_at,
	updated_at, error_message, message, current_stage, priority, saga_status`

func scanExecution(row pgx.Row) (*store.ProcessExecution, error) {
	var exec store.ProcessExecution
	err := row.Scan(
		&exec.ProcessID, &exec.Status, &exec.Worker,
		&exec.StartedAt, &exec.FinishedAt, &exec.UpdatedAt,
		&exec.ErrorMessage, &exec.Message, &exec.CurrentStage,
		&exec.Priority, &exec.SagaStatus,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan process execution: %w", err)
	}
	return &exec, nil
}

func (r *ExecutionRepository) Get(ctx context.Context, processID string) (*store.ProcessExecution, error) {
	row := r.db.QueryRow(ctx,
		`SELECT `+executionColumns+` FROM process_executions WHERE process_id = $1`,
		processID)
	return scanExecution(row)
}

func (r *ExecutionRepository) List(ctx context.Context) ([]*store.ProcessExecution, error) {
	return r.query(ctx,
		`SELECT `+executionColumns+` FROM process_executions ORDER BY updated_at DESC`)
}

func (r *ExecutionRepository) ListByStage(ctx context.Context, stage string) ([]*store.ProcessExecution, error) {
	return r.query(ctx,
		`SELECT `+executionColumns+` FROM process_executions WHERE current_stage = $1 ORDER BY updated_at DESC`,
		stage)
}

func (r *ExecutionRepository) ListByStatus(ctx context.Context, status event.Status) ([]*store.ProcessExecution, error) {
	return r.query(ctx,
		`SELECT `+executionColumns+` FROM process_executions WHERE status = $1 ORDER BY updated_at DESC`,
		string(status))
}

func (r *ExecutionRepository) query(ctx context.Context, sql string, args ...any) ([]*store.ProcessExecution, error) {
	rows, err := r.db.Query(ctx, sql, args...)
	if err != nil {
		return nil, fmt.Errorf("query process executions: %w", err)
	}
	defer rows.Close()

	var out []*store.ProcessExecution
	for rows.Next() {
		exec, err := scanExecution(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, exec)
	}
	return out, rows.Err()
}

func (r *ExecutionRepository) Insert(ctx context.Context, exec *store.ProcessExecution) error {
	// Upsert keeps the write idempotent under projection re-delivery.
	_, err := r.db.Exec(ctx,
		`INSERT INTO process_executions (`+executionColumns+`)
		 VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11)
		 ON CONFLICT (process_id) DO UPDATE SET
			status = EXCLUDED.status, worker = EXCLUDED.worker,
			started_at = EXCLUDED.started_at, finished_at = EXCLUDED.finished_at,
			updated_at = EXCLUDED.updated_at, error_message = EXCLUDED.error_message,
			message = EXCLUDED.message, current_stage = EXCLUDED.current_stage,
			priority = EXCLUDED.priority, saga_status = EXCLUDED.saga_status`,
		exec.ProcessID, string(exec.Status), exec.Worker,
		exec.StartedAt, exec.FinishedAt, exec.UpdatedAt,
		exec.ErrorMessage, exec.Message, exec.CurrentStage,
		exec.Priority, exec.SagaStatus)
	if err != nil {
		return fmt.Errorf("insert process execution: %w", err)
	}
	return nil
}

func (r *ExecutionRepository) Update(ctx context.Context, exec *store.ProcessExecution) error {
	tag, err := r.db.Exec(ctx,
		`UPDATE process_executions SET
			status = $2, worker = $3, started_at = $4, finished_at = $5,
			updated_at = $6, error_message = $7, message = $8,
			current_stage = $9, priority = $10, saga_status = $11
		 WHERE process_id = $1`,
		exec.ProcessID, string(exec.Status), exec.Worker,
		exec.StartedAt, exec.FinishedAt, exec.UpdatedAt,
		exec.ErrorMessage, exec.Message, exec.CurrentStage,
		exec.Priority, exec.SagaStatus)
	if err != nil {
		return fmt.Errorf("update process execution: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return store.ErrNotFound
	}
	return nil
}

// EventLogRepository persists the append-only event log.
type EventLogRepository struct {
	db querier
}

func (r *EventLogRepository) Exists(ctx context.Context, eventID string) (bool, error) {
	var exists bool
	err := r.db.QueryRow(ctx,
		`SELECT EXISTS (SELECT 1 FROM event_logs WHERE event_id = $1)`,
		eventID).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("check event log: %w", err)
	}
	return exists, nil
}

func (r *EventLogRepository) Insert(ctx context.Context, entry *store.EventLog) error {
	// ON CONFLICT DO NOTHING makes re-running a partially projected event safe.
	_, err := r.db.Exec(ctx,
		`INSERT INTO event_logs (event_id, process_id, event_type, payload, event_timestamp)
		 VALUES ($1,$2,$3,$4,$5)
		 ON CONFLICT (event_id) DO NOTHING`,
		entry.EventID, entry.ProcessID, entry.EventType, entry.Payload, entry.Timestamp)
	if err != nil {
		return fmt.Errorf("insert event log: %w", err)
	}
	return nil
}

func (r *EventLogRepository) ListByProcess(ctx context.Context, processID string) ([]*store.EventLog, error) {
	rows, err := r.db.Query(ctx,
		`SELECT event_id, process_id, event_type, payload, event_timestamp
		 FROM event_logs WHERE process_id = $1 ORDER BY event_timestamp, event_id`,
		processID)
	if err != nil {
		return nil, fmt.Errorf("query event logs: %w", err)
	}
	defer rows.Close()

	var out []*store.EventLog
	for rows.Next() {
		var entry store.EventLog
		if err := rows.Scan(&entry.EventID, &entry.ProcessID, &entry.EventType,
			&entry.Payload, &entry.Timestamp); err != nil {
			return nil, fmt.Errorf("scan event log: %w", err)
		}
		out = append(out, &entry)
	}
	return out, rows.Err()
}

// SagaStepRepository persists per-process stage attempts.
type SagaStepRepository struct {
	db querier
}

const stepColumns = `step_id, process_id, stage_name, status, worker,
	started_at, completed_at, error_message, step_order`

func scanStep(row pgx.Row) (*store.SagaStep, error) {
	var step store.SagaStep
	err := row.Scan(
		&step.StepID, &step.ProcessID, &step.StageName, &step.Status,
		&step.Worker, &step.StartedAt, &step.CompletedAt,
		&step.ErrorMessage, &step.StepOrder,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan saga step: %w", err)
	}
	return &step, nil
}

func (r *SagaStepRepository) LastStep(ctx context.Context, processID string) (*store.SagaStep, error) {
	row := r.db.QueryRow(ctx,
		`SELECT `+stepColumns+` FROM saga_steps
		 WHERE process_id = $1 ORDER BY step_order DESC LIMIT 1`,
		processID)
	return scanStep(row)
}

func (r *SagaStepRepository) ListByProcess(ctx context.Context, processID string) ([]*store.SagaStep, error) {
	rows, err := r.db.Query(ctx,
		`SELECT `+stepColumns+` FROM saga_steps
		 WHERE process_id = $1 ORDER BY step_order`,
		processID)
	if err != nil {
		return nil, fmt.Errorf("query saga steps: %w", err)
	}
	defer rows.Close()

	var out []*store.SagaStep
	for rows.Next() {
		step, err := scanStep(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, step)
	}
	return out, rows.Err()
}

func (r *SagaStepRepository) Insert(ctx context.Context, step *store.SagaStep) error {
	_, err := r.db.Exec(ctx,
		`INSERT INTO saga_steps (`+stepColumns+`)
		 VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)
		 ON CONFLICT (step_id) DO NOTHING`,
		step.StepID, step.ProcessID, step.StageName, step.Status,
		step.Worker, step.StartedAt, step.CompletedAt,
		step.ErrorMessage, step.StepOrder)
	if err != nil {
		return fmt.Errorf("insert saga step: %w", err)
	}
	return nil
}

func (r *SagaStepRepository) Update(ctx context.Context, step *store.SagaStep) error {
	tag, err := r.db.Exec(ctx,
		`UPDATE saga_steps SET
			status = $2, worker = $3, completed_at = $4, error_message = $5
		 WHERE step_id = $1`,
		step.StepID, step.Status, step.Worker, step.CompletedAt, step.ErrorMessage)
	if err != nil {
		return fmt.Errorf("update saga step: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return store.ErrNotFound
	}
	return nil
}
