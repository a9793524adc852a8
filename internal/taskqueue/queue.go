// Package taskqueue is a durable SQLite-backed job queue with atomic
// leases. Tasks are leased oldest-first per agent; expired leases are
// swept back to pending by the reaper without costing an attempt.
package taskqueue

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/golang-migrate/migrate/v4"
	migratesqlite "github.com/golang-migrate/migrate/v4/database/sqlite"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	_ "modernc.org/sqlite"

	"github.com/osaproject/osa/internal/bus"
	"github.com/osaproject/osa/pkg/protocol"
)

//go:embed migrations/*.sql
var migrationFiles embed.FS

// Status is a task's lifecycle state.
type Status string

const (
	StatusPending   Status = "pending"
	StatusLeased    Status = "leased"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
)

const (
	// DefaultMaxAttempts is how many failures a task survives before it
	// becomes terminally failed.
	DefaultMaxAttempts = 3
	// DefaultReapInterval is how often expired leases are swept.
	DefaultReapInterval = 60 * time.Second
)

var (
	ErrNotFound  = errors.New("task not found")
	ErrNotLeased = errors.New("task is not leased")
	ErrDuplicate = errors.New("task id already enqueued")
)

// Task is one queued unit of work.
type Task struct {
	ID          string                 `json:"task_id"`
	AgentID     string                 `json:"agent_id"`
	Payload     map[string]interface{} `json:"payload"`
	Status      Status                 `json:"status"`
	LeasedUntil *time.Time             `json:"leased_until,omitempty"`
	LeasedBy    string                 `json:"leased_by,omitempty"`
	Attempts    int                    `json:"attempts"`
	MaxAttempts int                    `json:"max_attempts"`
	Result      string                 `json:"result,omitempty"`
	Error       string                 `json:"error,omitempty"`
	CreatedAt   time.Time              `json:"created_at"`
	CompletedAt *time.Time             `json:"completed_at,omitempty"`
}

// EnqueueOptions tune a single enqueue.
type EnqueueOptions struct {
	MaxAttempts int
}

// Filter narrows List results. Zero values match everything.
type Filter struct {
	AgentID string
	Status  Status
	Limit   int
}

// Queue persists tasks in a SQLite file. All transitions run in
// transactions over a single connection, so concurrent lease calls for
// the same agent hand out distinct tasks.
type Queue struct {
	db  *sql.DB
	bus *bus.Bus

	mu sync.Mutex // serializes lease select+update
}

// Open creates or migrates the queue database at path and returns a
// ready Queue. Events are published on b when non-nil.
func Open(path string, b *bus.Bus) (*Queue, error) {
	if dir := filepath.Dir(path); dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("creating queue dir: %w", err)
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("opening queue db: %w", err)
	}
	db.SetMaxOpenConns(1)

	if err := runMigrations(db); err != nil {
		db.Close()
		return nil, err
	}
	return &Queue{db: db, bus: b}, nil
}

func runMigrations(db *sql.DB) error {
	source, err := iofs.New(migrationFiles, "migrations")
	if err != nil {
		return fmt.Errorf("loading migrations: %w", err)
	}
	driver, err := migratesqlite.WithInstance(db, &migratesqlite.Config{})
	if err != nil {
		return fmt.Errorf("preparing migration driver: %w", err)
	}
	m, err := migrate.NewWithInstance("iofs", source, "sqlite", driver)
	if err != nil {
		return fmt.Errorf("creating migrator: %w", err)
	}
	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("applying migrations: %w", err)
	}
	return nil
}

func (q *Queue) Close() error { return q.db.Close() }

// Enqueue adds a pending task. Task IDs are unique across all states.
func (q *Queue) Enqueue(ctx context.Context, taskID, agentID string, payload map[string]interface{}, opts EnqueueOptions) (*Task, error) {
	if taskID == "" || agentID == "" {
		return nil, fmt.Errorf("task_id and agent_id are required")
	}
	maxAttempts := opts.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = DefaultMaxAttempts
	}
	if payload == nil {
		payload = map[string]interface{}{}
	}
	encoded, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("encoding payload: %w", err)
	}

	now := time.Now()
	_, err = q.db.ExecContext(ctx,
		`INSERT INTO tasks (task_id, agent_id, payload, status, max_attempts, created_at)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		taskID, agentID, string(encoded), StatusPending, maxAttempts, now.UnixMilli())
	if err != nil {
		if isUniqueViolation(err) {
			return nil, fmt.Errorf("%w: %s", ErrDuplicate, taskID)
		}
		return nil, fmt.Errorf("enqueueing task: %w", err)
	}

	task := &Task{
		ID:          taskID,
		AgentID:     agentID,
		Payload:     payload,
		Status:      StatusPending,
		MaxAttempts: maxAttempts,
		CreatedAt:   now,
	}
	q.publish(protocol.TopicTaskEnqueued, map[string]any{
		"task_id": taskID, "agent_id": agentID,
	})
	return task, nil
}

// Lease hands out the oldest pending task for agentID, marking it leased
// until now+duration. Returns nil when nothing is pending.
func (q *Queue) Lease(ctx context.Context, agentID, leasedBy string, duration time.Duration) (*Task, error) {
	if duration <= 0 {
		return nil, fmt.Errorf("lease duration must be positive")
	}
	q.mu.Lock()
	defer q.mu.Unlock()

	tx, err := q.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("starting lease tx: %w", err)
	}
	defer tx.Rollback()

	row := tx.QueryRowContext(ctx,
		`SELECT task_id FROM tasks
		 WHERE agent_id = ? AND status = ?
		 ORDER BY created_at ASC, task_id ASC LIMIT 1`,
		agentID, StatusPending)
	var taskID string
	if err := row.Scan(&taskID); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("selecting pending task: %w", err)
	}

	until := time.Now().Add(duration)
	res, err := tx.ExecContext(ctx,
		`UPDATE tasks SET status = ?, leased_until = ?, leased_by = ?
		 WHERE task_id = ? AND status = ?`,
		StatusLeased, until.UnixMilli(), leasedBy, taskID, StatusPending)
	if err != nil {
		return nil, fmt.Errorf("marking task leased: %w", err)
	}
	if n, _ := res.RowsAffected(); n != 1 {
		return nil, nil
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("committing lease: %w", err)
	}

	task, err := q.Get(ctx, taskID)
	if err != nil {
		return nil, err
	}
	q.publish(protocol.TopicTaskLeased, map[string]any{
		"task_id": taskID, "agent_id": agentID, "leased_by": leasedBy,
		"leased_until": until.UnixMilli(),
	})
	return task, nil
}

// Complete finishes a leased task with its result. Only leased tasks can
// complete; an expired-and-reaped task must be leased again first.
func (q *Queue) Complete(ctx context.Context, taskID, result string) error {
	res, err := q.db.ExecContext(ctx,
		`UPDATE tasks SET status = ?, result = ?, completed_at = ?, leased_until = NULL, leased_by = NULL
		 WHERE task_id = ? AND status = ?`,
		StatusCompleted, result, time.Now().UnixMilli(), taskID, StatusLeased)
	if err != nil {
		return fmt.Errorf("completing task: %w", err)
	}
	if n, _ := res.RowsAffected(); n != 1 {
		return q.transitionError(ctx, taskID)
	}
	q.publish(protocol.TopicTaskCompleted, map[string]any{"task_id": taskID})
	return nil
}

// Fail records a failure. The task goes back to pending until attempts
// reaches max_attempts, then becomes terminally failed.
func (q *Queue) Fail(ctx context.Context, taskID, taskErr string) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	tx, err := q.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("starting fail tx: %w", err)
	}
	defer tx.Rollback()

	row := tx.QueryRowContext(ctx,
		`SELECT status, attempts, max_attempts FROM tasks WHERE task_id = ?`, taskID)
	var status Status
	var attempts, maxAttempts int
	if err := row.Scan(&status, &attempts, &maxAttempts); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("%w: %s", ErrNotFound, taskID)
		}
		return fmt.Errorf("loading task: %w", err)
	}
	if status != StatusLeased {
		return fmt.Errorf("%w: %s is %s", ErrNotLeased, taskID, status)
	}

	attempts++
	final := attempts >= maxAttempts
	next := StatusPending
	var completedAt interface{}
	if final {
		next = StatusFailed
		completedAt = time.Now().UnixMilli()
	}
	if _, err := tx.ExecContext(ctx,
		`UPDATE tasks SET status = ?, attempts = ?, error = ?, completed_at = ?, leased_until = NULL, leased_by = NULL
		 WHERE task_id = ?`,
		next, attempts, taskErr, completedAt, taskID); err != nil {
		return fmt.Errorf("recording failure: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("committing failure: %w", err)
	}

	q.publish(protocol.TopicTaskFailed, map[string]any{
		"task_id": taskID, "final": final,
		"attempts": attempts, "max_attempts": maxAttempts,
	})
	return nil
}

// Get loads one task by id.
func (q *Queue) Get(ctx context.Context, taskID string) (*Task, error) {
	tasks, err := q.query(ctx,
		`SELECT `+taskColumns+` FROM tasks WHERE task_id = ?`, taskID)
	if err != nil {
		return nil, err
	}
	if len(tasks) == 0 {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, taskID)
	}
	return tasks[0], nil
}

// List returns tasks matching the filter, newest first.
func (q *Queue) List(ctx context.Context, f Filter) ([]*Task, error) {
	query := `SELECT ` + taskColumns + ` FROM tasks WHERE 1=1`
	var args []interface{}
	if f.AgentID != "" {
		query += ` AND agent_id = ?`
		args = append(args, f.AgentID)
	}
	if f.Status != "" {
		query += ` AND status = ?`
		args = append(args, f.Status)
	}
	query += ` ORDER BY created_at DESC, task_id DESC`
	if f.Limit > 0 {
		query += ` LIMIT ?`
		args = append(args, f.Limit)
	}
	return q.query(ctx, query, args...)
}

// Reap moves leased tasks whose lease expired back to pending. Attempts
// are untouched, the lease simply ran out. Returns how many moved.
func (q *Queue) Reap(ctx context.Context) (int, error) {
	res, err := q.db.ExecContext(ctx,
		`UPDATE tasks SET status = ?, leased_until = NULL, leased_by = NULL
		 WHERE status = ? AND leased_until < ?`,
		StatusPending, StatusLeased, time.Now().UnixMilli())
	if err != nil {
		return 0, fmt.Errorf("reaping leases: %w", err)
	}
	n, _ := res.RowsAffected()
	if n > 0 {
		slog.Info("expired task leases reaped", "count", n)
	}
	return int(n), nil
}

// StartReaper sweeps expired leases every interval until ctx ends.
func (q *Queue) StartReaper(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = DefaultReapInterval
	}
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if _, err := q.Reap(ctx); err != nil && ctx.Err() == nil {
					slog.Warn("lease reap failed", "error", err)
				}
			}
		}
	}()
}

const taskColumns = `task_id, agent_id, payload, status, leased_until, leased_by,
	attempts, max_attempts, result, error, created_at, completed_at`

func (q *Queue) query(ctx context.Context, query string, args ...interface{}) ([]*Task, error) {
	rows, err := q.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("querying tasks: %w", err)
	}
	defer rows.Close()

	var tasks []*Task
	for rows.Next() {
		var t Task
		var payload string
		var leasedUntil, completedAt sql.NullInt64
		var leasedBy, result, taskErr sql.NullString
		var createdAt int64
		if err := rows.Scan(&t.ID, &t.AgentID, &payload, &t.Status, &leasedUntil, &leasedBy,
			&t.Attempts, &t.MaxAttempts, &result, &taskErr, &createdAt, &completedAt); err != nil {
			return nil, fmt.Errorf("scanning task: %w", err)
		}
		if err := json.Unmarshal([]byte(payload), &t.Payload); err != nil {
			slog.Warn("task payload undecodable", "task", t.ID, "error", err)
			t.Payload = map[string]interface{}{}
		}
		t.CreatedAt = time.UnixMilli(createdAt)
		if leasedUntil.Valid {
			lu := time.UnixMilli(leasedUntil.Int64)
			t.LeasedUntil = &lu
		}
		if completedAt.Valid {
			ca := time.UnixMilli(completedAt.Int64)
			t.CompletedAt = &ca
		}
		t.LeasedBy = leasedBy.String
		t.Result = result.String
		t.Error = taskErr.String
		tasks = append(tasks, &t)
	}
	return tasks, rows.Err()
}

func (q *Queue) transitionError(ctx context.Context, taskID string) error {
	row := q.db.QueryRowContext(ctx, `SELECT status FROM tasks WHERE task_id = ?`, taskID)
	var status Status
	if err := row.Scan(&status); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("%w: %s", ErrNotFound, taskID)
		}
		return fmt.Errorf("loading task: %w", err)
	}
	return fmt.Errorf("%w: %s is %s", ErrNotLeased, taskID, status)
}

func (q *Queue) publish(topic protocol.Topic, payload map[string]any) {
	if q.bus != nil {
		q.bus.Publish(topic, "", payload)
	}
}

func isUniqueViolation(err error) bool {
	// modernc/sqlite reports constraint failures in the error text.
	return err != nil && strings.Contains(err.Error(), "constraint failed")
}
