package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"taskyard/internal/domain"

	_ "modernc.org/sqlite"
)

var ErrNotFound = errors.New("record not found")

const schema = `
CREATE TABLE IF NOT EXISTS events (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	tick INTEGER NOT NULL,
	actor TEXT NOT NULL,
	action TEXT NOT NULL,
	reason TEXT NOT NULL,
	payload TEXT NOT NULL,
	created_at INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_events_tick ON events(tick);
CREATE INDEX IF NOT EXISTS idx_events_action ON events(action, created_at);

CREATE TABLE IF NOT EXISTS workflow_runs (
	id TEXT PRIMARY KEY,
	worker_id INTEGER NOT NULL,
	station_ids TEXT NOT NULL,
	input TEXT NOT NULL,
	output TEXT NOT NULL DEFAULT '',
	status TEXT NOT NULL,
	step INTEGER NOT NULL DEFAULT 0,
	created_at INTEGER NOT NULL,
	updated_at INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_workflow_runs_updated ON workflow_runs(updated_at);

CREATE TABLE IF NOT EXISTS trigger_registrations (
	station_id INTEGER PRIMARY KEY,
	kind TEXT NOT NULL,
	url TEXT NOT NULL DEFAULT '',
	registered_at INTEGER NOT NULL
);
`

// Store is the append-only audit journal of a simulation session. Nothing is
// read back into the simulation.
type Store struct {
	db *sql.DB
}

func Open(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}

	pragmas := []string{
		"PRAGMA journal_mode=WAL;",
		"PRAGMA synchronous=NORMAL;",
		"PRAGMA busy_timeout=5000;",
	}
	for _, stmt := range pragmas {
		if _, err := db.Exec(stmt); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("set sqlite pragma %q: %w", stmt, err)
		}
	}

	return &Store{db: db}, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) Migrate(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("migrate schema: %w", err)
	}
	return nil
}

func (s *Store) LogEvent(ctx context.Context, ev domain.Event) error {
	payload := string(ev.Payload)
	if payload == "" {
		payload = "{}"
	}
	createdAt := ev.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now().UTC()
	}
	_, err := s.db.ExecContext(
		ctx,
		`INSERT INTO events(tick, actor, action, reason, payload, created_at)
		VALUES(?, ?, ?, ?, ?, ?)`,
		int64(ev.Tick), ev.Actor, ev.Action, ev.Reason, payload, createdAt.Unix(),
	)
	if err != nil {
		return fmt.Errorf("log event: %w", err)
	}
	return nil
}

// ListEvents returns the newest events first.
func (s *Store) ListEvents(ctx context.Context, limit int) ([]domain.Event, error) {
	if limit <= 0 {
		limit = 300
	}
	rows, err := s.db.QueryContext(
		ctx,
		`SELECT id, tick, actor, action, reason, payload, created_at
		FROM events
		ORDER BY id DESC
		LIMIT ?`,
		limit,
	)
	if err != nil {
		return nil, fmt.Errorf("list events: %w", err)
	}
	defer rows.Close()

	result := make([]domain.Event, 0, limit)
	for rows.Next() {
		var item domain.Event
		var tick int64
		var payload string
		var createdAt int64
		if err := rows.Scan(&item.ID, &tick, &item.Actor, &item.Action, &item.Reason, &payload, &createdAt); err != nil {
			return nil, fmt.Errorf("scan event: %w", err)
		}
		item.Tick = uint64(tick)
		item.Payload = []byte(payload)
		item.CreatedAt = unixToTime(createdAt)
		result = append(result, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate events: %w", err)
	}
	return result, nil
}

// SaveWorkflowRun inserts a run or updates its progress.
func (s *Store) SaveWorkflowRun(ctx context.Context, run domain.WorkflowRun) error {
	now := time.Now().UTC()
	if run.CreatedAt.IsZero() {
		run.CreatedAt = now
	}
	if run.UpdatedAt.IsZero() {
		run.UpdatedAt = now
	}
	stations, err := json.Marshal(run.StationIDs)
	if err != nil {
		return fmt.Errorf("marshal station ids: %w", err)
	}
	_, err = s.db.ExecContext(
		ctx,
		`INSERT INTO workflow_runs(id, worker_id, station_ids, input, output, status, step, created_at, updated_at)
		VALUES(?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			output = excluded.output,
			status = excluded.status,
			step = excluded.step,
			updated_at = excluded.updated_at`,
		run.ID, int64(run.WorkerID), string(stations), run.Input, run.Output, string(run.Status), run.Step,
		run.CreatedAt.Unix(), run.UpdatedAt.Unix(),
	)
	if err != nil {
		return fmt.Errorf("save workflow run: %w", err)
	}
	return nil
}

func (s *Store) GetWorkflowRun(ctx context.Context, id string) (domain.WorkflowRun, error) {
	row := s.db.QueryRowContext(
		ctx,
		`SELECT id, worker_id, station_ids, input, output, status, step, created_at, updated_at
		FROM workflow_runs WHERE id = ?`,
		id,
	)
	run, err := scanWorkflowRun(row)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.WorkflowRun{}, fmt.Errorf("get workflow run %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return domain.WorkflowRun{}, err
	}
	return run, nil
}

// ListWorkflowRuns returns the most recently updated runs first.
func (s *Store) ListWorkflowRuns(ctx context.Context, limit int) ([]domain.WorkflowRun, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(
		ctx,
		`SELECT id, worker_id, station_ids, input, output, status, step, created_at, updated_at
		FROM workflow_runs
		ORDER BY updated_at DESC, created_at DESC
		LIMIT ?`,
		limit,
	)
	if err != nil {
		return nil, fmt.Errorf("list workflow runs: %w", err)
	}
	defer rows.Close()

	result := make([]domain.WorkflowRun, 0)
	for rows.Next() {
		run, err := scanWorkflowRun(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, run)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate workflow runs: %w", err)
	}
	return result, nil
}

// RecordTriggerRegistration stores the first registration of a station and
// ignores repeats.
func (s *Store) RecordTriggerRegistration(ctx context.Context, reg domain.TriggerRegistration) error {
	registeredAt := reg.RegisteredAt
	if registeredAt.IsZero() {
		registeredAt = time.Now().UTC()
	}
	_, err := s.db.ExecContext(
		ctx,
		`INSERT OR IGNORE INTO trigger_registrations(station_id, kind, url, registered_at)
		VALUES(?, ?, ?, ?)`,
		int64(reg.StationID), string(reg.Kind), reg.URL, registeredAt.Unix(),
	)
	if err != nil {
		return fmt.Errorf("record trigger registration: %w", err)
	}
	return nil
}

func (s *Store) ListTriggerRegistrations(ctx context.Context) ([]domain.TriggerRegistration, error) {
	rows, err := s.db.QueryContext(
		ctx,
		`SELECT station_id, kind, url, registered_at
		FROM trigger_registrations
		ORDER BY station_id`,
	)
	if err != nil {
		return nil, fmt.Errorf("list trigger registrations: %w", err)
	}
	defer rows.Close()

	result := make([]domain.TriggerRegistration, 0)
	for rows.Next() {
		var item domain.TriggerRegistration
		var stationID, registeredAt int64
		var kind string
		if err := rows.Scan(&stationID, &kind, &item.URL, &registeredAt); err != nil {
			return nil, fmt.Errorf("scan trigger registration: %w", err)
		}
		item.StationID = uint64(stationID)
		item.Kind = domain.TriggerKind(kind)
		item.RegisteredAt = unixToTime(registeredAt)
		result = append(result, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate trigger registrations: %w", err)
	}
	return result, nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanWorkflowRun(row scanner) (domain.WorkflowRun, error) {
	var run domain.WorkflowRun
	var workerID int64
	var stations, status string
	var createdAt, updatedAt int64
	if err := row.Scan(&run.ID, &workerID, &stations, &run.Input, &run.Output, &status, &run.Step, &createdAt, &updatedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return domain.WorkflowRun{}, err
		}
		return domain.WorkflowRun{}, fmt.Errorf("scan workflow run: %w", err)
	}
	if err := json.Unmarshal([]byte(stations), &run.StationIDs); err != nil {
		return domain.WorkflowRun{}, fmt.Errorf("decode station ids: %w", err)
	}
	run.WorkerID = uint64(workerID)
	run.Status = domain.WorkflowStatus(status)
	run.CreatedAt = unixToTime(createdAt)
	run.UpdatedAt = unixToTime(updatedAt)
	return run, nil
}

func unixToTime(v int64) time.Time {
	return time.Unix(v, 0).UTC()
}
