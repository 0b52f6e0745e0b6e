package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/seantiz/tremor/internal/model"

	_ "modernc.org/sqlite"
)

var schema = []string{
	`CREATE TABLE IF NOT EXISTS jobs (
    id                    TEXT PRIMARY KEY,
    job_type              TEXT NOT NULL,
    status                TEXT NOT NULL,
    description           TEXT NOT NULL,
    owner                 TEXT NOT NULL,
    relevant              INTEGER NOT NULL DEFAULT 1,
    hazard_calculation_id TEXT,
    log_level             TEXT NOT NULL,
    parameters            TEXT NOT NULL,
    created_at            DATETIME NOT NULL,
    start_time            DATETIME,
    stop_time             DATETIME
)`,
	`CREATE TABLE IF NOT EXISTS logs (
    seq       INTEGER PRIMARY KEY AUTOINCREMENT,
    job_id    TEXT NOT NULL,
    timestamp DATETIME NOT NULL,
    level     TEXT NOT NULL,
    process   TEXT NOT NULL,
    message   TEXT NOT NULL
)`,
	`CREATE INDEX IF NOT EXISTS logs_job_id ON logs (job_id, seq)`,
	`CREATE TABLE IF NOT EXISTS outputs (
    id           TEXT PRIMARY KEY,
    job_id       TEXT NOT NULL,
    output_type  TEXT NOT NULL,
    display_name TEXT NOT NULL,
    payload      BLOB,
    created_at   DATETIME NOT NULL
)`,
	`CREATE INDEX IF NOT EXISTS outputs_job_id ON outputs (job_id)`,
}

const jobColumns = `id, job_type, status, description, owner, relevant,
	hazard_calculation_id, log_level, parameters, created_at, start_time, stop_time`

// ErrNotFound is returned when a job, log entry or output is not found.
var ErrNotFound = errors.New("not found")

// Compile-time interface satisfaction check.
var _ Store = (*SQLiteStore)(nil)

// SQLiteStore implements Store using SQLite.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore opens the SQLite database at dbPath and runs migrations.
func NewSQLiteStore(dbPath string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	// Every connection to ":memory:" is a separate database.
	if dbPath == ":memory:" {
		db.SetMaxOpenConns(1)
	}

	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("set WAL mode: %w", err)
	}

	if _, err := db.Exec("PRAGMA busy_timeout = 5000"); err != nil {
		db.Close()
		return nil, fmt.Errorf("set busy timeout: %w", err)
	}

	for _, stmt := range schema {
		if _, err := db.Exec(stmt); err != nil {
			db.Close()
			return nil, fmt.Errorf("migrate: %w", err)
		}
	}

	return &SQLiteStore{db: db}, nil
}

// Close closes the underlying database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// CreateJob inserts a new job record. An ID is assigned when j.ID is empty.
func (s *SQLiteStore) CreateJob(ctx context.Context, j *model.Job) error {
	if j.ID == "" {
		j.ID = model.NewID()
	}
	if j.CreatedAt.IsZero() {
		j.CreatedAt = time.Now().UTC()
	}
	if j.Parameters == nil {
		j.Parameters = map[string]string{}
	}
	params, err := json.Marshal(j.Parameters)
	if err != nil {
		return fmt.Errorf("encode parameters: %w", err)
	}

	_, err = s.db.ExecContext(ctx,
		`INSERT INTO jobs (`+jobColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		j.ID, j.JobType, j.Status, j.Description, j.Owner, j.Relevant,
		j.HazardCalculationID, j.LogLevel, string(params), j.CreatedAt, j.StartTime, j.StopTime,
	)
	if err != nil {
		return fmt.Errorf("insert job: %w", err)
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanJob(row rowScanner) (*model.Job, error) {
	j := &model.Job{}
	var params string
	if err := row.Scan(
		&j.ID, &j.JobType, &j.Status, &j.Description, &j.Owner, &j.Relevant,
		&j.HazardCalculationID, &j.LogLevel, &params, &j.CreatedAt, &j.StartTime, &j.StopTime,
	); err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(params), &j.Parameters); err != nil {
		return nil, fmt.Errorf("decode parameters of job %s: %w", j.ID, err)
	}
	return j, nil
}

// GetJob retrieves a job by ID.
func (s *SQLiteStore) GetJob(ctx context.Context, id string) (*model.Job, error) {
	j, err := scanJob(s.db.QueryRowContext(ctx,
		`SELECT `+jobColumns+` FROM jobs WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get job: %w", err)
	}
	return j, nil
}

// ListJobs returns the jobs matching f, most recent first.
func (s *SQLiteStore) ListJobs(ctx context.Context, f JobFilter) ([]*model.Job, error) {
	conds := []string{"owner = ?"}
	args := []any{f.Owner}

	if f.ID != "" {
		conds = append(conds, "id = ?")
		args = append(args, f.ID)
	}
	switch f.JobType {
	case "":
	case model.JobTypeHazard:
		conds = append(conds, "hazard_calculation_id IS NULL")
	case model.JobTypeRisk:
		conds = append(conds, "hazard_calculation_id IS NOT NULL")
	default:
		return nil, fmt.Errorf("unknown job type %q", f.JobType)
	}
	if f.IsRunning != nil {
		op := "NOT IN"
		if *f.IsRunning {
			op = "IN"
		}
		conds = append(conds, "status "+op+" (?, ?)")
		args = append(args, model.StatusPending, model.StatusExecuting)
	}
	if f.Relevant != nil {
		conds = append(conds, "relevant = ?")
		args = append(args, *f.Relevant)
	}

	rows, err := s.db.QueryContext(ctx,
		`SELECT `+jobColumns+` FROM jobs WHERE `+strings.Join(conds, " AND ")+` ORDER BY id DESC`,
		args...,
	)
	if err != nil {
		return nil, fmt.Errorf("list jobs: %w", err)
	}
	defer rows.Close()

	var jobs []*model.Job
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, fmt.Errorf("scan job: %w", err)
		}
		jobs = append(jobs, j)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate jobs: %w", err)
	}
	return jobs, nil
}

// UpdateJobStatus moves a job to status. The update only applies when the
// current status may transition to the new one, so statuses never regress.
// Entering executing sets start_time; terminal statuses set stop_time.
func (s *SQLiteStore) UpdateJobStatus(ctx context.Context, id, status string) error {
	from := model.PreviousStatuses(status)
	if len(from) == 0 {
		return fmt.Errorf("%w: to %q", ErrInvalidTransition, status)
	}

	set := "status = ?"
	args := []any{status}
	now := time.Now().UTC()
	switch {
	case status == model.StatusExecuting:
		set += ", start_time = ?"
		args = append(args, now)
	case model.IsTerminal(status):
		set += ", stop_time = ?"
		args = append(args, now)
	}

	placeholders := strings.TrimSuffix(strings.Repeat("?, ", len(from)), ", ")
	args = append(args, id)
	for _, f := range from {
		args = append(args, f)
	}

	result, err := s.db.ExecContext(ctx,
		`UPDATE jobs SET `+set+` WHERE id = ? AND status IN (`+placeholders+`)`, args...)
	if err != nil {
		return fmt.Errorf("update job status: %w", err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("check rows affected: %w", err)
	}
	if rowsAffected > 0 {
		return nil
	}

	j, err := s.GetJob(ctx, id)
	if err != nil {
		return err
	}
	return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, j.Status, status)
}

// SetRelevant flips the soft-delete flag of a job.
func (s *SQLiteStore) SetRelevant(ctx context.Context, id string, relevant bool) error {
	result, err := s.db.ExecContext(ctx, "UPDATE jobs SET relevant = ? WHERE id = ?", relevant, id)
	if err != nil {
		return fmt.Errorf("update job relevance: %w", err)
	}
	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("check rows affected: %w", err)
	}
	if rowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

// AppendLog inserts a log entry and sets e.Seq to its position in the log.
func (s *SQLiteStore) AppendLog(ctx context.Context, e *model.LogEntry) error {
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now().UTC()
	}
	result, err := s.db.ExecContext(ctx,
		"INSERT INTO logs (job_id, timestamp, level, process, message) VALUES (?, ?, ?, ?, ?)",
		e.JobID, e.Timestamp, e.Level, e.Process, e.Message,
	)
	if err != nil {
		return fmt.Errorf("insert log entry: %w", err)
	}
	seq, err := result.LastInsertId()
	if err != nil {
		return fmt.Errorf("read log sequence: %w", err)
	}
	e.Seq = seq
	return nil
}

// LogSlice returns the entries of a job's log in [start, stop) insertion
// order. A negative stop means no upper bound.
func (s *SQLiteStore) LogSlice(ctx context.Context, jobID string, start, stop int) ([]model.LogEntry, error) {
	if start < 0 {
		start = 0
	}
	limit := -1
	if stop >= 0 {
		if stop <= start {
			return []model.LogEntry{}, nil
		}
		limit = stop - start
	}

	rows, err := s.db.QueryContext(ctx,
		`SELECT seq, job_id, timestamp, level, process, message
		FROM logs WHERE job_id = ? ORDER BY seq LIMIT ? OFFSET ?`,
		jobID, limit, start,
	)
	if err != nil {
		return nil, fmt.Errorf("query log slice: %w", err)
	}
	defer rows.Close()

	entries := []model.LogEntry{}
	for rows.Next() {
		var e model.LogEntry
		if err := rows.Scan(&e.Seq, &e.JobID, &e.Timestamp, &e.Level, &e.Process, &e.Message); err != nil {
			return nil, fmt.Errorf("scan log entry: %w", err)
		}
		entries = append(entries, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate log entries: %w", err)
	}
	return entries, nil
}

// LogCount returns the number of log entries of a job.
func (s *SQLiteStore) LogCount(ctx context.Context, jobID string) (int, error) {
	var n int
	if err := s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM logs WHERE job_id = ?", jobID).Scan(&n); err != nil {
		return 0, fmt.Errorf("count log entries: %w", err)
	}
	return n, nil
}

// CriticalLog returns the most recent CRITICAL entry of a job's log.
func (s *SQLiteStore) CriticalLog(ctx context.Context, jobID string) (*model.LogEntry, error) {
	var e model.LogEntry
	err := s.db.QueryRowContext(ctx,
		`SELECT seq, job_id, timestamp, level, process, message
		FROM logs WHERE job_id = ? AND level = ? ORDER BY seq DESC LIMIT 1`,
		jobID, model.LevelCritical,
	).Scan(&e.Seq, &e.JobID, &e.Timestamp, &e.Level, &e.Process, &e.Message)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get critical log entry: %w", err)
	}
	return &e, nil
}

// CreateOutput inserts a result artifact. An ID is assigned when o.ID is empty.
func (s *SQLiteStore) CreateOutput(ctx context.Context, o *model.Output) error {
	if o.ID == "" {
		o.ID = model.NewID()
	}
	if o.CreatedAt.IsZero() {
		o.CreatedAt = time.Now().UTC()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO outputs (id, job_id, output_type, display_name, payload, created_at)
		VALUES (?, ?, ?, ?, ?, ?)`,
		o.ID, o.JobID, o.OutputType, o.DisplayName, o.Payload, o.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert output: %w", err)
	}
	return nil
}

// GetOutput retrieves an output by ID.
func (s *SQLiteStore) GetOutput(ctx context.Context, id string) (*model.Output, error) {
	o := &model.Output{}
	err := s.db.QueryRowContext(ctx,
		`SELECT id, job_id, output_type, display_name, payload, created_at
		FROM outputs WHERE id = ?`, id,
	).Scan(&o.ID, &o.JobID, &o.OutputType, &o.DisplayName, &o.Payload, &o.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get output: %w", err)
	}
	return o, nil
}

// ListOutputs returns the outputs of a job in creation order.
func (s *SQLiteStore) ListOutputs(ctx context.Context, jobID string) ([]*model.Output, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, job_id, output_type, display_name, payload, created_at
		FROM outputs WHERE job_id = ? ORDER BY id`, jobID,
	)
	if err != nil {
		return nil, fmt.Errorf("list outputs: %w", err)
	}
	defer rows.Close()

	var outputs []*model.Output
	for rows.Next() {
		o := &model.Output{}
		if err := rows.Scan(&o.ID, &o.JobID, &o.OutputType, &o.DisplayName, &o.Payload, &o.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan output: %w", err)
		}
		outputs = append(outputs, o)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate outputs: %w", err)
	}
	return outputs, nil
}
