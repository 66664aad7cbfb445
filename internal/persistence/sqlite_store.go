package persistence

import (
	"context"
	"database/sql"
	"errors"
	"strings"
	"time"

	"github.com/jpelkonen/stepwise/pkg/api"
)

// SQLiteStore is a durable implementation of all store interfaces backed
// by SQLite.
//
// It expects an *sql.DB that uses a SQLite driver (for example,
// "modernc.org/sqlite"). The caller is responsible for importing the
// driver, e.g.:
//
//	import _ "modernc.org/sqlite"
type SQLiteStore struct {
	db *sql.DB
}

// Ensure SQLiteStore implements the store interfaces.
var (
	_ RunStore      = (*SQLiteStore)(nil)
	_ StepStore     = (*SQLiteStore)(nil)
	_ TimerStore    = (*SQLiteStore)(nil)
	_ DispatchStore = (*SQLiteStore)(nil)
	_ HistoryStore  = (*SQLiteStore)(nil)
)

// NewSQLiteStore initializes the required schema in the given database
// and returns a new SQLiteStore.
func NewSQLiteStore(db *sql.DB) (*SQLiteStore, error) {
	s := &SQLiteStore{db: db}
	if err := s.initSchema(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *SQLiteStore) initSchema() error {
	_, err := s.db.Exec(`
		CREATE TABLE IF NOT EXISTS runs (
			id TEXT PRIMARY KEY,
			workflow_id TEXT NOT NULL,
			event_id TEXT NOT NULL,
			event_name TEXT NOT NULL,
			event_data BLOB,
			event_occurred_at INTEGER NOT NULL,
			status TEXT NOT NULL,
			output BLOB,
			error TEXT,
			failed_step TEXT NOT NULL DEFAULT '',
			created_at INTEGER NOT NULL,
			completed_at INTEGER NOT NULL DEFAULT 0
		);
		CREATE INDEX IF NOT EXISTS idx_runs_event ON runs(event_id);
		CREATE INDEX IF NOT EXISTS idx_runs_status ON runs(status);

		CREATE TABLE IF NOT EXISTS steps (
			run_id TEXT NOT NULL,
			step_id TEXT NOT NULL,
			status TEXT NOT NULL,
			result BLOB,
			error TEXT NOT NULL DEFAULT '',
			attempts INTEGER NOT NULL,
			recorded_at INTEGER NOT NULL,
			PRIMARY KEY (run_id, step_id)
		);

		CREATE TABLE IF NOT EXISTS timers (
			run_id TEXT NOT NULL,
			timer_id TEXT NOT NULL,
			due_at INTEGER NOT NULL,
			fired INTEGER NOT NULL DEFAULT 0,
			created_at INTEGER NOT NULL,
			PRIMARY KEY (run_id, timer_id)
		);
		CREATE INDEX IF NOT EXISTS idx_timers_due ON timers(fired, due_at);

		CREATE TABLE IF NOT EXISTS dispatches (
			event_id TEXT NOT NULL,
			workflow_id TEXT NOT NULL,
			run_id TEXT NOT NULL,
			PRIMARY KEY (event_id, workflow_id)
		);

		CREATE TABLE IF NOT EXISTS run_history (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			run_id TEXT NOT NULL,
			at INTEGER NOT NULL,
			type TEXT NOT NULL,
			step_id TEXT NOT NULL DEFAULT '',
			detail TEXT NOT NULL DEFAULT ''
		);
		CREATE INDEX IF NOT EXISTS idx_run_history_run ON run_history(run_id, id);
	`)
	return err
}

func (s *SQLiteStore) SaveRun(ctx context.Context, run *api.Run) error {
	eventData, err := EncodeValue(run.Event.Data)
	if err != nil {
		return err
	}

	output, err := EncodeValue(run.Output)
	if err != nil {
		return err
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO runs (id, workflow_id, event_id, event_name, event_data, event_occurred_at,
			status, output, error, failed_step, created_at, completed_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		run.ID,
		run.WorkflowID,
		run.Event.ID,
		run.Event.Name,
		eventData,
		run.Event.OccurredAt.UnixNano(),
		string(run.Status),
		output,
		errString(run.Err),
		run.FailedStep,
		run.CreatedAt.UnixNano(),
		nanoOrZero(run.CompletedAt),
	)
	return err
}

func (s *SQLiteStore) UpdateRun(ctx context.Context, run *api.Run) error {
	output, err := EncodeValue(run.Output)
	if err != nil {
		return err
	}

	res, err := s.db.ExecContext(ctx, `
		UPDATE runs
		SET status = ?, output = ?, error = ?, failed_step = ?, completed_at = ?
		WHERE id = ?`,
		string(run.Status),
		output,
		errString(run.Err),
		run.FailedStep,
		nanoOrZero(run.CompletedAt),
		run.ID,
	)
	if err != nil {
		return err
	}

	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return ErrRunNotFound
	}

	return nil
}

const runColumns = `id, workflow_id, event_id, event_name, event_data, event_occurred_at,
	status, output, error, failed_step, created_at, completed_at`

func (s *SQLiteStore) GetRun(ctx context.Context, id string) (*api.Run, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT `+runColumns+`
		FROM runs
		WHERE id = ?`, id)

	run, err := scanRun(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrRunNotFound
		}
		return nil, err
	}
	return run, nil
}

func (s *SQLiteStore) ListRuns(ctx context.Context, filter RunFilter) ([]*api.Run, error) {
	query := `SELECT ` + runColumns + ` FROM runs`
	var args []any
	var clauses []string

	if filter.WorkflowID != "" {
		clauses = append(clauses, "workflow_id = ?")
		args = append(args, filter.WorkflowID)
	}
	if filter.EventID != "" {
		clauses = append(clauses, "event_id = ?")
		args = append(args, filter.EventID)
	}
	if filter.Status != "" {
		clauses = append(clauses, "status = ?")
		args = append(args, string(filter.Status))
	}

	if len(clauses) > 0 {
		query += " WHERE " + strings.Join(clauses, " AND ")
	}
	query += " ORDER BY created_at, id"

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var runs []*api.Run
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, err
		}
		runs = append(runs, run)
	}

	return runs, rows.Err()
}

// rowScanner is satisfied by both *sql.Row and *sql.Rows.
type rowScanner interface {
	Scan(dest ...any) error
}

func scanRun(row rowScanner) (*api.Run, error) {
	var (
		run         api.Run
		eventData   []byte
		occurredAt  int64
		statusStr   string
		output      []byte
		errStr      sql.NullString
		createdAt   int64
		completedAt int64
	)

	if err := row.Scan(
		&run.ID, &run.WorkflowID, &run.Event.ID, &run.Event.Name, &eventData, &occurredAt,
		&statusStr, &output, &errStr, &run.FailedStep, &createdAt, &completedAt,
	); err != nil {
		return nil, err
	}

	run.Status = api.Status(statusStr)
	run.Event.OccurredAt = time.Unix(0, occurredAt)
	run.CreatedAt = time.Unix(0, createdAt)
	if completedAt != 0 {
		run.CompletedAt = time.Unix(0, completedAt)
	}

	data, err := DecodeValue(eventData)
	if err != nil {
		return nil, err
	}
	run.Event.Data = data

	out, err := DecodeValue(output)
	if err != nil {
		return nil, err
	}
	run.Output = out

	if errStr.Valid && errStr.String != "" {
		run.Err = errors.New(errStr.String)
	}

	return &run, nil
}

func (s *SQLiteStore) PutStep(ctx context.Context, rec *api.StepRecord) (bool, error) {
	result, err := EncodeValue(rec.Result)
	if err != nil {
		return false, err
	}

	res, err := s.db.ExecContext(ctx, `
		INSERT OR IGNORE INTO steps (run_id, step_id, status, result, error, attempts, recorded_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		rec.RunID,
		rec.StepID,
		string(rec.Status),
		result,
		rec.ErrMsg,
		rec.Attempts,
		rec.RecordedAt.UnixNano(),
	)
	if err != nil {
		return false, err
	}

	affected, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return affected > 0, nil
}

func (s *SQLiteStore) GetStep(ctx context.Context, runID, stepID string) (*api.StepRecord, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT run_id, step_id, status, result, error, attempts, recorded_at
		FROM steps
		WHERE run_id = ? AND step_id = ?`, runID, stepID)

	rec, err := scanStep(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrStepNotFound
		}
		return nil, err
	}
	return rec, nil
}

func (s *SQLiteStore) ListSteps(ctx context.Context, runID string) ([]*api.StepRecord, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT run_id, step_id, status, result, error, attempts, recorded_at
		FROM steps
		WHERE run_id = ?
		ORDER BY recorded_at, step_id`, runID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var recs []*api.StepRecord
	for rows.Next() {
		rec, err := scanStep(rows)
		if err != nil {
			return nil, err
		}
		recs = append(recs, rec)
	}
	return recs, rows.Err()
}

func scanStep(row rowScanner) (*api.StepRecord, error) {
	var (
		rec        api.StepRecord
		statusStr  string
		result     []byte
		recordedAt int64
	)

	if err := row.Scan(&rec.RunID, &rec.StepID, &statusStr, &result, &rec.ErrMsg, &rec.Attempts, &recordedAt); err != nil {
		return nil, err
	}

	rec.Status = api.StepStatus(statusStr)
	rec.RecordedAt = time.Unix(0, recordedAt)

	val, err := DecodeValue(result)
	if err != nil {
		return nil, err
	}
	rec.Result = val

	return &rec, nil
}

func (s *SQLiteStore) PutTimer(ctx context.Context, t *api.Timer) (bool, error) {
	res, err := s.db.ExecContext(ctx, `
		INSERT OR IGNORE INTO timers (run_id, timer_id, due_at, fired, created_at)
		VALUES (?, ?, ?, ?, ?)`,
		t.RunID,
		t.TimerID,
		t.DueAt.UnixNano(),
		boolToInt(t.Fired),
		t.CreatedAt.UnixNano(),
	)
	if err != nil {
		return false, err
	}

	affected, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return affected > 0, nil
}

func (s *SQLiteStore) GetTimer(ctx context.Context, runID, timerID string) (*api.Timer, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT run_id, timer_id, due_at, fired, created_at
		FROM timers
		WHERE run_id = ? AND timer_id = ?`, runID, timerID)

	var (
		t         api.Timer
		dueAt     int64
		fired     int
		createdAt int64
	)
	if err := row.Scan(&t.RunID, &t.TimerID, &dueAt, &fired, &createdAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrTimerNotFound
		}
		return nil, err
	}

	t.DueAt = time.Unix(0, dueAt)
	t.Fired = fired != 0
	t.CreatedAt = time.Unix(0, createdAt)
	return &t, nil
}

func (s *SQLiteStore) ListTimers(ctx context.Context, runID string) ([]*api.Timer, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT run_id, timer_id, due_at, fired, created_at
		FROM timers
		WHERE run_id = ?
		ORDER BY created_at`, runID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var timers []*api.Timer
	for rows.Next() {
		var (
			t         api.Timer
			dueAt     int64
			fired     int
			createdAt int64
		)
		if err := rows.Scan(&t.RunID, &t.TimerID, &dueAt, &fired, &createdAt); err != nil {
			return nil, err
		}
		t.DueAt = time.Unix(0, dueAt)
		t.Fired = fired != 0
		t.CreatedAt = time.Unix(0, createdAt)
		timers = append(timers, &t)
	}
	return timers, rows.Err()
}

func (s *SQLiteStore) MarkFired(ctx context.Context, runID, timerID string) (bool, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE timers
		SET fired = 1
		WHERE run_id = ? AND timer_id = ? AND fired = 0`,
		runID, timerID)
	if err != nil {
		return false, err
	}

	affected, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return affected > 0, nil
}

func (s *SQLiteStore) Due(ctx context.Context, now time.Time) ([]*api.Timer, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT run_id, timer_id, due_at, fired, created_at
		FROM timers
		WHERE fired = 0 AND due_at <= ?
		ORDER BY due_at`, now.UnixNano())
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var due []*api.Timer
	for rows.Next() {
		var (
			t         api.Timer
			dueAt     int64
			fired     int
			createdAt int64
		)
		if err := rows.Scan(&t.RunID, &t.TimerID, &dueAt, &fired, &createdAt); err != nil {
			return nil, err
		}
		t.DueAt = time.Unix(0, dueAt)
		t.Fired = fired != 0
		t.CreatedAt = time.Unix(0, createdAt)
		due = append(due, &t)
	}
	return due, rows.Err()
}

func (s *SQLiteStore) PutDispatch(ctx context.Context, eventID, workflowID, runID string) (string, bool, error) {
	res, err := s.db.ExecContext(ctx, `
		INSERT OR IGNORE INTO dispatches (event_id, workflow_id, run_id)
		VALUES (?, ?, ?)`,
		eventID, workflowID, runID)
	if err != nil {
		return "", false, err
	}

	affected, err := res.RowsAffected()
	if err != nil {
		return "", false, err
	}
	if affected > 0 {
		return runID, true, nil
	}

	var existing string
	err = s.db.QueryRowContext(ctx, `
		SELECT run_id FROM dispatches WHERE event_id = ? AND workflow_id = ?`,
		eventID, workflowID).Scan(&existing)
	if err != nil {
		return "", false, err
	}
	return existing, false, nil
}

func (s *SQLiteStore) Append(ctx context.Context, entry api.HistoryEntry) error {
	at := entry.At
	if at.IsZero() {
		at = time.Now()
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO run_history (run_id, at, type, step_id, detail)
		VALUES (?, ?, ?, ?, ?)`,
		entry.RunID,
		at.UnixNano(),
		string(entry.Type),
		entry.StepID,
		entry.Detail,
	)
	return err
}

func (s *SQLiteStore) List(ctx context.Context, runID string) ([]api.HistoryEntry, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT run_id, at, type, step_id, detail
		FROM run_history
		WHERE run_id = ?
		ORDER BY id ASC`, runID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []api.HistoryEntry
	for rows.Next() {
		var (
			entry api.HistoryEntry
			atN   int64
			typ   string
		)
		if err := rows.Scan(&entry.RunID, &atN, &typ, &entry.StepID, &entry.Detail); err != nil {
			return nil, err
		}
		entry.At = time.Unix(0, atN)
		entry.Type = api.HistoryType(typ)
		out = append(out, entry)
	}
	return out, rows.Err()
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}

func nanoOrZero(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixNano()
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
