package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/seantiz/crucible/internal/model"

	_ "modernc.org/sqlite"
)

const schema = `
CREATE TABLE IF NOT EXISTS batches (
    id             TEXT PRIMARY KEY,
    correlation_id TEXT NOT NULL,
    process_name   TEXT NOT NULL,
    tenant         TEXT NOT NULL,
    user_id        TEXT NOT NULL,
    user_role      TEXT NOT NULL,
    parameters     TEXT NOT NULL,
    fileset_stats  TEXT NOT NULL,
    created_at     TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS executions (
    id             TEXT PRIMARY KEY,
    correlation_id TEXT NOT NULL,
    batch_id       TEXT NOT NULL REFERENCES batches(id),
    tenant         TEXT NOT NULL,
    user_id        TEXT NOT NULL,
    process_name   TEXT NOT NULL,
    timeout_ms     INTEGER NOT NULL,
    input_files    TEXT NOT NULL,
    steps          TEXT NOT NULL,
    current_status TEXT NOT NULL,
    retry_count    INTEGER NOT NULL DEFAULT 0,
    version        INTEGER NOT NULL DEFAULT 0,
    created_at     TEXT NOT NULL,
    updated_at     TEXT NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_executions_batch ON executions(batch_id);
CREATE INDEX IF NOT EXISTS idx_executions_status ON executions(current_status);
CREATE INDEX IF NOT EXISTS idx_executions_tenant ON executions(tenant, created_at);

CREATE TABLE IF NOT EXISTS output_files (
    id              TEXT PRIMARY KEY,
    execution_id    TEXT NOT NULL REFERENCES executions(id),
    url             TEXT NOT NULL,
    name            TEXT NOT NULL,
    size_bytes      INTEGER NOT NULL,
    checksum_method TEXT NOT NULL,
    checksum_value  TEXT NOT NULL,
    downloaded      INTEGER NOT NULL DEFAULT 0,
    downloaded_at   TEXT
);

CREATE INDEX IF NOT EXISTS idx_output_files_execution ON output_files(execution_id);
CREATE INDEX IF NOT EXISTS idx_output_files_downloaded ON output_files(downloaded, downloaded_at);
`

// timeLayout is fixed width so stored timestamps sort and compare as text.
const timeLayout = "2006-01-02T15:04:05.000000000Z"

// maxAppendAttempts bounds the retries of a step append that loses the
// version check to another writer.
const maxAppendAttempts = 5

const executionColumns = `id, correlation_id, batch_id, tenant, user_id, process_name,
	timeout_ms, input_files, steps, retry_count, version, created_at, updated_at`

const outputFileColumns = `id, execution_id, url, name, size_bytes, checksum_method,
	checksum_value, downloaded, downloaded_at`

// Compile-time interface satisfaction check.
var _ Store = (*SQLiteStore)(nil)

// SQLiteStore implements Store using SQLite.
type SQLiteStore struct {
	db *sql.DB
}

// queryer is satisfied by both *sql.DB and *sql.Tx.
type queryer interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
}

// NewSQLiteStore opens the SQLite database at dbPath and runs migrations.
func NewSQLiteStore(dbPath string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	// SQLite has a single writer, and each connection to ":memory:" is its
	// own database.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("set WAL mode: %w", err)
	}

	if _, err := db.Exec("PRAGMA busy_timeout = 5000"); err != nil {
		db.Close()
		return nil, fmt.Errorf("set busy timeout: %w", err)
	}

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("create schema: %w", err)
	}

	return &SQLiteStore{db: db}, nil
}

// Close closes the underlying database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// Ping checks that the database still answers.
func (s *SQLiteStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// CreateBatch inserts a new batch record.
func (s *SQLiteStore) CreateBatch(ctx context.Context, b *model.Batch) error {
	params, err := json.Marshal(b.Parameters)
	if err != nil {
		return fmt.Errorf("encode parameters: %w", err)
	}
	stats, err := json.Marshal(b.FileStats)
	if err != nil {
		return fmt.Errorf("encode fileset stats: %w", err)
	}

	_, err = s.db.ExecContext(ctx,
		`INSERT INTO batches (
			id, correlation_id, process_name, tenant, user_id, user_role,
			parameters, fileset_stats, created_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		b.ID, b.CorrelationID, b.ProcessName, b.Tenant, b.User, b.UserRole,
		string(params), string(stats), formatTime(b.CreatedAt),
	)
	if err != nil {
		return fmt.Errorf("insert batch: %w", err)
	}
	return nil
}

// GetBatch retrieves a batch by ID.
func (s *SQLiteStore) GetBatch(ctx context.Context, id string) (*model.Batch, error) {
	var (
		b                  model.Batch
		params, stats, cat string
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT id, correlation_id, process_name, tenant, user_id, user_role,
			parameters, fileset_stats, created_at
		FROM batches WHERE id = ?`, id,
	).Scan(
		&b.ID, &b.CorrelationID, &b.ProcessName, &b.Tenant, &b.User, &b.UserRole,
		&params, &stats, &cat,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get batch: %w", err)
	}

	if err := json.Unmarshal([]byte(params), &b.Parameters); err != nil {
		return nil, fmt.Errorf("decode parameters: %w", err)
	}
	if err := json.Unmarshal([]byte(stats), &b.FileStats); err != nil {
		return nil, fmt.Errorf("decode fileset stats: %w", err)
	}
	if b.CreatedAt, err = parseTime(cat); err != nil {
		return nil, err
	}
	return &b, nil
}

// CreateExecution inserts a new execution record.
func (s *SQLiteStore) CreateExecution(ctx context.Context, e *model.Execution) error {
	args, err := executionArgs(e)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO executions (`+executionColumns+`, current_status)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		args...,
	)
	if err != nil {
		return fmt.Errorf("insert execution: %w", err)
	}
	e.Persisted = true
	return nil
}

// CreateExecutionExclusive inserts e unless its batch already has an
// execution that was not cancelled. The check and the insert are a single
// statement.
func (s *SQLiteStore) CreateExecutionExclusive(ctx context.Context, e *model.Execution) error {
	args, err := executionArgs(e)
	if err != nil {
		return err
	}
	args = append(args, e.BatchID, string(model.StatusCancelled))

	result, err := s.db.ExecContext(ctx,
		`INSERT INTO executions (`+executionColumns+`, current_status)
		SELECT ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?
		WHERE NOT EXISTS (
			SELECT 1 FROM executions WHERE batch_id = ? AND current_status != ?
		)`,
		args...,
	)
	if err != nil {
		return fmt.Errorf("insert execution: %w", err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("check rows affected: %w", err)
	}
	if rowsAffected == 0 {
		return ErrBatchAlreadyExecuted
	}
	e.Persisted = true
	return nil
}

// GetExecution retrieves an execution by ID.
func (s *SQLiteStore) GetExecution(ctx context.Context, id string) (*model.Execution, error) {
	return getExecution(ctx, s.db, id)
}

// ListExecutions returns a page of executions ordered by created_at DESC,
// along with the number of executions matching the filter.
func (s *SQLiteStore) ListExecutions(ctx context.Context, f ExecutionFilter) ([]*model.Execution, int, error) {
	var (
		where []string
		args  []any
	)
	if f.Tenant != "" {
		where = append(where, "tenant = ?")
		args = append(args, f.Tenant)
	}
	if len(f.Statuses) > 0 {
		where = append(where, "current_status IN ("+placeholders(len(f.Statuses))+")")
		for _, st := range f.Statuses {
			args = append(args, string(st))
		}
	}
	clause := ""
	if len(where) > 0 {
		clause = " WHERE " + strings.Join(where, " AND ")
	}

	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{ReadOnly: true})
	if err != nil {
		return nil, 0, fmt.Errorf("begin read tx: %w", err)
	}
	defer tx.Rollback()

	var total int
	if err := tx.QueryRowContext(ctx, "SELECT COUNT(*) FROM executions"+clause, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("count executions: %w", err)
	}

	limit := f.Limit
	if limit <= 0 {
		limit = -1
	}
	execs, err := queryExecutions(ctx, tx,
		"SELECT "+executionColumns+" FROM executions"+clause+" ORDER BY created_at DESC, id DESC LIMIT ? OFFSET ?",
		append(args, limit, f.Offset)...,
	)
	if err != nil {
		return nil, 0, err
	}
	return execs, total, nil
}

// ListExecutionsByStatus returns every execution whose current status is one
// of statuses, least recently updated first.
func (s *SQLiteStore) ListExecutionsByStatus(ctx context.Context, statuses ...model.ExecutionStatus) ([]*model.Execution, error) {
	if len(statuses) == 0 {
		return nil, nil
	}
	args := make([]any, len(statuses))
	for i, st := range statuses {
		args[i] = string(st)
	}
	return queryExecutions(ctx, s.db,
		"SELECT "+executionColumns+" FROM executions WHERE current_status IN ("+
			placeholders(len(statuses))+") ORDER BY updated_at",
		args...,
	)
}

// AppendStep loads the execution, applies the step through
// model.Execution.AddStep and writes the result back guarded by the row
// version. The output files of a SUCCESS step are inserted in the same
// transaction. A lost version check is retried from a fresh read.
func (s *SQLiteStore) AppendStep(ctx context.Context, id string, step model.Step) (*model.Execution, bool, error) {
	return s.AppendStepIf(ctx, id, step, nil)
}

// AppendStepIf is AppendStep guarded by cond, which is evaluated against the
// execution read inside the write transaction. A nil cond always holds.
func (s *SQLiteStore) AppendStepIf(ctx context.Context, id string, step model.Step, cond func(*model.Execution) bool) (*model.Execution, bool, error) {
	if len(step.OutputFiles) > 0 && len(step.OutputFileIDs) == 0 {
		step.OutputFileIDs = make([]string, len(step.OutputFiles))
		for i, f := range step.OutputFiles {
			step.OutputFileIDs[i] = f.ID
		}
	}

	for range maxAppendAttempts {
		e, added, err := s.appendStepOnce(ctx, id, step, cond)
		if errors.Is(err, ErrConflict) {
			continue
		}
		return e, added, err
	}
	return nil, false, fmt.Errorf("append step to %s: %w", id, ErrConflict)
}

func (s *SQLiteStore) appendStepOnce(ctx context.Context, id string, step model.Step, cond func(*model.Execution) bool) (*model.Execution, bool, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, false, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	e, err := getExecution(ctx, tx, id)
	if err != nil {
		return nil, false, err
	}

	if cond != nil && !cond(e) {
		e.Persisted = true
		return e, false, nil
	}

	added, err := e.AddStep(step)
	if err != nil || !added {
		e.Persisted = true
		return e, false, err
	}

	steps, err := json.Marshal(e.Steps)
	if err != nil {
		return nil, false, fmt.Errorf("encode steps: %w", err)
	}

	result, err := tx.ExecContext(ctx,
		`UPDATE executions SET steps = ?, current_status = ?, updated_at = ?, version = version + 1
		WHERE id = ? AND version = ?`,
		string(steps), string(e.CurrentStatus()), formatTime(e.UpdatedAt), e.ID, e.Version,
	)
	if err != nil {
		return nil, false, fmt.Errorf("update execution: %w", err)
	}
	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return nil, false, fmt.Errorf("check rows affected: %w", err)
	}
	if rowsAffected == 0 {
		return nil, false, ErrConflict
	}

	for _, f := range step.OutputFiles {
		f.ExecutionID = e.ID
		if err := insertOutputFile(ctx, tx, &f); err != nil {
			return nil, false, err
		}
	}

	if err := tx.Commit(); err != nil {
		return nil, false, fmt.Errorf("commit step: %w", err)
	}
	e.Version++
	e.Persisted = true
	return e, true, nil
}

// IncrementRetry bumps the retry counter of an execution.
func (s *SQLiteStore) IncrementRetry(ctx context.Context, id string) (*model.Execution, error) {
	result, err := s.db.ExecContext(ctx,
		"UPDATE executions SET retry_count = retry_count + 1, version = version + 1 WHERE id = ?", id,
	)
	if err != nil {
		return nil, fmt.Errorf("increment retry: %w", err)
	}
	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return nil, fmt.Errorf("check rows affected: %w", err)
	}
	if rowsAffected == 0 {
		return nil, ErrNotFound
	}
	return s.GetExecution(ctx, id)
}

// GetOutputFile retrieves an output file by ID.
func (s *SQLiteStore) GetOutputFile(ctx context.Context, id string) (*model.OutputFile, error) {
	files, err := queryOutputFiles(ctx, s.db,
		"SELECT "+outputFileColumns+" FROM output_files WHERE id = ?", id)
	if err != nil {
		return nil, err
	}
	if len(files) == 0 {
		return nil, ErrNotFound
	}
	return files[0], nil
}

// ListOutputFiles returns the output files of an execution.
func (s *SQLiteStore) ListOutputFiles(ctx context.Context, executionID string) ([]*model.OutputFile, error) {
	return queryOutputFiles(ctx, s.db,
		"SELECT "+outputFileColumns+" FROM output_files WHERE execution_id = ? ORDER BY rowid", executionID)
}

// MarkDownloaded flags an output file as downloaded at the given time unless
// it already was.
func (s *SQLiteStore) MarkDownloaded(ctx context.Context, id string, at time.Time) (*model.OutputFile, error) {
	result, err := s.db.ExecContext(ctx,
		"UPDATE output_files SET downloaded = 1, downloaded_at = COALESCE(downloaded_at, ?) WHERE id = ?",
		formatTime(at), id,
	)
	if err != nil {
		return nil, fmt.Errorf("mark downloaded: %w", err)
	}
	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return nil, fmt.Errorf("check rows affected: %w", err)
	}
	if rowsAffected == 0 {
		return nil, ErrNotFound
	}
	return s.GetOutputFile(ctx, id)
}

// ListDownloadedBefore returns the files first downloaded strictly before
// the given time.
func (s *SQLiteStore) ListDownloadedBefore(ctx context.Context, before time.Time) ([]*model.OutputFile, error) {
	return queryOutputFiles(ctx, s.db,
		"SELECT "+outputFileColumns+" FROM output_files WHERE downloaded = 1 AND downloaded_at < ? ORDER BY downloaded_at",
		formatTime(before))
}

// DeleteOutputFile removes an output file record.
func (s *SQLiteStore) DeleteOutputFile(ctx context.Context, id string) error {
	result, err := s.db.ExecContext(ctx, "DELETE FROM output_files WHERE id = ?", id)
	if err != nil {
		return fmt.Errorf("delete output file: %w", err)
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

func executionArgs(e *model.Execution) ([]any, error) {
	inputs, err := json.Marshal(e.InputFiles)
	if err != nil {
		return nil, fmt.Errorf("encode input files: %w", err)
	}
	steps, err := json.Marshal(e.Steps)
	if err != nil {
		return nil, fmt.Errorf("encode steps: %w", err)
	}
	return []any{
		e.ID, e.CorrelationID, e.BatchID, e.Tenant, e.User, e.ProcessName,
		e.Timeout.Milliseconds(), string(inputs), string(steps), e.RetryCount, e.Version,
		formatTime(e.CreatedAt), formatTime(e.UpdatedAt), string(e.CurrentStatus()),
	}, nil
}

func getExecution(ctx context.Context, q queryer, id string) (*model.Execution, error) {
	execs, err := queryExecutions(ctx, q, "SELECT "+executionColumns+" FROM executions WHERE id = ?", id)
	if err != nil {
		return nil, err
	}
	if len(execs) == 0 {
		return nil, ErrNotFound
	}
	return execs[0], nil
}

func queryExecutions(ctx context.Context, q queryer, query string, args ...any) ([]*model.Execution, error) {
	rows, err := q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query executions: %w", err)
	}
	defer rows.Close()

	var execs []*model.Execution
	for rows.Next() {
		var (
			e                   model.Execution
			timeoutMS           int64
			inputs, steps       string
			createdAt, updateAt string
		)
		if err := rows.Scan(
			&e.ID, &e.CorrelationID, &e.BatchID, &e.Tenant, &e.User, &e.ProcessName,
			&timeoutMS, &inputs, &steps, &e.RetryCount, &e.Version, &createdAt, &updateAt,
		); err != nil {
			return nil, fmt.Errorf("scan execution: %w", err)
		}
		e.Timeout = time.Duration(timeoutMS) * time.Millisecond
		if err := json.Unmarshal([]byte(inputs), &e.InputFiles); err != nil {
			return nil, fmt.Errorf("decode input files of %s: %w", e.ID, err)
		}
		if err := json.Unmarshal([]byte(steps), &e.Steps); err != nil {
			return nil, fmt.Errorf("decode steps of %s: %w", e.ID, err)
		}
		if e.CreatedAt, err = parseTime(createdAt); err != nil {
			return nil, err
		}
		if e.UpdatedAt, err = parseTime(updateAt); err != nil {
			return nil, err
		}
		e.Persisted = true
		execs = append(execs, &e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate executions: %w", err)
	}
	return execs, nil
}

func insertOutputFile(ctx context.Context, tx *sql.Tx, f *model.OutputFile) error {
	_, err := tx.ExecContext(ctx,
		`INSERT INTO output_files (`+outputFileColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, 0, NULL)`,
		f.ID, f.ExecutionID, f.URL, f.Name, f.SizeBytes, f.Checksum.Method, f.Checksum.Value,
	)
	if err != nil {
		return fmt.Errorf("insert output file %s: %w", f.ID, err)
	}
	return nil
}

func queryOutputFiles(ctx context.Context, q queryer, query string, args ...any) ([]*model.OutputFile, error) {
	rows, err := q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query output files: %w", err)
	}
	defer rows.Close()

	var files []*model.OutputFile
	for rows.Next() {
		var (
			f            model.OutputFile
			downloadedAt sql.NullString
		)
		if err := rows.Scan(
			&f.ID, &f.ExecutionID, &f.URL, &f.Name, &f.SizeBytes,
			&f.Checksum.Method, &f.Checksum.Value, &f.Downloaded, &downloadedAt,
		); err != nil {
			return nil, fmt.Errorf("scan output file: %w", err)
		}
		if downloadedAt.Valid {
			t, err := parseTime(downloadedAt.String)
			if err != nil {
				return nil, err
			}
			f.DownloadedAt = &t
		}
		files = append(files, &f)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate output files: %w", err)
	}
	return files, nil
}

func placeholders(n int) string {
	return strings.TrimSuffix(strings.Repeat("?, ", n), ", ")
}

func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

func parseTime(s string) (time.Time, error) {
	t, err := time.Parse(timeLayout, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("parse timestamp %q: %w", s, err)
	}
	return t, nil
}
