package jobstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"
	_ "modernc.org/sqlite"

	"github.com/sells-group/crm-research/internal/model"
)

// SQLiteStore implements Store using modernc.org/sqlite.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLite opens a SQLite database at the given path and configures WAL mode.
func NewSQLite(dsn string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: open")
	}
	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA synchronous=NORMAL",
	} {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, eris.Wrapf(err, "sqlite: exec %s", pragma)
		}
	}
	return &SQLiteStore{db: db}, nil
}

const sqliteMigration = `
CREATE TABLE IF NOT EXISTS jobs (
	id              TEXT PRIMARY KEY,
	project_id      TEXT NOT NULL,
	entity_type     TEXT NOT NULL,
	entity_id       TEXT NOT NULL,
	kind            TEXT NOT NULL,
	status          TEXT NOT NULL,
	request_payload TEXT,
	result          TEXT,
	error           TEXT NOT NULL DEFAULT '',
	model_used      TEXT NOT NULL DEFAULT '',
	tokens_used     INTEGER NOT NULL DEFAULT 0,
	applied_fields  INTEGER NOT NULL DEFAULT 0,
	provider_ref    TEXT NOT NULL DEFAULT '',
	started_at      DATETIME NOT NULL,
	completed_at    DATETIME,
	created_by      TEXT NOT NULL DEFAULT ''
);

CREATE UNIQUE INDEX IF NOT EXISTS uniq_jobs_running_entity
	ON jobs(entity_id) WHERE status = 'running';

CREATE INDEX IF NOT EXISTS idx_jobs_entity ON jobs(entity_type, entity_id);
CREATE INDEX IF NOT EXISTS idx_jobs_status ON jobs(status);
CREATE INDEX IF NOT EXISTS idx_jobs_started_at ON jobs(started_at);

CREATE TABLE IF NOT EXISTS usage_ledger (
	id         TEXT PRIMARY KEY,
	project_id TEXT NOT NULL,
	tokens     INTEGER NOT NULL,
	created_at DATETIME NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_usage_ledger_project ON usage_ledger(project_id, created_at);
`

func (s *SQLiteStore) Migrate(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, sqliteMigration)
	return eris.Wrap(err, "sqlite: migrate")
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func (s *SQLiteStore) Create(ctx context.Context, p CreateParams) (*model.JobRecord, error) {
	rec := &model.JobRecord{
		ID:             uuid.New().String(),
		ProjectID:      p.ProjectID,
		EntityType:     p.EntityType,
		EntityID:       p.EntityID,
		Kind:           p.Kind,
		Status:         p.Status,
		RequestPayload: p.RequestPayload,
		StartedAt:      time.Now().UTC(),
		CreatedBy:      p.CreatedBy,
	}
	if rec.Status == "" {
		rec.Status = model.JobStatusRunning
	}

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO jobs (id, project_id, entity_type, entity_id, kind, status, request_payload, started_at, created_by)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		rec.ID, rec.ProjectID, string(rec.EntityType), rec.EntityID, string(rec.Kind),
		string(rec.Status), string(rec.RequestPayload), rec.StartedAt, rec.CreatedBy,
	)
	if err != nil {
		if strings.Contains(err.Error(), "UNIQUE constraint failed") {
			dup := &DuplicateRunningError{EntityID: p.EntityID}
			if existing, ferr := s.FindRunningByEntity(ctx, p.EntityID); ferr == nil && existing != nil {
				dup.ExistingJobID = existing.ID
			}
			return nil, dup
		}
		return nil, eris.Wrap(err, "sqlite: insert job")
	}
	return rec, nil
}

func (s *SQLiteStore) Get(ctx context.Context, id string) (*model.JobRecord, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+jobColumns+` FROM jobs WHERE id = ?`, id)
	rec, err := scanSQLJob(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, eris.Wrapf(err, "sqlite: get job %s", id)
	}
	return rec, nil
}

func (s *SQLiteStore) FindRunningByEntity(ctx context.Context, entityID string) (*model.JobRecord, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+jobColumns+` FROM jobs WHERE entity_id = ? AND status = 'running' LIMIT 1`, entityID)
	rec, err := scanSQLJob(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, eris.Wrapf(err, "sqlite: find running job for entity %s", entityID)
	}
	return rec, nil
}

func (s *SQLiteStore) FindByProviderRef(ctx context.Context, providerRef string) (*model.JobRecord, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+jobColumns+` FROM jobs WHERE provider_ref = ? ORDER BY started_at DESC LIMIT 1`, providerRef)
	rec, err := scanSQLJob(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, eris.Wrapf(err, "sqlite: find job by provider ref %s", providerRef)
	}
	return rec, nil
}

func (s *SQLiteStore) MarkRunning(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE jobs SET status = 'running' WHERE id = ? AND status = 'pending'`, id)
	if err != nil {
		return eris.Wrapf(err, "sqlite: mark job running %s", id)
	}
	return s.checkTransition(ctx, res, id)
}

func (s *SQLiteStore) MarkCompleted(ctx context.Context, id string, result *model.CanonicalResult, modelUsed string, tokensUsed int) error {
	resultJSON, err := json.Marshal(result)
	if err != nil {
		return eris.Wrap(err, "sqlite: marshal result")
	}

	res, err := s.db.ExecContext(ctx,
		`UPDATE jobs SET status = 'completed', result = ?, error = '', model_used = ?, tokens_used = ?, completed_at = ?
		 WHERE id = ? AND status IN ('pending', 'running')`,
		string(resultJSON), modelUsed, tokensUsed, time.Now().UTC(), id,
	)
	if err != nil {
		return eris.Wrapf(err, "sqlite: mark job completed %s", id)
	}
	return s.checkTransition(ctx, res, id)
}

func (s *SQLiteStore) MarkFailed(ctx context.Context, id string, errMsg string) error {
	if errMsg == "" {
		errMsg = "unknown error"
	}
	res, err := s.db.ExecContext(ctx,
		`UPDATE jobs SET status = 'failed', error = ?, completed_at = ?
		 WHERE id = ? AND status IN ('pending', 'running')`,
		errMsg, time.Now().UTC(), id,
	)
	if err != nil {
		return eris.Wrapf(err, "sqlite: mark job failed %s", id)
	}
	return s.checkTransition(ctx, res, id)
}

func (s *SQLiteStore) checkTransition(ctx context.Context, res sql.Result, id string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return eris.Wrap(err, "sqlite: rows affected")
	}
	if n == 0 {
		if _, err := s.Get(ctx, id); err != nil {
			return err
		}
		return ErrTerminal
	}
	return nil
}

func (s *SQLiteStore) SetProviderRef(ctx context.Context, id, providerRef string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE jobs SET provider_ref = ? WHERE id = ?`, providerRef, id)
	if err != nil {
		return eris.Wrapf(err, "sqlite: set provider ref %s", id)
	}
	return rowsOrNotFound(res)
}

func (s *SQLiteStore) IncrementAppliedFields(ctx context.Context, id string, n int) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE jobs SET applied_fields = applied_fields + ? WHERE id = ?`, n, id)
	if err != nil {
		return eris.Wrapf(err, "sqlite: increment applied fields %s", id)
	}
	return rowsOrNotFound(res)
}

func rowsOrNotFound(res sql.Result) error {
	n, err := res.RowsAffected()
	if err != nil {
		return eris.Wrap(err, "sqlite: rows affected")
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *SQLiteStore) List(ctx context.Context, f Filter) ([]model.JobRecord, int, error) {
	where, args := buildSQLFilter(f)

	var total int
	if err := s.db.QueryRowContext(ctx, `SELECT count(*) FROM jobs`+where, args...).Scan(&total); err != nil {
		return nil, 0, eris.Wrap(err, "sqlite: count jobs")
	}

	args = append(args, clampLimit(f.Limit), f.Offset)
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+jobColumns+` FROM jobs`+where+` ORDER BY started_at DESC LIMIT ? OFFSET ?`,
		args...,
	)
	if err != nil {
		return nil, 0, eris.Wrap(err, "sqlite: list jobs")
	}
	defer rows.Close()

	var out []model.JobRecord
	for rows.Next() {
		rec, err := scanSQLJob(rows)
		if err != nil {
			return nil, 0, eris.Wrap(err, "sqlite: scan job")
		}
		out = append(out, *rec)
	}
	return out, total, eris.Wrap(rows.Err(), "sqlite: list jobs rows")
}

func (s *SQLiteStore) FailStale(ctx context.Context, maxAge time.Duration) (int64, error) {
	cutoff := time.Now().UTC().Add(-maxAge)
	res, err := s.db.ExecContext(ctx,
		`UPDATE jobs SET status = 'failed', error = ?, completed_at = ?
		 WHERE status = 'running' AND started_at < ?`,
		staleJobMessage, time.Now().UTC(), cutoff,
	)
	if err != nil {
		return 0, eris.Wrap(err, "sqlite: fail stale jobs")
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, eris.Wrap(err, "sqlite: rows affected")
	}
	return n, nil
}

func (s *SQLiteStore) AddUsage(ctx context.Context, projectID string, tokens int64) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO usage_ledger (id, project_id, tokens, created_at) VALUES (?, ?, ?, ?)`,
		uuid.New().String(), projectID, tokens, time.Now().UTC(),
	)
	return eris.Wrap(err, "sqlite: add usage")
}

func (s *SQLiteStore) UsageSince(ctx context.Context, projectID string, since time.Time) (int64, error) {
	var total int64
	err := s.db.QueryRowContext(ctx,
		`SELECT coalesce(sum(tokens), 0) FROM usage_ledger WHERE project_id = ? AND created_at >= ?`,
		projectID, since,
	).Scan(&total)
	if err != nil {
		return 0, eris.Wrap(err, "sqlite: usage since")
	}
	return total, nil
}

func buildSQLFilter(f Filter) (string, []any) {
	var clauses []string
	var args []any
	add := func(clause string, v any) {
		clauses = append(clauses, clause+" = ?")
		args = append(args, v)
	}

	if f.EntityType != "" {
		add("entity_type", string(f.EntityType))
	}
	if f.EntityID != "" {
		add("entity_id", f.EntityID)
	}
	if f.Status != "" {
		add("status", string(f.Status))
	}
	if f.Kind != "" {
		add("kind", string(f.Kind))
	}

	if len(clauses) == 0 {
		return "", nil
	}
	return " WHERE " + strings.Join(clauses, " AND "), args
}

// sqlRow matches both *sql.Row and *sql.Rows.
type sqlRow interface {
	Scan(dest ...any) error
}

func scanSQLJob(row sqlRow) (*model.JobRecord, error) {
	var rec model.JobRecord
	var payload, resultJSON sql.NullString
	var completedAt sql.NullTime

	err := row.Scan(
		&rec.ID, &rec.ProjectID, &rec.EntityType, &rec.EntityID, &rec.Kind, &rec.Status,
		&payload, &resultJSON, &rec.Error, &rec.ModelUsed, &rec.TokensUsed,
		&rec.AppliedFields, &rec.ProviderRef, &rec.StartedAt, &completedAt, &rec.CreatedBy,
	)
	if err != nil {
		return nil, err
	}

	if payload.Valid && payload.String != "" {
		rec.RequestPayload = []byte(payload.String)
	}
	if completedAt.Valid {
		t := completedAt.Time
		rec.CompletedAt = &t
	}
	if resultJSON.Valid && resultJSON.String != "" {
		var result model.CanonicalResult
		if err := json.Unmarshal([]byte(resultJSON.String), &result); err != nil {
			return nil, eris.Wrap(err, "decode result")
		}
		rec.Result = &result
	}
	return &rec, nil
}
