package jobstore

import (
	"context"
	"encoding/json"
	"errors"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgerrcode"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rotisserie/eris"

	"github.com/sells-group/crm-research/internal/model"
)

// Pool is the subset of pgxpool.Pool the store uses; pgxmock satisfies it.
type Pool interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// PostgresStore implements Store using pgxpool.
type PostgresStore struct {
	pool    Pool
	closeFn func()
}

// NewPostgres creates a PostgresStore with a connection pool.
func NewPostgres(ctx context.Context, connString string) (*PostgresStore, error) {
	pgxCfg, err := pgxpool.ParseConfig(connString)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: parse config")
	}
	pgxCfg.MaxConns = 10
	pgxCfg.MinConns = 2
	pgxCfg.MaxConnLifetime = 30 * time.Minute
	pgxCfg.MaxConnIdleTime = 5 * time.Minute

	pool, err := pgxpool.NewWithConfig(ctx, pgxCfg)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: create pool")
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, eris.Wrap(err, "postgres: ping")
	}
	return &PostgresStore{pool: pool, closeFn: pool.Close}, nil
}

const postgresMigration = `
CREATE TABLE IF NOT EXISTS jobs (
	id              TEXT PRIMARY KEY,
	project_id      TEXT NOT NULL,
	entity_type     TEXT NOT NULL,
	entity_id       TEXT NOT NULL,
	kind            TEXT NOT NULL,
	status          TEXT NOT NULL,
	request_payload JSONB,
	result          JSONB,
	error           TEXT NOT NULL DEFAULT '',
	model_used      TEXT NOT NULL DEFAULT '',
	tokens_used     INTEGER NOT NULL DEFAULT 0,
	applied_fields  INTEGER NOT NULL DEFAULT 0,
	provider_ref    TEXT NOT NULL DEFAULT '',
	started_at      TIMESTAMPTZ NOT NULL DEFAULT now(),
	completed_at    TIMESTAMPTZ,
	created_by      TEXT NOT NULL DEFAULT ''
);

CREATE UNIQUE INDEX IF NOT EXISTS uniq_jobs_running_entity
	ON jobs(entity_id) WHERE status = 'running';

CREATE INDEX IF NOT EXISTS idx_jobs_entity ON jobs(entity_type, entity_id);
CREATE INDEX IF NOT EXISTS idx_jobs_status ON jobs(status);
CREATE INDEX IF NOT EXISTS idx_jobs_provider_ref ON jobs(provider_ref) WHERE provider_ref <> '';
CREATE INDEX IF NOT EXISTS idx_jobs_started_at ON jobs(started_at DESC);

CREATE TABLE IF NOT EXISTS usage_ledger (
	id         TEXT PRIMARY KEY,
	project_id TEXT NOT NULL,
	tokens     BIGINT NOT NULL,
	created_at TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE INDEX IF NOT EXISTS idx_usage_ledger_project ON usage_ledger(project_id, created_at);
`

func (s *PostgresStore) Migrate(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, postgresMigration)
	return eris.Wrap(err, "postgres: migrate")
}

func (s *PostgresStore) Close() error {
	if s.closeFn != nil {
		s.closeFn()
	}
	return nil
}

const jobColumns = `id, project_id, entity_type, entity_id, kind, status, request_payload, result, error, model_used, tokens_used, applied_fields, provider_ref, started_at, completed_at, created_by`

func (s *PostgresStore) Create(ctx context.Context, p CreateParams) (*model.JobRecord, error) {
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

	_, err := s.pool.Exec(ctx,
		`INSERT INTO jobs (id, project_id, entity_type, entity_id, kind, status, request_payload, started_at, created_by)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		rec.ID, rec.ProjectID, string(rec.EntityType), rec.EntityID, string(rec.Kind),
		string(rec.Status), []byte(rec.RequestPayload), rec.StartedAt, rec.CreatedBy,
	)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == pgerrcode.UniqueViolation {
			return nil, s.duplicateRunning(ctx, p.EntityID)
		}
		return nil, eris.Wrap(err, "postgres: insert job")
	}
	return rec, nil
}

// duplicateRunning builds the conflict error, including the existing job id
// when it can still be read.
func (s *PostgresStore) duplicateRunning(ctx context.Context, entityID string) error {
	dup := &DuplicateRunningError{EntityID: entityID}
	if existing, err := s.FindRunningByEntity(ctx, entityID); err == nil && existing != nil {
		dup.ExistingJobID = existing.ID
	}
	return dup
}

func (s *PostgresStore) Get(ctx context.Context, id string) (*model.JobRecord, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+jobColumns+` FROM jobs WHERE id = $1`, id)
	rec, err := scanJob(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, eris.Wrapf(err, "postgres: get job %s", id)
	}
	return rec, nil
}

func (s *PostgresStore) FindRunningByEntity(ctx context.Context, entityID string) (*model.JobRecord, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+jobColumns+` FROM jobs WHERE entity_id = $1 AND status = 'running' LIMIT 1`,
		entityID,
	)
	rec, err := scanJob(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, eris.Wrapf(err, "postgres: find running job for entity %s", entityID)
	}
	return rec, nil
}

func (s *PostgresStore) FindByProviderRef(ctx context.Context, providerRef string) (*model.JobRecord, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+jobColumns+` FROM jobs WHERE provider_ref = $1 ORDER BY started_at DESC LIMIT 1`,
		providerRef,
	)
	rec, err := scanJob(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, eris.Wrapf(err, "postgres: find job by provider ref %s", providerRef)
	}
	return rec, nil
}

func (s *PostgresStore) MarkRunning(ctx context.Context, id string) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE jobs SET status = 'running' WHERE id = $1 AND status = 'pending'`, id)
	if err != nil {
		return eris.Wrapf(err, "postgres: mark job running %s", id)
	}
	if tag.RowsAffected() == 0 {
		return s.transitionRejected(ctx, id)
	}
	return nil
}

func (s *PostgresStore) MarkCompleted(ctx context.Context, id string, result *model.CanonicalResult, modelUsed string, tokensUsed int) error {
	resultJSON, err := json.Marshal(result)
	if err != nil {
		return eris.Wrap(err, "postgres: marshal result")
	}

	tag, err := s.pool.Exec(ctx,
		`UPDATE jobs SET status = 'completed', result = $1, error = '', model_used = $2, tokens_used = $3, completed_at = $4
		 WHERE id = $5 AND status IN ('pending', 'running')`,
		resultJSON, modelUsed, tokensUsed, time.Now().UTC(), id,
	)
	if err != nil {
		return eris.Wrapf(err, "postgres: mark job completed %s", id)
	}
	if tag.RowsAffected() == 0 {
		return s.transitionRejected(ctx, id)
	}
	return nil
}

func (s *PostgresStore) MarkFailed(ctx context.Context, id string, errMsg string) error {
	if errMsg == "" {
		errMsg = "unknown error"
	}
	tag, err := s.pool.Exec(ctx,
		`UPDATE jobs SET status = 'failed', error = $1, completed_at = $2
		 WHERE id = $3 AND status IN ('pending', 'running')`,
		errMsg, time.Now().UTC(), id,
	)
	if err != nil {
		return eris.Wrapf(err, "postgres: mark job failed %s", id)
	}
	if tag.RowsAffected() == 0 {
		return s.transitionRejected(ctx, id)
	}
	return nil
}

// transitionRejected distinguishes a missing record from a terminal one after
// a conditional update matched nothing.
func (s *PostgresStore) transitionRejected(ctx context.Context, id string) error {
	if _, err := s.Get(ctx, id); err != nil {
		return err
	}
	return ErrTerminal
}

func (s *PostgresStore) SetProviderRef(ctx context.Context, id, providerRef string) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE jobs SET provider_ref = $1 WHERE id = $2`, providerRef, id)
	if err != nil {
		return eris.Wrapf(err, "postgres: set provider ref %s", id)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *PostgresStore) IncrementAppliedFields(ctx context.Context, id string, n int) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE jobs SET applied_fields = applied_fields + $1 WHERE id = $2`, n, id)
	if err != nil {
		return eris.Wrapf(err, "postgres: increment applied fields %s", id)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *PostgresStore) List(ctx context.Context, f Filter) ([]model.JobRecord, int, error) {
	where, args := buildFilter(f)

	var total int
	if err := s.pool.QueryRow(ctx, `SELECT count(*) FROM jobs`+where, args...).Scan(&total); err != nil {
		return nil, 0, eris.Wrap(err, "postgres: count jobs")
	}

	limit := clampLimit(f.Limit)
	args = append(args, limit, f.Offset)
	n := len(args)
	rows, err := s.pool.Query(ctx,
		`SELECT `+jobColumns+` FROM jobs`+where+
			` ORDER BY started_at DESC LIMIT $`+strconv.Itoa(n-1)+` OFFSET $`+strconv.Itoa(n),
		args...,
	)
	if err != nil {
		return nil, 0, eris.Wrap(err, "postgres: list jobs")
	}
	defer rows.Close()

	var out []model.JobRecord
	for rows.Next() {
		rec, err := scanJob(rows)
		if err != nil {
			return nil, 0, eris.Wrap(err, "postgres: scan job")
		}
		out = append(out, *rec)
	}
	return out, total, eris.Wrap(rows.Err(), "postgres: list jobs rows")
}

func (s *PostgresStore) FailStale(ctx context.Context, maxAge time.Duration) (int64, error) {
	cutoff := time.Now().UTC().Add(-maxAge)
	tag, err := s.pool.Exec(ctx,
		`UPDATE jobs SET status = 'failed', error = $1, completed_at = $2
		 WHERE status = 'running' AND started_at < $3`,
		staleJobMessage, time.Now().UTC(), cutoff,
	)
	if err != nil {
		return 0, eris.Wrap(err, "postgres: fail stale jobs")
	}
	return tag.RowsAffected(), nil
}

func (s *PostgresStore) AddUsage(ctx context.Context, projectID string, tokens int64) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO usage_ledger (id, project_id, tokens, created_at) VALUES ($1, $2, $3, $4)`,
		uuid.New().String(), projectID, tokens, time.Now().UTC(),
	)
	return eris.Wrap(err, "postgres: add usage")
}

func (s *PostgresStore) UsageSince(ctx context.Context, projectID string, since time.Time) (int64, error) {
	var total int64
	err := s.pool.QueryRow(ctx,
		`SELECT coalesce(sum(tokens), 0) FROM usage_ledger WHERE project_id = $1 AND created_at >= $2`,
		projectID, since,
	).Scan(&total)
	if err != nil {
		return 0, eris.Wrap(err, "postgres: usage since")
	}
	return total, nil
}

func buildFilter(f Filter) (string, []any) {
	var clauses []string
	var args []any
	add := func(clause string, v any) {
		args = append(args, v)
		clauses = append(clauses, clause+"$"+strconv.Itoa(len(args)))
	}

	if f.EntityType != "" {
		add("entity_type = ", string(f.EntityType))
	}
	if f.EntityID != "" {
		add("entity_id = ", f.EntityID)
	}
	if f.Status != "" {
		add("status = ", string(f.Status))
	}
	if f.Kind != "" {
		add("kind = ", string(f.Kind))
	}

	if len(clauses) == 0 {
		return "", nil
	}
	where := " WHERE " + clauses[0]
	for _, c := range clauses[1:] {
		where += " AND " + c
	}
	return where, args
}

func scanJob(row pgx.Row) (*model.JobRecord, error) {
	var rec model.JobRecord
	var payload, resultJSON []byte
	var completedAt *time.Time

	err := row.Scan(
		&rec.ID, &rec.ProjectID, &rec.EntityType, &rec.EntityID, &rec.Kind, &rec.Status,
		&payload, &resultJSON, &rec.Error, &rec.ModelUsed, &rec.TokensUsed,
		&rec.AppliedFields, &rec.ProviderRef, &rec.StartedAt, &completedAt, &rec.CreatedBy,
	)
	if err != nil {
		return nil, err
	}

	rec.RequestPayload = payload
	rec.CompletedAt = completedAt
	if len(resultJSON) > 0 {
		var result model.CanonicalResult
		if err := json.Unmarshal(resultJSON, &result); err != nil {
			return nil, eris.Wrap(err, "decode result")
		}
		rec.Result = &result
	}
	return &rec, nil
}
