// Package jobstore persists job records. Two drivers are provided: Postgres
// (pgx) for production and SQLite for local single-binary use. Both enforce
// the one-running-job-per-entity rule with a partial unique index so the
// duplicate check is atomic rather than select-then-insert.
package jobstore

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/rotisserie/eris"

	"github.com/sells-group/crm-research/internal/model"
)

// ErrNotFound is returned when a job record does not exist.
var ErrNotFound = eris.New("jobstore: job not found")

// ErrTerminal is returned when a terminal-state transition is attempted on a
// record that is already completed or failed.
var ErrTerminal = eris.New("jobstore: job already terminal")

// DuplicateRunningError reports that an entity already has a running job.
// It carries the existing job's id so callers can poll it instead.
type DuplicateRunningError struct {
	EntityID      string
	ExistingJobID string
}

func (e *DuplicateRunningError) Error() string {
	return fmt.Sprintf("jobstore: entity %s already has running job %s", e.EntityID, e.ExistingJobID)
}

// CreateParams holds the inputs for a new job record.
type CreateParams struct {
	ProjectID      string
	EntityType     model.EntityType
	EntityID       string
	Kind           model.JobKind
	Status         model.JobStatus // JobStatusRunning or JobStatusPending
	RequestPayload json.RawMessage
	CreatedBy      string
}

// Filter specifies criteria for listing job history.
type Filter struct {
	EntityType model.EntityType
	EntityID   string
	Status     model.JobStatus
	Kind       model.JobKind
	Limit      int
	Offset     int
}

// Store defines the persistence interface for job records.
type Store interface {
	// Create inserts a new record. Returns DuplicateRunningError when the
	// entity already has a running job.
	Create(ctx context.Context, p CreateParams) (*model.JobRecord, error)
	Get(ctx context.Context, id string) (*model.JobRecord, error)
	FindRunningByEntity(ctx context.Context, entityID string) (*model.JobRecord, error)

	// MarkRunning moves a pending record to running.
	MarkRunning(ctx context.Context, id string) error
	// MarkCompleted terminates a record with its result. Returns ErrTerminal
	// if the record is already completed or failed.
	MarkCompleted(ctx context.Context, id string, result *model.CanonicalResult, modelUsed string, tokensUsed int) error
	// MarkFailed terminates a record with an error message, under the same
	// terminality rule as MarkCompleted.
	MarkFailed(ctx context.Context, id string, errMsg string) error

	// SetProviderRef records the upstream provider's job id for async jobs.
	SetProviderRef(ctx context.Context, id, providerRef string) error
	// FindByProviderRef locates the record tracking an upstream job.
	FindByProviderRef(ctx context.Context, providerRef string) (*model.JobRecord, error)

	// IncrementAppliedFields is downstream bookkeeping and remains allowed
	// after a record is terminal.
	IncrementAppliedFields(ctx context.Context, id string, n int) error

	// List returns matching records newest-first plus the unpaginated total.
	List(ctx context.Context, f Filter) ([]model.JobRecord, int, error)

	// FailStale terminates running records older than maxAge so an
	// unobserved crash cannot leave a job running forever.
	FailStale(ctx context.Context, maxAge time.Duration) (int64, error)

	// AddUsage appends to the shared token usage ledger.
	AddUsage(ctx context.Context, projectID string, tokens int64) error
	// UsageSince sums ledger tokens for a project after the cutoff.
	UsageSince(ctx context.Context, projectID string, since time.Time) (int64, error)

	Migrate(ctx context.Context) error
	Close() error
}

const staleJobMessage = "job exceeded max running age"

func clampLimit(limit int) int {
	const defaultLimit, maxLimit = 50, 500
	if limit <= 0 {
		return defaultLimit
	}
	if limit > maxLimit {
		return maxLimit
	}
	return limit
}
