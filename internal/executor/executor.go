// Package executor drives one research or enrichment job end to end: build
// the provider request, call the adapter, persist the terminal state, and
// optionally apply accepted fields to the entity record.
package executor

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/sells-group/crm-research/internal/adapter"
	"github.com/sells-group/crm-research/internal/budget"
	"github.com/sells-group/crm-research/internal/entity"
	"github.com/sells-group/crm-research/internal/jobstore"
	"github.com/sells-group/crm-research/internal/merge"
	"github.com/sells-group/crm-research/internal/model"
	"github.com/sells-group/crm-research/internal/resilience"
)

// ResearchSource abstracts the AI research adapter.
type ResearchSource interface {
	Research(ctx context.Context, req adapter.ResearchRequest) (*adapter.ResearchOutcome, error)
}

// EnrichmentSource abstracts the contact discovery adapter.
type EnrichmentSource interface {
	Submit(ctx context.Context, hints []adapter.PersonHint) (string, error)
	Poll(ctx context.Context, providerJobID string) (*adapter.Delivery, error)
}

// Config tunes executor behavior.
type Config struct {
	ProjectID string

	// EstimatedTokensPerCall is the budget reserve checked before each AI
	// call. Default: 4096.
	EstimatedTokensPerCall int64

	// BackgroundWorkers bounds concurrent detached jobs. Default: 4.
	BackgroundWorkers int

	// BackgroundTimeout bounds one detached job. Default: 5m.
	BackgroundTimeout time.Duration

	// PricingRates attribute a USD cost to each AI call for the usage log.
	// Nil falls back to the built-in rates.
	PricingRates map[string]budget.ModelRate

	Retry resilience.RetryConfig
}

// Executor runs jobs against the job store, entity store, and adapters.
type Executor struct {
	cfg      Config
	jobs     jobstore.Store
	entities entity.Store
	research ResearchSource
	enrich   EnrichmentSource
	guard    *budget.Guard
	calc     *budget.Calculator
	breaker  *resilience.CircuitBreaker

	bg *errgroup.Group
}

// New creates an executor. guard may be nil when no budget is configured.
func New(cfg Config, jobs jobstore.Store, entities entity.Store, research ResearchSource, enrich EnrichmentSource, guard *budget.Guard) *Executor {
	if cfg.EstimatedTokensPerCall <= 0 {
		cfg.EstimatedTokensPerCall = 4096
	}
	if cfg.BackgroundWorkers <= 0 {
		cfg.BackgroundWorkers = 4
	}
	if cfg.BackgroundTimeout <= 0 {
		cfg.BackgroundTimeout = 5 * time.Minute
	}

	rates := cfg.PricingRates
	if rates == nil {
		rates = budget.DefaultRates()
	}

	bg := &errgroup.Group{}
	bg.SetLimit(cfg.BackgroundWorkers)

	return &Executor{
		cfg:      cfg,
		jobs:     jobs,
		entities: entities,
		research: research,
		enrich:   enrich,
		guard:    guard,
		calc:     budget.NewCalculator(rates),
		breaker:  resilience.NewCircuitBreaker(resilience.CircuitBreakerConfig{ShouldTrip: adapter.Retryable}),
		bg:       bg,
	}
}

// Wait blocks until all detached background jobs have finished. Called on
// shutdown so no job is abandoned mid-write.
func (e *Executor) Wait() {
	_ = e.bg.Wait()
}

// ResearchParams are the inputs for one research job.
type ResearchParams struct {
	Ref                 model.EntityRef
	IncludeCustomFields bool
	AdditionalContext   string
	AutoApply           bool
	Policy              merge.Policy
	CreatedBy           string
}

// RunResearch executes the synchronous research path. Provider failures are
// business outcomes: they terminate the job record as failed and the record
// is returned with a nil error. A non-nil error means an infrastructure
// fault (store unavailable, duplicate running job).
func (e *Executor) RunResearch(ctx context.Context, p ResearchParams) (*model.JobRecord, error) {
	rec, req, err := e.prepareResearch(ctx, p)
	if err != nil {
		return nil, err
	}
	return e.completeResearch(ctx, rec, req, p)
}

// ErrWorkersBusy is returned when every background worker slot is occupied
// and a detached job cannot start.
var ErrWorkersBusy = eris.New("executor: all background workers are busy")

// detachedJob is the unit of work handed to a reserved background worker.
type detachedJob struct {
	ctx    context.Context
	rec    *model.JobRecord
	req    adapter.ResearchRequest
	params ResearchParams
}

// StartRFPResearch executes the background research path: the running record
// is returned immediately and the adapter call happens on a detached task
// whose outcome, including panics, is always written to the record. The
// worker slot is reserved before the record is created so a saturated pool
// rejects the start with ErrWorkersBusy instead of blocking the caller with
// a running record already written.
func (e *Executor) StartRFPResearch(ctx context.Context, p ResearchParams) (*model.JobRecord, error) {
	p.Ref.Type = model.EntityRFP

	work := make(chan detachedJob, 1)
	if !e.bg.TryGo(func() error {
		job, ok := <-work
		if ok {
			e.runDetached(job)
		}
		return nil
	}) {
		return nil, ErrWorkersBusy
	}

	rec, req, err := e.prepareResearch(ctx, p)
	if err != nil {
		close(work)
		return nil, err
	}

	work <- detachedJob{ctx: context.WithoutCancel(ctx), rec: rec, req: req, params: p}
	return rec, nil
}

// runDetached drives one background job on its reserved worker slot.
func (e *Executor) runDetached(job detachedJob) {
	bgCtx, cancel := context.WithTimeout(job.ctx, e.cfg.BackgroundTimeout)
	defer cancel()
	defer e.recoverToRecord(bgCtx, job.rec.ID)

	if _, err := e.completeResearch(bgCtx, job.rec, job.req, job.params); err != nil {
		zap.L().Error("background research job failed",
			zap.String("job_id", job.rec.ID),
			zap.Error(err),
		)
		// Best effort: the record must not stay running.
		if ferr := e.jobs.MarkFailed(bgCtx, job.rec.ID, err.Error()); ferr != nil && !errors.Is(ferr, jobstore.ErrTerminal) {
			zap.L().Error("failed to terminate job record", zap.String("job_id", job.rec.ID), zap.Error(ferr))
		}
	}
}

// recoverToRecord converts a panic in a detached task into a failed record.
func (e *Executor) recoverToRecord(ctx context.Context, jobID string) {
	r := recover()
	if r == nil {
		return
	}
	zap.L().Error("background job panicked", zap.String("job_id", jobID), zap.Any("panic", r))
	if err := e.jobs.MarkFailed(ctx, jobID, fmt.Sprintf("internal error: %v", r)); err != nil && !errors.Is(err, jobstore.ErrTerminal) {
		zap.L().Error("failed to terminate panicked job", zap.String("job_id", jobID), zap.Error(err))
	}
}

// prepareResearch builds the snapshot-backed request and creates the running
// record.
func (e *Executor) prepareResearch(ctx context.Context, p ResearchParams) (*model.JobRecord, adapter.ResearchRequest, error) {
	var zero adapter.ResearchRequest
	if !p.Ref.Type.Valid() {
		return nil, zero, eris.Errorf("executor: invalid entity type %q", p.Ref.Type)
	}

	snap, err := e.entities.Snapshot(ctx, p.Ref)
	if err != nil {
		if errors.Is(err, entity.ErrNotFound) {
			return nil, zero, err
		}
		// Best-effort: research can proceed from the reference alone.
		zap.L().Warn("entity snapshot unavailable, researching from reference",
			zap.String("entity_id", p.Ref.ID),
			zap.Error(err),
		)
		snap = &model.EntitySnapshot{Ref: p.Ref, Fields: map[string]any{}}
	}

	req := adapter.ResearchRequest{
		Snapshot:          *snap,
		AdditionalContext: p.AdditionalContext,
	}
	if p.IncludeCustomFields {
		req.CustomDefs = snap.CustomDefs
	}

	payload, _ := json.Marshal(map[string]any{
		"include_custom_fields": p.IncludeCustomFields,
		"additional_context":    p.AdditionalContext,
		"auto_apply":            p.AutoApply,
	})

	rec, err := e.jobs.Create(ctx, jobstore.CreateParams{
		ProjectID:      e.cfg.ProjectID,
		EntityType:     p.Ref.Type,
		EntityID:       p.Ref.ID,
		Kind:           model.JobKindResearch,
		Status:         model.JobStatusRunning,
		RequestPayload: payload,
		CreatedBy:      p.CreatedBy,
	})
	if err != nil {
		return nil, zero, err
	}
	return rec, req, nil
}

// completeResearch performs the adapter call and terminal-state update, then
// auto-applies the result when requested.
func (e *Executor) completeResearch(ctx context.Context, rec *model.JobRecord, req adapter.ResearchRequest, p ResearchParams) (*model.JobRecord, error) {
	if err := e.allowBudget(ctx); err != nil {
		return e.failJob(ctx, rec.ID, err)
	}

	retry := e.cfg.Retry
	if retry.ShouldRetry == nil {
		retry.ShouldRetry = adapter.Retryable
	}
	if retry.OnRetry == nil {
		retry.OnRetry = resilience.RetryLogger("anthropic", "research")
	}

	outcome, err := resilience.DoVal(ctx, retry, func(ctx context.Context) (*adapter.ResearchOutcome, error) {
		return resilience.ExecuteVal(ctx, e.breaker, func(ctx context.Context) (*adapter.ResearchOutcome, error) {
			return e.research.Research(ctx, req)
		})
	})
	if err != nil {
		return e.failJob(ctx, rec.ID, err)
	}

	if e.guard != nil {
		if cerr := e.guard.Consume(ctx, outcome.Usage.Total()); cerr != nil {
			zap.L().Warn("failed to record token usage", zap.String("job_id", rec.ID), zap.Error(cerr))
		}
	}
	outcome.Usage.Log(outcome.ModelUsed, "research")
	u := outcome.Usage
	if cost := e.calc.Claude(outcome.ModelUsed, u.InputTokens, u.OutputTokens, u.CacheCreationInputTokens, u.CacheReadInputTokens); cost > 0 {
		zap.L().Info("research cost", zap.String("job_id", rec.ID), zap.Float64("usd", cost))
	}

	tokens := int(outcome.Usage.Total())
	if err := e.jobs.MarkCompleted(ctx, rec.ID, outcome.Result, outcome.ModelUsed, tokens); err != nil {
		return nil, err
	}

	if p.AutoApply {
		if n, aerr := e.Apply(ctx, rec.ID, outcome.Result, req.Snapshot.Ref, p.Policy); aerr != nil {
			zap.L().Error("auto-apply failed", zap.String("job_id", rec.ID), zap.Error(aerr))
		} else {
			rec.AppliedFields = n
		}
	}

	return e.jobs.Get(ctx, rec.ID)
}

// failJob terminates the record with the provider failure; the failed record
// is the error channel for business outcomes.
func (e *Executor) failJob(ctx context.Context, jobID string, cause error) (*model.JobRecord, error) {
	kind := adapter.KindOf(cause)
	zap.L().Warn("job failed",
		zap.String("job_id", jobID),
		zap.String("kind", string(kind)),
		zap.Error(cause),
	)
	if err := e.jobs.MarkFailed(ctx, jobID, cause.Error()); err != nil {
		return nil, err
	}
	return e.jobs.Get(ctx, jobID)
}

// allowBudget re-checks the shared token budget; it runs before every
// provider call rather than once per campaign.
func (e *Executor) allowBudget(ctx context.Context) error {
	if e.guard == nil {
		return nil
	}
	if err := e.guard.Allow(ctx, e.cfg.EstimatedTokensPerCall); err != nil {
		var ex *budget.ExhaustedError
		if errors.As(err, &ex) {
			return adapter.WrapError(adapter.KindInsufficientCredits, "token budget exhausted", err)
		}
		return err
	}
	return nil
}

// Apply resolves a canonical result against the entity's current snapshot
// and writes the surviving mappings, returning the count written.
func (e *Executor) Apply(ctx context.Context, jobID string, result *model.CanonicalResult, ref model.EntityRef, policy merge.Policy) (int, error) {
	snap, err := e.entities.Snapshot(ctx, ref)
	if err != nil {
		return 0, eris.Wrap(err, "executor: snapshot for apply")
	}

	mappings := merge.Resolve(result, *snap, policy)
	if len(mappings) == 0 {
		return 0, nil
	}

	n, err := e.entities.ApplyUpdates(ctx, ref, mappings)
	if err != nil {
		return 0, eris.Wrap(err, "executor: apply updates")
	}

	if err := e.jobs.IncrementAppliedFields(ctx, jobID, n); err != nil {
		zap.L().Warn("failed to record applied fields", zap.String("job_id", jobID), zap.Error(err))
	}
	return n, nil
}
