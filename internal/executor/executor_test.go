package executor

import (
	"context"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/crm-research/internal/adapter"
	"github.com/sells-group/crm-research/internal/budget"
	"github.com/sells-group/crm-research/internal/entity"
	"github.com/sells-group/crm-research/internal/jobstore"
	"github.com/sells-group/crm-research/internal/merge"
	"github.com/sells-group/crm-research/internal/model"
	"github.com/sells-group/crm-research/pkg/anthropic"
)

// memJobs is an in-memory jobstore.Store for executor tests.
type memJobs struct {
	mu    sync.Mutex
	seq   int
	jobs  map[string]*model.JobRecord
	usage int64
}

func newMemJobs() *memJobs {
	return &memJobs{jobs: make(map[string]*model.JobRecord)}
}

func (m *memJobs) Create(ctx context.Context, p jobstore.CreateParams) (*model.JobRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, j := range m.jobs {
		if j.EntityID == p.EntityID && j.Status == model.JobStatusRunning {
			return nil, &jobstore.DuplicateRunningError{EntityID: p.EntityID, ExistingJobID: j.ID}
		}
	}

	m.seq++
	rec := &model.JobRecord{
		ID:             "job-" + strconv.Itoa(m.seq),
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
	m.jobs[rec.ID] = rec
	return m.copyOf(rec), nil
}

func (m *memJobs) copyOf(rec *model.JobRecord) *model.JobRecord {
	cp := *rec
	return &cp
}

func (m *memJobs) Get(ctx context.Context, id string) (*model.JobRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.jobs[id]
	if !ok {
		return nil, jobstore.ErrNotFound
	}
	return m.copyOf(rec), nil
}

func (m *memJobs) FindRunningByEntity(ctx context.Context, entityID string) (*model.JobRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, j := range m.jobs {
		if j.EntityID == entityID && j.Status == model.JobStatusRunning {
			return m.copyOf(j), nil
		}
	}
	return nil, nil
}

func (m *memJobs) MarkRunning(ctx context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.jobs[id]
	if !ok {
		return jobstore.ErrNotFound
	}
	if rec.Status != model.JobStatusPending {
		return jobstore.ErrTerminal
	}
	rec.Status = model.JobStatusRunning
	return nil
}

func (m *memJobs) MarkCompleted(ctx context.Context, id string, result *model.CanonicalResult, modelUsed string, tokensUsed int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.jobs[id]
	if !ok {
		return jobstore.ErrNotFound
	}
	if rec.Status.Terminal() {
		return jobstore.ErrTerminal
	}
	now := time.Now().UTC()
	rec.Status = model.JobStatusCompleted
	rec.Result = result
	rec.Error = ""
	rec.ModelUsed = modelUsed
	rec.TokensUsed = tokensUsed
	rec.CompletedAt = &now
	return nil
}

func (m *memJobs) MarkFailed(ctx context.Context, id string, errMsg string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.jobs[id]
	if !ok {
		return jobstore.ErrNotFound
	}
	if rec.Status.Terminal() {
		return jobstore.ErrTerminal
	}
	now := time.Now().UTC()
	rec.Status = model.JobStatusFailed
	rec.Error = errMsg
	rec.CompletedAt = &now
	return nil
}

func (m *memJobs) SetProviderRef(ctx context.Context, id, providerRef string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.jobs[id]
	if !ok {
		return jobstore.ErrNotFound
	}
	rec.ProviderRef = providerRef
	return nil
}

func (m *memJobs) FindByProviderRef(ctx context.Context, providerRef string) (*model.JobRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, j := range m.jobs {
		if j.ProviderRef == providerRef {
			return m.copyOf(j), nil
		}
	}
	return nil, jobstore.ErrNotFound
}

func (m *memJobs) IncrementAppliedFields(ctx context.Context, id string, n int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.jobs[id]
	if !ok {
		return jobstore.ErrNotFound
	}
	rec.AppliedFields += n
	return nil
}

func (m *memJobs) List(ctx context.Context, f jobstore.Filter) ([]model.JobRecord, int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []model.JobRecord
	for _, j := range m.jobs {
		out = append(out, *j)
	}
	return out, len(out), nil
}

func (m *memJobs) FailStale(ctx context.Context, maxAge time.Duration) (int64, error) {
	return 0, nil
}

func (m *memJobs) AddUsage(ctx context.Context, projectID string, tokens int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.usage += tokens
	return nil
}

func (m *memJobs) UsageSince(ctx context.Context, projectID string, since time.Time) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.usage, nil
}

func (m *memJobs) Migrate(ctx context.Context) error { return nil }
func (m *memJobs) Close() error                      { return nil }

// fakeResearch returns a canned outcome or error.
type fakeResearch struct {
	outcome *adapter.ResearchOutcome
	err     error
	panics  bool
	calls   int
}

func (f *fakeResearch) Research(ctx context.Context, req adapter.ResearchRequest) (*adapter.ResearchOutcome, error) {
	f.calls++
	if f.panics {
		panic("research exploded")
	}
	return f.outcome, f.err
}

type fakeEnrich struct {
	providerRef string
	submitErr   error
	delivery    *adapter.Delivery
	lastHints   []adapter.PersonHint
}

func (f *fakeEnrich) Submit(ctx context.Context, hints []adapter.PersonHint) (string, error) {
	f.lastHints = hints
	return f.providerRef, f.submitErr
}

func (f *fakeEnrich) Poll(ctx context.Context, providerJobID string) (*adapter.Delivery, error) {
	return f.delivery, nil
}

func strp(s string) *string { return &s }

func researchOutcome() *adapter.ResearchOutcome {
	return &adapter.ResearchOutcome{
		Result: &model.CanonicalResult{
			Organization: &model.OrgFacts{Industry: strp("Manufacturing")},
		},
		ModelUsed: "model-x",
		Usage:     anthropic.TokenUsage{InputTokens: 100, OutputTokens: 50},
	}
}

func seededEntities(ref model.EntityRef) *entity.MemoryStore {
	entities := entity.NewMemory()
	entities.Put(model.EntitySnapshot{Ref: ref, Fields: map[string]any{}})
	return entities
}

func newTestExecutor(t *testing.T, jobs jobstore.Store, entities entity.Store, research ResearchSource, enrich EnrichmentSource, guard *budget.Guard) *Executor {
	t.Helper()
	e := New(Config{ProjectID: "proj-1"}, jobs, entities, research, enrich, guard)
	t.Cleanup(e.Wait)
	return e
}

func TestRunResearchCompletes(t *testing.T) {
	ref := model.EntityRef{Type: model.EntityOrganization, ID: "org-1", Name: "Acme"}
	jobs := newMemJobs()
	e := newTestExecutor(t, jobs, seededEntities(ref), &fakeResearch{outcome: researchOutcome()}, &fakeEnrich{}, nil)

	rec, err := e.RunResearch(context.Background(), ResearchParams{Ref: ref})
	require.NoError(t, err)

	assert.Equal(t, model.JobStatusCompleted, rec.Status)
	assert.Equal(t, "model-x", rec.ModelUsed)
	assert.Equal(t, 150, rec.TokensUsed)
	require.NotNil(t, rec.Result.Organization)
	assert.NotNil(t, rec.CompletedAt)
	assert.Zero(t, rec.AppliedFields)
}

func TestRunResearchAutoApply(t *testing.T) {
	ref := model.EntityRef{Type: model.EntityOrganization, ID: "org-1", Name: "Acme"}
	jobs := newMemJobs()
	entities := seededEntities(ref)
	e := newTestExecutor(t, jobs, entities, &fakeResearch{outcome: researchOutcome()}, &fakeEnrich{}, nil)

	rec, err := e.RunResearch(context.Background(), ResearchParams{
		Ref:       ref,
		AutoApply: true,
		Policy:    merge.Policy{Mode: merge.ModeFillEmpty},
	})
	require.NoError(t, err)
	assert.Equal(t, 1, rec.AppliedFields)

	snap, err := entities.Snapshot(context.Background(), ref)
	require.NoError(t, err)
	assert.Equal(t, "Manufacturing", snap.Fields["industry"])
}

// Provider failures become failed records, never transport errors.
func TestRunResearchProviderFailureBecomesFailedRecord(t *testing.T) {
	ref := model.EntityRef{Type: model.EntityOrganization, ID: "org-1"}
	jobs := newMemJobs()
	research := &fakeResearch{err: adapter.NewError(adapter.KindSchemaInvalid, "response does not match schema")}
	e := newTestExecutor(t, jobs, seededEntities(ref), research, &fakeEnrich{}, nil)

	rec, err := e.RunResearch(context.Background(), ResearchParams{Ref: ref})
	require.NoError(t, err)

	assert.Equal(t, model.JobStatusFailed, rec.Status)
	assert.Contains(t, rec.Error, "schema")
	assert.Equal(t, 1, research.calls, "schema failures are not retried")
}

func TestRunResearchBudgetExhausted(t *testing.T) {
	ref := model.EntityRef{Type: model.EntityOrganization, ID: "org-1"}
	jobs := newMemJobs()
	jobs.usage = 10_000

	guard := budget.NewGuard(budget.Config{ProjectID: "proj-1", MaxTokens: 10_000}, jobs)
	research := &fakeResearch{outcome: researchOutcome()}
	e := newTestExecutor(t, jobs, seededEntities(ref), research, &fakeEnrich{}, guard)

	rec, err := e.RunResearch(context.Background(), ResearchParams{Ref: ref})
	require.NoError(t, err)

	assert.Equal(t, model.JobStatusFailed, rec.Status)
	assert.Contains(t, rec.Error, "budget")
	assert.Zero(t, research.calls, "no provider call after budget rejection")
}

func TestRunResearchDuplicateConflict(t *testing.T) {
	ref := model.EntityRef{Type: model.EntityRFP, ID: "rfp-1"}
	jobs := newMemJobs()
	_, err := jobs.Create(context.Background(), jobstore.CreateParams{
		EntityType: model.EntityRFP, EntityID: "rfp-1",
		Kind: model.JobKindResearch, Status: model.JobStatusRunning,
	})
	require.NoError(t, err)

	e := newTestExecutor(t, jobs, seededEntities(ref), &fakeResearch{outcome: researchOutcome()}, &fakeEnrich{}, nil)

	_, err = e.RunResearch(context.Background(), ResearchParams{Ref: ref})
	var dup *jobstore.DuplicateRunningError
	require.ErrorAs(t, err, &dup)
	assert.Equal(t, "job-1", dup.ExistingJobID)
}

func TestStartRFPResearchReturnsRunningThenCompletes(t *testing.T) {
	ref := model.EntityRef{Type: model.EntityRFP, ID: "rfp-1"}
	jobs := newMemJobs()
	e := newTestExecutor(t, jobs, seededEntities(ref), &fakeResearch{outcome: researchOutcome()}, &fakeEnrich{}, nil)

	rec, err := e.StartRFPResearch(context.Background(), ResearchParams{Ref: ref})
	require.NoError(t, err)
	assert.Equal(t, model.JobStatusRunning, rec.Status)

	e.Wait()

	final, err := jobs.Get(context.Background(), rec.ID)
	require.NoError(t, err)
	assert.Equal(t, model.JobStatusCompleted, final.Status)
}

// blockingResearch parks in Research until released.
type blockingResearch struct {
	started chan struct{}
	release chan struct{}
}

func (b *blockingResearch) Research(ctx context.Context, req adapter.ResearchRequest) (*adapter.ResearchOutcome, error) {
	close(b.started)
	<-b.release
	return researchOutcome(), nil
}

// With every worker occupied, a further start must return straight away with
// ErrWorkersBusy and leave no record behind.
func TestStartRFPResearchSaturatedPoolRejects(t *testing.T) {
	jobs := newMemJobs()
	entities := entity.NewMemory()
	entities.Put(model.EntitySnapshot{Ref: model.EntityRef{Type: model.EntityRFP, ID: "rfp-1"}, Fields: map[string]any{}})
	entities.Put(model.EntitySnapshot{Ref: model.EntityRef{Type: model.EntityRFP, ID: "rfp-2"}, Fields: map[string]any{}})

	research := &blockingResearch{started: make(chan struct{}), release: make(chan struct{})}
	e := New(Config{ProjectID: "proj-1", BackgroundWorkers: 1}, jobs, entities, research, &fakeEnrich{}, nil)
	t.Cleanup(e.Wait)

	first, err := e.StartRFPResearch(context.Background(), ResearchParams{Ref: model.EntityRef{Type: model.EntityRFP, ID: "rfp-1"}})
	require.NoError(t, err)
	<-research.started

	_, err = e.StartRFPResearch(context.Background(), ResearchParams{Ref: model.EntityRef{Type: model.EntityRFP, ID: "rfp-2"}})
	require.ErrorIs(t, err, ErrWorkersBusy)

	_, err = jobs.Get(context.Background(), "job-2")
	assert.ErrorIs(t, err, jobstore.ErrNotFound, "rejected start must not create a record")

	close(research.release)
	e.Wait()

	final, err := jobs.Get(context.Background(), first.ID)
	require.NoError(t, err)
	assert.Equal(t, model.JobStatusCompleted, final.Status)
}

// A panic in the detached task must terminate the record, never leave it
// running.
func TestStartRFPResearchPanicWritesFailure(t *testing.T) {
	ref := model.EntityRef{Type: model.EntityRFP, ID: "rfp-1"}
	jobs := newMemJobs()
	e := newTestExecutor(t, jobs, seededEntities(ref), &fakeResearch{panics: true}, &fakeEnrich{}, nil)

	rec, err := e.StartRFPResearch(context.Background(), ResearchParams{Ref: ref})
	require.NoError(t, err)

	e.Wait()

	final, err := jobs.Get(context.Background(), rec.ID)
	require.NoError(t, err)
	assert.Equal(t, model.JobStatusFailed, final.Status)
	assert.Contains(t, final.Error, "internal error")
}

func TestRunResearchMissingSnapshotBestEffort(t *testing.T) {
	// Entity exists in the CRM id-wise but the snapshot read fails at the
	// store level; research proceeds from the reference alone. A missing
	// record is a hard not-found instead.
	ref := model.EntityRef{Type: model.EntityOrganization, ID: "org-missing"}
	jobs := newMemJobs()
	e := newTestExecutor(t, jobs, entity.NewMemory(), &fakeResearch{outcome: researchOutcome()}, &fakeEnrich{}, nil)

	_, err := e.RunResearch(context.Background(), ResearchParams{Ref: ref})
	assert.ErrorIs(t, err, entity.ErrNotFound)
}
