package api

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/crm-research/internal/adapter"
	"github.com/sells-group/crm-research/internal/entity"
	"github.com/sells-group/crm-research/internal/executor"
	"github.com/sells-group/crm-research/internal/jobstore"
	"github.com/sells-group/crm-research/internal/model"
)

// stubExec is a scriptable JobService.
type stubExec struct {
	runResearch    func(ctx context.Context, p executor.ResearchParams) (*model.JobRecord, error)
	startRFP       func(ctx context.Context, p executor.ResearchParams) (*model.JobRecord, error)
	submitEnrich   func(ctx context.Context, p executor.EnrichmentParams) (*model.JobRecord, error)
	handleDelivery func(ctx context.Context, d *adapter.Delivery) error
}

func (s *stubExec) RunResearch(ctx context.Context, p executor.ResearchParams) (*model.JobRecord, error) {
	return s.runResearch(ctx, p)
}

func (s *stubExec) StartRFPResearch(ctx context.Context, p executor.ResearchParams) (*model.JobRecord, error) {
	return s.startRFP(ctx, p)
}

func (s *stubExec) SubmitEnrichment(ctx context.Context, p executor.EnrichmentParams) (*model.JobRecord, error) {
	return s.submitEnrich(ctx, p)
}

func (s *stubExec) HandleDelivery(ctx context.Context, d *adapter.Delivery) error {
	return s.handleDelivery(ctx, d)
}

// stubJobs overrides the handlers' read paths; everything else panics if hit.
type stubJobs struct {
	jobstore.Store

	get       func(ctx context.Context, id string) (*model.JobRecord, error)
	list      func(ctx context.Context, f jobstore.Filter) ([]model.JobRecord, int, error)
	increment func(ctx context.Context, id string, n int) error
}

func (s *stubJobs) Get(ctx context.Context, id string) (*model.JobRecord, error) {
	return s.get(ctx, id)
}

func (s *stubJobs) List(ctx context.Context, f jobstore.Filter) ([]model.JobRecord, int, error) {
	return s.list(ctx, f)
}

func (s *stubJobs) IncrementAppliedFields(ctx context.Context, id string, n int) error {
	return s.increment(ctx, id, n)
}

func doRequest(t *testing.T, s *Server, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	var rdr *bytes.Reader
	if body == "" {
		rdr = bytes.NewReader(nil)
	} else {
		rdr = bytes.NewReader([]byte(body))
	}
	req := httptest.NewRequest(method, path, rdr)
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	w := httptest.NewRecorder()
	s.Router().ServeHTTP(w, req)
	return w
}

func decodeBody(t *testing.T, w *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var out map[string]any
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &out))
	return out
}

func TestHealth(t *testing.T) {
	s := NewServer(&stubExec{}, &stubJobs{}, entity.NewMemory(), "")
	w := doRequest(t, s, http.MethodGet, "/health", "")
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "ok", decodeBody(t, w)["status"])
}

func TestStartResearch(t *testing.T) {
	var got executor.ResearchParams
	exec := &stubExec{
		runResearch: func(_ context.Context, p executor.ResearchParams) (*model.JobRecord, error) {
			got = p
			return &model.JobRecord{ID: "job-1", EntityID: p.Ref.ID, Status: model.JobStatusCompleted}, nil
		},
	}
	s := NewServer(exec, &stubJobs{}, entity.NewMemory(), "")

	w := doRequest(t, s, http.MethodPost, "/api/research/jobs", `{
		"entity_type": "organization",
		"entity_id": "org-1",
		"entity_name": "Acme Corp",
		"include_custom_fields": true,
		"auto_apply": true,
		"merge_mode": "overwrite",
		"min_confidence": 0.7
	}`)

	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, model.EntityOrganization, got.Ref.Type)
	assert.Equal(t, "org-1", got.Ref.ID)
	assert.Equal(t, "Acme Corp", got.Ref.Name)
	assert.True(t, got.IncludeCustomFields)
	assert.True(t, got.AutoApply)
	assert.Equal(t, "overwrite", string(got.Policy.Mode))
	assert.InDelta(t, 0.7, got.Policy.MinConfidence, 1e-9)

	job := decodeBody(t, w)["job"].(map[string]any)
	assert.Equal(t, "job-1", job["id"])
}

func TestStartResearchValidation(t *testing.T) {
	s := NewServer(&stubExec{}, &stubJobs{}, entity.NewMemory(), "")

	cases := map[string]string{
		"missing entity_id": `{"entity_type": "organization"}`,
		"bad entity_type":   `{"entity_type": "deal", "entity_id": "d-1"}`,
		"bad merge_mode":    `{"entity_type": "person", "entity_id": "p-1", "merge_mode": "replace"}`,
		"confidence range":  `{"entity_type": "person", "entity_id": "p-1", "min_confidence": 1.5}`,
		"not json":          `{{`,
	}
	for name, body := range cases {
		t.Run(name, func(t *testing.T) {
			w := doRequest(t, s, http.MethodPost, "/api/research/jobs", body)
			assert.Equal(t, http.StatusBadRequest, w.Code)
		})
	}
}

func TestStartResearchDuplicateConflict(t *testing.T) {
	exec := &stubExec{
		runResearch: func(_ context.Context, _ executor.ResearchParams) (*model.JobRecord, error) {
			return nil, &jobstore.DuplicateRunningError{EntityID: "org-1", ExistingJobID: "job-7"}
		},
	}
	s := NewServer(exec, &stubJobs{}, entity.NewMemory(), "")

	w := doRequest(t, s, http.MethodPost, "/api/research/jobs",
		`{"entity_type": "organization", "entity_id": "org-1"}`)

	require.Equal(t, http.StatusConflict, w.Code)
	body := decodeBody(t, w)
	assert.Equal(t, "job-7", body["job_id"])
	assert.Contains(t, body["error"], "already running")
}

func TestStartRFPResearch(t *testing.T) {
	var got executor.ResearchParams
	exec := &stubExec{
		startRFP: func(_ context.Context, p executor.ResearchParams) (*model.JobRecord, error) {
			got = p
			return &model.JobRecord{ID: "job-2", EntityID: p.Ref.ID, Status: model.JobStatusRunning}, nil
		},
	}
	s := NewServer(exec, &stubJobs{}, entity.NewMemory(), "")

	w := doRequest(t, s, http.MethodPost, "/api/rfps/rfp-9/research", "")

	require.Equal(t, http.StatusAccepted, w.Code)
	assert.Equal(t, model.EntityRFP, got.Ref.Type)
	assert.Equal(t, "rfp-9", got.Ref.ID)
	assert.True(t, got.IncludeCustomFields)
	assert.Equal(t, "started", decodeBody(t, w)["status"])
}

func TestStartRFPResearchWorkersBusy(t *testing.T) {
	exec := &stubExec{
		startRFP: func(_ context.Context, _ executor.ResearchParams) (*model.JobRecord, error) {
			return nil, executor.ErrWorkersBusy
		},
	}
	s := NewServer(exec, &stubJobs{}, entity.NewMemory(), "")

	w := doRequest(t, s, http.MethodPost, "/api/rfps/rfp-9/research", "")

	require.Equal(t, http.StatusServiceUnavailable, w.Code)
	assert.Contains(t, decodeBody(t, w)["error"], "busy")
}

func TestListJobs(t *testing.T) {
	var got jobstore.Filter
	jobs := &stubJobs{
		list: func(_ context.Context, f jobstore.Filter) ([]model.JobRecord, int, error) {
			got = f
			return []model.JobRecord{{ID: "job-1"}, {ID: "job-2"}}, 12, nil
		},
	}
	s := NewServer(&stubExec{}, jobs, entity.NewMemory(), "")

	w := doRequest(t, s, http.MethodGet, "/api/research/jobs?entity_type=rfp&status=completed&limit=2&offset=4", "")

	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, model.EntityRFP, got.EntityType)
	assert.Equal(t, model.JobStatusCompleted, got.Status)
	assert.Equal(t, 2, got.Limit)
	assert.Equal(t, 4, got.Offset)

	body := decodeBody(t, w)
	assert.Len(t, body["jobs"], 2)
	pg := body["pagination"].(map[string]any)
	assert.EqualValues(t, 12, pg["total"])
}

func TestGetJobNotFound(t *testing.T) {
	jobs := &stubJobs{
		get: func(_ context.Context, _ string) (*model.JobRecord, error) {
			return nil, jobstore.ErrNotFound
		},
	}
	s := NewServer(&stubExec{}, jobs, entity.NewMemory(), "")

	w := doRequest(t, s, http.MethodGet, "/api/research/jobs/nope", "")
	assert.Equal(t, http.StatusNotFound, w.Code)
	assert.Contains(t, w.Body.String(), "job not found")
}

func TestSubmitEnrichment(t *testing.T) {
	var got executor.EnrichmentParams
	exec := &stubExec{
		submitEnrich: func(_ context.Context, p executor.EnrichmentParams) (*model.JobRecord, error) {
			got = p
			return &model.JobRecord{ID: "job-3", EntityID: p.Ref.ID, Status: model.JobStatusRunning}, nil
		},
	}
	s := NewServer(exec, &stubJobs{}, entity.NewMemory(), "")

	w := doRequest(t, s, http.MethodPost, "/api/enrichment/jobs",
		`{"person_id": "p-1", "auto_apply": true}`)

	require.Equal(t, http.StatusAccepted, w.Code)
	assert.Equal(t, model.EntityPerson, got.Ref.Type)
	assert.Equal(t, "p-1", got.Ref.ID)
	assert.True(t, got.AutoApply)
}

func TestApplyEnrichment(t *testing.T) {
	entities := entity.NewMemory()
	entities.Put(model.EntitySnapshot{
		Ref:    model.EntityRef{Type: model.EntityPerson, ID: "p-1"},
		Fields: map[string]any{"email": "", "phone": "555-0100"},
	})

	incremented := 0
	jobs := &stubJobs{
		get: func(_ context.Context, id string) (*model.JobRecord, error) {
			require.Equal(t, "job-1", id)
			return &model.JobRecord{
				ID: "job-1", EntityType: model.EntityPerson, EntityID: "p-1",
				Status: model.JobStatusCompleted,
			}, nil
		},
		increment: func(_ context.Context, _ string, n int) error {
			incremented = n
			return nil
		},
	}
	s := NewServer(&stubExec{}, jobs, entities, "")

	// Under fill-empty: empty email is written, populated phone is skipped,
	// the null value is always skipped.
	w := doRequest(t, s, http.MethodPost, "/api/enrichment/apply", `{
		"job_id": "job-1",
		"field_updates": [
			{"field_name": "email", "value": "jane@acme.com"},
			{"field_name": "phone", "value": "555-0199"},
			{"field_name": "title", "value": null}
		]
	}`)

	require.Equal(t, http.StatusOK, w.Code)
	assert.EqualValues(t, 1, decodeBody(t, w)["fields_updated"])
	assert.Equal(t, 1, incremented)

	snap, err := entities.Snapshot(context.Background(), model.EntityRef{Type: model.EntityPerson, ID: "p-1"})
	require.NoError(t, err)
	assert.Equal(t, "jane@acme.com", snap.Fields["email"])
	assert.Equal(t, "555-0100", snap.Fields["phone"])
}

func TestApplyEnrichmentOverwrite(t *testing.T) {
	entities := entity.NewMemory()
	entities.Put(model.EntitySnapshot{
		Ref:    model.EntityRef{Type: model.EntityPerson, ID: "p-1"},
		Fields: map[string]any{"phone": "555-0100"},
	})
	jobs := &stubJobs{
		get: func(_ context.Context, _ string) (*model.JobRecord, error) {
			return &model.JobRecord{ID: "job-1", EntityType: model.EntityPerson, EntityID: "p-1"}, nil
		},
		increment: func(_ context.Context, _ string, _ int) error { return nil },
	}
	s := NewServer(&stubExec{}, jobs, entities, "")

	w := doRequest(t, s, http.MethodPost, "/api/enrichment/apply", `{
		"job_id": "job-1",
		"merge_mode": "overwrite",
		"field_updates": [{"field_name": "phone", "value": "555-0199"}]
	}`)

	require.Equal(t, http.StatusOK, w.Code)
	snap, err := entities.Snapshot(context.Background(), model.EntityRef{Type: model.EntityPerson, ID: "p-1"})
	require.NoError(t, err)
	assert.Equal(t, "555-0199", snap.Fields["phone"])
}

func TestApplyEnrichmentValidation(t *testing.T) {
	s := NewServer(&stubExec{}, &stubJobs{}, entity.NewMemory(), "")

	for name, body := range map[string]string{
		"missing job_id": `{"field_updates": [{"field_name": "email", "value": "x"}]}`,
		"empty updates":  `{"job_id": "job-1", "field_updates": []}`,
		"unnamed update": `{"job_id": "job-1", "field_updates": [{"value": "x"}]}`,
	} {
		t.Run(name, func(t *testing.T) {
			w := doRequest(t, s, http.MethodPost, "/api/enrichment/apply", body)
			assert.Equal(t, http.StatusBadRequest, w.Code)
		})
	}
}

func TestApplyEnrichmentEntityGone(t *testing.T) {
	jobs := &stubJobs{
		get: func(_ context.Context, _ string) (*model.JobRecord, error) {
			return &model.JobRecord{ID: "job-1", EntityType: model.EntityPerson, EntityID: "ghost"}, nil
		},
	}
	s := NewServer(&stubExec{}, jobs, entity.NewMemory(), "")

	w := doRequest(t, s, http.MethodPost, "/api/enrichment/apply", `{
		"job_id": "job-1",
		"field_updates": [{"field_name": "email", "value": "x@y.z"}]
	}`)

	assert.Equal(t, http.StatusNotFound, w.Code)
	assert.Contains(t, w.Body.String(), "entity not found")
}

func TestRouterRecoversFromPanic(t *testing.T) {
	exec := &stubExec{
		runResearch: func(_ context.Context, _ executor.ResearchParams) (*model.JobRecord, error) {
			panic("boom")
		},
	}
	s := NewServer(exec, &stubJobs{}, entity.NewMemory(), "")

	req := httptest.NewRequest(http.MethodPost, "/api/research/jobs",
		strings.NewReader(`{"entity_type": "organization", "entity_id": "org-1"}`))
	w := httptest.NewRecorder()
	s.Router().ServeHTTP(w, req)

	assert.Equal(t, http.StatusInternalServerError, w.Code)
}
