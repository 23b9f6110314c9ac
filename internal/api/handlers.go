package api

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/sells-group/crm-research/internal/entity"
	"github.com/sells-group/crm-research/internal/executor"
	"github.com/sells-group/crm-research/internal/jobstore"
	"github.com/sells-group/crm-research/internal/merge"
	"github.com/sells-group/crm-research/internal/model"
)

type startResearchRequest struct {
	EntityType          string  `json:"entity_type" validate:"required,oneof=organization person rfp"`
	EntityID            string  `json:"entity_id" validate:"required"`
	EntityName          string  `json:"entity_name"`
	IncludeCustomFields bool    `json:"include_custom_fields"`
	AdditionalContext   string  `json:"additional_context"`
	AutoApply           bool    `json:"auto_apply"`
	MergeMode           string  `json:"merge_mode" validate:"omitempty,oneof=fill_empty overwrite"`
	MinConfidence       float64 `json:"min_confidence" validate:"gte=0,lte=1"`
}

// handleStartResearch runs the synchronous research path. Business failures
// come back inside the job record with HTTP 200; only infrastructure faults
// and duplicate conflicts surface as error statuses.
func (s *Server) handleStartResearch(w http.ResponseWriter, r *http.Request) {
	var req startResearchRequest
	if err := s.decodeValid(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request: "+err.Error())
		return
	}

	rec, err := s.exec.RunResearch(r.Context(), executor.ResearchParams{
		Ref: model.EntityRef{
			Type: model.EntityType(req.EntityType),
			ID:   req.EntityID,
			Name: req.EntityName,
		},
		IncludeCustomFields: req.IncludeCustomFields,
		AdditionalContext:   req.AdditionalContext,
		AutoApply:           req.AutoApply,
		Policy:              merge.Policy{Mode: merge.Mode(req.MergeMode), MinConfidence: req.MinConfidence},
	})
	if err != nil {
		s.writeJobError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"job": rec})
}

type startRFPResearchRequest struct {
	AdditionalContext string `json:"additional_context"`
	AutoApply         bool   `json:"auto_apply"`
}

// handleStartRFPResearch starts a background research job for an RFP. A
// second start while one is running returns 409 with the existing job id.
func (s *Server) handleStartRFPResearch(w http.ResponseWriter, r *http.Request) {
	rfpID := chi.URLParam(r, "rfpID")
	if rfpID == "" {
		writeError(w, http.StatusBadRequest, "rfp id is required")
		return
	}

	var req startRFPResearchRequest
	if r.ContentLength != 0 {
		if err := s.decodeValid(r, &req); err != nil {
			writeError(w, http.StatusBadRequest, "invalid request: "+err.Error())
			return
		}
	}

	rec, err := s.exec.StartRFPResearch(r.Context(), executor.ResearchParams{
		Ref:                 model.EntityRef{Type: model.EntityRFP, ID: rfpID},
		IncludeCustomFields: true,
		AdditionalContext:   req.AdditionalContext,
		AutoApply:           req.AutoApply,
	})
	if err != nil {
		s.writeJobError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]any{"job": rec, "status": "started"})
}

// handleListJobs returns job history with filters and pagination.
func (s *Server) handleListJobs(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	f := jobstore.Filter{
		EntityType: model.EntityType(q.Get("entity_type")),
		EntityID:   q.Get("entity_id"),
		Status:     model.JobStatus(q.Get("status")),
		Kind:       model.JobKind(q.Get("kind")),
	}
	f.Limit, _ = strconv.Atoi(q.Get("limit"))
	f.Offset, _ = strconv.Atoi(q.Get("offset"))

	jobs, total, err := s.jobs.List(r.Context(), f)
	if err != nil {
		s.writeJobError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"jobs": jobs,
		"pagination": map[string]int{
			"total":  total,
			"limit":  f.Limit,
			"offset": f.Offset,
		},
	})
}

func (s *Server) handleGetJob(w http.ResponseWriter, r *http.Request) {
	rec, err := s.jobs.Get(r.Context(), chi.URLParam(r, "jobID"))
	if err != nil {
		s.writeJobError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"job": rec})
}

type submitEnrichmentRequest struct {
	PersonID  string `json:"person_id" validate:"required"`
	AutoApply bool   `json:"auto_apply"`
}

// handleSubmitEnrichment submits a contact enrichment job; results arrive
// later by webhook or poll.
func (s *Server) handleSubmitEnrichment(w http.ResponseWriter, r *http.Request) {
	var req submitEnrichmentRequest
	if err := s.decodeValid(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request: "+err.Error())
		return
	}

	rec, err := s.exec.SubmitEnrichment(r.Context(), executor.EnrichmentParams{
		Ref:       model.EntityRef{Type: model.EntityPerson, ID: req.PersonID},
		AutoApply: req.AutoApply,
	})
	if err != nil {
		s.writeJobError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]any{"job": rec})
}

type fieldUpdate struct {
	FieldName string `json:"field_name" validate:"required"`
	IsCustom  bool   `json:"is_custom"`
	Value     any    `json:"value"`
}

type applyEnrichmentRequest struct {
	JobID        string        `json:"job_id" validate:"required"`
	FieldUpdates []fieldUpdate `json:"field_updates" validate:"required,min=1,dive"`
	MergeMode    string        `json:"merge_mode" validate:"omitempty,oneof=fill_empty overwrite"`
}

// handleApplyEnrichment writes caller-selected field updates to the job's
// entity. Null values and, under fill-empty, already-populated fields are
// skipped; the count of fields actually written is returned.
func (s *Server) handleApplyEnrichment(w http.ResponseWriter, r *http.Request) {
	var req applyEnrichmentRequest
	if err := s.decodeValid(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request: "+err.Error())
		return
	}

	rec, err := s.jobs.Get(r.Context(), req.JobID)
	if err != nil {
		s.writeJobError(w, err)
		return
	}

	ref := model.EntityRef{Type: rec.EntityType, ID: rec.EntityID}
	snap, err := s.entities.Snapshot(r.Context(), ref)
	if err != nil {
		s.writeJobError(w, err)
		return
	}

	updates := make([]merge.FieldMapping, 0, len(req.FieldUpdates))
	for _, u := range req.FieldUpdates {
		updates = append(updates, merge.FieldMapping{
			TargetField:    u.FieldName,
			TargetIsCustom: u.IsCustom,
			Value:          u.Value,
			IsNull:         u.Value == nil,
		})
	}
	updates = merge.FilterUpdates(updates, *snap, merge.Policy{Mode: merge.Mode(req.MergeMode)})

	n := 0
	if len(updates) > 0 {
		if n, err = s.entities.ApplyUpdates(r.Context(), ref, updates); err != nil {
			s.writeJobError(w, err)
			return
		}
		if err := s.jobs.IncrementAppliedFields(r.Context(), rec.ID, n); err != nil {
			zap.L().Warn("failed to record applied fields", zap.String("job_id", rec.ID), zap.Error(err))
		}
	}
	writeJSON(w, http.StatusOK, map[string]int{"fields_updated": n})
}

// writeJobError maps store and entity errors onto transport statuses.
func (s *Server) writeJobError(w http.ResponseWriter, err error) {
	var dup *jobstore.DuplicateRunningError
	switch {
	case errors.As(err, &dup):
		writeJSON(w, http.StatusConflict, map[string]string{
			"error":  "a job is already running for this entity",
			"job_id": dup.ExistingJobID,
		})
	case errors.Is(err, jobstore.ErrNotFound):
		writeError(w, http.StatusNotFound, "job not found")
	case errors.Is(err, entity.ErrNotFound):
		writeError(w, http.StatusNotFound, "entity not found")
	case errors.Is(err, executor.ErrWorkersBusy):
		writeError(w, http.StatusServiceUnavailable, "background workers are busy, retry later")
	default:
		zap.L().Error("request failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "internal error")
	}
}
