// Package api exposes the research and enrichment job operations over HTTP.
package api

import (
	"context"
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/go-playground/validator/v10"
	"go.uber.org/zap"

	"github.com/sells-group/crm-research/internal/adapter"
	"github.com/sells-group/crm-research/internal/executor"
	"github.com/sells-group/crm-research/internal/jobstore"
	"github.com/sells-group/crm-research/internal/merge"
	"github.com/sells-group/crm-research/internal/model"
)

// JobService is the executor surface the handlers drive.
type JobService interface {
	RunResearch(ctx context.Context, p executor.ResearchParams) (*model.JobRecord, error)
	StartRFPResearch(ctx context.Context, p executor.ResearchParams) (*model.JobRecord, error)
	SubmitEnrichment(ctx context.Context, p executor.EnrichmentParams) (*model.JobRecord, error)
	HandleDelivery(ctx context.Context, d *adapter.Delivery) error
}

// EntityReader is the entity-store surface needed for explicit applies.
type EntityReader interface {
	Snapshot(ctx context.Context, ref model.EntityRef) (*model.EntitySnapshot, error)
	ApplyUpdates(ctx context.Context, ref model.EntityRef, updates []merge.FieldMapping) (int, error)
}

// Server hosts the job API.
type Server struct {
	exec          JobService
	jobs          jobstore.Store
	entities      EntityReader
	webhookSecret string
	validate      *validator.Validate
}

// NewServer creates the API server. webhookSecret, when empty, disables
// signature verification on the enrichment webhook.
func NewServer(exec JobService, jobs jobstore.Store, entities EntityReader, webhookSecret string) *Server {
	return &Server{
		exec:          exec,
		jobs:          jobs,
		entities:      entities,
		webhookSecret: webhookSecret,
		validate:      validator.New(validator.WithRequiredStructEnabled()),
	}
}

// Router builds the HTTP routing table.
func (s *Server) Router() chi.Router {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: []string{"*"},
		AllowedMethods: []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders: []string{"Content-Type", "Authorization", "X-Signature-256"},
	}))

	r.Get("/health", s.handleHealth)

	r.Route("/api", func(r chi.Router) {
		r.Post("/research/jobs", s.handleStartResearch)
		r.Get("/research/jobs", s.handleListJobs)
		r.Get("/research/jobs/{jobID}", s.handleGetJob)
		r.Post("/rfps/{rfpID}/research", s.handleStartRFPResearch)
		r.Post("/enrichment/jobs", s.handleSubmitEnrichment)
		r.Post("/enrichment/apply", s.handleApplyEnrichment)
	})

	r.Post("/webhooks/enrichment", s.handleEnrichmentWebhook)

	return r
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// writeJSON sends a JSON response body.
func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		zap.L().Error("failed to write response", zap.Error(err))
	}
}

// writeError sends a JSON error body.
func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

// decodeValid decodes and validates a JSON request body.
func (s *Server) decodeValid(r *http.Request, dst any) error {
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		return err
	}
	return s.validate.Struct(dst)
}
