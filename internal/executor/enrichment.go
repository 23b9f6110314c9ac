package executor

import (
	"context"
	"encoding/json"
	"errors"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/crm-research/internal/adapter"
	"github.com/sells-group/crm-research/internal/jobstore"
	"github.com/sells-group/crm-research/internal/merge"
	"github.com/sells-group/crm-research/internal/model"
)

// EnrichmentParams are the inputs for one contact enrichment job.
type EnrichmentParams struct {
	Ref       model.EntityRef
	AutoApply bool
	Policy    merge.Policy
	CreatedBy string
}

// SubmitEnrichment creates a pending job, submits the person to the contact
// discovery provider, and transitions the record to running once the
// provider acknowledges. Submit failures terminate the record as failed and
// return it with a nil error.
func (e *Executor) SubmitEnrichment(ctx context.Context, p EnrichmentParams) (*model.JobRecord, error) {
	if p.Ref.Type != model.EntityPerson {
		return nil, eris.Errorf("executor: enrichment requires a person entity, got %q", p.Ref.Type)
	}

	snap, err := e.entities.Snapshot(ctx, p.Ref)
	if err != nil {
		return nil, eris.Wrap(err, "executor: enrichment snapshot")
	}

	payload, _ := json.Marshal(map[string]any{
		"auto_apply": p.AutoApply,
	})

	rec, err := e.jobs.Create(ctx, jobstore.CreateParams{
		ProjectID:      e.cfg.ProjectID,
		EntityType:     model.EntityPerson,
		EntityID:       p.Ref.ID,
		Kind:           model.JobKindEnrichment,
		Status:         model.JobStatusPending,
		RequestPayload: payload,
		CreatedBy:      p.CreatedBy,
	})
	if err != nil {
		return nil, err
	}

	hint := hintFromSnapshot(snap, model.Correlation{PersonID: p.Ref.ID, JobID: rec.ID})
	providerRef, err := e.enrich.Submit(ctx, []adapter.PersonHint{hint})
	if err != nil {
		return e.failJob(ctx, rec.ID, err)
	}

	if err := e.jobs.SetProviderRef(ctx, rec.ID, providerRef); err != nil {
		return nil, err
	}
	if err := e.jobs.MarkRunning(ctx, rec.ID); err != nil {
		return nil, err
	}
	return e.jobs.Get(ctx, rec.ID)
}

// hintFromSnapshot lifts the person's known identity fields into discovery
// search hints.
func hintFromSnapshot(snap *model.EntitySnapshot, corr model.Correlation) adapter.PersonHint {
	str := func(name string) string {
		v, ok := snap.FieldValue(name, false)
		if !ok {
			return ""
		}
		s, _ := v.(string)
		return s
	}
	h := adapter.PersonHint{
		Correlation: corr,
		FullName:    snap.Ref.Name,
		Company:     str("company"),
		LinkedInURL: str("linkedin_url"),
		EmailHint:   str("email"),
	}
	if h.FullName == "" {
		h.FullName = str("name")
	}
	return h
}

// HandleDelivery ingests a normalized provider delivery (webhook or poll)
// and terminates the matching job records. Each result is matched to its
// job by the echoed correlation payload, never by ordering. Deliveries for
// already-terminal jobs are ignored.
func (e *Executor) HandleDelivery(ctx context.Context, d *adapter.Delivery) error {
	if d == nil {
		return eris.New("executor: nil delivery")
	}
	if !d.Status.Terminal() {
		return nil
	}

	if d.Status == model.JobStatusFailed {
		return e.failDeliveryJobs(ctx, d)
	}

	var firstErr error
	for _, res := range d.Results {
		if err := e.completeEnrichment(ctx, res); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// failDeliveryJobs marks every job tied to a failed provider delivery.
func (e *Executor) failDeliveryJobs(ctx context.Context, d *adapter.Delivery) error {
	msg := "enrichment provider reported failure"
	if d.Failure != nil {
		msg = d.Failure.Error()
	}

	rec, err := e.jobs.FindByProviderRef(ctx, d.ProviderJobID)
	if err != nil {
		if errors.Is(err, jobstore.ErrNotFound) {
			zap.L().Warn("delivery for unknown provider job", zap.String("provider_ref", d.ProviderJobID))
			return nil
		}
		return err
	}
	if err := e.jobs.MarkFailed(ctx, rec.ID, msg); err != nil && !errors.Is(err, jobstore.ErrTerminal) {
		return err
	}
	return nil
}

// completeEnrichment writes one correlated contact result to its job and
// auto-applies it when the originating request asked for that.
func (e *Executor) completeEnrichment(ctx context.Context, res model.ContactResult) error {
	rec, err := e.jobs.Get(ctx, res.Correlation.JobID)
	if err != nil {
		if errors.Is(err, jobstore.ErrNotFound) {
			zap.L().Warn("contact result for unknown job",
				zap.String("job_id", res.Correlation.JobID),
				zap.String("person_id", res.Correlation.PersonID),
			)
			return nil
		}
		return err
	}
	if rec.EntityID != res.Correlation.PersonID {
		zap.L().Warn("contact result correlation mismatch",
			zap.String("job_id", rec.ID),
			zap.String("expected_person", rec.EntityID),
			zap.String("got_person", res.Correlation.PersonID),
		)
		return nil
	}

	result := &model.CanonicalResult{Contact: &res}
	if err := e.jobs.MarkCompleted(ctx, rec.ID, result, "", 0); err != nil {
		if errors.Is(err, jobstore.ErrTerminal) {
			return nil
		}
		return err
	}

	var req struct {
		AutoApply bool `json:"auto_apply"`
	}
	_ = json.Unmarshal(rec.RequestPayload, &req)
	if req.AutoApply {
		ref := model.EntityRef{Type: model.EntityPerson, ID: rec.EntityID}
		if _, aerr := e.Apply(ctx, rec.ID, result, ref, merge.Policy{Mode: merge.ModeFillEmpty}); aerr != nil {
			zap.L().Error("auto-apply of contact result failed", zap.String("job_id", rec.ID), zap.Error(aerr))
		}
	}
	return nil
}

// PollEnrichment polls the provider for a running job and ingests any
// terminal delivery. Used as a webhook fallback.
func (e *Executor) PollEnrichment(ctx context.Context, jobID string) (*model.JobRecord, error) {
	rec, err := e.jobs.Get(ctx, jobID)
	if err != nil {
		return nil, err
	}
	if rec.Status.Terminal() || rec.ProviderRef == "" {
		return rec, nil
	}

	d, err := e.enrich.Poll(ctx, rec.ProviderRef)
	if err != nil {
		return nil, err
	}
	if err := e.HandleDelivery(ctx, d); err != nil {
		return nil, err
	}
	return e.jobs.Get(ctx, jobID)
}
