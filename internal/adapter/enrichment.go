package adapter

import (
	"context"
	"time"

	"github.com/sells-group/crm-research/internal/model"
	"github.com/sells-group/crm-research/pkg/contactforge"
)

// Correlation map keys echoed through the provider's opaque custom payload.
const (
	corrKeyPersonID = "person_id"
	corrKeyJobID    = "job_id"
)

// PersonHint is one person-shaped search input for contact discovery.
type PersonHint struct {
	Correlation model.Correlation
	FullName    string
	Company     string
	Domain      string
	LinkedInURL string
	EmailHint   string
}

// Delivery is a normalized poll/webhook payload from the discovery provider.
type Delivery struct {
	ProviderJobID string
	Status        model.JobStatus
	Results       []model.ContactResult
	Failure       *Error
	CreditsUsed   int
}

// EnrichmentAdapter wraps the asynchronous contact discovery service.
type EnrichmentAdapter struct {
	cf         contactforge.Client
	webhookURL string
	timeout    time.Duration
}

// NewEnrichmentAdapter creates an enrichment adapter. webhookURL, when set,
// is passed to the provider so results arrive by callback as well as poll.
func NewEnrichmentAdapter(cf contactforge.Client, webhookURL string, timeout time.Duration) *EnrichmentAdapter {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &EnrichmentAdapter{cf: cf, webhookURL: webhookURL, timeout: timeout}
}

// Submit sends discovery hints to the provider and returns its job id. Each
// hint must carry a valid correlation payload: the provider echoes it back
// and result matching keys off it, never response ordering.
func (a *EnrichmentAdapter) Submit(ctx context.Context, hints []PersonHint) (string, error) {
	if len(hints) == 0 {
		return "", NewError(KindSchemaInvalid, "no search hints provided")
	}

	queries := make([]contactforge.PersonQuery, 0, len(hints))
	for _, h := range hints {
		if !h.Correlation.Validate() {
			return "", NewError(KindSchemaInvalid, "search hint missing correlation payload")
		}
		queries = append(queries, contactforge.PersonQuery{
			FullName:    h.FullName,
			Company:     h.Company,
			Domain:      h.Domain,
			LinkedInURL: h.LinkedInURL,
			EmailHint:   h.EmailHint,
			Custom: map[string]string{
				corrKeyPersonID: h.Correlation.PersonID,
				corrKeyJobID:    h.Correlation.JobID,
			},
		})
	}

	callCtx, cancel := context.WithTimeout(ctx, a.timeout)
	defer cancel()

	resp, err := a.cf.Submit(callCtx, contactforge.SubmitRequest{
		Queries:    queries,
		WebhookURL: a.webhookURL,
	})
	if err != nil {
		return "", Classify(err)
	}
	return resp.JobID, nil
}

// Poll fetches and normalizes the current state of a provider job.
func (a *EnrichmentAdapter) Poll(ctx context.Context, providerJobID string) (*Delivery, error) {
	callCtx, cancel := context.WithTimeout(ctx, a.timeout)
	defer cancel()

	env, err := a.cf.GetResult(callCtx, providerJobID)
	if err != nil {
		return nil, Classify(err)
	}
	return ParseEnvelope(env)
}

// ParseEnvelope normalizes a provider poll/webhook envelope into canonical
// shape, mapping the provider's top-level status onto the job lifecycle.
func ParseEnvelope(env *contactforge.ResultEnvelope) (*Delivery, error) {
	if env == nil {
		return nil, NewError(KindSchemaInvalid, "empty provider envelope")
	}

	d := &Delivery{ProviderJobID: env.JobID, CreditsUsed: env.CreditsUsed}

	switch env.Status {
	case contactforge.StatusFinished:
		d.Status = model.JobStatusCompleted
	case contactforge.StatusCreated, contactforge.StatusInProgress:
		d.Status = model.JobStatusRunning
		return d, nil
	case contactforge.StatusCanceled:
		d.Status = model.JobStatusFailed
		d.Failure = NewError(KindCanceled, providerMessage(env, "provider canceled the job"))
		return d, nil
	case contactforge.StatusCreditsInsufficient:
		d.Status = model.JobStatusFailed
		d.Failure = NewError(KindInsufficientCredits, providerMessage(env, "provider credits exhausted"))
		return d, nil
	case contactforge.StatusRateLimit:
		d.Status = model.JobStatusFailed
		d.Failure = NewError(KindRateLimited, providerMessage(env, "provider rate limit exceeded"))
		return d, nil
	default:
		return nil, NewError(KindSchemaInvalid, "unrecognized provider status "+env.Status)
	}

	for _, rec := range env.Results {
		cr, err := parseRecord(rec)
		if err != nil {
			return nil, err
		}
		d.Results = append(d.Results, cr)
	}
	return d, nil
}

func parseRecord(rec contactforge.PersonRecord) (model.ContactResult, error) {
	corr := model.Correlation{
		PersonID: rec.Custom[corrKeyPersonID],
		JobID:    rec.Custom[corrKeyJobID],
	}
	if !corr.Validate() {
		return model.ContactResult{}, NewError(KindSchemaInvalid, "provider record missing correlation payload")
	}

	emails, bestEmail := mapChannel(rec.Emails)
	phones, bestPhone := mapChannel(rec.Phones)

	return model.ContactResult{
		BestEmail:       bestEmail,
		BestPhone:       bestPhone,
		Emails:          emails,
		Phones:          phones,
		ConfidenceScore: rec.Confidence,
		Correlation:     corr,
	}, nil
}

// mapChannel converts a provider value array into the candidate-list shape,
// selecting the provider's most-probable value when tagged, else the first.
func mapChannel(values []contactforge.WireValue) ([]model.ContactCandidate, string) {
	if len(values) == 0 {
		return nil, ""
	}

	candidates := make([]model.ContactCandidate, 0, len(values))
	best := ""
	for _, v := range values {
		candidates = append(candidates, model.ContactCandidate{
			Value:  v.Value,
			Type:   v.Type,
			Status: v.Status,
		})
		if best == "" && v.MostProbable {
			best = v.Value
		}
	}
	if best == "" {
		best = values[0].Value
	}
	return candidates, best
}

func providerMessage(env *contactforge.ResultEnvelope, fallback string) string {
	if env.Error != "" {
		return env.Error
	}
	return fallback
}
