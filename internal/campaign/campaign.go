// Package campaign runs a research job across many entities sequentially,
// pacing requests and tolerating per-target failures.
package campaign

import (
	"context"
	"errors"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/crm-research/internal/executor"
	"github.com/sells-group/crm-research/internal/merge"
	"github.com/sells-group/crm-research/internal/model"
)

// Status is the terminal state of a campaign run.
type Status string

const (
	StatusCompleted Status = "completed"
	StatusCancelled Status = "cancelled"
)

// Runner executes one research job; satisfied by the executor.
type Runner interface {
	RunResearch(ctx context.Context, p executor.ResearchParams) (*model.JobRecord, error)
}

// Target is one entity in a campaign.
type Target struct {
	Ref model.EntityRef
}

// Progress reports one finished target to the caller, with running totals
// over the targets processed so far.
type Progress struct {
	Index     int
	Total     int
	Completed int
	Failed    int
	Target    Target
	Record    *model.JobRecord
	Err       error
}

// Failure records why one target did not produce a completed job.
type Failure struct {
	EntityID string `json:"entity_id"`
	Name     string `json:"name,omitempty"`
	Reason   string `json:"reason"`
}

// Summary is the aggregate outcome of a campaign run.
type Summary struct {
	Status        Status    `json:"status"`
	Attempted     int       `json:"attempted"`
	Succeeded     int       `json:"succeeded"`
	Failed        int       `json:"failed"`
	FieldsUpdated int       `json:"fields_updated"`
	Failures      []Failure `json:"failures,omitempty"`
	StartedAt     time.Time `json:"started_at"`
	FinishedAt    time.Time `json:"finished_at"`
}

// Config tunes one campaign run.
type Config struct {
	// Delay between consecutive targets. Default: 500ms.
	Delay time.Duration

	IncludeCustomFields bool
	AdditionalContext   string
	AutoApply           bool
	Policy              merge.Policy
	CreatedBy           string

	// OnProgress, when set, is invoked after each target finishes.
	OnProgress func(Progress)
}

// Orchestrator runs campaigns against a job runner.
type Orchestrator struct {
	runner Runner
	cfg    Config
}

// New creates an orchestrator.
func New(runner Runner, cfg Config) *Orchestrator {
	if cfg.Delay <= 0 {
		cfg.Delay = 500 * time.Millisecond
	}
	return &Orchestrator{runner: runner, cfg: cfg}
}

// Run processes targets one at a time. A target whose job fails counts
// toward Failed and the campaign moves on; only context cancellation stops
// the run early, checked between targets so completed jobs keep their
// results. The summary is returned for both terminal statuses.
func (o *Orchestrator) Run(ctx context.Context, targets []Target) (*Summary, error) {
	if len(targets) == 0 {
		return nil, eris.New("campaign: no targets")
	}

	sum := &Summary{Status: StatusCompleted, StartedAt: time.Now().UTC()}
	defer func() { sum.FinishedAt = time.Now().UTC() }()

	for i, t := range targets {
		if ctx.Err() != nil {
			sum.Status = StatusCancelled
			break
		}
		if i > 0 {
			if !o.pause(ctx) {
				sum.Status = StatusCancelled
				break
			}
		}

		sum.Attempted++
		rec, err := o.runner.RunResearch(ctx, executor.ResearchParams{
			Ref:                 t.Ref,
			IncludeCustomFields: o.cfg.IncludeCustomFields,
			AdditionalContext:   o.cfg.AdditionalContext,
			AutoApply:           o.cfg.AutoApply,
			Policy:              o.cfg.Policy,
			CreatedBy:           o.cfg.CreatedBy,
		})
		o.tally(sum, t, rec, err)

		if o.cfg.OnProgress != nil {
			o.cfg.OnProgress(Progress{
				Index:     i,
				Total:     len(targets),
				Completed: sum.Succeeded,
				Failed:    sum.Failed,
				Target:    t,
				Record:    rec,
				Err:       err,
			})
		}
		if err != nil && errors.Is(err, context.Canceled) {
			sum.Status = StatusCancelled
			break
		}
	}

	zap.L().Info("campaign finished",
		zap.String("status", string(sum.Status)),
		zap.Int("attempted", sum.Attempted),
		zap.Int("succeeded", sum.Succeeded),
		zap.Int("failed", sum.Failed),
		zap.Int("fields_updated", sum.FieldsUpdated),
	)
	return sum, nil
}

func (o *Orchestrator) tally(sum *Summary, t Target, rec *model.JobRecord, err error) {
	switch {
	case err != nil:
		sum.Failed++
		sum.Failures = append(sum.Failures, Failure{EntityID: t.Ref.ID, Name: t.Ref.Name, Reason: err.Error()})
	case rec.Status == model.JobStatusCompleted:
		sum.Succeeded++
		sum.FieldsUpdated += rec.AppliedFields
	default:
		sum.Failed++
		sum.Failures = append(sum.Failures, Failure{EntityID: t.Ref.ID, Name: t.Ref.Name, Reason: rec.Error})
	}
}

// pause waits the inter-target delay, returning false if the run was
// cancelled while waiting.
func (o *Orchestrator) pause(ctx context.Context) bool {
	timer := time.NewTimer(o.cfg.Delay)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}
