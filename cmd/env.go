package main

import (
	"context"
	"os"
	"time"

	"github.com/k-capehart/go-salesforce/v3"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/crm-research/internal/adapter"
	"github.com/sells-group/crm-research/internal/budget"
	"github.com/sells-group/crm-research/internal/entity"
	"github.com/sells-group/crm-research/internal/executor"
	"github.com/sells-group/crm-research/internal/jobstore"
	anthropicpkg "github.com/sells-group/crm-research/pkg/anthropic"
	"github.com/sells-group/crm-research/pkg/contactforge"
	sfpkg "github.com/sells-group/crm-research/pkg/salesforce"
)

// jobEnv bundles the wired job subsystem for a command's lifetime.
type jobEnv struct {
	Jobs     jobstore.Store
	Entities entity.Store
	Exec     *executor.Executor
	Guard    *budget.Guard
}

// Close drains background jobs and releases the store.
func (e *jobEnv) Close() {
	e.Exec.Wait()
	if err := e.Jobs.Close(); err != nil {
		zap.L().Warn("failed to close job store", zap.Error(err))
	}
}

// initJobStore opens the configured database backend.
func initJobStore(ctx context.Context) (jobstore.Store, error) {
	switch cfg.Store.Driver {
	case "sqlite":
		dsn := cfg.Store.DatabaseURL
		if dsn == "" {
			dsn = "research.db"
		}
		return jobstore.NewSQLite(dsn)
	case "postgres":
		return jobstore.NewPostgres(ctx, cfg.Store.DatabaseURL)
	default:
		return nil, eris.Errorf("unsupported store driver: %s", cfg.Store.Driver)
	}
}

// initEntityStore connects to Salesforce when credentials are configured,
// else falls back to the in-memory store for local runs.
func initEntityStore() (entity.Store, error) {
	if cfg.Salesforce.ClientID == "" {
		zap.L().Warn("salesforce not configured, using in-memory entity store")
		return entity.NewMemory(), nil
	}

	pemData, err := os.ReadFile(cfg.Salesforce.KeyPath)
	if err != nil {
		return nil, eris.Wrap(err, "read salesforce JWT private key")
	}

	sf, err := salesforce.Init(salesforce.Creds{
		Domain:         cfg.Salesforce.LoginURL,
		Username:       cfg.Salesforce.Username,
		ConsumerKey:    cfg.Salesforce.ClientID,
		ConsumerRSAPem: string(pemData),
	})
	if err != nil {
		return nil, eris.Wrap(err, "init salesforce")
	}

	client := sfpkg.NewClient(sf, sfpkg.WithRateLimit(cfg.Salesforce.RequestsPerSec))
	return entity.NewSalesforce(client, nil), nil
}

// initJobEnv sets up the store, provider clients, budget guard, and
// executor. Callers should defer env.Close().
func initJobEnv(ctx context.Context) (*jobEnv, error) {
	jobs, err := initJobStore(ctx)
	if err != nil {
		return nil, err
	}

	if err := jobs.Migrate(ctx); err != nil {
		_ = jobs.Close()
		return nil, eris.Wrap(err, "migrate job store")
	}

	entities, err := initEntityStore()
	if err != nil {
		_ = jobs.Close()
		return nil, err
	}

	research := adapter.NewResearchAdapter(
		anthropicpkg.NewClient(cfg.Anthropic.Key),
		cfg.Anthropic.Model,
		int64(cfg.Anthropic.MaxTokens),
		time.Duration(cfg.Anthropic.TimeoutSecs)*time.Second,
	)

	cfClient := contactforge.NewClient(cfg.ContactForge.Key, contactforge.WithBaseURL(cfg.ContactForge.BaseURL))
	enrich := adapter.NewEnrichmentAdapter(cfClient, cfg.ContactForge.WebhookURL,
		time.Duration(cfg.ContactForge.TimeoutSecs)*time.Second)

	var guard *budget.Guard
	if cfg.Budget.MaxTokens > 0 {
		guard = budget.NewGuard(budget.Config{
			ProjectID: cfg.Budget.ProjectID,
			MaxTokens: cfg.Budget.MaxTokens,
			Window:    time.Duration(cfg.Budget.WindowHours) * time.Hour,
		}, jobs)
		zap.L().Info("token budget enabled",
			zap.String("project", cfg.Budget.ProjectID),
			zap.Int64("max_tokens", cfg.Budget.MaxTokens),
		)
	}

	var rates map[string]budget.ModelRate
	if len(cfg.Pricing.Anthropic) > 0 {
		rates = make(map[string]budget.ModelRate, len(cfg.Pricing.Anthropic))
		for name, p := range cfg.Pricing.Anthropic {
			rates[name] = budget.ModelRate{
				Input:         p.Input,
				Output:        p.Output,
				CacheWriteMul: p.CacheWriteMul,
				CacheReadMul:  p.CacheReadMul,
			}
		}
	}

	exec := executor.New(executor.Config{
		ProjectID:         cfg.Budget.ProjectID,
		BackgroundWorkers: cfg.Jobs.BackgroundWorkers,
		PricingRates:      rates,
	}, jobs, entities, research, enrich, guard)

	return &jobEnv{Jobs: jobs, Entities: entities, Exec: exec, Guard: guard}, nil
}
