// Package budget enforces a shared token budget across research campaigns.
// The guard is an explicit injected object, not a package singleton: its
// source of truth is the store's usage ledger, so concurrent campaigns in
// separate processes converge on one view.
package budget

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// Ledger is the persistence the guard reads and writes. The job store
// implements it.
type Ledger interface {
	AddUsage(ctx context.Context, projectID string, tokens int64) error
	UsageSince(ctx context.Context, projectID string, since time.Time) (int64, error)
}

// ExhaustedError reports a budget check rejection.
type ExhaustedError struct {
	ProjectID string
	Used      int64
	Limit     int64
}

func (e *ExhaustedError) Error() string {
	return fmt.Sprintf("budget: project %s used %d of %d tokens", e.ProjectID, e.Used, e.Limit)
}

// Config controls one guard instance.
type Config struct {
	ProjectID string

	// MaxTokens is the rolling-window token budget. Zero disables the guard.
	MaxTokens int64

	// Window is the rolling budget window. Default: 24h.
	Window time.Duration

	// RefreshInterval bounds how stale the cached ledger total may be
	// between re-reads. Default: 5s.
	RefreshInterval time.Duration
}

// Guard gates external calls on the remaining token budget. It must be
// consulted before every provider call, not once per campaign, since budget
// can be exhausted mid-run by concurrent campaigns.
type Guard struct {
	cfg    Config
	ledger Ledger

	mu          sync.Mutex
	cachedTotal int64
	pending     int64 // tokens consumed locally since the last ledger read
	lastRefresh time.Time

	nowFunc func() time.Time
}

// NewGuard creates a budget guard over the given ledger.
func NewGuard(cfg Config, ledger Ledger) *Guard {
	if cfg.Window <= 0 {
		cfg.Window = 24 * time.Hour
	}
	if cfg.RefreshInterval <= 0 {
		cfg.RefreshInterval = 5 * time.Second
	}
	return &Guard{cfg: cfg, ledger: ledger, nowFunc: time.Now}
}

// Allow checks whether an external call expected to cost estTokens may
// proceed. Returns an ExhaustedError when the budget is spent.
func (g *Guard) Allow(ctx context.Context, estTokens int64) error {
	if g.cfg.MaxTokens <= 0 {
		return nil
	}

	g.mu.Lock()
	defer g.mu.Unlock()

	now := g.nowFunc()
	if now.Sub(g.lastRefresh) >= g.cfg.RefreshInterval {
		total, err := g.ledger.UsageSince(ctx, g.cfg.ProjectID, now.Add(-g.cfg.Window))
		if err != nil {
			return err
		}
		g.cachedTotal = total
		g.pending = 0
		g.lastRefresh = now
	}

	used := g.cachedTotal + g.pending
	if used+estTokens > g.cfg.MaxTokens {
		return &ExhaustedError{ProjectID: g.cfg.ProjectID, Used: used, Limit: g.cfg.MaxTokens}
	}
	return nil
}

// Consume records actual token usage after a call completes.
func (g *Guard) Consume(ctx context.Context, tokens int64) error {
	if tokens <= 0 {
		return nil
	}

	g.mu.Lock()
	g.pending += tokens
	g.mu.Unlock()

	return g.ledger.AddUsage(ctx, g.cfg.ProjectID, tokens)
}
