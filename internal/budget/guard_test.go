package budget

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type memLedger struct {
	total int64
	adds  []int64
}

func (m *memLedger) AddUsage(ctx context.Context, projectID string, tokens int64) error {
	m.adds = append(m.adds, tokens)
	m.total += tokens
	return nil
}

func (m *memLedger) UsageSince(ctx context.Context, projectID string, since time.Time) (int64, error) {
	return m.total, nil
}

func TestGuardDisabledWithoutLimit(t *testing.T) {
	g := NewGuard(Config{ProjectID: "p"}, &memLedger{total: 1 << 40})
	assert.NoError(t, g.Allow(context.Background(), 1_000_000))
}

func TestGuardAllowsWithinBudget(t *testing.T) {
	g := NewGuard(Config{ProjectID: "p", MaxTokens: 10_000}, &memLedger{total: 4_000})
	assert.NoError(t, g.Allow(context.Background(), 4_000))
}

func TestGuardRejectsWhenExhausted(t *testing.T) {
	g := NewGuard(Config{ProjectID: "p", MaxTokens: 10_000}, &memLedger{total: 9_000})

	err := g.Allow(context.Background(), 4_000)
	require.Error(t, err)

	var ex *ExhaustedError
	require.ErrorAs(t, err, &ex)
	assert.Equal(t, int64(9_000), ex.Used)
	assert.Equal(t, int64(10_000), ex.Limit)
}

func TestGuardCountsLocalConsumptionBetweenRefreshes(t *testing.T) {
	ledger := &memLedger{}
	g := NewGuard(Config{ProjectID: "p", MaxTokens: 5_000, RefreshInterval: time.Hour}, ledger)

	// Pin the clock so the ledger is read once and then only local pending
	// counts matter.
	now := time.Now()
	g.nowFunc = func() time.Time { return now }

	require.NoError(t, g.Allow(context.Background(), 1_000))
	require.NoError(t, g.Consume(context.Background(), 3_000))
	require.NoError(t, g.Consume(context.Background(), 1_500))

	err := g.Allow(context.Background(), 1_000)
	require.Error(t, err)

	var ex *ExhaustedError
	require.ErrorAs(t, err, &ex)
	assert.Equal(t, int64(4_500), ex.Used)
	assert.Equal(t, []int64{3_000, 1_500}, ledger.adds)
}

func TestGuardRefreshRereadsLedger(t *testing.T) {
	ledger := &memLedger{}
	g := NewGuard(Config{ProjectID: "p", MaxTokens: 5_000, RefreshInterval: time.Minute}, ledger)

	now := time.Now()
	g.nowFunc = func() time.Time { return now }
	require.NoError(t, g.Allow(context.Background(), 100))

	// Another process spends most of the budget; visible after the refresh
	// interval elapses.
	ledger.total = 4_950
	now = now.Add(2 * time.Minute)

	err := g.Allow(context.Background(), 100)
	require.Error(t, err)
}

func TestGuardConsumeIgnoresNonPositive(t *testing.T) {
	ledger := &memLedger{}
	g := NewGuard(Config{ProjectID: "p", MaxTokens: 100}, ledger)
	require.NoError(t, g.Consume(context.Background(), 0))
	require.NoError(t, g.Consume(context.Background(), -5))
	assert.Empty(t, ledger.adds)
}
