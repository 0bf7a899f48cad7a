package governor

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/coderelay/coderelay/pkg/config"
)

func testCostConfig() config.CostConfig {
	return config.CostConfig{
		SessionLimitUSD:      5,
		DailyLimitUSD:        10,
		WarningFraction:      0.8,
		PerThousandTokensUSD: 0.01,
	}
}

func TestAdmitAtBoundary(t *testing.T) {
	tr := NewCostTracker(testCostConfig())

	// $4.99 on the session ledger accepts a $0.01 projection; $5.00 rejects.
	tr.Charge(4.99) // session total 4.99
	require.NoError(t, tr.Admit(0.01))

	tr.Charge(0.01) // session total 5.00, at the limit
	err := tr.Admit(0.01)
	require.Error(t, err)
	var costErr *CostLimitError
	require.ErrorAs(t, err, &costErr)
	assert.Equal(t, "session", costErr.Ledger)
	assert.Equal(t, 5.0, costErr.Limit)
}

func TestAdmitDailyLedger(t *testing.T) {
	cfg := testCostConfig()
	cfg.SessionLimitUSD = 0 // session check disabled
	tr := NewCostTracker(cfg)

	tr.Charge(9.99)
	require.NoError(t, tr.Admit(0.01))
	tr.Charge(0.01)

	err := tr.Admit(0.01)
	var costErr *CostLimitError
	require.ErrorAs(t, err, &costErr)
	assert.Equal(t, "daily", costErr.Ledger)
}

func TestChargeWarningFiresOnce(t *testing.T) {
	tr := NewCostTracker(testCostConfig())

	warnings := tr.Charge(3.99) // below 0.8 × 5 = 4.00
	assert.Empty(t, warnings)

	warnings = tr.Charge(0.01) // crosses 4.00
	require.Len(t, warnings, 1)
	assert.Equal(t, "session", warnings[0].Ledger)
	assert.Equal(t, 4.0, warnings[0].Total)

	warnings = tr.Charge(0.10) // already warned
	assert.Empty(t, warnings)
}

func TestChargeDailyWarningIndependent(t *testing.T) {
	cfg := testCostConfig()
	cfg.SessionLimitUSD = 100
	tr := NewCostTracker(cfg)

	warnings := tr.Charge(8.00) // 0.8 × 10 daily threshold
	require.Len(t, warnings, 1)
	assert.Equal(t, "daily", warnings[0].Ledger)
}

func TestDailyLedgerRollsOverAtMidnightUTC(t *testing.T) {
	tr := NewCostTracker(testCostConfig())
	now := time.Date(2024, 6, 1, 23, 0, 0, 0, time.UTC)
	tr.now = func() time.Time { return now }

	tr.Charge(3)
	assert.Equal(t, 3.0, tr.Snapshot().DailyTotalUSD)

	// Next UTC day: a fresh ledger; the context ledger is untouched.
	now = time.Date(2024, 6, 2, 0, 30, 0, 0, time.UTC)
	assert.Equal(t, 0.0, tr.Snapshot().DailyTotalUSD)
	assert.Equal(t, 3.0, tr.Snapshot().ContextTotalUSD)
}

func TestCostForTokens(t *testing.T) {
	tr := NewCostTracker(testCostConfig())
	assert.Equal(t, 0.2, tr.CostForTokens(20000))
	assert.Equal(t, 0.0, tr.CostForTokens(0))

	unpriced := NewCostTracker(config.CostConfig{SessionLimitUSD: 5, DailyLimitUSD: 10, WarningFraction: 0.8})
	assert.Equal(t, 0.0, unpriced.CostForTokens(20000))
}

func TestResetContext(t *testing.T) {
	tr := NewCostTracker(testCostConfig())
	tr.Charge(4.50)
	tr.ResetContext()

	snap := tr.Snapshot()
	assert.Equal(t, 0.0, snap.ContextTotalUSD)
	assert.Equal(t, 4.5, snap.DailyTotalUSD)

	// Warning latch resets with the ledger. The same charge takes the daily
	// ledger to $8.50, past its own 0.8 × $10 threshold, so it warns too.
	warnings := tr.Charge(4.00)
	require.Len(t, warnings, 2)
	assert.Equal(t, "session", warnings[0].Ledger)
	assert.Equal(t, "daily", warnings[1].Ledger)
}

func TestChargeRoundsToCents(t *testing.T) {
	tr := NewCostTracker(testCostConfig())
	tr.Charge(0.001)
	tr.Charge(0.004)
	assert.Equal(t, 0.0, tr.Snapshot().ContextTotalUSD)
	tr.Charge(0.005)
	assert.Equal(t, 0.01, tr.Snapshot().ContextTotalUSD)
}
