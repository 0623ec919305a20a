package policy_test

import (
	"testing"

	"aegis/pkg/models"
	"aegis/pkg/policy"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSeverityScore(t *testing.T) {
	assert.Equal(t, 90, policy.SeverityScore(models.PolicyDeviceSecurity, models.EnforcementBlock))
	assert.Equal(t, 64, policy.SeverityScore(models.PolicyTransactionLimit, models.EnforcementRequireMFA))
	assert.Equal(t, 36, policy.SeverityScore(models.PolicyTimeRestriction, models.EnforcementWarn))
	assert.Equal(t, 34, policy.SeverityScore(models.PolicyRiskAssessment, models.EnforcementNotify))
	assert.Equal(t, 25, policy.SeverityScore("OTHER", "OTHER"))
}

func TestRiskScore(t *testing.T) {
	assert.Equal(t, 40, policy.RiskScore(40, nil))
	details := map[string]any{
		"riskFactors":        map[string]any{"isLocationChanged": true},
		"transactionContext": map[string]any{"amountRange": "high", "beneficiaryType": "NEW"},
	}
	assert.Equal(t, 85, policy.RiskScore(40, details))
	details["riskFactors"] = map[string]any{"isDeviceChanged": "true", "isDormantAccount": true}
	assert.Equal(t, 100, policy.RiskScore(40, details))
}

func TestViolations(t *testing.T) {
	e := policy.NewEngine(policy.NewMemorySource(policy.Seed("uco-bank", seededAt)...))
	details := map[string]any{"transaction": map[string]any{"amount": 700000}}
	d, err := e.Evaluate(testContext(t), "uco-bank", details)
	require.NoError(t, err)

	vs := policy.Violations(d, "dev_1", "uco-bank", details)
	require.Len(t, vs, 1)
	assert.Equal(t, 80, vs[0].SeverityScore)
	assert.Equal(t, 80, vs[0].RiskScore)
	assert.Equal(t, models.EnforcementBlock, vs[0].ActionTaken)
	assert.Equal(t, "700000", vs[0].RequestDetails["transaction.amount"])
}

func TestSeedShape(t *testing.T) {
	ps := policy.Seed("uco-bank", seededAt)
	require.Len(t, ps, 5)
	rules := 0
	for _, p := range ps {
		assert.True(t, p.IsActive)
		assert.Equal(t, "uco-bank", p.ClientID)
		for _, r := range p.Rules {
			assert.Equal(t, p.ID, r.PolicyID)
			rules++
		}
	}
	assert.Equal(t, 9, rules)
}
