package models

import (
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNormalizeEnvironment(t *testing.T) {
	tests := []struct {
		in   string
		want Environment
	}{
		{"prod", EnvProd},
		{"production", EnvProd},
		{"prd", EnvProd},
		{"live", EnvProd},
		{"staging", EnvNonprod},
		{"dev", EnvNonprod},
		{"", EnvNonprod},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			assert.Equal(t, tt.want, NormalizeEnvironment(tt.in))
		})
	}
}

func TestModeMatrixResolve(t *testing.T) {
	matrix := ModeMatrix{
		Default: ModeSoft,
		Sources: map[string]SourceModes{
			"terraform": {
				Default: ModeHard,
				Environments: map[string]EnforcementMode{
					"nonprod": ModeShadow,
				},
			},
			"cloud_event": {},
		},
	}

	tests := []struct {
		name   string
		source Source
		env    Environment
		want   EnforcementMode
	}{
		{"exact environment override", SourceTerraform, EnvNonprod, ModeShadow},
		{"source default", SourceTerraform, EnvProd, ModeHard},
		{"empty source entry falls to global", SourceCloudEvent, EnvProd, ModeSoft},
		{"unknown source falls to global", SourceK8sAdmission, EnvNonprod, ModeSoft},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, matrix.Resolve(tt.source, tt.env))
		})
	}

	t.Run("empty matrix defaults to hard", func(t *testing.T) {
		assert.Equal(t, ModeHard, ModeMatrix{}.Resolve(SourceTerraform, EnvProd))
	})
}

func TestRiskScoringClassify(t *testing.T) {
	scoring := DefaultRiskScoring()

	tests := []struct {
		name     string
		action   string
		metadata map[string]string
		want     RiskClass
	}{
		{"no signals", "scale", nil, RiskLow},
		{"medium from resource type", "scale", map[string]string{"resource_type": "network"}, RiskMedium},
		{"high from criticality", "delete", map[string]string{"criticality": "high"}, RiskHigh},
		{"critical stacks action and metadata", "delete", map[string]string{
			"resource_type": "iam",
			"criticality":   "critical",
		}, RiskCritical},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, scoring.Classify(tt.action, tt.metadata))
		})
	}
}

func TestMatchRoutingRule(t *testing.T) {
	min := decimal.RequireFromString("1000")
	policy := NewDefaultGatePolicy(uuid.New())
	policy.RoutingRules = []RoutingRule{
		{
			Name:               "expensive-prod",
			Environment:        string(EnvProd),
			MinMonthlyDeltaUSD: &min,
			RequiredPermission: "approve:prod",
		},
		{
			Name:        "destructive",
			Actions:     []string{"delete", "replace"},
			RiskClasses: []string{string(RiskHigh), string(RiskCritical)},
		},
		{Name: "catch-all"},
	}

	t.Run("first match wins", func(t *testing.T) {
		rule := policy.MatchRoutingRule(EnvProd, "scale", RiskLow, decimal.RequireFromString("2000"))
		require.NotNil(t, rule)
		assert.Equal(t, "expensive-prod", rule.Name)
	})

	t.Run("cost below minimum skips to later rule", func(t *testing.T) {
		rule := policy.MatchRoutingRule(EnvProd, "delete", RiskHigh, decimal.RequireFromString("50"))
		require.NotNil(t, rule)
		assert.Equal(t, "destructive", rule.Name)
	})

	t.Run("empty fields match anything", func(t *testing.T) {
		rule := policy.MatchRoutingRule(EnvNonprod, "scale", RiskLow, decimal.RequireFromString("1"))
		require.NotNil(t, rule)
		assert.Equal(t, "catch-all", rule.Name)
	})

	t.Run("no rules means no match", func(t *testing.T) {
		policy.RoutingRules = nil
		assert.Nil(t, policy.MatchRoutingRule(EnvProd, "delete", RiskCritical, decimal.RequireFromString("9999")))
	})
}

func TestDefaultGatePolicyIsValid(t *testing.T) {
	policy := NewDefaultGatePolicy(uuid.New())
	require.NoError(t, policy.Validate())
	assert.Equal(t, 1, policy.PolicyVersion)
	assert.True(t, policy.AutoApproveCeilingUSD.LessThanOrEqual(policy.HardDenyCeilingUSD))
}

func TestApprovalRequestExpiredAt(t *testing.T) {
	now := time.Now().UTC()
	req := NewApprovalRequest(uuid.New(), uuid.New(), "dev@corp", "", time.Hour)

	assert.False(t, req.ExpiredAt(now))
	assert.True(t, req.ExpiredAt(now.Add(2*time.Hour)))

	req.Status = ApprovalApproved
	assert.False(t, req.ExpiredAt(now.Add(2*time.Hour)), "only pending requests expire")
}

func TestActionStatusTerminal(t *testing.T) {
	assert.False(t, ActionQueued.Terminal())
	assert.False(t, ActionRunning.Terminal())
	assert.True(t, ActionSucceeded.Terminal())
	assert.True(t, ActionFailed.Terminal())
	assert.True(t, ActionCancelled.Terminal())
}

func TestActionLeaseExpired(t *testing.T) {
	now := time.Now().UTC()
	action := NewActionExecution(uuid.New(), uuid.New(), nil, "scale_down", "key-1", nil)

	assert.True(t, action.LeaseExpired(now), "no lease counts as expired")

	future := now.Add(time.Minute)
	action.LeaseExpiresAt = &future
	assert.False(t, action.LeaseExpired(now))
	assert.True(t, action.LeaseExpired(future))
}

func TestCreditGrantUsable(t *testing.T) {
	now := time.Now().UTC()

	t.Run("fresh grant is usable", func(t *testing.T) {
		g := NewCreditGrant(uuid.New(), DefaultScope, decimal.RequireFromString("100"), nil)
		assert.True(t, g.Usable(now))
	})

	t.Run("drained grant is not", func(t *testing.T) {
		g := NewCreditGrant(uuid.New(), DefaultScope, decimal.RequireFromString("100"), nil)
		g.RemainingUSD = decimal.Zero
		assert.False(t, g.Usable(now))
	})

	t.Run("expired grant is not", func(t *testing.T) {
		past := now.Add(-time.Hour)
		g := NewCreditGrant(uuid.New(), DefaultScope, decimal.RequireFromString("100"), &past)
		assert.False(t, g.Usable(now))
	})

	t.Run("deactivated grant is not", func(t *testing.T) {
		g := NewCreditGrant(uuid.New(), DefaultScope, decimal.RequireFromString("100"), nil)
		g.Active = false
		assert.False(t, g.Usable(now))
	})
}

func TestQuantization(t *testing.T) {
	assert.Equal(t, "12.3457", QuantizeMonthlyUSD(decimal.RequireFromString("12.345678")).String())
	assert.Equal(t, "0.000124", QuantizeHourlyUSD(decimal.RequireFromString("0.0001235")).String())
}

func TestAppendReason(t *testing.T) {
	codes := AppendReason(nil, "within_budget")
	codes = AppendReason(codes, "credits_applied")
	codes = AppendReason(codes, "within_budget")
	assert.Equal(t, []string{"within_budget", "credits_applied"}, codes)
}

func TestContentHash(t *testing.T) {
	assert.Empty(t, ContentHash(nil))
	assert.Equal(t, ContentHash([]byte(`{"a":1}`)), ContentHash([]byte(`{"a":1}`)))
	assert.NotEqual(t, ContentHash([]byte(`{"a":1}`)), ContentHash([]byte(`{"a":2}`)))
	assert.Len(t, ContentHash([]byte("x")), 64)
}
