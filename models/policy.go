package models

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// EnforcementMode controls how gate violations are handled
type EnforcementMode string

const (
	ModeShadow EnforcementMode = "shadow" // observe only, never block
	ModeSoft   EnforcementMode = "soft"   // violations require approval
	ModeHard   EnforcementMode = "hard"   // violations are denied
)

// Valid reports whether the mode is one of the known enforcement modes
func (m EnforcementMode) Valid() bool {
	switch m {
	case ModeShadow, ModeSoft, ModeHard:
		return true
	}
	return false
}

// Source identifies the pipeline submitting a change request
type Source string

const (
	SourceTerraform    Source = "terraform"
	SourceK8sAdmission Source = "k8s_admission"
	SourceCloudEvent   Source = "cloud_event"
)

// Valid reports whether the source is one of the known request sources
func (s Source) Valid() bool {
	switch s {
	case SourceTerraform, SourceK8sAdmission, SourceCloudEvent:
		return true
	}
	return false
}

// Environment is the normalized deployment environment
type Environment string

const (
	EnvProd    Environment = "prod"
	EnvNonprod Environment = "nonprod"
)

// NormalizeEnvironment maps free-form environment names onto prod/nonprod.
// Anything that is not recognizably production is treated as nonprod.
func NormalizeEnvironment(env string) Environment {
	switch env {
	case "prod", "production", "prd", "live":
		return EnvProd
	default:
		return EnvNonprod
	}
}

// SourceModes holds the enforcement mode for one source, with optional
// per-environment overrides.
type SourceModes struct {
	Default      EnforcementMode            `json:"default,omitempty"`
	Environments map[string]EnforcementMode `json:"environments,omitempty"`
}

// ModeMatrix resolves the effective enforcement mode for a source and
// environment. Fallback order: exact environment -> source default ->
// global default.
type ModeMatrix struct {
	Default EnforcementMode        `json:"default"`
	Sources map[string]SourceModes `json:"sources,omitempty"`
}

// Resolve returns the effective enforcement mode for the given source and
// normalized environment.
func (m ModeMatrix) Resolve(source Source, env Environment) EnforcementMode {
	if sm, ok := m.Sources[string(source)]; ok {
		if mode, ok := sm.Environments[string(env)]; ok && mode.Valid() {
			return mode
		}
		if sm.Default.Valid() {
			return sm.Default
		}
	}
	if m.Default.Valid() {
		return m.Default
	}
	return ModeHard
}

// RoutingRule matches a decision to the approval authority it requires.
// Rules are evaluated in order; the first match wins. Empty match fields
// match everything.
type RoutingRule struct {
	Name               string           `json:"name,omitempty"`
	Environment        string           `json:"environment,omitempty"` // prod|nonprod, empty = any
	Actions            []string         `json:"actions,omitempty"`
	RiskClasses        []string         `json:"risk_classes,omitempty"`
	MinMonthlyDeltaUSD *decimal.Decimal `json:"min_monthly_delta_usd,omitempty"`
	MaxMonthlyDeltaUSD *decimal.Decimal `json:"max_monthly_delta_usd,omitempty"`
	RequiredPermission string           `json:"required_permission,omitempty"`
	ReviewerRoles      []string         `json:"reviewer_roles,omitempty"`
	RequireSeparation  bool             `json:"require_separation,omitempty"` // requester != reviewer
}

// RiskClass buckets a change request by blast radius
type RiskClass string

const (
	RiskLow      RiskClass = "low"
	RiskMedium   RiskClass = "medium"
	RiskHigh     RiskClass = "high"
	RiskCritical RiskClass = "critical"
)

// RiskScoring holds the metadata-driven risk classification weights and
// thresholds. These are tenant policy configuration, not code constants.
type RiskScoring struct {
	ResourceTypeScores map[string]int `json:"resource_type_scores,omitempty"`
	CriticalityScores  map[string]int `json:"criticality_scores,omitempty"`
	ActionScores       map[string]int `json:"action_scores,omitempty"`
	MediumThreshold    int            `json:"medium_threshold"`
	HighThreshold      int            `json:"high_threshold"`
	CriticalThreshold  int            `json:"critical_threshold"`
}

// DefaultRiskScoring returns the stock scoring table used when a tenant has
// not customized risk weights.
func DefaultRiskScoring() RiskScoring {
	return RiskScoring{
		ResourceTypeScores: map[string]int{
			"database":   30,
			"cluster":    30,
			"network":    20,
			"iam":        40,
			"serverless": 10,
		},
		CriticalityScores: map[string]int{
			"low":      0,
			"medium":   10,
			"high":     30,
			"critical": 50,
		},
		ActionScores: map[string]int{
			"delete":  30,
			"replace": 20,
			"scale":   10,
		},
		MediumThreshold:   20,
		HighThreshold:     50,
		CriticalThreshold: 80,
	}
}

// Classify computes the risk class for the given action and request metadata.
func (rs RiskScoring) Classify(action string, metadata map[string]string) RiskClass {
	score := rs.ActionScores[action]
	score += rs.ResourceTypeScores[metadata["resource_type"]]
	score += rs.CriticalityScores[metadata["criticality"]]

	switch {
	case score >= rs.CriticalThreshold:
		return RiskCritical
	case score >= rs.HighThreshold:
		return RiskHigh
	case score >= rs.MediumThreshold:
		return RiskMedium
	default:
		return RiskLow
	}
}

// GatePolicy is the per-tenant enforcement policy. Exactly one row per
// tenant; mutations go through the policy service which bumps PolicyVersion.
type GatePolicy struct {
	ID                     uuid.UUID       `json:"id" db:"id"`
	TenantID               uuid.UUID       `json:"tenant_id" db:"tenant_id"`
	Modes                  ModeMatrix      `json:"modes" db:"modes"`
	RequireApprovalProd    bool            `json:"require_approval_prod" db:"require_approval_prod"`
	RequireApprovalNonprod bool            `json:"require_approval_nonprod" db:"require_approval_nonprod"`
	AutoApproveCeilingUSD  decimal.Decimal `json:"auto_approve_ceiling_usd" db:"auto_approve_ceiling_usd"`
	HardDenyCeilingUSD     decimal.Decimal `json:"hard_deny_ceiling_usd" db:"hard_deny_ceiling_usd"`
	ApprovalTTLSeconds     int             `json:"approval_ttl_seconds" db:"approval_ttl_seconds"`
	RoutingRules           []RoutingRule   `json:"routing_rules" db:"routing_rules"`
	RiskScoring            RiskScoring     `json:"risk_scoring" db:"risk_scoring"`
	PolicyVersion          int             `json:"policy_version" db:"policy_version"`
	CreatedAt              time.Time       `json:"created_at" db:"created_at"`
	UpdatedAt              time.Time       `json:"updated_at" db:"updated_at"`
}

// TableName returns the table name for the GatePolicy model
func (GatePolicy) TableName() string {
	return "gate_policies"
}

// NewDefaultGatePolicy returns the policy a tenant starts with on first use:
// hard enforcement, approvals required in prod, a 500 USD auto-approve
// ceiling and a 10,000 USD hard-deny ceiling.
func NewDefaultGatePolicy(tenantID uuid.UUID) *GatePolicy {
	now := time.Now().UTC()
	return &GatePolicy{
		ID:                     uuid.New(),
		TenantID:               tenantID,
		Modes:                  ModeMatrix{Default: ModeHard},
		RequireApprovalProd:    true,
		RequireApprovalNonprod: false,
		AutoApproveCeilingUSD:  decimal.NewFromInt(500),
		HardDenyCeilingUSD:     decimal.NewFromInt(10000),
		ApprovalTTLSeconds:     3600,
		RiskScoring:            DefaultRiskScoring(),
		PolicyVersion:          1,
		CreatedAt:              now,
		UpdatedAt:              now,
	}
}

// Validate checks policy internal consistency
func (p *GatePolicy) Validate() error {
	if p.AutoApproveCeilingUSD.IsNegative() {
		return fmt.Errorf("auto_approve_ceiling_usd must not be negative")
	}
	if p.HardDenyCeilingUSD.IsNegative() {
		return fmt.Errorf("hard_deny_ceiling_usd must not be negative")
	}
	if p.AutoApproveCeilingUSD.GreaterThan(p.HardDenyCeilingUSD) {
		return fmt.Errorf("auto_approve_ceiling_usd (%s) must not exceed hard_deny_ceiling_usd (%s)",
			p.AutoApproveCeilingUSD, p.HardDenyCeilingUSD)
	}
	if p.ApprovalTTLSeconds < 60 || p.ApprovalTTLSeconds > 86400 {
		return fmt.Errorf("approval_ttl_seconds must be between 60 and 86400")
	}
	if !p.Modes.Default.Valid() {
		return fmt.Errorf("modes.default must be one of shadow, soft, hard")
	}
	for src, sm := range p.Modes.Sources {
		if !Source(src).Valid() {
			return fmt.Errorf("unknown source %q in mode matrix", src)
		}
		if sm.Default != "" && !sm.Default.Valid() {
			return fmt.Errorf("invalid default mode %q for source %q", sm.Default, src)
		}
		for env, mode := range sm.Environments {
			if !mode.Valid() {
				return fmt.Errorf("invalid mode %q for %s/%s", mode, src, env)
			}
		}
	}
	for i, rule := range p.RoutingRules {
		if rule.Environment != "" && rule.Environment != string(EnvProd) && rule.Environment != string(EnvNonprod) {
			return fmt.Errorf("routing rule %d: environment must be prod or nonprod", i)
		}
		if rule.MinMonthlyDeltaUSD != nil && rule.MaxMonthlyDeltaUSD != nil &&
			rule.MinMonthlyDeltaUSD.GreaterThan(*rule.MaxMonthlyDeltaUSD) {
			return fmt.Errorf("routing rule %d: min_monthly_delta_usd exceeds max_monthly_delta_usd", i)
		}
	}
	return nil
}

// MatchRoutingRule returns the first routing rule matching the given
// decision attributes, or nil when no rule applies.
func (p *GatePolicy) MatchRoutingRule(env Environment, action string, risk RiskClass, monthlyDelta decimal.Decimal) *RoutingRule {
	for i := range p.RoutingRules {
		rule := &p.RoutingRules[i]
		if rule.Environment != "" && rule.Environment != string(env) {
			continue
		}
		if len(rule.Actions) > 0 && !containsString(rule.Actions, action) {
			continue
		}
		if len(rule.RiskClasses) > 0 && !containsString(rule.RiskClasses, string(risk)) {
			continue
		}
		if rule.MinMonthlyDeltaUSD != nil && monthlyDelta.LessThan(*rule.MinMonthlyDeltaUSD) {
			continue
		}
		if rule.MaxMonthlyDeltaUSD != nil && monthlyDelta.GreaterThan(*rule.MaxMonthlyDeltaUSD) {
			continue
		}
		return rule
	}
	return nil
}

func containsString(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}

// MarshalConfig serializes the JSONB policy columns for persistence
func (p *GatePolicy) MarshalConfig() (modes, rules, scoring []byte, err error) {
	if modes, err = json.Marshal(p.Modes); err != nil {
		return nil, nil, nil, err
	}
	if rules, err = json.Marshal(p.RoutingRules); err != nil {
		return nil, nil, nil, err
	}
	if scoring, err = json.Marshal(p.RiskScoring); err != nil {
		return nil, nil, nil, err
	}
	return modes, rules, scoring, nil
}
