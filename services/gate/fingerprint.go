package gate

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"sort"

	"github.com/shopspring/decimal"

	"github.com/vantyr/costgate/models"
)

// GateInput is one change request submitted for evaluation
type GateInput struct {
	Scope           string            `json:"scope"`
	Environment     string            `json:"environment"`
	Action          string            `json:"action"`
	ResourceRef     string            `json:"resource_ref"`
	MonthlyDeltaUSD decimal.Decimal   `json:"monthly_delta_usd"`
	HourlyDeltaUSD  decimal.Decimal   `json:"hourly_delta_usd"`
	Metadata        map[string]string `json:"metadata,omitempty"`
	IdempotencyKey  string            `json:"idempotency_key,omitempty"`
	DryRun          bool              `json:"dry_run,omitempty"`
}

// canonicalRequest is the exact structure hashed into the fingerprint.
// Field order is fixed, metadata keys are sorted, and both deltas are
// quantized, so equal requests always produce equal fingerprints.
type canonicalRequest struct {
	Source      string     `json:"source"`
	Scope       string     `json:"scope"`
	Environment string     `json:"environment"`
	Action      string     `json:"action"`
	Resource    string     `json:"resource"`
	MonthlyUSD  string     `json:"monthly_usd"`
	HourlyUSD   string     `json:"hourly_usd"`
	Metadata    [][]string `json:"metadata"`
}

// Fingerprint computes the stable SHA-256 fingerprint of a normalized gate
// request. Metadata ordering does not affect the result.
func Fingerprint(source models.Source, env models.Environment, input GateInput) string {
	keys := make([]string, 0, len(input.Metadata))
	for k := range input.Metadata {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	meta := make([][]string, 0, len(keys))
	for _, k := range keys {
		meta = append(meta, []string{k, input.Metadata[k]})
	}

	canonical := canonicalRequest{
		Source:      string(source),
		Scope:       input.Scope,
		Environment: string(env),
		Action:      input.Action,
		Resource:    input.ResourceRef,
		MonthlyUSD:  models.QuantizeMonthlyUSD(input.MonthlyDeltaUSD).StringFixed(models.MonthlyUSDPlaces),
		HourlyUSD:   models.QuantizeHourlyUSD(input.HourlyDeltaUSD).StringFixed(models.HourlyUSDPlaces),
		Metadata:    meta,
	}

	// Marshal cannot fail for this shape
	payload, _ := json.Marshal(canonical)
	sum := sha256.Sum256(payload)
	return hex.EncodeToString(sum[:])
}

// EffectiveIdempotencyKey returns the caller's key, or the fingerprint
// truncated to the storage limit when none was supplied.
func EffectiveIdempotencyKey(input GateInput, fingerprint string) string {
	key := input.IdempotencyKey
	if key == "" {
		key = fingerprint
	}
	if len(key) > models.MaxIdempotencyKeyLength {
		key = key[:models.MaxIdempotencyKeyLength]
	}
	return key
}
