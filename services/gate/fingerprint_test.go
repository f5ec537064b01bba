package gate

import (
	"strings"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"

	"github.com/vantyr/costgate/models"
)

func baseInput() GateInput {
	return GateInput{
		Scope:           "platform",
		Environment:     "production",
		Action:          "scale",
		ResourceRef:     "aws:rds:orders-primary",
		MonthlyDeltaUSD: decimal.RequireFromString("120.50"),
		HourlyDeltaUSD:  decimal.RequireFromString("0.165"),
		Metadata:        map[string]string{"resource_type": "database", "criticality": "high"},
	}
}

func TestFingerprint_Deterministic(t *testing.T) {
	a := Fingerprint(models.SourceTerraform, models.EnvProd, baseInput())
	b := Fingerprint(models.SourceTerraform, models.EnvProd, baseInput())

	assert.Equal(t, a, b)
	assert.Len(t, a, 64)
}

func TestFingerprint_MetadataOrderIndependent(t *testing.T) {
	first := baseInput()
	first.Metadata = map[string]string{"criticality": "high", "resource_type": "database"}
	second := baseInput()
	second.Metadata = map[string]string{"resource_type": "database", "criticality": "high"}

	assert.Equal(t,
		Fingerprint(models.SourceTerraform, models.EnvProd, first),
		Fingerprint(models.SourceTerraform, models.EnvProd, second),
	)
}

func TestFingerprint_SensitiveToInputs(t *testing.T) {
	base := Fingerprint(models.SourceTerraform, models.EnvProd, baseInput())

	changedAction := baseInput()
	changedAction.Action = "delete"
	assert.NotEqual(t, base, Fingerprint(models.SourceTerraform, models.EnvProd, changedAction))

	changedResource := baseInput()
	changedResource.ResourceRef = "aws:rds:orders-replica"
	assert.NotEqual(t, base, Fingerprint(models.SourceTerraform, models.EnvProd, changedResource))

	changedDelta := baseInput()
	changedDelta.MonthlyDeltaUSD = decimal.RequireFromString("120.51")
	assert.NotEqual(t, base, Fingerprint(models.SourceTerraform, models.EnvProd, changedDelta))

	changedHourly := baseInput()
	changedHourly.HourlyDeltaUSD = decimal.RequireFromString("0.165001")
	assert.NotEqual(t, base, Fingerprint(models.SourceTerraform, models.EnvProd, changedHourly))

	assert.NotEqual(t, base, Fingerprint(models.SourceCloudEvent, models.EnvProd, baseInput()))
}

func TestFingerprint_QuantizationFoldsSubPrecisionNoise(t *testing.T) {
	precise := baseInput()
	precise.MonthlyDeltaUSD = decimal.RequireFromString("120.50000004")

	assert.Equal(t,
		Fingerprint(models.SourceTerraform, models.EnvProd, baseInput()),
		Fingerprint(models.SourceTerraform, models.EnvProd, precise),
	)
}

func TestEffectiveIdempotencyKey(t *testing.T) {
	fp := Fingerprint(models.SourceTerraform, models.EnvProd, baseInput())

	t.Run("caller key wins", func(t *testing.T) {
		input := baseInput()
		input.IdempotencyKey = "deploy-1234"
		assert.Equal(t, "deploy-1234", EffectiveIdempotencyKey(input, fp))
	})

	t.Run("fingerprint fallback", func(t *testing.T) {
		assert.Equal(t, fp, EffectiveIdempotencyKey(baseInput(), fp))
	})

	t.Run("truncated to storage limit", func(t *testing.T) {
		input := baseInput()
		input.IdempotencyKey = strings.Repeat("k", 300)
		key := EffectiveIdempotencyKey(input, fp)
		assert.Len(t, key, models.MaxIdempotencyKeyLength)
	})
}
