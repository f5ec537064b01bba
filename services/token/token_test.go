package token

import (
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vantyr/costgate/services"
)

func signRequest() SignRequest {
	return SignRequest{
		TenantID:           uuid.New(),
		DecisionID:         uuid.New(),
		ApprovalID:         uuid.New(),
		Source:             "terraform",
		Environment:        "prod",
		RequestFingerprint: "abc123",
		ResourceReference:  "aws:rds:orders-primary",
		MaxMonthlyDeltaUSD: decimal.RequireFromString("150.25"),
		TTL:                time.Hour,
	}
}

func TestNewSigner_RequiresSecret(t *testing.T) {
	_, err := NewSigner("", nil, "costgate")

	require.Error(t, err)
	assert.True(t, services.IsConfigurationError(err))
}

func TestSignAndVerify(t *testing.T) {
	signer, err := NewSigner("primary-secret", nil, "costgate")
	require.NoError(t, err)

	req := signRequest()
	tokenString, tokenHash, expiresAt, err := signer.Sign(req)
	require.NoError(t, err)
	assert.NotEmpty(t, tokenString)
	assert.Equal(t, Hash(tokenString), tokenHash)
	assert.WithinDuration(t, time.Now().Add(time.Hour), expiresAt, 5*time.Second)

	claims, err := signer.Verify(tokenString)
	require.NoError(t, err)
	assert.Equal(t, req.TenantID.String(), claims.TenantID)
	assert.Equal(t, req.DecisionID.String(), claims.DecisionID)
	assert.Equal(t, req.ApprovalID.String(), claims.ApprovalID)
	assert.Equal(t, "terraform", claims.Source)
	assert.Equal(t, "prod", claims.Environment)
	assert.Equal(t, "abc123", claims.RequestFingerprint)
	assert.Equal(t, "aws:rds:orders-primary", claims.ResourceReference)
	assert.Equal(t, "150.2500", claims.MaxMonthlyDeltaUSD)
}

func TestVerify_WrongSecret(t *testing.T) {
	signer, err := NewSigner("primary-secret", nil, "costgate")
	require.NoError(t, err)
	tokenString, _, _, err := signer.Sign(signRequest())
	require.NoError(t, err)

	other, err := NewSigner("different-secret", nil, "costgate")
	require.NoError(t, err)

	_, err = other.Verify(tokenString)
	require.Error(t, err)
	assert.True(t, services.IsUnauthorizedError(err))
}

func TestVerify_RotatedSecretFallback(t *testing.T) {
	oldSigner, err := NewSigner("old-secret", nil, "costgate")
	require.NoError(t, err)
	tokenString, _, _, err := oldSigner.Sign(signRequest())
	require.NoError(t, err)

	// After rotation the old secret rides in the fallback list
	rotated, err := NewSigner("new-secret", []string{"old-secret"}, "costgate")
	require.NoError(t, err)

	claims, err := rotated.Verify(tokenString)
	require.NoError(t, err)
	assert.NotEmpty(t, claims.DecisionID)
}

func TestVerify_Expired(t *testing.T) {
	signer, err := NewSigner("primary-secret", nil, "costgate")
	require.NoError(t, err)

	req := signRequest()
	req.TTL = -time.Minute
	tokenString, _, _, err := signer.Sign(req)
	require.NoError(t, err)

	_, err = signer.Verify(tokenString)
	require.Error(t, err)
	assert.True(t, services.IsUnauthorizedError(err))
	assert.Contains(t, err.Error(), "expired")
}

func TestVerify_ExpiredWithFallbackSecrets(t *testing.T) {
	signer, err := NewSigner("primary-secret", []string{"old-secret", "older-secret"}, "costgate")
	require.NoError(t, err)

	req := signRequest()
	req.TTL = -time.Minute
	tokenString, _, _, err := signer.Sign(req)
	require.NoError(t, err)

	_, err = signer.Verify(tokenString)
	require.Error(t, err)
	assert.True(t, services.IsUnauthorizedError(err))
	assert.Contains(t, err.Error(), "expired")
}

func TestVerify_WrongIssuer(t *testing.T) {
	signer, err := NewSigner("primary-secret", nil, "other-system")
	require.NoError(t, err)
	tokenString, _, _, err := signer.Sign(signRequest())
	require.NoError(t, err)

	verifier, err := NewSigner("primary-secret", nil, "costgate")
	require.NoError(t, err)

	_, err = verifier.Verify(tokenString)
	require.Error(t, err)
}

func TestVerify_Garbage(t *testing.T) {
	signer, err := NewSigner("primary-secret", nil, "costgate")
	require.NoError(t, err)

	_, err = signer.Verify("not-a-token")
	require.Error(t, err)
	assert.True(t, services.IsUnauthorizedError(err))
}

func TestHash_Stable(t *testing.T) {
	assert.Equal(t, Hash("token"), Hash("token"))
	assert.NotEqual(t, Hash("token"), Hash("token2"))
	assert.Len(t, Hash("token"), 64)
}
