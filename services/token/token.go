package token

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/vantyr/costgate/services"
)

// Claims binds an approval token unforgeably to the decision it authorizes.
// Every field is verified against the live decision row at consumption time.
type Claims struct {
	TenantID           string `json:"tenant_id"`
	DecisionID         string `json:"decision_id"`
	ApprovalID         string `json:"approval_id"`
	Source             string `json:"source"`
	Environment        string `json:"environment"`
	RequestFingerprint string `json:"request_fingerprint"`
	ResourceReference  string `json:"resource_reference"`
	MaxMonthlyDeltaUSD string `json:"max_monthly_delta_usd"`
	jwt.RegisteredClaims
}

// SignRequest carries everything a token needs to bind to its decision
type SignRequest struct {
	TenantID           uuid.UUID
	DecisionID         uuid.UUID
	ApprovalID         uuid.UUID
	Source             string
	Environment        string
	RequestFingerprint string
	ResourceReference  string
	MaxMonthlyDeltaUSD decimal.Decimal
	TTL                time.Duration
}

// Signer issues and verifies single-use approval tokens. HS256 with a
// primary secret; Verify also accepts an ordered list of fallback secrets so
// rotation does not invalidate outstanding approvals.
type Signer struct {
	secret          []byte
	fallbackSecrets [][]byte
	issuer          string
}

// NewSigner creates a signer. Returns a configuration error when the primary
// secret is empty: a misconfigured signer must never fall back to an
// insecure default.
func NewSigner(secret string, fallbackSecrets []string, issuer string) (*Signer, error) {
	if secret == "" {
		return nil, services.ErrMissingSigningSecret
	}
	fallbacks := make([][]byte, 0, len(fallbackSecrets))
	for _, s := range fallbackSecrets {
		if s != "" {
			fallbacks = append(fallbacks, []byte(s))
		}
	}
	return &Signer{
		secret:          []byte(secret),
		fallbackSecrets: fallbacks,
		issuer:          issuer,
	}, nil
}

// Sign issues a signed token and returns it with the hash stored at rest.
// The raw token is returned to the approver exactly once; only the hash is
// persisted.
func (s *Signer) Sign(req SignRequest) (tokenString, tokenHash string, expiresAt time.Time, err error) {
	now := time.Now().UTC()
	expiresAt = now.Add(req.TTL)

	claims := Claims{
		TenantID:           req.TenantID.String(),
		DecisionID:         req.DecisionID.String(),
		ApprovalID:         req.ApprovalID.String(),
		Source:             req.Source,
		Environment:        req.Environment,
		RequestFingerprint: req.RequestFingerprint,
		ResourceReference:  req.ResourceReference,
		MaxMonthlyDeltaUSD: req.MaxMonthlyDeltaUSD.StringFixed(4),
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    s.issuer,
			Subject:   req.ApprovalID.String(),
			IssuedAt:  jwt.NewNumericDate(now),
			NotBefore: jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(expiresAt),
			ID:        uuid.NewString(),
		},
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	tokenString, err = token.SignedString(s.secret)
	if err != nil {
		return "", "", time.Time{}, services.WrapInternal("failed to sign approval token", err)
	}
	return tokenString, Hash(tokenString), expiresAt, nil
}

// Verify parses and validates a token, trying the primary secret first and
// then each fallback in order. Expired tokens map to ErrTokenExpired, any
// other failure to ErrInvalidToken.
func (s *Signer) Verify(tokenString string) (*Claims, error) {
	secrets := append([][]byte{s.secret}, s.fallbackSecrets...)

	var lastErr, expiredErr error
	for _, secret := range secrets {
		claims := &Claims{}
		_, err := jwt.ParseWithClaims(tokenString, claims, func(t *jwt.Token) (interface{}, error) {
			if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
				return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
			}
			return secret, nil
		}, jwt.WithValidMethods([]string{"HS256"}), jwt.WithIssuer(s.issuer))
		if err == nil {
			return claims, nil
		}
		// An expired error means this secret verified the signature, so it
		// wins over signature failures from the other secrets.
		if errors.Is(err, jwt.ErrTokenExpired) {
			expiredErr = err
		}
		lastErr = err
	}

	if expiredErr != nil {
		return nil, services.NewDomainError(services.ErrorTypeUnauthorized, "approval token expired", expiredErr)
	}
	return nil, services.NewDomainError(services.ErrorTypeUnauthorized, "invalid approval token", lastErr)
}

// Hash returns the hex SHA-256 of a token string. Tokens are stored hashed.
func Hash(tokenString string) string {
	sum := sha256.Sum256([]byte(tokenString))
	return hex.EncodeToString(sum[:])
}
