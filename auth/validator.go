package auth

import (
	"context"
	"fmt"

	"github.com/golang-jwt/jwt/v5"
	"go.uber.org/zap"

	"github.com/vantyr/costgate/middleware"
)

// serviceClaims is the wire shape of a service token
type serviceClaims struct {
	TenantID string   `json:"tenant_id"`
	Roles    []string `json:"roles"`
	jwt.RegisteredClaims
}

// Validator validates HS256 service tokens issued to pipelines, reviewers
// and workers. It shares the signing secrets with the approval token signer
// so one rotation procedure covers both.
type Validator struct {
	secrets [][]byte
	issuer  string
	logger  *zap.Logger
}

// NewValidator creates a service token validator. The primary secret is
// tried first, then each fallback in order.
func NewValidator(secret string, fallbackSecrets []string, issuer string, logger *zap.Logger) (*Validator, error) {
	if secret == "" {
		return nil, fmt.Errorf("service token secret not configured")
	}
	secrets := [][]byte{[]byte(secret)}
	for _, s := range fallbackSecrets {
		if s != "" {
			secrets = append(secrets, []byte(s))
		}
	}
	return &Validator{
		secrets: secrets,
		issuer:  issuer,
		logger:  logger,
	}, nil
}

// ValidateToken implements middleware.TokenValidator
func (v *Validator) ValidateToken(_ context.Context, tokenString string) (*middleware.Claims, error) {
	var lastErr error
	for _, secret := range v.secrets {
		claims := &serviceClaims{}
		_, err := jwt.ParseWithClaims(tokenString, claims, func(t *jwt.Token) (interface{}, error) {
			if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
				return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
			}
			return secret, nil
		}, jwt.WithValidMethods([]string{"HS256"}), jwt.WithIssuer(v.issuer))
		if err == nil {
			out := &middleware.Claims{
				Sub:      claims.Subject,
				TenantID: claims.TenantID,
				Roles:    claims.Roles,
				Iss:      claims.Issuer,
			}
			if claims.ExpiresAt != nil {
				out.Exp = claims.ExpiresAt.Unix()
			}
			if claims.IssuedAt != nil {
				out.Iat = claims.IssuedAt.Unix()
			}
			return out, nil
		}
		lastErr = err
	}
	return nil, fmt.Errorf("token validation failed: %w", lastErr)
}
