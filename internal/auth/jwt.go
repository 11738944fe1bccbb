// Package auth issues and validates the tenant-scoped tokens used by operators
// and live stream subscribers.
package auth

import (
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// Token policy
//
// Every token is a short-lived HS256 JWT bound to exactly one tenant. There
// are no refresh tokens: operators and stream clients obtain new tokens from
// the identity system that fronts the bridge.
//
//   - Operator tokens authorize the REST API for one tenant.
//   - Subscriber tokens only authorize the /v1/stream websocket.
//
// A token whose tenant claim is empty never validates.

// DefaultTokenExpiry is how long tokens are valid unless configured otherwise.
const DefaultTokenExpiry = 1 * time.Hour

// Predefined token errors.
var (
	ErrInvalidToken  = errors.New("invalid token")
	ErrTokenExpired  = errors.New("token has expired")
	ErrMissingTenant = errors.New("token carries no tenant")
	ErrForbidden     = errors.New("token does not grant this role")
)

// Role is what a token may be used for.
type Role string

// Roles.
const (
	RoleOperator   Role = "operator"
	RoleSubscriber Role = "subscriber"
)

// Allows reports whether a token with role r may act as want. Operators may
// also subscribe.
func (r Role) Allows(want Role) bool {
	return r == want || (r == RoleOperator && want == RoleSubscriber)
}

// Claims are the claims in bridge tokens.
type Claims struct {
	jwt.RegisteredClaims

	// TenantID scopes every request made with the token.
	TenantID string `json:"tid"`

	Role Role `json:"role"`
}

// JWTConfig holds configuration for the JWT service.
type JWTConfig struct {
	// SigningKey is the secret key used to sign JWTs.
	SigningKey string

	// Issuer is the issuer claim for tokens (e.g., "https://bridge.example.com").
	Issuer string

	// Audience is the audience claim for tokens (e.g., "opsbridge").
	Audience string

	// TokenExpiry is how long issued tokens are valid.
	// Default: 1 hour
	TokenExpiry time.Duration
}

// JWTService handles JWT creation and validation.
type JWTService struct {
	signingKey []byte
	issuer     string
	audience   string
	expiry     time.Duration
}

// NewJWTService creates a new JWT service.
func NewJWTService(cfg JWTConfig) *JWTService {
	if cfg.TokenExpiry == 0 {
		cfg.TokenExpiry = DefaultTokenExpiry
	}
	return &JWTService{
		signingKey: []byte(cfg.SigningKey),
		issuer:     cfg.Issuer,
		audience:   cfg.Audience,
		expiry:     cfg.TokenExpiry,
	}
}

// GenerateToken issues a token for subject acting within tenantID.
func (s *JWTService) GenerateToken(tenantID, subject string, role Role) (string, time.Time, error) {
	if tenantID == "" {
		return "", time.Time{}, ErrMissingTenant
	}

	now := time.Now()
	expiresAt := now.Add(s.expiry)

	claims := Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    s.issuer,
			Subject:   subject,
			Audience:  jwt.ClaimStrings{s.audience},
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(expiresAt),
			NotBefore: jwt.NewNumericDate(now),
			ID:        generateTokenID(),
		},
		TenantID: tenantID,
		Role:     role,
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	tokenString, err := token.SignedString(s.signingKey)
	if err != nil {
		return "", time.Time{}, fmt.Errorf("signing token: %w", err)
	}

	return tokenString, expiresAt, nil
}

// ValidateToken validates a token and returns its claims.
func (s *JWTService) ValidateToken(tokenString string) (*Claims, error) {
	token, err := jwt.ParseWithClaims(tokenString, &Claims{}, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", t.Header["alg"])
		}
		return s.signingKey, nil
	}, jwt.WithValidMethods([]string{"HS256"}),
		jwt.WithIssuer(s.issuer),
		jwt.WithAudience(s.audience),
		jwt.WithExpirationRequired(),
	)

	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return nil, ErrTokenExpired
		}
		return nil, fmt.Errorf("%w: %s", ErrInvalidToken, err.Error())
	}

	claims, ok := token.Claims.(*Claims)
	if !ok || !token.Valid {
		return nil, ErrInvalidToken
	}
	if claims.TenantID == "" {
		return nil, ErrMissingTenant
	}

	return claims, nil
}

// Authorize validates a token and checks that it grants role.
func (s *JWTService) Authorize(tokenString string, role Role) (*Claims, error) {
	claims, err := s.ValidateToken(tokenString)
	if err != nil {
		return nil, err
	}
	if !claims.Role.Allows(role) {
		return nil, fmt.Errorf("%w: %s", ErrForbidden, role)
	}
	return claims, nil
}

// generateTokenID generates a unique token ID.
func generateTokenID() string {
	bytes := make([]byte, 16)
	if _, err := rand.Read(bytes); err != nil {
		return ""
	}
	return base64.RawURLEncoding.EncodeToString(bytes)
}
