package auth_test

import (
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/opsbridge/opsbridge/internal/auth"
)

func testService() *auth.JWTService {
	return auth.NewJWTService(auth.JWTConfig{
		SigningKey: "test-secret-key-for-testing-only",
		Issuer:     "https://bridge.example.com",
		Audience:   "opsbridge",
	})
}

func TestJWTService_GenerateAndValidateToken(t *testing.T) {
	svc := testService()

	token, expiresAt, err := svc.GenerateToken("t1", "ops@example.com", auth.RoleOperator)
	require.NoError(t, err)
	assert.NotEmpty(t, token)
	assert.True(t, expiresAt.After(time.Now()))

	claims, err := svc.ValidateToken(token)
	require.NoError(t, err)
	assert.Equal(t, "t1", claims.TenantID)
	assert.Equal(t, auth.RoleOperator, claims.Role)
	assert.Equal(t, "ops@example.com", claims.Subject)
	assert.Equal(t, "https://bridge.example.com", claims.Issuer)
}

func TestJWTService_GenerateRequiresTenant(t *testing.T) {
	_, _, err := testService().GenerateToken("", "ops@example.com", auth.RoleOperator)
	assert.ErrorIs(t, err, auth.ErrMissingTenant)
}

func TestJWTService_InvalidToken(t *testing.T) {
	svc := testService()

	tests := []struct {
		name  string
		token string
	}{
		{"empty token", ""},
		{"malformed token", "not.a.valid.jwt"},
		{"invalid base64", "xxx.yyy.zzz"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := svc.ValidateToken(tt.token)
			assert.ErrorIs(t, err, auth.ErrInvalidToken)
		})
	}
}

func TestJWTService_WrongSigningKey(t *testing.T) {
	token, _, err := testService().GenerateToken("t1", "ops", auth.RoleOperator)
	require.NoError(t, err)

	other := auth.NewJWTService(auth.JWTConfig{
		SigningKey: "another-key",
		Issuer:     "https://bridge.example.com",
		Audience:   "opsbridge",
	})

	_, err = other.ValidateToken(token)
	assert.ErrorIs(t, err, auth.ErrInvalidToken)
}

func TestJWTService_WrongIssuerOrAudience(t *testing.T) {
	token, _, err := testService().GenerateToken("t1", "ops", auth.RoleOperator)
	require.NoError(t, err)

	tests := []struct {
		name string
		cfg  auth.JWTConfig
	}{
		{"issuer", auth.JWTConfig{SigningKey: "test-secret-key-for-testing-only", Issuer: "someone-else", Audience: "opsbridge"}},
		{"audience", auth.JWTConfig{SigningKey: "test-secret-key-for-testing-only", Issuer: "https://bridge.example.com", Audience: "other-api"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := auth.NewJWTService(tt.cfg).ValidateToken(token)
			assert.Error(t, err)
		})
	}
}

func TestJWTService_Expired(t *testing.T) {
	svc := auth.NewJWTService(auth.JWTConfig{
		SigningKey:  "test-secret-key-for-testing-only",
		Issuer:      "https://bridge.example.com",
		Audience:    "opsbridge",
		TokenExpiry: -time.Minute,
	})

	token, _, err := svc.GenerateToken("t1", "ops", auth.RoleOperator)
	require.NoError(t, err)

	_, err = svc.ValidateToken(token)
	assert.ErrorIs(t, err, auth.ErrTokenExpired)
}

func TestJWTService_TokenWithoutTenant(t *testing.T) {
	now := time.Now()
	claims := auth.Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    "https://bridge.example.com",
			Audience:  jwt.ClaimStrings{"opsbridge"},
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(time.Hour)),
		},
		Role: auth.RoleOperator,
	}
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte("test-secret-key-for-testing-only"))
	require.NoError(t, err)

	_, err = testService().ValidateToken(token)
	assert.ErrorIs(t, err, auth.ErrMissingTenant)
}

func TestJWTService_Authorize(t *testing.T) {
	svc := testService()

	operator, _, err := svc.GenerateToken("t1", "ops", auth.RoleOperator)
	require.NoError(t, err)
	subscriber, _, err := svc.GenerateToken("t1", "dashboard", auth.RoleSubscriber)
	require.NoError(t, err)

	_, err = svc.Authorize(operator, auth.RoleOperator)
	assert.NoError(t, err)
	_, err = svc.Authorize(operator, auth.RoleSubscriber)
	assert.NoError(t, err, "operators may subscribe")
	_, err = svc.Authorize(subscriber, auth.RoleSubscriber)
	assert.NoError(t, err)
	_, err = svc.Authorize(subscriber, auth.RoleOperator)
	assert.ErrorIs(t, err, auth.ErrForbidden)
}
