package auth

import (
	"context"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/McLeuker/mcleukerai-sub000/internal/taskerr"
)

func newService(t *testing.T) (*Service, sqlmock.Sqlmock) {
	t.Helper()
	raw, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { _ = raw.Close() })
	return NewService(sqlx.NewDb(raw, "postgres"), "test-signing-key", zap.NewNop()), mock
}

func TestAuthenticateJWT(t *testing.T) {
	svc, _ := newService(t)
	userID := uuid.New()

	token, err := svc.IssueToken(userID, "buyer@example.com", time.Hour)
	require.NoError(t, err)

	r := httptest.NewRequest("POST", "/research", nil)
	r.Header.Set("Authorization", "Bearer "+token)

	ident, err := svc.Authenticate(context.Background(), r)
	require.NoError(t, err)
	assert.Equal(t, userID, ident.UserID)
	assert.Equal(t, "buyer@example.com", ident.Email)
	assert.Equal(t, "jwt", ident.Method)
}

func TestAuthenticateExpiredJWT(t *testing.T) {
	svc, _ := newService(t)

	token, err := svc.IssueToken(uuid.New(), "", -time.Minute)
	require.NoError(t, err)

	r := httptest.NewRequest("POST", "/research", nil)
	r.Header.Set("Authorization", "Bearer "+token)

	_, err = svc.Authenticate(context.Background(), r)
	assert.True(t, taskerr.Is(err, taskerr.KindAuth))
}

func TestAuthenticateWrongIssuer(t *testing.T) {
	svc, _ := newService(t)

	claims := Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   uuid.New().String(),
			Issuer:    "someone-else",
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
		},
	}
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte("test-signing-key"))
	require.NoError(t, err)

	r := httptest.NewRequest("POST", "/research", nil)
	r.Header.Set("Authorization", "Bearer "+token)

	_, err = svc.Authenticate(context.Background(), r)
	assert.True(t, taskerr.Is(err, taskerr.KindAuth))
}

func TestAuthenticateAPIKey(t *testing.T) {
	svc, mock := newService(t)
	userID := uuid.New()

	mock.ExpectQuery(`SELECT user_id, is_active FROM api_keys`).
		WithArgs(hashToken("mk_live_abc123")).
		WillReturnRows(sqlmock.NewRows([]string{"user_id", "is_active"}).AddRow(userID, true))

	r := httptest.NewRequest("POST", "/research", nil)
	r.Header.Set("X-API-Key", "mk_live_abc123")

	ident, err := svc.Authenticate(context.Background(), r)
	require.NoError(t, err)
	assert.Equal(t, userID, ident.UserID)
	assert.Equal(t, "api_key", ident.Method)
}

func TestAuthenticateDisabledAPIKey(t *testing.T) {
	svc, mock := newService(t)

	mock.ExpectQuery(`SELECT user_id, is_active FROM api_keys`).
		WithArgs(hashToken("mk_live_old")).
		WillReturnRows(sqlmock.NewRows([]string{"user_id", "is_active"}).AddRow(uuid.New(), false))

	r := httptest.NewRequest("POST", "/research", nil)
	r.Header.Set("X-API-Key", "mk_live_old")

	_, err := svc.Authenticate(context.Background(), r)
	assert.True(t, taskerr.Is(err, taskerr.KindAuth))
}

func TestAuthenticateMissingCredentials(t *testing.T) {
	svc, _ := newService(t)

	r := httptest.NewRequest("POST", "/research", nil)
	_, err := svc.Authenticate(context.Background(), r)
	assert.True(t, taskerr.Is(err, taskerr.KindAuth))
}

func TestExtractBearerToken(t *testing.T) {
	token, err := ExtractBearerToken("Bearer abc")
	require.NoError(t, err)
	assert.Equal(t, "abc", token)

	_, err = ExtractBearerToken("Basic abc")
	assert.Error(t, err)
}
