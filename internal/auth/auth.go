// Package auth resolves caller identity for research requests. It validates
// JWT bearer tokens and API keys but never writes user records; account
// management lives in a separate service.
package auth

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"go.uber.org/zap"

	"github.com/McLeuker/mcleukerai-sub000/internal/taskerr"
)

const issuer = "mcleuker-research"

// Identity is the resolved caller of a research request.
type Identity struct {
	UserID uuid.UUID
	Email  string
	Method string // "jwt" or "api_key"
}

// Claims are the JWT claims this service accepts.
type Claims struct {
	jwt.RegisteredClaims
	Email string `json:"email,omitempty"`
}

// Service authenticates incoming requests.
type Service struct {
	db         *sqlx.DB
	signingKey []byte
	logger     *zap.Logger
}

func NewService(db *sqlx.DB, signingKey string, logger *zap.Logger) *Service {
	return &Service{db: db, signingKey: []byte(signingKey), logger: logger}
}

// Authenticate resolves the caller from the Authorization header or the
// X-API-Key header. All failures map to the auth error kind so the HTTP
// layer can render a uniform 401.
func (s *Service) Authenticate(ctx context.Context, r *http.Request) (*Identity, error) {
	if header := r.Header.Get("Authorization"); header != "" {
		token, err := ExtractBearerToken(header)
		if err != nil {
			return nil, taskerr.Wrap(taskerr.KindAuth, "malformed authorization header", err)
		}
		return s.validateJWT(token)
	}
	if key := r.Header.Get("X-API-Key"); key != "" {
		return s.validateAPIKey(ctx, key)
	}
	return nil, taskerr.New(taskerr.KindAuth, "missing credentials")
}

func (s *Service) validateJWT(tokenString string) (*Identity, error) {
	token, err := jwt.ParseWithClaims(tokenString, &Claims{}, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return s.signingKey, nil
	})
	if err != nil {
		return nil, taskerr.Wrap(taskerr.KindAuth, "invalid token", err)
	}
	claims, ok := token.Claims.(*Claims)
	if !ok || !token.Valid {
		return nil, taskerr.New(taskerr.KindAuth, "invalid token")
	}
	if claims.Issuer != issuer {
		return nil, taskerr.New(taskerr.KindAuth, "invalid token issuer")
	}
	userID, err := uuid.Parse(claims.Subject)
	if err != nil {
		return nil, taskerr.Wrap(taskerr.KindAuth, "invalid subject in token", err)
	}
	return &Identity{UserID: userID, Email: claims.Email, Method: "jwt"}, nil
}

// validateAPIKey looks up the SHA256 hash of the presented key. Keys are
// stored hashed, never in the clear.
func (s *Service) validateAPIKey(ctx context.Context, key string) (*Identity, error) {
	var row struct {
		UserID   uuid.UUID `db:"user_id"`
		IsActive bool      `db:"is_active"`
	}
	err := s.db.GetContext(ctx, &row, `
		SELECT user_id, is_active FROM api_keys WHERE key_hash = $1`,
		hashToken(key))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, taskerr.New(taskerr.KindAuth, "unknown api key")
	}
	if err != nil {
		return nil, taskerr.Wrap(taskerr.KindAuth, "api key lookup failed", err)
	}
	if !row.IsActive {
		return nil, taskerr.New(taskerr.KindAuth, "api key disabled")
	}
	return &Identity{UserID: row.UserID, Method: "api_key"}, nil
}

// IssueToken signs a JWT for the given user. Used by operational tooling and
// tests; the production token issuer lives upstream.
func (s *Service) IssueToken(userID uuid.UUID, email string, ttl time.Duration) (string, error) {
	now := time.Now()
	claims := Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   userID.String(),
			Issuer:    issuer,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
			NotBefore: jwt.NewNumericDate(now),
			ID:        uuid.New().String(),
		},
		Email: email,
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(s.signingKey)
}

// ExtractBearerToken extracts the token from an Authorization header value.
func ExtractBearerToken(header string) (string, error) {
	if !strings.HasPrefix(header, "Bearer ") {
		return "", fmt.Errorf("invalid authorization header format")
	}
	return strings.TrimPrefix(header, "Bearer "), nil
}

func hashToken(token string) string {
	hash := sha256.Sum256([]byte(token))
	return hex.EncodeToString(hash[:])
}
