package api

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/alias8818/CouncilRouter-sub001/core"
)

// Principal is the authenticated caller identity attached to a request,
// derived from either a JWT's subject claim or an API key's owning user.
type Principal struct {
	UserID string
	Source string // "jwt", "apikey", or "admin"
}

// APIKeyRecord is one entry in the API key store, looked up by the
// SHA-256 hash of the presented key (spec §6: "ApiKey is looked up by its
// SHA-256 hash; entries carry active and optional expires_at").
type APIKeyRecord struct {
	UserID    string
	Active    bool
	ExpiresAt *time.Time
}

// APIKeyStore resolves a key's hash to its owning principal.
type APIKeyStore interface {
	// Lookup returns core.ErrNotFound if keyHash is unregistered.
	Lookup(ctx context.Context, keyHash string) (*APIKeyRecord, error)
}

// InMemoryAPIKeyStore is a fixed-map APIKeyStore for local dev and tests.
type InMemoryAPIKeyStore struct {
	byHash map[string]APIKeyRecord
}

// NewInMemoryAPIKeyStore builds a store keyed by raw key (hashed on
// insert), for boot-time seeding from an operator-supplied config.
func NewInMemoryAPIKeyStore(rawKeys map[string]APIKeyRecord) *InMemoryAPIKeyStore {
	byHash := make(map[string]APIKeyRecord, len(rawKeys))
	for raw, rec := range rawKeys {
		byHash[HashAPIKey(raw)] = rec
	}
	return &InMemoryAPIKeyStore{byHash: byHash}
}

func (s *InMemoryAPIKeyStore) Lookup(_ context.Context, keyHash string) (*APIKeyRecord, error) {
	rec, ok := s.byHash[keyHash]
	if !ok {
		return nil, core.ErrNotFound
	}
	return &rec, nil
}

// HashAPIKey computes the SHA-256 hex digest an APIKeyStore indexes by.
func HashAPIKey(key string) string {
	sum := sha256.Sum256([]byte(key))
	return hex.EncodeToString(sum[:])
}

// Authenticator validates the Authorization header against either a JWT
// secret or the API key store, per spec §6.
type Authenticator struct {
	jwtSecret  []byte
	apiKeys    APIKeyStore
	adminToken string
	logger     core.Logger
}

// NewAuthenticator builds an Authenticator. adminToken, if non-empty,
// grants the internal dashboard identity when presented as an ApiKey
// (spec §6: "ADMIN_API_TOKEN grants an internal dashboard user identity").
func NewAuthenticator(jwtSecret string, apiKeys APIKeyStore, adminToken string, logger core.Logger) *Authenticator {
	if logger == nil {
		logger = core.NoOpLogger{}
	}
	if cal, ok := logger.(core.ComponentAwareLogger); ok {
		logger = cal.WithComponent("api/auth")
	}
	return &Authenticator{
		jwtSecret:  []byte(jwtSecret),
		apiKeys:    apiKeys,
		adminToken: adminToken,
		logger:     logger,
	}
}

// Authenticate extracts and validates the Authorization header, returning
// a Principal or a CouncilError with one of the closed AUTHENTICATION_*/
// INVALID_*/AUTH codes (spec §7). Auth runs before any other validation
// on a protected route (spec §8 property 8).
func (a *Authenticator) Authenticate(ctx context.Context, r *http.Request) (*Principal, *core.CouncilError) {
	header := r.Header.Get("Authorization")
	if header == "" {
		return nil, core.NewError("api.Authenticate", core.CodeAuthenticationRequired, "missing Authorization header", nil)
	}

	switch {
	case strings.HasPrefix(header, "Bearer "):
		return a.authenticateJWT(strings.TrimPrefix(header, "Bearer "))
	case strings.HasPrefix(header, "ApiKey "):
		return a.authenticateAPIKey(ctx, strings.TrimPrefix(header, "ApiKey "))
	default:
		return nil, core.NewError("api.Authenticate", core.CodeInvalidAuthFormat, "unrecognized auth scheme", nil)
	}
}

func (a *Authenticator) authenticateJWT(tokenString string) (*Principal, *core.CouncilError) {
	tokenString = strings.TrimSpace(tokenString)
	if tokenString == "" {
		return nil, core.NewError("api.authenticateJWT", core.CodeInvalidAuthFormat, "empty bearer credential", nil)
	}

	token, err := jwt.Parse(tokenString, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, core.NewError("api.authenticateJWT", core.CodeInvalidToken, "unexpected signing method", nil)
		}
		return a.jwtSecret, nil
	})
	if err != nil || !token.Valid {
		return nil, core.NewError("api.authenticateJWT", core.CodeInvalidToken, "token failed verification", err)
	}

	claims, ok := token.Claims.(jwt.MapClaims)
	if !ok {
		return nil, core.NewError("api.authenticateJWT", core.CodeInvalidToken, "unreadable claims", nil)
	}
	sub, ok := claims["sub"].(string)
	if !ok || sub == "" {
		return nil, core.NewError("api.authenticateJWT", core.CodeInvalidToken, "missing subject claim", nil)
	}

	return &Principal{UserID: sub, Source: "jwt"}, nil
}

func (a *Authenticator) authenticateAPIKey(ctx context.Context, key string) (*Principal, *core.CouncilError) {
	key = strings.TrimSpace(key)
	if key == "" {
		return nil, core.NewError("api.authenticateAPIKey", core.CodeInvalidAuthFormat, "empty api key credential", nil)
	}

	if a.adminToken != "" && key == a.adminToken {
		return &Principal{UserID: "admin", Source: "admin"}, nil
	}

	rec, err := a.apiKeys.Lookup(ctx, HashAPIKey(key))
	if err != nil {
		return nil, core.NewError("api.authenticateAPIKey", core.CodeInvalidAPIKey, "key not recognized", err)
	}
	if !rec.Active {
		return nil, core.NewError("api.authenticateAPIKey", core.CodeInvalidAPIKey, "key is inactive", nil)
	}
	if rec.ExpiresAt != nil && time.Now().After(*rec.ExpiresAt) {
		return nil, core.NewError("api.authenticateAPIKey", core.CodeInvalidAPIKey, "key has expired", nil)
	}

	return &Principal{UserID: rec.UserID, Source: "apikey"}, nil
}
