package gateway

import (
	"errors"
	"net/http"
	"strings"

	"openoutcry/internal/config"
)

// Authentication failures. Both map to 401 at the HTTP layer; the split
// exists so logs can tell an unconfigured client from a revoked one.
var (
	ErrMissingToken = errors.New("missing bearer token")
	ErrUnknownToken = errors.New("unknown token")
)

// Roles a token can carry.
const (
	RoleInstructor = "instructor"
	RoleStudent    = "student"
)

// Identity is the resolved caller of a request.
type Identity struct {
	UserID string
	Role   string
}

// Instructor reports whether the identity may perform session control and
// cash adjustments.
func (id Identity) Instructor() bool { return id.Role == RoleInstructor }

// TokenAuth resolves opaque bearer tokens against the static table from
// config. With no tokens configured the gateway runs in open mode: any
// non-empty token is accepted, doubles as the user ID, and carries the
// instructor role. Open mode is for demos on trusted networks only.
type TokenAuth struct {
	tokens map[string]config.TokenIdentity
}

// NewTokenAuth builds the resolver from the auth section of the config.
func NewTokenAuth(cfg config.AuthConfig) *TokenAuth {
	return &TokenAuth{tokens: cfg.Tokens}
}

// Authenticate resolves the caller from the Authorization header. Browser
// WebSocket clients cannot set headers on the upgrade request, so a token
// query parameter is accepted as a fallback.
func (a *TokenAuth) Authenticate(r *http.Request) (Identity, error) {
	const prefix = "Bearer "

	var token string
	if h := r.Header.Get("Authorization"); strings.HasPrefix(h, prefix) {
		token = strings.TrimPrefix(h, prefix)
	} else if q := r.URL.Query().Get("token"); q != "" {
		token = q
	}
	if token == "" {
		return Identity{}, ErrMissingToken
	}

	if len(a.tokens) == 0 {
		return Identity{UserID: token, Role: RoleInstructor}, nil
	}
	id, ok := a.tokens[token]
	if !ok {
		return Identity{}, ErrUnknownToken
	}
	return Identity{UserID: id.UserID, Role: id.Role}, nil
}
