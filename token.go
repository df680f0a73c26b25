package livesync

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"io"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

// DefaultCredentialKey is the storage key of the bearer credential.
const DefaultCredentialKey = "token"

// TokenResolver reads the current bearer credential from a CredentialStore.
type TokenResolver struct {
	store  CredentialStore
	key    string
	logger zerolog.Logger
}

// NewTokenResolver creates a resolver for key. An empty key selects
// DefaultCredentialKey.
func NewTokenResolver(store CredentialStore, key string, logger zerolog.Logger) *TokenResolver {
	if key == "" {
		key = DefaultCredentialKey
	}
	return &TokenResolver{
		store:  store,
		key:    key,
		logger: logger.With().Str("component", "token").Logger(),
	}
}

// Key returns the storage key the resolver reads.
func (r *TokenResolver) Key() string { return r.key }

// Store returns the underlying credential store.
func (r *TokenResolver) Store() CredentialStore { return r.store }

// Resolve returns the stored credential, or "" when none is available.
// Storage failures are logged and never surface to the caller.
func (r *TokenResolver) Resolve(ctx context.Context) string {
	if r == nil || r.store == nil {
		return ""
	}
	token, err := r.store.Get(ctx, r.key)
	if err != nil {
		if !errors.Is(err, ErrCredentialNotFound) {
			r.logger.Warn().Err(err).Str("key", r.key).Msg("credential lookup failed")
		}
		return ""
	}
	return strings.TrimSpace(token)
}

// Claims returns the decoded claims of the current credential, or nil.
func (r *TokenResolver) Claims(ctx context.Context) Claims {
	return ParseClaims(r.Resolve(ctx))
}

// ============================================================================
// Claims
// ============================================================================

// Claims is the decoded payload segment of a bearer token.
type Claims map[string]any

// String returns the claim under key rendered as a string. Numbers keep
// their literal form; missing, null and non-scalar values yield "".
func (c Claims) String(key string) string {
	if c == nil {
		return ""
	}
	switch v := c[key].(type) {
	case string:
		return strings.TrimSpace(v)
	case json.Number:
		return v.String()
	case bool:
		if v {
			return "true"
		}
		return "false"
	}
	return ""
}

// Role returns the lower-cased role claim.
func (c Claims) Role() string {
	return strings.ToLower(c.String("role"))
}

// ExpiresAt returns the exp claim, or the zero time when absent.
func (c Claims) ExpiresAt() time.Time {
	n, ok := c["exp"].(json.Number)
	if !ok {
		return time.Time{}
	}
	secs, err := n.Int64()
	if err != nil {
		f, ferr := n.Float64()
		if ferr != nil {
			return time.Time{}
		}
		secs = int64(f)
	}
	return time.Unix(secs, 0)
}

// ParseClaims decodes the payload of a JWT-shaped token without verifying
// it. An optional "Bearer " prefix is stripped and both the URL-safe and
// standard base64 alphabets are accepted, with or without padding. Any
// failure, including a payload that is not a JSON object, yields nil.
func ParseClaims(token string) (claims Claims) {
	defer func() {
		if recover() != nil {
			claims = nil
		}
	}()

	token = strings.TrimSpace(token)
	if len(token) >= 7 && strings.EqualFold(token[:7], "bearer ") {
		token = strings.TrimSpace(token[7:])
	}
	parts := strings.Split(token, ".")
	if len(parts) < 2 || parts[1] == "" {
		return nil
	}

	seg := strings.NewReplacer("+", "-", "/", "_").Replace(parts[1])
	seg = strings.TrimRight(seg, "=")
	raw, err := base64.RawURLEncoding.DecodeString(seg)
	if err != nil {
		return nil
	}

	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var out map[string]any
	if err := dec.Decode(&out); err != nil || out == nil {
		return nil
	}
	// The payload must be exactly one JSON object.
	if err := dec.Decode(&struct{}{}); !errors.Is(err, io.EOF) {
		return nil
	}
	return Claims(out)
}

// ============================================================================
// Auto-connect policy
// ============================================================================

// AutoConnectPolicy decides whether a session may open the realtime
// connection without an explicit request.
type AutoConnectPolicy func(Claims) bool

// AdminOnly permits auto-connect only for the admin role.
func AdminOnly(c Claims) bool {
	return c.Role() == "admin"
}

// AutoConnectAllowed applies the default policy.
func AutoConnectAllowed(c Claims) bool {
	return AdminOnly(c)
}
