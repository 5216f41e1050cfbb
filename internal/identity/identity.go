// Package identity resolves the calling user from request headers.
//
// Huddle sits behind an identity provider that forwards the user id and
// display name as X-User-ID and X-User-Name. When signing keys are
// configured the provider must also send X-User-Signature, the hex
// HMAC-SHA256 of the user id under one of the keys.
package identity

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"net/http"
	"strings"
)

// Header names read by [Resolver.Resolve].
const (
	HeaderUserID    = "X-User-ID"
	HeaderUserName  = "X-User-Name"
	HeaderSignature = "X-User-Signature"
)

// Errors returned by [Resolver.Resolve].
var (
	ErrMissingUser      = errors.New("identity: missing user id")
	ErrMissingSignature = errors.New("identity: missing signature")
	ErrBadSignature     = errors.New("identity: invalid signature")
	ErrReservedUser     = errors.New("identity: reserved user id")
)

// User is the authenticated caller.
type User struct {
	ID   string `json:"id"`
	Name string `json:"name,omitempty"`
}

// DisplayName returns Name, or a label derived from the id when the
// identity provider sent none.
func (u User) DisplayName() string {
	if u.Name != "" {
		return u.Name
	}
	return FallbackName(u.ID)
}

// FallbackName labels a user by the first eight characters of their id.
func FallbackName(id string) string {
	if r := []rune(id); len(r) > 8 {
		id = string(r[:8])
	}
	return "User " + id
}

// Resolver authenticates requests.
type Resolver struct {
	keys     [][]byte
	reserved map[string]bool
}

// NewResolver returns a Resolver. With no keys, the X-User-ID header is
// trusted as-is. Reserved ids (the assistant's author id) are always
// rejected so no caller can post as the assistant.
func NewResolver(signingKeys []string, reserved ...string) *Resolver {
	r := &Resolver{reserved: make(map[string]bool, len(reserved))}
	for _, k := range signingKeys {
		if k != "" {
			r.keys = append(r.keys, []byte(k))
		}
	}
	for _, id := range reserved {
		r.reserved[id] = true
	}
	return r
}

// Resolve extracts and verifies the caller from req.
func (r *Resolver) Resolve(req *http.Request) (User, error) {
	u := User{
		ID:   strings.TrimSpace(req.Header.Get(HeaderUserID)),
		Name: strings.TrimSpace(req.Header.Get(HeaderUserName)),
	}
	if u.ID == "" {
		return User{}, ErrMissingUser
	}
	if r.reserved[u.ID] {
		return User{}, ErrReservedUser
	}
	if len(r.keys) == 0 {
		return u, nil
	}

	sig := strings.TrimSpace(req.Header.Get(HeaderSignature))
	if sig == "" {
		return User{}, ErrMissingSignature
	}
	for _, k := range r.keys {
		if hmac.Equal([]byte(sign(k, u.ID)), []byte(strings.ToLower(sig))) {
			return u, nil
		}
	}
	return User{}, ErrBadSignature
}

// Sign returns the signature an identity provider sends for userID.
func Sign(key, userID string) string {
	return sign([]byte(key), userID)
}

func sign(key []byte, userID string) string {
	mac := hmac.New(sha256.New, key)
	mac.Write([]byte(userID))
	return hex.EncodeToString(mac.Sum(nil))
}

type ctxUserKey struct{}

// WithUser returns a copy of ctx carrying u.
func WithUser(ctx context.Context, u User) context.Context {
	return context.WithValue(ctx, ctxUserKey{}, u)
}

// FromContext returns the authenticated user stored by WithUser.
func FromContext(ctx context.Context) (User, bool) {
	u, ok := ctx.Value(ctxUserKey{}).(User)
	return u, ok
}
