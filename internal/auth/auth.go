// Package auth manages member identity and session tokens. The platform's
// identity provider is external; this package only exchanges opaque session
// tokens for member records, backed by Redis with TTL-based expiry.
package auth

import (
	"context"
	"errors"

	"github.com/google/uuid"
)

// ErrUnauthorized is returned when a session token is absent, unknown, or
// expired. Callers must reject the request before touching any room state.
var ErrUnauthorized = errors.New("auth: unauthorized")

// Member is the read-only identity bound to an authenticated connection.
type Member struct {
	ID          string `json:"id"`
	DisplayName string `json:"display_name"`
	Anonymous   bool   `json:"anonymous"`
}

// NewMember mints a fresh member identity with a generated ID.
func NewMember(displayName string, anonymous bool) Member {
	return Member{
		ID:          uuid.New().String(),
		DisplayName: displayName,
		Anonymous:   anonymous,
	}
}

// Authenticator exchanges an opaque session token for a Member record.
type Authenticator interface {
	Authenticate(ctx context.Context, token string) (Member, error)
}

// AuthenticatorFunc adapts a function to the Authenticator interface.
type AuthenticatorFunc func(ctx context.Context, token string) (Member, error)

// Authenticate calls f.
func (f AuthenticatorFunc) Authenticate(ctx context.Context, token string) (Member, error) {
	return f(ctx, token)
}
