package auth

import (
	"context"
	"time"

	"github.com/google/uuid"
)

type Role string

const (
	RoleAdmin  Role = "admin"
	RoleDoctor Role = "doctor"
)

func (r Role) Valid() bool {
	return r == RoleAdmin || r == RoleDoctor
}

// Identity is the authenticated actor passed explicitly into every
// service operation.
type Identity struct {
	DoctorID uuid.UUID `json:"doctor_id"`
	Role     Role      `json:"role"`
}

func (i Identity) IsAdmin() bool {
	return i.Role == RoleAdmin
}

// Owns reports whether the identity is the given doctor.
func (i Identity) Owns(doctorID uuid.UUID) bool {
	return i.DoctorID != uuid.Nil && i.DoctorID == doctorID
}

// TokenInfo describes the bearer token that authenticated the request.
type TokenInfo struct {
	ID        string
	ExpiresAt time.Time
}

type contextKey string

const (
	identityKey contextKey = "identity"
	tokenKey    contextKey = "token"
)

func WithIdentity(ctx context.Context, id Identity) context.Context {
	return context.WithValue(ctx, identityKey, id)
}

// IdentityFromContext returns the identity set by JWTMiddleware.
func IdentityFromContext(ctx context.Context) (Identity, bool) {
	id, ok := ctx.Value(identityKey).(Identity)
	return id, ok
}

func WithToken(ctx context.Context, ti TokenInfo) context.Context {
	return context.WithValue(ctx, tokenKey, ti)
}

func TokenFromContext(ctx context.Context) (TokenInfo, bool) {
	ti, ok := ctx.Value(tokenKey).(TokenInfo)
	return ti, ok
}
