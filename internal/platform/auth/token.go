package auth

import (
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

type Claims struct {
	jwt.RegisteredClaims
	Role Role `json:"role"`
}

// IssuedToken is the result of a successful login.
type IssuedToken struct {
	AccessToken string    `json:"access_token"`
	TokenID     string    `json:"-"`
	ExpiresAt   time.Time `json:"expires_at"`
}

// TokenIssuer signs HS256 access tokens carrying the actor's role.
type TokenIssuer struct {
	key    []byte
	issuer string
	ttl    time.Duration
	now    func() time.Time
}

func NewTokenIssuer(signingKey []byte, issuer string, ttl time.Duration) *TokenIssuer {
	return &TokenIssuer{key: signingKey, issuer: issuer, ttl: ttl, now: time.Now}
}

func (ti *TokenIssuer) Issue(id Identity) (*IssuedToken, error) {
	if !id.Role.Valid() {
		return nil, fmt.Errorf("issue token: invalid role %q", id.Role)
	}
	if id.DoctorID == uuid.Nil {
		return nil, fmt.Errorf("issue token: doctor id is required")
	}

	now := ti.now()
	exp := now.Add(ti.ttl)
	jti := uuid.New().String()

	claims := Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			ID:        jti,
			Issuer:    ti.issuer,
			Subject:   id.DoctorID.String(),
			IssuedAt:  jwt.NewNumericDate(now),
			NotBefore: jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(exp),
		},
		Role: id.Role,
	}

	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(ti.key)
	if err != nil {
		return nil, fmt.Errorf("sign token: %w", err)
	}
	return &IssuedToken{AccessToken: signed, TokenID: jti, ExpiresAt: exp}, nil
}
