package auth

import (
	"context"
	"net/http"
	"strings"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog/log"
)

// AccountChecker reports whether a token subject may still use the API.
type AccountChecker interface {
	IsActive(ctx context.Context, doctorID uuid.UUID) (bool, error)
}

type JWTConfig struct {
	Issuer     string
	SigningKey []byte
	// Revocations is consulted for every token; nil disables the check.
	Revocations RevocationStore
	// Accounts rejects tokens of deactivated doctors; nil disables the check.
	Accounts AccountChecker
	// Skipper bypasses authentication, e.g. for public paths.
	Skipper func(c echo.Context) bool
}

// JWTMiddleware verifies the bearer token and stores the caller's Identity
// and TokenInfo on the request context.
func JWTMiddleware(cfg JWTConfig) echo.MiddlewareFunc {
	opts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithExpirationRequired(),
	}
	if cfg.Issuer != "" {
		opts = append(opts, jwt.WithIssuer(cfg.Issuer))
	}
	parser := jwt.NewParser(opts...)

	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			if cfg.Skipper != nil && cfg.Skipper(c) {
				return next(c)
			}

			authHeader := c.Request().Header.Get("Authorization")
			if authHeader == "" {
				return echo.NewHTTPError(http.StatusUnauthorized, "missing authorization header")
			}

			parts := strings.SplitN(authHeader, " ", 2)
			if len(parts) != 2 || !strings.EqualFold(parts[0], "bearer") || strings.TrimSpace(parts[1]) == "" {
				return echo.NewHTTPError(http.StatusUnauthorized, "invalid authorization format")
			}

			claims := &Claims{}
			token, err := parser.ParseWithClaims(parts[1], claims, func(t *jwt.Token) (interface{}, error) {
				return cfg.SigningKey, nil
			})
			if err != nil || !token.Valid {
				return echo.NewHTTPError(http.StatusUnauthorized, "invalid token")
			}

			doctorID, err := uuid.Parse(claims.Subject)
			if err != nil || !claims.Role.Valid() || claims.ID == "" {
				return echo.NewHTTPError(http.StatusUnauthorized, "invalid token")
			}

			ctx := c.Request().Context()
			if cfg.Revocations != nil {
				revoked, err := cfg.Revocations.IsRevoked(ctx, claims.ID)
				if err != nil {
					log.Ctx(ctx).Error().Err(err).Msg("revocation lookup failed")
					return echo.NewHTTPError(http.StatusServiceUnavailable, "authentication unavailable")
				}
				if revoked {
					return echo.NewHTTPError(http.StatusUnauthorized, "token revoked")
				}
			}

			if cfg.Accounts != nil {
				active, err := cfg.Accounts.IsActive(ctx, doctorID)
				if err != nil {
					log.Ctx(ctx).Error().Err(err).Msg("account lookup failed")
					return echo.NewHTTPError(http.StatusServiceUnavailable, "authentication unavailable")
				}
				if !active {
					return echo.NewHTTPError(http.StatusUnauthorized, "account disabled")
				}
			}

			ctx = WithIdentity(ctx, Identity{DoctorID: doctorID, Role: claims.Role})
			ctx = WithToken(ctx, TokenInfo{ID: claims.ID, ExpiresAt: claims.ExpiresAt.Time})
			c.SetRequest(c.Request().WithContext(ctx))

			return next(c)
		}
	}
}
