package doctor

import (
	"errors"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"

	"github.com/neuroclinic/clinic/internal/platform/auth"
	"github.com/neuroclinic/clinic/pkg/pagination"
)

// TokenIssuer is satisfied by *auth.TokenIssuer.
type TokenIssuer interface {
	Issue(id auth.Identity) (*auth.IssuedToken, error)
}

type Handler struct {
	svc         *Service
	tokens      TokenIssuer
	revocations auth.RevocationStore
}

func NewHandler(svc *Service, tokens TokenIssuer, revocations auth.RevocationStore) *Handler {
	return &Handler{svc: svc, tokens: tokens, revocations: revocations}
}

func (h *Handler) RegisterRoutes(api *echo.Group) {
	api.POST("/auth/login", h.Login)
	api.POST("/auth/logout", h.Logout, auth.RequireAuth())

	me := api.Group("/me", auth.RequireRole(auth.RoleDoctor, auth.RoleAdmin))
	me.GET("", h.Me)
	me.PUT("/password", h.ChangePassword)

	admin := api.Group("/doctors", auth.RequireRole(auth.RoleAdmin))
	admin.GET("", h.List)
	admin.POST("", h.Register)
	admin.GET("/:id", h.Get)
	admin.PATCH("/:id/active", h.SetActive)
	admin.POST("/:id/reset-password", h.ResetPassword)
}

type loginRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

type LoginResponse struct {
	AccessToken string    `json:"access_token"`
	ExpiresAt   time.Time `json:"expires_at"`
	Role        auth.Role `json:"role"`
	DoctorID    uuid.UUID `json:"doctor_id"`
	Name        string    `json:"name"`
}

func (h *Handler) Login(c echo.Context) error {
	var req loginRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	if req.Email == "" || req.Password == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "email and password are required")
	}
	d, err := h.svc.Authenticate(c.Request().Context(), req.Email, req.Password)
	if err != nil {
		return httpError(c, err)
	}
	tok, err := h.tokens.Issue(d.Identity())
	if err != nil {
		return httpError(c, err)
	}
	return c.JSON(http.StatusOK, LoginResponse{
		AccessToken: tok.AccessToken,
		ExpiresAt:   tok.ExpiresAt,
		Role:        d.Role(),
		DoctorID:    d.ID,
		Name:        d.Name,
	})
}

// Logout revokes the presented token until it would have expired anyway.
func (h *Handler) Logout(c echo.Context) error {
	ctx := c.Request().Context()
	ti, ok := auth.TokenFromContext(ctx)
	if !ok || ti.ID == "" {
		return echo.NewHTTPError(http.StatusUnauthorized, "authentication required")
	}
	if err := h.revocations.Revoke(ctx, ti.ID, ti.ExpiresAt); err != nil {
		return httpError(c, err)
	}
	return c.NoContent(http.StatusNoContent)
}

func (h *Handler) Me(c echo.Context) error {
	actor, _ := auth.IdentityFromContext(c.Request().Context())
	d, err := h.svc.Get(c.Request().Context(), actor, actor.DoctorID)
	if err != nil {
		return httpError(c, err)
	}
	return c.JSON(http.StatusOK, d)
}

func (h *Handler) ChangePassword(c echo.Context) error {
	var in ChangePasswordInput
	if err := c.Bind(&in); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	actor, _ := auth.IdentityFromContext(c.Request().Context())
	if err := h.svc.ChangePassword(c.Request().Context(), actor, in); err != nil {
		return httpError(c, err)
	}
	return c.NoContent(http.StatusNoContent)
}

func (h *Handler) List(c echo.Context) error {
	p := pagination.FromContext(c)
	actor, _ := auth.IdentityFromContext(c.Request().Context())
	items, total, err := h.svc.List(c.Request().Context(), actor, p.Limit, p.Offset)
	if err != nil {
		return httpError(c, err)
	}
	if items == nil {
		items = []*Summary{}
	}
	return c.JSON(http.StatusOK, pagination.NewResponse(items, total, p.Limit, p.Offset).
		WithLinks(c.Request().URL.Path, c.QueryParams()))
}

func (h *Handler) Register(c echo.Context) error {
	var in RegisterInput
	if err := c.Bind(&in); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	actor, _ := auth.IdentityFromContext(c.Request().Context())
	d, err := h.svc.Register(c.Request().Context(), actor, in)
	if err != nil {
		return httpError(c, err)
	}
	return c.JSON(http.StatusCreated, d)
}

func (h *Handler) Get(c echo.Context) error {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid id")
	}
	actor, _ := auth.IdentityFromContext(c.Request().Context())
	d, err := h.svc.Get(c.Request().Context(), actor, id)
	if err != nil {
		return httpError(c, err)
	}
	return c.JSON(http.StatusOK, d)
}

type setActiveRequest struct {
	Active *bool `json:"active"`
}

func (h *Handler) SetActive(c echo.Context) error {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid id")
	}
	var req setActiveRequest
	if err := c.Bind(&req); err != nil || req.Active == nil {
		return echo.NewHTTPError(http.StatusBadRequest, "active is required")
	}
	actor, _ := auth.IdentityFromContext(c.Request().Context())
	d, err := h.svc.SetActive(c.Request().Context(), actor, id, *req.Active)
	if err != nil {
		return httpError(c, err)
	}
	return c.JSON(http.StatusOK, d)
}

func (h *Handler) ResetPassword(c echo.Context) error {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid id")
	}
	actor, _ := auth.IdentityFromContext(c.Request().Context())
	password, err := h.svc.ResetPassword(c.Request().Context(), actor, id)
	if err != nil {
		return httpError(c, err)
	}
	return c.JSON(http.StatusOK, map[string]string{"temporary_password": password})
}

func httpError(c echo.Context, err error) error {
	switch {
	case errors.Is(err, ErrValidation):
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	case errors.Is(err, ErrInvalidCredentials):
		return echo.NewHTTPError(http.StatusUnauthorized, ErrInvalidCredentials.Error())
	case errors.Is(err, ErrForbidden):
		return echo.NewHTTPError(http.StatusForbidden, "forbidden")
	case errors.Is(err, ErrNotFound):
		return echo.NewHTTPError(http.StatusNotFound, "doctor not found")
	case errors.Is(err, ErrDuplicateEmail):
		return echo.NewHTTPError(http.StatusConflict, err.Error())
	case errors.Is(err, ErrAdminImmutable):
		return echo.NewHTTPError(http.StatusUnprocessableEntity, err.Error())
	}
	zerolog.Ctx(c.Request().Context()).Error().Err(err).Msg("doctor request failed")
	return echo.NewHTTPError(http.StatusInternalServerError, "internal server error")
}
