package episode

import (
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"

	"github.com/neuroclinic/clinic/internal/platform/auth"
	"github.com/neuroclinic/clinic/internal/platform/blobstore"
	"github.com/neuroclinic/clinic/pkg/pagination"
)

type Handler struct {
	svc *Service
}

func NewHandler(svc *Service) *Handler {
	return &Handler{svc: svc}
}

func (h *Handler) RegisterRoutes(api *echo.Group) {
	member := auth.RequireRole(auth.RoleDoctor, auth.RoleAdmin)

	eps := api.Group("/episodes", member)
	eps.GET("", h.ListEpisodes)
	eps.POST("", h.Enroll, auth.RequireRole(auth.RoleDoctor))
	eps.GET("/:id", h.GetEpisode)
	eps.POST("/:id/sessions", h.AddSession)
	eps.POST("/:id/vouchers", h.AddVoucher)
	eps.POST("/:id/reports", h.UploadReport)
	eps.GET("/:id/reports/:reportId", h.DownloadReport)

	api.GET("/alerts", h.Alerts, member)

	stats := api.Group("/stats", member)
	stats.GET("/doctors", h.DoctorStats)
	stats.GET("/voucher-types", h.VoucherTypeStats)
	stats.GET("/dashboard", h.Dashboard)
}

func actorFrom(c echo.Context) auth.Identity {
	id, _ := auth.IdentityFromContext(c.Request().Context())
	return id
}

func parseDate(field, raw string) (time.Time, error) {
	t, err := time.Parse(time.DateOnly, strings.TrimSpace(raw))
	if err != nil {
		return time.Time{}, echo.NewHTTPError(http.StatusBadRequest, field+" must be a date in YYYY-MM-DD format")
	}
	return t, nil
}

func pathID(c echo.Context, name string) (uuid.UUID, error) {
	id, err := uuid.Parse(c.Param(name))
	if err != nil {
		return uuid.Nil, echo.NewHTTPError(http.StatusBadRequest, "invalid "+name)
	}
	return id, nil
}

type enrollRequest struct {
	Name       string `json:"name"`
	ExternalID string `json:"external_id"`
	CardID     string `json:"card_id"`
	Location   string `json:"location"`
	StartDate  string `json:"start_date"`
}

func (h *Handler) Enroll(c echo.Context) error {
	var req enrollRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	start, err := parseDate("start_date", req.StartDate)
	if err != nil {
		return err
	}
	ep, err := h.svc.Enroll(c.Request().Context(), actorFrom(c), EnrollInput{
		Name:       req.Name,
		ExternalID: req.ExternalID,
		CardID:     req.CardID,
		Location:   req.Location,
		StartDate:  start,
	})
	if err != nil {
		return httpError(c, err)
	}
	return c.JSON(http.StatusCreated, ep)
}

func (h *Handler) ListEpisodes(c echo.Context) error {
	p := pagination.FromContext(c)
	f := ListFilter{Status: c.QueryParam("status"), Query: c.QueryParam("q")}
	items, total, err := h.svc.ListEpisodes(c.Request().Context(), actorFrom(c), f, p.Limit, p.Offset)
	if err != nil {
		return httpError(c, err)
	}
	return c.JSON(http.StatusOK, pagination.NewResponse(items, total, p.Limit, p.Offset).
		WithLinks(c.Request().URL.Path, c.QueryParams()))
}

func (h *Handler) GetEpisode(c echo.Context) error {
	id, err := pathID(c, "id")
	if err != nil {
		return err
	}
	d, err := h.svc.GetEpisode(c.Request().Context(), actorFrom(c), id)
	if err != nil {
		return httpError(c, err)
	}
	return c.JSON(http.StatusOK, d)
}

type sessionRequest struct {
	VisitDate string `json:"visit_date"`
	Notes     string `json:"notes"`
}

func (h *Handler) AddSession(c echo.Context) error {
	id, err := pathID(c, "id")
	if err != nil {
		return err
	}
	var req sessionRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	in := SessionInput{Notes: req.Notes}
	if req.VisitDate != "" {
		if in.VisitDate, err = parseDate("visit_date", req.VisitDate); err != nil {
			return err
		}
	}
	sess, err := h.svc.AddSession(c.Request().Context(), actorFrom(c), id, in)
	if err != nil {
		return httpError(c, err)
	}
	return c.JSON(http.StatusCreated, sess)
}

// voucherRequest has no price field; any price sent by the client is
// ignored by the decoder.
type voucherRequest struct {
	Type string `json:"type"`
	Code string `json:"code"`
}

func (h *Handler) AddVoucher(c echo.Context) error {
	id, err := pathID(c, "id")
	if err != nil {
		return err
	}
	var req voucherRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	v, err := h.svc.AddVoucher(c.Request().Context(), actorFrom(c), id, VoucherInput{Type: req.Type, Code: req.Code})
	if err != nil {
		return httpError(c, err)
	}
	return c.JSON(http.StatusCreated, v)
}

// UploadReport accepts multipart form data with a "file" part and an
// optional "finalize" flag.
func (h *Handler) UploadReport(c echo.Context) error {
	id, err := pathID(c, "id")
	if err != nil {
		return err
	}
	fh, err := c.FormFile("file")
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "file is required")
	}
	finalize := false
	if raw := c.FormValue("finalize"); raw != "" {
		if raw == "on" {
			finalize = true
		} else if finalize, err = strconv.ParseBool(raw); err != nil {
			return echo.NewHTTPError(http.StatusBadRequest, "finalize must be a boolean")
		}
	}

	f, err := fh.Open()
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "unreadable file")
	}
	defer f.Close()

	rep, err := h.svc.UploadReport(c.Request().Context(), actorFrom(c), id, ReportUpload{
		Filename:    fh.Filename,
		ContentType: fh.Header.Get(echo.HeaderContentType),
		Content:     f,
		Finalize:    finalize,
	})
	if err != nil {
		return httpError(c, err)
	}
	return c.JSON(http.StatusCreated, rep)
}

func (h *Handler) DownloadReport(c echo.Context) error {
	id, err := pathID(c, "id")
	if err != nil {
		return err
	}
	reportID, err := pathID(c, "reportId")
	if err != nil {
		return err
	}
	rc, rep, err := h.svc.DownloadReport(c.Request().Context(), actorFrom(c), id, reportID)
	if err != nil {
		return httpError(c, err)
	}
	defer rc.Close()

	c.Response().Header().Set(echo.HeaderContentDisposition, `inline; filename="`+rep.StorageKey+`"`)
	c.Response().Header().Set(echo.HeaderContentType, rep.ContentType)
	c.Response().WriteHeader(http.StatusOK)
	_, err = io.Copy(c.Response(), rc)
	return err
}

func (h *Handler) Alerts(c echo.Context) error {
	alerts, err := h.svc.Alerts(c.Request().Context(), actorFrom(c))
	if err != nil {
		return httpError(c, err)
	}
	p := pagination.FromContext(c)
	return c.JSON(http.StatusOK, pagination.NewResponse(pagination.Window(alerts, p), len(alerts), p.Limit, p.Offset).
		WithLinks(c.Request().URL.Path, c.QueryParams()))
}

func (h *Handler) DoctorStats(c echo.Context) error {
	stats, err := h.svc.DoctorStats(c.Request().Context(), actorFrom(c))
	if err != nil {
		return httpError(c, err)
	}
	return c.JSON(http.StatusOK, map[string]interface{}{"data": stats})
}

func (h *Handler) VoucherTypeStats(c echo.Context) error {
	stats, err := h.svc.VoucherTypeStats(c.Request().Context(), actorFrom(c))
	if err != nil {
		return httpError(c, err)
	}
	return c.JSON(http.StatusOK, map[string]interface{}{"data": stats})
}

func (h *Handler) Dashboard(c echo.Context) error {
	d, err := h.svc.Dashboard(c.Request().Context(), actorFrom(c))
	if err != nil {
		return httpError(c, err)
	}
	return c.JSON(http.StatusOK, d)
}

// httpError maps engine errors to HTTP status codes. Forbidden carries no
// detail so doctors cannot probe for other doctors' episodes.
func httpError(c echo.Context, err error) error {
	switch {
	case errors.Is(err, ErrValidation):
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	case errors.Is(err, ErrForbidden):
		return echo.NewHTTPError(http.StatusForbidden, "forbidden")
	case errors.Is(err, ErrNotFound):
		return echo.NewHTTPError(http.StatusNotFound, "not found")
	case errors.Is(err, ErrDuplicateExternalID), errors.Is(err, ErrDuplicateVoucherType), errors.Is(err, ErrConflict):
		return echo.NewHTTPError(http.StatusConflict, err.Error())
	case errors.Is(err, ErrUnsupportedFileType):
		return echo.NewHTTPError(http.StatusUnsupportedMediaType, "only PDF reports are accepted")
	case errors.Is(err, blobstore.ErrFileTooLarge):
		return echo.NewHTTPError(http.StatusRequestEntityTooLarge, err.Error())
	case errors.Is(err, ErrSessionLimitExceeded), errors.Is(err, ErrCutoffExceeded),
		errors.Is(err, ErrGateNotMet), errors.Is(err, ErrEpisodeFinalized):
		return echo.NewHTTPError(http.StatusUnprocessableEntity, err.Error())
	}
	zerolog.Ctx(c.Request().Context()).Error().Err(err).Msg("episode request failed")
	return echo.NewHTTPError(http.StatusInternalServerError, "internal server error")
}
