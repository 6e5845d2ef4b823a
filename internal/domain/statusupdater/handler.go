package statusupdater

import (
	"net/http"
	"strconv"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"

	"github.com/ehr/vaxstatus/internal/domain/facts"
	"github.com/ehr/vaxstatus/internal/domain/status"
	"github.com/ehr/vaxstatus/internal/platform/queue"
	"github.com/ehr/vaxstatus/pkg/pagination"
)

type Handler struct {
	updater *Updater
	store   Store
	queue   Enqueuer
}

func NewHandler(updater *Updater, store Store, q Enqueuer) *Handler {
	return &Handler{updater: updater, store: store, queue: q}
}

func (h *Handler) RegisterRoutes(api *echo.Group) {
	api.POST("/status-updates", h.RequestUpdate)
	api.GET("/patients/:id/statuses", h.GetPatientStatuses)
	api.GET("/programme-statuses", h.ListProgrammeStatuses)
}

// UpdateRequest asks for patients to be recomputed.
type UpdateRequest struct {
	PatientIDs    []uuid.UUID `json:"patient_ids"`
	AcademicYears []int       `json:"academic_years"`
	Sync          bool        `json:"sync"`
	Reason        string      `json:"reason"`
}

func (h *Handler) RequestUpdate(c echo.Context) error {
	var req UpdateRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	if len(req.PatientIDs) == 0 {
		return echo.NewHTTPError(http.StatusBadRequest, "patient_ids is required")
	}
	years := make([]facts.AcademicYear, 0, len(req.AcademicYears))
	for _, y := range req.AcademicYears {
		if y < 1900 || y > 9999 {
			return echo.NewHTTPError(http.StatusBadRequest, "invalid academic year: "+strconv.Itoa(y))
		}
		years = append(years, facts.AcademicYear(y))
	}
	if req.Reason == "" {
		req.Reason = "api"
	}

	if req.Sync || h.queue == nil {
		res, err := h.updater.UpdatePatients(c.Request().Context(), req.PatientIDs, years)
		if err != nil {
			return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
		}
		return c.JSON(http.StatusOK, res)
	}

	job := queue.Job{ID: uuid.New(), PatientIDs: req.PatientIDs, AcademicYears: req.AcademicYears, Reason: req.Reason}
	if err := h.queue.Enqueue(c.Request().Context(), job); err != nil {
		return echo.NewHTTPError(http.StatusServiceUnavailable, err.Error())
	}
	return c.JSON(http.StatusAccepted, map[string]interface{}{
		"job_id":   job.ID,
		"patients": len(req.PatientIDs),
	})
}

func (h *Handler) GetPatientStatuses(c echo.Context) error {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid patient id")
	}
	var years []facts.AcademicYear
	if v := c.QueryParam("academic_year"); v != "" {
		y, err := strconv.Atoi(v)
		if err != nil {
			return echo.NewHTTPError(http.StatusBadRequest, "invalid academic_year")
		}
		years = append(years, facts.AcademicYear(y))
	}
	ps, err := h.store.PatientStatuses(c.Request().Context(), id, years)
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	return c.JSON(http.StatusOK, ps)
}

func (h *Handler) ListProgrammeStatuses(c echo.Context) error {
	pg := pagination.FromContext(c)
	f := ProgrammeStatusFilter{
		ProgrammeType: facts.ProgrammeType(c.QueryParam("programme")),
		Status:        status.ProgrammeStatus(c.QueryParam("status")),
		Detail:        status.ProgrammeDetail(c.QueryParam("detail")),
	}
	if v := c.QueryParam("academic_year"); v != "" {
		y, err := strconv.Atoi(v)
		if err != nil {
			return echo.NewHTTPError(http.StatusBadRequest, "invalid academic_year")
		}
		f.AcademicYear = facts.AcademicYear(y)
	}
	rows, total, err := h.store.ListProgrammeStatuses(c.Request().Context(), f, pg.Limit, pg.Offset)
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	return c.JSON(http.StatusOK, pagination.NewPage(c, rows, total, pg))
}
