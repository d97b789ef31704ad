package api

import (
	"errors"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"

	"RateFusion/internal/domain/models"
	"RateFusion/internal/domain/repository"
	xhttp "RateFusion/pkg/http"
	xlogger "RateFusion/pkg/logger"
)

// TaskController is the slice of the scheduler the API drives.
type TaskController interface {
	GetStatus() models.SchedulerStatus
	Enable(name string) bool
	Disable(name string) bool
}

// IndicatorView is a last-known-good result with its age at read time.
type IndicatorView struct {
	*models.ConsensusResult
	AgeSeconds float64 `json:"age_seconds"`
}

// StatusEchoHandler serves the status, health, indicator and task control routes.
type StatusEchoHandler struct {
	logger *xlogger.Logger
	tasks  TaskController
	health repository.HealthReporter
	latest repository.LatestStore
	now    func() time.Time
}

func NewStatusEchoHandler(logger *xlogger.Logger, tasks TaskController, health repository.HealthReporter, latest repository.LatestStore) *StatusEchoHandler {
	return &StatusEchoHandler{logger: logger, tasks: tasks, health: health, latest: latest, now: time.Now}
}

func (h *StatusEchoHandler) RegisterRoutes(e *echo.Echo, mw ...echo.MiddlewareFunc) {
	g := e.Group("/api", mw...)
	g.GET("/status", h.Status)
	g.GET("/health", h.Health)
	g.GET("/indicators/:key", h.Indicator)
	g.POST("/tasks/:name/enable", h.EnableTask)
	g.POST("/tasks/:name/disable", h.DisableTask)
}

// Status returns the scheduler status as is.
func (h *StatusEchoHandler) Status(c echo.Context) error {
	c.Response().Header().Set(echo.HeaderCacheControl, "no-store")
	return c.JSON(http.StatusOK, h.tasks.GetStatus())
}

// Health returns the latest health snapshot, with 503 while unhealthy.
func (h *StatusEchoHandler) Health(c echo.Context) error {
	snap := h.health.Snapshot()
	code := http.StatusOK
	if snap.Status == models.HealthUnhealthy {
		code = http.StatusServiceUnavailable
	}
	c.Response().Header().Set(echo.HeaderCacheControl, "no-store")
	return c.JSON(code, snap)
}

func (h *StatusEchoHandler) Indicator(c echo.Context) error {
	req := &models.IndicatorRequest{}
	if verr := xhttp.ReadAndValidateRequest(c, req); verr != nil {
		return xhttp.BadRequestResponse(c, verr)
	}

	res, err := h.latest.Get(c.Request().Context(), req.Key)
	if err != nil {
		if errors.Is(err, models.ErrIndicatorNotFound) {
			return xhttp.AppErrorResponse(c, xhttp.NotFoundErrorf("indicator %q has no result yet", req.Key).WithParam("key", req.Key))
		}
		h.logger.Error("indicator lookup failed", xlogger.String("indicator", req.Key), xlogger.Error(err))
		return xhttp.AppErrorResponse(c, xhttp.InternalErrorf("indicator lookup failed").WithError(err))
	}

	age := h.now().Sub(res.ComputedAt).Seconds()
	if age < 0 {
		age = 0
	}
	c.Response().Header().Set(echo.HeaderCacheControl, "private, max-age=15")
	return xhttp.SuccessResponse(c, IndicatorView{ConsensusResult: res, AgeSeconds: age})
}

func (h *StatusEchoHandler) EnableTask(c echo.Context) error {
	return h.toggle(c, true)
}

func (h *StatusEchoHandler) DisableTask(c echo.Context) error {
	return h.toggle(c, false)
}

func (h *StatusEchoHandler) toggle(c echo.Context, enabled bool) error {
	req := &models.TaskActionRequest{}
	if verr := xhttp.ReadAndValidateRequest(c, req); verr != nil {
		return xhttp.BadRequestResponse(c, verr)
	}

	var ok bool
	if enabled {
		ok = h.tasks.Enable(req.Name)
	} else {
		ok = h.tasks.Disable(req.Name)
	}
	if !ok {
		return xhttp.AppErrorResponse(c, taskNotFound(req.Name))
	}

	h.logger.Info("task toggled", xlogger.String("task", req.Name), xlogger.Bool("enabled", enabled))
	snap := h.tasks.GetStatus().Tasks[req.Name]
	return xhttp.SuccessResponse(c, snap)
}

func taskNotFound(name string) *xhttp.AppError {
	return xhttp.NotFoundErrorf("task %q is not registered", name).
		WithParam("name", name).
		WithError(models.ErrTaskNotFound)
}
