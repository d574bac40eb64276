package main

import (
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/weftworks/weft/internal/persistence"
	"github.com/weftworks/weft/pkg/api"
)

// Wire shapes for the trigger API. The engine types carry no JSON tags
// on purpose; the HTTP surface owns its own representation.

type stepDTO struct {
	ID          string         `json:"id"`
	Module      string         `json:"module"`
	Action      string         `json:"action"`
	Params      map[string]any `json:"params,omitempty"`
	MaxAttempts int            `json:"max_attempts,omitempty"`
	TimeoutMS   int64          `json:"timeout_ms,omitempty"`
	OnFailure   string         `json:"on_failure,omitempty"`
	Retry       *retryDTO      `json:"retry,omitempty"`
}

type retryDTO struct {
	BaseDelayMS int64   `json:"base_delay_ms"`
	MaxDelayMS  int64   `json:"max_delay_ms,omitempty"`
	Jitter      float64 `json:"jitter,omitempty"`
}

type edgeDTO struct {
	From string `json:"from"`
	To   string `json:"to"`
}

type definitionDTO struct {
	ID    string    `json:"id"`
	Steps []stepDTO `json:"steps"`
	Edges []edgeDTO `json:"edges,omitempty"`
}

type startRunRequest struct {
	DefinitionID string         `json:"definition_id"`
	Input        map[string]any `json:"input,omitempty"`
}

type runDTO struct {
	ID           string         `json:"id"`
	DefinitionID string         `json:"definition_id"`
	Status       string         `json:"status"`
	Input        map[string]any `json:"input,omitempty"`
	CreatedAt    time.Time      `json:"created_at"`
	CompletedAt  *time.Time     `json:"completed_at,omitempty"`
}

type stepRunDTO struct {
	StepID     string         `json:"step_id"`
	Status     string         `json:"status"`
	Attempt    int            `json:"attempt"`
	LastError  string         `json:"last_error,omitempty"`
	Output     map[string]any `json:"output,omitempty"`
	StartedAt  *time.Time     `json:"started_at,omitempty"`
	FinishedAt *time.Time     `json:"finished_at,omitempty"`
}

type snapshotDTO struct {
	Run   runDTO       `json:"run"`
	Steps []stepRunDTO `json:"steps"`
}

type jobLogDTO struct {
	ID         int64     `json:"id"`
	StepID     string    `json:"step_id"`
	Attempt    int       `json:"attempt"`
	Outcome    string    `json:"outcome"`
	Error      string    `json:"error,omitempty"`
	DurationMS int64     `json:"duration_ms"`
	CreatedAt  time.Time `json:"created_at"`
}

func newHTTPServer(eng api.Engine, logger *slog.Logger) *echo.Echo {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.Use(middleware.Recover())
	e.Use(middleware.RequestID())

	h := &handler{eng: eng, logger: logger}

	v1 := e.Group("/api/v1")
	v1.POST("/definitions", h.publishDefinition)
	v1.GET("/definitions/:id", h.getDefinition)
	v1.POST("/runs", h.startRun)
	v1.GET("/runs", h.listRuns)
	v1.GET("/runs/:id", h.getRun)
	v1.DELETE("/runs/:id", h.cancelRun)
	v1.GET("/runs/:id/logs", h.listJobLogs)

	e.GET("/metrics", echo.WrapHandler(promhttp.Handler()))
	e.GET("/healthz", func(c echo.Context) error {
		return c.JSON(http.StatusOK, map[string]string{"status": "ok"})
	})
	return e
}

type handler struct {
	eng    api.Engine
	logger *slog.Logger
}

func (h *handler) publishDefinition(c echo.Context) error {
	var dto definitionDTO
	if err := c.Bind(&dto); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}

	def := api.WorkflowDefinition{ID: dto.ID}
	for _, s := range dto.Steps {
		step := api.StepDefinition{
			ID:          s.ID,
			Module:      s.Module,
			Action:      s.Action,
			Params:      s.Params,
			MaxAttempts: s.MaxAttempts,
			Timeout:     time.Duration(s.TimeoutMS) * time.Millisecond,
			OnFailure:   api.OnFailure(s.OnFailure),
		}
		if s.Retry != nil {
			step.Retry = &api.RetryPolicy{
				BaseDelay: time.Duration(s.Retry.BaseDelayMS) * time.Millisecond,
				MaxDelay:  time.Duration(s.Retry.MaxDelayMS) * time.Millisecond,
				Jitter:    s.Retry.Jitter,
			}
		}
		def.Steps = append(def.Steps, step)
	}
	for _, ed := range dto.Edges {
		def.Edges = append(def.Edges, api.Edge{From: ed.From, To: ed.To})
	}

	if err := h.eng.PublishDefinition(c.Request().Context(), def); err != nil {
		var verr *api.ValidationError
		if errors.As(err, &verr) {
			return echo.NewHTTPError(http.StatusBadRequest, verr.Error())
		}
		if errors.Is(err, persistence.ErrDefinitionExists) {
			return echo.NewHTTPError(http.StatusConflict, err.Error())
		}
		return err
	}
	return c.JSON(http.StatusCreated, map[string]string{"id": def.ID})
}

func (h *handler) getDefinition(c echo.Context) error {
	def, err := h.eng.GetDefinition(c.Request().Context(), c.Param("id"))
	if err != nil {
		if errors.Is(err, persistence.ErrDefinitionNotFound) {
			return echo.NewHTTPError(http.StatusNotFound, err.Error())
		}
		return err
	}

	dto := definitionDTO{ID: def.ID}
	for _, s := range def.Steps {
		sd := stepDTO{
			ID:          s.ID,
			Module:      s.Module,
			Action:      s.Action,
			Params:      s.Params,
			MaxAttempts: s.MaxAttempts,
			TimeoutMS:   s.Timeout.Milliseconds(),
			OnFailure:   string(s.OnFailure),
		}
		if s.Retry != nil {
			sd.Retry = &retryDTO{
				BaseDelayMS: s.Retry.BaseDelay.Milliseconds(),
				MaxDelayMS:  s.Retry.MaxDelay.Milliseconds(),
				Jitter:      s.Retry.Jitter,
			}
		}
		dto.Steps = append(dto.Steps, sd)
	}
	for _, ed := range def.Edges {
		dto.Edges = append(dto.Edges, edgeDTO{From: ed.From, To: ed.To})
	}
	return c.JSON(http.StatusOK, dto)
}

func (h *handler) startRun(c echo.Context) error {
	var req startRunRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	runID, err := h.eng.StartRun(c.Request().Context(), req.DefinitionID, req.Input)
	if err != nil {
		if errors.Is(err, persistence.ErrDefinitionNotFound) {
			return echo.NewHTTPError(http.StatusNotFound, err.Error())
		}
		return err
	}
	return c.JSON(http.StatusAccepted, map[string]string{"run_id": runID})
}

func (h *handler) listRuns(c echo.Context) error {
	runs, err := h.eng.ListRuns(c.Request().Context(), api.RunListOptions{
		DefinitionID: c.QueryParam("definition_id"),
		Status:       api.RunStatus(c.QueryParam("status")),
	})
	if err != nil {
		return err
	}
	out := make([]runDTO, 0, len(runs))
	for _, r := range runs {
		out = append(out, toRunDTO(r))
	}
	return c.JSON(http.StatusOK, out)
}

func (h *handler) getRun(c echo.Context) error {
	snap, err := h.eng.GetRun(c.Request().Context(), c.Param("id"))
	if err != nil {
		if errors.Is(err, persistence.ErrRunNotFound) {
			return echo.NewHTTPError(http.StatusNotFound, err.Error())
		}
		return err
	}
	dto := snapshotDTO{Run: toRunDTO(snap.Run)}
	for _, sr := range snap.Steps {
		dto.Steps = append(dto.Steps, toStepRunDTO(sr))
	}
	return c.JSON(http.StatusOK, dto)
}

func (h *handler) cancelRun(c echo.Context) error {
	err := h.eng.CancelRun(c.Request().Context(), c.Param("id"))
	if err != nil {
		if errors.Is(err, persistence.ErrRunNotFound) {
			return echo.NewHTTPError(http.StatusNotFound, err.Error())
		}
		if errors.Is(err, api.ErrRunNotActive) {
			return echo.NewHTTPError(http.StatusConflict, err.Error())
		}
		return err
	}
	return c.NoContent(http.StatusAccepted)
}

func (h *handler) listJobLogs(c echo.Context) error {
	logs, err := h.eng.ListJobLogs(c.Request().Context(), c.Param("id"))
	if err != nil {
		if errors.Is(err, persistence.ErrRunNotFound) {
			return echo.NewHTTPError(http.StatusNotFound, err.Error())
		}
		return err
	}
	out := make([]jobLogDTO, 0, len(logs))
	for _, l := range logs {
		out = append(out, jobLogDTO{
			ID:         l.ID,
			StepID:     l.StepID,
			Attempt:    l.Attempt,
			Outcome:    string(l.Outcome),
			Error:      l.Error,
			DurationMS: l.Duration.Milliseconds(),
			CreatedAt:  l.CreatedAt,
		})
	}
	return c.JSON(http.StatusOK, out)
}

func toRunDTO(r *api.WorkflowRun) runDTO {
	dto := runDTO{
		ID:           r.ID,
		DefinitionID: r.DefinitionID,
		Status:       string(r.Status),
		Input:        r.Input,
		CreatedAt:    r.CreatedAt,
	}
	if !r.CompletedAt.IsZero() {
		t := r.CompletedAt
		dto.CompletedAt = &t
	}
	return dto
}

func toStepRunDTO(sr *api.StepRun) stepRunDTO {
	dto := stepRunDTO{
		StepID:    sr.StepID,
		Status:    string(sr.Status),
		Attempt:   sr.Attempt,
		LastError: sr.LastError,
		Output:    sr.Output,
	}
	if !sr.StartedAt.IsZero() {
		t := sr.StartedAt
		dto.StartedAt = &t
	}
	if !sr.FinishedAt.IsZero() {
		t := sr.FinishedAt
		dto.FinishedAt = &t
	}
	return dto
}
