// Package server exposes a compiled workflow over HTTP: submit runs,
// read back captured events, health.
package server

import (
	"net/http"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"

	"github.com/flowgraph/flowgraph"
	"github.com/flowgraph/flowgraph/common/logger"
	"github.com/flowgraph/flowgraph/errs"
	"github.com/flowgraph/flowgraph/scheduler"
)

// API serves one workflow engine.
type API struct {
	engine *flowgraph.Engine
	log    *logger.Logger
}

// NewAPI wires handlers around an engine. Build the engine with
// flowgraph.WithMemoryCapture for the events endpoint to return data.
func NewAPI(engine *flowgraph.Engine, log *logger.Logger) *API {
	if log == nil {
		log = logger.Discard()
	}
	return &API{engine: engine, log: log}
}

// Router builds the echo instance with all routes registered.
func (a *API) Router() *echo.Echo {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.Use(middleware.Recover())

	e.GET("/healthz", a.health)
	e.POST("/runs", a.submitRun)
	e.GET("/runs/:id/events", a.runEvents)
	return e
}

type runRequest struct {
	Inputs map[string]any `json:"inputs"`
}

type runResponse struct {
	RunID   string         `json:"run_id"`
	Status  string         `json:"status"`
	Outputs map[string]any `json:"outputs,omitempty"`
	Error   *runError      `json:"error,omitempty"`
}

type runError struct {
	Code    string `json:"code,omitempty"`
	Message string `json:"message"`
}

func (a *API) health(c echo.Context) error {
	return c.JSON(http.StatusOK, map[string]any{
		"status": "healthy",
		"graph":  a.engine.Definition().Name,
	})
}

// submitRun executes the workflow synchronously and reports its outputs.
// The run id is assigned up front so events stay addressable when the
// run fails.
func (a *API) submitRun(c echo.Context) error {
	var req runRequest
	if err := c.Bind(&req); err != nil {
		return c.JSON(http.StatusBadRequest, runResponse{
			Status: "rejected",
			Error:  &runError{Message: "request body must be JSON with an inputs object"},
		})
	}

	runID := uuid.NewString()
	result, err := a.engine.Run(c.Request().Context(), req.Inputs, scheduler.WithRunID(runID))
	if err != nil {
		a.log.WithRunID(runID).Error("run failed", "error", err)
		return c.JSON(http.StatusUnprocessableEntity, runResponse{
			RunID:  runID,
			Status: "error",
			Error:  &runError{Code: errs.CodeOf(err), Message: err.Error()},
		})
	}

	return c.JSON(http.StatusOK, runResponse{
		RunID:   result.RunID,
		Status:  "success",
		Outputs: result.Outputs,
	})
}

func (a *API) runEvents(c echo.Context) error {
	runID := c.Param("id")
	events := a.engine.Events(runID)

	out := make([]map[string]any, 0, len(events))
	for _, ev := range events {
		record := make(map[string]any, len(ev.Payload)+1)
		record["event"] = ev.Event
		for k, v := range ev.Payload {
			record[k] = v
		}
		out = append(out, record)
	}
	return c.JSON(http.StatusOK, map[string]any{
		"run_id": runID,
		"events": out,
	})
}
