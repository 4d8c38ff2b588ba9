package http

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/labstack/echo/v4"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/agentflow/internal/history"
	"github.com/fyrsmithlabs/agentflow/internal/scheduler"
	"github.com/fyrsmithlabs/agentflow/internal/task"
)

// HealthResponse is the response body for GET /health.
type HealthResponse struct {
	Status string `json:"status"`
	Queued int    `json:"queued"`
	Active int    `json:"active"`
}

// TaskListResponse is the response body for GET /api/v1/tasks.
type TaskListResponse struct {
	Tasks []task.Task `json:"tasks"`
	Count int         `json:"count"`
}

// handleHealth returns a simple health check response.
func (s *Server) handleHealth(c echo.Context) error {
	return c.JSON(http.StatusOK, HealthResponse{
		Status: "ok",
		Queued: s.deps.Scheduler.Len(),
		Active: s.deps.Scheduler.Active(),
	})
}

// handleSubmit validates and queues a task.
func (s *Server) handleSubmit(c echo.Context) error {
	var spec task.Spec
	if err := c.Bind(&spec); err != nil {
		s.logger.Warn(c.Request().Context(), "invalid submit request", zap.Error(err))
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}

	t, err := s.deps.Scheduler.Submit(c.Request().Context(), spec)
	if err != nil {
		return toHTTPError(err)
	}
	return c.JSON(http.StatusAccepted, t)
}

// handleList returns every task the engine tracks, optionally filtered by
// ?state=.
func (s *Server) handleList(c echo.Context) error {
	tasks := s.deps.Engine.List()
	if state := task.State(c.QueryParam("state")); state != "" {
		filtered := tasks[:0]
		for _, t := range tasks {
			if t.State == state {
				filtered = append(filtered, t)
			}
		}
		tasks = filtered
	}
	return c.JSON(http.StatusOK, TaskListResponse{Tasks: tasks, Count: len(tasks)})
}

// handleGet returns one task, falling back to history for tasks the engine
// has already pruned.
func (s *Server) handleGet(c echo.Context) error {
	id := c.Param("id")
	t, err := s.deps.Engine.Get(id)
	if errors.Is(err, task.ErrNotFound) && s.deps.History != nil {
		t, err = s.deps.History.Get(c.Request().Context(), id)
	}
	if err != nil {
		return toHTTPError(err)
	}
	return c.JSON(http.StatusOK, t)
}

func (s *Server) handlePause(c echo.Context) error {
	t, err := s.deps.Engine.Pause(c.Request().Context(), c.Param("id"))
	if err != nil {
		return toHTTPError(err)
	}
	return c.JSON(http.StatusAccepted, t)
}

func (s *Server) handleResume(c echo.Context) error {
	t, err := s.deps.Scheduler.Resume(c.Request().Context(), c.Param("id"))
	if err != nil {
		return toHTTPError(err)
	}
	return c.JSON(http.StatusAccepted, t)
}

func (s *Server) handleCancel(c echo.Context) error {
	t, err := s.deps.Engine.Cancel(c.Request().Context(), c.Param("id"))
	if err != nil {
		return toHTTPError(err)
	}
	return c.JSON(http.StatusAccepted, t)
}

// handleProgress returns a freshly computed progress snapshot.
func (s *Server) handleProgress(c echo.Context) error {
	return c.JSON(http.StatusOK, s.deps.Progress.Snapshot())
}

// handleHistory lists finished tasks from the history store.
func (s *Server) handleHistory(c echo.Context) error {
	if s.deps.History == nil {
		return echo.NewHTTPError(http.StatusNotFound, "history is not enabled")
	}

	opts := history.ListOptions{State: task.State(c.QueryParam("state"))}
	if raw := c.QueryParam("limit"); raw != "" {
		limit, err := strconv.Atoi(raw)
		if err != nil || limit < 1 {
			return echo.NewHTTPError(http.StatusBadRequest, "limit must be a positive integer")
		}
		opts.Limit = limit
	}

	tasks, err := s.deps.History.List(c.Request().Context(), opts)
	if err != nil {
		return toHTTPError(err)
	}
	if tasks == nil {
		tasks = []task.Task{}
	}
	return c.JSON(http.StatusOK, TaskListResponse{Tasks: tasks, Count: len(tasks)})
}

// toHTTPError maps domain errors onto status codes.
func toHTTPError(err error) error {
	switch {
	case errors.Is(err, task.ErrInvalidSpec):
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	case errors.Is(err, task.ErrNotFound):
		return echo.NewHTTPError(http.StatusNotFound, err.Error())
	case errors.Is(err, task.ErrInvalidTransition):
		return echo.NewHTTPError(http.StatusConflict, err.Error())
	case errors.Is(err, scheduler.ErrQueueFull):
		return echo.NewHTTPError(http.StatusServiceUnavailable, err.Error())
	default:
		return echo.NewHTTPError(http.StatusInternalServerError, "internal error").SetInternal(err)
	}
}
