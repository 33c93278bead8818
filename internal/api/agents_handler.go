package api

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/labstack/echo/v4"

	"github.com/agentfeed/internal/loop"
	"github.com/agentfeed/internal/store"
)

type AgentsHandler struct {
	store     store.Store
	scheduler *loop.Scheduler
	runner    *loop.Runner
}

func NewAgentsHandler(st store.Store, scheduler *loop.Scheduler, runner *loop.Runner) *AgentsHandler {
	return &AgentsHandler{store: st, scheduler: scheduler, runner: runner}
}

func (h *AgentsHandler) Get(c echo.Context) error {
	id, err := agentID(c)
	if err != nil {
		return err
	}
	a, err := h.store.GetAgent(c.Request().Context(), id)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return echo.NewHTTPError(http.StatusNotFound, "agent not found")
		}
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	return c.JSON(http.StatusOK, a)
}

// TriggerCycle runs one cycle synchronously. A held lease is reported, not
// an error: the caller sees ok=false with reason locked_or_disabled.
func (h *AgentsHandler) TriggerCycle(c echo.Context) error {
	id, err := agentID(c)
	if err != nil {
		return err
	}
	res, err := h.scheduler.RunCycle(c.Request().Context(), id)
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	return c.JSON(http.StatusOK, res)
}

// EnableAutonomy turns the agent's loop on, atomically disabling the
// owner's other agents so at most one runs autonomously per user.
func (h *AgentsHandler) EnableAutonomy(c echo.Context) error {
	id, err := agentID(c)
	if err != nil {
		return err
	}
	ctx := c.Request().Context()
	a, err := h.store.GetAgent(ctx, id)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return echo.NewHTTPError(http.StatusNotFound, "agent not found")
		}
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	if err := h.store.EnableAutonomy(ctx, a.UserID, a.ID); err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	return c.JSON(http.StatusOK, map[string]string{"status": "enabled"})
}

func (h *AgentsHandler) GetPersona(c echo.Context) error {
	id, err := agentID(c)
	if err != nil {
		return err
	}
	a, err := h.store.GetAgent(c.Request().Context(), id)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return echo.NewHTTPError(http.StatusNotFound, "agent not found")
		}
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	return c.JSON(http.StatusOK, a.Persona)
}

// UpdatePersona applies a manual edit to the style dimensions. Edits drop
// the persona back to shadow mode so the changed style has to earn live
// status again, and the edit is snapshotted for history.
func (h *AgentsHandler) UpdatePersona(c echo.Context) error {
	id, err := agentID(c)
	if err != nil {
		return err
	}
	var body struct {
		Warmth     *int    `json:"warmth"`
		Humor      *int    `json:"humor"`
		Directness *int    `json:"directness"`
		Depth      *int    `json:"depth"`
		Challenge  *int    `json:"challenge"`
		Preset     *string `json:"preset"`
	}
	if err := c.Bind(&body); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid body")
	}

	ctx := c.Request().Context()
	a, err := h.store.GetAgent(ctx, id)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return echo.NewHTTPError(http.StatusNotFound, "agent not found")
		}
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}

	applyDimension(&a.Persona.Warmth, body.Warmth)
	applyDimension(&a.Persona.Humor, body.Humor)
	applyDimension(&a.Persona.Directness, body.Directness)
	applyDimension(&a.Persona.Depth, body.Depth)
	applyDimension(&a.Persona.Challenge, body.Challenge)
	if body.Preset != nil {
		a.Persona.Preset = *body.Preset
	}
	a.Persona.Mode = store.ModeShadow

	if err := h.store.SavePersonaSnapshot(ctx, &store.PersonaSnapshot{
		AgentID: a.ID,
		Persona: a.Persona,
		Source:  store.SnapshotManualEdit,
	}); err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	if err := h.store.UpdateAgent(ctx, a); err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	return c.JSON(http.StatusOK, a.Persona)
}

// Sweep runs one fleet sweep pass synchronously.
func (h *AgentsHandler) Sweep(c echo.Context) error {
	started, err := h.runner.RunDueAgents(c.Request().Context())
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	return c.JSON(http.StatusOK, map[string]int{"started": started})
}

func agentID(c echo.Context) (int64, error) {
	id, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil {
		return 0, echo.NewHTTPError(http.StatusBadRequest, "invalid agent id")
	}
	return id, nil
}

func applyDimension(dst *int, v *int) {
	if v == nil {
		return
	}
	val := *v
	if val < 0 {
		val = 0
	}
	if val > 100 {
		val = 100
	}
	*dst = val
}
