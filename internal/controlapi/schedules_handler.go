package controlapi

import (
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/render"

	"github.com/skuldlabs/skuld/internal/logger"
	"github.com/skuldlabs/skuld/internal/rollout"
	"github.com/skuldlabs/skuld/internal/store"
)

// handleCreateSchedule processes POST /api/v1/schedules.
func (a *API) handleCreateSchedule(w http.ResponseWriter, r *http.Request) {
	var req CreateScheduleRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	req.Sanitize()
	if errResp := req.Validate(); errResp != nil {
		badRequest(w, r, errResp)
		return
	}

	steps := make([]rollout.StepInput, 0, len(req.Steps))
	for _, step := range req.Steps {
		steps = append(steps, rollout.StepInput{
			Percentage: *step.Percentage,
			ExecuteAt:  step.ExecuteAt,
		})
	}

	schedule, err := a.service.CreateSchedule(r.Context(), req.FeatureName, req.ScheduleName, steps)
	if err != nil {
		a.respondServiceError(w, r, err)
		return
	}

	render.Status(r, http.StatusCreated)
	render.JSON(w, r, mapSchedule(schedule))
}

// handleGetSchedule processes GET /api/v1/schedules/{scheduleID}.
func (a *API) handleGetSchedule(w http.ResponseWriter, r *http.Request) {
	schedule, err := a.service.GetSchedule(r.Context(), chi.URLParam(r, "scheduleID"))
	if err != nil {
		a.respondServiceError(w, r, err)
		return
	}
	render.Status(r, http.StatusOK)
	render.JSON(w, r, mapSchedule(schedule))
}

// handleUpdateScheduleStatus processes PATCH /api/v1/schedules/{scheduleID}/status:
// pause, resume, or cancel. Completion is the driver's alone; asking for
// it answers 409.
func (a *API) handleUpdateScheduleStatus(w http.ResponseWriter, r *http.Request) {
	var req UpdateScheduleStatusRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if errResp := req.Validate(); errResp != nil {
		badRequest(w, r, errResp)
		return
	}

	schedule, err := a.service.UpdateScheduleStatus(r.Context(), chi.URLParam(r, "scheduleID"), store.ScheduleStatus(req.Status))
	if err != nil {
		a.respondServiceError(w, r, err)
		return
	}
	render.Status(r, http.StatusOK)
	render.JSON(w, r, mapSchedule(schedule))
}

// handleListFlagSchedules processes GET /api/v1/flags/{featureName}/schedules.
func (a *API) handleListFlagSchedules(w http.ResponseWriter, r *http.Request) {
	featureName := chi.URLParam(r, "featureName")

	if _, err := a.service.GetFlag(r.Context(), featureName); err != nil {
		a.respondServiceError(w, r, err)
		return
	}

	schedules, err := a.service.ListSchedulesForFeature(r.Context(), featureName)
	if err != nil {
		a.respondServiceError(w, r, err)
		return
	}

	out := make([]ScheduleResponse, 0, len(schedules))
	for _, s := range schedules {
		out = append(out, mapSchedule(s))
	}
	render.Status(r, http.StatusOK)
	render.JSON(w, r, out)
}

// handleExecuteSchedules processes POST /api/v1/schedules/execute: a
// manual driver pass for operators who cannot wait out the polling
// interval.
func (a *API) handleExecuteSchedules(w http.ResponseWriter, r *http.Request) {
	log := logger.FromContext(r.Context())

	if a.executor == nil {
		render.Status(r, http.StatusServiceUnavailable)
		render.JSON(w, r, ErrorResponse{Code: "ERR_UNAVAILABLE", Message: "Schedule driver is not running in this process"})
		return
	}

	executed, err := a.executor.ExecutePending(r.Context())
	if err != nil {
		a.respondServiceError(w, r, err)
		return
	}

	log.Info("manual schedule pass triggered", slog.Int("executed_steps", executed))
	render.Status(r, http.StatusOK)
	render.JSON(w, r, map[string]int{"executed_steps": executed})
}
