package controlapi

import (
	"log/slog"
	"math"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/render"

	"github.com/skuldlabs/skuld/internal/logger"
	"github.com/skuldlabs/skuld/internal/rollout"
	"github.com/skuldlabs/skuld/internal/store"
)

// handleUpsertFlag processes POST /api/v1/flags. Flags are keyed by
// feature name, so a repeated POST redefines the flag; a first write
// answers 201, a redefinition 200.
func (a *API) handleUpsertFlag(w http.ResponseWriter, r *http.Request) {
	log := logger.FromContext(r.Context())

	var req UpsertFlagRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	req.Sanitize()
	if errResp := req.Validate(); errResp != nil {
		badRequest(w, r, errResp)
		return
	}

	flag, err := a.service.UpsertFlag(r.Context(), rollout.FlagInput{
		FeatureName:       req.FeatureName,
		Description:       req.Description,
		Enabled:           req.Enabled,
		RolloutPercentage: req.RolloutPercentage,
		TargetAudience:    store.Audience(req.TargetAudience),
		CohortRules:       req.CohortRules,
		ABTest:            req.ABTest,
		Strategy:          store.Strategy(req.Strategy),
		RolloutStart:      req.RolloutStart,
		RolloutEnd:        req.RolloutEnd,
		ParentFeatureName: req.ParentFeatureName,
	})
	if err != nil {
		a.respondServiceError(w, r, err)
		return
	}

	log.Info("flag upserted via api",
		slog.String("feature_name", flag.FeatureName),
		slog.Int64("version", flag.Version),
	)

	status := http.StatusOK
	if flag.Version == 1 {
		status = http.StatusCreated
	}
	render.Status(r, status)
	render.JSON(w, r, mapFlag(flag))
}

// handleListFlags processes GET /api/v1/flags with offset pagination and
// an optional audience filter.
func (a *API) handleListFlags(w http.ResponseWriter, r *http.Request) {
	page, _ := strconv.Atoi(r.URL.Query().Get("page"))
	if page < 1 {
		page = 1
	}
	pageSize, _ := strconv.Atoi(r.URL.Query().Get("page_size"))

	filter := store.ListFilter{
		Audience: store.Audience(r.URL.Query().Get("audience")),
		Limit:    pageSize,
		Offset:   (page - 1) * pageSize,
	}

	flags, total, err := a.service.ListFlags(r.Context(), filter)
	if err != nil {
		a.respondServiceError(w, r, err)
		return
	}

	if pageSize < 1 {
		// Mirror the clamp the service applied so the metadata is honest.
		pageSize = len(flags)
		if pageSize == 0 {
			pageSize = 1
		}
	}

	render.Status(r, http.StatusOK)
	render.JSON(w, r, PaginatedResponse{
		Data: mapFlags(flags),
		Pagination: Pagination{
			TotalItems:  total,
			TotalPages:  int(math.Ceil(float64(total) / float64(pageSize))),
			CurrentPage: page,
			PageSize:    pageSize,
		},
	})
}

// handleGetFlag processes GET /api/v1/flags/{featureName}.
func (a *API) handleGetFlag(w http.ResponseWriter, r *http.Request) {
	flag, err := a.service.GetFlag(r.Context(), chi.URLParam(r, "featureName"))
	if err != nil {
		a.respondServiceError(w, r, err)
		return
	}
	render.Status(r, http.StatusOK)
	render.JSON(w, r, mapFlag(flag))
}

// handleDeleteFlag processes DELETE /api/v1/flags/{featureName}. A flag
// with children answers 409.
func (a *API) handleDeleteFlag(w http.ResponseWriter, r *http.Request) {
	if err := a.service.DeleteFlag(r.Context(), chi.URLParam(r, "featureName")); err != nil {
		a.respondServiceError(w, r, err)
		return
	}
	render.NoContent(w, r)
}

// handleSetPercentage processes PATCH /api/v1/flags/{featureName}/percentage.
func (a *API) handleSetPercentage(w http.ResponseWriter, r *http.Request) {
	featureName := chi.URLParam(r, "featureName")

	var req PercentageRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if errResp := req.Validate(); errResp != nil {
		badRequest(w, r, errResp)
		return
	}

	if err := a.service.SetRolloutPercentage(r.Context(), featureName, *req.Percentage, req.Reason); err != nil {
		a.respondServiceError(w, r, err)
		return
	}

	flag, err := a.service.GetFlag(r.Context(), featureName)
	if err != nil {
		a.respondServiceError(w, r, err)
		return
	}
	render.Status(r, http.StatusOK)
	render.JSON(w, r, mapFlag(flag))
}

// handleToggle processes PATCH /api/v1/flags/{featureName}/toggle.
func (a *API) handleToggle(w http.ResponseWriter, r *http.Request) {
	featureName := chi.URLParam(r, "featureName")

	var req ToggleRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if errResp := req.Validate(); errResp != nil {
		badRequest(w, r, errResp)
		return
	}

	if err := a.service.ToggleFlag(r.Context(), featureName, *req.Enabled); err != nil {
		a.respondServiceError(w, r, err)
		return
	}

	flag, err := a.service.GetFlag(r.Context(), featureName)
	if err != nil {
		a.respondServiceError(w, r, err)
		return
	}
	render.Status(r, http.StatusOK)
	render.JSON(w, r, mapFlag(flag))
}

// handleToggleCascade processes POST /api/v1/flags/{featureName}/toggle-cascade.
// The response lists every flag the cascade touched.
func (a *API) handleToggleCascade(w http.ResponseWriter, r *http.Request) {
	featureName := chi.URLParam(r, "featureName")

	var req ToggleRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if errResp := req.Validate(); errResp != nil {
		badRequest(w, r, errResp)
		return
	}

	affected, err := a.service.ToggleParentAndChildren(r.Context(), featureName, *req.Enabled)
	if err != nil {
		a.respondServiceError(w, r, err)
		return
	}

	render.Status(r, http.StatusOK)
	render.JSON(w, r, map[string]any{
		"enabled":  *req.Enabled,
		"affected": affected,
	})
}

// handleBulkPercentage processes POST /api/v1/flags/bulk/percentage.
// Per-flag failures land in the response body, not the status code.
func (a *API) handleBulkPercentage(w http.ResponseWriter, r *http.Request) {
	var req BulkPercentageRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	req.Sanitize()
	if errResp := req.Validate(); errResp != nil {
		badRequest(w, r, errResp)
		return
	}

	result, err := a.service.BulkSetRolloutPercentage(r.Context(), req.FeatureNames, *req.Percentage, req.Reason)
	if err != nil {
		a.respondServiceError(w, r, err)
		return
	}
	render.Status(r, http.StatusOK)
	render.JSON(w, r, result)
}

// handleHistory processes GET /api/v1/flags/{featureName}/history,
// answering the audit trail oldest change first.
func (a *API) handleHistory(w http.ResponseWriter, r *http.Request) {
	featureName := chi.URLParam(r, "featureName")

	// 404 for unknown flags instead of an empty trail.
	if _, err := a.service.GetFlag(r.Context(), featureName); err != nil {
		a.respondServiceError(w, r, err)
		return
	}

	entries, err := a.service.GetRolloutHistory(r.Context(), featureName)
	if err != nil {
		a.respondServiceError(w, r, err)
		return
	}
	render.Status(r, http.StatusOK)
	render.JSON(w, r, mapHistory(entries))
}
