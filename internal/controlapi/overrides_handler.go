package controlapi

import (
	"net/http"
	"strings"

	"github.com/go-chi/render"
)

// handlePutOverride processes PUT /api/v1/overrides: pin a decision for
// one user, optionally with an expiry.
func (a *API) handlePutOverride(w http.ResponseWriter, r *http.Request) {
	var req OverrideRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	req.Sanitize()
	if errResp := req.Validate(); errResp != nil {
		badRequest(w, r, errResp)
		return
	}

	override, err := a.service.SetUserOverride(r.Context(), req.UserID, req.FeatureName, *req.Enabled, req.Reason, req.ExpiresAt)
	if err != nil {
		a.respondServiceError(w, r, err)
		return
	}

	render.Status(r, http.StatusOK)
	render.JSON(w, r, mapOverride(override))
}

// handleDeleteOverride processes DELETE /api/v1/overrides. The pair is
// addressed by query parameters because DELETE bodies are unreliable
// across proxies.
func (a *API) handleDeleteOverride(w http.ResponseWriter, r *http.Request) {
	userID := strings.TrimSpace(r.URL.Query().Get("user_id"))
	featureName := strings.ToLower(strings.TrimSpace(r.URL.Query().Get("feature_name")))

	if userID == "" || featureName == "" {
		badRequest(w, r, &ErrorResponse{
			Code:    "ERR_INVALID_INPUT",
			Message: "user_id and feature_name query parameters are required",
		})
		return
	}

	if err := a.service.RemoveUserOverride(r.Context(), userID, featureName); err != nil {
		a.respondServiceError(w, r, err)
		return
	}
	render.NoContent(w, r)
}
