package controlapi

import (
	"net/http"
	"time"

	"github.com/go-chi/render"

	"github.com/skuldlabs/skuld/internal/engine"
	"github.com/skuldlabs/skuld/internal/observability"
)

// handleEvaluate processes POST /api/v1/evaluate: the read path that
// answers whether a feature is on for a user and which variant they get.
// A missing flag is a successful, fail-safe "disabled" answer.
func (a *API) handleEvaluate(w http.ResponseWriter, r *http.Request) {
	var req EvaluateRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	req.Sanitize()
	if errResp := req.Validate(); errResp != nil {
		badRequest(w, r, errResp)
		return
	}

	start := time.Now()
	decision, err := a.service.EvaluateFlag(r.Context(), req.FeatureName, engine.UserContext{
		UserID:     req.User.UserID,
		Premium:    req.User.Premium,
		Beta:       req.User.Beta,
		Tier:       req.User.Tier,
		Level:      req.User.Level,
		Attributes: req.User.Attributes,
	})
	if err != nil {
		a.respondServiceError(w, r, err)
		return
	}

	observability.EvaluationDuration.Observe(time.Since(start).Seconds())
	observability.EvaluationsTotal.WithLabelValues(decision.Reason).Inc()

	render.Status(r, http.StatusOK)
	render.JSON(w, r, decision)
}
