// Package controlapi implements the REST control plane: flag definitions,
// percentage changes, schedules, overrides, and the evaluation endpoint.
// It handles HTTP routing, request decoding, validation, and response
// formatting; all business rules live in the rollout service.
package controlapi

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/skuldlabs/skuld/internal/store"
)

// ErrorResponse is the standard structured API error.
type ErrorResponse struct {
	// Code is a machine-readable error code (e.g., "ERR_INVALID_INPUT").
	Code string `json:"code"`

	// Message is a human-readable description of the error.
	Message string `json:"message"`
}

// EvaluateRequest is the payload for POST /api/v1/evaluate.
type EvaluateRequest struct {
	FeatureName string      `json:"feature_name"`
	User        UserPayload `json:"user"`
}

// UserPayload carries the user attributes the decision pipeline consumes.
type UserPayload struct {
	UserID     string            `json:"user_id"`
	Premium    bool              `json:"premium"`
	Beta       bool              `json:"beta"`
	Tier       string            `json:"tier,omitempty"`
	Level      int               `json:"level,omitempty"`
	Attributes map[string]string `json:"attributes,omitempty"`
}

// Sanitize normalizes the evaluate payload in place.
func (r *EvaluateRequest) Sanitize() {
	r.FeatureName = strings.ToLower(strings.TrimSpace(r.FeatureName))
	r.User.UserID = strings.TrimSpace(r.User.UserID)
}

// Validate checks the evaluate payload.
func (r *EvaluateRequest) Validate() *ErrorResponse {
	if r.FeatureName == "" {
		return &ErrorResponse{Code: "ERR_INVALID_INPUT", Message: "feature_name is required"}
	}
	if r.User.UserID == "" {
		return &ErrorResponse{Code: "ERR_INVALID_INPUT", Message: "user.user_id is required"}
	}
	return nil
}

// UpsertFlagRequest is the payload for POST /api/v1/flags. Deep business
// validation (cohort rules, variant weights, hierarchy cycles) happens in
// the rollout service; the DTO only rejects structurally broken input.
type UpsertFlagRequest struct {
	FeatureName       string          `json:"feature_name"`
	Description       string          `json:"description,omitempty"`
	Enabled           bool            `json:"enabled"`
	RolloutPercentage int             `json:"rollout_percentage"`
	TargetAudience    string          `json:"target_audience,omitempty"`
	CohortRules       json.RawMessage `json:"cohort_rules,omitempty"`
	ABTest            json.RawMessage `json:"ab_test,omitempty"`
	Strategy          string          `json:"rollout_strategy,omitempty"`
	RolloutStart      *time.Time      `json:"rollout_start,omitempty"`
	RolloutEnd        *time.Time      `json:"rollout_end,omitempty"`
	ParentFeatureName string          `json:"parent_feature_name,omitempty"`
}

// Sanitize normalizes the upsert payload in place.
func (r *UpsertFlagRequest) Sanitize() {
	r.FeatureName = strings.ToLower(strings.TrimSpace(r.FeatureName))
	r.Description = strings.TrimSpace(r.Description)
	r.ParentFeatureName = strings.ToLower(strings.TrimSpace(r.ParentFeatureName))
}

// Validate rejects requests that cannot possibly reach the service layer.
func (r *UpsertFlagRequest) Validate() *ErrorResponse {
	if r.FeatureName == "" {
		return &ErrorResponse{Code: "ERR_INVALID_INPUT", Message: "feature_name is required"}
	}
	return nil
}

// PercentageRequest is the payload for PATCH /flags/{name}/percentage.
// The pointer distinguishes a missing percentage from an explicit zero.
type PercentageRequest struct {
	Percentage *int   `json:"percentage"`
	Reason     string `json:"reason,omitempty"`
}

// Validate checks the percentage payload.
func (r *PercentageRequest) Validate() *ErrorResponse {
	if r.Percentage == nil {
		return &ErrorResponse{Code: "ERR_INVALID_INPUT", Message: "percentage is required"}
	}
	return nil
}

// ToggleRequest is the payload for the toggle and toggle-cascade routes.
type ToggleRequest struct {
	Enabled *bool `json:"enabled"`
}

// Validate checks the toggle payload.
func (r *ToggleRequest) Validate() *ErrorResponse {
	if r.Enabled == nil {
		return &ErrorResponse{Code: "ERR_INVALID_INPUT", Message: "enabled is required"}
	}
	return nil
}

// BulkPercentageRequest is the payload for POST /flags/bulk/percentage.
type BulkPercentageRequest struct {
	FeatureNames []string `json:"feature_names"`
	Percentage   *int     `json:"percentage"`
	Reason       string   `json:"reason,omitempty"`
}

// Sanitize normalizes each feature name in place.
func (r *BulkPercentageRequest) Sanitize() {
	for i, name := range r.FeatureNames {
		r.FeatureNames[i] = strings.ToLower(strings.TrimSpace(name))
	}
}

// Validate checks the bulk payload.
func (r *BulkPercentageRequest) Validate() *ErrorResponse {
	if len(r.FeatureNames) == 0 {
		return &ErrorResponse{Code: "ERR_INVALID_INPUT", Message: "feature_names must not be empty"}
	}
	if r.Percentage == nil {
		return &ErrorResponse{Code: "ERR_INVALID_INPUT", Message: "percentage is required"}
	}
	return nil
}

// ScheduleStepPayload is one planned step in a schedule request.
type ScheduleStepPayload struct {
	Percentage *int      `json:"percentage"`
	ExecuteAt  time.Time `json:"execute_at"`
}

// CreateScheduleRequest is the payload for POST /api/v1/schedules.
type CreateScheduleRequest struct {
	FeatureName  string                `json:"feature_name"`
	ScheduleName string                `json:"schedule_name"`
	Steps        []ScheduleStepPayload `json:"steps"`
}

// Sanitize normalizes the schedule payload in place.
func (r *CreateScheduleRequest) Sanitize() {
	r.FeatureName = strings.ToLower(strings.TrimSpace(r.FeatureName))
	r.ScheduleName = strings.TrimSpace(r.ScheduleName)
}

// Validate checks the schedule payload.
func (r *CreateScheduleRequest) Validate() *ErrorResponse {
	if r.FeatureName == "" {
		return &ErrorResponse{Code: "ERR_INVALID_INPUT", Message: "feature_name is required"}
	}
	if len(r.Steps) == 0 {
		return &ErrorResponse{Code: "ERR_INVALID_INPUT", Message: "steps must not be empty"}
	}
	for i, step := range r.Steps {
		if step.Percentage == nil {
			return &ErrorResponse{Code: "ERR_INVALID_INPUT", Message: fmt.Sprintf("step %d is missing a percentage", i)}
		}
		if step.ExecuteAt.IsZero() {
			return &ErrorResponse{Code: "ERR_INVALID_INPUT", Message: fmt.Sprintf("step %d is missing an execute_at timestamp", i)}
		}
	}
	return nil
}

// UpdateScheduleStatusRequest is the payload for PATCH /schedules/{id}/status.
type UpdateScheduleStatusRequest struct {
	Status string `json:"status"`
}

// Validate checks the status payload.
func (r *UpdateScheduleStatusRequest) Validate() *ErrorResponse {
	if strings.TrimSpace(r.Status) == "" {
		return &ErrorResponse{Code: "ERR_INVALID_INPUT", Message: "status is required"}
	}
	return nil
}

// OverrideRequest is the payload for PUT /api/v1/overrides.
type OverrideRequest struct {
	UserID      string     `json:"user_id"`
	FeatureName string     `json:"feature_name"`
	Enabled     *bool      `json:"enabled"`
	Reason      string     `json:"reason,omitempty"`
	ExpiresAt   *time.Time `json:"expires_at,omitempty"`
}

// Sanitize normalizes the override payload in place.
func (r *OverrideRequest) Sanitize() {
	r.UserID = strings.TrimSpace(r.UserID)
	r.FeatureName = strings.ToLower(strings.TrimSpace(r.FeatureName))
}

// Validate checks the override payload.
func (r *OverrideRequest) Validate() *ErrorResponse {
	if r.UserID == "" {
		return &ErrorResponse{Code: "ERR_INVALID_INPUT", Message: "user_id is required"}
	}
	if r.FeatureName == "" {
		return &ErrorResponse{Code: "ERR_INVALID_INPUT", Message: "feature_name is required"}
	}
	if r.Enabled == nil {
		return &ErrorResponse{Code: "ERR_INVALID_INPUT", Message: "enabled is required"}
	}
	return nil
}

// PaginatedResponse wraps list endpoints with offset pagination metadata.
type PaginatedResponse struct {
	Data       any        `json:"data"`
	Pagination Pagination `json:"pagination"`
}

// Pagination metadata for the frontend pager.
type Pagination struct {
	TotalItems  int64 `json:"total_items"`
	TotalPages  int   `json:"total_pages"`
	CurrentPage int   `json:"current_page"`
	PageSize    int   `json:"page_size"`
}

// FlagResponse is the flag resource as exposed over the API.
type FlagResponse struct {
	ID                int64           `json:"id"`
	FeatureName       string          `json:"feature_name"`
	Description       string          `json:"description"`
	Enabled           bool            `json:"enabled"`
	RolloutPercentage int             `json:"rollout_percentage"`
	TargetAudience    string          `json:"target_audience"`
	CohortRules       json.RawMessage `json:"cohort_rules,omitempty"`
	ABTest            json.RawMessage `json:"ab_test,omitempty"`
	Strategy          string          `json:"rollout_strategy"`
	RolloutStart      *time.Time      `json:"rollout_start,omitempty"`
	RolloutEnd        *time.Time      `json:"rollout_end,omitempty"`
	ParentID          *int64          `json:"parent_id,omitempty"`
	Version           int64           `json:"version"`
	CreatedAt         time.Time       `json:"created_at"`
	UpdatedAt         time.Time       `json:"updated_at"`
}

func mapFlag(f *store.Flag) FlagResponse {
	return FlagResponse{
		ID:                f.ID,
		FeatureName:       f.FeatureName,
		Description:       f.Description,
		Enabled:           f.Enabled,
		RolloutPercentage: f.RolloutPercentage,
		TargetAudience:    string(f.TargetAudience),
		CohortRules:       f.CohortRules,
		ABTest:            f.ABTest,
		Strategy:          string(f.Strategy),
		RolloutStart:      f.RolloutStart,
		RolloutEnd:        f.RolloutEnd,
		ParentID:          f.ParentID,
		Version:           f.Version,
		CreatedAt:         f.CreatedAt,
		UpdatedAt:         f.UpdatedAt,
	}
}

func mapFlags(flags []*store.Flag) []FlagResponse {
	out := make([]FlagResponse, 0, len(flags))
	for _, f := range flags {
		out = append(out, mapFlag(f))
	}
	return out
}

// HistoryResponse is one audit-trail entry as exposed over the API.
type HistoryResponse struct {
	ID                 int64     `json:"id"`
	FeatureName        string    `json:"feature_name"`
	OldPercentage      int       `json:"old_percentage"`
	NewPercentage      int       `json:"new_percentage"`
	ChangeReason       string    `json:"change_reason"`
	UserImpactEstimate int       `json:"user_impact_estimate"`
	CreatedAt          time.Time `json:"created_at"`
}

func mapHistory(entries []*store.HistoryEntry) []HistoryResponse {
	out := make([]HistoryResponse, 0, len(entries))
	for _, e := range entries {
		out = append(out, HistoryResponse{
			ID:                 e.ID,
			FeatureName:        e.FeatureName,
			OldPercentage:      e.OldPercentage,
			NewPercentage:      e.NewPercentage,
			ChangeReason:       e.ChangeReason,
			UserImpactEstimate: e.UserImpactEstimate,
			CreatedAt:          e.CreatedAt,
		})
	}
	return out
}

// ScheduleStepResponse is one step of a schedule as exposed over the API.
type ScheduleStepResponse struct {
	Percentage int       `json:"percentage"`
	ExecuteAt  time.Time `json:"execute_at"`
	Executed   bool      `json:"executed"`
}

// ScheduleResponse is the schedule resource as exposed over the API.
type ScheduleResponse struct {
	ID           string                 `json:"id"`
	FeatureName  string                 `json:"feature_name"`
	ScheduleName string                 `json:"schedule_name"`
	Status       string                 `json:"status"`
	CurrentStep  int                    `json:"current_step"`
	Steps        []ScheduleStepResponse `json:"steps"`
	CompletedAt  *time.Time             `json:"completed_at,omitempty"`
	Version      int64                  `json:"version"`
	CreatedAt    time.Time              `json:"created_at"`
	UpdatedAt    time.Time              `json:"updated_at"`
}

func mapSchedule(s *store.Schedule) ScheduleResponse {
	steps := make([]ScheduleStepResponse, 0, len(s.Steps))
	for _, step := range s.Steps {
		steps = append(steps, ScheduleStepResponse{
			Percentage: step.Percentage,
			ExecuteAt:  step.ExecuteAt,
			Executed:   step.Executed,
		})
	}
	return ScheduleResponse{
		ID:           s.ID,
		FeatureName:  s.FeatureName,
		ScheduleName: s.ScheduleName,
		Status:       string(s.Status),
		CurrentStep:  s.CurrentStep,
		Steps:        steps,
		CompletedAt:  s.CompletedAt,
		Version:      s.Version,
		CreatedAt:    s.CreatedAt,
		UpdatedAt:    s.UpdatedAt,
	}
}

// OverrideResponse is the override resource as exposed over the API.
type OverrideResponse struct {
	UserID      string     `json:"user_id"`
	FeatureName string     `json:"feature_name"`
	Enabled     bool       `json:"enabled"`
	Reason      string     `json:"reason,omitempty"`
	ExpiresAt   *time.Time `json:"expires_at,omitempty"`
}

func mapOverride(o *store.Override) OverrideResponse {
	return OverrideResponse{
		UserID:      o.UserID,
		FeatureName: o.FeatureName,
		Enabled:     o.Enabled,
		Reason:      o.Reason,
		ExpiresAt:   o.ExpiresAt,
	}
}
