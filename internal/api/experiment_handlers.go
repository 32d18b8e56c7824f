package api

import (
	"context"
	"net/http"

	"github.com/onnwee/insights/internal/analytics"
	"github.com/onnwee/insights/internal/experiment"
)

// ExperimentService is the experiment engine surface used by ExperimentHandlers.
type ExperimentService interface {
	CreateExperiment(ctx context.Context, def experiment.Definition) (analytics.Experiment, error)
	GetExperiment(ctx context.Context, id string) (analytics.Experiment, error)
	ListExperiments(ctx context.Context, status analytics.ExperimentStatus) ([]analytics.Experiment, error)
	ActivateExperiment(ctx context.Context, id string) (analytics.Experiment, error)
	CompleteExperiment(ctx context.Context, id string) (analytics.Experiment, error)
	AssignVariant(ctx context.Context, testID, userID string) (analytics.Variant, error)
	TrackImpression(ctx context.Context, testID, variantID, userID string) error
	TrackConversion(ctx context.Context, testID, variantID, userID string) error
	GetResults(ctx context.Context, testID string) ([]analytics.VariantResult, error)
}

// ExposureRequest is the body of the impression and conversion endpoints.
type ExposureRequest struct {
	VariantID string `json:"variantId"`
	UserID    string `json:"userId"`
}

// AssignmentResponse is returned by the assignment endpoint.
type AssignmentResponse struct {
	TestID  string            `json:"testId"`
	UserID  string            `json:"userId"`
	Variant analytics.Variant `json:"variant"`
}

// ResultsResponse is returned by the results endpoint.
type ResultsResponse struct {
	TestID  string                     `json:"testId"`
	Status  analytics.ExperimentStatus `json:"status"`
	Results []analytics.VariantResult  `json:"results"`
}

// ExperimentListResponse wraps a list of experiments.
type ExperimentListResponse struct {
	Experiments []analytics.Experiment `json:"experiments"`
}

// ExperimentHandlers serves the experiment endpoints.
type ExperimentHandlers struct {
	engine ExperimentService
}

// NewExperimentHandlers creates ExperimentHandlers.
func NewExperimentHandlers(engine ExperimentService) *ExperimentHandlers {
	return &ExperimentHandlers{engine: engine}
}

// Create handles POST /experiments.
func (h *ExperimentHandlers) Create(w http.ResponseWriter, r *http.Request) {
	var def experiment.Definition
	if !decodeBody(w, r, &def) {
		return
	}
	exp, err := h.engine.CreateExperiment(r.Context(), def)
	if err != nil {
		WriteServiceError(w, r, err)
		return
	}
	writeJSON(w, r, http.StatusCreated, exp)
}

// List handles GET /experiments?status=.
func (h *ExperimentHandlers) List(w http.ResponseWriter, r *http.Request) {
	status := analytics.ExperimentStatus(r.URL.Query().Get("status"))
	switch status {
	case "", analytics.StatusDraft, analytics.StatusActive, analytics.StatusCompleted:
	default:
		WriteError(w, r.Context(), http.StatusBadRequest, ErrCodeValidation, "status must be draft, active or completed")
		return
	}

	exps, err := h.engine.ListExperiments(r.Context(), status)
	if err != nil {
		WriteServiceError(w, r, err)
		return
	}
	writeJSON(w, r, http.StatusOK, ExperimentListResponse{Experiments: exps})
}

// Get handles GET /experiments/{id}.
func (h *ExperimentHandlers) Get(w http.ResponseWriter, r *http.Request) {
	exp, err := h.engine.GetExperiment(r.Context(), r.PathValue("id"))
	if err != nil {
		WriteServiceError(w, r, err)
		return
	}
	writeJSON(w, r, http.StatusOK, exp)
}

// Activate handles POST /experiments/{id}/activate.
func (h *ExperimentHandlers) Activate(w http.ResponseWriter, r *http.Request) {
	h.transition(w, r, h.engine.ActivateExperiment)
}

// Complete handles POST /experiments/{id}/complete.
func (h *ExperimentHandlers) Complete(w http.ResponseWriter, r *http.Request) {
	h.transition(w, r, h.engine.CompleteExperiment)
}

func (h *ExperimentHandlers) transition(w http.ResponseWriter, r *http.Request, fn func(context.Context, string) (analytics.Experiment, error)) {
	exp, err := fn(r.Context(), r.PathValue("id"))
	if err != nil {
		WriteServiceError(w, r, err)
		return
	}
	writeJSON(w, r, http.StatusOK, exp)
}

// Assignment handles GET /experiments/{id}/assignment?user_id=.
func (h *ExperimentHandlers) Assignment(w http.ResponseWriter, r *http.Request) {
	testID := r.PathValue("id")
	userID := r.URL.Query().Get("user_id")
	if userID == "" {
		WriteError(w, r.Context(), http.StatusBadRequest, ErrCodeValidation, "user_id is required")
		return
	}

	variant, err := h.engine.AssignVariant(r.Context(), testID, userID)
	if err != nil {
		WriteServiceError(w, r, err)
		return
	}
	writeJSON(w, r, http.StatusOK, AssignmentResponse{TestID: testID, UserID: userID, Variant: variant})
}

// Impression handles POST /experiments/{id}/impressions.
func (h *ExperimentHandlers) Impression(w http.ResponseWriter, r *http.Request) {
	h.track(w, r, h.engine.TrackImpression)
}

// Conversion handles POST /experiments/{id}/conversions.
func (h *ExperimentHandlers) Conversion(w http.ResponseWriter, r *http.Request) {
	h.track(w, r, h.engine.TrackConversion)
}

func (h *ExperimentHandlers) track(w http.ResponseWriter, r *http.Request, fn func(ctx context.Context, testID, variantID, userID string) error) {
	var req ExposureRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if req.VariantID == "" || req.UserID == "" {
		WriteError(w, r.Context(), http.StatusBadRequest, ErrCodeValidation, "variantId and userId are required")
		return
	}

	if err := fn(r.Context(), r.PathValue("id"), req.VariantID, req.UserID); err != nil {
		WriteServiceError(w, r, err)
		return
	}
	writeJSON(w, r, http.StatusAccepted, RecordResponse{Recorded: true})
}

// Results handles GET /experiments/{id}/results.
func (h *ExperimentHandlers) Results(w http.ResponseWriter, r *http.Request) {
	testID := r.PathValue("id")
	exp, err := h.engine.GetExperiment(r.Context(), testID)
	if err != nil {
		WriteServiceError(w, r, err)
		return
	}
	results, err := h.engine.GetResults(r.Context(), testID)
	if err != nil {
		WriteServiceError(w, r, err)
		return
	}
	writeJSON(w, r, http.StatusOK, ResultsResponse{TestID: testID, Status: exp.Status, Results: results})
}
