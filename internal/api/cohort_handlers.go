package api

import (
	"context"
	"net/http"

	"github.com/onnwee/insights/internal/analytics"
)

// CohortService is the cohort engine surface used by CohortHandlers.
type CohortService interface {
	CreateCohort(ctx context.Context, name, description string, criteria analytics.CohortCriteria) (analytics.Cohort, error)
	GetCohort(ctx context.Context, id string) (analytics.Cohort, error)
	ListCohorts(ctx context.Context) ([]analytics.Cohort, error)
	Materialize(ctx context.Context, id string) (analytics.Cohort, error)
	Analyze(ctx context.Context, id string) (analytics.CohortMetrics, error)
	Refresh(ctx context.Context, id string) (analytics.Cohort, error)
}

// CreateCohortRequest is the body of POST /cohorts.
type CreateCohortRequest struct {
	Name        string                   `json:"name"`
	Description string                   `json:"description,omitempty"`
	Criteria    analytics.CohortCriteria `json:"criteria"`
}

// CohortListResponse wraps a list of cohorts.
type CohortListResponse struct {
	Cohorts []analytics.Cohort `json:"cohorts"`
}

// AnalyzeResponse is returned by the analyze endpoint.
type AnalyzeResponse struct {
	CohortID string                  `json:"cohortId"`
	Metrics  analytics.CohortMetrics `json:"metrics"`
}

// CohortHandlers serves the cohort endpoints.
type CohortHandlers struct {
	engine CohortService
}

// NewCohortHandlers creates CohortHandlers.
func NewCohortHandlers(engine CohortService) *CohortHandlers {
	return &CohortHandlers{engine: engine}
}

// Create handles POST /cohorts. The cohort starts with no members.
func (h *CohortHandlers) Create(w http.ResponseWriter, r *http.Request) {
	var req CreateCohortRequest
	if !decodeBody(w, r, &req) {
		return
	}
	c, err := h.engine.CreateCohort(r.Context(), req.Name, req.Description, req.Criteria)
	if err != nil {
		WriteServiceError(w, r, err)
		return
	}
	writeJSON(w, r, http.StatusCreated, c)
}

// List handles GET /cohorts.
func (h *CohortHandlers) List(w http.ResponseWriter, r *http.Request) {
	cohorts, err := h.engine.ListCohorts(r.Context())
	if err != nil {
		WriteServiceError(w, r, err)
		return
	}
	writeJSON(w, r, http.StatusOK, CohortListResponse{Cohorts: cohorts})
}

// Get handles GET /cohorts/{id}.
func (h *CohortHandlers) Get(w http.ResponseWriter, r *http.Request) {
	h.cohort(w, r, h.engine.GetCohort)
}

// Materialize handles POST /cohorts/{id}/materialize.
func (h *CohortHandlers) Materialize(w http.ResponseWriter, r *http.Request) {
	h.cohort(w, r, h.engine.Materialize)
}

// Refresh handles POST /cohorts/{id}/refresh: materialize then analyze.
func (h *CohortHandlers) Refresh(w http.ResponseWriter, r *http.Request) {
	h.cohort(w, r, h.engine.Refresh)
}

func (h *CohortHandlers) cohort(w http.ResponseWriter, r *http.Request, fn func(context.Context, string) (analytics.Cohort, error)) {
	c, err := fn(r.Context(), r.PathValue("id"))
	if err != nil {
		WriteServiceError(w, r, err)
		return
	}
	writeJSON(w, r, http.StatusOK, c)
}

// Analyze handles POST /cohorts/{id}/analyze.
func (h *CohortHandlers) Analyze(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	m, err := h.engine.Analyze(r.Context(), id)
	if err != nil {
		WriteServiceError(w, r, err)
		return
	}
	writeJSON(w, r, http.StatusOK, AnalyzeResponse{CohortID: id, Metrics: m})
}
