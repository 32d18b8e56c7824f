package api

import (
	"context"
	"net/http"
	"time"

	"github.com/onnwee/insights/internal/aggregate"
)

// SummaryAggregator produces the reporting summary for a window.
type SummaryAggregator interface {
	Aggregate(ctx context.Context, start, end time.Time) (aggregate.Summary, error)
}

// SummaryHandlers serves the aggregated reporting endpoint.
type SummaryHandlers struct {
	aggregator SummaryAggregator
}

// NewSummaryHandlers creates SummaryHandlers.
func NewSummaryHandlers(aggregator SummaryAggregator) *SummaryHandlers {
	return &SummaryHandlers{aggregator: aggregator}
}

// Summary handles GET /analytics/summary?start=&end=.
// Both bounds are optional RFC 3339 timestamps; a missing bound is open.
func (h *SummaryHandlers) Summary(w http.ResponseWriter, r *http.Request) {
	start, ok := parseTimeParam(w, r, "start")
	if !ok {
		return
	}
	end, ok := parseTimeParam(w, r, "end")
	if !ok {
		return
	}

	summary, err := h.aggregator.Aggregate(r.Context(), start, end)
	if err != nil {
		WriteServiceError(w, r, err)
		return
	}
	writeJSON(w, r, http.StatusOK, summary)
}

func parseTimeParam(w http.ResponseWriter, r *http.Request, name string) (time.Time, bool) {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return time.Time{}, true
	}
	t, err := time.Parse(time.RFC3339, raw)
	if err != nil {
		WriteError(w, r.Context(), http.StatusBadRequest, ErrCodeValidation, name+" must be an RFC 3339 timestamp")
		return time.Time{}, false
	}
	return t, true
}
