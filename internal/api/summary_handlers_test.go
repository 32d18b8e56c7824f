package api

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/onnwee/insights/internal/aggregate"
	"github.com/onnwee/insights/internal/eventstore"
)

type stubAggregator struct {
	start, end  time.Time
	hasDeadline bool
	err         error
}

func (s *stubAggregator) Aggregate(ctx context.Context, start, end time.Time) (aggregate.Summary, error) {
	s.start, s.end = start, end
	_, s.hasDeadline = ctx.Deadline()
	if s.err != nil {
		return aggregate.Summary{}, s.err
	}
	return aggregate.Summary{Start: start, End: end, TotalEvents: 7}, nil
}

func TestSummary_Window(t *testing.T) {
	s := newTestServer(t)
	for _, body := range []string{
		`{"type":"artist_application","userId":"u1","timestamp":"2024-03-02T10:00:00Z","metadata":{"genre":"jazz"}}`,
		`{"type":"artist_application","userId":"u2","timestamp":"2024-03-03T10:00:00Z","metadata":{"genre":"jazz"}}`,
		`{"type":"artist_approval","userId":"u1","timestamp":"2024-03-04T10:00:00Z"}`,
		`{"type":"artist_application","userId":"u3","timestamp":"2024-05-01T10:00:00Z"}`,
	} {
		expectStatus(t, s.do(t, http.MethodPost, "/events", body, ""), http.StatusAccepted)
	}

	w := s.admin(t, http.MethodGet, "/analytics/summary?start=2024-03-01T00:00:00Z&end=2024-03-31T23:59:59Z", nil)
	expectStatus(t, w, http.StatusOK)
	summary := decodeResponse[aggregate.Summary](t, w)

	if summary.PendingApplications != 2 {
		t.Errorf("expected 2 pending applications, got %d", summary.PendingApplications)
	}
	if summary.ApprovedApplications != 1 {
		t.Errorf("expected 1 approved application, got %d", summary.ApprovedApplications)
	}
	if summary.UniqueUsers != 2 {
		t.Errorf("expected 2 unique users, got %d", summary.UniqueUsers)
	}
	if summary.Genres["jazz"] != 2 {
		t.Errorf("expected 2 jazz events, got %d", summary.Genres["jazz"])
	}
	if summary.MonthlyEvents["2024-05"] != 0 {
		t.Errorf("expected May to be outside the window, got %d", summary.MonthlyEvents["2024-05"])
	}
}

func TestSummary_EmptyWindow(t *testing.T) {
	s := newTestServer(t)

	w := s.admin(t, http.MethodGet, "/analytics/summary?start=2020-01-01T00:00:00Z&end=2020-01-02T00:00:00Z", nil)
	expectStatus(t, w, http.StatusOK)
	summary := decodeResponse[aggregate.Summary](t, w)
	if summary.UniqueUsers != 0 || summary.Genres == nil || summary.PopularPages == nil {
		t.Errorf("expected a zeroed summary with empty collections, got %+v", summary)
	}
}

func TestSummary_InvalidParams(t *testing.T) {
	s := newTestServer(t)

	tests := []struct {
		name  string
		query string
	}{
		{"bad start", "?start=yesterday"},
		{"bad end", "?end=2024-13-01"},
		{"reversed", "?start=2024-04-01T00:00:00Z&end=2024-03-01T00:00:00Z"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := s.admin(t, http.MethodGet, "/analytics/summary"+tt.query, nil)
			expectStatus(t, w, http.StatusBadRequest)
			expectErrorCode(t, w, ErrCodeValidation)
		})
	}
}

func TestSummary_OpenBoundsAndTimeout(t *testing.T) {
	agg := &stubAggregator{}
	s := newTestServer(t, func(cfg *RouterConfig) {
		cfg.Aggregator = agg
		cfg.QueryTimeout = time.Second
	})

	w := s.admin(t, http.MethodGet, "/analytics/summary", nil)
	expectStatus(t, w, http.StatusOK)
	if !agg.start.IsZero() || !agg.end.IsZero() {
		t.Errorf("expected open bounds, got %s to %s", agg.start, agg.end)
	}
	if !agg.hasDeadline {
		t.Error("expected the query timeout to set a deadline")
	}
}

func TestSummary_StoreUnavailable(t *testing.T) {
	h := NewSummaryHandlers(aggregate.New(brokenReads{eventstore.NewInMemoryStore()}, discardLogger(), nil))

	w := httptest.NewRecorder()
	h.Summary(w, httptest.NewRequest(http.MethodGet, "/analytics/summary", nil))

	expectStatus(t, w, http.StatusServiceUnavailable)
	expectErrorCode(t, w, ErrCodeStoreUnavailable)
}
