package api

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"iter"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/onnwee/insights/internal/aggregate"
	"github.com/onnwee/insights/internal/auth"
	"github.com/onnwee/insights/internal/cohort"
	"github.com/onnwee/insights/internal/eventstore"
	"github.com/onnwee/insights/internal/experiment"
	"github.com/onnwee/insights/internal/health"
	"github.com/onnwee/insights/internal/recorder"
)

const testSecret = "api-test-secret-that-is-long-enough"

type testServer struct {
	handler    http.Handler
	store      *eventstore.InMemoryStore
	adminToken string
	jwt        *auth.JWTService
}

// failingStore fails every write with err and delegates reads.
type failingStore struct {
	eventstore.Store
	err error
}

func (f failingStore) Append(context.Context, eventstore.Stream, eventstore.Record) (string, error) {
	return "", f.err
}

// brokenReads fails every range query with eventstore.ErrUnavailable.
type brokenReads struct {
	eventstore.Store
}

func (brokenReads) QueryRange(context.Context, eventstore.Stream, time.Time, time.Time, eventstore.Filters) iter.Seq2[eventstore.Record, error] {
	return func(yield func(eventstore.Record, error) bool) {
		yield(eventstore.Record{}, eventstore.ErrUnavailable)
	}
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestServer(t *testing.T, opts ...func(*RouterConfig)) *testServer {
	t.Helper()

	store := eventstore.NewInMemoryStore()
	logger := discardLogger()
	jwtSvc := auth.NewJWTService(testSecret)
	token, err := jwtSvc.GenerateAccessToken("admin-1", auth.RoleAdmin)
	if err != nil {
		t.Fatalf("GenerateAccessToken() error = %v", err)
	}

	cfg := RouterConfig{
		Recorder:     recorder.New(store, recorder.Config{Logger: logger}),
		Aggregator:   aggregate.New(store, logger, nil),
		Experiments:  experiment.New(store, experiment.Config{Logger: logger}),
		Cohorts:      cohort.New(store, cohort.Config{Logger: logger}),
		Health:       NewHealthHandlers(map[string]health.Checker{"event_store": health.StoreChecker(store)}),
		Validator:    jwtSvc,
		QueryTimeout: 5 * time.Second,
		Logger:       logger,
	}
	for _, opt := range opts {
		opt(&cfg)
	}

	return &testServer{handler: NewRouter(cfg), store: store, adminToken: token, jwt: jwtSvc}
}

// do sends a request through the router. body may be nil, a string sent as
// is, or any value encoded as JSON. token may be empty.
func (s *testServer) do(t *testing.T, method, path string, body any, token string) *httptest.ResponseRecorder {
	t.Helper()

	var reader io.Reader
	switch b := body.(type) {
	case nil:
	case string:
		reader = bytes.NewBufferString(b)
	default:
		data, err := json.Marshal(b)
		if err != nil {
			t.Fatalf("failed to marshal request body: %v", err)
		}
		reader = bytes.NewReader(data)
	}

	req := httptest.NewRequest(method, path, reader)
	if reader != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	w := httptest.NewRecorder()
	s.handler.ServeHTTP(w, req)
	return w
}

func (s *testServer) admin(t *testing.T, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	return s.do(t, method, path, body, s.adminToken)
}

func decodeResponse[T any](t *testing.T, w *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	if err := json.Unmarshal(w.Body.Bytes(), &v); err != nil {
		t.Fatalf("failed to decode response: %v, body: %s", err, w.Body.String())
	}
	return v
}

func expectStatus(t *testing.T, w *httptest.ResponseRecorder, want int) {
	t.Helper()
	if w.Code != want {
		t.Fatalf("expected status %d, got %d, body: %s", want, w.Code, w.Body.String())
	}
}

func expectErrorCode(t *testing.T, w *httptest.ResponseRecorder, want string) {
	t.Helper()
	resp := decodeResponse[ErrorResponse](t, w)
	if resp.Error.Code != want {
		t.Errorf("expected error code %q, got %q (%s)", want, resp.Error.Code, resp.Error.Message)
	}
}
