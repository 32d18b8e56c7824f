package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"

	"github.com/onnwee/insights/internal/analytics"
	"github.com/onnwee/insights/internal/recorder"
)

// MaxBatchSize is the largest number of events accepted in one request.
const MaxBatchSize = 500

// EventRecorder is the recording surface used by EventHandlers.
type EventRecorder interface {
	Record(ctx context.Context, event analytics.Event) (string, error)
	RecordBatch(ctx context.Context, events []analytics.Event) []recorder.BatchResult
}

// RecordResponse is returned for a single recorded event. Recorded is false
// when the store write failed; the request itself still succeeds.
type RecordResponse struct {
	ID       string `json:"id,omitempty"`
	Recorded bool   `json:"recorded"`
	Error    string `json:"error,omitempty"`
}

// BatchRecordResponse is returned for an array of events. Results are in
// request order.
type BatchRecordResponse struct {
	Results  []RecordResponse `json:"results"`
	Recorded int              `json:"recorded"`
	Failed   int              `json:"failed"`
}

// EventHandlers serves the public recording endpoints.
type EventHandlers struct {
	recorder EventRecorder
}

// NewEventHandlers creates EventHandlers backed by rec.
func NewEventHandlers(rec EventRecorder) *EventHandlers {
	return &EventHandlers{recorder: rec}
}

// RecordEvent handles POST /events. The body is one analytics event or an
// array of them.
func (h *EventHandlers) RecordEvent(w http.ResponseWriter, r *http.Request) {
	h.record(w, r, decodeEvents[analytics.AnalyticsEvent])
}

// RecordBehavior handles POST /events/behavior. The body is one behavior
// event or an array of them.
func (h *EventHandlers) RecordBehavior(w http.ResponseWriter, r *http.Request) {
	h.record(w, r, decodeEvents[analytics.UserBehaviorEvent])
}

func (h *EventHandlers) record(w http.ResponseWriter, r *http.Request, decode func([]byte) ([]analytics.Event, bool, error)) {
	ctx := r.Context()

	body, err := readBody(w, r)
	if err != nil {
		WriteError(w, ctx, http.StatusBadRequest, ErrCodeBadRequest, "Invalid request body: "+err.Error())
		return
	}
	events, batch, err := decode(body)
	if err != nil {
		WriteError(w, ctx, http.StatusBadRequest, ErrCodeBadRequest, "Invalid request body: "+err.Error())
		return
	}

	if !batch {
		id, err := h.recorder.Record(ctx, events[0])
		if err != nil && !errors.Is(err, analytics.ErrRecordFailed) {
			WriteServiceError(w, r, err)
			return
		}
		writeJSON(w, r, http.StatusAccepted, recordResponse(id, err))
		return
	}

	if len(events) > MaxBatchSize {
		WriteError(w, ctx, http.StatusBadRequest, ErrCodeValidation, "Batch exceeds the maximum number of events")
		return
	}
	results := h.recorder.RecordBatch(ctx, events)
	resp := BatchRecordResponse{Results: make([]RecordResponse, len(results))}
	for i, res := range results {
		resp.Results[i] = recordResponse(res.ID, res.Err)
		if res.Err == nil {
			resp.Recorded++
		} else {
			resp.Failed++
		}
	}
	writeJSON(w, r, http.StatusAccepted, resp)
}

func recordResponse(id string, err error) RecordResponse {
	if err != nil {
		return RecordResponse{Recorded: false, Error: ErrorCode(err)}
	}
	return RecordResponse{ID: id, Recorded: true}
}

// decodeEvents accepts either a JSON object or a JSON array of T.
func decodeEvents[T analytics.Event](body []byte) ([]analytics.Event, bool, error) {
	if trimmed := bytes.TrimLeft(body, " \t\r\n"); len(trimmed) > 0 && trimmed[0] == '[' {
		var docs []T
		if err := json.Unmarshal(body, &docs); err != nil {
			return nil, true, err
		}
		events := make([]analytics.Event, len(docs))
		for i, d := range docs {
			events[i] = d
		}
		return events, true, nil
	}

	var doc T
	if err := json.Unmarshal(body, &doc); err != nil {
		return nil, false, err
	}
	return []analytics.Event{doc}, false, nil
}
