package analytics

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/onnwee/insights/internal/eventstore"
)

func encodeRecord(id string, ts time.Time, fields map[string]string, doc any) (eventstore.Record, error) {
	data, err := json.Marshal(doc)
	if err != nil {
		return eventstore.Record{}, fmt.Errorf("encode document: %w", err)
	}
	return eventstore.Record{ID: id, Timestamp: ts, Fields: fields, Data: data}, nil
}

func decodeRecord[T any](rec eventstore.Record) (T, error) {
	var doc T
	if err := json.Unmarshal(rec.Data, &doc); err != nil {
		return doc, fmt.Errorf("decode %s/%s: %w", rec.Stream, rec.ID, err)
	}
	return doc, nil
}

// EncodeAnalyticsEvent maps e onto a record filterable by type and user.
func EncodeAnalyticsEvent(e AnalyticsEvent) (eventstore.Record, error) {
	fields := map[string]string{FieldType: string(e.Type)}
	if e.UserID != "" {
		fields[FieldUserID] = e.UserID
	}
	return encodeRecord(e.ID, e.Timestamp, fields, e)
}

// DecodeAnalyticsEvent is the inverse of EncodeAnalyticsEvent.
func DecodeAnalyticsEvent(rec eventstore.Record) (AnalyticsEvent, error) {
	e, err := decodeRecord[AnalyticsEvent](rec)
	if err != nil {
		return e, err
	}
	e.ID = rec.ID
	e.Timestamp = rec.Timestamp
	return e, nil
}

// EncodeBehaviorEvent maps e onto a record filterable by user, session and event type.
func EncodeBehaviorEvent(e UserBehaviorEvent) (eventstore.Record, error) {
	return encodeRecord(e.ID, e.Timestamp, map[string]string{
		FieldUserID:    e.UserID,
		FieldSessionID: e.SessionID,
		FieldEventType: string(e.EventType),
	}, e)
}

// DecodeBehaviorEvent is the inverse of EncodeBehaviorEvent.
func DecodeBehaviorEvent(rec eventstore.Record) (UserBehaviorEvent, error) {
	e, err := decodeRecord[UserBehaviorEvent](rec)
	if err != nil {
		return e, err
	}
	e.ID = rec.ID
	e.Timestamp = rec.Timestamp
	return e, nil
}

// EncodeExposure maps an impression or conversion onto a record filterable by
// test, variant and user.
func EncodeExposure(x Exposure) (eventstore.Record, error) {
	return encodeRecord(x.ID, x.Timestamp, map[string]string{
		FieldTestID:    x.TestID,
		FieldVariantID: x.VariantID,
		FieldUserID:    x.UserID,
	}, x)
}

// DecodeExposure is the inverse of EncodeExposure.
func DecodeExposure(rec eventstore.Record) (Exposure, error) {
	x, err := decodeRecord[Exposure](rec)
	if err != nil {
		return x, err
	}
	x.ID = rec.ID
	x.Timestamp = rec.Timestamp
	return x, nil
}

// EncodeExperiment stores the definition keyed by its creation time, filterable by status.
func EncodeExperiment(e Experiment) (eventstore.Record, error) {
	rec, err := encodeRecord(e.ID, e.CreatedAt, map[string]string{FieldStatus: string(e.Status)}, e)
	rec.Version = e.Version
	return rec, err
}

// DecodeExperiment is the inverse of EncodeExperiment and carries the store version.
func DecodeExperiment(rec eventstore.Record) (Experiment, error) {
	e, err := decodeRecord[Experiment](rec)
	if err != nil {
		return e, err
	}
	e.ID = rec.ID
	e.Version = rec.Version
	return e, nil
}

// EncodeCohort stores the cohort keyed by its creation time.
func EncodeCohort(c Cohort) (eventstore.Record, error) {
	rec, err := encodeRecord(c.ID, c.CreatedAt, nil, c)
	rec.Version = c.Version
	return rec, err
}

// DecodeCohort is the inverse of EncodeCohort and carries the store version.
func DecodeCohort(rec eventstore.Record) (Cohort, error) {
	c, err := decodeRecord[Cohort](rec)
	if err != nil {
		return c, err
	}
	c.ID = rec.ID
	c.Version = rec.Version
	return c, nil
}
