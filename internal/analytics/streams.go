package analytics

import "github.com/onnwee/insights/internal/eventstore"

// Event store streams.
const (
	StreamAnalyticsEvents eventstore.Stream = "analytics_events"
	StreamUserBehavior    eventstore.Stream = "user_behavior"
	StreamExperiments     eventstore.Stream = "ab_tests"
	StreamImpressions     eventstore.Stream = "ab_test_impressions"
	StreamConversions     eventstore.Stream = "ab_test_conversions"
	StreamCohorts         eventstore.Stream = "cohorts"
)

// Filterable record fields.
const (
	FieldType      = "type"
	FieldUserID    = "userId"
	FieldSessionID = "sessionId"
	FieldEventType = "eventType"
	FieldTestID    = "testId"
	FieldVariantID = "variantId"
	FieldStatus    = "status"
)
