// Package analytics defines the event, experiment and cohort data model shared by
// the recorder and the reporting engines, together with the error taxonomy they
// return and the codec that maps documents onto event store records.
package analytics

import (
	"slices"
	"time"

	"github.com/onnwee/insights/internal/eventstore"
)

// Event is implemented by AnalyticsEvent and UserBehaviorEvent only.
type Event interface {
	// Stream names the partition the event is written to.
	Stream() eventstore.Stream
	isEvent()
}

// EventType identifies a generic analytics event.
type EventType string

const (
	EventPageView          EventType = "page_view"
	EventArtistApplication EventType = "artist_application"
	EventArtistApproval    EventType = "artist_approval"
	EventArtistRejection   EventType = "artist_rejection"
	EventLogin             EventType = "login"
	EventMusicPlay         EventType = "music_play"
	EventProfileUpdate     EventType = "profile_update"
	EventSearch            EventType = "search"
)

var eventTypes = []EventType{
	EventPageView, EventArtistApplication, EventArtistApproval, EventArtistRejection,
	EventLogin, EventMusicPlay, EventProfileUpdate, EventSearch,
}

// Valid reports whether t is a known analytics event type.
func (t EventType) Valid() bool {
	return slices.Contains(eventTypes, t)
}

// AnalyticsEvent is a coarse application event. Metadata is open-ended.
type AnalyticsEvent struct {
	ID        string         `json:"id,omitempty"`
	Type      EventType      `json:"type"`
	UserID    string         `json:"userId,omitempty"`
	Timestamp time.Time      `json:"timestamp"`
	Metadata  map[string]any `json:"metadata,omitempty"`
}

// Stream implements Event.
func (AnalyticsEvent) Stream() eventstore.Stream { return StreamAnalyticsEvents }

func (AnalyticsEvent) isEvent() {}

// Genre returns the "genre" metadata value when it is a non-empty string.
func (e AnalyticsEvent) Genre() string {
	if g, ok := e.Metadata["genre"].(string); ok {
		return g
	}
	return ""
}

// BehaviorType identifies a fine-grained user behavior event.
type BehaviorType string

const (
	BehaviorPageView   BehaviorType = "page_view"
	BehaviorMusicPlay  BehaviorType = "music_play"
	BehaviorSearch     BehaviorType = "search"
	BehaviorDownload   BehaviorType = "download"
	BehaviorShare      BehaviorType = "share"
	BehaviorComment    BehaviorType = "comment"
	BehaviorSessionEnd BehaviorType = "session_end"
)

var behaviorTypes = []BehaviorType{
	BehaviorPageView, BehaviorMusicPlay, BehaviorSearch, BehaviorDownload,
	BehaviorShare, BehaviorComment, BehaviorSessionEnd,
}

// Valid reports whether t is a known behavior event type.
func (t BehaviorType) Valid() bool {
	return slices.Contains(behaviorTypes, t)
}

// BehaviorMetadata carries the known behavior attributes. Extra holds anything else.
type BehaviorMetadata struct {
	PageURL     string            `json:"pageUrl,omitempty"`
	MusicID     string            `json:"musicId,omitempty"`
	SearchQuery string            `json:"searchQuery,omitempty"`
	DeviceType  string            `json:"deviceType,omitempty"`
	Location    string            `json:"location,omitempty"`
	TimeOfDay   string            `json:"timeOfDay,omitempty"`
	Extra       map[string]string `json:"extra,omitempty"`
}

// Property looks up a metadata attribute by its JSON name, falling back to Extra.
func (m BehaviorMetadata) Property(name string) (string, bool) {
	var v string
	switch name {
	case "pageUrl":
		v = m.PageURL
	case "musicId":
		v = m.MusicID
	case "searchQuery":
		v = m.SearchQuery
	case "deviceType":
		v = m.DeviceType
	case "location":
		v = m.Location
	case "timeOfDay":
		v = m.TimeOfDay
	default:
		v, ok := m.Extra[name]
		return v, ok
	}
	return v, v != ""
}

// UserBehaviorEvent is a single user action within a session.
// Duration is in seconds and is only meaningful on session_end events.
type UserBehaviorEvent struct {
	ID        string           `json:"id,omitempty"`
	UserID    string           `json:"userId"`
	SessionID string           `json:"sessionId"`
	Timestamp time.Time        `json:"timestamp"`
	EventType BehaviorType     `json:"eventType"`
	Duration  *float64         `json:"duration,omitempty"`
	Metadata  BehaviorMetadata `json:"metadata"`
}

// Stream implements Event.
func (UserBehaviorEvent) Stream() eventstore.Stream { return StreamUserBehavior }

func (UserBehaviorEvent) isEvent() {}

// ExperimentStatus is the lifecycle state of an experiment.
type ExperimentStatus string

const (
	StatusDraft     ExperimentStatus = "draft"
	StatusActive    ExperimentStatus = "active"
	StatusCompleted ExperimentStatus = "completed"
)

// Variant is one arm of an experiment.
type Variant struct {
	ID          string         `json:"id"`
	Name        string         `json:"name"`
	Description string         `json:"description,omitempty"`
	Config      map[string]any `json:"config,omitempty"`
}

// Experiment is an A/B test definition. Variants are fixed once the experiment
// leaves draft.
type Experiment struct {
	ID          string           `json:"id"`
	Name        string           `json:"name"`
	Description string           `json:"description,omitempty"`
	StartDate   time.Time        `json:"startDate"`
	EndDate     time.Time        `json:"endDate"`
	Variants    []Variant        `json:"variants"`
	Metrics     []string         `json:"metrics"`
	Status      ExperimentStatus `json:"status"`
	CreatedAt   time.Time        `json:"createdAt"`
	UpdatedAt   time.Time        `json:"updatedAt"`

	// Version is the store version the document was read at.
	Version int64 `json:"-"`
}

// Variant returns the variant with the given id.
func (e Experiment) Variant(id string) (Variant, bool) {
	for _, v := range e.Variants {
		if v.ID == id {
			return v, true
		}
	}
	return Variant{}, false
}

// Exposure is a single impression or conversion of a user to a variant.
type Exposure struct {
	ID        string    `json:"id,omitempty"`
	TestID    string    `json:"testId"`
	VariantID string    `json:"variantId"`
	UserID    string    `json:"userId"`
	Timestamp time.Time `json:"timestamp"`
}

// VariantImpression records that a user was shown a variant.
type VariantImpression = Exposure

// VariantConversion records that a user completed the experiment goal.
type VariantConversion = Exposure

// VariantResult is the per-variant outcome of an experiment.
// Impressions counts distinct users shown the variant. Conversions counts
// distinct users who converted on the variant and also had an impression on
// it, so a conversion with no matching impression is not counted and
// ConversionRate stays within [0, 1].
// Confidence is the half-width of the 95% Wilson score interval; Lower and Upper
// are the interval bounds around Center.
type VariantResult struct {
	VariantID      string  `json:"variantId"`
	VariantName    string  `json:"variantName"`
	Impressions    int     `json:"impressions"`
	Conversions    int     `json:"conversions"`
	ConversionRate float64 `json:"conversionRate"`
	Confidence     float64 `json:"confidence"`
	Center         float64 `json:"center"`
	Lower          float64 `json:"lower"`
	Upper          float64 `json:"upper"`
}

// CohortCriteria selects cohort members. Events lists behavior types every member
// must have performed within the window; UserProperties are matched against
// behavior metadata.
type CohortCriteria struct {
	StartDate      time.Time         `json:"startDate"`
	EndDate        time.Time         `json:"endDate"`
	UserProperties map[string]string `json:"userProperties,omitempty"`
	Events         []BehaviorType    `json:"events,omitempty"`
}

// CohortMetrics is the last analysis of a cohort.
//
// Conversion is the share of all in-window behavior events of each type, as a
// percentage. It is not a per-user conversion rate.
type CohortMetrics struct {
	Retention  map[string]float64 `json:"retention"`
	Engagement map[string]float64 `json:"engagement"`
	Conversion map[string]float64 `json:"conversion"`
}

// Cohort is a named snapshot of users analyzed together.
type Cohort struct {
	ID             string         `json:"id"`
	Name           string         `json:"name"`
	Description    string         `json:"description,omitempty"`
	Criteria       CohortCriteria `json:"criteria"`
	Users          []string       `json:"users"`
	Metrics        CohortMetrics  `json:"metrics"`
	CreatedAt      time.Time      `json:"createdAt"`
	UpdatedAt      time.Time      `json:"updatedAt"`
	MaterializedAt *time.Time     `json:"materializedAt,omitempty"`
	AnalyzedAt     *time.Time     `json:"analyzedAt,omitempty"`

	Version int64 `json:"-"`
}
