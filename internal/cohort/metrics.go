package cohort

import (
	"fmt"
	"slices"
	"time"

	"github.com/onnwee/insights/internal/analytics"
	"github.com/onnwee/insights/internal/stats"
)

// RetentionDays are the retention thresholds reported as "<n>d".
var RetentionDays = []int{7, 14, 30, 60, 90}

// ConversionTypes are the behavior types reported in CohortMetrics.Conversion.
var ConversionTypes = []analytics.BehaviorType{
	analytics.BehaviorMusicPlay,
	analytics.BehaviorDownload,
	analytics.BehaviorShare,
	analytics.BehaviorComment,
}

// Engagement metric keys.
const (
	EngagementAvgSessionDuration = "avgSessionDuration"
	EngagementAvgEventsPerUser   = "avgEventsPerUser"
	EngagementActiveUsers        = "activeUsers"
)

// RetentionKey returns the CohortMetrics.Retention key for days.
func RetentionKey(days int) string {
	return fmt.Sprintf("%dd", days)
}

// EmptyMetrics returns metrics with every key present and zero.
func EmptyMetrics() analytics.CohortMetrics {
	m := analytics.CohortMetrics{
		Retention:  make(map[string]float64, len(RetentionDays)),
		Engagement: map[string]float64{EngagementAvgSessionDuration: 0, EngagementAvgEventsPerUser: 0, EngagementActiveUsers: 0},
		Conversion: make(map[string]float64, len(ConversionTypes)),
	}
	for _, d := range RetentionDays {
		m.Retention[RetentionKey(d)] = 0
	}
	for _, t := range ConversionTypes {
		m.Conversion[string(t)] = 0
	}
	return m
}

// ComputeMetrics derives cohort metrics from the members' in-window events.
// Percentages use the cohort size, so members without events count as not
// retained. Conversion is each type's share of all events, not a per-user rate.
func ComputeMetrics(users []string, events []analytics.UserBehaviorEvent) analytics.CohortMetrics {
	m := EmptyMetrics()
	if len(users) == 0 {
		return m
	}

	type span struct{ first, last time.Time }
	spans := make(map[string]*span, len(users))
	var (
		sessionDurations []float64
		typeCounts       = make(map[analytics.BehaviorType]int)
	)
	for _, e := range events {
		typeCounts[e.EventType]++
		if e.EventType == analytics.BehaviorSessionEnd && e.Duration != nil {
			sessionDurations = append(sessionDurations, *e.Duration)
		}
		if sp, ok := spans[e.UserID]; ok {
			if e.Timestamp.Before(sp.first) {
				sp.first = e.Timestamp
			}
			if e.Timestamp.After(sp.last) {
				sp.last = e.Timestamp
			}
		} else {
			spans[e.UserID] = &span{first: e.Timestamp, last: e.Timestamp}
		}
	}

	for _, d := range RetentionDays {
		threshold := time.Duration(d) * 24 * time.Hour
		retained := 0
		for _, sp := range spans {
			if sp.last.Sub(sp.first) >= threshold {
				retained++
			}
		}
		m.Retention[RetentionKey(d)] = stats.Percent(retained, len(users))
	}

	// Sorted so the float sum does not depend on read order.
	slices.Sort(sessionDurations)
	m.Engagement[EngagementAvgSessionDuration] = stats.Mean(sessionDurations)
	m.Engagement[EngagementAvgEventsPerUser] = stats.Ratio(float64(len(events)), float64(len(users)))
	m.Engagement[EngagementActiveUsers] = float64(len(spans))

	for _, t := range ConversionTypes {
		m.Conversion[string(t)] = stats.Percent(typeCounts[t], len(events))
	}
	return m
}
