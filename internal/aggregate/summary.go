package aggregate

import "time"

// Layouts of the DailyEvents and MonthlyEvents keys (UTC).
const (
	DayLayout   = "2006-01-02"
	MonthLayout = "2006-01"
)

// PopularPagesLimit caps Summary.PopularPages.
const PopularPagesLimit = 10

// PageCount is one entry of the popular-pages ranking.
type PageCount struct {
	Page  string `json:"page"`
	Count int    `json:"count"`
}

// Engagement holds raw behavior counts.
type Engagement struct {
	MusicPlays int `json:"musicPlays"`
	Downloads  int `json:"downloads"`
	Shares     int `json:"shares"`
	Comments   int `json:"comments"`
}

// Summary is the aggregated view of one reporting window.
// Maps and slices are never nil, so an empty window serializes as zeros.
type Summary struct {
	Start time.Time `json:"start"`
	End   time.Time `json:"end"`

	TotalEvents   int `json:"totalEvents"`
	UniqueUsers   int `json:"uniqueUsers"`
	TotalSessions int `json:"totalSessions"`

	PendingApplications  int `json:"pendingApplications"`
	ApprovedApplications int `json:"approvedApplications"`
	RejectedApplications int `json:"rejectedApplications"`

	Genres        map[string]int `json:"genres"`
	DailyEvents   map[string]int `json:"dailyEvents"`
	MonthlyEvents map[string]int `json:"monthlyEvents"`
	PopularPages  []PageCount    `json:"popularPages"`

	UserEngagement   Engagement     `json:"userEngagement"`
	DeviceUsage      map[string]int `json:"deviceUsage"`
	TimeDistribution map[string]int `json:"timeDistribution"`

	// AverageSessionDuration is in seconds.
	AverageSessionDuration float64 `json:"averageSessionDuration"`
}

func newSummary(start, end time.Time) Summary {
	return Summary{
		Start:            start,
		End:              end,
		Genres:           map[string]int{},
		DailyEvents:      map[string]int{},
		MonthlyEvents:    map[string]int{},
		PopularPages:     []PageCount{},
		DeviceUsage:      map[string]int{},
		TimeDistribution: map[string]int{},
	}
}
