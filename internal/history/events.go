package history

import (
	"time"

	"github.com/fyrsmithlabs/curator/internal/events"
	"github.com/fyrsmithlabs/curator/internal/knowledge"
)

// ReportGeneratedEvent is published after a period report is persisted.
type ReportGeneratedEvent struct {
	ReportID    string    `json:"report_id"`
	Kind        string    `json:"kind"`
	PeriodStart time.Time `json:"period_start"`
	PeriodEnd   time.Time `json:"period_end"`
	Insights    []string  `json:"insights,omitempty"`
}

// PatternStatusChangedEvent is published for every pattern transition the
// analyzer writes back.
type PatternStatusChangedEvent struct {
	PatternID   string                  `json:"pattern_id"`
	Name        string                  `json:"name"`
	From        knowledge.PatternStatus `json:"from"`
	To          knowledge.PatternStatus `json:"to"`
	SuccessRate float64                 `json:"success_rate"`
	At          time.Time               `json:"at"`
}

var (
	TopicReportGenerated     = events.NewTopic[ReportGeneratedEvent]("history.report_generated")
	TopicPatternStatusChange = events.NewTopic[PatternStatusChangedEvent]("history.pattern_status_changed")
)
