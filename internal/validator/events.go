package validator

import (
	"time"

	"github.com/fyrsmithlabs/curator/internal/events"
	"github.com/fyrsmithlabs/curator/internal/knowledge"
)

// SubmittedEvent asks the validator to validate a new item.
type SubmittedEvent struct {
	Item knowledge.KnowledgeItem `json:"item"`
}

// ValidatedEvent is published when an item passes validation.
type ValidatedEvent struct {
	ItemID     string    `json:"item_id"`
	Title      string    `json:"title"`
	Type       string    `json:"type"`
	Confidence float64   `json:"confidence"`
	Conflicts  int       `json:"conflicts"`
	At         time.Time `json:"at"`
}

// RejectedEvent is published when an item fails validation.
type RejectedEvent struct {
	ItemID     string    `json:"item_id"`
	Title      string    `json:"title"`
	Confidence float64   `json:"confidence"`
	Issues     []string  `json:"issues,omitempty"`
	Duplicate  bool      `json:"duplicate"`
	OriginalID string    `json:"original_id,omitempty"`
	Harmful    bool      `json:"harmful"`
	At         time.Time `json:"at"`
}

var (
	TopicSubmitted = events.NewTopic[SubmittedEvent]("knowledge.submitted")
	TopicValidated = events.NewTopic[ValidatedEvent]("knowledge.validated")
	TopicRejected  = events.NewTopic[RejectedEvent]("knowledge.rejected")
)
