// Package knowledge defines the curated knowledge model and the repository
// contract the agents persist through.
package knowledge

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

var (
	// ErrNotFound is returned when a record does not exist.
	ErrNotFound = errors.New("not found")

	// ErrInvalidTransition is returned for a status change the lifecycle forbids.
	ErrInvalidTransition = errors.New("invalid status transition")

	// ErrInvalidRecord is returned when a record fails basic checks on save.
	ErrInvalidRecord = errors.New("invalid record")
)

// ItemStatus is the lifecycle state of a KnowledgeItem.
type ItemStatus string

const (
	StatusPending   ItemStatus = "pending"
	StatusValidated ItemStatus = "validated"
	StatusRejected  ItemStatus = "rejected"
	StatusOutdated  ItemStatus = "outdated"
	StatusArchived  ItemStatus = "archived"
)

var itemTransitions = map[ItemStatus][]ItemStatus{
	StatusPending:   {StatusValidated, StatusRejected},
	StatusValidated: {StatusOutdated, StatusArchived},
	StatusOutdated:  {StatusArchived},
}

// CanTransition reports whether an item may move from one status to another.
// Nothing ever returns to pending.
func CanTransition(from, to ItemStatus) bool {
	for _, s := range itemTransitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// SourceType records where an item came from. It drives credibility weighting.
type SourceType string

const (
	SourceManual        SourceType = "manual"
	SourceExpert        SourceType = "expert"
	SourceVerified      SourceType = "verified"
	SourceDocumentation SourceType = "documentation"
	SourceCommunity     SourceType = "community"
	SourceUser          SourceType = "user"
	SourceAIGenerated   SourceType = "ai_generated"
	SourceExternal      SourceType = "external"
)

// KnowledgeItem is one unit of curated knowledge.
type KnowledgeItem struct {
	ID          string     `json:"id"`
	Title       string     `json:"title"`
	CategoryID  string     `json:"category_id,omitempty"`
	Type        string     `json:"type"`
	Content     string     `json:"content"`
	ContentHash string     `json:"content_hash,omitempty"`
	SourceType  SourceType `json:"source_type,omitempty"`

	// SourceRef is a citation or URL backing the content.
	SourceRef string `json:"source_ref,omitempty"`

	// Confidence is the validator's score in [0,1].
	Confidence float64    `json:"confidence"`
	Status     ItemStatus `json:"status"`

	UsageCount   int `json:"usage_count"`
	SuccessCount int `json:"success_count"`
	FailureCount int `json:"failure_count"`

	Keywords []string `json:"keywords,omitempty"`
	Tags     []string `json:"tags,omitempty"`

	// Graph edges by ID. Cycles are allowed.
	RelatedIDs      []string `json:"related_ids,omitempty"`
	PrerequisiteIDs []string `json:"prerequisite_ids,omitempty"`

	Version          int      `json:"version"`
	ValidationIssues []string `json:"validation_issues,omitempty"`

	CreatedAt   time.Time  `json:"created_at"`
	UpdatedAt   time.Time  `json:"updated_at"`
	ValidatedAt *time.Time `json:"validated_at,omitempty"`
}

// NewKnowledgeItem creates a pending item with a generated ID.
func NewKnowledgeItem(title, content, itemType string, source SourceType) *KnowledgeItem {
	now := time.Now().UTC()
	return &KnowledgeItem{
		ID:         uuid.New().String(),
		Title:      title,
		Type:       itemType,
		Content:    content,
		SourceType: source,
		Status:     StatusPending,
		Version:    1,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
}

// Transition moves the item to status to, enforcing the lifecycle.
func (k *KnowledgeItem) Transition(to ItemStatus) error {
	if !CanTransition(k.Status, to) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, k.Status, to)
	}
	k.Status = to
	k.UpdatedAt = time.Now().UTC()
	return nil
}

// Clone returns a deep copy.
func (k *KnowledgeItem) Clone() *KnowledgeItem {
	c := *k
	c.Keywords = cloneStrings(k.Keywords)
	c.Tags = cloneStrings(k.Tags)
	c.RelatedIDs = cloneStrings(k.RelatedIDs)
	c.PrerequisiteIDs = cloneStrings(k.PrerequisiteIDs)
	c.ValidationIssues = cloneStrings(k.ValidationIssues)
	if k.ValidatedAt != nil {
		t := *k.ValidatedAt
		c.ValidatedAt = &t
	}
	return &c
}

// OlderThan orders items by CreatedAt, then by ID.
func (k *KnowledgeItem) OlderThan(other *KnowledgeItem) bool {
	if !k.CreatedAt.Equal(other.CreatedAt) {
		return k.CreatedAt.Before(other.CreatedAt)
	}
	return k.ID < other.ID
}

// PatternStatus is the lifecycle state of a Pattern.
type PatternStatus string

const (
	PatternActive  PatternStatus = "active"
	PatternTesting PatternStatus = "testing"
	PatternRetired PatternStatus = "retired"
	PatternFailed  PatternStatus = "failed"
)

var patternTransitions = map[PatternStatus][]PatternStatus{
	PatternTesting: {PatternActive, PatternFailed},
	PatternActive:  {PatternRetired},
}

// CanTransitionPattern reports whether a pattern may change status.
func CanTransitionPattern(from, to PatternStatus) bool {
	for _, s := range patternTransitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// PatternSample is one observed success rate for a pattern.
type PatternSample struct {
	At          time.Time `json:"at"`
	SuccessRate float64   `json:"success_rate"`
}

// Pattern is a recurring condition/outcome relationship.
type Pattern struct {
	ID              string            `json:"id"`
	Name            string            `json:"name"`
	Type            string            `json:"type"`
	Conditions      map[string]string `json:"conditions,omitempty"`
	ExpectedOutcome string            `json:"expected_outcome,omitempty"`
	Occurrences     int               `json:"occurrences"`

	// SuccessRate is a percentage in [0,100].
	SuccessRate     float64       `json:"success_rate"`
	ConfidenceLevel float64       `json:"confidence_level"`
	Status          PatternStatus `json:"status"`
	TimesUsed       int           `json:"times_used"`

	FirstSeen time.Time       `json:"first_seen"`
	LastSeen  time.Time       `json:"last_seen"`
	Samples   []PatternSample `json:"samples,omitempty"`
}

// Transition moves the pattern to status to, enforcing the lifecycle.
func (p *Pattern) Transition(to PatternStatus) error {
	if !CanTransitionPattern(p.Status, to) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, p.Status, to)
	}
	p.Status = to
	return nil
}

func (p *Pattern) Clone() *Pattern {
	c := *p
	if p.Conditions != nil {
		c.Conditions = make(map[string]string, len(p.Conditions))
		for k, v := range p.Conditions {
			c.Conditions[k] = v
		}
	}
	c.Samples = append([]PatternSample(nil), p.Samples...)
	return &c
}

// Category groups knowledge items.
type Category struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
	ParentID    string `json:"parent_id,omitempty"`
}

// Outcome is the result of a user interaction.
type Outcome string

const (
	OutcomeSuccess Outcome = "success"
	OutcomeFailure Outcome = "failure"
)

// Interaction is one entry of the user interaction log.
type Interaction struct {
	ID           string    `json:"id"`
	UserID       string    `json:"user_id"`
	Type         string    `json:"type"`
	Query        string    `json:"query,omitempty"`
	CategoryID   string    `json:"category_id,omitempty"`
	Source       string    `json:"source,omitempty"`
	Outcome      Outcome   `json:"outcome"`
	Error        string    `json:"error,omitempty"`
	KnowledgeIDs []string  `json:"knowledge_ids,omitempty"`
	PatternID    string    `json:"pattern_id,omitempty"`
	CreatedAt    time.Time `json:"created_at"`
}

func (i *Interaction) Clone() *Interaction {
	c := *i
	c.KnowledgeIDs = cloneStrings(i.KnowledgeIDs)
	return &c
}

// UserProfile holds what the history analyzer learned about a user.
type UserProfile struct {
	UserID              string    `json:"user_id"`
	PreferredCategories []string  `json:"preferred_categories,omitempty"`
	PreferredTypes      []string  `json:"preferred_types,omitempty"`
	ActiveHours         []int     `json:"active_hours,omitempty"`
	RecurringTopics     []string  `json:"recurring_topics,omitempty"`
	SuccessRate         float64   `json:"success_rate"`
	TotalInteractions   int       `json:"total_interactions"`
	LastAnalyzedAt      time.Time `json:"last_analyzed_at"`
}

func (u *UserProfile) Clone() *UserProfile {
	c := *u
	c.PreferredCategories = cloneStrings(u.PreferredCategories)
	c.PreferredTypes = cloneStrings(u.PreferredTypes)
	c.ActiveHours = append([]int(nil), u.ActiveHours...)
	c.RecurringTopics = cloneStrings(u.RecurringTopics)
	return &c
}

// AnalysisReport is a persisted analyzer output. Body holds the report
// document as JSON.
type AnalysisReport struct {
	ID          string          `json:"id"`
	Kind        string          `json:"kind"`
	PeriodStart time.Time       `json:"period_start"`
	PeriodEnd   time.Time       `json:"period_end"`
	Insights    []string        `json:"insights,omitempty"`
	Body        json.RawMessage `json:"body,omitempty"`
	CreatedAt   time.Time       `json:"created_at"`
}

func (r *AnalysisReport) Clone() *AnalysisReport {
	c := *r
	c.Insights = cloneStrings(r.Insights)
	c.Body = append(json.RawMessage(nil), r.Body...)
	return &c
}

// Lesson is a takeaway derived from clustered failures.
type Lesson struct {
	ID          string    `json:"id"`
	Cluster     string    `json:"cluster"`
	Text        string    `json:"text"`
	Occurrences int       `json:"occurrences"`
	CreatedAt   time.Time `json:"created_at"`
}

func cloneStrings(s []string) []string {
	if s == nil {
		return nil
	}
	return append([]string(nil), s...)
}
