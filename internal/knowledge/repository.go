package knowledge

import (
	"context"
	"time"
)

// ItemFilter narrows item listings. Zero fields do not filter.
type ItemFilter struct {
	Type       string
	CategoryID string
	Statuses   []ItemStatus

	// ConfidenceBelow keeps items with Confidence strictly below it when > 0.
	ConfidenceBelow float64

	CreatedAfter  time.Time
	CreatedBefore time.Time
	Limit         int
}

// PatternFilter narrows pattern listings.
type PatternFilter struct {
	Statuses  []PatternStatus
	SeenAfter time.Time
	Limit     int
}

// InteractionFilter narrows interaction listings.
type InteractionFilter struct {
	UserID  string
	Outcome Outcome
	Since   time.Time
	Until   time.Time
	Limit   int
}

// ItemStore persists knowledge items and categories.
type ItemStore interface {
	// GetItem returns ErrNotFound when id is unknown.
	GetItem(ctx context.Context, id string) (*KnowledgeItem, error)

	// FindItemByHash returns the oldest item with the content hash, whatever
	// its status, or ErrNotFound. Ties on CreatedAt go to the smaller ID.
	FindItemByHash(ctx context.Context, hash string) (*KnowledgeItem, error)

	// ListItems returns matching items, newest first.
	ListItems(ctx context.Context, f ItemFilter) ([]*KnowledgeItem, error)

	// SearchItems returns items whose title, content or keywords contain any
	// of terms (case-insensitive), newest first.
	SearchItems(ctx context.Context, terms []string, f ItemFilter) ([]*KnowledgeItem, error)

	SaveItem(ctx context.Context, item *KnowledgeItem) error

	GetCategory(ctx context.Context, id string) (*Category, error)
	SaveCategory(ctx context.Context, c *Category) error
}

// PatternStore persists patterns.
type PatternStore interface {
	GetPattern(ctx context.Context, id string) (*Pattern, error)

	// ListPatterns returns matching patterns, most recently seen first.
	ListPatterns(ctx context.Context, f PatternFilter) ([]*Pattern, error)
	SavePattern(ctx context.Context, p *Pattern) error
}

// HistoryStore persists the interaction log and analyzer outputs.
type HistoryStore interface {
	SaveInteraction(ctx context.Context, i *Interaction) error

	// ListInteractions returns matching interactions, oldest first.
	ListInteractions(ctx context.Context, f InteractionFilter) ([]*Interaction, error)

	// DeleteInteractionsBefore removes interactions created before t and
	// returns how many were removed.
	DeleteInteractionsBefore(ctx context.Context, t time.Time) (int, error)

	GetProfile(ctx context.Context, userID string) (*UserProfile, error)
	SaveProfile(ctx context.Context, p *UserProfile) error

	SaveReport(ctx context.Context, r *AnalysisReport) error

	// ListReports returns reports created in [since, until), newest first.
	ListReports(ctx context.Context, since, until time.Time) ([]*AnalysisReport, error)
	DeleteReportsBefore(ctx context.Context, t time.Time) (int, error)

	SaveLesson(ctx context.Context, l *Lesson) error

	// ListLessons returns lessons newest first, at most limit when > 0.
	ListLessons(ctx context.Context, limit int) ([]*Lesson, error)
}

// Repository is the full persistence contract.
type Repository interface {
	ItemStore
	PatternStore
	HistoryStore
	Close() error
}

func hasItemStatus(statuses []ItemStatus, s ItemStatus) bool {
	if len(statuses) == 0 {
		return true
	}
	for _, st := range statuses {
		if st == s {
			return true
		}
	}
	return false
}

func hasPatternStatus(statuses []PatternStatus, s PatternStatus) bool {
	if len(statuses) == 0 {
		return true
	}
	for _, st := range statuses {
		if st == s {
			return true
		}
	}
	return false
}

// matchItem applies every filter field except Limit.
func (f ItemFilter) matchItem(k *KnowledgeItem) bool {
	if f.Type != "" && k.Type != f.Type {
		return false
	}
	if f.CategoryID != "" && k.CategoryID != f.CategoryID {
		return false
	}
	if !hasItemStatus(f.Statuses, k.Status) {
		return false
	}
	if f.ConfidenceBelow > 0 && k.Confidence >= f.ConfidenceBelow {
		return false
	}
	if !f.CreatedAfter.IsZero() && !k.CreatedAt.After(f.CreatedAfter) {
		return false
	}
	if !f.CreatedBefore.IsZero() && !k.CreatedAt.Before(f.CreatedBefore) {
		return false
	}
	return true
}

func (f InteractionFilter) matchInteraction(i *Interaction) bool {
	if f.UserID != "" && i.UserID != f.UserID {
		return false
	}
	if f.Outcome != "" && i.Outcome != f.Outcome {
		return false
	}
	if !f.Since.IsZero() && i.CreatedAt.Before(f.Since) {
		return false
	}
	if !f.Until.IsZero() && !i.CreatedAt.Before(f.Until) {
		return false
	}
	return true
}

func validateItem(k *KnowledgeItem) error {
	if k == nil || k.ID == "" {
		return ErrInvalidRecord
	}
	return nil
}
