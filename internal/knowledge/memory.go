package knowledge

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"
)

// MemoryRepository keeps every record in arena slices addressed through
// id→index maps. Records are copied in and out, so callers never share
// memory with the store.
type MemoryRepository struct {
	mu sync.RWMutex

	items   []*KnowledgeItem
	itemIdx map[string]int

	categories map[string]*Category

	patterns   []*Pattern
	patternIdx map[string]int

	interactions   []*Interaction
	interactionIdx map[string]int

	profiles map[string]*UserProfile

	reports []*AnalysisReport
	lessons []*Lesson
}

var _ Repository = (*MemoryRepository)(nil)

// NewMemoryRepository creates an empty in-memory repository.
func NewMemoryRepository() *MemoryRepository {
	return &MemoryRepository{
		itemIdx:        make(map[string]int),
		categories:     make(map[string]*Category),
		patternIdx:     make(map[string]int),
		interactionIdx: make(map[string]int),
		profiles:       make(map[string]*UserProfile),
	}
}

func (r *MemoryRepository) GetItem(ctx context.Context, id string) (*KnowledgeItem, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	i, ok := r.itemIdx[id]
	if !ok {
		return nil, fmt.Errorf("item %s: %w", id, ErrNotFound)
	}
	return r.items[i].Clone(), nil
}

func (r *MemoryRepository) FindItemByHash(ctx context.Context, hash string) (*KnowledgeItem, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var found *KnowledgeItem
	for _, k := range r.items {
		if k.ContentHash != hash {
			continue
		}
		if found == nil || k.OlderThan(found) {
			found = k
		}
	}
	if found == nil {
		return nil, fmt.Errorf("item with hash %s: %w", hash, ErrNotFound)
	}
	return found.Clone(), nil
}

func (r *MemoryRepository) ListItems(ctx context.Context, f ItemFilter) ([]*KnowledgeItem, error) {
	return r.SearchItems(ctx, nil, f)
}

func (r *MemoryRepository) SearchItems(ctx context.Context, terms []string, f ItemFilter) ([]*KnowledgeItem, error) {
	lowered := make([]string, 0, len(terms))
	for _, t := range terms {
		if t = strings.ToLower(strings.TrimSpace(t)); t != "" {
			lowered = append(lowered, t)
		}
	}
	if len(terms) > 0 && len(lowered) == 0 {
		return nil, nil
	}

	r.mu.RLock()
	var out []*KnowledgeItem
	for _, k := range r.items {
		if !f.matchItem(k) {
			continue
		}
		if len(lowered) > 0 && !containsAny(searchText(k), lowered) {
			continue
		}
		out = append(out, k.Clone())
	}
	r.mu.RUnlock()

	sort.SliceStable(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	if f.Limit > 0 && len(out) > f.Limit {
		out = out[:f.Limit]
	}
	return out, nil
}

// searchText is the lowercase haystack term searches run against.
func searchText(k *KnowledgeItem) string {
	return strings.ToLower(k.Title + "\n" + k.Content + "\n" + strings.Join(k.Keywords, " "))
}

func containsAny(haystack string, terms []string) bool {
	for _, t := range terms {
		if strings.Contains(haystack, t) {
			return true
		}
	}
	return false
}

func (r *MemoryRepository) SaveItem(ctx context.Context, item *KnowledgeItem) error {
	if err := validateItem(item); err != nil {
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if i, ok := r.itemIdx[item.ID]; ok {
		r.items[i] = item.Clone()
		return nil
	}
	r.itemIdx[item.ID] = len(r.items)
	r.items = append(r.items, item.Clone())
	return nil
}

func (r *MemoryRepository) GetCategory(ctx context.Context, id string) (*Category, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	c, ok := r.categories[id]
	if !ok {
		return nil, fmt.Errorf("category %s: %w", id, ErrNotFound)
	}
	cp := *c
	return &cp, nil
}

func (r *MemoryRepository) SaveCategory(ctx context.Context, c *Category) error {
	if c == nil || c.ID == "" {
		return ErrInvalidRecord
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	cp := *c
	r.categories[c.ID] = &cp
	return nil
}

func (r *MemoryRepository) GetPattern(ctx context.Context, id string) (*Pattern, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	i, ok := r.patternIdx[id]
	if !ok {
		return nil, fmt.Errorf("pattern %s: %w", id, ErrNotFound)
	}
	return r.patterns[i].Clone(), nil
}

func (r *MemoryRepository) ListPatterns(ctx context.Context, f PatternFilter) ([]*Pattern, error) {
	r.mu.RLock()
	var out []*Pattern
	for _, p := range r.patterns {
		if !hasPatternStatus(f.Statuses, p.Status) {
			continue
		}
		if !f.SeenAfter.IsZero() && !p.LastSeen.After(f.SeenAfter) {
			continue
		}
		out = append(out, p.Clone())
	}
	r.mu.RUnlock()

	sort.SliceStable(out, func(i, j int) bool { return out[i].LastSeen.After(out[j].LastSeen) })
	if f.Limit > 0 && len(out) > f.Limit {
		out = out[:f.Limit]
	}
	return out, nil
}

func (r *MemoryRepository) SavePattern(ctx context.Context, p *Pattern) error {
	if p == nil || p.ID == "" {
		return ErrInvalidRecord
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	if i, ok := r.patternIdx[p.ID]; ok {
		r.patterns[i] = p.Clone()
		return nil
	}
	r.patternIdx[p.ID] = len(r.patterns)
	r.patterns = append(r.patterns, p.Clone())
	return nil
}

func (r *MemoryRepository) SaveInteraction(ctx context.Context, in *Interaction) error {
	if in == nil || in.ID == "" {
		return ErrInvalidRecord
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	if i, ok := r.interactionIdx[in.ID]; ok {
		r.interactions[i] = in.Clone()
		return nil
	}
	r.interactionIdx[in.ID] = len(r.interactions)
	r.interactions = append(r.interactions, in.Clone())
	return nil
}

func (r *MemoryRepository) ListInteractions(ctx context.Context, f InteractionFilter) ([]*Interaction, error) {
	r.mu.RLock()
	var out []*Interaction
	for _, in := range r.interactions {
		if f.matchInteraction(in) {
			out = append(out, in.Clone())
		}
	}
	r.mu.RUnlock()

	sort.SliceStable(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	if f.Limit > 0 && len(out) > f.Limit {
		out = out[:f.Limit]
	}
	return out, nil
}

// DeleteInteractionsBefore compacts the arena and rebuilds its index.
func (r *MemoryRepository) DeleteInteractionsBefore(ctx context.Context, t time.Time) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	kept := r.interactions[:0]
	removed := 0
	for _, in := range r.interactions {
		if in.CreatedAt.Before(t) {
			removed++
			continue
		}
		kept = append(kept, in)
	}
	for i := len(kept); i < len(r.interactions); i++ {
		r.interactions[i] = nil
	}
	r.interactions = kept

	r.interactionIdx = make(map[string]int, len(kept))
	for i, in := range kept {
		r.interactionIdx[in.ID] = i
	}
	return removed, nil
}

func (r *MemoryRepository) GetProfile(ctx context.Context, userID string) (*UserProfile, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	p, ok := r.profiles[userID]
	if !ok {
		return nil, fmt.Errorf("profile %s: %w", userID, ErrNotFound)
	}
	return p.Clone(), nil
}

func (r *MemoryRepository) SaveProfile(ctx context.Context, p *UserProfile) error {
	if p == nil || p.UserID == "" {
		return ErrInvalidRecord
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	r.profiles[p.UserID] = p.Clone()
	return nil
}

func (r *MemoryRepository) SaveReport(ctx context.Context, rep *AnalysisReport) error {
	if rep == nil || rep.ID == "" {
		return ErrInvalidRecord
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	for i, existing := range r.reports {
		if existing.ID == rep.ID {
			r.reports[i] = rep.Clone()
			return nil
		}
	}
	r.reports = append(r.reports, rep.Clone())
	return nil
}

func (r *MemoryRepository) ListReports(ctx context.Context, since, until time.Time) ([]*AnalysisReport, error) {
	r.mu.RLock()
	var out []*AnalysisReport
	for _, rep := range r.reports {
		if !since.IsZero() && rep.CreatedAt.Before(since) {
			continue
		}
		if !until.IsZero() && !rep.CreatedAt.Before(until) {
			continue
		}
		out = append(out, rep.Clone())
	}
	r.mu.RUnlock()

	sort.SliceStable(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out, nil
}

func (r *MemoryRepository) DeleteReportsBefore(ctx context.Context, t time.Time) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	kept := make([]*AnalysisReport, 0, len(r.reports))
	for _, rep := range r.reports {
		if !rep.CreatedAt.Before(t) {
			kept = append(kept, rep)
		}
	}
	removed := len(r.reports) - len(kept)
	r.reports = kept
	return removed, nil
}

func (r *MemoryRepository) SaveLesson(ctx context.Context, l *Lesson) error {
	if l == nil || l.ID == "" {
		return ErrInvalidRecord
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	cp := *l
	for i, existing := range r.lessons {
		if existing.ID == l.ID {
			r.lessons[i] = &cp
			return nil
		}
	}
	r.lessons = append(r.lessons, &cp)
	return nil
}

func (r *MemoryRepository) ListLessons(ctx context.Context, limit int) ([]*Lesson, error) {
	r.mu.RLock()
	out := make([]*Lesson, 0, len(r.lessons))
	for _, l := range r.lessons {
		cp := *l
		out = append(out, &cp)
	}
	r.mu.RUnlock()

	sort.SliceStable(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// Close is a no-op.
func (r *MemoryRepository) Close() error {
	return nil
}
