package validator

import (
	"context"
	"fmt"
	"regexp"
	"sort"

	"github.com/fyrsmithlabs/curator/internal/knowledge"
	"github.com/fyrsmithlabs/curator/internal/textsim"
)

// ConflictType classifies how two items disagree.
type ConflictType string

const (
	ConflictContradiction      ConflictType = "contradiction"
	ConflictInconsistentValues ConflictType = "inconsistent_values"
	ConflictOverlap            ConflictType = "overlap"
)

// Severity ranks a conflict.
type Severity string

const (
	SeverityHigh   Severity = "high"
	SeverityMedium Severity = "medium"
	SeverityLow    Severity = "low"
)

// Conflict is a disagreement with an existing item. Conflicts are recorded
// on the result and never make an item invalid on their own.
type Conflict struct {
	ItemID      string       `json:"item_id"`
	Type        ConflictType `json:"type"`
	Severity    Severity     `json:"severity"`
	Description string       `json:"description"`
	Overlap     float64      `json:"overlap"`
}

const (
	conflictTerms        = 8
	conflictCandidates   = 10
	conflictMinOverlap   = 0.3
	valueConflictOverlap = 0.6
)

var numberPattern = regexp.MustCompile(`\d+(?:\.\d+)?`)

func (v *Validator) findConflicts(ctx context.Context, item *knowledge.KnowledgeItem) ([]Conflict, error) {
	text := item.Title + " " + item.Content
	terms := textsim.KeyTerms(text, conflictTerms)
	if len(terms) == 0 {
		return nil, nil
	}

	candidates, err := v.repo.SearchItems(ctx, terms, knowledge.ItemFilter{
		Type:     item.Type,
		Statuses: []knowledge.ItemStatus{knowledge.StatusValidated},
		Limit:    conflictCandidates,
	})
	if err != nil {
		return nil, fmt.Errorf("search conflict candidates: %w", err)
	}

	var conflicts []Conflict
	for _, c := range candidates {
		if c.ID == item.ID {
			continue
		}
		other := c.Title + " " + c.Content
		overlap := textsim.Overlap(terms, textsim.KeyTerms(other, conflictTerms))
		if overlap < conflictMinOverlap {
			continue
		}
		conflicts = append(conflicts, v.classify(text, other, c, overlap))
	}

	sort.SliceStable(conflicts, func(i, j int) bool { return conflicts[i].Overlap > conflicts[j].Overlap })
	return conflicts, nil
}

func (v *Validator) classify(text, other string, c *knowledge.KnowledgeItem, overlap float64) Conflict {
	if a, b, ok := v.opposed(text, other); ok {
		return Conflict{
			ItemID:      c.ID,
			Type:        ConflictContradiction,
			Severity:    SeverityHigh,
			Description: fmt.Sprintf("says %q where %q says %q", a, c.Title, b),
			Overlap:     overlap,
		}
	}

	if overlap >= valueConflictOverlap {
		mine, theirs := numberSet(text), numberSet(other)
		if len(mine) > 0 && len(theirs) > 0 && !sameSet(mine, theirs) {
			return Conflict{
				ItemID:      c.ID,
				Type:        ConflictInconsistentValues,
				Severity:    SeverityMedium,
				Description: fmt.Sprintf("numeric values differ from %q", c.Title),
				Overlap:     overlap,
			}
		}
	}

	return Conflict{
		ItemID:      c.ID,
		Type:        ConflictOverlap,
		Severity:    SeverityLow,
		Description: fmt.Sprintf("covers the same ground as %q", c.Title),
		Overlap:     overlap,
	}
}

// opposed reports the first opposite pair where text uses one word and
// other uses the counterpart without either text using both.
func (v *Validator) opposed(text, other string) (string, string, bool) {
	mine, theirs := wordSet(text), wordSet(other)
	for _, o := range v.rules.Load().opposites {
		if mine[o.a] && theirs[o.b] && !mine[o.b] && !theirs[o.a] {
			return o.a, o.b, true
		}
		if mine[o.b] && theirs[o.a] && !mine[o.a] && !theirs[o.b] {
			return o.b, o.a, true
		}
	}
	return "", "", false
}

func wordSet(text string) map[string]bool {
	set := make(map[string]bool)
	for _, t := range textsim.Tokens(text) {
		set[t] = true
	}
	return set
}

func numberSet(text string) map[string]bool {
	set := make(map[string]bool)
	for _, n := range numberPattern.FindAllString(text, -1) {
		set[n] = true
	}
	return set
}

func sameSet(a, b map[string]bool) bool {
	if len(a) != len(b) {
		return false
	}
	for k := range a {
		if !b[k] {
			return false
		}
	}
	return true
}
