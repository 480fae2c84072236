package history

import (
	"context"
	"errors"
	"fmt"
	"sort"

	"github.com/fyrsmithlabs/curator/internal/knowledge"
	"github.com/fyrsmithlabs/curator/internal/textsim"
)

const (
	topPreferences    = 3
	maxRecurringTerms = 10
	queryTerms        = 5
	weakCategoryRate  = 50
	weakCategoryMin   = 3
)

// CategoryPerformance is a user's outcome record within one category.
type CategoryPerformance struct {
	CategoryID  string  `json:"category_id"`
	Total       int     `json:"total"`
	Successes   int     `json:"successes"`
	SuccessRate float64 `json:"success_rate"`
}

// UserAnalysis is the result of AnalyzeUserHistory. Rates are percentages.
type UserAnalysis struct {
	UserID string `json:"user_id"`

	// Sequence is the interaction types in time order.
	Sequence []string `json:"sequence,omitempty"`

	// Transitions counts consecutive type pairs as "from -> to".
	Transitions map[string]int `json:"transitions,omitempty"`

	RecurringTopics     []string               `json:"recurring_topics,omitempty"`
	PreferredCategories []string               `json:"preferred_categories,omitempty"`
	PreferredTypes      []string               `json:"preferred_types,omitempty"`
	ActiveHours         []int                  `json:"active_hours,omitempty"`
	Successes           int                    `json:"successes"`
	Failures            int                    `json:"failures"`
	SuccessRate         float64                `json:"success_rate"`
	Categories          []CategoryPerformance  `json:"categories,omitempty"`
	Recommendations     []string               `json:"recommendations,omitempty"`
	Profile             *knowledge.UserProfile `json:"profile,omitempty"`
	Errors              []string               `json:"errors,omitempty"`
}

// AnalyzeUserHistory rebuilds a user's interaction sequence over the
// lookback, extracts recurring question terms and preferences, scores
// outcomes per category, derives recommendations and updates the stored
// profile.
func (a *Analyzer) AnalyzeUserHistory(ctx context.Context, userID string, lookbackDays int) (res *UserAnalysis) {
	res = &UserAnalysis{UserID: userID}
	defer a.recoverInto(ctx, TaskAnalyzeUser, &res.Errors)

	if userID == "" {
		res.Errors = append(res.Errors, "user id is required")
		return res
	}

	interactions, err := a.store.ListInteractions(ctx, knowledge.InteractionFilter{
		UserID: userID,
		Since:  a.lookback(lookbackDays),
	})
	if err != nil {
		a.fail(ctx, TaskAnalyzeUser, &res.Errors, fmt.Errorf("list interactions: %w", err))
		return res
	}

	terms := make(map[string]int)
	categories := make(map[string]int)
	types := make(map[string]int)
	hours := make(map[int]int)
	perCategory := make(map[string]*CategoryPerformance)

	for i, in := range interactions {
		res.Sequence = append(res.Sequence, in.Type)
		if i > 0 {
			if res.Transitions == nil {
				res.Transitions = make(map[string]int)
			}
			res.Transitions[interactions[i-1].Type+" -> "+in.Type]++
		}

		// count each term once per query
		for _, t := range textsim.KeyTerms(in.Query, queryTerms) {
			terms[t]++
		}

		types[in.Type]++
		hours[in.CreatedAt.UTC().Hour()]++

		success := in.Outcome == knowledge.OutcomeSuccess
		if success {
			res.Successes++
		} else {
			res.Failures++
		}

		if in.CategoryID == "" {
			continue
		}
		categories[in.CategoryID]++
		cp, ok := perCategory[in.CategoryID]
		if !ok {
			cp = &CategoryPerformance{CategoryID: in.CategoryID}
			perCategory[in.CategoryID] = cp
		}
		cp.Total++
		if success {
			cp.Successes++
		}
	}

	if total := res.Successes + res.Failures; total > 0 {
		res.SuccessRate = 100 * float64(res.Successes) / float64(total)
	}

	for term, n := range terms {
		if n >= 2 {
			res.RecurringTopics = append(res.RecurringTopics, term)
		}
	}
	sortByCount(res.RecurringTopics, terms)
	if len(res.RecurringTopics) > maxRecurringTerms {
		res.RecurringTopics = res.RecurringTopics[:maxRecurringTerms]
	}

	res.PreferredCategories = topKeys(categories, topPreferences)
	res.PreferredTypes = topKeys(types, topPreferences)
	res.ActiveHours = topHours(hours, topPreferences)

	for _, cp := range perCategory {
		cp.SuccessRate = 100 * float64(cp.Successes) / float64(cp.Total)
		res.Categories = append(res.Categories, *cp)
	}
	sort.Slice(res.Categories, func(i, j int) bool {
		if res.Categories[i].Total != res.Categories[j].Total {
			return res.Categories[i].Total > res.Categories[j].Total
		}
		return res.Categories[i].CategoryID < res.Categories[j].CategoryID
	})

	res.Recommendations = recommend(res)
	res.Profile = a.updateProfile(ctx, res, len(interactions))
	return res
}

func recommend(res *UserAnalysis) []string {
	var recs []string
	for _, cp := range res.Categories {
		if cp.Total >= weakCategoryMin && cp.SuccessRate < weakCategoryRate {
			recs = append(recs, fmt.Sprintf("review knowledge in %s: %.0f%% success over %d interactions", cp.CategoryID, cp.SuccessRate, cp.Total))
		}
	}
	for _, t := range res.RecurringTopics {
		recs = append(recs, fmt.Sprintf("curate more knowledge about %q, asked repeatedly", t))
		if len(recs) >= 5 {
			break
		}
	}
	return recs
}

func (a *Analyzer) updateProfile(ctx context.Context, res *UserAnalysis, total int) *knowledge.UserProfile {
	profile, err := a.store.GetProfile(ctx, res.UserID)
	switch {
	case errors.Is(err, knowledge.ErrNotFound):
		profile = &knowledge.UserProfile{UserID: res.UserID}
	case err != nil:
		a.fail(ctx, TaskAnalyzeUser, &res.Errors, fmt.Errorf("load profile: %w", err))
		return nil
	}

	profile.PreferredCategories = res.PreferredCategories
	profile.PreferredTypes = res.PreferredTypes
	profile.ActiveHours = res.ActiveHours
	profile.RecurringTopics = res.RecurringTopics
	profile.SuccessRate = res.SuccessRate
	profile.TotalInteractions = total
	profile.LastAnalyzedAt = a.now().UTC()

	if err := a.store.SaveProfile(ctx, profile); err != nil {
		a.fail(ctx, TaskAnalyzeUser, &res.Errors, fmt.Errorf("save profile: %w", err))
	}
	return profile
}

// sortByCount orders keys by count descending, then alphabetically.
func sortByCount(keys []string, counts map[string]int) {
	sort.Slice(keys, func(i, j int) bool {
		if counts[keys[i]] != counts[keys[j]] {
			return counts[keys[i]] > counts[keys[j]]
		}
		return keys[i] < keys[j]
	})
}

func topKeys(counts map[string]int, n int) []string {
	keys := make([]string, 0, len(counts))
	for k := range counts {
		keys = append(keys, k)
	}
	sortByCount(keys, counts)
	if len(keys) > n {
		keys = keys[:n]
	}
	return keys
}

func topHours(counts map[int]int, n int) []int {
	hours := make([]int, 0, len(counts))
	for h := range counts {
		hours = append(hours, h)
	}
	sort.Slice(hours, func(i, j int) bool {
		if counts[hours[i]] != counts[hours[j]] {
			return counts[hours[i]] > counts[hours[j]]
		}
		return hours[i] < hours[j]
	})
	if len(hours) > n {
		hours = hours[:n]
	}
	return hours
}
