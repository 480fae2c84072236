package history

import (
	"context"
	"fmt"
	"math"
	"sort"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/curator/internal/agent"
	"github.com/fyrsmithlabs/curator/internal/knowledge"
)

const (
	maxScore          = 100
	consistencyBonus  = 20
	recencyBonus      = 15
	maxVolumeBonus    = 15
	confidenceBonus   = 10
	successRateWeight = 0.4

	consistentAbove  = 0.8
	recentWithin     = 7 * 24 * time.Hour
	confidentAbove   = 0.8
	staleAfter       = 30 * 24 * time.Hour
	retireSamples    = 3
	topPerformerMin  = 70
	maxTopPerformers = 10

	discoveredType = "discovered"
)

// Consistency is 1 minus the coefficient of variation of the sampled
// success rates, clamped to [0,1]. Fewer than two samples count as fully
// consistent.
func Consistency(samples []knowledge.PatternSample) float64 {
	if len(samples) < 2 {
		return 1
	}
	mean := 0.0
	for _, s := range samples {
		mean += s.SuccessRate
	}
	mean /= float64(len(samples))

	variance := 0.0
	for _, s := range samples {
		variance += (s.SuccessRate - mean) * (s.SuccessRate - mean)
	}
	std := math.Sqrt(variance / float64(len(samples)))

	if mean <= 0 {
		if std == 0 {
			return 1
		}
		return 0
	}
	return clamp(1-std/mean, 0, 1)
}

// ScorePattern rates a pattern in [0,100]: 40% of its success rate, plus
// bonuses for consistency, recent use, volume and confidence.
func ScorePattern(p *knowledge.Pattern, now time.Time) float64 {
	rate := clamp(p.SuccessRate, 0, 100)
	score := successRateWeight * rate

	if Consistency(p.Samples) > consistentAbove {
		score += consistencyBonus
	}
	if !p.LastSeen.IsZero() && now.Sub(p.LastSeen) < recentWithin {
		score += recencyBonus
	}
	if p.Occurrences > 0 {
		score += math.Min(float64(p.Occurrences)/10, maxVolumeBonus)
	}
	if p.ConfidenceLevel > confidentAbove {
		score += confidenceBonus
	}
	return clamp(score, 0, maxScore)
}

// ScoredPattern is a pattern with its score.
type ScoredPattern struct {
	Pattern     *knowledge.Pattern `json:"pattern"`
	Consistency float64            `json:"consistency"`
	Score       float64            `json:"score"`
}

// SuccessPatterns is the result of FindSuccessPatterns.
type SuccessPatterns struct {
	Patterns   []ScoredPattern      `json:"patterns"`
	Discovered []*knowledge.Pattern `json:"discovered,omitempty"`
	Errors     []string             `json:"errors,omitempty"`
}

// FindSuccessPatterns scores active and testing patterns seen within the
// lookback whose success rate is at least minSuccessRate, best first. It
// then tries to discover new patterns from unlabeled successful
// interactions and stores them as testing.
func (a *Analyzer) FindSuccessPatterns(ctx context.Context, lookbackDays int, minSuccessRate float64) (res *SuccessPatterns) {
	res = &SuccessPatterns{}
	defer a.recoverInto(ctx, TaskFindSuccessPatterns, &res.Errors)

	now := a.now().UTC()
	since := a.lookback(lookbackDays)

	patterns, err := a.store.ListPatterns(ctx, knowledge.PatternFilter{
		Statuses:  []knowledge.PatternStatus{knowledge.PatternActive, knowledge.PatternTesting},
		SeenAfter: since,
	})
	if err != nil {
		a.fail(ctx, TaskFindSuccessPatterns, &res.Errors, fmt.Errorf("list patterns: %w", err))
	}
	for _, p := range patterns {
		if p.SuccessRate < minSuccessRate {
			continue
		}
		res.Patterns = append(res.Patterns, ScoredPattern{
			Pattern:     p,
			Consistency: Consistency(p.Samples),
			Score:       ScorePattern(p, now),
		})
	}
	sort.SliceStable(res.Patterns, func(i, j int) bool { return res.Patterns[i].Score > res.Patterns[j].Score })

	res.Discovered = a.discoverPatterns(ctx, since, &res.Errors)
	return res
}

type groupKey struct {
	typ, category string
}

// discoverPatterns groups unlabeled interactions by (type, category). A
// group with enough successes and no existing pattern for the same
// conditions becomes a testing pattern.
func (a *Analyzer) discoverPatterns(ctx context.Context, since time.Time, errs *[]string) []*knowledge.Pattern {
	interactions, err := a.store.ListInteractions(ctx, knowledge.InteractionFilter{Since: since})
	if err != nil {
		a.fail(ctx, "discover patterns", errs, fmt.Errorf("list interactions: %w", err))
		return nil
	}

	type group struct {
		total, successes int
		first, last      time.Time
	}
	groups := make(map[groupKey]*group)
	var order []groupKey
	for _, in := range interactions {
		if in.PatternID != "" {
			continue
		}
		k := groupKey{in.Type, in.CategoryID}
		g, ok := groups[k]
		if !ok {
			g = &group{first: in.CreatedAt}
			groups[k] = g
			order = append(order, k)
		}
		g.total++
		if in.Outcome == knowledge.OutcomeSuccess {
			g.successes++
		}
		g.last = in.CreatedAt
	}

	existing, err := a.store.ListPatterns(ctx, knowledge.PatternFilter{})
	if err != nil {
		a.fail(ctx, "discover patterns", errs, fmt.Errorf("list patterns: %w", err))
		return nil
	}
	known := make(map[groupKey]bool, len(existing))
	for _, p := range existing {
		known[groupKey{p.Conditions["type"], p.Conditions["category"]}] = true
	}

	now := a.now().UTC()
	var found []*knowledge.Pattern
	for _, k := range order {
		g := groups[k]
		if g.successes < a.cfg.DiscoveryMinimum || known[k] {
			continue
		}
		rate := 100 * float64(g.successes) / float64(g.total)
		p := &knowledge.Pattern{
			ID:              uuid.New().String(),
			Name:            patternName(k),
			Type:            discoveredType,
			Conditions:      map[string]string{"type": k.typ, "category": k.category},
			ExpectedOutcome: string(knowledge.OutcomeSuccess),
			Occurrences:     g.total,
			SuccessRate:     rate,
			ConfidenceLevel: rate / 100 * math.Min(1, float64(g.total)/float64(a.cfg.MinOccurrences)),
			Status:          knowledge.PatternTesting,
			FirstSeen:       g.first,
			LastSeen:        g.last,
			Samples:         []knowledge.PatternSample{{At: now, SuccessRate: rate}},
		}
		if err := a.store.SavePattern(ctx, p); err != nil {
			a.fail(ctx, "discover patterns", errs, fmt.Errorf("save pattern %s: %w", p.Name, err))
			continue
		}
		a.metrics.discovered.Inc()
		a.logger.Info(ctx, "pattern discovered",
			zap.String("pattern.id", p.ID),
			zap.String("pattern.name", p.Name),
			zap.Float64("success_rate", rate),
		)
		found = append(found, p)
	}
	return found
}

func patternName(k groupKey) string {
	if k.category == "" {
		return k.typ
	}
	return k.typ + " in " + k.category
}

// PatternSummary is one classified pattern.
type PatternSummary struct {
	ID          string                  `json:"id"`
	Name        string                  `json:"name"`
	Status      knowledge.PatternStatus `json:"status"`
	SuccessRate float64                 `json:"success_rate"`
	Score       float64                 `json:"score"`
	Trend       Direction               `json:"trend"`
}

// StatusChange is a pattern transition written back to the store.
type StatusChange struct {
	PatternID string                  `json:"pattern_id"`
	From      knowledge.PatternStatus `json:"from"`
	To        knowledge.PatternStatus `json:"to"`
}

// PatternPerformance is the result of AnalyzePatternPerformance.
type PatternPerformance struct {
	TopPerformers []PatternSummary `json:"top_performers"`
	Declining     []PatternSummary `json:"declining"`
	Emerging      []PatternSummary `json:"emerging"`
	Retired       []PatternSummary `json:"retired"`
	Transitions   []StatusChange   `json:"transitions,omitempty"`
	Errors        []string         `json:"errors,omitempty"`
}

// AnalyzePatternPerformance classifies active and testing patterns and
// writes back lifecycle transitions:
//
//   - active → retired when the last three samples, or the success rate
//     itself when there are fewer, stay below the retire threshold
//   - testing → active with enough occurrences at or above the promote threshold
//   - testing → failed with enough occurrences below the retire threshold
func (a *Analyzer) AnalyzePatternPerformance(ctx context.Context) (res *PatternPerformance) {
	res = &PatternPerformance{}
	defer a.recoverInto(ctx, TaskAnalyzePatternPerformance, &res.Errors)

	patterns, err := a.store.ListPatterns(ctx, knowledge.PatternFilter{
		Statuses: []knowledge.PatternStatus{knowledge.PatternActive, knowledge.PatternTesting},
	})
	if err != nil {
		a.fail(ctx, TaskAnalyzePatternPerformance, &res.Errors, fmt.Errorf("list patterns: %w", err))
		return res
	}

	now := a.now().UTC()
	for _, p := range patterns {
		trend := sampleTrend(p.Samples)
		from := p.Status
		to := a.nextStatus(p)

		if to != from {
			updated := p.Clone()
			if err := updated.Transition(to); err != nil {
				a.fail(ctx, TaskAnalyzePatternPerformance, &res.Errors, err)
				continue
			}
			if err := a.store.SavePattern(ctx, updated); err != nil {
				a.fail(ctx, TaskAnalyzePatternPerformance, &res.Errors, fmt.Errorf("save pattern %s: %w", p.ID, err))
				continue
			}
			p = updated
			res.Transitions = append(res.Transitions, StatusChange{PatternID: p.ID, From: from, To: to})
			a.announceTransition(ctx, p, from, now)
		}

		s := PatternSummary{
			ID:          p.ID,
			Name:        p.Name,
			Status:      p.Status,
			SuccessRate: p.SuccessRate,
			Score:       ScorePattern(p, now),
			Trend:       trend,
		}
		switch {
		case p.Status == knowledge.PatternRetired || p.Status == knowledge.PatternFailed:
			res.Retired = append(res.Retired, s)
		case from == knowledge.PatternTesting || now.Sub(p.FirstSeen) < recentWithin:
			res.Emerging = append(res.Emerging, s)
		case trend == DirectionDown || now.Sub(p.LastSeen) > staleAfter:
			res.Declining = append(res.Declining, s)
		case s.Score >= topPerformerMin:
			res.TopPerformers = append(res.TopPerformers, s)
		}
	}

	sort.SliceStable(res.TopPerformers, func(i, j int) bool { return res.TopPerformers[i].Score > res.TopPerformers[j].Score })
	if len(res.TopPerformers) > maxTopPerformers {
		res.TopPerformers = res.TopPerformers[:maxTopPerformers]
	}
	return res
}

func (a *Analyzer) nextStatus(p *knowledge.Pattern) knowledge.PatternStatus {
	switch p.Status {
	case knowledge.PatternActive:
		if a.staysBelow(p) {
			return knowledge.PatternRetired
		}
	case knowledge.PatternTesting:
		if p.Occurrences < a.cfg.MinOccurrences {
			break
		}
		if p.SuccessRate >= a.cfg.PromoteAbove {
			return knowledge.PatternActive
		}
		if p.SuccessRate < a.cfg.RetireBelow {
			return knowledge.PatternFailed
		}
	}
	return p.Status
}

func (a *Analyzer) staysBelow(p *knowledge.Pattern) bool {
	if len(p.Samples) < retireSamples {
		return p.SuccessRate < a.cfg.RetireBelow
	}
	for _, s := range p.Samples[len(p.Samples)-retireSamples:] {
		if s.SuccessRate >= a.cfg.RetireBelow {
			return false
		}
	}
	return true
}

func (a *Analyzer) announceTransition(ctx context.Context, p *knowledge.Pattern, from knowledge.PatternStatus, at time.Time) {
	a.metrics.transitions.WithLabelValues(string(from), string(p.Status)).Inc()
	a.logger.Info(ctx, "pattern status changed",
		zap.String("pattern.id", p.ID),
		zap.String("from", string(from)),
		zap.String("to", string(p.Status)),
		zap.Float64("success_rate", p.SuccessRate),
	)
	_ = agent.Publish(ctx, a.runtime, TopicPatternStatusChange, PatternStatusChangedEvent{
		PatternID:   p.ID,
		Name:        p.Name,
		From:        from,
		To:          p.Status,
		SuccessRate: p.SuccessRate,
		At:          at,
	})
}

func sampleTrend(samples []knowledge.PatternSample) Direction {
	if len(samples) < 2 {
		return DirectionFlat
	}
	series := make([]float64, len(samples))
	for i, s := range samples {
		series[i] = s.SuccessRate
	}
	return DetectTrends(series, defaultWindow).Direction()
}

// clamp maps NaN to lo.
func clamp(f, lo, hi float64) float64 {
	if math.IsNaN(f) {
		return lo
	}
	return math.Max(lo, math.Min(hi, f))
}
