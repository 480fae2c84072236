package history

import (
	"context"
	"math"
	"math/rand"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fyrsmithlabs/curator/internal/config"
	"github.com/fyrsmithlabs/curator/internal/knowledge"
)

func samples(rates ...float64) []knowledge.PatternSample {
	out := make([]knowledge.PatternSample, len(rates))
	for i, r := range rates {
		out[i] = knowledge.PatternSample{At: daysAgo(len(rates) - i), SuccessRate: r}
	}
	return out
}

func TestScorePattern_HighPerformer(t *testing.T) {
	p := &knowledge.Pattern{
		Occurrences:     150,
		SuccessRate:     80,
		ConfidenceLevel: 0.9,
		LastSeen:        testNow,
	}
	score := ScorePattern(p, testNow)
	assert.GreaterOrEqual(t, score, 90.0)
	assert.InDelta(t, 92, score, 1e-9)
}

func TestScorePattern_Components(t *testing.T) {
	base := knowledge.Pattern{SuccessRate: 50}
	assert.InDelta(t, 40, ScorePattern(&base, testNow), 1e-9, "rate plus consistency")

	volatile := base
	volatile.Samples = samples(10, 90)
	assert.InDelta(t, 20, ScorePattern(&volatile, testNow), 1e-9)

	stale := base
	stale.LastSeen = daysAgo(8)
	assert.InDelta(t, 40, ScorePattern(&stale, testNow), 1e-9)

	recent := base
	recent.LastSeen = daysAgo(6)
	assert.InDelta(t, 55, ScorePattern(&recent, testNow), 1e-9)

	busy := base
	busy.Occurrences = 40
	assert.InDelta(t, 44, ScorePattern(&busy, testNow), 1e-9)
}

func TestScorePattern_Capped(t *testing.T) {
	p := &knowledge.Pattern{
		Occurrences:     10000,
		SuccessRate:     100,
		ConfidenceLevel: 1,
		LastSeen:        testNow,
	}
	assert.Equal(t, 100.0, ScorePattern(p, testNow))

	p.SuccessRate = 400
	assert.Equal(t, 100.0, ScorePattern(p, testNow))
}

func TestScorePattern_AlwaysInRange(t *testing.T) {
	rng := rand.New(rand.NewSource(7))
	for i := 0; i < 2000; i++ {
		p := &knowledge.Pattern{
			Occurrences:     rng.Intn(5000) - 100,
			SuccessRate:     rng.Float64()*400 - 150,
			ConfidenceLevel: rng.Float64()*3 - 1,
			LastSeen:        testNow.Add(-time.Duration(rng.Int63n(int64(60 * 24 * time.Hour)))),
		}
		for j := rng.Intn(5); j > 0; j-- {
			p.Samples = append(p.Samples, knowledge.PatternSample{SuccessRate: rng.Float64()*200 - 50})
		}
		score := ScorePattern(p, testNow)
		require.GreaterOrEqual(t, score, 0.0, "pattern %+v", p)
		require.LessOrEqual(t, score, 100.0, "pattern %+v", p)
	}

	nan := &knowledge.Pattern{
		Occurrences:     3,
		SuccessRate:     math.NaN(),
		ConfidenceLevel: math.NaN(),
		Samples:         []knowledge.PatternSample{{SuccessRate: math.NaN()}, {SuccessRate: 50}},
	}
	score := ScorePattern(nan, testNow)
	assert.False(t, math.IsNaN(score))
	assert.InDelta(t, 0.3, score, 1e-9)
}

func TestConsistency(t *testing.T) {
	tests := []struct {
		name    string
		samples []knowledge.PatternSample
		want    float64
	}{
		{"none", nil, 1},
		{"single", samples(30), 1},
		{"steady", samples(80, 80, 80), 1},
		{"spread", samples(50, 100), 1 - 25.0/75},
		{"all zero", samples(0, 0), 1},
		{"wild", samples(0, 10), 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.InDelta(t, tt.want, Consistency(tt.samples), 1e-9)
		})
	}
}

func seedPatterns(t *testing.T, repo *knowledge.MemoryRepository, patterns ...*knowledge.Pattern) {
	t.Helper()
	for _, p := range patterns {
		require.NoError(t, repo.SavePattern(context.Background(), p))
	}
}

func star() *knowledge.Pattern {
	return &knowledge.Pattern{
		ID: "star", Name: "RSI reversal", Status: knowledge.PatternActive,
		Occurrences: 150, SuccessRate: 90, ConfidenceLevel: 0.9,
		FirstSeen: daysAgo(60), LastSeen: testNow.Add(-time.Hour),
		Samples: samples(88, 90, 92),
	}
}

func TestAnalyzePatternPerformance(t *testing.T) {
	repo := knowledge.NewMemoryRepository()
	seedPatterns(t, repo,
		star(),
		&knowledge.Pattern{
			ID: "slump", Name: "breakout chase", Status: knowledge.PatternActive,
			Occurrences: 40, SuccessRate: 35,
			FirstSeen: daysAgo(90), LastSeen: daysAgo(1),
			Samples: samples(50, 35, 30, 20),
		},
		&knowledge.Pattern{
			ID: "thin", Name: "gap fill", Status: knowledge.PatternActive,
			Occurrences: 12, SuccessRate: 30,
			FirstSeen: daysAgo(90), LastSeen: daysAgo(2),
			Samples: samples(30),
		},
		&knowledge.Pattern{
			ID: "recovering", Name: "mean reversion", Status: knowledge.PatternActive,
			Occurrences: 20, SuccessRate: 45,
			FirstSeen: daysAgo(90), LastSeen: daysAgo(1),
			Samples: samples(30, 30, 50),
		},
		&knowledge.Pattern{
			ID: "fading", Name: "news spike", Status: knowledge.PatternActive,
			Occurrences: 60, SuccessRate: 55,
			FirstSeen: daysAgo(60), LastSeen: daysAgo(1),
			Samples: samples(80, 70, 60, 55, 50),
		},
		&knowledge.Pattern{
			ID: "promote", Name: "volume confirmation", Status: knowledge.PatternTesting,
			Occurrences: 12, SuccessRate: 75,
			FirstSeen: daysAgo(30), LastSeen: daysAgo(1),
		},
		&knowledge.Pattern{
			ID: "flop", Name: "full moon", Status: knowledge.PatternTesting,
			Occurrences: 12, SuccessRate: 20,
			FirstSeen: daysAgo(30), LastSeen: daysAgo(1),
		},
		&knowledge.Pattern{
			ID: "young", Name: "session open", Status: knowledge.PatternTesting,
			Occurrences: 5, SuccessRate: 90,
			FirstSeen: daysAgo(3), LastSeen: daysAgo(1),
		},
	)

	a, bus, logger := newTestAnalyzer(t, repo, config.HistoryConfig{})
	changes := collect(t, bus, TopicPatternStatusChange)
	ctx := context.Background()

	res := a.AnalyzePatternPerformance(ctx)
	require.Empty(t, res.Errors)

	want := map[string]knowledge.PatternStatus{
		"slump":      knowledge.PatternRetired,
		"thin":       knowledge.PatternRetired,
		"promote":    knowledge.PatternActive,
		"flop":       knowledge.PatternFailed,
		"recovering": knowledge.PatternActive,
		"young":      knowledge.PatternTesting,
		"star":       knowledge.PatternActive,
		"fading":     knowledge.PatternActive,
	}
	for id, status := range want {
		p, err := repo.GetPattern(ctx, id)
		require.NoError(t, err)
		assert.Equal(t, status, p.Status, id)
	}
	assert.Len(t, res.Transitions, 4)

	ids := func(list []PatternSummary) []string {
		var out []string
		for _, s := range list {
			out = append(out, s.ID)
		}
		return out
	}
	assert.Equal(t, []string{"star"}, ids(res.TopPerformers))
	assert.Equal(t, []string{"fading"}, ids(res.Declining))
	assert.ElementsMatch(t, []string{"promote", "young"}, ids(res.Emerging))
	assert.ElementsMatch(t, []string{"slump", "thin", "flop"}, ids(res.Retired))

	require.Eventually(t, func() bool { return len(changes()) == 4 }, time.Second, 5*time.Millisecond)
	logger.AssertField(t, "pattern status changed", "pattern.id", "flop")

	// a second pass finds nothing left to change
	again := a.AnalyzePatternPerformance(ctx)
	assert.Empty(t, again.Transitions)
}

func TestFindSuccessPatterns(t *testing.T) {
	repo := knowledge.NewMemoryRepository()
	seedPatterns(t, repo,
		star(),
		&knowledge.Pattern{
			ID: "mid", Name: "trend pullback", Status: knowledge.PatternActive,
			Occurrences: 20, SuccessRate: 65, ConfidenceLevel: 0.5,
			FirstSeen: daysAgo(40), LastSeen: daysAgo(2),
		},
		&knowledge.Pattern{
			ID: "weak", Name: "gap fill", Status: knowledge.PatternActive,
			SuccessRate: 30, LastSeen: daysAgo(2),
		},
		&knowledge.Pattern{
			ID: "old", Name: "old faithful", Status: knowledge.PatternActive,
			SuccessRate: 95, LastSeen: daysAgo(60),
		},
		&knowledge.Pattern{
			ID: "gone", Name: "retired", Status: knowledge.PatternRetired,
			SuccessRate: 99, LastSeen: daysAgo(1),
		},
	)

	ctx := context.Background()
	add := func(n int, typ, category string, outcome knowledge.Outcome, patternID string) {
		for i := 0; i < n; i++ {
			require.NoError(t, repo.SaveInteraction(ctx, &knowledge.Interaction{
				ID:         typ + category + string(outcome) + patternID + string(rune('a'+i)),
				UserID:     "u1",
				Type:       typ,
				CategoryID: category,
				Outcome:    outcome,
				PatternID:  patternID,
				CreatedAt:  daysAgo(10).Add(time.Duration(i) * time.Hour),
			}))
		}
	}
	add(6, "signal_lookup", "forex", knowledge.OutcomeSuccess, "")
	add(2, "signal_lookup", "forex", knowledge.OutcomeFailure, "")
	add(4, "chart", "crypto", knowledge.OutcomeSuccess, "")
	add(6, "alert", "stocks", knowledge.OutcomeSuccess, "star")

	a, _, _ := newTestAnalyzer(t, repo, config.HistoryConfig{})
	res := a.FindSuccessPatterns(ctx, 30, 60)
	require.Empty(t, res.Errors)

	require.Len(t, res.Patterns, 2)
	assert.Equal(t, "star", res.Patterns[0].Pattern.ID)
	assert.InDelta(t, 96, res.Patterns[0].Score, 1e-9)
	assert.Equal(t, "mid", res.Patterns[1].Pattern.ID)
	assert.InDelta(t, 63, res.Patterns[1].Score, 1e-9)

	require.Len(t, res.Discovered, 1)
	d := res.Discovered[0]
	assert.Equal(t, knowledge.PatternTesting, d.Status)
	assert.Equal(t, "signal_lookup in forex", d.Name)
	assert.Equal(t, map[string]string{"type": "signal_lookup", "category": "forex"}, d.Conditions)
	assert.Equal(t, 8, d.Occurrences)
	assert.InDelta(t, 75, d.SuccessRate, 1e-9)

	stored, err := repo.GetPattern(ctx, d.ID)
	require.NoError(t, err)
	assert.Equal(t, d.Name, stored.Name)

	again := a.FindSuccessPatterns(ctx, 30, 60)
	assert.Empty(t, again.Discovered)
}
