package history

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fyrsmithlabs/curator/internal/config"
	"github.com/fyrsmithlabs/curator/internal/knowledge"
)

func seedArchive(t *testing.T, repo *knowledge.MemoryRepository) {
	t.Helper()
	ctx := context.Background()
	for id, day := range map[string]int{"old": 400, "older": 366, "fresh": 10} {
		require.NoError(t, repo.SaveInteraction(ctx, &knowledge.Interaction{
			ID: id, UserID: "u1", Type: "search", Outcome: knowledge.OutcomeSuccess, CreatedAt: daysAgo(day),
		}))
	}
	for id, day := range map[string]int{"ancient": 500, "recent": 1} {
		require.NoError(t, repo.SaveReport(ctx, &knowledge.AnalysisReport{
			ID: id, Kind: "period", CreatedAt: daysAgo(day),
		}))
	}
}

func TestArchiveOldHistory(t *testing.T) {
	repo := knowledge.NewMemoryRepository()
	seedArchive(t, repo)
	ctx := context.Background()

	a, _, logger := newTestAnalyzer(t, repo, config.HistoryConfig{})
	res := a.ArchiveOldHistory(ctx)
	require.Empty(t, res.Errors)
	assert.Equal(t, daysAgo(365), res.Cutoff)
	assert.Equal(t, 2, res.Interactions)
	assert.Equal(t, 1, res.Reports)
	logger.AssertField(t, "history archived", "interactions", int64(2))

	left, err := repo.ListInteractions(ctx, knowledge.InteractionFilter{})
	require.NoError(t, err)
	require.Len(t, left, 1)
	assert.Equal(t, "fresh", left[0].ID)

	reports, err := repo.ListReports(ctx, time.Time{}, time.Time{})
	require.NoError(t, err)
	require.Len(t, reports, 1)
	assert.Equal(t, "recent", reports[0].ID)
}

func TestArchiveOldHistory_CustomRetention(t *testing.T) {
	repo := knowledge.NewMemoryRepository()
	seedArchive(t, repo)

	a, _, _ := newTestAnalyzer(t, repo, config.HistoryConfig{RetentionDays: 5})
	res := a.ArchiveOldHistory(context.Background())
	assert.Equal(t, 3, res.Interactions)
	assert.Equal(t, 1, res.Reports)
}

func TestArchiveOldHistory_PartialFailure(t *testing.T) {
	repo := knowledge.NewMemoryRepository()
	seedArchive(t, repo)

	a, _, _ := newTestAnalyzer(t, failingStore{repo}, config.HistoryConfig{})
	res := a.ArchiveOldHistory(context.Background())
	require.Len(t, res.Errors, 1)
	assert.Contains(t, res.Errors[0], "delete interactions: disk full")
	assert.Zero(t, res.Interactions)
	assert.Equal(t, 1, res.Reports)
}
