package history

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/curator/internal/agent"
	"github.com/fyrsmithlabs/curator/internal/config"
	"github.com/fyrsmithlabs/curator/internal/events"
	"github.com/fyrsmithlabs/curator/internal/knowledge"
	"github.com/fyrsmithlabs/curator/internal/logging"
)

var testNow = time.Date(2026, 3, 15, 12, 0, 0, 0, time.UTC)

func newTestAnalyzer(t *testing.T, store Store, cfg config.HistoryConfig, opts ...Option) (*Analyzer, *events.LocalBus, *logging.TestLogger) {
	t.Helper()
	bus := events.NewLocalBus(zap.NewNop())
	t.Cleanup(func() { _ = bus.Close() })

	logger := logging.NewTestLogger()
	opts = append([]Option{
		WithClock(func() time.Time { return testNow }),
		WithRuntimeOptions(agent.WithDrainInterval(5 * time.Millisecond)),
	}, opts...)
	a, err := New(store, bus, logger.Logger, cfg, opts...)
	require.NoError(t, err)
	return a, bus, logger
}

// collect subscribes to topic and returns a snapshot accessor.
func collect[T any](t *testing.T, bus events.Bus, topic events.Topic[T]) func() []T {
	t.Helper()
	var mu sync.Mutex
	var got []T
	sub, err := events.Subscribe(bus, topic, func(_ context.Context, v T) error {
		mu.Lock()
		got = append(got, v)
		mu.Unlock()
		return nil
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = sub.Unsubscribe() })

	return func() []T {
		mu.Lock()
		defer mu.Unlock()
		return append([]T(nil), got...)
	}
}

func daysAgo(d int) time.Time {
	return testNow.AddDate(0, 0, -d)
}

type failingStore struct {
	*knowledge.MemoryRepository
}

var errDiskFull = errors.New("disk full")

func (failingStore) DeleteInteractionsBefore(context.Context, time.Time) (int, error) {
	return 0, errDiskFull
}

func (failingStore) ListItems(context.Context, knowledge.ItemFilter) ([]*knowledge.KnowledgeItem, error) {
	return nil, errDiskFull
}

func TestNew_RequiresStore(t *testing.T) {
	_, err := New(nil, events.NewLocalBus(nil), nil, config.HistoryConfig{})
	assert.Error(t, err)
}

func TestExecuteTask(t *testing.T) {
	a, _, _ := newTestAnalyzer(t, knowledge.NewMemoryRepository(), config.HistoryConfig{})
	ctx := context.Background()

	tests := []struct {
		task agent.Task
		want any
	}{
		{agent.NewTask(TaskAnalyzePeriod, PeriodRequest{Start: daysAgo(7), End: testNow}), &PeriodReport{}},
		{agent.NewTask(TaskAnalyzeUser, &UserRequest{UserID: "u1", LookbackDays: 30}), &UserAnalysis{}},
		{agent.NewTask(TaskFindSuccessPatterns, nil), &SuccessPatterns{}},
		{agent.NewTask(TaskAnalyzeFailures, FailureRequest{LookbackDays: 7}), &FailureAnalysis{}},
		{agent.NewTask(TaskAnalyzePatternPerformance, nil), &PatternPerformance{}},
		{agent.NewTask(TaskTrackEvolution, nil), &EvolutionSnapshot{}},
		{agent.NewTask(TaskArchiveHistory, nil), &ArchiveResult{}},
	}
	for _, tt := range tests {
		t.Run(tt.task.Type, func(t *testing.T) {
			out, err := a.ExecuteTask(ctx, tt.task)
			require.NoError(t, err)
			assert.IsType(t, tt.want, out)
		})
	}

	_, err := a.ExecuteTask(ctx, agent.NewTask(TaskAnalyzeUser, "u1"))
	assert.True(t, agent.IsPermanent(err))

	_, err = a.ExecuteTask(ctx, agent.NewTask("forecast", nil))
	assert.True(t, agent.IsPermanent(err))
	assert.ErrorIs(t, err, agent.ErrUnknownTaskType)
}

func TestEnqueue(t *testing.T) {
	a, _, _ := newTestAnalyzer(t, knowledge.NewMemoryRepository(), config.HistoryConfig{})
	id, err := a.Enqueue(TaskTrackEvolution, nil)
	require.NoError(t, err)
	assert.NotEmpty(t, id)
	assert.Equal(t, 1, a.Runtime().QueueLength())
}

func TestRunCycle(t *testing.T) {
	a, _, logger := newTestAnalyzer(t, knowledge.NewMemoryRepository(), config.HistoryConfig{})
	require.NoError(t, a.RunCycle(context.Background()))
	assert.Len(t, a.Timeline(), 1)
	logger.AssertField(t, "history cycle complete", "errors", int64(0))
}

func TestRunCycle_ReportsErrorsAndKeepsGoing(t *testing.T) {
	repo := knowledge.NewMemoryRepository()
	ctx := context.Background()
	require.NoError(t, repo.SaveReport(ctx, &knowledge.AnalysisReport{ID: "old", Kind: "period", CreatedAt: daysAgo(400)}))

	a, _, _ := newTestAnalyzer(t, failingStore{repo}, config.HistoryConfig{})
	err := a.RunCycle(ctx)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "disk full")

	// archival of reports still ran
	reports, err := repo.ListReports(ctx, time.Time{}, testNow.Add(time.Hour))
	require.NoError(t, err)
	assert.Empty(t, reports)
}

func TestScheduledCycle(t *testing.T) {
	a, _, _ := newTestAnalyzer(t, knowledge.NewMemoryRepository(), config.HistoryConfig{},
		WithSchedule(agent.Every(10*time.Millisecond)))
	ctx := context.Background()

	require.NoError(t, a.Start(ctx))
	require.Eventually(t, func() bool { return len(a.Timeline()) >= 2 }, 2*time.Second, 5*time.Millisecond)
	require.NoError(t, a.Stop(ctx))
}
