//go:build integration

package integration

import (
	"context"
	"fmt"
	"path/filepath"
	"testing"
	"time"

	natsserver "github.com/nats-io/nats-server/v2/server"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/curator/internal/agent"
	"github.com/fyrsmithlabs/curator/internal/config"
	"github.com/fyrsmithlabs/curator/internal/events"
	"github.com/fyrsmithlabs/curator/internal/history"
	"github.com/fyrsmithlabs/curator/internal/knowledge"
	"github.com/fyrsmithlabs/curator/internal/logging"
	"github.com/fyrsmithlabs/curator/internal/validator"
)

const macdGuide = "The MACD line is the difference between the 12-period and 26-period exponential " +
	"moving averages, and its 9-period EMA forms the signal line. Enter long when MACD crosses above " +
	"the signal line below zero and confirm with rising volume. Exit when the histogram shrinks for " +
	"three consecutive bars or when price closes below the 20-day moving average on the daily chart."

type pipeline struct {
	repo      *knowledge.SQLiteRepository
	bus       *events.NATSBus
	validator *validator.Validator
	history   *history.Analyzer
}

func startNATS(t *testing.T) *natsserver.Server {
	t.Helper()
	ns, err := natsserver.NewServer(&natsserver.Options{
		Host:   "127.0.0.1",
		Port:   -1,
		NoLog:  true,
		NoSigs: true,
	})
	require.NoError(t, err)
	go ns.Start()
	if !ns.ReadyForConnections(5 * time.Second) {
		t.Fatal("NATS server not ready")
	}
	t.Cleanup(func() {
		ns.Shutdown()
		ns.WaitForShutdown()
	})
	return ns
}

func newPipeline(t *testing.T) *pipeline {
	t.Helper()
	ns := startNATS(t)

	bus, err := events.ConnectNATS(ns.ClientURL(), "", events.WithSubjectPrefix("curator"), events.WithNATSLogger(zap.NewNop()))
	require.NoError(t, err)

	repo, err := knowledge.OpenSQLite(filepath.Join(t.TempDir(), "curator.db"))
	require.NoError(t, err)

	fast := agent.WithDrainInterval(10 * time.Millisecond)
	v, err := validator.New(repo, bus, logging.NewNop(), config.ValidationConfig{},
		validator.WithRuntimeOptions(fast))
	require.NoError(t, err)
	h, err := history.New(repo, bus, logging.NewNop(), config.HistoryConfig{},
		history.WithRuntimeOptions(fast))
	require.NoError(t, err)

	ctx := context.Background()
	require.NoError(t, v.Start(ctx))
	require.NoError(t, h.Start(ctx))
	require.NoError(t, bus.Flush())

	t.Cleanup(func() {
		stopCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		assert.NoError(t, v.Stop(stopCtx))
		assert.NoError(t, h.Stop(stopCtx))
		assert.NoError(t, bus.Close())
		assert.NoError(t, repo.Close())
	})
	return &pipeline{repo: repo, bus: bus, validator: v, history: h}
}

func TestPipeline_SubmitOverNATSIsValidatedAndStored(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test")
	}
	p := newPipeline(t)
	ctx := context.Background()

	validated := make(chan validator.ValidatedEvent, 1)
	_, err := events.Subscribe(p.bus, validator.TopicValidated, func(_ context.Context, e validator.ValidatedEvent) error {
		validated <- e
		return nil
	})
	require.NoError(t, err)
	require.NoError(t, p.bus.Flush())

	item := knowledge.NewKnowledgeItem("MACD crossover entries", macdGuide, "indicator", knowledge.SourceManual)
	require.NoError(t, events.Publish(ctx, p.bus, validator.TopicSubmitted, validator.SubmittedEvent{Item: *item}))

	select {
	case e := <-validated:
		assert.Equal(t, item.ID, e.ItemID)
		assert.Greater(t, e.Confidence, 0.3)
	case <-time.After(10 * time.Second):
		t.Fatal("no knowledge.validated event")
	}

	stored, err := p.repo.GetItem(ctx, item.ID)
	require.NoError(t, err)
	assert.Equal(t, knowledge.StatusValidated, stored.Status)
	assert.NotEmpty(t, stored.ContentHash)
	assert.NotNil(t, stored.ValidatedAt)
}

func TestPipeline_ResubmissionIsRejectedAsDuplicate(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test")
	}
	p := newPipeline(t)
	ctx := context.Background()

	rejected := make(chan validator.RejectedEvent, 1)
	_, err := events.Subscribe(p.bus, validator.TopicRejected, func(_ context.Context, e validator.RejectedEvent) error {
		rejected <- e
		return nil
	})
	require.NoError(t, err)
	require.NoError(t, p.bus.Flush())

	first := knowledge.NewKnowledgeItem("MACD crossover entries", macdGuide, "indicator", knowledge.SourceManual)
	_, err = p.validator.Submit(ctx, first)
	require.NoError(t, err)
	require.Eventually(t, func() bool {
		got, err := p.repo.GetItem(ctx, first.ID)
		return err == nil && got.Status == knowledge.StatusValidated
	}, 10*time.Second, 20*time.Millisecond)

	second := knowledge.NewKnowledgeItem("MACD entries again", macdGuide, "indicator", knowledge.SourceUser)
	_, err = p.validator.Submit(ctx, second)
	require.NoError(t, err)

	select {
	case e := <-rejected:
		assert.Equal(t, second.ID, e.ItemID)
		assert.True(t, e.Duplicate)
		assert.Equal(t, first.ID, e.OriginalID)
	case <-time.After(10 * time.Second):
		t.Fatal("no knowledge.rejected event")
	}
}

func TestPipeline_PeriodReportIsPersistedAndAnnounced(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test")
	}
	p := newPipeline(t)
	ctx := context.Background()
	now := time.Now().UTC()

	for i, outcome := range []knowledge.Outcome{knowledge.OutcomeSuccess, knowledge.OutcomeSuccess, knowledge.OutcomeFailure} {
		require.NoError(t, p.repo.SaveInteraction(ctx, &knowledge.Interaction{
			ID:        fmt.Sprintf("in-%d", i),
			UserID:    "trader-1",
			Type:      "search",
			Query:     "macd crossover",
			Outcome:   outcome,
			CreatedAt: now.Add(-time.Duration(i+1) * time.Hour),
		}))
	}

	reports := make(chan history.ReportGeneratedEvent, 1)
	_, err := events.Subscribe(p.bus, history.TopicReportGenerated, func(_ context.Context, e history.ReportGeneratedEvent) error {
		reports <- e
		return nil
	})
	require.NoError(t, err)
	require.NoError(t, p.bus.Flush())

	_, err = p.history.Enqueue(history.TaskAnalyzePeriod, history.PeriodRequest{
		Start: now.Add(-24 * time.Hour),
		End:   now,
		Focus: []string{history.FocusBehavior},
	})
	require.NoError(t, err)

	select {
	case e := <-reports:
		assert.NotEmpty(t, e.ReportID)
		stored, err := p.repo.ListReports(ctx, now.Add(-48*time.Hour), now.Add(time.Hour))
		require.NoError(t, err)
		require.Len(t, stored, 1)
		assert.Equal(t, e.ReportID, stored[0].ID)
	case <-time.After(10 * time.Second):
		t.Fatal("no history.report_generated event")
	}
}
