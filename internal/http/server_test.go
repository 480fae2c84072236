package http

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/curator/internal/agent"
	"github.com/fyrsmithlabs/curator/internal/config"
	"github.com/fyrsmithlabs/curator/internal/events"
	"github.com/fyrsmithlabs/curator/internal/knowledge"
	"github.com/fyrsmithlabs/curator/internal/logging"
	"github.com/fyrsmithlabs/curator/internal/telemetry"
	"github.com/fyrsmithlabs/curator/internal/validator"
)

type fakeSubmitter struct {
	mu    sync.Mutex
	err   error
	items []*knowledge.KnowledgeItem
}

func (f *fakeSubmitter) Submit(_ context.Context, item *knowledge.KnowledgeItem) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return "", f.err
	}
	f.items = append(f.items, item)
	return "task-1", nil
}

type fakeAgent agent.Status

func (f fakeAgent) Status() agent.Status { return agent.Status(f) }

func healthy(name string) fakeAgent {
	return fakeAgent{Name: name, State: agent.StateActive, Health: agent.Health{Status: agent.HealthHealthy}}
}

func degraded(name string) fakeAgent {
	return fakeAgent{
		Name:   name,
		State:  agent.StateActive,
		Health: agent.Health{Status: agent.HealthDegraded, Reasons: []string{"failure rate 80% above 50%"}},
	}
}

func postJSON(t *testing.T, s *Server, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	raw, err := json.Marshal(body)
	require.NoError(t, err)

	req := httptest.NewRequest(http.MethodPost, path, bytes.NewReader(raw))
	req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	rec := httptest.NewRecorder()
	s.echo.ServeHTTP(rec, req)
	return rec
}

func get(s *Server, path string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodGet, path, nil)
	rec := httptest.NewRecorder()
	s.echo.ServeHTTP(rec, req)
	return rec
}

func setupTestServer(t *testing.T, opts ...Option) (*Server, *fakeSubmitter) {
	t.Helper()
	sub := &fakeSubmitter{}
	server, err := NewServer(sub, zap.NewNop(), &Config{Host: "localhost", Port: 9191, Version: "test"}, opts...)
	require.NoError(t, err)
	return server, sub
}

func TestNewServer(t *testing.T) {
	t.Run("creates server with valid config", func(t *testing.T) {
		cfg := &Config{Host: "localhost", Port: 9191}
		server, err := NewServer(&fakeSubmitter{}, zap.NewNop(), cfg)
		require.NoError(t, err)
		assert.NotNil(t, server.echo)
		assert.Equal(t, cfg, server.config)
	})

	t.Run("uses defaults when config is nil", func(t *testing.T) {
		server, err := NewServer(&fakeSubmitter{}, zap.NewNop(), nil)
		require.NoError(t, err)
		assert.Equal(t, "127.0.0.1", server.config.Host)
		assert.Equal(t, 9191, server.config.Port)
	})

	t.Run("returns error when logger is nil", func(t *testing.T) {
		_, err := NewServer(&fakeSubmitter{}, nil, nil)
		require.Error(t, err)
		assert.Contains(t, err.Error(), "logger is required")
	})

	t.Run("returns error when submitter is nil", func(t *testing.T) {
		_, err := NewServer(nil, zap.NewNop(), nil)
		require.Error(t, err)
		assert.Contains(t, err.Error(), "submitter cannot be nil")
	})
}

func TestHandleHealth(t *testing.T) {
	t.Run("ok without agents", func(t *testing.T) {
		server, _ := setupTestServer(t)
		rec := get(server, "/health")
		assert.Equal(t, http.StatusOK, rec.Code)

		var resp HealthResponse
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
		assert.Equal(t, "ok", resp.Status)
	})

	t.Run("ok when every agent is healthy", func(t *testing.T) {
		server, _ := setupTestServer(t, WithAgents(healthy("validator"), healthy("history")))
		rec := get(server, "/health")
		assert.Equal(t, http.StatusOK, rec.Code)

		var resp HealthResponse
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
		assert.Len(t, resp.Agents, 2)
	})

	t.Run("503 when one agent is degraded", func(t *testing.T) {
		server, _ := setupTestServer(t, WithAgents(healthy("validator"), degraded("history")))
		rec := get(server, "/health")
		assert.Equal(t, http.StatusServiceUnavailable, rec.Code)

		var resp HealthResponse
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
		assert.Equal(t, "degraded", resp.Status)
		assert.Equal(t, agent.HealthDegraded, resp.Agents["history"].Status)
		assert.NotEmpty(t, resp.Agents["history"].Reasons)
	})
}

func TestHandleStatus(t *testing.T) {
	repo := knowledge.NewMemoryRepository()
	ctx := context.Background()
	for i, status := range []knowledge.ItemStatus{knowledge.StatusValidated, knowledge.StatusValidated, knowledge.StatusRejected} {
		item := knowledge.NewKnowledgeItem("t", "c", "indicator", knowledge.SourceManual)
		item.Status = status
		item.ID = string(rune('a' + i))
		require.NoError(t, repo.SaveItem(ctx, item))
	}

	server, _ := setupTestServer(t, WithAgents(healthy("validator"), degraded("history")), WithStore(repo))
	rec := get(server, "/status")
	assert.Equal(t, http.StatusOK, rec.Code)

	var resp StatusResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "degraded", resp.Status)
	assert.Equal(t, "test", resp.Version)
	require.Len(t, resp.Agents, 2)
	assert.Equal(t, "validator", resp.Agents[0].Name)
	require.NotNil(t, resp.Counts)
	assert.Equal(t, ItemCounts{Validated: 2, Rejected: 1}, *resp.Counts)
	assert.Nil(t, resp.Telemetry)
}

type fakeTelemetry telemetry.HealthStatus

func (f fakeTelemetry) Health() telemetry.HealthStatus { return telemetry.HealthStatus(f) }

func TestHandleStatus_Telemetry(t *testing.T) {
	tel := fakeTelemetry{Degraded: true, Reason: "meter provider failed: dial tcp: connection refused"}
	server, _ := setupTestServer(t, WithTelemetry(tel))

	var resp StatusResponse
	require.NoError(t, json.Unmarshal(get(server, "/status").Body.Bytes(), &resp))
	require.NotNil(t, resp.Telemetry)
	assert.True(t, resp.Telemetry.Degraded)
	assert.Contains(t, resp.Telemetry.Reason, "meter provider failed")
	assert.Nil(t, resp.Counts)
}

func TestHandleMetrics(t *testing.T) {
	server, _ := setupTestServer(t)
	rec := get(server, "/metrics")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "go_goroutines")
}

func TestHandleSubmit(t *testing.T) {
	t.Run("accepts knowledge", func(t *testing.T) {
		server, sub := setupTestServer(t)
		rec := postJSON(t, server, "/api/v1/knowledge", SubmitRequest{
			Title:      "RSI Basics",
			Content:    "RSI above 70 suggests overbought conditions.",
			Type:       "indicator",
			CategoryID: "indicators",
			Keywords:   []string{"rsi"},
		})
		assert.Equal(t, http.StatusAccepted, rec.Code)

		var resp SubmitResponse
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
		assert.Equal(t, "task-1", resp.TaskID)

		require.Len(t, sub.items, 1)
		got := sub.items[0]
		assert.Equal(t, resp.ItemID, got.ID)
		assert.Equal(t, "indicators", got.CategoryID)
		assert.Equal(t, knowledge.SourceUser, got.SourceType, "default source")
		assert.Equal(t, knowledge.StatusPending, got.Status)
	})

	tests := []struct {
		name string
		body any
		want string
	}{
		{"missing title", SubmitRequest{Content: "x"}, "title field is required"},
		{"blank content", SubmitRequest{Title: "x", Content: "  "}, "content field is required"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			server, sub := setupTestServer(t)
			rec := postJSON(t, server, "/api/v1/knowledge", tt.body)
			assert.Equal(t, http.StatusBadRequest, rec.Code)

			var resp map[string]interface{}
			require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
			assert.Contains(t, resp["message"], tt.want)
			assert.Empty(t, sub.items)
		})
	}

	t.Run("handles invalid json", func(t *testing.T) {
		server, _ := setupTestServer(t)
		req := httptest.NewRequest(http.MethodPost, "/api/v1/knowledge", strings.NewReader("invalid json"))
		req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
		rec := httptest.NewRecorder()
		server.echo.ServeHTTP(rec, req)
		assert.Equal(t, http.StatusBadRequest, rec.Code)
	})

	t.Run("rejects oversized body", func(t *testing.T) {
		server, _ := setupTestServer(t)
		rec := postJSON(t, server, "/api/v1/knowledge", SubmitRequest{Title: "big", Content: strings.Repeat("a", 2<<20)})
		assert.Equal(t, http.StatusRequestEntityTooLarge, rec.Code)
	})

	t.Run("503 when the validator stopped", func(t *testing.T) {
		server, sub := setupTestServer(t)
		sub.err = agent.ErrAgentStopped
		rec := postJSON(t, server, "/api/v1/knowledge", SubmitRequest{Title: "t", Content: "c"})
		assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	})

	t.Run("500 on store failure", func(t *testing.T) {
		server, sub := setupTestServer(t)
		sub.err = errors.New("disk full")
		rec := postJSON(t, server, "/api/v1/knowledge", SubmitRequest{Title: "t", Content: "c"})
		assert.Equal(t, http.StatusInternalServerError, rec.Code)
		assert.NotContains(t, rec.Body.String(), "disk full")
	})
}

func TestSubmitQueuesValidation(t *testing.T) {
	repo := knowledge.NewMemoryRepository()
	bus := events.NewLocalBus(zap.NewNop())
	t.Cleanup(func() { _ = bus.Close() })

	v, err := validator.New(repo, bus, logging.NewTestLogger().Logger, config.ValidationConfig{})
	require.NoError(t, err)

	server, err := NewServer(v, zap.NewNop(), nil, WithAgents(v.Runtime()), WithStore(repo))
	require.NoError(t, err)

	rec := postJSON(t, server, "/api/v1/knowledge", SubmitRequest{
		Title:   "MACD crossover",
		Content: "A bullish MACD crossover happens when the MACD line crosses above the signal line.",
		Type:    "indicator",
	})
	require.Equal(t, http.StatusAccepted, rec.Code)
	assert.Equal(t, 1, v.Runtime().QueueLength())

	var resp SubmitResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	stored, err := repo.GetItem(context.Background(), resp.ItemID)
	require.NoError(t, err)
	assert.Equal(t, knowledge.StatusPending, stored.Status)

	var status StatusResponse
	require.NoError(t, json.Unmarshal(get(server, "/status").Body.Bytes(), &status))
	require.Len(t, status.Agents, 1)
	assert.Equal(t, 1, status.Agents[0].QueueLength)
	assert.Equal(t, 1, status.Counts.Pending)
}

func TestServerLifecycle(t *testing.T) {
	server, err := NewServer(&fakeSubmitter{}, zap.NewNop(), &Config{Host: "localhost", Port: 0})
	require.NoError(t, err)

	errChan := make(chan error, 1)
	go func() {
		errChan <- server.Start()
	}()

	time.Sleep(100 * time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	assert.NoError(t, server.Shutdown(ctx))

	select {
	case err := <-errChan:
		assert.True(t, err == nil || errors.Is(err, http.ErrServerClosed))
	case <-time.After(6 * time.Second):
		t.Fatal("server did not shut down in time")
	}
}

func TestMiddleware(t *testing.T) {
	t.Run("adds request ID to response", func(t *testing.T) {
		server, _ := setupTestServer(t)
		rec := get(server, "/health")
		assert.NotEmpty(t, rec.Header().Get(echo.HeaderXRequestID))
	})

	t.Run("recovers from panic", func(t *testing.T) {
		server, _ := setupTestServer(t)
		server.echo.GET("/panic", func(c echo.Context) error {
			panic("test panic")
		})

		rec := httptest.NewRecorder()
		assert.NotPanics(t, func() {
			server.echo.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/panic", nil))
		})
		assert.Equal(t, http.StatusInternalServerError, rec.Code)
	})
}
