package api

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fyrsmithlabs/mendd/internal/breaker"
	"github.com/fyrsmithlabs/mendd/internal/config"
	"github.com/fyrsmithlabs/mendd/internal/cooldown"
	"github.com/fyrsmithlabs/mendd/internal/logging"
	"github.com/fyrsmithlabs/mendd/internal/metrics"
	"github.com/fyrsmithlabs/mendd/internal/pattern"
)

type testServer struct {
	server    *Server
	store     *pattern.Store
	breakers  *breaker.Group
	cooldowns *cooldown.Tracker
}

func setupTestServer(t *testing.T) *testServer {
	t.Helper()
	dir := t.TempDir()

	store, err := pattern.NewStore(filepath.Join(dir, "patterns.json"))
	require.NoError(t, err)
	stats, err := pattern.NewStatsTracker(filepath.Join(dir, "stats.json"))
	require.NoError(t, err)
	cooldowns, err := cooldown.NewTracker(filepath.Join(dir, "cooldowns.json"))
	require.NoError(t, err)

	breakers := breaker.NewGroup(breaker.Config{
		FailureThreshold: 1,
		SuccessThreshold: 1,
		Cooldown:         time.Minute,
	}, logging.Nop())

	server, err := NewServer(Deps{
		Store:     store,
		Stats:     stats,
		Breakers:  breakers,
		Cooldowns: cooldowns,
	}, config.ServerConfig{
		Host:            "localhost",
		Port:            9090,
		ShutdownTimeout: config.Duration(5 * time.Second),
	})
	require.NoError(t, err)

	return &testServer{
		server:    server,
		store:     store,
		breakers:  breakers,
		cooldowns: cooldowns,
	}
}

func addPattern(t *testing.T, store *pattern.Store, name, needle string) *pattern.Pattern {
	t.Helper()
	p := &pattern.Pattern{
		Name: name,
		Conditions: []pattern.Condition{{
			Kind:   pattern.ConditionStructuralSubstring,
			Target: pattern.TargetContent,
			Value:  needle,
		}},
		Solution: pattern.Solution{
			Kind: pattern.SolutionTextTemplate,
			Body: "restart the affected worker",
		},
	}
	require.NoError(t, store.Add(context.Background(), p))
	return p
}

func doJSON(t *testing.T, ts *testServer, method, path string, body []byte) *httptest.ResponseRecorder {
	t.Helper()
	var req *http.Request
	if body != nil {
		req = httptest.NewRequest(method, path, bytes.NewReader(body))
		req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	} else {
		req = httptest.NewRequest(method, path, nil)
	}
	rec := httptest.NewRecorder()
	ts.server.echo.ServeHTTP(rec, req)
	return rec
}

func TestNewServer_Validation(t *testing.T) {
	ts := setupTestServer(t)
	full := ts.server.deps

	tests := []struct {
		name    string
		mutate  func(*Deps)
		wantErr string
	}{
		{"missing store", func(d *Deps) { d.Store = nil }, "pattern store required"},
		{"missing stats", func(d *Deps) { d.Stats = nil }, "stats tracker required"},
		{"missing breakers", func(d *Deps) { d.Breakers = nil }, "breaker group required"},
		{"missing cooldowns", func(d *Deps) { d.Cooldowns = nil }, "cooldown tracker required"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			deps := full
			tt.mutate(&deps)
			_, err := NewServer(deps, config.ServerConfig{})
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}

	t.Run("defaults host and port", func(t *testing.T) {
		server, err := NewServer(full, config.ServerConfig{})
		require.NoError(t, err)
		assert.Equal(t, "localhost", server.config.Host)
		assert.Equal(t, 9090, server.config.Port)
	})
}

func TestHandleHealth(t *testing.T) {
	ts := setupTestServer(t)

	rec := doJSON(t, ts, http.MethodGet, "/health", nil)
	assert.Equal(t, http.StatusOK, rec.Code)

	var resp HealthResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "ok", resp.Status)
}

func TestHandleStatus(t *testing.T) {
	ts := setupTestServer(t)
	ctx := context.Background()

	addPattern(t, ts.store, "restart worker", "worker stopped")
	_, err := ts.cooldowns.RecordFailure(ctx, "item-1", "flaky migration", "failed twice")
	require.NoError(t, err)
	ts.breakers.For("agent").RecordFailure()

	rec := doJSON(t, ts, http.MethodGet, "/status", nil)
	assert.Equal(t, http.StatusOK, rec.Code)

	var resp StatusResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, 1, resp.PatternCount)
	assert.Equal(t, 1, resp.CooldownCount)
	require.Len(t, resp.Circuits, 1)
	assert.Equal(t, "agent", resp.Circuits[0].Name)
	assert.Equal(t, breaker.StateOpen, resp.Circuits[0].State)
	assert.NotEmpty(t, resp.Uptime)
	// No dispatcher was wired, so dispatch stats are omitted.
	assert.Nil(t, resp.Dispatch)
}

func TestHandlePatterns_OrderedByConfidence(t *testing.T) {
	ts := setupTestServer(t)
	ctx := context.Background()

	strong := addPattern(t, ts.store, "restart worker", "worker stopped")
	weak := addPattern(t, ts.store, "clear cache", "cache corrupt")
	require.NoError(t, ts.store.UpdateConfidence(ctx, weak.ID, false))

	rec := doJSON(t, ts, http.MethodGet, "/patterns", nil)
	assert.Equal(t, http.StatusOK, rec.Code)

	var resp PatternsResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, 2, resp.Count)
	require.Len(t, resp.Patterns, 2)
	assert.Equal(t, strong.ID, resp.Patterns[0].ID)
	assert.Equal(t, weak.ID, resp.Patterns[1].ID)
}

func TestHandlePattern(t *testing.T) {
	ts := setupTestServer(t)
	p := addPattern(t, ts.store, "restart worker", "worker stopped")

	t.Run("found", func(t *testing.T) {
		rec := doJSON(t, ts, http.MethodGet, "/patterns/"+p.ID, nil)
		assert.Equal(t, http.StatusOK, rec.Code)

		var got pattern.Pattern
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &got))
		assert.Equal(t, p.ID, got.ID)
		assert.Equal(t, "restart worker", got.Name)
	})

	t.Run("not found", func(t *testing.T) {
		rec := doJSON(t, ts, http.MethodGet, "/patterns/pat_missing", nil)
		assert.Equal(t, http.StatusNotFound, rec.Code)
	})
}

func TestHandleCircuits(t *testing.T) {
	ts := setupTestServer(t)
	ts.breakers.For("agent").RecordFailure()

	rec := doJSON(t, ts, http.MethodGet, "/circuits", nil)
	assert.Equal(t, http.StatusOK, rec.Code)

	var resp CircuitsResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.Len(t, resp.Circuits, 1)
	assert.Equal(t, "agent", resp.Circuits[0].Name)
	assert.Equal(t, breaker.StateOpen, resp.Circuits[0].State)
	assert.NotNil(t, resp.Circuits[0].NextRetryAt)
}

func TestHandleCooldowns(t *testing.T) {
	ts := setupTestServer(t)

	_, err := ts.cooldowns.RecordFailure(context.Background(), "item-1", "flaky migration", "failed twice")
	require.NoError(t, err)

	rec := doJSON(t, ts, http.MethodGet, "/cooldowns", nil)
	assert.Equal(t, http.StatusOK, rec.Code)

	var resp CooldownsResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, 1, resp.Count)
	require.Len(t, resp.Records, 1)
	assert.Equal(t, "item-1", resp.Records[0].Target)
	assert.Equal(t, 1, resp.Records[0].FailureCount)
}

func TestHandleReset(t *testing.T) {
	t.Run("named breaker", func(t *testing.T) {
		ts := setupTestServer(t)
		ts.breakers.For("agent").RecordFailure()
		require.False(t, ts.breakers.For("agent").CanExecute())

		body, err := json.Marshal(ResetRequest{Breaker: "agent"})
		require.NoError(t, err)
		rec := doJSON(t, ts, http.MethodPost, "/reset", body)
		assert.Equal(t, http.StatusOK, rec.Code)

		var resp ResetResponse
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
		assert.Equal(t, "agent", resp.Reset)
		assert.True(t, ts.breakers.For("agent").CanExecute())
	})

	t.Run("unknown breaker", func(t *testing.T) {
		ts := setupTestServer(t)

		body, err := json.Marshal(ResetRequest{Breaker: "nope"})
		require.NoError(t, err)
		rec := doJSON(t, ts, http.MethodPost, "/reset", body)
		assert.Equal(t, http.StatusNotFound, rec.Code)
	})

	t.Run("empty body resets all", func(t *testing.T) {
		ts := setupTestServer(t)
		ts.breakers.For("agent").RecordFailure()
		ts.breakers.For("fallback-agent").RecordFailure()

		rec := doJSON(t, ts, http.MethodPost, "/reset", nil)
		assert.Equal(t, http.StatusOK, rec.Code)

		var resp ResetResponse
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
		assert.Equal(t, "all", resp.Reset)
		assert.True(t, ts.breakers.For("agent").CanExecute())
		assert.True(t, ts.breakers.For("fallback-agent").CanExecute())
	})
}

func TestHandleClearCooldowns(t *testing.T) {
	t.Run("named record", func(t *testing.T) {
		ts := setupTestServer(t)
		rec1, err := ts.cooldowns.RecordFailure(context.Background(), "item-1", "fix timeout", "boom")
		require.NoError(t, err)
		_, err = ts.cooldowns.RecordFailure(context.Background(), "item-2", "fix retries", "boom")
		require.NoError(t, err)

		body, err := json.Marshal(ClearCooldownsRequest{Key: rec1.Key})
		require.NoError(t, err)
		rec := doJSON(t, ts, http.MethodPost, "/cooldowns/clear", body)
		assert.Equal(t, http.StatusOK, rec.Code)

		var resp ClearCooldownsResponse
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
		assert.Equal(t, 1, resp.Cleared)
		assert.False(t, ts.cooldowns.IsBlacklisted("item-1", "fix timeout"))
		assert.True(t, ts.cooldowns.IsBlacklisted("item-2", "fix retries"))
	})

	t.Run("unknown record", func(t *testing.T) {
		ts := setupTestServer(t)

		body, err := json.Marshal(ClearCooldownsRequest{Key: "missing"})
		require.NoError(t, err)
		rec := doJSON(t, ts, http.MethodPost, "/cooldowns/clear", body)
		assert.Equal(t, http.StatusNotFound, rec.Code)
	})

	t.Run("empty body clears all", func(t *testing.T) {
		ts := setupTestServer(t)
		_, err := ts.cooldowns.RecordFailure(context.Background(), "item-1", "fix timeout", "boom")
		require.NoError(t, err)
		_, err = ts.cooldowns.RecordFailure(context.Background(), "item-2", "fix retries", "boom")
		require.NoError(t, err)

		rec := doJSON(t, ts, http.MethodPost, "/cooldowns/clear", nil)
		assert.Equal(t, http.StatusOK, rec.Code)

		var resp ClearCooldownsResponse
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
		assert.Equal(t, 2, resp.Cleared)
		assert.Equal(t, 0, ts.cooldowns.Len())
	})
}

func TestHandleMetrics(t *testing.T) {
	ts := setupTestServer(t)
	metrics.NewMetrics()

	rec := doJSON(t, ts, http.MethodGet, "/metrics", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "mendd_cycles_total")
}
