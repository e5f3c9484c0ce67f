package api

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"roma/config"
	"roma/ledger"
	"roma/manager"
)

func newTestServer(t *testing.T) (*Server, *ledger.Store) {
	t.Helper()

	t.Setenv("ROMA_TEST_LLM_KEY", "test-key")

	store, err := ledger.Open(filepath.Join(t.TempDir(), "api.db"), "")
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	cfg := &config.Config{
		Agents: []config.AgentConfig{{
			ID:              "p1",
			Name:            "Paper One",
			Enabled:         true,
			LLM:             config.LLMConfig{Provider: "groq", APIKeyEnv: "ROMA_TEST_LLM_KEY"},
			Exchange:        config.ExchangeConfig{Venue: "paper"},
			Symbols:         []string{"BTCUSDT"},
			IntervalMinutes: 3,
			InitialBalance:  1000,
		}},
	}
	cfg.Agents[0].Risk.ApplyDefaults()

	m, err := manager.New(cfg, store)
	require.NoError(t, err)
	return NewServer(m, 0), store
}

func get(t *testing.T, s *Server, path string) *httptest.ResponseRecorder {
	t.Helper()

	req := httptest.NewRequest(http.MethodGet, path, nil)
	w := httptest.NewRecorder()
	s.router.ServeHTTP(w, req)
	return w
}

func TestStatusReportsRunState(t *testing.T) {
	s, store := newTestServer(t)

	require.NoError(t, store.SaveDecision(&ledger.Decision{
		AgentID: "p1", Cycle: 4, Timestamp: time.Now().UTC(), Success: true, Equity: 1000,
	}))

	w := get(t, s, "/api/status?agent_id=p1")
	require.Equal(t, http.StatusOK, w.Code)

	var status map[string]any
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &status))
	assert.Equal(t, "p1", status["agent_id"])
	assert.Equal(t, float64(4), status["cycle"])
	assert.Equal(t, true, status["last_cycle_success"])

	// the run loop was never started
	assert.Equal(t, false, status["running"])
	assert.Equal(t, float64(0), status["uptime_seconds"])
}

func TestStatusUnknownAgent(t *testing.T) {
	s, _ := newTestServer(t)

	w := get(t, s, "/api/status?agent_id=ghost")
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestDecisionsOffsetPagination(t *testing.T) {
	s, store := newTestServer(t)

	for cycle := 1; cycle <= 4; cycle++ {
		require.NoError(t, store.SaveDecision(&ledger.Decision{
			AgentID: "p1", Cycle: cycle, Timestamp: time.Now().UTC(), Success: true,
		}))
	}

	w := get(t, s, "/api/decisions?agent_id=p1&limit=2&offset=1")
	require.Equal(t, http.StatusOK, w.Code)

	var page []map[string]any
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &page))
	require.Len(t, page, 2)
	assert.Equal(t, float64(2), page[0]["cycle"])
	assert.Equal(t, float64(3), page[1]["cycle"])
}
