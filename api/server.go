package api

import (
	"context"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"roma/manager"
)

// Server is the read-only dashboard API. It never mutates agent or venue
// state; all writes flow through the agents themselves.
type Server struct {
	router  *gin.Engine
	manager *manager.Manager
	port    int
	started time.Time
}

// NewServer creates the API server
func NewServer(m *manager.Manager, port int) *Server {
	gin.SetMode(gin.ReleaseMode)

	router := gin.Default()
	router.Use(corsMiddleware())

	s := &Server{
		router:  router,
		manager: m,
		port:    port,
		started: time.Now(),
	}
	s.setupRoutes()
	return s
}

// corsMiddleware CORS middleware
func corsMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Writer.Header().Set("Access-Control-Allow-Origin", "*")
		c.Writer.Header().Set("Access-Control-Allow-Methods", "GET, OPTIONS")
		c.Writer.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization, Cache-Control")

		if c.Request.Method == "OPTIONS" {
			c.AbortWithStatus(http.StatusOK)
			return
		}

		c.Next()
	}
}

func (s *Server) setupRoutes() {
	s.router.Any("/health", s.handleHealth)

	api := s.router.Group("/api")
	{
		api.GET("/agents", s.handleAgents)
		api.GET("/comparison", s.handleComparison)

		// agent-scoped endpoints take ?agent_id=, defaulting to the first agent
		api.GET("/status", s.handleStatus)
		api.GET("/account", s.handleAccount)
		api.GET("/positions", s.handlePositions)
		api.GET("/decisions", s.handleDecisions)
		api.GET("/decisions/latest", s.handleLatestDecision)
		api.GET("/equity-history", s.handleEquityHistory)
		api.GET("/trades", s.handleTrades)
		api.GET("/performance", s.handlePerformance)
	}

	s.router.NoRoute(func(c *gin.Context) {
		c.JSON(http.StatusNotFound, gin.H{
			"error": fmt.Sprintf("route not found: %s %s", c.Request.Method, c.Request.URL.Path),
		})
	})
}

// Run starts the HTTP server, blocking until it fails
func (s *Server) Run() error {
	return s.router.Run(fmt.Sprintf(":%d", s.port))
}

// agentID resolves the agent_id query parameter, defaulting to the first
// configured agent
func (s *Server) agentID(c *gin.Context) (string, error) {
	id := c.Query("agent_id")
	if id == "" {
		ids := s.manager.IDs()
		if len(ids) == 0 {
			return "", fmt.Errorf("no agents configured")
		}
		return ids[0], nil
	}
	if s.manager.Agent(id) == nil {
		return "", fmt.Errorf("unknown agent: %s", id)
	}
	return id, nil
}

func limitQuery(c *gin.Context, def int) int {
	n, err := strconv.Atoi(c.DefaultQuery("limit", strconv.Itoa(def)))
	if err != nil || n <= 0 {
		return def
	}
	return n
}

func offsetQuery(c *gin.Context) int {
	n, err := strconv.Atoi(c.DefaultQuery("offset", "0"))
	if err != nil || n < 0 {
		return 0
	}
	return n
}

func (s *Server) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":         "ok",
		"uptime_seconds": int(time.Since(s.started).Seconds()),
		"agents":         len(s.manager.IDs()),
	})
}

// handleAgents lists all agents with their bindings
func (s *Server) handleAgents(c *gin.Context) {
	var agents []gin.H
	for _, id := range s.manager.IDs() {
		ag := s.manager.Agent(id)
		entry := gin.H{"id": id, "name": ag.Name()}
		if cfg, ok := s.manager.AgentConfig(id); ok {
			entry["venue"] = cfg.Exchange.Venue
			entry["provider"] = cfg.LLM.Provider
			entry["model"] = cfg.LLM.Model
			entry["interval_minutes"] = cfg.IntervalMinutes
			entry["symbols"] = cfg.Symbols
		}
		agents = append(agents, entry)
	}
	c.JSON(http.StatusOK, agents)
}

// handleStatus reports one agent's latest cycle outcome
func (s *Server) handleStatus(c *gin.Context) {
	id, err := s.agentID(c)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	latest, err := s.manager.Store().LatestDecision(id)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	ag := s.manager.Agent(id)
	status := gin.H{
		"agent_id":       id,
		"cycle":          0,
		"running":        ag.Running(),
		"uptime_seconds": int(ag.Uptime().Seconds()),
	}
	if latest != nil {
		status["cycle"] = latest.Cycle
		status["last_cycle_at"] = latest.Timestamp
		status["last_cycle_success"] = latest.Success
		if latest.ErrorMessage != "" {
			status["last_error"] = latest.ErrorMessage
		}
	}
	c.JSON(http.StatusOK, status)
}

// handleAccount reports live balance from the venue
func (s *Server) handleAccount(c *gin.Context) {
	id, err := s.agentID(c)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	ctx, cancel := context.WithTimeout(c.Request.Context(), 10*time.Second)
	defer cancel()

	balance, err := s.manager.Agent(id).Trader().GetBalance(ctx)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": fmt.Sprintf("failed to get balance: %v", err)})
		return
	}

	account := gin.H{
		"agent_id":       id,
		"total_equity":   balance.TotalEquity,
		"wallet_balance": balance.WalletBalance,
		"available":      balance.Available,
		"unrealized_pnl": balance.UnrealizedPnL,
		"margin_used":    balance.MarginUsed,
	}
	if cfg, ok := s.manager.AgentConfig(id); ok && cfg.InitialBalance > 0 {
		account["initial_balance"] = cfg.InitialBalance
		account["total_pnl"] = balance.TotalEquity - cfg.InitialBalance
		account["total_pnl_pct"] = (balance.TotalEquity - cfg.InitialBalance) / cfg.InitialBalance * 100
	}
	c.JSON(http.StatusOK, account)
}

// handlePositions reports live positions from the venue
func (s *Server) handlePositions(c *gin.Context) {
	id, err := s.agentID(c)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	ctx, cancel := context.WithTimeout(c.Request.Context(), 10*time.Second)
	defer cancel()

	positions, err := s.manager.Agent(id).Trader().GetPositions(ctx)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": fmt.Sprintf("failed to get positions: %v", err)})
		return
	}
	c.JSON(http.StatusOK, positions)
}

// handleDecisions returns recent cycle records
func (s *Server) handleDecisions(c *gin.Context) {
	id, err := s.agentID(c)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	decisions, err := s.manager.Store().Decisions(id, limitQuery(c, 50), offsetQuery(c))
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, decisions)
}

// handleLatestDecision returns the most recent cycle record
func (s *Server) handleLatestDecision(c *gin.Context) {
	id, err := s.agentID(c)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	latest, err := s.manager.Store().LatestDecision(id)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	if latest == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "no decisions recorded yet"})
		return
	}
	c.JSON(http.StatusOK, latest)
}

// handleEquityHistory returns the equity curve
func (s *Server) handleEquityHistory(c *gin.Context) {
	id, err := s.agentID(c)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	points, err := s.manager.Store().EquityHistory(id, limitQuery(c, 500))
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, points)
}

// handleTrades returns realized trades
func (s *Server) handleTrades(c *gin.Context) {
	id, err := s.agentID(c)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	trades, err := s.manager.Store().Trades(id, limitQuery(c, 100))
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, trades)
}

// handlePerformance returns the analytics block
func (s *Server) handlePerformance(c *gin.Context) {
	id, err := s.agentID(c)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	perf, err := s.manager.Store().ComputePerformance(id)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, perf)
}

// handleComparison ranks all agents by performance
func (s *Server) handleComparison(c *gin.Context) {
	var entries []gin.H
	for _, id := range s.manager.IDs() {
		perf, err := s.manager.Store().ComputePerformance(id)
		if err != nil {
			continue
		}
		entry := gin.H{
			"agent_id":      id,
			"name":          s.manager.Agent(id).Name(),
			"total_trades":  perf.TotalTrades,
			"win_rate":      perf.WinRate,
			"total_pnl":     perf.TotalPnL,
			"profit_factor": perf.ProfitFactor,
			"sharpe_ratio":  perf.SharpeRatio,
			"max_drawdown":  perf.MaxDrawdown,
		}
		if point, err := s.manager.Store().LastEquityPoint(id); err == nil && point != nil {
			entry["equity"] = point.Equity
		}
		entries = append(entries, entry)
	}
	c.JSON(http.StatusOK, entries)
}
