package api

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"bot-core/internal/engine"
	"bot-core/internal/strategy"

	"github.com/gin-gonic/gin"
)

func respondError(c *gin.Context, status int, code, message string) {
	c.JSON(status, gin.H{
		"code":  code,
		"error": message,
	})
}

func limitQuery(c *gin.Context, def, max int) int {
	raw := c.Query("limit")
	if raw == "" {
		return def
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n <= 0 {
		return def
	}
	if n > max {
		return max
	}
	return n
}

// --- Bot control -----------------------------------------------------------

type startBotRequest struct {
	Strategy     string         `json:"strategy"`
	Symbols      []string       `json:"symbols"`
	Stake        float64        `json:"stake"`
	Duration     int            `json:"duration"`
	DurationUnit string         `json:"duration_unit"`
	Parameters   map[string]any `json:"parameters"`
}

// startBot launches (or switches) the caller's bot. Each user runs at
// most one session; starting a different strategy stops the old session
// before the new one comes up.
func (s *Server) startBot(c *gin.Context) {
	userID := CurrentUserID(c)
	if userID == "" {
		respondError(c, http.StatusUnauthorized, "UNAUTHENTICATED", "user not authenticated")
		return
	}

	var req startBotRequest
	if c.Request.ContentLength > 0 {
		if err := c.BindJSON(&req); err != nil {
			respondError(c, http.StatusBadRequest, "INVALID_PAYLOAD", "invalid request payload")
			return
		}
	}
	if req.Stake < 0 {
		respondError(c, http.StatusBadRequest, "INVALID_STAKE", "stake must be >= 0")
		return
	}
	if name := strings.TrimSpace(req.Strategy); name != "" && !strategy.Known(name) {
		respondError(c, http.StatusBadRequest, "UNKNOWN_STRATEGY", "unknown strategy: "+name)
		return
	}

	res := s.Engine.Start(c.Request.Context(), userID, engine.StartParams{
		Strategy:     req.Strategy,
		Symbols:      req.Symbols,
		Stake:        req.Stake,
		Duration:     req.Duration,
		DurationUnit: req.DurationUnit,
		Parameters:   req.Parameters,
	})
	s.writeResult(c, res)
}

func (s *Server) stopBot(c *gin.Context) {
	userID := CurrentUserID(c)
	if userID == "" {
		respondError(c, http.StatusUnauthorized, "UNAUTHENTICATED", "user not authenticated")
		return
	}
	s.writeResult(c, s.Engine.Stop(c.Request.Context(), userID))
}

func (s *Server) restartBot(c *gin.Context) {
	userID := CurrentUserID(c)
	if userID == "" {
		respondError(c, http.StatusUnauthorized, "UNAUTHENTICATED", "user not authenticated")
		return
	}
	s.writeResult(c, s.Engine.Restart(c.Request.Context(), userID))
}

// writeResult maps an orchestrator result to an HTTP response. Rejections
// (already running, not running, at capacity) are conflicts, not errors.
func (s *Server) writeResult(c *gin.Context, res engine.Result) {
	status := http.StatusOK
	if !res.Success {
		status = http.StatusConflict
	}
	c.JSON(status, gin.H{
		"success": res.Success,
		"message": res.Message,
		"status":  res.Status,
	})
}

func (s *Server) getBotStatus(c *gin.Context) {
	userID := CurrentUserID(c)
	status, ok := s.Engine.Status(userID)
	if !ok {
		respondError(c, http.StatusNotFound, "BOT_NOT_FOUND", "no bot session for user")
		return
	}
	c.JSON(http.StatusOK, status)
}

// listBots returns every live session. Intended for the operator view.
func (s *Server) listBots(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"sessions": s.Engine.Sessions(),
		"stats":    s.Engine.Stats(),
	})
}

// --- History and account ---------------------------------------------------

func (s *Server) getTrades(c *gin.Context) {
	userID := CurrentUserID(c)
	limit := limitQuery(c, 50, 200)
	ctx := c.Request.Context()

	if c.Query("ghost") == "1" {
		trades, err := s.DB.Queries().GetGhostTradesByUser(ctx, userID, limit)
		if err != nil {
			respondError(c, http.StatusInternalServerError, "DB_ERROR", err.Error())
			return
		}
		c.JSON(http.StatusOK, trades)
		return
	}

	trades, err := s.History.RecentTrades(ctx, userID, limit)
	if err != nil {
		respondError(c, http.StatusInternalServerError, "DB_ERROR", err.Error())
		return
	}
	c.JSON(http.StatusOK, trades)
}

func (s *Server) getStats(c *gin.Context) {
	userID := CurrentUserID(c)
	stats, err := s.History.Stats(c.Request.Context(), userID)
	if err != nil {
		respondError(c, http.StatusInternalServerError, "DB_ERROR", err.Error())
		return
	}
	c.JSON(http.StatusOK, stats)
}

func (s *Server) getDailyStats(c *gin.Context) {
	userID := CurrentUserID(c)
	days := 30
	if raw := c.Query("days"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 || n > 365 {
			respondError(c, http.StatusBadRequest, "INVALID_QUERY", "days must be between 1 and 365")
			return
		}
		days = n
	}
	daily, err := s.History.Daily(c.Request.Context(), userID, days)
	if err != nil {
		respondError(c, http.StatusInternalServerError, "DB_ERROR", err.Error())
		return
	}
	c.JSON(http.StatusOK, daily)
}

// getBalance reports the cached broker balance. Only users with a live or
// recently stopped session have a tracker.
func (s *Server) getBalance(c *gin.Context) {
	userID := CurrentUserID(c)
	mgr := s.Balances.Get(userID)
	if mgr == nil {
		respondError(c, http.StatusNotFound, "NO_BALANCE", "no balance tracker for user; start a bot first")
		return
	}
	snap := mgr.Snapshot()
	c.JSON(http.StatusOK, gin.H{
		"balance":     snap,
		"session_pnl": mgr.SessionPnL(),
	})
}

// getStrategies lists the registered strategy names so the UI can build
// its picker without hardcoding them.
func (s *Server) getStrategies(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"strategies": strategy.Names()})
}

// --- System ----------------------------------------------------------------

func (s *Server) getSystemStatus(c *gin.Context) {
	resp := gin.H{
		"status":  "ok",
		"version": s.Meta.Version,
		"venue":   s.Meta.Venue,
		"dry_run": s.Meta.DryRun,
		"symbols": s.Meta.Symbols,
		"time":    time.Now().UTC().Format(time.RFC3339),
		"bots":    s.Engine.Stats(),
	}
	if s.Gateway != nil {
		resp["gateway"] = s.Gateway.Stats()
	}
	c.JSON(http.StatusOK, resp)
}

func (s *Server) getMetrics(c *gin.Context) {
	c.JSON(http.StatusOK, s.Metrics.Snapshot())
}
