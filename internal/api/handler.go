package api

import (
	"net/http"
	"time"

	"bot-core/internal/balance"
	"bot-core/internal/engine"
	"bot-core/internal/events"
	"bot-core/internal/gateway"
	"bot-core/internal/history"
	"bot-core/internal/monitor"
	"bot-core/pkg/crypto"
	"bot-core/pkg/db"

	"github.com/gin-gonic/gin"
)

// Server wires HTTP endpoints around the bot orchestrator and the event bus.
type Server struct {
	Router    *gin.Engine
	Bus       *events.Bus
	DB        *db.Database
	Engine    engine.Service
	Gateway   *gateway.Manager
	Balances  *balance.MultiUserManager
	History   *history.Service
	Metrics   *monitor.SystemMetrics
	Keys      *crypto.KeyManager
	JWTSecret string
	Meta      SystemMeta
}

// SystemMeta describes runtime status exposed to the UI.
type SystemMeta struct {
	DryRun  bool
	Venue   string
	Symbols []string
	Version string
}

func NewServer(bus *events.Bus, database *db.Database, eng engine.Service, pool *gateway.Manager, balances *balance.MultiUserManager, hist *history.Service, metrics *monitor.SystemMetrics, keys *crypto.KeyManager, meta SystemMeta, jwtSecret string) *Server {
	r := gin.New()

	// Middleware stack (order matters!)
	r.Use(gin.Recovery())            // Panic recovery (first)
	r.Use(RequestIDMiddleware())     // Request ID tracking
	r.Use(RequestLogger(metrics))    // Request logging (after ID is set)
	r.Use(RateLimitMiddleware())     // Rate limiting
	// Security headers handled by Nginx
	r.Use(TimeoutMiddleware(30 * time.Second)) // Request timeout (30s)
	r.Use(CORSMiddleware())                    // CORS (last before routes)

	s := &Server{
		Router:    r,
		Bus:       bus,
		DB:        database,
		Engine:    eng,
		Gateway:   pool,
		Balances:  balances,
		History:   hist,
		Metrics:   metrics,
		Keys:      keys,
		JWTSecret: jwtSecret,
		Meta:      meta,
	}
	s.routes()
	return s
}

func (s *Server) routes() {
	s.Router.GET("/health", s.health)
	s.Router.GET("/ws", s.websocket)

	api := s.Router.Group("/api")
	{
		api.GET("/system/status", s.getSystemStatus)
		api.GET("/metrics", s.getMetrics)

		// Auth endpoints (no auth required)
		auth := api.Group("/auth")
		{
			auth.POST("/register", s.registerUser)
			auth.POST("/login", s.loginUser)
		}

		// Protected API
		protected := api.Group("")
		protected.Use(AuthMiddleware(s.JWTSecret))
		{
			// Bot control
			protected.POST("/bot/start", s.startBot)
			protected.POST("/bot/stop", s.stopBot)
			protected.POST("/bot/restart", s.restartBot)
			protected.GET("/bot/status", s.getBotStatus)
			protected.GET("/bots", s.listBots)

			// History and account
			protected.GET("/trades", s.getTrades)
			protected.GET("/stats", s.getStats)
			protected.GET("/stats/daily", s.getDailyStats)
			protected.GET("/balance", s.getBalance)
			protected.GET("/strategies", s.getStrategies)

			// Broker credentials
			protected.PUT("/token", s.updateToken)
		}
	}
}

func (s *Server) health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

func (s *Server) Start(addr string) error {
	return s.Router.Run(addr)
}
