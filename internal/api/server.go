// Package api exposes a small operator surface over the reconciliation
// coordinator: status snapshots, close history, and manual sync/check
// triggers. It is read-mostly; every mutating route just schedules work
// the control loop would do anyway.
package api

import (
	"net/http"
	"strconv"
	"time"

	"risk-core/internal/monitor"
	"risk-core/internal/reconcile"
	"risk-core/internal/riskcfg"
	"risk-core/pkg/db"

	"github.com/gin-gonic/gin"
)

// Server wires HTTP endpoints around the coordinator.
type Server struct {
	Router    *gin.Engine
	Coord     *reconcile.Coordinator
	RiskMgr   *riskcfg.Manager
	DB        *db.Database
	JWTSecret string
	Version   string

	// Metrics is optional; when set, /api/status includes loop metrics.
	Metrics *monitor.LoopMetrics
}

func NewServer(coord *reconcile.Coordinator, riskMgr *riskcfg.Manager, database *db.Database, jwtSecret, version string) *Server {
	r := gin.New()

	// Middleware stack (order matters!)
	r.Use(gin.Recovery())
	r.Use(RequestIDMiddleware())
	r.Use(RequestLogger())
	r.Use(RateLimitMiddleware())

	s := &Server{
		Router:    r,
		Coord:     coord,
		RiskMgr:   riskMgr,
		DB:        database,
		JWTSecret: jwtSecret,
		Version:   version,
	}
	s.routes()
	return s
}

func (s *Server) routes() {
	s.Router.GET("/health", s.health)

	api := s.Router.Group("/api")
	api.Use(AuthMiddleware(s.JWTSecret))
	{
		api.GET("/status", s.getStatus)
		api.GET("/positions", s.getPositions)
		api.GET("/history", s.getHistory)
		api.GET("/conflicts", s.getConflicts)
		api.GET("/risk", s.getRiskConfig)

		api.POST("/check", s.triggerCheck)
		api.POST("/sync", s.triggerSync)
		api.POST("/risk/reload", s.reloadRiskConfig)
	}
}

func (s *Server) health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok", "version": s.Version})
}

func (s *Server) getStatus(c *gin.Context) {
	st := s.Coord.Snapshot()
	body := gin.H{
		"cycles":      st.Cycles,
		"open":        len(st.Positions),
		"out_of_sync": st.OutOfSync,
		"time":        time.Now().UTC(),
	}
	if s.Metrics != nil {
		body["metrics"] = s.Metrics.Snapshot()
	}
	c.JSON(http.StatusOK, body)
}

func (s *Server) getPositions(c *gin.Context) {
	c.JSON(http.StatusOK, s.Coord.Snapshot().Positions)
}

func (s *Server) getHistory(c *gin.Context) {
	rows, err := s.DB.ListClosedPositions(c.Request.Context(), queryLimit(c))
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, rows)
}

func (s *Server) getConflicts(c *gin.Context) {
	rows, err := s.DB.ListReconciliationEvents(c.Request.Context(), queryLimit(c))
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, rows)
}

func (s *Server) getRiskConfig(c *gin.Context) {
	c.JSON(http.StatusOK, s.RiskMgr.Get())
}

func (s *Server) triggerCheck(c *gin.Context) {
	if err := s.Coord.CheckNow(c.Request.Context()); err != nil {
		c.JSON(http.StatusBadGateway, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "checked"})
}

func (s *Server) triggerSync(c *gin.Context) {
	if err := s.Coord.SyncNow(c.Request.Context()); err != nil {
		c.JSON(http.StatusBadGateway, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "synced"})
}

func (s *Server) reloadRiskConfig(c *gin.Context) {
	if err := s.RiskMgr.Reload(); err != nil {
		c.JSON(http.StatusUnprocessableEntity, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "reloaded"})
}

func queryLimit(c *gin.Context) int {
	limit := 50
	if v := c.Query("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 && n <= 500 {
			limit = n
		}
	}
	return limit
}

func (s *Server) Start(addr string) error {
	return s.Router.Run(addr)
}
