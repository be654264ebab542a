// Package api exposes the management surface: agent lifecycle, state and
// audit queries, operator auth, and a websocket event stream.
package api

import (
	"net/http"
	"time"

	"github.com/denisbrodbeck/machineid"
	"github.com/gin-gonic/gin"

	"apollo-core/internal/agent"
	"apollo-core/internal/events"
	"apollo-core/internal/monitor"
	"apollo-core/pkg/config"
	"apollo-core/pkg/db"
)

// Server wires HTTP endpoints around the registry and event bus.
type Server struct {
	Router    *gin.Engine
	Bus       *events.Bus
	DB        *db.Database
	Registry  *agent.Registry
	Presets   *config.Presets
	JWTSecret string
	Meta      SystemMeta
	Metrics   *monitor.Metrics

	instanceID string
	startedAt  time.Time
}

// SystemMeta describes runtime status exposed to operators.
type SystemMeta struct {
	Venue   string
	Symbols []string
	Version string
}

// NewServer builds the router and registers all routes.
func NewServer(bus *events.Bus, database *db.Database, registry *agent.Registry, presets *config.Presets, meta SystemMeta, jwtSecret string) *Server {
	r := gin.New()

	// Middleware stack (order matters!)
	r.Use(gin.Recovery())
	r.Use(RequestIDMiddleware())
	r.Use(RequestLogger())
	r.Use(RateLimitMiddleware())
	r.Use(TimeoutMiddleware(30 * time.Second))
	r.Use(CORSMiddleware())

	// ProtectedID ties the instance id to this application so it is stable
	// across restarts but not a raw hardware identifier.
	instanceID, err := machineid.ProtectedID("apollo-core")
	if err != nil {
		instanceID = "unknown"
	}

	s := &Server{
		Router:     r,
		Bus:        bus,
		DB:         database,
		Registry:   registry,
		Presets:    presets,
		JWTSecret:  jwtSecret,
		Meta:       meta,
		instanceID: instanceID,
		startedAt:  time.Now(),
	}
	s.routes()
	return s
}

func (s *Server) routes() {
	s.Router.GET("/health", s.health)
	s.Router.GET("/ws", s.websocket)

	api := s.Router.Group("/api")
	{
		// Auth endpoints (no auth required)
		auth := api.Group("/auth")
		{
			auth.POST("/register", s.registerUser)
			auth.POST("/login", s.loginUser)
		}

		protected := api.Group("")
		protected.Use(AuthMiddleware(s.JWTSecret))
		{
			protected.GET("/presets", s.getPresets)
			protected.GET("/metrics", s.getMetrics)

			protected.POST("/agents", s.upsertAgent)
			protected.GET("/agents", s.listAgents)
			protected.GET("/agents/:id/state", s.getAgentState)
			protected.GET("/agents/:id/trades", s.getAgentTrades)
			protected.GET("/agents/:id/logs", s.getAgentLogs)
			protected.POST("/agents/:id/activate", s.activateAgent)
			protected.POST("/agents/:id/deactivate", s.deactivateAgent)
		}
	}
}

func (s *Server) health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":      "ok",
		"instance_id": s.instanceID,
		"venue":       s.Meta.Venue,
		"symbols":     s.Meta.Symbols,
		"version":     s.Meta.Version,
		"uptime":      time.Since(s.startedAt).Round(time.Second).String(),
		"agents":      s.Registry.Count(),
	})
}

func (s *Server) getMetrics(c *gin.Context) {
	c.JSON(http.StatusOK, s.Metrics.GetSnapshot())
}

// Start runs the HTTP server on addr, blocking until it fails.
func (s *Server) Start(addr string) error {
	return s.Router.Run(addr)
}
