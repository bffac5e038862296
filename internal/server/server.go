// Package server exposes the flow engine over HTTP and WebSocket
package server

import (
	"log/slog"
	"net/http"
	"sync"

	glog "github.com/gin-contrib/slog"
	"github.com/gin-gonic/gin"

	"github.com/paywise/flowengine/internal/bus"
	"github.com/paywise/flowengine/internal/engine"
	"github.com/paywise/flowengine/internal/util"
)

// Server implements the HTTP API server for the flow engine
type Server struct {
	engine  *engine.Engine
	bus     *bus.Bus
	sockets util.Set[*Client]
	mu      sync.Mutex
}

// NewServer creates a new HTTP API server
func NewServer(eng *engine.Engine, b *bus.Bus) *Server {
	return &Server{
		engine:  eng,
		bus:     b,
		sockets: util.Set[*Client]{},
	}
}

// SetupRoutes configures and returns the HTTP router with all API endpoints
func (s *Server) SetupRoutes() *gin.Engine {
	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(glog.SetLogger(
		glog.WithLogger(func(c *gin.Context, l *slog.Logger) *slog.Logger {
			return slog.Default()
		}),
	))

	// CORS middleware
	router.Use(func(c *gin.Context) {
		c.Writer.Header().Set("Access-Control-Allow-Origin", "*")
		c.Writer.Header().Set(
			"Access-Control-Allow-Methods",
			"GET, POST, PUT, DELETE, OPTIONS",
		)
		c.Writer.Header().Set(
			"Access-Control-Allow-Headers",
			"Content-Type, Authorization",
		)

		if c.Request.Method == "OPTIONS" {
			c.AbortWithStatus(http.StatusOK)
			return
		}

		c.Next()
	})

	// Health check
	router.GET("/health", s.handleHealth)

	// Flow endpoints
	flows := router.Group("/flows")
	{
		flows.GET("", s.listFlows)
		flows.POST("", s.startFlow)
		flows.GET("/statistics", s.handleStatistics)
		flows.POST("/batch", s.handleBatch)

		flows.GET("/:flowID", s.getFlow)
		flows.POST("/:flowID/pause", s.pauseFlow)
		flows.POST("/:flowID/resume", s.resumeFlow)
		flows.POST("/:flowID/cancel", s.cancelFlow)
		flows.POST("/:flowID/retry", s.retryFlow)
		flows.POST("/:flowID/resolve", s.resolveFlow)
	}

	// Catalog
	router.GET("/catalog", s.listFlowTypes)

	// WebSocket
	router.GET("/ws", s.handleWebSocket)

	return router
}

func (s *Server) registerWebSocket(c *Client) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sockets.Add(c)
}

func (s *Server) unregisterWebSocket(c *Client) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sockets.Remove(c)
}

// CloseWebSockets closes all active WebSocket connections.
func (s *Server) CloseWebSockets() {
	s.mu.Lock()
	conns := make([]*Client, 0, len(s.sockets))
	for c := range s.sockets {
		conns = append(conns, c)
	}
	s.mu.Unlock()

	for _, c := range conns {
		c.Close()
	}
}
