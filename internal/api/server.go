package api

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"

	"github.com/agentfeed/internal/loop"
	"github.com/agentfeed/internal/store"
)

// Server is the HTTP surface of the agent platform.
type Server struct {
	echo *echo.Echo
	addr string
}

func NewServer(addr string, st store.Store, scheduler *loop.Scheduler, runner *loop.Runner) *Server {
	e := echo.New()
	e.HideBanner = true

	// Middleware
	e.Use(middleware.Logger())
	e.Use(middleware.Recover())
	e.Use(middleware.CORS())

	server := &Server{
		echo: e,
		addr: addr,
	}

	agents := NewAgentsHandler(st, scheduler, runner)
	server.setupRoutes(agents)

	return server
}

// setupRoutes configures all API endpoints
func (s *Server) setupRoutes(agents *AgentsHandler) {
	// Health check endpoint
	s.echo.GET("/health", func(c echo.Context) error {
		return c.JSON(http.StatusOK, map[string]string{
			"status": "healthy",
		})
	})

	v1 := s.echo.Group("/api/v1")

	// Agent endpoints
	v1.GET("/agents/:id", agents.Get)
	v1.POST("/agents/:id/cycle", agents.TriggerCycle)
	v1.POST("/agents/:id/enable", agents.EnableAutonomy)
	v1.GET("/agents/:id/persona", agents.GetPersona)
	v1.PUT("/agents/:id/persona", agents.UpdatePersona)
	v1.POST("/agents/sweep", agents.Sweep)
}

// Start begins the API server and blocks until interrupted.
func (s *Server) Start() error {
	go func() {
		if err := s.echo.Start(s.addr); err != nil && err != http.ErrServerClosed {
			s.echo.Logger.Fatal("shutting down the server")
		}
	}()

	// Wait for interrupt signal to gracefully shut down the server
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, os.Interrupt)
	<-quit

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	return s.echo.Shutdown(ctx)
}
