// Package httpapi implements the admin/observability surface (C7): a small
// read-only HTTP API, bound to its own listener address, reporting room
// membership and relay counters. It never mutates relay state.
//
// Shaped after the teacher's internal/httpapi.Server: an echo.Echo with
// middleware.Recover() and a slog-backed request logger, HideBanner/
// HidePort set so the relay's own startup log line stays the only banner.
package httpapi

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"

	"chatrelay/internal/relay"
	"chatrelay/internal/room"
)

// Server is the Echo application backing the admin surface.
type Server struct {
	echo     *echo.Echo
	registry *room.Registry
	stats    *relay.Stats
}

// New constructs an admin Server bound to registry and stats.
func New(registry *room.Registry, stats *relay.Stats) *Server {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.Use(middleware.Recover())
	e.Use(requestLogger())

	s := &Server{echo: e, registry: registry, stats: stats}
	s.registerRoutes()
	return s
}

// requestLogger returns Echo middleware that logs each HTTP request via slog.
func requestLogger() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			start := time.Now()
			err := next(c)
			if err != nil {
				c.Error(err)
			}
			req := c.Request()
			slog.Debug("admin request",
				"method", req.Method,
				"path", req.URL.Path,
				"status", c.Response().Status,
				"duration_ms", time.Since(start).Milliseconds(),
			)
			return nil
		}
	}
}

// Echo exposes the underlying Echo instance for tests.
func (s *Server) Echo() *echo.Echo {
	return s.echo
}

func (s *Server) registerRoutes() {
	s.echo.GET("/healthz", s.handleHealth)
	s.echo.GET("/api/rooms", s.handleRooms)
	s.echo.GET("/api/stats", s.handleStats)
}

type healthResponse struct {
	Status string `json:"status"`
}

func (s *Server) handleHealth(c echo.Context) error {
	return c.JSON(http.StatusOK, healthResponse{Status: "ok"})
}

// roomSummary is the JSON shape for one entry of GET /api/rooms. It reports
// only a member count, never nicknames: this surface is unauthenticated, and
// a room's roster is otherwise only visible to its own members via broadcast.
type roomSummary struct {
	Name    string `json:"name"`
	Members int    `json:"members"`
}

func (s *Server) handleRooms(c echo.Context) error {
	snap := s.registry.Snapshot()
	out := make([]roomSummary, 0, len(snap))
	for name, n := range snap {
		out = append(out, roomSummary{Name: name, Members: n})
	}
	return c.JSON(http.StatusOK, out)
}

func (s *Server) handleStats(c echo.Context) error {
	return c.JSON(http.StatusOK, s.stats.Snapshot())
}

// Run starts Echo on addr and blocks until ctx cancellation or startup
// failure, shutting down gracefully on cancellation. An empty addr disables
// the admin surface entirely (§4.7): Run returns nil immediately rather than
// letting net.Listen bind an undocumented random port.
func (s *Server) Run(ctx context.Context, addr string) error {
	if addr == "" {
		slog.Info("admin server disabled: no listen address configured")
		return nil
	}

	errCh := make(chan error, 1)
	go func() {
		err := s.echo.Start(addr)
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
			return
		}
		errCh <- nil
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		slog.Info("shutting down admin server")
		shutCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = s.echo.Shutdown(shutCtx)
		slog.Info("admin server stopped")
		return nil
	}
}
