// Package httpapi serves the optional admin/observability API. It reads only
// mutex-guarded snapshots and never touches reactor-owned connection state.
package httpapi

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"chatd/internal/chat"
)

// ConnCounter reports currently open client connections.
type ConnCounter interface {
	OpenConnections() int64
}

// Server is the Echo application.
type Server struct {
	echo    *echo.Echo
	name    string
	version string
	app     *chat.App
	conns   ConnCounter
}

// New constructs an Echo app with health, state, and metrics routes.
func New(name, version string, app *chat.App, conns ConnCounter, gatherer prometheus.Gatherer) *Server {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.Use(middleware.Recover())

	s := &Server{echo: e, name: name, version: version, app: app, conns: conns}
	e.GET("/health", s.handleHealth)
	e.GET("/api/state", s.handleState)
	if gatherer != nil {
		e.GET("/metrics", echo.WrapHandler(promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})))
	}
	return s
}

// Echo exposes the underlying Echo instance for tests.
func (s *Server) Echo() *echo.Echo {
	return s.echo
}

// Run starts Echo and blocks until ctx cancellation or startup failure.
func (s *Server) Run(ctx context.Context, addr string) error {
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
		shutCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = s.echo.Shutdown(shutCtx)
		return nil
	}
}

type healthResponse struct {
	Status  string `json:"status"`
	Name    string `json:"name"`
	Version string `json:"version"`
	Clients int64  `json:"clients"`
}

func (s *Server) handleHealth(c echo.Context) error {
	return c.JSON(http.StatusOK, healthResponse{
		Status:  "ok",
		Name:    s.name,
		Version: s.version,
		Clients: s.conns.OpenConnections(),
	})
}

type stateResponse struct {
	Name    string          `json:"name"`
	Clients int64           `json:"clients"`
	Users   int             `json:"users"`
	Rooms   []chat.RoomInfo `json:"rooms"`
}

func (s *Server) handleState(c echo.Context) error {
	snap := s.app.Snapshot()
	return c.JSON(http.StatusOK, stateResponse{
		Name:    s.name,
		Clients: s.conns.OpenConnections(),
		Users:   snap.Users,
		Rooms:   snap.Rooms,
	})
}
