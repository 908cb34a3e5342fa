// Package httpserver exposes the worker's health, status, metrics and
// participant token endpoints.
package httpserver

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"
	"go.uber.org/zap"

	"github.com/wajjih/AI-Voice-Assistant/internal/middleware"
	"github.com/wajjih/AI-Voice-Assistant/internal/token"
	"github.com/wajjih/AI-Voice-Assistant/internal/worker"
)

// StatusProvider reports worker state for /worker.
type StatusProvider interface {
	Status() worker.Status
}

// Deps are the server's collaborators. Nil Worker or Metrics disable the
// corresponding route.
type Deps struct {
	LiveKitURL string
	Minter     token.Minter
	// ProvidersReady reports whether the AI providers are configured.
	ProvidersReady func() error
	AuthPassword   string
	Worker         StatusProvider
	Metrics        http.Handler
	Logger         *zap.Logger
}

// Server bundles the HTTP router and its dependencies.
type Server struct {
	Echo *echo.Echo
	deps Deps
	log  *zap.Logger
}

// New constructs the HTTP server with routes.
func New(deps Deps) *Server {
	log := deps.Logger
	if log == nil {
		log = zap.NewNop()
	}
	e := NewRouter(log)
	e.Use(middleware.SharedSecret("/api/", func() string { return deps.AuthPassword }))

	s := &Server{Echo: e, deps: deps, log: log}
	e.GET("/healthz", func(c echo.Context) error { return c.String(http.StatusOK, "ok") })
	if deps.Worker != nil {
		e.GET("/worker", s.workerStatus)
	}
	if deps.Metrics != nil {
		e.GET("/metrics", echo.WrapHandler(deps.Metrics))
	}
	e.GET("/api/token", s.participantToken)
	return s
}

func (s *Server) workerStatus(c echo.Context) error {
	return c.JSON(http.StatusOK, s.deps.Worker.Status())
}

type tokenResponse struct {
	Token     string `json:"token"`
	ServerURL string `json:"serverUrl"`
}

type errorResponse struct {
	Error string `json:"error"`
}

// participantToken issues a join token for ?room=&username=.
func (s *Server) participantToken(c echo.Context) error {
	c.Response().Header().Set("Cache-Control", "no-store")
	room := c.QueryParam("room")
	username := c.QueryParam("username")
	if room == "" || username == "" {
		return c.JSON(http.StatusBadRequest, errorResponse{Error: "Missing required query parameters"})
	}
	if s.deps.LiveKitURL == "" || s.deps.Minter.APIKey == "" || s.deps.Minter.APISecret == "" {
		return c.JSON(http.StatusInternalServerError, errorResponse{Error: "LiveKit misconfigured"})
	}
	if s.deps.ProvidersReady != nil {
		if err := s.deps.ProvidersReady(); err != nil {
			s.log.Warn("token requested while providers are misconfigured", zap.Error(err))
			return c.JSON(http.StatusInternalServerError, errorResponse{Error: "AI providers misconfigured"})
		}
	}
	jwt, err := s.deps.Minter.ParticipantToken(room, username)
	if err != nil {
		s.log.Error("failed to sign participant token", zap.Error(err))
		return c.JSON(http.StatusInternalServerError, errorResponse{Error: "failed to create token"})
	}
	return c.JSON(http.StatusOK, tokenResponse{Token: jwt, ServerURL: s.deps.LiveKitURL})
}

// Run serves on addr until ctx is cancelled, then shuts down gracefully.
func (s *Server) Run(ctx context.Context, addr string) error {
	server := &http.Server{
		Addr:              addr,
		Handler:           s.Echo,
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	serverErrors := make(chan error, 1)
	go func() {
		s.log.Info("http server listening", zap.String("addr", addr))
		serverErrors <- server.ListenAndServe()
	}()

	select {
	case err := <-serverErrors:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		s.log.Warn("graceful shutdown failed", zap.Error(err))
		_ = server.Close()
	}
	return nil
}
