// Package server exposes the HTTP surface: the OAuth2 redirect endpoint,
// health checks, and the Prometheus scrape endpoint.
package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/jettison-io/parley/internal/authbroker"
	"github.com/jettison-io/parley/internal/config"
	"github.com/jettison-io/parley/internal/metrics"
	"github.com/jettison-io/parley/internal/session"
	"github.com/jettison-io/parley/internal/store"
)

const callbackPage = `<!DOCTYPE html>
<html>
<head><title>Parley</title></head>
<body style="font-family: sans-serif; max-width: 32em; margin: 4em auto;">
<h2>%s</h2>
<p>%s</p>
</body>
</html>`

// Server hosts the main HTTP listener and, optionally, a separate
// metrics listener.
type Server struct {
	cfg     *config.Config
	manager *session.Manager
	store   store.Store
	metrics *metrics.Metrics
	logger  *slog.Logger

	httpSrv    *http.Server
	metricsSrv *http.Server
}

// New creates the HTTP server.
func New(cfg *config.Config, manager *session.Manager, st store.Store, m *metrics.Metrics, logger *slog.Logger) *Server {
	return &Server{
		cfg:     cfg,
		manager: manager,
		store:   st,
		metrics: m,
		logger:  logger,
	}
}

// Start begins serving. It does not block; failures after startup are
// logged.
func (s *Server) Start() error {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /oauth/callback", s.handleCallback)
	mux.HandleFunc("GET /healthz", s.handleHealth)

	s.httpSrv = &http.Server{
		Addr:              fmt.Sprintf("%s:%d", s.cfg.Server.Host, s.cfg.Server.HTTPPort),
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		s.logger.Info("http server listening", "addr", s.httpSrv.Addr)
		if err := s.httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("http server stopped", "error", err)
		}
	}()

	if s.cfg.Server.MetricsPort > 0 {
		metricsMux := http.NewServeMux()
		metricsMux.Handle("GET /metrics", s.metrics.Handler())
		s.metricsSrv = &http.Server{
			Addr:              fmt.Sprintf("%s:%d", s.cfg.Server.Host, s.cfg.Server.MetricsPort),
			Handler:           metricsMux,
			ReadHeaderTimeout: 10 * time.Second,
		}
		go func() {
			s.logger.Info("metrics server listening", "addr", s.metricsSrv.Addr)
			if err := s.metricsSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				s.logger.Error("metrics server stopped", "error", err)
			}
		}()
	}
	return nil
}

// Shutdown drains both listeners.
func (s *Server) Shutdown(ctx context.Context) error {
	var firstErr error
	if s.httpSrv != nil {
		if err := s.httpSrv.Shutdown(ctx); err != nil {
			firstErr = err
		}
	}
	if s.metricsSrv != nil {
		if err := s.metricsSrv.Shutdown(ctx); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// handleCallback settles an authorization redirect. The page only tells
// the user what to do next; the resumed turn is delivered in the chat.
func (s *Server) handleCallback(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	state := q.Get("state")
	if state == "" {
		s.renderPage(w, http.StatusBadRequest, "Invalid request",
			"This authorization link is missing its state parameter.")
		return
	}

	outcome, err := s.manager.HandleAuthCallback(r.Context(), state, authbroker.CallbackResult{
		Code: q.Get("code"),
		Err:  q.Get("error"),
	})
	switch {
	case errors.Is(err, authbroker.ErrUnknownToken), errors.Is(err, authbroker.ErrTokenConsumed):
		s.renderPage(w, http.StatusBadRequest, "Link expired",
			"This authorization link is invalid or was already used. Ask again in the chat to get a fresh one.")
		return
	case err != nil:
		s.logger.Error("authorization callback failed", "error", err)
		s.renderPage(w, http.StatusInternalServerError, "Something went wrong",
			"The authorization could not be completed. Please try again from the chat.")
		return
	}

	if outcome.Authorized {
		s.renderPage(w, http.StatusOK, "Authorization complete",
			"You can close this tab and return to the chat. I'm picking up where we left off.")
		return
	}
	s.renderPage(w, http.StatusOK, "Authorization declined",
		"No access was granted. You can close this tab and return to the chat.")
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()
	if err := s.store.Ping(ctx); err != nil {
		http.Error(w, "store unavailable", http.StatusServiceUnavailable)
		return
	}
	w.WriteHeader(http.StatusOK)
	fmt.Fprintln(w, "ok")
}

func (s *Server) renderPage(w http.ResponseWriter, status int, title, body string) {
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.WriteHeader(status)
	fmt.Fprintf(w, callbackPage, title, body)
}
