package server

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	"golang.org/x/oauth2"

	"github.com/jettison-io/parley/internal/authbroker"
	"github.com/jettison-io/parley/internal/config"
	"github.com/jettison-io/parley/internal/llm"
	"github.com/jettison-io/parley/internal/loop"
	"github.com/jettison-io/parley/internal/session"
	"github.com/jettison-io/parley/internal/store"
	"github.com/jettison-io/parley/internal/tools"
)

type noopProvider struct{}

func (noopProvider) Complete(ctx context.Context, req *llm.Request) (*llm.Completion, error) {
	return &llm.Completion{Content: "ok"}, nil
}
func (noopProvider) Name() string { return "noop" }

type staticExchanger struct{}

func (staticExchanger) Exchange(ctx context.Context, sys *config.SystemConfig, redirectURL, code string) (*oauth2.Token, error) {
	return &oauth2.Token{AccessToken: "tok", Expiry: time.Now().Add(time.Hour)}, nil
}
func (staticExchanger) Refresh(ctx context.Context, sys *config.SystemConfig, refreshToken string) (*oauth2.Token, error) {
	return &oauth2.Token{AccessToken: "tok", Expiry: time.Now().Add(time.Hour)}, nil
}

func testServer(t *testing.T) (*Server, *authbroker.Broker, store.Store) {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	cfg := &config.Config{}
	cfg.Server.PublicURL = "https://parley.example.com"
	cfg.Auth.StateTTL = 10 * time.Minute
	cfg.Loop.MaxIterations = 5
	cfg.Systems = []config.SystemConfig{{
		Name:    "crm",
		BaseURL: "https://crm.example.com/api",
		OAuth2: config.OAuth2Config{
			AuthURL:  "https://crm.example.com/oauth/authorize",
			TokenURL: "https://crm.example.com/oauth/token",
		},
	}}

	st := store.NewMemoryStore()
	broker := authbroker.New(st, cfg, staticExchanger{}, logger)
	registry := tools.NewRegistry()
	controller := loop.New(st, noopProvider{}, registry, tools.NewGateway(registry, logger), broker, cfg, nil, nil, logger)
	manager := session.New(st, controller, broker, cfg, nil, nil, logger)

	return New(cfg, manager, st, nil, logger), broker, st
}

func TestCallbackUnknownToken(t *testing.T) {
	srv, _, _ := testServer(t)

	req := httptest.NewRequest(http.MethodGet, "/oauth/callback?state=never-issued&code=c", nil)
	w := httptest.NewRecorder()
	srv.handleCallback(w, req)

	if w.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", w.Code)
	}
	if !strings.Contains(w.Body.String(), "already used") {
		t.Errorf("body = %q", w.Body.String())
	}
}

func TestCallbackMissingState(t *testing.T) {
	srv, _, _ := testServer(t)

	req := httptest.NewRequest(http.MethodGet, "/oauth/callback?code=c", nil)
	w := httptest.NewRecorder()
	srv.handleCallback(w, req)

	if w.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", w.Code)
	}
}

func TestCallbackGranted(t *testing.T) {
	srv, broker, _ := testServer(t)
	ctx := context.Background()

	// Gate-style authorization with no suspended turn behind it.
	_, authURL, err := broker.BeginAuthorization(ctx, "user-1", "crm", "")
	if err != nil {
		t.Fatalf("BeginAuthorization: %v", err)
	}
	u, _ := url.Parse(authURL)
	state := u.Query().Get("state")

	req := httptest.NewRequest(http.MethodGet, "/oauth/callback?state="+state+"&code=good", nil)
	w := httptest.NewRecorder()
	srv.handleCallback(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", w.Code)
	}
	if !strings.Contains(w.Body.String(), "Authorization complete") {
		t.Errorf("body = %q", w.Body.String())
	}
}

func TestCallbackDenied(t *testing.T) {
	srv, broker, _ := testServer(t)
	ctx := context.Background()

	_, authURL, err := broker.BeginAuthorization(ctx, "user-1", "crm", "")
	if err != nil {
		t.Fatalf("BeginAuthorization: %v", err)
	}
	u, _ := url.Parse(authURL)
	state := u.Query().Get("state")

	req := httptest.NewRequest(http.MethodGet, "/oauth/callback?state="+state+"&error=access_denied", nil)
	w := httptest.NewRecorder()
	srv.handleCallback(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", w.Code)
	}
	if !strings.Contains(w.Body.String(), "declined") {
		t.Errorf("body = %q", w.Body.String())
	}
}

func TestHealth(t *testing.T) {
	srv, _, _ := testServer(t)

	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	w := httptest.NewRecorder()
	srv.handleHealth(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", w.Code)
	}
}
