package authbroker

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/url"
	"testing"
	"time"

	"golang.org/x/oauth2"

	"github.com/jettison-io/parley/internal/config"
	"github.com/jettison-io/parley/internal/store"
	"github.com/jettison-io/parley/pkg/models"
)

type fakeExchanger struct {
	token     *oauth2.Token
	err       error
	exchanged []string
	refreshed []string
}

func (f *fakeExchanger) Exchange(ctx context.Context, sys *config.SystemConfig, redirectURL, code string) (*oauth2.Token, error) {
	f.exchanged = append(f.exchanged, code)
	return f.token, f.err
}

func (f *fakeExchanger) Refresh(ctx context.Context, sys *config.SystemConfig, refreshToken string) (*oauth2.Token, error) {
	f.refreshed = append(f.refreshed, refreshToken)
	return f.token, f.err
}

func testConfig() *config.Config {
	cfg := &config.Config{}
	cfg.Server.PublicURL = "https://parley.example.com"
	cfg.Auth.StateTTL = 10 * time.Minute
	cfg.Systems = []config.SystemConfig{{
		Name:    "crm",
		BaseURL: "https://crm.example.com/api",
		OAuth2: config.OAuth2Config{
			ClientID:  "client-id",
			AuthURL:   "https://crm.example.com/oauth/authorize",
			TokenURL:  "https://crm.example.com/oauth/token",
			Scope:     "contacts.read contacts.write",
		},
	}}
	return cfg
}

func newTestBroker(t *testing.T, ex Exchanger) (*Broker, store.Store) {
	t.Helper()
	st := store.NewMemoryStore()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	return New(st, testConfig(), ex, logger), st
}

func TestBeginAuthorization(t *testing.T) {
	ctx := context.Background()
	b, st := newTestBroker(t, &fakeExchanger{})

	token, authURL, err := b.BeginAuthorization(ctx, "user-1", "crm", "cp-1")
	if err != nil {
		t.Fatalf("BeginAuthorization: %v", err)
	}
	if token == "" {
		t.Fatal("expected a state token")
	}

	u, err := url.Parse(authURL)
	if err != nil {
		t.Fatalf("invalid auth URL: %v", err)
	}
	q := u.Query()
	if q.Get("state") != token {
		t.Errorf("auth URL state = %q, want %q", q.Get("state"), token)
	}
	if got := q.Get("redirect_uri"); got != "https://parley.example.com/oauth/callback" {
		t.Errorf("redirect_uri = %q", got)
	}
	if q.Get("scope") == "" {
		t.Error("expected configured scope on the auth URL")
	}

	g, err := st.GetGrant(ctx, "user-1", "crm")
	if err != nil {
		t.Fatalf("GetGrant: %v", err)
	}
	if g.Status != models.GrantPending {
		t.Errorf("grant status = %q, want pending", g.Status)
	}
}

func TestBeginAuthorizationSupersedes(t *testing.T) {
	ctx := context.Background()
	b, st := newTestBroker(t, &fakeExchanger{})

	first, _, err := b.BeginAuthorization(ctx, "user-1", "crm", "cp-1")
	if err != nil {
		t.Fatalf("first BeginAuthorization: %v", err)
	}
	second, _, err := b.BeginAuthorization(ctx, "user-1", "crm", "cp-2")
	if err != nil {
		t.Fatalf("second BeginAuthorization: %v", err)
	}
	if first == second {
		t.Fatal("second attempt must issue a fresh token")
	}

	if _, err := st.ConsumePendingAuth(ctx, first); !errors.Is(err, store.ErrNotFound) {
		t.Errorf("first token should be superseded, got %v", err)
	}
	if _, err := st.ConsumePendingAuth(ctx, second); err != nil {
		t.Errorf("second token should be live: %v", err)
	}
}

func TestBeginAuthorizationUnknownSystem(t *testing.T) {
	b, _ := newTestBroker(t, &fakeExchanger{})
	if _, _, err := b.BeginAuthorization(context.Background(), "user-1", "erp", ""); !errors.Is(err, ErrUnknownSystem) {
		t.Fatalf("expected ErrUnknownSystem, got %v", err)
	}
}

func TestCompleteAuthorizationGranted(t *testing.T) {
	ctx := context.Background()
	ex := &fakeExchanger{token: &oauth2.Token{
		AccessToken:  "access-1",
		RefreshToken: "refresh-1",
		TokenType:    "Bearer",
		Expiry:       time.Now().Add(time.Hour),
	}}
	b, st := newTestBroker(t, ex)

	token, _, err := b.BeginAuthorization(ctx, "user-1", "crm", "cp-1")
	if err != nil {
		t.Fatalf("BeginAuthorization: %v", err)
	}

	outcome, err := b.CompleteAuthorization(ctx, token, CallbackResult{Code: "auth-code"})
	if err != nil {
		t.Fatalf("CompleteAuthorization: %v", err)
	}
	if !outcome.Authorized {
		t.Fatalf("expected authorized outcome, got %+v", outcome)
	}
	if outcome.UserID != "user-1" || outcome.System != "crm" || outcome.CheckpointID != "cp-1" {
		t.Errorf("outcome lost its binding: %+v", outcome)
	}
	if len(ex.exchanged) != 1 || ex.exchanged[0] != "auth-code" {
		t.Errorf("exchange calls = %v", ex.exchanged)
	}

	g, err := st.GetGrant(ctx, "user-1", "crm")
	if err != nil {
		t.Fatalf("GetGrant: %v", err)
	}
	if g.Status != models.GrantGranted || g.AccessToken != "access-1" || g.RefreshToken != "refresh-1" {
		t.Errorf("grant not settled: %+v", g)
	}
}

func TestCompleteAuthorizationDenied(t *testing.T) {
	ctx := context.Background()
	b, st := newTestBroker(t, &fakeExchanger{})

	token, _, err := b.BeginAuthorization(ctx, "user-1", "crm", "cp-1")
	if err != nil {
		t.Fatalf("BeginAuthorization: %v", err)
	}

	outcome, err := b.CompleteAuthorization(ctx, token, CallbackResult{Err: "access_denied"})
	if err != nil {
		t.Fatalf("CompleteAuthorization: %v", err)
	}
	if outcome.Authorized {
		t.Fatal("denied callback must not authorize")
	}
	if outcome.Reason != "access_denied" {
		t.Errorf("reason = %q", outcome.Reason)
	}

	g, _ := st.GetGrant(ctx, "user-1", "crm")
	if g.Status != models.GrantRevoked {
		t.Errorf("grant status = %q, want revoked", g.Status)
	}
}

func TestCompleteAuthorizationTokenMisuse(t *testing.T) {
	ctx := context.Background()
	ex := &fakeExchanger{token: &oauth2.Token{AccessToken: "access-1"}}
	b, st := newTestBroker(t, ex)

	if _, err := b.CompleteAuthorization(ctx, "never-issued", CallbackResult{Code: "c"}); !errors.Is(err, ErrUnknownToken) {
		t.Fatalf("unknown token: expected ErrUnknownToken, got %v", err)
	}

	token, _, err := b.BeginAuthorization(ctx, "user-1", "crm", "cp-1")
	if err != nil {
		t.Fatalf("BeginAuthorization: %v", err)
	}
	if _, err := b.CompleteAuthorization(ctx, token, CallbackResult{Code: "c"}); err != nil {
		t.Fatalf("first callback: %v", err)
	}

	// Replaying the link must fail without touching the settled grant.
	if _, err := b.CompleteAuthorization(ctx, token, CallbackResult{Err: "access_denied"}); !errors.Is(err, ErrTokenConsumed) {
		t.Fatalf("replay: expected ErrTokenConsumed, got %v", err)
	}
	g, _ := st.GetGrant(ctx, "user-1", "crm")
	if g.Status != models.GrantGranted {
		t.Errorf("replay changed the grant to %q", g.Status)
	}
}

func TestCompleteAuthorizationExpiredToken(t *testing.T) {
	ctx := context.Background()
	b, _ := newTestBroker(t, &fakeExchanger{})

	token, _, err := b.BeginAuthorization(ctx, "user-1", "crm", "cp-1")
	if err != nil {
		t.Fatalf("BeginAuthorization: %v", err)
	}

	b.now = func() time.Time { return time.Now().Add(time.Hour) }
	if _, err := b.CompleteAuthorization(ctx, token, CallbackResult{Code: "c"}); !errors.Is(err, ErrUnknownToken) {
		t.Fatalf("expired token: expected ErrUnknownToken, got %v", err)
	}
}

func TestEnsureGrant(t *testing.T) {
	ctx := context.Background()

	t.Run("Absent", func(t *testing.T) {
		b, _ := newTestBroker(t, &fakeExchanger{})
		status, grant, err := b.EnsureGrant(ctx, "user-1", "crm")
		if err != nil {
			t.Fatalf("EnsureGrant: %v", err)
		}
		if status != models.GrantAbsent || grant != nil {
			t.Errorf("status = %q, grant = %+v", status, grant)
		}
	})

	t.Run("Valid", func(t *testing.T) {
		b, st := newTestBroker(t, &fakeExchanger{})
		st.PutGrant(ctx, &models.Grant{
			UserID: "user-1", System: "crm",
			Status: models.GrantGranted, AccessToken: "tok",
			ExpiresAt: time.Now().Add(time.Hour),
		})
		status, grant, err := b.EnsureGrant(ctx, "user-1", "crm")
		if err != nil {
			t.Fatalf("EnsureGrant: %v", err)
		}
		if status != models.GrantGranted || !grant.Valid(time.Now()) {
			t.Errorf("status = %q, grant = %+v", status, grant)
		}
	})

	t.Run("ExpiredWithoutRefresh", func(t *testing.T) {
		b, st := newTestBroker(t, &fakeExchanger{})
		st.PutGrant(ctx, &models.Grant{
			UserID: "user-1", System: "crm",
			Status: models.GrantGranted, AccessToken: "tok",
			ExpiresAt: time.Now().Add(-time.Minute),
		})
		status, _, err := b.EnsureGrant(ctx, "user-1", "crm")
		if err != nil {
			t.Fatalf("EnsureGrant: %v", err)
		}
		if status != models.GrantExpired {
			t.Errorf("status = %q, want expired", status)
		}
		g, _ := st.GetGrant(ctx, "user-1", "crm")
		if g.Status != models.GrantExpired {
			t.Errorf("stored status = %q, want expired", g.Status)
		}
	})

	t.Run("RefreshNearExpiry", func(t *testing.T) {
		ex := &fakeExchanger{token: &oauth2.Token{
			AccessToken: "fresh-tok",
			TokenType:   "Bearer",
			Expiry:      time.Now().Add(time.Hour),
		}}
		b, st := newTestBroker(t, ex)
		st.PutGrant(ctx, &models.Grant{
			UserID: "user-1", System: "crm",
			Status: models.GrantGranted, AccessToken: "old-tok",
			RefreshToken: "refresh-1",
			ExpiresAt:    time.Now().Add(2 * time.Minute),
		})

		status, grant, err := b.EnsureGrant(ctx, "user-1", "crm")
		if err != nil {
			t.Fatalf("EnsureGrant: %v", err)
		}
		if status != models.GrantGranted || grant.AccessToken != "fresh-tok" {
			t.Errorf("status = %q, token = %q", status, grant.AccessToken)
		}
		if len(ex.refreshed) != 1 || ex.refreshed[0] != "refresh-1" {
			t.Errorf("refresh calls = %v", ex.refreshed)
		}
		// The old refresh token survives when the provider omits a new one.
		g, _ := st.GetGrant(ctx, "user-1", "crm")
		if g.RefreshToken != "refresh-1" {
			t.Errorf("refresh token = %q", g.RefreshToken)
		}
	})

	t.Run("RefreshFailureKeepsToken", func(t *testing.T) {
		ex := &fakeExchanger{err: errors.New("provider down")}
		b, st := newTestBroker(t, ex)
		st.PutGrant(ctx, &models.Grant{
			UserID: "user-1", System: "crm",
			Status: models.GrantGranted, AccessToken: "old-tok",
			RefreshToken: "refresh-1",
			ExpiresAt:    time.Now().Add(2 * time.Minute),
		})

		status, grant, err := b.EnsureGrant(ctx, "user-1", "crm")
		if err != nil {
			t.Fatalf("EnsureGrant: %v", err)
		}
		if status != models.GrantGranted || grant.AccessToken != "old-tok" {
			t.Errorf("still-valid token must survive a failed refresh: %q, %q", status, grant.AccessToken)
		}
	})
}
