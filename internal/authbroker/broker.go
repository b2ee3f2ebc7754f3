// Package authbroker owns the per-(user, target-system) authorization
// lifecycle: grant lookup, pending-request issuance, callback completion,
// and expiry/refresh. OAuth2 wire mechanics are delegated to
// golang.org/x/oauth2; the broker owns only state-token bookkeeping and
// grant persistence.
package authbroker

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"golang.org/x/oauth2"

	"github.com/jettison-io/parley/internal/config"
	"github.com/jettison-io/parley/internal/store"
	"github.com/jettison-io/parley/pkg/models"
)

var (
	// ErrUnknownToken is returned for a callback with a state token that
	// was never issued (or already reclaimed by expiry).
	ErrUnknownToken = errors.New("authbroker: unknown state token")

	// ErrTokenConsumed is returned when a state token has already been
	// used. Kept distinct from ErrUnknownToken for observability; both are
	// invisible to the user, whose conversation is already parked.
	ErrTokenConsumed = errors.New("authbroker: state token already consumed")

	// ErrUnknownSystem is returned when a target system is not configured.
	ErrUnknownSystem = errors.New("authbroker: unknown target system")
)

// refreshWindow triggers a refresh when a grant expires this soon.
const refreshWindow = 5 * time.Minute

// Exchanger performs the OAuth2 code exchange and token refresh. The
// default implementation delegates to golang.org/x/oauth2; tests inject a
// fake.
type Exchanger interface {
	Exchange(ctx context.Context, sys *config.SystemConfig, redirectURL, code string) (*oauth2.Token, error)
	Refresh(ctx context.Context, sys *config.SystemConfig, refreshToken string) (*oauth2.Token, error)
}

// CallbackResult carries the provider redirect's outcome into the broker.
type CallbackResult struct {
	Code string // Authorization code on success
	Err  string // Provider error string on denial
}

// Outcome is the broker's verdict on one completed authorization.
type Outcome struct {
	UserID       string
	System       string
	CheckpointID string
	Authorized   bool
	Reason       string
}

// Broker implements the authorization lifecycle over the context store.
type Broker struct {
	store     store.Store
	cfg       *config.Config
	exchanger Exchanger
	logger    *slog.Logger
	now       func() time.Time
}

// New creates a broker. A nil exchanger selects the oauth2-backed default.
func New(st store.Store, cfg *config.Config, exchanger Exchanger, logger *slog.Logger) *Broker {
	if exchanger == nil {
		exchanger = &oauth2Exchanger{}
	}
	return &Broker{
		store:     st,
		cfg:       cfg,
		exchanger: exchanger,
		logger:    logger,
		now:       time.Now,
	}
}

// EnsureGrant reports the current grant status for (user, system),
// refreshing a near-expiry grant when a refresh token is available.
func (b *Broker) EnsureGrant(ctx context.Context, userID, system string) (models.GrantStatus, *models.Grant, error) {
	grant, err := b.store.GetGrant(ctx, userID, system)
	if errors.Is(err, store.ErrNotFound) {
		return models.GrantAbsent, nil, nil
	}
	if err != nil {
		return models.GrantAbsent, nil, err
	}

	now := b.now()
	switch grant.Status {
	case models.GrantGranted:
		if !grant.ExpiresAt.IsZero() && !grant.ExpiresAt.After(now) {
			grant.Status = models.GrantExpired
			if err := b.store.PutGrant(ctx, grant); err != nil {
				return models.GrantExpired, grant, err
			}
			return models.GrantExpired, grant, nil
		}
		if grant.RefreshToken != "" && !grant.ExpiresAt.IsZero() && grant.ExpiresAt.Before(now.Add(refreshWindow)) {
			if refreshed, err := b.refresh(ctx, grant); err == nil {
				return models.GrantGranted, refreshed, nil
			}
			// A failed refresh leaves the still-valid token in place.
			b.logger.Warn("grant refresh failed, using existing token",
				"user_id", userID, "system", system)
		}
		return models.GrantGranted, grant, nil
	case models.GrantPending:
		return models.GrantPending, grant, nil
	case models.GrantRevoked:
		return models.GrantRevoked, grant, nil
	default:
		return models.GrantExpired, grant, nil
	}
}

// BeginAuthorization issues a fresh single-use state token and pending
// authorization for (user, system), superseding any live pending record,
// and returns the provider authorization URL.
func (b *Broker) BeginAuthorization(ctx context.Context, userID, system, checkpointID string) (stateToken, authURL string, err error) {
	sys, ok := b.cfg.System(system)
	if !ok {
		return "", "", fmt.Errorf("%w: %s", ErrUnknownSystem, system)
	}

	stateToken, err = newStateToken()
	if err != nil {
		return "", "", fmt.Errorf("failed to generate state token: %w", err)
	}

	now := b.now()
	pending := &models.PendingAuth{
		StateToken:   stateToken,
		UserID:       userID,
		System:       system,
		CheckpointID: checkpointID,
		CreatedAt:    now,
		ExpiresAt:    now.Add(b.cfg.Auth.StateTTL),
	}
	if err := b.store.PutPendingAuth(ctx, pending); err != nil {
		return "", "", fmt.Errorf("failed to store pending authorization: %w", err)
	}

	grant := &models.Grant{UserID: userID, System: system, Status: models.GrantPending}
	if existing, err := b.store.GetGrant(ctx, userID, system); err == nil {
		existing.Status = models.GrantPending
		grant = existing
	}
	if err := b.store.PutGrant(ctx, grant); err != nil {
		return "", "", fmt.Errorf("failed to mark grant pending: %w", err)
	}

	authURL = b.oauthConfig(sys).AuthCodeURL(stateToken)
	b.logger.Info("authorization started", "user_id", userID, "system", system)
	return stateToken, authURL, nil
}

// CompleteAuthorization consumes a state token exactly once and settles
// the grant. Unknown and already-consumed tokens are rejected without
// mutating any grant.
func (b *Broker) CompleteAuthorization(ctx context.Context, stateToken string, result CallbackResult) (*Outcome, error) {
	pending, err := b.store.ConsumePendingAuth(ctx, stateToken)
	if errors.Is(err, store.ErrNotFound) {
		b.logger.Error("authorization callback with unknown state token")
		return nil, ErrUnknownToken
	}
	if errors.Is(err, store.ErrConsumed) {
		b.logger.Error("authorization callback replayed a consumed state token")
		return nil, ErrTokenConsumed
	}
	if err != nil {
		return nil, err
	}

	outcome := &Outcome{
		UserID:       pending.UserID,
		System:       pending.System,
		CheckpointID: pending.CheckpointID,
	}

	if b.now().After(pending.ExpiresAt) {
		b.logger.Error("authorization callback after state token expiry",
			"user_id", pending.UserID, "system", pending.System)
		return nil, ErrUnknownToken
	}

	if result.Err != "" || result.Code == "" {
		reason := result.Err
		if reason == "" {
			reason = "authorization denied"
		}
		outcome.Reason = reason
		if err := b.settleGrant(ctx, pending, models.GrantRevoked, nil); err != nil {
			return nil, err
		}
		b.logger.Info("authorization denied", "user_id", pending.UserID, "system", pending.System, "reason", reason)
		return outcome, nil
	}

	sys, ok := b.cfg.System(pending.System)
	if !ok {
		outcome.Reason = "target system no longer configured"
		return outcome, nil
	}
	token, err := b.exchanger.Exchange(ctx, sys, b.redirectURL(), result.Code)
	if err != nil {
		outcome.Reason = "token exchange failed"
		b.logger.Error("token exchange failed", "user_id", pending.UserID, "system", pending.System, "error", err)
		if err := b.settleGrant(ctx, pending, models.GrantRevoked, nil); err != nil {
			return nil, err
		}
		return outcome, nil
	}

	if err := b.settleGrant(ctx, pending, models.GrantGranted, token); err != nil {
		return nil, err
	}
	outcome.Authorized = true
	b.logger.Info("authorization granted", "user_id", pending.UserID, "system", pending.System)
	return outcome, nil
}

// AuthorizationURLFor rebuilds a provider URL for an existing state token,
// used when re-sending a pending notice.
func (b *Broker) AuthorizationURLFor(system, stateToken string) (string, error) {
	sys, ok := b.cfg.System(system)
	if !ok {
		return "", fmt.Errorf("%w: %s", ErrUnknownSystem, system)
	}
	return b.oauthConfig(sys).AuthCodeURL(stateToken), nil
}

func (b *Broker) settleGrant(ctx context.Context, pending *models.PendingAuth, status models.GrantStatus, token *oauth2.Token) error {
	grant := &models.Grant{
		UserID: pending.UserID,
		System: pending.System,
		Status: status,
	}
	if existing, err := b.store.GetGrant(ctx, pending.UserID, pending.System); err == nil {
		grant = existing
		grant.Status = status
	}
	if token != nil {
		grant.AccessToken = token.AccessToken
		grant.RefreshToken = token.RefreshToken
		grant.TokenType = token.TokenType
		grant.ExpiresAt = token.Expiry
	}
	if err := b.store.PutGrant(ctx, grant); err != nil {
		return fmt.Errorf("failed to settle grant: %w", err)
	}
	return nil
}

func (b *Broker) refresh(ctx context.Context, grant *models.Grant) (*models.Grant, error) {
	sys, ok := b.cfg.System(grant.System)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownSystem, grant.System)
	}
	token, err := b.exchanger.Refresh(ctx, sys, grant.RefreshToken)
	if err != nil {
		return nil, err
	}
	grant.AccessToken = token.AccessToken
	if token.RefreshToken != "" {
		grant.RefreshToken = token.RefreshToken
	}
	grant.TokenType = token.TokenType
	grant.ExpiresAt = token.Expiry
	grant.Status = models.GrantGranted
	if err := b.store.PutGrant(ctx, grant); err != nil {
		return nil, err
	}
	b.logger.Info("grant refreshed", "user_id", grant.UserID, "system", grant.System)
	return grant, nil
}

func (b *Broker) redirectURL() string {
	return strings.TrimRight(b.cfg.Server.PublicURL, "/") + "/oauth/callback"
}

func (b *Broker) oauthConfig(sys *config.SystemConfig) *oauth2.Config {
	cfg := &oauth2.Config{
		ClientID:     sys.OAuth2.ClientID,
		ClientSecret: sys.OAuth2.ClientSecret,
		RedirectURL:  b.redirectURL(),
		Endpoint: oauth2.Endpoint{
			AuthURL:  sys.OAuth2.AuthURL,
			TokenURL: sys.OAuth2.TokenURL,
		},
	}
	if sys.OAuth2.Scope != "" {
		cfg.Scopes = strings.Fields(sys.OAuth2.Scope)
	}
	return cfg
}

// newStateToken returns a cryptographically unguessable URL-safe token.
func newStateToken() (string, error) {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return base64.RawURLEncoding.EncodeToString(buf), nil
}

// oauth2Exchanger is the production Exchanger backed by golang.org/x/oauth2.
type oauth2Exchanger struct{}

func (e *oauth2Exchanger) Exchange(ctx context.Context, sys *config.SystemConfig, redirectURL, code string) (*oauth2.Token, error) {
	cfg := &oauth2.Config{
		ClientID:     sys.OAuth2.ClientID,
		ClientSecret: sys.OAuth2.ClientSecret,
		RedirectURL:  redirectURL,
		Endpoint: oauth2.Endpoint{
			AuthURL:  sys.OAuth2.AuthURL,
			TokenURL: sys.OAuth2.TokenURL,
		},
	}
	return cfg.Exchange(ctx, code)
}

func (e *oauth2Exchanger) Refresh(ctx context.Context, sys *config.SystemConfig, refreshToken string) (*oauth2.Token, error) {
	cfg := &oauth2.Config{
		ClientID:     sys.OAuth2.ClientID,
		ClientSecret: sys.OAuth2.ClientSecret,
		Endpoint: oauth2.Endpoint{
			TokenURL: sys.OAuth2.TokenURL,
		},
	}
	src := cfg.TokenSource(ctx, &oauth2.Token{RefreshToken: refreshToken})
	return src.Token()
}
