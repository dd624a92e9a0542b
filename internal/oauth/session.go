// Package oauth provides the broker session: OAuth2 endpoints for the
// simulation and live environments, a token source that refreshes shortly
// before expiry, and the interactive authorization-code login.
package oauth

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/oauth2"

	"saxofolio/internal/store"
)

const (
	// RefreshWindow is how long before expiry a token is refreshed.
	RefreshWindow = 5 * time.Minute

	// DefaultLifetime is assumed when the token endpoint omits expires_in.
	DefaultLifetime = 20 * time.Minute
)

var (
	// ErrNoAccessToken means no token was ever obtained; run the login first.
	ErrNoAccessToken = errors.New("no access token available, run login first")

	// ErrNoRefreshToken means the token is about to expire and cannot be
	// refreshed.
	ErrNoRefreshToken = errors.New("access token expired and no refresh token available")
)

// Environment holds the endpoints of one broker environment.
type Environment struct {
	Name       string
	AuthURL    string
	TokenURL   string
	GatewayURL string
}

var (
	// Simulation is the broker's sandbox environment.
	Simulation = Environment{
		Name:       "sim",
		AuthURL:    "https://sim.logonvalidation.net/authorize",
		TokenURL:   "https://sim.logonvalidation.net/token",
		GatewayURL: "https://gateway.saxobank.com/sim/openapi",
	}

	// Live is the production environment.
	Live = Environment{
		Name:       "live",
		AuthURL:    "https://live.logonvalidation.net/authorize",
		TokenURL:   "https://live.logonvalidation.net/token",
		GatewayURL: "https://gateway.saxobank.com/openapi",
	}
)

// EnvironmentFor returns Live when production is set and Simulation otherwise.
func EnvironmentFor(production bool) Environment {
	if production {
		return Live
	}
	return Simulation
}

// NewConfig builds the OAuth2 client configuration for env. Client
// credentials are sent with HTTP Basic authentication.
func NewConfig(env Environment, appKey, appSecret, redirectURL string) *oauth2.Config {
	return &oauth2.Config{
		ClientID:     appKey,
		ClientSecret: appSecret,
		RedirectURL:  redirectURL,
		Endpoint: oauth2.Endpoint{
			AuthURL:   env.AuthURL,
			TokenURL:  env.TokenURL,
			AuthStyle: oauth2.AuthStyleInHeader,
		},
	}
}

// Compile-time interface check.
var _ oauth2.TokenSource = (*Session)(nil)

// Session hands out a valid access token, refreshing it when it is within
// RefreshWindow of expiry and persisting every new token to the store.
type Session struct {
	mu    sync.Mutex
	cfg   *oauth2.Config
	store store.TokenStore
	tok   *oauth2.Token
	now   func() time.Time
	log   *slog.Logger
}

// NewSession creates a Session. ts may be nil, in which case tokens are
// kept in memory only.
func NewSession(cfg *oauth2.Config, ts store.TokenStore, log *slog.Logger) *Session {
	if log == nil {
		log = slog.Default()
	}
	return &Session{
		cfg:   cfg,
		store: ts,
		now:   time.Now,
		log:   log.With("component", "oauth"),
	}
}

// Load reads the saved token from the store. A missing token is not an
// error here; ValidToken reports it.
func (s *Session) Load(ctx context.Context) error {
	if s.store == nil {
		return nil
	}
	tok, err := s.store.Load(ctx)
	if errors.Is(err, store.ErrNoToken) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("loading token: %w", err)
	}
	s.mu.Lock()
	s.tok = tok
	s.mu.Unlock()
	s.log.Debug("loaded token", "expiry", tok.Expiry)
	return nil
}

// SetToken installs tok (for example after a login) and persists it.
func (s *Session) SetToken(ctx context.Context, tok *oauth2.Token) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tok = s.withDefaultExpiry(tok)
	return s.persist(ctx)
}

// ValidToken returns an access token that is valid for at least
// RefreshWindow, refreshing it first if needed.
func (s *Session) ValidToken(ctx context.Context) (string, error) {
	tok, err := s.valid(ctx)
	if err != nil {
		return "", err
	}
	return tok.AccessToken, nil
}

// Token implements oauth2.TokenSource so the session can back an
// oauth2.Transport.
func (s *Session) Token() (*oauth2.Token, error) {
	return s.valid(context.Background())
}

func (s *Session) valid(ctx context.Context) (*oauth2.Token, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.tok == nil || s.tok.AccessToken == "" {
		return nil, ErrNoAccessToken
	}
	if !s.expiring() {
		return s.tok, nil
	}
	if s.tok.RefreshToken == "" {
		return nil, ErrNoRefreshToken
	}

	s.log.Info("token expired or expiring soon, refreshing", "expiry", s.tok.Expiry)
	fresh, err := s.cfg.TokenSource(ctx, &oauth2.Token{RefreshToken: s.tok.RefreshToken}).Token()
	if err != nil {
		return nil, fmt.Errorf("refreshing access token: %w", err)
	}
	if fresh.RefreshToken == "" {
		fresh.RefreshToken = s.tok.RefreshToken
	}
	s.tok = s.withDefaultExpiry(fresh)
	s.log.Info("access token refreshed", "expiry", s.tok.Expiry)

	if err := s.persist(ctx); err != nil {
		s.log.Warn("failed to save refreshed token", "error", err)
	}
	return s.tok, nil
}

// expiring reports whether the token has no known expiry or expires within
// RefreshWindow. The caller holds mu.
func (s *Session) expiring() bool {
	if s.tok.Expiry.IsZero() {
		return true
	}
	return !s.now().Before(s.tok.Expiry.Add(-RefreshWindow))
}

func (s *Session) withDefaultExpiry(tok *oauth2.Token) *oauth2.Token {
	if tok.Expiry.IsZero() {
		t := *tok
		t.Expiry = s.now().Add(DefaultLifetime)
		return &t
	}
	return tok
}

// persist saves the current token. The caller holds mu.
func (s *Session) persist(ctx context.Context) error {
	if s.store == nil {
		return nil
	}
	if err := s.store.Save(ctx, s.tok); err != nil {
		return fmt.Errorf("saving token: %w", err)
	}
	return nil
}
