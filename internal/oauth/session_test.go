package oauth

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"net/url"
	"sync/atomic"
	"testing"
	"time"

	"golang.org/x/oauth2"

	"saxofolio/internal/store"
	"saxofolio/internal/util"
)

type memStore struct {
	tok   *oauth2.Token
	saves int
}

func (m *memStore) Load(context.Context) (*oauth2.Token, error) {
	if m.tok == nil {
		return nil, store.ErrNoToken
	}
	return m.tok, nil
}

func (m *memStore) Save(_ context.Context, tok *oauth2.Token) error {
	m.tok = tok
	m.saves++
	return nil
}

// tokenServer answers refresh_token and authorization_code grants. body is
// the JSON returned for every grant.
func tokenServer(t *testing.T, body string) (*httptest.Server, *int32) {
	t.Helper()
	var hits int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&hits, 1)
		user, pass, ok := r.BasicAuth()
		if !ok || user != "app-key" || pass != "app-secret" {
			t.Errorf("basic auth = %q/%q/%v", user, pass, ok)
		}
		if err := r.ParseForm(); err != nil {
			t.Errorf("ParseForm: %v", err)
			return
		}
		switch r.PostForm.Get("grant_type") {
		case "refresh_token":
			if r.PostForm.Get("refresh_token") != "rt-1" {
				t.Errorf("refresh_token = %q", r.PostForm.Get("refresh_token"))
			}
		case "authorization_code":
			if r.PostForm.Get("code") != "the-code" {
				t.Errorf("code = %q", r.PostForm.Get("code"))
			}
		default:
			t.Errorf("grant_type = %q", r.PostForm.Get("grant_type"))
		}
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, body)
	}))
	t.Cleanup(srv.Close)
	return srv, &hits
}

func testConfig(tokenURL, redirect string) *oauth2.Config {
	return NewConfig(Environment{AuthURL: "https://auth.example/authorize", TokenURL: tokenURL}, "app-key", "app-secret", redirect)
}

func TestEnvironmentFor(t *testing.T) {
	if EnvironmentFor(false).GatewayURL != "https://gateway.saxobank.com/sim/openapi" {
		t.Errorf("simulation gateway = %q", EnvironmentFor(false).GatewayURL)
	}
	if EnvironmentFor(true).Name != "live" {
		t.Errorf("production environment = %q, want live", EnvironmentFor(true).Name)
	}
}

func TestValidTokenWithoutToken(t *testing.T) {
	s := NewSession(testConfig("http://unused", ""), &memStore{}, util.Discard())
	if err := s.Load(context.Background()); err != nil {
		t.Fatalf("Load() error: %v", err)
	}
	if _, err := s.ValidToken(context.Background()); !errors.Is(err, ErrNoAccessToken) {
		t.Errorf("ValidToken() error = %v, want ErrNoAccessToken", err)
	}
}

func TestValidTokenFresh(t *testing.T) {
	srv, hits := tokenServer(t, `{}`)
	now := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)
	st := &memStore{tok: &oauth2.Token{AccessToken: "at-1", RefreshToken: "rt-1", Expiry: now.Add(6 * time.Minute)}}

	s := NewSession(testConfig(srv.URL, ""), st, util.Discard())
	s.now = func() time.Time { return now }
	if err := s.Load(context.Background()); err != nil {
		t.Fatal(err)
	}

	got, err := s.ValidToken(context.Background())
	if err != nil || got != "at-1" {
		t.Errorf("ValidToken() = (%q, %v), want (at-1, nil)", got, err)
	}
	if atomic.LoadInt32(hits) != 0 {
		t.Errorf("token endpoint called %d times, want 0", *hits)
	}
}

func TestValidTokenRefreshesInsideWindow(t *testing.T) {
	srv, hits := tokenServer(t, `{"access_token":"at-2","token_type":"Bearer","expires_in":1200}`)
	now := time.Now()
	st := &memStore{tok: &oauth2.Token{AccessToken: "at-1", RefreshToken: "rt-1", Expiry: now.Add(4 * time.Minute)}}

	s := NewSession(testConfig(srv.URL, ""), st, util.Discard())
	if err := s.Load(context.Background()); err != nil {
		t.Fatal(err)
	}

	got, err := s.ValidToken(context.Background())
	if err != nil {
		t.Fatalf("ValidToken() error: %v", err)
	}
	if got != "at-2" {
		t.Errorf("ValidToken() = %q, want at-2", got)
	}
	if atomic.LoadInt32(hits) != 1 {
		t.Errorf("token endpoint called %d times, want 1", *hits)
	}
	if st.saves != 1 || st.tok.AccessToken != "at-2" {
		t.Errorf("store saves = %d, token = %+v", st.saves, st.tok)
	}
	// The refresh token is kept when the endpoint does not rotate it.
	if st.tok.RefreshToken != "rt-1" {
		t.Errorf("RefreshToken = %q, want rt-1", st.tok.RefreshToken)
	}

	// The new token is good for twenty minutes; no second refresh.
	if _, err := s.ValidToken(context.Background()); err != nil {
		t.Fatal(err)
	}
	if atomic.LoadInt32(hits) != 1 {
		t.Errorf("token endpoint called %d times after second ValidToken, want 1", *hits)
	}
}

func TestValidTokenDefaultLifetime(t *testing.T) {
	srv, _ := tokenServer(t, `{"access_token":"at-2","token_type":"Bearer"}`)
	now := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)
	s := NewSession(testConfig(srv.URL, ""), nil, util.Discard())
	s.now = func() time.Time { return now }
	s.tok = &oauth2.Token{AccessToken: "at-1", RefreshToken: "rt-1"}

	tok, err := s.Token()
	if err != nil {
		t.Fatalf("Token() error: %v", err)
	}
	if want := now.Add(DefaultLifetime); !tok.Expiry.Equal(want) {
		t.Errorf("Expiry = %v, want %v", tok.Expiry, want)
	}
}

func TestValidTokenNoRefreshToken(t *testing.T) {
	s := NewSession(testConfig("http://unused", ""), nil, util.Discard())
	s.tok = &oauth2.Token{AccessToken: "at-1", Expiry: time.Now().Add(time.Minute)}
	if _, err := s.ValidToken(context.Background()); !errors.Is(err, ErrNoRefreshToken) {
		t.Errorf("ValidToken() error = %v, want ErrNoRefreshToken", err)
	}
}

func TestValidTokenRefreshFailure(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, `{"error":"invalid_grant"}`, http.StatusBadRequest)
	}))
	defer srv.Close()

	s := NewSession(testConfig(srv.URL, ""), nil, util.Discard())
	s.tok = &oauth2.Token{AccessToken: "at-1", RefreshToken: "rt-1", Expiry: time.Now().Add(-time.Hour)}
	if _, err := s.ValidToken(context.Background()); err == nil {
		t.Error("ValidToken() with failing refresh: expected error")
	}
}

func TestSetTokenPersists(t *testing.T) {
	st := &memStore{}
	s := NewSession(testConfig("http://unused", ""), st, util.Discard())
	if err := s.SetToken(context.Background(), &oauth2.Token{AccessToken: "at", RefreshToken: "rt"}); err != nil {
		t.Fatal(err)
	}
	if st.saves != 1 || st.tok.Expiry.IsZero() {
		t.Errorf("saved token = %+v after %d saves", st.tok, st.saves)
	}
}

func TestLogin(t *testing.T) {
	srv, _ := tokenServer(t, `{"access_token":"at-login","refresh_token":"rt-login","token_type":"Bearer","expires_in":1200}`)
	cfg := testConfig(srv.URL, "http://127.0.0.1:0/callback")

	open := func(authURL string) error {
		u, err := url.Parse(authURL)
		if err != nil {
			return err
		}
		q := u.Query()
		if q.Get("client_id") != "app-key" || q.Get("response_type") != "code" {
			t.Errorf("auth url query = %v", q)
		}
		cb := q.Get("redirect_uri") + "?code=the-code&state=" + url.QueryEscape(q.Get("state"))
		go func() {
			resp, err := http.Get(cb)
			if err != nil {
				t.Errorf("callback request: %v", err)
				return
			}
			resp.Body.Close()
		}()
		return nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	tok, err := Login(ctx, cfg, open, util.Discard())
	if err != nil {
		t.Fatalf("Login() error: %v", err)
	}
	if tok.AccessToken != "at-login" || tok.RefreshToken != "rt-login" {
		t.Errorf("Login() token = %+v", tok)
	}
}

func TestLoginStateMismatch(t *testing.T) {
	cfg := testConfig("http://unused", "http://127.0.0.1:0/callback")
	open := func(authURL string) error {
		u, _ := url.Parse(authURL)
		go func() {
			resp, err := http.Get(u.Query().Get("redirect_uri") + "?code=x&state=forged")
			if err == nil {
				resp.Body.Close()
			}
		}()
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if _, err := Login(ctx, cfg, open, util.Discard()); err == nil {
		t.Error("Login() with forged state: expected error")
	}
}
