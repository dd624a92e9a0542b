package oauth

import (
	"context"
	"errors"
	"fmt"
	"html"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"time"

	"github.com/google/uuid"
	"golang.org/x/oauth2"
)

// DefaultRedirectURL is the callback used when none is configured.
const DefaultRedirectURL = "http://localhost:5000/callback"

// Opener presents the authorization URL to the user, for example by printing
// it or launching a browser.
type Opener func(authURL string) error

type callbackResult struct {
	code string
	err  error
}

// Login runs the authorization-code flow: it listens on the host and port of
// cfg.RedirectURL, hands the authorization URL to open, waits for the
// browser to be redirected back and exchanges the code for a token. A redirect
// port of 0 picks a free port and rewrites the redirect URL accordingly.
func Login(ctx context.Context, cfg *oauth2.Config, open Opener, log *slog.Logger) (*oauth2.Token, error) {
	if log == nil {
		log = slog.Default()
	}
	log = log.With("component", "oauth")

	redirect, err := url.Parse(cfg.RedirectURL)
	if err != nil || redirect.Host == "" {
		return nil, fmt.Errorf("invalid redirect url %q", cfg.RedirectURL)
	}
	ln, err := net.Listen("tcp", redirect.Host)
	if err != nil {
		return nil, fmt.Errorf("listening for callback on %s: %w", redirect.Host, err)
	}
	defer ln.Close()

	flow := *cfg
	if redirect.Port() == "0" {
		redirect.Host = ln.Addr().String()
		flow.RedirectURL = redirect.String()
	}

	state := uuid.NewString()
	results := make(chan callbackResult, 1)

	path := redirect.Path
	if path == "" {
		path = "/"
	}
	mux := http.NewServeMux()
	mux.HandleFunc(path, func(w http.ResponseWriter, r *http.Request) {
		res := parseCallback(r, state)
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		if res.err != nil {
			w.WriteHeader(http.StatusBadRequest)
			fmt.Fprintf(w, "<html><body><h1>Authorization Failed</h1><p>%s</p></body></html>", html.EscapeString(res.err.Error()))
		} else {
			fmt.Fprint(w, "<html><body><h1>Authorization Successful</h1><p>You can close this window.</p></body></html>")
		}
		select {
		case results <- res:
		default:
		}
	})

	srv := &http.Server{Handler: mux, ReadHeaderTimeout: 10 * time.Second}
	go srv.Serve(ln)
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		srv.Shutdown(shutdownCtx)
	}()

	authURL := flow.AuthCodeURL(state)
	log.Info("waiting for authorization callback", "redirect", flow.RedirectURL)
	if err := open(authURL); err != nil {
		return nil, fmt.Errorf("opening authorization url: %w", err)
	}

	var res callbackResult
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case res = <-results:
	}
	if res.err != nil {
		return nil, res.err
	}

	log.Info("authorization code received, exchanging for token")
	tok, err := flow.Exchange(ctx, res.code)
	if err != nil {
		return nil, fmt.Errorf("exchanging authorization code: %w", err)
	}
	if tok.Expiry.IsZero() {
		tok.Expiry = time.Now().Add(DefaultLifetime)
	}
	return tok, nil
}

func parseCallback(r *http.Request, state string) callbackResult {
	q := r.URL.Query()
	if e := q.Get("error"); e != "" {
		return callbackResult{err: fmt.Errorf("authorization denied: %s", e)}
	}
	if q.Get("state") != state {
		return callbackResult{err: errors.New("authorization callback state mismatch")}
	}
	code := q.Get("code")
	if code == "" {
		return callbackResult{err: errors.New("authorization callback without code")}
	}
	return callbackResult{code: code}
}
