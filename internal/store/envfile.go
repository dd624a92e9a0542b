package store

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"time"

	"github.com/joho/godotenv"
	"golang.org/x/oauth2"
)

// Compile-time interface check.
var _ TokenStore = (*EnvFileStore)(nil)

// Variables holding the broker token in the environment and in .env files.
const (
	EnvAccessToken  = "SAXO_ACCESS_TOKEN"
	EnvRefreshToken = "SAXO_REFRESH_TOKEN"
	EnvTokenExpiry  = "SAXO_TOKEN_EXPIRY"
)

// expiryLayouts are accepted when reading SAXO_TOKEN_EXPIRY. Zone-less values
// are interpreted in local time.
var expiryLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05.999999999",
}

// EnvFileStore keeps the token in a dotenv file next to the rest of the
// configuration. Saving rewrites the file and preserves unrelated keys.
type EnvFileStore struct {
	Path string
}

// NewEnvFileStore creates an EnvFileStore for path (usually ".env").
func NewEnvFileStore(path string) *EnvFileStore {
	return &EnvFileStore{Path: path}
}

// Load reads the token from the file, falling back to the process
// environment when the file does not exist.
func (s *EnvFileStore) Load(_ context.Context) (*oauth2.Token, error) {
	values, err := godotenv.Read(s.Path)
	if errors.Is(err, fs.ErrNotExist) {
		values = map[string]string{
			EnvAccessToken:  os.Getenv(EnvAccessToken),
			EnvRefreshToken: os.Getenv(EnvRefreshToken),
			EnvTokenExpiry:  os.Getenv(EnvTokenExpiry),
		}
	} else if err != nil {
		return nil, fmt.Errorf("reading %s: %w", s.Path, err)
	}

	if values[EnvAccessToken] == "" {
		return nil, ErrNoToken
	}
	tok := &oauth2.Token{
		AccessToken:  values[EnvAccessToken],
		RefreshToken: values[EnvRefreshToken],
		TokenType:    "Bearer",
	}
	if raw := values[EnvTokenExpiry]; raw != "" {
		expiry, err := parseExpiry(raw)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", EnvTokenExpiry, err)
		}
		tok.Expiry = expiry
	}
	return tok, nil
}

// Save writes the token into the file.
func (s *EnvFileStore) Save(_ context.Context, tok *oauth2.Token) error {
	values, err := godotenv.Read(s.Path)
	if errors.Is(err, fs.ErrNotExist) {
		values = make(map[string]string)
	} else if err != nil {
		return fmt.Errorf("reading %s: %w", s.Path, err)
	}

	values[EnvAccessToken] = tok.AccessToken
	values[EnvRefreshToken] = tok.RefreshToken
	values[EnvTokenExpiry] = ""
	if !tok.Expiry.IsZero() {
		values[EnvTokenExpiry] = tok.Expiry.Format(time.RFC3339)
	}

	if err := godotenv.Write(values, s.Path); err != nil {
		return fmt.Errorf("writing %s: %w", s.Path, err)
	}
	return nil
}

func parseExpiry(raw string) (time.Time, error) {
	for _, layout := range expiryLayouts {
		if t, err := time.ParseInLocation(layout, raw, time.Local); err == nil {
			return t, nil
		}
	}
	return time.Time{}, fmt.Errorf("unrecognized expiry %q", raw)
}
