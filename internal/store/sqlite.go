package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"golang.org/x/oauth2"

	_ "modernc.org/sqlite" // Pure-Go SQLite driver.
)

// Compile-time interface check.
var _ TokenStore = (*SQLiteTokenStore)(nil)

const schema = `
CREATE TABLE IF NOT EXISTS oauth_tokens (
	name          TEXT PRIMARY KEY,
	access_token  TEXT NOT NULL,
	refresh_token TEXT NOT NULL DEFAULT '',
	token_type    TEXT NOT NULL DEFAULT '',
	expiry        INTEGER NOT NULL DEFAULT 0,
	updated_at    INTEGER NOT NULL
)`

// SQLiteStore keeps OAuth tokens in a SQLite database, one row per name.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore opens (or creates) a SQLite database at dbPath and returns
// a ready-to-use SQLiteStore.
func NewSQLiteStore(dbPath string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, err
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("creating schema in %s: %w", dbPath, err)
	}
	return &SQLiteStore{db: db}, nil
}

// Close closes the underlying database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// LoadToken returns the token saved under name, or ErrNoToken.
func (s *SQLiteStore) LoadToken(ctx context.Context, name string) (*oauth2.Token, error) {
	var (
		tok    oauth2.Token
		expiry int64
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT access_token, refresh_token, token_type, expiry FROM oauth_tokens WHERE name = ?`, name,
	).Scan(&tok.AccessToken, &tok.RefreshToken, &tok.TokenType, &expiry)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNoToken
	}
	if err != nil {
		return nil, fmt.Errorf("loading token %q: %w", name, err)
	}
	if expiry > 0 {
		tok.Expiry = time.UnixMilli(expiry)
	}
	return &tok, nil
}

// SaveToken inserts or replaces the token saved under name.
func (s *SQLiteStore) SaveToken(ctx context.Context, name string, tok *oauth2.Token) error {
	var expiry int64
	if !tok.Expiry.IsZero() {
		expiry = tok.Expiry.UnixMilli()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT OR REPLACE INTO oauth_tokens (name, access_token, refresh_token, token_type, expiry, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		name, tok.AccessToken, tok.RefreshToken, tok.TokenType, expiry, time.Now().UnixMilli())
	if err != nil {
		return fmt.Errorf("saving token %q: %w", name, err)
	}
	return nil
}

// Tokens returns a TokenStore bound to one row of the database.
func (s *SQLiteStore) Tokens(name string) *SQLiteTokenStore {
	return &SQLiteTokenStore{db: s, name: name}
}

// SQLiteTokenStore is the TokenStore view of a single named row.
type SQLiteTokenStore struct {
	db   *SQLiteStore
	name string
}

// Load implements TokenStore.
func (t *SQLiteTokenStore) Load(ctx context.Context) (*oauth2.Token, error) {
	return t.db.LoadToken(ctx, t.name)
}

// Save implements TokenStore.
func (t *SQLiteTokenStore) Save(ctx context.Context, tok *oauth2.Token) error {
	return t.db.SaveToken(ctx, t.name, tok)
}
