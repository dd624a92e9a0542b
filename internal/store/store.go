// Package store persists the little state saxofolio keeps outside the
// tracker: OAuth tokens between runs and optional activity exports.
package store

import (
	"context"
	"errors"

	"golang.org/x/oauth2"

	"saxofolio/internal/domain"
)

// ErrNoToken is returned by TokenStore.Load when nothing has been saved yet.
var ErrNoToken = errors.New("no stored token")

// TokenStore loads and saves the broker OAuth token.
type TokenStore interface {
	// Load returns the saved token, or ErrNoToken.
	Load(ctx context.Context) (*oauth2.Token, error)

	// Save replaces the saved token.
	Save(ctx context.Context, tok *oauth2.Token) error
}

// ActivityStore persists snapshots of tracker activities.
type ActivityStore interface {
	// WriteActivities merges txs into the snapshot of accountID.
	WriteActivities(ctx context.Context, accountID string, txs []domain.Transaction) error

	// ReadActivities returns the snapshot of accountID ordered by date.
	ReadActivities(ctx context.Context, accountID string) ([]domain.Transaction, error)
}
