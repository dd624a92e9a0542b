// Package broker defines the read-only Broker interface the synchronizer
// consumes and provides the Saxo OpenAPI implementation plus an in-memory
// simulator.
package broker

import (
	"context"
	"time"

	"saxofolio/internal/domain"
)

// Broker abstracts the brokerage queries needed to mirror an account.
type Broker interface {
	// Name returns the broker identifier (e.g. "saxo", "simulator").
	Name() string

	// AccountDetails returns the account identified by accountKey.
	AccountDetails(ctx context.Context, accountKey string) (domain.Account, error)

	// Accounts lists every account visible to the session.
	Accounts(ctx context.Context) ([]domain.Account, error)

	// Balance returns the cash balance of the account.
	Balance(ctx context.Context, account domain.Account) (domain.Balance, error)

	// OpenPositions returns the positions currently held by the client.
	OpenPositions(ctx context.Context, clientKey string) ([]domain.OpenPosition, error)

	// ClosedPositions returns the positions closed in the current session.
	ClosedPositions(ctx context.Context, clientKey string) ([]domain.ClosedPosition, error)

	// HistoricalPositions returns round trips closed between from and to.
	HistoricalPositions(ctx context.Context, clientKey string, from, to time.Time) ([]domain.HistoricalPosition, error)

	// InstrumentDetails returns reference data for one instrument. An empty
	// slice means the broker knows nothing about it.
	InstrumentDetails(ctx context.Context, uic int64, assetType string) ([]domain.InstrumentDetails, error)
}
