// Package domain defines the types shared across saxofolio: broker accounts
// and positions, resolved instruments, and the transactions imported into
// the tracking service.
package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// ---------------------------------------------------------------------------
// Enumerations
// ---------------------------------------------------------------------------

// Direction is the side of a transaction. Quantities are always non-negative;
// the sign lives here.
type Direction string

const (
	DirectionBuy  Direction = "BUY"
	DirectionSell Direction = "SELL"
)

// Opposite returns the other side.
func (d Direction) Opposite() Direction {
	if d == DirectionBuy {
		return DirectionSell
	}
	return DirectionBuy
}

// DataSource tags where the tracker should look up prices for a symbol.
type DataSource string

const (
	// DataSourceYahoo is the market-data backed source.
	DataSourceYahoo DataSource = "YAHOO"
	// DataSourceManual marks placeholder symbols the tracker cannot price.
	DataSourceManual DataSource = "MANUAL"
)

// Leg identifies one side of a historical round-trip position.
type Leg string

const (
	LegOpen  Leg = "OPEN"
	LegClose Leg = "CLOSE"
)

// ---------------------------------------------------------------------------
// Broker side
// ---------------------------------------------------------------------------

// Account is a broker account as reported by the account details endpoint.
type Account struct {
	AccountID   string
	AccountKey  string
	ClientKey   string
	AccountType string
	Currency    string
}

// Balance is the cash balance of a broker account.
type Balance struct {
	Amount     decimal.Decimal
	TotalValue decimal.Decimal
	Currency   string
}

// InstrumentDetails is the reference data resolved for a (Uic, AssetType)
// pair. Symbol is stored without its exchange suffix once it leaves the
// resolver.
type InstrumentDetails struct {
	Uic         int64
	AssetType   string
	Symbol      string
	ISIN        string
	Description string
	Currency    string
	Exchange    string
}

// RawPosition is one of OpenPosition, ClosedPosition or HistoricalPosition.
// The set is closed: only types in this package implement it.
type RawPosition interface {
	// Instrument returns the broker's composite instrument identifier.
	Instrument() (uic int64, assetType string)
	isRawPosition()
}

// OpenPosition is a currently held position. Timestamps are kept as the
// broker reported them.
type OpenPosition struct {
	PositionID              string
	Uic                     int64
	AssetType               string
	Symbol                  string
	Amount                  decimal.Decimal // signed
	OpenPrice               decimal.Decimal
	OpenPriceIncludingCosts decimal.Decimal
	ExecutionTimeOpen       string
}

// ClosedPosition is a completed trade reported by the closed positions
// endpoint.
type ClosedPosition struct {
	PositionID         string
	Uic                int64
	AssetType          string
	Symbol             string
	ISIN               string
	BuySell            string // "Buy" or "Sell"
	Amount             decimal.Decimal
	ClosingPrice       decimal.Decimal
	Cost               decimal.Decimal
	ExecutionTimeClose string
}

// HistoricalPosition is a round trip from the historical reports endpoint.
// Either timestamp may be empty when the corresponding leg has not happened
// or was not reported.
type HistoricalPosition struct {
	Uic        int64
	AssetType  string // asset type at opening
	Symbol     string
	Amount     decimal.Decimal
	Long       bool
	OpenPrice  decimal.Decimal
	ClosePrice decimal.Decimal
	OpenTime   string
	CloseTime  string
}

func (p OpenPosition) Instrument() (int64, string)       { return p.Uic, p.AssetType }
func (p ClosedPosition) Instrument() (int64, string)     { return p.Uic, p.AssetType }
func (p HistoricalPosition) Instrument() (int64, string) { return p.Uic, p.AssetType }

func (OpenPosition) isRawPosition()       {}
func (ClosedPosition) isRawPosition()     {}
func (HistoricalPosition) isRawPosition() {}

// ---------------------------------------------------------------------------
// Tracker side
// ---------------------------------------------------------------------------

// Transaction is the canonical record imported into the tracker. Comment
// carries the deduplication key and auxiliary metadata.
type Transaction struct {
	ID         string // set only for transactions read back from the tracker
	AccountID  string
	Symbol     string
	DataSource DataSource
	Direction  Direction
	Date       time.Time
	Quantity   decimal.Decimal
	UnitPrice  decimal.Decimal
	Fee        decimal.Decimal
	Currency   string
	Comment    string
}
