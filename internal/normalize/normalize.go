// Package normalize turns broker positions into the canonical transactions
// imported into the tracker.
package normalize

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"saxofolio/internal/dedup"
	"saxofolio/internal/domain"
)

// Resolver maps an instrument id and asset type to reference data.
type Resolver interface {
	Resolve(ctx context.Context, uic int64, assetType string) (domain.InstrumentDetails, bool)
}

// Options carries the per-run settings of a Normalizer.
type Options struct {
	AccountID     string            // tracker account the transactions belong to
	Currency      string            // used when the instrument has no currency
	SymbolMapping map[string]string // exact-match symbol overrides
	Now           func() time.Time  // clock for positions without a timestamp
}

// Normalizer converts RawPosition values into Transactions.
type Normalizer struct {
	resolver Resolver
	opts     Options
	log      *slog.Logger
}

// New creates a Normalizer.
func New(resolver Resolver, opts Options, log *slog.Logger) *Normalizer {
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if log == nil {
		log = slog.Default()
	}
	return &Normalizer{
		resolver: resolver,
		opts:     opts,
		log:      log.With("component", "normalize"),
	}
}

var errMissingPositionID = errors.New("position has no id")

// Normalize converts one position into zero, one or two transactions. An
// error means the position is malformed and produced nothing; callers log it
// and move on.
func (n *Normalizer) Normalize(ctx context.Context, pos domain.RawPosition) ([]domain.Transaction, error) {
	switch p := pos.(type) {
	case domain.OpenPosition:
		tx, err := n.open(ctx, p)
		if err != nil {
			return nil, fmt.Errorf("normalizing open position %q: %w", p.PositionID, err)
		}
		return []domain.Transaction{tx}, nil
	case domain.ClosedPosition:
		tx, err := n.closed(ctx, p)
		if err != nil {
			return nil, fmt.Errorf("normalizing closed position %q: %w", p.PositionID, err)
		}
		return []domain.Transaction{tx}, nil
	case domain.HistoricalPosition:
		txs, err := n.historical(ctx, p)
		if err != nil {
			return nil, fmt.Errorf("normalizing historical position of uic %d: %w", p.Uic, err)
		}
		return txs, nil
	default:
		return nil, fmt.Errorf("unsupported position type %T", pos)
	}
}

// open models only long open legs: the direction is always BUY, whatever the
// sign of the amount.
func (n *Normalizer) open(ctx context.Context, p domain.OpenPosition) (domain.Transaction, error) {
	if p.PositionID == "" {
		return domain.Transaction{}, errMissingPositionID
	}
	date, err := n.timestamp(p.ExecutionTimeOpen)
	if err != nil {
		return domain.Transaction{}, err
	}

	fee := decimal.Zero
	if !p.OpenPriceIncludingCosts.IsZero() {
		fee = p.OpenPriceIncludingCosts.Sub(p.OpenPrice).Mul(p.Amount).Abs()
	}

	sym := n.resolveSymbol(ctx, p.Uic, p.AssetType, p.Symbol, "")
	return domain.Transaction{
		AccountID:  n.opts.AccountID,
		Symbol:     sym.symbol,
		DataSource: sym.source,
		Direction:  domain.DirectionBuy,
		Date:       date,
		Quantity:   p.Amount.Abs(),
		UnitPrice:  p.OpenPrice,
		Fee:        fee,
		Currency:   sym.currency,
		Comment:    comment(p.PositionID, p.Uic, sym, ""),
	}, nil
}

func (n *Normalizer) closed(ctx context.Context, p domain.ClosedPosition) (domain.Transaction, error) {
	if p.PositionID == "" {
		return domain.Transaction{}, errMissingPositionID
	}
	date, err := n.timestamp(p.ExecutionTimeClose)
	if err != nil {
		return domain.Transaction{}, err
	}

	direction := domain.DirectionSell
	if p.BuySell == "Buy" {
		direction = domain.DirectionBuy
	}

	sym := n.resolveSymbol(ctx, p.Uic, p.AssetType, p.Symbol, p.ISIN)
	return domain.Transaction{
		AccountID:  n.opts.AccountID,
		Symbol:     sym.symbol,
		DataSource: sym.source,
		Direction:  direction,
		Date:       date,
		Quantity:   p.Amount.Abs(),
		UnitPrice:  p.ClosingPrice,
		Fee:        p.Cost.Abs(),
		Currency:   sym.currency,
		Comment:    comment(p.PositionID, p.Uic, sym, ""),
	}, nil
}

// historical emits one transaction per leg that has a timestamp. The fee is
// not reported for round trips and is left at zero.
func (n *Normalizer) historical(ctx context.Context, p domain.HistoricalPosition) ([]domain.Transaction, error) {
	if p.OpenTime == "" && p.CloseTime == "" {
		n.log.Debug("historical position has no timestamps", "uic", p.Uic)
		return nil, nil
	}

	type leg struct {
		leg   domain.Leg
		raw   string
		price decimal.Decimal
	}
	legs := []leg{
		{domain.LegOpen, p.OpenTime, p.OpenPrice},
		{domain.LegClose, p.CloseTime, p.ClosePrice},
	}

	openDirection := domain.DirectionSell
	if p.Long {
		openDirection = domain.DirectionBuy
	}

	sym := n.resolveSymbol(ctx, p.Uic, p.AssetType, p.Symbol, "")
	root := HistoricalKey(p.Uic, p.OpenTime, p.CloseTime)

	var txs []domain.Transaction
	for _, l := range legs {
		if l.raw == "" {
			continue
		}
		date, err := parseTime(l.raw)
		if err != nil {
			return nil, fmt.Errorf("%s leg: %w", strings.ToLower(string(l.leg)), err)
		}
		direction := openDirection
		if l.leg == domain.LegClose {
			direction = openDirection.Opposite()
		}
		txs = append(txs, domain.Transaction{
			AccountID:  n.opts.AccountID,
			Symbol:     sym.symbol,
			DataSource: sym.source,
			Direction:  direction,
			Date:       date,
			Quantity:   p.Amount.Abs(),
			UnitPrice:  l.price,
			Fee:        decimal.Zero,
			Currency:   sym.currency,
			Comment:    comment(LegKey(root, l.leg), p.Uic, sym, l.leg),
		})
	}
	return txs, nil
}

// HistoricalKey is the key root shared by both legs of a round trip. The
// timestamps are used verbatim so the key only changes if the broker changes
// what it reports.
func HistoricalKey(uic int64, openTime, closeTime string) string {
	return fmt.Sprintf("%d_%s_%s", uic, openTime, closeTime)
}

// LegKey derives the per-leg key from a round-trip root.
func LegKey(root string, leg domain.Leg) string {
	return root + "_" + string(leg)
}

// comment joins the comment fields with ", " so the key token ends at the
// comma.
func comment(key string, uic int64, sym resolvedSymbol, leg domain.Leg) string {
	parts := []string{dedup.FormatKey(key), fmt.Sprintf("uic=%d", uic)}
	if sym.original != "" && sym.original != sym.symbol {
		parts = append(parts, "saxoSymbol="+sym.original)
	}
	if leg != "" {
		parts = append(parts, "leg="+string(leg))
	}
	return strings.Join(parts, ", ")
}

func (n *Normalizer) timestamp(raw string) (time.Time, error) {
	if raw == "" {
		return n.opts.Now().UTC(), nil
	}
	return parseTime(raw)
}

var timeLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05",
	"2006-01-02",
}

func parseTime(raw string) (time.Time, error) {
	for _, layout := range timeLayouts {
		if t, err := time.Parse(layout, raw); err == nil {
			return t.UTC(), nil
		}
	}
	return time.Time{}, fmt.Errorf("unrecognized timestamp %q", raw)
}
