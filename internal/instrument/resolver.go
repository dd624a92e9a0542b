// Package instrument resolves broker instrument identifiers to tradable
// symbols and ISINs, memoizing every answer for the lifetime of a sync run.
package instrument

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/patrickmn/go-cache"

	"saxofolio/internal/domain"
)

// Lookup is the broker reference-data query used on a cache miss.
type Lookup interface {
	InstrumentDetails(ctx context.Context, uic int64, assetType string) ([]domain.InstrumentDetails, error)
}

// entry is what the cache holds. found is false for a remembered miss.
type entry struct {
	details domain.InstrumentDetails
	found   bool
}

// Resolver memoizes instrument lookups, including failed ones. A Resolver
// belongs to a single run; create a new one for every sync.
type Resolver struct {
	lookup Lookup
	cache  *cache.Cache
	log    *slog.Logger
}

// NewResolver creates a Resolver with an empty cache.
func NewResolver(lookup Lookup, log *slog.Logger) *Resolver {
	if log == nil {
		log = slog.Default()
	}
	return &Resolver{
		lookup: lookup,
		// Entries never expire and no janitor goroutine runs: the cache
		// lives exactly as long as the run.
		cache: cache.New(cache.NoExpiration, 0),
		log:   log.With("component", "instrument"),
	}
}

// Resolve returns the details of (uic, assetType). The second result is false
// when the broker has no data for the instrument or the lookup failed; in
// both cases the miss is cached and not retried during this run. A miss
// caused by ctx being done is not cached.
func (r *Resolver) Resolve(ctx context.Context, uic int64, assetType string) (domain.InstrumentDetails, bool) {
	key := cacheKey(uic, assetType)
	if v, ok := r.cache.Get(key); ok {
		e := v.(entry)
		return e.details, e.found
	}

	e := r.fetch(ctx, uic, assetType)
	if !e.found && ctx.Err() != nil {
		return e.details, false
	}
	r.cache.Set(key, e, cache.NoExpiration)
	return e.details, e.found
}

// Len returns the number of cached keys, hits and misses alike.
func (r *Resolver) Len() int { return r.cache.ItemCount() }

func (r *Resolver) fetch(ctx context.Context, uic int64, assetType string) entry {
	records, err := r.lookup.InstrumentDetails(ctx, uic, assetType)
	if err != nil {
		r.log.Warn("instrument lookup failed", "uic", uic, "assetType", assetType, "error", err)
		return entry{}
	}
	if len(records) == 0 {
		r.log.Info("no instrument data", "uic", uic, "assetType", assetType)
		return entry{}
	}

	rec := records[0]
	symbol, exchange := SplitSymbol(rec.Symbol)
	d := domain.InstrumentDetails{
		Uic:         uic,
		AssetType:   assetType,
		Symbol:      symbol,
		ISIN:        strings.TrimSpace(rec.ISIN),
		Description: rec.Description,
		Currency:    rec.Currency,
		Exchange:    rec.Exchange,
	}
	if d.Exchange == "" {
		d.Exchange = exchange
	}
	r.log.Debug("resolved instrument", "uic", uic, "assetType", assetType, "symbol", d.Symbol, "isin", d.ISIN)
	return entry{details: d, found: true}
}

func cacheKey(uic int64, assetType string) string {
	return fmt.Sprintf("%d/%s", uic, assetType)
}

// SplitSymbol splits a broker symbol such as "AAPL:xnas" at the first colon
// into the bare symbol and the exchange code.
func SplitSymbol(s string) (symbol, exchange string) {
	s = strings.TrimSpace(s)
	symbol, exchange, _ = strings.Cut(s, ":")
	return symbol, exchange
}

// StripExchange drops any exchange suffix from a broker symbol.
func StripExchange(s string) string {
	symbol, _ := SplitSymbol(s)
	return symbol
}
