package normalize

import (
	"context"
	"fmt"
	"strings"

	"saxofolio/internal/domain"
	"saxofolio/internal/instrument"
)

type resolvedSymbol struct {
	symbol   string
	source   domain.DataSource
	currency string
	original string // broker symbol before any rewriting
}

// marketSuffixes maps exchange ids and codes to the suffix that market-data
// providers expect on numerically quoted instruments.
var marketSuffixes = map[string]string{
	"tse":  ".T",
	"xtks": ".T",
	"hkex": ".HK",
	"xhkg": ".HK",
	"sse":  ".SS",
	"xshg": ".SS",
	"szse": ".SZ",
	"xshe": ".SZ",
	"ksc":  ".KS",
	"xkrx": ".KS",
	"twse": ".TW",
	"xtai": ".TW",
}

// defaultMarketSuffix is used for numeric symbols whose exchange is unknown.
const defaultMarketSuffix = ".T"

// PlaceholderSymbol is the manual symbol used when nothing better is known.
func PlaceholderSymbol(uic int64) string {
	return fmt.Sprintf("SAXO-%d", uic)
}

// resolveSymbol applies the fixed priority ISIN > resolved symbol > broker
// symbol > placeholder. Tickers lose their exchange part, numeric ones get a
// market suffix, and the result goes through the mapping table.
func (n *Normalizer) resolveSymbol(ctx context.Context, uic int64, assetType, rawSymbol, rawISIN string) resolvedSymbol {
	details, found := n.resolver.Resolve(ctx, uic, assetType)

	r := resolvedSymbol{currency: n.opts.Currency, original: strings.TrimSpace(rawSymbol)}
	if found && details.Currency != "" {
		r.currency = details.Currency
	}

	isin := strings.TrimSpace(rawISIN)
	if found && details.ISIN != "" {
		isin = details.ISIN
	}
	if isin != "" {
		r.symbol = isin
		r.source = domain.DataSourceYahoo
		return r
	}

	symbol, exchange := instrument.SplitSymbol(rawSymbol)
	if found && details.Symbol != "" {
		symbol = details.Symbol
		if details.Exchange != "" {
			exchange = details.Exchange
		}
		if r.original == "" {
			r.original = details.Symbol
		}
	}
	if symbol != "" {
		if isNumeric(symbol) {
			symbol += marketSuffix(exchange)
		}
		r.symbol = n.mapSymbol(symbol)
		r.source = domain.DataSourceYahoo
		return r
	}

	r.symbol = PlaceholderSymbol(uic)
	r.source = domain.DataSourceManual
	n.log.Warn("no symbol or ISIN for instrument, using placeholder",
		"uic", uic, "assetType", assetType, "placeholder", r.symbol)
	return r
}

func (n *Normalizer) mapSymbol(symbol string) string {
	if mapped, ok := n.opts.SymbolMapping[symbol]; ok && mapped != "" {
		return mapped
	}
	return symbol
}

func marketSuffix(exchange string) string {
	if s, ok := marketSuffixes[strings.ToLower(strings.TrimSpace(exchange))]; ok {
		return s
	}
	return defaultMarketSuffix
}

func isNumeric(s string) bool {
	if s == "" {
		return false
	}
	for _, r := range s {
		if r < '0' || r > '9' {
			return false
		}
	}
	return true
}
