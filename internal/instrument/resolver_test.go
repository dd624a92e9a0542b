package instrument

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"

	"saxofolio/internal/domain"
)

type fakeLookup struct {
	calls   map[string]int
	records map[int64][]domain.InstrumentDetails
	errs    map[int64]error
}

func (f *fakeLookup) InstrumentDetails(ctx context.Context, uic int64, assetType string) ([]domain.InstrumentDetails, error) {
	if f.calls == nil {
		f.calls = make(map[string]int)
	}
	f.calls[cacheKey(uic, assetType)]++
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if err := f.errs[uic]; err != nil {
		return nil, err
	}
	return f.records[uic], nil
}

func newTestResolver(f *fakeLookup) *Resolver {
	return NewResolver(f, slog.New(slog.NewTextHandler(io.Discard, nil)))
}

func TestResolveStripsExchange(t *testing.T) {
	f := &fakeLookup{records: map[int64][]domain.InstrumentDetails{
		211: {
			{Symbol: "AAPL:xnas", ISIN: "US0378331005", Description: "Apple Inc.", Currency: "USD"},
			{Symbol: "IGNORED:xxx"},
		},
	}}
	r := newTestResolver(f)

	d, ok := r.Resolve(context.Background(), 211, "Stock")
	if !ok {
		t.Fatal("Resolve() found = false, want true")
	}
	if d.Symbol != "AAPL" {
		t.Errorf("Symbol = %q, want %q", d.Symbol, "AAPL")
	}
	if d.ISIN != "US0378331005" {
		t.Errorf("ISIN = %q, want %q", d.ISIN, "US0378331005")
	}
	if d.Currency != "USD" {
		t.Errorf("Currency = %q, want %q", d.Currency, "USD")
	}
	if d.Exchange != "xnas" {
		t.Errorf("Exchange = %q, want exchange code from symbol %q", d.Exchange, "xnas")
	}
	if d.Uic != 211 || d.AssetType != "Stock" {
		t.Errorf("key = (%d, %q), want (211, %q)", d.Uic, d.AssetType, "Stock")
	}
}

func TestResolveCachesHits(t *testing.T) {
	f := &fakeLookup{records: map[int64][]domain.InstrumentDetails{
		211: {{Symbol: "AAPL:xnas", Exchange: "NASDAQ"}},
	}}
	r := newTestResolver(f)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		d, ok := r.Resolve(ctx, 211, "Stock")
		if !ok || d.Exchange != "NASDAQ" {
			t.Fatalf("Resolve() = (%+v, %v)", d, ok)
		}
	}
	if got := f.calls["211/Stock"]; got != 1 {
		t.Errorf("lookup calls = %d, want 1", got)
	}

	// Same Uic under another asset type is a different key.
	r.Resolve(ctx, 211, "CfdOnStock")
	if got := f.calls["211/CfdOnStock"]; got != 1 {
		t.Errorf("lookup calls for CfdOnStock = %d, want 1", got)
	}
	if r.Len() != 2 {
		t.Errorf("Len() = %d, want 2", r.Len())
	}
}

func TestResolveCachesMisses(t *testing.T) {
	f := &fakeLookup{
		errs: map[int64]error{99: errors.New("gateway timeout")},
	}
	r := newTestResolver(f)
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		if _, ok := r.Resolve(ctx, 99, "Stock"); ok {
			t.Error("Resolve() of failing lookup found = true, want false")
		}
		if _, ok := r.Resolve(ctx, 100, "Stock"); ok {
			t.Error("Resolve() of empty lookup found = true, want false")
		}
	}
	if f.calls["99/Stock"] != 1 || f.calls["100/Stock"] != 1 {
		t.Errorf("lookup calls = %v, want one per key", f.calls)
	}
}

func TestSplitSymbol(t *testing.T) {
	tests := []struct {
		in, symbol, exchange string
	}{
		{"AAPL:xnas", "AAPL", "xnas"},
		{"7203:xtks", "7203", "xtks"},
		{"EURUSD", "EURUSD", ""},
		{" BMW:xetr ", "BMW", "xetr"},
		{"A:B:C", "A", "B:C"},
		{"", "", ""},
	}
	for _, tt := range tests {
		sym, ex := SplitSymbol(tt.in)
		if sym != tt.symbol || ex != tt.exchange {
			t.Errorf("SplitSymbol(%q) = (%q, %q), want (%q, %q)", tt.in, sym, ex, tt.symbol, tt.exchange)
		}
	}
	if got := StripExchange("NOVO-B:xcse"); got != "NOVO-B" {
		t.Errorf("StripExchange() = %q, want %q", got, "NOVO-B")
	}
}

func TestResolveDoesNotCacheCancelledLookup(t *testing.T) {
	f := &fakeLookup{records: map[int64][]domain.InstrumentDetails{
		211: {{Symbol: "AAPL:xnas"}},
	}}
	r := newTestResolver(f)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, ok := r.Resolve(ctx, 211, "Stock"); ok {
		t.Fatal("Resolve() with cancelled context found = true, want false")
	}
	if r.Len() != 0 {
		t.Errorf("Len() after cancelled lookup = %d, want 0", r.Len())
	}

	d, ok := r.Resolve(context.Background(), 211, "Stock")
	if !ok || d.Symbol != "AAPL" {
		t.Errorf("Resolve() after cancel = (%+v, %v), want AAPL", d, ok)
	}
	if got := f.calls["211/Stock"]; got != 2 {
		t.Errorf("lookup calls = %d, want 2", got)
	}
}
