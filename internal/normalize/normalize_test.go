package normalize

import (
	"context"
	"io"
	"log/slog"
	"strings"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"saxofolio/internal/dedup"
	"saxofolio/internal/domain"
)

type fakeResolver map[int64]domain.InstrumentDetails

func (f fakeResolver) Resolve(_ context.Context, uic int64, _ string) (domain.InstrumentDetails, bool) {
	d, ok := f[uic]
	return d, ok
}

var fixedNow = time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)

func newTestNormalizer(r Resolver, mapping map[string]string) *Normalizer {
	return New(r, Options{
		AccountID:     "acc-1",
		Currency:      "EUR",
		SymbolMapping: mapping,
		Now:           func() time.Time { return fixedNow },
	}, slog.New(slog.NewTextHandler(io.Discard, nil)))
}

func dec(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func normalizeOne(t *testing.T, n *Normalizer, pos domain.RawPosition) domain.Transaction {
	t.Helper()
	txs, err := n.Normalize(context.Background(), pos)
	if err != nil {
		t.Fatalf("Normalize() error: %v", err)
	}
	if len(txs) != 1 {
		t.Fatalf("Normalize() returned %d transactions, want 1", len(txs))
	}
	return txs[0]
}

func TestNormalizeOpenPosition(t *testing.T) {
	n := newTestNormalizer(fakeResolver{
		211: {Symbol: "AAPL", Currency: "USD"},
	}, nil)

	tx := normalizeOne(t, n, domain.OpenPosition{
		PositionID:              "5012345678",
		Uic:                     211,
		AssetType:               "Stock",
		Symbol:                  "AAPL:xnas",
		Amount:                  dec("10"),
		OpenPrice:               dec("150.00"),
		OpenPriceIncludingCosts: dec("150.25"),
		ExecutionTimeOpen:       "2024-05-02T13:30:00.123Z",
	})

	if tx.Direction != domain.DirectionBuy {
		t.Errorf("Direction = %q, want BUY", tx.Direction)
	}
	if !tx.Quantity.Equal(dec("10")) {
		t.Errorf("Quantity = %s, want 10", tx.Quantity)
	}
	if !tx.UnitPrice.Equal(dec("150")) {
		t.Errorf("UnitPrice = %s, want 150", tx.UnitPrice)
	}
	if !tx.Fee.Equal(dec("2.5")) {
		t.Errorf("Fee = %s, want 2.5", tx.Fee)
	}
	if tx.Symbol != "AAPL" || tx.DataSource != domain.DataSourceYahoo {
		t.Errorf("Symbol = %q/%q, want AAPL/YAHOO", tx.Symbol, tx.DataSource)
	}
	if tx.Currency != "USD" {
		t.Errorf("Currency = %q, want USD", tx.Currency)
	}
	if tx.AccountID != "acc-1" {
		t.Errorf("AccountID = %q, want acc-1", tx.AccountID)
	}
	want := time.Date(2024, 5, 2, 13, 30, 0, 123000000, time.UTC)
	if !tx.Date.Equal(want) {
		t.Errorf("Date = %v, want %v", tx.Date, want)
	}
	if tx.Comment != "sourcePositionId=5012345678, uic=211, saxoSymbol=AAPL:xnas" {
		t.Errorf("Comment = %q", tx.Comment)
	}
}

func TestNormalizeOpenPositionShortStillBuys(t *testing.T) {
	n := newTestNormalizer(fakeResolver{}, nil)
	tx := normalizeOne(t, n, domain.OpenPosition{
		PositionID:              "1",
		Uic:                     5,
		Symbol:                  "TSLA:xnas",
		Amount:                  dec("-4"),
		OpenPrice:               dec("200"),
		OpenPriceIncludingCosts: dec("199.5"),
	})
	if tx.Direction != domain.DirectionBuy {
		t.Errorf("Direction = %q, want BUY", tx.Direction)
	}
	if !tx.Quantity.Equal(dec("4")) {
		t.Errorf("Quantity = %s, want 4", tx.Quantity)
	}
	if !tx.Fee.Equal(dec("2")) {
		t.Errorf("Fee = %s, want 2", tx.Fee)
	}
	if !tx.Date.Equal(fixedNow) {
		t.Errorf("Date = %v, want now %v", tx.Date, fixedNow)
	}
	if tx.Currency != "EUR" {
		t.Errorf("Currency = %q, want account currency EUR", tx.Currency)
	}
}

func TestNormalizeOpenPositionWithoutCostPrice(t *testing.T) {
	n := newTestNormalizer(fakeResolver{}, nil)
	tx := normalizeOne(t, n, domain.OpenPosition{
		PositionID: "1",
		Uic:        5,
		Symbol:     "TSLA",
		Amount:     dec("4"),
		OpenPrice:  dec("200"),
	})
	if !tx.Fee.IsZero() {
		t.Errorf("Fee = %s, want 0 when the cost-inclusive price is missing", tx.Fee)
	}
}

func TestNormalizeClosedPosition(t *testing.T) {
	n := newTestNormalizer(fakeResolver{}, nil)

	tests := []struct {
		buySell string
		want    domain.Direction
	}{
		{"Buy", domain.DirectionBuy},
		{"Sell", domain.DirectionSell},
		{"", domain.DirectionSell},
	}
	for _, tt := range tests {
		tx := normalizeOne(t, n, domain.ClosedPosition{
			PositionID:         "CP-1",
			Uic:                16,
			AssetType:          "Stock",
			Symbol:             "BMW:xetr",
			BuySell:            tt.buySell,
			Amount:             dec("-25"),
			ClosingPrice:       dec("98.10"),
			Cost:               dec("-7.5"),
			ExecutionTimeClose: "2024-06-10T09:00:00Z",
		})
		if tx.Direction != tt.want {
			t.Errorf("BuySell %q: Direction = %q, want %q", tt.buySell, tx.Direction, tt.want)
		}
		if !tx.Quantity.Equal(dec("25")) || !tx.Fee.Equal(dec("7.5")) || !tx.UnitPrice.Equal(dec("98.1")) {
			t.Errorf("amounts = %s @ %s fee %s, want 25 @ 98.1 fee 7.5", tx.Quantity, tx.UnitPrice, tx.Fee)
		}
		if tx.Symbol != "BMW" {
			t.Errorf("Symbol = %q, want BMW", tx.Symbol)
		}
	}
}

func TestNormalizeClosedPositionBrokerISIN(t *testing.T) {
	n := newTestNormalizer(fakeResolver{}, nil)
	tx := normalizeOne(t, n, domain.ClosedPosition{
		PositionID: "CP-2",
		Uic:        16,
		Symbol:     "BMW:xetr",
		ISIN:       "DE0005190003",
		BuySell:    "Sell",
		Amount:     dec("1"),
	})
	if tx.Symbol != "DE0005190003" {
		t.Errorf("Symbol = %q, want broker ISIN", tx.Symbol)
	}
}

func TestNormalizeMissingPositionID(t *testing.T) {
	n := newTestNormalizer(fakeResolver{}, nil)
	for _, pos := range []domain.RawPosition{
		domain.OpenPosition{Uic: 1, Symbol: "X"},
		domain.ClosedPosition{Uic: 1, Symbol: "X"},
	} {
		txs, err := n.Normalize(context.Background(), pos)
		if err == nil {
			t.Errorf("%T without id: expected error", pos)
		}
		if len(txs) != 0 {
			t.Errorf("%T without id: got %d transactions, want 0", pos, len(txs))
		}
	}
}

func TestNormalizeMalformedTimestamp(t *testing.T) {
	n := newTestNormalizer(fakeResolver{}, nil)
	txs, err := n.Normalize(context.Background(), domain.ClosedPosition{
		PositionID:         "CP-3",
		Uic:                1,
		Symbol:             "X",
		ExecutionTimeClose: "yesterday",
	})
	if err == nil || len(txs) != 0 {
		t.Errorf("Normalize() = (%d txs, %v), want (0, error)", len(txs), err)
	}
}

func TestNormalizeHistoricalRoundTrip(t *testing.T) {
	n := newTestNormalizer(fakeResolver{
		211: {Symbol: "AAPL", Currency: "USD"},
	}, nil)

	for _, long := range []bool{true, false} {
		txs, err := n.Normalize(context.Background(), domain.HistoricalPosition{
			Uic:        211,
			AssetType:  "Stock",
			Symbol:     "AAPL:xnas",
			Amount:     dec("-3"),
			Long:       long,
			OpenPrice:  dec("100"),
			ClosePrice: dec("110"),
			OpenTime:   "2024-01-02T10:00:00Z",
			CloseTime:  "2024-02-01T15:30:00Z",
		})
		if err != nil {
			t.Fatalf("Normalize() error: %v", err)
		}
		if len(txs) != 2 {
			t.Fatalf("long=%v: got %d transactions, want 2", long, len(txs))
		}
		open, closing := txs[0], txs[1]

		wantOpen := domain.DirectionBuy
		if !long {
			wantOpen = domain.DirectionSell
		}
		if open.Direction != wantOpen || closing.Direction != wantOpen.Opposite() {
			t.Errorf("long=%v: directions = %s/%s, want %s/%s", long, open.Direction, closing.Direction, wantOpen, wantOpen.Opposite())
		}
		if !open.UnitPrice.Equal(dec("100")) || !closing.UnitPrice.Equal(dec("110")) {
			t.Errorf("prices = %s/%s, want 100/110", open.UnitPrice, closing.UnitPrice)
		}
		if !open.Quantity.Equal(dec("3")) || !closing.Quantity.Equal(dec("3")) {
			t.Errorf("quantities = %s/%s, want 3/3", open.Quantity, closing.Quantity)
		}
		if !open.Fee.IsZero() || !closing.Fee.IsZero() {
			t.Errorf("fees = %s/%s, want 0/0", open.Fee, closing.Fee)
		}

		root := HistoricalKey(211, "2024-01-02T10:00:00Z", "2024-02-01T15:30:00Z")
		openKey, _ := dedup.ExtractKey(open.Comment)
		closeKey, _ := dedup.ExtractKey(closing.Comment)
		if !strings.HasPrefix(openKey, root) || !strings.HasPrefix(closeKey, root) {
			t.Errorf("keys %q/%q do not share root %q", openKey, closeKey, root)
		}
		if openKey == closeKey {
			t.Errorf("both legs share key %q", openKey)
		}
		if !strings.HasSuffix(open.Comment, "leg=OPEN") || !strings.HasSuffix(closing.Comment, "leg=CLOSE") {
			t.Errorf("comments missing leg markers: %q / %q", open.Comment, closing.Comment)
		}
	}
}

func TestNormalizeHistoricalMissingLeg(t *testing.T) {
	n := newTestNormalizer(fakeResolver{}, nil)
	ctx := context.Background()

	txs, err := n.Normalize(ctx, domain.HistoricalPosition{
		Uic: 7, Symbol: "X", Amount: dec("1"), Long: true, OpenTime: "2024-01-02",
	})
	if err != nil || len(txs) != 1 {
		t.Fatalf("open-only: got (%d, %v), want (1, nil)", len(txs), err)
	}
	if txs[0].Direction != domain.DirectionBuy || !strings.Contains(txs[0].Comment, "leg=OPEN") {
		t.Errorf("open-only leg = %s %q", txs[0].Direction, txs[0].Comment)
	}

	txs, err = n.Normalize(ctx, domain.HistoricalPosition{Uic: 7, Symbol: "X"})
	if err != nil || len(txs) != 0 {
		t.Errorf("no timestamps: got (%d, %v), want (0, nil)", len(txs), err)
	}
}

func TestNormalizeHistoricalKeyStable(t *testing.T) {
	n := newTestNormalizer(fakeResolver{}, nil)
	pos := domain.HistoricalPosition{
		Uic: 7, Symbol: "X", Amount: dec("1"), Long: true,
		OpenTime: "2024-01-02T10:00:00Z", CloseTime: "2024-01-03T10:00:00Z",
	}
	a, _ := n.Normalize(context.Background(), pos)
	b, _ := n.Normalize(context.Background(), pos)
	for i := range a {
		if a[i].Comment != b[i].Comment {
			t.Errorf("comment %d changed between runs: %q vs %q", i, a[i].Comment, b[i].Comment)
		}
	}
}

func TestSymbolPriority(t *testing.T) {
	tests := []struct {
		name       string
		resolver   fakeResolver
		rawSymbol  string
		mapping    map[string]string
		wantSymbol string
		wantSource domain.DataSource
	}{
		{
			name:       "isin wins over everything",
			resolver:   fakeResolver{1: {Symbol: "AAPL", ISIN: "US0378331005"}},
			rawSymbol:  "SOMETHING:else",
			mapping:    map[string]string{"AAPL": "APC.DE"},
			wantSymbol: "US0378331005",
			wantSource: domain.DataSourceYahoo,
		},
		{
			name:       "resolved symbol before raw symbol",
			resolver:   fakeResolver{1: {Symbol: "NOVO-B"}},
			rawSymbol:  "NOVOB:xcse",
			wantSymbol: "NOVO-B",
			wantSource: domain.DataSourceYahoo,
		},
		{
			name:       "raw symbol when lookup misses",
			resolver:   fakeResolver{},
			rawSymbol:  "VWRL:xams",
			wantSymbol: "VWRL",
			wantSource: domain.DataSourceYahoo,
		},
		{
			name:       "mapping applies to stripped symbol",
			resolver:   fakeResolver{},
			rawSymbol:  "VWRL:xams",
			mapping:    map[string]string{"VWRL": "VWRL.AS"},
			wantSymbol: "VWRL.AS",
			wantSource: domain.DataSourceYahoo,
		},
		{
			name:       "numeric symbol gets market suffix",
			resolver:   fakeResolver{1: {Symbol: "7203"}},
			wantSymbol: "7203.T",
			wantSource: domain.DataSourceYahoo,
		},
		{
			name:       "numeric symbol uses exchange suffix",
			resolver:   fakeResolver{1: {Symbol: "0700", Exchange: "HKEX"}},
			wantSymbol: "0700.HK",
			wantSource: domain.DataSourceYahoo,
		},
		{
			name:       "numeric raw symbol uses its exchange code",
			resolver:   fakeResolver{},
			rawSymbol:  "600519:xshg",
			wantSymbol: "600519.SS",
			wantSource: domain.DataSourceYahoo,
		},
		{
			name:       "mapping runs after numeric suffix",
			resolver:   fakeResolver{1: {Symbol: "7203"}},
			mapping:    map[string]string{"7203.T": "TM"},
			wantSymbol: "TM",
			wantSource: domain.DataSourceYahoo,
		},
		{
			name:       "placeholder when nothing is known",
			resolver:   fakeResolver{},
			wantSymbol: "SAXO-1",
			wantSource: domain.DataSourceManual,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			n := newTestNormalizer(tt.resolver, tt.mapping)
			tx := normalizeOne(t, n, domain.OpenPosition{
				PositionID: "P", Uic: 1, AssetType: "Stock", Symbol: tt.rawSymbol, Amount: dec("1"),
			})
			if tx.Symbol != tt.wantSymbol || tx.DataSource != tt.wantSource {
				t.Errorf("symbol = %q/%q, want %q/%q", tx.Symbol, tx.DataSource, tt.wantSymbol, tt.wantSource)
			}
		})
	}
}

func TestFallbackSymbolComment(t *testing.T) {
	n := newTestNormalizer(fakeResolver{}, nil)
	tx := normalizeOne(t, n, domain.OpenPosition{PositionID: "P9", Uic: 4242, AssetType: "Bond", Amount: dec("1")})
	if tx.Symbol != PlaceholderSymbol(4242) || tx.DataSource != domain.DataSourceManual {
		t.Errorf("symbol = %q/%q, want placeholder/MANUAL", tx.Symbol, tx.DataSource)
	}
	if tx.Comment != "sourcePositionId=P9, uic=4242" {
		t.Errorf("Comment = %q", tx.Comment)
	}
}

func TestQuantityNeverNegative(t *testing.T) {
	n := newTestNormalizer(fakeResolver{}, nil)
	positions := []domain.RawPosition{
		domain.OpenPosition{PositionID: "a", Uic: 1, Symbol: "X", Amount: dec("-5")},
		domain.ClosedPosition{PositionID: "b", Uic: 1, Symbol: "X", Amount: dec("-5"), BuySell: "Buy"},
		domain.HistoricalPosition{Uic: 1, Symbol: "X", Amount: dec("-5"), OpenTime: "2024-01-01", CloseTime: "2024-01-05"},
	}
	for _, pos := range positions {
		txs, err := n.Normalize(context.Background(), pos)
		if err != nil {
			t.Fatalf("Normalize(%T) error: %v", pos, err)
		}
		for _, tx := range txs {
			if tx.Quantity.IsNegative() {
				t.Errorf("%T produced negative quantity %s", pos, tx.Quantity)
			}
		}
	}
}

func TestNormalizeHistoricalOpenLegKeyFollowsClose(t *testing.T) {
	n := newTestNormalizer(fakeResolver{}, nil)
	ctx := context.Background()
	pos := domain.HistoricalPosition{
		Uic: 7, Symbol: "X", Amount: dec("1"), Long: true, OpenTime: "2024-01-02T10:00:00Z",
	}

	before, err := n.Normalize(ctx, pos)
	if err != nil || len(before) != 1 {
		t.Fatalf("open-only: got (%d, %v), want (1, nil)", len(before), err)
	}
	pos.CloseTime = "2024-01-03T10:00:00Z"
	after, err := n.Normalize(ctx, pos)
	if err != nil || len(after) != 2 {
		t.Fatalf("round trip: got (%d, %v), want (2, nil)", len(after), err)
	}

	// The OPEN key embeds the close time, so closing the position re-keys
	// the OPEN leg.
	wantBefore := "sourcePositionId=" + LegKey(HistoricalKey(7, pos.OpenTime, ""), domain.LegOpen) + ","
	wantAfter := "sourcePositionId=" + LegKey(HistoricalKey(7, pos.OpenTime, pos.CloseTime), domain.LegOpen) + ","
	if !strings.HasPrefix(before[0].Comment, wantBefore) {
		t.Errorf("open-only comment = %q, want prefix %q", before[0].Comment, wantBefore)
	}
	if !strings.HasPrefix(after[0].Comment, wantAfter) {
		t.Errorf("round-trip OPEN comment = %q, want prefix %q", after[0].Comment, wantAfter)
	}
}
