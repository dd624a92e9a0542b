package broker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"golang.org/x/oauth2"

	"saxofolio/internal/domain"
	"saxofolio/internal/util"
)

// Compile-time interface check.
var _ Broker = (*SaxoBroker)(nil)

const (
	// DefaultRequestsPerMinute keeps a session below the OpenAPI per-session
	// request limit.
	DefaultRequestsPerMinute = 120

	defaultReadTimeout = 10 * time.Second
	maxErrorBody       = 512
	historyDateLayout  = "2006-01-02"
)

// APIError is returned for non-2xx responses from the OpenAPI gateway.
type APIError struct {
	StatusCode int
	Path       string
	Body       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("saxo %s: status %d: %s", e.Path, e.StatusCode, e.Body)
}

// SaxoBroker implements the Broker interface on top of the Saxo OpenAPI REST
// gateway. Every request carries the bearer token of the supplied token
// source and is paced by a rate limiter.
type SaxoBroker struct {
	baseURL    string
	httpClient *http.Client
	limiter    *util.RateLimiter
	timeout    time.Duration
	log        *slog.Logger
}

// NewSaxoBroker creates a SaxoBroker for the gateway at baseURL (for example
// "https://gateway.saxobank.com/sim/openapi") authenticated by src.
func NewSaxoBroker(baseURL string, src oauth2.TokenSource, log *slog.Logger) *SaxoBroker {
	if log == nil {
		log = slog.Default()
	}
	return &SaxoBroker{
		baseURL: strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{
			Transport: &oauth2.Transport{Source: src, Base: http.DefaultTransport},
		},
		limiter: util.NewRateLimiter(DefaultRequestsPerMinute),
		timeout: defaultReadTimeout,
		log:     log.With("component", "saxo"),
	}
}

// SetRateLimit replaces the request pacing. Zero disables it.
func (b *SaxoBroker) SetRateLimit(perMinute int) {
	b.limiter = util.NewRateLimiter(perMinute)
}

// Name returns "saxo".
func (b *SaxoBroker) Name() string {
	return "saxo"
}

// ---------------------------------------------------------------------------
// Wire types
// ---------------------------------------------------------------------------

// page is the envelope of list endpoints. Next is an absolute URL.
type page[T any] struct {
	Data []T    `json:"Data"`
	Next string `json:"__next"`
}

type accountDTO struct {
	AccountID   string `json:"AccountId"`
	AccountKey  string `json:"AccountKey"`
	ClientKey   string `json:"ClientKey"`
	AccountType string `json:"AccountType"`
	Currency    string `json:"Currency"`
}

func (a accountDTO) toDomain() domain.Account {
	return domain.Account{
		AccountID:   a.AccountID,
		AccountKey:  a.AccountKey,
		ClientKey:   a.ClientKey,
		AccountType: a.AccountType,
		Currency:    a.Currency,
	}
}

type balanceDTO struct {
	CashBalance decimal.Decimal `json:"CashBalance"`
	TotalValue  decimal.Decimal `json:"TotalValue"`
	Currency    string          `json:"Currency"`
}

type displayDTO struct {
	Symbol      string `json:"Symbol"`
	Isin        string `json:"Isin"`
	Currency    string `json:"Currency"`
	Description string `json:"Description"`
}

type openPositionDTO struct {
	PositionID   string `json:"PositionId"`
	PositionBase struct {
		Uic                     int64           `json:"Uic"`
		AssetType               string          `json:"AssetType"`
		Amount                  decimal.Decimal `json:"Amount"`
		OpenPrice               decimal.Decimal `json:"OpenPrice"`
		OpenPriceIncludingCosts decimal.Decimal `json:"OpenPriceIncludingCosts"`
		ExecutionTimeOpen       string          `json:"ExecutionTimeOpen"`
	} `json:"PositionBase"`
	DisplayAndFormat displayDTO `json:"DisplayAndFormat"`
}

type closedPositionDTO struct {
	ClosedPositionUniqueID string `json:"ClosedPositionUniqueId"`
	ClosedPosition         struct {
		Uic                int64           `json:"Uic"`
		AssetType          string          `json:"AssetType"`
		Amount             decimal.Decimal `json:"Amount"`
		BuyOrSell          string          `json:"BuyOrSell"`
		ClosingPrice       decimal.Decimal `json:"ClosingPrice"`
		CostClosing        decimal.Decimal `json:"CostClosing"`
		ExecutionTimeClose string          `json:"ExecutionTimeClose"`
	} `json:"ClosedPosition"`
	DisplayAndFormat displayDTO `json:"DisplayAndFormat"`
}

type historicalPositionDTO struct {
	Uic                int64           `json:"Uic"`
	AssetTypeOpen      string          `json:"AssetTypeOpen"`
	InstrumentSymbol   string          `json:"InstrumentSymbol"`
	Amount             decimal.Decimal `json:"Amount"`
	LongShort          string          `json:"LongShort"`
	OpenPrice          decimal.Decimal `json:"OpenPrice"`
	ClosePrice         decimal.Decimal `json:"ClosePrice"`
	ExecutionTimeOpen  string          `json:"ExecutionTimeOpen"`
	ExecutionTimeClose string          `json:"ExecutionTimeClose"`
}

type instrumentDTO struct {
	Uic          int64  `json:"Uic"`
	AssetType    string `json:"AssetType"`
	Symbol       string `json:"Symbol"`
	Isin         string `json:"Isin"`
	Description  string `json:"Description"`
	CurrencyCode string `json:"CurrencyCode"`
	Exchange     struct {
		ExchangeID string `json:"ExchangeId"`
	} `json:"Exchange"`
	ExchangeID string `json:"ExchangeId"`
}

// ---------------------------------------------------------------------------
// Broker implementation
// ---------------------------------------------------------------------------

// AccountDetails fetches GET /port/v1/accounts/{AccountKey}.
func (b *SaxoBroker) AccountDetails(ctx context.Context, accountKey string) (domain.Account, error) {
	var dto accountDTO
	u := b.endpoint("/port/v1/accounts/"+url.PathEscape(accountKey), nil)
	if err := b.get(ctx, u, &dto); err != nil {
		return domain.Account{}, fmt.Errorf("fetching account %s: %w", accountKey, err)
	}
	return dto.toDomain(), nil
}

// Accounts fetches GET /port/v1/accounts/me.
func (b *SaxoBroker) Accounts(ctx context.Context) ([]domain.Account, error) {
	dtos, err := fetchAll[accountDTO](ctx, b, b.endpoint("/port/v1/accounts/me", nil))
	if err != nil {
		return nil, fmt.Errorf("listing accounts: %w", err)
	}
	accounts := make([]domain.Account, 0, len(dtos))
	for _, d := range dtos {
		accounts = append(accounts, d.toDomain())
	}
	return accounts, nil
}

// Balance fetches GET /port/v1/balances scoped to the account.
func (b *SaxoBroker) Balance(ctx context.Context, account domain.Account) (domain.Balance, error) {
	q := url.Values{}
	if account.ClientKey != "" {
		q.Set("ClientKey", account.ClientKey)
	}
	if account.AccountKey != "" {
		q.Set("AccountKey", account.AccountKey)
	}
	var dto balanceDTO
	if err := b.get(ctx, b.endpoint("/port/v1/balances", q), &dto); err != nil {
		return domain.Balance{}, fmt.Errorf("fetching balance: %w", err)
	}
	return domain.Balance{
		Amount:     dto.CashBalance,
		TotalValue: dto.TotalValue,
		Currency:   dto.Currency,
	}, nil
}

// OpenPositions fetches GET /port/v1/positions.
func (b *SaxoBroker) OpenPositions(ctx context.Context, clientKey string) ([]domain.OpenPosition, error) {
	q := url.Values{
		"ClientKey":   {clientKey},
		"FieldGroups": {"PositionBase,DisplayAndFormat"},
	}
	dtos, err := fetchAll[openPositionDTO](ctx, b, b.endpoint("/port/v1/positions", q))
	if err != nil {
		return nil, fmt.Errorf("fetching open positions: %w", err)
	}
	out := make([]domain.OpenPosition, 0, len(dtos))
	for _, d := range dtos {
		out = append(out, domain.OpenPosition{
			PositionID:              d.PositionID,
			Uic:                     d.PositionBase.Uic,
			AssetType:               d.PositionBase.AssetType,
			Symbol:                  d.DisplayAndFormat.Symbol,
			Amount:                  d.PositionBase.Amount,
			OpenPrice:               d.PositionBase.OpenPrice,
			OpenPriceIncludingCosts: d.PositionBase.OpenPriceIncludingCosts,
			ExecutionTimeOpen:       d.PositionBase.ExecutionTimeOpen,
		})
	}
	return out, nil
}

// ClosedPositions fetches GET /port/v1/closedpositions.
func (b *SaxoBroker) ClosedPositions(ctx context.Context, clientKey string) ([]domain.ClosedPosition, error) {
	q := url.Values{
		"ClientKey":   {clientKey},
		"FieldGroups": {"ClosedPosition,DisplayAndFormat"},
	}
	dtos, err := fetchAll[closedPositionDTO](ctx, b, b.endpoint("/port/v1/closedpositions", q))
	if err != nil {
		return nil, fmt.Errorf("fetching closed positions: %w", err)
	}
	out := make([]domain.ClosedPosition, 0, len(dtos))
	for _, d := range dtos {
		out = append(out, domain.ClosedPosition{
			PositionID:         d.ClosedPositionUniqueID,
			Uic:                d.ClosedPosition.Uic,
			AssetType:          d.ClosedPosition.AssetType,
			Symbol:             d.DisplayAndFormat.Symbol,
			ISIN:               d.DisplayAndFormat.Isin,
			BuySell:            d.ClosedPosition.BuyOrSell,
			Amount:             d.ClosedPosition.Amount,
			ClosingPrice:       d.ClosedPosition.ClosingPrice,
			Cost:               d.ClosedPosition.CostClosing,
			ExecutionTimeClose: d.ClosedPosition.ExecutionTimeClose,
		})
	}
	return out, nil
}

// HistoricalPositions fetches the closed positions report for [from, to].
func (b *SaxoBroker) HistoricalPositions(ctx context.Context, clientKey string, from, to time.Time) ([]domain.HistoricalPosition, error) {
	path := fmt.Sprintf("/cs/v1/reports/closedPositions/%s/%s/%s",
		url.PathEscape(clientKey), from.Format(historyDateLayout), to.Format(historyDateLayout))
	dtos, err := fetchAll[historicalPositionDTO](ctx, b, b.endpoint(path, nil))
	if err != nil {
		return nil, fmt.Errorf("fetching historical positions: %w", err)
	}
	out := make([]domain.HistoricalPosition, 0, len(dtos))
	for _, d := range dtos {
		out = append(out, domain.HistoricalPosition{
			Uic:        d.Uic,
			AssetType:  d.AssetTypeOpen,
			Symbol:     d.InstrumentSymbol,
			Amount:     d.Amount,
			Long:       strings.EqualFold(d.LongShort, "Long"),
			OpenPrice:  d.OpenPrice,
			ClosePrice: d.ClosePrice,
			OpenTime:   d.ExecutionTimeOpen,
			CloseTime:  d.ExecutionTimeClose,
		})
	}
	return out, nil
}

// InstrumentDetails fetches GET /ref/v1/instruments/details for one
// instrument.
func (b *SaxoBroker) InstrumentDetails(ctx context.Context, uic int64, assetType string) ([]domain.InstrumentDetails, error) {
	q := url.Values{
		"Uics":       {strconv.FormatInt(uic, 10)},
		"AssetTypes": {assetType},
	}
	dtos, err := fetchAll[instrumentDTO](ctx, b, b.endpoint("/ref/v1/instruments/details", q))
	if err != nil {
		return nil, fmt.Errorf("fetching instrument %d/%s: %w", uic, assetType, err)
	}
	out := make([]domain.InstrumentDetails, 0, len(dtos))
	for _, d := range dtos {
		exchange := d.Exchange.ExchangeID
		if exchange == "" {
			exchange = d.ExchangeID
		}
		out = append(out, domain.InstrumentDetails{
			Uic:         d.Uic,
			AssetType:   d.AssetType,
			Symbol:      d.Symbol,
			ISIN:        d.Isin,
			Description: d.Description,
			Currency:    d.CurrencyCode,
			Exchange:    exchange,
		})
	}
	return out, nil
}

// ---------------------------------------------------------------------------
// Transport
// ---------------------------------------------------------------------------

func (b *SaxoBroker) endpoint(path string, q url.Values) string {
	u := b.baseURL + path
	if len(q) > 0 {
		u += "?" + q.Encode()
	}
	return u
}

// fetchAll follows __next links until the list is exhausted.
func fetchAll[T any](ctx context.Context, b *SaxoBroker, rawURL string) ([]T, error) {
	var all []T
	seen := make(map[string]bool)
	for rawURL != "" {
		if seen[rawURL] {
			return nil, fmt.Errorf("pagination loop at %s", rawURL)
		}
		seen[rawURL] = true

		var p page[T]
		if err := b.get(ctx, rawURL, &p); err != nil {
			return nil, err
		}
		all = append(all, p.Data...)
		rawURL = p.Next
	}
	return all, nil
}

// get issues one paced GET with the read timeout and decodes the JSON body
// into out. A 204 leaves out untouched.
func (b *SaxoBroker) get(ctx context.Context, rawURL string, out any) error {
	if err := b.limiter.Wait(ctx); err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(ctx, b.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return fmt.Errorf("creating request: %w", err)
	}
	req.Header.Set("Accept", "application/json")

	start := time.Now()
	resp, err := b.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("GET %s: %w", redactQuery(rawURL), err)
	}
	defer resp.Body.Close()

	b.log.Debug("request", "url", redactQuery(rawURL), "status", resp.StatusCode, "elapsed", time.Since(start))

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		return &APIError{StatusCode: resp.StatusCode, Path: req.URL.Path, Body: strings.TrimSpace(string(body))}
	}
	if resp.StatusCode == http.StatusNoContent {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil && !errors.Is(err, io.EOF) {
		return fmt.Errorf("decoding %s: %w", req.URL.Path, err)
	}
	return nil
}

func redactQuery(rawURL string) string {
	if i := strings.IndexByte(rawURL, '?'); i >= 0 {
		return rawURL[:i]
	}
	return rawURL
}
