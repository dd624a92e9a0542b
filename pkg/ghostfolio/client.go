// Package ghostfolio is a small client for the Ghostfolio REST API covering
// authentication, accounts, platforms and activities.
package ghostfolio

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// DefaultBaseURL is the hosted Ghostfolio instance.
const DefaultBaseURL = "https://ghostfol.io"

const (
	readTimeout  = 10 * time.Second
	writeTimeout = 30 * time.Second
	maxErrorBody = 512
)

// APIError is returned for non-2xx responses.
type APIError struct {
	StatusCode int
	Method     string
	Path       string
	Body       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("ghostfolio %s %s: status %d: %s", e.Method, e.Path, e.StatusCode, e.Body)
}

// ErrNotAuthenticated is returned by calls made before Authenticate.
var ErrNotAuthenticated = errors.New("ghostfolio client is not authenticated")

// Account is a Ghostfolio account.
type Account struct {
	ID         string          `json:"id"`
	Name       string          `json:"name"`
	Currency   string          `json:"currency"`
	Balance    decimal.Decimal `json:"balance"`
	PlatformID string          `json:"platformId"`
	IsExcluded bool            `json:"isExcluded"`
}

// AccountInput is the payload of account creation and update.
type AccountInput struct {
	Name       string
	Currency   string
	Balance    decimal.Decimal
	PlatformID string
	IsExcluded bool
}

type accountPayload struct {
	ID         string  `json:"id,omitempty"`
	Name       string  `json:"name"`
	Currency   string  `json:"currency"`
	Balance    float64 `json:"balance"`
	PlatformID *string `json:"platformId"`
	IsExcluded bool    `json:"isExcluded"`
}

func (in AccountInput) payload(id string) accountPayload {
	p := accountPayload{
		ID:         id,
		Name:       in.Name,
		Currency:   in.Currency,
		Balance:    in.Balance.InexactFloat64(),
		IsExcluded: in.IsExcluded,
	}
	if in.PlatformID != "" {
		p.PlatformID = &in.PlatformID
	}
	return p
}

// Platform is a broker or bank known to Ghostfolio.
type Platform struct {
	ID   string `json:"id"`
	Name string `json:"name"`
	URL  string `json:"url"`
}

// Activity is an order (buy, sell, fee...) recorded in Ghostfolio.
type Activity struct {
	ID         string
	AccountID  string
	Symbol     string
	DataSource string
	Type       string
	Date       time.Time
	Quantity   decimal.Decimal
	UnitPrice  decimal.Decimal
	Fee        decimal.Decimal
	Currency   string
	Comment    string
}

// importActivity is the wire shape accepted by POST /api/v1/import.
type importActivity struct {
	AccountID  string  `json:"accountId,omitempty"`
	Comment    string  `json:"comment,omitempty"`
	Currency   string  `json:"currency"`
	DataSource string  `json:"dataSource"`
	Date       string  `json:"date"`
	Fee        float64 `json:"fee"`
	Quantity   float64 `json:"quantity"`
	Symbol     string  `json:"symbol"`
	Type       string  `json:"type"`
	UnitPrice  float64 `json:"unitPrice"`
}

// orderDTO is one element of GET /api/v1/order.
type orderDTO struct {
	ID            string          `json:"id"`
	AccountID     string          `json:"accountId"`
	Comment       *string         `json:"comment"`
	Date          time.Time       `json:"date"`
	Fee           decimal.Decimal `json:"fee"`
	Quantity      decimal.Decimal `json:"quantity"`
	Type          string          `json:"type"`
	UnitPrice     decimal.Decimal `json:"unitPrice"`
	Currency      string          `json:"currency"`
	Symbol        string          `json:"symbol"`
	DataSource    string          `json:"dataSource"`
	SymbolProfile *struct {
		Symbol     string `json:"symbol"`
		DataSource string `json:"dataSource"`
		Currency   string `json:"currency"`
	} `json:"SymbolProfile"`
}

func (o orderDTO) activity() Activity {
	a := Activity{
		ID:         o.ID,
		AccountID:  o.AccountID,
		Symbol:     o.Symbol,
		DataSource: o.DataSource,
		Type:       o.Type,
		Date:       o.Date,
		Quantity:   o.Quantity,
		UnitPrice:  o.UnitPrice,
		Fee:        o.Fee,
		Currency:   o.Currency,
	}
	if o.Comment != nil {
		a.Comment = *o.Comment
	}
	if p := o.SymbolProfile; p != nil {
		if p.Symbol != "" {
			a.Symbol = p.Symbol
		}
		if p.DataSource != "" {
			a.DataSource = p.DataSource
		}
		if a.Currency == "" {
			a.Currency = p.Currency
		}
	}
	return a
}

// Client provides a Go SDK for the Ghostfolio API.
type Client struct {
	baseURL    string
	httpClient *http.Client
	authToken  string
}

// NewClient creates a new Ghostfolio API client for the instance at baseURL.
func NewClient(baseURL string) *Client {
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}
	return &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{},
	}
}

// Authenticate exchanges the user's security token for a bearer token used
// by every later call.
func (c *Client) Authenticate(ctx context.Context, accessToken string) error {
	var resp struct {
		AuthToken string `json:"authToken"`
	}
	body := map[string]string{"accessToken": accessToken}
	if err := c.do(ctx, http.MethodPost, "/api/v1/auth/anonymous", nil, body, &resp, readTimeout, false); err != nil {
		return fmt.Errorf("authenticating: %w", err)
	}
	if resp.AuthToken == "" {
		return errors.New("authenticating: empty auth token in response")
	}
	c.authToken = resp.AuthToken
	return nil
}

// Accounts lists the user's accounts.
func (c *Client) Accounts(ctx context.Context) ([]Account, error) {
	var resp struct {
		Accounts []Account `json:"accounts"`
	}
	if err := c.do(ctx, http.MethodGet, "/api/v1/account", nil, nil, &resp, readTimeout, true); err != nil {
		return nil, fmt.Errorf("listing accounts: %w", err)
	}
	return resp.Accounts, nil
}

// CreateAccount creates an account and returns it.
func (c *Client) CreateAccount(ctx context.Context, in AccountInput) (Account, error) {
	var acct Account
	if err := c.do(ctx, http.MethodPost, "/api/v1/account", nil, in.payload(""), &acct, readTimeout, true); err != nil {
		return Account{}, fmt.Errorf("creating account %q: %w", in.Name, err)
	}
	return acct, nil
}

// UpdateAccount replaces the editable fields of account id.
func (c *Client) UpdateAccount(ctx context.Context, id string, in AccountInput) error {
	path := "/api/v1/account/" + url.PathEscape(id)
	if err := c.do(ctx, http.MethodPut, path, nil, in.payload(id), nil, readTimeout, true); err != nil {
		return fmt.Errorf("updating account %s: %w", id, err)
	}
	return nil
}

// Platforms lists the known platforms. Both a bare array and a
// {"platforms": [...]} envelope are accepted.
func (c *Client) Platforms(ctx context.Context) ([]Platform, error) {
	var raw json.RawMessage
	if err := c.do(ctx, http.MethodGet, "/api/v1/platform", nil, nil, &raw, readTimeout, true); err != nil {
		return nil, fmt.Errorf("listing platforms: %w", err)
	}
	var platforms []Platform
	if err := json.Unmarshal(raw, &platforms); err == nil {
		return platforms, nil
	}
	var envelope struct {
		Platforms []Platform `json:"platforms"`
	}
	if err := json.Unmarshal(raw, &envelope); err != nil {
		return nil, fmt.Errorf("decoding platforms: %w", err)
	}
	return envelope.Platforms, nil
}

// CreatePlatform creates a platform and returns it.
func (c *Client) CreatePlatform(ctx context.Context, name, platformURL string) (Platform, error) {
	var p Platform
	body := map[string]string{"name": name, "url": platformURL}
	if err := c.do(ctx, http.MethodPost, "/api/v1/platform", nil, body, &p, readTimeout, true); err != nil {
		return Platform{}, fmt.Errorf("creating platform %q: %w", name, err)
	}
	return p, nil
}

// Activities returns every activity recorded for accountID.
func (c *Client) Activities(ctx context.Context, accountID string) ([]Activity, error) {
	var resp struct {
		Activities []orderDTO `json:"activities"`
	}
	q := url.Values{"accounts": {accountID}}
	if err := c.do(ctx, http.MethodGet, "/api/v1/order", q, nil, &resp, readTimeout, true); err != nil {
		return nil, fmt.Errorf("listing activities: %w", err)
	}
	out := make([]Activity, 0, len(resp.Activities))
	for _, o := range resp.Activities {
		out = append(out, o.activity())
	}
	return out, nil
}

// Import submits activities in a single request.
func (c *Client) Import(ctx context.Context, activities []Activity) error {
	payload := struct {
		Activities []importActivity `json:"activities"`
	}{Activities: make([]importActivity, 0, len(activities))}
	for _, a := range activities {
		payload.Activities = append(payload.Activities, importActivity{
			AccountID:  a.AccountID,
			Comment:    a.Comment,
			Currency:   a.Currency,
			DataSource: a.DataSource,
			Date:       a.Date.UTC().Format(time.RFC3339),
			Fee:        a.Fee.InexactFloat64(),
			Quantity:   a.Quantity.InexactFloat64(),
			Symbol:     a.Symbol,
			Type:       a.Type,
			UnitPrice:  a.UnitPrice.InexactFloat64(),
		})
	}
	if err := c.do(ctx, http.MethodPost, "/api/v1/import", nil, payload, nil, writeTimeout, true); err != nil {
		return fmt.Errorf("importing %d activities: %w", len(activities), err)
	}
	return nil
}

// DeleteActivities removes every activity of accountID.
func (c *Client) DeleteActivities(ctx context.Context, accountID string) error {
	q := url.Values{"accounts": {accountID}}
	if err := c.do(ctx, http.MethodDelete, "/api/v1/order", q, nil, nil, writeTimeout, true); err != nil {
		return fmt.Errorf("deleting activities: %w", err)
	}
	return nil
}

func (c *Client) do(ctx context.Context, method, path string, q url.Values, body, out any, timeout time.Duration, auth bool) error {
	if auth && c.authToken == "" {
		return ErrNotAuthenticated
	}

	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	u := c.baseURL + path
	if len(q) > 0 {
		u += "?" + q.Encode()
	}

	var reader io.Reader
	if body != nil {
		buf, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("encoding request: %w", err)
		}
		reader = bytes.NewReader(buf)
	}

	req, err := http.NewRequestWithContext(ctx, method, u, reader)
	if err != nil {
		return fmt.Errorf("creating request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if auth {
		req.Header.Set("Authorization", "Bearer "+c.authToken)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		b, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		return &APIError{StatusCode: resp.StatusCode, Method: method, Path: path, Body: strings.TrimSpace(string(b))}
	}
	if out == nil {
		io.Copy(io.Discard, resp.Body)
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decoding response: %w", err)
	}
	return nil
}
