package syncer

import (
	"context"
	"fmt"

	"github.com/Rhymond/go-money"
	"github.com/shopspring/decimal"

	"saxofolio/internal/domain"
	"saxofolio/pkg/ghostfolio"
)

// Platform registered in the tracker for accounts created by the syncer.
const (
	PlatformName = "Saxo Bank"
	PlatformURL  = "https://www.home.saxo"
)

// EnsureAccount returns the id of the tracker account named
// Options.AccountName, creating it with a zero balance when missing. The
// tracker must already be authenticated.
func (s *Syncer) EnsureAccount(ctx context.Context) (string, error) {
	if s.accountID != "" {
		return s.accountID, nil
	}

	accounts, err := s.tracker.Accounts(ctx)
	if err != nil {
		return "", err
	}
	for _, a := range accounts {
		if a.Name == s.opts.AccountName {
			s.log.Info("found tracker account", "name", a.Name, "id", a.ID)
			s.accountID = a.ID
			return a.ID, nil
		}
	}

	platformID, err := s.ensurePlatform(ctx)
	if err != nil {
		return "", err
	}
	s.log.Info("creating tracker account", "name", s.opts.AccountName, "currency", s.opts.Currency)
	acct, err := s.tracker.CreateAccount(ctx, ghostfolio.AccountInput{
		Name:       s.opts.AccountName,
		Currency:   s.opts.Currency,
		Balance:    decimal.Zero,
		PlatformID: platformID,
	})
	if err != nil {
		return "", err
	}
	if acct.ID == "" {
		return "", fmt.Errorf("tracker returned no id for account %q", s.opts.AccountName)
	}
	s.log.Info("created tracker account", "name", s.opts.AccountName, "id", acct.ID)
	s.accountID = acct.ID
	return acct.ID, nil
}

// ensurePlatform returns the configured platform id, or finds or creates the
// broker's platform by name.
func (s *Syncer) ensurePlatform(ctx context.Context) (string, error) {
	if s.platformID != "" {
		return s.platformID, nil
	}

	platforms, err := s.tracker.Platforms(ctx)
	if err != nil {
		return "", err
	}
	for _, p := range platforms {
		if p.Name == PlatformName {
			s.log.Info("found tracker platform", "name", p.Name, "id", p.ID)
			s.platformID = p.ID
			return p.ID, nil
		}
	}

	p, err := s.tracker.CreatePlatform(ctx, PlatformName, PlatformURL)
	if err != nil {
		return "", err
	}
	s.log.Info("created tracker platform", "name", PlatformName, "id", p.ID)
	s.platformID = p.ID
	return p.ID, nil
}

// DeleteAll authenticates, ensures the tracker account and removes all of
// its activities.
func (s *Syncer) DeleteAll(ctx context.Context) error {
	if err := s.tracker.Authenticate(ctx, s.opts.TrackerKey); err != nil {
		return &StageError{Stage: StageAuthenticate, Err: err}
	}
	id, err := s.EnsureAccount(ctx)
	if err != nil {
		return &StageError{Stage: StageEnsureAccount, Err: err}
	}
	if err := s.tracker.DeleteActivities(ctx, id); err != nil {
		return err
	}
	s.log.Info("deleted all activities", "account", s.opts.AccountName, "id", id)
	return nil
}

// ListActivities authenticates, ensures the tracker account and returns its
// activities.
func (s *Syncer) ListActivities(ctx context.Context) ([]domain.Transaction, error) {
	if err := s.tracker.Authenticate(ctx, s.opts.TrackerKey); err != nil {
		return nil, &StageError{Stage: StageAuthenticate, Err: err}
	}
	id, err := s.EnsureAccount(ctx)
	if err != nil {
		return nil, &StageError{Stage: StageEnsureAccount, Err: err}
	}
	txs, err := s.existing(ctx, id)
	if err != nil {
		return nil, &StageError{Stage: StageFetchExisting, Err: err}
	}
	return txs, nil
}

// FormatMoney renders amount in currency for display, for example
// "€1,234.56". Unknown currencies fall back to "<amount> <code>".
func FormatMoney(amount decimal.Decimal, currency string) string {
	cur := money.GetCurrency(currency)
	if cur == nil {
		return amount.StringFixed(2) + " " + currency
	}
	factor := decimal.New(1, int32(cur.Fraction))
	return money.New(amount.Mul(factor).Round(0).IntPart(), currency).Display()
}

func toActivity(tx domain.Transaction) ghostfolio.Activity {
	return ghostfolio.Activity{
		ID:         tx.ID,
		AccountID:  tx.AccountID,
		Symbol:     tx.Symbol,
		DataSource: string(tx.DataSource),
		Type:       string(tx.Direction),
		Date:       tx.Date,
		Quantity:   tx.Quantity,
		UnitPrice:  tx.UnitPrice,
		Fee:        tx.Fee,
		Currency:   tx.Currency,
		Comment:    tx.Comment,
	}
}

func fromActivity(a ghostfolio.Activity) domain.Transaction {
	return domain.Transaction{
		ID:         a.ID,
		AccountID:  a.AccountID,
		Symbol:     a.Symbol,
		DataSource: domain.DataSource(a.DataSource),
		Direction:  domain.Direction(a.Type),
		Date:       a.Date,
		Quantity:   a.Quantity,
		UnitPrice:  a.UnitPrice,
		Fee:        a.Fee,
		Currency:   a.Currency,
		Comment:    a.Comment,
	}
}
