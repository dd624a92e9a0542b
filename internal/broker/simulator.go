package broker

import (
	"context"
	"sync"
	"time"

	"saxofolio/internal/domain"
)

// Compile-time interface check.
var _ Broker = (*SimulatorBroker)(nil)

// SimulatorBroker implements the Broker interface in memory. It serves a fixed
// account, balance, position set and instrument catalogue, and can be told to
// fail individual methods. It makes no external calls.
type SimulatorBroker struct {
	mu          sync.Mutex
	account     domain.Account
	balance     domain.Balance
	open        []domain.OpenPosition
	closed      []domain.ClosedPosition
	historical  []domain.HistoricalPosition
	instruments map[int64][]domain.InstrumentDetails
	failures    map[string]error
	calls       map[string]int
}

// NewSimulatorBroker creates a SimulatorBroker serving account.
func NewSimulatorBroker(account domain.Account) *SimulatorBroker {
	return &SimulatorBroker{
		account:     account,
		instruments: make(map[int64][]domain.InstrumentDetails),
		failures:    make(map[string]error),
		calls:       make(map[string]int),
	}
}

// Name returns "simulator".
func (b *SimulatorBroker) Name() string {
	return "simulator"
}

// SetBalance sets the balance returned by Balance.
func (b *SimulatorBroker) SetBalance(bal domain.Balance) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.balance = bal
}

// AddPositions appends positions to the matching list.
func (b *SimulatorBroker) AddPositions(positions ...domain.RawPosition) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, p := range positions {
		switch p := p.(type) {
		case domain.OpenPosition:
			b.open = append(b.open, p)
		case domain.ClosedPosition:
			b.closed = append(b.closed, p)
		case domain.HistoricalPosition:
			b.historical = append(b.historical, p)
		}
	}
}

// AddInstrument registers reference data for d.Uic.
func (b *SimulatorBroker) AddInstrument(d domain.InstrumentDetails) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.instruments[d.Uic] = append(b.instruments[d.Uic], d)
}

// FailOn makes the named method return err from now on.
func (b *SimulatorBroker) FailOn(method string, err error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.failures[method] = err
}

// Calls returns how many times the named method was invoked.
func (b *SimulatorBroker) Calls(method string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.calls[method]
}

func (b *SimulatorBroker) enter(method string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.calls[method]++
	return b.failures[method]
}

// AccountDetails returns the simulated account.
func (b *SimulatorBroker) AccountDetails(_ context.Context, accountKey string) (domain.Account, error) {
	if err := b.enter("AccountDetails"); err != nil {
		return domain.Account{}, err
	}
	acct := b.account
	if acct.AccountKey == "" {
		acct.AccountKey = accountKey
	}
	return acct, nil
}

// Accounts returns the simulated account as the only one.
func (b *SimulatorBroker) Accounts(_ context.Context) ([]domain.Account, error) {
	if err := b.enter("Accounts"); err != nil {
		return nil, err
	}
	return []domain.Account{b.account}, nil
}

// Balance returns the balance set with SetBalance.
func (b *SimulatorBroker) Balance(_ context.Context, _ domain.Account) (domain.Balance, error) {
	if err := b.enter("Balance"); err != nil {
		return domain.Balance{}, err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.balance, nil
}

// OpenPositions returns a copy of the simulated open positions.
func (b *SimulatorBroker) OpenPositions(_ context.Context, _ string) ([]domain.OpenPosition, error) {
	if err := b.enter("OpenPositions"); err != nil {
		return nil, err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]domain.OpenPosition(nil), b.open...), nil
}

// ClosedPositions returns a copy of the simulated closed positions.
func (b *SimulatorBroker) ClosedPositions(_ context.Context, _ string) ([]domain.ClosedPosition, error) {
	if err := b.enter("ClosedPositions"); err != nil {
		return nil, err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]domain.ClosedPosition(nil), b.closed...), nil
}

// HistoricalPositions returns a copy of the simulated round trips. The date
// range is not applied.
func (b *SimulatorBroker) HistoricalPositions(_ context.Context, _ string, _, _ time.Time) ([]domain.HistoricalPosition, error) {
	if err := b.enter("HistoricalPositions"); err != nil {
		return nil, err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]domain.HistoricalPosition(nil), b.historical...), nil
}

// InstrumentDetails returns the registered records for uic.
func (b *SimulatorBroker) InstrumentDetails(_ context.Context, uic int64, _ string) ([]domain.InstrumentDetails, error) {
	if err := b.enter("InstrumentDetails"); err != nil {
		return nil, err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]domain.InstrumentDetails(nil), b.instruments[uic]...), nil
}
