// Package syncer runs one synchronization of a broker account into the
// tracker: it fetches positions, normalizes and deduplicates them, imports
// the new transactions in ordered chunks and mirrors the cash balance.
package syncer

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/google/uuid"

	"saxofolio/internal/broker"
	"saxofolio/internal/dedup"
	"saxofolio/internal/domain"
	"saxofolio/internal/instrument"
	"saxofolio/internal/normalize"
	"saxofolio/pkg/ghostfolio"
)

// DefaultChunkSize is the number of activities sent per import request.
const DefaultChunkSize = 10

// DefaultHistoryDays is how far back historical round trips are fetched.
const DefaultHistoryDays = 365

// Stage names a step of a run.
type Stage string

const (
	StageAuthenticate   Stage = "authenticate"
	StageEnsureAccount  Stage = "ensure-account"
	StageFetchPositions Stage = "fetch-positions"
	StageFetchExisting  Stage = "fetch-existing"
	StageImport         Stage = "import"
	StageFetchBalance   Stage = "fetch-balance"
	StageUpdateBalance  Stage = "update-balance"
)

// StageError reports the stage at which a run was aborted.
type StageError struct {
	Stage Stage
	Err   error
}

func (e *StageError) Error() string {
	return fmt.Sprintf("%s: %v", e.Stage, e.Err)
}

func (e *StageError) Unwrap() error { return e.Err }

// Tracker is the subset of the tracking-service API used by the syncer.
type Tracker interface {
	Authenticate(ctx context.Context, accessToken string) error
	Accounts(ctx context.Context) ([]ghostfolio.Account, error)
	CreateAccount(ctx context.Context, in ghostfolio.AccountInput) (ghostfolio.Account, error)
	UpdateAccount(ctx context.Context, id string, in ghostfolio.AccountInput) error
	Platforms(ctx context.Context) ([]ghostfolio.Platform, error)
	CreatePlatform(ctx context.Context, name, url string) (ghostfolio.Platform, error)
	Activities(ctx context.Context, accountID string) ([]ghostfolio.Activity, error)
	Import(ctx context.Context, activities []ghostfolio.Activity) error
	DeleteActivities(ctx context.Context, accountID string) error
}

// Compile-time interface check.
var _ Tracker = (*ghostfolio.Client)(nil)

// TokenProvider supplies a valid broker access token.
type TokenProvider interface {
	ValidToken(ctx context.Context) (string, error)
}

// Options configures a Syncer.
type Options struct {
	AccountKey    string            // broker account key
	TrackerKey    string            // tracker security token
	AccountName   string            // tracker account display name
	Currency      string            // tracker account currency
	PlatformID    string            // optional tracker platform id
	SymbolMapping map[string]string // exact-match symbol overrides
	HistoryDays   int
	ChunkSize     int
	Now           func() time.Time
}

// Result summarizes a run.
type Result struct {
	RunID        string
	AccountID    string
	Positions    int
	Transactions int
	Failed       int
	Overlaps     int // historical legs already reported as open or closed positions
	Duplicates   int
	Imported     int
	Chunks       int
	Balance      domain.Balance
}

// Syncer mirrors one broker account into one tracker account.
type Syncer struct {
	broker  broker.Broker
	tracker Tracker
	tokens  TokenProvider
	opts    Options
	log     *slog.Logger

	accountID  string
	platformID string
}

// New creates a Syncer. tokens may be nil when the broker needs no session,
// and b may be nil when only DeleteAll or ListActivities is used.
func New(b broker.Broker, t Tracker, tokens TokenProvider, opts Options, log *slog.Logger) *Syncer {
	if opts.ChunkSize <= 0 {
		opts.ChunkSize = DefaultChunkSize
	}
	if opts.HistoryDays <= 0 {
		opts.HistoryDays = DefaultHistoryDays
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if log == nil {
		log = slog.Default()
	}
	return &Syncer{
		broker:     b,
		tracker:    t,
		tokens:     tokens,
		opts:       opts,
		log:        log.With("component", "syncer"),
		platformID: opts.PlatformID,
	}
}

// Run performs one synchronization. Stages run strictly in order and the
// first failing stage aborts the run with a *StageError. Per-position and
// per-instrument problems are logged and do not abort.
func (s *Syncer) Run(ctx context.Context) (Result, error) {
	res := Result{RunID: uuid.NewString()}
	log := s.log.With("run", res.RunID)
	start := time.Now()
	log.Info("starting sync", "broker", s.broker.Name(), "account", s.opts.AccountName)

	fail := func(stage Stage, err error) (Result, error) {
		log.Error("sync failed", "stage", stage, "error", err)
		return res, &StageError{Stage: stage, Err: err}
	}

	if err := s.authenticate(ctx); err != nil {
		return fail(StageAuthenticate, err)
	}

	account, err := s.broker.AccountDetails(ctx, s.opts.AccountKey)
	if err != nil {
		return fail(StageEnsureAccount, err)
	}
	log.Info("syncing broker account", "accountId", account.AccountID)
	if res.AccountID, err = s.EnsureAccount(ctx); err != nil {
		return fail(StageEnsureAccount, err)
	}

	positions, err := s.fetchPositions(ctx, account)
	if err != nil {
		return fail(StageFetchPositions, err)
	}
	res.Positions = len(positions)

	if len(positions) == 0 {
		log.Info("no positions found")
	} else {
		candidates, failed, overlaps := s.normalizeAll(ctx, log, res.AccountID, positions)
		res.Transactions, res.Failed, res.Overlaps = len(candidates), failed, overlaps

		existing, err := s.existing(ctx, res.AccountID)
		if err != nil {
			return fail(StageFetchExisting, err)
		}

		fresh, skipped := dedup.New(log).Filter(candidates, existing)
		res.Duplicates = skipped
		log.Info("deduplicated transactions", "new", len(fresh), "duplicates", skipped, "existing", len(existing))

		imported, chunks, err := s.importChunks(ctx, log, fresh)
		res.Imported, res.Chunks = imported, chunks
		if err != nil {
			return fail(StageImport, err)
		}
	}

	bal, err := s.broker.Balance(ctx, account)
	if err != nil {
		return fail(StageFetchBalance, err)
	}
	res.Balance = bal
	if err := s.updateBalance(ctx, log, res.AccountID, bal); err != nil {
		return fail(StageUpdateBalance, err)
	}

	log.Info("sync completed",
		"positions", res.Positions,
		"transactions", res.Transactions,
		"failed", res.Failed,
		"overlaps", res.Overlaps,
		"duplicates", res.Duplicates,
		"imported", res.Imported,
		"elapsed", time.Since(start).Round(time.Millisecond))
	return res, nil
}

func (s *Syncer) authenticate(ctx context.Context) error {
	if s.tokens != nil {
		if _, err := s.tokens.ValidToken(ctx); err != nil {
			return fmt.Errorf("broker session: %w", err)
		}
	}
	if err := s.tracker.Authenticate(ctx, s.opts.TrackerKey); err != nil {
		return fmt.Errorf("tracker: %w", err)
	}
	return nil
}

func (s *Syncer) fetchPositions(ctx context.Context, account domain.Account) ([]domain.RawPosition, error) {
	open, err := s.broker.OpenPositions(ctx, account.ClientKey)
	if err != nil {
		return nil, err
	}
	closed, err := s.broker.ClosedPositions(ctx, account.ClientKey)
	if err != nil {
		return nil, err
	}
	now := s.opts.Now()
	from := now.AddDate(0, 0, -s.opts.HistoryDays)
	historical, err := s.broker.HistoricalPositions(ctx, account.ClientKey, from, now)
	if err != nil {
		return nil, err
	}

	s.log.Info("fetched positions", "open", len(open), "closed", len(closed), "historical", len(historical))

	positions := make([]domain.RawPosition, 0, len(open)+len(closed)+len(historical))
	for _, p := range open {
		positions = append(positions, p)
	}
	for _, p := range closed {
		positions = append(positions, p)
	}
	for _, p := range historical {
		positions = append(positions, p)
	}
	return positions, nil
}

// normalizeAll converts every position with a run-scoped resolver. Failing
// positions are logged and counted. A historical leg that matches a
// transaction from an open or closed position (same instrument, side, time
// and quantity) is the same execution reported twice and is dropped in favour
// of the position record.
func (s *Syncer) normalizeAll(ctx context.Context, log *slog.Logger, accountID string, positions []domain.RawPosition) (txs []domain.Transaction, failed, overlaps int) {
	resolver := instrument.NewResolver(s.broker, log)
	n := normalize.New(resolver, normalize.Options{
		AccountID:     accountID,
		Currency:      s.opts.Currency,
		SymbolMapping: s.opts.SymbolMapping,
		Now:           s.opts.Now,
	}, log)

	type leg struct {
		uic int64
		tx  domain.Transaction
	}
	var legs []leg
	executions := make(map[string]struct{})

	for _, pos := range positions {
		out, err := n.Normalize(ctx, pos)
		if err != nil {
			failed++
			log.Warn("skipping position", "error", err, "position", fmt.Sprintf("%+v", pos))
			continue
		}
		uic, _ := pos.Instrument()
		if _, ok := pos.(domain.HistoricalPosition); ok {
			for _, tx := range out {
				legs = append(legs, leg{uic: uic, tx: tx})
			}
			continue
		}
		for _, tx := range out {
			executions[executionKey(uic, tx)] = struct{}{}
		}
		txs = append(txs, out...)
	}

	for _, l := range legs {
		if _, ok := executions[executionKey(l.uic, l.tx)]; ok {
			overlaps++
			log.Debug("dropping historical leg reported as a position", "uic", l.uic, "date", l.tx.Date, "comment", l.tx.Comment)
			continue
		}
		txs = append(txs, l.tx)
	}

	log.Info("normalized positions", "transactions", len(txs), "failed", failed, "overlaps", overlaps, "instruments", resolver.Len())
	return txs, failed, overlaps
}

// executionKey identifies a fill independently of the endpoint that
// reported it.
func executionKey(uic int64, tx domain.Transaction) string {
	return fmt.Sprintf("%d|%s|%s|%s", uic, tx.Direction, tx.Date.UTC().Format(time.RFC3339Nano), tx.Quantity.String())
}

func (s *Syncer) existing(ctx context.Context, accountID string) ([]domain.Transaction, error) {
	acts, err := s.tracker.Activities(ctx, accountID)
	if err != nil {
		return nil, err
	}
	txs := make([]domain.Transaction, 0, len(acts))
	for _, a := range acts {
		txs = append(txs, fromActivity(a))
	}
	return txs, nil
}

// importChunks sends txs oldest first in chunks of ChunkSize. On failure the
// chunks already acknowledged stay imported and the rest is abandoned.
func (s *Syncer) importChunks(ctx context.Context, log *slog.Logger, txs []domain.Transaction) (imported, chunks int, err error) {
	if len(txs) == 0 {
		log.Info("no new transactions to import")
		return 0, 0, nil
	}

	sorted := append([]domain.Transaction(nil), txs...)
	sort.SliceStable(sorted, func(i, j int) bool {
		return sorted[i].Date.Before(sorted[j].Date)
	})

	for start := 0; start < len(sorted); start += s.opts.ChunkSize {
		end := min(start+s.opts.ChunkSize, len(sorted))
		chunk := make([]ghostfolio.Activity, 0, end-start)
		for _, tx := range sorted[start:end] {
			chunk = append(chunk, toActivity(tx))
		}
		if err := s.tracker.Import(ctx, chunk); err != nil {
			return imported, chunks, fmt.Errorf("chunk %d: %w", chunks+1, err)
		}
		chunks++
		imported += len(chunk)
		log.Info("imported chunk", "chunk", chunks, "size", len(chunk), "total", imported, "of", len(sorted))
	}
	return imported, chunks, nil
}

func (s *Syncer) updateBalance(ctx context.Context, log *slog.Logger, accountID string, bal domain.Balance) error {
	if bal.Currency != "" && bal.Currency != s.opts.Currency {
		log.Warn("broker balance currency differs from tracker account currency, amount is not converted",
			"brokerCurrency", bal.Currency, "accountCurrency", s.opts.Currency)
	}
	platformID, err := s.ensurePlatform(ctx)
	if err != nil {
		return err
	}
	err = s.tracker.UpdateAccount(ctx, accountID, ghostfolio.AccountInput{
		Name:       s.opts.AccountName,
		Currency:   s.opts.Currency,
		Balance:    bal.Amount,
		PlatformID: platformID,
	})
	if err != nil {
		return err
	}
	log.Info("updated account balance", "balance", FormatMoney(bal.Amount, s.opts.Currency))
	return nil
}
