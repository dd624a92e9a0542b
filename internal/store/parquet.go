package store

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/parquet-go/parquet-go"
	"github.com/shopspring/decimal"

	"saxofolio/internal/dedup"
	"saxofolio/internal/domain"
)

// Compile-time interface check.
var _ ActivityStore = (*ParquetStore)(nil)

// ParquetStore implements ActivityStore using one Parquet file per account.
type ParquetStore struct {
	DataDir string
}

// NewParquetStore creates a new ParquetStore rooted at the given data directory.
func NewParquetStore(dataDir string) *ParquetStore {
	return &ParquetStore{DataDir: dataDir}
}

// ---------------------------------------------------------------------------
// Parquet record types (on-disk schema)
// ---------------------------------------------------------------------------

// ActivityRecord is the Parquet schema for a tracker activity.
type ActivityRecord struct {
	ID         string  `parquet:"id"`
	AccountID  string  `parquet:"account_id"`
	Symbol     string  `parquet:"symbol"`
	DataSource string  `parquet:"data_source"`
	Type       string  `parquet:"type"`
	Timestamp  int64   `parquet:"timestamp,timestamp(millisecond)"` // Unix ms
	Quantity   float64 `parquet:"quantity"`
	UnitPrice  float64 `parquet:"unit_price"`
	Fee        float64 `parquet:"fee"`
	Currency   string  `parquet:"currency"`
	Comment    string  `parquet:"comment"`
	SourceKey  string  `parquet:"source_key"`
}

func toRecord(tx domain.Transaction) ActivityRecord {
	key, _ := dedup.ExtractKey(tx.Comment)
	return ActivityRecord{
		ID:         tx.ID,
		AccountID:  tx.AccountID,
		Symbol:     tx.Symbol,
		DataSource: string(tx.DataSource),
		Type:       string(tx.Direction),
		Timestamp:  tx.Date.UnixMilli(),
		Quantity:   tx.Quantity.InexactFloat64(),
		UnitPrice:  tx.UnitPrice.InexactFloat64(),
		Fee:        tx.Fee.InexactFloat64(),
		Currency:   tx.Currency,
		Comment:    tx.Comment,
		SourceKey:  key,
	}
}

func (r ActivityRecord) toDomain() domain.Transaction {
	return domain.Transaction{
		ID:         r.ID,
		AccountID:  r.AccountID,
		Symbol:     r.Symbol,
		DataSource: domain.DataSource(r.DataSource),
		Direction:  domain.Direction(r.Type),
		Date:       time.UnixMilli(r.Timestamp).UTC(),
		Quantity:   decimal.NewFromFloat(r.Quantity),
		UnitPrice:  decimal.NewFromFloat(r.UnitPrice),
		Fee:        decimal.NewFromFloat(r.Fee),
		Currency:   r.Currency,
		Comment:    r.Comment,
	}
}

// ---------------------------------------------------------------------------
// ActivityStore implementation
// ---------------------------------------------------------------------------

// WriteActivities merges txs into the account's snapshot at:
//
//	<DataDir>/activities/<accountID>.parquet
func (s *ParquetStore) WriteActivities(_ context.Context, accountID string, txs []domain.Transaction) error {
	if len(txs) == 0 {
		return nil
	}
	records := make([]ActivityRecord, 0, len(txs))
	for _, tx := range txs {
		records = append(records, toRecord(tx))
	}

	path := s.activityPath(accountID)
	existing, err := readParquetFile[ActivityRecord](path)
	if err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("reading activities for %s: %w", accountID, err)
	}
	merged := mergeActivityRecords(existing, records)

	if err := writeParquetFile(path, merged); err != nil {
		return fmt.Errorf("writing activities for %s: %w", accountID, err)
	}
	return nil
}

// ReadActivities reads the account's snapshot. A missing file yields no
// activities.
func (s *ParquetStore) ReadActivities(_ context.Context, accountID string) ([]domain.Transaction, error) {
	records, err := readParquetFile[ActivityRecord](s.activityPath(accountID))
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("reading activities for %s: %w", accountID, err)
	}
	txs := make([]domain.Transaction, 0, len(records))
	for _, r := range records {
		txs = append(txs, r.toDomain())
	}
	return txs, nil
}

func (s *ParquetStore) activityPath(accountID string) string {
	name := strings.NewReplacer("/", "_", string(filepath.Separator), "_").Replace(accountID)
	return filepath.Join(s.DataDir, "activities", name+".parquet")
}

// ---------------------------------------------------------------------------
// Parquet file helpers
// ---------------------------------------------------------------------------

func writeParquetFile[T any](path string, records []T) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	return parquet.WriteFile(path, records)
}

func readParquetFile[T any](path string) ([]T, error) {
	rows, err := parquet.ReadFile[T](path)
	if err != nil {
		return nil, err
	}
	return rows, nil
}

// mergeActivityRecords deduplicates by tracker id, falling back to the source
// key for records that have none, preferring new records over existing ones.
// Results are sorted by timestamp.
func mergeActivityRecords(existing, incoming []ActivityRecord) []ActivityRecord {
	key := func(r ActivityRecord) string {
		if r.ID != "" {
			return "id:" + r.ID
		}
		if r.SourceKey != "" {
			return "key:" + r.SourceKey
		}
		return fmt.Sprintf("raw:%s|%d|%s", r.Symbol, r.Timestamp, r.Type)
	}
	seen := make(map[string]ActivityRecord, len(existing)+len(incoming))
	for _, r := range existing {
		seen[key(r)] = r
	}
	for _, r := range incoming {
		seen[key(r)] = r
	}

	merged := make([]ActivityRecord, 0, len(seen))
	for _, r := range seen {
		merged = append(merged, r)
	}
	sort.Slice(merged, func(i, j int) bool {
		if merged[i].Timestamp != merged[j].Timestamp {
			return merged[i].Timestamp < merged[j].Timestamp
		}
		return merged[i].ID < merged[j].ID
	})
	return merged
}
