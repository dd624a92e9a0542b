// Package dedup detects transactions that were already imported into the
// tracker by comparing the position key embedded in their comments.
package dedup

import (
	"log/slog"
	"regexp"

	"saxofolio/internal/domain"
)

// KeyPrefix introduces the deduplication key inside a transaction comment.
const KeyPrefix = "sourcePositionId="

// The token stops at the first comma or whitespace, so comment fields must be
// joined with one of those.
var keyPattern = regexp.MustCompile(`sourcePositionId=([^,\s]+)`)

// FormatKey renders key as a comment field.
func FormatKey(key string) string {
	return KeyPrefix + key
}

// ExtractKey returns the deduplication key embedded in comment.
func ExtractKey(comment string) (string, bool) {
	m := keyPattern.FindStringSubmatch(comment)
	if m == nil {
		return "", false
	}
	return m[1], true
}

// Deduplicator classifies candidate transactions against the ones already
// present in the tracker.
type Deduplicator struct {
	log *slog.Logger
}

// New returns a Deduplicator that reports data-quality warnings to log.
func New(log *slog.Logger) *Deduplicator {
	if log == nil {
		log = slog.Default()
	}
	return &Deduplicator{log: log.With("component", "dedup")}
}

// IsDuplicate reports whether candidate carries the same key as any of the
// existing transactions. A candidate without a key is never a duplicate.
func (d *Deduplicator) IsDuplicate(candidate domain.Transaction, existing []domain.Transaction) bool {
	key, ok := ExtractKey(candidate.Comment)
	if !ok {
		d.warnMissing(candidate)
		return false
	}
	for _, e := range existing {
		if k, ok := ExtractKey(e.Comment); ok && k == key {
			d.log.Debug("duplicate found", "key", key)
			return true
		}
	}
	return false
}

// Filter returns the candidates that are not yet in existing, in their
// original order, together with the number of skipped duplicates. Only the
// existing transactions are indexed: candidates sharing a key with each other
// are distinct trades and are all kept.
func (d *Deduplicator) Filter(candidates, existing []domain.Transaction) ([]domain.Transaction, int) {
	idx := NewIndex(existing)
	fresh := make([]domain.Transaction, 0, len(candidates))
	skipped := 0
	for _, c := range candidates {
		key, ok := ExtractKey(c.Comment)
		if !ok {
			d.warnMissing(c)
			fresh = append(fresh, c)
			continue
		}
		if idx.Contains(key) {
			d.log.Debug("skipping duplicate transaction", "key", key, "symbol", c.Symbol)
			skipped++
			continue
		}
		fresh = append(fresh, c)
	}
	return fresh, skipped
}

func (d *Deduplicator) warnMissing(tx domain.Transaction) {
	d.log.Warn("transaction has no position key, it cannot be deduplicated",
		"symbol", tx.Symbol, "date", tx.Date, "comment", tx.Comment)
}

// Index is a set of deduplication keys.
type Index struct {
	keys map[string]struct{}
}

// NewIndex collects the keys of txs. Transactions without a key are ignored.
func NewIndex(txs []domain.Transaction) *Index {
	idx := &Index{keys: make(map[string]struct{}, len(txs))}
	for _, tx := range txs {
		if k, ok := ExtractKey(tx.Comment); ok {
			idx.keys[k] = struct{}{}
		}
	}
	return idx
}

// Contains reports whether key is in the index.
func (idx *Index) Contains(key string) bool {
	_, ok := idx.keys[key]
	return ok
}

// Len returns the number of distinct keys.
func (idx *Index) Len() int { return len(idx.keys) }
