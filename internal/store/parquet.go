package store

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/parquet-go/parquet-go"

	"tradeledger/internal/domain"
)

// ParquetJournal archives fill records to Parquet files on disk for offline
// analysis. It supplements the SQLite trades table; the database remains the
// source of truth.
type ParquetJournal struct {
	DataDir string
}

// NewParquetJournal creates a journal rooted at the given data directory.
func NewParquetJournal(dataDir string) *ParquetJournal {
	return &ParquetJournal{DataDir: dataDir}
}

// FillRecord is the Parquet schema for archived fills.
type FillRecord struct {
	ID         string  `parquet:"id"`
	OrderID    string  `parquet:"order_id"`
	Symbol     string  `parquet:"symbol"`
	Side       string  `parquet:"side"`
	Qty        int64   `parquet:"qty"`
	Price      float64 `parquet:"price"`
	StrategyID string  `parquet:"strategy_id"`
	ExecutedAt int64   `parquet:"executed_at,timestamp(millisecond)"` // Unix ms
}

// Append writes trades to Parquet files organized by symbol and date.
// Re-appending the same trade id is a no-op (merge by id), so the journal is
// safe to call from a retried archival pass.
func (j *ParquetJournal) Append(_ context.Context, trades []domain.Trade) error {
	if len(trades) == 0 {
		return nil
	}

	type key struct {
		symbol string
		date   string // YYYY-MM-DD
	}
	groups := make(map[key][]FillRecord)
	for _, t := range trades {
		k := key{symbol: t.Symbol, date: t.ExecutedAt.UTC().Format("2006-01-02")}
		groups[k] = append(groups[k], FillRecord{
			ID:         t.ID,
			OrderID:    t.OrderID,
			Symbol:     t.Symbol,
			Side:       string(t.Side),
			Qty:        t.Qty,
			Price:      t.Price,
			StrategyID: t.StrategyID,
			ExecutedAt: t.ExecutedAt.UnixMilli(),
		})
	}

	for k, records := range groups {
		d, _ := time.Parse("2006-01-02", k.date)
		path := j.fillPath(k.symbol, d)

		existing, _ := readParquetFile[FillRecord](path)
		merged := mergeFillRecords(existing, records)

		if err := writeParquetFile(path, merged); err != nil {
			return fmt.Errorf("archiving fills for %s/%s: %w", k.symbol, k.date, err)
		}
	}
	return nil
}

// Read returns archived fills for the given symbol within [start, end].
func (j *ParquetJournal) Read(_ context.Context, symbol string, start, end time.Time) ([]domain.Trade, error) {
	var trades []domain.Trade
	for d := start.UTC().Truncate(24 * time.Hour); !d.After(end); d = d.AddDate(0, 0, 1) {
		path := j.fillPath(symbol, d)
		records, err := readParquetFile[FillRecord](path)
		if err != nil {
			// No file for this day.
			continue
		}
		for _, r := range records {
			ts := time.UnixMilli(r.ExecutedAt).UTC()
			if ts.Before(start) || ts.After(end) {
				continue
			}
			trades = append(trades, domain.Trade{
				ID:         r.ID,
				OrderID:    r.OrderID,
				Symbol:     r.Symbol,
				Side:       domain.Side(r.Side),
				Qty:        r.Qty,
				Price:      r.Price,
				StrategyID: r.StrategyID,
				ExecutedAt: ts,
			})
		}
	}
	return trades, nil
}

// fillPath returns the filesystem path for a fill Parquet file.
// Layout: <dataDir>/trades/<SYMBOL>/<YYYY-MM-DD>.parquet
func (j *ParquetJournal) fillPath(symbol string, t time.Time) string {
	date := t.Format("2006-01-02")
	return filepath.Join(j.DataDir, "trades", strings.ToUpper(symbol), date+".parquet")
}

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

// mergeFillRecords deduplicates fill records by id, preferring new records
// over existing ones. Results are sorted by execution time.
func mergeFillRecords(existing, incoming []FillRecord) []FillRecord {
	seen := make(map[string]FillRecord, len(existing)+len(incoming))
	for _, r := range existing {
		seen[r.ID] = r
	}
	for _, r := range incoming {
		seen[r.ID] = r
	}

	merged := make([]FillRecord, 0, len(seen))
	for _, r := range seen {
		merged = append(merged, r)
	}
	sort.Slice(merged, func(i, j int) bool {
		return merged[i].ExecutedAt < merged[j].ExecutedAt
	})
	return merged
}
