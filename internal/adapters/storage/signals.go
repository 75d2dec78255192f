package storage

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/hiiliketocode/polycopy/internal/domain"
)

// GetOpenSignals returns qualified signals within the recency window,
// oldest-first. The signals table is written by the upstream paper-trading
// pipeline (or the import helper below); this system only reads it.
func (s *SQLiteStorage) GetOpenSignals(ctx context.Context, since time.Time) ([]domain.Signal, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, market_id, outcome, side, price, size, ts, qualified
		FROM signals WHERE qualified=1 AND ts >= ? ORDER BY ts ASC`,
		since.UTC())
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []domain.Signal
	for rows.Next() {
		var sig domain.Signal
		var qualified int
		if err := rows.Scan(&sig.ID, &sig.MarketID, &sig.Outcome, &sig.Side,
			&sig.Price, &sig.Size, &sig.Timestamp, &qualified); err != nil {
			return nil, err
		}
		sig.Qualified = qualified != 0
		out = append(out, sig)
	}
	return out, rows.Err()
}

// SaveSignal upserts one signal row. Used by tests and the import helper.
func (s *SQLiteStorage) SaveSignal(ctx context.Context, sig domain.Signal) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT OR REPLACE INTO signals (id, market_id, outcome, side, price, size, ts, qualified)
		VALUES (?,?,?,?,?,?,?,?)`,
		sig.ID, sig.MarketID, sig.Outcome, sig.Side, sig.Price, sig.Size,
		sig.Timestamp.UTC(), boolToInt(sig.Qualified),
	)
	return err
}

// signalRecord is the JSON shape produced by the upstream export scripts.
type signalRecord struct {
	ID        string    `json:"id"`
	MarketID  string    `json:"market_id"`
	Outcome   string    `json:"outcome"`
	Side      string    `json:"side"`
	Price     float64   `json:"price"`
	Size      float64   `json:"size"`
	Timestamp time.Time `json:"timestamp"`
	Qualified bool      `json:"qualified"`
}

// ImportSignals loads signals from a JSON export file into the feed table.
// Operational backfill tool; existing ids are overwritten in place.
func (s *SQLiteStorage) ImportSignals(ctx context.Context, path string) (int, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return 0, fmt.Errorf("storage.ImportSignals: read %q: %w", path, err)
	}

	var records []signalRecord
	if err := json.Unmarshal(data, &records); err != nil {
		return 0, fmt.Errorf("storage.ImportSignals: parse %q: %w", path, err)
	}

	for _, r := range records {
		sig := domain.Signal{
			ID:        r.ID,
			MarketID:  r.MarketID,
			Outcome:   r.Outcome,
			Side:      r.Side,
			Price:     r.Price,
			Size:      r.Size,
			Timestamp: r.Timestamp,
			Qualified: r.Qualified,
		}
		if err := s.SaveSignal(ctx, sig); err != nil {
			return 0, fmt.Errorf("storage.ImportSignals: save %s: %w", r.ID, err)
		}
	}
	return len(records), nil
}
