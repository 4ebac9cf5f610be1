package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
)

// Lookup returns the broker description stored for alias. Aliases are
// matched case-insensitively.
func (s *Store) Lookup(ctx context.Context, alias string) (string, bool, error) {
	var desc string
	err := s.db.QueryRowContext(ctx,
		`SELECT description FROM symbols WHERE alias = ? COLLATE NOCASE`,
		strings.TrimSpace(alias),
	).Scan(&desc)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return "", false, nil
		}
		return "", false, fmt.Errorf("sqlite lookup %s: %w", alias, err)
	}
	return desc, true, nil
}

// All returns the whole directory.
func (s *Store) All(ctx context.Context) (map[string]string, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT alias, description FROM symbols ORDER BY alias`)
	if err != nil {
		return nil, fmt.Errorf("sqlite query symbols: %w", err)
	}
	defer rows.Close()

	out := make(map[string]string)
	for rows.Next() {
		var alias, desc string
		if err := rows.Scan(&alias, &desc); err != nil {
			return nil, fmt.Errorf("sqlite scan symbols: %w", err)
		}
		out[alias] = desc
	}
	return out, rows.Err()
}

// RecentTicks returns up to limit journaled ticks for symbol, newest last.
// Values come back JSON-decoded (numbers as float64, structs as maps).
func (s *Store) RecentTicks(ctx context.Context, symbol string, limit int) ([]TickRecord, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT symbol, field, ts, value FROM (
			SELECT rowid, symbol, field, ts, value
			FROM ticks
			WHERE symbol = ?
			ORDER BY ts DESC, rowid DESC
			LIMIT ?
		) ORDER BY ts ASC, rowid ASC
	`, symbol, limit)
	if err != nil {
		return nil, fmt.Errorf("sqlite query ticks: %w", err)
	}
	defer rows.Close()

	var out []TickRecord
	for rows.Next() {
		var (
			r   TickRecord
			ts  int64
			raw string
		)
		if err := rows.Scan(&r.Symbol, &r.Field, &ts, &raw); err != nil {
			return nil, fmt.Errorf("sqlite scan ticks: %w", err)
		}
		r.TS = time.UnixMilli(ts)
		if err := json.Unmarshal([]byte(raw), &r.Value); err != nil {
			return nil, fmt.Errorf("decode tick %s.%s: %w", r.Symbol, r.Field, err)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}
