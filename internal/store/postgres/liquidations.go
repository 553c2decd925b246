package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/rektwatch/rektwatch/internal/store"
)

// SaveLiquidation inserts one event. Invariant violations are rejected
// before touching the database.
func (s *Store) SaveLiquidation(ctx context.Context, ev store.Liquidation) error {
	if ev.Price <= 0 || ev.Quantity <= 0 {
		return store.ErrInvalidEvent
	}
	if !ev.Side.Valid() {
		return fmt.Errorf("unknown side %q: %w", ev.Side, store.ErrInvalidEvent)
	}

	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	query := `
		INSERT INTO liquidations (symbol, side, price, quantity, ts)
		VALUES ($1, $2, $3, $4, $5)`

	if _, err := s.db.ExecContext(ctx, query,
		ev.Symbol, string(ev.Side), ev.Price, ev.Quantity, ev.Time.UTC()); err != nil {
		return fmt.Errorf("insert liquidation: %w", err)
	}
	return nil
}

// LiquidationsBetween returns events for symbol in [from, to), time
// ascending.
func (s *Store) LiquidationsBetween(ctx context.Context, symbol string, from, to time.Time) ([]store.Liquidation, error) {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	query := `
		SELECT id, symbol, side, price, quantity, ts
		FROM liquidations
		WHERE symbol = $1 AND ts >= $2 AND ts < $3
		ORDER BY ts ASC`

	rows, err := s.db.QueryxContext(ctx, query, symbol, from.UTC(), to.UTC())
	if err != nil {
		return nil, fmt.Errorf("query liquidations for %s: %w", symbol, err)
	}
	defer rows.Close()

	return scanLiquidations(rows)
}

// OverallLiquidationsBetween returns events across all symbols in
// [from, to), time ascending.
func (s *Store) OverallLiquidationsBetween(ctx context.Context, from, to time.Time) ([]store.Liquidation, error) {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	query := `
		SELECT id, symbol, side, price, quantity, ts
		FROM liquidations
		WHERE ts >= $1 AND ts < $2
		ORDER BY ts ASC`

	rows, err := s.db.QueryxContext(ctx, query, from.UTC(), to.UTC())
	if err != nil {
		return nil, fmt.Errorf("query liquidations: %w", err)
	}
	defer rows.Close()

	return scanLiquidations(rows)
}

// DeleteLiquidationsBefore removes events with ts < t and reports the
// deleted count.
func (s *Store) DeleteLiquidationsBefore(ctx context.Context, t time.Time) (int64, error) {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	res, err := s.db.ExecContext(ctx, `DELETE FROM liquidations WHERE ts < $1`, t.UTC())
	if err != nil {
		return 0, fmt.Errorf("delete liquidations: %w", err)
	}

	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("rows affected: %w", err)
	}
	return n, nil
}

func scanLiquidations(rows *sqlx.Rows) ([]store.Liquidation, error) {
	var out []store.Liquidation
	for rows.Next() {
		var ev store.Liquidation
		var side string
		if err := rows.Scan(&ev.ID, &ev.Symbol, &side, &ev.Price, &ev.Quantity, &ev.Time); err != nil {
			return nil, fmt.Errorf("scan liquidation: %w", err)
		}
		ev.Side = store.Side(side)
		out = append(out, ev)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate liquidations: %w", err)
	}
	return out, nil
}
