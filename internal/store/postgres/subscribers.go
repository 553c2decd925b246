package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"github.com/lib/pq"

	"github.com/rektwatch/rektwatch/internal/store"
)

const subscriberColumns = `chat_id, first_name, username, tracked_symbols,
	notifications_enabled, report_interval_hours, min_liquidation_alert, created_at`

// FindOrCreateSubscriber returns the existing row or inserts one with
// defaults. When two creations race, the unique key rejects the loser,
// which then reads and returns the winner.
func (s *Store) FindOrCreateSubscriber(ctx context.Context, chatID int64, firstName, username string) (*store.Subscriber, error) {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	sub, err := s.getSubscriber(ctx, chatID)
	if err == nil {
		return sub, nil
	}
	if !errors.Is(err, store.ErrNotFound) {
		return nil, err
	}

	insert := fmt.Sprintf(`
		INSERT INTO subscribers (chat_id, first_name, username, tracked_symbols,
			notifications_enabled, report_interval_hours, min_liquidation_alert, created_at)
		VALUES ($1, $2, $3, '{}', TRUE, $4, $5, NOW())
		RETURNING %s`, subscriberColumns)

	row := s.db.QueryRowxContext(ctx, insert, chatID, firstName, username,
		store.DefaultReportIntervalHours, store.DefaultMinLiquidationAlert)

	sub, err = scanSubscriberRow(row)
	if err != nil {
		var pqErr *pq.Error
		if errors.As(err, &pqErr) && pqErr.Code == "23505" {
			// Lost the race; the winner's row is authoritative.
			return s.getSubscriber(ctx, chatID)
		}
		return nil, fmt.Errorf("insert subscriber %d: %w", chatID, err)
	}
	return sub, nil
}

// GetSubscriber returns the subscriber or store.ErrNotFound.
func (s *Store) GetSubscriber(ctx context.Context, chatID int64) (*store.Subscriber, error) {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()
	return s.getSubscriber(ctx, chatID)
}

func (s *Store) getSubscriber(ctx context.Context, chatID int64) (*store.Subscriber, error) {
	query := fmt.Sprintf(`SELECT %s FROM subscribers WHERE chat_id = $1`, subscriberColumns)

	sub, err := scanSubscriberRow(s.db.QueryRowxContext(ctx, query, chatID))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, store.ErrNotFound
		}
		return nil, fmt.Errorf("get subscriber %d: %w", chatID, err)
	}
	return sub, nil
}

// ToggleTrackedSymbol XORs symbol into the tracked set inside a
// transaction and returns the updated row.
func (s *Store) ToggleTrackedSymbol(ctx context.Context, chatID int64, symbol string) (*store.Subscriber, error) {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	symbol = strings.ToUpper(symbol)

	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin toggle: %w", err)
	}
	defer tx.Rollback()

	var current []string
	err = tx.QueryRowxContext(ctx,
		`SELECT tracked_symbols FROM subscribers WHERE chat_id = $1 FOR UPDATE`, chatID).
		Scan(pq.Array(&current))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, store.ErrNotFound
		}
		return nil, fmt.Errorf("lock subscriber %d: %w", chatID, err)
	}

	next := make([]string, 0, len(current)+1)
	found := false
	for _, t := range current {
		if t == symbol {
			found = true
			continue
		}
		next = append(next, t)
	}
	if !found {
		next = append(next, symbol)
	}

	update := fmt.Sprintf(`
		UPDATE subscribers SET tracked_symbols = $2 WHERE chat_id = $1
		RETURNING %s`, subscriberColumns)

	sub, err := scanSubscriberRow(tx.QueryRowxContext(ctx, update, chatID, pq.Array(next)))
	if err != nil {
		return nil, fmt.Errorf("update tracked symbols for %d: %w", chatID, err)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit toggle: %w", err)
	}
	return sub, nil
}

// SetTrackedSymbols replaces the whole tracked set.
func (s *Store) SetTrackedSymbols(ctx context.Context, chatID int64, symbols []string) error {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	upper := make([]string, len(symbols))
	for i, sym := range symbols {
		upper[i] = strings.ToUpper(sym)
	}

	res, err := s.db.ExecContext(ctx,
		`UPDATE subscribers SET tracked_symbols = $2 WHERE chat_id = $1`,
		chatID, pq.Array(upper))
	if err != nil {
		return fmt.Errorf("set tracked symbols for %d: %w", chatID, err)
	}
	return requireRow(res, chatID)
}

// SetNotifications sets the push flag and returns the updated row.
func (s *Store) SetNotifications(ctx context.Context, chatID int64, enabled bool) (*store.Subscriber, error) {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	query := fmt.Sprintf(`
		UPDATE subscribers SET notifications_enabled = $2 WHERE chat_id = $1
		RETURNING %s`, subscriberColumns)

	sub, err := scanSubscriberRow(s.db.QueryRowxContext(ctx, query, chatID, enabled))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, store.ErrNotFound
		}
		return nil, fmt.Errorf("set notifications for %d: %w", chatID, err)
	}
	return sub, nil
}

// ToggleNotifications flips the push flag and returns the updated row.
func (s *Store) ToggleNotifications(ctx context.Context, chatID int64) (*store.Subscriber, error) {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	query := fmt.Sprintf(`
		UPDATE subscribers SET notifications_enabled = NOT notifications_enabled
		WHERE chat_id = $1
		RETURNING %s`, subscriberColumns)

	sub, err := scanSubscriberRow(s.db.QueryRowxContext(ctx, query, chatID))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, store.ErrNotFound
		}
		return nil, fmt.Errorf("toggle notifications for %d: %w", chatID, err)
	}
	return sub, nil
}

// SetReportInterval updates the digest cadence.
func (s *Store) SetReportInterval(ctx context.Context, chatID int64, hours int) error {
	if !store.ValidReportInterval(hours) {
		return store.ErrInvalidInterval
	}

	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	res, err := s.db.ExecContext(ctx,
		`UPDATE subscribers SET report_interval_hours = $2 WHERE chat_id = $1`,
		chatID, hours)
	if err != nil {
		return fmt.Errorf("set report interval for %d: %w", chatID, err)
	}
	return requireRow(res, chatID)
}

// SetAlertThreshold updates the per-subscriber alert floor in USD.
func (s *Store) SetAlertThreshold(ctx context.Context, chatID int64, amount int64) error {
	if amount < 0 {
		return store.ErrInvalidThreshold
	}

	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	res, err := s.db.ExecContext(ctx,
		`UPDATE subscribers SET min_liquidation_alert = $2 WHERE chat_id = $1`,
		chatID, amount)
	if err != nil {
		return fmt.Errorf("set alert threshold for %d: %w", chatID, err)
	}
	return requireRow(res, chatID)
}

// SubscribersTracking returns enabled subscribers tracking symbol.
func (s *Store) SubscribersTracking(ctx context.Context, symbol string) ([]store.Subscriber, error) {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	query := fmt.Sprintf(`
		SELECT %s FROM subscribers
		WHERE notifications_enabled AND $1 = ANY(tracked_symbols)
		ORDER BY chat_id`, subscriberColumns)

	rows, err := s.db.QueryxContext(ctx, query, strings.ToUpper(symbol))
	if err != nil {
		return nil, fmt.Errorf("query subscribers tracking %s: %w", symbol, err)
	}
	defer rows.Close()

	return scanSubscribers(rows)
}

// ActiveSubscribers returns enabled subscribers with a non-empty tracked
// set.
func (s *Store) ActiveSubscribers(ctx context.Context) ([]store.Subscriber, error) {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	query := fmt.Sprintf(`
		SELECT %s FROM subscribers
		WHERE notifications_enabled AND COALESCE(array_length(tracked_symbols, 1), 0) > 0
		ORDER BY chat_id`, subscriberColumns)

	rows, err := s.db.QueryxContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("query active subscribers: %w", err)
	}
	defer rows.Close()

	return scanSubscribers(rows)
}

func requireRow(res sql.Result, chatID int64) error {
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected: %w", err)
	}
	if n == 0 {
		return store.ErrNotFound
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanSubscriberRow(row rowScanner) (*store.Subscriber, error) {
	var sub store.Subscriber
	err := row.Scan(
		&sub.ChatID, &sub.FirstName, &sub.Username, pq.Array(&sub.TrackedSymbols),
		&sub.NotificationsEnabled, &sub.ReportIntervalHours,
		&sub.MinLiquidationAlert, &sub.CreatedAt)
	if err != nil {
		return nil, err
	}
	return &sub, nil
}

func scanSubscribers(rows interface {
	rowScanner
	Next() bool
	Err() error
}) ([]store.Subscriber, error) {
	var out []store.Subscriber
	for rows.Next() {
		sub, err := scanSubscriberRow(rows)
		if err != nil {
			return nil, fmt.Errorf("scan subscriber: %w", err)
		}
		out = append(out, *sub)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate subscribers: %w", err)
	}
	return out, nil
}
