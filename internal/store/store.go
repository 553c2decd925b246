// Package store defines the persisted data model and the persistence
// contract: immutable liquidation events and mutable subscriber records.
package store

import (
	"context"
	"errors"
	"time"
)

// Side identifies which position a forced order closed.
type Side string

const (
	// SideLong means a long position was liquidated (upstream SELL order).
	SideLong Side = "long"
	// SideShort means a short position was liquidated (upstream BUY order).
	SideShort Side = "short"
)

// Label returns the human form used in rendered messages.
func (s Side) Label() string {
	if s == SideShort {
		return "Short"
	}
	return "Long"
}

// Valid reports whether s is one of the two known sides.
func (s Side) Valid() bool {
	return s == SideLong || s == SideShort
}

// Liquidation is one forced-liquidation event. Events are append-only;
// there is no update path.
type Liquidation struct {
	ID       int64     `db:"id"`
	Symbol   string    `db:"symbol"`
	Side     Side      `db:"side"`
	Price    float64   `db:"price"`
	Quantity float64   `db:"quantity"`
	Time     time.Time `db:"ts"`
}

// Notional is the USD value of the event. Derived, never stored.
func (l Liquidation) Notional() float64 {
	return l.Price * l.Quantity
}

// Subscriber is a downstream alert recipient keyed by chat id.
type Subscriber struct {
	ChatID               int64     `db:"chat_id"`
	FirstName            string    `db:"first_name"`
	Username             string    `db:"username"`
	TrackedSymbols       []string  `db:"tracked_symbols"`
	NotificationsEnabled bool      `db:"notifications_enabled"`
	ReportIntervalHours  int       `db:"report_interval_hours"`
	MinLiquidationAlert  int64     `db:"min_liquidation_alert"`
	CreatedAt            time.Time `db:"created_at"`
}

// Tracks reports whether the subscriber follows the given venue symbol.
func (s *Subscriber) Tracks(symbol string) bool {
	for _, t := range s.TrackedSymbols {
		if t == symbol {
			return true
		}
	}
	return false
}

// Subscriber defaults applied on first contact.
const (
	DefaultReportIntervalHours = 4
	DefaultMinLiquidationAlert = 10_000
)

// reportIntervals are the accepted digest cadences in hours.
var reportIntervals = map[int]bool{1: true, 4: true, 12: true, 24: true}

// ValidReportInterval reports whether hours is an accepted digest cadence.
func ValidReportInterval(hours int) bool {
	return reportIntervals[hours]
}

var (
	// ErrNotFound means no subscriber exists for the chat id.
	ErrNotFound = errors.New("subscriber not found")
	// ErrInvalidInterval rejects report cadences outside {1,4,12,24}.
	ErrInvalidInterval = errors.New("report interval must be 1, 4, 12 or 24 hours")
	// ErrInvalidThreshold rejects negative alert thresholds.
	ErrInvalidThreshold = errors.New("alert threshold must be >= 0")
	// ErrInvalidEvent rejects events violating price/quantity invariants.
	ErrInvalidEvent = errors.New("liquidation must have positive price and quantity")
)

// Store is the persistence contract. Implementations must be safe for
// concurrent use.
type Store interface {
	// SaveLiquidation inserts one event. Ingest treats failures as
	// log-and-drop; the error is returned for that decision, not retried.
	SaveLiquidation(ctx context.Context, ev Liquidation) error

	// LiquidationsBetween returns events for symbol in the half-open
	// window [from, to), ordered by time ascending.
	LiquidationsBetween(ctx context.Context, symbol string, from, to time.Time) ([]Liquidation, error)

	// OverallLiquidationsBetween returns events across all symbols in
	// [from, to), ordered by time ascending.
	OverallLiquidationsBetween(ctx context.Context, from, to time.Time) ([]Liquidation, error)

	// DeleteLiquidationsBefore removes events older than t and reports
	// how many were deleted.
	DeleteLiquidationsBefore(ctx context.Context, t time.Time) (int64, error)

	// FindOrCreateSubscriber returns the existing subscriber or inserts
	// one with defaults. A concurrent duplicate insert resolves to the
	// winning row.
	FindOrCreateSubscriber(ctx context.Context, chatID int64, firstName, username string) (*Subscriber, error)

	// GetSubscriber returns the subscriber or ErrNotFound.
	GetSubscriber(ctx context.Context, chatID int64) (*Subscriber, error)

	// ToggleTrackedSymbol XORs symbol into the tracked set and returns
	// the updated row.
	ToggleTrackedSymbol(ctx context.Context, chatID int64, symbol string) (*Subscriber, error)

	// SetTrackedSymbols replaces the whole tracked set.
	SetTrackedSymbols(ctx context.Context, chatID int64, symbols []string) error

	// SetNotifications sets the push flag and returns the updated row.
	SetNotifications(ctx context.Context, chatID int64, enabled bool) (*Subscriber, error)

	// ToggleNotifications flips the push flag and returns the updated row.
	ToggleNotifications(ctx context.Context, chatID int64) (*Subscriber, error)

	// SetReportInterval updates the digest cadence; hours outside
	// {1,4,12,24} fail with ErrInvalidInterval.
	SetReportInterval(ctx context.Context, chatID int64, hours int) error

	// SetAlertThreshold updates the per-subscriber alert floor in USD.
	SetAlertThreshold(ctx context.Context, chatID int64, amount int64) error

	// SubscribersTracking returns enabled subscribers tracking symbol.
	SubscribersTracking(ctx context.Context, symbol string) ([]Subscriber, error)

	// ActiveSubscribers returns enabled subscribers with a non-empty
	// tracked set.
	ActiveSubscribers(ctx context.Context) ([]Subscriber, error)

	// Ping verifies connectivity for health checks.
	Ping(ctx context.Context) error

	Close() error
}
