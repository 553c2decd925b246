package ingest

import (
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/rektwatch/rektwatch/internal/store"
)

var errNotForceOrder = errors.New("not a forceOrder event")

// combinedFrame is the envelope the combined-stream endpoint wraps
// every payload in.
type combinedFrame struct {
	Stream string          `json:"stream"`
	Data   json.RawMessage `json:"data"`
}

type forceOrderEvent struct {
	Type  string     `json:"e"`
	Time  int64      `json:"E"`
	Order forceOrder `json:"o"`
}

// forceOrder carries the order fields we keep. Prices and quantities
// arrive as strings.
type forceOrder struct {
	Symbol   string `json:"s"`
	Side     string `json:"S"`
	Price    string `json:"p"`
	Quantity string `json:"q"`
	TradedAt int64  `json:"T"`
}

// parseEvent decodes one combined-stream frame into a Liquidation.
// The upstream side is the order that closed the position, so a BUY
// liquidates a short.
func parseEvent(raw []byte) (store.Liquidation, error) {
	var frame combinedFrame
	if err := json.Unmarshal(raw, &frame); err != nil {
		return store.Liquidation{}, fmt.Errorf("frame: %w", err)
	}
	if len(frame.Data) == 0 {
		return store.Liquidation{}, errors.New("frame has no data")
	}

	var ev forceOrderEvent
	if err := json.Unmarshal(frame.Data, &ev); err != nil {
		return store.Liquidation{}, fmt.Errorf("event: %w", err)
	}
	if ev.Type != "forceOrder" {
		return store.Liquidation{}, errNotForceOrder
	}
	if ev.Order.Symbol == "" {
		return store.Liquidation{}, errors.New("event has no symbol")
	}

	price, err := strconv.ParseFloat(ev.Order.Price, 64)
	if err != nil || price <= 0 {
		return store.Liquidation{}, fmt.Errorf("bad price %q", ev.Order.Price)
	}
	qty, err := strconv.ParseFloat(ev.Order.Quantity, 64)
	if err != nil || qty <= 0 {
		return store.Liquidation{}, fmt.Errorf("bad quantity %q", ev.Order.Quantity)
	}

	ms := ev.Order.TradedAt
	if ms <= 0 {
		ms = ev.Time
	}
	if ms <= 0 {
		return store.Liquidation{}, errors.New("event has no timestamp")
	}

	side := store.SideLong
	if ev.Order.Side == "BUY" {
		side = store.SideShort
	}

	return store.Liquidation{
		Symbol:   ev.Order.Symbol,
		Side:     side,
		Price:    price,
		Quantity: qty,
		Time:     time.UnixMilli(ms).UTC(),
	}, nil
}
