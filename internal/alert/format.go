// Package alert routes liquidation, cascade, and open-interest events
// to the broadcast channel and to matching subscribers.
package alert

import (
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"

	"github.com/rektwatch/rektwatch/internal/cascade"
	"github.com/rektwatch/rektwatch/internal/market"
	"github.com/rektwatch/rektwatch/internal/store"
	"github.com/rektwatch/rektwatch/internal/universe"
)

// WhaleThreshold is the notional above which a single liquidation gets
// the whale banner.
const WhaleThreshold = 1_000_000

// FormatValue renders a USD notional compactly: $2.50M, $140k, $730.
func FormatValue(v float64) string {
	switch {
	case v >= 1_000_000:
		return fmt.Sprintf("$%.2fM", v/1_000_000)
	case v >= 1_000:
		return fmt.Sprintf("$%dk", int64(math.Round(v/1_000)))
	default:
		return fmt.Sprintf("$%d", int64(math.Round(v)))
	}
}

func formatPrice(p float64) string {
	return strconv.FormatFloat(p, 'f', -1, 64)
}

// FormatLiquidation renders a single real-time liquidation message.
func FormatLiquidation(ev store.Liquidation) string {
	icon := "🔴"
	if ev.Side == store.SideShort {
		icon = "🟢"
	}
	notional := ev.Notional()

	var b strings.Builder
	if notional >= WhaleThreshold {
		b.WriteString("🔥 *WHALE ALERT!* 🔥\n")
	}
	fmt.Fprintf(&b, "%s *#%s REKT %s:* %s at $%s",
		icon, universe.Base(ev.Symbol), ev.Side.Label(), FormatValue(notional), formatPrice(ev.Price))
	return b.String()
}

// FormatCascade renders a cascade alert. oiUSD > 0 appends the current
// aggregate open interest line.
func FormatCascade(a cascade.Alert, oiUSD float64) string {
	icon, headline := "🔴", "Longs Rekt"
	if a.Side == store.SideShort {
		icon, headline = "🟢", "Shorts Squeezed"
	}

	var b strings.Builder
	fmt.Fprintf(&b, "%s *CASCADE ALERT: %s*\n\n", icon, universe.Base(a.Symbol))
	fmt.Fprintf(&b, "💀 *%s* (x%d orders)\n", headline, a.Count)
	fmt.Fprintf(&b, "💰 Total Volume: *%s* in %ds\n", FormatValue(a.TotalVolume), int(a.Window.Seconds()))
	fmt.Fprintf(&b, "📉 Range: %s - %s (%.2f%%)", formatPrice(a.MinPrice), formatPrice(a.MaxPrice), a.PriceMovePct())
	if oiUSD > 0 {
		fmt.Fprintf(&b, "\n📊 OI: $%.2fM", oiUSD/1_000_000)
	}
	return b.String()
}

// FormatOISurge renders an open-interest surge alert. interval is the
// scan cadence the percentage refers to.
func FormatOISurge(s market.OISurge, interval time.Duration) string {
	arrow, dot, verb := "📈", "🟢", "INCREASED"
	if !s.Increased() {
		arrow, dot, verb = "📉", "🔴", "DROPPED"
	}
	minutes := int(interval.Minutes())
	if minutes <= 0 {
		minutes = 15
	}

	var b strings.Builder
	fmt.Fprintf(&b, "%s *OI ALERT: %s*\n\n", arrow, s.Symbol)
	fmt.Fprintf(&b, "%s Open Interest %s by *%.1f%%* in %d min!\n\n", dot, verb, math.Abs(s.PercentChange), minutes)
	fmt.Fprintf(&b, "💵 Price: $%s\n", formatPrice(s.Price))
	fmt.Fprintf(&b, "💰 New OI: *$%.2fM*", s.CurrentOI/1_000_000)
	return b.String()
}
