// Package report renders per-subscriber liquidation digests with
// prior-period trend comparison.
package report

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/rektwatch/rektwatch/internal/alert"
	"github.com/rektwatch/rektwatch/internal/store"
	"github.com/rektwatch/rektwatch/internal/universe"
)

// NoLiquidations is returned when a subscriber's tracked symbols saw no
// events in the window. Callers decide whether to deliver it.
const NoLiquidations = "😴 No liquidations for your tracked symbols."

// EventSource is the persistence subset the reporter reads.
type EventSource interface {
	LiquidationsBetween(ctx context.Context, symbol string, from, to time.Time) ([]store.Liquidation, error)
}

// FundingSource supplies base symbol -> funding rate, best-effort.
type FundingSource interface {
	FundingMap(ctx context.Context) (map[string]float64, error)
}

// Reporter builds digests. Now is injectable for tests.
type Reporter struct {
	events  EventSource
	funding FundingSource
	now     func() time.Time
	log     zerolog.Logger
}

func New(events EventSource, funding FundingSource, log zerolog.Logger) *Reporter {
	return &Reporter{
		events:  events,
		funding: funding,
		now:     time.Now,
		log:     log.With().Str("component", "report").Logger(),
	}
}

// WithNow overrides the clock; tests freeze it.
func (r *Reporter) WithNow(now func() time.Time) *Reporter {
	r.now = now
	return r
}

type sideTotals struct {
	long  float64
	short float64
}

// Generate renders the digest for one subscriber. Scheduled reports
// compare the last H hours to the H before; live reports cover the
// running hour and scale the prior window down to the elapsed minutes
// so trend arrows stay fair. Returns NoLiquidations when the current
// window is empty, and "" when nothing survives filtering.
func (r *Reporter) Generate(ctx context.Context, sub store.Subscriber, hours int, scheduled bool) (string, error) {
	if hours <= 0 {
		hours = store.DefaultReportIntervalHours
	}
	span := time.Duration(hours) * time.Hour
	now := r.now().UTC()

	var curFrom, curTo, priFrom, priTo time.Time
	scale := 1.0
	if scheduled {
		curFrom, curTo = now.Add(-span), now
		priFrom, priTo = curFrom.Add(-span), curFrom
	} else {
		hourStart := now.Truncate(time.Hour)
		curFrom, curTo = hourStart, now
		priFrom, priTo = hourStart.Add(-span), hourStart
		scale = now.Sub(hourStart).Minutes() / (float64(hours) * 60)
	}

	current := make(map[string]*sideTotals)
	prior := make(map[string]*sideTotals)
	for _, sym := range sub.TrackedSymbols {
		if err := r.accumulate(ctx, sym, curFrom, curTo, current); err != nil {
			return "", err
		}
		if err := r.accumulate(ctx, sym, priFrom, priTo, prior); err != nil {
			return "", err
		}
	}
	if len(current) == 0 {
		return NoLiquidations, nil
	}
	if scale != 1 {
		for _, t := range prior {
			t.long *= scale
			t.short *= scale
		}
	}

	longs := sideLines(current, prior, store.SideLong)
	shorts := sideLines(current, prior, store.SideShort)
	if len(longs) == 0 && len(shorts) == 0 {
		return "", nil
	}

	rates := r.fundingRates(ctx)

	var b strings.Builder
	if scheduled {
		fmt.Fprintf(&b, "📊 *LIQUIDATION REPORT (%dH)*\n", hours)
	} else {
		fmt.Fprintf(&b, "📊 *LIVE LIQUIDATION REPORT (%dH)*\n", hours)
	}

	var longTotal, shortTotal float64
	if len(longs) > 0 {
		b.WriteString("\n🔴 *LONGS LIQUIDATED*\n")
		for _, l := range longs {
			writeLine(&b, l, rates)
			longTotal += l.value
		}
	}
	if len(shorts) > 0 {
		b.WriteString("\n🟢 *SHORTS LIQUIDATED*\n")
		for _, l := range shorts {
			writeLine(&b, l, rates)
			shortTotal += l.value
		}
	}

	b.WriteString("\n")
	if len(longs) > 0 {
		fmt.Fprintf(&b, "🔴 Longs total: %s\n", alert.FormatValue(longTotal))
	}
	if len(shorts) > 0 {
		fmt.Fprintf(&b, "🟢 Shorts total: %s\n", alert.FormatValue(shortTotal))
	}
	fmt.Fprintf(&b, "💀 *TOTAL: %s*", alert.FormatValue(longTotal+shortTotal))

	if rank := renderRank(longs, shorts); rank != "" {
		b.WriteString("\n\n")
		b.WriteString(rank)
	}
	return b.String(), nil
}

func (r *Reporter) accumulate(ctx context.Context, symbol string, from, to time.Time, into map[string]*sideTotals) error {
	events, err := r.events.LiquidationsBetween(ctx, symbol, from, to)
	if err != nil {
		return fmt.Errorf("report window %s: %w", symbol, err)
	}
	for _, ev := range events {
		t, ok := into[ev.Symbol]
		if !ok {
			t = &sideTotals{}
			into[ev.Symbol] = t
		}
		if ev.Side == store.SideLong {
			t.long += ev.Notional()
		} else {
			t.short += ev.Notional()
		}
	}
	return nil
}

// fundingRates is best-effort: a failed lookup just drops the suffixes.
func (r *Reporter) fundingRates(ctx context.Context) map[string]float64 {
	if r.funding == nil {
		return nil
	}
	rates, err := r.funding.FundingMap(ctx)
	if err != nil {
		r.log.Debug().Err(err).Msg("funding map unavailable")
		return nil
	}
	return rates
}

type line struct {
	symbol string // venue symbol
	value  float64
	arrow  string
}

func sideLines(current, prior map[string]*sideTotals, side store.Side) []line {
	pick := func(t *sideTotals) float64 {
		if t == nil {
			return 0
		}
		if side == store.SideLong {
			return t.long
		}
		return t.short
	}

	var lines []line
	for sym, t := range current {
		cur := pick(t)
		if cur <= 0 {
			continue
		}
		var arrow string
		switch prev := pick(prior[sym]); {
		case cur > prev:
			arrow = "⬆"
		case cur < prev:
			arrow = "⬇"
		}
		lines = append(lines, line{symbol: sym, value: cur, arrow: arrow})
	}

	sort.Slice(lines, func(i, j int) bool {
		if lines[i].value != lines[j].value {
			return lines[i].value > lines[j].value
		}
		return lines[i].symbol < lines[j].symbol
	})
	return lines
}

func writeLine(b *strings.Builder, l line, rates map[string]float64) {
	base := universe.Base(l.symbol)
	fmt.Fprintf(b, "#%s: %s", base, alert.FormatValue(l.value))
	if l.arrow != "" {
		fmt.Fprintf(b, " %s", l.arrow)
	}
	if rate, ok := rates[base]; ok {
		fmt.Fprintf(b, " | FR: %.4f%%", rate*100)
	}
	b.WriteString("\n")
}

// renderRank lists the top three symbols per side. A single-line side
// is not worth ranking; the section appears once either side has two.
func renderRank(longs, shorts []line) string {
	if len(longs) < 2 && len(shorts) < 2 {
		return ""
	}
	medals := []string{"🥇", "🥈", "🥉"}

	var b strings.Builder
	b.WriteString("🏆 *Top Rekt Rank*")
	writeSide := func(title string, lines []line) {
		if len(lines) == 0 {
			return
		}
		fmt.Fprintf(&b, "\n*%s:*", title)
		for i, l := range lines {
			if i == len(medals) {
				break
			}
			fmt.Fprintf(&b, "\n%s #%s %s", medals[i], universe.Base(l.symbol), alert.FormatValue(l.value))
		}
	}
	writeSide("Longs", longs)
	writeSide("Shorts", shorts)
	return b.String()
}
