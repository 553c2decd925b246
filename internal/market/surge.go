package market

import (
	"context"
	"math"
	"strconv"
	"strings"
	"time"
)

const (
	keyOILast = "oi_last:"

	// Snapshots outlive several scan intervals so a restart does not
	// reset every baseline at once.
	oiSnapshotTTL = 24 * time.Hour

	// DefaultSurgeThreshold is the minimum |percent change| in total
	// open interest between scans that counts as a surge.
	DefaultSurgeThreshold = 2.5
)

// OISurge reports a significant open-interest move on one base symbol
// between two scan passes.
type OISurge struct {
	Symbol        string
	PreviousOI    float64
	CurrentOI     float64
	PercentChange float64
	Price         float64
}

// Increased reports the direction of the move.
func (s OISurge) Increased() bool { return s.PercentChange >= 0 }

// ScanOISurges compares each base symbol's current total open interest
// against the snapshot from the previous pass and returns the symbols
// that moved at least threshold percent. The new snapshot is always
// written, surge or not, so the first pass over a symbol only sets the
// baseline. Per-symbol failures are logged and skipped.
func (a *Aggregator) ScanOISurges(ctx context.Context, bases []string, threshold float64) []OISurge {
	if threshold <= 0 {
		threshold = DefaultSurgeThreshold
	}

	var surges []OISurge
	for _, base := range bases {
		if ctx.Err() != nil {
			break
		}
		base = strings.ToUpper(base)

		stats, err := a.Stats(ctx, base)
		if err != nil {
			a.log.Debug().Err(err).Str("symbol", base).Msg("oi scan: no aggregate")
			continue
		}

		prev, hasPrev := a.lastOI(ctx, base)
		if hasPrev && prev > 0 {
			pct := (stats.TotalOpenInterest - prev) / prev * 100
			if math.Abs(pct) >= threshold {
				surges = append(surges, OISurge{
					Symbol:        base,
					PreviousOI:    prev,
					CurrentOI:     stats.TotalOpenInterest,
					PercentChange: pct,
					Price:         stats.AvgPrice,
				})
				a.reg.RecordOISurge()
			}
		}

		snapshot := strconv.FormatFloat(stats.TotalOpenInterest, 'f', -1, 64)
		if err := a.cache.Set(ctx, keyOILast+base, []byte(snapshot), oiSnapshotTTL); err != nil {
			a.log.Warn().Err(err).Str("symbol", base).Msg("oi scan: snapshot write failed")
		}
	}
	return surges
}

func (a *Aggregator) lastOI(ctx context.Context, base string) (float64, bool) {
	raw, ok, err := a.cache.Get(ctx, keyOILast+base)
	if err != nil || !ok {
		return 0, false
	}
	v, err := strconv.ParseFloat(string(raw), 64)
	if err != nil {
		return 0, false
	}
	return v, true
}
