// Package universe holds the fixed set of perpetual symbols the pipeline
// tracks. The list is baked in at build time; the upstream venue form is
// uppercase with the quote suffix attached (BTCUSDT).
package universe

import "strings"

// symbols is the tracked perpetual universe. Order matters only for shard
// assignment stability across restarts.
var symbols = []string{
	"BTCUSDT", "ETHUSDT", "BNBUSDT", "SOLUSDT", "XRPUSDT",
	"ADAUSDT", "DOGEUSDT", "MATICUSDT", "DOTUSDT", "LTCUSDT",
	"AVAXUSDT", "LINKUSDT", "ATOMUSDT", "UNIUSDT", "ETCUSDT",
	"XLMUSDT", "BCHUSDT", "NEARUSDT", "APTUSDT", "FILUSDT",
	"TRXUSDT", "ICPUSDT", "ARBUSDT", "OPUSDT", "INJUSDT",
	"SUIUSDT", "SEIUSDT", "TIAUSDT", "ORDIUSDT", "WLDUSDT",
	"RNDRUSDT", "FETUSDT", "GRTUSDT", "IMXUSDT", "LDOUSDT",
	"STXUSDT", "RUNEUSDT", "SANDUSDT", "MANAUSDT", "AXSUSDT",
	"APEUSDT", "GALAUSDT", "FLOWUSDT", "CHZUSDT", "CRVUSDT",
	"AAVEUSDT", "MKRUSDT", "SNXUSDT", "COMPUSDT", "SUSHIUSDT",
	"YFIUSDT", "1INCHUSDT", "ZRXUSDT", "ENJUSDT", "DYDXUSDT",
	"GMTUSDT", "GMXUSDT", "ROSEUSDT", "ONEUSDT", "FTMUSDT",
	"ALGOUSDT", "VETUSDT", "EGLDUSDT", "THETAUSDT", "XTZUSDT",
	"EOSUSDT", "IOTAUSDT", "NEOUSDT", "QTUMUSDT", "ZILUSDT",
	"KSMUSDT", "WAVESUSDT", "DASHUSDT", "ZECUSDT", "ENSUSDT",
	"MASKUSDT", "CELOUSDT", "KAVAUSDT", "BANDUSDT", "OCEANUSDT",
	"BLURUSDT", "JTOUSDT", "PYTHUSDT", "WIFUSDT", "JUPUSDT",
	"STRKUSDT", "ALTUSDT", "MANTAUSDT", "PIXELUSDT",
	"1000PEPEUSDT", "1000SHIBUSDT", "1000FLOKIUSDT", "1000BONKUSDT",
}

// quoteSuffixes are stripped when deriving the base asset from a venue
// symbol. Longest match wins.
var quoteSuffixes = []string{"USDT", "USDC", "BUSD"}

// Symbols returns a copy of the tracked symbol universe.
func Symbols() []string {
	out := make([]string, len(symbols))
	copy(out, symbols)
	return out
}

// Bases returns the base assets of the tracked universe, deduplicated,
// in universe order.
func Bases() []string {
	seen := make(map[string]bool, len(symbols))
	out := make([]string, 0, len(symbols))
	for _, s := range symbols {
		b := Base(s)
		if !seen[b] {
			seen[b] = true
			out = append(out, b)
		}
	}
	return out
}

// Base strips the quote suffix from a venue symbol: BTCUSDT -> BTC.
// Unknown quotes return the symbol unchanged.
func Base(symbol string) string {
	up := strings.ToUpper(symbol)
	for _, q := range quoteSuffixes {
		if strings.HasSuffix(up, q) && len(up) > len(q) {
			return strings.TrimSuffix(up, q)
		}
	}
	return up
}

// Chunk splits symbols into consecutive groups of at most size elements.
// The upstream caps combined-stream subscriptions, so ingest shards are
// built from these chunks.
func Chunk(syms []string, size int) [][]string {
	if size <= 0 || len(syms) == 0 {
		return nil
	}
	chunks := make([][]string, 0, (len(syms)+size-1)/size)
	for start := 0; start < len(syms); start += size {
		end := start + size
		if end > len(syms) {
			end = len(syms)
		}
		chunks = append(chunks, syms[start:end])
	}
	return chunks
}
