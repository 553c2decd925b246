package alert

import (
	"context"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rektwatch/rektwatch/internal/market"
	"github.com/rektwatch/rektwatch/internal/metrics"
	"github.com/rektwatch/rektwatch/internal/store"
	"github.com/rektwatch/rektwatch/internal/telegram"
)

type sent struct {
	recipient string
	text      string
}

type fakeNotifier struct {
	mu    sync.Mutex
	sends []sent
	fail  map[string]error
}

func (n *fakeNotifier) Send(_ context.Context, recipient, text string) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	if err, ok := n.fail[recipient]; ok {
		return err
	}
	n.sends = append(n.sends, sent{recipient, text})
	return nil
}

func (n *fakeNotifier) recipients() []string {
	n.mu.Lock()
	defer n.mu.Unlock()
	out := make([]string, len(n.sends))
	for i, s := range n.sends {
		out[i] = s.recipient
	}
	return out
}

type fakeDirectory struct {
	mu       sync.Mutex
	subs     []store.Subscriber
	disabled []int64
}

func (d *fakeDirectory) SubscribersTracking(_ context.Context, symbol string) ([]store.Subscriber, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	var out []store.Subscriber
	for _, s := range d.subs {
		if s.Tracks(symbol) {
			out = append(out, s)
		}
	}
	return out, nil
}

func (d *fakeDirectory) SetNotifications(_ context.Context, chatID int64, enabled bool) (*store.Subscriber, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if !enabled {
		d.disabled = append(d.disabled, chatID)
	}
	for i := range d.subs {
		if d.subs[i].ChatID == chatID {
			d.subs[i].NotificationsEnabled = enabled
			return &d.subs[i], nil
		}
	}
	return nil, store.ErrNotFound
}

func subscriber(chatID int64, minAlert int64, enabled bool, symbols ...string) store.Subscriber {
	return store.Subscriber{
		ChatID:               chatID,
		TrackedSymbols:       symbols,
		NotificationsEnabled: enabled,
		ReportIntervalHours:  store.DefaultReportIntervalHours,
		MinLiquidationAlert:  minAlert,
	}
}

func newTestRouter(dir *fakeDirectory, n *fakeNotifier, channelID string, channelMin float64) *Router {
	return NewRouter(Config{
		Directory:  dir,
		Notifier:   n,
		ChannelID:  channelID,
		ChannelMin: channelMin,
		OIInterval: 15 * time.Minute,
		Logger:     zerolog.Nop(),
		Metrics:    metrics.New(prometheus.NewRegistry()),
	})
}

func TestLiquidationRespectsSubscriberThresholds(t *testing.T) {
	dir := &fakeDirectory{subs: []store.Subscriber{
		subscriber(1, 50_000, true, "BTCUSDT"),
		subscriber(2, 200_000, true, "BTCUSDT"),
		subscriber(3, 0, false, "BTCUSDT"),
	}}
	n := &fakeNotifier{}
	r := newTestRouter(dir, n, "", 0)

	r.Liquidation(context.Background(), store.Liquidation{
		Symbol: "BTCUSDT", Side: store.SideLong, Price: 50_000, Quantity: 2, // 100k
	})

	assert.Equal(t, []string{"1"}, n.recipients(),
		"only the enabled subscriber under threshold receives the alert")
}

func TestBroadcastChannelFloor(t *testing.T) {
	dir := &fakeDirectory{}
	n := &fakeNotifier{}
	r := newTestRouter(dir, n, "@rektwatch", 250_000)

	r.Liquidation(context.Background(), store.Liquidation{
		Symbol: "BTCUSDT", Side: store.SideLong, Price: 50_000, Quantity: 2, // 100k
	})
	assert.Empty(t, n.recipients(), "below the channel floor")

	r.Liquidation(context.Background(), store.Liquidation{
		Symbol: "BTCUSDT", Side: store.SideLong, Price: 50_000, Quantity: 6, // 300k
	})
	require.Equal(t, []string{"@rektwatch"}, n.recipients())
	assert.Contains(t, n.sends[0].text, "REKT Long")
}

func TestBlockedRecipientGetsDisabled(t *testing.T) {
	dir := &fakeDirectory{subs: []store.Subscriber{
		subscriber(1, 0, true, "BTCUSDT"),
		subscriber(2, 0, true, "BTCUSDT"),
	}}
	n := &fakeNotifier{fail: map[string]error{"2": telegram.ErrRecipientBlocked}}
	r := newTestRouter(dir, n, "", 0)

	r.Liquidation(context.Background(), store.Liquidation{
		Symbol: "BTCUSDT", Side: store.SideShort, Price: 100, Quantity: 100,
	})

	assert.Equal(t, []string{"1"}, n.recipients())
	assert.Equal(t, []int64{2}, dir.disabled)
}

func TestTransientSendFailureIsDropped(t *testing.T) {
	dir := &fakeDirectory{subs: []store.Subscriber{
		subscriber(1, 0, true, "BTCUSDT"),
	}}
	n := &fakeNotifier{fail: map[string]error{"1": context.DeadlineExceeded}}
	r := newTestRouter(dir, n, "", 0)

	r.Liquidation(context.Background(), store.Liquidation{
		Symbol: "BTCUSDT", Side: store.SideShort, Price: 100, Quantity: 100,
	})

	assert.Empty(t, n.recipients())
	assert.Empty(t, dir.disabled, "transient failures never disable anyone")
}

func TestOISurgeBypassesThresholds(t *testing.T) {
	dir := &fakeDirectory{subs: []store.Subscriber{
		subscriber(1, 50_000_000, true, "SOLUSDT"), // threshold far above any surge "notional"
		subscriber(2, 0, false, "SOLUSDT"),
	}}
	n := &fakeNotifier{}
	r := newTestRouter(dir, n, "@rektwatch", 250_000)

	r.OISurge(context.Background(), market.OISurge{
		Symbol: "SOL", PreviousOI: 100_000_000, CurrentOI: 103_000_000,
		PercentChange: 3.0, Price: 150,
	})

	got := n.recipients()
	require.Len(t, got, 2)
	assert.Equal(t, "@rektwatch", got[0], "channel always gets surges")
	assert.Equal(t, "1", got[1], "tracker receives regardless of threshold")
}

func TestFanOutMonotonicity(t *testing.T) {
	events := []store.Liquidation{
		{Symbol: "BTCUSDT", Side: store.SideLong, Price: 100, Quantity: 50},   // 5k
		{Symbol: "BTCUSDT", Side: store.SideLong, Price: 100, Quantity: 500},  // 50k
		{Symbol: "BTCUSDT", Side: store.SideLong, Price: 100, Quantity: 5000}, // 500k
	}

	deliveredWith := func(minAlert int64) int {
		dir := &fakeDirectory{subs: []store.Subscriber{subscriber(1, minAlert, true, "BTCUSDT")}}
		n := &fakeNotifier{}
		r := newTestRouter(dir, n, "", 0)
		for _, ev := range events {
			r.Liquidation(context.Background(), ev)
		}
		return len(n.recipients())
	}

	low := deliveredWith(10_000)
	high := deliveredWith(200_000)
	assert.Equal(t, 2, low)
	assert.Equal(t, 1, high)
	assert.LessOrEqual(t, high, low, "raising the threshold never adds alerts")
}

func TestSendReportBlockedHandling(t *testing.T) {
	dir := &fakeDirectory{subs: []store.Subscriber{subscriber(9, 0, true, "BTCUSDT")}}
	n := &fakeNotifier{fail: map[string]error{"9": telegram.ErrRecipientBlocked}}
	r := newTestRouter(dir, n, "", 0)

	r.SendReport(context.Background(), dir.subs[0], "digest")
	assert.Equal(t, []int64{9}, dir.disabled)

	// A deliverable subscriber gets the text verbatim.
	n2 := &fakeNotifier{}
	r2 := newTestRouter(dir, n2, "", 0)
	r2.SendReport(context.Background(), store.Subscriber{ChatID: 4, NotificationsEnabled: true}, "digest")
	require.Len(t, n2.sends, 1)
	assert.Equal(t, strconv.FormatInt(4, 10), n2.sends[0].recipient)
	assert.Equal(t, "digest", n2.sends[0].text)
}
