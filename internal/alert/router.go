package alert

import (
	"context"
	"errors"
	"strconv"
	"time"

	"github.com/rs/zerolog"

	"github.com/rektwatch/rektwatch/internal/cascade"
	"github.com/rektwatch/rektwatch/internal/market"
	"github.com/rektwatch/rektwatch/internal/metrics"
	"github.com/rektwatch/rektwatch/internal/store"
	"github.com/rektwatch/rektwatch/internal/telegram"
	"github.com/rektwatch/rektwatch/internal/universe"
)

// Notifier delivers one message to one recipient.
type Notifier interface {
	Send(ctx context.Context, recipient, text string) error
}

// Directory is the subscriber lookup and mutation subset the router
// needs.
type Directory interface {
	SubscribersTracking(ctx context.Context, symbol string) ([]store.Subscriber, error)
	SetNotifications(ctx context.Context, chatID int64, enabled bool) (*store.Subscriber, error)
}

// Config wires a Router.
type Config struct {
	Directory  Directory
	Notifier   Notifier
	Market     *market.Aggregator // optional; enables the cascade OI line
	ChannelID  string             // empty disables broadcast
	ChannelMin float64
	OIInterval time.Duration
	Logger     zerolog.Logger
	Metrics    *metrics.Registry
}

// Router fans events out to the broadcast channel and to subscribers
// tracking the symbol. Send failures never propagate to callers; a
// blocked recipient gets their notifications disabled.
type Router struct {
	dir        Directory
	notifier   Notifier
	market     *market.Aggregator
	channelID  string
	channelMin float64
	oiInterval time.Duration
	log        zerolog.Logger
	reg        *metrics.Registry
}

func NewRouter(cfg Config) *Router {
	return &Router{
		dir:        cfg.Directory,
		notifier:   cfg.Notifier,
		market:     cfg.Market,
		channelID:  cfg.ChannelID,
		channelMin: cfg.ChannelMin,
		oiInterval: cfg.OIInterval,
		log:        cfg.Logger.With().Str("component", "alert").Logger(),
		reg:        cfg.Metrics,
	}
}

// Liquidation routes one real-time event.
func (r *Router) Liquidation(ctx context.Context, ev store.Liquidation) {
	msg := FormatLiquidation(ev)
	notional := ev.Notional()

	r.broadcast(ctx, "liquidation", notional, msg)
	r.fanOut(ctx, "liquidation", ev.Symbol, notional, msg, false)
}

// Cascade routes one aggregated burst.
func (r *Router) Cascade(ctx context.Context, a cascade.Alert) {
	var oi float64
	if r.market != nil {
		if stats := r.market.CachedStats(ctx, universe.Base(a.Symbol)); stats != nil {
			oi = stats.TotalOpenInterest
		}
	}
	msg := FormatCascade(a, oi)

	r.broadcast(ctx, "cascade", a.TotalVolume, msg)
	r.fanOut(ctx, "cascade", a.Symbol, a.TotalVolume, msg, false)
}

// OISurge routes one open-interest surge. Surges bypass notional
// thresholds: the channel always gets them and so does every enabled
// tracker of the symbol.
func (r *Router) OISurge(ctx context.Context, s market.OISurge) {
	msg := FormatOISurge(s, r.oiInterval)

	if r.channelID != "" {
		r.send(ctx, "oi_surge", "channel", r.channelID, msg, 0)
	}
	// Surge symbols are bases; trackers subscribe to venue symbols.
	r.fanOut(ctx, "oi_surge", s.Symbol+"USDT", 0, msg, true)
}

// SendReport delivers a rendered digest to one subscriber with the
// usual blocked-recipient handling.
func (r *Router) SendReport(ctx context.Context, sub store.Subscriber, text string) {
	r.send(ctx, "report", "subscriber", strconv.FormatInt(sub.ChatID, 10), text, sub.ChatID)
}

func (r *Router) broadcast(ctx context.Context, kind string, notional float64, msg string) {
	if r.channelID == "" || notional < r.channelMin {
		return
	}
	r.send(ctx, kind, "channel", r.channelID, msg, 0)
}

func (r *Router) fanOut(ctx context.Context, kind, symbol string, notional float64, msg string, anyMagnitude bool) {
	subs, err := r.dir.SubscribersTracking(ctx, symbol)
	if err != nil {
		r.log.Warn().Err(err).Str("symbol", symbol).Msg("subscriber lookup failed")
		return
	}
	for _, sub := range subs {
		if !sub.NotificationsEnabled {
			continue
		}
		if !anyMagnitude && notional < float64(sub.MinLiquidationAlert) {
			continue
		}
		r.send(ctx, kind, "subscriber", strconv.FormatInt(sub.ChatID, 10), msg, sub.ChatID)
	}
}

// send delivers one message. chatID is non-zero only for subscriber
// recipients, where a blocked error disables their notifications.
func (r *Router) send(ctx context.Context, kind, target, recipient, msg string, chatID int64) {
	err := r.notifier.Send(ctx, recipient, msg)
	if err == nil {
		r.reg.RecordAlert(kind, target)
		return
	}

	if chatID != 0 && errors.Is(err, telegram.ErrRecipientBlocked) {
		r.log.Info().Int64("chat_id", chatID).Msg("recipient blocked the bot, disabling notifications")
		if _, derr := r.dir.SetNotifications(ctx, chatID, false); derr != nil {
			r.log.Warn().Err(derr).Int64("chat_id", chatID).Msg("disable notifications failed")
		}
		r.reg.RecordSubscriberDisabled()
		return
	}

	r.reg.RecordAlertError(kind)
	r.log.Warn().Err(err).Str("kind", kind).Str("recipient", recipient).Msg("send failed")
}
