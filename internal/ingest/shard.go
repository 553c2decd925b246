package ingest

import (
	"context"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/rektwatch/rektwatch/internal/metrics"
)

const (
	handshakeTimeout = 10 * time.Second
	writeWait        = 5 * time.Second
)

// shard owns one combined-stream socket and its reconnect loop.
type shard struct {
	index   int
	url     string
	streams int
	ping    time.Duration
	backoff time.Duration
	handler Handler
	log     zerolog.Logger
	reg     *metrics.Registry

	mu   sync.Mutex
	conn *websocket.Conn
}

func newShard(index int, url string, streams int, cfg Config) *shard {
	return &shard{
		index:   index,
		url:     url,
		streams: streams,
		ping:    cfg.Ping,
		backoff: cfg.Backoff,
		handler: cfg.Handler,
		log:     cfg.Logger.With().Str("component", "ingest").Int("shard", index).Logger(),
		reg:     cfg.Metrics,
	}
}

// run dials, reads until the connection drops, and re-dials after the
// backoff. It exits only when ctx is cancelled. Every attempt carries
// a fresh session id so reconnect log lines correlate.
func (s *shard) run(ctx context.Context) {
	for {
		if ctx.Err() != nil {
			return
		}
		log := s.log.With().Str("session", uuid.NewString()).Logger()

		conn, err := s.dial(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			log.Warn().Err(err).Msg("dial failed")
			s.reg.RecordReconnect(s.index)
			if !sleepCtx(ctx, s.backoff) {
				return
			}
			continue
		}

		s.setConn(conn)
		s.reg.SetShardConnected(s.index, true)
		log.Info().Int("streams", s.streams).Msg("shard connected")

		s.readLoop(ctx, conn, log)

		s.setConn(nil)
		s.reg.SetShardConnected(s.index, false)
		if ctx.Err() != nil {
			return
		}
		s.reg.RecordReconnect(s.index)
		if !sleepCtx(ctx, s.backoff) {
			return
		}
	}
}

func (s *shard) dial(ctx context.Context) (*websocket.Conn, error) {
	dialer := websocket.Dialer{HandshakeTimeout: handshakeTimeout}
	header := http.Header{}
	header.Set("User-Agent", userAgent)
	conn, _, err := dialer.DialContext(ctx, s.url, header)
	return conn, err
}

// readLoop pumps frames until the connection errors out. The read
// deadline is refreshed by data, pings from the server, and pongs to
// our own pings; a silent socket times out at twice the ping cadence.
func (s *shard) readLoop(ctx context.Context, conn *websocket.Conn, log zerolog.Logger) {
	defer conn.Close()

	refresh := func() { _ = conn.SetReadDeadline(time.Now().Add(2 * s.ping)) }
	refresh()
	conn.SetPongHandler(func(string) error {
		refresh()
		return nil
	})
	conn.SetPingHandler(func(appData string) error {
		refresh()
		return conn.WriteControl(websocket.PongMessage, []byte(appData), time.Now().Add(writeWait))
	})

	pingDone := make(chan struct{})
	defer close(pingDone)
	go s.pingLoop(ctx, conn, pingDone, log)

	for {
		_, msg, err := conn.ReadMessage()
		if err != nil {
			if ctx.Err() == nil {
				log.Warn().Err(err).Msg("read failed, reconnecting")
			}
			return
		}
		refresh()
		s.dispatch(ctx, msg, log)
	}
}

func (s *shard) pingLoop(ctx context.Context, conn *websocket.Conn, done <-chan struct{}, log zerolog.Logger) {
	ticker := time.NewTicker(s.ping)
	defer ticker.Stop()
	for {
		select {
		case <-done:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
				log.Warn().Err(err).Msg("ping failed")
				_ = conn.Close()
				return
			}
		}
	}
}

// dispatch decodes one frame and runs the handler chain synchronously.
// Malformed frames are counted and dropped; the stream keeps going.
func (s *shard) dispatch(ctx context.Context, raw []byte, log zerolog.Logger) {
	ev, err := parseEvent(raw)
	if err != nil {
		s.reg.RecordMalformed()
		log.Debug().Err(err).Msg("dropping malformed frame")
		return
	}
	s.reg.RecordEvent(s.index)
	s.handler(ctx, ev)
}

func (s *shard) setConn(conn *websocket.Conn) {
	s.mu.Lock()
	s.conn = conn
	s.mu.Unlock()
}

// closeConn force-closes the live connection so a blocked read returns.
func (s *shard) closeConn() {
	s.mu.Lock()
	if s.conn != nil {
		_ = s.conn.Close()
	}
	s.mu.Unlock()
}

func (s *shard) connected() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.conn != nil
}

func sleepCtx(ctx context.Context, d time.Duration) bool {
	select {
	case <-time.After(d):
		return true
	case <-ctx.Done():
		return false
	}
}

// streamURL builds the combined-stream endpoint for one chunk. Stream
// names are lowercase symbols with the forceOrder suffix.
func streamURL(base string, symbols []string) string {
	names := make([]string, 0, len(symbols))
	for _, sym := range symbols {
		names = append(names, strings.ToLower(sym)+"@forceOrder")
	}
	return strings.TrimRight(base, "/") + "/stream?streams=" + strings.Join(names, "/")
}
