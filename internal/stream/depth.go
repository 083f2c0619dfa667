// Package stream holds the long-lived websocket clients for the per-symbol
// depth and aggregated-trade channels. Each client owns one connection,
// answers liveness pings, reconnects with jittered exponential backoff, and
// delivers ordered events to a single consumer.
package stream

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/forgetrade/mcp-binance-go/internal/backoff"
	"github.com/forgetrade/mcp-binance-go/internal/market"
)

const (
	handshakeTimeout = 30 * time.Second
	// readTimeout bounds silence on the socket; the upstream pings at
	// least every 3 minutes and expects a pong within 60 s.
	readTimeout  = 75 * time.Second
	pongDeadline = 10 * time.Second
)

// DepthStream is the streaming client for one symbol's diff-depth channel.
type DepthStream struct {
	symbol string
	base   string
	scales market.Scales
	events chan Event
	log    zerolog.Logger

	dropPending bool

	dial func(ctx context.Context, url string) (wsConn, error)
}

// wsConn is the slice of *websocket.Conn the stream loops need; tests
// substitute an in-process pipe.
type wsConn interface {
	ReadMessage() (int, []byte, error)
	SetReadDeadline(t time.Time) error
	SetPingHandler(h func(appData string) error)
	WriteControl(messageType int, data []byte, deadline time.Time) error
	Close() error
}

// NewDepthStream builds a client for <base>/ws/<symbol>@depth@100ms.
func NewDepthStream(base, symbol string, scales market.Scales, buffer int, logger zerolog.Logger) *DepthStream {
	if buffer <= 0 {
		buffer = 1024
	}
	return &DepthStream{
		symbol: strings.ToUpper(symbol),
		base:   base,
		scales: scales,
		events: make(chan Event, buffer),
		log:    logger.With().Str("component", "depth_stream").Str("symbol", symbol).Logger(),
		dial:   gorillaDial,
	}
}

func gorillaDial(ctx context.Context, url string) (wsConn, error) {
	dialer := &websocket.Dialer{HandshakeTimeout: handshakeTimeout}
	conn, _, err := dialer.DialContext(ctx, url, nil)
	if err != nil {
		return nil, err
	}
	return conn, nil
}

// Events is the ordered event channel. It is closed when Run returns.
func (s *DepthStream) Events() <-chan Event { return s.events }

// URL returns the stream endpoint for this symbol.
func (s *DepthStream) URL() string {
	return fmt.Sprintf("%s/ws/%s@depth@100ms", s.base, strings.ToLower(s.symbol))
}

// Run drives the connect/read/reconnect loop until ctx is cancelled. The
// events channel is closed on return, never earlier.
func (s *DepthStream) Run(ctx context.Context) {
	defer close(s.events)

	policy := backoff.New()
	for {
		if ctx.Err() != nil {
			return
		}
		conn, err := s.dial(ctx, s.URL())
		if err != nil {
			s.log.Warn().Err(err).Int("attempt", policy.Attempt()).Msg("depth dial failed")
			if policy.Sleep(ctx) != nil {
				return
			}
			continue
		}
		policy.Reset()
		s.log.Info().Msg("depth stream connected")

		s.readLoop(ctx, conn)
		_ = conn.Close()
		if ctx.Err() != nil {
			return
		}
		s.emit(ctx, Event{Disconnected: true})
		if policy.Sleep(ctx) != nil {
			return
		}
	}
}

// readLoop consumes messages until the connection breaks or ctx ends.
func (s *DepthStream) readLoop(ctx context.Context, conn wsConn) {
	_ = conn.SetReadDeadline(time.Now().Add(readTimeout))
	conn.SetPingHandler(func(appData string) error {
		_ = conn.SetReadDeadline(time.Now().Add(readTimeout))
		return conn.WriteControl(websocket.PongMessage, []byte(appData), time.Now().Add(pongDeadline))
	})

	for {
		if ctx.Err() != nil {
			return
		}
		_, payload, err := conn.ReadMessage()
		if err != nil {
			s.log.Warn().Err(err).Msg("depth read failed")
			return
		}
		_ = conn.SetReadDeadline(time.Now().Add(readTimeout))

		delta, err := s.parse(payload)
		if err != nil {
			s.log.Warn().Err(err).Msg("discarding malformed depth update")
			continue
		}
		if !s.emit(ctx, Event{Delta: delta}) {
			return
		}
	}
}

func (s *DepthStream) parse(payload []byte) (*DepthDelta, error) {
	var msg depthUpdateMsg
	if err := json.Unmarshal(payload, &msg); err != nil {
		return nil, err
	}
	if msg.EventType != "depthUpdate" {
		return nil, fmt.Errorf("unexpected event type %q", msg.EventType)
	}
	bids, err := market.ParseLevels(msg.Bids, s.scales)
	if err != nil {
		return nil, fmt.Errorf("bids: %w", err)
	}
	asks, err := market.ParseLevels(msg.Asks, s.scales)
	if err != nil {
		return nil, fmt.Errorf("asks: %w", err)
	}
	return &DepthDelta{
		Symbol:    s.symbol,
		FirstID:   msg.FirstUpdateID,
		LastID:    msg.FinalUpdateID,
		Bids:      bids,
		Asks:      asks,
		EventTime: time.UnixMilli(msg.EventTime),
	}, nil
}

// emit delivers ev without blocking the read loop. A full channel discards
// the payload and arms a Dropped marker that rides the next successful send,
// so the consumer always learns the chain broke. Returns false only when
// ctx ended.
func (s *DepthStream) emit(ctx context.Context, ev Event) bool {
	if s.dropPending {
		// The chain is already broken; the payload is useless until the
		// consumer resyncs, so the marker takes its place.
		ev = Event{Dropped: true}
	}
	select {
	case s.events <- ev:
		s.dropPending = false
		return true
	case <-ctx.Done():
		return false
	default:
		if !s.dropPending {
			s.log.Warn().Msg("consumer backlog, dropping depth deltas until resync")
		}
		s.dropPending = true
		return true
	}
}
