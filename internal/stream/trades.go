package stream

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/forgetrade/mcp-binance-go/internal/backoff"
)

// TradeSink receives each aggregated trade in arrival order.
type TradeSink interface {
	Append(t Trade)
}

// TradeStream is the streaming client for one symbol's aggregated-trade
// channel. It shares the reconnect discipline of DepthStream but delivers
// straight into a sink: trades have no chaining contract, so there is no
// gap state to surface.
type TradeStream struct {
	symbol string
	base   string
	sink   TradeSink
	log    zerolog.Logger

	dial func(ctx context.Context, url string) (wsConn, error)
}

// NewTradeStream builds a client for <base>/ws/<symbol>@aggTrade.
func NewTradeStream(base, symbol string, sink TradeSink, logger zerolog.Logger) *TradeStream {
	return &TradeStream{
		symbol: strings.ToUpper(symbol),
		base:   base,
		sink:   sink,
		log:    logger.With().Str("component", "trade_stream").Str("symbol", symbol).Logger(),
		dial:   gorillaDial,
	}
}

// URL returns the stream endpoint for this symbol.
func (s *TradeStream) URL() string {
	return fmt.Sprintf("%s/ws/%s@aggTrade", s.base, strings.ToLower(s.symbol))
}

// Run drives the connect/read/reconnect loop until ctx is cancelled.
func (s *TradeStream) Run(ctx context.Context) {
	policy := backoff.New()
	for {
		if ctx.Err() != nil {
			return
		}
		conn, err := s.dial(ctx, s.URL())
		if err != nil {
			s.log.Warn().Err(err).Int("attempt", policy.Attempt()).Msg("trade dial failed")
			if policy.Sleep(ctx) != nil {
				return
			}
			continue
		}
		policy.Reset()
		s.log.Info().Msg("trade stream connected")

		s.readLoop(ctx, conn)
		_ = conn.Close()
		if ctx.Err() != nil {
			return
		}
		if policy.Sleep(ctx) != nil {
			return
		}
	}
}

func (s *TradeStream) readLoop(ctx context.Context, conn wsConn) {
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
			s.log.Warn().Err(err).Msg("trade read failed")
			return
		}
		_ = conn.SetReadDeadline(time.Now().Add(readTimeout))

		trade, err := s.parse(payload)
		if err != nil {
			s.log.Warn().Err(err).Msg("discarding malformed trade")
			continue
		}
		s.sink.Append(trade)
	}
}

func (s *TradeStream) parse(payload []byte) (Trade, error) {
	var msg aggTradeMsg
	if err := json.Unmarshal(payload, &msg); err != nil {
		return Trade{}, err
	}
	if msg.EventType != "aggTrade" {
		return Trade{}, fmt.Errorf("unexpected event type %q", msg.EventType)
	}
	price, err := strconv.ParseFloat(msg.Price, 64)
	if err != nil {
		return Trade{}, fmt.Errorf("price %q: %w", msg.Price, err)
	}
	qty, err := strconv.ParseFloat(msg.Quantity, 64)
	if err != nil {
		return Trade{}, fmt.Errorf("qty %q: %w", msg.Quantity, err)
	}
	if qty <= 0 {
		return Trade{}, fmt.Errorf("qty %q: must be positive", msg.Quantity)
	}
	return Trade{
		Symbol:       s.symbol,
		Price:        price,
		Qty:          qty,
		EventTime:    time.UnixMilli(msg.TradeTime),
		IsBuyerMaker: msg.IsBuyerMaker,
	}, nil
}
