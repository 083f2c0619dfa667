package stream

import (
	"time"

	"github.com/forgetrade/mcp-binance-go/internal/market"
)

// depthUpdateMsg is the diff-depth payload delivered on <symbol>@depth.
type depthUpdateMsg struct {
	EventType     string     `json:"e"` // "depthUpdate"
	EventTime     int64      `json:"E"` // ms
	Symbol        string     `json:"s"`
	FirstUpdateID int64      `json:"U"`
	FinalUpdateID int64      `json:"u"`
	Bids          [][]string `json:"b"`
	Asks          [][]string `json:"a"`
}

// aggTradeMsg is the payload delivered on <symbol>@aggTrade.
type aggTradeMsg struct {
	EventType    string `json:"e"` // "aggTrade"
	EventTime    int64  `json:"E"` // ms
	Symbol       string `json:"s"`
	Price        string `json:"p"`
	Quantity     string `json:"q"`
	TradeTime    int64  `json:"T"` // ms
	IsBuyerMaker bool   `json:"m"`
}

// DepthDelta is one ordered depth update with its chaining IDs. Bids and
// asks carry scaled levels; a zero quantity removes the level.
type DepthDelta struct {
	Symbol    string
	FirstID   int64
	LastID    int64
	Bids      []market.Level
	Asks      []market.Level
	EventTime time.Time
}

// Event is what a DepthStream delivers to its consumer. Exactly one field
// is meaningful per event.
type Event struct {
	// Delta carries the next ordered depth update.
	Delta *DepthDelta
	// Disconnected marks a transport drop; the stream reconnects on its
	// own, the consumer decides whether the gap forces a resync.
	Disconnected bool
	// Dropped marks consumer backlog: at least one delta was discarded
	// because the event channel was full. The book is no longer chained.
	Dropped bool
}

// Trade is one aggregated trade taken off the trade channel. Buyer-maker
// trades are sells hitting the bid; the rest are buys lifting the ask.
type Trade struct {
	Symbol       string
	Price        float64
	Qty          float64
	EventTime    time.Time
	IsBuyerMaker bool
}
