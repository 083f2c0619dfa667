// Package store is the rolling time-series of book snapshots: one compact
// binary record per (symbol, second), bounded by a retention window, read
// back by analytics as streamed range scans.
package store

import (
	"encoding/binary"
	"fmt"

	"github.com/forgetrade/mcp-binance-go/internal/market"
)

// Snapshot is one persisted book observation.
type Snapshot struct {
	Symbol    string
	Second    int64 // unix second, the record key
	Bids      []market.Level
	Asks      []market.Level
	Cursor    int64
	EventTime int64 // ms
}

const (
	codecMagic   = 0xB5
	codecVersion = 1
	// TopLevels is how many levels per side a snapshot record retains.
	TopLevels = 20
)

// Encode serializes a snapshot into the compact fixed-width layout:
// magic, version, cursor, event time, per-side count bytes, then
// little-endian (price, qty) int64 pairs. Sides are truncated to
// TopLevels.
func Encode(s *Snapshot) []byte {
	bids := s.Bids
	if len(bids) > TopLevels {
		bids = bids[:TopLevels]
	}
	asks := s.Asks
	if len(asks) > TopLevels {
		asks = asks[:TopLevels]
	}

	buf := make([]byte, 0, 2+8+8+2+16*(len(bids)+len(asks)))
	buf = append(buf, codecMagic, codecVersion)
	buf = binary.LittleEndian.AppendUint64(buf, uint64(s.Cursor))
	buf = binary.LittleEndian.AppendUint64(buf, uint64(s.EventTime))
	buf = append(buf, byte(len(bids)), byte(len(asks)))
	for _, lv := range bids {
		buf = binary.LittleEndian.AppendUint64(buf, uint64(lv.Price))
		buf = binary.LittleEndian.AppendUint64(buf, uint64(lv.Qty))
	}
	for _, lv := range asks {
		buf = binary.LittleEndian.AppendUint64(buf, uint64(lv.Price))
		buf = binary.LittleEndian.AppendUint64(buf, uint64(lv.Qty))
	}
	return buf
}

// Decode parses a record produced by Encode. Symbol and Second come from
// the key, not the payload.
func Decode(symbol string, second int64, data []byte) (*Snapshot, error) {
	if len(data) < 20 {
		return nil, fmt.Errorf("snapshot record truncated: %d bytes", len(data))
	}
	if data[0] != codecMagic {
		return nil, fmt.Errorf("snapshot record bad magic 0x%02x", data[0])
	}
	if data[1] != codecVersion {
		return nil, fmt.Errorf("snapshot record unsupported version %d", data[1])
	}
	cursor := int64(binary.LittleEndian.Uint64(data[2:]))
	eventTime := int64(binary.LittleEndian.Uint64(data[10:]))
	nBids := int(data[18])
	nAsks := int(data[19])
	want := 20 + 16*(nBids+nAsks)
	if len(data) != want {
		return nil, fmt.Errorf("snapshot record length %d, want %d", len(data), want)
	}

	s := &Snapshot{
		Symbol:    symbol,
		Second:    second,
		Cursor:    cursor,
		EventTime: eventTime,
		Bids:      make([]market.Level, nBids),
		Asks:      make([]market.Level, nAsks),
	}
	off := 20
	for i := 0; i < nBids; i++ {
		s.Bids[i] = market.Level{
			Price: int64(binary.LittleEndian.Uint64(data[off:])),
			Qty:   int64(binary.LittleEndian.Uint64(data[off+8:])),
		}
		off += 16
	}
	for i := 0; i < nAsks; i++ {
		s.Asks[i] = market.Level{
			Price: int64(binary.LittleEndian.Uint64(data[off:])),
			Qty:   int64(binary.LittleEndian.Uint64(data[off+8:])),
		}
		off += 16
	}
	return s, nil
}
