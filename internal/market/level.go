// Package market holds the value types shared across the order book core:
// fixed-point price levels, per-symbol scales, and sides. It has no
// dependencies on the stateful components so every layer can import it.
package market

import (
	"fmt"
	"math"
	"regexp"

	"github.com/shopspring/decimal"
)

// Side identifies one half of the book.
type Side int

const (
	Bid Side = iota
	Ask
)

func (s Side) String() string {
	if s == Bid {
		return "bid"
	}
	return "ask"
}

// Level is one price level of an order book side. Price and Qty are fixed
// point values scaled by the symbol's price_scale / qty_scale so that level
// keys compare exactly and the wire decimals survive round trips.
type Level struct {
	Price int64
	Qty   int64
}

// Scales carries the per-symbol fixed-point exponents.
type Scales struct {
	Price int32
	Qty   int32
}

// ParseLevel converts a decimal-preserving [price, qty] string pair into a
// scaled Level. A quantity of zero is legal and means "remove this level".
func ParseLevel(price, qty string, s Scales) (Level, error) {
	p, err := parseScaled(price, s.Price)
	if err != nil {
		return Level{}, fmt.Errorf("price %q: %w", price, err)
	}
	if p <= 0 {
		return Level{}, fmt.Errorf("price %q: must be positive", price)
	}
	q, err := parseScaled(qty, s.Qty)
	if err != nil {
		return Level{}, fmt.Errorf("qty %q: %w", qty, err)
	}
	if q < 0 {
		return Level{}, fmt.Errorf("qty %q: must not be negative", qty)
	}
	return Level{Price: p, Qty: q}, nil
}

// ParseLevels converts a side array of [price, qty] pairs. Malformed rows
// abort the parse; the upstream contract does not allow partial rows.
func ParseLevels(raw [][]string, s Scales) ([]Level, error) {
	out := make([]Level, 0, len(raw))
	for _, r := range raw {
		if len(r) < 2 {
			return nil, fmt.Errorf("level row has %d fields, want 2", len(r))
		}
		lv, err := ParseLevel(r[0], r[1], s)
		if err != nil {
			return nil, err
		}
		out = append(out, lv)
	}
	return out, nil
}

func parseScaled(v string, scale int32) (int64, error) {
	d, err := decimal.NewFromString(v)
	if err != nil {
		return 0, err
	}
	shifted := d.Shift(scale)
	if !shifted.IsInteger() {
		return 0, fmt.Errorf("more precision than scale %d allows", scale)
	}
	return shifted.IntPart(), nil
}

// PriceFloat converts a scaled price back to a float for derived metrics.
func (l Level) PriceFloat(s Scales) float64 {
	return float64(l.Price) / math.Pow10(int(s.Price))
}

// QtyFloat converts a scaled quantity back to a float for derived metrics.
func (l Level) QtyFloat(s Scales) float64 {
	return float64(l.Qty) / math.Pow10(int(s.Qty))
}

// PriceString formats the scaled price with its original precision.
func (l Level) PriceString(s Scales) string {
	return decimal.New(l.Price, -s.Price).String()
}

// QtyString formats the scaled quantity with its original precision.
func (l Level) QtyString(s Scales) string {
	return decimal.New(l.Qty, -s.Qty).String()
}

var symbolRe = regexp.MustCompile(`^[A-Z0-9]{5,20}$`)

// ValidSymbol reports whether the symbol matches the upstream's format.
func ValidSymbol(symbol string) bool {
	return symbolRe.MatchString(symbol)
}
