package models

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

// TradeSide is the aggressor side of a trade.
type TradeSide int

const (
	Buy TradeSide = iota + 1
	Sell
)

func (s TradeSide) String() string {
	switch s {
	case Buy:
		return "buy"
	case Sell:
		return "sell"
	default:
		return fmt.Sprintf("TradeSide(%d)", int(s))
	}
}

func (s TradeSide) MarshalText() ([]byte, error) {
	switch s {
	case Buy, Sell:
		return []byte(s.String()), nil
	default:
		return nil, fmt.Errorf("invalid trade side %d", int(s))
	}
}

func (s *TradeSide) UnmarshalText(text []byte) error {
	switch string(text) {
	case "buy":
		*s = Buy
	case "sell":
		*s = Sell
	default:
		return fmt.Errorf("invalid trade side %q", string(text))
	}
	return nil
}

// Trade is a single parsed trade taken from a historical archive. Values are
// never mutated after a parser builds them.
type Trade struct {
	ID        uint64
	Side      TradeSide
	Price     float64
	Timestamp int64
}

// MarshalJSON encodes the trade as the positional tuple
// [timestamp, price, side] served to chart clients. The ID is omitted.
func (t Trade) MarshalJSON() ([]byte, error) {
	return json.Marshal([]any{t.Timestamp, t.Price, t.Side})
}

// UnmarshalJSON decodes the tuple produced by MarshalJSON.
func (t *Trade) UnmarshalJSON(data []byte) error {
	var fields []json.RawMessage
	if err := json.Unmarshal(data, &fields); err != nil {
		return err
	}
	if len(fields) != 3 {
		return fmt.Errorf("trade tuple must have 3 elements, got %d", len(fields))
	}
	var out Trade
	if err := json.Unmarshal(fields[0], &out.Timestamp); err != nil {
		return fmt.Errorf("trade timestamp: %w", err)
	}
	if err := json.Unmarshal(fields[1], &out.Price); err != nil {
		return fmt.Errorf("trade price: %w", err)
	}
	if err := json.Unmarshal(fields[2], &out.Side); err != nil {
		return fmt.Errorf("trade side: %w", err)
	}
	*t = out
	return nil
}

// TradePair identifies a market such as BTC-USDT.
type TradePair struct {
	First  string
	Second string
}

var ErrInvalidTradePair = errors.New("could not parse coin pair")

// ParseTradePair parses a hyphen delimited pair. Segments after the second
// one are ignored.
func ParseTradePair(text string) (TradePair, error) {
	parts := strings.Split(text, "-")
	if len(parts) < 2 || parts[0] == "" || parts[1] == "" {
		return TradePair{}, fmt.Errorf("%w: %q", ErrInvalidTradePair, text)
	}
	return TradePair{First: parts[0], Second: parts[1]}, nil
}

func (p TradePair) String() string {
	return p.First + "-" + p.Second
}

// Symbol returns the concatenated form used by Binance, e.g. BTCUSDT.
func (p TradePair) Symbol() string {
	return p.First + p.Second
}
