package models

import "time"

// AggrMessage is an aggregated trade event received from the live feed.
type AggrMessage struct {
	Symbol    string    `json:"symbol"`
	Timestamp time.Time `json:"timestamp"`
	TradeID   uint64    `json:"trade_id"`
	Price     float64   `json:"price"`
}
