package model

import "time"

// Tick is a last-traded-price observation from the market-data stream.
type Tick struct {
	Exchange string    `json:"exchange"`
	Token    string    `json:"token"`
	Price    float64   `json:"price"`
	RecvTS   time.Time `json:"recv_ts"`
}

// Key returns the "exchange|token" key of the tick's instrument.
func (t *Tick) Key() string {
	return PriceKey(t.Exchange, t.Token)
}
