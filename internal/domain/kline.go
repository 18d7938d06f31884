package domain

import "time"

// Kline represents a single candlestick data point.
type Kline struct {
	OpenTime  time.Time
	CloseTime time.Time
	Symbol    string
	Interval  string // e.g. "1m", "1h"
	Open      float64
	High      float64
	Low       float64
	Close     float64
	Volume    float64
	IsFinal   bool
}

// Age returns how stale this candle is relative to now. The risk manager
// uses it to veto entries computed from old market data.
func (k *Kline) Age(now time.Time) time.Duration {
	return now.Sub(k.CloseTime)
}
