package model

import "time"

// Ticker is the smallest unit of market data: a trade print or a price snapshot.
type Ticker struct {
	Symbol       string  // e.g. "BTCUSDT"
	Timestamp    int64   // milliseconds
	Price        float64
	Volume       float64 // 0 for pure price snapshots
	IsBuyerMaker bool
}

// Bar is one aggregated OHLCV sample. Immutable once closed.
type Bar struct {
	Symbol    string
	Interval  string // "1m", "5m", "1h", ...
	Open      float64
	High      float64
	Low       float64
	Close     float64
	Volume    float64
	StartTime time.Time
	EndTime   time.Time
}
