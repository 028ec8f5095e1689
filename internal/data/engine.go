// Package data aggregates raw tickers into OHLCV bars per interval.
package data

import (
	"math"
	"sync"
	"time"

	"go.uber.org/zap"

	"regime-trader/internal/model"
	"regime-trader/internal/service"
)

// Engine consumes the shared ticker stream, keeps only its symbol, and fans
// tickers out to one aggregator per configured interval. Closed bars appear on
// the bar channel.
type Engine struct {
	tickerChan  chan model.Ticker
	barChan     chan model.Bar
	aggregators []*BarAggregator
	symbol      string
	logger      *zap.Logger

	broadcastChan chan model.Ticker // live tickers for consumers like the sim broker
}

// DefaultIntervals are the bar intervals aggregated for every instance.
var DefaultIntervals = []time.Duration{
	1 * time.Minute,
	5 * time.Minute,
	15 * time.Minute,
	1 * time.Hour,
	4 * time.Hour,
}

// NewEngine creates the engine for one symbol.
func NewEngine(tickerChan chan model.Ticker, symbol string, logger *zap.Logger) *Engine {
	e := &Engine{
		tickerChan:    tickerChan,
		barChan:       make(chan model.Bar, 100),
		symbol:        symbol,
		logger:        logger.With(zap.String("symbol", symbol)),
		broadcastChan: make(chan model.Ticker, 1000),
	}

	for _, interval := range DefaultIntervals {
		agg := NewBarAggregator(symbol, interval, e.barChan, e.logger)
		e.aggregators = append(e.aggregators, agg)
	}

	return e
}

// Start runs the fan-out loop until the ticker channel closes.
func (e *Engine) Start() {
	e.logger.Info("data engine started, monitoring ticker stream")

	for ticker := range e.tickerChan {
		if ticker.Symbol != e.symbol {
			continue
		}

		for _, agg := range e.aggregators {
			agg.ProcessTicker(ticker)
		}

		select {
		case e.broadcastChan <- ticker:
		default:
		}
	}
}

// BarChannel delivers closed bars to the analysis loop.
func (e *Engine) BarChannel() chan model.Bar {
	return e.barChan
}

// BroadcastChannel delivers live tickers to components that need real-time
// prices.
func (e *Engine) BroadcastChannel() chan model.Ticker {
	return e.broadcastChan
}

// BarAggregator builds bars of one interval for one symbol. A bar closes when
// a ticker lands in a later period; the completed bar is then emitted.
type BarAggregator struct {
	mu       sync.Mutex
	symbol   string
	interval time.Duration
	name     string // "1m", "5m", ...
	current  model.Bar
	outChan  chan model.Bar
	logger   *zap.Logger
}

func NewBarAggregator(symbol string, interval time.Duration, outChan chan model.Bar, logger *zap.Logger) *BarAggregator {
	return &BarAggregator{
		symbol:   symbol,
		interval: interval,
		name:     service.FormatInterval(interval),
		outChan:  outChan,
		logger:   logger,
	}
}

// ProcessTicker folds one ticker into the current bar, closing it first when
// the ticker belongs to a later period.
func (agg *BarAggregator) ProcessTicker(ticker model.Ticker) {
	agg.mu.Lock()
	defer agg.mu.Unlock()

	tickerTime := time.UnixMilli(ticker.Timestamp).UTC()
	periodStart := tickerTime.Truncate(agg.interval)

	if !agg.current.StartTime.IsZero() && periodStart.After(agg.current.StartTime) {
		completed := agg.current

		select {
		case agg.outChan <- completed:
		default:
			agg.logger.Warn("bar channel full, dropping completed bar",
				zap.String("interval", agg.name))
		}

		// The new bar opens at the previous close for price continuity.
		agg.current = model.Bar{
			Symbol:    agg.symbol,
			Interval:  agg.name,
			Open:      completed.Close,
			High:      ticker.Price,
			Low:       ticker.Price,
			StartTime: periodStart,
			EndTime:   periodStart.Add(agg.interval).Add(-time.Millisecond),
		}
	}

	if agg.current.StartTime.IsZero() {
		agg.current = model.Bar{
			Symbol:    agg.symbol,
			Interval:  agg.name,
			Open:      ticker.Price,
			High:      ticker.Price,
			Low:       ticker.Price,
			StartTime: periodStart,
			EndTime:   periodStart.Add(agg.interval).Add(-time.Millisecond),
		}
	}

	agg.current.Close = ticker.Price
	agg.current.High = math.Max(agg.current.High, ticker.Price)
	agg.current.Low = math.Min(agg.current.Low, ticker.Price)
	agg.current.Volume += ticker.Volume
}
