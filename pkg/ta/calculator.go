package ta

import (
	"fmt"
	"math"
	"sync"
	"time"

	"go.uber.org/zap"

	"regime-trader/internal/model"
)

// maxHistory bounds the per-interval bar window. Enough for the slowest
// configured lookback with headroom.
const maxHistory = 200

// Calculator maintains sliding bar windows per interval for one symbol and
// produces indicator snapshots for the analysis cycle. Calculation itself is
// delegated to the pure Calculate; cache-enabled indicators are memoized.
type Calculator struct {
	mu      sync.RWMutex
	symbol  string
	history map[string][]model.Bar // key: interval
	cache   *Cache
	logger  *zap.Logger
}

// NewCalculator initializes the calculator for one symbol.
func NewCalculator(symbol string, logger *zap.Logger) *Calculator {
	return &Calculator{
		symbol:  symbol,
		history: make(map[string][]model.Bar),
		cache:   NewCache(),
		logger:  logger,
	}
}

// UpdateBar appends a closed bar to its interval's window.
func (c *Calculator) UpdateBar(bar model.Bar) {
	if bar.Symbol != c.symbol {
		return
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	window := c.history[bar.Interval]

	// Ignore replays of the bar we already hold.
	if len(window) > 0 && !bar.StartTime.After(window[len(window)-1].StartTime) {
		return
	}

	window = append(window, bar)
	if len(window) > maxHistory {
		window = window[len(window)-maxHistory:]
	}
	c.history[bar.Interval] = window
}

// Bars returns a copy of the current window for an interval.
func (c *Calculator) Bars(interval string) []model.Bar {
	c.mu.RLock()
	defer c.mu.RUnlock()

	window := c.history[interval]
	out := make([]model.Bar, len(window))
	copy(out, window)
	return out
}

// Snapshot computes every configured indicator over the interval's current
// window. The indicators map keys are the ids condition trees reference.
func (c *Calculator) Snapshot(interval string, indicators map[string]Config) (*Snapshot, error) {
	bars := c.Bars(interval)
	if len(bars) == 0 {
		return nil, fmt.Errorf("no bars for %s %s", c.symbol, interval)
	}
	lastBar := bars[len(bars)-1].StartTime

	results := make(map[string]Result, len(indicators))
	for id, cfg := range indicators {
		if cfg.CacheResults {
			if cached, ok := c.cache.Get(c.symbol, interval, cfg, lastBar); ok {
				results[id] = cached
				continue
			}
		}

		result, err := Calculate(bars, cfg)
		if err != nil {
			// A bad indicator config disables that indicator, not the cycle.
			c.logger.Warn("indicator calculation failed",
				zap.String("indicator", id), zap.Error(err))
			continue
		}

		if cfg.CacheResults {
			c.cache.Put(c.symbol, interval, cfg, lastBar, result)
		}
		results[id] = result
	}

	return &Snapshot{
		Symbol:   c.symbol,
		Interval: interval,
		BarTime:  lastBar,
		results:  results,
	}, nil
}

// Snapshot is one cycle's view of all computed indicators.
type Snapshot struct {
	Symbol   string
	Interval string
	BarTime  time.Time
	results  map[string]Result
}

// NewSnapshot builds a snapshot from precomputed results.
func NewSnapshot(symbol, interval string, barTime time.Time, results map[string]Result) *Snapshot {
	return &Snapshot{Symbol: symbol, Interval: interval, BarTime: barTime, results: results}
}

// Value resolves the latest value of an indicator field. ok is false when the
// indicator id or field does not exist; an undefined value is (NaN, true).
func (s *Snapshot) Value(indicatorID, field string) (float64, bool) {
	result, ok := s.results[indicatorID]
	if !ok {
		return math.NaN(), false
	}
	return result.Last(field)
}
