// Package ta computes named technical indicators over OHLCV bars.
//
// Calculate is a pure function of (bars, config). Values before an indicator's
// lookback are NaN; a series shorter than the lookback is NaN end to end. NaN is
// the single undefined representation for the whole system: downstream condition
// evaluation treats any NaN operand as false.
package ta

import (
	"fmt"
	"math"
	"sort"
	"strings"

	"github.com/markcheno/go-talib"

	"regime-trader/internal/model"
)

// Indicator type names accepted in Config.Type.
const (
	TypeSMA    = "sma"
	TypeEMA    = "ema"
	TypeRSI    = "rsi"
	TypeADX    = "adx"
	TypeATR    = "atr"
	TypeMACD   = "macd"
	TypeBBands = "bbands"
)

// Config identifies one indicator instance by (type, params).
type Config struct {
	Type         string             `yaml:"type"`
	Params       map[string]float64 `yaml:"params"`
	CacheResults bool               `yaml:"cache"`
}

// Key returns a stable identity string for (type, params), used as cache key.
func (c Config) Key() string {
	names := make([]string, 0, len(c.Params))
	for name := range c.Params {
		names = append(names, name)
	}
	sort.Strings(names)

	var b strings.Builder
	b.WriteString(c.Type)
	for _, name := range names {
		fmt.Fprintf(&b, "|%s=%g", name, c.Params[name])
	}
	return b.String()
}

func (c Config) param(name string, def float64) float64 {
	if v, ok := c.Params[name]; ok {
		return v
	}
	return def
}

// Result maps stable field names to series aligned to the input bars.
// Field names never change for the life of a Config; callers are expected to
// know them (see FieldNames).
type Result struct {
	Fields map[string][]float64
}

// Last returns the latest value of a field. ok is false only when the field
// does not exist; an undefined (NaN) latest value is returned as NaN with ok
// true so callers can tell "unknown field" from "not enough data".
func (r Result) Last(field string) (float64, bool) {
	series, ok := r.Fields[field]
	if !ok || len(series) == 0 {
		return math.NaN(), ok && len(series) > 0
	}
	return series[len(series)-1], true
}

// FieldNames returns the output fields for an indicator type.
func FieldNames(indicatorType string) ([]string, error) {
	switch indicatorType {
	case TypeSMA:
		return []string{"sma"}, nil
	case TypeEMA:
		return []string{"ema"}, nil
	case TypeRSI:
		return []string{"rsi"}, nil
	case TypeADX:
		return []string{"adx"}, nil
	case TypeATR:
		return []string{"atr"}, nil
	case TypeMACD:
		return []string{"macd", "signal", "hist"}, nil
	case TypeBBands:
		return []string{"upper", "middle", "lower"}, nil
	}
	return nil, fmt.Errorf("unknown indicator type %q", indicatorType)
}

// Calculate computes one indicator over the bar window. Deterministic and
// side-effect free. The only error case is a malformed Config; short history
// is not an error, it produces NaN values.
func Calculate(bars []model.Bar, cfg Config) (Result, error) {
	fields, err := FieldNames(cfg.Type)
	if err != nil {
		return Result{}, err
	}

	n := len(bars)
	closes := make([]float64, n)
	highs := make([]float64, n)
	lows := make([]float64, n)
	for i, bar := range bars {
		closes[i] = bar.Close
		highs[i] = bar.High
		lows[i] = bar.Low
	}

	out := Result{Fields: make(map[string][]float64, len(fields))}

	var lookback int
	switch cfg.Type {
	case TypeSMA:
		period := int(cfg.param("period", 20))
		lookback = period - 1
		if n > lookback {
			out.Fields["sma"] = talib.Sma(closes, period)
		}
	case TypeEMA:
		period := int(cfg.param("period", 20))
		lookback = period - 1
		if n > lookback {
			out.Fields["ema"] = talib.Ema(closes, period)
		}
	case TypeRSI:
		period := int(cfg.param("period", 14))
		lookback = period
		if n > lookback {
			out.Fields["rsi"] = talib.Rsi(closes, period)
		}
	case TypeADX:
		period := int(cfg.param("period", 14))
		lookback = 2*period - 1
		if n > lookback {
			out.Fields["adx"] = talib.Adx(highs, lows, closes, period)
		}
	case TypeATR:
		period := int(cfg.param("period", 14))
		lookback = period
		if n > lookback {
			out.Fields["atr"] = talib.Atr(highs, lows, closes, period)
		}
	case TypeMACD:
		fast := int(cfg.param("fast", 12))
		slow := int(cfg.param("slow", 26))
		signal := int(cfg.param("signal", 9))
		lookback = slow + signal - 2
		if n > lookback {
			macd, sig, hist := talib.Macd(closes, fast, slow, signal)
			out.Fields["macd"] = macd
			out.Fields["signal"] = sig
			out.Fields["hist"] = hist
		}
	case TypeBBands:
		period := int(cfg.param("period", 20))
		dev := cfg.param("dev", 2)
		lookback = period - 1
		if n > lookback {
			upper, middle, lower := talib.BBands(closes, period, dev, dev, talib.SMA)
			out.Fields["upper"] = upper
			out.Fields["middle"] = middle
			out.Fields["lower"] = lower
		}
	}

	// Uniform undefined policy: NaN for the warm-up prefix, full-NaN series
	// when the window is shorter than the lookback.
	for _, field := range fields {
		series, ok := out.Fields[field]
		if !ok {
			series = make([]float64, n)
			out.Fields[field] = series
			for i := range series {
				series[i] = math.NaN()
			}
			continue
		}
		for i := 0; i < lookback && i < n; i++ {
			series[i] = math.NaN()
		}
	}

	return out, nil
}
