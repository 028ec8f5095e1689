// Package strategy turns active regimes plus the indicator snapshot into a
// directional trade signal with a confluence score.
package strategy

import (
	"fmt"
	"math"
	"sort"
	"time"

	"go.uber.org/zap"

	"regime-trader/internal/model"
	"regime-trader/internal/regime"
)

// SignalGenerator combines per-regime strategies into one signal per cycle.
type SignalGenerator struct {
	defs   *regime.Definitions
	logger *zap.Logger
}

func NewSignalGenerator(defs *regime.Definitions, logger *zap.Logger) *SignalGenerator {
	return &SignalGenerator{defs: defs, logger: logger}
}

type candidate struct {
	regimeID   string
	direction  model.Direction
	priority   int
	confluence float64
	strength   float64
}

// Generate produces the cycle's signal. When simultaneously-active regimes
// disagree on direction, the winner is picked by regime priority (desc), then
// confluence score (desc), then regime id (asc) for determinism. No active
// strategy, or a winning flat strategy, yields a flat signal; callers must
// never build an order from a flat signal.
func (g *SignalGenerator) Generate(snapshot regime.Values, active regime.ActiveRegimeSet, symbol string, barTime time.Time) model.TradeSignal {
	signal := model.TradeSignal{
		Symbol:    symbol,
		Direction: model.DirFlat,
		RegimeIDs: active.IDs(),
		Timestamp: barTime,
		Reason:    "no actionable setup",
	}

	var candidates []candidate
	for _, id := range active.IDs() {
		strat, ok := g.defs.StrategyFor(id)
		if !ok {
			continue
		}
		def, _ := g.defs.RegimeByID(id)

		candidates = append(candidates, candidate{
			regimeID:   id,
			direction:  strat.Direction,
			priority:   def.Priority,
			confluence: g.confluence(strat, snapshot),
			strength:   g.strength(strat, snapshot),
		})
	}

	if len(candidates) == 0 {
		return signal
	}

	sort.Slice(candidates, func(i, j int) bool {
		a, b := candidates[i], candidates[j]
		if a.priority != b.priority {
			return a.priority > b.priority
		}
		if a.confluence != b.confluence {
			return a.confluence > b.confluence
		}
		return a.regimeID < b.regimeID
	})
	winner := candidates[0]

	if winner.direction == model.DirFlat {
		signal.Reason = fmt.Sprintf("regime %s mandates flat", winner.regimeID)
		return signal
	}

	signal.Direction = winner.direction
	signal.Strength = winner.strength
	signal.Confluence = winner.confluence
	signal.StrategyID = winner.regimeID
	signal.Reason = fmt.Sprintf("regime %s (priority %d)", winner.regimeID, winner.priority)

	g.logger.Debug("signal generated",
		zap.String("symbol", symbol),
		zap.String("direction", string(signal.Direction)),
		zap.Float64("confluence", signal.Confluence),
		zap.Float64("strength", signal.Strength))

	return signal
}

// confluence is the weighted fraction of a strategy's confirmation conditions
// that hold, in [0,1]. A strategy without confirmations scores 0: it asserts
// nothing beyond regime membership.
func (g *SignalGenerator) confluence(strat regime.Strategy, snapshot regime.Values) float64 {
	var total, agreed float64
	for _, conf := range strat.Confirmations {
		weight := conf.Weight
		if weight <= 0 {
			weight = 1
		}
		total += weight

		ok, issues := regime.Evaluate(conf.When, snapshot)
		for _, issue := range issues {
			g.logger.Warn("confirmation evaluation issue",
				zap.String("regime", strat.Regime),
				zap.String("path", issue.Path),
				zap.String("reason", issue.Reason))
		}
		if ok {
			agreed += weight
		}
	}
	if total == 0 {
		return 0
	}
	return agreed / total
}

// strength reflects indicator magnitude, independent of regime membership:
// the configured field's distance from its center, normalized by scale and
// clamped to [0,1]. Undefined values yield 0.
func (g *SignalGenerator) strength(strat regime.Strategy, snapshot regime.Values) float64 {
	src := strat.Strength
	if src == nil {
		return 0
	}

	v, ok := snapshot.Value(src.Indicator, src.Field)
	if !ok || math.IsNaN(v) || src.Scale <= 0 {
		return 0
	}

	return math.Min(math.Abs(v-src.Center)/src.Scale, 1)
}
