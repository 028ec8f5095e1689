package pipeline

import (
	"fmt"
	"time"

	"go.uber.org/zap"

	"regime-trader/internal/model"
)

// RiskChecker is the external risk manager consulted synchronously in the
// pre-trade risk gate. Implementations own their own limits; the pipeline
// additionally enforces its RiskState limits.
type RiskChecker interface {
	CanTrade() (bool, []string)
}

// RiskState is the pipeline's mutable daily risk book. Mutated only under the
// pipeline lock, by gate evaluation, fills, and trade-close events. Not
// persisted across restarts.
type RiskState struct {
	DailyTradeCount       int
	DailyRealizedLoss     float64 // positive USD amount
	OpenPositionCount     int
	ConsecutiveLossStreak int
	CooldownUntil         time.Time
}

// riskBreach is one violated limit. fatal marks the daily-loss breach, which
// is severe enough to halt all future trading, not just this order.
type riskBreach struct {
	reason string
	fatal  bool
}

func (p *Pipeline) checkRiskState(now time.Time, req model.OrderRequest) []riskBreach {
	var breaches []riskBreach
	limits := p.cfg.Risk

	if limits.MaxDailyTrades > 0 && p.state.DailyTradeCount >= limits.MaxDailyTrades {
		breaches = append(breaches, riskBreach{
			reason: fmt.Sprintf("daily trade count %d at limit %d", p.state.DailyTradeCount, limits.MaxDailyTrades),
		})
	}
	if limits.MaxDailyLoss > 0 && p.state.DailyRealizedLoss >= limits.MaxDailyLoss {
		breaches = append(breaches, riskBreach{
			reason: fmt.Sprintf("daily realized loss %.2f at limit %.2f", p.state.DailyRealizedLoss, limits.MaxDailyLoss),
			fatal:  true,
		})
	}
	// Reducing orders pass: the cap limits new exposure, never an exit.
	if limits.MaxOpenPositions > 0 && p.state.OpenPositionCount >= limits.MaxOpenPositions && p.increasesExposure(req) {
		breaches = append(breaches, riskBreach{
			reason: fmt.Sprintf("open positions %d at limit %d", p.state.OpenPositionCount, limits.MaxOpenPositions),
		})
	}
	if now.Before(p.state.CooldownUntil) {
		breaches = append(breaches, riskBreach{
			reason: fmt.Sprintf("in cooldown until %s", p.state.CooldownUntil.Format(time.RFC3339)),
		})
	}

	return breaches
}

// increasesExposure reports whether the order would open or grow the symbol's
// position rather than reduce it.
func (p *Pipeline) increasesExposure(req model.OrderRequest) bool {
	pos := p.positions[req.Symbol]
	signed := req.Quantity
	if req.Side == model.SideSell {
		signed = -req.Quantity
	}
	return abs(pos+signed) > abs(pos)
}

// OnTradeClosed records one closed trade's realized PnL and maintains the
// loss streak and cooldown. Call with the net PnL (negative for a loss).
func (p *Pipeline) OnTradeClosed(symbol string, pnl float64) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if pnl < 0 {
		p.state.DailyRealizedLoss += -pnl
		p.state.ConsecutiveLossStreak++
		limits := p.cfg.Risk
		if limits.LossStreakLimit > 0 && p.state.ConsecutiveLossStreak >= limits.LossStreakLimit {
			p.state.CooldownUntil = p.now().Add(limits.CooldownDuration)
			p.logger.Warn("loss streak cooldown engaged",
				zap.String("symbol", symbol),
				zap.Int("streak", p.state.ConsecutiveLossStreak))
		}
	} else {
		p.state.ConsecutiveLossStreak = 0
	}
}

// ResetDaily zeroes the daily counters. Explicit administrative action, e.g.
// at session rollover.
func (p *Pipeline) ResetDaily() {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.state.DailyTradeCount = 0
	p.state.DailyRealizedLoss = 0
	p.state.ConsecutiveLossStreak = 0
	p.state.CooldownUntil = time.Time{}
}

// RiskSnapshot returns a copy of the current risk state.
func (p *Pipeline) RiskSnapshot() RiskState {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.state
}
