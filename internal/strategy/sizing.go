package strategy

import (
	"math"

	"regime-trader/internal/model"
	"regime-trader/internal/service"
)

// BuildOrder converts a directional signal into a concrete order request.
// Quantity is risk-based: the capital fraction risked per trade divided by the
// ATR-scaled stop distance. With no usable ATR the configured minimum size is
// used. A flat signal never becomes an order; ok is false.
func BuildOrder(signal model.TradeSignal, lastClose, atr float64, cfg service.SizingConfig) (model.OrderRequest, bool) {
	if signal.Direction == model.DirFlat || lastClose <= 0 {
		return model.OrderRequest{}, false
	}

	side := model.SideBuy
	if signal.Direction == model.DirShort {
		side = model.SideSell
	}

	qty := cfg.MinPositionSize
	if !math.IsNaN(atr) && atr > 0 && cfg.StopLossATRMultiplier > 0 {
		stopDistance := atr * cfg.StopLossATRMultiplier
		maxRisk := cfg.MaxTotalCapital * cfg.MaxPerTradeRisk
		if maxRisk > 0 {
			qty = maxRisk / stopDistance
		}
	}
	if qty < cfg.MinPositionSize {
		qty = cfg.MinPositionSize
	}
	if qty <= 0 {
		return model.OrderRequest{}, false
	}

	return model.OrderRequest{
		Symbol:   signal.Symbol,
		Side:     side,
		Quantity: qty,
		Type:     model.OrderMarket,
	}, true
}
