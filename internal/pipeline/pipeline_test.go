package pipeline

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"regime-trader/internal/executor"
	"regime-trader/internal/model"
	"regime-trader/internal/service"
)

// testClock is a manually-advanced clock injected into the pipeline.
type testClock struct {
	current time.Time
}

func (c *testClock) Now() time.Time { return c.current }

func (c *testClock) Advance(d time.Duration) { c.current = c.current.Add(d) }

func defaultCfg() service.PipelineConfig {
	return service.PipelineConfig{
		QueueMax:        16,
		DuplicateWindow: 5 * time.Second,
		AutoApprove:     true,
	}
}

func newTestPipeline(t *testing.T, cfg service.PipelineConfig) (*Pipeline, *executor.SimBroker, *testClock) {
	t.Helper()
	broker := executor.NewSimBroker(executor.SimConfig{InitialCapital: 10000, FeeRate: 0}, zap.NewNop())
	broker.SetLastPrice("BTCUSDT", 50000)
	broker.SetLastPrice("ETHUSDT", 3000)

	p := New(cfg, broker, nil, nil, zap.NewNop())
	clock := &testClock{current: time.Date(2025, 6, 2, 10, 0, 0, 0, time.UTC)}
	p.now = clock.Now
	return p, broker, clock
}

func buyOrder(symbol string, qty float64) model.OrderRequest {
	return model.OrderRequest{Symbol: symbol, Side: model.SideBuy, Quantity: qty, Type: model.OrderMarket}
}

func TestSubmitHappyPath(t *testing.T) {
	p, broker, _ := newTestPipeline(t, defaultCfg())

	res, err := p.Submit(context.Background(), buyOrder("BTCUSDT", 0.1))
	require.NoError(t, err)
	assert.Equal(t, model.OrderFilled, res.State)
	require.NotNil(t, res.Broker)
	assert.Equal(t, model.StatusFilled, res.Broker.Status)
	assert.Len(t, broker.Placed(), 1)

	state, ok := p.OrderState(res.OrderID)
	require.True(t, ok)
	assert.Equal(t, model.OrderFilled, state)
}

func TestDuplicateSuppression(t *testing.T) {
	p, broker, clock := newTestPipeline(t, defaultCfg())
	req := buyOrder("BTCUSDT", 0.1)

	first, err := p.Submit(context.Background(), req)
	require.NoError(t, err)
	assert.Equal(t, model.OrderFilled, first.State)

	// Identical order inside the window: rejected, never reaches the broker.
	clock.Advance(2 * time.Second)
	second, err := p.Submit(context.Background(), req)
	require.NoError(t, err)
	assert.Equal(t, model.OrderRejected, second.State)
	assert.Equal(t, ReasonDuplicate, second.Reason)
	assert.Len(t, broker.Placed(), 1)

	// A different quantity is a different identity.
	other, err := p.Submit(context.Background(), buyOrder("BTCUSDT", 0.2))
	require.NoError(t, err)
	assert.Equal(t, model.OrderFilled, other.State)

	// Past the window the original identity is allowed again.
	clock.Advance(5 * time.Second)
	third, err := p.Submit(context.Background(), req)
	require.NoError(t, err)
	assert.Equal(t, model.OrderFilled, third.State)
}

func TestKillSwitch(t *testing.T) {
	p, broker, _ := newTestPipeline(t, defaultCfg())

	p.EmergencyStop()
	assert.True(t, p.Halted())

	res, err := p.Submit(context.Background(), buyOrder("BTCUSDT", 0.1))
	require.NoError(t, err)
	assert.Equal(t, model.OrderRejected, res.State)
	assert.Equal(t, ReasonTradingHalted, res.Reason)
	assert.Empty(t, broker.Placed())

	// Idempotent.
	p.EmergencyStop()
	assert.True(t, p.Halted())

	p.ClearKillSwitch()
	assert.False(t, p.Halted())

	res, err = p.Submit(context.Background(), buyOrder("BTCUSDT", 0.1))
	require.NoError(t, err)
	assert.Equal(t, model.OrderFilled, res.State)
}

func TestQueueCapacityEvaluatedBeforeDuplicate(t *testing.T) {
	cfg := defaultCfg()
	cfg.QueueMax = 1
	cfg.AutoApprove = false
	p, _, _ := newTestPipeline(t, cfg)
	req := buyOrder("BTCUSDT", 0.1)

	// The pending approval occupies the single queue slot.
	first, err := p.Submit(context.Background(), req)
	require.NoError(t, err)
	assert.Equal(t, model.OrderPendingApproval, first.State)

	// An identical resubmit would trip both gates; capacity fires first.
	second, err := p.Submit(context.Background(), req)
	require.NoError(t, err)
	assert.Equal(t, model.OrderRejected, second.State)
	assert.Equal(t, ReasonQueueFull, second.Reason)
}

func TestDailyLossBreachTripsKillSwitch(t *testing.T) {
	cfg := defaultCfg()
	cfg.Risk.MaxDailyLoss = 100
	p, _, _ := newTestPipeline(t, cfg)

	p.OnTradeClosed("BTCUSDT", -200)

	res, err := p.Submit(context.Background(), buyOrder("BTCUSDT", 0.1))
	require.NoError(t, err)
	assert.Equal(t, model.OrderRejected, res.State)
	assert.Equal(t, ReasonRiskLimit, res.Reason)
	assert.True(t, p.Halted(), "daily-loss breach halts all trading")

	// Every later order on any symbol hits the kill switch first.
	res, err = p.Submit(context.Background(), buyOrder("ETHUSDT", 1))
	require.NoError(t, err)
	assert.Equal(t, ReasonTradingHalted, res.Reason)
}

func TestMaxDailyTrades(t *testing.T) {
	cfg := defaultCfg()
	cfg.Risk.MaxDailyTrades = 1
	p, _, clock := newTestPipeline(t, cfg)

	res, err := p.Submit(context.Background(), buyOrder("BTCUSDT", 0.1))
	require.NoError(t, err)
	require.Equal(t, model.OrderFilled, res.State)

	clock.Advance(10 * time.Second)
	res, err = p.Submit(context.Background(), buyOrder("BTCUSDT", 0.2))
	require.NoError(t, err)
	assert.Equal(t, model.OrderRejected, res.State)
	assert.Equal(t, ReasonRiskLimit, res.Reason)
	assert.False(t, p.Halted(), "trade-count breach rejects without halting")

	p.ResetDaily()
	res, err = p.Submit(context.Background(), buyOrder("BTCUSDT", 0.3))
	require.NoError(t, err)
	assert.Equal(t, model.OrderFilled, res.State)
}

func TestMaxOpenPositions(t *testing.T) {
	cfg := defaultCfg()
	cfg.Risk.MaxOpenPositions = 1
	p, _, clock := newTestPipeline(t, cfg)

	res, err := p.Submit(context.Background(), buyOrder("BTCUSDT", 0.1))
	require.NoError(t, err)
	require.Equal(t, model.OrderFilled, res.State)
	assert.Equal(t, 1, p.RiskSnapshot().OpenPositionCount)

	clock.Advance(10 * time.Second)
	res, err = p.Submit(context.Background(), buyOrder("ETHUSDT", 1))
	require.NoError(t, err)
	assert.Equal(t, ReasonRiskLimit, res.Reason)

	// Closing the position frees the slot.
	clock.Advance(10 * time.Second)
	res, err = p.Submit(context.Background(), model.OrderRequest{
		Symbol: "BTCUSDT", Side: model.SideSell, Quantity: 0.1, Type: model.OrderMarket,
	})
	require.NoError(t, err)
	require.Equal(t, model.OrderFilled, res.State)
	assert.Equal(t, 0, p.RiskSnapshot().OpenPositionCount)
}

func TestLossStreakCooldown(t *testing.T) {
	cfg := defaultCfg()
	cfg.Risk.LossStreakLimit = 2
	cfg.Risk.CooldownDuration = 10 * time.Minute
	p, _, clock := newTestPipeline(t, cfg)

	p.OnTradeClosed("BTCUSDT", -10)
	p.OnTradeClosed("BTCUSDT", -10)

	res, err := p.Submit(context.Background(), buyOrder("BTCUSDT", 0.1))
	require.NoError(t, err)
	assert.Equal(t, ReasonRiskLimit, res.Reason)
	assert.False(t, p.Halted())

	// A win resets the streak but not an engaged cooldown.
	p.OnTradeClosed("BTCUSDT", 5)
	assert.Equal(t, 0, p.RiskSnapshot().ConsecutiveLossStreak)

	clock.Advance(11 * time.Minute)
	res, err = p.Submit(context.Background(), buyOrder("BTCUSDT", 0.1))
	require.NoError(t, err)
	assert.Equal(t, model.OrderFilled, res.State)
}

func TestExternalRiskChecker(t *testing.T) {
	p, _, _ := newTestPipeline(t, defaultCfg())
	p.risk = riskCheckerFunc(func() (bool, []string) {
		return false, []string{"margin call"}
	})

	res, err := p.Submit(context.Background(), buyOrder("BTCUSDT", 0.1))
	require.NoError(t, err)
	assert.Equal(t, ReasonRiskLimit, res.Reason)
	assert.Contains(t, res.Detail, "margin call")
}

type riskCheckerFunc func() (bool, []string)

func (f riskCheckerFunc) CanTrade() (bool, []string) { return f() }

func TestPositionLimits(t *testing.T) {
	cfg := defaultCfg()
	cfg.Limits.MaxOrderQuantity = 1
	cfg.Limits.MaxPositionPerSymbol = 1.5
	cfg.Limits.MaxTotalExposure = 2
	p, _, clock := newTestPipeline(t, cfg)

	// Per-order quantity cap.
	res, err := p.Submit(context.Background(), buyOrder("BTCUSDT", 2))
	require.NoError(t, err)
	assert.Equal(t, ReasonLimitExceeded, res.Reason)

	// Within limits.
	res, err = p.Submit(context.Background(), buyOrder("BTCUSDT", 1))
	require.NoError(t, err)
	require.Equal(t, model.OrderFilled, res.State)

	// Projected per-symbol position would exceed 1.5.
	clock.Advance(10 * time.Second)
	res, err = p.Submit(context.Background(), buyOrder("BTCUSDT", 1))
	require.NoError(t, err)
	assert.Equal(t, ReasonLimitExceeded, res.Reason)

	// Projected account exposure 1 + 1.5 would exceed 2.
	clock.Advance(10 * time.Second)
	res, err = p.Submit(context.Background(), buyOrder("ETHUSDT", 1.5))
	require.NoError(t, err)
	assert.Equal(t, ReasonLimitExceeded, res.Reason)

	clock.Advance(10 * time.Second)
	res, err = p.Submit(context.Background(), buyOrder("ETHUSDT", 0.5))
	require.NoError(t, err)
	assert.Equal(t, model.OrderFilled, res.State)
}

func TestApprovalFlow(t *testing.T) {
	cfg := defaultCfg()
	cfg.AutoApprove = false
	p, broker, _ := newTestPipeline(t, cfg)

	res, err := p.Submit(context.Background(), buyOrder("BTCUSDT", 0.1))
	require.NoError(t, err)
	require.Equal(t, model.OrderPendingApproval, res.State)
	assert.Empty(t, broker.Placed(), "no broker contact before approval")
	assert.Contains(t, p.PendingApprovals(), res.OrderID)

	approved, err := p.Approve(context.Background(), res.OrderID)
	require.NoError(t, err)
	assert.Equal(t, model.OrderFilled, approved.State)
	assert.Len(t, broker.Placed(), 1)
	assert.Empty(t, p.PendingApprovals())

	// Approving twice is an error.
	_, err = p.Approve(context.Background(), res.OrderID)
	assert.Error(t, err)
}

func TestDenyDiscardsOrder(t *testing.T) {
	cfg := defaultCfg()
	cfg.AutoApprove = false
	p, broker, _ := newTestPipeline(t, cfg)

	res, err := p.Submit(context.Background(), buyOrder("BTCUSDT", 0.1))
	require.NoError(t, err)
	require.Equal(t, model.OrderPendingApproval, res.State)

	denied, err := p.Deny(res.OrderID)
	require.NoError(t, err)
	assert.Equal(t, model.OrderDiscarded, denied.State)
	assert.Empty(t, broker.Placed())

	state, ok := p.OrderState(res.OrderID)
	require.True(t, ok)
	assert.Equal(t, model.OrderDiscarded, state)

	_, err = p.Deny(res.OrderID)
	assert.Error(t, err)
}

func TestKillSwitchDiscardsPendingApprovals(t *testing.T) {
	cfg := defaultCfg()
	cfg.AutoApprove = false
	p, _, _ := newTestPipeline(t, cfg)

	res, err := p.Submit(context.Background(), buyOrder("BTCUSDT", 0.1))
	require.NoError(t, err)
	require.Equal(t, model.OrderPendingApproval, res.State)

	p.EmergencyStop()

	state, ok := p.OrderState(res.OrderID)
	require.True(t, ok)
	assert.Equal(t, model.OrderDiscarded, state)

	_, err = p.Approve(context.Background(), res.OrderID)
	assert.Error(t, err, "a discarded order can no longer be approved")
}

func TestBrokerRejectionReleasesDedupSlot(t *testing.T) {
	p, broker, _ := newTestPipeline(t, defaultCfg())
	req := buyOrder("BTCUSDT", 0.1)

	broker.RejectNext()
	res, err := p.Submit(context.Background(), req)
	require.NoError(t, err, "a broker rejection is a result, not an error")
	assert.Equal(t, model.OrderRejectedByBroker, res.State)
	require.NotNil(t, res.Broker)
	assert.Equal(t, model.StatusRejected, res.Broker.Status)

	// An immediate retry is not suppressed as a duplicate.
	res, err = p.Submit(context.Background(), req)
	require.NoError(t, err)
	assert.Equal(t, model.OrderFilled, res.State)
}

func TestBrokerFailureSurfacedAsError(t *testing.T) {
	p, broker, _ := newTestPipeline(t, defaultCfg())
	req := buyOrder("BTCUSDT", 0.1)

	broker.FailNext()
	res, err := p.Submit(context.Background(), req)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "broker error")
	assert.Equal(t, model.OrderRejectedByBroker, res.State)

	res, err = p.Submit(context.Background(), req)
	require.NoError(t, err)
	assert.Equal(t, model.OrderFilled, res.State)
	assert.Equal(t, 1, p.RiskSnapshot().DailyTradeCount, "the failed attempt is not counted")
}

func TestListenerObservesTransitions(t *testing.T) {
	p, _, _ := newTestPipeline(t, defaultCfg())

	var states []model.OrderState
	var reasons []Reason
	p.SetListener(func(orderID string, state model.OrderState, reason Reason) {
		states = append(states, state)
		reasons = append(reasons, reason)
	})

	_, err := p.Submit(context.Background(), buyOrder("BTCUSDT", 0.1))
	require.NoError(t, err)
	assert.Equal(t, []model.OrderState{model.OrderCreated, model.OrderSubmitted, model.OrderFilled}, states)

	// A gate rejection carries its reason in the event.
	states = states[:0]
	reasons = reasons[:0]
	_, err = p.Submit(context.Background(), buyOrder("BTCUSDT", 0.1))
	require.NoError(t, err)
	assert.Equal(t, []model.OrderState{model.OrderCreated, model.OrderRejected}, states)
	assert.Equal(t, ReasonDuplicate, reasons[1])
}
