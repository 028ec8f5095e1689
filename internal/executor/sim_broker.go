package executor

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"regime-trader/internal/model"
)

// SimConfig configures the simulated broker.
type SimConfig struct {
	InitialCapital float64
	FeeRate        float64 // e.g. 0.0005
}

// SimBroker fills orders against the last observed market price and tracks a
// simple account view. It backs dry-run operation and the end-to-end tests.
type SimBroker struct {
	cfg    SimConfig
	logger *zap.Logger

	mu        sync.RWMutex
	balance   float64
	lastPrice map[string]float64
	positions map[string]*model.Position
	placed    []model.OrderRequest
	nextID    int

	rejectNext bool
	failNext   bool
}

func NewSimBroker(cfg SimConfig, logger *zap.Logger) *SimBroker {
	return &SimBroker{
		cfg:       cfg,
		logger:    logger.With(zap.String("broker", "sim")),
		balance:   cfg.InitialCapital,
		lastPrice: make(map[string]float64),
		positions: make(map[string]*model.Position),
	}
}

// SetLastPrice updates the mark price used to fill market orders.
func (b *SimBroker) SetLastPrice(symbol string, price float64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.lastPrice[symbol] = price
}

// RejectNext makes the next PlaceOrder return a broker rejection.
func (b *SimBroker) RejectNext() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.rejectNext = true
}

// FailNext makes the next PlaceOrder return a transport error.
func (b *SimBroker) FailNext() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.failNext = true
}

// PlaceOrder implements Broker.
func (b *SimBroker) PlaceOrder(ctx context.Context, req model.OrderRequest) (model.OrderResult, error) {
	if err := ctx.Err(); err != nil {
		return model.OrderResult{}, err
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	if b.failNext {
		b.failNext = false
		return model.OrderResult{}, fmt.Errorf("sim broker: connection lost")
	}
	if b.rejectNext {
		b.rejectNext = false
		return model.OrderResult{Status: model.StatusRejected}, nil
	}

	price := req.Price
	if req.Type == model.OrderMarket {
		price = b.lastPrice[req.Symbol]
	}
	if price <= 0 {
		return model.OrderResult{Status: model.StatusRejected}, nil
	}

	fee := req.Quantity * price * b.cfg.FeeRate
	b.balance -= fee
	b.applyFill(req, price)

	b.nextID++
	b.placed = append(b.placed, req)

	b.logger.Info("sim order filled",
		zap.String("symbol", req.Symbol),
		zap.String("side", string(req.Side)),
		zap.Float64("qty", req.Quantity),
		zap.Float64("price", price),
		zap.Float64("fee", fee))

	return model.OrderResult{
		Status:        model.StatusFilled,
		FillPrice:     price,
		BrokerOrderID: fmt.Sprintf("sim-%d", b.nextID),
	}, nil
}

func (b *SimBroker) applyFill(req model.OrderRequest, price float64) {
	pos, ok := b.positions[req.Symbol]
	if !ok {
		pos = &model.Position{Symbol: req.Symbol, Direction: model.DirFlat}
		b.positions[req.Symbol] = pos
	}

	signed := req.Quantity
	if req.Side == model.SideSell {
		signed = -req.Quantity
	}

	prev := pos.Size
	if pos.Direction == model.DirShort {
		prev = -prev
	}
	next := prev + signed

	switch {
	case next > 0:
		pos.Direction = model.DirLong
		pos.Size = next
	case next < 0:
		pos.Direction = model.DirShort
		pos.Size = -next
	default:
		pos.Direction = model.DirFlat
		pos.Size = 0
	}

	if prev == 0 && next != 0 {
		pos.AvgPrice = price
		pos.EntryTime = time.Now()
	}
}

// Position returns the simulated holding for a symbol.
func (b *SimBroker) Position(symbol string) model.Position {
	b.mu.RLock()
	defer b.mu.RUnlock()

	if pos, ok := b.positions[symbol]; ok {
		return *pos
	}
	return model.Position{Symbol: symbol, Direction: model.DirFlat}
}

// Placed returns a copy of every filled order request, in order.
func (b *SimBroker) Placed() []model.OrderRequest {
	b.mu.RLock()
	defer b.mu.RUnlock()

	out := make([]model.OrderRequest, len(b.placed))
	copy(out, b.placed)
	return out
}

// Balance returns the simulated cash balance.
func (b *SimBroker) Balance() float64 {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.balance
}
