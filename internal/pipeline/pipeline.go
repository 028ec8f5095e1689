// Package pipeline is the execution safety layer: every candidate order runs
// through a strict, ordered chain of gates before it may reach the broker.
//
// Gate order is a designed invariant — later gates assume earlier ones ran:
//
//	1. kill switch        -> trading_halted
//	2. queue capacity     -> queue_full
//	3. pre-trade risk     -> risk_limit_exceeded (daily-loss breach also trips the kill switch)
//	4. duplicate suppress -> duplicate_order
//	5. manual approval    -> suspends as pending_approval (only async point)
//	6. position limits    -> limit_exceeded
//
// All gates plus their state mutation run as one critical section per Submit;
// the broker call happens outside the lock. The manual-approval suspension
// releases the lock while waiting — it blocks only that order, never the
// pipeline.
package pipeline

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"regime-trader/internal/executor"
	"regime-trader/internal/model"
	"regime-trader/internal/service"
	"regime-trader/internal/telemetry"
)

// Reason identifies which gate rejected an order. Rejections are expected,
// typed results — never errors.
type Reason string

const (
	ReasonNone          Reason = ""
	ReasonTradingHalted Reason = "trading_halted"
	ReasonQueueFull     Reason = "queue_full"
	ReasonRiskLimit     Reason = "risk_limit_exceeded"
	ReasonDuplicate     Reason = "duplicate_order"
	ReasonLimitExceeded Reason = "limit_exceeded"
)

// Gate stage names, as reported to telemetry.
const (
	stageKillSwitch = "kill_switch"
	stageQueue      = "queue_capacity"
	stageRisk       = "pre_trade_risk"
	stageDedup      = "duplicate_suppression"
	stageLimits     = "position_limits"
)

// Result is the outcome of Submit or Approve. Every order reaches a terminal,
// diagnosable outcome except the pending_approval suspension, which a later
// Approve or Deny resolves.
type Result struct {
	OrderID string
	State   model.OrderState
	Reason  Reason
	Detail  string
	Broker  *model.OrderResult
}

// Rejected reports whether a gate stopped the order.
func (r Result) Rejected() bool {
	return r.State == model.OrderRejected
}

// Listener receives one event per order state transition, carrying the exact
// gate reason where applicable. Invoked outside the pipeline lock.
type Listener func(orderID string, state model.OrderState, reason Reason)

type order struct {
	id       string
	req      model.OrderRequest
	state    model.OrderState
	created  time.Time
	dedupKey string
}

type event struct {
	orderID string
	state   model.OrderState
	reason  Reason
}

// Pipeline owns all shared execution state: kill switch, recent-order cache,
// risk counters, outstanding set, pending approvals. One mutex guards the
// whole gate chain.
type Pipeline struct {
	mu     sync.Mutex
	cfg    service.PipelineConfig
	logger *zap.Logger
	broker executor.Broker
	risk   RiskChecker // optional external risk manager
	sink   telemetry.Sink

	halted      bool
	recent      map[string]time.Time // dedup key -> last seen
	orders      map[string]*order
	pending     map[string]*order // awaiting manual approval
	outstanding map[string]*order // counted against queue capacity
	positions   map[string]float64 // signed filled position per symbol
	state       RiskState

	listener Listener
	now      func() time.Time
}

// New builds the pipeline. risk may be nil when no external risk manager is
// wired; the internal RiskState limits still apply.
func New(cfg service.PipelineConfig, broker executor.Broker, risk RiskChecker, sink telemetry.Sink, logger *zap.Logger) *Pipeline {
	if cfg.QueueMax <= 0 {
		cfg.QueueMax = 16
	}
	if cfg.DuplicateWindow <= 0 {
		cfg.DuplicateWindow = 5 * time.Second
	}
	if sink == nil {
		sink = telemetry.Nop{}
	}

	return &Pipeline{
		cfg:         cfg,
		logger:      logger.With(zap.String("component", "pipeline")),
		broker:      broker,
		risk:        risk,
		sink:        sink,
		recent:      make(map[string]time.Time),
		orders:      make(map[string]*order),
		pending:     make(map[string]*order),
		outstanding: make(map[string]*order),
		positions:   make(map[string]float64),
		now:         time.Now,
	}
}

// SetListener registers the order state-change callback.
func (p *Pipeline) SetListener(l Listener) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.listener = l
}

// Submit runs one order through the gate chain. With approval required it
// returns immediately with pending_approval; Approve or Deny drives the state
// machine onward. Otherwise the order goes to the broker after gate 6 and the
// broker outcome is returned. A broker transport failure is surfaced as an
// error alongside the terminal result.
func (p *Pipeline) Submit(ctx context.Context, req model.OrderRequest) (Result, error) {
	p.mu.Lock()
	res, ord, events := p.runGates(req)
	p.mu.Unlock()
	p.emit(events)

	if ord == nil {
		return res, nil
	}
	return p.placeWithBroker(ctx, ord)
}

// runGates executes gates 1-6 under the lock. A non-nil returned order means
// every synchronous gate passed and the order is ready for the broker.
func (p *Pipeline) runGates(req model.OrderRequest) (Result, *order, []event) {
	var events []event
	now := p.now()

	ord := &order{
		id:       uuid.NewString(),
		req:      req,
		state:    model.OrderCreated,
		created:  now,
		dedupKey: req.DedupKey(),
	}
	p.orders[ord.id] = ord
	events = append(events, event{ord.id, model.OrderCreated, ReasonNone})

	// Gate 1: kill switch. Nothing below may run while tripped — a halted
	// order must not even touch the dedup cache.
	if p.halted {
		return p.reject(ord, stageKillSwitch, ReasonTradingHalted, "kill switch is set", &events), nil, events
	}

	// Gate 2: queue capacity. Backpressure, not an error state.
	if len(p.outstanding) >= p.cfg.QueueMax {
		detail := fmt.Sprintf("outstanding orders %d at capacity %d", len(p.outstanding), p.cfg.QueueMax)
		return p.reject(ord, stageQueue, ReasonQueueFull, detail, &events), nil, events
	}

	// Gate 3: pre-trade risk, external manager first, then the internal book.
	if p.risk != nil {
		if ok, reasons := p.risk.CanTrade(); !ok {
			return p.reject(ord, stageRisk, ReasonRiskLimit, strings.Join(reasons, "; "), &events), nil, events
		}
	}
	if breaches := p.checkRiskState(now, req); len(breaches) > 0 {
		reasons := make([]string, len(breaches))
		for i, b := range breaches {
			reasons[i] = b.reason
			if b.fatal {
				// A daily-loss breach halts all future trading, not just
				// this order.
				p.trip(&events)
			}
		}
		return p.reject(ord, stageRisk, ReasonRiskLimit, strings.Join(reasons, "; "), &events), nil, events
	}

	// Gate 4: duplicate suppression. Stale entries are evicted lazily here,
	// not by a background timer.
	for key, seen := range p.recent {
		if now.Sub(seen) >= p.cfg.DuplicateWindow {
			delete(p.recent, key)
		}
	}
	if seen, ok := p.recent[ord.dedupKey]; ok && now.Sub(seen) < p.cfg.DuplicateWindow {
		detail := fmt.Sprintf("duplicate of order seen %s ago", now.Sub(seen))
		return p.reject(ord, stageDedup, ReasonDuplicate, detail, &events), nil, events
	}
	p.recent[ord.dedupKey] = now

	// Gate 5: manual approval. The pipeline's only asynchronous suspension:
	// control returns to the caller without broker contact, and the lock is
	// released while the order waits.
	if !p.cfg.AutoApprove {
		ord.state = model.OrderPendingApproval
		p.pending[ord.id] = ord
		p.outstanding[ord.id] = ord
		events = append(events, event{ord.id, model.OrderPendingApproval, ReasonNone})
		return Result{OrderID: ord.id, State: model.OrderPendingApproval}, nil, events
	}

	return p.passFinalGate(ord, &events)
}

// passFinalGate runs gate 6 and, on pass, marks the order submitted. Caller
// must hold the lock.
func (p *Pipeline) passFinalGate(ord *order, events *[]event) (Result, *order, []event) {
	if detail, ok := p.checkLimits(ord.req); !ok {
		delete(p.outstanding, ord.id)
		return p.reject(ord, stageLimits, ReasonLimitExceeded, detail, events), nil, *events
	}

	ord.state = model.OrderSubmitted
	p.outstanding[ord.id] = ord
	*events = append(*events, event{ord.id, model.OrderSubmitted, ReasonNone})
	return Result{OrderID: ord.id, State: model.OrderSubmitted}, ord, *events
}

// checkLimits is gate 6: per-symbol and account-level size limits against the
// position the fill would produce.
func (p *Pipeline) checkLimits(req model.OrderRequest) (string, bool) {
	limits := p.cfg.Limits

	if limits.MaxOrderQuantity > 0 && req.Quantity > limits.MaxOrderQuantity {
		return fmt.Sprintf("quantity %g above per-order limit %g", req.Quantity, limits.MaxOrderQuantity), false
	}

	signed := req.Quantity
	if req.Side == model.SideSell {
		signed = -req.Quantity
	}
	projected := p.positions[req.Symbol] + signed

	if limits.MaxPositionPerSymbol > 0 && abs(projected) > limits.MaxPositionPerSymbol {
		return fmt.Sprintf("projected position %g above per-symbol limit %g", projected, limits.MaxPositionPerSymbol), false
	}

	if limits.MaxTotalExposure > 0 {
		exposure := abs(projected)
		for symbol, pos := range p.positions {
			if symbol != req.Symbol {
				exposure += abs(pos)
			}
		}
		if exposure > limits.MaxTotalExposure {
			return fmt.Sprintf("projected exposure %g above account limit %g", exposure, limits.MaxTotalExposure), false
		}
	}

	return "", true
}

// placeWithBroker hands a fully-gated order to the broker adapter and records
// the outcome. No internal retry; retry policy is the caller's.
func (p *Pipeline) placeWithBroker(ctx context.Context, ord *order) (Result, error) {
	brokerRes, err := p.broker.PlaceOrder(ctx, ord.req)

	p.mu.Lock()
	res, events, err := p.completeBroker(ord, brokerRes, err)
	p.mu.Unlock()
	p.emit(events)
	return res, err
}

func (p *Pipeline) completeBroker(ord *order, brokerRes model.OrderResult, err error) (Result, []event, error) {
	var events []event
	delete(p.outstanding, ord.id)

	// The kill switch may have discarded the order while the broker call was
	// in flight. Its slot is released either way.
	if ord.state != model.OrderSubmitted {
		delete(p.recent, ord.dedupKey)
		return Result{OrderID: ord.id, State: ord.state}, events, err
	}

	if err != nil {
		// Opaque broker failure: surfaced, dedup slot released so a caller
		// retry is not suppressed, never retried here.
		delete(p.recent, ord.dedupKey)
		ord.state = model.OrderRejectedByBroker
		events = append(events, event{ord.id, model.OrderRejectedByBroker, ReasonNone})
		return Result{OrderID: ord.id, State: model.OrderRejectedByBroker},
			events, fmt.Errorf("broker error: %w", err)
	}

	if brokerRes.Status == model.StatusRejected {
		delete(p.recent, ord.dedupKey)
		ord.state = model.OrderRejectedByBroker
		events = append(events, event{ord.id, model.OrderRejectedByBroker, ReasonNone})
		return Result{OrderID: ord.id, State: model.OrderRejectedByBroker, Broker: &brokerRes}, events, nil
	}

	// Filled: update the risk book.
	ord.state = model.OrderFilled
	events = append(events, event{ord.id, model.OrderFilled, ReasonNone})
	p.state.DailyTradeCount++
	p.applyFill(ord.req)

	return Result{OrderID: ord.id, State: model.OrderFilled, Broker: &brokerRes}, events, nil
}

func (p *Pipeline) applyFill(req model.OrderRequest) {
	signed := req.Quantity
	if req.Side == model.SideSell {
		signed = -req.Quantity
	}

	before := p.positions[req.Symbol]
	after := before + signed
	p.positions[req.Symbol] = after

	switch {
	case before == 0 && after != 0:
		p.state.OpenPositionCount++
	case before != 0 && after == 0:
		p.state.OpenPositionCount--
	}
}

// Approve resolves a pending_approval order and drives it through gate 6 and
// the broker.
func (p *Pipeline) Approve(ctx context.Context, orderID string) (Result, error) {
	p.mu.Lock()
	ord, ok := p.pending[orderID]
	if !ok {
		p.mu.Unlock()
		return Result{}, fmt.Errorf("order %s is not pending approval", orderID)
	}
	delete(p.pending, orderID)

	var events []event
	ord.state = model.OrderApproved
	events = append(events, event{ord.id, model.OrderApproved, ReasonNone})

	res, ready, events := p.passFinalGate(ord, &events)
	p.mu.Unlock()
	p.emit(events)

	if ready == nil {
		return res, nil
	}
	return p.placeWithBroker(ctx, ready)
}

// Deny resolves a pending_approval order as denied and discards it.
func (p *Pipeline) Deny(orderID string) (Result, error) {
	p.mu.Lock()
	ord, ok := p.pending[orderID]
	if !ok {
		p.mu.Unlock()
		return Result{}, fmt.Errorf("order %s is not pending approval", orderID)
	}
	delete(p.pending, orderID)
	delete(p.outstanding, orderID)

	events := []event{
		{ord.id, model.OrderDenied, ReasonNone},
		{ord.id, model.OrderDiscarded, ReasonNone},
	}
	ord.state = model.OrderDiscarded
	p.mu.Unlock()
	p.emit(events)

	return Result{OrderID: ord.id, State: model.OrderDiscarded}, nil
}

// EmergencyStop sets the kill switch. Callable from any goroutine; effective
// immediately for any order not yet past gate 1. Stays set until
// ClearKillSwitch.
func (p *Pipeline) EmergencyStop() {
	p.mu.Lock()
	var events []event
	p.trip(&events)
	p.mu.Unlock()
	p.emit(events)
}

// trip sets the kill switch and, exactly once per transition into "set",
// discards pending approvals and outstanding orders. Idempotent. Caller must
// hold the lock.
func (p *Pipeline) trip(events *[]event) {
	if p.halted {
		return
	}
	p.halted = true
	p.logger.Warn("kill switch tripped; trading halted")

	for id, ord := range p.pending {
		ord.state = model.OrderDiscarded
		*events = append(*events, event{id, model.OrderDiscarded, ReasonTradingHalted})
		delete(p.pending, id)
		delete(p.outstanding, id)
	}
	for id, ord := range p.outstanding {
		ord.state = model.OrderDiscarded
		*events = append(*events, event{id, model.OrderDiscarded, ReasonTradingHalted})
		delete(p.outstanding, id)
	}
}

// ClearKillSwitch re-enables gate evaluation. Explicit administrative action;
// nothing clears the switch implicitly.
func (p *Pipeline) ClearKillSwitch() {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.halted {
		p.halted = false
		p.logger.Info("kill switch cleared; trading resumed")
	}
}

// Halted reports the kill-switch state.
func (p *Pipeline) Halted() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.halted
}

// OrderState returns the current state of a known order.
func (p *Pipeline) OrderState(orderID string) (model.OrderState, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()

	ord, ok := p.orders[orderID]
	if !ok {
		return "", false
	}
	return ord.state, true
}

// PendingApprovals returns the ids of orders awaiting approval.
func (p *Pipeline) PendingApprovals() []string {
	p.mu.Lock()
	defer p.mu.Unlock()

	out := make([]string, 0, len(p.pending))
	for id := range p.pending {
		out = append(out, id)
	}
	return out
}

func (p *Pipeline) reject(ord *order, stage string, reason Reason, detail string, events *[]event) Result {
	ord.state = model.OrderRejected
	*events = append(*events, event{ord.id, model.OrderRejected, reason})

	p.sink.GateRejection(stage, string(reason), ord.req.Symbol, p.now())
	p.logger.Info("order rejected",
		zap.String("order_id", ord.id),
		zap.String("stage", stage),
		zap.String("reason", string(reason)),
		zap.String("detail", detail),
		zap.String("symbol", ord.req.Symbol))

	return Result{OrderID: ord.id, State: model.OrderRejected, Reason: reason, Detail: detail}
}

// emit delivers state-change events outside the lock so listeners may call
// back into the pipeline.
func (p *Pipeline) emit(events []event) {
	p.mu.Lock()
	listener := p.listener
	p.mu.Unlock()

	if listener == nil {
		return
	}
	for _, e := range events {
		listener(e.orderID, e.state, e.reason)
	}
}

func abs(v float64) float64 {
	if v < 0 {
		return -v
	}
	return v
}
