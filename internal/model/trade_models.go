package model

import (
	"fmt"
	"time"
)

// Direction is the directional stance of a trade signal.
type Direction string

const (
	DirLong  Direction = "long"
	DirShort Direction = "short"
	DirFlat  Direction = "flat" // no actionable setup
)

func (d Direction) String() string {
	return string(d)
}

// Side is the order side sent to the broker.
type Side string

const (
	SideBuy  Side = "buy"
	SideSell Side = "sell"
)

// OrderType is the execution style of an order.
type OrderType string

const (
	OrderMarket OrderType = "market"
	OrderLimit  OrderType = "limit"
)

// TradeSignal is the output of one analysis cycle. Created once per cycle,
// never mutated afterwards.
type TradeSignal struct {
	Symbol     string
	Direction  Direction
	Strength   float64 // indicator magnitude, in [0,1]
	Confluence float64 // agreeing-confirmation score, in [0,1]
	RegimeIDs  []string
	StrategyID string
	Timestamp  time.Time
	Reason     string
}

func (s TradeSignal) String() string {
	return fmt.Sprintf("SIGNAL [%s %s] strength=%.2f confluence=%.2f regimes=%v strategy=%s | %s",
		s.Symbol, s.Direction, s.Strength, s.Confluence, s.RegimeIDs, s.StrategyID, s.Reason)
}

// OrderRequest is a candidate order handed to the execution pipeline.
// Consumed exactly once.
type OrderRequest struct {
	Symbol   string
	Side     Side
	Quantity float64
	Type     OrderType
	Price    float64 // 0 for market orders
}

// DedupKey is the identity used for duplicate suppression.
func (r OrderRequest) DedupKey() string {
	return fmt.Sprintf("%s|%s|%g", r.Symbol, r.Side, r.Quantity)
}

// OrderState tracks an order through the execution pipeline.
type OrderState string

const (
	OrderCreated          OrderState = "created"
	OrderRejected         OrderState = "rejected"
	OrderPendingApproval  OrderState = "pending_approval"
	OrderApproved         OrderState = "approved"
	OrderDenied           OrderState = "denied"
	OrderDiscarded        OrderState = "discarded"
	OrderSubmitted        OrderState = "submitted"
	OrderFilled           OrderState = "filled"
	OrderRejectedByBroker OrderState = "rejected_by_broker"
)

// Terminal reports whether no further transitions are possible.
func (s OrderState) Terminal() bool {
	switch s {
	case OrderRejected, OrderFilled, OrderRejectedByBroker, OrderDiscarded:
		return true
	}
	return false
}

// OrderStatus is the broker's verdict on a placed order.
type OrderStatus string

const (
	StatusFilled   OrderStatus = "filled"
	StatusRejected OrderStatus = "rejected"
)

// OrderResult is the broker adapter's response to PlaceOrder.
type OrderResult struct {
	Status        OrderStatus
	FillPrice     float64
	BrokerOrderID string
}

// Position is the current holding for one symbol.
type Position struct {
	Symbol    string
	Direction Direction
	Size      float64
	AvgPrice  float64
	UPL       float64 // unrealized PnL
	EntryTime time.Time
}

// TradeRecord is one completed round trip (open and close).
type TradeRecord struct {
	EntryTime     time.Time
	ExitTime      time.Time
	Symbol        string
	PosSide       Direction
	EntryPrice    float64
	ExitPrice     float64
	Size          float64
	RealizedPnL   float64
	Fee           float64
	TriggerReason string // "Signal", "SL", "TP", "Liquidation"
}
