// Package api holds the exchange websocket connector. It only connects and
// funnels raw market data into the shared ticker channel; everything
// downstream is venue-agnostic.
package api

import (
	"encoding/json"
	"net/url"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"regime-trader/internal/model"
	"regime-trader/internal/service"
)

// wsEnvelope is the venue's generic push-message frame.
type wsEnvelope struct {
	Arg struct {
		Channel string `json:"channel"`
		InstId  string `json:"instId"`
	} `json:"arg"`
	Data  json.RawMessage `json:"data"`
	Event string          `json:"event"`
}

// wsTrade is one trade print from the trades channel.
type wsTrade struct {
	Timestamp string `json:"ts"`
	Price     string `json:"px"`
	Size      string `json:"sz"`
	Side      string `json:"side"`
	TradeId   string `json:"tradeId"`
	InstId    string `json:"instId"`
}

// wsTicker is a price snapshot from the tickers channel.
type wsTicker struct {
	LastPrice string `json:"last"`
	Timestamp string `json:"ts"`
	InstId    string `json:"instId"`
}

// instMap maps venue instrument ids to internal symbols
// (e.g. BTC-USDT-SWAP -> BTCUSDT).
type instMap map[string]string

// Connector owns the websocket session and the shared ticker channel.
type Connector struct {
	wsConn        *websocket.Conn
	wsURL         string
	instToSymbol  instMap
	tickerChannel chan model.Ticker
}

func NewConnector(wsURL string, symbols []string) *Connector {
	// Generous buffer for bursty trade streams.
	tickerChan := make(chan model.Ticker, 2048)

	instToSymbol := make(instMap, len(symbols))
	for _, symbol := range symbols {
		instID := symbol[:3] + "-" + symbol[3:] + "-SWAP"
		instToSymbol[instID] = symbol
	}

	service.Logger.Info("Connector initialized", zap.Strings("Symbols", symbols))

	return &Connector{
		wsURL:         wsURL,
		instToSymbol:  instToSymbol,
		tickerChannel: tickerChan,
	}
}

// Start connects, subscribes, and keeps reading until the process exits.
// Reconnects with a fixed backoff on any connection failure.
func (c *Connector) Start() {
	for {
		if err := c.connectAndRead(); err != nil {
			service.Logger.Error("WS session ended, reconnecting", zap.Error(err))
			time.Sleep(5 * time.Second)
		}
	}
}

func (c *Connector) connectAndRead() error {
	service.Logger.Info("Starting WS multi-symbol connection", zap.String("URL", c.wsURL))

	u, err := url.Parse(c.wsURL)
	if err != nil {
		return err
	}
	conn, _, err := websocket.DefaultDialer.Dial(u.String(), nil)
	if err != nil {
		return err
	}
	c.wsConn = conn
	defer c.wsConn.Close()

	var args []map[string]string
	for instID := range c.instToSymbol {
		args = append(args, map[string]string{"channel": "trades", "instId": instID})
		args = append(args, map[string]string{"channel": "tickers", "instId": instID})
	}
	subscribeMsg := map[string]interface{}{
		"op":   "subscribe",
		"args": args,
	}

	if err := c.wsConn.WriteJSON(subscribeMsg); err != nil {
		return err
	}
	service.Logger.Info("Subscribed to all TRADE and TICKERS streams")

	return c.readLoop()
}

func (c *Connector) readLoop() error {
	for {
		_, message, err := c.wsConn.ReadMessage()
		if err != nil {
			return err
		}

		var envelope wsEnvelope
		if err := json.Unmarshal(message, &envelope); err != nil {
			continue
		}

		// Subscription acks and errors carry an event field; skip them.
		if envelope.Event != "" {
			continue
		}

		symbol, ok := c.instToSymbol[envelope.Arg.InstId]
		if !ok || len(envelope.Data) == 0 {
			continue
		}

		switch envelope.Arg.Channel {
		case "trades":
			c.handleTrades(symbol, envelope.Data)
		case "tickers":
			c.handleTickers(symbol, envelope.Data)
		}
	}
}

func (c *Connector) handleTrades(symbol string, data json.RawMessage) {
	var trades []wsTrade
	if err := json.Unmarshal(data, &trades); err != nil {
		service.Logger.Error("Trade data unmarshal error", zap.Error(err))
		return
	}

	for _, trade := range trades {
		price, err := service.StringToFloat(trade.Price)
		if err != nil {
			continue
		}
		volume, err := service.StringToFloat(trade.Size)
		if err != nil {
			continue
		}
		timestamp, err := service.StringToInt64(trade.Timestamp)
		if err != nil {
			continue
		}

		ticker := model.Ticker{
			Symbol:       symbol,
			Timestamp:    timestamp,
			Price:        price,
			Volume:       volume,
			IsBuyerMaker: trade.Side != "buy",
		}

		select {
		case c.tickerChannel <- ticker:
		default:
			service.Logger.Warn("Ticker channel full, dropping trade", zap.String("Symbol", symbol))
		}
	}
}

func (c *Connector) handleTickers(symbol string, data json.RawMessage) {
	var tickers []wsTicker
	if err := json.Unmarshal(data, &tickers); err != nil {
		service.Logger.Error("Tickers data unmarshal error", zap.Error(err))
		return
	}
	if len(tickers) == 0 {
		return
	}

	// Only the latest snapshot matters.
	snap := tickers[0]
	price, err := service.StringToFloat(snap.LastPrice)
	if err != nil {
		return
	}
	timestamp, _ := service.StringToInt64(snap.Timestamp)

	ticker := model.Ticker{
		Symbol:    symbol,
		Timestamp: timestamp,
		Price:     price,
		Volume:    0, // price snapshot, no traded size
	}

	select {
	case c.tickerChannel <- ticker:
	default:
		service.Logger.Debug("Ticker channel full, dropping snapshot", zap.String("Symbol", symbol))
	}
}

// TickerChannel is the shared output consumed by the data engines.
func (c *Connector) TickerChannel() chan model.Ticker {
	return c.tickerChannel
}
