package main

import (
	"context"
	"math"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"regime-trader/internal/api"
	"regime-trader/internal/data"
	"regime-trader/internal/executor"
	"regime-trader/internal/model"
	"regime-trader/internal/pipeline"
	"regime-trader/internal/regime"
	"regime-trader/internal/service"
	"regime-trader/internal/strategy"
	"regime-trader/internal/telemetry"
	"regime-trader/pkg/ta"
)

const metricsAddr = ":9100"

func main() {
	service.InitLogger()
	defer service.Logger.Sync()

	configPath := "config"
	if _, err := os.Stat(configPath); os.IsNotExist(err) {
		service.Logger.Fatal("Configuration directory 'config/' not found. Please create it.")
	}
	cfg := service.LoadConfig(configPath)

	defs, err := regime.LoadDefinitions(cfg.Strategy.DefinitionsFile)
	if err != nil {
		service.Logger.Fatal("Failed to load regime definitions", zap.Error(err))
	}
	indicatorCfgs := defs.IndicatorConfigs()
	atrID, hasATR := defs.FirstIndicatorOfType(ta.TypeATR)

	// Telemetry: every gate rejection and regime-evaluation error is counted.
	registry := prometheus.NewRegistry()
	sink := telemetry.NewPrometheus(registry)
	go func() {
		http.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))
		if err := http.ListenAndServe(metricsAddr, nil); err != nil {
			service.Logger.Error("Metrics server stopped", zap.Error(err))
		}
	}()

	// Broker adapter. The simulated broker fills at the live mark price;
	// swapping in a real venue adapter is a one-line change here.
	broker := executor.NewSimBroker(executor.SimConfig{
		InitialCapital: totalCapital(cfg),
		FeeRate:        0.0005,
	}, service.Logger)

	pipe := pipeline.New(cfg.Pipeline, broker, nil, sink, service.Logger)
	pipe.SetListener(func(orderID string, state model.OrderState, reason pipeline.Reason) {
		service.Logger.Info("order state changed",
			zap.String("order_id", orderID),
			zap.String("state", string(state)),
			zap.String("reason", string(reason)))
	})

	// Collect all symbols and start the single connector.
	var symbols []string
	for _, instanceCfg := range cfg.Instances {
		symbols = append(symbols, instanceCfg.Symbol)
	}
	connector := api.NewConnector(cfg.Exchange.WSURL, symbols)
	go connector.Start()

	// Fan the shared ticker stream out to one channel per instance.
	instanceChans := make(map[string]chan model.Ticker, len(cfg.Instances))
	for name := range cfg.Instances {
		instanceChans[name] = make(chan model.Ticker, 1024)
	}
	go func() {
		for ticker := range connector.TickerChannel() {
			for _, ch := range instanceChans {
				select {
				case ch <- ticker:
				default:
				}
			}
		}
	}()

	// One isolated analysis pipeline per trading instance.
	for instanceName, instanceCfg := range cfg.Instances {
		go runInstance(instanceName, instanceCfg, instanceChans[instanceName],
			defs, indicatorCfgs, atrID, hasATR, sink, broker, pipe)
	}

	// Ctrl-C is the emergency stop: trip the kill switch from outside the
	// analysis loops, then exit.
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	<-sigChan
	service.Logger.Warn("Shutdown signal received, tripping kill switch")
	pipe.EmergencyStop()
}

func runInstance(
	name string,
	instance service.InstanceConfig,
	tickerChan chan model.Ticker,
	defs *regime.Definitions,
	indicatorCfgs map[string]ta.Config,
	atrID string,
	hasATR bool,
	sink *telemetry.Prometheus,
	broker *executor.SimBroker,
	pipe *pipeline.Pipeline,
) {
	logger := service.Logger.With(zap.String("Instance", name), zap.String("Symbol", instance.Symbol))
	logger.Info("Starting isolated trading pipeline...")

	engine := data.NewEngine(tickerChan, instance.Symbol, logger)
	go engine.Start()

	// Keep the sim broker's mark price current.
	go func() {
		for ticker := range engine.BroadcastChannel() {
			broker.SetLastPrice(ticker.Symbol, ticker.Price)
		}
	}()

	calculator := ta.NewCalculator(instance.Symbol, logger)
	detector := regime.NewDetector(logger, sink)
	generator := strategy.NewSignalGenerator(defs, logger)

	for bar := range engine.BarChannel() {
		calculator.UpdateBar(bar)

		// Only the instance's signal interval drives a full analysis cycle;
		// other intervals just extend their windows.
		if bar.Interval != instance.SignalInterval {
			continue
		}

		snapshot, err := calculator.Snapshot(bar.Interval, indicatorCfgs)
		if err != nil {
			logger.Debug("snapshot not ready", zap.Error(err))
			continue
		}

		active := detector.DetectActiveRegimes(snapshot, defs, regime.ScopeEntry, instance.Symbol)
		signal := generator.Generate(snapshot, active, instance.Symbol, bar.EndTime)

		// Flat means no actionable setup; it never reaches the pipeline.
		if signal.Direction == model.DirFlat {
			continue
		}
		logger.Info("!!! NEW TRADING SIGNAL !!!", zap.String("Signal", signal.String()))

		atr := math.NaN()
		if hasATR {
			atr, _ = snapshot.Value(atrID, "atr")
		}
		req, ok := strategy.BuildOrder(signal, bar.Close, atr, instance.Sizing)
		if !ok {
			continue
		}

		result, err := pipe.Submit(context.Background(), req)
		if err != nil {
			logger.Error("broker failure", zap.String("order_id", result.OrderID), zap.Error(err))
			continue
		}
		logger.Info("order processed",
			zap.String("order_id", result.OrderID),
			zap.String("state", string(result.State)),
			zap.String("reason", string(result.Reason)))
	}
}

func totalCapital(cfg *service.Config) float64 {
	var total float64
	for _, instance := range cfg.Instances {
		total += instance.Sizing.MaxTotalCapital
	}
	return total
}
