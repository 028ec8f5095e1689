package service

import (
	"log"
	"time"

	"github.com/spf13/viper"
)

// Config is the full application configuration, loaded from config.yaml.
type Config struct {
	Exchange  ExchangeConfig            `mapstructure:"Exchange"`
	Strategy  StrategyConfig            `mapstructure:"Strategy"`
	Pipeline  PipelineConfig            `mapstructure:"Pipeline"`
	Instances map[string]InstanceConfig `mapstructure:"Instances"`
}

// ExchangeConfig holds the market-data connection settings.
type ExchangeConfig struct {
	Name       string
	APIKey     string
	SecretKey  string
	Passphrase string
	WSURL      string
	RESTURL    string
}

// StrategyConfig points at the declarative regime/strategy document.
type StrategyConfig struct {
	DefinitionsFile string // yaml document with indicators, regimes, strategies
}

// InstanceConfig is one isolated trading instance: a symbol plus the interval
// that drives its analysis cycle, and its sizing parameters.
type InstanceConfig struct {
	Symbol         string
	SignalInterval string // bars of this interval trigger the analysis cycle
	Sizing         SizingConfig
}

// SizingConfig controls position sizing for one instance.
type SizingConfig struct {
	MaxTotalCapital       float64
	MaxPerTradeRisk       float64 // fraction of capital risked per trade
	StopLossATRMultiplier float64
	MinPositionSize       float64
}

// PipelineConfig holds all execution-safety thresholds shared across symbols.
type PipelineConfig struct {
	QueueMax        int
	DuplicateWindow time.Duration
	AutoApprove     bool // manual approval is required unless set
	Risk            RiskLimitsConfig
	Limits          PositionLimitsConfig
}

// RiskLimitsConfig bounds the pipeline's daily risk state.
type RiskLimitsConfig struct {
	MaxDailyTrades   int
	MaxDailyLoss     float64 // positive number, USD
	MaxOpenPositions int
	LossStreakLimit  int // consecutive losses before cooldown
	CooldownDuration time.Duration
}

// PositionLimitsConfig bounds position and account exposure (gate 6).
type PositionLimitsConfig struct {
	MaxOrderQuantity     float64
	MaxPositionPerSymbol float64
	MaxTotalExposure     float64 // sum of absolute position sizes across symbols
}

// GlobalConfig holds the loaded configuration.
var GlobalConfig Config

// LoadConfig reads and parses config.yaml from the given directory.
func LoadConfig(configPath string) *Config {
	viper.SetConfigName("config")
	viper.SetConfigType("yaml")
	viper.AddConfigPath(configPath)

	if err := viper.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); ok {
			log.Fatalf("Config file not found: %s", err)
		} else {
			log.Fatalf("Error reading config file: %s", err)
		}
	}

	if err := viper.Unmarshal(&GlobalConfig); err != nil {
		log.Fatalf("Unable to decode config into struct: %s", err)
	}

	applyDefaults(&GlobalConfig)
	return &GlobalConfig
}

func applyDefaults(cfg *Config) {
	if cfg.Pipeline.QueueMax == 0 {
		cfg.Pipeline.QueueMax = 16
	}
	if cfg.Pipeline.DuplicateWindow == 0 {
		cfg.Pipeline.DuplicateWindow = 5 * time.Second
	}
	if cfg.Pipeline.Risk.MaxDailyTrades == 0 {
		cfg.Pipeline.Risk.MaxDailyTrades = 50
	}
	if cfg.Pipeline.Risk.MaxOpenPositions == 0 {
		cfg.Pipeline.Risk.MaxOpenPositions = 5
	}
	if cfg.Pipeline.Risk.CooldownDuration == 0 {
		cfg.Pipeline.Risk.CooldownDuration = 30 * time.Minute
	}
}
