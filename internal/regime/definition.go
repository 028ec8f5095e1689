package regime

import (
	"fmt"
	"os"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"

	"regime-trader/internal/model"
	"regime-trader/pkg/ta"
)

// Scope separates rules that open positions from rules that close them.
type Scope string

const (
	ScopeEntry Scope = "entry"
	ScopeExit  Scope = "exit"
)

// Definition is one named market regime and the condition tree that activates it.
type Definition struct {
	ID         string    `yaml:"id" validate:"required"`
	Scope      Scope     `yaml:"scope" validate:"required,oneof=entry exit"`
	Priority   int       `yaml:"priority"`
	Conditions Condition `yaml:"conditions"`
}

// IndicatorDef binds a reference id to an indicator configuration.
type IndicatorDef struct {
	ID        string `yaml:"id" validate:"required"`
	ta.Config `yaml:",inline"`
}

// StrengthSource tells the signal generator which indicator magnitude drives
// signal strength: clamp01(|value - center| / scale).
type StrengthSource struct {
	Indicator string  `yaml:"indicator" validate:"required"`
	Field     string  `yaml:"field" validate:"required"`
	Center    float64 `yaml:"center"`
	Scale     float64 `yaml:"scale" validate:"gt=0"`
}

// Confirmation is one independently-agreeing condition contributing to the
// confluence score with the given weight.
type Confirmation struct {
	Weight float64   `yaml:"weight"`
	When   Condition `yaml:"when"`
}

// Strategy maps an active regime to a directional stance.
type Strategy struct {
	Regime        string          `yaml:"regime" validate:"required"`
	Direction     model.Direction `yaml:"direction" validate:"required,oneof=long short flat"`
	Strength      *StrengthSource `yaml:"strength"`
	Confirmations []Confirmation  `yaml:"confirmations"`
}

// Definitions is the parsed, validated declarative document: indicator
// bindings, regime rules, and per-regime strategies.
type Definitions struct {
	Indicators []IndicatorDef `yaml:"indicators" validate:"dive"`
	Regimes    []Definition   `yaml:"regimes" validate:"required,dive"`
	Strategies []Strategy     `yaml:"strategies" validate:"dive"`
}

// IndicatorConfigs returns the id → config map consumed by ta.Calculator.
func (d *Definitions) IndicatorConfigs() map[string]ta.Config {
	out := make(map[string]ta.Config, len(d.Indicators))
	for _, ind := range d.Indicators {
		out[ind.ID] = ind.Config
	}
	return out
}

// FirstIndicatorOfType returns the id of the first configured indicator of
// the given type. Used to locate the ATR instance for position sizing.
func (d *Definitions) FirstIndicatorOfType(indicatorType string) (string, bool) {
	for _, ind := range d.Indicators {
		if ind.Type == indicatorType {
			return ind.ID, true
		}
	}
	return "", false
}

// StrategyFor returns the strategy bound to a regime id, if any.
func (d *Definitions) StrategyFor(regimeID string) (Strategy, bool) {
	for _, s := range d.Strategies {
		if s.Regime == regimeID {
			return s, true
		}
	}
	return Strategy{}, false
}

// RegimeByID returns a regime definition by id.
func (d *Definitions) RegimeByID(id string) (Definition, bool) {
	for _, r := range d.Regimes {
		if r.ID == id {
			return r, true
		}
	}
	return Definition{}, false
}

// LoadDefinitions reads and validates the declarative document. Document-level
// faults (unreadable file, bad yaml, duplicate ids, dangling references) are
// errors; malformed condition trees inside one regime are not — they surface
// as contained evaluation issues later, so one bad rule never disables
// detection globally.
func LoadDefinitions(path string) (*Definitions, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read definitions: %w", err)
	}
	return ParseDefinitions(raw)
}

// ParseDefinitions decodes and validates a definitions document.
func ParseDefinitions(raw []byte) (*Definitions, error) {
	var defs Definitions
	if err := yaml.Unmarshal(raw, &defs); err != nil {
		return nil, fmt.Errorf("parse definitions: %w", err)
	}

	if err := validator.New().Struct(&defs); err != nil {
		return nil, fmt.Errorf("validate definitions: %w", err)
	}

	seenIndicators := make(map[string]bool, len(defs.Indicators))
	for _, ind := range defs.Indicators {
		if seenIndicators[ind.ID] {
			return nil, fmt.Errorf("duplicate indicator id %q", ind.ID)
		}
		seenIndicators[ind.ID] = true
		if _, err := ta.FieldNames(ind.Type); err != nil {
			return nil, fmt.Errorf("indicator %q: %w", ind.ID, err)
		}
	}

	seenRegimes := make(map[string]bool, len(defs.Regimes))
	for _, r := range defs.Regimes {
		if seenRegimes[r.ID] {
			return nil, fmt.Errorf("duplicate regime id %q", r.ID)
		}
		seenRegimes[r.ID] = true
	}

	for _, s := range defs.Strategies {
		if !seenRegimes[s.Regime] {
			return nil, fmt.Errorf("strategy references unknown regime %q", s.Regime)
		}
	}

	return &defs, nil
}
