package regime

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const validDoc = `
indicators:
  - id: rsi_14
    type: rsi
    params: {period: 14}
    cache: true
  - id: adx_14
    type: adx
    params: {period: 14}

regimes:
  - id: trend_up
    scope: entry
    priority: 10
    conditions:
      all:
        - left: {indicator: adx_14, field: adx}
          op: gt
          right: {value: 25}
        - left: {indicator: rsi_14, field: rsi}
          op: gte
          right: {value: 55}
  - id: cooling
    scope: exit
    conditions:
      left: {indicator: rsi_14, field: rsi}
      op: lt
      right: {value: 40}

strategies:
  - regime: trend_up
    direction: long
    strength: {indicator: adx_14, field: adx, center: 25, scale: 25}
    confirmations:
      - weight: 2
        when:
          left: {indicator: rsi_14, field: rsi}
          op: lt
          right: {value: 75}
`

func TestParseDefinitionsValid(t *testing.T) {
	defs, err := ParseDefinitions([]byte(validDoc))
	require.NoError(t, err)

	assert.Len(t, defs.Indicators, 2)
	assert.Len(t, defs.Regimes, 2)

	cfgs := defs.IndicatorConfigs()
	require.Contains(t, cfgs, "rsi_14")
	assert.Equal(t, "rsi", cfgs["rsi_14"].Type)
	assert.True(t, cfgs["rsi_14"].CacheResults)
	assert.Equal(t, 14.0, cfgs["rsi_14"].Params["period"])

	trendUp, ok := defs.RegimeByID("trend_up")
	require.True(t, ok)
	assert.Equal(t, ScopeEntry, trendUp.Scope)
	assert.Equal(t, 10, trendUp.Priority)
	require.Len(t, trendUp.Conditions.All, 2)

	strat, ok := defs.StrategyFor("trend_up")
	require.True(t, ok)
	require.NotNil(t, strat.Strength)
	assert.Equal(t, 25.0, strat.Strength.Scale)

	_, ok = defs.StrategyFor("cooling")
	assert.False(t, ok)

	atrID, ok := defs.FirstIndicatorOfType("adx")
	require.True(t, ok)
	assert.Equal(t, "adx_14", atrID)
}

func TestParseDefinitionsRejectsDuplicates(t *testing.T) {
	doc := `
regimes:
  - id: twin
    scope: entry
    conditions: {left: {value: 1}, op: gt, right: {value: 0}}
  - id: twin
    scope: entry
    conditions: {left: {value: 1}, op: gt, right: {value: 0}}
`
	_, err := ParseDefinitions([]byte(doc))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "duplicate regime id")
}

func TestParseDefinitionsRejectsDanglingStrategy(t *testing.T) {
	doc := `
regimes:
  - id: real
    scope: entry
    conditions: {left: {value: 1}, op: gt, right: {value: 0}}
strategies:
  - regime: imaginary
    direction: long
`
	_, err := ParseDefinitions([]byte(doc))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown regime")
}

func TestParseDefinitionsRejectsUnknownIndicatorType(t *testing.T) {
	doc := `
indicators:
  - id: v1
    type: vwap
regimes:
  - id: r
    scope: entry
    conditions: {left: {value: 1}, op: gt, right: {value: 0}}
`
	_, err := ParseDefinitions([]byte(doc))
	require.Error(t, err)
}

func TestParseDefinitionsRejectsBadScope(t *testing.T) {
	doc := `
regimes:
  - id: r
    scope: sideways
    conditions: {left: {value: 1}, op: gt, right: {value: 0}}
`
	_, err := ParseDefinitions([]byte(doc))
	require.Error(t, err)
}

func TestParseDefinitionsRejectsBadYAML(t *testing.T) {
	_, err := ParseDefinitions([]byte("regimes: ["))
	require.Error(t, err)
}
