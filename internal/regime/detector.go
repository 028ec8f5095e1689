package regime

import (
	"sort"
	"time"

	"go.uber.org/zap"

	"regime-trader/internal/telemetry"
)

// ActiveRegimeSet is the unordered set of regime ids active for the current
// bar. Zero, one, or many may be active; no mutual exclusivity is enforced.
// Any single-winner tie-break is the caller's business.
type ActiveRegimeSet map[string]struct{}

func (s ActiveRegimeSet) Has(id string) bool {
	_, ok := s[id]
	return ok
}

// IDs returns the active ids sorted, for deterministic logging and signals.
func (s ActiveRegimeSet) IDs() []string {
	out := make([]string, 0, len(s))
	for id := range s {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

// Detector evaluates regime definitions against indicator snapshots.
type Detector struct {
	logger *zap.Logger
	sink   telemetry.Sink
}

func NewDetector(logger *zap.Logger, sink telemetry.Sink) *Detector {
	if sink == nil {
		sink = telemetry.Nop{}
	}
	return &Detector{logger: logger, sink: sink}
}

// DetectActiveRegimes evaluates every matching-scope regime against the
// snapshot. Evaluation problems in one regime are reported and contained;
// the remaining regimes still evaluate.
func (d *Detector) DetectActiveRegimes(snapshot Values, defs *Definitions, scope Scope, symbol string) ActiveRegimeSet {
	active := make(ActiveRegimeSet)

	for _, def := range defs.Regimes {
		if def.Scope != scope {
			continue
		}

		ok, issues := Evaluate(def.Conditions, snapshot)
		for _, issue := range issues {
			d.logger.Warn("regime evaluation issue",
				zap.String("regime", def.ID),
				zap.String("path", issue.Path),
				zap.String("reason", issue.Reason))
			d.sink.RegimeEvalError(def.ID, issue.Reason, symbol, time.Now())
		}

		if ok {
			active[def.ID] = struct{}{}
		}
	}

	return active
}
