// Package regime classifies the market by evaluating declaratively-defined
// condition trees against the latest indicator snapshot. Trees are data, not
// code: a tagged union of all/any/not/leaf nodes walked by one recursive
// evaluator, so a malformed node fails that node alone.
package regime

import (
	"fmt"
	"math"
)

// Operator is a leaf comparator.
type Operator string

const (
	OpGT  Operator = "gt"
	OpLT  Operator = "lt"
	OpGTE Operator = "gte"
	OpLTE Operator = "lte"
	OpEQ  Operator = "eq"
	OpNE  Operator = "ne"
)

// Operand is either a literal value or a reference to an indicator field.
type Operand struct {
	Indicator string   `yaml:"indicator,omitempty"`
	Field     string   `yaml:"field,omitempty"`
	Value     *float64 `yaml:"value,omitempty"`
}

// Condition is one node of a rule tree. Exactly one of All, Any, Not, or the
// leaf triple (Left, Op, Right) must be set.
type Condition struct {
	All []Condition `yaml:"all,omitempty"`
	Any []Condition `yaml:"any,omitempty"`
	Not *Condition  `yaml:"not,omitempty"`

	Left  *Operand `yaml:"left,omitempty"`
	Op    Operator `yaml:"op,omitempty"`
	Right *Operand `yaml:"right,omitempty"`
}

// Values resolves indicator references for leaf evaluation. ok must be false
// only when the indicator id or field is unknown; an undefined (not yet
// computable) value is reported as (NaN, true).
type Values interface {
	Value(indicatorID, field string) (float64, bool)
}

// Issue is one contained evaluation problem: a missing reference or a
// malformed node. Issues never abort evaluation of sibling nodes or other
// regimes.
type Issue struct {
	Path   string
	Reason string
}

// Evaluate walks the tree. all short-circuits on the first false child, any on
// the first true child, not inverts its child, leaves compare resolved
// operands. all([]) is true, any([]) is false. A leaf that cannot resolve an
// operand, or an undefined operand, evaluates false.
func Evaluate(cond Condition, vals Values) (bool, []Issue) {
	var issues []Issue
	result := eval(cond, vals, "$", &issues)
	return result, issues
}

func eval(cond Condition, vals Values, path string, issues *[]Issue) bool {
	switch {
	case cond.All != nil:
		for i, child := range cond.All {
			if !eval(child, vals, fmt.Sprintf("%s.all[%d]", path, i), issues) {
				return false
			}
		}
		return true

	case cond.Any != nil:
		for i, child := range cond.Any {
			if eval(child, vals, fmt.Sprintf("%s.any[%d]", path, i), issues) {
				return true
			}
		}
		return false

	case cond.Not != nil:
		return !eval(*cond.Not, vals, path+".not", issues)

	case cond.Left != nil || cond.Right != nil:
		return evalLeaf(cond, vals, path, issues)
	}

	*issues = append(*issues, Issue{Path: path, Reason: "empty condition node"})
	return false
}

func evalLeaf(cond Condition, vals Values, path string, issues *[]Issue) bool {
	left, ok := resolve(cond.Left, vals, path+".left", issues)
	if !ok {
		return false
	}
	right, ok := resolve(cond.Right, vals, path+".right", issues)
	if !ok {
		return false
	}

	// Undefined operand: the condition is false, silently. This is the one
	// missing-value semantics shared with the indicator engine.
	if math.IsNaN(left) || math.IsNaN(right) {
		return false
	}

	switch cond.Op {
	case OpGT:
		return left > right
	case OpLT:
		return left < right
	case OpGTE:
		return left >= right
	case OpLTE:
		return left <= right
	case OpEQ:
		return left == right
	case OpNE:
		return left != right
	}

	*issues = append(*issues, Issue{Path: path, Reason: fmt.Sprintf("unknown operator %q", cond.Op)})
	return false
}

func resolve(op *Operand, vals Values, path string, issues *[]Issue) (float64, bool) {
	if op == nil {
		*issues = append(*issues, Issue{Path: path, Reason: "missing operand"})
		return 0, false
	}
	if op.Value != nil {
		return *op.Value, true
	}
	if op.Indicator == "" || op.Field == "" {
		*issues = append(*issues, Issue{Path: path, Reason: "operand needs either value or indicator+field"})
		return 0, false
	}

	v, ok := vals.Value(op.Indicator, op.Field)
	if !ok {
		*issues = append(*issues, Issue{
			Path:   path,
			Reason: fmt.Sprintf("unknown indicator reference %s.%s", op.Indicator, op.Field),
		})
		return 0, false
	}
	return v, true
}
