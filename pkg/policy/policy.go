// Package policy implements the declarative policy evaluation engine: it
// loads an ordered rule document and evaluates (tool, operation, params,
// context) tuples against it to produce a decision and a risk level.
package policy

import (
	"fmt"
	"path"
	"strings"

	"github.com/faramesh/faramesh-core/pkg/action"
	"github.com/faramesh/faramesh-core/pkg/canonicalize"
)

// Effect is the terminal action a matching rule prescribes.
type Effect string

const (
	EffectAllow           Effect = "allow"
	EffectDeny            Effect = "deny"
	EffectRequireApproval Effect = "require_approval"
)

// Match is the shared predicate grammar used by both rules and risk rules.
type Match struct {
	Tool    string         `yaml:"tool,omitempty" json:"tool,omitempty"`
	Op      string         `yaml:"op,omitempty" json:"op,omitempty"`
	Pattern string         `yaml:"pattern,omitempty" json:"pattern,omitempty"`
	Params  map[string]any `yaml:"params,omitempty" json:"params,omitempty"`
	Context map[string]any `yaml:"context,omitempty" json:"context,omitempty"`

	AmountGT *float64 `yaml:"amount_gt,omitempty" json:"amount_gt,omitempty"`
	AmountLT *float64 `yaml:"amount_lt,omitempty" json:"amount_lt,omitempty"`

	// Expr is an optional CEL extension to the grammar above, for
	// predicates the static fields can't express. It receives tool, op,
	// params and context as CEL variables and must evaluate to a bool.
	Expr string `yaml:"expr,omitempty" json:"expr,omitempty"`
}

// Rule is one ordered entry in the rule list.
type Rule struct {
	Match       Match  `yaml:"match" json:"match"`
	Allow       bool   `yaml:"allow,omitempty" json:"allow,omitempty"`
	Deny        bool   `yaml:"deny,omitempty" json:"deny,omitempty"`
	Require     bool   `yaml:"require_approval,omitempty" json:"require_approval,omitempty"`
	Description string `yaml:"description,omitempty" json:"description,omitempty"`
	Risk        string `yaml:"risk,omitempty" json:"risk,omitempty"`
}

// Effect resolves the single declared effect of the rule.
func (r Rule) Effect() (Effect, error) {
	n := 0
	var eff Effect
	if r.Allow {
		n++
		eff = EffectAllow
	}
	if r.Deny {
		n++
		eff = EffectDeny
	}
	if r.Require {
		n++
		eff = EffectRequireApproval
	}
	if n != 1 {
		return "", fmt.Errorf("policy: rule must declare exactly one of allow/deny/require_approval, got %d", n)
	}
	return eff, nil
}

// RiskRule assigns a risk level to inputs matching its predicate.
type RiskRule struct {
	When      Match  `yaml:"when" json:"when"`
	RiskLevel string `yaml:"risk_level" json:"risk_level"`
}

// document is the on-disk policy file shape.
type document struct {
	Rules []Rule `yaml:"rules" json:"rules"`
	Risk  struct {
		Rules []RiskRule `yaml:"rules" json:"rules"`
	} `yaml:"risk" json:"risk"`
}

// Policy is an immutable, loaded ruleset. A Policy value is safe for
// concurrent evaluation from multiple goroutines; reload produces a new
// value and the Engine swaps its pointer atomically.
type Policy struct {
	rules     []Rule
	riskRules []RiskRule
	version   string
	source    string
}

// Version is the content-hash identifier of the document this Policy was
// parsed from.
func (p *Policy) Version() string { return p.version }

// Decision is the outcome of evaluating one action request.
type Decision struct {
	Decision  action.Decision
	Reason    string
	RiskLevel action.RiskLevel
}

// Evaluate runs the deterministic decision algorithm from the rule set:
// compute risk first, then find the first matching rule, then apply the
// risk-override (an allow under high risk is promoted to require_approval).
//
// Evaluate never performs I/O and always returns the same output for the
// same inputs against the same Policy value.
func (p *Policy) Evaluate(tool, op string, params, ctx map[string]any) (Decision, error) {
	risk, err := p.computeRisk(tool, op, params, ctx)
	if err != nil {
		return Decision{}, err
	}

	for _, rule := range p.rules {
		ok, err := matches(rule.Match, tool, op, params, ctx)
		if err != nil {
			return Decision{}, err
		}
		if !ok {
			continue
		}
		eff, err := rule.Effect()
		if err != nil {
			return Decision{}, err
		}
		dec := effectToDecision(eff)
		if dec == action.DecisionAllow && risk == action.RiskHigh {
			dec = action.DecisionRequireApproval
		}
		reason := rule.Description
		if reason == "" {
			reason = fmt.Sprintf("matched rule: %s %s -> %s", orStar(rule.Match.Tool), orStar(rule.Match.Op), eff)
		}
		return Decision{Decision: dec, Reason: reason, RiskLevel: risk}, nil
	}

	return Decision{
		Decision:  action.DecisionDeny,
		Reason:    "no matching policy rule",
		RiskLevel: risk,
	}, nil
}

func effectToDecision(e Effect) action.Decision {
	switch e {
	case EffectAllow:
		return action.DecisionAllow
	case EffectDeny:
		return action.DecisionDeny
	default:
		return action.DecisionRequireApproval
	}
}

func orStar(s string) string {
	if s == "" {
		return "*"
	}
	return s
}

// computeRisk iterates every risk rule, collects the ones whose predicate
// matches, and returns the highest risk level among them (default low).
func (p *Policy) computeRisk(tool, op string, params, ctx map[string]any) (action.RiskLevel, error) {
	level := action.RiskLow
	for _, rr := range p.riskRules {
		ok, err := matches(rr.When, tool, op, params, ctx)
		if err != nil {
			return "", err
		}
		if !ok {
			continue
		}
		level = action.HigherRisk(level, action.RiskLevel(rr.RiskLevel))
	}
	return level, nil
}

// matches evaluates a single Match predicate against the candidate
// (tool, op, params, context) tuple. Every specified field must match; an
// all-empty Match matches everything.
func matches(m Match, tool, op string, params, ctx map[string]any) (bool, error) {
	if !globOrEqual(m.Tool, tool) {
		return false, nil
	}
	if !globOrEqual(m.Op, op) {
		return false, nil
	}
	if m.Pattern != "" {
		canon, err := canonicalize.JCSString(params)
		if err != nil {
			return false, fmt.Errorf("policy: canonicalize params for pattern match: %w", err)
		}
		if !strings.Contains(canon, m.Pattern) {
			return false, nil
		}
	}
	if !mapSubset(m.Params, params) {
		return false, nil
	}
	if !mapSubset(m.Context, ctx) {
		return false, nil
	}
	if m.AmountGT != nil {
		v, ok := numericField(params, "amount")
		if !ok || !(v > *m.AmountGT) {
			return false, nil
		}
	}
	if m.AmountLT != nil {
		v, ok := numericField(params, "amount")
		if !ok || !(v < *m.AmountLT) {
			return false, nil
		}
	}
	if m.Expr != "" {
		ok, err := evalExpr(m.Expr, tool, op, params, ctx)
		if err != nil {
			return false, fmt.Errorf("policy: expr evaluation failed: %w", err)
		}
		if !ok {
			return false, nil
		}
	}
	return true, nil
}

// globOrEqual implements the tool/op pattern grammar: "" or "*" matches
// anything, otherwise path.Match-style glob, falling back to literal
// equality when the pattern has no glob metacharacters.
func globOrEqual(pattern, value string) bool {
	if pattern == "" || pattern == "*" {
		return true
	}
	if !strings.ContainsAny(pattern, "*?[") {
		return pattern == value
	}
	ok, err := path.Match(pattern, value)
	return err == nil && ok
}

// mapSubset reports whether every key in want is present in have with an
// equal value (compared via canonical JSON so types line up regardless of
// how the caller's map was constructed).
func mapSubset(want, have map[string]any) bool {
	if len(want) == 0 {
		return true
	}
	if have == nil {
		return false
	}
	for k, wv := range want {
		hv, ok := have[k]
		if !ok {
			return false
		}
		wCanon, err1 := canonicalize.JCSString(wv)
		hCanon, err2 := canonicalize.JCSString(hv)
		if err1 != nil || err2 != nil || wCanon != hCanon {
			return false
		}
	}
	return true
}

// numericField extracts a float64 out of an arbitrary JSON-decoded value
// (json.Unmarshal yields float64 for all JSON numbers into map[string]any).
func numericField(params map[string]any, field string) (float64, bool) {
	if params == nil {
		return 0, false
	}
	v, ok := params[field]
	if !ok {
		return 0, false
	}
	switch n := v.(type) {
	case float64:
		return n, true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	default:
		return 0, false
	}
}
