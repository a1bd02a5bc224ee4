package policy

import "fmt"

const (
	FindingContradictoryBounds = "contradictory_bounds"
	FindingUnusedInput         = "unused_input"
)

// Finding is a non-fatal lint observation. Strict compilation turns any
// finding into a failure; relaxed compilation carries findings through on
// the compiled artifact.
type Finding struct {
	Code  string `json:"code"`
	Input string `json:"input,omitempty"`
	Msg   string `json:"msg"`
}

// Lint reports contradictory numeric bounds and declared-but-unused inputs.
// Findings come out in sorted input order so repeated runs agree.
func Lint(p *Policy) []Finding {
	used := map[string]bool{}
	type bounds struct {
		min, max int64
		hasMin   bool
		hasMax   bool
	}
	perInput := map[string]*bounds{}

	touch := func(o Operand) {
		if o.isVar() {
			used[o.Var] = true
		}
	}
	boundsFor := func(name string) *bounds {
		b, ok := perInput[name]
		if !ok {
			b = &bounds{}
			perInput[name] = b
		}
		return b
	}

	for _, r := range p.Rules {
		touch(r.Left)
		touch(r.Right)
		if !r.Left.isVar() || r.Right.Const == nil || r.Right.Const.Type != ConstInt {
			continue
		}
		switch r.Operator {
		case OperatorRangeMin:
			b := boundsFor(r.Left.Var)
			if !b.hasMin || r.Right.Const.Int > b.min {
				b.min = r.Right.Const.Int
			}
			b.hasMin = true
		case OperatorRangeMax:
			b := boundsFor(r.Left.Var)
			if !b.hasMax || r.Right.Const.Int < b.max {
				b.max = r.Right.Const.Int
			}
			b.hasMax = true
		}
	}

	var findings []Finding
	for _, name := range p.InputNames() {
		if b, ok := perInput[name]; ok && b.hasMin && b.hasMax && b.min > b.max {
			findings = append(findings, Finding{
				Code:  FindingContradictoryBounds,
				Input: name,
				Msg:   fmt.Sprintf("range_min %d exceeds range_max %d", b.min, b.max),
			})
		}
	}
	for _, name := range p.InputNames() {
		if !used[name] {
			findings = append(findings, Finding{
				Code:  FindingUnusedInput,
				Input: name,
				Msg:   "input is declared but never referenced",
			})
		}
	}
	return findings
}
