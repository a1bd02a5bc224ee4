package sandbox

import (
	"errors"
	"reflect"
	"testing"
	"time"

	"github.com/TomWesselmann/Confidential-Assurance-Protocol-sub001/pkg/policy"
)

const evaluatorPolicyYAML = `
policy:
  id: eval_fixture
  version: "1"
  inputs:
    ubo_count: int
    supplier_count: int
  rules:
    - id: rule_ubo_exists
      operator: range_min
      left: ubo_count
      right: 1
    - id: rule_supplier_cap
      operator: range_max
      left: supplier_count
      right: 100
`

func compiledFixture(t *testing.T) *policy.Compiled {
	t.Helper()
	c, err := policy.CompileSource([]byte(evaluatorPolicyYAML), policy.ModeStrict)
	if err != nil {
		t.Fatalf("CompileSource: %v", err)
	}
	return c
}

func TestEvaluateAllSatisfied(t *testing.T) {
	c := compiledFixture(t)
	res, err := Evaluate(c.Bytecode, map[string]any{"ubo_count": 2, "supplier_count": 2}, Limits{})
	if err != nil {
		t.Fatalf("Evaluate: %v", err)
	}
	if !res.AllSatisfied {
		t.Fatalf("expected all rules satisfied: %+v", res)
	}
	want := []RuleResult{
		{RuleID: "rule_ubo_exists", Satisfied: true},
		{RuleID: "rule_supplier_cap", Satisfied: true},
	}
	if !reflect.DeepEqual(res.Rules, want) {
		t.Fatalf("unexpected rule results: %+v", res.Rules)
	}
}

func TestEvaluateUnsatisfiedRule(t *testing.T) {
	c := compiledFixture(t)
	res, err := Evaluate(c.Bytecode, map[string]any{"ubo_count": 0, "supplier_count": 2}, Limits{})
	if err != nil {
		t.Fatalf("Evaluate: %v", err)
	}
	if res.AllSatisfied {
		t.Fatal("expected failure on rule_ubo_exists")
	}
	if res.Rules[0].RuleID != "rule_ubo_exists" || res.Rules[0].Satisfied {
		t.Fatalf("unexpected first rule result: %+v", res.Rules[0])
	}
	if !res.Rules[1].Satisfied {
		t.Fatalf("unrelated rule must stay satisfied: %+v", res.Rules[1])
	}
}

func TestEvaluateDeterministic(t *testing.T) {
	c := compiledFixture(t)
	facts := map[string]any{"ubo_count": 3, "supplier_count": 7}
	a, err := Evaluate(c.Bytecode, facts, Limits{})
	if err != nil {
		t.Fatalf("Evaluate: %v", err)
	}
	b, err := Evaluate(c.Bytecode, facts, Limits{})
	if err != nil {
		t.Fatalf("Evaluate: %v", err)
	}
	if !reflect.DeepEqual(a, b) {
		t.Fatalf("evaluation drift: %+v vs %+v", a, b)
	}
}

func TestEvaluateMissingInput(t *testing.T) {
	c := compiledFixture(t)
	_, err := Evaluate(c.Bytecode, map[string]any{"ubo_count": 2}, Limits{})
	var serr *Error
	if !errors.As(err, &serr) || serr.Kind != KindMissingInput {
		t.Fatalf("expected missing input error, got %v", err)
	}
}

func TestEvaluateFuelExhaustion(t *testing.T) {
	c := compiledFixture(t)
	_, err := Evaluate(c.Bytecode, map[string]any{"ubo_count": 2, "supplier_count": 2}, Limits{MaxInstructions: 3})
	var serr *Error
	if !errors.As(err, &serr) || serr.Kind != KindResourceExceeded {
		t.Fatalf("expected resource exceeded, got %v", err)
	}
}

func TestEvaluateStackDepthLimit(t *testing.T) {
	code := []policy.Instruction{
		{Op: policy.OpPushConst, Const: &policy.Const{Type: policy.ConstInt, Int: 1}},
		{Op: policy.OpPushConst, Const: &policy.Const{Type: policy.ConstInt, Int: 2}},
		{Op: policy.OpPushConst, Const: &policy.Const{Type: policy.ConstInt, Int: 3}},
	}
	_, err := Evaluate(code, nil, Limits{MaxStackDepth: 2})
	var serr *Error
	if !errors.As(err, &serr) || serr.Kind != KindResourceExceeded {
		t.Fatalf("expected stack limit error, got %v", err)
	}
}

func TestEvaluateWallClockLimit(t *testing.T) {
	c := compiledFixture(t)
	_, err := Evaluate(c.Bytecode, map[string]any{"ubo_count": 2, "supplier_count": 2}, Limits{MaxWallClock: time.Nanosecond})
	var serr *Error
	if !errors.As(err, &serr) || serr.Kind != KindResourceExceeded {
		t.Fatalf("expected wall clock error, got %v", err)
	}
}

func TestEvaluateMalformedBytecode(t *testing.T) {
	cases := map[string][]policy.Instruction{
		"unknown opcode": {{Op: policy.OpCode("jump")}},
		"underflow":      {{Op: policy.OpGE}},
		"assert non-bool": {
			{Op: policy.OpPushConst, Const: &policy.Const{Type: policy.ConstInt, Int: 1}},
			{Op: policy.OpAssert, RuleID: "r"},
		},
		"leftover stack": {
			{Op: policy.OpPushConst, Const: &policy.Const{Type: policy.ConstInt, Int: 1}},
		},
		"const missing": {{Op: policy.OpPushConst}},
		"type mismatch": {
			{Op: policy.OpPushConst, Const: &policy.Const{Type: policy.ConstString, Str: "x"}},
			{Op: policy.OpPushConst, Const: &policy.Const{Type: policy.ConstInt, Int: 1}},
			{Op: policy.OpGE},
		},
	}
	for name, code := range cases {
		_, err := Evaluate(code, nil, Limits{})
		var serr *Error
		if !errors.As(err, &serr) || serr.Kind != KindInvalidBytecode {
			t.Fatalf("%s: expected invalid bytecode error, got %v", name, err)
		}
	}
}

func TestEvaluateNonMembership(t *testing.T) {
	src := `
policy:
  id: embargo
  version: "1"
  inputs:
    country: string
  rules:
    - id: rule_no_embargo
      operator: non_membership
      left: country
      right: ["KP", "IR"]
`
	c, err := policy.CompileSource([]byte(src), policy.ModeStrict)
	if err != nil {
		t.Fatalf("CompileSource: %v", err)
	}
	res, err := Evaluate(c.Bytecode, map[string]any{"country": "DE"}, Limits{})
	if err != nil {
		t.Fatalf("Evaluate: %v", err)
	}
	if !res.AllSatisfied {
		t.Fatal("DE is not embargoed")
	}
	res, err = Evaluate(c.Bytecode, map[string]any{"country": "KP"}, Limits{})
	if err != nil {
		t.Fatalf("Evaluate: %v", err)
	}
	if res.AllSatisfied {
		t.Fatal("KP membership must fail the rule")
	}
}

func TestEvaluateRejectsUnsupportedFactType(t *testing.T) {
	c := compiledFixture(t)
	_, err := Evaluate(c.Bytecode, map[string]any{"ubo_count": 1.5, "supplier_count": 2}, Limits{})
	var serr *Error
	if !errors.As(err, &serr) || serr.Kind != KindInvalidInput {
		t.Fatalf("expected invalid input error, got %v", err)
	}
}
