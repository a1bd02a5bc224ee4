package policy

import "fmt"

type OpCode string

const (
	OpLoadVar   OpCode = "load_var"
	OpPushConst OpCode = "push_const"
	OpGE        OpCode = "ge"
	OpLE        OpCode = "le"
	OpEQ        OpCode = "eq"
	OpNotIn     OpCode = "not_in"
	OpAssert    OpCode = "assert"
)

const (
	ConstInt    = "int"
	ConstString = "string"
	ConstSet    = "set"
)

// Const is a literal operand in compiled bytecode. Type is one of int,
// string or set; set members are scalar consts of a single type.
type Const struct {
	Type string  `json:"type"`
	Int  int64   `json:"int,omitempty"`
	Str  string  `json:"str,omitempty"`
	Set  []Const `json:"set,omitempty"`
}

func (c Const) String() string {
	switch c.Type {
	case ConstInt:
		return fmt.Sprintf("%d", c.Int)
	case ConstString:
		return fmt.Sprintf("%q", c.Str)
	case ConstSet:
		return fmt.Sprintf("set(%d)", len(c.Set))
	default:
		return "invalid"
	}
}

// Instruction is one stack-machine step. Exactly the fields relevant to Op
// are set: Var for load_var, Const for push_const, RuleID for assert.
type Instruction struct {
	Op     OpCode `json:"op"`
	Var    string `json:"var,omitempty"`
	Const  *Const `json:"const,omitempty"`
	RuleID string `json:"rule_id,omitempty"`
}

func loadVar(name string) Instruction {
	return Instruction{Op: OpLoadVar, Var: name}
}

func pushConst(c Const) Instruction {
	return Instruction{Op: OpPushConst, Const: &c}
}

func assert(ruleID string) Instruction {
	return Instruction{Op: OpAssert, RuleID: ruleID}
}
