package sandbox

import (
	"fmt"
	"time"

	"github.com/TomWesselmann/Confidential-Assurance-Protocol-sub001/pkg/policy"
)

type ErrorKind string

const (
	KindResourceExceeded ErrorKind = "resource_exceeded"
	KindMissingInput     ErrorKind = "missing_input"
	KindInvalidInput     ErrorKind = "invalid_input"
	KindInvalidBytecode  ErrorKind = "invalid_bytecode"
)

type Error struct {
	Kind   ErrorKind
	Detail string
}

func (e *Error) Error() string {
	if e == nil {
		return ""
	}
	return fmt.Sprintf("sandbox %s: %s", e.Kind, e.Detail)
}

func errKind(kind ErrorKind, format string, args ...any) *Error {
	return &Error{Kind: kind, Detail: fmt.Sprintf(format, args...)}
}

// Limits caps one evaluation. Zero fields fall back to the defaults.
type Limits struct {
	MaxInstructions int
	MaxStackDepth   int
	MaxWallClock    time.Duration
}

func DefaultLimits() Limits {
	return Limits{
		MaxInstructions: 10000,
		MaxStackDepth:   64,
		MaxWallClock:    50 * time.Millisecond,
	}
}

func (l Limits) withDefaults() Limits {
	d := DefaultLimits()
	if l.MaxInstructions <= 0 {
		l.MaxInstructions = d.MaxInstructions
	}
	if l.MaxStackDepth <= 0 {
		l.MaxStackDepth = d.MaxStackDepth
	}
	if l.MaxWallClock <= 0 {
		l.MaxWallClock = d.MaxWallClock
	}
	return l
}

type RuleResult struct {
	RuleID    string `json:"rule_id"`
	Satisfied bool   `json:"satisfied"`
}

// Result lists rule outcomes in assert execution order. AllSatisfied is the
// conjunction over Rules; status wording (ok/warn/fail) is the proof
// engine's concern.
type Result struct {
	Rules        []RuleResult `json:"rules"`
	AllSatisfied bool         `json:"all_satisfied"`
}

type valueKind int

const (
	kindInt valueKind = iota
	kindString
	kindSet
	kindBool
)

type value struct {
	kind valueKind
	i    int64
	s    string
	set  []policy.Const
	b    bool
}

type vm struct {
	stack    []value
	maxDepth int
}

func (m *vm) push(v value) *Error {
	if len(m.stack) >= m.maxDepth {
		return errKind(KindResourceExceeded, "stack depth limit %d reached", m.maxDepth)
	}
	m.stack = append(m.stack, v)
	return nil
}

func (m *vm) pop() (value, *Error) {
	if len(m.stack) == 0 {
		return value{}, errKind(KindInvalidBytecode, "stack underflow")
	}
	v := m.stack[len(m.stack)-1]
	m.stack = m.stack[:len(m.stack)-1]
	return v, nil
}

// Evaluate runs compiled bytecode against a fact map. The machine has no
// capability besides the fact map: no filesystem, no network, no clock
// reads from the program itself. Identical bytecode and facts always yield
// an identical Result. On any error no partial Result is returned.
func Evaluate(code []policy.Instruction, facts map[string]any, limits Limits) (Result, error) {
	lim := limits.withDefaults()
	normalized, err := normalizeFacts(facts)
	if err != nil {
		return Result{}, err
	}

	m := &vm{maxDepth: lim.MaxStackDepth}
	var rules []RuleResult
	start := time.Now()

	for i, ins := range code {
		if i >= lim.MaxInstructions {
			return Result{}, errKind(KindResourceExceeded, "instruction budget %d exhausted", lim.MaxInstructions)
		}
		if i%64 == 0 && time.Since(start) > lim.MaxWallClock {
			return Result{}, errKind(KindResourceExceeded, "wall clock limit %s exceeded", lim.MaxWallClock)
		}

		switch ins.Op {
		case policy.OpLoadVar:
			v, ok := normalized[ins.Var]
			if !ok {
				return Result{}, errKind(KindMissingInput, "input %q not supplied", ins.Var)
			}
			if err := m.push(v); err != nil {
				return Result{}, err
			}
		case policy.OpPushConst:
			if ins.Const == nil {
				return Result{}, errKind(KindInvalidBytecode, "push_const without constant")
			}
			v, cerr := constValue(*ins.Const)
			if cerr != nil {
				return Result{}, cerr
			}
			if err := m.push(v); err != nil {
				return Result{}, err
			}
		case policy.OpGE, policy.OpLE, policy.OpEQ, policy.OpNotIn:
			if err := m.compare(ins.Op); err != nil {
				return Result{}, err
			}
		case policy.OpAssert:
			v, perr := m.pop()
			if perr != nil {
				return Result{}, perr
			}
			if v.kind != kindBool {
				return Result{}, errKind(KindInvalidBytecode, "assert over non-boolean")
			}
			if ins.RuleID == "" {
				return Result{}, errKind(KindInvalidBytecode, "assert without rule id")
			}
			rules = append(rules, RuleResult{RuleID: ins.RuleID, Satisfied: v.b})
		default:
			return Result{}, errKind(KindInvalidBytecode, "unknown opcode %q", ins.Op)
		}
	}

	if len(m.stack) != 0 {
		return Result{}, errKind(KindInvalidBytecode, "stack not empty after program end")
	}

	all := true
	for _, r := range rules {
		if !r.Satisfied {
			all = false
			break
		}
	}
	return Result{Rules: rules, AllSatisfied: all}, nil
}

func (m *vm) compare(op policy.OpCode) *Error {
	right, err := m.pop()
	if err != nil {
		return err
	}
	left, err := m.pop()
	if err != nil {
		return err
	}

	var out bool
	switch op {
	case policy.OpGE, policy.OpLE:
		if left.kind != kindInt || right.kind != kindInt {
			return errKind(KindInvalidBytecode, "%s requires int operands", op)
		}
		if op == policy.OpGE {
			out = left.i >= right.i
		} else {
			out = left.i <= right.i
		}
	case policy.OpEQ:
		switch {
		case left.kind == kindInt && right.kind == kindInt:
			out = left.i == right.i
		case left.kind == kindString && right.kind == kindString:
			out = left.s == right.s
		default:
			return errKind(KindInvalidBytecode, "eq requires operands of one type")
		}
	case policy.OpNotIn:
		if right.kind != kindSet {
			return errKind(KindInvalidBytecode, "not_in requires a set right operand")
		}
		member := false
		for _, c := range right.set {
			switch {
			case left.kind == kindInt && c.Type == policy.ConstInt && left.i == c.Int:
				member = true
			case left.kind == kindString && c.Type == policy.ConstString && left.s == c.Str:
				member = true
			}
		}
		out = !member
	}
	return m.push(value{kind: kindBool, b: out})
}

func constValue(c policy.Const) (value, *Error) {
	switch c.Type {
	case policy.ConstInt:
		return value{kind: kindInt, i: c.Int}, nil
	case policy.ConstString:
		return value{kind: kindString, s: c.Str}, nil
	case policy.ConstSet:
		return value{kind: kindSet, set: c.Set}, nil
	default:
		return value{}, errKind(KindInvalidBytecode, "unknown constant type %q", c.Type)
	}
}

func normalizeFacts(facts map[string]any) (map[string]value, error) {
	out := make(map[string]value, len(facts))
	for name, raw := range facts {
		switch v := raw.(type) {
		case int:
			out[name] = value{kind: kindInt, i: int64(v)}
		case int32:
			out[name] = value{kind: kindInt, i: int64(v)}
		case int64:
			out[name] = value{kind: kindInt, i: v}
		case string:
			out[name] = value{kind: kindString, s: v}
		default:
			return nil, errKind(KindInvalidInput, "fact %q has unsupported type %T", name, raw)
		}
	}
	return out, nil
}
