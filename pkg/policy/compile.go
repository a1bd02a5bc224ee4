package policy

import (
	"github.com/TomWesselmann/Confidential-Assurance-Protocol-sub001/pkg/canonjson"
)

type Mode string

const (
	ModeStrict  Mode = "strict"
	ModeRelaxed Mode = "relaxed"
)

// Compiled is the immutable compilation artifact. Hash covers everything
// except Warnings, so relaxed and strict compiles of one source agree on
// identity.
type Compiled struct {
	ID         string            `json:"id"`
	Version    string            `json:"version"`
	LegalBasis []string          `json:"legal_basis,omitempty"`
	Inputs     map[string]string `json:"inputs"`
	Bytecode   []Instruction     `json:"bytecode"`
	Hash       string            `json:"hash"`
	Warnings   []Finding         `json:"warnings,omitempty"`
}

// Compile lints and lowers a parsed policy. In strict mode any lint finding
// aborts with a lint error; in relaxed mode findings ride along on the
// artifact. Compilation is pure: one AST always yields one bytecode
// sequence and one hash.
func Compile(p *Policy, mode Mode) (*Compiled, error) {
	switch mode {
	case ModeStrict, ModeRelaxed:
	default:
		return nil, invalidErr("", "mode", "must be strict or relaxed")
	}

	findings := Lint(p)
	if mode == ModeStrict && len(findings) > 0 {
		return nil, &Error{Kind: KindLint, Field: findings[0].Input, Msg: findings[0].Msg}
	}

	code := make([]Instruction, 0, len(p.Rules)*4)
	for _, r := range p.Rules {
		code = append(code, lowerOperand(r.Left))
		code = append(code, lowerOperand(r.Right))
		code = append(code, Instruction{Op: compareOp(r.Operator)})
		code = append(code, assert(r.ID))
	}

	out := &Compiled{
		ID:         p.ID,
		Version:    p.Version,
		LegalBasis: p.LegalBasis,
		Inputs:     p.Inputs,
		Bytecode:   code,
	}
	hash, err := canonjson.Sum0x(compiledHashPayload(out))
	if err != nil {
		return nil, err
	}
	out.Hash = hash
	if mode == ModeRelaxed {
		out.Warnings = findings
	}
	return out, nil
}

// CompileSource parses and compiles a YAML policy document in one step.
func CompileSource(src []byte, mode Mode) (*Compiled, error) {
	p, err := Parse(src)
	if err != nil {
		return nil, err
	}
	return Compile(p, mode)
}

// RuleIDs lists the asserted rule ids in bytecode order.
func (c *Compiled) RuleIDs() []string {
	var ids []string
	for _, ins := range c.Bytecode {
		if ins.Op == OpAssert {
			ids = append(ids, ins.RuleID)
		}
	}
	return ids
}

func lowerOperand(o Operand) Instruction {
	if o.isVar() {
		return loadVar(o.Var)
	}
	return pushConst(*o.Const)
}

func compareOp(operator string) OpCode {
	switch operator {
	case OperatorRangeMin:
		return OpGE
	case OperatorRangeMax:
		return OpLE
	case OperatorEq:
		return OpEQ
	case OperatorNonMembership:
		return OpNotIn
	default:
		// Parse validates operators; an unknown one here is a programming error.
		panic("unknown operator " + operator)
	}
}

// compiledHashPayload fixes the canonical hash input. Warnings and the hash
// field itself stay out of the digest.
func compiledHashPayload(c *Compiled) map[string]any {
	bytecode := make([]any, 0, len(c.Bytecode))
	for _, ins := range c.Bytecode {
		m := map[string]any{"op": string(ins.Op)}
		if ins.Var != "" {
			m["var"] = ins.Var
		}
		if ins.Const != nil {
			m["const"] = constPayload(*ins.Const)
		}
		if ins.RuleID != "" {
			m["rule_id"] = ins.RuleID
		}
		bytecode = append(bytecode, m)
	}
	payload := map[string]any{
		"id":       c.ID,
		"version":  c.Version,
		"inputs":   c.Inputs,
		"bytecode": bytecode,
	}
	if len(c.LegalBasis) > 0 {
		payload["legal_basis"] = c.LegalBasis
	}
	return payload
}

func constPayload(c Const) map[string]any {
	m := map[string]any{"type": c.Type}
	switch c.Type {
	case ConstInt:
		m["int"] = c.Int
	case ConstString:
		m["str"] = c.Str
	case ConstSet:
		members := make([]any, 0, len(c.Set))
		for _, member := range c.Set {
			members = append(members, constPayload(member))
		}
		m["set"] = members
	}
	return m
}
