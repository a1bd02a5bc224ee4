package policy

import (
	"bytes"
	"fmt"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"
)

const (
	OperatorRangeMin      = "range_min"
	OperatorRangeMax      = "range_max"
	OperatorEq            = "eq"
	OperatorNonMembership = "non_membership"
)

const (
	InputInt    = "int"
	InputString = "string"
)

type ErrorKind string

const (
	KindInvalid ErrorKind = "invalid"
	KindLint    ErrorKind = "lint"
)

type Error struct {
	Kind   ErrorKind
	RuleID string
	Field  string
	Msg    string
}

func (e *Error) Error() string {
	if e == nil {
		return ""
	}
	parts := []string{"policy " + string(e.Kind)}
	if e.RuleID != "" {
		parts = append(parts, "rule "+e.RuleID)
	}
	if e.Field != "" {
		parts = append(parts, e.Field)
	}
	parts = append(parts, e.Msg)
	return strings.Join(parts, ": ")
}

func invalidErr(ruleID, field, msg string) *Error {
	return &Error{Kind: KindInvalid, RuleID: ruleID, Field: field, Msg: msg}
}

// Operand is either a reference to a declared input (Var set) or a literal
// (Const set). Exactly one of the two is populated.
type Operand struct {
	Var   string `json:"var,omitempty"`
	Const *Const `json:"const,omitempty"`
}

func (o Operand) isVar() bool { return o.Var != "" }

type Rule struct {
	ID       string  `json:"id"`
	Operator string  `json:"operator"`
	Left     Operand `json:"left"`
	Right    Operand `json:"right"`
}

// Policy is the validated AST of one declarative policy document.
type Policy struct {
	ID         string            `json:"id"`
	Version    string            `json:"version"`
	LegalBasis []string          `json:"legal_basis,omitempty"`
	Inputs     map[string]string `json:"inputs"`
	Rules      []Rule            `json:"rules"`
}

type sourceRule struct {
	ID       string `yaml:"id"`
	Operator string `yaml:"operator"`
	Left     any    `yaml:"left"`
	Right    any    `yaml:"right"`
}

type sourcePolicy struct {
	ID         string            `yaml:"id"`
	Version    string            `yaml:"version"`
	LegalBasis []string          `yaml:"legal_basis"`
	Inputs     map[string]string `yaml:"inputs"`
	Rules      []sourceRule      `yaml:"rules"`
}

type sourceDoc struct {
	Policy sourcePolicy `yaml:"policy"`
}

// Parse decodes a YAML policy document and validates it into an AST.
// Unknown document keys are rejected.
func Parse(src []byte) (*Policy, error) {
	dec := yaml.NewDecoder(bytes.NewReader(src))
	dec.KnownFields(true)
	var doc sourceDoc
	if err := dec.Decode(&doc); err != nil {
		return nil, invalidErr("", "document", err.Error())
	}
	sp := doc.Policy

	if strings.TrimSpace(sp.ID) == "" {
		return nil, invalidErr("", "policy.id", "is required")
	}
	if strings.TrimSpace(sp.Version) == "" {
		return nil, invalidErr("", "policy.version", "is required")
	}
	if len(sp.Inputs) == 0 {
		return nil, invalidErr("", "policy.inputs", "at least one input is required")
	}
	inputs := make(map[string]string, len(sp.Inputs))
	for name, typ := range sp.Inputs {
		n := strings.TrimSpace(name)
		if n == "" {
			return nil, invalidErr("", "policy.inputs", "input name must be non-empty")
		}
		switch typ {
		case InputInt, InputString:
		default:
			return nil, invalidErr("", "policy.inputs."+n, "unknown type "+typ)
		}
		inputs[n] = typ
	}
	if len(sp.Rules) == 0 {
		return nil, invalidErr("", "policy.rules", "at least one rule is required")
	}

	p := &Policy{
		ID:         strings.TrimSpace(sp.ID),
		Version:    strings.TrimSpace(sp.Version),
		LegalBasis: sp.LegalBasis,
		Inputs:     inputs,
	}

	seen := map[string]struct{}{}
	for _, sr := range sp.Rules {
		id := strings.TrimSpace(sr.ID)
		if id == "" {
			return nil, invalidErr("", "rule.id", "is required")
		}
		if _, dup := seen[id]; dup {
			return nil, invalidErr(id, "rule.id", "duplicate rule id")
		}
		seen[id] = struct{}{}

		left, err := operandFromSource(id, "left", sr.Left, inputs)
		if err != nil {
			return nil, err
		}
		right, err := operandFromSource(id, "right", sr.Right, inputs)
		if err != nil {
			return nil, err
		}
		rule := Rule{ID: id, Operator: strings.TrimSpace(sr.Operator), Left: left, Right: right}
		if err := checkRuleTypes(rule, inputs); err != nil {
			return nil, err
		}
		p.Rules = append(p.Rules, rule)
	}
	return p, nil
}

// operandFromSource resolves a YAML scalar or sequence. A string naming a
// declared input is a variable reference, everything else is a constant.
func operandFromSource(ruleID, field string, v any, inputs map[string]string) (Operand, error) {
	switch val := v.(type) {
	case nil:
		return Operand{}, invalidErr(ruleID, field, "operand is required")
	case string:
		t := strings.TrimSpace(val)
		if t == "" {
			return Operand{}, invalidErr(ruleID, field, "operand is required")
		}
		if _, ok := inputs[t]; ok {
			return Operand{Var: t}, nil
		}
		return Operand{Const: &Const{Type: ConstString, Str: t}}, nil
	case int:
		return Operand{Const: &Const{Type: ConstInt, Int: int64(val)}}, nil
	case int64:
		return Operand{Const: &Const{Type: ConstInt, Int: val}}, nil
	case uint64:
		return Operand{Const: &Const{Type: ConstInt, Int: int64(val)}}, nil
	case []any:
		if len(val) == 0 {
			return Operand{}, invalidErr(ruleID, field, "set constant must be non-empty")
		}
		set := make([]Const, 0, len(val))
		memberType := ""
		for _, m := range val {
			var c Const
			switch mv := m.(type) {
			case string:
				c = Const{Type: ConstString, Str: strings.TrimSpace(mv)}
			case int:
				c = Const{Type: ConstInt, Int: int64(mv)}
			case int64:
				c = Const{Type: ConstInt, Int: mv}
			default:
				return Operand{}, invalidErr(ruleID, field, fmt.Sprintf("unsupported set member %T", m))
			}
			if memberType == "" {
				memberType = c.Type
			} else if memberType != c.Type {
				return Operand{}, invalidErr(ruleID, field, "set members must share one type")
			}
			set = append(set, c)
		}
		return Operand{Const: &Const{Type: ConstSet, Set: set}}, nil
	default:
		return Operand{}, invalidErr(ruleID, field, fmt.Sprintf("unsupported operand %T", v))
	}
}

func operandType(o Operand, inputs map[string]string) string {
	if o.isVar() {
		return inputs[o.Var]
	}
	if o.Const != nil {
		return o.Const.Type
	}
	return ""
}

func checkRuleTypes(r Rule, inputs map[string]string) error {
	lt := operandType(r.Left, inputs)
	rt := operandType(r.Right, inputs)
	switch r.Operator {
	case OperatorRangeMin, OperatorRangeMax:
		if lt != InputInt || rt != ConstInt {
			return invalidErr(r.ID, "", "range operators require int operands")
		}
	case OperatorEq:
		if lt == "" || lt != rt {
			return invalidErr(r.ID, "", "eq requires operands of one type")
		}
	case OperatorNonMembership:
		if rt != ConstSet {
			return invalidErr(r.ID, "right", "non_membership requires a set constant")
		}
		member := r.Right.Const.Set[0].Type
		if lt != member {
			return invalidErr(r.ID, "", "set member type must match left operand")
		}
	case "":
		return invalidErr(r.ID, "operator", "is required")
	default:
		return invalidErr(r.ID, "operator", "unknown operator "+r.Operator)
	}
	return nil
}

// InputNames returns the declared input names sorted for stable iteration.
func (p *Policy) InputNames() []string {
	names := make([]string, 0, len(p.Inputs))
	for n := range p.Inputs {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}
