package proof

import (
	"errors"
	"fmt"
	"strings"

	"github.com/TomWesselmann/Confidential-Assurance-Protocol-sub001/pkg/canonjson"
	"github.com/TomWesselmann/Confidential-Assurance-Protocol-sub001/pkg/policy"
	"github.com/TomWesselmann/Confidential-Assurance-Protocol-sub001/pkg/sandbox"
)

// ProofVersion tags the proof artifact wire format.
const ProofVersion = "proof.v1"

// Aggregate proof statuses. A fail is a successful build whose policy was
// evaluated as unsatisfied; integrity problems are errors, never statuses.
const (
	StatusOK   = "ok"
	StatusWarn = "warn"
	StatusFail = "fail"
)

var ErrUnknownBackend = errors.New("unknown proof backend")

// Statement is what a proof speaks about: a readable label plus the digests
// pinning it to one manifest, one commitment set and one compiled policy.
type Statement struct {
	Label          string
	ManifestHash   string
	CommitmentRoot string
	PolicyHash     string
}

// StatementLabel renders the canonical label for a policy id.
func StatementLabel(policyID string) string {
	return "policy:" + policyID
}

// Witness carries the build-time inputs a backend seals into the artifact:
// the sandbox outcome plus any lint findings attached at compile time.
// Witnesses never travel with the proof.
type Witness struct {
	Rules    []sandbox.RuleResult
	Warnings []policy.Finding
}

// Evaluation is the recorded sandbox outcome inside a proof.
type Evaluation struct {
	Rules        []sandbox.RuleResult `json:"rules"`
	AllSatisfied bool                 `json:"all_satisfied"`
}

// Binding pins a blind.v1 proof to its statement: Tag is a salted keyed
// hash that Check recomputes from the public fields.
type Binding struct {
	Salt string `json:"salt"`
	Tag  string `json:"tag"`
}

// Proof is the distributable artifact third parties verify without seeing
// the committed records.
type Proof struct {
	Version        string     `json:"version"`
	BackendID      string     `json:"backend_id"`
	Statement      string     `json:"statement"`
	ManifestHash   string     `json:"manifest_hash"`
	CommitmentRoot string     `json:"commitment_root"`
	PolicyHash     string     `json:"policy_hash"`
	Evaluation     Evaluation `json:"evaluation"`
	Status         string     `json:"status"`
	Binding        *Binding   `json:"binding,omitempty"`
}

// Backend builds and checks proofs for one backend id. Callers dispatch
// through a BackendSet and never branch on concrete types.
type Backend interface {
	ID() string
	Build(stmt Statement, w Witness) (*Proof, error)
	Check(p *Proof) (bool, error)
}

// DeriveStatus folds rule outcomes and lint findings into the aggregate
// status. Any unsatisfied rule wins, then any finding, then ok.
func DeriveStatus(rules []sandbox.RuleResult, warnings []policy.Finding) string {
	for _, r := range rules {
		if !r.Satisfied {
			return StatusFail
		}
	}
	if len(warnings) > 0 {
		return StatusWarn
	}
	return StatusOK
}

// Hash is the canonical SHA-256 of the sealed artifact.
func Hash(p *Proof) (string, error) {
	if p == nil {
		return "", errors.New("proof is required")
	}
	return canonjson.Sum0x(p)
}

// Parse decodes proof bytes, rejecting unknown fields and malformed shapes.
func Parse(data []byte) (*Proof, error) {
	var p Proof
	if err := canonjson.DecodeStrict(data, &p); err != nil {
		return nil, fmt.Errorf("parse proof: %w", err)
	}
	if err := p.Validate(); err != nil {
		return nil, err
	}
	return &p, nil
}

// Validate checks the wire shape: version, backend id, statement, digest
// fields and a known status. Binding material is the backend's concern.
func (p *Proof) Validate() error {
	if p.Version != ProofVersion {
		return fmt.Errorf("version must be %s", ProofVersion)
	}
	if strings.TrimSpace(p.BackendID) == "" {
		return errors.New("backend_id is required")
	}
	if strings.TrimSpace(p.Statement) == "" {
		return errors.New("statement is required")
	}
	digests := []struct {
		name  string
		value string
	}{
		{"manifest_hash", p.ManifestHash},
		{"commitment_root", p.CommitmentRoot},
		{"policy_hash", p.PolicyHash},
	}
	for _, d := range digests {
		if !canonjson.IsValid0x(d.value) {
			return fmt.Errorf("%s must be a 0x sha-256 digest", d.name)
		}
	}
	switch p.Status {
	case StatusOK, StatusWarn, StatusFail:
	default:
		return fmt.Errorf("unknown status %q", p.Status)
	}
	return nil
}

// buildShell validates the statement and assembles the backend-neutral part
// of the artifact.
func buildShell(backendID string, stmt Statement, w Witness) (*Proof, error) {
	if strings.TrimSpace(stmt.Label) == "" {
		return nil, errors.New("statement label is required")
	}
	digests := []struct {
		name  string
		value string
	}{
		{"manifest_hash", stmt.ManifestHash},
		{"commitment_root", stmt.CommitmentRoot},
		{"policy_hash", stmt.PolicyHash},
	}
	for _, d := range digests {
		if !canonjson.IsValid0x(d.value) {
			return nil, fmt.Errorf("statement %s must be a 0x sha-256 digest", d.name)
		}
	}
	rules := make([]sandbox.RuleResult, len(w.Rules))
	copy(rules, w.Rules)
	return &Proof{
		Version:        ProofVersion,
		BackendID:      backendID,
		Statement:      stmt.Label,
		ManifestHash:   stmt.ManifestHash,
		CommitmentRoot: stmt.CommitmentRoot,
		PolicyHash:     stmt.PolicyHash,
		Evaluation:     Evaluation{Rules: rules, AllSatisfied: allSatisfied(rules)},
		Status:         DeriveStatus(w.Rules, w.Warnings),
	}, nil
}

// checkShell re-validates what every backend agrees on regardless of its
// binding scheme: the artifact shape and the status/evaluation consistency.
// Malformed input is an error; a well-formed but inconsistent artifact is
// (false, nil).
func checkShell(backendID string, p *Proof) (bool, error) {
	if p == nil {
		return false, errors.New("proof is required")
	}
	if err := p.Validate(); err != nil {
		return false, err
	}
	if p.BackendID != backendID {
		return false, fmt.Errorf("backend_id must be %s", backendID)
	}
	all := allSatisfied(p.Evaluation.Rules)
	if p.Evaluation.AllSatisfied != all {
		return false, nil
	}
	if all == (p.Status == StatusFail) {
		return false, nil
	}
	return true, nil
}

func allSatisfied(rules []sandbox.RuleResult) bool {
	for _, r := range rules {
		if !r.Satisfied {
			return false
		}
	}
	return true
}

// BackendSet is the closed set of proof backends, dispatched by id.
type BackendSet struct {
	backends map[string]Backend
	order    []string
}

// NewBackendSet registers backends in the given order. Ids must be
// non-empty and unique.
func NewBackendSet(backends ...Backend) (*BackendSet, error) {
	s := &BackendSet{backends: map[string]Backend{}}
	for _, b := range backends {
		id := strings.TrimSpace(b.ID())
		if id == "" {
			return nil, errors.New("backend id is required")
		}
		if _, ok := s.backends[id]; ok {
			return nil, fmt.Errorf("duplicate backend %s", id)
		}
		s.backends[id] = b
		s.order = append(s.order, id)
	}
	return s, nil
}

// DefaultBackends wires the two built-in backends, mock.v1 and blind.v1.
func DefaultBackends() *BackendSet {
	mock := NewMockBackend()
	blind := NewBlindBackend()
	return &BackendSet{
		backends: map[string]Backend{mock.ID(): mock, blind.ID(): blind},
		order:    []string{mock.ID(), blind.ID()},
	}
}

func (s *BackendSet) Get(id string) (Backend, error) {
	b, ok := s.backends[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownBackend, id)
	}
	return b, nil
}

// IDs lists registered backend ids in registration order.
func (s *BackendSet) IDs() []string {
	out := make([]string, len(s.order))
	copy(out, s.order)
	return out
}

// Build dispatches to the named backend.
func (s *BackendSet) Build(backendID string, stmt Statement, w Witness) (*Proof, error) {
	b, err := s.Get(backendID)
	if err != nil {
		return nil, err
	}
	return b.Build(stmt, w)
}

// Check dispatches on the proof's own backend id.
func (s *BackendSet) Check(p *Proof) (bool, error) {
	if p == nil {
		return false, errors.New("proof is required")
	}
	b, err := s.Get(p.BackendID)
	if err != nil {
		return false, err
	}
	return b.Check(p)
}
