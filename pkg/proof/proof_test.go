package proof

import (
	"errors"
	"testing"

	"github.com/TomWesselmann/Confidential-Assurance-Protocol-sub001/pkg/canonjson"
	"github.com/TomWesselmann/Confidential-Assurance-Protocol-sub001/pkg/policy"
	"github.com/TomWesselmann/Confidential-Assurance-Protocol-sub001/pkg/sandbox"
)

func testStatement() Statement {
	return Statement{
		Label:          StatementLabel("ubo_disclosure_v1"),
		ManifestHash:   canonjson.HashString0x("manifest"),
		CommitmentRoot: canonjson.HashString0x("combined root"),
		PolicyHash:     canonjson.HashString0x("policy"),
	}
}

func passingWitness() Witness {
	return Witness{Rules: []sandbox.RuleResult{
		{RuleID: "rule_ubo_exists", Satisfied: true},
		{RuleID: "rule_supplier_cap", Satisfied: true},
	}}
}

func buildProof(t *testing.T, backendID string, w Witness) *Proof {
	t.Helper()
	p, err := DefaultBackends().Build(backendID, testStatement(), w)
	if err != nil {
		t.Fatalf("Build %s: %v", backendID, err)
	}
	return p
}

func TestMockBuildEchoesStatement(t *testing.T) {
	stmt := testStatement()
	p := buildProof(t, BackendMock, passingWitness())
	if p.Version != ProofVersion || p.BackendID != BackendMock {
		t.Fatalf("unexpected artifact header: %+v", p)
	}
	if p.Statement != "policy:ubo_disclosure_v1" {
		t.Fatalf("unexpected statement %q", p.Statement)
	}
	if p.ManifestHash != stmt.ManifestHash || p.CommitmentRoot != stmt.CommitmentRoot || p.PolicyHash != stmt.PolicyHash {
		t.Fatal("statement digests must be echoed into the proof")
	}
	if p.Status != StatusOK || !p.Evaluation.AllSatisfied {
		t.Fatalf("expected ok proof, got status %q", p.Status)
	}
	if p.Binding != nil {
		t.Fatal("mock proofs carry no binding")
	}
	ok, err := DefaultBackends().Check(p)
	if err != nil || !ok {
		t.Fatalf("Check: ok=%v err=%v", ok, err)
	}
}

func TestDeriveStatus(t *testing.T) {
	satisfied := []sandbox.RuleResult{{RuleID: "rule_ubo_exists", Satisfied: true}}
	unsatisfied := []sandbox.RuleResult{{RuleID: "rule_ubo_exists", Satisfied: false}}
	warnings := []policy.Finding{{Code: policy.FindingUnusedInput, Input: "supplier_count", Msg: "declared but never referenced"}}

	cases := []struct {
		name     string
		rules    []sandbox.RuleResult
		warnings []policy.Finding
		want     string
	}{
		{"all satisfied", satisfied, nil, StatusOK},
		{"unsatisfied", unsatisfied, nil, StatusFail},
		{"satisfied with lint findings", satisfied, warnings, StatusWarn},
		{"unsatisfied outranks findings", unsatisfied, warnings, StatusFail},
		{"no rules", nil, nil, StatusOK},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := DeriveStatus(tc.rules, tc.warnings); got != tc.want {
				t.Fatalf("DeriveStatus = %q, want %q", got, tc.want)
			}
		})
	}
}

func TestBuildRecordsFailedRules(t *testing.T) {
	w := Witness{Rules: []sandbox.RuleResult{
		{RuleID: "rule_ubo_exists", Satisfied: false},
		{RuleID: "rule_supplier_cap", Satisfied: true},
	}}
	p := buildProof(t, BackendMock, w)
	if p.Status != StatusFail || p.Evaluation.AllSatisfied {
		t.Fatalf("expected fail proof, got status %q", p.Status)
	}
	if len(p.Evaluation.Rules) != 2 || p.Evaluation.Rules[0].RuleID != "rule_ubo_exists" {
		t.Fatalf("rule order must be preserved: %+v", p.Evaluation.Rules)
	}
	ok, err := DefaultBackends().Check(p)
	if err != nil || !ok {
		t.Fatalf("a fail proof is still internally consistent: ok=%v err=%v", ok, err)
	}
}

func TestBuildValidatesStatement(t *testing.T) {
	set := DefaultBackends()
	bad := testStatement()
	bad.Label = "  "
	if _, err := set.Build(BackendMock, bad, passingWitness()); err == nil {
		t.Fatal("expected label requirement")
	}
	bad = testStatement()
	bad.PolicyHash = "0x123"
	if _, err := set.Build(BackendMock, bad, passingWitness()); err == nil {
		t.Fatal("expected digest validation failure")
	}
}

func TestUnknownBackend(t *testing.T) {
	set := DefaultBackends()
	if _, err := set.Build("zk.v9", testStatement(), passingWitness()); !errors.Is(err, ErrUnknownBackend) {
		t.Fatalf("expected ErrUnknownBackend, got %v", err)
	}
	p := buildProof(t, BackendMock, passingWitness())
	p.BackendID = "zk.v9"
	if _, err := set.Check(p); !errors.Is(err, ErrUnknownBackend) {
		t.Fatalf("expected ErrUnknownBackend, got %v", err)
	}
}

func TestCheckFlagsInconsistentEvaluation(t *testing.T) {
	p := buildProof(t, BackendMock, passingWitness())
	p.Evaluation.Rules[0].Satisfied = false
	ok, err := DefaultBackends().Check(p)
	if err != nil {
		t.Fatalf("Check: %v", err)
	}
	if ok {
		t.Fatal("flipped rule must break the all_satisfied claim")
	}
}

func TestCheckFlagsInconsistentStatus(t *testing.T) {
	p := buildProof(t, BackendMock, passingWitness())
	p.Status = StatusFail
	ok, err := DefaultBackends().Check(p)
	if err != nil {
		t.Fatalf("Check: %v", err)
	}
	if ok {
		t.Fatal("fail status over a satisfied evaluation must not verify")
	}
}

func TestMockCheckRejectsBinding(t *testing.T) {
	p := buildProof(t, BackendMock, passingWitness())
	p.Binding = &Binding{Salt: canonjson.HashString0x("salt"), Tag: canonjson.HashString0x("tag")}
	ok, err := DefaultBackends().Check(p)
	if err != nil {
		t.Fatalf("Check: %v", err)
	}
	if ok {
		t.Fatal("mock proofs with binding material must not verify")
	}
}

func TestBlindRoundTrip(t *testing.T) {
	p := buildProof(t, BackendBlind, passingWitness())
	if p.Binding == nil {
		t.Fatal("blind proofs carry a binding")
	}
	if !canonjson.IsValid0x(p.Binding.Salt) || !canonjson.IsValid0x(p.Binding.Tag) {
		t.Fatalf("binding fields must be 0x hex: %+v", p.Binding)
	}
	ok, err := DefaultBackends().Check(p)
	if err != nil || !ok {
		t.Fatalf("Check: ok=%v err=%v", ok, err)
	}
}

func TestBlindSaltsAreFresh(t *testing.T) {
	a := buildProof(t, BackendBlind, passingWitness())
	b := buildProof(t, BackendBlind, passingWitness())
	if a.Binding.Salt == b.Binding.Salt {
		t.Fatal("two builds must not share a salt")
	}
	if a.Binding.Tag == b.Binding.Tag {
		t.Fatal("distinct salts must produce distinct tags")
	}
}

func TestBlindDetectsRetargeting(t *testing.T) {
	p := buildProof(t, BackendBlind, passingWitness())
	p.ManifestHash = canonjson.HashString0x("another manifest")
	ok, err := DefaultBackends().Check(p)
	if err != nil {
		t.Fatalf("Check: %v", err)
	}
	if ok {
		t.Fatal("re-attached proof must fail the binding tag")
	}
}

func TestBlindRequiresBinding(t *testing.T) {
	p := buildProof(t, BackendBlind, passingWitness())
	p.Binding = nil
	if _, err := DefaultBackends().Check(p); err == nil {
		t.Fatal("expected binding requirement")
	}
	p = buildProof(t, BackendBlind, passingWitness())
	p.Binding.Salt = "not hex"
	if _, err := DefaultBackends().Check(p); err == nil {
		t.Fatal("expected salt validation failure")
	}
}

func TestProofHashDeterministic(t *testing.T) {
	p := buildProof(t, BackendMock, passingWitness())
	h1, err := Hash(p)
	if err != nil {
		t.Fatalf("Hash: %v", err)
	}
	h2, err := Hash(p)
	if err != nil {
		t.Fatalf("Hash: %v", err)
	}
	if h1 != h2 {
		t.Fatal("hash must be stable")
	}
	p.Status = StatusWarn
	h3, err := Hash(p)
	if err != nil {
		t.Fatalf("Hash: %v", err)
	}
	if h1 == h3 {
		t.Fatal("status change must move the proof hash")
	}
}

func TestParseProofRoundTrip(t *testing.T) {
	p := buildProof(t, BackendBlind, passingWitness())
	data, err := canonjson.Canonicalize(p)
	if err != nil {
		t.Fatalf("Canonicalize: %v", err)
	}
	got, err := Parse(data)
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	ok, err := DefaultBackends().Check(got)
	if err != nil || !ok {
		t.Fatalf("parsed proof must verify: ok=%v err=%v", ok, err)
	}
}

func TestParseProofRejections(t *testing.T) {
	cases := []struct {
		name string
		data string
	}{
		{"unknown field", `{"version":"proof.v1","backend_id":"mock.v1","extra":true}`},
		{"wrong version", `{"version":"proof.v0"}`},
		{"unknown status", `{"version":"proof.v1","backend_id":"mock.v1","statement":"policy:p","manifest_hash":"` + canonjson.HashString0x("m") + `","commitment_root":"` + canonjson.HashString0x("c") + `","policy_hash":"` + canonjson.HashString0x("p") + `","evaluation":{"rules":[],"all_satisfied":true},"status":"maybe"}`},
		{"missing digests", `{"version":"proof.v1","backend_id":"mock.v1","statement":"policy:p","evaluation":{"rules":[],"all_satisfied":true},"status":"ok"}`},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if _, err := Parse([]byte(tc.data)); err == nil {
				t.Fatal("expected parse failure")
			}
		})
	}
}

func TestBackendSetRegistration(t *testing.T) {
	set := DefaultBackends()
	ids := set.IDs()
	if len(ids) != 2 || ids[0] != BackendMock || ids[1] != BackendBlind {
		t.Fatalf("unexpected backend ids: %v", ids)
	}
	if _, err := NewBackendSet(NewMockBackend(), NewMockBackend()); err == nil {
		t.Fatal("expected duplicate backend rejection")
	}
}
