package verifier

import (
	"bytes"
	"crypto/ed25519"
	"reflect"
	"testing"
	"time"

	"github.com/TomWesselmann/Confidential-Assurance-Protocol-sub001/pkg/canonjson"
	"github.com/TomWesselmann/Confidential-Assurance-Protocol-sub001/pkg/commitment"
	"github.com/TomWesselmann/Confidential-Assurance-Protocol-sub001/pkg/keys"
	"github.com/TomWesselmann/Confidential-Assurance-Protocol-sub001/pkg/policy"
	"github.com/TomWesselmann/Confidential-Assurance-Protocol-sub001/pkg/proof"
	"github.com/TomWesselmann/Confidential-Assurance-Protocol-sub001/pkg/sandbox"
	"github.com/TomWesselmann/Confidential-Assurance-Protocol-sub001/pkg/signature"
)

const uboPolicySource = `policy:
  id: ubo_disclosure_v1
  version: "1"
  legal_basis: ["LkSG §6"]
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
      right: 10000
`

type fixture struct {
	manifest proof.Manifest
	proof    *proof.Proof
	envelope signature.Envelope
}

func twoUBOs() []commitment.Beneficiary {
	return []commitment.Beneficiary{
		{Name: "Dana Fischer", Country: "DE", OwnershipPercent: 51},
		{Name: "Jo Lindqvist", Country: "SE", OwnershipPercent: 49},
	}
}

// buildFixture runs the whole pipeline: commit records, compile the policy,
// evaluate, build and sign a manifest, then seal a mock proof.
func buildFixture(t *testing.T, beneficiaries []commitment.Beneficiary) fixture {
	t.Helper()
	set, err := commitment.Commit(
		[]commitment.Partner{
			{Name: "Acme Metals GmbH", Country: "DE", RegistrationID: "HRB 1001"},
			{Name: "Nordic Ore AB", Country: "SE", RegistrationID: "556677-8899"},
		},
		beneficiaries,
	)
	if err != nil {
		t.Fatalf("Commit: %v", err)
	}
	compiled, err := policy.CompileSource([]byte(uboPolicySource), policy.ModeStrict)
	if err != nil {
		t.Fatalf("CompileSource: %v", err)
	}
	facts := map[string]any{}
	for k, v := range set.Facts() {
		facts[k] = v
	}
	result, err := sandbox.Evaluate(compiled.Bytecode, facts, sandbox.DefaultLimits())
	if err != nil {
		t.Fatalf("Evaluate: %v", err)
	}

	createdAt := time.Date(2026, 5, 12, 9, 30, 0, 0, time.UTC)
	m, err := proof.BuildManifest(set, proof.PolicyInfo{ID: compiled.ID, Version: compiled.Version, Hash: compiled.Hash}, canonjson.HashString0x("audit tail"), createdAt)
	if err != nil {
		t.Fatalf("BuildManifest: %v", err)
	}
	manifestHash, err := proof.ManifestHash(m)
	if err != nil {
		t.Fatalf("ManifestHash: %v", err)
	}

	window := keys.ValidityWindow{
		From: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC),
		To:   time.Date(2027, 1, 1, 0, 0, 0, 0, time.UTC),
	}
	_, signer, err := keys.NewEd25519("acme-compliance", window, ed25519.NewKeyFromSeed(bytes.Repeat([]byte{9}, 32)))
	if err != nil {
		t.Fatalf("NewEd25519: %v", err)
	}
	env, err := signer.SignDigest(manifestHash, createdAt, proof.SignContext)
	if err != nil {
		t.Fatalf("SignDigest: %v", err)
	}
	if err := m.AppendSignature(env); err != nil {
		t.Fatalf("AppendSignature: %v", err)
	}

	stmt := proof.Statement{
		Label:          proof.StatementLabel(compiled.ID),
		ManifestHash:   manifestHash,
		CommitmentRoot: set.CombinedRoot,
		PolicyHash:     compiled.Hash,
	}
	p, err := proof.DefaultBackends().Build(proof.BackendMock, stmt, proof.Witness{Rules: result.Rules, Warnings: compiled.Warnings})
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	return fixture{manifest: m, proof: p, envelope: env}
}

func TestVerifyOK(t *testing.T) {
	f := buildFixture(t, twoUBOs())
	rep := Verify(f.manifest, f.proof, &f.envelope)
	if !rep.OK || rep.Code != CodeVerified {
		t.Fatalf("unexpected report: %+v", rep)
	}
	if rep.Status != proof.StatusOK {
		t.Fatalf("expected ok status, got %q", rep.Status)
	}
	if !rep.ManifestBound || !rep.PolicyBound || !rep.CommitmentBound || !rep.StatusConsistent {
		t.Fatalf("all checks must pass: %+v", rep)
	}
	if rep.SignatureOK == nil || !*rep.SignatureOK {
		t.Fatal("signature check must pass")
	}
	if len(rep.FailedRules) != 0 {
		t.Fatalf("no rules failed: %v", rep.FailedRules)
	}
}

func TestVerifyWithoutSignature(t *testing.T) {
	f := buildFixture(t, twoUBOs())
	rep := Verify(f.manifest, f.proof, nil)
	if !rep.OK || rep.Code != CodeVerified {
		t.Fatalf("unexpected report: %+v", rep)
	}
	if rep.SignatureOK != nil {
		t.Fatal("no envelope supplied, signature check must stay unset")
	}
}

func TestVerifyUnsatisfiedPolicyStillVerifies(t *testing.T) {
	f := buildFixture(t, nil)
	rep := Verify(f.manifest, f.proof, &f.envelope)
	if !rep.OK || rep.Code != CodeVerified {
		t.Fatalf("a fail proof is still integrity-sound: %+v", rep)
	}
	if rep.Status != proof.StatusFail {
		t.Fatalf("expected fail status, got %q", rep.Status)
	}
	if len(rep.FailedRules) != 1 || rep.FailedRules[0] != "rule_ubo_exists" {
		t.Fatalf("unexpected failed rules: %v", rep.FailedRules)
	}
}

func TestManifestHashMismatchIsFatal(t *testing.T) {
	f := buildFixture(t, twoUBOs())
	f.manifest.CreatedAt = "2026-05-12T10:30:00Z"
	rep := Verify(f.manifest, f.proof, &f.envelope)
	if rep.OK || rep.Code != CodeManifestHashMismatch {
		t.Fatalf("unexpected report: %+v", rep)
	}
	if rep.ManifestBound {
		t.Fatal("manifest binding must be reported broken")
	}
	if rep.SignatureOK != nil || rep.PolicyBound || rep.CommitmentBound {
		t.Fatalf("later checks must not run after a fatal mismatch: %+v", rep)
	}
}

func TestPolicyHashMismatch(t *testing.T) {
	f := buildFixture(t, twoUBOs())
	f.proof.PolicyHash = canonjson.HashString0x("another policy")
	rep := Verify(f.manifest, f.proof, nil)
	if rep.OK || rep.Code != CodePolicyMismatch {
		t.Fatalf("unexpected report: %+v", rep)
	}
	if rep.PolicyBound {
		t.Fatal("policy binding must be reported broken")
	}
	if !rep.ManifestBound || !rep.CommitmentBound {
		t.Fatalf("unrelated checks must still pass: %+v", rep)
	}
}

func TestStatementLabelMismatch(t *testing.T) {
	f := buildFixture(t, twoUBOs())
	f.proof.Statement = "policy:someone_elses_policy"
	rep := Verify(f.manifest, f.proof, nil)
	if rep.OK || rep.Code != CodePolicyMismatch {
		t.Fatalf("unexpected report: %+v", rep)
	}
}

func TestCommitmentRootMismatch(t *testing.T) {
	f := buildFixture(t, twoUBOs())
	f.proof.CommitmentRoot = canonjson.HashString0x("another record set")
	rep := Verify(f.manifest, f.proof, nil)
	if rep.OK || rep.Code != CodeCommitmentMismatch {
		t.Fatalf("unexpected report: %+v", rep)
	}
}

func TestInvalidSignature(t *testing.T) {
	f := buildFixture(t, twoUBOs())
	env := f.envelope
	env.Context = "key-attestation"
	rep := Verify(f.manifest, f.proof, &env)
	if rep.OK || rep.Code != CodeInvalidSignature {
		t.Fatalf("unexpected report: %+v", rep)
	}
	if rep.SignatureOK == nil || *rep.SignatureOK {
		t.Fatal("signature check must be reported broken")
	}

	env = f.envelope
	env.PayloadHash = canonjson.HashString0x("other payload")
	rep = Verify(f.manifest, f.proof, &env)
	if rep.OK || rep.Code != CodeInvalidSignature {
		t.Fatalf("unexpected report: %+v", rep)
	}
}

func TestStatusMismatch(t *testing.T) {
	f := buildFixture(t, nil)
	f.proof.Status = proof.StatusOK
	rep := Verify(f.manifest, f.proof, nil)
	if rep.OK || rep.Code != CodeStatusMismatch {
		t.Fatalf("unexpected report: %+v", rep)
	}
	if rep.StatusConsistent {
		t.Fatal("status consistency must be reported broken")
	}
}

func TestMalformedInput(t *testing.T) {
	f := buildFixture(t, twoUBOs())
	rep := Verify(f.manifest, nil, nil)
	if rep.OK || rep.Code != CodeMalformedInput {
		t.Fatalf("unexpected report: %+v", rep)
	}
	f.proof.Version = "proof.v0"
	rep = Verify(f.manifest, f.proof, nil)
	if rep.OK || rep.Code != CodeMalformedInput {
		t.Fatalf("unexpected report: %+v", rep)
	}
}

func TestReportNamesFirstFailure(t *testing.T) {
	f := buildFixture(t, twoUBOs())
	f.proof.PolicyHash = canonjson.HashString0x("another policy")
	f.proof.CommitmentRoot = canonjson.HashString0x("another record set")
	rep := Verify(f.manifest, f.proof, nil)
	if rep.Code != CodePolicyMismatch {
		t.Fatalf("first failing check names the code: %+v", rep)
	}
	if rep.PolicyBound || rep.CommitmentBound {
		t.Fatalf("both bindings must be reported broken: %+v", rep)
	}
}

func TestVerifyDeterministic(t *testing.T) {
	f := buildFixture(t, twoUBOs())
	a := Verify(f.manifest, f.proof, &f.envelope)
	b := Verify(f.manifest, f.proof, &f.envelope)
	if !reflect.DeepEqual(a, b) {
		t.Fatalf("reports differ:\n%+v\n%+v", a, b)
	}
}
