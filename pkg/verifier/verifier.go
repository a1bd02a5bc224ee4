// Package verifier confirms proof artifacts against their manifest without
// touching disk or network. Inputs arrive by value and the same inputs
// always yield the same report, so verification can run anywhere the
// artifact travels.
package verifier

import (
	"github.com/TomWesselmann/Confidential-Assurance-Protocol-sub001/pkg/proof"
	"github.com/TomWesselmann/Confidential-Assurance-Protocol-sub001/pkg/signature"
)

type FailureCode string

const (
	CodeVerified             FailureCode = "VERIFIED"
	CodeMalformedInput       FailureCode = "MALFORMED_INPUT"
	CodeManifestHashMismatch FailureCode = "MANIFEST_HASH_MISMATCH"
	CodePolicyMismatch       FailureCode = "POLICY_MISMATCH"
	CodeCommitmentMismatch   FailureCode = "COMMITMENT_MISMATCH"
	CodeInvalidSignature     FailureCode = "INVALID_SIGNATURE"
	CodeStatusMismatch       FailureCode = "STATUS_MISMATCH"
)

// Report carries one boolean per check plus the aggregate outcome. OK is
// true when every integrity check passed; a proof whose policy evaluated
// unsatisfied still verifies with OK true and Status fail.
type Report struct {
	OK               bool        `json:"ok"`
	Code             FailureCode `json:"code"`
	Status           string      `json:"status,omitempty"`
	ManifestBound    bool        `json:"manifest_bound"`
	PolicyBound      bool        `json:"policy_bound"`
	CommitmentBound  bool        `json:"commitment_bound"`
	SignatureOK      *bool       `json:"signature_ok,omitempty"`
	StatusConsistent bool        `json:"status_consistent"`
	FailedRules      []string    `json:"failed_rules,omitempty"`
	Message          string      `json:"message,omitempty"`
}

// Verify checks p against m. env is optional; when present it must be a
// valid envelope over the manifest hash carrying the manifest signing
// context. A manifest hash mismatch is fatal and short-circuits every
// later check; all other checks run to completion so the report shows the
// full picture, with Code naming the first failure.
func Verify(m proof.Manifest, p *proof.Proof, env *signature.Envelope) Report {
	if p == nil {
		return Report{Code: CodeMalformedInput, Message: "proof is required"}
	}
	if err := m.Validate(); err != nil {
		return Report{Code: CodeMalformedInput, Message: err.Error()}
	}
	if err := p.Validate(); err != nil {
		return Report{Code: CodeMalformedInput, Message: err.Error()}
	}
	manifestHash, err := proof.ManifestHash(m)
	if err != nil {
		return Report{Code: CodeMalformedInput, Message: err.Error()}
	}

	var rep Report
	rep.ManifestBound = manifestHash == p.ManifestHash
	if !rep.ManifestBound {
		rep.Code = CodeManifestHashMismatch
		rep.Message = "proof does not reference this manifest"
		return rep
	}

	fail := func(code FailureCode, msg string) {
		if rep.Code == "" {
			rep.Code = code
			rep.Message = msg
		}
	}

	rep.PolicyBound = p.PolicyHash == m.Policy.Hash && p.Statement == proof.StatementLabel(m.Policy.ID)
	if !rep.PolicyBound {
		fail(CodePolicyMismatch, "proof and manifest disagree on the policy")
	}

	rep.CommitmentBound = p.CommitmentRoot == m.Commitments.CombinedRoot
	if !rep.CommitmentBound {
		fail(CodeCommitmentMismatch, "proof and manifest disagree on the commitment root")
	}

	if env != nil {
		ok := env.Context == proof.SignContext
		if ok {
			_, verr := signature.Verify(manifestHash, *env)
			ok = verr == nil
		}
		rep.SignatureOK = &ok
		if !ok {
			fail(CodeInvalidSignature, "manifest signature did not verify")
		}
	}

	all := true
	for _, r := range p.Evaluation.Rules {
		if !r.Satisfied {
			all = false
			rep.FailedRules = append(rep.FailedRules, r.RuleID)
		}
	}
	rep.StatusConsistent = p.Evaluation.AllSatisfied == all && all != (p.Status == proof.StatusFail)
	if !rep.StatusConsistent {
		fail(CodeStatusMismatch, "recorded status disagrees with rule results")
	}

	if rep.Code != "" {
		return rep
	}
	rep.OK = true
	rep.Code = CodeVerified
	rep.Status = p.Status
	return rep
}
