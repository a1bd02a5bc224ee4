package proof

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/TomWesselmann/Confidential-Assurance-Protocol-sub001/pkg/canonjson"
	"github.com/TomWesselmann/Confidential-Assurance-Protocol-sub001/pkg/commitment"
	"github.com/TomWesselmann/Confidential-Assurance-Protocol-sub001/pkg/signature"
)

// ManifestVersion tags the only manifest wire format this package emits.
const ManifestVersion = "manifest.v1"

// SignContext is the envelope context bound to manifest signatures.
const SignContext = "cap-manifest"

// PolicyInfo names the compiled policy a manifest was built against.
type PolicyInfo struct {
	ID      string `json:"id"`
	Version string `json:"version"`
	Hash    string `json:"hash"`
}

// Manifest binds commitment roots, a policy identity and the audit tail to
// one point in time. The manifest hash covers every field with Signatures
// nil, so attaching a signature never invalidates the hash it signs.
type Manifest struct {
	Version         string               `json:"version"`
	CreatedAt       string               `json:"created_at"`
	Commitments     commitment.Set       `json:"commitments"`
	Policy          PolicyInfo           `json:"policy"`
	AuditTailDigest string               `json:"audit_tail_digest"`
	Signatures      []signature.Envelope `json:"signatures,omitempty"`
}

// BuildManifest assembles and validates an unsigned manifest. createdAt is
// rendered RFC3339 in UTC.
func BuildManifest(set commitment.Set, pol PolicyInfo, auditTail string, createdAt time.Time) (Manifest, error) {
	m := Manifest{
		Version:         ManifestVersion,
		CreatedAt:       createdAt.UTC().Format(time.RFC3339),
		Commitments:     set,
		Policy:          pol,
		AuditTailDigest: auditTail,
	}
	if err := m.Validate(); err != nil {
		return Manifest{}, err
	}
	return m, nil
}

// ManifestHash is the canonical SHA-256 of the manifest with Signatures nil.
func ManifestHash(m Manifest) (string, error) {
	m.Signatures = nil
	return canonjson.Sum0x(m)
}

// ParseManifest decodes manifest bytes, rejecting unknown fields and
// malformed shapes.
func ParseManifest(data []byte) (Manifest, error) {
	var m Manifest
	if err := canonjson.DecodeStrict(data, &m); err != nil {
		return Manifest{}, fmt.Errorf("parse manifest: %w", err)
	}
	if err := m.Validate(); err != nil {
		return Manifest{}, err
	}
	return m, nil
}

// AppendSignature verifies an envelope over the manifest hash and attaches
// it. Envelopes carrying a foreign context or payload hash are rejected.
func (m *Manifest) AppendSignature(env signature.Envelope) error {
	if env.Context != SignContext {
		return errors.New("signature context mismatch")
	}
	hash, err := ManifestHash(*m)
	if err != nil {
		return err
	}
	if _, err := signature.Verify(hash, env); err != nil {
		return err
	}
	m.Signatures = append(m.Signatures, env)
	return nil
}

// Validate checks the wire shape: version, RFC3339 UTC timestamp, digest
// fields and policy identity. Signatures are not verified here.
func (m Manifest) Validate() error {
	if m.Version != ManifestVersion {
		return fmt.Errorf("version must be %s", ManifestVersion)
	}
	if !isRFC3339UTC(m.CreatedAt) {
		return errors.New("created_at must be RFC3339 UTC")
	}
	digests := []struct {
		name  string
		value string
	}{
		{"commitments.supplier_root", m.Commitments.SupplierRoot},
		{"commitments.beneficiary_root", m.Commitments.BeneficiaryRoot},
		{"commitments.combined_root", m.Commitments.CombinedRoot},
		{"audit_tail_digest", m.AuditTailDigest},
	}
	for _, d := range digests {
		if !canonjson.IsValid0x(d.value) {
			return fmt.Errorf("%s must be a 0x sha-256 digest", d.name)
		}
	}
	if strings.TrimSpace(m.Policy.ID) == "" {
		return errors.New("policy.id is required")
	}
	if strings.TrimSpace(m.Policy.Version) == "" {
		return errors.New("policy.version is required")
	}
	if !canonjson.IsValid0x(m.Policy.Hash) {
		return errors.New("policy.hash must be a 0x sha-256 digest")
	}
	return nil
}

func isRFC3339UTC(v string) bool {
	if !strings.HasSuffix(v, "Z") {
		return false
	}
	_, err := time.Parse(time.RFC3339Nano, v)
	return err == nil
}
