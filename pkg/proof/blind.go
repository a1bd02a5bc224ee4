package proof

import (
	"crypto/rand"
	"crypto/subtle"
	"errors"
	"fmt"

	"github.com/zeebo/blake3"

	"github.com/TomWesselmann/Confidential-Assurance-Protocol-sub001/pkg/canonjson"
)

// BackendBlind identifies the salted binding backend. The tag is a keyed
// BLAKE3 over the public statement and evaluation, keyed with a fresh
// per-proof salt, so the artifact cannot be re-attached to other digests
// without the tag going stale.
const BackendBlind = "blind.v1"

const blindSaltSize = 32

type blindBackend struct{}

// NewBlindBackend returns the blind.v1 backend.
func NewBlindBackend() Backend { return blindBackend{} }

func (blindBackend) ID() string { return BackendBlind }

func (blindBackend) Build(stmt Statement, w Witness) (*Proof, error) {
	p, err := buildShell(BackendBlind, stmt, w)
	if err != nil {
		return nil, err
	}
	salt := make([]byte, blindSaltSize)
	if _, err := rand.Read(salt); err != nil {
		return nil, fmt.Errorf("read binding salt: %w", err)
	}
	tag, err := bindingTag(salt, p)
	if err != nil {
		return nil, err
	}
	saltHex, err := canonjson.Format0x(salt)
	if err != nil {
		return nil, err
	}
	p.Binding = &Binding{Salt: saltHex, Tag: tag}
	return p, nil
}

func (blindBackend) Check(p *Proof) (bool, error) {
	ok, err := checkShell(BackendBlind, p)
	if err != nil || !ok {
		return false, err
	}
	if p.Binding == nil {
		return false, errors.New("binding is required")
	}
	salt, err := canonjson.Parse0x(p.Binding.Salt)
	if err != nil {
		return false, errors.New("binding salt must be 32 bytes of 0x hex")
	}
	want, err := bindingTag(salt, p)
	if err != nil {
		return false, err
	}
	if subtle.ConstantTimeCompare([]byte(want), []byte(p.Binding.Tag)) != 1 {
		return false, nil
	}
	return true, nil
}

func bindingTag(salt []byte, p *Proof) (string, error) {
	payload, err := canonjson.Canonicalize(map[string]any{
		"statement":       p.Statement,
		"manifest_hash":   p.ManifestHash,
		"commitment_root": p.CommitmentRoot,
		"policy_hash":     p.PolicyHash,
		"evaluation":      p.Evaluation,
		"status":          p.Status,
	})
	if err != nil {
		return "", err
	}
	h, err := blake3.NewKeyed(salt)
	if err != nil {
		return "", err
	}
	h.Write(payload)
	return canonjson.Format0x(h.Sum(nil))
}
