package keys

import (
	"crypto/subtle"
	"encoding/base64"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/TomWesselmann/Confidential-Assurance-Protocol-sub001/pkg/canonjson"
	"github.com/TomWesselmann/Confidential-Assurance-Protocol-sub001/pkg/signature"
)

const attestationContext = "key-attestation"

// Attestation is one edge in the key trust graph: the signer key vouches
// for the subject key. A rotation emits one attestation from the outgoing
// key to its successor.
type Attestation struct {
	SignerKID        string             `json:"signer_kid"`
	SubjectKID       string             `json:"subject_kid"`
	SubjectPublicKey string             `json:"subject_public_key"`
	AttestedAt       string             `json:"attested_at"`
	Signature        signature.Envelope `json:"signature"`
}

type ChainError struct {
	Link   int
	Reason string
}

func (e *ChainError) Error() string {
	if e == nil {
		return ""
	}
	return fmt.Sprintf("attestation link %d: %s", e.Link, e.Reason)
}

func chainErr(link int, format string, args ...any) *ChainError {
	return &ChainError{Link: link, Reason: fmt.Sprintf(format, args...)}
}

// Attest has the signer capability vouch for the subject key. The signed
// payload binds exactly the subject kid and its public key.
func Attest(signer Signer, signerRec Record, subject Record, at time.Time) (Attestation, error) {
	if signer == nil {
		return Attestation{}, errors.New("signer capability is required")
	}
	if signer.KID() != signerRec.KID {
		return Attestation{}, errors.New("signer capability does not match signer record")
	}
	if !signerRec.UsableAt(at) {
		return Attestation{}, ErrInactiveSigner
	}
	if strings.TrimSpace(subject.KID) == "" || strings.TrimSpace(subject.PublicKey) == "" {
		return Attestation{}, errors.New("subject kid and public key are required")
	}
	subjectPub, err := subject.PublicKeyBytes()
	if err != nil {
		return Attestation{}, err
	}
	if KIDFromPublicKey(subjectPub) != subject.KID {
		return Attestation{}, errors.New("subject kid does not match subject public key")
	}

	digest, err := canonjson.Sum0x(attestationPayload(subject.KID, subject.PublicKey))
	if err != nil {
		return Attestation{}, err
	}
	env, err := signer.SignDigest(digest, at, attestationContext)
	if err != nil {
		return Attestation{}, err
	}
	return Attestation{
		SignerKID:        signerRec.KID,
		SubjectKID:       subject.KID,
		SubjectPublicKey: subject.PublicKey,
		AttestedAt:       at.UTC().Format(time.RFC3339Nano),
		Signature:        env,
	}, nil
}

// VerifyChain walks an attestation sequence and reports the first broken
// link. resolve supplies known key records (the ring's Lookup); the first
// link's signer must resolve, later signers are proven by the preceding
// subject key. Checks per link: signature over the bound payload, signer
// key identity, subject kid honesty, continuity into the next link,
// revocation, and a single owner across all resolved records.
func VerifyChain(atts []Attestation, resolve func(kid string) (Record, bool)) error {
	if len(atts) == 0 {
		return errors.New("attestation chain is empty")
	}
	if resolve == nil {
		resolve = func(string) (Record, bool) { return Record{}, false }
	}

	owner := ""
	noteOwner := func(link int, rec Record) *ChainError {
		if owner == "" {
			owner = rec.Owner
			return nil
		}
		if rec.Owner != owner {
			return chainErr(link, "owner changed from %q to %q", owner, rec.Owner)
		}
		return nil
	}

	expectedSignerPub := ""
	for i, att := range atts {
		if i == 0 {
			rootRec, ok := resolve(att.SignerKID)
			if !ok {
				return chainErr(0, "root signer %s is unknown", att.SignerKID)
			}
			if rootRec.Status == StatusRevoked {
				return chainErr(0, "root signer %s is revoked", att.SignerKID)
			}
			if err := noteOwner(0, rootRec); err != nil {
				return err
			}
			expectedSignerPub = rootRec.PublicKey
		} else if att.SignerKID != atts[i-1].SubjectKID {
			return chainErr(i, "signer %s does not continue subject %s", att.SignerKID, atts[i-1].SubjectKID)
		}

		if err := verifyLink(i, att, expectedSignerPub); err != nil {
			return err
		}

		subjectPub, err := decodeSubjectKey(i, att)
		if err != nil {
			return err
		}
		if KIDFromPublicKey(subjectPub) != att.SubjectKID {
			return chainErr(i, "subject kid does not match subject public key")
		}

		for _, kid := range []string{att.SignerKID, att.SubjectKID} {
			rec, ok := resolve(kid)
			if !ok {
				continue
			}
			if rec.Status == StatusRevoked {
				return chainErr(i, "key %s is revoked", kid)
			}
			if err := noteOwner(i, rec); err != nil {
				return err
			}
		}

		expectedSignerPub = att.SubjectPublicKey
	}
	return nil
}

func verifyLink(link int, att Attestation, expectedSignerPub string) *ChainError {
	digest, err := canonjson.Sum0x(attestationPayload(att.SubjectKID, att.SubjectPublicKey))
	if err != nil {
		return chainErr(link, "payload hash: %v", err)
	}
	if strings.TrimSpace(att.Signature.Context) != "" && att.Signature.Context != attestationContext {
		return chainErr(link, "signature context mismatch")
	}
	if _, err := signature.Verify(digest, att.Signature); err != nil {
		return chainErr(link, "signature: %v", err)
	}
	// The envelope key must be the chain's expected signer key. Encodings
	// differ per algorithm, so compare raw bytes.
	expected, err := base64.StdEncoding.DecodeString(expectedSignerPub)
	if err != nil {
		return chainErr(link, "signer public key encoding")
	}
	got, err := att.Signature.PublicKeyBytes()
	if err != nil {
		return chainErr(link, "envelope public key: %v", err)
	}
	if subtle.ConstantTimeCompare(expected, got) != 1 {
		return chainErr(link, "signature public key does not match signer %s", att.SignerKID)
	}
	return nil
}

func decodeSubjectKey(link int, att Attestation) ([]byte, *ChainError) {
	rec := Record{PublicKey: att.SubjectPublicKey}
	pub, err := rec.PublicKeyBytes()
	if err != nil {
		return nil, chainErr(link, "subject public key: %v", err)
	}
	return pub, nil
}

func attestationPayload(subjectKID, subjectPublicKey string) map[string]any {
	return map[string]any{
		"subject_kid":        subjectKID,
		"subject_public_key": subjectPublicKey,
	}
}
