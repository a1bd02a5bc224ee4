package keys

import (
	"crypto/ecdsa"
	"crypto/ed25519"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"strings"
	"time"

	"github.com/TomWesselmann/Confidential-Assurance-Protocol-sub001/pkg/canonjson"
	"github.com/TomWesselmann/Confidential-Assurance-Protocol-sub001/pkg/signature"
)

type Status string

const (
	StatusActive  Status = "active"
	StatusRetired Status = "retired"
	StatusRevoked Status = "revoked"
)

var (
	ErrNotFound         = errors.New("key not found")
	ErrDuplicateKID     = errors.New("kid already registered")
	ErrInactiveSigner   = errors.New("key is not active")
	ErrUnknownAlgorithm = errors.New("unknown key algorithm")
)

// Record is the public half of a managed key. Private material never
// appears here; signing happens through the Signer capability.
type Record struct {
	KID         string    `json:"kid"`
	Owner       string    `json:"owner"`
	Algorithm   string    `json:"algorithm"`
	CreatedAt   time.Time `json:"created_at"`
	ValidFrom   time.Time `json:"valid_from"`
	ValidTo     time.Time `json:"valid_to"`
	Status      Status    `json:"status"`
	PublicKey   string    `json:"public_key"`
	Fingerprint string    `json:"fingerprint"`
}

type ValidityWindow struct {
	From time.Time
	To   time.Time
}

// Signer is the custody capability. Implementations hold private material
// out of reach; an HSM or remote KMS adapter satisfies the same interface.
type Signer interface {
	KID() string
	Algorithm() string
	SignDigest(digest string, issuedAt time.Time, context string) (signature.Envelope, error)
}

// KIDFromPublicKey derives the key identifier: the first 128 bits of
// SHA-256 over the std-base64 public key, as 32 lowercase hex characters.
// The same key bytes always map to the same kid.
func KIDFromPublicKey(pub []byte) string {
	b64 := base64.StdEncoding.EncodeToString(pub)
	sum := sha256.Sum256([]byte(b64))
	return hex.EncodeToString(sum[:16])
}

func IsValidKID(kid string) bool {
	if len(kid) != 32 || kid != strings.ToLower(kid) {
		return false
	}
	_, err := hex.DecodeString(kid)
	return err == nil
}

// Generate creates a fresh key pair for owner and returns its public record
// together with the in-process signing capability.
func Generate(owner string, window ValidityWindow, algorithm string) (Record, Signer, error) {
	switch algorithm {
	case signature.AlgorithmEd25519:
		_, priv, err := ed25519.GenerateKey(rand.Reader)
		if err != nil {
			return Record{}, nil, err
		}
		return NewEd25519(owner, window, priv)
	case signature.AlgorithmES256:
		priv, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
		if err != nil {
			return Record{}, nil, err
		}
		return NewES256(owner, window, priv)
	default:
		return Record{}, nil, ErrUnknownAlgorithm
	}
}

// NewEd25519 wraps externally provisioned ed25519 private material.
func NewEd25519(owner string, window ValidityWindow, priv ed25519.PrivateKey) (Record, Signer, error) {
	if len(priv) != ed25519.PrivateKeySize {
		return Record{}, nil, errors.New("ed25519 private key is required")
	}
	pub := priv.Public().(ed25519.PublicKey)
	rec, err := newRecord(owner, window, signature.AlgorithmEd25519, pub)
	if err != nil {
		return Record{}, nil, err
	}
	return rec, &ed25519Signer{kid: rec.KID, priv: priv}, nil
}

// NewES256 wraps externally provisioned P-256 private material.
func NewES256(owner string, window ValidityWindow, priv *ecdsa.PrivateKey) (Record, Signer, error) {
	if priv == nil || priv.Curve == nil || priv.Curve.Params().Name != elliptic.P256().Params().Name {
		return Record{}, nil, errors.New("p256 private key is required")
	}
	pub := elliptic.Marshal(elliptic.P256(), priv.PublicKey.X, priv.PublicKey.Y)
	rec, err := newRecord(owner, window, signature.AlgorithmES256, pub)
	if err != nil {
		return Record{}, nil, err
	}
	return rec, &es256Signer{kid: rec.KID, priv: priv}, nil
}

func newRecord(owner string, window ValidityWindow, algorithm string, pub []byte) (Record, error) {
	if strings.TrimSpace(owner) == "" {
		return Record{}, errors.New("owner is required")
	}
	from := window.From.UTC()
	to := window.To.UTC()
	if from.IsZero() || to.IsZero() || from.After(to) {
		return Record{}, errors.New("validity window is required and must be ordered")
	}
	return Record{
		KID:         KIDFromPublicKey(pub),
		Owner:       strings.TrimSpace(owner),
		Algorithm:   algorithm,
		CreatedAt:   time.Now().UTC(),
		ValidFrom:   from,
		ValidTo:     to,
		Status:      StatusActive,
		PublicKey:   base64.StdEncoding.EncodeToString(pub),
		Fingerprint: canonjson.HashBytes0x(pub),
	}, nil
}

// PublicKeyBytes decodes the record's raw public key bytes.
func (r Record) PublicKeyBytes() ([]byte, error) {
	b, err := base64.StdEncoding.DecodeString(r.PublicKey)
	if err != nil {
		return nil, errors.New("invalid public key encoding")
	}
	return b, nil
}

type ed25519Signer struct {
	kid  string
	priv ed25519.PrivateKey
}

func (s *ed25519Signer) KID() string       { return s.kid }
func (s *ed25519Signer) Algorithm() string { return signature.AlgorithmEd25519 }

func (s *ed25519Signer) SignDigest(digest string, issuedAt time.Time, context string) (signature.Envelope, error) {
	return signature.SignEd25519(digest, s.priv, issuedAt, s.kid, context)
}

type es256Signer struct {
	kid  string
	priv *ecdsa.PrivateKey
}

func (s *es256Signer) KID() string       { return s.kid }
func (s *es256Signer) Algorithm() string { return signature.AlgorithmES256 }

func (s *es256Signer) SignDigest(digest string, issuedAt time.Time, context string) (signature.Envelope, error) {
	return signature.SignES256(digest, s.priv, issuedAt, s.kid, context)
}
