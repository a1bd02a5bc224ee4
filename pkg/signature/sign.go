package signature

import (
	"crypto/ecdsa"
	"crypto/ed25519"
	"crypto/elliptic"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"strings"
	"time"

	"github.com/TomWesselmann/Confidential-Assurance-Protocol-sub001/pkg/canonjson"
)

// SignEd25519 signs the raw bytes of a 0x wire digest and wraps the result
// in a sig-v1 envelope.
func SignEd25519(digest string, priv ed25519.PrivateKey, issuedAt time.Time, keyID, context string) (Envelope, error) {
	if len(priv) != ed25519.PrivateKeySize {
		return Envelope{}, errors.New("ed25519 private key is required")
	}
	msg, err := canonjson.Parse0x(digest)
	if err != nil {
		return Envelope{}, err
	}
	issuedAtUTC := issuedAt.UTC()
	if issuedAtUTC.IsZero() {
		return Envelope{}, ErrInvalidIssuedAt
	}
	sig := ed25519.Sign(priv, msg)
	pub := priv.Public().(ed25519.PublicKey)
	env := Envelope{
		Version:     VersionV1,
		Algorithm:   AlgorithmEd25519,
		PublicKey:   base64.StdEncoding.EncodeToString(pub),
		Signature:   base64.StdEncoding.EncodeToString(sig),
		PayloadHash: digest,
		IssuedAt:    issuedAtUTC.Format(time.RFC3339Nano),
	}
	applyOptionalFields(&env, keyID, context)
	return env, nil
}

// SignES256 signs the raw bytes of a 0x wire digest with a P-256 key and
// wraps the result in a sig-v2 envelope. The signature is the raw 64-byte
// r||s form, base64url without padding.
func SignES256(digest string, priv *ecdsa.PrivateKey, issuedAt time.Time, keyID, context string) (Envelope, error) {
	if priv == nil || priv.Curve == nil || priv.Curve.Params().Name != elliptic.P256().Params().Name {
		return Envelope{}, errors.New("p256 private key is required")
	}
	msg, err := canonjson.Parse0x(digest)
	if err != nil {
		return Envelope{}, err
	}
	issuedAtUTC := issuedAt.UTC()
	if issuedAtUTC.IsZero() {
		return Envelope{}, ErrInvalidIssuedAt
	}
	r, s, err := ecdsa.Sign(rand.Reader, priv, msg)
	if err != nil {
		return Envelope{}, err
	}
	sigRaw := make([]byte, 64)
	r.FillBytes(sigRaw[:32])
	s.FillBytes(sigRaw[32:])
	pub := elliptic.Marshal(elliptic.P256(), priv.PublicKey.X, priv.PublicKey.Y)

	env := Envelope{
		Version:     VersionV2,
		Algorithm:   AlgorithmES256,
		PublicKey:   base64.RawURLEncoding.EncodeToString(pub),
		Signature:   base64.RawURLEncoding.EncodeToString(sigRaw),
		PayloadHash: digest,
		IssuedAt:    issuedAtUTC.Format(time.RFC3339Nano),
	}
	applyOptionalFields(&env, keyID, context)
	return env, nil
}

func applyOptionalFields(env *Envelope, keyID, context string) {
	if strings.TrimSpace(keyID) != "" {
		env.KeyID = strings.TrimSpace(keyID)
	}
	if strings.TrimSpace(context) != "" {
		env.Context = strings.TrimSpace(context)
	}
}
