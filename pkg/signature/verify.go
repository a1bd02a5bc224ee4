package signature

import (
	"crypto/ecdsa"
	"crypto/ed25519"
	"crypto/elliptic"
	"crypto/subtle"
	"encoding/asn1"
	"encoding/base64"
	"errors"
	"math/big"
	"strings"
	"time"

	"github.com/TomWesselmann/Confidential-Assurance-Protocol-sub001/pkg/canonjson"
)

var (
	ErrUnsupportedAlgorithm = errors.New("unsupported algorithm")
	ErrInvalidIssuedAt      = errors.New("invalid issued_at")
	ErrPayloadHashMismatch  = errors.New("payload hash mismatch")
	ErrInvalidSignature     = errors.New("invalid signature")
	ErrInvalidEncoding      = errors.New("invalid encoding")
)

type VerifyResult struct {
	IssuedAt time.Time
}

// Verify checks an envelope against the digest it claims to sign. The
// digest argument and env.PayloadHash must both be the 0x wire form; the
// comparison runs in constant time before any signature math.
func Verify(digest string, env Envelope) (VerifyResult, error) {
	if strings.TrimSpace(env.IssuedAt) == "" {
		return VerifyResult{}, ErrInvalidIssuedAt
	}
	issuedAt, err := time.Parse(time.RFC3339Nano, env.IssuedAt)
	if err != nil {
		return VerifyResult{}, ErrInvalidIssuedAt
	}
	if !strings.HasSuffix(env.IssuedAt, "Z") || !issuedAt.Equal(issuedAt.UTC()) {
		return VerifyResult{}, ErrInvalidIssuedAt
	}

	expected, err := canonjson.Parse0x(digest)
	if err != nil {
		return VerifyResult{}, ErrInvalidEncoding
	}
	claimed, err := canonjson.Parse0x(strings.TrimSpace(env.PayloadHash))
	if err != nil {
		return VerifyResult{}, ErrInvalidEncoding
	}
	if subtle.ConstantTimeCompare(expected, claimed) != 1 {
		return VerifyResult{}, ErrPayloadHashMismatch
	}

	switch strings.TrimSpace(env.Version) {
	case VersionV1:
		if strings.ToLower(strings.TrimSpace(env.Algorithm)) != AlgorithmEd25519 {
			return VerifyResult{}, ErrUnsupportedAlgorithm
		}
		if err := verifyEd25519(claimed, env.PublicKey, env.Signature); err != nil {
			return VerifyResult{}, err
		}
	case VersionV2:
		if strings.ToLower(strings.TrimSpace(env.Algorithm)) != AlgorithmES256 {
			return VerifyResult{}, ErrUnsupportedAlgorithm
		}
		if err := verifyES256(claimed, env.PublicKey, env.Signature); err != nil {
			return VerifyResult{}, err
		}
	default:
		return VerifyResult{}, ErrUnsupportedAlgorithm
	}
	return VerifyResult{IssuedAt: issuedAt.UTC()}, nil
}

// PublicKeyBytes decodes the envelope's public key per its algorithm:
// 32 raw bytes for ed25519, the 65-byte uncompressed point for es256.
func (e Envelope) PublicKeyBytes() ([]byte, error) {
	switch strings.ToLower(strings.TrimSpace(e.Algorithm)) {
	case AlgorithmEd25519:
		pub, err := base64.StdEncoding.DecodeString(strings.TrimSpace(e.PublicKey))
		if err != nil || len(pub) != ed25519.PublicKeySize {
			return nil, ErrInvalidEncoding
		}
		return pub, nil
	case AlgorithmES256:
		pub, err := decodeBase64URLNoPaddingStrict(strings.TrimSpace(e.PublicKey))
		if err != nil || len(pub) != 65 || pub[0] != 0x04 {
			return nil, ErrInvalidEncoding
		}
		return pub, nil
	default:
		return nil, ErrUnsupportedAlgorithm
	}
}

func verifyEd25519(messageHash []byte, publicKeyB64, sigB64 string) error {
	publicKey, err := base64.StdEncoding.DecodeString(strings.TrimSpace(publicKeyB64))
	if err != nil {
		return ErrInvalidEncoding
	}
	sig, err := base64.StdEncoding.DecodeString(strings.TrimSpace(sigB64))
	if err != nil {
		return ErrInvalidEncoding
	}
	if len(publicKey) != ed25519.PublicKeySize || len(sig) != ed25519.SignatureSize {
		return ErrInvalidEncoding
	}
	if !ed25519.Verify(ed25519.PublicKey(publicKey), messageHash, sig) {
		return ErrInvalidSignature
	}
	return nil
}

func verifyES256(messageHash []byte, publicKeyB64URL, signatureInput string) error {
	publicKey, err := decodeBase64URLNoPaddingStrict(strings.TrimSpace(publicKeyB64URL))
	if err != nil {
		return ErrInvalidEncoding
	}
	if len(publicKey) != 65 || publicKey[0] != 0x04 {
		return ErrInvalidEncoding
	}
	curve := elliptic.P256()
	x := new(big.Int).SetBytes(publicKey[1:33])
	y := new(big.Int).SetBytes(publicKey[33:65])
	if !curve.IsOnCurve(x, y) {
		return ErrInvalidEncoding
	}
	pub := ecdsa.PublicKey{Curve: curve, X: x, Y: y}

	sigBytes, err := decodeSignatureBytesCompat(signatureInput)
	if err != nil {
		return ErrInvalidEncoding
	}
	r, s, err := parseES256Signature(sigBytes)
	if err != nil {
		return ErrInvalidEncoding
	}
	if !ecdsa.Verify(&pub, messageHash, r, s) {
		return ErrInvalidSignature
	}
	return nil
}

func decodeSignatureBytesCompat(in string) ([]byte, error) {
	s := strings.TrimSpace(in)
	if s == "" {
		return nil, ErrInvalidEncoding
	}
	// Canonical form: base64url without padding
	if bytes, err := decodeBase64URLNoPaddingStrict(s); err == nil {
		return bytes, nil
	}
	// Compatibility: std base64 with/without padding.
	std, err := base64.StdEncoding.DecodeString(s)
	if err == nil {
		return std, nil
	}
	rawStd, err := base64.RawStdEncoding.DecodeString(s)
	if err == nil {
		return rawStd, nil
	}
	return nil, ErrInvalidEncoding
}

func decodeBase64URLNoPaddingStrict(in string) ([]byte, error) {
	s := strings.TrimSpace(in)
	if s == "" || strings.Contains(s, "=") {
		return nil, ErrInvalidEncoding
	}
	for i := 0; i < len(s); i++ {
		c := s[i]
		if !((c >= 'A' && c <= 'Z') || (c >= 'a' && c <= 'z') || (c >= '0' && c <= '9') || c == '-' || c == '_') {
			return nil, ErrInvalidEncoding
		}
	}
	out, err := base64.RawURLEncoding.DecodeString(s)
	if err != nil {
		return nil, ErrInvalidEncoding
	}
	if base64.RawURLEncoding.EncodeToString(out) != s {
		return nil, ErrInvalidEncoding
	}
	return out, nil
}

func parseES256Signature(sig []byte) (*big.Int, *big.Int, error) {
	if len(sig) == 64 {
		r := new(big.Int).SetBytes(sig[:32])
		s := new(big.Int).SetBytes(sig[32:])
		if r.Sign() <= 0 || s.Sign() <= 0 {
			return nil, nil, ErrInvalidEncoding
		}
		return r, s, nil
	}
	var der struct {
		R *big.Int
		S *big.Int
	}
	rest, err := asn1.Unmarshal(sig, &der)
	if err != nil || len(rest) != 0 || der.R == nil || der.S == nil {
		return nil, nil, ErrInvalidEncoding
	}
	if der.R.Sign() <= 0 || der.S.Sign() <= 0 {
		return nil, nil, ErrInvalidEncoding
	}
	return der.R, der.S, nil
}
