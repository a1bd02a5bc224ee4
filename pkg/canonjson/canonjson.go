package canonjson

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"strings"
)

var ErrInvalidDigest = errors.New("invalid digest")

const digestPrefix = "0x"

// Canonicalize renders v as canonical JSON bytes. The value is marshalled,
// round-tripped through a generic JSON value and marshalled again, so the
// output is independent of whether the caller held a struct or a map.
// encoding/json sorts map keys, which fixes the byte layout.
func Canonicalize(v any) ([]byte, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	var generic any
	if err := json.Unmarshal(b, &generic); err != nil {
		return nil, err
	}
	return json.Marshal(generic)
}

// SumHex hashes the canonical JSON form of v with SHA-256 and returns
// lowercase hex without a prefix.
func SumHex(v any) (string, error) {
	b, err := Canonicalize(v)
	if err != nil {
		return "", err
	}
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:]), nil
}

// Sum0x is SumHex with the 0x wire prefix.
func Sum0x(v any) (string, error) {
	h, err := SumHex(v)
	if err != nil {
		return "", err
	}
	return digestPrefix + h, nil
}

func HashBytesHex(b []byte) string {
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:])
}

func HashBytes0x(b []byte) string {
	return digestPrefix + HashBytesHex(b)
}

func HashString0x(s string) string {
	return HashBytes0x([]byte(s))
}

// Format0x renders a 32-byte digest in the wire form 0x + 64 lowercase hex.
func Format0x(sum []byte) (string, error) {
	if len(sum) != sha256.Size {
		return "", ErrInvalidDigest
	}
	return digestPrefix + hex.EncodeToString(sum), nil
}

// Parse0x decodes a wire digest. Accepted form is exactly 0x followed by
// 64 lowercase hex characters.
func Parse0x(s string) ([]byte, error) {
	if !strings.HasPrefix(s, digestPrefix) {
		return nil, ErrInvalidDigest
	}
	hexPart := s[len(digestPrefix):]
	if len(hexPart) != 64 || hexPart != strings.ToLower(hexPart) {
		return nil, ErrInvalidDigest
	}
	b, err := hex.DecodeString(hexPart)
	if err != nil {
		return nil, ErrInvalidDigest
	}
	return b, nil
}

func IsValid0x(s string) bool {
	_, err := Parse0x(s)
	return err == nil
}

// Zero0x is the all-zero digest in wire form.
func Zero0x() string {
	return digestPrefix + strings.Repeat("0", 64)
}

// DecodeStrict unmarshals data into out rejecting unknown fields and
// trailing content.
func DecodeStrict(data []byte, out any) error {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()
	if err := dec.Decode(out); err != nil {
		return err
	}
	if dec.More() {
		return errors.New("invalid trailing content")
	}
	return nil
}

// DecodeStrictValue is DecodeStrict for values already parsed into generic
// JSON, re-marshalling before the strict pass.
func DecodeStrictValue(v any, out any) error {
	b, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return DecodeStrict(b, out)
}
