// Package rfc3161 encodes and decodes RFC 3161 time-stamp requests.
// Bundle timestamp files carry one request DER binding the manifest
// digest; the exchange with a TSA happens out of band.
package rfc3161

import (
	"crypto/subtle"
	"encoding/asn1"
	"errors"
	"fmt"
	"strings"

	"github.com/TomWesselmann/Confidential-Assurance-Protocol-sub001/pkg/canonjson"
)

var oidSHA256 = asn1.ObjectIdentifier{2, 16, 840, 1, 101, 3, 4, 2, 1}

type algorithmIdentifier struct {
	Algorithm  asn1.ObjectIdentifier
	Parameters asn1.RawValue `asn1:"optional"`
}

type messageImprint struct {
	HashAlgorithm algorithmIdentifier
	HashedMessage []byte
}

type timeStampReq struct {
	Version        int
	MessageImprint messageImprint
	ReqPolicy      asn1.ObjectIdentifier `asn1:"optional"`
	CertReq        bool                  `asn1:"optional"`
}

// Request is the decoded form of a time-stamp request.
type Request struct {
	Digest    []byte
	PolicyOID string
	CertReq   bool
}

// BuildRequest encodes a version-1 request over a raw 32-byte SHA-256
// digest. policyOID is optional dotted form.
func BuildRequest(digest []byte, policyOID string) ([]byte, error) {
	if len(digest) != 32 {
		return nil, fmt.Errorf("digest must be 32 bytes, got %d", len(digest))
	}
	req := timeStampReq{
		Version: 1,
		MessageImprint: messageImprint{
			HashAlgorithm: algorithmIdentifier{
				Algorithm: oidSHA256,
				Parameters: asn1.RawValue{
					Class: asn1.ClassUniversal,
					Tag:   asn1.TagNull,
				},
			},
			HashedMessage: digest,
		},
		CertReq: true,
	}
	if p := strings.TrimSpace(policyOID); p != "" {
		oid, err := parseOID(p)
		if err != nil {
			return nil, err
		}
		req.ReqPolicy = oid
	}
	return asn1.Marshal(req)
}

// BuildRequestFromDigest accepts the 0x wire form of a digest.
func BuildRequestFromDigest(digest string, policyOID string) ([]byte, error) {
	raw, err := canonjson.Parse0x(digest)
	if err != nil {
		return nil, err
	}
	return BuildRequest(raw, policyOID)
}

// ParseRequest decodes a request DER. Trailing bytes, versions other
// than 1 and hash algorithms other than SHA-256 are rejected.
func ParseRequest(der []byte) (Request, error) {
	var req timeStampReq
	rest, err := asn1.Unmarshal(der, &req)
	if err != nil {
		return Request{}, fmt.Errorf("invalid timestamp request: %w", err)
	}
	if len(rest) != 0 {
		return Request{}, errors.New("trailing bytes after timestamp request")
	}
	if req.Version != 1 {
		return Request{}, fmt.Errorf("unsupported timestamp request version %d", req.Version)
	}
	if !req.MessageImprint.HashAlgorithm.Algorithm.Equal(oidSHA256) {
		return Request{}, errors.New("message imprint must use sha-256")
	}
	if len(req.MessageImprint.HashedMessage) != 32 {
		return Request{}, fmt.Errorf("message imprint must be 32 bytes, got %d", len(req.MessageImprint.HashedMessage))
	}
	out := Request{
		Digest:  req.MessageImprint.HashedMessage,
		CertReq: req.CertReq,
	}
	if len(req.ReqPolicy) > 0 {
		out.PolicyOID = req.ReqPolicy.String()
	}
	return out, nil
}

// BindsDigest checks that the request DER carries an imprint over the
// given 0x wire digest. The comparison runs in constant time.
func BindsDigest(der []byte, digest string) error {
	want, err := canonjson.Parse0x(digest)
	if err != nil {
		return err
	}
	req, err := ParseRequest(der)
	if err != nil {
		return err
	}
	if subtle.ConstantTimeCompare(req.Digest, want) != 1 {
		return errors.New("timestamp request binds a different digest")
	}
	return nil
}

func parseOID(s string) (asn1.ObjectIdentifier, error) {
	parts := strings.Split(strings.TrimSpace(s), ".")
	if len(parts) < 2 {
		return nil, errors.New("policy oid must have at least two arcs")
	}
	out := make(asn1.ObjectIdentifier, 0, len(parts))
	for _, p := range parts {
		if p == "" {
			return nil, errors.New("policy oid must be dotted digits")
		}
		var n int
		for _, ch := range p {
			if ch < '0' || ch > '9' {
				return nil, errors.New("policy oid must be dotted digits")
			}
			n = (n * 10) + int(ch-'0')
		}
		out = append(out, n)
	}
	return out, nil
}
