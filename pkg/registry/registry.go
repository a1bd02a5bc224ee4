// Package registry keeps content-addressed proof registrations. Entries
// are keyed by their (manifest_hash, proof_hash) pair: resubmitting
// identical content is a no-op, while rebinding the pair to a different
// signer is rejected. Entries are immutable once written; corrections
// happen through new entries.
package registry

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/TomWesselmann/Confidential-Assurance-Protocol-sub001/pkg/canonjson"
	"github.com/TomWesselmann/Confidential-Assurance-Protocol-sub001/pkg/keys"
	"github.com/TomWesselmann/Confidential-Assurance-Protocol-sub001/pkg/signature"
)

// SignContext is the envelope context bound to registration signatures.
const SignContext = "cap-registry"

const idPrefix = "reg_"

// Entry is one signed registration. PublicKey and KID mirror the envelope
// so the row is self-describing without envelope decoding.
type Entry struct {
	ID           string             `json:"id"`
	ManifestHash string             `json:"manifest_hash"`
	ProofHash    string             `json:"proof_hash"`
	AddedAt      string             `json:"added_at"`
	Signature    signature.Envelope `json:"signature"`
	PublicKey    string             `json:"public_key"`
	KID          string             `json:"kid"`
}

// DuplicateError reports a (manifest_hash, proof_hash) pair already bound
// to a different signature, public key or kid.
type DuplicateError struct {
	ManifestHash string
	ProofHash    string
}

func (e *DuplicateError) Error() string {
	return fmt.Sprintf("registry entry for (%s, %s) exists with a different signer", e.ManifestHash, e.ProofHash)
}

// Store is the registration store contract. The in-memory and Postgres
// implementations behave identically from the caller's perspective.
type Store interface {
	Add(ctx context.Context, e Entry) error
	Find(ctx context.Context, manifestHash, proofHash string) (Entry, bool, error)
	List(ctx context.Context, limit, offset int) ([]Entry, error)
	Len(ctx context.Context) (int, error)
}

// NewEntry signs a registration over the pair of artifact hashes.
func NewEntry(manifestHash, proofHash string, signer keys.Signer, addedAt time.Time) (Entry, error) {
	digest, err := registrationDigest(manifestHash, proofHash)
	if err != nil {
		return Entry{}, err
	}
	env, err := signer.SignDigest(digest, addedAt, SignContext)
	if err != nil {
		return Entry{}, err
	}
	return Entry{
		ID:           idPrefix + uuid.NewString(),
		ManifestHash: manifestHash,
		ProofHash:    proofHash,
		AddedAt:      addedAt.UTC().Format(time.RFC3339),
		Signature:    env,
		PublicKey:    env.PublicKey,
		KID:          signer.KID(),
	}, nil
}

// Validate checks the entry shape and its signature: the envelope must
// verify over the registration digest, and the mirrored public key and kid
// must agree with the envelope's key material.
func (e Entry) Validate() error {
	if !strings.HasPrefix(e.ID, idPrefix) || len(e.ID) == len(idPrefix) {
		return errors.New("id must carry the reg_ prefix")
	}
	if !canonjson.IsValid0x(e.ManifestHash) {
		return errors.New("manifest_hash must be a 0x sha-256 digest")
	}
	if !canonjson.IsValid0x(e.ProofHash) {
		return errors.New("proof_hash must be a 0x sha-256 digest")
	}
	if !isRFC3339UTC(e.AddedAt) {
		return errors.New("added_at must be RFC3339 UTC")
	}
	if e.Signature.Context != SignContext {
		return errors.New("signature context mismatch")
	}
	digest, err := registrationDigest(e.ManifestHash, e.ProofHash)
	if err != nil {
		return err
	}
	if _, err := signature.Verify(digest, e.Signature); err != nil {
		return err
	}
	if e.PublicKey != e.Signature.PublicKey {
		return errors.New("public_key does not match the envelope")
	}
	raw, err := e.Signature.PublicKeyBytes()
	if err != nil {
		return err
	}
	if e.KID != keys.KIDFromPublicKey(raw) {
		return errors.New("kid does not match the public key")
	}
	return nil
}

// sameSigner reports whether two entries for one pair carry identical
// signature material.
func sameSigner(a, b Entry) bool {
	return a.Signature.Signature == b.Signature.Signature &&
		a.PublicKey == b.PublicKey &&
		a.KID == b.KID
}

func registrationDigest(manifestHash, proofHash string) (string, error) {
	if !canonjson.IsValid0x(manifestHash) {
		return "", errors.New("manifest_hash must be a 0x sha-256 digest")
	}
	if !canonjson.IsValid0x(proofHash) {
		return "", errors.New("proof_hash must be a 0x sha-256 digest")
	}
	return canonjson.Sum0x(map[string]any{
		"manifest_hash": manifestHash,
		"proof_hash":    proofHash,
	})
}

func pairKey(manifestHash, proofHash string) string {
	return manifestHash + "|" + proofHash
}

func isRFC3339UTC(v string) bool {
	if !strings.HasSuffix(v, "Z") {
		return false
	}
	_, err := time.Parse(time.RFC3339Nano, v)
	return err == nil
}

// MemStore keeps registrations in memory. A single mutex serializes
// writers; reads hand out copies in insertion order.
type MemStore struct {
	mu     sync.Mutex
	byPair map[string]Entry
	order  []string
}

func NewMemStore() *MemStore {
	return &MemStore{byPair: map[string]Entry{}}
}

func (s *MemStore) Add(_ context.Context, e Entry) error {
	if err := e.Validate(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	key := pairKey(e.ManifestHash, e.ProofHash)
	if existing, ok := s.byPair[key]; ok {
		if sameSigner(existing, e) {
			return nil
		}
		return &DuplicateError{ManifestHash: e.ManifestHash, ProofHash: e.ProofHash}
	}
	s.byPair[key] = e
	s.order = append(s.order, key)
	return nil
}

func (s *MemStore) Find(_ context.Context, manifestHash, proofHash string) (Entry, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.byPair[pairKey(manifestHash, proofHash)]
	return e, ok, nil
}

// List returns entries in insertion order. A non-positive limit returns
// everything from offset.
func (s *MemStore) List(_ context.Context, limit, offset int) ([]Entry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if offset < 0 {
		offset = 0
	}
	if offset >= len(s.order) {
		return []Entry{}, nil
	}
	page := s.order[offset:]
	if limit > 0 && limit < len(page) {
		page = page[:limit]
	}
	out := make([]Entry, 0, len(page))
	for _, k := range page {
		out = append(out, s.byPair[k])
	}
	return out, nil
}

func (s *MemStore) Len(_ context.Context) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.order), nil
}

// Copy replays every entry from src into dst in insertion order and
// returns the number of entries carried over. Signature, public key and
// kid fields survive untouched.
func Copy(ctx context.Context, src, dst Store) (int, error) {
	entries, err := src.List(ctx, 0, 0)
	if err != nil {
		return 0, err
	}
	copied := 0
	for _, e := range entries {
		if err := dst.Add(ctx, e); err != nil {
			return copied, err
		}
		copied++
	}
	return copied, nil
}
