package registry

import (
	"bytes"
	"context"
	"crypto/ed25519"
	"errors"
	"reflect"
	"strings"
	"testing"
	"time"

	"github.com/TomWesselmann/Confidential-Assurance-Protocol-sub001/pkg/canonjson"
	"github.com/TomWesselmann/Confidential-Assurance-Protocol-sub001/pkg/keys"
)

var registryAddedAt = time.Date(2026, 5, 12, 10, 0, 0, 0, time.UTC)

func testSigner(t *testing.T, seed byte) keys.Signer {
	t.Helper()
	window := keys.ValidityWindow{
		From: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC),
		To:   time.Date(2027, 1, 1, 0, 0, 0, 0, time.UTC),
	}
	_, signer, err := keys.NewEd25519("acme-compliance", window, ed25519.NewKeyFromSeed(bytes.Repeat([]byte{seed}, 32)))
	if err != nil {
		t.Fatalf("NewEd25519: %v", err)
	}
	return signer
}

func testEntry(t *testing.T, signer keys.Signer, label string) Entry {
	t.Helper()
	e, err := NewEntry(
		canonjson.HashString0x("manifest "+label),
		canonjson.HashString0x("proof "+label),
		signer,
		registryAddedAt,
	)
	if err != nil {
		t.Fatalf("NewEntry: %v", err)
	}
	return e
}

func TestNewEntryShape(t *testing.T) {
	signer := testSigner(t, 5)
	e := testEntry(t, signer, "one")

	if !strings.HasPrefix(e.ID, "reg_") {
		t.Fatalf("unexpected id %q", e.ID)
	}
	if e.AddedAt != "2026-05-12T10:00:00Z" {
		t.Fatalf("unexpected added_at %q", e.AddedAt)
	}
	if e.Signature.Context != SignContext {
		t.Fatalf("unexpected context %q", e.Signature.Context)
	}
	if e.PublicKey != e.Signature.PublicKey {
		t.Fatal("public_key must mirror the envelope")
	}
	if e.KID != signer.KID() {
		t.Fatalf("kid %q does not match signer %q", e.KID, signer.KID())
	}
	if err := e.Validate(); err != nil {
		t.Fatalf("Validate: %v", err)
	}
}

func TestNewEntryRejectsBadHashes(t *testing.T) {
	signer := testSigner(t, 5)
	if _, err := NewEntry("deadbeef", canonjson.HashString0x("p"), signer, registryAddedAt); err == nil {
		t.Fatal("expected rejection of a non-0x manifest hash")
	}
	if _, err := NewEntry(canonjson.HashString0x("m"), "", signer, registryAddedAt); err == nil {
		t.Fatal("expected rejection of an empty proof hash")
	}
}

func TestAddAndFind(t *testing.T) {
	ctx := context.Background()
	store := NewMemStore()
	e := testEntry(t, testSigner(t, 5), "one")

	if err := store.Add(ctx, e); err != nil {
		t.Fatalf("Add: %v", err)
	}
	got, found, err := store.Find(ctx, e.ManifestHash, e.ProofHash)
	if err != nil {
		t.Fatalf("Find: %v", err)
	}
	if !found {
		t.Fatal("entry must be found")
	}
	if !reflect.DeepEqual(got, e) {
		t.Fatalf("entry mismatch:\n%+v\n%+v", got, e)
	}

	_, found, err = store.Find(ctx, canonjson.HashString0x("missing"), e.ProofHash)
	if err != nil {
		t.Fatalf("Find: %v", err)
	}
	if found {
		t.Fatal("unknown pair must not be found")
	}
}

func TestResubmitSameSignerIsNoOp(t *testing.T) {
	ctx := context.Background()
	store := NewMemStore()
	signer := testSigner(t, 5)
	first := testEntry(t, signer, "one")

	if err := store.Add(ctx, first); err != nil {
		t.Fatalf("Add: %v", err)
	}

	// A fresh registration of the same pair carries a new id and
	// timestamp but identical signature material.
	again, err := NewEntry(first.ManifestHash, first.ProofHash, signer, registryAddedAt.Add(time.Hour))
	if err != nil {
		t.Fatalf("NewEntry: %v", err)
	}
	if again.ID == first.ID {
		t.Fatal("ids must be unique")
	}
	if err := store.Add(ctx, again); err != nil {
		t.Fatalf("resubmission must be a no-op: %v", err)
	}

	n, err := store.Len(ctx)
	if err != nil {
		t.Fatalf("Len: %v", err)
	}
	if n != 1 {
		t.Fatalf("expected 1 entry, got %d", n)
	}
	got, _, err := store.Find(ctx, first.ManifestHash, first.ProofHash)
	if err != nil {
		t.Fatalf("Find: %v", err)
	}
	if got.ID != first.ID {
		t.Fatalf("original entry must survive resubmission, got %q", got.ID)
	}
}

func TestConflictingSignerRejected(t *testing.T) {
	ctx := context.Background()
	store := NewMemStore()
	first := testEntry(t, testSigner(t, 5), "one")
	if err := store.Add(ctx, first); err != nil {
		t.Fatalf("Add: %v", err)
	}

	other, err := NewEntry(first.ManifestHash, first.ProofHash, testSigner(t, 6), registryAddedAt)
	if err != nil {
		t.Fatalf("NewEntry: %v", err)
	}
	err = store.Add(ctx, other)
	var dup *DuplicateError
	if !errors.As(err, &dup) {
		t.Fatalf("expected DuplicateError, got %v", err)
	}
	if dup.ManifestHash != first.ManifestHash || dup.ProofHash != first.ProofHash {
		t.Fatalf("unexpected error detail: %+v", dup)
	}

	n, err := store.Len(ctx)
	if err != nil {
		t.Fatalf("Len: %v", err)
	}
	if n != 1 {
		t.Fatalf("conflicting add must not grow the store, got %d", n)
	}
}

func TestAddValidates(t *testing.T) {
	ctx := context.Background()
	signer := testSigner(t, 5)
	cases := []struct {
		name   string
		mutate func(*Entry)
	}{
		{"missing id prefix", func(e *Entry) { e.ID = "entry-1" }},
		{"bad manifest hash", func(e *Entry) { e.ManifestHash = "deadbeef" }},
		{"retargeted proof hash", func(e *Entry) { e.ProofHash = canonjson.HashString0x("other proof") }},
		{"non-utc added_at", func(e *Entry) { e.AddedAt = "2026-05-12T10:00:00+02:00" }},
		{"wrong context", func(e *Entry) { e.Signature.Context = "cap-manifest" }},
		{"tampered signature", func(e *Entry) { e.Signature.Signature = e.Signature.Signature[1:] + "A" }},
		{"mismatched public key mirror", func(e *Entry) { e.PublicKey = "AAAA" }},
		{"tampered kid", func(e *Entry) { e.KID = strings.Repeat("0", 32) }},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			e := testEntry(t, signer, "one")
			tc.mutate(&e)
			if err := e.Validate(); err == nil {
				t.Fatal("Validate must reject the tampered entry")
			}
			if err := NewMemStore().Add(ctx, e); err == nil {
				t.Fatal("Add must reject the tampered entry")
			}
		})
	}
}

func TestListOrderAndPagination(t *testing.T) {
	ctx := context.Background()
	store := NewMemStore()
	signer := testSigner(t, 5)
	entries := []Entry{
		testEntry(t, signer, "one"),
		testEntry(t, signer, "two"),
		testEntry(t, signer, "three"),
	}
	for _, e := range entries {
		if err := store.Add(ctx, e); err != nil {
			t.Fatalf("Add: %v", err)
		}
	}

	all, err := store.List(ctx, 0, 0)
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if !reflect.DeepEqual(all, entries) {
		t.Fatalf("insertion order must survive:\n%+v\n%+v", all, entries)
	}

	page, err := store.List(ctx, 2, 1)
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if !reflect.DeepEqual(page, entries[1:]) {
		t.Fatalf("unexpected page:\n%+v\n%+v", page, entries[1:])
	}

	empty, err := store.List(ctx, 0, 5)
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(empty) != 0 {
		t.Fatalf("offset past the end must return nothing, got %d", len(empty))
	}

	fromStart, err := store.List(ctx, 1, -3)
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(fromStart) != 1 || fromStart[0].ID != entries[0].ID {
		t.Fatalf("negative offset must read from the start: %+v", fromStart)
	}
}

func TestCopyReplaysEveryEntry(t *testing.T) {
	ctx := context.Background()
	src := NewMemStore()
	signer := testSigner(t, 5)
	for _, label := range []string{"one", "two", "three"} {
		if err := src.Add(ctx, testEntry(t, signer, label)); err != nil {
			t.Fatalf("Add: %v", err)
		}
	}

	dst := NewMemStore()
	n, err := Copy(ctx, src, dst)
	if err != nil {
		t.Fatalf("Copy: %v", err)
	}
	if n != 3 {
		t.Fatalf("expected 3 copied entries, got %d", n)
	}
	want, err := src.List(ctx, 0, 0)
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	got, err := dst.List(ctx, 0, 0)
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("destination differs from source:\n%+v\n%+v", got, want)
	}
}

func TestCopyIsIdempotent(t *testing.T) {
	ctx := context.Background()
	src := NewMemStore()
	if err := src.Add(ctx, testEntry(t, testSigner(t, 5), "one")); err != nil {
		t.Fatalf("Add: %v", err)
	}
	dst := NewMemStore()
	if _, err := Copy(ctx, src, dst); err != nil {
		t.Fatalf("Copy: %v", err)
	}
	if _, err := Copy(ctx, src, dst); err != nil {
		t.Fatalf("second Copy must be a no-op: %v", err)
	}
	n, err := dst.Len(ctx)
	if err != nil {
		t.Fatalf("Len: %v", err)
	}
	if n != 1 {
		t.Fatalf("expected 1 entry after replay, got %d", n)
	}
}
