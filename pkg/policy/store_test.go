package policy

import (
	"errors"
	"testing"
)

func storedSample(t *testing.T) *Compiled {
	t.Helper()
	c, err := Compile(parseUBOPolicy(t), ModeStrict)
	if err != nil {
		t.Fatalf("Compile: %v", err)
	}
	return c
}

func TestMemStoreSaveAndLookup(t *testing.T) {
	s := NewMemStore()
	c := storedSample(t)
	row, err := s.Save(c)
	if err != nil {
		t.Fatalf("Save: %v", err)
	}
	if row.Status != StatusDraft {
		t.Fatalf("new policies start as draft, got %s", row.Status)
	}

	byID, err := s.Get(c.ID, c.Version)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if byID.Compiled.Hash != c.Hash {
		t.Fatal("Get returned a different artifact")
	}

	byHash, err := s.GetByHash(c.Hash)
	if err != nil {
		t.Fatalf("GetByHash: %v", err)
	}
	if byHash.Compiled.ID != c.ID {
		t.Fatal("GetByHash returned a different artifact")
	}
}

func TestMemStoreDeduplicatesByHash(t *testing.T) {
	s := NewMemStore()
	c := storedSample(t)
	first, err := s.Save(c)
	if err != nil {
		t.Fatalf("Save: %v", err)
	}
	again, err := s.Save(c)
	if err != nil {
		t.Fatalf("Save again: %v", err)
	}
	if !first.CreatedAt.Equal(again.CreatedAt) {
		t.Fatal("resubmission must return the original row")
	}
	rows, err := s.List()
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(rows) != 1 {
		t.Fatalf("expected 1 row, got %d", len(rows))
	}
}

func TestMemStoreSetStatus(t *testing.T) {
	s := NewMemStore()
	c := storedSample(t)
	if _, err := s.Save(c); err != nil {
		t.Fatalf("Save: %v", err)
	}
	if err := s.SetStatus(c.ID, c.Version, StatusActive); err != nil {
		t.Fatalf("SetStatus: %v", err)
	}
	row, err := s.Get(c.ID, c.Version)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if row.Status != StatusActive {
		t.Fatalf("expected active, got %s", row.Status)
	}
	if err := s.SetStatus(c.ID, c.Version, Status("frozen")); err == nil {
		t.Fatal("expected unknown status rejection")
	}
	if err := s.SetStatus("missing", "1", StatusActive); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestMemStoreGetMissing(t *testing.T) {
	s := NewMemStore()
	if _, err := s.Get("nope", "1"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	if _, err := s.GetByHash("0xdeadbeef"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}
