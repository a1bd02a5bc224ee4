package keys

import (
	"errors"
	"sync"
	"time"
)

// Ring is the in-memory key register. Writers serialize on one mutex;
// reads return copies. Retired and revoked keys stay in the ring so
// historical signatures keep verifying.
type Ring struct {
	mu    sync.RWMutex
	byKID map[string]*Record
	order []string
}

func NewRing() *Ring {
	return &Ring{byKID: map[string]*Record{}}
}

func (r *Ring) Save(rec Record) error {
	if !IsValidKID(rec.KID) {
		return errors.New("record kid is malformed")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.byKID[rec.KID]; exists {
		return ErrDuplicateKID
	}
	stored := rec
	r.byKID[rec.KID] = &stored
	r.order = append(r.order, rec.KID)
	return nil
}

func (r *Ring) Get(kid string) (Record, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	rec, ok := r.byKID[kid]
	if !ok {
		return Record{}, ErrNotFound
	}
	return *rec, nil
}

// Lookup is Get in the resolver shape chain verification consumes.
func (r *Ring) Lookup(kid string) (Record, bool) {
	rec, err := r.Get(kid)
	return rec, err == nil
}

func (r *Ring) SetStatus(kid string, status Status) error {
	switch status {
	case StatusActive, StatusRetired, StatusRevoked:
	default:
		return errors.New("unknown key status " + string(status))
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	rec, ok := r.byKID[kid]
	if !ok {
		return ErrNotFound
	}
	rec.Status = status
	return nil
}

// Revoke marks a key revoked. Revocation is terminal: chains containing a
// revoked key stop verifying.
func (r *Ring) Revoke(kid string) error {
	return r.SetStatus(kid, StatusRevoked)
}

// Rotate retires the old key and leaves the new one active. Both must be
// registered and share an owner. A revoked key stays revoked.
func (r *Ring) Rotate(oldKID, newKID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	oldRec, ok := r.byKID[oldKID]
	if !ok {
		return ErrNotFound
	}
	newRec, ok := r.byKID[newKID]
	if !ok {
		return ErrNotFound
	}
	if oldRec.Owner != newRec.Owner {
		return errors.New("rotation requires one owner")
	}
	if oldRec.Status == StatusRevoked {
		return errors.New("revoked keys cannot rotate")
	}
	if newRec.Status != StatusActive {
		return ErrInactiveSigner
	}
	oldRec.Status = StatusRetired
	return nil
}

// Active returns the most recently registered active key for owner.
func (r *Ring) Active(owner string) (Record, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for i := len(r.order) - 1; i >= 0; i-- {
		rec := r.byKID[r.order[i]]
		if rec.Owner == owner && rec.Status == StatusActive {
			return *rec, nil
		}
	}
	return Record{}, ErrNotFound
}

func (r *Ring) List() []Record {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Record, 0, len(r.order))
	for _, kid := range r.order {
		out = append(out, *r.byKID[kid])
	}
	return out
}

// UsableAt reports whether the record may produce new signatures at t:
// status active and t inside the validity window.
func (r Record) UsableAt(t time.Time) bool {
	if r.Status != StatusActive {
		return false
	}
	tt := t.UTC()
	return !tt.Before(r.ValidFrom) && !tt.After(r.ValidTo)
}
