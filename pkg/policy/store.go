package policy

import (
	"errors"
	"sync"
	"time"
)

var ErrNotFound = errors.New("policy not found")

type Status string

const (
	StatusDraft    Status = "draft"
	StatusActive   Status = "active"
	StatusArchived Status = "archived"
)

type StoredPolicy struct {
	Compiled  Compiled  `json:"compiled"`
	Status    Status    `json:"status"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Store keeps compiled policies addressable by identity and by content
// hash. Save deduplicates on hash: resubmitting a known artifact returns
// the stored row unchanged.
type Store interface {
	Save(c *Compiled) (StoredPolicy, error)
	Get(id, version string) (StoredPolicy, error)
	GetByHash(hash string) (StoredPolicy, error)
	List() ([]StoredPolicy, error)
	SetStatus(id, version string, status Status) error
}

type MemStore struct {
	mu     sync.RWMutex
	byHash map[string]*StoredPolicy
	order  []string
	now    func() time.Time
}

func NewMemStore() *MemStore {
	return &MemStore{byHash: map[string]*StoredPolicy{}, now: time.Now}
}

func (s *MemStore) Save(c *Compiled) (StoredPolicy, error) {
	if c == nil || c.Hash == "" {
		return StoredPolicy{}, errors.New("compiled policy with hash is required")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if existing, ok := s.byHash[c.Hash]; ok {
		return *existing, nil
	}
	now := s.now().UTC()
	row := &StoredPolicy{Compiled: *c, Status: StatusDraft, CreatedAt: now, UpdatedAt: now}
	s.byHash[c.Hash] = row
	s.order = append(s.order, c.Hash)
	return *row, nil
}

func (s *MemStore) Get(id, version string) (StoredPolicy, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, hash := range s.order {
		row := s.byHash[hash]
		if row.Compiled.ID == id && row.Compiled.Version == version {
			return *row, nil
		}
	}
	return StoredPolicy{}, ErrNotFound
}

func (s *MemStore) GetByHash(hash string) (StoredPolicy, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if row, ok := s.byHash[hash]; ok {
		return *row, nil
	}
	return StoredPolicy{}, ErrNotFound
}

func (s *MemStore) List() ([]StoredPolicy, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]StoredPolicy, 0, len(s.order))
	for _, hash := range s.order {
		out = append(out, *s.byHash[hash])
	}
	return out, nil
}

func (s *MemStore) SetStatus(id, version string, status Status) error {
	switch status {
	case StatusDraft, StatusActive, StatusArchived:
	default:
		return errors.New("unknown policy status " + string(status))
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, hash := range s.order {
		row := s.byHash[hash]
		if row.Compiled.ID == id && row.Compiled.Version == version {
			row.Status = status
			row.UpdatedAt = s.now().UTC()
			return nil
		}
	}
	return ErrNotFound
}
