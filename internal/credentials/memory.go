package credentials

import (
	"context"
	"slices"
	"sort"
	"sync"
	"time"
)

// MemoryStore is an in-process Repository for development and tests.
type MemoryStore struct {
	mu       sync.RWMutex
	mappings map[string]Mapping
	audit    map[string][]SecretAuditRecord
}

var _ Repository = (*MemoryStore)(nil)

// NewMemoryStore returns an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		mappings: make(map[string]Mapping),
		audit:    make(map[string][]SecretAuditRecord),
	}
}

func (s *MemoryStore) Create(_ context.Context, m Mapping) (Mapping, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.mappings[m.ID]; ok {
		return Mapping{}, ErrConflict
	}
	if m.Active && !m.Deleted && s.usableTakenLocked(m.Issuer, m.ClientID, "") {
		return Mapping{}, ErrConflict
	}
	m.Scopes = slices.Clone(m.Scopes)
	s.mappings[m.ID] = m
	return view(m), nil
}

func (s *MemoryStore) Get(_ context.Context, id string) (Mapping, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	m, ok := s.mappings[id]
	if !ok || m.Deleted {
		return Mapping{}, ErrNotFound
	}
	return view(m), nil
}

func (s *MemoryStore) ListByParty(_ context.Context, partyID string) ([]Mapping, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []Mapping
	for _, m := range s.mappings {
		if m.PartyID == partyID && !m.Deleted {
			out = append(out, view(m))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *MemoryStore) FindUsable(_ context.Context, issuer, clientID string) (Mapping, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, m := range s.mappings {
		if m.Issuer == issuer && m.ClientID == clientID && m.Active && !m.Deleted {
			return view(m), nil
		}
	}
	return Mapping{}, ErrNotFound
}

func (s *MemoryStore) UpdateScopes(_ context.Context, id string, scopes []string, at time.Time) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.mappings[id]
	if !ok || m.Deleted {
		return nil, ErrNotFound
	}
	before := m.Scopes
	m.Scopes = slices.Clone(scopes)
	m.UpdatedAt = at
	s.mappings[id] = m
	return slices.Clone(before), nil
}

func (s *MemoryStore) SetActive(_ context.Context, id string, active bool, at time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.mappings[id]
	if !ok || m.Deleted {
		return false, ErrNotFound
	}
	if m.Active == active {
		return false, nil
	}
	if active && s.usableTakenLocked(m.Issuer, m.ClientID, id) {
		return false, ErrConflict
	}
	m.Active = active
	m.UpdatedAt = at
	s.mappings[id] = m
	return true, nil
}

func (s *MemoryStore) SoftDelete(_ context.Context, id string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.mappings[id]
	if !ok || m.Deleted {
		return ErrNotFound
	}
	m.Deleted = true
	m.Active = false
	m.UpdatedAt = at
	s.mappings[id] = m
	return nil
}

func (s *MemoryStore) RecordUsage(_ context.Context, id string, at time.Time, ip string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.mappings[id]
	if !ok || m.Deleted {
		return ErrNotFound
	}
	m.RequestCount++
	m.LastUsedAt = &at
	m.LastSeenIP = ip
	s.mappings[id] = m
	return nil
}

func (s *MemoryStore) AppendSecretAudit(_ context.Context, rec SecretAuditRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if m, ok := s.mappings[rec.MappingID]; !ok || m.Deleted {
		return ErrNotFound
	}
	s.audit[rec.MappingID] = append(s.audit[rec.MappingID], rec)
	return nil
}

func (s *MemoryStore) ListSecretAudit(_ context.Context, mappingID string) ([]SecretAuditRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	recs := slices.Clone(s.audit[mappingID])
	slices.Reverse(recs)
	return recs, nil
}

func (s *MemoryStore) usableTakenLocked(issuer, clientID, exceptID string) bool {
	for id, m := range s.mappings {
		if id != exceptID && m.Issuer == issuer && m.ClientID == clientID && m.Active && !m.Deleted {
			return true
		}
	}
	return false
}

func view(m Mapping) Mapping {
	m.Scopes = slices.Clone(m.Scopes)
	m.Usable = m.Active && !m.Deleted
	if m.LastUsedAt != nil {
		t := *m.LastUsedAt
		m.LastUsedAt = &t
	}
	return m
}
