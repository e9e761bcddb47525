package storage

import (
	"context"
	"sync"
	"time"

	"oidc-server/internal/models"
)

type memoryGrant struct {
	grant    models.Grant
	consumed bool
}

type memoryEntry struct {
	value     []byte
	expiresAt int64
}

// MemoryStorage implements Storage using in-memory maps
type MemoryStorage struct {
	mu     sync.Mutex
	grants map[string]*memoryGrant
	kv     map[string]map[string]memoryEntry
	now    func() time.Time
}

// NewMemoryStorage creates a new in-memory storage instance
func NewMemoryStorage() *MemoryStorage {
	return &MemoryStorage{
		grants: make(map[string]*memoryGrant),
		kv:     make(map[string]map[string]memoryEntry),
		now:    time.Now,
	}
}

// CreateGrant stores a grant and returns its handle
func (s *MemoryStorage) CreateGrant(_ context.Context, grant *models.Grant) (string, error) {
	handle, stored, err := prepareGrant(grant)
	if err != nil {
		return "", err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.grants[handleKey(handle)] = &memoryGrant{grant: stored}
	return handle, nil
}

// RedeemGrant marks the grant consumed under the store lock
func (s *MemoryStorage) RedeemGrant(_ context.Context, handle string) (*models.Grant, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	entry, ok := s.grants[handleKey(handle)]
	if !ok {
		return nil, ErrNotFound
	}
	g := entry.grant
	g.Handle = handle
	if entry.consumed {
		g.Consumed = true
		return &g, ErrAlreadyConsumed
	}
	if g.Expired(s.now()) {
		return nil, ErrExpired
	}
	entry.consumed = true
	g.Consumed = true
	return &g, nil
}

// GetGrant returns the grant without consuming it
func (s *MemoryStorage) GetGrant(_ context.Context, handle string) (*models.Grant, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	entry, ok := s.grants[handleKey(handle)]
	if !ok {
		return nil, ErrNotFound
	}
	g := entry.grant
	g.Handle = handle
	g.Consumed = entry.consumed
	if g.Expired(s.now()) {
		return nil, ErrExpired
	}
	return &g, nil
}

// RevokeGrant deletes a single grant
func (s *MemoryStorage) RevokeGrant(_ context.Context, handle string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.grants, handleKey(handle))
	return nil
}

// RevokeFamily deletes every grant descending from the same authorization
func (s *MemoryStorage) RevokeFamily(_ context.Context, familyID string) (int, error) {
	return s.revokeWhere(func(g *models.Grant) bool { return g.FamilyID == familyID }), nil
}

// RevokeAllForSubject deletes every grant issued to a subject
func (s *MemoryStorage) RevokeAllForSubject(_ context.Context, subjectID string) (int, error) {
	return s.revokeWhere(func(g *models.Grant) bool { return g.SubjectID == subjectID }), nil
}

// SweepGrants removes expired grants
func (s *MemoryStorage) SweepGrants(_ context.Context, now time.Time) (int, error) {
	return s.revokeWhere(func(g *models.Grant) bool { return g.Expired(now) }), nil
}

func (s *MemoryStorage) revokeWhere(match func(*models.Grant) bool) int {
	s.mu.Lock()
	defer s.mu.Unlock()

	// Collect first, then delete
	var keys []string
	for k, entry := range s.grants {
		if match(&entry.grant) {
			keys = append(keys, k)
		}
	}
	for _, k := range keys {
		delete(s.grants, k)
	}
	return len(keys)
}

// Put stores a namespaced value
func (s *MemoryStorage) Put(_ context.Context, namespace, key string, value []byte, ttl time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	ns, ok := s.kv[namespace]
	if !ok {
		ns = make(map[string]memoryEntry)
		s.kv[namespace] = ns
	}
	ns[key] = memoryEntry{
		value:     append([]byte(nil), value...),
		expiresAt: kvExpiry(s.now(), ttl),
	}
	return nil
}

// Get loads a namespaced value
func (s *MemoryStorage) Get(_ context.Context, namespace, key string) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	entry, ok := s.kv[namespace][key]
	if !ok || entry.expired(s.now().Unix()) {
		return nil, ErrNotFound
	}
	return append([]byte(nil), entry.value...), nil
}

// Delete removes a namespaced value
func (s *MemoryStorage) Delete(_ context.Context, namespace, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.kv[namespace], key)
	return nil
}

// List returns every live entry in a namespace
func (s *MemoryStorage) List(_ context.Context, namespace string) (map[string][]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.now().Unix()
	out := make(map[string][]byte)
	for k, entry := range s.kv[namespace] {
		if !entry.expired(now) {
			out[k] = append([]byte(nil), entry.value...)
		}
	}
	return out, nil
}

// SweepKV removes expired entries
func (s *MemoryStorage) SweepKV(_ context.Context, now time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	removed := 0
	for _, ns := range s.kv {
		for k, entry := range ns {
			if entry.expired(now.Unix()) {
				delete(ns, k)
				removed++
			}
		}
	}
	return removed, nil
}

// Ping always succeeds
func (s *MemoryStorage) Ping(context.Context) error { return nil }

// Close is a no-op
func (s *MemoryStorage) Close() error { return nil }

func (e memoryEntry) expired(now int64) bool {
	return e.expiresAt != 0 && e.expiresAt <= now
}
