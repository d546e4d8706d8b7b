package session

import (
	"sync"
	"time"
)

type memorySession struct {
	principal string
	expiresAt time.Time
}

// MemoryStore keeps sessions in-process. Used in tests and single-node runs.
type MemoryStore struct {
	mu   sync.Mutex
	sess map[string]memorySession
	now  func() time.Time
}

// NewMemoryStore initializes an empty in-memory session store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		sess: make(map[string]memorySession),
		now:  time.Now,
	}
}

// Put stores a token with its expiry.
func (m *MemoryStore) Put(token, principal string, ttl time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sess[token] = memorySession{
		principal: principal,
		expiresAt: m.now().Add(ttl),
	}
	return nil
}

// Get resolves a token. A session past its expiry is deleted before the miss
// is reported, so it cannot be revalidated by clock skew in the caller's favor.
func (m *MemoryStore) Get(token string) (string, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sess[token]
	if !ok {
		return "", false, nil
	}
	if m.now().After(s.expiresAt) {
		delete(m.sess, token)
		return "", false, nil
	}
	return s.principal, true, nil
}

// Delete clears a token unconditionally.
func (m *MemoryStore) Delete(token string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.sess, token)
	return nil
}

// SetClock overrides the time source. Test hook.
func (m *MemoryStore) SetClock(now func() time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.now = now
}
