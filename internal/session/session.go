package session

import (
	"errors"
	"time"

	"plumemail/internal/util"
)

// ErrUnauthenticated is returned for missing, unknown, or expired sessions.
var ErrUnauthenticated = errors.New("unauthenticated")

// Store is the opaque key-value backing for sessions. Implementations must
// stop returning a principal once the TTL has elapsed.
type Store interface {
	Put(token, principal string, ttl time.Duration) error
	Get(token string) (principal string, ok bool, err error)
	Delete(token string) error
}

// Guard issues and validates opaque session tokens with a fixed timeout.
type Guard struct {
	store Store
	ttl   time.Duration
}

// NewGuard builds a guard over the given backing store.
// A zero ttl defaults to one hour.
func NewGuard(store Store, ttl time.Duration) *Guard {
	if ttl <= 0 {
		ttl = time.Hour
	}
	return &Guard{store: store, ttl: ttl}
}

// Create issues a cryptographically random token bound to principal.
func (g *Guard) Create(principal string) (string, error) {
	token := util.NewToken(24)
	if err := g.store.Put(token, principal, g.ttl); err != nil {
		return "", err
	}
	return token, nil
}

// Validate resolves a token to its principal. Expired or unknown tokens fail
// with ErrUnauthenticated; the backing store has already discarded expired
// state by then, so an expired session cannot be revalidated.
func (g *Guard) Validate(token string) (string, error) {
	if token == "" {
		return "", ErrUnauthenticated
	}
	principal, ok, err := g.store.Get(token)
	if err != nil {
		return "", err
	}
	if !ok {
		return "", ErrUnauthenticated
	}
	return principal, nil
}

// Destroy clears all state for the token. Idempotent.
func (g *Guard) Destroy(token string) error {
	if token == "" {
		return nil
	}
	return g.store.Delete(token)
}
