package state

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	gocache "github.com/patrickmn/go-cache"
)

// MemoryStore keeps sessions in process memory with an idle TTL. Each Save
// resets the entry's expiration, so only sessions that stop receiving turns
// are evicted. Intended for single-instance deployments and tests.
type MemoryStore struct {
	cache *gocache.Cache
}

func NewMemoryStore(idleTTL time.Duration) *MemoryStore {
	if idleTTL <= 0 {
		idleTTL = defaultStoreTTL
	}
	cleanup := idleTTL / 2
	if cleanup < time.Minute {
		cleanup = time.Minute
	}
	return &MemoryStore{
		cache: gocache.New(idleTTL, cleanup),
	}
}

func (s *MemoryStore) Load(_ context.Context, sessionID string) (*Session, error) {
	if strings.TrimSpace(sessionID) == "" {
		return nil, ErrInvalidSession
	}
	raw, ok := s.cache.Get(sessionID)
	if !ok {
		return nil, ErrStateNotFound
	}
	payload, ok := raw.([]byte)
	if !ok {
		return nil, fmt.Errorf("unexpected cache entry type %T for session %s", raw, sessionID)
	}

	var session Session
	if err := json.Unmarshal(payload, &session); err != nil {
		return nil, fmt.Errorf("unmarshal session state: %w", err)
	}
	session.EnsureMaps()
	return &session, nil
}

func (s *MemoryStore) Save(_ context.Context, st *Session) error {
	if st == nil {
		return ErrNilSessionState
	}
	if strings.TrimSpace(st.SessionID) == "" {
		return ErrInvalidSession
	}
	if st.Version <= 0 {
		st.Version = 1
	}
	st.EnsureMaps()

	// Stored as a JSON snapshot so later caller mutations cannot alias
	// into the cached copy.
	payload, err := json.Marshal(st)
	if err != nil {
		return fmt.Errorf("marshal session state: %w", err)
	}
	s.cache.Set(st.SessionID, payload, gocache.DefaultExpiration)
	return nil
}

func (s *MemoryStore) Delete(_ context.Context, sessionID string) error {
	if strings.TrimSpace(sessionID) == "" {
		return ErrInvalidSession
	}
	s.cache.Delete(sessionID)
	return nil
}
