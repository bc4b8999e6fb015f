package app

import (
	"fmt"
	"sort"
	"sync"

	"github.com/dkeye/streamview/internal/core"
	"github.com/dkeye/streamview/internal/domain"
	"github.com/rs/zerolog/log"
	"github.com/sourcegraph/conc/iter"
)

// SessionBuilder constructs a new, unstarted session for key.
type SessionBuilder func(key domain.SessionKey, role core.Role) *core.PeerSession

// SessionRegistry owns every live PeerSession, at most one per key.
// Sessions are always closed outside the lock: closing fires hooks that may
// call back into the registry.
type SessionRegistry struct {
	mu       sync.RWMutex
	sessions map[domain.SessionKey]*core.PeerSession
	build    SessionBuilder
}

func NewSessionRegistry(build SessionBuilder) *SessionRegistry {
	return &SessionRegistry{
		sessions: make(map[domain.SessionKey]*core.PeerSession),
		build:    build,
	}
}

// GetOrCreate returns the live session for key, creating it if absent. With
// reuse false an existing live session is an error. A failed or closed
// session still registered under key is replaced; whoever failed it owns its
// cleanup, and Discard will not evict the replacement.
func (r *SessionRegistry) GetOrCreate(key domain.SessionKey, role core.Role, reuse bool) (*core.PeerSession, bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if s, ok := r.sessions[key]; ok {
		if !s.State().Terminal() {
			if !reuse {
				return nil, false, fmt.Errorf("%w: %s", core.ErrDuplicateSession, key)
			}
			return s, false, nil
		}
		log.Info().Str("module", "app.registry").Str("key", key.String()).Str("state", s.State().String()).Msg("replacing dead session")
	}
	s := r.build(key, role)
	r.sessions[key] = s
	log.Info().Str("module", "app.registry").Str("key", key.String()).Str("role", role.String()).Str("session", s.ID()).Msg("created session")
	return s, true, nil
}

func (r *SessionRegistry) Get(key domain.SessionKey) (*core.PeerSession, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.sessions[key]
	return s, ok
}

// Live is Get restricted to sessions that are neither failed nor closed.
func (r *SessionRegistry) Live(key domain.SessionKey) (*core.PeerSession, bool) {
	s, ok := r.Get(key)
	if !ok || s.State().Terminal() {
		return nil, false
	}
	return s, true
}

// Remove closes and forgets the session for key.
func (r *SessionRegistry) Remove(key domain.SessionKey) bool {
	r.mu.Lock()
	s, ok := r.sessions[key]
	delete(r.sessions, key)
	r.mu.Unlock()
	if !ok {
		return false
	}
	s.Close()
	log.Info().Str("module", "app.registry").Str("key", key.String()).Msg("removed session")
	return true
}

// Discard removes s only if it is still the session registered under its key,
// so a late failure of a replaced session never evicts its successor.
func (r *SessionRegistry) Discard(s *core.PeerSession) bool {
	r.mu.Lock()
	cur, ok := r.sessions[s.Key()]
	if ok && cur == s {
		delete(r.sessions, s.Key())
	}
	r.mu.Unlock()
	s.Close()
	if ok && cur == s {
		log.Info().Str("module", "app.registry").Str("key", s.Key().String()).Str("state", s.State().String()).Msg("discarded session")
		return true
	}
	return false
}

// RemoveAll closes every session, then clears the registry.
func (r *SessionRegistry) RemoveAll() int {
	r.mu.Lock()
	all := make([]*core.PeerSession, 0, len(r.sessions))
	for _, s := range r.sessions {
		all = append(all, s)
	}
	r.mu.Unlock()

	iter.ForEach(all, func(s **core.PeerSession) { (*s).Close() })

	r.mu.Lock()
	for _, s := range all {
		if cur, ok := r.sessions[s.Key()]; ok && cur == s {
			delete(r.sessions, s.Key())
		}
	}
	r.mu.Unlock()
	log.Info().Str("module", "app.registry").Int("count", len(all)).Msg("removed all sessions")
	return len(all)
}

func (r *SessionRegistry) FindByRemote(peer domain.PeerID) []*core.PeerSession {
	return r.filter(func(s *core.PeerSession) bool { return s.RemoteID() == peer })
}

func (r *SessionRegistry) ByChannel(ch domain.ChannelID) []*core.PeerSession {
	return r.filter(func(s *core.PeerSession) bool { return s.Key().Channel == ch })
}

func (r *SessionRegistry) Count(role core.Role) int {
	return len(r.filter(func(s *core.PeerSession) bool { return s.Role() == role }))
}

// CountKeys counts live sessions whose key matches keep.
func (r *SessionRegistry) CountKeys(keep func(domain.SessionKey) bool) int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	n := 0
	for k, s := range r.sessions {
		if keep(k) && !s.State().Terminal() {
			n++
		}
	}
	return n
}

func (r *SessionRegistry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions)
}

func (r *SessionRegistry) Snapshot() []core.SessionInfo {
	all := r.filter(func(*core.PeerSession) bool { return true })
	out := make([]core.SessionInfo, 0, len(all))
	for _, s := range all {
		out = append(out, s.Info())
	}
	return out
}

func (r *SessionRegistry) filter(keep func(*core.PeerSession) bool) []*core.PeerSession {
	r.mu.RLock()
	out := make([]*core.PeerSession, 0, len(r.sessions))
	for _, s := range r.sessions {
		if keep(s) {
			out = append(out, s)
		}
	}
	r.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].Key().String() < out[j].Key().String() })
	return out
}
