package dispatcher

import (
	"sync"

	"backupcore/internal/environment"
	"backupcore/internal/group"
)

// backupSession bundles a Backup Environment with the group handle and
// snapshot directory it was opened against, plus the identity that owns it.
// One session exists per successful open, from open until close; later
// requests find it by its id, whichever connection they arrive on.
type backupSession struct {
	id        string
	principal string
	datastore string

	benchmark bool

	env         *environment.Environment
	groupHandle *group.Handle
	dir         string
}

// sessionRegistry tracks open sessions by id. Distinct from group.Registry:
// this tracks *sessions*, group.Registry tracks *group exclusivity*.
type sessionRegistry struct {
	mu       sync.Mutex
	sessions map[string]*backupSession
}

func newSessionRegistry() *sessionRegistry {
	return &sessionRegistry{sessions: make(map[string]*backupSession)}
}

func (r *sessionRegistry) put(s *backupSession) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sessions[s.id] = s
}

func (r *sessionRegistry) get(id string) (*backupSession, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.sessions[id]
	return s, ok
}

func (r *sessionRegistry) remove(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.sessions, id)
}
