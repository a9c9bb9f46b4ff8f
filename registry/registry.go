// Package registry implements the process-wide table of live
// sessions: admission with oldest-N batch eviction under load, a
// periodic idle sweep, and broker-reconnect resumption of sessions
// parked while the auth service was unreachable.
//
// Grounded on the teacher's own lack of a registry: the teacher
// relies on one goroutine per connection with no shared table at
// all, because it never needs to evict under an admission cap or
// resume connections in bulk. This package is new code, but it
// follows the teacher's preferred concurrency idiom throughout
// (sync.RWMutex-guarded map, no channels where a mutex does the
// job) rather than introducing an actor/channel-based registry the
// rest of the corpus does not use.
package registry

import (
	"context"
	"sort"
	"sync"
	"time"
)

// Session is the subset of session behavior the registry needs. The
// session package implements this; registry never imports session to
// avoid a import cycle (the session needs to register/deregister
// itself).
type Session interface {
	ID() string
	CreatedAt() time.Time
	LastInput() time.Time
	InputBlocked() bool
	Destroy(reason string)
	Resume()
}

// Registry is a process-wide table of live sessions.
type Registry struct {
	mu       sync.RWMutex
	sessions map[string]Session

	maxLoggingUsers    int
	destroyOldestCount int
	idleTimeout        time.Duration
}

// New constructs an empty Registry. maxLoggingUsers <=
// destroyOldestCount disables admission eviction, matching the
// specification's "cap set (> CLIENT_DESTROY_OLDEST_COUNT)"
// condition.
func New(maxLoggingUsers, destroyOldestCount int, idleTimeout time.Duration) *Registry {
	return &Registry{
		sessions:           make(map[string]Session),
		maxLoggingUsers:    maxLoggingUsers,
		destroyOldestCount: destroyOldestCount,
		idleTimeout:        idleTimeout,
	}
}

// Len returns the number of currently registered sessions.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions)
}

// Admit registers s, first evicting the destroyOldestCount oldest
// sessions (by CreatedAt) if admission would exceed maxLoggingUsers
// and eviction is enabled.
func (r *Registry) Admit(s Session) {

	r.mu.Lock()

	if r.maxLoggingUsers > r.destroyOldestCount && len(r.sessions) >= r.maxLoggingUsers {
		victims := r.oldestLocked(r.destroyOldestCount)
		for _, v := range victims {
			delete(r.sessions, v.ID())
		}
		r.mu.Unlock()

		for _, v := range victims {
			v.Destroy("Disconnected: Connection queue full")
		}

		r.mu.Lock()
	}

	r.sessions[s.ID()] = s
	r.mu.Unlock()
}

// oldestLocked returns up to n sessions with the smallest CreatedAt.
// Callers must hold r.mu.
func (r *Registry) oldestLocked(n int) []Session {

	all := make([]Session, 0, len(r.sessions))
	for _, s := range r.sessions {
		all = append(all, s)
	}

	sort.Slice(all, func(i, j int) bool {
		return all[i].CreatedAt().Before(all[j].CreatedAt())
	})

	if len(all) > n {
		all = all[:n]
	}

	return all
}

// Remove deregisters a session by ID. It does not destroy it; the
// session calls Remove from its own Destroy path.
func (r *Registry) Remove(id string) {
	r.mu.Lock()
	delete(r.sessions, id)
	r.mu.Unlock()
}

// snapshot returns a point-in-time copy of the session list, safe to
// range over without holding the lock.
func (r *Registry) snapshot() []Session {
	r.mu.RLock()
	defer r.mu.RUnlock()

	all := make([]Session, 0, len(r.sessions))
	for _, s := range r.sessions {
		all = append(all, s)
	}
	return all
}

// RunIdleSweep ticks once a second, destroying any session that has
// seen no input for at least the configured idle timeout, until ctx
// is cancelled. Intended to run in its own goroutine for the
// lifetime of the process.
func (r *Registry) RunIdleSweep(ctx context.Context) {

	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			for _, s := range r.snapshot() {
				if now.Sub(s.LastInput()) >= r.idleTimeout {
					s.Destroy("Disconnected: Inactivity")
				}
			}
		}
	}
}

// ResumeBlocked re-invokes Resume on every session currently marked
// input-blocked. Called by the auth broker's reconnect notification.
func (r *Registry) ResumeBlocked() {
	for _, s := range r.snapshot() {
		if s.InputBlocked() {
			s.Resume()
		}
	}
}

// Shutdown destroys every registered session with an empty reason
// (no log line per session), for process shutdown.
func (r *Registry) Shutdown() {
	for _, s := range r.snapshot() {
		s.Destroy("")
	}
}
