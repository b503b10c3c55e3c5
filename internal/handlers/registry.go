package handlers

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/Brownie44l1/fer-session/internal/session"
)

// Registry holds the live sessions, keyed by a random id. Sessions not touched for idleTTL
// are removed by Prune; an idleTTL of zero keeps them until deleted.
type Registry struct {
	newSession func() *session.Controller
	idleTTL    time.Duration
	now        func() time.Time

	mu       sync.RWMutex
	sessions map[string]*entry
}

type entry struct {
	controller *session.Controller
	lastUsed   time.Time
}

func NewRegistry(newSession func() *session.Controller, idleTTL time.Duration) *Registry {
	return &Registry{
		newSession: newSession,
		idleTTL:    idleTTL,
		now:        time.Now,
		sessions:   make(map[string]*entry),
	}
}

// Create starts an empty session and returns its id.
func (r *Registry) Create() (string, *session.Controller) {
	id := uuid.NewString()
	c := r.newSession()

	r.mu.Lock()
	r.sessions[id] = &entry{controller: c, lastUsed: r.now()}
	r.mu.Unlock()
	return id, c
}

// Get returns the session and marks it as used.
func (r *Registry) Get(id string) (*session.Controller, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.sessions[id]
	if !ok {
		return nil, false
	}
	e.lastUsed = r.now()
	return e.controller, true
}

// Delete forgets the session. Classifications still in flight complete into the orphaned
// controller and are discarded with it.
func (r *Registry) Delete(id string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.sessions[id]
	delete(r.sessions, id)
	return ok
}

func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions)
}

// Prune deletes sessions idle for longer than the TTL and returns how many it removed.
func (r *Registry) Prune() int {
	if r.idleTTL <= 0 {
		return 0
	}
	cutoff := r.now().Add(-r.idleTTL)

	r.mu.Lock()
	defer r.mu.Unlock()
	removed := 0
	for id, e := range r.sessions {
		if e.lastUsed.Before(cutoff) {
			delete(r.sessions, id)
			removed++
		}
	}
	return removed
}

// RunJanitor calls Prune every interval until ctx is done.
func (r *Registry) RunJanitor(ctx context.Context, interval time.Duration, logger *zap.Logger) {
	if r.idleTTL <= 0 || interval <= 0 {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n := r.Prune(); n > 0 {
				logger.Info("expired idle sessions", zap.Int("removed", n), zap.Int("remaining", r.Len()))
			}
		}
	}
}
