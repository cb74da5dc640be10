package session

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// Registry tracks live sessions and evicts the ones that go idle past
// the configured timeout. Zero timeout disables the janitor.
type Registry struct {
	mu      sync.Mutex
	entries map[string]*entry

	timeout time.Duration
	log     zerolog.Logger
}

type entry struct {
	m        *Machine
	lastSeen time.Time
}

// NewRegistry creates a Registry with the given idle timeout.
func NewRegistry(timeout time.Duration, log zerolog.Logger) *Registry {
	return &Registry{
		entries: make(map[string]*entry),
		timeout: timeout,
		log:     log,
	}
}

// Register adds a running session. The caller must Unregister when the
// session closes.
func (r *Registry) Register(m *Machine) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.entries[m.ID()] = &entry{m: m, lastSeen: time.Now()}
}

// Touch records activity for a session; unknown ids are ignored.
func (r *Registry) Touch(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if e, ok := r.entries[id]; ok {
		e.lastSeen = time.Now()
	}
}

// Unregister removes a session without closing it.
func (r *Registry) Unregister(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.entries, id)
}

// Len reports the number of registered sessions.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.entries)
}

// Run sweeps for idle sessions until ctx is canceled. Evicted sessions
// are disconnected through their own queue; the janitor never touches
// session state directly.
func (r *Registry) Run(ctx context.Context) {
	if r.timeout <= 0 {
		return
	}
	interval := r.timeout / 4
	if interval < time.Second {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			for _, m := range r.expired(now) {
				r.log.Info().Str("session_id", m.ID()).Msg("evicting idle session")
				m.HandleDisconnect()
			}
		}
	}
}

func (r *Registry) expired(now time.Time) []*Machine {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []*Machine
	for id, e := range r.entries {
		if now.Sub(e.lastSeen) > r.timeout {
			out = append(out, e.m)
			delete(r.entries, id)
		}
	}
	return out
}
