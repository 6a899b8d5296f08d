package registry

import (
	"context"
	"errors"
	"log"
	"os"
	"sync"
	"time"

	"github.com/cwygoda/harvester/internal/domain"
	"github.com/google/uuid"
)

var (
	ErrUnknownHandle = errors.New("unknown or expired handle")
	ErrNotReady      = errors.New("handle not resolved yet")
	ErrResolved      = errors.New("handle already resolved")
)

// Defaults for handle lifetime and sweeping.
const (
	DefaultTTL           = time.Hour
	DefaultSweepInterval = 5 * time.Minute
)

// Entry is one result handle.
type Entry struct {
	ID        string
	Metadata  domain.Metadata
	Artifact  *domain.Artifact
	CreatedAt time.Time
	ExpiresAt time.Time

	// issued marks a handle created by Bind rather than by a client.
	issued bool
}

// Resolved reports whether the handle is bound to a fetched artifact.
func (e *Entry) Resolved() bool {
	return e.Artifact != nil
}

// Registry maps opaque handle IDs to artifacts. Each handle can be consumed
// once; unconsumed handles are purged after their deadline.
type Registry struct {
	mu      sync.Mutex
	entries map[string]*Entry
	ttl     time.Duration
	clock   domain.Clock
	onEvict func(*Entry)
}

// Option configures a Registry.
type Option func(*Registry)

// WithClock replaces the wall clock.
func WithClock(c domain.Clock) Option { return func(r *Registry) { r.clock = c } }

// WithEvictHook replaces the default eviction hook, which discards the
// artifact files of expired handles.
func WithEvictHook(fn func(*Entry)) Option { return func(r *Registry) { r.onEvict = fn } }

// New creates a registry whose handles live for ttl.
func New(ttl time.Duration, opts ...Option) *Registry {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	r := &Registry{
		entries: make(map[string]*Entry),
		ttl:     ttl,
		clock:   domain.SystemClock{},
	}
	r.onEvict = func(e *Entry) {
		if e.Artifact != nil {
			if err := Discard(e.Artifact); err != nil {
				log.Printf("registry: discard %s: %v", e.ID, err)
			}
		}
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Create registers an unresolved handle for meta and returns its ID.
func (r *Registry) Create(meta domain.Metadata) string {
	now := r.clock.Now()
	e := &Entry{
		ID:        uuid.NewString(),
		Metadata:  meta,
		CreatedAt: now,
		ExpiresAt: now.Add(r.ttl),
	}

	r.mu.Lock()
	r.entries[e.ID] = e
	r.mu.Unlock()
	return e.ID
}

// Get returns a copy of a live handle without consuming it.
func (r *Registry) Get(id string) (Entry, error) {
	var out Entry
	err := r.lookup(id, func(e *Entry) error {
		out = *e
		return nil
	})
	return out, err
}

// Resolve binds a fetched artifact to a live, unresolved handle and
// restarts its lifetime.
func (r *Registry) Resolve(id string, artifact *domain.Artifact) error {
	return r.lookup(id, func(e *Entry) error {
		if e.Artifact != nil {
			return ErrResolved
		}
		e.Artifact = artifact
		e.ExpiresAt = r.clock.Now().Add(r.ttl)
		return nil
	})
}

// Bind attaches artifact to handle id if it is live and unresolved, and
// otherwise issues a new resolved handle for meta. It returns the handle
// the artifact was bound to.
func (r *Registry) Bind(id string, meta domain.Metadata, artifact *domain.Artifact) string {
	now := r.clock.Now()
	var expired *Entry

	r.mu.Lock()
	e, ok := r.entries[id]
	if ok && !now.Before(e.ExpiresAt) {
		delete(r.entries, id)
		expired = e
		ok = false
	}
	if !ok || e.Artifact != nil {
		e = &Entry{
			ID:        uuid.NewString(),
			Metadata:  meta,
			CreatedAt: now,
			issued:    true,
		}
		r.entries[e.ID] = e
	}
	e.Artifact = artifact
	e.ExpiresAt = now.Add(r.ttl)
	r.mu.Unlock()

	if expired != nil {
		r.onEvict(expired)
	}
	return e.ID
}

// Unbind undoes Bind while artifact is still bound to id: an issued handle
// is dropped, a client handle goes back to unresolved. The artifact files
// are left to the caller.
func (r *Registry) Unbind(id string, artifact *domain.Artifact) {
	r.mu.Lock()
	defer r.mu.Unlock()

	e, ok := r.entries[id]
	if !ok || e.Artifact != artifact {
		return
	}
	if e.issued {
		delete(r.entries, id)
		return
	}
	e.Artifact = nil
}

// Consume returns the artifact of a resolved handle and deletes the handle.
// The caller owns the artifact files afterwards.
func (r *Registry) Consume(id string) (*domain.Artifact, error) {
	var artifact *domain.Artifact
	err := r.lookup(id, func(e *Entry) error {
		if e.Artifact == nil {
			return ErrNotReady
		}
		delete(r.entries, id)
		artifact = e.Artifact
		return nil
	})
	return artifact, err
}

// lookup runs fn on a live entry under the lock. An expired entry is
// removed and reported as unknown.
func (r *Registry) lookup(id string, fn func(*Entry) error) error {
	var expired *Entry
	var err error

	r.mu.Lock()
	e, ok := r.entries[id]
	switch {
	case !ok:
		err = ErrUnknownHandle
	case !r.clock.Now().Before(e.ExpiresAt):
		delete(r.entries, id)
		expired = e
		err = ErrUnknownHandle
	default:
		err = fn(e)
	}
	r.mu.Unlock()

	if expired != nil {
		r.onEvict(expired)
	}
	return err
}

// Sweep purges expired handles and returns how many were removed.
func (r *Registry) Sweep() int {
	now := r.clock.Now()

	r.mu.Lock()
	var expired []*Entry
	for id, e := range r.entries {
		if !now.Before(e.ExpiresAt) {
			expired = append(expired, e)
			delete(r.entries, id)
		}
	}
	r.mu.Unlock()

	for _, e := range expired {
		r.onEvict(e)
	}
	return len(expired)
}

// Purge evicts every handle, resolved or not, and returns how many were
// removed.
func (r *Registry) Purge() int {
	r.mu.Lock()
	all := make([]*Entry, 0, len(r.entries))
	for id, e := range r.entries {
		all = append(all, e)
		delete(r.entries, id)
	}
	r.mu.Unlock()

	for _, e := range all {
		r.onEvict(e)
	}
	return len(all)
}

// Len returns the number of handles currently held.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.entries)
}

// Run sweeps every interval until ctx is cancelled.
func (r *Registry) Run(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = DefaultSweepInterval
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n := r.Sweep(); n > 0 {
				log.Printf("registry: purged %d expired handle(s)", n)
			}
		}
	}
}

// Discard removes an artifact's files from disk.
func Discard(a *domain.Artifact) error {
	if a == nil {
		return nil
	}
	if a.Dir != "" {
		return os.RemoveAll(a.Dir)
	}
	if a.Path != "" {
		if err := os.Remove(a.Path); err != nil && !os.IsNotExist(err) {
			return err
		}
	}
	return nil
}
