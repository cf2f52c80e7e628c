// Package master is the site coordinator: it owns the registry of site
// keys, their level sets and visitor counters, and runs the periodic
// garbage-collection sweep.
package master

import (
	"context"
	"errors"
	"log"
	"sync"
	"sync/atomic"
	"time"

	"powcaptcha/internal/defense"
	"powcaptcha/internal/store"
)

// ErrSiteNotFound is returned for operations on unregistered site keys.
var ErrSiteNotFound = errors.New("site not found")

// site is the per-site state. The level set pointer is swapped whole on
// updates so readers never observe a partially-updated set, and the
// visitor counter is atomic so concurrent visits never lose increments.
type site struct {
	levels   atomic.Pointer[defense.Defense]
	visitors atomic.Uint32
}

// Master maps site keys to their state. The index lock is held only for
// map access; per-site reads and counter updates go through atomics, so
// load on one site does not serialize others.
type Master struct {
	mu    sync.RWMutex
	sites map[string]*site

	store store.Store
}

func New(st store.Store) *Master {
	return &Master{
		sites: make(map[string]*site),
		store: st,
	}
}

// AddSite registers a site key. Registering an existing key replaces its
// configuration and resets its visitor count; the registry never holds
// two entries for one key.
func (m *Master) AddSite(key string, levels *defense.Defense) {
	s := &site{}
	s.levels.Store(levels)

	m.mu.Lock()
	m.sites[key] = s
	m.mu.Unlock()
}

// UpdateLevels swaps in a new level set for an existing site.
func (m *Master) UpdateLevels(key string, levels *defense.Defense) error {
	s, ok := m.lookup(key)
	if !ok {
		return ErrSiteNotFound
	}
	s.levels.Store(levels)
	return nil
}

// Levels returns the current level set of a site.
func (m *Master) Levels(key string) ([]defense.Level, error) {
	s, ok := m.lookup(key)
	if !ok {
		return nil, ErrSiteNotFound
	}
	return s.levels.Load().Levels(), nil
}

// RecordVisit counts a visitor and returns the updated count together
// with the difficulty the site's level set selects for it.
func (m *Master) RecordVisit(key string) (count uint32, difficulty uint32, err error) {
	s, ok := m.lookup(key)
	if !ok {
		return 0, 0, ErrSiteNotFound
	}
	count = s.visitors.Add(1)
	return count, s.levels.Load().SelectLevel(count), nil
}

// ResetVisitors clears a site's visitor count.
func (m *Master) ResetVisitors(key string) error {
	s, ok := m.lookup(key)
	if !ok {
		return ErrSiteNotFound
	}
	s.visitors.Store(0)
	return nil
}

// Rename moves a site's state to a new key. The old key is invalid as
// soon as Rename returns; in-flight verifications holding the old key
// fail with ErrSiteNotFound, which callers must treat as terminal.
func (m *Master) Rename(ctx context.Context, oldKey, newKey string) error {
	m.mu.Lock()
	s, ok := m.sites[oldKey]
	if !ok {
		m.mu.Unlock()
		return ErrSiteNotFound
	}
	delete(m.sites, oldKey)
	m.sites[newKey] = s
	m.mu.Unlock()

	return m.store.RenameSite(ctx, oldKey, newKey)
}

// Remove drops a site and its watermarks. Outstanding challenges for the
// site become unverifiable once their claims dereference a missing key.
func (m *Master) Remove(ctx context.Context, key string) error {
	m.mu.Lock()
	_, ok := m.sites[key]
	if !ok {
		m.mu.Unlock()
		return ErrSiteNotFound
	}
	delete(m.sites, key)
	m.mu.Unlock()

	return m.store.RemoveSite(ctx, key)
}

// Exists reports whether a site key is registered.
func (m *Master) Exists(key string) bool {
	_, ok := m.lookup(key)
	return ok
}

func (m *Master) lookup(key string) (*site, bool) {
	m.mu.RLock()
	s, ok := m.sites[key]
	m.mu.RUnlock()
	return s, ok
}

// gc runs one garbage-collection pass: visitor counters are reset and
// the store reclaims expired challenges and tokens.
func (m *Master) gc(ctx context.Context) {
	m.mu.RLock()
	for _, s := range m.sites {
		s.visitors.Store(0)
	}
	m.mu.RUnlock()

	if err := m.store.Sweep(ctx); err != nil {
		log.Printf("Failed to sweep expired store entries: %v", err)
	}
}

// Run drives the periodic GC sweep until ctx is cancelled.
func (m *Master) Run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.gc(ctx)
		}
	}
}
