// Package snapshot provides the single source of truth the renderer
// reads: an atomically replaced, immutable usage snapshot.
package snapshot

import (
	"sync/atomic"

	"github.com/choobs96/token-overlay/internal/models"
)

// Cache holds the most recent published snapshot. Publish is a
// copy-on-write pointer swap, so concurrent readers always observe
// either the previous or the next snapshot, never a mixture.
type Cache struct {
	current atomic.Pointer[models.Snapshot]
}

// NewCache creates a cache pre-populated with a loading placeholder.
func NewCache() *Cache {
	c := &Cache{}
	c.current.Store(&models.Snapshot{Loading: true})
	return c
}

// Read returns the latest published snapshot. It never blocks and never
// returns nil. Callers must not mutate the returned value.
func (c *Cache) Read() *models.Snapshot {
	return c.current.Load()
}

// Publish atomically replaces the current snapshot. Only the refresh
// scheduler calls this.
func (c *Cache) Publish(s *models.Snapshot) {
	c.current.Store(s)
}
