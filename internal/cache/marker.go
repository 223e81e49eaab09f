package cache

import (
	"slices"
	"sync"

	"github.com/topographica/livemap/pkg/core"
	"github.com/topographica/livemap/pkg/streaming"
)

// MarkerCache maps surface handles to the display position last sent to
// subscribers, so a new subscriber can be synced in one message.
type MarkerCache struct {
	mu      sync.RWMutex
	markers map[uint64]core.DisplayPoint
}

// NewMarkerCache creates a new MarkerCache
func NewMarkerCache() *MarkerCache {
	return &MarkerCache{
		markers: make(map[uint64]core.DisplayPoint),
	}
}

// Get retrieves a marker position by handle
func (c *MarkerCache) Get(handle uint64) (core.DisplayPoint, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	p, ok := c.markers[handle]
	return p, ok
}

// Set stores a marker position by handle
func (c *MarkerCache) Set(handle uint64, p core.DisplayPoint) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.markers[handle] = p
}

// Delete removes a marker by handle
func (c *MarkerCache) Delete(handle uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.markers, handle)
}

// Len returns the number of cached markers
func (c *MarkerCache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.markers)
}

// Snapshot returns every cached marker ordered by handle
func (c *MarkerCache) Snapshot() []streaming.PlayerMarker {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]streaming.PlayerMarker, 0, len(c.markers))
	for h, p := range c.markers {
		out = append(out, streaming.PlayerMarker{Handle: h, Point: p})
	}
	slices.SortFunc(out, func(a, b streaming.PlayerMarker) int {
		switch {
		case a.Handle < b.Handle:
			return -1
		case a.Handle > b.Handle:
			return 1
		}
		return 0
	})
	return out
}

// Reset clears all markers from the cache
func (c *MarkerCache) Reset() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.markers = make(map[uint64]core.DisplayPoint)
}
