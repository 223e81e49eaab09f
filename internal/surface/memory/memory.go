// Package memory is a DisplaySurface that keeps markers in a map and records
// every call. The headless "log" surface mode is built on it.
package memory

import (
	"fmt"
	"log/slog"
	"sync"

	"github.com/topographica/livemap/internal/reconcile"
	"github.com/topographica/livemap/pkg/core"
)

// OpKind is the kind of a recorded surface call.
type OpKind string

const (
	OpCreate OpKind = "create"
	OpMove   OpKind = "move"
	OpRemove OpKind = "remove"
)

// Op is one recorded surface call.
type Op struct {
	Kind   OpKind
	Handle reconcile.Handle
	Point  core.DisplayPoint
}

func (o Op) String() string {
	if o.Kind == OpRemove {
		return fmt.Sprintf("%s(%d)", o.Kind, o.Handle)
	}
	return fmt.Sprintf("%s(%d, %.2f, %.2f)", o.Kind, o.Handle, o.Point.Lat, o.Point.Lng)
}

// Surface stores markers in memory.
type Surface struct {
	mu         sync.Mutex
	next       reconcile.Handle
	markers    map[reconcile.Handle]core.DisplayPoint
	ops        []Op
	violations []string
	logger     *slog.Logger
}

// New creates an empty surface. A non-nil logger gets one debug line per call.
func New(logger *slog.Logger) *Surface {
	return &Surface{
		markers: make(map[reconcile.Handle]core.DisplayPoint),
		logger:  logger,
	}
}

// Create implements reconcile.Surface.
func (s *Surface) Create(p core.DisplayPoint) reconcile.Handle {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.next++
	h := s.next
	s.markers[h] = p
	s.record(Op{Kind: OpCreate, Handle: h, Point: p})
	return h
}

// Move implements reconcile.Surface.
func (s *Surface) Move(h reconcile.Handle, p core.DisplayPoint) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.markers[h]; !ok {
		s.violations = append(s.violations, fmt.Sprintf("move of unknown handle %d", h))
	}
	s.markers[h] = p
	s.record(Op{Kind: OpMove, Handle: h, Point: p})
}

// Remove implements reconcile.Surface.
func (s *Surface) Remove(h reconcile.Handle) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.markers[h]; !ok {
		s.violations = append(s.violations, fmt.Sprintf("remove of unknown handle %d", h))
	}
	delete(s.markers, h)
	s.record(Op{Kind: OpRemove, Handle: h})
}

func (s *Surface) record(op Op) {
	s.ops = append(s.ops, op)
	if s.logger != nil {
		s.logger.Debug("Surface call", "op", op.Kind, "handle", uint64(op.Handle),
			"lat", op.Point.Lat, "lng", op.Point.Lng)
	}
}

// Markers returns a copy of the markers currently on the surface.
func (s *Surface) Markers() map[reconcile.Handle]core.DisplayPoint {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[reconcile.Handle]core.DisplayPoint, len(s.markers))
	for h, p := range s.markers {
		out[h] = p
	}
	return out
}

// Ops returns every recorded call in order.
func (s *Surface) Ops() []Op {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Op(nil), s.ops...)
}

// Count returns how many calls of kind were recorded.
func (s *Surface) Count(kind OpKind) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, op := range s.ops {
		if op.Kind == kind {
			n++
		}
	}
	return n
}

// Reset forgets recorded calls but keeps markers.
func (s *Surface) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ops = nil
}

// Violations lists calls that used a handle the surface did not know.
func (s *Surface) Violations() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.violations...)
}
