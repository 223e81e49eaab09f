// Package reconcile keeps a set of displayed player markers in step with
// fetched snapshots.
package reconcile

import (
	"context"
	"fmt"
	"log/slog"
	"maps"
	"slices"
	"sync"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/topographica/livemap/internal/geo"
	"github.com/topographica/livemap/pkg/core"
)

// Handle identifies a marker on a Surface. Only the Surface interprets it.
type Handle uint64

// Surface is where markers are drawn.
type Surface interface {
	Create(p core.DisplayPoint) Handle
	Move(h Handle, p core.DisplayPoint)
	Remove(h Handle)
}

// Stats summarises one pass.
type Stats struct {
	Created   int
	Moved     int
	Unchanged int
	Removed   int
	Displayed int

	CreatedNames []string
	RemovedNames []string
}

type entity struct {
	pos    core.Position
	handle Handle
}

// Option configures an Engine.
type Option func(*Engine)

// WithFailurePolicy sets what a failed fetch does. Default ClearOnFailure.
func WithFailurePolicy(p FailurePolicy) Option {
	return func(e *Engine) { e.policy = p }
}

// WithLogger sets the logger. Defaults to slog.Default().
func WithLogger(l *slog.Logger) Option {
	return func(e *Engine) { e.logger = l }
}

// WithMeterProvider sets where metrics go. Defaults to the global provider.
func WithMeterProvider(mp metric.MeterProvider) Option {
	return func(e *Engine) { e.meterProvider = mp }
}

// Engine owns the displayed set for one world.
type Engine struct {
	world     string
	surface   Surface
	transform geo.Transform
	policy    FailurePolicy
	logger    *slog.Logger

	meterProvider metric.MeterProvider

	mu          sync.Mutex
	displayed   map[string]entity
	lastApplied uint64

	created   metric.Int64Counter
	moved     metric.Int64Counter
	removed   metric.Int64Counter
	stale     metric.Int64Counter
	gauge     metric.Int64ObservableGauge
	reg       metric.Registration
	worldAttr metric.MeasurementOption
}

// New creates an Engine with nothing displayed.
// Uses the global OTel meter for metrics (no-op if not configured).
func New(world string, surface Surface, transform geo.Transform, opts ...Option) (*Engine, error) {
	e := &Engine{
		world:     world,
		surface:   surface,
		transform: transform,
		logger:    slog.Default(),
		displayed: make(map[string]entity),
		worldAttr: metric.WithAttributes(attribute.String("world", world)),
	}
	for _, opt := range opts {
		opt(e)
	}

	m := meter()
	if e.meterProvider != nil {
		m = e.meterProvider.Meter(instrumentationName)
	}
	var err error

	if e.created, err = m.Int64Counter("reconcile.markers.created",
		metric.WithDescription("Markers created on the surface")); err != nil {
		return nil, fmt.Errorf("creating created counter: %w", err)
	}
	if e.moved, err = m.Int64Counter("reconcile.markers.moved",
		metric.WithDescription("Markers moved on the surface")); err != nil {
		return nil, fmt.Errorf("creating moved counter: %w", err)
	}
	if e.removed, err = m.Int64Counter("reconcile.markers.removed",
		metric.WithDescription("Markers removed from the surface")); err != nil {
		return nil, fmt.Errorf("creating removed counter: %w", err)
	}
	if e.stale, err = m.Int64Counter("reconcile.snapshots.stale",
		metric.WithDescription("Fetch results discarded as out of order")); err != nil {
		return nil, fmt.Errorf("creating stale counter: %w", err)
	}
	if e.gauge, err = m.Int64ObservableGauge("reconcile.markers.displayed",
		metric.WithDescription("Markers currently displayed")); err != nil {
		return nil, fmt.Errorf("creating displayed gauge: %w", err)
	}
	e.reg, err = m.RegisterCallback(
		func(ctx context.Context, o metric.Observer) error {
			o.ObserveInt64(e.gauge, int64(e.Len()), e.worldAttr)
			return nil
		},
		e.gauge,
	)
	if err != nil {
		return nil, fmt.Errorf("registering displayed callback: %w", err)
	}

	return e, nil
}

// World returns the world folder name this engine serves.
func (e *Engine) World() string { return e.world }

// FailurePolicy returns the configured failure policy.
func (e *Engine) FailurePolicy() FailurePolicy { return e.policy }

// Apply feeds one fetch result through the ordering guard. Results whose
// sequence number is not greater than the last applied one are discarded
// and reported with ok=false.
func (e *Engine) Apply(r core.FetchResult) (Stats, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if r.Seq <= e.lastApplied {
		e.stale.Add(context.Background(), 1, e.worldAttr)
		e.logger.Debug("Discarding stale fetch result",
			"world", e.world, "seq", r.Seq, "lastApplied", e.lastApplied)
		return Stats{Displayed: len(e.displayed)}, false
	}
	e.lastApplied = r.Seq

	if r.Err != nil {
		return e.applyFailure(), true
	}
	return e.applySnapshot(r.Snapshot), true
}

// LastApplied returns the sequence number of the last applied result.
func (e *Engine) LastApplied() uint64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.lastApplied
}

// ApplySnapshot makes the displayed set match snap. A name that appears more
// than once takes the position of its last occurrence and is created at
// most once.
func (e *Engine) ApplySnapshot(snap core.Snapshot) Stats {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.applySnapshot(snap)
}

// ApplyFailure applies the failure policy.
func (e *Engine) ApplyFailure() Stats {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.applyFailure()
}

// Reset removes every displayed marker regardless of policy.
func (e *Engine) Reset() Stats {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.clear()
}

// Displayed returns a copy of the displayed positions keyed by name.
func (e *Engine) Displayed() map[string]core.Position {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make(map[string]core.Position, len(e.displayed))
	for name, ent := range e.displayed {
		out[name] = ent.pos
	}
	return out
}

// Len returns how many markers are displayed.
func (e *Engine) Len() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.displayed)
}

// Has reports whether name is displayed.
func (e *Engine) Has(name string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	_, ok := e.displayed[name]
	return ok
}

// Close unregisters the displayed gauge.
func (e *Engine) Close() error {
	e.mu.Lock()
	reg := e.reg
	e.reg = nil
	e.mu.Unlock()
	if reg != nil {
		return reg.Unregister()
	}
	return nil
}

func (e *Engine) applySnapshot(snap core.Snapshot) Stats {
	// last occurrence wins; first-seen order decides create order
	latest := make(map[string]core.Position, len(snap))
	for _, p := range snap {
		latest[p.Name] = p.Position
	}

	working := maps.Clone(e.displayed)
	var st Stats

	for _, name := range snap.Names() {
		pos := latest[name]
		if ent, ok := working[name]; ok {
			if ent.pos == pos {
				st.Unchanged++
				continue
			}
			e.surface.Move(ent.handle, e.transform.ToDisplay(pos))
			ent.pos = pos
			working[name] = ent
			st.Moved++
			continue
		}
		h := e.surface.Create(e.transform.ToDisplay(pos))
		working[name] = entity{pos: pos, handle: h}
		st.Created++
		st.CreatedNames = append(st.CreatedNames, name)
	}

	for _, name := range slices.Sorted(maps.Keys(working)) {
		if _, ok := latest[name]; ok {
			continue
		}
		e.surface.Remove(working[name].handle)
		delete(working, name)
		st.Removed++
		st.RemovedNames = append(st.RemovedNames, name)
	}

	e.displayed = working
	st.Displayed = len(working)
	e.record(st)
	return st
}

func (e *Engine) applyFailure() Stats {
	if e.policy == RetainOnFailure {
		e.logger.Debug("Fetch failed, retaining markers", "world", e.world, "displayed", len(e.displayed))
		return Stats{Displayed: len(e.displayed)}
	}
	return e.clear()
}

func (e *Engine) clear() Stats {
	var st Stats
	for _, name := range slices.Sorted(maps.Keys(e.displayed)) {
		e.surface.Remove(e.displayed[name].handle)
		st.Removed++
		st.RemovedNames = append(st.RemovedNames, name)
	}
	e.displayed = make(map[string]entity)
	e.record(st)
	return st
}

func (e *Engine) record(st Stats) {
	ctx := context.Background()
	if st.Created > 0 {
		e.created.Add(ctx, int64(st.Created), e.worldAttr)
	}
	if st.Moved > 0 {
		e.moved.Add(ctx, int64(st.Moved), e.worldAttr)
	}
	if st.Removed > 0 {
		e.removed.Add(ctx, int64(st.Removed), e.worldAttr)
	}
	if st.Created+st.Removed > 0 {
		e.logger.Debug("Reconciled",
			"world", e.world, "created", st.Created, "moved", st.Moved,
			"removed", st.Removed, "displayed", st.Displayed)
	}
}
