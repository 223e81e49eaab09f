// Package liveview runs one live map: a fetcher feeding a reconciliation
// engine for a single world.
package liveview

import (
	"context"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"time"

	geom "github.com/peterstace/simplefeatures/geom"

	"github.com/topographica/livemap/internal/api"
	"github.com/topographica/livemap/internal/fetcher"
	"github.com/topographica/livemap/internal/geo"
	"github.com/topographica/livemap/internal/markers"
	"github.com/topographica/livemap/internal/reconcile"
	"github.com/topographica/livemap/internal/visibility"
	"github.com/topographica/livemap/pkg/core"
)

// Pass describes one fetch result after it went through the engine.
type Pass struct {
	World    string
	Seq      uint64
	OK       bool
	Error    string
	Applied  bool
	Stats    reconcile.Stats
	Duration time.Duration
	At       time.Time
}

// Observer is told about every pass, including discarded ones.
type Observer func(Pass)

// Regainer is a visibility signal that announces false -> true transitions.
type Regainer interface {
	OnRegain(fn func())
}

// Config describes one view.
type Config struct {
	World      core.World
	Source     fetcher.Source
	Surface    reconcile.Surface
	Visibility visibility.Signal
	Transform  geo.Transform
	Interval   time.Duration
	Policy     reconcile.FailurePolicy
	Markers    []core.StaticMarker
	Logger     *slog.Logger
}

// Status is a point-in-time summary of a view.
type Status struct {
	World     string    `json:"world"`
	Displayed int       `json:"displayed"`
	LastSeq   uint64    `json:"lastSeq"`
	LastOK    bool      `json:"lastOk"`
	LastError string    `json:"lastError,omitempty"`
	LastPass  time.Time `json:"lastPass"`
	Running   bool      `json:"running"`
}

// View owns the fetcher and engine for one world.
type View struct {
	cfg     Config
	logger  *slog.Logger
	engine  *reconcile.Engine
	fetcher *fetcher.Fetcher

	mu        sync.RWMutex
	observers []Observer
	last      Pass
}

// APISource fetches snapshots for world from the map server.
func APISource(c *api.Client, world string) fetcher.Source {
	return fetcher.SourceFunc(func(ctx context.Context) (core.Snapshot, error) {
		return c.FetchPlayers(ctx, world)
	})
}

// New builds a stopped view.
func New(cfg Config, observers ...Observer) (*View, error) {
	if cfg.Source == nil {
		return nil, fmt.Errorf("view %s: no snapshot source", cfg.World.FolderName)
	}
	if cfg.Surface == nil {
		return nil, fmt.Errorf("view %s: no display surface", cfg.World.FolderName)
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("world", cfg.World.FolderName)

	engine, err := reconcile.New(cfg.World.FolderName, cfg.Surface, cfg.Transform,
		reconcile.WithFailurePolicy(cfg.Policy),
		reconcile.WithLogger(logger),
	)
	if err != nil {
		return nil, err
	}

	v := &View{
		cfg:       cfg,
		logger:    logger,
		engine:    engine,
		observers: observers,
	}
	v.fetcher, err = fetcher.New(cfg.Source, cfg.Visibility,
		fetcher.WithLogger(logger),
		fetcher.WithName(cfg.World.FolderName),
	)
	if err != nil {
		return nil, err
	}
	if r, ok := cfg.Visibility.(Regainer); ok {
		r.OnRegain(v.fetcher.Restart)
	}
	return v, nil
}

// AddObserver registers an observer. Safe to call while running.
func (v *View) AddObserver(o Observer) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.observers = append(v.observers, o)
}

// Start begins polling.
func (v *View) Start() {
	v.logger.Info("Starting live view", "interval", v.cfg.Interval, "failurePolicy", v.cfg.Policy.String())
	v.fetcher.Start(v.cfg.Interval, v.onResult)
}

// Restart starts a fresh polling cycle.
func (v *View) Restart() {
	v.fetcher.Restart()
}

// Close stops polling, waits for any in-flight fetch and removes every
// marker from the surface.
func (v *View) Close() error {
	v.fetcher.Close()
	v.engine.Reset()
	return v.engine.Close()
}

// Engine exposes the reconciliation engine.
func (v *View) Engine() *reconcile.Engine {
	return v.engine
}

// World returns the world this view shows.
func (v *View) World() core.World {
	return v.cfg.World
}

func (v *View) onResult(r core.FetchResult) {
	start := time.Now()
	st, applied := v.engine.Apply(r)

	p := Pass{
		World:    v.cfg.World.FolderName,
		Seq:      r.Seq,
		OK:       r.OK(),
		Applied:  applied,
		Stats:    st,
		Duration: time.Since(start),
		At:       start,
	}
	if r.Err != nil {
		p.Error = r.Err.Error()
	}

	v.mu.Lock()
	if applied {
		v.last = p
	}
	observers := slices.Clone(v.observers)
	v.mu.Unlock()

	for _, o := range observers {
		o(p)
	}
}

// Status summarises the view.
func (v *View) Status() Status {
	v.mu.RLock()
	last := v.last
	v.mu.RUnlock()
	return Status{
		World:     v.cfg.World.FolderName,
		Displayed: v.engine.Len(),
		LastSeq:   last.Seq,
		LastOK:    last.OK,
		LastError: last.Error,
		LastPass:  last.At,
		Running:   v.fetcher.Running(),
	}
}

// PlayerFeatures renders the displayed players as GeoJSON points, sorted
// by name.
func (v *View) PlayerFeatures() []geom.GeoJSONFeature {
	displayed := v.engine.Displayed()
	names := make([]string, 0, len(displayed))
	for name := range displayed {
		names = append(names, name)
	}
	slices.Sort(names)

	out := make([]geom.GeoJSONFeature, 0, len(names))
	for _, name := range names {
		pos := displayed[name]
		out = append(out, geo.PointFeature(name, v.cfg.Transform.ToDisplay(pos), map[string]any{
			"name": name,
			"x":    pos.X,
			"z":    pos.Z,
		}))
	}
	return out
}

// MarkerFeatures renders the static markers as GeoJSON.
func (v *View) MarkerFeatures() []geom.GeoJSONFeature {
	return markers.Features(v.cfg.Transform, v.cfg.Markers)
}
