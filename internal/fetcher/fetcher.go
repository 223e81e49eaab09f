// Package fetcher polls a snapshot source on a fixed cadence.
package fetcher

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/topographica/livemap/internal/api"
	"github.com/topographica/livemap/internal/visibility"
	"github.com/topographica/livemap/pkg/core"
)

// Skip reasons reported on the skipped counter.
const (
	SkipHidden   = "hidden"
	SkipInFlight = "in_flight"
)

// Source produces one snapshot per call.
type Source interface {
	Fetch(ctx context.Context) (core.Snapshot, error)
}

// SourceFunc adapts a function to Source.
type SourceFunc func(ctx context.Context) (core.Snapshot, error)

// Fetch implements Source.
func (f SourceFunc) Fetch(ctx context.Context) (core.Snapshot, error) { return f(ctx) }

// ResultFunc receives every fetch outcome. Calls from one Fetcher never
// overlap.
type ResultFunc func(core.FetchResult)

// Option configures a Fetcher.
type Option func(*Fetcher)

// WithLogger sets the logger. Defaults to slog.Default().
func WithLogger(l *slog.Logger) Option {
	return func(f *Fetcher) { f.logger = l }
}

// WithName sets the name used in logs and metric attributes.
func WithName(name string) Option {
	return func(f *Fetcher) { f.name = name }
}

// Fetcher issues one fetch immediately and then one per interval. At most
// one request is in flight at a time.
type Fetcher struct {
	source  Source
	visible visibility.Signal
	logger  *slog.Logger
	name    string

	ctx    context.Context
	cancel context.CancelFunc

	mu       sync.Mutex
	interval time.Duration
	onResult ResultFunc
	stop     chan struct{}
	running  bool
	closed   bool

	inFlight  atomic.Bool
	seq       atomic.Uint64
	deliverMu sync.Mutex
	wg        sync.WaitGroup

	attempts metric.Int64Counter
	skipped  metric.Int64Counter
	failures metric.Int64Counter
	duration metric.Float64Histogram
	attrs    metric.MeasurementOption
}

// New creates a stopped Fetcher. A nil visibility signal means always visible.
func New(source Source, visible visibility.Signal, opts ...Option) (*Fetcher, error) {
	if visible == nil {
		visible = visibility.Always{}
	}
	ctx, cancel := context.WithCancel(context.Background())
	f := &Fetcher{
		source:  source,
		visible: visible,
		logger:  slog.Default(),
		ctx:     ctx,
		cancel:  cancel,
	}
	for _, opt := range opts {
		opt(f)
	}
	f.attrs = metric.WithAttributes(attribute.String("world", f.name))
	if err := f.initMetrics(); err != nil {
		cancel()
		return nil, err
	}
	return f, nil
}

func (f *Fetcher) initMetrics() error {
	m := meter()
	var err error
	f.attempts, err = m.Int64Counter("fetcher.attempts",
		metric.WithDescription("Snapshot requests issued"),
	)
	if err != nil {
		return fmt.Errorf("creating attempts counter: %w", err)
	}
	f.skipped, err = m.Int64Counter("fetcher.skipped",
		metric.WithDescription("Triggers dropped without a request"),
	)
	if err != nil {
		return fmt.Errorf("creating skipped counter: %w", err)
	}
	f.failures, err = m.Int64Counter("fetcher.failures",
		metric.WithDescription("Snapshot requests that failed"),
	)
	if err != nil {
		return fmt.Errorf("creating failures counter: %w", err)
	}
	f.duration, err = m.Float64Histogram("fetcher.duration",
		metric.WithDescription("Snapshot request latency"),
		metric.WithUnit("ms"),
	)
	if err != nil {
		return fmt.Errorf("creating duration histogram: %w", err)
	}
	return nil
}

// Start begins a fresh polling cycle. A cycle that is already running is
// cancelled first, so repeated calls never stack timers. Start on a closed
// Fetcher does nothing.
func (f *Fetcher) Start(interval time.Duration, onResult ResultFunc) {
	if interval <= 0 {
		interval = 10 * time.Second
	}

	f.mu.Lock()
	if f.closed {
		f.mu.Unlock()
		return
	}
	if f.running {
		close(f.stop)
	}
	f.interval = interval
	f.onResult = onResult
	f.stop = make(chan struct{})
	f.running = true
	stop := f.stop
	f.wg.Add(1)
	f.mu.Unlock()

	go f.loop(stop, interval, onResult)
}

// Restart starts a fresh cycle with the last interval and callback. It does
// nothing if Start was never called or the Fetcher is closed.
func (f *Fetcher) Restart() {
	f.mu.Lock()
	interval, onResult, closed := f.interval, f.onResult, f.closed
	f.mu.Unlock()

	if onResult == nil || closed {
		return
	}
	f.logger.Debug("Restarting fetch cycle", "world", f.name)
	f.Start(interval, onResult)
}

// Stop cancels the timer. A request already in flight is still delivered.
func (f *Fetcher) Stop() {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.running {
		close(f.stop)
		f.running = false
	}
}

// Close stops the timer, cancels any in-flight request and waits for its
// callback to return. A closed Fetcher cannot be started again.
func (f *Fetcher) Close() {
	f.mu.Lock()
	f.closed = true
	f.mu.Unlock()

	f.Stop()
	f.cancel()
	f.wg.Wait()
}

// Running reports whether a cycle is active.
func (f *Fetcher) Running() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.running
}

// InFlight reports whether a request is outstanding.
func (f *Fetcher) InFlight() bool {
	return f.inFlight.Load()
}

// LastSeq returns the sequence number of the most recent attempt.
func (f *Fetcher) LastSeq() uint64 {
	return f.seq.Load()
}

func (f *Fetcher) loop(stop chan struct{}, interval time.Duration, onResult ResultFunc) {
	defer f.wg.Done()
	f.trigger(onResult)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-stop:
			return
		case <-f.ctx.Done():
			return
		case <-ticker.C:
			f.trigger(onResult)
		}
	}
}

func (f *Fetcher) trigger(onResult ResultFunc) {
	ctx := f.ctx
	if ctx.Err() != nil {
		return
	}
	if !f.visible.Visible() {
		f.skipped.Add(ctx, 1, f.attrs, metric.WithAttributes(attribute.String("reason", SkipHidden)))
		f.logger.Debug("Skipping fetch, view hidden", "world", f.name)
		return
	}
	if !f.inFlight.CompareAndSwap(false, true) {
		f.skipped.Add(ctx, 1, f.attrs, metric.WithAttributes(attribute.String("reason", SkipInFlight)))
		f.logger.Debug("Skipping fetch, request in flight", "world", f.name)
		return
	}

	seq := f.seq.Add(1)
	f.attempts.Add(ctx, 1, f.attrs)
	f.wg.Add(1)
	go func() {
		defer f.wg.Done()
		// cleared after delivery so the next request never overtakes this one
		defer f.inFlight.Store(false)

		start := time.Now()
		snap, err := f.source.Fetch(ctx)
		f.duration.Record(ctx, float64(time.Since(start).Microseconds())/1000.0, f.attrs)

		if err != nil {
			if !errors.Is(err, api.ErrFetchFailed) {
				err = fmt.Errorf("%w: %v", api.ErrFetchFailed, err)
			}
			snap = nil
			f.failures.Add(ctx, 1, f.attrs)
			f.logger.Warn("Fetch failed", "world", f.name, "seq", seq, "error", err)
		}

		f.deliverMu.Lock()
		defer f.deliverMu.Unlock()
		onResult(core.FetchResult{Seq: seq, Snapshot: snap, Err: err})
	}()
}
