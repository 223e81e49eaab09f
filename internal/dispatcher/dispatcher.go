// Package dispatcher routes commands sent by map subscribers to the hub
// handlers that serve them.
package dispatcher

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

var (
	// ErrUnknownCommand is returned for a command with no handler.
	ErrUnknownCommand = errors.New("unknown command")
	// ErrQueueFull is returned when a queued command is dropped.
	ErrQueueFull = errors.New("command queue full")
	// ErrClosed is returned after Close.
	ErrClosed = errors.New("dispatcher closed")
)

// Event is a command received from a map subscriber. Command is the
// envelope type and Payload its raw payload.
type Event struct {
	Command    string
	Subscriber string
	Payload    json.RawMessage
	Timestamp  time.Time
}

// HandlerFunc processes an event and returns a result.
type HandlerFunc func(Event) (any, error)

// Logger is the logging surface the dispatcher needs.
type Logger interface {
	Debug(msg string, keysAndValues ...any)
	Info(msg string, keysAndValues ...any)
	Error(msg string, keysAndValues ...any)
}

// Option configures handler registration.
type Option func(*route)

// Queued runs the handler on its own goroutine behind a queue of the given
// size. Events for one command are handled in arrival order; an event that
// finds the queue full is dropped with ErrQueueFull.
func Queued(size int) Option {
	return func(r *route) { r.queueSize = size }
}

// Logged logs every event the handler sees and any error it returns.
func Logged() Option {
	return func(r *route) { r.logged = true }
}

type route struct {
	command   string
	handler   HandlerFunc
	queueSize int
	logged    bool
	queue     chan Event
}

// Dispatcher routes subscriber events to registered handlers. Register
// every command before the first Dispatch.
type Dispatcher struct {
	logger Logger
	routes map[string]*route

	// mu guards closed against sends on queues that Close is draining
	mu     sync.RWMutex
	closed bool
	wg     sync.WaitGroup

	queueDepth metric.Int64ObservableGauge
	processed  metric.Int64Counter
	dropped    metric.Int64Counter
}

// New creates a Dispatcher. Metrics go to the global OTel meter provider.
func New(logger Logger) (*Dispatcher, error) {
	d := &Dispatcher{
		logger: logger,
		routes: make(map[string]*route),
	}

	m := meter()
	var err error

	d.queueDepth, err = m.Int64ObservableGauge("dispatcher.queue.depth",
		metric.WithDescription("Subscriber commands waiting in a queue"),
	)
	if err != nil {
		return nil, fmt.Errorf("creating queue depth gauge: %w", err)
	}
	_, err = m.RegisterCallback(func(ctx context.Context, o metric.Observer) error {
		d.mu.RLock()
		defer d.mu.RUnlock()
		for cmd, r := range d.routes {
			if r.queue != nil {
				o.ObserveInt64(d.queueDepth, int64(len(r.queue)),
					metric.WithAttributes(attribute.String("command", cmd)))
			}
		}
		return nil
	}, d.queueDepth)
	if err != nil {
		return nil, fmt.Errorf("registering queue depth callback: %w", err)
	}

	d.processed, err = m.Int64Counter("dispatcher.events.processed",
		metric.WithDescription("Subscriber commands handled"),
	)
	if err != nil {
		return nil, fmt.Errorf("creating processed counter: %w", err)
	}
	d.dropped, err = m.Int64Counter("dispatcher.events.dropped",
		metric.WithDescription("Subscriber commands dropped on a full queue"),
	)
	if err != nil {
		return nil, fmt.Errorf("creating dropped counter: %w", err)
	}

	return d, nil
}

// Register adds the handler for a command, replacing any earlier one.
func (d *Dispatcher) Register(command string, h HandlerFunc, opts ...Option) {
	r := &route{command: command, handler: h}
	for _, opt := range opts {
		opt(r)
	}
	if r.logged {
		r.handler = d.withLogging(command, r.handler)
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return
	}
	if old, ok := d.routes[command]; ok && old.queue != nil {
		close(old.queue)
	}
	if r.queueSize > 0 {
		r.queue = make(chan Event, r.queueSize)
		d.wg.Add(1)
		go d.drain(r)
	}
	d.routes[command] = r
}

// HasHandler reports whether a command has a handler.
func (d *Dispatcher) HasHandler(command string) bool {
	d.mu.RLock()
	defer d.mu.RUnlock()
	_, ok := d.routes[command]
	return ok
}

// Dispatch hands an event to its handler. A queued handler returns
// "queued" as soon as the event is accepted.
func (d *Dispatcher) Dispatch(e Event) (any, error) {
	d.mu.RLock()
	if d.closed {
		d.mu.RUnlock()
		return nil, ErrClosed
	}
	r, ok := d.routes[e.Command]
	if !ok {
		d.mu.RUnlock()
		return nil, fmt.Errorf("%w: %s", ErrUnknownCommand, e.Command)
	}
	if r.queue != nil {
		defer d.mu.RUnlock()
		select {
		case r.queue <- e:
			return "queued", nil
		default:
			d.dropped.Add(context.Background(), 1,
				metric.WithAttributes(attribute.String("command", e.Command)))
			return nil, fmt.Errorf("%w: %s", ErrQueueFull, e.Command)
		}
	}
	d.mu.RUnlock()

	result, err := r.handler(e)
	d.processed.Add(context.Background(), 1,
		metric.WithAttributes(attribute.String("command", e.Command)))
	return result, err
}

// Close stops accepting events, lets queued handlers finish what they hold
// and waits for them.
func (d *Dispatcher) Close() {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return
	}
	d.closed = true
	for _, r := range d.routes {
		if r.queue != nil {
			close(r.queue)
		}
	}
	d.mu.Unlock()
	d.wg.Wait()
}

func (d *Dispatcher) drain(r *route) {
	defer d.wg.Done()
	attrs := metric.WithAttributes(attribute.String("command", r.command))
	for e := range r.queue {
		// queued callers already got "queued"
		_, _ = r.handler(e)
		d.processed.Add(context.Background(), 1, attrs)
	}
}

func (d *Dispatcher) withLogging(command string, h HandlerFunc) HandlerFunc {
	return func(e Event) (any, error) {
		start := time.Now()
		d.logger.Debug("Handling subscriber command", "command", command, "subscriber", e.Subscriber, "bytes", len(e.Payload))

		result, err := h(e)
		if err != nil {
			d.logger.Error("Subscriber command failed", "command", command, "subscriber", e.Subscriber, "duration", time.Since(start), "error", err)
			return result, err
		}
		d.logger.Debug("Subscriber command handled", "command", command, "subscriber", e.Subscriber, "duration", time.Since(start))
		return result, nil
	}
}
