// Package websocket is the DisplaySurface that streams player markers to
// browser subscribers.
package websocket

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	ws "github.com/gorilla/websocket"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/topographica/livemap/internal/cache"
	"github.com/topographica/livemap/internal/dispatcher"
	"github.com/topographica/livemap/internal/reconcile"
	"github.com/topographica/livemap/internal/visibility"
	"github.com/topographica/livemap/pkg/core"
	"github.com/topographica/livemap/pkg/streaming"
)

// visibilityQueueSize bounds focus reports waiting behind a slow regain.
const visibilityQueueSize = 256

// Config holds hub settings.
type Config struct {
	// World is sent to every subscriber on connect.
	World streaming.WorldPayload
	// CheckOrigin overrides the upgrader's origin check. Nil allows any origin.
	CheckOrigin func(*http.Request) bool
	Logger      *slog.Logger
	// CommandLogger receives subscriber command logs. Nil disables them.
	CommandLogger dispatcher.Logger
}

// Hub fans surface mutations out to every connected subscriber and turns
// their focus reports into a visibility signal.
type Hub struct {
	cfg      Config
	logger   *slog.Logger
	upgrader ws.Upgrader
	tracker  *visibility.Tracker
	markers  *cache.MarkerCache
	commands *dispatcher.Dispatcher
	worldMsg []byte

	nextHandle atomic.Uint64
	nextSub    atomic.Uint64
	// count mirrors len(subs) and can be read while mu is held
	count atomic.Int64

	// mu orders cache updates, broadcasts and subscriber registration so a
	// new subscriber never misses or repeats a mutation.
	mu     sync.Mutex
	subs   map[string]*subscriber
	closed bool

	sent        metric.Int64Counter
	evicted     metric.Int64Counter
	subscribers metric.Int64UpDownCounter
	attrs       metric.MeasurementOption
}

// New creates a hub for one world.
func New(cfg Config) (*Hub, error) {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	checkOrigin := cfg.CheckOrigin
	if checkOrigin == nil {
		checkOrigin = func(*http.Request) bool { return true }
	}

	worldMsg, err := streaming.Marshal(streaming.TypeWorld, cfg.World)
	if err != nil {
		return nil, fmt.Errorf("marshal world message: %w", err)
	}

	cmdLogger := cfg.CommandLogger
	if cmdLogger == nil {
		cmdLogger = nopLogger{}
	}
	commands, err := dispatcher.New(cmdLogger)
	if err != nil {
		return nil, fmt.Errorf("creating command dispatcher: %w", err)
	}

	h := &Hub{
		cfg:      cfg,
		logger:   logger,
		upgrader: ws.Upgrader{CheckOrigin: checkOrigin},
		tracker:  visibility.NewTracker(),
		markers:  cache.NewMarkerCache(),
		commands: commands,
		worldMsg: worldMsg,
		subs:     make(map[string]*subscriber),
		attrs:    metric.WithAttributes(attribute.String("world", cfg.World.FolderName)),
	}

	m := meter()
	if h.sent, err = m.Int64Counter("hub.messages.sent",
		metric.WithDescription("Messages queued to subscribers")); err != nil {
		return nil, fmt.Errorf("creating sent counter: %w", err)
	}
	if h.evicted, err = m.Int64Counter("hub.subscribers.evicted",
		metric.WithDescription("Subscribers dropped for falling behind")); err != nil {
		return nil, fmt.Errorf("creating evicted counter: %w", err)
	}
	if h.subscribers, err = m.Int64UpDownCounter("hub.subscribers",
		metric.WithDescription("Connected subscribers")); err != nil {
		return nil, fmt.Errorf("creating subscribers counter: %w", err)
	}

	h.commands.Register(streaming.TypeVisibility, h.handleVisibility,
		dispatcher.Queued(visibilityQueueSize), dispatcher.Logged())
	h.commands.Register(streaming.TypeResync, h.handleResync, dispatcher.Logged())

	return h, nil
}

// Visibility returns the tracker fed by subscriber focus reports.
func (h *Hub) Visibility() *visibility.Tracker {
	return h.tracker
}

// Subscribers returns the number of connected subscribers. It does not take
// the hub lock, so log handlers may call it.
func (h *Hub) Subscribers() int {
	return int(h.count.Load())
}

// Markers returns every marker currently on the surface.
func (h *Hub) Markers() []streaming.PlayerMarker {
	return h.markers.Snapshot()
}

// Create implements reconcile.Surface.
func (h *Hub) Create(p core.DisplayPoint) reconcile.Handle {
	handle := h.nextHandle.Add(1)
	h.mu.Lock()
	defer h.mu.Unlock()
	h.markers.Set(handle, p)
	h.broadcast(streaming.TypePlayerAdd, streaming.PlayerMarker{Handle: handle, Point: p})
	return reconcile.Handle(handle)
}

// Move implements reconcile.Surface.
func (h *Hub) Move(handle reconcile.Handle, p core.DisplayPoint) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.markers.Set(uint64(handle), p)
	h.broadcast(streaming.TypePlayerMove, streaming.PlayerMarker{Handle: uint64(handle), Point: p})
}

// Remove implements reconcile.Surface.
func (h *Hub) Remove(handle reconcile.Handle) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.markers.Delete(uint64(handle))
	h.broadcast(streaming.TypePlayerRemove, streaming.RemovePayload{Handle: uint64(handle)})
}

// broadcast must be called with mu held.
func (h *Hub) broadcast(msgType string, payload any) {
	data, err := streaming.Marshal(msgType, payload)
	if err != nil {
		h.logger.Error("Failed to marshal broadcast", "type", msgType, "error", err)
		return
	}
	for _, s := range h.subs {
		h.sendLocked(s, data)
	}
}

// sendLocked queues data for one subscriber and evicts it if it has fallen
// behind. Must be called with mu held.
func (h *Hub) sendLocked(s *subscriber, data []byte) {
	if s.send(data) {
		h.sent.Add(context.Background(), 1, h.attrs)
		return
	}
	h.logger.Warn("Subscriber send queue full, disconnecting", "subscriber", s.id)
	h.evicted.Add(context.Background(), 1, h.attrs)
	h.dropLocked(s)
}

func (h *Hub) dropLocked(s *subscriber) {
	if _, ok := h.subs[s.id]; !ok {
		return
	}
	delete(h.subs, s.id)
	h.count.Add(-1)
	h.subscribers.Add(context.Background(), -1, h.attrs)
	go s.close()
	h.tracker.Remove(s.id)
}

func (h *Hub) syncMessage() ([]byte, error) {
	return streaming.Marshal(streaming.TypeSync, streaming.SyncPayload{Markers: h.markers.Snapshot()})
}

// ServeHTTP upgrades the request and serves one subscriber until it leaves.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn("WebSocket upgrade failed", "error", err)
		return
	}

	id := fmt.Sprintf("%s-%d", h.cfg.World.FolderName, h.nextSub.Add(1))
	s := newSubscriber(id, conn, h.logger)

	// pages start out visible
	h.tracker.Set(id, true)
	if !h.register(s) {
		h.tracker.Remove(id)
		s.close()
		return
	}
	h.logger.Info("Subscriber connected", "subscriber", id, "remote", r.RemoteAddr)

	go s.writeLoop()
	s.readLoop(func(msg []byte) { h.handleMessage(s, msg) })

	h.mu.Lock()
	h.dropLocked(s)
	h.mu.Unlock()
	h.logger.Info("Subscriber disconnected", "subscriber", id)
}

func (h *Hub) register(s *subscriber) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return false
	}

	syncMsg, err := h.syncMessage()
	if err != nil {
		h.logger.Error("Failed to marshal sync", "error", err)
		return false
	}
	s.send(h.worldMsg)
	s.send(syncMsg)

	h.subs[s.id] = s
	h.count.Add(1)
	h.subscribers.Add(context.Background(), 1, h.attrs)
	return true
}

func (h *Hub) handleMessage(s *subscriber, msg []byte) {
	var env streaming.Envelope
	if err := json.Unmarshal(msg, &env); err != nil {
		h.logger.Debug("Ignoring malformed subscriber message", "subscriber", s.id, "error", err)
		return
	}
	if !h.commands.HasHandler(env.Type) {
		h.logger.Debug("Ignoring unknown subscriber message", "subscriber", s.id, "type", env.Type)
		return
	}
	_, err := h.commands.Dispatch(dispatcher.Event{
		Command:    env.Type,
		Subscriber: s.id,
		Payload:    env.Payload,
		Timestamp:  time.Now(),
	})
	if err != nil {
		h.logger.Debug("Subscriber command rejected", "subscriber", s.id, "type", env.Type, "error", err)
	}
}

func (h *Hub) handleVisibility(e dispatcher.Event) (any, error) {
	var p streaming.VisibilityPayload
	if err := json.Unmarshal(e.Payload, &p); err != nil {
		return nil, fmt.Errorf("decode visibility: %w", err)
	}

	// the membership check and the update share mu with dropLocked, so a
	// subscriber dropped meanwhile is never tracked again
	h.mu.Lock()
	if _, ok := h.subs[e.Subscriber]; !ok {
		h.mu.Unlock()
		return nil, fmt.Errorf("unknown subscriber %s", e.Subscriber)
	}
	regained := h.tracker.Update(e.Subscriber, p.Visible)
	h.mu.Unlock()

	if regained {
		h.tracker.NotifyRegain()
	}
	return p.Visible, nil
}

func (h *Hub) handleResync(e dispatcher.Event) (any, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	s, ok := h.subs[e.Subscriber]
	if !ok {
		return nil, fmt.Errorf("unknown subscriber %s", e.Subscriber)
	}
	data, err := h.syncMessage()
	if err != nil {
		return nil, err
	}
	h.sendLocked(s, data)
	return "sent", nil
}

// Close disconnects every subscriber and refuses new ones.
func (h *Hub) Close() error {
	h.mu.Lock()
	h.closed = true
	subs := make([]*subscriber, 0, len(h.subs))
	for _, s := range h.subs {
		subs = append(subs, s)
	}
	h.mu.Unlock()

	for _, s := range subs {
		s.close()
	}
	h.commands.Close()
	return nil
}

type nopLogger struct{}

func (nopLogger) Debug(string, ...any) {}
func (nopLogger) Info(string, ...any)  {}
func (nopLogger) Error(string, ...any) {}
