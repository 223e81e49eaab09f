// Package server exposes the live views over HTTP.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/topographica/livemap/internal/geo"
	"github.com/topographica/livemap/internal/liveview"
)

const shutdownTimeout = 5 * time.Second

// World is one world served by the mux. Subscribe is nil when the world has
// no WebSocket surface.
type World struct {
	View      *liveview.View
	Subscribe http.Handler
}

// Server routes requests to the view selected by the world query parameter.
// Without one, the first world is used.
type Server struct {
	addr       string
	logger     *slog.Logger
	worlds     map[string]World
	order      []string
	httpServer *http.Server
}

// New builds a server for the given worlds.
func New(addr string, worlds []World, logger *slog.Logger) (*Server, error) {
	if len(worlds) == 0 {
		return nil, errors.New("server needs at least one world")
	}
	if logger == nil {
		logger = slog.Default()
	}
	s := &Server{
		addr:   addr,
		logger: logger,
		worlds: make(map[string]World, len(worlds)),
	}
	for _, w := range worlds {
		if w.View == nil {
			return nil, errors.New("world without a view")
		}
		name := w.View.World().FolderName
		if _, dup := s.worlds[name]; dup {
			return nil, fmt.Errorf("world %s served twice", name)
		}
		s.worlds[name] = w
		s.order = append(s.order, name)
	}

	s.httpServer = &http.Server{
		Addr:              addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s, nil
}

// Handler returns the request router.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /ws", s.handleSubscribe)
	mux.HandleFunc("GET /players.geojson", s.handlePlayers)
	mux.HandleFunc("GET /markers.geojson", s.handleMarkers)
	mux.HandleFunc("GET /healthz", s.handleHealth)
	return mux
}

// ListenAndServe runs the HTTP server until the context ends.
func (s *Server) ListenAndServe(ctx context.Context) error {
	serveErr := make(chan error, 1)
	s.logger.Info("HTTP server listening", "addr", s.addr)
	go func() {
		serveErr <- s.httpServer.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		err := s.httpServer.Shutdown(shutdownCtx)
		cancel()
		if err != nil {
			return fmt.Errorf("shutdown http server: %w", err)
		}
		return nil
	case err := <-serveErr:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("serve http: %w", err)
	}
}

func (s *Server) lookup(w http.ResponseWriter, r *http.Request) (World, bool) {
	name := r.URL.Query().Get("world")
	if name == "" {
		name = s.order[0]
	}
	world, ok := s.worlds[name]
	if !ok {
		http.Error(w, "unknown world", http.StatusNotFound)
	}
	return world, ok
}

func (s *Server) handleSubscribe(w http.ResponseWriter, r *http.Request) {
	world, ok := s.lookup(w, r)
	if !ok {
		return
	}
	if world.Subscribe == nil {
		http.Error(w, "world has no live surface", http.StatusNotFound)
		return
	}
	world.Subscribe.ServeHTTP(w, r)
}

func (s *Server) handlePlayers(w http.ResponseWriter, r *http.Request) {
	world, ok := s.lookup(w, r)
	if !ok {
		return
	}
	s.writeJSON(w, "application/geo+json", geo.FeatureCollection(world.View.PlayerFeatures()))
}

func (s *Server) handleMarkers(w http.ResponseWriter, r *http.Request) {
	world, ok := s.lookup(w, r)
	if !ok {
		return
	}
	s.writeJSON(w, "application/geo+json", geo.FeatureCollection(world.View.MarkerFeatures()))
}

type health struct {
	Status string            `json:"status"`
	Views  []liveview.Status `json:"views"`
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	h := health{Status: "ok", Views: make([]liveview.Status, 0, len(s.order))}
	for _, name := range s.order {
		h.Views = append(h.Views, s.worlds[name].View.Status())
	}
	s.writeJSON(w, "application/json", h)
}

func (s *Server) writeJSON(w http.ResponseWriter, contentType string, v any) {
	data, err := json.Marshal(v)
	if err != nil {
		s.logger.Error("Failed to encode response", "error", err)
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", contentType)
	if _, err := w.Write(data); err != nil {
		s.logger.Debug("Failed to write response", "error", err)
	}
}
