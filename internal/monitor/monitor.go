package monitor

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/topographica/livemap/internal/liveview"
)

// Dependencies holds all dependencies for the monitor service
type Dependencies struct {
	Views       []*liveview.View
	Subscribers func() int
	StatusFile  string
	Interval    time.Duration
	Logger      *slog.Logger
	Started     time.Time
}

// ProgramStatus is written to the status file on every tick.
type ProgramStatus struct {
	Time        time.Time         `json:"time"`
	Uptime      string            `json:"uptime"`
	Subscribers int               `json:"subscribers"`
	Views       []liveview.Status `json:"views"`
}

// Service manages status monitoring
type Service struct {
	deps      Dependencies
	isRunning bool
	mu        sync.RWMutex
	stopChan  chan struct{}
	doneChan  chan struct{}
}

// NewService creates a new monitor service
func NewService(deps Dependencies) *Service {
	if deps.Interval <= 0 {
		deps.Interval = time.Second
	}
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	if deps.Started.IsZero() {
		deps.Started = time.Now()
	}
	return &Service{deps: deps}
}

// IsRunning returns whether the status monitor is running
func (s *Service) IsRunning() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.isRunning
}

// GetProgramStatus returns the current program status
func (s *Service) GetProgramStatus() ProgramStatus {
	st := ProgramStatus{
		Time:   time.Now().UTC(),
		Uptime: time.Since(s.deps.Started).Round(time.Second).String(),
		Views:  make([]liveview.Status, 0, len(s.deps.Views)),
	}
	if s.deps.Subscribers != nil {
		st.Subscribers = s.deps.Subscribers()
	}
	for _, v := range s.deps.Views {
		st.Views = append(st.Views, v.Status())
	}
	return st
}

// WriteStatus writes the current status to the status file. The file is
// replaced atomically so readers never see a partial document.
func (s *Service) WriteStatus() error {
	data, err := json.MarshalIndent(s.GetProgramStatus(), "", "  ")
	if err != nil {
		return fmt.Errorf("marshal status: %w", err)
	}

	dir := filepath.Dir(s.deps.StatusFile)
	tmp, err := os.CreateTemp(dir, ".livemap_status-*")
	if err != nil {
		return fmt.Errorf("create temp status file: %w", err)
	}
	if _, err := tmp.Write(append(data, '\n')); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return fmt.Errorf("write status: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return fmt.Errorf("close status: %w", err)
	}
	return os.Rename(tmp.Name(), s.deps.StatusFile)
}

// Start starts the status monitor goroutine
func (s *Service) Start() error {
	s.mu.Lock()
	if s.isRunning {
		s.mu.Unlock()
		return nil
	}
	s.isRunning = true
	s.stopChan = make(chan struct{})
	s.doneChan = make(chan struct{})
	stop, done := s.stopChan, s.doneChan
	s.mu.Unlock()

	go func() {
		defer close(done)
		defer func() {
			s.mu.Lock()
			s.isRunning = false
			s.mu.Unlock()
		}()

		logger := s.deps.Logger
		logger.Debug("Starting status monitor goroutine", "statusFile", s.deps.StatusFile)

		ticker := time.NewTicker(s.deps.Interval)
		defer ticker.Stop()

		for {
			select {
			case <-stop:
				return
			case <-ticker.C:
				if err := s.WriteStatus(); err != nil {
					logger.Error("Error writing status file", "error", err)
				}
			}
		}
	}()

	return nil
}

// Stop stops the status monitor and waits for it to exit
func (s *Service) Stop() {
	s.mu.Lock()
	if !s.isRunning {
		s.mu.Unlock()
		return
	}
	close(s.stopChan)
	done := s.doneChan
	s.mu.Unlock()
	<-done
}
