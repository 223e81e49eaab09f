package store

import (
	"context"
	"sync"
	"time"

	"github.com/topographica/livemap/internal/liveview"
	"github.com/topographica/livemap/internal/queue"
)

const defaultQueueSize = 10_000

// Recorder batches poll records and writes them on an interval. Observe
// never blocks the reconciliation path.
type Recorder struct {
	manager  *Manager
	queue    *queue.Queue[PollRecord]
	interval time.Duration

	mu      sync.Mutex
	stop    chan struct{}
	done    chan struct{}
	written uint64
}

// NewRecorder creates a stopped recorder.
func NewRecorder(m *Manager, interval time.Duration) *Recorder {
	if interval <= 0 {
		interval = 5 * time.Second
	}
	return &Recorder{
		manager:  m,
		queue:    queue.New[PollRecord](defaultQueueSize),
		interval: interval,
	}
}

// Observe queues a pass. It matches liveview.Observer.
func (r *Recorder) Observe(p liveview.Pass) {
	if dropped := r.queue.Push(RecordFromPass(p)); dropped > 0 {
		r.manager.Logger.Warn().Int("dropped", dropped).Msg("Audit queue full, dropping oldest records")
	}
}

// Pending returns how many records wait for the next flush.
func (r *Recorder) Pending() int {
	return r.queue.Len()
}

// Written returns how many records were stored.
func (r *Recorder) Written() uint64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.written
}

// Flush writes every queued record.
func (r *Recorder) Flush() error {
	records := r.queue.GetAndEmpty()
	if len(records) == 0 {
		return nil
	}

	start := time.Now()
	if err := r.manager.DB.CreateInBatches(records, 500).Error; err != nil {
		r.manager.Logger.Error().Err(err).Int("records", len(records)).Msg("Failed to write poll records")
		return err
	}

	r.mu.Lock()
	r.written += uint64(len(records))
	r.mu.Unlock()

	r.manager.Logger.Debug().Int("records", len(records)).Dur("duration", time.Since(start)).Msg("Wrote poll records")
	return nil
}

// Start runs the flush loop until ctx is done or Stop is called.
func (r *Recorder) Start(ctx context.Context) {
	r.mu.Lock()
	if r.stop != nil {
		r.mu.Unlock()
		return
	}
	r.stop = make(chan struct{})
	r.done = make(chan struct{})
	stop, done := r.stop, r.done
	r.mu.Unlock()

	go func() {
		defer close(done)
		ticker := time.NewTicker(r.interval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				_ = r.Flush()
				return
			case <-stop:
				_ = r.Flush()
				return
			case <-ticker.C:
				_ = r.Flush()
			}
		}
	}()
}

// Stop ends the flush loop after a final flush.
func (r *Recorder) Stop() {
	r.mu.Lock()
	stop, done := r.stop, r.done
	r.stop = nil
	r.mu.Unlock()

	if stop == nil {
		return
	}
	close(stop)
	<-done
}
