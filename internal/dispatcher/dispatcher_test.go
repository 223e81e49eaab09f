package dispatcher

import (
	"encoding/json"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recordingLogger struct {
	mu    sync.Mutex
	lines []string
}

func (l *recordingLogger) log(level, msg string, kv []any) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.lines = append(l.lines, fmt.Sprintf("%s %s %v", level, msg, kv))
}

func (l *recordingLogger) Debug(msg string, kv ...any) { l.log("DEBUG", msg, kv) }
func (l *recordingLogger) Info(msg string, kv ...any)  { l.log("INFO", msg, kv) }
func (l *recordingLogger) Error(msg string, kv ...any) { l.log("ERROR", msg, kv) }

func (l *recordingLogger) all() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]string(nil), l.lines...)
}

func newDispatcher(t *testing.T) (*Dispatcher, *recordingLogger) {
	t.Helper()
	logger := &recordingLogger{}
	d, err := New(logger)
	require.NoError(t, err)
	t.Cleanup(d.Close)
	return d, logger
}

func visibilityEvent(sub string, visible bool) Event {
	payload, _ := json.Marshal(map[string]bool{"visible": visible})
	return Event{Command: "visibility", Subscriber: sub, Payload: payload, Timestamp: time.Now()}
}

func TestDispatch_ResyncRunsInline(t *testing.T) {
	d, _ := newDispatcher(t)

	var got Event
	d.Register("resync", func(e Event) (any, error) {
		got = e
		return "sent", nil
	})

	result, err := d.Dispatch(Event{Command: "resync", Subscriber: "world-1"})
	require.NoError(t, err)
	assert.Equal(t, "sent", result)
	assert.Equal(t, "world-1", got.Subscriber)
}

func TestDispatch_UnknownCommand(t *testing.T) {
	d, _ := newDispatcher(t)
	d.Register("resync", func(Event) (any, error) { return nil, nil })

	assert.True(t, d.HasHandler("resync"))
	assert.False(t, d.HasHandler("teleport"))

	_, err := d.Dispatch(Event{Command: "teleport", Subscriber: "world-1"})
	assert.ErrorIs(t, err, ErrUnknownCommand)
}

func TestDispatch_QueuedVisibilityKeepsOrder(t *testing.T) {
	d, _ := newDispatcher(t)

	var mu sync.Mutex
	var states []bool
	d.Register("visibility", func(e Event) (any, error) {
		var p struct{ Visible bool }
		if err := json.Unmarshal(e.Payload, &p); err != nil {
			return nil, err
		}
		mu.Lock()
		states = append(states, p.Visible)
		mu.Unlock()
		return p.Visible, nil
	}, Queued(16))

	want := []bool{true, false, true, false, true}
	for _, v := range want {
		result, err := d.Dispatch(visibilityEvent("world-1", v))
		require.NoError(t, err)
		assert.Equal(t, "queued", result)
	}

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(states) == len(want)
	}, time.Second, time.Millisecond)
	mu.Lock()
	assert.Equal(t, want, states)
	mu.Unlock()
}

func TestDispatch_QueuedDropsWhenFull(t *testing.T) {
	d, _ := newDispatcher(t)

	started := make(chan struct{}, 1)
	release := make(chan struct{})
	d.Register("visibility", func(Event) (any, error) {
		started <- struct{}{}
		<-release
		return nil, nil
	}, Queued(1))

	_, err := d.Dispatch(visibilityEvent("world-1", true))
	require.NoError(t, err)
	<-started

	_, err = d.Dispatch(visibilityEvent("world-1", false))
	require.NoError(t, err, "fills the queue")

	_, err = d.Dispatch(visibilityEvent("world-1", true))
	assert.ErrorIs(t, err, ErrQueueFull)

	close(release)
}

func TestDispatch_QueuedDoesNotBlockCaller(t *testing.T) {
	d, _ := newDispatcher(t)

	release := make(chan struct{})
	d.Register("visibility", func(Event) (any, error) {
		<-release
		return nil, nil
	}, Queued(4))

	done := make(chan struct{})
	go func() {
		_, _ = d.Dispatch(visibilityEvent("world-1", true))
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("dispatch waited on a slow handler")
	}
	close(release)
}

func TestClose_DrainsAndRejects(t *testing.T) {
	logger := &recordingLogger{}
	d, err := New(logger)
	require.NoError(t, err)

	var mu sync.Mutex
	handled := 0
	d.Register("visibility", func(Event) (any, error) {
		time.Sleep(time.Millisecond)
		mu.Lock()
		handled++
		mu.Unlock()
		return nil, nil
	}, Queued(8))

	for i := 0; i < 3; i++ {
		_, err := d.Dispatch(visibilityEvent("world-1", i%2 == 0))
		require.NoError(t, err)
	}
	d.Close()

	mu.Lock()
	assert.Equal(t, 3, handled, "queued commands finish before Close returns")
	mu.Unlock()

	_, err = d.Dispatch(visibilityEvent("world-1", true))
	assert.ErrorIs(t, err, ErrClosed)

	// second Close is a no-op
	d.Close()
}

func TestLogged_ReportsFailures(t *testing.T) {
	d, logger := newDispatcher(t)

	d.Register("resync", func(Event) (any, error) { return "sent", nil }, Logged())
	d.Register("visibility", func(e Event) (any, error) {
		return nil, fmt.Errorf("unknown subscriber %s", e.Subscriber)
	}, Logged())

	_, err := d.Dispatch(Event{Command: "resync", Subscriber: "world-1", Payload: []byte(`{}`)})
	require.NoError(t, err)
	_, err = d.Dispatch(visibilityEvent("world-9", true))
	require.Error(t, err)

	lines := logger.all()
	require.Len(t, lines, 4)
	assert.Contains(t, lines[0], "DEBUG Handling subscriber command")
	assert.Contains(t, lines[1], "DEBUG Subscriber command handled")
	assert.Contains(t, lines[3], "ERROR Subscriber command failed")
	assert.Contains(t, lines[3], "world-9")
}

func TestRegister_ReplacesQueuedHandler(t *testing.T) {
	d, _ := newDispatcher(t)

	first := make(chan struct{}, 1)
	second := make(chan struct{}, 1)
	d.Register("visibility", func(Event) (any, error) { first <- struct{}{}; return nil, nil }, Queued(1))
	d.Register("visibility", func(Event) (any, error) { second <- struct{}{}; return nil, nil }, Queued(1))

	_, err := d.Dispatch(visibilityEvent("world-1", true))
	require.NoError(t, err)

	select {
	case <-second:
	case <-time.After(time.Second):
		t.Fatal("replacement handler not called")
	}
	assert.Empty(t, first)
}
