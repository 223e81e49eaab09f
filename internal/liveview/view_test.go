package liveview

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/topographica/livemap/internal/api"
	"github.com/topographica/livemap/internal/fetcher"
	"github.com/topographica/livemap/internal/geo"
	"github.com/topographica/livemap/internal/surface/memory"
	"github.com/topographica/livemap/internal/visibility"
	"github.com/topographica/livemap/pkg/core"
)

type passLog struct {
	mu     sync.Mutex
	passes []Pass
}

func (l *passLog) observe(p Pass) {
	l.mu.Lock()
	l.passes = append(l.passes, p)
	l.mu.Unlock()
}

func (l *passLog) len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.passes)
}

func (l *passLog) get(i int) Pass {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.passes[i]
}

// scripted returns the given outcomes in turn, then repeats the last one.
func scripted(outcomes ...func() (core.Snapshot, error)) fetcher.Source {
	var n atomic.Int64
	return fetcher.SourceFunc(func(ctx context.Context) (core.Snapshot, error) {
		i := int(n.Add(1)) - 1
		if i >= len(outcomes) {
			i = len(outcomes) - 1
		}
		return outcomes[i]()
	})
}

func snapshot(ps ...core.Player) func() (core.Snapshot, error) {
	return func() (core.Snapshot, error) { return ps, nil }
}

func failure() (core.Snapshot, error) { return nil, errors.New("boom") }

func newView(t *testing.T, src fetcher.Source, vis visibility.Signal) (*View, *memory.Surface, *passLog) {
	t.Helper()
	s := memory.New(nil)
	log := &passLog{}
	v, err := New(Config{
		World:      core.World{FolderName: "world"},
		Source:     src,
		Surface:    s,
		Visibility: vis,
		Interval:   10 * time.Millisecond,
	}, log.observe)
	require.NoError(t, err)
	return v, s, log
}

func TestNew_RequiresSourceAndSurface(t *testing.T) {
	_, err := New(Config{Surface: memory.New(nil)})
	assert.Error(t, err)
	_, err = New(Config{Source: scripted(failure)})
	assert.Error(t, err)
}

func TestView_ReconcilesAndObserves(t *testing.T) {
	src := scripted(
		snapshot(core.Player{Name: "A", Position: core.Position{X: 1, Z: 2}}),
		failure,
		snapshot(core.Player{Name: "B"}),
	)
	v, s, log := newView(t, src, nil)
	v.Start()
	require.Eventually(t, func() bool { return log.len() >= 3 }, 2*time.Second, 5*time.Millisecond)
	require.NoError(t, v.Close())

	first := log.get(0)
	assert.True(t, first.OK)
	assert.True(t, first.Applied)
	assert.Equal(t, []string{"A"}, first.Stats.CreatedNames)

	second := log.get(1)
	assert.False(t, second.OK)
	assert.Contains(t, second.Error, api.ErrFetchFailed.Error())
	assert.Equal(t, []string{"A"}, second.Stats.RemovedNames)

	assert.Equal(t, []string{"B"}, log.get(2).Stats.CreatedNames)

	// Close clears the surface
	assert.Empty(t, s.Markers())
	assert.Empty(t, s.Violations())
}

func TestView_Status(t *testing.T) {
	v, _, log := newView(t, scripted(snapshot(core.Player{Name: "A"}, core.Player{Name: "B"})), nil)
	v.Start()
	require.Eventually(t, func() bool { return log.len() >= 1 }, time.Second, 5*time.Millisecond)

	st := v.Status()
	assert.Equal(t, "world", st.World)
	assert.Equal(t, 2, st.Displayed)
	assert.True(t, st.LastOK)
	assert.True(t, st.Running)
	assert.GreaterOrEqual(t, st.LastSeq, uint64(1))

	require.NoError(t, v.Close())
	assert.False(t, v.Status().Running)
}

func TestView_PlayerFeatures(t *testing.T) {
	v, _, log := newView(t, scripted(snapshot(
		core.Player{Name: "zed", Position: core.Position{X: 1, Z: 1}},
		core.Player{Name: "amy", Position: core.Position{X: 10, Z: 20}},
	)), nil)
	v.Start()
	require.Eventually(t, func() bool { return log.len() >= 1 }, time.Second, 5*time.Millisecond)
	defer v.Close()

	fs := v.PlayerFeatures()
	require.Len(t, fs, 2)
	assert.Equal(t, "amy", fs[0].ID)

	data, err := json.Marshal(geo.FeatureCollection(fs))
	require.NoError(t, err)
	assert.Contains(t, string(data), `"coordinates":[10,-20]`)
}

func TestView_RegainRestartsFetching(t *testing.T) {
	tracker := visibility.NewTracker()
	var calls atomic.Int64
	src := fetcher.SourceFunc(func(ctx context.Context) (core.Snapshot, error) {
		calls.Add(1)
		return nil, nil
	})

	s := memory.New(nil)
	v, err := New(Config{
		World:      core.World{FolderName: "world"},
		Source:     src,
		Surface:    s,
		Visibility: tracker,
		Interval:   time.Hour,
	})
	require.NoError(t, err)
	defer v.Close()

	v.Start()
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, int64(0), calls.Load(), "hidden view does not fetch")

	tracker.Set("page-1", true)
	require.Eventually(t, func() bool { return calls.Load() == 1 }, time.Second, 5*time.Millisecond)
}

func TestView_RegainAfterCloseDoesNotFetch(t *testing.T) {
	tracker := visibility.NewTracker()
	var calls atomic.Int64
	src := fetcher.SourceFunc(func(ctx context.Context) (core.Snapshot, error) {
		calls.Add(1)
		return nil, nil
	})

	v, err := New(Config{
		World:      core.World{FolderName: "world"},
		Source:     src,
		Surface:    memory.New(nil),
		Visibility: tracker,
		Interval:   time.Hour,
	})
	require.NoError(t, err)

	tracker.Set("page-1", true)
	v.Start()
	require.Eventually(t, func() bool { return calls.Load() == 1 }, time.Second, 5*time.Millisecond)
	require.NoError(t, v.Close())

	tracker.Set("page-1", false)
	tracker.Set("page-1", true)
	time.Sleep(20 * time.Millisecond)

	assert.Equal(t, int64(1), calls.Load())
	assert.False(t, v.Status().Running)
}

func TestAPISource(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "world_the_end", r.URL.Query().Get("world"))
		_, _ = w.Write([]byte(`[{"name":"A","x":1,"z":2}]`))
	}))
	defer srv.Close()

	src := APISource(api.New(srv.URL, time.Second), "world_the_end")
	snap, err := src.Fetch(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "A", snap[0].Name)
}
