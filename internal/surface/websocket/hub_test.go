package websocket

import (
	"encoding/json"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	ws "github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/topographica/livemap/internal/dispatcher"
	"github.com/topographica/livemap/internal/reconcile"
	"github.com/topographica/livemap/pkg/core"
	"github.com/topographica/livemap/pkg/streaming"
)

// Compile-time interface check.
var _ reconcile.Surface = (*Hub)(nil)

func newTestHub(t *testing.T) (*Hub, *httptest.Server) {
	t.Helper()
	h, err := New(Config{World: streaming.WorldPayload{
		FolderName:  "world",
		DisplayName: "Overworld",
		Center:      core.DisplayPoint{Lat: -5, Lng: 5},
	}})
	require.NoError(t, err)

	srv := httptest.NewServer(h)
	t.Cleanup(func() {
		_ = h.Close()
		srv.Close()
	})
	return h, srv
}

func dial(t *testing.T, srv *httptest.Server) *ws.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(srv.URL, "http")
	c, _, err := ws.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Close() })
	return c
}

func readEnvelope(t *testing.T, c *ws.Conn) streaming.Envelope {
	t.Helper()
	require.NoError(t, c.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, msg, err := c.ReadMessage()
	require.NoError(t, err)
	var env streaming.Envelope
	require.NoError(t, json.Unmarshal(msg, &env))
	return env
}

func send(t *testing.T, c *ws.Conn, msgType string, payload any) {
	t.Helper()
	data, err := streaming.Marshal(msgType, payload)
	require.NoError(t, err)
	require.NoError(t, c.WriteMessage(ws.TextMessage, data))
}

func TestHub_WorldThenSyncOnConnect(t *testing.T) {
	h, srv := newTestHub(t)
	h.Create(core.DisplayPoint{Lat: 1, Lng: 2})

	c := dial(t, srv)

	env := readEnvelope(t, c)
	assert.Equal(t, streaming.TypeWorld, env.Type)
	var world streaming.WorldPayload
	require.NoError(t, json.Unmarshal(env.Payload, &world))
	assert.Equal(t, "Overworld", world.DisplayName)

	env = readEnvelope(t, c)
	assert.Equal(t, streaming.TypeSync, env.Type)
	var sync streaming.SyncPayload
	require.NoError(t, json.Unmarshal(env.Payload, &sync))
	require.Len(t, sync.Markers, 1)
	assert.Equal(t, core.DisplayPoint{Lat: 1, Lng: 2}, sync.Markers[0].Point)
}

func TestHub_BroadcastsMutations(t *testing.T) {
	h, srv := newTestHub(t)
	c := dial(t, srv)
	readEnvelope(t, c) // world
	readEnvelope(t, c) // sync

	handle := h.Create(core.DisplayPoint{Lat: 1, Lng: 1})
	h.Move(handle, core.DisplayPoint{Lat: 2, Lng: 2})
	h.Remove(handle)

	add := readEnvelope(t, c)
	assert.Equal(t, streaming.TypePlayerAdd, add.Type)
	var pm streaming.PlayerMarker
	require.NoError(t, json.Unmarshal(add.Payload, &pm))
	assert.Equal(t, uint64(handle), pm.Handle)

	move := readEnvelope(t, c)
	assert.Equal(t, streaming.TypePlayerMove, move.Type)
	require.NoError(t, json.Unmarshal(move.Payload, &pm))
	assert.Equal(t, core.DisplayPoint{Lat: 2, Lng: 2}, pm.Point)

	rm := readEnvelope(t, c)
	assert.Equal(t, streaming.TypePlayerRemove, rm.Type)
	var rp streaming.RemovePayload
	require.NoError(t, json.Unmarshal(rm.Payload, &rp))
	assert.Equal(t, uint64(handle), rp.Handle)

	assert.Empty(t, h.Markers())
}

func TestHub_HandlesAreUnique(t *testing.T) {
	h, _ := newTestHub(t)
	a := h.Create(core.DisplayPoint{})
	b := h.Create(core.DisplayPoint{})
	h.Remove(a)
	c := h.Create(core.DisplayPoint{})

	assert.NotEqual(t, a, b)
	assert.NotEqual(t, a, c)
	assert.Len(t, h.Markers(), 2)
}

func TestHub_VisibilityFollowsSubscribers(t *testing.T) {
	h, srv := newTestHub(t)
	var regains atomic.Int32
	h.Visibility().OnRegain(func() { regains.Add(1) })

	assert.False(t, h.Visibility().Visible(), "no subscribers")

	c := dial(t, srv)
	readEnvelope(t, c)
	readEnvelope(t, c)
	require.Eventually(t, h.Visibility().Visible, time.Second, 5*time.Millisecond)
	assert.Equal(t, int32(1), regains.Load())
	assert.Equal(t, 1, h.Subscribers())

	send(t, c, streaming.TypeVisibility, streaming.VisibilityPayload{Visible: false})
	require.Eventually(t, func() bool { return !h.Visibility().Visible() }, time.Second, 5*time.Millisecond)

	send(t, c, streaming.TypeVisibility, streaming.VisibilityPayload{Visible: true})
	require.Eventually(t, func() bool { return regains.Load() == 2 }, time.Second, 5*time.Millisecond)
}

func TestHub_DisconnectHidesView(t *testing.T) {
	h, srv := newTestHub(t)
	c := dial(t, srv)
	readEnvelope(t, c)
	readEnvelope(t, c)
	require.Eventually(t, h.Visibility().Visible, time.Second, 5*time.Millisecond)

	require.NoError(t, c.Close())

	require.Eventually(t, func() bool { return h.Subscribers() == 0 }, time.Second, 5*time.Millisecond)
	assert.False(t, h.Visibility().Visible())
}

func TestHub_Resync(t *testing.T) {
	h, srv := newTestHub(t)
	c := dial(t, srv)
	readEnvelope(t, c)
	readEnvelope(t, c)

	h.Create(core.DisplayPoint{Lat: 3, Lng: 3})
	readEnvelope(t, c) // player_add

	send(t, c, streaming.TypeResync, nil)
	env := readEnvelope(t, c)
	assert.Equal(t, streaming.TypeSync, env.Type)
	var sync streaming.SyncPayload
	require.NoError(t, json.Unmarshal(env.Payload, &sync))
	assert.Len(t, sync.Markers, 1)
}

func TestHub_IgnoresGarbage(t *testing.T) {
	h, srv := newTestHub(t)
	c := dial(t, srv)
	readEnvelope(t, c)
	readEnvelope(t, c)

	require.NoError(t, c.WriteMessage(ws.TextMessage, []byte("not json")))
	send(t, c, "teleport", nil)
	send(t, c, streaming.TypeResync, nil)

	// still connected and answering
	assert.Equal(t, streaming.TypeSync, readEnvelope(t, c).Type)
	assert.Equal(t, 1, h.Subscribers())
}

func TestHub_CloseRefusesNewSubscribers(t *testing.T) {
	h, srv := newTestHub(t)
	require.NoError(t, h.Close())

	c := dial(t, srv)
	require.NoError(t, c.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, _, err := c.ReadMessage()
	assert.Error(t, err)
	assert.False(t, h.Visibility().Visible())
}

func TestHub_VisibilityFromUnknownSubscriberIgnored(t *testing.T) {
	h, _ := newTestHub(t)
	var regains atomic.Int32
	h.Visibility().OnRegain(func() { regains.Add(1) })

	payload, err := json.Marshal(streaming.VisibilityPayload{Visible: true})
	require.NoError(t, err)

	_, err = h.handleVisibility(dispatcher.Event{
		Command:    streaming.TypeVisibility,
		Subscriber: "world-42",
		Payload:    payload,
	})
	assert.Error(t, err)
	assert.Equal(t, 0, h.Visibility().Subscribers())
	assert.False(t, h.Visibility().Visible())
	assert.Equal(t, int32(0), regains.Load())
}

func TestHub_SlowRegainDoesNotStallCommands(t *testing.T) {
	h, srv := newTestHub(t)
	c := dial(t, srv)
	readEnvelope(t, c)
	readEnvelope(t, c)

	entered := make(chan struct{}, 1)
	release := make(chan struct{})
	defer close(release)
	h.Visibility().OnRegain(func() {
		entered <- struct{}{}
		<-release
	})

	send(t, c, streaming.TypeVisibility, streaming.VisibilityPayload{Visible: false})
	send(t, c, streaming.TypeVisibility, streaming.VisibilityPayload{Visible: true})
	select {
	case <-entered:
	case <-time.After(2 * time.Second):
		t.Fatal("regain callback not called")
	}

	send(t, c, streaming.TypeResync, nil)
	assert.Equal(t, streaming.TypeSync, readEnvelope(t, c).Type)
}
