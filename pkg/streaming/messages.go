package streaming

import (
	"encoding/json"

	"github.com/topographica/livemap/pkg/core"
)

// Message type constants matching the streaming protocol.
const (
	// server -> subscriber
	TypeWorld        = "world"
	TypeSync         = "sync"
	TypePlayerAdd    = "player_add"
	TypePlayerMove   = "player_move"
	TypePlayerRemove = "player_remove"

	// subscriber -> server
	TypeVisibility = "visibility"
	TypeResync     = "resync"
)

// Envelope wraps all messages sent over the WebSocket.
type Envelope struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// PlayerMarker is a displayed player marker. Handle is assigned by the hub
// and stays stable until the matching player_remove.
type PlayerMarker struct {
	Handle uint64            `json:"handle"`
	Point  core.DisplayPoint `json:"point"`
}

// RemovePayload identifies a marker to take off the map.
type RemovePayload struct {
	Handle uint64 `json:"handle"`
}

// SyncPayload carries every marker currently on the map.
type SyncPayload struct {
	Markers []PlayerMarker `json:"markers"`
}

// StaticMarker is a configured marker in display space.
type StaticMarker struct {
	Method  string              `json:"method"`
	Points  []core.DisplayPoint `json:"points"`
	Radius  float64             `json:"radius,omitempty"`
	Tooltip string              `json:"tooltip,omitempty"`
	Style   map[string]any      `json:"style,omitempty"`
}

// WorldPayload is the first message a subscriber receives.
type WorldPayload struct {
	FolderName  string            `json:"folderName"`
	DisplayName string            `json:"displayName"`
	Center      core.DisplayPoint `json:"center"`
	Markers     []StaticMarker    `json:"markers"`
}

// VisibilityPayload reports whether the subscriber's page has focus.
type VisibilityPayload struct {
	Visible bool `json:"visible"`
}

// Marshal builds a JSON-encoded Envelope from a message type and payload.
// A nil payload produces an envelope without a payload field.
func Marshal(msgType string, payload any) ([]byte, error) {
	env := Envelope{Type: msgType}
	if payload != nil {
		raw, err := json.Marshal(payload)
		if err != nil {
			return nil, err
		}
		env.Payload = raw
	}
	return json.Marshal(env)
}
