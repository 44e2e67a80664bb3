package realtime

import (
	"encoding/json"
	"strings"
	"time"

	"github.com/coder/websocket"
)

// Frame types.
const (
	TypeAuth    = "auth"
	TypeReady   = "ready"
	TypePush    = "push"
	TypeRequest = "request"
)

// Push and request event names. Entity updates are named
// "<entity>.updated" and forced recomputations "<entity>.refresh".
const (
	EventStatus        = "status"
	EventError         = "error"
	EventHeartbeat     = "heartbeat"
	EventStatusRequest = "status.request"

	updatedSuffix = ".updated"
	refreshSuffix = ".refresh"
)

// CloseReauthenticate is the close code the server uses to ask the client to
// re-authenticate with a fresh token before reconnecting.
const CloseReauthenticate websocket.StatusCode = 4001

// Message is one JSON frame on the wire.
type Message struct {
	Type  string          `json:"type"`
	Event string          `json:"event,omitempty"`
	ID    string          `json:"id,omitempty"`
	Data  json.RawMessage `json:"data,omitempty"`
}

// AuthPayload is the data of the handshake frame.
type AuthPayload struct {
	Token        string `json:"token"`
	RefreshToken string `json:"refreshToken,omitempty"`
	AccountID    string `json:"accountId"`
}

// Category groups push events for subscribers.
type Category string

// Event categories.
const (
	CategoryUpdate    Category = "update"
	CategoryStatus    Category = "status"
	CategoryError     Category = "error"
	CategoryHeartbeat Category = "heartbeat"
)

// Event is a demultiplexed push message.
type Event struct {
	Category Category
	// Name is the raw event name, e.g. "dashboard.updated".
	Name string
	// Entity is set for CategoryUpdate events.
	Entity string
	// AccountID is the account the delivering connection was scoped to.
	AccountID string
	Data      json.RawMessage
	At        time.Time
}

// Decode unmarshals the event data into v.
func (e Event) Decode(v any) error {
	return json.Unmarshal(e.Data, v)
}

// UpdatedEvent returns the push event name for updates of entity.
func UpdatedEvent(entity string) string { return entity + updatedSuffix }

// RefreshEvent returns the request event name asking the server to
// recompute entity.
func RefreshEvent(entity string) string { return entity + refreshSuffix }

// categorize maps a push event name to its category.
func categorize(name string) (Category, string, bool) {
	switch {
	case strings.HasSuffix(name, updatedSuffix):
		return CategoryUpdate, strings.TrimSuffix(name, updatedSuffix), true
	case name == EventStatus:
		return CategoryStatus, "", true
	case name == EventError:
		return CategoryError, "", true
	case name == EventHeartbeat:
		return CategoryHeartbeat, "", true
	default:
		return "", "", false
	}
}

// Status is the connection state reported on the status stream.
type Status string

// Connection states.
const (
	StatusDisconnected Status = "disconnected"
	StatusConnecting   Status = "connecting"
	StatusConnected    Status = "connected"
	StatusError        Status = "error"
)
