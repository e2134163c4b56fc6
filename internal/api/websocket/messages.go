package websocket

import (
	"time"

	"github.com/mwilco03/Water-Controller-sub004/internal/events"
)

// MessageType defines the type of WebSocket message
type MessageType string

const (
	// Bus events, one message type per event kind
	MessageTypeStateChanged     MessageType = MessageType(events.KindStateChanged)
	MessageTypeConnected        MessageType = MessageType(events.KindConnected)
	MessageTypeDiscovered       MessageType = MessageType(events.KindDiscovered)
	MessageTypeConflict         MessageType = MessageType(events.KindConflict)
	MessageTypeSyncComplete     MessageType = MessageType(events.KindSyncComplete)
	MessageTypeFailover         MessageType = MessageType(events.KindFailover)
	MessageTypeFailoverRestored MessageType = MessageType(events.KindFailoverRestored)
	MessageTypeFailoverRejected MessageType = MessageType(events.KindFailoverRejected)

	// Session messages
	MessageTypeSubscribed MessageType = "subscribed"
	MessageTypeError      MessageType = "error"
)

// Message represents a WebSocket message
type Message struct {
	Type      MessageType `json:"type"`
	Station   string      `json:"station,omitempty"`
	Timestamp time.Time   `json:"timestamp"`
	Data      any         `json:"data,omitempty"`
}

// NewMessage creates a new message with current timestamp
func NewMessage(msgType MessageType, data any) Message {
	return Message{
		Type:      msgType,
		Timestamp: time.Now(),
		Data:      data,
	}
}

// FromEvent converts a bus event, keeping its timestamp.
func FromEvent(ev events.Event) Message {
	return Message{
		Type:      MessageType(ev.Kind),
		Station:   ev.Station,
		Timestamp: ev.Timestamp,
		Data:      ev.Data,
	}
}

// clientCommand is what displays may send after connecting.
//
//	{"type": "subscribe", "stations": ["rtu-1", "rtu-2"]}
//
// An empty station list subscribes to everything.
type clientCommand struct {
	Type     string   `json:"type"`
	Stations []string `json:"stations"`
}
