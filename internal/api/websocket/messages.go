package websocket

import (
	"time"

	"github.com/KevinKickass/OpenLabCore/internal/events"
)

// MessageType defines the type of WebSocket message
type MessageType string

const (
	// Device session events
	MessageTypeDeviceEvent MessageType = "device_event"

	// System messages
	MessageTypeSystemStatus MessageType = "system_status"

	// Replies to client requests
	MessageTypeAuthSuccess MessageType = "auth_success"
	MessageTypeAuthFailed  MessageType = "auth_failed"
	MessageTypeSubscribed  MessageType = "subscribed"
	MessageTypeError       MessageType = "error"
)

// Message represents a WebSocket message
type Message struct {
	Type      MessageType `json:"type"`
	Timestamp time.Time   `json:"timestamp"`
	Data      interface{} `json:"data,omitempty"`

	// device the message concerns, used for subscription filtering
	device string
}

// ClientMessage is what a browser sends to the hub.
type ClientMessage struct {
	Type    string   `json:"type"`
	Token   string   `json:"token,omitempty"`
	Devices []string `json:"devices,omitempty"`
}

// NewMessage creates a new message with current timestamp
func NewMessage(msgType MessageType, data interface{}) Message {
	return Message{
		Type:      msgType,
		Timestamp: time.Now(),
		Data:      data,
	}
}

func NewDeviceEventMessage(ev events.Event) Message {
	msg := NewMessage(MessageTypeDeviceEvent, ev)
	msg.Timestamp = ev.Time
	msg.device = ev.DeviceID
	return msg
}

func NewSystemStatusMessage(status any) Message {
	return NewMessage(MessageTypeSystemStatus, status)
}
