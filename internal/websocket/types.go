// Package websocket pushes build notifications to connected browsers.
package websocket

import "github.com/coder/websocket"

// Notification types.
const (
	TypeUpdate = "update"
	TypeError  = "error"
)

// Notification is the JSON message sent to clients after each rebuild.
type Notification struct {
	Type    string   `json:"type"`
	Chunks  []string `json:"chunks,omitempty"`
	Message string   `json:"message,omitempty"`
}

// Update announces the chunks changed by a successful rebuild.
func Update(chunks []string) Notification {
	return Notification{Type: TypeUpdate, Chunks: chunks}
}

// Error announces a failed rebuild.
func Error(message string) Notification {
	return Notification{Type: TypeError, Message: message}
}

// Client represents a WebSocket client connection
type Client struct {
	conn       *websocket.Conn
	send       chan []byte
	remoteAddr string
}
