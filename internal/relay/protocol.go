// Package relay shares one terminal's output with read-only viewers over
// websockets. A host opens a session and receives a share code; viewers join
// with the code, see the host's output and may send input back to the host.
package relay

import "encoding/json"

// MessageType is the type field of a relay message.
type MessageType string

// Host-bound messages.
const (
	TypeShareCode    MessageType = "share-code"
	TypeViewerJoined MessageType = "viewer-joined"
	TypeViewerLeft   MessageType = "viewer-left"
	TypeExpired      MessageType = "expired"
)

// Viewer-bound messages.
const (
	TypeConnected        MessageType = "connected"
	TypeOutput           MessageType = "output"
	TypeHostDisconnected MessageType = "host-disconnected"
)

// Viewer-to-host messages.
const (
	TypeInput  MessageType = "input"
	TypeResize MessageType = "resize"
)

// TypeError is sent to either side when a request is rejected.
const TypeError MessageType = "error"

// Message is the JSON envelope exchanged on relay sockets.
type Message struct {
	Type MessageType     `json:"type"`
	Data json.RawMessage `json:"data,omitempty"`
}

// CountData carries the current viewer count.
type CountData struct {
	Count int `json:"count"`
}

// CodeData carries the share code a viewer joined.
type CodeData struct {
	Code string `json:"code"`
}

// ResizeData carries a viewer's terminal size.
type ResizeData struct {
	Cols uint `json:"cols"`
	Rows uint `json:"rows"`
}

// NewMessage builds a message with data encoded as JSON.
func NewMessage(t MessageType, data any) Message {
	raw, err := json.Marshal(data)
	if err != nil {
		raw, _ = json.Marshal(err.Error())
		t = TypeError
	}
	return Message{Type: t, Data: raw}
}

// Text decodes a string payload. It returns "" for non-string data.
func (m Message) Text() string {
	var s string
	if err := json.Unmarshal(m.Data, &s); err != nil {
		return ""
	}
	return s
}
