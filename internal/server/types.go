// Package server defines the relayed message type and utility helpers that
// are reused across connection, relay and listener logic.
package server

import (
	"strings"

	"github.com/gorilla/websocket"
)

// Message is one opaque payload relayed between clients. The payload is never
// parsed; Type is the WebSocket frame type it arrived with and is preserved on
// delivery.
type Message struct {
	SenderID string
	Type     int
	Payload  []byte
}

// NewTextMessage returns a text frame message from the given sender.
func NewTextMessage(senderID string, payload []byte) Message {
	return Message{SenderID: senderID, Type: websocket.TextMessage, Payload: payload}
}

// NewBinaryMessage returns a binary frame message from the given sender.
func NewBinaryMessage(senderID string, payload []byte) Message {
	return Message{SenderID: senderID, Type: websocket.BinaryMessage, Payload: payload}
}

func isDataFrame(messageType int) bool {
	return messageType == websocket.TextMessage || messageType == websocket.BinaryMessage
}

// isExpectedCloseError checks if an error is expected during connection closure.
func isExpectedCloseError(err error) bool {
	if err == nil {
		return true
	}
	errStr := err.Error()
	return strings.Contains(errStr, "use of closed network connection") ||
		strings.Contains(errStr, "websocket: close sent") ||
		strings.Contains(errStr, "broken pipe") ||
		strings.Contains(errStr, "connection reset by peer")
}
