package websocket

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

type MessageType string

// Server to device.
const (
	TypeDevicePaired  MessageType = "device_paired"
	TypeDeviceRevoked MessageType = "device_revoked"
	TypePong          MessageType = "pong"
)

// Device to server. Devices only ever ping; everything else is pushed.
const TypePing MessageType = "ping"

var ErrUnsupportedMessage = errors.New("unsupported message type")

// Message is one event frame. ID lets a device drop an event it has already
// seen after reconnecting.
type Message struct {
	ID        string          `json:"id"`
	Type      MessageType     `json:"type"`
	Timestamp time.Time       `json:"timestamp"`
	Payload   json.RawMessage `json:"payload,omitempty"`
}

func NewMessage(msgType MessageType, payload interface{}) (*Message, error) {
	msg := &Message{
		ID:        uuid.NewString(),
		Type:      msgType,
		Timestamp: time.Now().UTC(),
	}
	if payload != nil {
		raw, err := json.Marshal(payload)
		if err != nil {
			return nil, fmt.Errorf("encoding %s payload: %w", msgType, err)
		}
		msg.Payload = raw
	}
	return msg, nil
}

// ParseMessage decodes a frame sent by a device.
func ParseMessage(raw []byte) (*Message, error) {
	var msg Message
	if err := json.Unmarshal(raw, &msg); err != nil {
		return nil, err
	}
	if msg.Type != TypePing {
		return nil, fmt.Errorf("%w: %q", ErrUnsupportedMessage, msg.Type)
	}
	return &msg, nil
}

func (m *Message) UnmarshalPayload(v interface{}) error {
	if len(m.Payload) == 0 {
		return nil
	}
	return json.Unmarshal(m.Payload, v)
}
