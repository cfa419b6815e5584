package chat

import (
	"encoding/json"
	"fmt"
)

// Client to server events.
const (
	EventUserJoin       = "user_join"
	EventSendMessage    = "send_message"
	EventPrivateMessage = "private_message"
	EventTyping         = "typing"
)

// Server to client events. private_message is shared with the inbound name.
const (
	EventUserList       = "user_list"
	EventUserJoined     = "user_joined"
	EventUserLeft       = "user_left"
	EventReceiveMessage = "receive_message"
	EventTypingUsers    = "typing_users"
)

// Transport lifecycle events, raised locally by sessions.
const (
	EventConnect    = "connect"
	EventDisconnect = "disconnect"
)

// Envelope is the wire frame for every event in both directions.
type Envelope struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data,omitempty"`
}

// SendMessagePayload is the data of send_message.
type SendMessagePayload struct {
	Message string `json:"message"`
}

// PrivateMessagePayload is the data of an inbound private_message. To is the
// recipient username.
type PrivateMessagePayload struct {
	To      string `json:"to"`
	Message string `json:"message"`
}

// NewEnvelope encodes payload as the envelope data.
func NewEnvelope(event string, payload any) (Envelope, error) {
	env := Envelope{Event: event}
	if payload == nil {
		return env, nil
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return Envelope{}, fmt.Errorf("encoding %s payload: %w", event, err)
	}
	env.Data = data
	return env, nil
}

// EncodeEnvelope returns the JSON frame for event and payload.
func EncodeEnvelope(event string, payload any) ([]byte, error) {
	env, err := NewEnvelope(event, payload)
	if err != nil {
		return nil, err
	}
	return json.Marshal(env)
}

// Decode unmarshals the envelope data into v.
func (e Envelope) Decode(v any) error {
	if len(e.Data) == 0 {
		return fmt.Errorf("%s: empty payload", e.Event)
	}
	if err := json.Unmarshal(e.Data, v); err != nil {
		return fmt.Errorf("%s: decoding payload: %w", e.Event, err)
	}
	return nil
}
