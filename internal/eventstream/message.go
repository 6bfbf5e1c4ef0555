package eventstream

import (
	"encoding/json"
	"fmt"
)

// Event names carried in the "event" field of stream messages.
const (
	EventIncoming = "incoming"
	EventCancel   = "cancel"
	EventPresence = "presence"
	EventRoster   = "roster"
	EventReject   = "reject"
)

// Message is one JSON object received on the stream.
type Message struct {
	Event string `json:"event"`

	// Incoming call fields.
	From          string            `json:"from,omitempty"`
	CallSID       string            `json:"callsid,omitempty"`
	RejectChannel string            `json:"reject_channel,omitempty"`
	Params        map[string]string `json:"params,omitempty"`

	// Presence fields.
	Name      string          `json:"name,omitempty"`
	Available bool            `json:"available,omitempty"`
	Roster    []PresenceEntry `json:"roster,omitempty"`

	Raw json.RawMessage `json:"-"`
}

// PresenceEntry is one client in a roster message.
type PresenceEntry struct {
	Name      string `json:"name"`
	Available bool   `json:"available"`
}

// ParseMessage decodes a stream message. Only JSON objects are accepted.
func ParseMessage(raw json.RawMessage) (Message, error) {
	var m Message
	if err := json.Unmarshal(raw, &m); err != nil {
		return Message{}, fmt.Errorf("decoding stream message: %w", err)
	}
	m.Raw = raw
	return m, nil
}

// PresencePayload is published on the presence subchannel.
func PresencePayload(name string, available bool) ([]byte, error) {
	return json.Marshal(PresenceEntry{Name: name, Available: available})
}

// RejectPayload is published on an incoming call's reject channel.
func RejectPayload(callSID string) ([]byte, error) {
	return json.Marshal(Message{Event: EventReject, CallSID: callSID})
}
