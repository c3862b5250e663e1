/*
Package fanout contains the real-time event envelope and the Fanout Bus: a publish/subscribe
channel keyed by room code that carries events to every process serving connections of a room.

Three Bus implementations exist: MemoryBus for a single process, RedisBus over Redis
PUBLISH/PSUBSCRIBE on "messages:{code}", and NATSBus over the subjects "messages.{code}".
*/
package fanout

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// EventType tags the envelope variant.
type EventType string

const (
	TypeUserJoined  EventType = "user-joined"
	TypeUserLeft    EventType = "user-left"
	TypeUserTyping  EventType = "user-typing"
	TypeNewMessage  EventType = "new-message"
	TypeError       EventType = "error"
	TypeRoomState   EventType = "room-state"
	TypeRoomUpdated EventType = "room-updated"
	TypeRoomClosed  EventType = "room-closed"
	TypeSession     EventType = "session"
)

// ErrUnavailable is returned when the bus could not publish after retries.
var ErrUnavailable = errors.New("fanout: bus unavailable")

// Event is the envelope published on the bus and written to connections.
type Event struct {
	Type      EventType       `json:"type"`
	RoomCode  string          `json:"roomCode,omitempty"`
	Payload   json.RawMessage `json:"payload,omitempty"`
	Timestamp int64           `json:"timestamp"`

	// Exclude names a connection that must not receive the event. It never reaches clients.
	Exclude string `json:"exclude,omitempty"`
}

// NewEvent marshals payload into an envelope stamped with the current time in Unix milliseconds.
func NewEvent(t EventType, roomCode string, payload any) (Event, error) {
	evt := Event{
		Type:      t,
		RoomCode:  roomCode,
		Timestamp: time.Now().UnixMilli(),
	}
	if payload != nil {
		raw, err := json.Marshal(payload)
		if err != nil {
			return Event{}, fmt.Errorf("marshal %s payload: %w", t, err)
		}
		evt.Payload = raw
	}
	return evt, nil
}

// Frame encodes the event for a client connection, without bus-only fields.
func (e Event) Frame() ([]byte, error) {
	e.Exclude = ""
	return json.Marshal(e)
}

// Decode parses an event received from the bus.
func Decode(data []byte) (Event, error) {
	var evt Event
	if err := json.Unmarshal(data, &evt); err != nil {
		return Event{}, fmt.Errorf("decode event: %w", err)
	}
	return evt, nil
}

func (e Event) marshalBus() ([]byte, error) {
	data, err := json.Marshal(e)
	if err != nil {
		return nil, fmt.Errorf("encode event: %w", err)
	}
	return data, nil
}
