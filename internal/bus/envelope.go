package bus

import (
	"encoding/json"
	"fmt"
	"strconv"
	"time"
)

// Envelope field names. Every message on every stream carries exactly these
// three fields; the payload rides inside `data` as a JSON object.
const (
	fieldType      = "type"
	fieldTimestamp = "timestamp"
	fieldData      = "data"
)

// Event is a decoded stream message.
type Event struct {
	Type      string
	Timestamp int64 // producer clock, unix ms
	Data      json.RawMessage
}

// Fields encodes an event envelope for Append. The payload is marshalled to
// a JSON object in the data field; the timestamp is unix milliseconds.
func Fields(eventType string, ts time.Time, payload any) (map[string]any, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal %s payload: %w", eventType, err)
	}
	return map[string]any{
		fieldType:      eventType,
		fieldTimestamp: ts.UnixMilli(),
		fieldData:      string(data),
	}, nil
}

// Decode parses a raw message into an Event. A missing type or unparseable
// timestamp is a validation error; an absent data field decodes as an empty
// object so payload-less events remain legal.
func Decode(msg Message) (Event, error) {
	ev := Event{Type: msg.Fields[fieldType]}
	if ev.Type == "" {
		return Event{}, fmt.Errorf("message %s: missing type field", msg.ID)
	}

	if raw, ok := msg.Fields[fieldTimestamp]; ok {
		ts, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			return Event{}, fmt.Errorf("message %s: bad timestamp %q: %w", msg.ID, raw, err)
		}
		ev.Timestamp = ts
	}

	data := msg.Fields[fieldData]
	if data == "" {
		data = "{}"
	}
	ev.Data = json.RawMessage(data)
	return ev, nil
}
