package relaykit

import (
	"encoding/json"
	"time"

	"github.com/nats-io/nuid"
)

// NewID returns a new globally unique id (NUID). Used for session ids, lock
// ownership tokens and event ids.
func NewID() string { return nuid.Next() }

// Event is the wire envelope for every published message:
//
//	{"type": ..., "userId"?, "sessionId"?, "timestamp": ISO-8601, ...domain fields}
//
// Domain fields are flattened into the top-level document on encode and
// collected back into Data on decode. Consumers must tolerate unknown fields
// and missing optional fields; an Event is immutable once published.
type Event struct {
	ID        string
	Type      string
	UserID    string
	SessionID string
	Timestamp time.Time

	// Data holds the domain fields beyond the envelope.
	Data map[string]any
}

// NewEvent builds an Event with a fresh id and the current UTC timestamp.
func NewEvent(typ string) Event {
	return Event{
		ID:        NewID(),
		Type:      typ,
		Timestamp: time.Now().UTC(),
		Data:      map[string]any{},
	}
}

// reserved envelope keys; domain fields may not shadow them.
const (
	fieldID        = "id"
	fieldType      = "type"
	fieldUserID    = "userId"
	fieldSessionID = "sessionId"
	fieldTimestamp = "timestamp"
)

// Marshal encodes the event as a flat JSON document.
func (e Event) Marshal() ([]byte, error) {
	doc := make(map[string]any, len(e.Data)+5)
	for k, v := range e.Data {
		doc[k] = v
	}
	if e.ID != "" {
		doc[fieldID] = e.ID
	}
	doc[fieldType] = e.Type
	if e.UserID != "" {
		doc[fieldUserID] = e.UserID
	}
	if e.SessionID != "" {
		doc[fieldSessionID] = e.SessionID
	}
	ts := e.Timestamp
	if ts.IsZero() {
		ts = time.Now().UTC()
	}
	doc[fieldTimestamp] = ts.UTC().Format(time.RFC3339Nano)

	b, err := json.Marshal(doc)
	if err != nil {
		return nil, &SerializationError{Op: "encode", Key: e.Type, Err: err}
	}
	return b, nil
}

// DecodeEvent parses a flat JSON document back into an Event. Unknown fields
// land in Data; a missing or malformed timestamp decodes to the zero time
// rather than failing the whole event.
func DecodeEvent(payload []byte) (Event, error) {
	var doc map[string]any
	if err := json.Unmarshal(payload, &doc); err != nil {
		return Event{}, &SerializationError{Op: "decode", Key: "event", Err: err}
	}

	var e Event
	e.Data = make(map[string]any, len(doc))
	for k, v := range doc {
		switch k {
		case fieldID:
			e.ID, _ = v.(string)
		case fieldType:
			e.Type, _ = v.(string)
		case fieldUserID:
			e.UserID, _ = v.(string)
		case fieldSessionID:
			e.SessionID, _ = v.(string)
		case fieldTimestamp:
			if s, ok := v.(string); ok {
				if t, err := time.Parse(time.RFC3339Nano, s); err == nil {
					e.Timestamp = t
				}
			}
		default:
			e.Data[k] = v
		}
	}
	return e, nil
}
