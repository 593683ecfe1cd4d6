package event

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"
)

// SourceName is the fixed source identifier stamped on every outbound envelope.
const SourceName = "event-router-service"

// Event is a game event decoded from a topic message. Every field keeps the
// JSON text it arrived with so the forwarded detail matches the producer's
// values, whatever their type.
type Event struct {
	EventType json.RawMessage `json:"eventType"`
	PlayerID  json.RawMessage `json:"playerId"`
	Timestamp json.RawMessage `json:"timestamp"`
	Payload   json.RawMessage `json:"payload"` // nil when the message had no payload key
}

// Type returns eventType as text. Strings are unquoted; other values are
// returned as their JSON text.
func (e Event) Type() string { return text(e.EventType) }

// Player returns playerId as text.
func (e Event) Player() string { return text(e.PlayerID) }

// Time returns timestamp as text.
func (e Event) Time() string { return text(e.Timestamp) }

// DecodeError reports a message that is not JSON or not a JSON object.
type DecodeError struct {
	Err error
}

func (e *DecodeError) Error() string { return "decode message: " + e.Err.Error() }
func (e *DecodeError) Unwrap() error { return e.Err }

// ValidationError reports a decoded message that lacks required fields.
type ValidationError struct {
	Missing []string
}

func (e *ValidationError) Error() string {
	return "missing required fields: " + strings.Join(e.Missing, ", ")
}

var requiredFields = []string{"eventType", "playerId", "timestamp"}

// Decode parses a raw topic message into an Event.
//
// Messages whose JSON value is itself a string are decoded a second time, so a
// producer that serialized the event before publishing it as text is accepted.
// eventType, playerId and timestamp must be present and truthy: null, false,
// zero, "", [] and {} all count as missing.
func Decode(raw []byte) (Event, error) {
	v, err := unmarshal(raw)
	if err != nil {
		return Event{}, &DecodeError{Err: err}
	}

	data := raw
	if s, ok := v.(string); ok {
		inner, err := unmarshal([]byte(s))
		if err != nil {
			return Event{}, &ValidationError{Missing: requiredFields}
		}
		v, data = inner, []byte(s)
	}

	if _, ok := v.(map[string]any); !ok {
		return Event{}, &DecodeError{Err: fmt.Errorf("expected JSON object, got %s", kindOf(v))}
	}

	// Re-read as raw fields so values keep their original text and key order.
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(data, &fields); err != nil {
		return Event{}, &DecodeError{Err: err}
	}

	var missing []string
	for _, key := range requiredFields {
		ok, err := truthy(fields[key])
		if err != nil {
			return Event{}, &DecodeError{Err: fmt.Errorf("%s: %w", key, err)}
		}
		if !ok {
			missing = append(missing, key)
		}
	}
	if len(missing) > 0 {
		return Event{}, &ValidationError{Missing: missing}
	}

	return Event{
		EventType: fields["eventType"],
		PlayerID:  fields["playerId"],
		Timestamp: fields["timestamp"],
		Payload:   fields["payload"],
	}, nil
}

func unmarshal(data []byte) (any, error) {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	var v any
	if err := dec.Decode(&v); err != nil {
		return nil, err
	}
	if _, err := dec.Token(); !errors.Is(err, io.EOF) {
		return nil, errors.New("unexpected data after JSON value")
	}
	return v, nil
}

// truthy reports whether raw holds a value that is not null, false, zero,
// or an empty string, array or object. An absent field is not truthy.
func truthy(raw json.RawMessage) (bool, error) {
	if len(raw) == 0 {
		return false, nil
	}
	v, err := unmarshal(raw)
	if err != nil {
		return false, err
	}
	switch x := v.(type) {
	case nil:
		return false, nil
	case bool:
		return x, nil
	case string:
		return x != "", nil
	case json.Number:
		f, err := strconv.ParseFloat(x.String(), 64)
		return err != nil || f != 0, nil
	case []any:
		return len(x) > 0, nil
	case map[string]any:
		return len(x) > 0, nil
	}
	return true, nil
}

func text(raw json.RawMessage) string {
	if len(raw) == 0 {
		return ""
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}
	return string(raw)
}

func kindOf(v any) string {
	switch v.(type) {
	case nil:
		return "null"
	case string:
		return "string"
	case bool:
		return "boolean"
	case json.Number:
		return "number"
	case []any:
		return "array"
	case map[string]any:
		return "object"
	default:
		return fmt.Sprintf("%T", v)
	}
}
