package event

import (
	"encoding/json"
	"fmt"
)

// Envelope is the entry handed to the downstream event bus.
type Envelope struct {
	Source       string
	DetailType   string
	Detail       string // JSON text of the Event
	EventBusName string
}

var emptyPayload = json.RawMessage(`{}`)

// NewEnvelope wraps evt for delivery to busName. A message without a payload
// key is forwarded with an empty object; an explicit payload, null included,
// is forwarded unchanged.
func NewEnvelope(evt Event, busName string) (Envelope, error) {
	if evt.Payload == nil {
		evt.Payload = emptyPayload
	}
	detail, err := json.Marshal(evt)
	if err != nil {
		return Envelope{}, fmt.Errorf("marshal detail: %w", err)
	}
	return Envelope{
		Source:       SourceName,
		DetailType:   evt.Type(),
		Detail:       string(detail),
		EventBusName: busName,
	}, nil
}
