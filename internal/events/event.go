package events

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrInvalidEvent marks every event rejected at the log boundary.
	ErrInvalidEvent = errors.New("events: invalid event")
	// ErrUnknownEvent indicates that no schema is registered for an event name.
	ErrUnknownEvent = errors.New("events: unknown event name")
)

// Name is a versioned event name such as "v1.ListCreated".
type Name string

// Version returns the schema version prefix of the name, or "" when the name is unversioned.
func (name Name) Version() string {
	prefix, _, found := strings.Cut(string(name), ".")
	if !found || len(prefix) < 2 || prefix[0] != 'v' {
		return ""
	}
	for _, r := range prefix[1:] {
		if r < '0' || r > '9' {
			return ""
		}
	}
	return prefix
}

// String returns the raw event name.
func (name Name) String() string {
	return string(name)
}

// Payload is implemented only by the typed payloads of this package. The unexported method
// keeps the set closed so materializers can switch over it.
type Payload interface {
	EventName() Name
	validate() error
}

// Event is one immutable domain fact. Position is zero until the event log assigns one.
type Event struct {
	ID       string
	Origin   string
	Position int64
	Payload  Payload
}

// Name returns the name of the wrapped payload.
func (event Event) Name() Name {
	if event.Payload == nil {
		return ""
	}
	return event.Payload.EventName()
}

// Envelope is the wire and storage form of an event.
type Envelope struct {
	ID       string          `json:"id"`
	Name     Name            `json:"name"`
	Origin   string          `json:"origin,omitempty"`
	Position int64           `json:"position,omitempty"`
	Payload  json.RawMessage `json:"payload"`
}

// SchemaError describes why an event was rejected by the registry.
type SchemaError struct {
	Name   Name
	Reason string
	Err    error
}

func (e *SchemaError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("%s: %s: %s", ErrInvalidEvent, e.Name, e.Reason)
	}
	return fmt.Sprintf("%s: %s: %s: %v", ErrInvalidEvent, e.Name, e.Reason, e.Err)
}

// Unwrap exposes both the invalid-event sentinel and the underlying cause.
func (e *SchemaError) Unwrap() []error {
	if e.Err == nil {
		return []error{ErrInvalidEvent}
	}
	return []error{ErrInvalidEvent, e.Err}
}

func newSchemaError(name Name, reason string, cause error) error {
	return &SchemaError{Name: name, Reason: reason, Err: cause}
}
