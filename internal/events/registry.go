package events

import (
	"bytes"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"path"
	"sort"
	"strings"

	jsonschema "github.com/santhosh-tekuri/jsonschema/v6"
)

const schemaBaseURL = "https://moots.local/schemas/"

//go:embed schemas/v1/*.json
var builtinSchemas embed.FS

var (
	errMissingPayload = errors.New("payload is required")
	errMissingEventID = errors.New("event id is required")
	errNameMismatch   = errors.New("payload does not match event name")
)

// Definition binds an event name to its JSON schema and typed decoder.
type Definition struct {
	Name   Name
	Schema []byte
	Decode func(json.RawMessage) (Payload, error)
}

type registryEntry struct {
	name   Name
	schema *jsonschema.Schema
	decode func(json.RawMessage) (Payload, error)
}

// Registry validates events against their versioned schemas before they reach the log.
type Registry struct {
	entries map[Name]registryEntry
}

// NewRegistry returns a registry preloaded with the v1 catalog.
func NewRegistry() (*Registry, error) {
	registry := &Registry{entries: make(map[Name]registryEntry)}
	for _, definition := range builtinDefinitions() {
		if err := registry.Register(definition); err != nil {
			return nil, err
		}
	}
	return registry, nil
}

func builtinDefinitions() []Definition {
	decoders := map[Name]func(json.RawMessage) (Payload, error){
		NameUserRegistered:       decodeAs[UserRegistered],
		NameUserProfileUpdated:   decodeAs[UserProfileUpdated],
		NameMovieSaved:           decodeAs[MovieSaved],
		NameListCreated:          decodeAs[ListCreated],
		NameListUpdated:          decodeAs[ListUpdated],
		NameListDeleted:          decodeAs[ListDeleted],
		NameMovieAddedToList:     decodeAs[MovieAddedToList],
		NameListMovieUpdated:     decodeAs[ListMovieUpdated],
		NameMovieRemovedFromList: decodeAs[MovieRemovedFromList],
		NameListReordered:        decodeAs[ListReordered],
		NameUserFollowed:         decodeAs[UserFollowed],
		NameUserUnfollowed:       decodeAs[UserUnfollowed],
		NameListLiked:            decodeAs[ListLiked],
		NameListUnliked:          decodeAs[ListUnliked],
		NameCommentAdded:         decodeAs[CommentAdded],
		NameCommentEdited:        decodeAs[CommentEdited],
		NameCommentDeleted:       decodeAs[CommentDeleted],
	}
	definitions := make([]Definition, 0, len(decoders))
	for name, decode := range decoders {
		version, kind, _ := strings.Cut(name.String(), ".")
		schema, err := builtinSchemas.ReadFile(path.Join("schemas", version, kind+".json"))
		if err != nil {
			// embedded at build time; a missing file is a programming error
			panic(fmt.Sprintf("events: missing schema for %s: %v", name, err))
		}
		definitions = append(definitions, Definition{Name: name, Schema: schema, Decode: decode})
	}
	sort.Slice(definitions, func(i, j int) bool { return definitions[i].Name < definitions[j].Name })
	return definitions
}

func decodeAs[T Payload](raw json.RawMessage) (Payload, error) {
	var payload T
	if err := json.Unmarshal(raw, &payload); err != nil {
		return nil, err
	}
	return payload, nil
}

// Register compiles and adds a definition. Names must be versioned and unique.
func (r *Registry) Register(definition Definition) error {
	version := definition.Name.Version()
	if version == "" {
		return fmt.Errorf("events: event name %q must carry a version prefix", definition.Name)
	}
	if definition.Decode == nil {
		return fmt.Errorf("events: decoder required for %s", definition.Name)
	}
	if _, exists := r.entries[definition.Name]; exists {
		return fmt.Errorf("events: %s already registered", definition.Name)
	}

	document, err := jsonschema.UnmarshalJSON(bytes.NewReader(definition.Schema))
	if err != nil {
		return fmt.Errorf("events: parse schema for %s: %w", definition.Name, err)
	}
	_, kind, _ := strings.Cut(definition.Name.String(), ".")
	location := schemaBaseURL + version + "/" + kind + ".json"

	compiler := jsonschema.NewCompiler()
	compiler.DefaultDraft(jsonschema.Draft2020)
	compiler.AssertFormat()
	if err := compiler.AddResource(location, document); err != nil {
		return fmt.Errorf("events: add schema for %s: %w", definition.Name, err)
	}
	schema, err := compiler.Compile(location)
	if err != nil {
		return fmt.Errorf("events: compile schema for %s: %w", definition.Name, err)
	}

	r.entries[definition.Name] = registryEntry{
		name:   definition.Name,
		schema: schema,
		decode: definition.Decode,
	}
	return nil
}

// Names returns the registered event names in sorted order.
func (r *Registry) Names() []Name {
	names := make([]Name, 0, len(r.entries))
	for name := range r.entries {
		names = append(names, name)
	}
	sort.Slice(names, func(i, j int) bool { return names[i] < names[j] })
	return names
}

// Encode validates a locally constructed event and returns its wire form.
func (r *Registry) Encode(event Event) (Envelope, error) {
	if event.Payload == nil {
		return Envelope{}, newSchemaError("", "missing_payload", errMissingPayload)
	}
	name := event.Payload.EventName()
	entry, ok := r.entries[name]
	if !ok {
		return Envelope{}, newSchemaError(name, "unknown_name", ErrUnknownEvent)
	}
	if strings.TrimSpace(event.ID) == "" {
		return Envelope{}, newSchemaError(name, "missing_id", errMissingEventID)
	}
	raw, err := json.Marshal(event.Payload)
	if err != nil {
		return Envelope{}, newSchemaError(name, "encode_failed", err)
	}
	if err := entry.check(raw); err != nil {
		return Envelope{}, err
	}
	if err := event.Payload.validate(); err != nil {
		return Envelope{}, newSchemaError(name, "payload_rejected", err)
	}
	return Envelope{
		ID:       event.ID,
		Name:     name,
		Origin:   event.Origin,
		Position: event.Position,
		Payload:  raw,
	}, nil
}

// Decode validates an envelope received from storage or the network.
func (r *Registry) Decode(envelope Envelope) (Event, error) {
	entry, ok := r.entries[envelope.Name]
	if !ok {
		return Event{}, newSchemaError(envelope.Name, "unknown_name", ErrUnknownEvent)
	}
	if strings.TrimSpace(envelope.ID) == "" {
		return Event{}, newSchemaError(envelope.Name, "missing_id", errMissingEventID)
	}
	if err := entry.check(envelope.Payload); err != nil {
		return Event{}, err
	}
	payload, err := entry.decode(envelope.Payload)
	if err != nil {
		return Event{}, newSchemaError(envelope.Name, "decode_failed", err)
	}
	if payload.EventName() != envelope.Name {
		return Event{}, newSchemaError(envelope.Name, "name_mismatch", errNameMismatch)
	}
	if err := payload.validate(); err != nil {
		return Event{}, newSchemaError(envelope.Name, "payload_rejected", err)
	}
	return Event{
		ID:       envelope.ID,
		Origin:   envelope.Origin,
		Position: envelope.Position,
		Payload:  payload,
	}, nil
}

func (entry registryEntry) check(raw json.RawMessage) error {
	if len(bytes.TrimSpace(raw)) == 0 {
		return newSchemaError(entry.name, "missing_payload", errMissingPayload)
	}
	instance, err := jsonschema.UnmarshalJSON(bytes.NewReader(raw))
	if err != nil {
		return newSchemaError(entry.name, "malformed_json", err)
	}
	if err := entry.schema.Validate(instance); err != nil {
		return newSchemaError(entry.name, "schema_violation", err)
	}
	return nil
}
