// Package session holds per-session UI documents. They live in process memory only: they are
// never appended to the event log and never leave the device.
package session

import (
	"errors"
	"maps"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/tigawanna/moots-sub000/internal/events"
)

// ErrMissingSessionID reports an empty session id.
var ErrMissingSessionID = errors.New("session: id is required")

// Document is the transient interaction state of one session.
type Document struct {
	SearchText     string            `json:"searchText"`
	SelectedGenres []string          `json:"selectedGenres"`
	Filters        map[string]string `json:"filters"`
	UpdatedAt      time.Time         `json:"updatedAt"`
}

func (d Document) clone() Document {
	d.SelectedGenres = slices.Clone(d.SelectedGenres)
	d.Filters = maps.Clone(d.Filters)
	return d
}

// Store keeps the current document of every session. Writes are last-write-wins.
type Store struct {
	mu         sync.RWMutex
	documents  map[string]Document
	clock      func() time.Time
	idProvider events.IDProvider
}

// NewStore returns an empty store. Nil collaborators fall back to time.Now and UUIDv7 ids.
func NewStore(clock func() time.Time, idProvider events.IDProvider) *Store {
	if clock == nil {
		clock = time.Now
	}
	if idProvider == nil {
		idProvider = events.NewUUIDProvider()
	}
	return &Store{documents: make(map[string]Document), clock: clock, idProvider: idProvider}
}

// NewID issues an identifier for a new session.
func (s *Store) NewID() (string, error) {
	return s.idProvider.NewID()
}

// Get returns the current document of id.
func (s *Store) Get(id string) (Document, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	document, ok := s.documents[id]
	if !ok {
		return Document{}, false
	}
	return document.clone(), true
}

// Set replaces the document of id and returns the stored value.
func (s *Store) Set(id string, document Document) (Document, error) {
	if strings.TrimSpace(id) == "" {
		return Document{}, ErrMissingSessionID
	}
	document = document.clone()
	document.UpdatedAt = s.clock().UTC()

	s.mu.Lock()
	defer s.mu.Unlock()
	s.documents[id] = document
	return document.clone(), nil
}

// Update applies fn to the current document of id, or to an empty one, atomically.
func (s *Store) Update(id string, fn func(Document) Document) (Document, error) {
	if strings.TrimSpace(id) == "" {
		return Document{}, ErrMissingSessionID
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	next := fn(s.documents[id].clone())
	next.UpdatedAt = s.clock().UTC()
	s.documents[id] = next.clone()
	return next, nil
}

// Delete drops the document of id.
func (s *Store) Delete(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.documents, id)
}

// Prune drops documents not written since cutoff and returns how many were removed.
func (s *Store) Prune(cutoff time.Time) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	removed := 0
	for id, document := range s.documents {
		if document.UpdatedAt.Before(cutoff) {
			delete(s.documents, id)
			removed++
		}
	}
	return removed
}
