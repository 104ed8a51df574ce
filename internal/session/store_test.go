package session

import (
	"errors"
	"sync"
	"testing"
	"time"
)

type fixedIDs struct{}

func (fixedIDs) NewID() (string, error) {
	return "session-1", nil
}

func TestSetIsLastWriteWins(testContext *testing.T) {
	now := time.Date(2026, 6, 1, 10, 0, 0, 0, time.UTC)
	store := NewStore(func() time.Time { return now }, fixedIDs{})

	if _, err := store.Set("s1", Document{SearchText: "heat"}); err != nil {
		testContext.Fatalf("set failed: %v", err)
	}
	now = now.Add(time.Minute)
	if _, err := store.Set("s1", Document{SearchText: "alien", SelectedGenres: []string{"Horror"}}); err != nil {
		testContext.Fatalf("set failed: %v", err)
	}

	document, ok := store.Get("s1")
	if !ok {
		testContext.Fatalf("expected document")
	}
	if document.SearchText != "alien" || len(document.SelectedGenres) != 1 || !document.UpdatedAt.Equal(now) {
		testContext.Fatalf("unexpected document: %+v", document)
	}
}

func TestDocumentsAreCopiedInAndOut(testContext *testing.T) {
	store := NewStore(nil, nil)
	filters := map[string]string{"sort": "rating"}
	if _, err := store.Set("s1", Document{Filters: filters}); err != nil {
		testContext.Fatalf("set failed: %v", err)
	}
	filters["sort"] = "title"

	document, _ := store.Get("s1")
	if document.Filters["sort"] != "rating" {
		testContext.Fatalf("expected stored filters to be isolated from the caller")
	}
	document.Filters["sort"] = "year"
	again, _ := store.Get("s1")
	if again.Filters["sort"] != "rating" {
		testContext.Fatalf("expected returned filters to be isolated from the store")
	}
}

func TestUpdateIsAtomic(testContext *testing.T) {
	store := NewStore(nil, nil)
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, _ = store.Update("s1", func(document Document) Document {
				document.SelectedGenres = append(document.SelectedGenres, "x")
				return document
			})
		}()
	}
	wg.Wait()
	document, _ := store.Get("s1")
	if len(document.SelectedGenres) != 50 {
		testContext.Fatalf("expected 50 updates to land, got %d", len(document.SelectedGenres))
	}
}

func TestDeletePruneAndValidation(testContext *testing.T) {
	now := time.Date(2026, 6, 1, 10, 0, 0, 0, time.UTC)
	store := NewStore(func() time.Time { return now }, fixedIDs{})
	if _, err := store.Set(" ", Document{}); !errors.Is(err, ErrMissingSessionID) {
		testContext.Fatalf("expected ErrMissingSessionID, got %v", err)
	}
	if _, err := store.Update("", func(d Document) Document { return d }); !errors.Is(err, ErrMissingSessionID) {
		testContext.Fatalf("expected ErrMissingSessionID, got %v", err)
	}

	_, _ = store.Set("old", Document{})
	now = now.Add(time.Hour)
	_, _ = store.Set("fresh", Document{})
	if removed := store.Prune(now.Add(-time.Minute)); removed != 1 {
		testContext.Fatalf("expected one pruned document, got %d", removed)
	}
	store.Delete("fresh")
	if _, ok := store.Get("fresh"); ok {
		testContext.Fatalf("expected document to be deleted")
	}
	id, err := store.NewID()
	if err != nil || id != "session-1" {
		testContext.Fatalf("unexpected id %q (%v)", id, err)
	}
}
