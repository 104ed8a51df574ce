package engine

import (
	"time"

	"github.com/tigawanna/moots-sub000/internal/events"
)

// Fixed identifiers keep the default seed idempotent across devices.
const (
	GuestUserID      = "00000000-0000-7000-8000-000000000001"
	GuestWatchlistID = "00000000-0000-7000-8000-000000000002"

	guestRegisteredEventID = "00000000-0000-7000-8000-0000000000e1"
	guestWatchlistEventID  = "00000000-0000-7000-8000-0000000000e2"
)

// DefaultSeed returns the events that give a fresh device a guest user and an empty watchlist.
func DefaultSeed(at time.Time) []events.Event {
	at = at.UTC()
	isPublic := false
	return []events.Event{
		{
			ID: guestRegisteredEventID,
			Payload: events.UserRegistered{
				ID:           GuestUserID,
				Username:     "guest",
				Email:        "guest@moots.local",
				DisplayName:  "Guest",
				IsPublic:     &isPublic,
				RegisteredAt: at,
			},
		},
		{
			ID: guestWatchlistEventID,
			Payload: events.ListCreated{
				ID:          GuestWatchlistID,
				UserID:      GuestUserID,
				Name:        "Watchlist",
				Description: "Movies to watch next",
				Category:    "watchlist",
				CreatedAt:   at,
			},
		},
	}
}
