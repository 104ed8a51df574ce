// Package materialize maps validated events onto row mutations of the relational state.
// Rules are pure: they read nothing and return the ordered mutations one event produces.
package materialize

import (
	"fmt"
	"time"

	"github.com/tigawanna/moots-sub000/internal/events"
	"github.com/tigawanna/moots-sub000/internal/state"
)

// Plan returns the mutations for payload, in application order.
func Plan(payload events.Payload) ([]state.Mutation, error) {
	switch p := payload.(type) {
	case events.UserRegistered:
		return userRegistered(p), nil
	case events.UserProfileUpdated:
		return userProfileUpdated(p), nil
	case events.MovieSaved:
		return movieSaved(p), nil
	case events.ListCreated:
		return listCreated(p), nil
	case events.ListUpdated:
		return listUpdated(p), nil
	case events.ListDeleted:
		return listDeleted(p), nil
	case events.MovieAddedToList:
		return movieAddedToList(p), nil
	case events.ListMovieUpdated:
		return listMovieUpdated(p), nil
	case events.MovieRemovedFromList:
		return movieRemovedFromList(p), nil
	case events.ListReordered:
		return listReordered(p), nil
	case events.UserFollowed:
		return userFollowed(p), nil
	case events.UserUnfollowed:
		return userUnfollowed(p), nil
	case events.ListLiked:
		return listLiked(p), nil
	case events.ListUnliked:
		return listUnliked(p), nil
	case events.CommentAdded:
		return commentAdded(p), nil
	case events.CommentEdited:
		return commentEdited(p), nil
	case events.CommentDeleted:
		return commentDeleted(p), nil
	case nil:
		return nil, fmt.Errorf("materialize: %w: missing payload", events.ErrInvalidEvent)
	default:
		return nil, fmt.Errorf("materialize: %w: no rule for %s", events.ErrUnknownEvent, payload.EventName())
	}
}

func utc(instant time.Time) time.Time {
	return instant.UTC()
}

func where(sql string, args ...any) state.Condition {
	return state.Condition{SQL: sql, Args: args}
}

func liveByID(id string) state.Condition {
	return where("id = ? AND "+state.LiveOn(""), id)
}

func recount(table, column, value string) state.Expression {
	return state.Expression{
		SQL:  "(SELECT COUNT(*) FROM " + table + " WHERE " + column + " = ? AND " + state.LiveOn("") + ")",
		Args: []any{value},
	}
}

// inheritListTombstone tombstones a freshly inserted child when its list is already deleted.
func inheritListTombstone(table, childID, listID string) state.Mutation {
	return state.UpdateByFilter(table,
		where("id = ? AND "+state.LiveOn("")+" AND EXISTS (SELECT 1 FROM movie_lists WHERE id = ? AND deleted_at IS NOT NULL)", childID, listID),
		map[string]any{"deleted_at": state.Expression{SQL: "(SELECT deleted_at FROM movie_lists WHERE id = ?)", Args: []any{listID}}},
	)
}

// adjustListCounter moves a counter of a live list, provided the child row is itself live.
func adjustListCounter(column, listID, childTable, childID string, delta int64) state.Mutation {
	return state.UpdateByFilter(state.TableLists,
		where("id = ? AND "+state.LiveOn("")+" AND EXISTS (SELECT 1 FROM "+childTable+" WHERE id = ? AND "+state.LiveOn("")+")", listID, childID),
		map[string]any{column: state.Adjust{Delta: delta}},
	)
}

// adjustParentListCounter decrements the counter of the live list that owns childID.
func adjustParentListCounter(column, childTable, childID string, perAffected bool) state.Mutation {
	return state.UpdateByFilter(state.TableLists,
		where("id = (SELECT list_id FROM "+childTable+" WHERE id = ?) AND "+state.LiveOn(""), childID),
		map[string]any{column: state.Adjust{Delta: -1, PerAffected: perAffected}},
	)
}

// guardLive skips an insert while another live row already pairs the same values.
func guardLive(table string, columns []string, values ...any) *state.Condition {
	sql := "SELECT 1 FROM " + table + " WHERE " + state.LiveOn("")
	for _, column := range columns {
		sql += " AND " + column + " = ?"
	}
	return &state.Condition{SQL: sql, Args: values}
}
