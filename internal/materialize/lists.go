package materialize

import (
	"github.com/tigawanna/moots-sub000/internal/events"
	"github.com/tigawanna/moots-sub000/internal/state"
)

func listCreated(p events.ListCreated) []state.Mutation {
	createdAt := utc(p.CreatedAt)
	list := &state.MovieList{
		ID:          p.ID,
		UserID:      p.UserID,
		Name:        p.Name,
		Description: p.Description,
		IsPublic:    p.IsPublic,
		Category:    p.Category,
		CreatedAt:   createdAt,
		UpdatedAt:   createdAt,
	}
	return []state.Mutation{state.Insert(list,
		state.UpdateByKey(state.TableUsers, p.UserID, map[string]any{"lists_count": state.Adjust{Delta: 1}}),
		// children delivered ahead of their list are counted once it exists
		state.UpdateByKey(state.TableLists, p.ID, map[string]any{
			"likes_count":    recount(state.TableLikes, "list_id", p.ID),
			"comments_count": recount(state.TableComments, "list_id", p.ID),
			"movie_count":    recount(state.TableMemberships, "list_id", p.ID),
		}),
	)}
}

func listUpdated(p events.ListUpdated) []state.Mutation {
	set := map[string]any{"updated_at": utc(p.UpdatedAt)}
	if p.Name != nil {
		set["name"] = *p.Name
	}
	if p.Description != nil {
		set["description"] = *p.Description
	}
	if p.IsPublic != nil {
		set["is_public"] = *p.IsPublic
	}
	if p.Category != nil {
		set["category"] = *p.Category
	}
	return []state.Mutation{state.UpdateByFilter(state.TableLists, liveByID(p.ID), set)}
}

func listDeleted(p events.ListDeleted) []state.Mutation {
	deletedAt := utc(p.DeletedAt)
	children := where("list_id = ? AND "+state.LiveOn(""), p.ID)
	return []state.Mutation{state.UpdateByFilter(state.TableLists, liveByID(p.ID),
		map[string]any{
			"deleted_at":     deletedAt,
			"updated_at":     deletedAt,
			"likes_count":    0,
			"comments_count": 0,
			"movie_count":    0,
		},
		state.UpdateByFilter(state.TableMemberships, children, map[string]any{"deleted_at": deletedAt, "updated_at": deletedAt}),
		state.UpdateByFilter(state.TableLikes, children, map[string]any{"deleted_at": deletedAt}),
		state.UpdateByFilter(state.TableComments, children, map[string]any{"deleted_at": deletedAt, "updated_at": deletedAt}),
		state.UpdateByFilter(state.TableUsers,
			where("id = (SELECT user_id FROM movie_lists WHERE id = ?)", p.ID),
			map[string]any{"lists_count": state.Adjust{Delta: -1}}),
	)}
}

func movieAddedToList(p events.MovieAddedToList) []state.Mutation {
	addedAt := utc(p.AddedAt)
	membership := state.Insert(&state.ListMembership{
		ID:             p.ID,
		ListID:         p.ListID,
		MovieID:        p.MovieID,
		UserID:         p.UserID,
		PersonalRating: p.PersonalRating,
		Notes:          p.Notes,
		Position:       p.Position,
		AddedAt:        addedAt,
		UpdatedAt:      addedAt,
	},
		inheritListTombstone(state.TableMemberships, p.ID, p.ListID),
		adjustListCounter("movie_count", p.ListID, state.TableMemberships, p.ID, 1),
	)
	membership.Guard = guardLive(state.TableMemberships, []string{"list_id", "movie_id"}, p.ListID, p.MovieID)
	return []state.Mutation{membership}
}

func listMovieUpdated(p events.ListMovieUpdated) []state.Mutation {
	set := map[string]any{"updated_at": utc(p.UpdatedAt)}
	if p.PersonalRating != nil {
		set["personal_rating"] = *p.PersonalRating
	}
	if p.Notes != nil {
		set["notes"] = *p.Notes
	}
	return []state.Mutation{state.UpdateByFilter(state.TableMemberships, liveByID(p.ID), set)}
}

func movieRemovedFromList(p events.MovieRemovedFromList) []state.Mutation {
	removedAt := utc(p.RemovedAt)
	return []state.Mutation{state.UpdateByFilter(state.TableMemberships, liveByID(p.ID),
		map[string]any{"deleted_at": removedAt, "updated_at": removedAt},
		adjustParentListCounter("movie_count", state.TableMemberships, p.ID, false),
	)}
}

func listReordered(p events.ListReordered) []state.Mutation {
	reorderedAt := utc(p.ReorderedAt)
	mutations := make([]state.Mutation, 0, len(p.Items))
	for _, item := range p.Items {
		mutations = append(mutations, state.UpdateByFilter(state.TableMemberships,
			where("id = ? AND list_id = ? AND "+state.LiveOn(""), item.MemberID, p.ListID),
			map[string]any{"position": item.Position, "updated_at": reorderedAt},
		))
	}
	return mutations
}
