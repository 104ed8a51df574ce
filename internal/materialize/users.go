package materialize

import (
	"github.com/tigawanna/moots-sub000/internal/events"
	"github.com/tigawanna/moots-sub000/internal/state"
)

func userRegistered(p events.UserRegistered) []state.Mutation {
	isPublic := true
	if p.IsPublic != nil {
		isPublic = *p.IsPublic
	}
	registeredAt := utc(p.RegisteredAt)
	user := &state.User{
		ID:          p.ID,
		Username:    p.Username,
		Email:       p.Email,
		DisplayName: p.DisplayName,
		Bio:         p.Bio,
		AvatarURL:   p.AvatarURL,
		IsPublic:    isPublic,
		CreatedAt:   registeredAt,
		UpdatedAt:   registeredAt,
	}
	// follows and lists may have arrived before the user did
	reconcile := state.UpdateByKey(state.TableUsers, p.ID, map[string]any{
		"followers_count": recount(state.TableFollows, "following_id", p.ID),
		"following_count": recount(state.TableFollows, "follower_id", p.ID),
		"lists_count":     recount(state.TableLists, "user_id", p.ID),
	})
	return []state.Mutation{state.Insert(user, reconcile)}
}

func userProfileUpdated(p events.UserProfileUpdated) []state.Mutation {
	set := map[string]any{"updated_at": utc(p.UpdatedAt)}
	if p.Username != nil {
		set["username"] = *p.Username
	}
	if p.DisplayName != nil {
		set["display_name"] = *p.DisplayName
	}
	if p.Bio != nil {
		set["bio"] = *p.Bio
	}
	if p.AvatarURL != nil {
		set["avatar_url"] = *p.AvatarURL
	}
	if p.IsPublic != nil {
		set["is_public"] = *p.IsPublic
	}
	return []state.Mutation{state.UpdateByKey(state.TableUsers, p.ID, set)}
}

func movieSaved(p events.MovieSaved) []state.Mutation {
	savedAt := utc(p.SavedAt)
	movie := state.Insert(&state.Movie{
		ID:         p.ID,
		Title:      p.Title,
		Year:       p.Year,
		Genres:     nonNil(p.Genres),
		Cast:       nonNil(p.Cast),
		Directors:  nonNil(p.Directors),
		Rating:     p.Rating,
		Runtime:    p.Runtime,
		PosterPath: p.PosterPath,
		Overview:   p.Overview,
		CreatedAt:  savedAt,
		UpdatedAt:  savedAt,
	})
	movie.Upsert = []string{"title", "year", "genres", "cast_members", "directors", "rating", "runtime", "poster_path", "overview", "updated_at"}
	return []state.Mutation{movie}
}

func nonNil(values []string) []string {
	if values == nil {
		return []string{}
	}
	return values
}

func userFollowed(p events.UserFollowed) []state.Mutation {
	follow := state.Insert(&state.Follow{
		ID:          p.ID,
		FollowerID:  p.FollowerID,
		FollowingID: p.FollowingID,
		CreatedAt:   utc(p.CreatedAt),
	},
		state.UpdateByKey(state.TableUsers, p.FollowerID, map[string]any{"following_count": state.Adjust{Delta: 1}}),
		state.UpdateByKey(state.TableUsers, p.FollowingID, map[string]any{"followers_count": state.Adjust{Delta: 1}}),
	)
	follow.Guard = guardLive(state.TableFollows, []string{"follower_id", "following_id"}, p.FollowerID, p.FollowingID)
	return []state.Mutation{follow}
}

func userUnfollowed(p events.UserUnfollowed) []state.Mutation {
	return []state.Mutation{state.UpdateByFilter(state.TableFollows, liveByID(p.ID),
		map[string]any{"deleted_at": utc(p.UnfollowedAt)},
		state.UpdateByFilter(state.TableUsers,
			where("id = (SELECT follower_id FROM follows WHERE id = ?)", p.ID),
			map[string]any{"following_count": state.Adjust{Delta: -1}}),
		state.UpdateByFilter(state.TableUsers,
			where("id = (SELECT following_id FROM follows WHERE id = ?)", p.ID),
			map[string]any{"followers_count": state.Adjust{Delta: -1}}),
	)}
}
