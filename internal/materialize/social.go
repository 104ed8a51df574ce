package materialize

import (
	"github.com/tigawanna/moots-sub000/internal/events"
	"github.com/tigawanna/moots-sub000/internal/state"
)

func listLiked(p events.ListLiked) []state.Mutation {
	like := state.Insert(&state.Like{
		ID:        p.ID,
		UserID:    p.UserID,
		ListID:    p.ListID,
		CreatedAt: utc(p.CreatedAt),
	},
		inheritListTombstone(state.TableLikes, p.ID, p.ListID),
		adjustListCounter("likes_count", p.ListID, state.TableLikes, p.ID, 1),
	)
	like.Guard = guardLive(state.TableLikes, []string{"user_id", "list_id"}, p.UserID, p.ListID)
	return []state.Mutation{like}
}

func listUnliked(p events.ListUnliked) []state.Mutation {
	return []state.Mutation{state.UpdateByFilter(state.TableLikes, liveByID(p.ID),
		map[string]any{"deleted_at": utc(p.UnlikedAt)},
		adjustParentListCounter("likes_count", state.TableLikes, p.ID, false),
	)}
}

func commentAdded(p events.CommentAdded) []state.Mutation {
	createdAt := utc(p.CreatedAt)
	then := []state.Mutation{inheritListTombstone(state.TableComments, p.ID, p.ListID)}
	if p.ParentID != nil {
		// a reply to a deleted comment on the same list is part of the deleted thread
		then = append(then, state.UpdateByFilter(state.TableComments,
			where("id = ? AND "+state.LiveOn("")+" AND EXISTS (SELECT 1 FROM list_comments WHERE id = ? AND list_id = ? AND deleted_at IS NOT NULL)", p.ID, *p.ParentID, p.ListID),
			map[string]any{"deleted_at": state.Expression{SQL: "(SELECT deleted_at FROM list_comments WHERE id = ? AND list_id = ?)", Args: []any{*p.ParentID, p.ListID}}},
		))
	}
	then = append(then, adjustListCounter("comments_count", p.ListID, state.TableComments, p.ID, 1))

	return []state.Mutation{state.Insert(&state.Comment{
		ID:        p.ID,
		UserID:    p.UserID,
		ListID:    p.ListID,
		ParentID:  p.ParentID,
		Content:   p.Content,
		CreatedAt: createdAt,
		UpdatedAt: createdAt,
	}, then...)}
}

func commentEdited(p events.CommentEdited) []state.Mutation {
	return []state.Mutation{state.UpdateByFilter(state.TableComments, liveByID(p.ID),
		map[string]any{"content": p.Content, "updated_at": utc(p.EditedAt)},
	)}
}

const commentThread = `id IN (
	WITH RECURSIVE thread(id, list_id) AS (
		SELECT id, list_id FROM list_comments WHERE id = ?
		UNION
		SELECT reply.id, reply.list_id FROM list_comments AS reply
		JOIN thread ON reply.parent_id = thread.id AND reply.list_id = thread.list_id
	)
	SELECT id FROM thread
) AND deleted_at IS NULL`

func commentDeleted(p events.CommentDeleted) []state.Mutation {
	deletedAt := utc(p.DeletedAt)
	return []state.Mutation{state.UpdateByFilter(state.TableComments, where(commentThread, p.ID),
		map[string]any{"deleted_at": deletedAt, "updated_at": deletedAt},
		adjustParentListCounter("comments_count", state.TableComments, p.ID, true),
	)}
}
