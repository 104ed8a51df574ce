package query

import (
	"context"
	"time"

	"github.com/tigawanna/moots-sub000/internal/state"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// FeedKind names the source branch of a feed item.
type FeedKind string

const (
	FeedListCreated  FeedKind = "list_created"
	FeedListLiked    FeedKind = "list_liked"
	FeedUserFollowed FeedKind = "user_followed"
)

// FeedItem is one activity of a user the viewer follows.
type FeedItem struct {
	Kind           FeedKind  `gorm:"-" json:"kind"`
	SourceID       string    `gorm:"column:source_id" json:"sourceId"`
	ActorID        string    `gorm:"column:actor_id" json:"actorId"`
	ActorUsername  string    `gorm:"column:actor_username" json:"actorUsername"`
	ListID         string    `gorm:"column:list_id" json:"listId,omitempty"`
	ListName       string    `gorm:"column:list_name" json:"listName,omitempty"`
	TargetUserID   string    `gorm:"column:target_user_id" json:"targetUserId,omitempty"`
	TargetUsername string    `gorm:"column:target_username" json:"targetUsername,omitempty"`
	OccurredAt     time.Time `gorm:"column:occurred_at" json:"occurredAt"`
}

type feedBranch struct {
	kind  FeedKind
	build func(db *gorm.DB, viewerID string) *gorm.DB
}

// Every branch reaches its actors through one hop over the viewer's live follows.
var feedBranches = []feedBranch{
	{
		kind: FeedListCreated,
		build: func(db *gorm.DB, viewerID string) *gorm.DB {
			return db.Table(state.TableLists+" AS l").
				Select(`l.id AS source_id, l.user_id AS actor_id, a.username AS actor_username,
					l.id AS list_id, l.name AS list_name, l.created_at AS occurred_at`).
				Joins("JOIN follows AS f ON f.following_id = l.user_id AND "+state.LiveOn("f")).
				Joins("JOIN users AS a ON a.id = l.user_id").
				Scopes(state.Live("l")).
				Where("f.follower_id = ? AND l.is_public = ?", viewerID, true).
				Order("l.created_at DESC").Order("l.id ASC")
		},
	},
	{
		kind: FeedListLiked,
		build: func(db *gorm.DB, viewerID string) *gorm.DB {
			return db.Table(state.TableLikes+" AS k").
				Select(`k.id AS source_id, k.user_id AS actor_id, a.username AS actor_username,
					l.id AS list_id, l.name AS list_name, k.created_at AS occurred_at`).
				Joins("JOIN follows AS f ON f.following_id = k.user_id AND "+state.LiveOn("f")).
				Joins("JOIN movie_lists AS l ON l.id = k.list_id AND "+state.LiveOn("l")).
				Joins("JOIN users AS a ON a.id = k.user_id").
				Scopes(state.Live("k")).
				Where("f.follower_id = ? AND l.is_public = ?", viewerID, true).
				Order("k.created_at DESC").Order("k.id ASC")
		},
	},
	{
		kind: FeedUserFollowed,
		build: func(db *gorm.DB, viewerID string) *gorm.DB {
			return db.Table(state.TableFollows+" AS x").
				Select(`x.id AS source_id, x.follower_id AS actor_id, a.username AS actor_username,
					x.following_id AS target_user_id, t.username AS target_username, x.created_at AS occurred_at`).
				Joins("JOIN follows AS f ON f.following_id = x.follower_id AND "+state.LiveOn("f")).
				Joins("JOIN users AS a ON a.id = x.follower_id").
				Joins("JOIN users AS t ON t.id = x.following_id").
				Scopes(state.Live("x")).
				Where("f.follower_id = ?", viewerID).
				Order("x.created_at DESC").Order("x.id ASC")
		},
	},
}

// ActivityFeed merges the three activity branches of followed users by time, newest first.
// Each branch is fetched with the full window so no single kind can crowd out the others.
func (s *Service) ActivityFeed(ctx context.Context, viewerID string) (result []FeedItem, err error) {
	if err := requireID(opActivityFeed, "viewer_id", viewerID); err != nil {
		return nil, err
	}
	ctx, span := s.startSpan(ctx, opActivityFeed, attribute.String("viewer.id", viewerID))
	defer func() { endSpan(span, err) }()

	limit := s.config.FeedLimit
	branches := make([][]FeedItem, 0, len(feedBranches))
	for _, branch := range feedBranches {
		items := make([]FeedItem, 0, limit)
		if err := branch.build(s.db.WithContext(ctx), viewerID).Limit(limit).Scan(&items).Error; err != nil {
			return nil, s.fail(opActivityFeed, err, zap.String("viewer_id", viewerID), zap.String("branch", string(branch.kind)))
		}
		for index := range items {
			items[index].Kind = branch.kind
		}
		branches = append(branches, items)
	}
	return mergeFeed(branches, limit), nil
}

// mergeFeed is a k-way merge of branches that are each sorted newest first.
func mergeFeed(branches [][]FeedItem, limit int) []FeedItem {
	merged := make([]FeedItem, 0, limit)
	cursors := make([]int, len(branches))
	for len(merged) < limit {
		best := -1
		for index, items := range branches {
			if cursors[index] >= len(items) {
				continue
			}
			if best == -1 || feedBefore(items[cursors[index]], branches[best][cursors[best]]) {
				best = index
			}
		}
		if best == -1 {
			break
		}
		merged = append(merged, branches[best][cursors[best]])
		cursors[best]++
	}
	return merged
}

func feedBefore(left, right FeedItem) bool {
	if !left.OccurredAt.Equal(right.OccurredAt) {
		return left.OccurredAt.After(right.OccurredAt)
	}
	if left.Kind != right.Kind {
		return left.Kind < right.Kind
	}
	return left.SourceID < right.SourceID
}
