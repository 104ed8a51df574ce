package materialize

import (
	"errors"
	"fmt"
	"testing"
	"time"

	sqlite "github.com/glebarez/sqlite"
	"github.com/tigawanna/moots-sub000/internal/events"
	"github.com/tigawanna/moots-sub000/internal/state"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"
)

var baseTime = time.Date(2026, 5, 4, 9, 30, 0, 0, time.UTC)

func at(minutes int) time.Time {
	return baseTime.Add(time.Duration(minutes) * time.Minute)
}

func openMaterializeDatabase(testContext *testing.T) *gorm.DB {
	testContext.Helper()
	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", testContext.Name())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{Logger: gormlogger.Discard})
	if err != nil {
		testContext.Fatalf("failed to open sqlite: %v", err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		testContext.Fatalf("failed to access sql db: %v", err)
	}
	sqlDB.SetMaxOpenConns(1)
	testContext.Cleanup(func() { _ = sqlDB.Close() })
	if err := db.AutoMigrate(state.Models()...); err != nil {
		testContext.Fatalf("failed to migrate: %v", err)
	}
	return db
}

func mustMaterialize(testContext *testing.T, db *gorm.DB, payloads ...events.Payload) {
	testContext.Helper()
	for _, payload := range payloads {
		mutations, err := Plan(payload)
		if err != nil {
			testContext.Fatalf("plan %s failed: %v", payload.EventName(), err)
		}
		if err := db.Transaction(func(tx *gorm.DB) error {
			_, applyErr := state.Apply(tx, mutations)
			return applyErr
		}); err != nil {
			testContext.Fatalf("apply %s failed: %v", payload.EventName(), err)
		}
	}
}

func mustLoadUser(testContext *testing.T, db *gorm.DB, id string) state.User {
	testContext.Helper()
	var user state.User
	if err := db.Take(&user, "id = ?", id).Error; err != nil {
		testContext.Fatalf("failed to load user %s: %v", id, err)
	}
	return user
}

func mustLoadList(testContext *testing.T, db *gorm.DB, id string) state.MovieList {
	testContext.Helper()
	var list state.MovieList
	if err := db.Take(&list, "id = ?", id).Error; err != nil {
		testContext.Fatalf("failed to load list %s: %v", id, err)
	}
	return list
}

func countLive(testContext *testing.T, db *gorm.DB, table, column, value string) int64 {
	testContext.Helper()
	var count int64
	if err := db.Table(table).Where(column+" = ?", value).Scopes(state.Live("")).Count(&count).Error; err != nil {
		testContext.Fatalf("failed to count %s: %v", table, err)
	}
	return count
}

func ptr[T any](value T) *T {
	return &value
}

func register(id string) events.UserRegistered {
	return events.UserRegistered{ID: id, Username: id, Email: id + "@example.com", RegisteredAt: at(0)}
}

func TestPlanCoversEveryRegisteredEvent(testContext *testing.T) {
	registry, err := events.NewRegistry()
	if err != nil {
		testContext.Fatalf("failed to build registry: %v", err)
	}
	samples := map[events.Name]events.Payload{
		events.NameUserRegistered:       register("u1"),
		events.NameUserProfileUpdated:   events.UserProfileUpdated{ID: "u1", UpdatedAt: at(1)},
		events.NameMovieSaved:           events.MovieSaved{ID: "m1", Title: "Heat", SavedAt: at(1)},
		events.NameListCreated:          events.ListCreated{ID: "l1", UserID: "u1", Name: "Noir", CreatedAt: at(1)},
		events.NameListUpdated:          events.ListUpdated{ID: "l1", UpdatedAt: at(1)},
		events.NameListDeleted:          events.ListDeleted{ID: "l1", DeletedAt: at(1)},
		events.NameMovieAddedToList:     events.MovieAddedToList{ID: "lm1", ListID: "l1", MovieID: "m1", UserID: "u1", AddedAt: at(1)},
		events.NameListMovieUpdated:     events.ListMovieUpdated{ID: "lm1", UpdatedAt: at(1)},
		events.NameMovieRemovedFromList: events.MovieRemovedFromList{ID: "lm1", RemovedAt: at(1)},
		events.NameListReordered:        events.ListReordered{ListID: "l1", ReorderedAt: at(1)},
		events.NameUserFollowed:         events.UserFollowed{ID: "f1", FollowerID: "u1", FollowingID: "u2", CreatedAt: at(1)},
		events.NameUserUnfollowed:       events.UserUnfollowed{ID: "f1", UnfollowedAt: at(1)},
		events.NameListLiked:            events.ListLiked{ID: "k1", UserID: "u2", ListID: "l1", CreatedAt: at(1)},
		events.NameListUnliked:          events.ListUnliked{ID: "k1", UnlikedAt: at(1)},
		events.NameCommentAdded:         events.CommentAdded{ID: "c1", UserID: "u1", ListID: "l1", Content: "hi", CreatedAt: at(1)},
		events.NameCommentEdited:        events.CommentEdited{ID: "c1", Content: "hey", EditedAt: at(1)},
		events.NameCommentDeleted:       events.CommentDeleted{ID: "c1", DeletedAt: at(1)},
	}
	for _, name := range registry.Names() {
		sample, ok := samples[name]
		if !ok {
			testContext.Fatalf("no sample payload for %s", name)
		}
		if _, err := Plan(sample); err != nil {
			testContext.Fatalf("expected a rule for %s: %v", name, err)
		}
	}
	if _, err := Plan(nil); !errors.Is(err, events.ErrInvalidEvent) {
		testContext.Fatalf("expected nil payload to be rejected, got %v", err)
	}
}

func TestListCreateAndDeleteMaintainOwnerCounter(testContext *testing.T) {
	db := openMaterializeDatabase(testContext)
	mustMaterialize(testContext, db,
		register("u1"),
		events.ListCreated{ID: "l1", UserID: "u1", Name: "Noir", IsPublic: true, CreatedAt: at(1)},
		events.ListCreated{ID: "l1", UserID: "u1", Name: "Noir again", IsPublic: true, CreatedAt: at(2)},
	)
	if user := mustLoadUser(testContext, db, "u1"); user.ListsCount != 1 {
		testContext.Fatalf("expected lists_count 1 after duplicate create, got %d", user.ListsCount)
	}
	if list := mustLoadList(testContext, db, "l1"); list.Name != "Noir" {
		testContext.Fatalf("expected duplicate create to leave the list untouched, got %q", list.Name)
	}

	mustMaterialize(testContext, db,
		events.ListDeleted{ID: "l1", DeletedAt: at(3)},
		events.ListDeleted{ID: "l1", DeletedAt: at(4)},
	)
	if user := mustLoadUser(testContext, db, "u1"); user.ListsCount != 0 {
		testContext.Fatalf("expected lists_count 0 after delete, got %d", user.ListsCount)
	}
	list := mustLoadList(testContext, db, "l1")
	if list.DeletedAt == nil || !list.DeletedAt.Equal(at(3)) {
		testContext.Fatalf("expected first delete timestamp to stick, got %v", list.DeletedAt)
	}
}

func TestListDeleteCascadesToChildren(testContext *testing.T) {
	db := openMaterializeDatabase(testContext)
	mustMaterialize(testContext, db,
		register("u1"),
		register("u2"),
		events.MovieSaved{ID: "m1", Title: "Heat", SavedAt: at(1)},
		events.ListCreated{ID: "l1", UserID: "u1", Name: "Noir", IsPublic: true, CreatedAt: at(1)},
		events.MovieAddedToList{ID: "lm1", ListID: "l1", MovieID: "m1", UserID: "u1", AddedAt: at(2)},
		events.ListLiked{ID: "k1", UserID: "u2", ListID: "l1", CreatedAt: at(3)},
		events.CommentAdded{ID: "c1", UserID: "u2", ListID: "l1", Content: "great", CreatedAt: at(4)},
		events.CommentAdded{ID: "c2", UserID: "u1", ListID: "l1", ParentID: ptr("c1"), Content: "thanks", CreatedAt: at(5)},
	)
	list := mustLoadList(testContext, db, "l1")
	if list.MovieCount != 1 || list.LikesCount != 1 || list.CommentsCount != 2 {
		testContext.Fatalf("unexpected counters before delete: %+v", list)
	}

	mustMaterialize(testContext, db, events.ListDeleted{ID: "l1", DeletedAt: at(6)})

	for _, table := range []string{state.TableMemberships, state.TableLikes, state.TableComments} {
		if live := countLive(testContext, db, table, "list_id", "l1"); live != 0 {
			testContext.Fatalf("expected no live rows in %s, got %d", table, live)
		}
	}
	list = mustLoadList(testContext, db, "l1")
	if list.MovieCount != 0 || list.LikesCount != 0 || list.CommentsCount != 0 {
		testContext.Fatalf("expected zeroed counters after delete: %+v", list)
	}

	mustMaterialize(testContext, db,
		events.ListLiked{ID: "k2", UserID: "u1", ListID: "l1", CreatedAt: at(7)},
		events.MovieAddedToList{ID: "lm2", ListID: "l1", MovieID: "m1", UserID: "u1", AddedAt: at(7)},
	)
	if live := countLive(testContext, db, state.TableLikes, "list_id", "l1"); live != 0 {
		testContext.Fatalf("expected late like to inherit the tombstone, got %d live", live)
	}
	if live := countLive(testContext, db, state.TableMemberships, "list_id", "l1"); live != 0 {
		testContext.Fatalf("expected late membership to inherit the tombstone, got %d live", live)
	}
	if list = mustLoadList(testContext, db, "l1"); list.LikesCount != 0 || list.MovieCount != 0 {
		testContext.Fatalf("expected counters of a deleted list to stay zero: %+v", list)
	}
}

func TestDuplicateLikeCountsOnce(testContext *testing.T) {
	db := openMaterializeDatabase(testContext)
	like := events.ListLiked{ID: "k1", UserID: "u2", ListID: "l1", CreatedAt: at(2)}
	mustMaterialize(testContext, db,
		register("u1"),
		events.ListCreated{ID: "l1", UserID: "u1", Name: "Noir", IsPublic: true, CreatedAt: at(1)},
		like,
		like,
		events.ListLiked{ID: "k2", UserID: "u2", ListID: "l1", CreatedAt: at(3)},
	)
	if live := countLive(testContext, db, state.TableLikes, "list_id", "l1"); live != 1 {
		testContext.Fatalf("expected exactly one live like, got %d", live)
	}
	if list := mustLoadList(testContext, db, "l1"); list.LikesCount != 1 {
		testContext.Fatalf("expected likes_count 1, got %d", list.LikesCount)
	}

	mustMaterialize(testContext, db, events.ListUnliked{ID: "k1", UnlikedAt: at(4)}, events.ListUnliked{ID: "k1", UnlikedAt: at(5)})
	if list := mustLoadList(testContext, db, "l1"); list.LikesCount != 0 {
		testContext.Fatalf("expected likes_count 0 after unlike, got %d", list.LikesCount)
	}
}

func TestOutOfOrderChildrenReconcileOnCreate(testContext *testing.T) {
	db := openMaterializeDatabase(testContext)
	mustMaterialize(testContext, db,
		events.ListLiked{ID: "k1", UserID: "u2", ListID: "l1", CreatedAt: at(2)},
		events.UserFollowed{ID: "f1", FollowerID: "u2", FollowingID: "u1", CreatedAt: at(2)},
		events.ListCreated{ID: "l1", UserID: "u1", Name: "Noir", IsPublic: true, CreatedAt: at(1)},
		register("u1"),
	)
	if list := mustLoadList(testContext, db, "l1"); list.LikesCount != 1 {
		testContext.Fatalf("expected early like to be counted, got %d", list.LikesCount)
	}
	user := mustLoadUser(testContext, db, "u1")
	if user.ListsCount != 1 || user.FollowersCount != 1 {
		testContext.Fatalf("expected reconciled user counters, got %+v", user)
	}
}

func TestFollowLifecycle(testContext *testing.T) {
	db := openMaterializeDatabase(testContext)
	mustMaterialize(testContext, db,
		register("u1"),
		register("u2"),
		events.UserFollowed{ID: "f1", FollowerID: "u1", FollowingID: "u2", CreatedAt: at(1)},
		events.UserFollowed{ID: "f2", FollowerID: "u1", FollowingID: "u2", CreatedAt: at(2)},
	)
	if follower := mustLoadUser(testContext, db, "u1"); follower.FollowingCount != 1 {
		testContext.Fatalf("expected following_count 1, got %d", follower.FollowingCount)
	}
	if followed := mustLoadUser(testContext, db, "u2"); followed.FollowersCount != 1 {
		testContext.Fatalf("expected followers_count 1, got %d", followed.FollowersCount)
	}

	mustMaterialize(testContext, db, events.UserUnfollowed{ID: "f1", UnfollowedAt: at(3)})
	if follower := mustLoadUser(testContext, db, "u1"); follower.FollowingCount != 0 {
		testContext.Fatalf("expected following_count 0, got %d", follower.FollowingCount)
	}
	if followed := mustLoadUser(testContext, db, "u2"); followed.FollowersCount != 0 {
		testContext.Fatalf("expected followers_count 0, got %d", followed.FollowersCount)
	}
}

func TestCommentDeleteTombstonesThread(testContext *testing.T) {
	db := openMaterializeDatabase(testContext)
	mustMaterialize(testContext, db,
		register("u1"),
		events.ListCreated{ID: "l1", UserID: "u1", Name: "Noir", IsPublic: true, CreatedAt: at(1)},
		events.CommentAdded{ID: "c1", UserID: "u1", ListID: "l1", Content: "root", CreatedAt: at(2)},
		events.CommentAdded{ID: "c2", UserID: "u1", ListID: "l1", ParentID: ptr("c1"), Content: "reply", CreatedAt: at(3)},
		events.CommentAdded{ID: "c3", UserID: "u1", ListID: "l1", ParentID: ptr("c2"), Content: "nested", CreatedAt: at(4)},
		events.CommentAdded{ID: "c4", UserID: "u1", ListID: "l1", Content: "sibling", CreatedAt: at(5)},
		events.CommentEdited{ID: "c4", Content: "sibling, edited", EditedAt: at(6)},
		events.CommentDeleted{ID: "c1", DeletedAt: at(7)},
	)
	if live := countLive(testContext, db, state.TableComments, "list_id", "l1"); live != 1 {
		testContext.Fatalf("expected only the sibling to survive, got %d live", live)
	}
	if list := mustLoadList(testContext, db, "l1"); list.CommentsCount != 1 {
		testContext.Fatalf("expected comments_count 1, got %d", list.CommentsCount)
	}

	mustMaterialize(testContext, db, events.CommentAdded{ID: "c5", UserID: "u1", ListID: "l1", ParentID: ptr("c1"), Content: "late", CreatedAt: at(8)})
	if list := mustLoadList(testContext, db, "l1"); list.CommentsCount != 1 {
		testContext.Fatalf("expected a reply to a deleted thread not to count, got %d", list.CommentsCount)
	}
	var sibling state.Comment
	if err := db.Take(&sibling, "id = ?", "c4").Error; err != nil {
		testContext.Fatalf("failed to load comment: %v", err)
	}
	if sibling.Content != "sibling, edited" || !sibling.UpdatedAt.Equal(at(6)) {
		testContext.Fatalf("expected edit to apply, got %+v", sibling)
	}
}

func TestCommentThreadStaysWithinItsList(testContext *testing.T) {
	db := openMaterializeDatabase(testContext)
	mustMaterialize(testContext, db,
		register("u1"),
		events.ListCreated{ID: "l1", UserID: "u1", Name: "Noir", IsPublic: true, CreatedAt: at(1)},
		events.ListCreated{ID: "l2", UserID: "u1", Name: "Heist", IsPublic: true, CreatedAt: at(1)},
		events.CommentAdded{ID: "c1", UserID: "u1", ListID: "l1", Content: "root", CreatedAt: at(2)},
		events.CommentAdded{ID: "c2", UserID: "u1", ListID: "l2", ParentID: ptr("c1"), Content: "elsewhere", CreatedAt: at(3)},
		events.CommentDeleted{ID: "c1", DeletedAt: at(4)},
		events.CommentAdded{ID: "c3", UserID: "u1", ListID: "l2", ParentID: ptr("c1"), Content: "late elsewhere", CreatedAt: at(5)},
	)

	for _, listID := range []string{"l1", "l2"} {
		live := countLive(testContext, db, state.TableComments, "list_id", listID)
		if list := mustLoadList(testContext, db, listID); list.CommentsCount != live {
			testContext.Fatalf("list %s: comments_count %d drifted from %d live comments", listID, list.CommentsCount, live)
		}
	}
	if live := countLive(testContext, db, state.TableComments, "list_id", "l2"); live != 2 {
		testContext.Fatalf("expected replies on another list to stay live, got %d", live)
	}
}

func TestMembershipLifecycleAndReorder(testContext *testing.T) {
	db := openMaterializeDatabase(testContext)
	mustMaterialize(testContext, db,
		register("u1"),
		events.ListCreated{ID: "l1", UserID: "u1", Name: "Noir", IsPublic: true, CreatedAt: at(1)},
		events.MovieAddedToList{ID: "lm1", ListID: "l1", MovieID: "m1", UserID: "u1", Position: 0, AddedAt: at(2)},
		events.MovieAddedToList{ID: "lm2", ListID: "l1", MovieID: "m2", UserID: "u1", Position: 1, AddedAt: at(3)},
		events.MovieAddedToList{ID: "lm3", ListID: "l1", MovieID: "m2", UserID: "u1", Position: 2, AddedAt: at(4)},
		events.ListMovieUpdated{ID: "lm1", PersonalRating: ptr(4.5), Notes: ptr("rewatch"), UpdatedAt: at(5)},
		events.ListReordered{ListID: "l1", ReorderedAt: at(6), Items: []events.ReorderItem{
			{MemberID: "lm2", Position: 0},
			{MemberID: "missing", Position: 1},
			{MemberID: "lm1", Position: 2},
		}},
	)
	if list := mustLoadList(testContext, db, "l1"); list.MovieCount != 2 {
		testContext.Fatalf("expected duplicate movie to be ignored, movie_count %d", list.MovieCount)
	}

	var memberships []state.ListMembership
	if err := db.Scopes(state.Live("")).Where("list_id = ?", "l1").Order("position").Find(&memberships).Error; err != nil {
		testContext.Fatalf("failed to load memberships: %v", err)
	}
	if len(memberships) != 2 || memberships[0].ID != "lm2" || memberships[1].ID != "lm1" {
		testContext.Fatalf("unexpected order after reorder: %+v", memberships)
	}
	if memberships[1].PersonalRating == nil || *memberships[1].PersonalRating != 4.5 {
		testContext.Fatalf("expected personal rating on membership, got %v", memberships[1].PersonalRating)
	}

	mustMaterialize(testContext, db, events.MovieRemovedFromList{ID: "lm2", RemovedAt: at(7)})
	if list := mustLoadList(testContext, db, "l1"); list.MovieCount != 1 {
		testContext.Fatalf("expected movie_count 1 after removal, got %d", list.MovieCount)
	}
}

func TestProfileAndListUpdatesOnlyTouchProvidedFields(testContext *testing.T) {
	db := openMaterializeDatabase(testContext)
	mustMaterialize(testContext, db,
		events.UserRegistered{ID: "u1", Username: "ada", Email: "ada@example.com", Bio: "hello", RegisteredAt: at(0)},
		events.UserProfileUpdated{ID: "u1", DisplayName: ptr("Ada"), IsPublic: ptr(false), UpdatedAt: at(1)},
		events.UserProfileUpdated{ID: "ghost", Bio: ptr("nobody"), UpdatedAt: at(1)},
		events.ListCreated{ID: "l1", UserID: "u1", Name: "Noir", Description: "dark", IsPublic: true, CreatedAt: at(1)},
		events.ListUpdated{ID: "l1", Name: ptr("Neo-noir"), UpdatedAt: at(2)},
	)
	user := mustLoadUser(testContext, db, "u1")
	if user.DisplayName != "Ada" || user.Bio != "hello" || user.IsPublic {
		testContext.Fatalf("unexpected user after update: %+v", user)
	}
	list := mustLoadList(testContext, db, "l1")
	if list.Name != "Neo-noir" || list.Description != "dark" || !list.UpdatedAt.Equal(at(2)) {
		testContext.Fatalf("unexpected list after update: %+v", list)
	}
}
