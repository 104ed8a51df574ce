package events

import (
	"errors"
	"strings"
	"time"
)

// Event names of the v1 catalog.
const (
	NameUserRegistered       Name = "v1.UserRegistered"
	NameUserProfileUpdated   Name = "v1.UserProfileUpdated"
	NameMovieSaved           Name = "v1.MovieSaved"
	NameListCreated          Name = "v1.ListCreated"
	NameListUpdated          Name = "v1.ListUpdated"
	NameListDeleted          Name = "v1.ListDeleted"
	NameMovieAddedToList     Name = "v1.MovieAddedToList"
	NameListMovieUpdated     Name = "v1.ListMovieUpdated"
	NameMovieRemovedFromList Name = "v1.MovieRemovedFromList"
	NameListReordered        Name = "v1.ListReordered"
	NameUserFollowed         Name = "v1.UserFollowed"
	NameUserUnfollowed       Name = "v1.UserUnfollowed"
	NameListLiked            Name = "v1.ListLiked"
	NameListUnliked          Name = "v1.ListUnliked"
	NameCommentAdded         Name = "v1.CommentAdded"
	NameCommentEdited        Name = "v1.CommentEdited"
	NameCommentDeleted       Name = "v1.CommentDeleted"
)

var (
	errBlankIdentifier = errors.New("identifier must not be blank")
	errSelfFollow      = errors.New("a user cannot follow themselves")
	errBlankContent    = errors.New("content must not be blank")
	errDuplicateMember = errors.New("membership listed more than once")
)

func requireIDs(ids ...string) error {
	for _, id := range ids {
		if strings.TrimSpace(id) == "" {
			return errBlankIdentifier
		}
	}
	return nil
}

// UserRegistered creates a user.
type UserRegistered struct {
	ID           string    `json:"id"`
	Username     string    `json:"username"`
	Email        string    `json:"email"`
	DisplayName  string    `json:"displayName,omitempty"`
	Bio          string    `json:"bio,omitempty"`
	AvatarURL    string    `json:"avatarUrl,omitempty"`
	IsPublic     *bool     `json:"isPublic,omitempty"`
	RegisteredAt time.Time `json:"registeredAt"`
}

func (UserRegistered) EventName() Name { return NameUserRegistered }

func (p UserRegistered) validate() error { return requireIDs(p.ID, p.Username) }

// UserProfileUpdated changes profile fields; nil fields are left untouched.
type UserProfileUpdated struct {
	ID          string    `json:"id"`
	Username    *string   `json:"username,omitempty"`
	DisplayName *string   `json:"displayName,omitempty"`
	Bio         *string   `json:"bio,omitempty"`
	AvatarURL   *string   `json:"avatarUrl,omitempty"`
	IsPublic    *bool     `json:"isPublic,omitempty"`
	UpdatedAt   time.Time `json:"updatedAt"`
}

func (UserProfileUpdated) EventName() Name { return NameUserProfileUpdated }

func (p UserProfileUpdated) validate() error {
	if p.Username != nil {
		if err := requireIDs(*p.Username); err != nil {
			return err
		}
	}
	return requireIDs(p.ID)
}

// MovieSaved upserts a catalog movie keyed by its external id.
type MovieSaved struct {
	ID         string    `json:"id"`
	Title      string    `json:"title"`
	Year       int       `json:"year,omitempty"`
	Genres     []string  `json:"genres,omitempty"`
	Cast       []string  `json:"cast,omitempty"`
	Directors  []string  `json:"directors,omitempty"`
	Rating     float64   `json:"rating,omitempty"`
	Runtime    int       `json:"runtime,omitempty"`
	PosterPath string    `json:"posterPath,omitempty"`
	Overview   string    `json:"overview,omitempty"`
	SavedAt    time.Time `json:"savedAt"`
}

func (MovieSaved) EventName() Name { return NameMovieSaved }

func (p MovieSaved) validate() error { return requireIDs(p.ID, p.Title) }

// ListCreated creates a movie list owned by UserID.
type ListCreated struct {
	ID          string    `json:"id"`
	UserID      string    `json:"userId"`
	Name        string    `json:"name"`
	Description string    `json:"description,omitempty"`
	IsPublic    bool      `json:"isPublic"`
	Category    string    `json:"category,omitempty"`
	CreatedAt   time.Time `json:"createdAt"`
}

func (ListCreated) EventName() Name { return NameListCreated }

func (p ListCreated) validate() error { return requireIDs(p.ID, p.UserID, p.Name) }

// ListUpdated changes list fields; nil fields are left untouched.
type ListUpdated struct {
	ID          string    `json:"id"`
	Name        *string   `json:"name,omitempty"`
	Description *string   `json:"description,omitempty"`
	IsPublic    *bool     `json:"isPublic,omitempty"`
	Category    *string   `json:"category,omitempty"`
	UpdatedAt   time.Time `json:"updatedAt"`
}

func (ListUpdated) EventName() Name { return NameListUpdated }

func (p ListUpdated) validate() error {
	if p.Name != nil {
		if err := requireIDs(*p.Name); err != nil {
			return err
		}
	}
	return requireIDs(p.ID)
}

// ListDeleted tombstones a list and everything hanging off it.
type ListDeleted struct {
	ID        string    `json:"id"`
	DeletedAt time.Time `json:"deletedAt"`
}

func (ListDeleted) EventName() Name { return NameListDeleted }

func (p ListDeleted) validate() error { return requireIDs(p.ID) }

// MovieAddedToList creates a membership carrying the adding user's personal rating and notes.
type MovieAddedToList struct {
	ID             string    `json:"id"`
	ListID         string    `json:"listId"`
	MovieID        string    `json:"movieId"`
	UserID         string    `json:"userId"`
	Position       int       `json:"position"`
	PersonalRating *float64  `json:"personalRating,omitempty"`
	Notes          *string   `json:"notes,omitempty"`
	AddedAt        time.Time `json:"addedAt"`
}

func (MovieAddedToList) EventName() Name { return NameMovieAddedToList }

func (p MovieAddedToList) validate() error { return requireIDs(p.ID, p.ListID, p.MovieID, p.UserID) }

// ListMovieUpdated changes the personal rating or notes of a membership.
type ListMovieUpdated struct {
	ID             string    `json:"id"`
	PersonalRating *float64  `json:"personalRating,omitempty"`
	Notes          *string   `json:"notes,omitempty"`
	UpdatedAt      time.Time `json:"updatedAt"`
}

func (ListMovieUpdated) EventName() Name { return NameListMovieUpdated }

func (p ListMovieUpdated) validate() error { return requireIDs(p.ID) }

// MovieRemovedFromList tombstones a membership.
type MovieRemovedFromList struct {
	ID        string    `json:"id"`
	RemovedAt time.Time `json:"removedAt"`
}

func (MovieRemovedFromList) EventName() Name { return NameMovieRemovedFromList }

func (p MovieRemovedFromList) validate() error { return requireIDs(p.ID) }

// ReorderItem assigns a new position to one membership.
type ReorderItem struct {
	MemberID string `json:"memberId"`
	Position int    `json:"newPosition"`
}

// ListReordered carries the full new ordering of a list.
type ListReordered struct {
	ListID      string        `json:"listId"`
	Items       []ReorderItem `json:"items"`
	ReorderedAt time.Time     `json:"reorderedAt"`
}

func (ListReordered) EventName() Name { return NameListReordered }

func (p ListReordered) validate() error {
	if err := requireIDs(p.ListID); err != nil {
		return err
	}
	seen := make(map[string]struct{}, len(p.Items))
	for _, item := range p.Items {
		if err := requireIDs(item.MemberID); err != nil {
			return err
		}
		if _, ok := seen[item.MemberID]; ok {
			return errDuplicateMember
		}
		seen[item.MemberID] = struct{}{}
	}
	return nil
}

// UserFollowed records FollowerID following FollowingID.
type UserFollowed struct {
	ID          string    `json:"id"`
	FollowerID  string    `json:"followerId"`
	FollowingID string    `json:"followingId"`
	CreatedAt   time.Time `json:"createdAt"`
}

func (UserFollowed) EventName() Name { return NameUserFollowed }

func (p UserFollowed) validate() error {
	if err := requireIDs(p.ID, p.FollowerID, p.FollowingID); err != nil {
		return err
	}
	if p.FollowerID == p.FollowingID {
		return errSelfFollow
	}
	return nil
}

// UserUnfollowed tombstones a follow.
type UserUnfollowed struct {
	ID           string    `json:"id"`
	UnfollowedAt time.Time `json:"unfollowedAt"`
}

func (UserUnfollowed) EventName() Name { return NameUserUnfollowed }

func (p UserUnfollowed) validate() error { return requireIDs(p.ID) }

// ListLiked records a like of a list.
type ListLiked struct {
	ID        string    `json:"id"`
	UserID    string    `json:"userId"`
	ListID    string    `json:"listId"`
	CreatedAt time.Time `json:"createdAt"`
}

func (ListLiked) EventName() Name { return NameListLiked }

func (p ListLiked) validate() error { return requireIDs(p.ID, p.UserID, p.ListID) }

// ListUnliked tombstones a like.
type ListUnliked struct {
	ID        string    `json:"id"`
	UnlikedAt time.Time `json:"unlikedAt"`
}

func (ListUnliked) EventName() Name { return NameListUnliked }

func (p ListUnliked) validate() error { return requireIDs(p.ID) }

// CommentAdded posts a comment, optionally as a reply to ParentID.
type CommentAdded struct {
	ID        string    `json:"id"`
	UserID    string    `json:"userId"`
	ListID    string    `json:"listId"`
	ParentID  *string   `json:"parentId,omitempty"`
	Content   string    `json:"content"`
	CreatedAt time.Time `json:"createdAt"`
}

func (CommentAdded) EventName() Name { return NameCommentAdded }

func (p CommentAdded) validate() error {
	if err := requireIDs(p.ID, p.UserID, p.ListID); err != nil {
		return err
	}
	if p.ParentID != nil {
		if err := requireIDs(*p.ParentID); err != nil {
			return err
		}
	}
	if strings.TrimSpace(p.Content) == "" {
		return errBlankContent
	}
	return nil
}

// CommentEdited replaces the content of a comment.
type CommentEdited struct {
	ID       string    `json:"id"`
	Content  string    `json:"content"`
	EditedAt time.Time `json:"editedAt"`
}

func (CommentEdited) EventName() Name { return NameCommentEdited }

func (p CommentEdited) validate() error {
	if err := requireIDs(p.ID); err != nil {
		return err
	}
	if strings.TrimSpace(p.Content) == "" {
		return errBlankContent
	}
	return nil
}

// CommentDeleted tombstones a comment and its replies.
type CommentDeleted struct {
	ID        string    `json:"id"`
	DeletedAt time.Time `json:"deletedAt"`
}

func (CommentDeleted) EventName() Name { return NameCommentDeleted }

func (p CommentDeleted) validate() error { return requireIDs(p.ID) }
