package state

import "time"

// Table names of the materialized state.
const (
	TableUsers       = "users"
	TableMovies      = "movies"
	TableLists       = "movie_lists"
	TableMemberships = "list_movies"
	TableFollows     = "follows"
	TableLikes       = "list_likes"
	TableComments    = "list_comments"
)

// User is a registered account with incrementally maintained counters.
type User struct {
	ID             string    `gorm:"column:id;primaryKey;size:190;not null" json:"id"`
	Username       string    `gorm:"column:username;size:200;not null;index:idx_users_username" json:"username"`
	Email          string    `gorm:"column:email;size:320;not null" json:"-"`
	DisplayName    string    `gorm:"column:display_name;size:4000;not null;default:''" json:"displayName"`
	Bio            string    `gorm:"column:bio;type:text;not null;default:''" json:"bio"`
	AvatarURL      string    `gorm:"column:avatar_url;size:4000;not null;default:''" json:"avatarUrl"`
	IsPublic       bool      `gorm:"column:is_public;not null" json:"isPublic"`
	FollowersCount int64     `gorm:"column:followers_count;not null;default:0" json:"followersCount"`
	FollowingCount int64     `gorm:"column:following_count;not null;default:0" json:"followingCount"`
	ListsCount     int64     `gorm:"column:lists_count;not null;default:0" json:"listsCount"`
	CreatedAt      time.Time `gorm:"column:created_at;not null;autoCreateTime:false" json:"createdAt"`
	UpdatedAt      time.Time `gorm:"column:updated_at;not null;autoUpdateTime:false" json:"updatedAt"`
}

// TableName provides the explicit table binding for GORM.
func (User) TableName() string {
	return TableUsers
}

// Movie is a shared catalog entry keyed by its external catalog id. Personal data never lives here.
type Movie struct {
	ID         string    `gorm:"column:id;primaryKey;size:190;not null" json:"id"`
	Title      string    `gorm:"column:title;size:200;not null;index:idx_movies_title" json:"title"`
	Year       int       `gorm:"column:year;not null;default:0" json:"year"`
	Genres     []string  `gorm:"column:genres;type:text;serializer:json" json:"genres"`
	Cast       []string  `gorm:"column:cast_members;type:text;serializer:json" json:"cast"`
	Directors  []string  `gorm:"column:directors;type:text;serializer:json" json:"directors"`
	Rating     float64   `gorm:"column:rating;not null;default:0" json:"rating"`
	Runtime    int       `gorm:"column:runtime;not null;default:0" json:"runtime"`
	PosterPath string    `gorm:"column:poster_path;size:4000;not null;default:''" json:"posterPath"`
	Overview   string    `gorm:"column:overview;type:text;not null;default:''" json:"overview"`
	CreatedAt  time.Time `gorm:"column:created_at;not null;autoCreateTime:false" json:"createdAt"`
	UpdatedAt  time.Time `gorm:"column:updated_at;not null;autoUpdateTime:false" json:"updatedAt"`
}

// TableName provides the explicit table binding for GORM.
func (Movie) TableName() string {
	return TableMovies
}

// MovieList is a user's collection of movies.
type MovieList struct {
	ID            string     `gorm:"column:id;primaryKey;size:190;not null" json:"id"`
	UserID        string     `gorm:"column:user_id;size:190;not null;index:idx_movie_lists_owner,priority:1" json:"userId"`
	Name          string     `gorm:"column:name;size:200;not null" json:"name"`
	Description   string     `gorm:"column:description;type:text;not null;default:''" json:"description"`
	IsPublic      bool       `gorm:"column:is_public;not null" json:"isPublic"`
	Category      string     `gorm:"column:category;size:64;not null;default:''" json:"category"`
	LikesCount    int64      `gorm:"column:likes_count;not null;default:0" json:"likesCount"`
	CommentsCount int64      `gorm:"column:comments_count;not null;default:0" json:"commentsCount"`
	MovieCount    int64      `gorm:"column:movie_count;not null;default:0" json:"movieCount"`
	CreatedAt     time.Time  `gorm:"column:created_at;not null;autoCreateTime:false;index:idx_movie_lists_owner,priority:2" json:"createdAt"`
	UpdatedAt     time.Time  `gorm:"column:updated_at;not null;autoUpdateTime:false" json:"updatedAt"`
	DeletedAt     *time.Time `gorm:"column:deleted_at" json:"deletedAt"`
}

// TableName provides the explicit table binding for GORM.
func (MovieList) TableName() string {
	return TableLists
}

// ListMembership places a movie in a list and carries the adding user's personal data.
type ListMembership struct {
	ID             string     `gorm:"column:id;primaryKey;size:190;not null" json:"id"`
	ListID         string     `gorm:"column:list_id;size:190;not null;index:idx_list_movies_list,priority:1" json:"listId"`
	MovieID        string     `gorm:"column:movie_id;size:190;not null;index:idx_list_movies_movie" json:"movieId"`
	UserID         string     `gorm:"column:user_id;size:190;not null;index:idx_list_movies_user" json:"userId"`
	PersonalRating *float64   `gorm:"column:personal_rating" json:"personalRating"`
	Notes          *string    `gorm:"column:notes;type:text" json:"notes"`
	Position       int        `gorm:"column:position;not null;default:0;index:idx_list_movies_list,priority:2" json:"position"`
	AddedAt        time.Time  `gorm:"column:added_at;not null" json:"addedAt"`
	UpdatedAt      time.Time  `gorm:"column:updated_at;not null;autoUpdateTime:false" json:"updatedAt"`
	DeletedAt      *time.Time `gorm:"column:deleted_at" json:"deletedAt"`
}

// TableName provides the explicit table binding for GORM.
func (ListMembership) TableName() string {
	return TableMemberships
}

// Follow records that FollowerID follows FollowingID.
type Follow struct {
	ID          string     `gorm:"column:id;primaryKey;size:190;not null" json:"id"`
	FollowerID  string     `gorm:"column:follower_id;size:190;not null;index:idx_follows_follower" json:"followerId"`
	FollowingID string     `gorm:"column:following_id;size:190;not null;index:idx_follows_following" json:"followingId"`
	CreatedAt   time.Time  `gorm:"column:created_at;not null;autoCreateTime:false" json:"createdAt"`
	DeletedAt   *time.Time `gorm:"column:deleted_at" json:"deletedAt"`
}

// TableName provides the explicit table binding for GORM.
func (Follow) TableName() string {
	return TableFollows
}

// Like records a user liking a list.
type Like struct {
	ID        string     `gorm:"column:id;primaryKey;size:190;not null" json:"id"`
	UserID    string     `gorm:"column:user_id;size:190;not null;index:idx_list_likes_user" json:"userId"`
	ListID    string     `gorm:"column:list_id;size:190;not null;index:idx_list_likes_list" json:"listId"`
	CreatedAt time.Time  `gorm:"column:created_at;not null;autoCreateTime:false" json:"createdAt"`
	DeletedAt *time.Time `gorm:"column:deleted_at" json:"deletedAt"`
}

// TableName provides the explicit table binding for GORM.
func (Like) TableName() string {
	return TableLikes
}

// Comment is a threaded comment on a list.
type Comment struct {
	ID        string     `gorm:"column:id;primaryKey;size:190;not null" json:"id"`
	UserID    string     `gorm:"column:user_id;size:190;not null" json:"userId"`
	ListID    string     `gorm:"column:list_id;size:190;not null;index:idx_list_comments_list" json:"listId"`
	ParentID  *string    `gorm:"column:parent_id;size:190;index:idx_list_comments_parent" json:"parentId"`
	Content   string     `gorm:"column:content;type:text;not null" json:"content"`
	CreatedAt time.Time  `gorm:"column:created_at;not null;autoCreateTime:false" json:"createdAt"`
	UpdatedAt time.Time  `gorm:"column:updated_at;not null;autoUpdateTime:false" json:"updatedAt"`
	DeletedAt *time.Time `gorm:"column:deleted_at" json:"deletedAt"`
}

// TableName provides the explicit table binding for GORM.
func (Comment) TableName() string {
	return TableComments
}

// Tables returns every materialized table name.
func Tables() []string {
	return []string{TableComments, TableFollows, TableMemberships, TableLikes, TableLists, TableMovies, TableUsers}
}

// Models returns every materialized model, in migration order.
func Models() []any {
	return []any{&User{}, &Movie{}, &MovieList{}, &ListMembership{}, &Follow{}, &Like{}, &Comment{}}
}
