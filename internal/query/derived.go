package query

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/tigawanna/moots-sub000/internal/state"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"
)

// ListSummary is a live list joined with its owner.
type ListSummary struct {
	ID               string    `gorm:"column:id" json:"id"`
	UserID           string    `gorm:"column:user_id" json:"userId"`
	Name             string    `gorm:"column:name" json:"name"`
	Description      string    `gorm:"column:description" json:"description"`
	IsPublic         bool      `gorm:"column:is_public" json:"isPublic"`
	Category         string    `gorm:"column:category" json:"category"`
	LikesCount       int64     `gorm:"column:likes_count" json:"likesCount"`
	CommentsCount    int64     `gorm:"column:comments_count" json:"commentsCount"`
	MovieCount       int64     `gorm:"column:movie_count" json:"movieCount"`
	CreatedAt        time.Time `gorm:"column:created_at" json:"createdAt"`
	UpdatedAt        time.Time `gorm:"column:updated_at" json:"updatedAt"`
	OwnerUsername    string    `gorm:"column:owner_username" json:"ownerUsername"`
	OwnerDisplayName string    `gorm:"column:owner_display_name" json:"ownerDisplayName"`
	OwnerAvatarURL   string    `gorm:"column:owner_avatar_url" json:"ownerAvatarUrl"`
}

const listSummaryColumns = `l.id, l.user_id, l.name, l.description, l.is_public, l.category,
	l.likes_count, l.comments_count, l.movie_count, l.created_at, l.updated_at,
	u.username AS owner_username, u.display_name AS owner_display_name, u.avatar_url AS owner_avatar_url`

// ListEntry is one movie of a list detail, carrying the membership's personal data.
type ListEntry struct {
	MembershipID   string    `gorm:"column:membership_id" json:"membershipId"`
	MovieID        string    `gorm:"column:movie_id" json:"movieId"`
	AddedBy        string    `gorm:"column:added_by" json:"addedBy"`
	Position       int       `gorm:"column:position" json:"position"`
	PersonalRating *float64  `gorm:"column:personal_rating" json:"personalRating,omitempty"`
	Notes          *string   `gorm:"column:notes" json:"notes,omitempty"`
	AddedAt        time.Time `gorm:"column:added_at" json:"addedAt"`
	Title          string    `gorm:"column:title" json:"title"`
	Year           int       `gorm:"column:year" json:"year"`
	Rating         float64   `gorm:"column:rating" json:"rating"`
	PosterPath     string    `gorm:"column:poster_path" json:"posterPath"`
	Genres         []string  `gorm:"column:genres;serializer:json" json:"genres"`
}

// ListDetail is a list with its movies in position order.
type ListDetail struct {
	List    ListSummary `json:"list"`
	Entries []ListEntry `json:"entries"`
}

// PopularLists returns live public lists ranked by likes, then recency. Page is zero based.
func (s *Service) PopularLists(ctx context.Context, page int) (result []ListSummary, err error) {
	if page < 0 {
		return nil, newServiceError(opPopularLists, "invalid_page", fmt.Errorf("%w: page must not be negative", ErrInvalidQuery))
	}
	ctx, span := s.startSpan(ctx, opPopularLists, attribute.Int("page", page))
	defer func() { endSpan(span, err) }()

	limit := s.config.PopularLimit
	summaries := make([]ListSummary, 0, limit)
	err = s.db.WithContext(ctx).
		Table(state.TableLists+" AS l").
		Select(listSummaryColumns).
		Joins("JOIN users AS u ON u.id = l.user_id").
		Scopes(state.Live("l")).
		Where("l.is_public = ?", true).
		Order("l.likes_count DESC").Order("l.created_at DESC").Order("l.id ASC").
		Limit(limit).Offset(page * limit).
		Scan(&summaries).Error
	if err != nil {
		return nil, s.fail(opPopularLists, err, zap.Int("page", page))
	}
	return summaries, nil
}

// ListDetail returns a live list with its live memberships joined to the movie catalog.
func (s *Service) ListDetail(ctx context.Context, listID string) (detail ListDetail, err error) {
	if err := requireID(opListDetail, "list_id", listID); err != nil {
		return ListDetail{}, err
	}
	ctx, span := s.startSpan(ctx, opListDetail, attribute.String("list.id", listID))
	defer func() { endSpan(span, err) }()

	var summaries []ListSummary
	err = s.db.WithContext(ctx).
		Table(state.TableLists+" AS l").
		Select(listSummaryColumns).
		Joins("JOIN users AS u ON u.id = l.user_id").
		Scopes(state.Live("l")).
		Where("l.id = ?", listID).
		Limit(1).
		Scan(&summaries).Error
	if err != nil {
		return ListDetail{}, s.fail(opListDetail, err, zap.String("list_id", listID))
	}
	if len(summaries) == 0 {
		return ListDetail{}, newServiceError(opListDetail, "not_found", ErrNotFound)
	}

	entries := make([]ListEntry, 0)
	err = s.db.WithContext(ctx).
		Table(state.TableMemberships+" AS lm").
		Select(`lm.id AS membership_id, lm.movie_id, lm.user_id AS added_by, lm.position,
			lm.personal_rating, lm.notes, lm.added_at,
			m.title, m.year, m.rating, m.poster_path, m.genres`).
		Joins("JOIN movies AS m ON m.id = lm.movie_id").
		Joins("JOIN movie_lists AS l ON l.id = lm.list_id AND "+state.LiveOn("l")).
		Scopes(state.Live("lm")).
		Where("lm.list_id = ?", listID).
		Order("lm.position ASC").Order("lm.added_at ASC").Order("lm.id ASC").
		Scan(&entries).Error
	if err != nil {
		return ListDetail{}, s.fail(opListDetail, err, zap.String("list_id", listID))
	}
	return ListDetail{List: summaries[0], Entries: entries}, nil
}

// Recommendation is a candidate movie with its co-occurrence statistics.
type Recommendation struct {
	MovieID       string   `gorm:"column:movie_id" json:"movieId"`
	Title         string   `gorm:"column:title" json:"title"`
	Year          int      `gorm:"column:year" json:"year"`
	Rating        float64  `gorm:"column:rating" json:"rating"`
	PosterPath    string   `gorm:"column:poster_path" json:"posterPath"`
	Genres        []string `gorm:"column:genres;serializer:json" json:"genres"`
	Occurrences   int64    `gorm:"column:occurrences" json:"occurrences"`
	AverageRating float64  `gorm:"column:average_rating" json:"averageRating"`
}

// Movies appearing in live public lists the viewer likes, minus movies in the viewer's own
// live lists. Liveness is checked on the like, the list, and both memberships.
const recommendationSQL = `
SELECT m.id AS movie_id, m.title, m.year, m.rating, m.poster_path, m.genres,
	COUNT(DISTINCT lm.list_id) AS occurrences,
	COALESCE(AVG(lm.personal_rating), 0) AS average_rating
FROM list_movies AS lm
JOIN movie_lists AS l ON l.id = lm.list_id AND l.deleted_at IS NULL AND l.is_public = @public
JOIN movies AS m ON m.id = lm.movie_id
WHERE lm.deleted_at IS NULL
	AND l.user_id <> @viewer
	AND l.id IN (
		SELECT k.list_id FROM list_likes AS k
		WHERE k.user_id = @viewer AND k.deleted_at IS NULL
	)
	AND lm.movie_id NOT IN (
		SELECT own.movie_id FROM list_movies AS own
		JOIN movie_lists AS ol ON ol.id = own.list_id AND ol.deleted_at IS NULL
		WHERE ol.user_id = @viewer AND own.deleted_at IS NULL
	)
GROUP BY m.id
HAVING COUNT(DISTINCT lm.list_id) >= @min_occurrences
	AND COALESCE(AVG(lm.personal_rating), 0) >= @min_average
ORDER BY occurrences DESC, average_rating DESC, m.rating DESC, m.id ASC
LIMIT @limit`

// Recommendations ranks co-occurring movies from lists the viewer liked.
func (s *Service) Recommendations(ctx context.Context, viewerID string) (result []Recommendation, err error) {
	if err := requireID(opRecommendations, "viewer_id", viewerID); err != nil {
		return nil, err
	}
	ctx, span := s.startSpan(ctx, opRecommendations, attribute.String("viewer.id", viewerID))
	defer func() { endSpan(span, err) }()

	recommendations := make([]Recommendation, 0)
	err = s.db.WithContext(ctx).Raw(recommendationSQL, map[string]any{
		"public":          true,
		"viewer":          viewerID,
		"min_occurrences": s.config.RecommendMinOccurrences,
		"min_average":     s.config.RecommendMinAverageRating,
		"limit":           s.config.RecommendLimit,
	}).Scan(&recommendations).Error
	if err != nil {
		return nil, s.fail(opRecommendations, err, zap.String("viewer_id", viewerID))
	}
	return recommendations, nil
}

// SimilarUser is another public user whose ratings track the viewer's.
type SimilarUser struct {
	UserID            string  `gorm:"column:user_id" json:"userId"`
	Username          string  `gorm:"column:username" json:"username"`
	DisplayName       string  `gorm:"column:display_name" json:"displayName"`
	AvatarURL         string  `gorm:"column:avatar_url" json:"avatarUrl"`
	SharedMovies      int64   `gorm:"column:shared_movies" json:"sharedMovies"`
	AverageDifference float64 `gorm:"column:average_difference" json:"averageDifference"`
}

// Per-user per-movie ratings come from live memberships of live lists. The viewer's own ratings
// count from every list; other users' only from public lists.
const similarUsersSQL = `
WITH mine AS (
	SELECT lm.movie_id AS movie_id, AVG(lm.personal_rating) AS score
	FROM list_movies AS lm
	JOIN movie_lists AS l ON l.id = lm.list_id AND l.deleted_at IS NULL
	WHERE lm.user_id = @viewer AND lm.deleted_at IS NULL AND lm.personal_rating IS NOT NULL
	GROUP BY lm.movie_id
),
theirs AS (
	SELECT lm.user_id AS user_id, lm.movie_id AS movie_id, AVG(lm.personal_rating) AS score
	FROM list_movies AS lm
	JOIN movie_lists AS l ON l.id = lm.list_id AND l.deleted_at IS NULL AND l.is_public = @public
	WHERE lm.user_id <> @viewer AND lm.deleted_at IS NULL AND lm.personal_rating IS NOT NULL
	GROUP BY lm.user_id, lm.movie_id
)
SELECT u.id AS user_id, u.username, u.display_name, u.avatar_url,
	COUNT(*) AS shared_movies,
	AVG(ABS(mine.score - theirs.score)) AS average_difference
FROM mine
JOIN theirs ON theirs.movie_id = mine.movie_id
JOIN users AS u ON u.id = theirs.user_id AND u.is_public = @public
WHERE theirs.user_id NOT IN (
	SELECT f.following_id FROM follows AS f
	WHERE f.follower_id = @viewer AND f.deleted_at IS NULL
)
GROUP BY u.id
HAVING COUNT(*) >= @min_shared AND AVG(ABS(mine.score - theirs.score)) <= @max_diff
ORDER BY shared_movies DESC, average_difference ASC, u.id ASC
LIMIT @limit`

// SimilarUsers finds public users, not yet followed, who rated the same movies alike.
func (s *Service) SimilarUsers(ctx context.Context, viewerID string) (result []SimilarUser, err error) {
	if err := requireID(opSimilarUsers, "viewer_id", viewerID); err != nil {
		return nil, err
	}
	ctx, span := s.startSpan(ctx, opSimilarUsers, attribute.String("viewer.id", viewerID))
	defer func() { endSpan(span, err) }()

	similar := make([]SimilarUser, 0)
	err = s.db.WithContext(ctx).Raw(similarUsersSQL, map[string]any{
		"public":     true,
		"viewer":     viewerID,
		"min_shared": s.config.SimilarMinSharedMovies,
		"max_diff":   s.config.SimilarMaxAverageDiff,
		"limit":      s.config.SimilarLimit,
	}).Scan(&similar).Error
	if err != nil {
		return nil, s.fail(opSimilarUsers, err, zap.String("viewer_id", viewerID))
	}
	return similar, nil
}

// SearchMovies matches titles case-insensitively, optionally restricted to one genre, ranked by
// catalog rating then title.
func (s *Service) SearchMovies(ctx context.Context, term, genre string) (result []state.Movie, err error) {
	term = strings.TrimSpace(term)
	genre = strings.TrimSpace(genre)
	if term == "" && genre == "" {
		return nil, newServiceError(opSearchMovies, "missing_criteria", fmt.Errorf("%w: a term or a genre is required", ErrInvalidQuery))
	}
	ctx, span := s.startSpan(ctx, opSearchMovies, attribute.String("search.term", term), attribute.String("search.genre", genre))
	defer func() { endSpan(span, err) }()

	query := s.db.WithContext(ctx).Model(&state.Movie{})
	if term != "" {
		query = query.Where(`LOWER(title) LIKE ? ESCAPE '\'`, "%"+escapeLike(strings.ToLower(term))+"%")
	}
	if genre != "" {
		query = query.Where("EXISTS (SELECT 1 FROM json_each(movies.genres) AS g WHERE LOWER(g.value) = ?)", strings.ToLower(genre))
	}
	movies := make([]state.Movie, 0)
	err = query.Order("rating DESC").Order("title ASC").Order("id ASC").Limit(s.config.SearchLimit).Find(&movies).Error
	if err != nil {
		return nil, s.fail(opSearchMovies, err, zap.String("term", term), zap.String("genre", genre))
	}
	return movies, nil
}

var likeEscaper = strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)

func escapeLike(value string) string {
	return likeEscaper.Replace(value)
}

// IsInvalid reports whether err was caused by rejected caller input.
func IsInvalid(err error) bool {
	return errors.Is(err, ErrInvalidQuery)
}
