package query

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/tigawanna/moots-sub000/internal/state"
	"github.com/tigawanna/moots-sub000/internal/telemetry"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

var (
	// ErrInvalidQuery reports caller input rejected before any SQL runs.
	ErrInvalidQuery = errors.New("query: invalid query")
	// ErrNotFound reports a missing or tombstoned entity.
	ErrNotFound = errors.New("query: not found")

	errMissingDatabase = errors.New("database handle is required")
	noOpLogger         = zap.NewNop()
)

type ServiceError struct {
	code string
	err  error
}

func (e *ServiceError) Error() string {
	if e.err == nil {
		return e.code
	}
	return fmt.Sprintf("%s: %v", e.code, e.err)
}

func (e *ServiceError) Unwrap() error {
	return e.err
}

func (e *ServiceError) Code() string {
	return e.code
}

const (
	opServiceNew         = "query.service.new"
	opPublicListsByOwner = "query.public_lists_by_owner"
	opListsByOwner       = "query.lists_by_owner"
	opLiveMemberships    = "query.live_memberships"
	opUser               = "query.user"
	opList               = "query.list"
	opComments           = "query.comments"
	opFollowers          = "query.followers"
	opFollowing          = "query.following"
	opPopularLists       = "query.popular_lists"
	opListDetail         = "query.list_detail"
	opActivityFeed       = "query.activity_feed"
	opRecommendations    = "query.recommendations"
	opSimilarUsers       = "query.similar_users"
	opSearchMovies       = "query.search_movies"
)

func newServiceError(operation, reason string, cause error) error {
	code := fmt.Sprintf("%s.%s", operation, reason)
	return &ServiceError{code: code, err: cause}
}

// Config holds the tunable limits and thresholds of the derived queries.
type Config struct {
	PopularLimit              int
	FeedLimit                 int
	SearchLimit               int
	RecommendMinOccurrences   int
	RecommendMinAverageRating float64
	RecommendLimit            int
	SimilarMinSharedMovies    int
	SimilarMaxAverageDiff     float64
	SimilarLimit              int
}

// DefaultConfig returns the stock thresholds.
func DefaultConfig() Config {
	return Config{
		PopularLimit:              20,
		FeedLimit:                 50,
		SearchLimit:               50,
		RecommendMinOccurrences:   2,
		RecommendMinAverageRating: 4.0,
		RecommendLimit:            20,
		SimilarMinSharedMovies:    3,
		SimilarMaxAverageDiff:     1.5,
		SimilarLimit:              20,
	}
}

func (c Config) validate() error {
	if c.PopularLimit <= 0 || c.FeedLimit <= 0 || c.SearchLimit <= 0 || c.RecommendLimit <= 0 || c.SimilarLimit <= 0 {
		return errors.New("limits must be positive")
	}
	if c.RecommendMinOccurrences < 1 || c.SimilarMinSharedMovies < 1 {
		return errors.New("minimum counts must be at least 1")
	}
	if c.RecommendMinAverageRating < 0 || c.SimilarMaxAverageDiff < 0 {
		return errors.New("rating thresholds must not be negative")
	}
	return nil
}

type ServiceConfig struct {
	Database       *gorm.DB
	Config         Config
	Logger         *zap.Logger
	TracerProvider trace.TracerProvider
}

// Service answers direct and derived queries over the materialized state. It never writes.
type Service struct {
	db     *gorm.DB
	config Config
	logger *zap.Logger
	tracer trace.Tracer
}

func NewService(cfg ServiceConfig) (*Service, error) {
	if cfg.Database == nil {
		return nil, newServiceError(opServiceNew, "missing_database", errMissingDatabase)
	}
	if err := cfg.Config.validate(); err != nil {
		return nil, newServiceError(opServiceNew, "invalid_config", err)
	}
	logger := cfg.Logger
	if logger == nil {
		logger = noOpLogger
	}
	return &Service{
		db:     cfg.Database,
		config: cfg.Config,
		logger: logger,
		tracer: telemetry.Tracer(cfg.TracerProvider),
	}, nil
}

// Config returns the thresholds the service runs with.
func (s *Service) Config() Config {
	return s.config
}

func requireID(operation, field, value string) error {
	if strings.TrimSpace(value) == "" {
		return newServiceError(operation, "missing_"+field, fmt.Errorf("%w: %s is required", ErrInvalidQuery, field))
	}
	return nil
}

// PublicListsByOwner returns the owner's live public lists, newest first.
func (s *Service) PublicListsByOwner(ctx context.Context, ownerID string) ([]state.MovieList, error) {
	if err := requireID(opPublicListsByOwner, "owner_id", ownerID); err != nil {
		return nil, err
	}
	var lists []state.MovieList
	err := s.db.WithContext(ctx).
		Scopes(state.Live("")).
		Where("user_id = ? AND is_public = ?", ownerID, true).
		Order("created_at DESC").Order("id ASC").
		Find(&lists).Error
	if err != nil {
		return nil, s.fail(opPublicListsByOwner, err, zap.String("owner_id", ownerID))
	}
	return lists, nil
}

// ListsByOwner returns every live list of the owner, public or not, newest first.
func (s *Service) ListsByOwner(ctx context.Context, ownerID string) ([]state.MovieList, error) {
	if err := requireID(opListsByOwner, "owner_id", ownerID); err != nil {
		return nil, err
	}
	var lists []state.MovieList
	err := s.db.WithContext(ctx).
		Scopes(state.Live("")).
		Where("user_id = ?", ownerID).
		Order("created_at DESC").Order("id ASC").
		Find(&lists).Error
	if err != nil {
		return nil, s.fail(opListsByOwner, err, zap.String("owner_id", ownerID))
	}
	return lists, nil
}

// LiveMemberships returns the live memberships of a live list in position order.
func (s *Service) LiveMemberships(ctx context.Context, listID string) ([]state.ListMembership, error) {
	if err := requireID(opLiveMemberships, "list_id", listID); err != nil {
		return nil, err
	}
	var memberships []state.ListMembership
	err := s.db.WithContext(ctx).
		Table(state.TableMemberships+" AS lm").
		Select("lm.*").
		Joins("JOIN movie_lists AS l ON l.id = lm.list_id AND "+state.LiveOn("l")).
		Scopes(state.Live("lm")).
		Where("lm.list_id = ?", listID).
		Order("lm.position ASC").Order("lm.added_at ASC").
		Find(&memberships).Error
	if err != nil {
		return nil, s.fail(opLiveMemberships, err, zap.String("list_id", listID))
	}
	return memberships, nil
}

// User returns one user.
func (s *Service) User(ctx context.Context, userID string) (state.User, error) {
	if err := requireID(opUser, "user_id", userID); err != nil {
		return state.User{}, err
	}
	var user state.User
	err := s.db.WithContext(ctx).Where("id = ?", userID).Take(&user).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return state.User{}, newServiceError(opUser, "not_found", ErrNotFound)
	}
	if err != nil {
		return state.User{}, s.fail(opUser, err, zap.String("user_id", userID))
	}
	return user, nil
}

// List returns one live list.
func (s *Service) List(ctx context.Context, listID string) (state.MovieList, error) {
	if err := requireID(opList, "list_id", listID); err != nil {
		return state.MovieList{}, err
	}
	var list state.MovieList
	err := s.db.WithContext(ctx).Scopes(state.Live("")).Where("id = ?", listID).Take(&list).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return state.MovieList{}, newServiceError(opList, "not_found", ErrNotFound)
	}
	if err != nil {
		return state.MovieList{}, s.fail(opList, err, zap.String("list_id", listID))
	}
	return list, nil
}

// Comments returns the live comments of a live list, oldest first.
func (s *Service) Comments(ctx context.Context, listID string) ([]state.Comment, error) {
	if err := requireID(opComments, "list_id", listID); err != nil {
		return nil, err
	}
	var comments []state.Comment
	err := s.db.WithContext(ctx).
		Table(state.TableComments+" AS c").
		Select("c.*").
		Joins("JOIN movie_lists AS l ON l.id = c.list_id AND "+state.LiveOn("l")).
		Scopes(state.Live("c")).
		Where("c.list_id = ?", listID).
		Order("c.created_at ASC").Order("c.id ASC").
		Find(&comments).Error
	if err != nil {
		return nil, s.fail(opComments, err, zap.String("list_id", listID))
	}
	return comments, nil
}

// Followers returns the users with a live follow of userID.
func (s *Service) Followers(ctx context.Context, userID string) ([]state.User, error) {
	if err := requireID(opFollowers, "user_id", userID); err != nil {
		return nil, err
	}
	return s.followEdge(ctx, opFollowers, "f.follower_id", "f.following_id", userID)
}

// Following returns the users userID follows.
func (s *Service) Following(ctx context.Context, userID string) ([]state.User, error) {
	if err := requireID(opFollowing, "user_id", userID); err != nil {
		return nil, err
	}
	return s.followEdge(ctx, opFollowing, "f.following_id", "f.follower_id", userID)
}

func (s *Service) followEdge(ctx context.Context, operation, joinColumn, filterColumn, userID string) ([]state.User, error) {
	var users []state.User
	err := s.db.WithContext(ctx).
		Table(state.TableUsers+" AS u").
		Select("u.*").
		Joins("JOIN follows AS f ON u.id = "+joinColumn+" AND "+state.LiveOn("f")).
		Where(filterColumn+" = ?", userID).
		Order("f.created_at DESC").Order("u.id ASC").
		Find(&users).Error
	if err != nil {
		return nil, s.fail(operation, err, zap.String("user_id", userID))
	}
	return users, nil
}

func (s *Service) startSpan(ctx context.Context, operation string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return s.tracer.Start(ctx, operation, trace.WithAttributes(attrs...))
}

func endSpan(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "query failed")
	}
	span.End()
}

func (s *Service) fail(operation string, err error, fields ...zap.Field) error {
	s.logError(operation, "query_failed", err, fields...)
	return newServiceError(operation, "query_failed", err)
}

func (s *Service) logError(operation, reason string, err error, fields ...zap.Field) {
	attrs := []zap.Field{
		zap.String("operation", operation),
		zap.String("reason", reason),
	}
	if err != nil {
		attrs = append(attrs, zap.Error(err))
	}
	attrs = append(attrs, fields...)
	s.logger.Error("query service error", attrs...)
}
