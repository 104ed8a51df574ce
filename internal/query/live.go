package query

import (
	"context"

	"github.com/tigawanna/moots-sub000/internal/live"
	"github.com/tigawanna/moots-sub000/internal/state"
)

// The table sets below name every table a query reads, including those only used for liveness.

// PopularListsLive keeps a popular lists page current.
func (s *Service) PopularListsLive(page int) live.Query[[]ListSummary] {
	return live.QueryFunc[[]ListSummary]{
		On:  []string{state.TableLists, state.TableUsers},
		Run: func(ctx context.Context) ([]ListSummary, error) { return s.PopularLists(ctx, page) },
	}
}

// PublicListsByOwnerLive keeps an owner's public lists current.
func (s *Service) PublicListsByOwnerLive(ownerID string) live.Query[[]state.MovieList] {
	return live.QueryFunc[[]state.MovieList]{
		On:  []string{state.TableLists},
		Run: func(ctx context.Context) ([]state.MovieList, error) { return s.PublicListsByOwner(ctx, ownerID) },
	}
}

// ListDetailLive keeps a list detail current.
func (s *Service) ListDetailLive(listID string) live.Query[ListDetail] {
	return live.QueryFunc[ListDetail]{
		On:  []string{state.TableLists, state.TableUsers, state.TableMemberships, state.TableMovies},
		Run: func(ctx context.Context) (ListDetail, error) { return s.ListDetail(ctx, listID) },
	}
}

// ActivityFeedLive keeps a viewer's activity feed current.
func (s *Service) ActivityFeedLive(viewerID string) live.Query[[]FeedItem] {
	return live.QueryFunc[[]FeedItem]{
		On:  []string{state.TableLists, state.TableLikes, state.TableFollows, state.TableUsers},
		Run: func(ctx context.Context) ([]FeedItem, error) { return s.ActivityFeed(ctx, viewerID) },
	}
}

// RecommendationsLive keeps a viewer's recommendations current.
func (s *Service) RecommendationsLive(viewerID string) live.Query[[]Recommendation] {
	return live.QueryFunc[[]Recommendation]{
		On:  []string{state.TableLikes, state.TableLists, state.TableMemberships, state.TableMovies},
		Run: func(ctx context.Context) ([]Recommendation, error) { return s.Recommendations(ctx, viewerID) },
	}
}
