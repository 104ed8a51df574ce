package server

import (
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/tigawanna/moots-sub000/internal/live"
	"github.com/tigawanna/moots-sub000/internal/query"
	"github.com/tigawanna/moots-sub000/internal/state"
	"go.uber.org/zap"
)

const (
	StreamEventPopularLists    = "popular-lists"
	StreamEventUserLists       = "user-lists"
	StreamEventListDetail      = "list-detail"
	StreamEventActivityFeed    = "activity-feed"
	StreamEventRecommendations = "recommendations"
	streamEventHeartbeat       = "heartbeat"
	streamEventError           = "query-error"
	defaultHeartbeat           = 15 * time.Second
)

type popularListsEvent struct {
	Page    int                 `json:"page"`
	Version uint64              `json:"version"`
	Lists   []query.ListSummary `json:"lists"`
}

// liveEvent carries one evaluation of a keyed live query.
type liveEvent[T any] struct {
	ID      string `json:"id"`
	Version uint64 `json:"version"`
	Data    T      `json:"data"`
}

type heartbeatEvent struct {
	Timestamp time.Time `json:"timestamp"`
}

// handlePopularStream keeps one popular lists page current over server-sent events. The first
// event carries the initial result; later ones follow commits that touch the page's tables.
func (h *httpHandler) handlePopularStream(c *gin.Context) {
	page, ok := pageParam(c)
	if !ok {
		return
	}
	streamLive(h, c, StreamEventPopularLists, h.queries.PopularListsLive(page), func(version uint64, lists []query.ListSummary) any {
		if lists == nil {
			lists = []query.ListSummary{}
		}
		return popularListsEvent{Page: page, Version: version, Lists: lists}
	})
}

func (h *httpHandler) handleUserListsStream(c *gin.Context) {
	ownerID := c.Param("id")
	streamLive(h, c, StreamEventUserLists, h.queries.PublicListsByOwnerLive(ownerID), keyedEvent[[]state.MovieList](ownerID))
}

func (h *httpHandler) handleListDetailStream(c *gin.Context) {
	listID := c.Param("id")
	streamLive(h, c, StreamEventListDetail, h.queries.ListDetailLive(listID), keyedEvent[query.ListDetail](listID))
}

func (h *httpHandler) handleFeedStream(c *gin.Context) {
	viewerID := c.Param("id")
	streamLive(h, c, StreamEventActivityFeed, h.queries.ActivityFeedLive(viewerID), keyedEvent[[]query.FeedItem](viewerID))
}

func (h *httpHandler) handleRecommendationsStream(c *gin.Context) {
	viewerID := c.Param("id")
	streamLive(h, c, StreamEventRecommendations, h.queries.RecommendationsLive(viewerID), keyedEvent[[]query.Recommendation](viewerID))
}

func keyedEvent[T any](id string) func(uint64, T) any {
	return func(version uint64, data T) any {
		return liveEvent[T]{ID: id, Version: version, Data: data}
	}
}

// streamLive subscribes to q and writes every delivered evaluation as an event named name until
// the client leaves or the subscription ends. A failing first evaluation is answered as a
// plain JSON error; later failures become query-error events and the stream stays open.
func streamLive[T any](h *httpHandler, c *gin.Context, name string, q live.Query[T], present func(uint64, T) any) {
	ctx := c.Request.Context()
	handle, err := live.Subscribe(ctx, h.live, q)
	if err != nil {
		h.respondError(c, err)
		return
	}
	defer handle.Close()

	c.Header("Cache-Control", "no-cache")
	c.Header("Connection", "keep-alive")
	c.Header("X-Accel-Buffering", "no")
	c.Status(http.StatusOK)

	deviceID := c.GetString(deviceIDContextKey)
	h.logger.Debug("live stream opened", zap.String("device_id", deviceID), zap.String("stream", name), zap.String("path", c.Request.URL.Path))

	ticker := time.NewTicker(h.heartbeat)
	defer ticker.Stop()

	send := func() {
		value, err := handle.Current()
		if err != nil {
			code := "internal_error"
			var coded codedError
			if errors.As(err, &coded) {
				code = coded.Code()
			}
			c.SSEvent(streamEventError, gin.H{"error": code})
			return
		}
		c.SSEvent(name, present(handle.Version(), value))
	}

	send()
	c.Writer.Flush()
	c.Stream(func(_ io.Writer) bool {
		select {
		case <-ctx.Done():
			return false
		case <-handle.Done():
			return false
		case <-handle.Changes():
			send()
			return true
		case tick := <-ticker.C:
			c.SSEvent(streamEventHeartbeat, heartbeatEvent{Timestamp: tick.UTC()})
			return true
		}
	})
	h.logger.Debug("live stream closed", zap.String("device_id", deviceID), zap.String("stream", name))
}
