package server

import (
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/tigawanna/moots-sub000/internal/session"
	"github.com/tigawanna/moots-sub000/internal/state"
)

func pageParam(c *gin.Context) (int, bool) {
	page, err := strconv.Atoi(c.DefaultQuery("page", "0"))
	if err != nil || page < 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_page"})
		return 0, false
	}
	return page, true
}

func (h *httpHandler) handleSelect(c *gin.Context) {
	var selection state.Selection
	if err := c.ShouldBindJSON(&selection); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}
	rows, err := h.reader.Select(c.Request.Context(), selection)
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"rows": rows})
}

func (h *httpHandler) handlePopularLists(c *gin.Context) {
	page, ok := pageParam(c)
	if !ok {
		return
	}
	lists, err := h.queries.PopularLists(c.Request.Context(), page)
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"lists": lists, "page": page})
}

func (h *httpHandler) handleListDetail(c *gin.Context) {
	detail, err := h.queries.ListDetail(c.Request.Context(), c.Param("id"))
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, detail)
}

func (h *httpHandler) handleComments(c *gin.Context) {
	comments, err := h.queries.Comments(c.Request.Context(), c.Param("id"))
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"comments": comments})
}

func (h *httpHandler) handleUser(c *gin.Context) {
	user, err := h.queries.User(c.Request.Context(), c.Param("id"))
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, user)
}

// handleUserLists returns public lists; all=true adds the owner's private ones.
func (h *httpHandler) handleUserLists(c *gin.Context) {
	var (
		lists []state.MovieList
		err   error
	)
	if c.Query("all") == "true" {
		lists, err = h.queries.ListsByOwner(c.Request.Context(), c.Param("id"))
	} else {
		lists, err = h.queries.PublicListsByOwner(c.Request.Context(), c.Param("id"))
	}
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"lists": lists})
}

func (h *httpHandler) handleFollowers(c *gin.Context) {
	users, err := h.queries.Followers(c.Request.Context(), c.Param("id"))
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"users": users})
}

func (h *httpHandler) handleFollowing(c *gin.Context) {
	users, err := h.queries.Following(c.Request.Context(), c.Param("id"))
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"users": users})
}

func (h *httpHandler) handleFeed(c *gin.Context) {
	items, err := h.queries.ActivityFeed(c.Request.Context(), c.Param("id"))
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"items": items})
}

func (h *httpHandler) handleRecommendations(c *gin.Context) {
	recommendations, err := h.queries.Recommendations(c.Request.Context(), c.Param("id"))
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"movies": recommendations})
}

func (h *httpHandler) handleSimilarUsers(c *gin.Context) {
	similar, err := h.queries.SimilarUsers(c.Request.Context(), c.Param("id"))
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"users": similar})
}

func (h *httpHandler) handleSearchMovies(c *gin.Context) {
	movies, err := h.queries.SearchMovies(c.Request.Context(), c.Query("q"), c.Query("genre"))
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"movies": movies})
}

func (h *httpHandler) handleCreateSession(c *gin.Context) {
	id, err := h.sessions.NewID()
	if err != nil {
		h.respondError(c, err)
		return
	}
	var document session.Document
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&document); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
			return
		}
	}
	stored, err := h.sessions.Set(id, document)
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"id": id, "document": stored})
}

func (h *httpHandler) handleGetSession(c *gin.Context) {
	document, ok := h.sessions.Get(c.Param("id"))
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "session_not_found"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"id": c.Param("id"), "document": document})
}

// handlePutSession replaces the whole document; the last write wins.
func (h *httpHandler) handlePutSession(c *gin.Context) {
	var document session.Document
	if err := c.ShouldBindJSON(&document); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}
	stored, err := h.sessions.Set(c.Param("id"), document)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_session_id"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"id": c.Param("id"), "document": stored})
}

type sessionPatchPayload struct {
	SearchText     *string           `json:"searchText"`
	SelectedGenres *[]string         `json:"selectedGenres"`
	Filters        map[string]string `json:"filters"`
}

// handlePatchSession changes only the fields present in the body. Filter keys with an empty
// value are removed.
func (h *httpHandler) handlePatchSession(c *gin.Context) {
	var patch sessionPatchPayload
	if err := c.ShouldBindJSON(&patch); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}
	stored, err := h.sessions.Update(c.Param("id"), func(document session.Document) session.Document {
		if patch.SearchText != nil {
			document.SearchText = *patch.SearchText
		}
		if patch.SelectedGenres != nil {
			document.SelectedGenres = *patch.SelectedGenres
		}
		for key, value := range patch.Filters {
			if document.Filters == nil {
				document.Filters = make(map[string]string)
			}
			if value == "" {
				delete(document.Filters, key)
				continue
			}
			document.Filters[key] = value
		}
		return document
	})
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_session_id"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"id": c.Param("id"), "document": stored})
}

func (h *httpHandler) handleDeleteSession(c *gin.Context) {
	h.sessions.Delete(c.Param("id"))
	c.Status(http.StatusNoContent)
}
