package server

import (
	"encoding/json"
	"net/http"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/tigawanna/moots-sub000/internal/events"
	"github.com/tigawanna/moots-sub000/internal/replication"
	"go.uber.org/zap"
)

const (
	defaultPullLimit = 200
	maxPullLimit     = 1000
)

type commitRequestPayload struct {
	ID      string          `json:"id"`
	Name    events.Name     `json:"name"`
	Payload json.RawMessage `json:"payload"`
}

type receiptPayload struct {
	EventID   string      `json:"eventId"`
	Name      events.Name `json:"name"`
	Position  int64       `json:"position"`
	Duplicate bool        `json:"duplicate"`
	Tables    []string    `json:"tables"`
}

// handleCommitEvent commits one locally originated event. A client may supply the event id to
// make retries idempotent.
func (h *httpHandler) handleCommitEvent(c *gin.Context) {
	var request commitRequestPayload
	if err := c.ShouldBindJSON(&request); err != nil || strings.TrimSpace(string(request.Name)) == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}
	if strings.TrimSpace(request.ID) == "" {
		id, err := h.idProvider.NewID()
		if err != nil {
			h.respondError(c, err)
			return
		}
		request.ID = id
	}

	event, err := h.registry.Decode(events.Envelope{ID: request.ID, Name: request.Name, Payload: request.Payload})
	if err != nil {
		h.logger.Info("event rejected", zap.String("event_name", string(request.Name)), zap.Error(err))
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_event"})
		return
	}
	receipt, err := h.engine.CommitEvent(c.Request.Context(), event)
	if err != nil {
		h.respondError(c, err)
		return
	}

	status := http.StatusCreated
	if receipt.Duplicate {
		status = http.StatusOK
	}
	tables := receipt.Tables
	if tables == nil {
		tables = []string{}
	}
	c.JSON(status, receiptPayload{
		EventID:   receipt.EventID,
		Name:      receipt.Name,
		Position:  receipt.Position,
		Duplicate: receipt.Duplicate,
		Tables:    tables,
	})
}

func (h *httpHandler) handleSyncPush(c *gin.Context) {
	var request replication.PushRequest
	if err := c.ShouldBindJSON(&request); err != nil || len(request.Events) == 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}

	receipts, err := h.engine.Ingest(c.Request.Context(), request.Events)
	if err != nil {
		h.respondError(c, err)
		return
	}
	ack := replication.PushAck{}
	for _, receipt := range receipts {
		if receipt.Duplicate {
			ack.Duplicates++
			continue
		}
		ack.Accepted++
	}
	h.logger.Debug("sync push ingested",
		zap.String("device_id", c.GetString(deviceIDContextKey)),
		zap.Int("accepted", ack.Accepted),
		zap.Int("duplicates", ack.Duplicates))
	c.JSON(http.StatusOK, ack)
}

func (h *httpHandler) handleSyncPull(c *gin.Context) {
	after, err := strconv.ParseInt(c.DefaultQuery("after", "0"), 10, 64)
	if err != nil || after < 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_cursor"})
		return
	}
	limit, err := strconv.Atoi(c.DefaultQuery("limit", strconv.Itoa(defaultPullLimit)))
	if err != nil || limit <= 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_limit"})
		return
	}
	if limit > maxPullLimit {
		limit = maxPullLimit
	}

	page, err := h.engine.Log().Since(c.Request.Context(), after, limit, "")
	if err != nil {
		h.respondError(c, err)
		return
	}
	next := after
	if len(page) > 0 {
		next = page[len(page)-1].Position
	}
	c.JSON(http.StatusOK, replication.PullBatch{Events: page, Next: next, HasMore: len(page) == limit})
}
