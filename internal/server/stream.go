package server

import (
	"net/http"
	"time"

	"github.com/MarcoPoloResearchLab/cardledger/internal/cards"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

const (
	streamEventSnapshot  = "snapshot"
	streamEventHeartbeat = "heartbeat"
	streamEventError     = "error"
)

type snapshotEvent struct {
	Cards []cards.Card `json:"cards"`
	Count int          `json:"count"`
}

// handleCardStream pushes the owner's full card list as server-sent events.
// Only the latest snapshot is kept when the client falls behind.
func (h *httpHandler) handleCardStream(c *gin.Context) {
	ctx := c.Request.Context()
	owner := ownerID(c)

	snapshots := make(chan []cards.Card, 1)
	failures := make(chan error, 1)
	unsubscribe, err := h.repository.SubscribeAll(ctx, owner,
		func(list []cards.Card) {
			select {
			case <-snapshots:
			default:
			}
			select {
			case snapshots <- list:
			default:
			}
		},
		func(err error) {
			select {
			case failures <- err:
			default:
			}
		})
	if err != nil {
		h.writeError(c, "cards.stream", err)
		return
	}
	defer unsubscribe()

	c.Header("Content-Type", "text/event-stream")
	c.Header("Cache-Control", "no-cache")
	c.Header("Connection", "keep-alive")
	c.Header("X-Accel-Buffering", "no")
	c.Status(http.StatusOK)
	c.Writer.Flush()

	heartbeat := time.NewTicker(h.heartbeat)
	defer heartbeat.Stop()

	h.logger.Debug("card stream opened", zap.String("owner_id", owner))
	for {
		select {
		case <-ctx.Done():
			h.logger.Debug("card stream closed", zap.String("owner_id", owner))
			return
		case list := <-snapshots:
			c.SSEvent(streamEventSnapshot, snapshotEvent{Cards: nonNilCards(list), Count: len(list)})
		case streamErr := <-failures:
			h.logger.Warn("card stream reload failed", zap.String("owner_id", owner), zap.Error(streamErr))
			c.SSEvent(streamEventError, gin.H{"error": "reload_failed"})
		case tick := <-heartbeat.C:
			c.SSEvent(streamEventHeartbeat, gin.H{"timestamp": tick.UTC().Unix()})
		}
		c.Writer.Flush()
	}
}
