package server

import (
	"net/http"

	"github.com/MarcoPoloResearchLab/cardledger/internal/shadowsync"
	"github.com/gin-gonic/gin"
)

// handleQueueUpdate enqueues a mirror write. Untagged requests are treated as
// shadow mirror traffic.
func (h *httpHandler) handleQueueUpdate(c *gin.Context) {
	var payload queuePayload
	if err := c.ShouldBindJSON(&payload); err != nil || payload.ID == "" {
		badRequest(c)
		return
	}
	tag, err := shadowsync.ParseMutationTag(payload.Tag)
	if err != nil {
		h.writeError(c, "sync.queue", err)
		return
	}
	service, err := h.sync.For(ownerID(c))
	if err != nil {
		h.writeError(c, "sync.queue", err)
		return
	}

	collectionKey := payload.CollectionKey
	if collectionKey == "" {
		collectionKey, _ = payload.Card.collection()
	}
	queued, err := service.QueueTagged(payload.ID, payload.Card.toCard(collectionKey), collectionKey, tag)
	if err != nil {
		h.writeError(c, "sync.queue", err)
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"queued": queued, "pending": service.Status().Pending})
}

func (h *httpHandler) handleFlush(c *gin.Context) {
	service, err := h.sync.For(ownerID(c))
	if err != nil {
		h.writeError(c, "sync.flush", err)
		return
	}
	c.JSON(http.StatusOK, service.Flush(c.Request.Context()))
}

func (h *httpHandler) handleSyncStatus(c *gin.Context) {
	service, err := h.sync.For(ownerID(c))
	if err != nil {
		h.writeError(c, "sync.status", err)
		return
	}
	c.JSON(http.StatusOK, service.Status())
}

func (h *httpHandler) handleSyncEnabled(c *gin.Context) {
	var payload syncEnabledPayload
	if err := c.ShouldBindJSON(&payload); err != nil {
		badRequest(c)
		return
	}
	service, err := h.sync.For(ownerID(c))
	if err != nil {
		h.writeError(c, "sync.enabled", err)
		return
	}
	if payload.Enabled {
		service.Enable()
	} else {
		service.Disable()
	}
	c.JSON(http.StatusOK, service.Status())
}
