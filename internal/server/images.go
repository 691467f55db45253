package server

import (
	"errors"
	"net/http"

	"github.com/MarcoPoloResearchLab/cardledger/internal/blobstore"
	"github.com/MarcoPoloResearchLab/cardledger/internal/imagecache"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

// handleImage serves a stored card image, reading through the image cache.
func (h *httpHandler) handleImage(c *gin.Context) {
	if h.images == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "not_found"})
		return
	}
	ctx := c.Request.Context()
	owner, card := c.Param("owner"), c.Param("card")
	key := imagecache.Key(owner, card)

	if h.imageCache != nil {
		if data, err := h.imageCache.Get(ctx, key); err == nil {
			c.Header("X-Cache", "hit")
			c.Data(http.StatusOK, http.DetectContentType(data), data)
			return
		} else if !errors.Is(err, imagecache.ErrCacheMiss) {
			h.logger.Warn("image cache read failed", zap.String("key", key), zap.Error(err))
		}
	}

	data, err := h.images.Open(ctx, owner, card)
	switch {
	case errors.Is(err, blobstore.ErrBlobNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "not_found"})
		return
	case errors.Is(err, blobstore.ErrInvalidKey):
		badRequest(c)
		return
	case err != nil:
		h.logger.Error("image read failed", zap.String("owner_id", owner), zap.String("card_id", card), zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error"})
		return
	}

	if h.imageCache != nil {
		if err := h.imageCache.Set(ctx, key, data, h.imageCacheTTL); err != nil {
			h.logger.Warn("image cache write failed", zap.String("key", key), zap.Error(err))
		}
	}
	c.Header("X-Cache", "miss")
	c.Data(http.StatusOK, http.DetectContentType(data), data)
}
