package server

import (
	"errors"
	"net/http"

	"github.com/MarcoPoloResearchLab/cardledger/internal/cards"
	"github.com/MarcoPoloResearchLab/cardledger/internal/shadowsync"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

// writeError maps domain errors onto HTTP responses. Unclassified errors are
// logged and reported as 500.
func (h *httpHandler) writeError(c *gin.Context, operation string, err error) {
	status, code := http.StatusInternalServerError, "internal_error"
	switch {
	case errors.Is(err, cards.ErrInvalidCardID),
		errors.Is(err, cards.ErrInvalidOwnerID),
		errors.Is(err, cards.ErrInvalidCollectionKey),
		errors.Is(err, shadowsync.ErrUnknownTag):
		status, code = http.StatusBadRequest, "invalid_input"
	case errors.Is(err, cards.ErrInvalidSale):
		status, code = http.StatusBadRequest, "invalid_sale"
	case errors.Is(err, cards.ErrCollectionUnresolved):
		status, code = http.StatusUnprocessableEntity, "collection_unresolved"
	case errors.Is(err, cards.ErrCardNotFound):
		status, code = http.StatusNotFound, "not_found"
	case errors.Is(err, shadowsync.ErrSyncUnavailable):
		status, code = http.StatusServiceUnavailable, "sync_unavailable"
	}

	fields := []zap.Field{
		zap.String("operation", operation),
		zap.String("owner_id", ownerID(c)),
		zap.Error(err),
	}
	var serviceErr *cards.ServiceError
	if errors.As(err, &serviceErr) {
		fields = append(fields, zap.String("code", serviceErr.Code()))
	}
	if status >= http.StatusInternalServerError {
		h.logger.Error("request failed", fields...)
	} else {
		h.logger.Debug("request rejected", fields...)
	}
	c.JSON(status, gin.H{"error": code})
}

func badRequest(c *gin.Context) {
	c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
}
