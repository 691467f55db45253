package server

import (
	"context"
	"net/http"

	"github.com/MarcoPoloResearchLab/cardledger/internal/cards"
	"github.com/gin-gonic/gin"
)

func (h *httpHandler) handleListCollections(c *gin.Context) {
	collections, err := h.repository.ListCollections(c.Request.Context(), ownerID(c))
	if err != nil {
		h.writeError(c, "collections.list", err)
		return
	}
	if collections == nil {
		collections = []cards.Collection{}
	}
	c.JSON(http.StatusOK, gin.H{"collections": collections})
}

func (h *httpHandler) handleUpsertCollection(c *gin.Context) {
	var payload collectionPayload
	if err := c.ShouldBindJSON(&payload); err != nil {
		badRequest(c)
		return
	}
	collection, err := h.repository.UpsertCollection(c.Request.Context(), ownerID(c), cards.Collection{
		CollectionKey: c.Param("key"),
		Name:          payload.Name,
		Description:   payload.Description,
	})
	if err != nil {
		h.writeError(c, "collections.upsert", err)
		return
	}
	c.JSON(http.StatusOK, collection)
}

// handleDeleteCollection cascades to the member cards and drops their queued
// mirror updates.
func (h *httpHandler) handleDeleteCollection(c *gin.Context) {
	service, err := h.sync.For(ownerID(c))
	if err != nil {
		h.writeError(c, "collections.delete", err)
		return
	}
	var result cards.BatchResult
	err = service.DirectWriteBatch(c.Request.Context(), func(ctx context.Context) ([]string, error) {
		var deleteErr error
		result, deleteErr = h.repository.DeleteCollection(ctx, ownerID(c), c.Param("key"))
		service.Forget(result.CardIDs...)
		return result.CardIDs, deleteErr
	})
	if err != nil {
		h.writeError(c, "collections.delete", err)
		return
	}
	c.JSON(http.StatusOK, result)
}

func (h *httpHandler) handleCollectionCards(c *gin.Context) {
	list, err := h.repository.CardsForCollection(c.Request.Context(), ownerID(c), c.Param("key"))
	if err != nil {
		h.writeError(c, "collections.cards", err)
		return
	}
	c.JSON(http.StatusOK, cardsResponse{Cards: nonNilCards(list)})
}

// handleImport upserts every card of the payload into the collection named by
// the path. Per-card failures are counted, not fatal.
func (h *httpHandler) handleImport(c *gin.Context) {
	var payload importPayload
	if err := c.ShouldBindJSON(&payload); err != nil {
		badRequest(c)
		return
	}
	incoming := make([]cards.Card, 0, len(payload.Cards))
	for _, item := range payload.Cards {
		incoming = append(incoming, item.toCard(""))
	}
	service, err := h.sync.For(ownerID(c))
	if err != nil {
		h.writeError(c, "collections.import", err)
		return
	}
	var result cards.BatchResult
	err = service.DirectWriteBatch(c.Request.Context(), func(ctx context.Context) ([]string, error) {
		var importErr error
		result, importErr = h.repository.ImportMany(ctx, ownerID(c), incoming, c.Param("key"))
		return result.CardIDs, importErr
	})
	if err != nil {
		h.writeError(c, "collections.import", err)
		return
	}
	c.JSON(http.StatusOK, result)
}

func (h *httpHandler) handleRecountCollections(c *gin.Context) {
	counts, err := h.repository.RecountCollections(c.Request.Context(), ownerID(c))
	if err != nil {
		h.writeError(c, "collections.recount", err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"counts": counts})
}
