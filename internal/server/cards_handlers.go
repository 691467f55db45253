package server

import (
	"context"
	"net/http"

	"github.com/MarcoPoloResearchLab/cardledger/internal/cards"
	"github.com/gin-gonic/gin"
)

func (h *httpHandler) handleListCards(c *gin.Context) {
	list, err := h.repository.ListCards(c.Request.Context(), ownerID(c))
	if err != nil {
		h.writeError(c, "cards.list", err)
		return
	}
	c.JSON(http.StatusOK, cardsResponse{Cards: nonNilCards(list)})
}

func (h *httpHandler) handleGetCard(c *gin.Context) {
	card, err := h.repository.Get(c.Request.Context(), ownerID(c), c.Param("id"))
	if err != nil {
		h.writeError(c, "cards.get", err)
		return
	}
	if card == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "not_found"})
		return
	}
	c.JSON(http.StatusOK, card)
}

// handleCreateCard is a confirmed write; the owner's shadow sync is held off
// until it completes.
func (h *httpHandler) handleCreateCard(c *gin.Context) {
	var payload cardPayload
	if err := c.ShouldBindJSON(&payload); err != nil {
		badRequest(c)
		return
	}
	collectionKey, ok := payload.collection()
	if !ok {
		badRequest(c)
		return
	}
	service, err := h.sync.For(ownerID(c))
	if err != nil {
		h.writeError(c, "cards.create", err)
		return
	}

	service.BeginDirectWrite()
	created, err := h.repository.Create(c.Request.Context(), ownerID(c), payload.toCard(collectionKey), payload.Image)
	if err != nil {
		service.EndDirectWrite()
		h.writeError(c, "cards.create", err)
		return
	}
	service.EndDirectWrite(created.CardID)
	c.JSON(http.StatusCreated, created)
}

func (h *httpHandler) handleUpdateCard(c *gin.Context) {
	var payload cardPayload
	if err := c.ShouldBindJSON(&payload); err != nil {
		badRequest(c)
		return
	}
	collectionKey, ok := payload.collection()
	if !ok {
		badRequest(c)
		return
	}
	card := payload.toCard(collectionKey)
	card.CardID = c.Param("id")

	service, err := h.sync.For(ownerID(c))
	if err != nil {
		h.writeError(c, "cards.update", err)
		return
	}
	err = service.DirectWrite(c.Request.Context(), card.CardID, func(ctx context.Context) error {
		_, updateErr := h.repository.Update(ctx, ownerID(c), card)
		return updateErr
	})
	if err != nil {
		h.writeError(c, "cards.update", err)
		return
	}
	stored, err := h.repository.Get(c.Request.Context(), ownerID(c), card.CardID)
	if err != nil {
		h.writeError(c, "cards.update", err)
		return
	}
	if stored == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "not_found"})
		return
	}
	c.JSON(http.StatusOK, stored)
}

// handleDeleteCard removes the card and any mirror update still queued for it.
func (h *httpHandler) handleDeleteCard(c *gin.Context) {
	cardID := c.Param("id")
	service, err := h.sync.For(ownerID(c))
	if err != nil {
		h.writeError(c, "cards.delete", err)
		return
	}
	err = service.DirectWrite(c.Request.Context(), cardID, func(ctx context.Context) error {
		if deleteErr := h.repository.Delete(ctx, ownerID(c), cardID); deleteErr != nil {
			return deleteErr
		}
		service.Forget(cardID)
		return nil
	})
	if err != nil {
		h.writeError(c, "cards.delete", err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (h *httpHandler) handleMarkSold(c *gin.Context) {
	var payload salePayload
	if err := c.ShouldBindJSON(&payload); err != nil {
		badRequest(c)
		return
	}
	cardID := c.Param("id")
	service, err := h.sync.For(ownerID(c))
	if err != nil {
		h.writeError(c, "cards.mark_sold", err)
		return
	}
	var sold cards.SoldCard
	err = service.DirectWrite(c.Request.Context(), cardID, func(ctx context.Context) error {
		var soldErr error
		sold, soldErr = h.repository.MarkSold(ctx, ownerID(c), cardID, payload.toSale())
		if soldErr != nil {
			return soldErr
		}
		service.Forget(cardID)
		return nil
	})
	if err != nil {
		h.writeError(c, "cards.mark_sold", err)
		return
	}
	c.JSON(http.StatusOK, sold)
}

func (h *httpHandler) handleListSold(c *gin.Context) {
	sold, err := h.repository.ListSold(c.Request.Context(), ownerID(c))
	if err != nil {
		h.writeError(c, "cards.list_sold", err)
		return
	}
	if sold == nil {
		sold = []cards.SoldCard{}
	}
	c.JSON(http.StatusOK, gin.H{"sold": sold})
}

func (h *httpHandler) handleDeleteMany(c *gin.Context) {
	var payload deleteManyPayload
	if err := c.ShouldBindJSON(&payload); err != nil || len(payload.IDs) == 0 {
		badRequest(c)
		return
	}
	service, err := h.sync.For(ownerID(c))
	if err != nil {
		h.writeError(c, "cards.delete_many", err)
		return
	}
	service.BeginDirectWrite()
	result := h.repository.DeleteMany(c.Request.Context(), ownerID(c), payload.IDs)
	service.Forget(result.CardIDs...)
	service.EndDirectWrite(result.CardIDs...)
	c.JSON(http.StatusOK, result)
}

func nonNilCards(list []cards.Card) []cards.Card {
	if list == nil {
		return []cards.Card{}
	}
	return list
}
