package cards

import (
	"context"
	"strings"

	"github.com/MarcoPoloResearchLab/cardledger/internal/feed"
	"go.uber.org/zap"
)

// DeleteMany deletes each card independently; failures are counted, not returned.
func (r *Repository) DeleteMany(ctx context.Context, ownerID string, cardIDs []string) BatchResult {
	result := BatchResult{}
	for _, cardID := range cardIDs {
		if err := r.Delete(ctx, ownerID, cardID); err != nil {
			result.ErrorCount++
			r.logWarn(opDeleteMany, reasonItemFailed, err, zap.String(fieldCardID, cardID))
			continue
		}
		result.Count++
		result.CardIDs = append(result.CardIDs, strings.TrimSpace(cardID))
	}
	return result
}

// ImportMany upserts cards into collectionKey. Cards without an id or serial are
// created with a generated id.
func (r *Repository) ImportMany(ctx context.Context, ownerID string, incoming []Card, collectionKey string) (BatchResult, error) {
	owner, err := NewOwnerID(ownerID)
	if err != nil {
		return BatchResult{}, err
	}
	key, err := NewCollectionKey(collectionKey)
	if err != nil {
		return BatchResult{}, err
	}

	result := BatchResult{}
	for _, card := range incoming {
		card.CollectionKey = key.String()
		var itemErr error
		touched := strings.TrimSpace(card.CardID)
		if touched == "" {
			touched = strings.TrimSpace(card.Serial)
		}
		if touched == "" {
			var created Card
			created, itemErr = r.Create(ctx, owner.String(), card, nil)
			touched = created.CardID
		} else {
			_, itemErr = r.Update(ctx, owner.String(), card)
		}
		if itemErr != nil {
			result.ErrorCount++
			r.logWarn(opImportMany, reasonItemFailed, itemErr,
				zap.String(fieldCardID, card.CardID),
				zap.String(fieldCollectionKey, key.String()))
			continue
		}
		result.Count++
		result.CardIDs = append(result.CardIDs, touched)
	}
	r.logger.Info("cards imported",
		zap.String(fieldOwnerID, owner.String()),
		zap.String(fieldCollectionKey, key.String()),
		zap.Int("count", result.Count),
		zap.Int("errors", result.ErrorCount))
	return result, nil
}

// DeleteCollection deletes every member card, page by page, then the collection
// itself. Member failures are counted and the cascade continues.
func (r *Repository) DeleteCollection(ctx context.Context, ownerID, collectionKey string) (BatchResult, error) {
	owner, err := NewOwnerID(ownerID)
	if err != nil {
		return BatchResult{}, err
	}
	key, err := NewCollectionKey(collectionKey)
	if err != nil {
		return BatchResult{}, err
	}

	result := BatchResult{}
	cursor := ""
	for {
		var page []Card
		err := r.db.WithContext(ctx).
			Select(columnCardID).
			Where(queryCollectPage, owner.String(), key.String(), cursor).
			Order(orderCardIDAsc).
			Limit(r.batchSize).
			Find(&page).Error
		if err != nil {
			r.logError(opDeleteCollection, reasonQueryFailed, err,
				zap.String(fieldOwnerID, owner.String()),
				zap.String(fieldCollectionKey, key.String()))
			return result, newServiceError(opDeleteCollection, reasonQueryFailed, err)
		}
		if len(page) == 0 {
			break
		}
		for _, member := range page {
			if err := r.Delete(ctx, owner.String(), member.CardID); err != nil {
				result.ErrorCount++
				continue
			}
			result.Count++
			result.CardIDs = append(result.CardIDs, member.CardID)
		}
		cursor = page[len(page)-1].CardID
		if len(page) < r.batchSize {
			break
		}
	}

	if err := r.db.WithContext(ctx).Where(queryOwnerCollect, owner.String(), key.String()).Delete(&Collection{}).Error; err != nil {
		result.ErrorCount++
		r.logWarn(opDeleteCollection, reasonDeleteFailed, err, zap.String(fieldCollectionKey, key.String()))
	}

	r.publish(owner, feed.EventCollectionDeleted)
	return result, nil
}
