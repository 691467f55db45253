package cards

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/MarcoPoloResearchLab/cardledger/internal/feed"
	"go.uber.org/zap"
	"gorm.io/datatypes"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

const queryOwnerOriginal = fieldOwnerID + " = ? AND original_id = ?"

// MarkSold moves a card into the sold set. Repeating the call for the same card
// returns the SoldCard recorded the first time.
func (r *Repository) MarkSold(ctx context.Context, ownerID, cardID string, sale Sale) (SoldCard, error) {
	owner, err := NewOwnerID(ownerID)
	if err != nil {
		return SoldCard{}, err
	}
	id, err := NewCardID(cardID)
	if err != nil {
		return SoldCard{}, err
	}
	if sale.Price.IsNegative() {
		return SoldCard{}, fmt.Errorf("%w: negative price", ErrInvalidSale)
	}

	previous, err := r.takeSold(r.db.WithContext(ctx), owner.String(), id.String())
	if err != nil {
		r.logError(opMarkSold, reasonLookupFailed, err, zap.String(fieldOwnerID, owner.String()), zap.String(fieldCardID, id.String()))
		return SoldCard{}, newServiceError(opMarkSold, reasonLookupFailed, err)
	}
	if previous != nil {
		r.logger.Debug("card already sold", zap.String(fieldCardID, id.String()))
		return *previous, nil
	}

	card, err := r.takeCard(ctx, queryOwnerCard, owner.String(), id.String())
	if err != nil {
		r.logError(opMarkSold, reasonLookupFailed, err, zap.String(fieldOwnerID, owner.String()), zap.String(fieldCardID, id.String()))
		return SoldCard{}, newServiceError(opMarkSold, reasonLookupFailed, err)
	}
	if card == nil {
		return SoldCard{}, fmt.Errorf("%w: %s", ErrCardNotFound, id.String())
	}

	now := r.clock().UTC()
	soldAt := sale.SoldAt
	if soldAt.IsZero() {
		soldAt = now
	}
	sold := newSoldCard(*card, sale, soldAt.UTC(), now)

	stored := sold
	transactionErr := r.db.WithContext(ctx).Transaction(func(transaction *gorm.DB) error {
		created := transaction.Clauses(clause.OnConflict{DoNothing: true}).Create(&sold)
		if created.Error != nil {
			return created.Error
		}
		if created.RowsAffected == 0 {
			existing, lookupErr := r.takeSold(transaction, owner.String(), id.String())
			if lookupErr != nil {
				return lookupErr
			}
			if existing != nil {
				stored = *existing
			}
		}
		return transaction.Where(queryOwnerCard, owner.String(), id.String()).Delete(&Card{}).Error
	})
	if transactionErr != nil {
		r.logError(opMarkSold, reasonTransactionAbort, transactionErr, zap.String(fieldOwnerID, owner.String()), zap.String(fieldCardID, id.String()))
		return SoldCard{}, newServiceError(opMarkSold, reasonTransactionAbort, transactionErr)
	}

	if card.ImageURL != nil {
		r.cleanupImage(ctx, opMarkSold, owner, id.String())
	}
	r.publish(owner, feed.EventCardSold, id.String())
	return stored, nil
}

func (r *Repository) takeSold(db *gorm.DB, ownerID, originalID string) (*SoldCard, error) {
	var sold SoldCard
	err := db.Where(queryOwnerOriginal, ownerID, originalID).Take(&sold).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &sold, nil
}

func newSoldCard(card Card, sale Sale, soldAt, now time.Time) SoldCard {
	profit := sale.Price
	if card.PurchasePrice.Valid {
		profit = sale.Price.Sub(card.PurchasePrice.Decimal)
	}
	var attributes datatypes.JSONMap
	if len(card.Attributes) > 0 {
		attributes = make(datatypes.JSONMap, len(card.Attributes))
		for key, value := range card.Attributes {
			attributes[key] = value
		}
	}
	return SoldCard{
		OwnerID:          card.OwnerID,
		OriginalID:       card.CardID,
		Serial:           card.Serial,
		Name:             card.Name,
		Condition:        card.Condition,
		CollectionKey:    card.CollectionKey,
		PurchasePrice:    card.PurchasePrice,
		PurchaseDate:     card.PurchaseDate,
		Attributes:       attributes,
		SalePrice:        sale.Price,
		Buyer:            sale.Buyer,
		Profit:           profit,
		SoldAtSeconds:    soldAt.Unix(),
		CreatedAtSeconds: card.CreatedAtSeconds,
		UpdatedAtSeconds: now.Unix(),
	}
}
