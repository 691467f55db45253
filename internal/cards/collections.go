package cards

import (
	"context"
	"errors"
	"sort"
	"strings"

	"github.com/MarcoPoloResearchLab/cardledger/internal/feed"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// ListCards returns every live card of the owner, most recently updated first.
func (r *Repository) ListCards(ctx context.Context, ownerID string) ([]Card, error) {
	owner, err := NewOwnerID(ownerID)
	if err != nil {
		return nil, err
	}
	var cards []Card
	if err := r.db.WithContext(ctx).
		Where(queryOwner, owner.String()).
		Order(orderUpdatedDesc).
		Order(orderCardIDAsc).
		Find(&cards).Error; err != nil {
		r.logError(opListCards, reasonQueryFailed, err, zap.String(fieldOwnerID, owner.String()))
		return nil, newServiceError(opListCards, reasonQueryFailed, err)
	}
	return cards, nil
}

// CardsForCollection returns the live members of a collection.
func (r *Repository) CardsForCollection(ctx context.Context, ownerID, collectionKey string) ([]Card, error) {
	owner, err := NewOwnerID(ownerID)
	if err != nil {
		return nil, err
	}
	key, err := NewCollectionKey(collectionKey)
	if err != nil {
		return nil, err
	}
	var cards []Card
	if err := r.db.WithContext(ctx).
		Where(queryOwnerCollect, owner.String(), key.String()).
		Order(orderUpdatedDesc).
		Order(orderCardIDAsc).
		Find(&cards).Error; err != nil {
		r.logError(opCardsInCollection, reasonQueryFailed, err,
			zap.String(fieldOwnerID, owner.String()),
			zap.String(fieldCollectionKey, key.String()))
		return nil, newServiceError(opCardsInCollection, reasonQueryFailed, err)
	}
	return cards, nil
}

// ListSold returns the owner's sold cards, most recent sale first.
func (r *Repository) ListSold(ctx context.Context, ownerID string) ([]SoldCard, error) {
	owner, err := NewOwnerID(ownerID)
	if err != nil {
		return nil, err
	}
	var sold []SoldCard
	if err := r.db.WithContext(ctx).
		Where(queryOwner, owner.String()).
		Order("sold_at_s DESC").
		Find(&sold).Error; err != nil {
		r.logError(opListSold, reasonQueryFailed, err, zap.String(fieldOwnerID, owner.String()))
		return nil, newServiceError(opListSold, reasonQueryFailed, err)
	}
	return sold, nil
}

// UpsertCollection creates or renames a collection. The cached count is left untouched.
func (r *Repository) UpsertCollection(ctx context.Context, ownerID string, collection Collection) (Collection, error) {
	owner, err := NewOwnerID(ownerID)
	if err != nil {
		return Collection{}, err
	}
	key, err := NewCollectionKey(collection.CollectionKey)
	if err != nil {
		return Collection{}, err
	}

	existing, err := r.takeCollection(ctx, owner.String(), key.String())
	if err != nil {
		r.logError(opUpsertCollection, reasonLookupFailed, err, zap.String(fieldCollectionKey, key.String()))
		return Collection{}, newServiceError(opUpsertCollection, reasonLookupFailed, err)
	}

	now := r.clock().UTC().Unix()
	stored := Collection{
		OwnerID:          owner.String(),
		CollectionKey:    key.String(),
		Name:             strings.TrimSpace(collection.Name),
		Description:      collection.Description,
		CreatedAtSeconds: now,
		UpdatedAtSeconds: now,
	}
	if stored.Name == "" {
		stored.Name = key.String()
	}
	if existing != nil {
		stored.CardCount = existing.CardCount
		stored.CreatedAtSeconds = existing.CreatedAtSeconds
	}
	if err := r.db.WithContext(ctx).Save(&stored).Error; err != nil {
		r.logError(opUpsertCollection, reasonSaveFailed, err, zap.String(fieldCollectionKey, key.String()))
		return Collection{}, newServiceError(opUpsertCollection, reasonSaveFailed, err)
	}
	return stored, nil
}

// GetCollection returns (nil, nil) when the collection does not exist.
func (r *Repository) GetCollection(ctx context.Context, ownerID, collectionKey string) (*Collection, error) {
	owner, err := NewOwnerID(ownerID)
	if err != nil {
		return nil, err
	}
	key, err := NewCollectionKey(collectionKey)
	if err != nil {
		return nil, err
	}
	collection, err := r.takeCollection(ctx, owner.String(), key.String())
	if err != nil {
		r.logError(opGetCollection, reasonLookupFailed, err, zap.String(fieldCollectionKey, key.String()))
		return nil, newServiceError(opGetCollection, reasonLookupFailed, err)
	}
	return collection, nil
}

func (r *Repository) ListCollections(ctx context.Context, ownerID string) ([]Collection, error) {
	owner, err := NewOwnerID(ownerID)
	if err != nil {
		return nil, err
	}
	var collections []Collection
	if err := r.db.WithContext(ctx).
		Where(queryOwner, owner.String()).
		Order("collection_key ASC").
		Find(&collections).Error; err != nil {
		r.logError(opListCollections, reasonQueryFailed, err, zap.String(fieldOwnerID, owner.String()))
		return nil, newServiceError(opListCollections, reasonQueryFailed, err)
	}
	return collections, nil
}

// RecountCollection recomputes the cached member count, creating the collection
// record when only its members exist.
func (r *Repository) RecountCollection(ctx context.Context, ownerID, collectionKey string) (int64, error) {
	owner, err := NewOwnerID(ownerID)
	if err != nil {
		return 0, err
	}
	key, err := NewCollectionKey(collectionKey)
	if err != nil {
		return 0, err
	}

	var count int64
	if err := r.db.WithContext(ctx).Model(&Card{}).
		Where(queryOwnerCollect, owner.String(), key.String()).
		Count(&count).Error; err != nil {
		r.logError(opRecount, reasonQueryFailed, err, zap.String(fieldCollectionKey, key.String()))
		return 0, newServiceError(opRecount, reasonQueryFailed, err)
	}

	existing, err := r.takeCollection(ctx, owner.String(), key.String())
	if err != nil {
		r.logError(opRecount, reasonLookupFailed, err, zap.String(fieldCollectionKey, key.String()))
		return 0, newServiceError(opRecount, reasonLookupFailed, err)
	}

	now := r.clock().UTC().Unix()
	collection := Collection{
		OwnerID:          owner.String(),
		CollectionKey:    key.String(),
		Name:             key.String(),
		CreatedAtSeconds: now,
	}
	if existing != nil {
		collection = *existing
	}
	collection.CardCount = count
	collection.UpdatedAtSeconds = now
	if err := r.db.WithContext(ctx).Save(&collection).Error; err != nil {
		r.logError(opRecount, reasonSaveFailed, err, zap.String(fieldCollectionKey, key.String()))
		return 0, newServiceError(opRecount, reasonSaveFailed, err)
	}
	return count, nil
}

// RecountCollections recounts every known collection, including keys that only
// appear on cards. Individual failures are logged and skipped.
func (r *Repository) RecountCollections(ctx context.Context, ownerID string) (map[string]int64, error) {
	owner, err := NewOwnerID(ownerID)
	if err != nil {
		return nil, err
	}

	var storedKeys []string
	if err := r.db.WithContext(ctx).Model(&Collection{}).
		Where(queryOwner, owner.String()).
		Pluck(fieldCollectionKey, &storedKeys).Error; err != nil {
		r.logError(opRecount, reasonQueryFailed, err, zap.String(fieldOwnerID, owner.String()))
		return nil, newServiceError(opRecount, reasonQueryFailed, err)
	}
	var memberKeys []string
	if err := r.db.WithContext(ctx).Model(&Card{}).
		Where(queryOwner, owner.String()).
		Distinct(fieldCollectionKey).
		Pluck(fieldCollectionKey, &memberKeys).Error; err != nil {
		r.logError(opRecount, reasonQueryFailed, err, zap.String(fieldOwnerID, owner.String()))
		return nil, newServiceError(opRecount, reasonQueryFailed, err)
	}

	keys := make(map[string]struct{}, len(storedKeys)+len(memberKeys))
	for _, key := range append(storedKeys, memberKeys...) {
		if strings.TrimSpace(key) != "" {
			keys[key] = struct{}{}
		}
	}
	ordered := make([]string, 0, len(keys))
	for key := range keys {
		ordered = append(ordered, key)
	}
	sort.Strings(ordered)

	counts := make(map[string]int64, len(ordered))
	for _, key := range ordered {
		count, err := r.RecountCollection(ctx, owner.String(), key)
		if err != nil {
			continue
		}
		counts[key] = count
	}
	r.publish(owner, feed.EventCollectionRecounted)
	return counts, nil
}

func (r *Repository) takeCollection(ctx context.Context, ownerID, collectionKey string) (*Collection, error) {
	var collection Collection
	err := r.db.WithContext(ctx).Where(queryOwnerCollect, ownerID, collectionKey).Take(&collection).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &collection, nil
}
