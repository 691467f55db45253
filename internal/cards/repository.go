package cards

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/MarcoPoloResearchLab/cardledger/internal/feed"
	"github.com/MarcoPoloResearchLab/cardledger/internal/imagecache"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const (
	fieldOwnerID       = "owner_id"
	fieldCardID        = "card_id"
	fieldCollectionKey = "collection_key"
	columnCardID       = "card_id"
	orderCardIDAsc     = columnCardID + " ASC"
	orderUpdatedDesc   = "updated_at_s DESC"
	queryOwner         = fieldOwnerID + " = ?"
	queryOwnerCard     = fieldOwnerID + " = ? AND " + fieldCardID + " = ?"
	queryOwnerSerial   = fieldOwnerID + " = ? AND serial = ?"
	queryOwnerSerialOr = fieldOwnerID + " = ? AND (serial = ? OR " + fieldCardID + " = ?)"
	queryOwnerCollect  = fieldOwnerID + " = ? AND " + fieldCollectionKey + " = ?"
	queryCollectPage   = queryOwnerCollect + " AND " + fieldCardID + " > ?"

	defaultBatchSize     = 100
	defaultImageCacheTTL = 24 * time.Hour
)

var noOpLogger = zap.NewNop()

// BlobStore stores card images. Failures never fail the owning card operation.
type BlobStore interface {
	Upload(ctx context.Context, ownerID, cardID string, data []byte) (string, error)
	Delete(ctx context.Context, ownerID, cardID string) error
}

// ImageCache is the local copy of uploaded images, evicted when a card goes away.
type ImageCache interface {
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
	Delete(ctx context.Context, key string) error
}

// ChangeFeed carries change notifications to live subscribers.
type ChangeFeed interface {
	Publish(message feed.Message)
	Subscribe(ctx context.Context, ownerID string) (<-chan feed.Message, func())
}

// RepositoryConfig describes the collaborators of a Repository. Blobs and
// ImageCache are optional.
type RepositoryConfig struct {
	Database      *gorm.DB
	Blobs         BlobStore
	ImageCache    ImageCache
	ImageCacheTTL time.Duration
	Feed          ChangeFeed
	Clock         func() time.Time
	IDProvider    IDProvider
	Logger        *zap.Logger
	BatchSize     int
}

// Repository is the only gateway to remote card persistence. Every operation is
// scoped to one owner.
type Repository struct {
	db            *gorm.DB
	blobs         BlobStore
	imageCache    ImageCache
	imageCacheTTL time.Duration
	feed          ChangeFeed
	clock         func() time.Time
	idProvider    IDProvider
	logger        *zap.Logger
	batchSize     int
}

func NewRepository(cfg RepositoryConfig) (*Repository, error) {
	if cfg.Database == nil {
		return nil, newServiceError(opRepositoryNew, reasonMissingDatabase, errMissingDatabase)
	}
	if cfg.IDProvider == nil {
		return nil, newServiceError(opRepositoryNew, "missing_id_provider", errMissingIDProvider)
	}

	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = noOpLogger
	}
	changeFeed := cfg.Feed
	if changeFeed == nil {
		changeFeed = feed.NewDispatcher()
	}
	batchSize := cfg.BatchSize
	if batchSize <= 0 {
		batchSize = defaultBatchSize
	}
	imageCacheTTL := cfg.ImageCacheTTL
	if imageCacheTTL <= 0 {
		imageCacheTTL = defaultImageCacheTTL
	}

	return &Repository{
		db:            cfg.Database,
		blobs:         cfg.Blobs,
		imageCache:    cfg.ImageCache,
		imageCacheTTL: imageCacheTTL,
		feed:          changeFeed,
		clock:         clock,
		idProvider:    cfg.IDProvider,
		logger:        logger,
		batchSize:     batchSize,
	}, nil
}

// Create persists a new card. A card sharing the id or serial of a stored card
// is merged into it through Update instead of being duplicated. An image upload
// failure leaves the card without an image.
func (r *Repository) Create(ctx context.Context, ownerID string, card Card, image []byte) (Card, error) {
	owner, err := NewOwnerID(ownerID)
	if err != nil {
		return Card{}, err
	}
	normalizeCard(&card)

	existing, err := r.findForCreate(ctx, owner, card.CardID, card.Serial)
	if err != nil {
		r.logError(opCreate, reasonLookupFailed, err, zap.String(fieldOwnerID, owner.String()), zap.String(fieldCardID, card.CardID))
		return Card{}, newServiceError(opCreate, reasonLookupFailed, err)
	}
	if existing != nil {
		return r.mergeIntoExisting(ctx, owner, *existing, card, image)
	}

	if card.CollectionKey == "" {
		return Card{}, fmt.Errorf("%w: create requires a collection", ErrCollectionUnresolved)
	}
	if card.CardID == "" {
		generated, idErr := r.idProvider.NewID()
		if idErr != nil {
			r.logError(opCreate, reasonIDGeneration, idErr, zap.String(fieldOwnerID, owner.String()))
			return Card{}, newServiceError(opCreate, reasonIDGeneration, idErr)
		}
		card.CardID = generated
	}
	if _, err := NewCardID(card.CardID); err != nil {
		return Card{}, err
	}

	card.OwnerID = owner.String()
	card.PreviousCollection = ""
	if len(image) > 0 {
		if url, ok := r.uploadImage(ctx, opCreate, owner, card.CardID, image); ok {
			card.ImageURL = &url
		}
	}

	now := r.clock().UTC().Unix()
	card.CreatedAtSeconds = now
	card.UpdatedAtSeconds = now
	if err := r.db.WithContext(ctx).Create(&card).Error; err != nil {
		r.logError(opCreate, reasonInsertFailed, err, zap.String(fieldOwnerID, owner.String()), zap.String(fieldCardID, card.CardID))
		return Card{}, newServiceError(opCreate, reasonInsertFailed, err)
	}

	r.publish(owner, feed.EventCardUpserted, card.CardID)
	return card, nil
}

func (r *Repository) mergeIntoExisting(ctx context.Context, owner OwnerID, existing Card, card Card, image []byte) (Card, error) {
	r.logger.Info("card already stored, merging create into update",
		zap.String(fieldOwnerID, owner.String()),
		zap.String(fieldCardID, existing.CardID))

	card.CardID = existing.CardID
	if len(image) > 0 {
		if url, ok := r.uploadImage(ctx, opCreate, owner, existing.CardID, image); ok {
			card.ImageURL = &url
		}
	}
	if _, err := r.Update(ctx, owner.String(), card); err != nil {
		return Card{}, err
	}
	stored, err := r.Get(ctx, owner.String(), existing.CardID)
	if err != nil {
		return Card{}, err
	}
	if stored == nil {
		return Card{}, newServiceError(opCreate, reasonLookupFailed, ErrCardNotFound)
	}
	return *stored, nil
}

// Get looks a card up by id and, for numeric-looking ids, falls back to the
// serial. Absence returns (nil, nil).
func (r *Repository) Get(ctx context.Context, ownerID, cardID string) (*Card, error) {
	owner, err := NewOwnerID(ownerID)
	if err != nil {
		return nil, err
	}
	id, err := NewCardID(cardID)
	if err != nil {
		return nil, err
	}

	card, err := r.takeCard(ctx, queryOwnerCard, owner.String(), id.String())
	if err == nil && card == nil && isNumeric(id.String()) {
		card, err = r.takeCard(ctx, queryOwnerSerial, owner.String(), id.String())
	}
	if err != nil {
		r.logError(opGet, reasonLookupFailed, err, zap.String(fieldOwnerID, owner.String()), zap.String(fieldCardID, id.String()))
		return nil, newServiceError(opGet, reasonLookupFailed, err)
	}
	return card, nil
}

// Update merges payload into the stored card, creating it when absent. The
// target id comes from payload.CardID, or payload.Serial when no id is given.
// A change of collection stamps PreviousCollection.
func (r *Repository) Update(ctx context.Context, ownerID string, payload Card) (bool, error) {
	owner, err := NewOwnerID(ownerID)
	if err != nil {
		return false, err
	}
	normalizeCard(&payload)

	targetID := payload.CardID
	if targetID == "" {
		targetID = payload.Serial
	}
	if _, err := NewCardID(targetID); err != nil {
		return false, err
	}

	var existing *Card
	if payload.CardID != "" {
		existing, err = r.takeCard(ctx, queryOwnerCard, owner.String(), payload.CardID)
	} else {
		existing, err = r.takeCard(ctx, queryOwnerSerialOr, owner.String(), payload.Serial, payload.Serial)
	}
	if err != nil {
		r.logError(opUpdate, reasonLookupFailed, err, zap.String(fieldOwnerID, owner.String()), zap.String(fieldCardID, targetID))
		return false, newServiceError(opUpdate, reasonLookupFailed, err)
	}

	now := r.clock().UTC().Unix()
	if existing == nil {
		if payload.CollectionKey == "" {
			r.logError(opUpdate, reasonCollectionMiss, ErrCollectionUnresolved, zap.String(fieldCardID, targetID))
			return false, fmt.Errorf("%w: card %s", ErrCollectionUnresolved, targetID)
		}
		created := payload
		if created.ImageURL != nil && *created.ImageURL == "" {
			created.ImageURL = nil
		}
		created.OwnerID = owner.String()
		created.CardID = targetID
		created.PreviousCollection = ""
		created.CreatedAtSeconds = now
		created.UpdatedAtSeconds = now
		if err := r.db.WithContext(ctx).Create(&created).Error; err != nil {
			r.logError(opUpdate, reasonInsertFailed, err, zap.String(fieldOwnerID, owner.String()), zap.String(fieldCardID, targetID))
			return false, newServiceError(opUpdate, reasonInsertFailed, err)
		}
		r.logger.Debug("update created missing card",
			zap.String(fieldOwnerID, owner.String()),
			zap.String(fieldCardID, targetID))
		r.publish(owner, feed.EventCardUpserted, targetID)
		return true, nil
	}

	targetCollection := payload.CollectionKey
	if targetCollection == "" {
		targetCollection = existing.CollectionKey
	}
	if targetCollection == "" {
		r.logError(opUpdate, reasonCollectionMiss, ErrCollectionUnresolved, zap.String(fieldCardID, existing.CardID))
		return false, fmt.Errorf("%w: card %s", ErrCollectionUnresolved, existing.CardID)
	}

	merged := mergeCard(*existing, payload)
	if existing.CollectionKey != "" && targetCollection != existing.CollectionKey {
		merged.PreviousCollection = existing.CollectionKey
		r.logger.Info("card moved between collections",
			zap.String(fieldCardID, existing.CardID),
			zap.String("from", existing.CollectionKey),
			zap.String("to", targetCollection))
	}
	merged.CollectionKey = targetCollection
	merged.UpdatedAtSeconds = now
	if merged.CreatedAtSeconds == 0 {
		merged.CreatedAtSeconds = now
	}

	if err := r.db.WithContext(ctx).Save(&merged).Error; err != nil {
		r.logError(opUpdate, reasonSaveFailed, err, zap.String(fieldOwnerID, owner.String()), zap.String(fieldCardID, merged.CardID))
		return false, newServiceError(opUpdate, reasonSaveFailed, err)
	}
	r.publish(owner, feed.EventCardUpserted, merged.CardID)
	return true, nil
}

// Delete removes the card and, best effort, its image and cached image. A card
// that is already gone still gets its image cleaned up.
func (r *Repository) Delete(ctx context.Context, ownerID, cardID string) error {
	owner, err := NewOwnerID(ownerID)
	if err != nil {
		return err
	}
	id, err := NewCardID(cardID)
	if err != nil {
		return err
	}

	var deleteErr error
	result := r.db.WithContext(ctx).Where(queryOwnerCard, owner.String(), id.String()).Delete(&Card{})
	if result.Error != nil {
		r.logError(opDelete, reasonDeleteFailed, result.Error, zap.String(fieldOwnerID, owner.String()), zap.String(fieldCardID, id.String()))
		deleteErr = newServiceError(opDelete, reasonDeleteFailed, result.Error)
	} else if result.RowsAffected == 0 {
		r.logger.Debug("card already absent, cleaning up image only",
			zap.String(fieldOwnerID, owner.String()),
			zap.String(fieldCardID, id.String()))
	}

	r.cleanupImage(ctx, opDelete, owner, id.String())
	if deleteErr == nil {
		r.publish(owner, feed.EventCardDeleted, id.String())
	}
	return deleteErr
}

func (r *Repository) findForCreate(ctx context.Context, owner OwnerID, cardID, serial string) (*Card, error) {
	if cardID != "" {
		card, err := r.takeCard(ctx, queryOwnerCard, owner.String(), cardID)
		if err != nil || card != nil {
			return card, err
		}
	}
	if serial != "" {
		return r.takeCard(ctx, queryOwnerSerialOr, owner.String(), serial, serial)
	}
	return nil, nil
}

func (r *Repository) takeCard(ctx context.Context, query string, args ...any) (*Card, error) {
	var card Card
	err := r.db.WithContext(ctx).Where(query, args...).Order(orderCardIDAsc).Take(&card).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &card, nil
}

func (r *Repository) uploadImage(ctx context.Context, operation string, owner OwnerID, cardID string, image []byte) (string, bool) {
	if r.blobs == nil {
		return "", false
	}
	url, err := r.blobs.Upload(ctx, owner.String(), cardID, image)
	if err != nil {
		r.logWarn(operation, reasonImageUpload, err, zap.String(fieldOwnerID, owner.String()), zap.String(fieldCardID, cardID))
		return "", false
	}
	if r.imageCache != nil {
		if err := r.imageCache.Set(ctx, imagecache.Key(owner.String(), cardID), image, r.imageCacheTTL); err != nil {
			r.logWarn(operation, "image_cache_set_failed", err, zap.String(fieldCardID, cardID))
		}
	}
	return url, true
}

func (r *Repository) cleanupImage(ctx context.Context, operation string, owner OwnerID, cardID string) {
	if r.blobs != nil {
		if err := r.blobs.Delete(ctx, owner.String(), cardID); err != nil {
			r.logWarn(operation, reasonImageDelete, err, zap.String(fieldOwnerID, owner.String()), zap.String(fieldCardID, cardID))
		}
	}
	if r.imageCache != nil {
		if err := r.imageCache.Delete(ctx, imagecache.Key(owner.String(), cardID)); err != nil {
			r.logWarn(operation, reasonCacheEvict, err, zap.String(fieldCardID, cardID))
		}
	}
}

func (r *Repository) publish(owner OwnerID, eventType string, cardIDs ...string) {
	r.feed.Publish(feed.Message{
		OwnerID:   owner.String(),
		EventType: eventType,
		CardIDs:   cardIDs,
		Timestamp: r.clock().UTC(),
	})
}

func (r *Repository) logError(operation, reason string, err error, fields ...zap.Field) {
	r.logger.Error("cards repository error", logFields(operation, reason, err, fields)...)
}

func (r *Repository) logWarn(operation, reason string, err error, fields ...zap.Field) {
	r.logger.Warn("cards repository degraded", logFields(operation, reason, err, fields)...)
}

func logFields(operation, reason string, err error, fields []zap.Field) []zap.Field {
	attrs := []zap.Field{
		zap.String("operation", operation),
		zap.String("reason", reason),
	}
	if err != nil {
		attrs = append(attrs, zap.Error(err))
	}
	return append(attrs, fields...)
}

func normalizeCard(card *Card) {
	card.CardID = strings.TrimSpace(card.CardID)
	card.Serial = strings.TrimSpace(card.Serial)
	card.CollectionKey = strings.TrimSpace(card.CollectionKey)
}

func isNumeric(value string) bool {
	if value == "" {
		return false
	}
	for _, r := range value {
		if r < '0' || r > '9' {
			return false
		}
	}
	return true
}
