package cards

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"gorm.io/datatypes"
)

const maxIdentifierLength = 190

var (
	// ErrInvalidCardID indicates that a card identifier is empty or exceeds storage bounds.
	ErrInvalidCardID = errors.New("cards: invalid card id")
	// ErrInvalidOwnerID indicates that an owner identifier is empty or exceeds storage bounds.
	ErrInvalidOwnerID = errors.New("cards: invalid owner id")
	// ErrInvalidCollectionKey indicates that a collection key is empty or exceeds storage bounds.
	ErrInvalidCollectionKey = errors.New("cards: invalid collection key")
	// ErrCollectionUnresolved indicates that neither the payload nor the stored card names a collection.
	ErrCollectionUnresolved = errors.New("cards: collection could not be resolved")
	// ErrCardNotFound indicates that an operation required an existing card.
	ErrCardNotFound = errors.New("cards: card not found")
	// ErrInvalidSale indicates that sale data is incomplete.
	ErrInvalidSale = errors.New("cards: invalid sale")
)

// CardID represents a validated card identifier.
type CardID string

// NewCardID validates raw input and returns a CardID.
func NewCardID(rawInput string) (CardID, error) {
	trimmed, err := validateIdentifier(rawInput, ErrInvalidCardID)
	return CardID(trimmed), err
}

func (id CardID) String() string {
	return string(id)
}

// OwnerID represents a validated account identifier.
type OwnerID string

// NewOwnerID validates raw input and returns an OwnerID.
func NewOwnerID(rawInput string) (OwnerID, error) {
	trimmed, err := validateIdentifier(rawInput, ErrInvalidOwnerID)
	return OwnerID(trimmed), err
}

func (id OwnerID) String() string {
	return string(id)
}

// CollectionKey represents a validated collection key.
type CollectionKey string

// NewCollectionKey validates raw input and returns a CollectionKey.
func NewCollectionKey(rawInput string) (CollectionKey, error) {
	trimmed, err := validateIdentifier(rawInput, ErrInvalidCollectionKey)
	return CollectionKey(trimmed), err
}

func (key CollectionKey) String() string {
	return string(key)
}

func validateIdentifier(rawInput string, sentinel error) (string, error) {
	trimmed := strings.TrimSpace(rawInput)
	if trimmed == "" {
		return "", fmt.Errorf("%w: empty", sentinel)
	}
	if len(trimmed) > maxIdentifierLength {
		return "", fmt.Errorf("%w: exceeds %d characters", sentinel, maxIdentifierLength)
	}
	return trimmed, nil
}

// Card is a tracked collectible. A card belongs to exactly one collection at a time.
type Card struct {
	OwnerID            string              `gorm:"column:owner_id;primaryKey;size:190;not null;index:idx_cards_owner_collection,priority:1;index:idx_cards_owner_serial,priority:1" json:"ownerId"`
	CardID             string              `gorm:"column:card_id;primaryKey;size:190;not null;index:idx_cards_owner_collection,priority:3" json:"id"`
	Serial             string              `gorm:"column:serial;size:190;not null;default:'';index:idx_cards_owner_serial,priority:2" json:"serial,omitempty"`
	Name               string              `gorm:"column:name;size:255;not null;default:''" json:"name,omitempty"`
	Condition          string              `gorm:"column:condition;size:64;not null;default:''" json:"condition,omitempty"`
	CollectionKey      string              `gorm:"column:collection_key;size:190;not null;index:idx_cards_owner_collection,priority:2" json:"collectionKey,omitempty"`
	PreviousCollection string              `gorm:"column:previous_collection;size:190;not null;default:''" json:"previousCollection,omitempty"`
	ImageURL           *string             `gorm:"column:image_url;size:1024" json:"imageUrl,omitempty"`
	PurchasePrice      decimal.NullDecimal `gorm:"column:purchase_price;type:varchar(40)" json:"purchasePrice"`
	CurrentValue       decimal.NullDecimal `gorm:"column:current_value;type:varchar(40)" json:"currentValue"`
	PurchaseDate       *time.Time          `gorm:"column:purchase_date" json:"purchaseDate,omitempty"`
	Attributes         datatypes.JSONMap   `gorm:"column:attributes" json:"attributes,omitempty"`
	CreatedAtSeconds   int64               `gorm:"column:created_at_s;not null" json:"createdAt"`
	UpdatedAtSeconds   int64               `gorm:"column:updated_at_s;not null;index" json:"updatedAt"`
}

// TableName provides the explicit table binding for GORM.
func (Card) TableName() string {
	return "cards"
}

// Collection groups cards. CardCount is a cache refreshed only by an explicit recount.
type Collection struct {
	OwnerID          string `gorm:"column:owner_id;primaryKey;size:190;not null" json:"ownerId"`
	CollectionKey    string `gorm:"column:collection_key;primaryKey;size:190;not null" json:"key"`
	Name             string `gorm:"column:name;size:255;not null;default:''" json:"name"`
	Description      string `gorm:"column:description;type:text;not null;default:''" json:"description,omitempty"`
	CardCount        int64  `gorm:"column:card_count;not null;default:0" json:"cardCount"`
	CreatedAtSeconds int64  `gorm:"column:created_at_s;not null" json:"createdAt"`
	UpdatedAtSeconds int64  `gorm:"column:updated_at_s;not null" json:"updatedAt"`
}

// TableName provides the explicit table binding for GORM.
func (Collection) TableName() string {
	return "collections"
}

// SoldCard is the terminal copy of a card produced by MarkSold. The primary key
// on (owner_id, original_id) allows at most one sale per originating card.
type SoldCard struct {
	OwnerID          string              `gorm:"column:owner_id;primaryKey;size:190;not null" json:"ownerId"`
	OriginalID       string              `gorm:"column:original_id;primaryKey;size:190;not null" json:"originalId"`
	Serial           string              `gorm:"column:serial;size:190;not null;default:''" json:"serial,omitempty"`
	Name             string              `gorm:"column:name;size:255;not null;default:''" json:"name,omitempty"`
	Condition        string              `gorm:"column:condition;size:64;not null;default:''" json:"condition,omitempty"`
	CollectionKey    string              `gorm:"column:collection_key;size:190;not null;default:''" json:"collectionKey,omitempty"`
	PurchasePrice    decimal.NullDecimal `gorm:"column:purchase_price;type:varchar(40)" json:"purchasePrice"`
	PurchaseDate     *time.Time          `gorm:"column:purchase_date" json:"purchaseDate,omitempty"`
	Attributes       datatypes.JSONMap   `gorm:"column:attributes" json:"attributes,omitempty"`
	SalePrice        decimal.Decimal     `gorm:"column:sale_price;type:varchar(40);not null" json:"salePrice"`
	Buyer            string              `gorm:"column:buyer;size:255;not null;default:''" json:"buyer,omitempty"`
	Profit           decimal.Decimal     `gorm:"column:profit;type:varchar(40);not null" json:"profit"`
	SoldAtSeconds    int64               `gorm:"column:sold_at_s;not null" json:"soldAt"`
	CreatedAtSeconds int64               `gorm:"column:created_at_s;not null" json:"createdAt"`
	UpdatedAtSeconds int64               `gorm:"column:updated_at_s;not null" json:"updatedAt"`
}

// TableName provides the explicit table binding for GORM.
func (SoldCard) TableName() string {
	return "sold_cards"
}

// Sale carries the metadata stamped onto a SoldCard.
type Sale struct {
	Price  decimal.Decimal
	Buyer  string
	SoldAt time.Time
}

// BatchResult summarizes a batch operation. Individual failures increment
// ErrorCount without aborting the batch.
type BatchResult struct {
	Count      int `json:"count"`
	ErrorCount int `json:"errorCount"`
	// CardIDs lists the cards the batch succeeded on.
	CardIDs []string `json:"ids,omitempty"`
}

// Models lists every table owned by this package, for schema migration.
func Models() []any {
	return []any{&Card{}, &Collection{}, &SoldCard{}}
}
