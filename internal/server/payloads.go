package server

import (
	"strings"
	"time"

	"github.com/MarcoPoloResearchLab/cardledger/internal/cards"
	"github.com/shopspring/decimal"
	"gorm.io/datatypes"
)

// cardPayload is the wire form of a card. collectionId is accepted as an alias
// of collectionKey; when both are present they must agree.
type cardPayload struct {
	ID            string              `json:"id"`
	Serial        string              `json:"serial"`
	Name          string              `json:"name"`
	Condition     string              `json:"condition"`
	CollectionKey string              `json:"collectionKey"`
	CollectionID  string              `json:"collectionId"`
	ImageURL      *string             `json:"imageUrl"`
	PurchasePrice decimal.NullDecimal `json:"purchasePrice"`
	CurrentValue  decimal.NullDecimal `json:"currentValue"`
	PurchaseDate  *time.Time          `json:"purchaseDate"`
	Attributes    map[string]any      `json:"attributes"`
	Image         []byte              `json:"image"`
}

func (p cardPayload) collection() (string, bool) {
	key := strings.TrimSpace(p.CollectionKey)
	alias := strings.TrimSpace(p.CollectionID)
	if key != "" && alias != "" && key != alias {
		return "", false
	}
	if key == "" {
		key = alias
	}
	return key, true
}

func (p cardPayload) toCard(collectionKey string) cards.Card {
	card := cards.Card{
		CardID:        strings.TrimSpace(p.ID),
		Serial:        strings.TrimSpace(p.Serial),
		Name:          p.Name,
		Condition:     p.Condition,
		CollectionKey: collectionKey,
		ImageURL:      p.ImageURL,
		PurchasePrice: p.PurchasePrice,
		CurrentValue:  p.CurrentValue,
		PurchaseDate:  p.PurchaseDate,
	}
	if len(p.Attributes) > 0 {
		card.Attributes = datatypes.JSONMap(p.Attributes)
	}
	return card
}

type salePayload struct {
	Price  decimal.Decimal `json:"price"`
	Buyer  string          `json:"buyer"`
	SoldAt *time.Time      `json:"soldAt"`
}

func (p salePayload) toSale() cards.Sale {
	sale := cards.Sale{Price: p.Price, Buyer: strings.TrimSpace(p.Buyer)}
	if p.SoldAt != nil {
		sale.SoldAt = *p.SoldAt
	}
	return sale
}

type deleteManyPayload struct {
	IDs []string `json:"ids"`
}

type importPayload struct {
	Cards []cardPayload `json:"cards"`
}

type collectionPayload struct {
	Name        string `json:"name"`
	Description string `json:"description"`
}

type queuePayload struct {
	ID            string      `json:"id"`
	Card          cardPayload `json:"card"`
	CollectionKey string      `json:"collectionKey"`
	Tag           string      `json:"tag"`
}

type syncEnabledPayload struct {
	Enabled bool `json:"enabled"`
}

type cardsResponse struct {
	Cards []cards.Card `json:"cards"`
}
