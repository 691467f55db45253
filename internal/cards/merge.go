package cards

import "gorm.io/datatypes"

// mergeCard applies the fields present in payload onto stored. Identity,
// ownership and creation time always come from stored. A nil ImageURL keeps the
// stored image; an empty one clears it.
func mergeCard(stored Card, payload Card) Card {
	merged := stored
	if payload.Serial != "" {
		merged.Serial = payload.Serial
	}
	if payload.Name != "" {
		merged.Name = payload.Name
	}
	if payload.Condition != "" {
		merged.Condition = payload.Condition
	}
	if payload.ImageURL != nil {
		if *payload.ImageURL == "" {
			merged.ImageURL = nil
		} else {
			url := *payload.ImageURL
			merged.ImageURL = &url
		}
	}
	if payload.PurchasePrice.Valid {
		merged.PurchasePrice = payload.PurchasePrice
	}
	if payload.CurrentValue.Valid {
		merged.CurrentValue = payload.CurrentValue
	}
	if payload.PurchaseDate != nil {
		date := *payload.PurchaseDate
		merged.PurchaseDate = &date
	}
	if len(payload.Attributes) > 0 {
		attributes := make(datatypes.JSONMap, len(stored.Attributes)+len(payload.Attributes))
		for key, value := range stored.Attributes {
			attributes[key] = value
		}
		for key, value := range payload.Attributes {
			attributes[key] = value
		}
		merged.Attributes = attributes
	}
	return merged
}
