package cards

import (
	"context"
	"errors"
	"testing"

	"github.com/MarcoPoloResearchLab/cardledger/internal/imagecache"
	"github.com/shopspring/decimal"
	"gorm.io/datatypes"
)

func TestCreateAssignsIdentifierAndTimestamps(t *testing.T) {
	fixture := newTestRepository(t, 0, "generated-1")

	stored := mustCreate(t, fixture.repository, Card{Name: "Rookie", CollectionKey: "binder-a"}, nil)

	if stored.CardID != "generated-1" {
		t.Fatalf("expected generated id, got %q", stored.CardID)
	}
	if stored.OwnerID != testOwner {
		t.Fatalf("expected owner to be stamped, got %q", stored.OwnerID)
	}
	if stored.CreatedAtSeconds != 1700000600 || stored.UpdatedAtSeconds != 1700000600 {
		t.Fatalf("unexpected timestamps %d/%d", stored.CreatedAtSeconds, stored.UpdatedAtSeconds)
	}
	if stored.ImageURL != nil {
		t.Fatalf("expected no image url without an image")
	}
}

func TestCreateTwiceWithSameSerialMergesIntoExistingCard(t *testing.T) {
	fixture := newTestRepository(t, 0, "generated-1", "generated-2")

	first := mustCreate(t, fixture.repository, Card{Serial: "s-100", Name: "First", CollectionKey: "binder-a"}, nil)
	second := mustCreate(t, fixture.repository, Card{Serial: "s-100", Name: "Second"}, nil)

	if second.CardID != first.CardID {
		t.Fatalf("expected second create to reuse id %q, got %q", first.CardID, second.CardID)
	}
	if second.Name != "Second" {
		t.Fatalf("expected merged name, got %q", second.Name)
	}
	if second.CollectionKey != "binder-a" {
		t.Fatalf("expected stored collection to be kept, got %q", second.CollectionKey)
	}
	if count := countCards(t, fixture.database); count != 1 {
		t.Fatalf("expected exactly one live card, got %d", count)
	}
}

func TestCreateTwiceWithSameIDMergesIntoExistingCard(t *testing.T) {
	fixture := newTestRepository(t, 0)

	mustCreate(t, fixture.repository, Card{CardID: "dup-1", Name: "First", Condition: "mint", CollectionKey: "binder-a"}, nil)
	second := mustCreate(t, fixture.repository, Card{CardID: "dup-1", Name: "Second"}, nil)

	if second.CardID != "dup-1" || second.Name != "Second" {
		t.Fatalf("expected second create to merge into dup-1, got %#v", second)
	}
	if second.Condition != "mint" || second.CollectionKey != "binder-a" {
		t.Fatalf("expected stored fields to be kept, got %#v", second)
	}
	if count := countCards(t, fixture.database); count != 1 {
		t.Fatalf("expected exactly one live card, got %d", count)
	}
}

func TestCreateRequiresCollection(t *testing.T) {
	fixture := newTestRepository(t, 0, "generated-1")

	_, err := fixture.repository.Create(context.Background(), testOwner, Card{Name: "Loose"}, nil)
	if !errors.Is(err, ErrCollectionUnresolved) {
		t.Fatalf("expected ErrCollectionUnresolved, got %v", err)
	}
	if count := countCards(t, fixture.database); count != 0 {
		t.Fatalf("expected no card to be written, got %d", count)
	}
}

func TestCreateContinuesWhenImageUploadFails(t *testing.T) {
	fixture := newTestRepository(t, 0)
	fixture.blobs.uploadErr = errors.New("quota exceeded")

	stored := mustCreate(t, fixture.repository, Card{CardID: "c1", CollectionKey: "binder-a"}, []byte("png"))

	if stored.ImageURL != nil {
		t.Fatalf("expected card without image after failed upload, got %q", *stored.ImageURL)
	}
	if mustGet(t, fixture.repository, "c1") == nil {
		t.Fatalf("expected card to be persisted despite upload failure")
	}
}

func TestCreateWithImageCachesUpload(t *testing.T) {
	fixture := newTestRepository(t, 0)

	stored := mustCreate(t, fixture.repository, Card{CardID: "c1", CollectionKey: "binder-a"}, []byte("png"))

	if stored.ImageURL == nil || *stored.ImageURL != "https://cdn.test/images/owner-1/c1" {
		t.Fatalf("unexpected image url %v", stored.ImageURL)
	}
	if _, ok := fixture.cache.entries[imagecache.Key(testOwner, "c1")]; !ok {
		t.Fatalf("expected uploaded image to be cached")
	}
}

func TestGetFallsBackToSerialForNumericIdentifiers(t *testing.T) {
	fixture := newTestRepository(t, 0)
	mustCreate(t, fixture.repository, Card{CardID: "abc", Serial: "12345", CollectionKey: "binder-a"}, nil)

	card := mustGet(t, fixture.repository, "12345")
	if card == nil || card.CardID != "abc" {
		t.Fatalf("expected serial lookup to find abc, got %#v", card)
	}
	if missing := mustGet(t, fixture.repository, "99999"); missing != nil {
		t.Fatalf("expected nil for unknown serial, got %#v", missing)
	}
	if missing := mustGet(t, fixture.repository, "not-there"); missing != nil {
		t.Fatalf("expected nil for unknown id, got %#v", missing)
	}
}

func TestGetRejectsInvalidIdentifiers(t *testing.T) {
	fixture := newTestRepository(t, 0)

	if _, err := fixture.repository.Get(context.Background(), testOwner, "  "); !errors.Is(err, ErrInvalidCardID) {
		t.Fatalf("expected ErrInvalidCardID, got %v", err)
	}
	if _, err := fixture.repository.Get(context.Background(), "", "c1"); !errors.Is(err, ErrInvalidOwnerID) {
		t.Fatalf("expected ErrInvalidOwnerID, got %v", err)
	}
}

func TestUpdateBySerialCreatesMissingCard(t *testing.T) {
	fixture := newTestRepository(t, 0)

	updated, err := fixture.repository.Update(context.Background(), testOwner, Card{Serial: "s1", Name: "Upserted", CollectionKey: "binder-a"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !updated {
		t.Fatalf("expected update to report success")
	}
	card := mustGet(t, fixture.repository, "s1")
	if card == nil {
		t.Fatalf("expected card with id s1 to be created")
	}
	if card.CardID != "s1" || card.Serial != "s1" {
		t.Fatalf("unexpected identity %q/%q", card.CardID, card.Serial)
	}
}

func TestUpdateMovesCardAndRecountReflectsIt(t *testing.T) {
	fixture := newTestRepository(t, 0)
	ctx := context.Background()
	mustCreate(t, fixture.repository, Card{CardID: "c1", CollectionKey: "A"}, nil)
	mustCreate(t, fixture.repository, Card{CardID: "c2", CollectionKey: "A"}, nil)

	before, err := fixture.repository.RecountCollection(ctx, testOwner, "A")
	if err != nil {
		t.Fatalf("recount failed: %v", err)
	}
	if before != 2 {
		t.Fatalf("expected 2 members before move, got %d", before)
	}

	if _, err := fixture.repository.Update(ctx, testOwner, Card{CardID: "c1", CollectionKey: "B"}); err != nil {
		t.Fatalf("move failed: %v", err)
	}

	moved := mustGet(t, fixture.repository, "c1")
	if moved.CollectionKey != "B" || moved.PreviousCollection != "A" {
		t.Fatalf("unexpected membership %q (previous %q)", moved.CollectionKey, moved.PreviousCollection)
	}

	inA, err := fixture.repository.CardsForCollection(ctx, testOwner, "A")
	if err != nil {
		t.Fatalf("list A failed: %v", err)
	}
	for _, card := range inA {
		if card.CardID == "c1" {
			t.Fatalf("moved card still listed in A")
		}
	}
	inB, err := fixture.repository.CardsForCollection(ctx, testOwner, "B")
	if err != nil {
		t.Fatalf("list B failed: %v", err)
	}
	if len(inB) != 1 || inB[0].CardID != "c1" {
		t.Fatalf("expected c1 in B, got %#v", inB)
	}

	collection, err := fixture.repository.GetCollection(ctx, testOwner, "A")
	if err != nil {
		t.Fatalf("get collection failed: %v", err)
	}
	if collection.CardCount != 2 {
		t.Fatalf("expected cached count to stay stale until recount, got %d", collection.CardCount)
	}
	after, err := fixture.repository.RecountCollection(ctx, testOwner, "A")
	if err != nil {
		t.Fatalf("recount failed: %v", err)
	}
	if after != before-1 {
		t.Fatalf("expected count to drop to %d, got %d", before-1, after)
	}
}

func TestUpdateKeepsStoredFieldsMissingFromPayload(t *testing.T) {
	fixture := newTestRepository(t, 0)
	ctx := context.Background()
	mustCreate(t, fixture.repository, Card{
		CardID:        "c1",
		Name:          "Original",
		CollectionKey: "A",
		Attributes:    datatypes.JSONMap{"grade": "9"},
	}, []byte("png"))

	_, err := fixture.repository.Update(ctx, testOwner, Card{
		CardID:       "c1",
		CurrentValue: decimal.NewNullDecimal(mustDecimal(t, "42.50")),
		Attributes:   datatypes.JSONMap{"set": "base"},
	})
	if err != nil {
		t.Fatalf("update failed: %v", err)
	}

	card := mustGet(t, fixture.repository, "c1")
	if card.ImageURL == nil {
		t.Fatalf("expected image url to be preserved")
	}
	if card.Name != "Original" || card.CollectionKey != "A" {
		t.Fatalf("unexpected fields %q/%q", card.Name, card.CollectionKey)
	}
	if card.PreviousCollection != "" {
		t.Fatalf("expected no previous collection without a move")
	}
	if !card.CurrentValue.Valid || card.CurrentValue.Decimal.String() != "42.5" {
		t.Fatalf("unexpected current value %#v", card.CurrentValue)
	}
	if card.Attributes["grade"] != "9" || card.Attributes["set"] != "base" {
		t.Fatalf("expected attributes to merge, got %#v", card.Attributes)
	}
}

func TestUpdateCreatingCardStoresEmptyImageAsNil(t *testing.T) {
	fixture := newTestRepository(t, 0)
	empty := ""

	created, err := fixture.repository.Update(context.Background(), testOwner, Card{CardID: "no-image", CollectionKey: "A", ImageURL: &empty})
	if err != nil || !created {
		t.Fatalf("expected update to create the card, got %v/%v", created, err)
	}
	stored := mustGet(t, fixture.repository, "no-image")
	if stored == nil {
		t.Fatalf("expected card to be stored")
	}
	if stored.ImageURL != nil {
		t.Fatalf("expected nil image url, got %q", *stored.ImageURL)
	}
}

func TestUpdateWithoutResolvableCollectionFails(t *testing.T) {
	fixture := newTestRepository(t, 0)

	_, err := fixture.repository.Update(context.Background(), testOwner, Card{CardID: "c9", Name: "Nowhere"})
	if !errors.Is(err, ErrCollectionUnresolved) {
		t.Fatalf("expected ErrCollectionUnresolved, got %v", err)
	}
	if count := countCards(t, fixture.database); count != 0 {
		t.Fatalf("expected nothing written, got %d", count)
	}
}

func TestUpdateWithoutIdentifierIsRejected(t *testing.T) {
	fixture := newTestRepository(t, 0)

	_, err := fixture.repository.Update(context.Background(), testOwner, Card{CollectionKey: "A"})
	if !errors.Is(err, ErrInvalidCardID) {
		t.Fatalf("expected ErrInvalidCardID, got %v", err)
	}
}

func TestDeleteCleansUpGhostCard(t *testing.T) {
	fixture := newTestRepository(t, 0)

	if err := fixture.repository.Delete(context.Background(), testOwner, "ghost"); err != nil {
		t.Fatalf("expected ghost delete to succeed, got %v", err)
	}
	deleted := fixture.blobs.deleted()
	if len(deleted) != 1 || deleted[0] != "ghost" {
		t.Fatalf("expected ghost image cleanup, got %v", deleted)
	}
	if len(fixture.cache.evicted) != 1 || fixture.cache.evicted[0] != imagecache.Key(testOwner, "ghost") {
		t.Fatalf("expected cache eviction, got %v", fixture.cache.evicted)
	}
}

func TestDeleteRemovesCard(t *testing.T) {
	fixture := newTestRepository(t, 0)
	mustCreate(t, fixture.repository, Card{CardID: "c1", CollectionKey: "A"}, nil)

	if err := fixture.repository.Delete(context.Background(), testOwner, "c1"); err != nil {
		t.Fatalf("delete failed: %v", err)
	}
	if card := mustGet(t, fixture.repository, "c1"); card != nil {
		t.Fatalf("expected card to be gone")
	}
}

func TestServiceErrorExposesCode(t *testing.T) {
	_, err := NewRepository(RepositoryConfig{IDProvider: NewUUIDProvider()})
	var serviceErr *ServiceError
	if !errors.As(err, &serviceErr) {
		t.Fatalf("expected ServiceError, got %v", err)
	}
	if serviceErr.Code() != "cards.repository.new.missing_database" {
		t.Fatalf("unexpected code %s", serviceErr.Code())
	}
	if !errors.Is(err, errMissingDatabase) {
		t.Fatalf("expected wrapped missing database error")
	}
}
