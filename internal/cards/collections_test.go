package cards

import (
	"context"
	"testing"
)

func TestUpsertCollectionKeepsCachedCount(t *testing.T) {
	fixture := newTestRepository(t, 0)
	ctx := context.Background()
	mustCreate(t, fixture.repository, Card{CardID: "c1", CollectionKey: "A"}, nil)
	if _, err := fixture.repository.RecountCollection(ctx, testOwner, "A"); err != nil {
		t.Fatalf("recount failed: %v", err)
	}

	renamed, err := fixture.repository.UpsertCollection(ctx, testOwner, Collection{CollectionKey: "A", Name: "Binder A", Description: "first binder"})
	if err != nil {
		t.Fatalf("upsert failed: %v", err)
	}
	if renamed.CardCount != 1 {
		t.Fatalf("expected cached count to survive rename, got %d", renamed.CardCount)
	}
	if renamed.Name != "Binder A" || renamed.Description != "first binder" {
		t.Fatalf("unexpected collection %#v", renamed)
	}
}

func TestRecountCollectionsIncludesMemberOnlyKeys(t *testing.T) {
	fixture := newTestRepository(t, 0)
	ctx := context.Background()
	mustCreate(t, fixture.repository, Card{CardID: "c1", CollectionKey: "A"}, nil)
	mustCreate(t, fixture.repository, Card{CardID: "c2", CollectionKey: "A"}, nil)
	mustCreate(t, fixture.repository, Card{CardID: "c3", CollectionKey: "B"}, nil)
	if _, err := fixture.repository.UpsertCollection(ctx, testOwner, Collection{CollectionKey: "empty"}); err != nil {
		t.Fatalf("upsert failed: %v", err)
	}

	counts, err := fixture.repository.RecountCollections(ctx, testOwner)
	if err != nil {
		t.Fatalf("recount failed: %v", err)
	}
	if counts["A"] != 2 || counts["B"] != 1 || counts["empty"] != 0 || len(counts) != 3 {
		t.Fatalf("unexpected counts %#v", counts)
	}

	collections, err := fixture.repository.ListCollections(ctx, testOwner)
	if err != nil {
		t.Fatalf("list collections failed: %v", err)
	}
	if len(collections) != 3 {
		t.Fatalf("expected member-only collection to be materialized, got %d", len(collections))
	}
	if collections[0].CollectionKey != "A" || collections[0].CardCount != 2 {
		t.Fatalf("unexpected first collection %#v", collections[0])
	}
}

func TestListCardsIsScopedToOwner(t *testing.T) {
	fixture := newTestRepository(t, 0)
	ctx := context.Background()
	mustCreate(t, fixture.repository, Card{CardID: "c1", CollectionKey: "A"}, nil)
	if _, err := fixture.repository.Create(ctx, "owner-2", Card{CardID: "c1", CollectionKey: "A"}, nil); err != nil {
		t.Fatalf("create for second owner failed: %v", err)
	}

	cards, err := fixture.repository.ListCards(ctx, testOwner)
	if err != nil {
		t.Fatalf("list failed: %v", err)
	}
	if len(cards) != 1 || cards[0].OwnerID != testOwner {
		t.Fatalf("unexpected cards %#v", cards)
	}
}
