package cards

import (
	"context"
	"testing"
	"time"
)

func TestSubscribeAllDeliversSnapshotsUntilUnsubscribed(t *testing.T) {
	fixture := newTestRepository(t, 0)
	ctx := context.Background()
	mustCreate(t, fixture.repository, Card{CardID: "c1", CollectionKey: "A"}, nil)

	snapshots := make(chan []Card, 16)
	unsubscribe, err := fixture.repository.SubscribeAll(ctx, testOwner, func(cards []Card) {
		snapshots <- cards
	}, func(err error) {
		t.Errorf("unexpected feed error: %v", err)
	})
	if err != nil {
		t.Fatalf("subscribe failed: %v", err)
	}

	initial := waitForSnapshot(t, snapshots, 1)
	if initial[0].CardID != "c1" {
		t.Fatalf("unexpected initial snapshot %#v", initial)
	}

	mustCreate(t, fixture.repository, Card{CardID: "c2", CollectionKey: "A"}, nil)
	waitForSnapshot(t, snapshots, 2)

	unsubscribe()
	unsubscribe()

	mustCreate(t, fixture.repository, Card{CardID: "c3", CollectionKey: "A"}, nil)
	select {
	case snapshot := <-snapshots:
		if len(snapshot) == 3 {
			t.Fatalf("expected no delivery after unsubscribe")
		}
	case <-time.After(100 * time.Millisecond):
	}
}

func TestSubscribeAllRequiresCallback(t *testing.T) {
	fixture := newTestRepository(t, 0)

	if _, err := fixture.repository.SubscribeAll(context.Background(), testOwner, nil, nil); err == nil {
		t.Fatalf("expected error without data callback")
	}
}

func waitForSnapshot(t *testing.T, snapshots <-chan []Card, size int) []Card {
	t.Helper()
	deadline := time.After(2 * time.Second)
	for {
		select {
		case snapshot := <-snapshots:
			if len(snapshot) == size {
				return snapshot
			}
		case <-deadline:
			t.Fatalf("timed out waiting for snapshot of %d cards", size)
			return nil
		}
	}
}
