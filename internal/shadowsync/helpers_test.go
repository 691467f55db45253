package shadowsync

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/MarcoPoloResearchLab/cardledger/internal/cards"
	"github.com/stretchr/testify/require"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2024, 3, 1, 9, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

type recordingUpdater struct {
	mu    sync.Mutex
	calls []cards.Card
	err   error
}

func (u *recordingUpdater) Update(_ context.Context, _ string, payload cards.Card) (bool, error) {
	u.mu.Lock()
	defer u.mu.Unlock()
	u.calls = append(u.calls, payload)
	if u.err != nil {
		return false, u.err
	}
	return true, nil
}

func (u *recordingUpdater) Calls() []cards.Card {
	u.mu.Lock()
	defer u.mu.Unlock()
	return append([]cards.Card(nil), u.calls...)
}

type serviceFixture struct {
	service      *Service
	updater      *recordingUpdater
	clock        *fakeClock
	connectivity *ManualConnectivity
	events       *eventRecorder
}

type eventRecorder struct {
	mu     sync.Mutex
	events []ActivityEvent
}

func (r *eventRecorder) OnSyncActivity(event ActivityEvent) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, event)
}

func (r *eventRecorder) Kinds() []ActivityKind {
	r.mu.Lock()
	defer r.mu.Unlock()
	kinds := make([]ActivityKind, 0, len(r.events))
	for _, event := range r.events {
		kinds = append(kinds, event.Kind)
	}
	return kinds
}

func newServiceFixture(t *testing.T) serviceFixture {
	t.Helper()
	fixture := serviceFixture{
		updater:      &recordingUpdater{},
		clock:        newFakeClock(),
		connectivity: NewManualConnectivity(true),
		events:       &eventRecorder{},
	}
	service, err := NewService(Config{
		OwnerID:      "owner-1",
		Updater:      fixture.updater,
		Connectivity: fixture.connectivity,
		Listener:     fixture.events,
		Clock:        fixture.clock.Now,
	})
	require.NoError(t, err)
	fixture.service = service
	return fixture
}
