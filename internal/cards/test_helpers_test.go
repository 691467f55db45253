package cards

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	sqlite "github.com/glebarez/sqlite"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"
)

const testOwner = "owner-1"

type staticIDGenerator struct {
	mu    sync.Mutex
	ids   []string
	index int
}

func (g *staticIDGenerator) NewID() (string, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.index >= len(g.ids) {
		return "", errors.New("exhausted ids")
	}
	id := g.ids[g.index]
	g.index++
	return id, nil
}

type recordingBlobStore struct {
	mu        sync.Mutex
	uploadErr error
	uploads   []string
	deletes   []string
}

func (s *recordingBlobStore) Upload(_ context.Context, ownerID, cardID string, _ []byte) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.uploadErr != nil {
		return "", s.uploadErr
	}
	s.uploads = append(s.uploads, cardID)
	return fmt.Sprintf("https://cdn.test/images/%s/%s", ownerID, cardID), nil
}

func (s *recordingBlobStore) Delete(_ context.Context, _ string, cardID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.deletes = append(s.deletes, cardID)
	return nil
}

func (s *recordingBlobStore) deleted() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.deletes...)
}

type recordingImageCache struct {
	mu      sync.Mutex
	entries map[string][]byte
	evicted []string
}

func (c *recordingImageCache) Set(_ context.Context, key string, value []byte, _ time.Duration) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.entries == nil {
		c.entries = make(map[string][]byte)
	}
	c.entries[key] = value
	return nil
}

func (c *recordingImageCache) Delete(_ context.Context, key string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.entries, key)
	c.evicted = append(c.evicted, key)
	return nil
}

type testRepository struct {
	repository *Repository
	database   *gorm.DB
	blobs      *recordingBlobStore
	cache      *recordingImageCache
}

func newTestRepository(t *testing.T, batchSize int, ids ...string) testRepository {
	t.Helper()

	dsn := fmt.Sprintf("file:cardledger_cards_%d?mode=memory&cache=shared", time.Now().UnixNano())
	database, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{})
	if err != nil {
		t.Fatalf("failed to open sqlite: %v", err)
	}
	sqlDB, err := database.DB()
	if err != nil {
		t.Fatalf("failed to access sql db: %v", err)
	}
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = sqlDB.Close() })

	if err := database.AutoMigrate(Models()...); err != nil {
		t.Fatalf("failed to migrate: %v", err)
	}

	blobs := &recordingBlobStore{}
	cache := &recordingImageCache{}
	repository, err := NewRepository(RepositoryConfig{
		Database:   database,
		Blobs:      blobs,
		ImageCache: cache,
		Clock:      func() time.Time { return time.Unix(1700000600, 0).UTC() },
		IDProvider: &staticIDGenerator{ids: ids},
		BatchSize:  batchSize,
	})
	if err != nil {
		t.Fatalf("failed to construct repository: %v", err)
	}
	return testRepository{repository: repository, database: database, blobs: blobs, cache: cache}
}

func mustCreate(t *testing.T, repository *Repository, card Card, image []byte) Card {
	t.Helper()
	stored, err := repository.Create(context.Background(), testOwner, card, image)
	if err != nil {
		t.Fatalf("failed to create card: %v", err)
	}
	return stored
}

func mustGet(t *testing.T, repository *Repository, cardID string) *Card {
	t.Helper()
	card, err := repository.Get(context.Background(), testOwner, cardID)
	if err != nil {
		t.Fatalf("failed to get card %s: %v", cardID, err)
	}
	return card
}

func mustDecimal(t *testing.T, value string) decimal.Decimal {
	t.Helper()
	parsed, err := decimal.NewFromString(value)
	if err != nil {
		t.Fatalf("invalid decimal %q: %v", value, err)
	}
	return parsed
}

func countCards(t *testing.T, database *gorm.DB) int64 {
	t.Helper()
	var count int64
	if err := database.Model(&Card{}).Count(&count).Error; err != nil {
		t.Fatalf("failed to count cards: %v", err)
	}
	return count
}
