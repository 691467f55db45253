package server

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/MarcoPoloResearchLab/cardledger/internal/auth"
	"github.com/MarcoPoloResearchLab/cardledger/internal/blobstore"
	"github.com/MarcoPoloResearchLab/cardledger/internal/cards"
	"github.com/MarcoPoloResearchLab/cardledger/internal/feed"
	"github.com/MarcoPoloResearchLab/cardledger/internal/imagecache"
	"github.com/MarcoPoloResearchLab/cardledger/internal/shadowsync"
	githubsqlite "github.com/glebarez/sqlite"
	"github.com/spf13/afero"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const (
	testSigningSecret = "test-signing-secret"
	testIssuer        = "cardledger-test"
	testCookieName    = "cardledger_session"
)

type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

type testServer struct {
	server     *httptest.Server
	clock      *testClock
	repository *cards.Repository
	registry   *shadowsync.Registry
	blobs      *blobstore.Store
	cache      *imagecache.MemoryCache
	issuer     *auth.SessionIssuer
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()

	dsn := fmt.Sprintf("file:cardledger_server_%d?mode=memory&cache=shared", time.Now().UnixNano())
	db, err := gorm.Open(githubsqlite.Open(dsn), &gorm.Config{})
	if err != nil {
		t.Fatalf("failed to open in-memory database: %v", err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		t.Fatalf("failed to access sql db: %v", err)
	}
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = sqlDB.Close() })
	if err := db.AutoMigrate(cards.Models()...); err != nil {
		t.Fatalf("failed to migrate schema: %v", err)
	}

	blobs, err := blobstore.New(blobstore.Config{Filesystem: afero.NewMemMapFs(), Root: "/data"})
	if err != nil {
		t.Fatalf("failed to construct blob store: %v", err)
	}
	cache := imagecache.NewMemoryCache()
	t.Cleanup(func() { _ = cache.Close() })

	repository, err := cards.NewRepository(cards.RepositoryConfig{
		Database:   db,
		Blobs:      blobs,
		ImageCache: cache,
		Feed:       feed.NewDispatcher(),
		IDProvider: cards.NewUUIDProvider(),
		Logger:     zap.NewNop(),
	})
	if err != nil {
		t.Fatalf("failed to construct repository: %v", err)
	}

	clock := &testClock{now: time.Date(2024, 3, 1, 9, 0, 0, 0, time.UTC)}
	ctx, cancel := context.WithCancel(context.Background())
	registry := shadowsync.NewRegistry(ctx, shadowsync.Config{
		Updater:       repository,
		Clock:         clock.Now,
		Logger:        zap.NewNop(),
		FlushInterval: time.Hour,
	})
	t.Cleanup(func() {
		cancel()
		registry.Wait()
	})

	validator, err := auth.NewSessionValidator(auth.SessionValidatorConfig{
		SigningSecret: []byte(testSigningSecret),
		Issuer:        testIssuer,
		CookieName:    testCookieName,
	})
	if err != nil {
		t.Fatalf("failed to construct session validator: %v", err)
	}
	issuer, err := auth.NewSessionIssuer(auth.SessionIssuerConfig{
		SigningSecret: []byte(testSigningSecret),
		Issuer:        testIssuer,
		TTL:           time.Hour,
	})
	if err != nil {
		t.Fatalf("failed to construct session issuer: %v", err)
	}

	handler, err := NewHTTPHandler(Dependencies{
		Sessions:          validator,
		Repository:        repository,
		Sync:              registry,
		Images:            blobs,
		ImageCache:        cache,
		ImageCacheTTL:     time.Minute,
		HeartbeatInterval: time.Hour,
		Logger:            zap.NewNop(),
	})
	if err != nil {
		t.Fatalf("failed to construct http handler: %v", err)
	}

	server := httptest.NewServer(handler)
	t.Cleanup(server.Close)
	return &testServer{
		server:     server,
		clock:      clock,
		repository: repository,
		registry:   registry,
		blobs:      blobs,
		cache:      cache,
		issuer:     issuer,
	}
}

func (s *testServer) token(t *testing.T, ownerID string) string {
	t.Helper()
	token, _, err := s.issuer.Issue(ownerID, "")
	if err != nil {
		t.Fatalf("failed to issue session: %v", err)
	}
	return token
}

// do sends body as JSON with a bearer session for ownerID and decodes the
// response into out when out is non-nil.
func (s *testServer) do(t *testing.T, ownerID, method, path string, body any, out any) int {
	t.Helper()
	var reader io.Reader = http.NoBody
	if body != nil {
		encoded, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("failed to encode request body: %v", err)
		}
		reader = bytes.NewReader(encoded)
	}
	request, err := http.NewRequest(method, s.server.URL+path, reader)
	if err != nil {
		t.Fatalf("failed to construct request: %v", err)
	}
	if ownerID != "" {
		request.Header.Set("Authorization", "Bearer "+s.token(t, ownerID))
	}
	request.Header.Set("Content-Type", "application/json")
	response, err := http.DefaultClient.Do(request)
	if err != nil {
		t.Fatalf("%s %s failed: %v", method, path, err)
	}
	defer response.Body.Close()
	if out != nil {
		if err := json.NewDecoder(response.Body).Decode(out); err != nil {
			t.Fatalf("failed to decode %s %s response: %v", method, path, err)
		}
	}
	return response.StatusCode
}
