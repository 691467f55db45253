package server

import (
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/MarcoPoloResearchLab/cardledger/internal/auth"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

type stubSessionValidator struct {
	requestClaims auth.SessionClaims
	requestErr    error
	tokenClaims   auth.SessionClaims
	tokenErr      error
	tokens        []string
}

func (s *stubSessionValidator) ValidateRequest(*http.Request) (auth.SessionClaims, error) {
	return s.requestClaims, s.requestErr
}

func (s *stubSessionValidator) ValidateToken(token string) (auth.SessionClaims, error) {
	s.tokens = append(s.tokens, token)
	return s.tokenClaims, s.tokenErr
}

func newAuthorizeContext(target string) (*gin.Context, *httptest.ResponseRecorder) {
	gin.SetMode(gin.TestMode)
	recorder := httptest.NewRecorder()
	ctx, _ := gin.CreateTestContext(recorder)
	ctx.Request = httptest.NewRequest(http.MethodGet, target, http.NoBody)
	return ctx, recorder
}

func TestAuthorizeRequestLogsExpiredSessionAtInfoLevel(t *testing.T) {
	ctx, recorder := newAuthorizeContext("/cards")
	core, logs := observer.New(zapcore.DebugLevel)
	handler := &httpHandler{
		sessions: &stubSessionValidator{requestErr: auth.ErrExpiredSessionToken},
		logger:   zap.New(core),
	}

	handler.authorizeRequest(ctx)

	if recorder.Code != http.StatusUnauthorized {
		t.Fatalf("unexpected status code: got %d, want %d", recorder.Code, http.StatusUnauthorized)
	}
	entries := logs.All()
	if len(entries) != 1 {
		t.Fatalf("expected exactly one log entry, got %d", len(entries))
	}
	entry := entries[0]
	if entry.Level != zapcore.InfoLevel {
		t.Fatalf("expected info level for expired session, got %s", entry.Level)
	}
	if entry.Message != "session validation failed" {
		t.Fatalf("unexpected log message: %q", entry.Message)
	}
	hasExpired := false
	for _, field := range entry.Context {
		if field.Type == zapcore.ErrorType && errors.Is(field.Interface.(error), auth.ErrExpiredSessionToken) {
			hasExpired = true
			break
		}
	}
	if !hasExpired {
		t.Fatalf("expected expired session error context, got %v", entry.Context)
	}
}

func TestAuthorizeRequestLogsUnexpectedSessionErrorAtWarnLevel(t *testing.T) {
	ctx, recorder := newAuthorizeContext("/cards")
	core, logs := observer.New(zapcore.DebugLevel)
	handler := &httpHandler{
		sessions: &stubSessionValidator{requestErr: auth.ErrInvalidSessionToken},
		logger:   zap.New(core),
	}

	handler.authorizeRequest(ctx)

	if recorder.Code != http.StatusUnauthorized {
		t.Fatalf("unexpected status code: got %d, want %d", recorder.Code, http.StatusUnauthorized)
	}
	entries := logs.All()
	if len(entries) != 1 {
		t.Fatalf("expected exactly one log entry, got %d", len(entries))
	}
	if entries[0].Level != zapcore.WarnLevel {
		t.Fatalf("expected warn level for invalid session, got %s", entries[0].Level)
	}
}

func TestAuthorizeRequestFallsBackToAccessTokenQuery(t *testing.T) {
	ctx, recorder := newAuthorizeContext("/cards/stream?access_token=query-token")
	validator := &stubSessionValidator{
		requestErr:  auth.ErrMissingSessionToken,
		tokenClaims: auth.SessionClaims{OwnerID: "owner-7"},
	}
	handler := &httpHandler{sessions: validator, logger: zap.NewNop()}

	handler.authorizeRequest(ctx)

	if ctx.IsAborted() {
		t.Fatalf("expected request to continue, got status %d", recorder.Code)
	}
	if len(validator.tokens) != 1 || validator.tokens[0] != "query-token" {
		t.Fatalf("expected query token to be validated, got %v", validator.tokens)
	}
	if got := ownerID(ctx); got != "owner-7" {
		t.Fatalf("unexpected owner id in context: %q", got)
	}
}

func TestAuthorizeRequestIgnoresQueryWhenHeaderIsInvalid(t *testing.T) {
	ctx, recorder := newAuthorizeContext("/cards?access_token=query-token")
	validator := &stubSessionValidator{requestErr: auth.ErrInvalidSessionToken}
	handler := &httpHandler{sessions: validator, logger: zap.NewNop()}

	handler.authorizeRequest(ctx)

	if recorder.Code != http.StatusUnauthorized {
		t.Fatalf("unexpected status code: got %d, want %d", recorder.Code, http.StatusUnauthorized)
	}
	if len(validator.tokens) != 0 {
		t.Fatalf("expected query token to be ignored, got %v", validator.tokens)
	}
}
