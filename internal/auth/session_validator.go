package auth

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

const bearerScheme = "bearer"

// Session validation errors. Everything but ErrExpiredSessionToken and
// ErrMissingSessionToken is reported to clients as an invalid session.
var (
	ErrMissingSessionSigningKey = errors.New("auth: session signing secret is empty")
	ErrMissingSessionIssuer     = errors.New("auth: session issuer is empty")
	ErrMissingSessionCookieName = errors.New("auth: session cookie name is empty")
	ErrMissingSessionToken      = errors.New("auth: no session presented")
	ErrInvalidSessionToken      = errors.New("auth: session rejected")
	ErrExpiredSessionToken      = errors.New("auth: session expired")
	ErrMissingSessionSubject    = errors.New("auth: session names no owner")
)

// SessionClaims is the JWT payload of a collector session. OwnerID scopes every
// card operation made with the session and must equal the subject.
type SessionClaims struct {
	OwnerID     string `json:"owner_id"`
	DisplayName string `json:"display_name,omitempty"`
	jwt.RegisteredClaims
}

// SessionValidatorConfig describes how collector sessions are checked. Leeway
// absorbs clock skew on the time based claims.
type SessionValidatorConfig struct {
	SigningSecret []byte
	Issuer        string
	CookieName    string
	Leeway        time.Duration
	Clock         func() time.Time
}

// SessionValidator accepts HS256 sessions minted by SessionIssuer.
type SessionValidator struct {
	signingSecret []byte
	cookieName    string
	parser        *jwt.Parser
}

func NewSessionValidator(cfg SessionValidatorConfig) (*SessionValidator, error) {
	issuer, cookieName := strings.TrimSpace(cfg.Issuer), strings.TrimSpace(cfg.CookieName)
	switch {
	case len(cfg.SigningSecret) == 0:
		return nil, ErrMissingSessionSigningKey
	case issuer == "":
		return nil, ErrMissingSessionIssuer
	case cookieName == "":
		return nil, ErrMissingSessionCookieName
	}

	options := []jwt.ParserOption{
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithIssuer(issuer),
		jwt.WithExpirationRequired(),
		jwt.WithLeeway(cfg.Leeway),
	}
	if cfg.Clock != nil {
		options = append(options, jwt.WithTimeFunc(cfg.Clock))
	}
	return &SessionValidator{
		signingSecret: append([]byte(nil), cfg.SigningSecret...),
		cookieName:    cookieName,
		parser:        jwt.NewParser(options...),
	}, nil
}

// ValidateToken parses tokenString and returns its claims. Expired sessions
// yield ErrExpiredSessionToken; every other rejection wraps ErrInvalidSessionToken
// except a session without an owner.
func (v *SessionValidator) ValidateToken(tokenString string) (SessionClaims, error) {
	raw := strings.TrimSpace(tokenString)
	if raw == "" {
		return SessionClaims{}, ErrMissingSessionToken
	}

	claims := SessionClaims{}
	if _, err := v.parser.ParseWithClaims(raw, &claims, v.signingKey); err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return SessionClaims{}, ErrExpiredSessionToken
		}
		return SessionClaims{}, fmt.Errorf("%w: %v", ErrInvalidSessionToken, err)
	}
	if err := checkOwner(claims); err != nil {
		return SessionClaims{}, err
	}
	return claims, nil
}

// ValidateRequest validates the session carried by r.
func (v *SessionValidator) ValidateRequest(r *http.Request) (SessionClaims, error) {
	token, ok := v.tokenFromRequest(r)
	if !ok {
		return SessionClaims{}, ErrMissingSessionToken
	}
	return v.ValidateToken(token)
}

// tokenFromRequest prefers the session cookie over an Authorization header.
// The bearer scheme is matched case-insensitively.
func (v *SessionValidator) tokenFromRequest(r *http.Request) (string, bool) {
	if r == nil {
		return "", false
	}
	if cookie, err := r.Cookie(v.cookieName); err == nil && cookie.Value != "" {
		return cookie.Value, true
	}
	scheme, token, found := strings.Cut(strings.TrimSpace(r.Header.Get("Authorization")), " ")
	if !found || !strings.EqualFold(scheme, bearerScheme) {
		return "", false
	}
	token = strings.TrimSpace(token)
	return token, token != ""
}

func (v *SessionValidator) signingKey(token *jwt.Token) (interface{}, error) {
	if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
		return nil, fmt.Errorf("%w: unexpected signing method %s", ErrInvalidSessionToken, token.Method.Alg())
	}
	return v.signingSecret, nil
}

func checkOwner(claims SessionClaims) error {
	subject := strings.TrimSpace(claims.Subject)
	owner := strings.TrimSpace(claims.OwnerID)
	if subject == "" || owner == "" {
		return ErrMissingSessionSubject
	}
	if subject != owner {
		return fmt.Errorf("%w: owner %q does not match subject", ErrInvalidSessionToken, owner)
	}
	return nil
}
