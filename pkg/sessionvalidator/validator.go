package sessionvalidator

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
)

// Clock provides the current time.
type Clock interface {
	Now() time.Time
}

type systemClock struct{}

func (systemClock) Now() time.Time {
	return time.Now().UTC()
}

const (
	// DefaultContextKey is where GinMiddleware stores the claims.
	DefaultContextKey = "session_claims"
	// DefaultCookieName names the session cookie.
	DefaultCookieName = "caltrack_session"
	// DefaultIssuer is the issuer minted into session tokens.
	DefaultIssuer = "caltrack"
	// DefaultTTL is the session lifetime.
	DefaultTTL = 30 * 24 * time.Hour
)

var (
	ErrMissingSigningKey = errors.New("session.missing_signing_key")
	ErrMissingSubject    = errors.New("session.missing_subject")
	ErrMissingToken      = errors.New("session.missing_token")
	ErrMissingCookie     = errors.New("session.missing_cookie")
	ErrInvalidToken      = errors.New("session.invalid_token")
	ErrInvalidIssuer     = errors.New("session.invalid_issuer")
	ErrTokenExpired      = errors.New("session.expired")
)

// Config configures session minting and validation.
type Config struct {
	SigningKey []byte
	Issuer     string
	CookieName string
	TTL        time.Duration
	Clock      Clock
}

// Claims is the session payload. Subject carries the signed-in email.
type Claims struct {
	UserEmail string `json:"user_email"`
	jwt.RegisteredClaims
}

// Sessions mints and validates HS256 session cookies.
type Sessions struct {
	signingKey []byte
	issuer     string
	cookieName string
	ttl        time.Duration
	clock      Clock
}

// New validates the configuration and fills defaults.
func New(configuration Config) (*Sessions, error) {
	if len(configuration.SigningKey) == 0 {
		return nil, fmt.Errorf("session.new: %w", ErrMissingSigningKey)
	}
	issuer := strings.TrimSpace(configuration.Issuer)
	if issuer == "" {
		issuer = DefaultIssuer
	}
	cookieName := strings.TrimSpace(configuration.CookieName)
	if cookieName == "" {
		cookieName = DefaultCookieName
	}
	ttl := configuration.TTL
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	clock := configuration.Clock
	if clock == nil {
		clock = systemClock{}
	}
	return &Sessions{signingKey: configuration.SigningKey, issuer: issuer, cookieName: cookieName, ttl: ttl, clock: clock}, nil
}

// CookieName returns the session cookie name.
func (sessions *Sessions) CookieName() string {
	return sessions.cookieName
}

// Mint signs a session token for userEmail.
func (sessions *Sessions) Mint(userEmail string) (string, time.Time, error) {
	if strings.TrimSpace(userEmail) == "" {
		return "", time.Time{}, fmt.Errorf("session.mint: %w", ErrMissingSubject)
	}
	issuedAt := sessions.clock.Now()
	expiresAt := issuedAt.Add(sessions.ttl)
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, Claims{
		UserEmail: userEmail,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    sessions.issuer,
			Subject:   userEmail,
			IssuedAt:  jwt.NewNumericDate(issuedAt),
			NotBefore: jwt.NewNumericDate(issuedAt.Add(-30 * time.Second)),
			ExpiresAt: jwt.NewNumericDate(expiresAt),
		},
	})
	signed, err := token.SignedString(sessions.signingKey)
	if err != nil {
		return "", time.Time{}, fmt.Errorf("session.mint: %w", err)
	}
	return signed, expiresAt, nil
}

// ValidateToken parses tokenString and checks signature, issuer, and validity window.
func (sessions *Sessions) ValidateToken(tokenString string) (*Claims, error) {
	if strings.TrimSpace(tokenString) == "" {
		return nil, fmt.Errorf("session.validate: %w", ErrMissingToken)
	}
	parsedToken, parseErr := jwt.ParseWithClaims(tokenString, &Claims{}, func(parsed *jwt.Token) (interface{}, error) {
		return sessions.signingKey, nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}), jwt.WithTimeFunc(sessions.clock.Now))
	if parseErr != nil {
		if errors.Is(parseErr, jwt.ErrTokenExpired) {
			return nil, fmt.Errorf("session.validate: %w", ErrTokenExpired)
		}
		return nil, fmt.Errorf("session.validate: %w", ErrInvalidToken)
	}
	claims, ok := parsedToken.Claims.(*Claims)
	if !ok || !parsedToken.Valid || claims.UserEmail == "" {
		return nil, fmt.Errorf("session.validate: %w", ErrInvalidToken)
	}
	if claims.Issuer != sessions.issuer {
		return nil, fmt.Errorf("session.validate: %w", ErrInvalidIssuer)
	}
	return claims, nil
}

// ValidateRequest validates the session cookie carried by request.
func (sessions *Sessions) ValidateRequest(request *http.Request) (*Claims, error) {
	if request == nil {
		return nil, fmt.Errorf("session.validate_request: %w", ErrMissingToken)
	}
	cookie, cookieErr := request.Cookie(sessions.cookieName)
	if cookieErr != nil || strings.TrimSpace(cookie.Value) == "" {
		return nil, fmt.Errorf("session.validate_request: %w", ErrMissingCookie)
	}
	return sessions.ValidateToken(cookie.Value)
}

// GinMiddleware rejects requests without a valid session and stores the claims under contextKey.
func (sessions *Sessions) GinMiddleware(contextKey string) gin.HandlerFunc {
	if strings.TrimSpace(contextKey) == "" {
		contextKey = DefaultContextKey
	}
	return func(contextGin *gin.Context) {
		claims, err := sessions.ValidateRequest(contextGin.Request)
		if err != nil {
			contextGin.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
			return
		}
		contextGin.Set(contextKey, claims)
		contextGin.Next()
	}
}

// ClaimsFromContext returns the claims stored by GinMiddleware.
func ClaimsFromContext(contextGin *gin.Context, contextKey string) (*Claims, bool) {
	if strings.TrimSpace(contextKey) == "" {
		contextKey = DefaultContextKey
	}
	value, found := contextGin.Get(contextKey)
	if !found {
		return nil, false
	}
	claims, ok := value.(*Claims)
	return claims, ok && claims != nil
}
