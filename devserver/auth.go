package devserver

import (
	"errors"
	"strconv"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

var (
	ErrBadToken     = errors.New("token must be <user id>:<username>")
	ErrTokenInvalid = errors.New("token is invalid")
	ErrTokenExpired = errors.New("token has expired")
)

const DefaultTokenTTL = 30 * 24 * time.Hour

// Claims identify the viewer behind a signed socket token.
type Claims struct {
	UserID   int64  `json:"user_id"`
	Username string `json:"username"`
	jwt.RegisteredClaims
}

// Authenticator maps socket tokens to users. Without a secret it accepts
// plain "<user id>:<username>" tokens; with one it requires HS256 JWTs.
type Authenticator struct {
	secret []byte
	ttl    time.Duration
}

func NewAuthenticator(secret string, ttl time.Duration) *Authenticator {
	if ttl <= 0 {
		ttl = DefaultTokenTTL
	}
	return &Authenticator{secret: []byte(secret), ttl: ttl}
}

// Issue signs a token for the user. It fails without a secret.
func (a *Authenticator) Issue(userID int64, username string) (string, error) {
	if a == nil || len(a.secret) == 0 {
		return "", errors.New("no signing secret configured")
	}
	now := time.Now()
	claims := &Claims{
		UserID:   userID,
		Username: username,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   strconv.FormatInt(userID, 10),
			ExpiresAt: jwt.NewNumericDate(now.Add(a.ttl)),
			IssuedAt:  jwt.NewNumericDate(now),
			Issuer:    "coview",
		},
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(a.secret)
}

// Identify returns the user a token belongs to.
func (a *Authenticator) Identify(token string) (int64, string, error) {
	if a == nil || len(a.secret) == 0 {
		return ParseToken(token)
	}
	parsed, err := jwt.ParseWithClaims(token, &Claims{}, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, ErrTokenInvalid
		}
		return a.secret, nil
	})
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return 0, "", ErrTokenExpired
		}
		return 0, "", ErrTokenInvalid
	}
	claims, ok := parsed.Claims.(*Claims)
	if !ok || !parsed.Valid || claims.UserID <= 0 {
		return 0, "", ErrTokenInvalid
	}
	name := sanitizeText(claims.Username, maxNameLen)
	if name == "" {
		return 0, "", ErrTokenInvalid
	}
	return claims.UserID, name, nil
}

// ParseToken splits a "<user id>:<username>" token.
func ParseToken(token string) (int64, string, error) {
	raw, name, ok := strings.Cut(token, ":")
	if !ok {
		return 0, "", ErrBadToken
	}
	uid, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || uid <= 0 {
		return 0, "", ErrBadToken
	}
	name = sanitizeText(name, maxNameLen)
	if name == "" {
		return 0, "", ErrBadToken
	}
	return uid, name, nil
}
