// Package auth issues and verifies the bearer tokens used by the dashboard API.
package auth

import (
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/smallbiznis/licensehub/internal/clock"
	"github.com/smallbiznis/licensehub/internal/principal"
)

const leeway = 30 * time.Second

var (
	ErrMissingToken = errors.New("missing_token")
	ErrInvalidToken = errors.New("invalid_token")
	ErrExpiredToken = errors.New("expired_token")
)

type claims struct {
	UserID   string `json:"user_id"`
	Username string `json:"username"`
	Role     string `json:"role"`
	jwt.RegisteredClaims
}

// Issuer signs and parses HS256 tokens carrying {user_id, username, role}.
type Issuer struct {
	secret []byte
	issuer string
	ttl    time.Duration
	clock  clock.Clock
}

func NewIssuer(secret []byte, issuer string, ttl time.Duration, clk clock.Clock) (*Issuer, error) {
	if len(secret) < 16 {
		return nil, errors.New("jwt secret must be at least 16 bytes")
	}
	if ttl <= 0 {
		ttl = 7 * 24 * time.Hour
	}
	if clk == nil {
		clk = clock.SystemClock{}
	}
	return &Issuer{
		secret: secret,
		issuer: strings.TrimSpace(issuer),
		ttl:    ttl,
		clock:  clk,
	}, nil
}

// randomSecret backs an issuer when no secret is configured outside
// production. Tokens do not survive a restart.
func randomSecret() ([]byte, error) {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return nil, err
	}
	return []byte(hex.EncodeToString(buf)), nil
}

func (i *Issuer) Sign(p principal.Principal) (string, time.Time, error) {
	if p.UserID == 0 {
		return "", time.Time{}, ErrInvalidToken
	}
	now := i.clock.Now()
	expiresAt := now.Add(i.ttl)
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims{
		UserID:   p.UserID.String(),
		Username: p.Username,
		Role:     string(p.Role),
		RegisteredClaims: jwt.RegisteredClaims{
			ID:        uuid.NewString(),
			Issuer:    i.issuer,
			Subject:   p.UserID.String(),
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(expiresAt),
		},
	})
	signed, err := token.SignedString(i.secret)
	if err != nil {
		return "", time.Time{}, err
	}
	return signed, expiresAt, nil
}

func (i *Issuer) Parse(raw string) (principal.Principal, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return principal.Principal{}, ErrMissingToken
	}

	opts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithLeeway(leeway),
		jwt.WithTimeFunc(i.clock.Now),
		jwt.WithExpirationRequired(),
	}
	if i.issuer != "" {
		opts = append(opts, jwt.WithIssuer(i.issuer))
	}

	parsed, err := jwt.ParseWithClaims(raw, &claims{}, func(token *jwt.Token) (any, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %s", token.Method.Alg())
		}
		return i.secret, nil
	}, opts...)
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return principal.Principal{}, ErrExpiredToken
		}
		return principal.Principal{}, ErrInvalidToken
	}
	c, ok := parsed.Claims.(*claims)
	if !ok || !parsed.Valid {
		return principal.Principal{}, ErrInvalidToken
	}

	userID, err := snowflake.ParseString(c.UserID)
	if err != nil || userID <= 0 {
		return principal.Principal{}, ErrInvalidToken
	}
	role, ok := principal.ParseRole(c.Role)
	if !ok {
		return principal.Principal{}, ErrInvalidToken
	}
	return principal.Principal{UserID: userID, Username: c.Username, Role: role}, nil
}

// BearerToken extracts the token from an Authorization header value.
func BearerToken(header string) (string, bool) {
	header = strings.TrimSpace(header)
	const prefix = "bearer "
	if len(header) <= len(prefix) || !strings.EqualFold(header[:len(prefix)], prefix) {
		return "", false
	}
	token := strings.TrimSpace(header[len(prefix):])
	return token, token != ""
}
