package middleware

import (
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

// Settings is the slice of persistent key/value storage the auth layer
// needs; the sqlite settings table implements it.
type Settings interface {
	GetSetting(key string) (string, error)
	SetSetting(key, value string) error
}

const (
	sessionCookie     = "exphub_session"
	sessionHeader     = "X-Session-ID"
	sessionDuration   = 7 * 24 * time.Hour
	settingsKeySecret = "jwt_secret"
	contextKeySession = "session_id"
)

type sessionClaims struct {
	jwt.RegisteredClaims
	SessionID string `json:"sid"`
}

// Sessions assigns each browser a stable, signed session id; the id is the
// submitter identity for quota and ownership checks. Programmatic callers
// can pass X-Session-ID directly.
type Sessions struct {
	secret []byte
}

func NewSessions(settings Settings) (*Sessions, error) {
	secret, err := getOrCreateSecret(settings)
	if err != nil {
		return nil, err
	}
	return &Sessions{secret: secret}, nil
}

func getOrCreateSecret(settings Settings) ([]byte, error) {
	value, err := settings.GetSetting(settingsKeySecret)
	if err == nil {
		return hex.DecodeString(value)
	}

	secret := make([]byte, 32)
	if _, err := rand.Read(secret); err != nil {
		return nil, fmt.Errorf("failed to generate signing secret: %w", err)
	}
	if err := settings.SetSetting(settingsKeySecret, hex.EncodeToString(secret)); err != nil {
		return nil, fmt.Errorf("failed to store signing secret: %w", err)
	}
	return secret, nil
}

// Middleware resolves the caller's session id, minting a new signed cookie
// when none is present or the existing one fails validation.
func (s *Sessions) Middleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		if header := c.GetHeader(sessionHeader); header != "" {
			c.Set(contextKeySession, header)
			c.Next()
			return
		}

		if cookie, err := c.Cookie(sessionCookie); err == nil && cookie != "" {
			if sid, err := s.validate(cookie); err == nil {
				c.Set(contextKeySession, sid)
				c.Next()
				return
			}
		}

		sid := uuid.NewString()
		token, err := s.sign(sid)
		if err == nil {
			c.SetCookie(sessionCookie, token, int(sessionDuration.Seconds()), "/", "", false, true)
		}
		c.Set(contextKeySession, sid)
		c.Next()
	}
}

// SessionID returns the submitter identity resolved by Middleware.
func SessionID(c *gin.Context) string {
	return c.GetString(contextKeySession)
}

func (s *Sessions) sign(sid string) (string, error) {
	now := time.Now()
	claims := &sessionClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(sessionDuration)),
			Issuer:    "exphub",
		},
		SessionID: sid,
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(s.secret)
}

func (s *Sessions) validate(tokenString string) (string, error) {
	token, err := jwt.ParseWithClaims(tokenString, &sessionClaims{}, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, errors.New("unexpected signing method")
		}
		return s.secret, nil
	})
	if err != nil {
		return "", err
	}

	if claims, ok := token.Claims.(*sessionClaims); ok && token.Valid && claims.SessionID != "" {
		return claims.SessionID, nil
	}
	return "", errors.New("invalid session token")
}
