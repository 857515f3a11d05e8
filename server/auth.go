package server

import (
	"net/http"
	"strings"

	"github.com/golang-jwt/jwt/v5"
	"github.com/labstack/echo/v4"
	"github.com/pkg/errors"
)

// userIDContextKey is where the auth middleware stores the caller's ID.
const userIDContextKey = "user_id"

// devUserIDHeader identifies the caller when no JWT secret is
// configured. Dev mode only; prod refuses to start without a secret.
const devUserIDHeader = "X-User-ID"

func userIDFromContext(c echo.Context) string {
	id, _ := c.Get(userIDContextKey).(string)
	return id
}

// authMiddleware resolves the caller's user ID from a bearer token, or
// from the dev header when no secret is configured.
func (s *Server) authMiddleware(next echo.HandlerFunc) echo.HandlerFunc {
	return func(c echo.Context) error {
		if s.profile.JWTSecret == "" {
			userID := c.Request().Header.Get(devUserIDHeader)
			if userID == "" {
				return echo.NewHTTPError(http.StatusUnauthorized, "missing "+devUserIDHeader+" header")
			}
			c.Set(userIDContextKey, userID)
			return next(c)
		}

		raw := strings.TrimPrefix(c.Request().Header.Get(echo.HeaderAuthorization), "Bearer ")
		if raw == "" {
			return echo.NewHTTPError(http.StatusUnauthorized, "missing bearer token")
		}

		userID, err := s.parseToken(raw)
		if err != nil {
			return echo.NewHTTPError(http.StatusUnauthorized, "invalid token")
		}
		c.Set(userIDContextKey, userID)
		return next(c)
	}
}

func (s *Server) parseToken(raw string) (string, error) {
	token, err := jwt.Parse(raw, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, errors.Errorf("unexpected signing method %v", t.Header["alg"])
		}
		return []byte(s.profile.JWTSecret), nil
	})
	if err != nil {
		return "", errors.Wrap(err, "failed to parse token")
	}

	claims, ok := token.Claims.(jwt.MapClaims)
	if !ok || !token.Valid {
		return "", errors.New("invalid claims")
	}

	if userID, ok := claims["user_id"].(string); ok && userID != "" {
		return userID, nil
	}
	if sub, err := claims.GetSubject(); err == nil && sub != "" {
		return sub, nil
	}
	return "", errors.New("token carries no user identity")
}

// SignToken issues an HS256 token for a user. Used by tooling and
// tests; production deployments mint tokens in their own auth layer.
func SignToken(secret, userID string) (string, error) {
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"user_id": userID,
	})
	signed, err := token.SignedString([]byte(secret))
	if err != nil {
		return "", errors.Wrap(err, "failed to sign token")
	}
	return signed, nil
}
