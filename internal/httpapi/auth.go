package httpapi

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// Identity is the authenticated caller.
type Identity struct {
	UserID string `json:"id"`
	Name   string `json:"name,omitempty"`
	Role   string `json:"role,omitempty"`
}

// Claims is the access token payload issued by the main DamaFace backend.
type Claims struct {
	Name string `json:"name,omitempty"`
	Role string `json:"role,omitempty"`
	jwt.RegisteredClaims
}

type identityKey struct{}

var errUnauthenticated = errors.New("missing credentials")

// IssueToken signs an HS256 access token. Used by tests and the dev client.
func IssueToken(secret, userID, name, role string, ttl time.Duration) (string, error) {
	now := time.Now()
	claims := Claims{
		Name: name,
		Role: role,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   userID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(secret))
}

func parseToken(secret, raw string) (Identity, error) {
	token, err := jwt.ParseWithClaims(raw, &Claims{}, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return []byte(secret), nil
	})
	if err != nil {
		return Identity{}, err
	}
	claims, ok := token.Claims.(*Claims)
	if !ok || !token.Valid {
		return Identity{}, errors.New("invalid token")
	}
	if strings.TrimSpace(claims.Subject) == "" {
		return Identity{}, errors.New("token has no subject")
	}
	return Identity{UserID: claims.Subject, Name: claims.Name, Role: claims.Role}, nil
}

// identify resolves the caller. With a JWT secret configured only bearer
// tokens are accepted; browsers pass them as ?access_token= on the socket.
// Without one the X-User-ID header (or ?user_id=) is trusted.
func (s *Server) identify(r *http.Request) (Identity, error) {
	if secret := s.cfg.AuthJWTSecret; secret != "" {
		raw := strings.TrimSpace(r.Header.Get("Authorization"))
		if strings.HasPrefix(strings.ToLower(raw), "bearer ") {
			raw = strings.TrimSpace(raw[len("bearer "):])
		} else {
			raw = strings.TrimSpace(r.URL.Query().Get("access_token"))
		}
		if raw == "" {
			return Identity{}, errUnauthenticated
		}
		return parseToken(secret, raw)
	}
	userID := strings.TrimSpace(r.Header.Get("X-User-ID"))
	if userID == "" {
		userID = strings.TrimSpace(r.URL.Query().Get("user_id"))
	}
	if userID == "" {
		return Identity{}, errUnauthenticated
	}
	return Identity{UserID: userID}, nil
}

func (s *Server) requireAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id, err := s.identify(r)
		if err != nil {
			respondError(w, http.StatusUnauthorized, "unauthorized", err.Error())
			return
		}
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), identityKey{}, id)))
	})
}

func identityFrom(ctx context.Context) Identity {
	id, _ := ctx.Value(identityKey{}).(Identity)
	return id
}
