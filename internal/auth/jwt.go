package auth

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	jwt "github.com/golang-jwt/jwt"

	"github.com/example/ride-sync/internal/models"
)

var (
	ErrMissingToken = errors.New("missing bearer token")
	ErrInvalidToken = errors.New("invalid token")
)

// Tokens issues and verifies HS256 bearer credentials carrying the
// connection identity in user_id and role claims.
type Tokens struct {
	secret []byte
}

func NewTokens(secret string) *Tokens { return &Tokens{secret: []byte(secret)} }

func (t *Tokens) Issue(id models.Identity, ttl time.Duration) (string, error) {
	now := time.Now()
	claims := jwt.MapClaims{
		"user_id": id.ID,
		"role":    string(id.Role),
		"iat":     now.Unix(),
		"exp":     now.Add(ttl).Unix(),
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(t.secret)
}

func (t *Tokens) Verify(tokenString string) (models.Identity, error) {
	token, err := jwt.Parse(tokenString, func(tok *jwt.Token) (interface{}, error) {
		if _, ok := tok.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", tok.Header["alg"])
		}
		return t.secret, nil
	})
	if err != nil {
		return models.Identity{}, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	if !token.Valid {
		return models.Identity{}, ErrInvalidToken
	}
	claims, ok := token.Claims.(jwt.MapClaims)
	if !ok {
		return models.Identity{}, fmt.Errorf("%w: invalid claims", ErrInvalidToken)
	}
	userID, _ := claims["user_id"].(string)
	role, _ := claims["role"].(string)
	if userID == "" {
		return models.Identity{}, fmt.Errorf("%w: user_id not found in token", ErrInvalidToken)
	}
	switch models.Role(role) {
	case models.RoleRider, models.RoleDriver:
	default:
		return models.Identity{}, fmt.Errorf("%w: role %q not allowed", ErrInvalidToken, role)
	}
	return models.Identity{Role: models.Role(role), ID: userID}, nil
}

// Peek reads the identity claims without checking the signature. Clients use
// it to learn who they are; the server always calls Verify.
func Peek(tokenString string) (models.Identity, error) {
	claims := jwt.MapClaims{}
	if _, _, err := new(jwt.Parser).ParseUnverified(tokenString, claims); err != nil {
		return models.Identity{}, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	userID, _ := claims["user_id"].(string)
	role, _ := claims["role"].(string)
	if userID == "" || role == "" {
		return models.Identity{}, fmt.Errorf("%w: missing identity claims", ErrInvalidToken)
	}
	return models.Identity{Role: models.Role(role), ID: userID}, nil
}

// FromRequest extracts the bearer token from the Authorization header, falling
// back to the access_token query parameter for websocket clients that cannot
// set headers.
func FromRequest(r *http.Request) (string, error) {
	if h := r.Header.Get("Authorization"); h != "" {
		tok := strings.TrimSpace(strings.TrimPrefix(h, "Bearer "))
		if tok == "" || tok == h {
			return "", ErrMissingToken
		}
		return tok, nil
	}
	if tok := r.URL.Query().Get("access_token"); tok != "" {
		return tok, nil
	}
	return "", ErrMissingToken
}

// Header builds the handshake header a client presents.
func Header(token string) http.Header {
	h := http.Header{}
	h.Set("Authorization", "Bearer "+token)
	return h
}
