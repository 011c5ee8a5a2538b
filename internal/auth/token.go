// Package auth issues and verifies the signed identity tokens that tie a
// connecting participant to a user. Authorization decisions live elsewhere;
// a token only answers "who is this".
package auth

import (
	"errors"
	"time"

	jwt "github.com/golang-jwt/jwt/v5"
)

type Claims struct {
	Name string `json:"name"`
	jwt.RegisteredClaims
}

var ErrInvalidToken = errors.New("invalid token")

func IssueToken(secret []byte, userID, displayName string, ttl time.Duration) (string, error) {
	now := time.Now()
	claims := Claims{
		Name: displayName,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   userID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(secret)
}

func ParseToken(secret []byte, token string) (Claims, error) {
	parsed, err := jwt.ParseWithClaims(token, &Claims{}, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, ErrInvalidToken
		}
		return secret, nil
	})
	if err != nil {
		return Claims{}, ErrInvalidToken
	}
	claims, ok := parsed.Claims.(*Claims)
	if !ok || !parsed.Valid || claims.Subject == "" || claims.Name == "" {
		return Claims{}, ErrInvalidToken
	}
	return *claims, nil
}
