package directory

import (
	"errors"
	"fmt"
	"strings"

	"github.com/golang-jwt/jwt/v5"
)

var (
	ErrTokenMissing = errors.New("upstream auth token missing")
	ErrTokenInvalid = errors.New("upstream auth token invalid")
)

// TokenVerifier checks the token handed over by the upstream authentication
// step before a session may be created. The token is an HMAC-signed JWT
// whose subject must be the user id being admitted; this service never
// issues tokens itself.
type TokenVerifier struct {
	secret []byte
}

func NewTokenVerifier(secret string) *TokenVerifier {
	secret = strings.TrimSpace(secret)
	if secret == "" {
		return nil
	}
	return &TokenVerifier{secret: []byte(secret)}
}

func (v *TokenVerifier) Verify(token, userID string) error {
	token = strings.TrimSpace(token)
	if token == "" {
		return ErrTokenMissing
	}

	parsed, err := jwt.Parse(token, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %q", t.Method.Alg())
		}
		return v.secret, nil
	})
	if err != nil || !parsed.Valid {
		return ErrTokenInvalid
	}

	subject, err := parsed.Claims.GetSubject()
	if err != nil || subject != strings.TrimSpace(userID) {
		return ErrTokenInvalid
	}
	return nil
}
