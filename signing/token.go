package signing

import (
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// tokens issues and verifies the session-scoped JWTs embedded in signing
// links. A token grants access to exactly one session, no user auth involved.
type tokens struct {
	secret []byte
}

func (t tokens) issue(sessionID, dealID string, now time.Time) (string, error) {
	claims := jwt.MapClaims{
		"sid": sessionID,
		"did": dealID,
		"exp": now.Add(tokenTTL).Unix(),
		"iat": now.Unix(),
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(t.secret)
	if err != nil {
		return "", fmt.Errorf("signing: issue token: %w", err)
	}
	return signed, nil
}

func (t tokens) verify(tokenString string) (sessionID string, err error) {
	sid, _, err := t.verifyClaims(tokenString)
	return sid, err
}

func (t tokens) verifyClaims(tokenString string) (sessionID, dealID string, err error) {
	token, err := jwt.Parse(tokenString, func(token *jwt.Token) (any, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return t.secret, nil
	})
	if err != nil || !token.Valid {
		return "", "", ErrBadToken
	}
	claims, ok := token.Claims.(jwt.MapClaims)
	if !ok {
		return "", "", ErrBadToken
	}
	sid, ok := claims["sid"].(string)
	if !ok || sid == "" {
		return "", "", ErrBadToken
	}
	did, _ := claims["did"].(string)
	return sid, did, nil
}
