package auth

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// Claims is the signed permission claim handed to operators at login.
type Claims struct {
	UGroup uint8 `json:"ugroup"`
	jwt.RegisteredClaims
}

// Tokens issues and validates HS256 claims.
type Tokens struct {
	secret []byte
	ttl    time.Duration
	now    func() time.Time
}

func NewTokens(secret string, ttl time.Duration) *Tokens {
	return &Tokens{
		secret: []byte(secret),
		ttl:    ttl,
		now:    time.Now,
	}
}

func (t *Tokens) Issue(ugroup uint8) (string, error) {
	claims := Claims{
		UGroup: ugroup,
		RegisteredClaims: jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(t.now().Add(t.ttl)),
		},
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(t.secret)
	if err != nil {
		return "", fmt.Errorf("failed to sign token: %w", err)
	}
	return signed, nil
}

// Parse validates the token and returns its claims.
func (t *Tokens) Parse(token string) (*Claims, error) {
	if token == "" {
		return nil, errors.New("missing token")
	}
	claims := &Claims{}
	_, err := jwt.ParseWithClaims(token, claims, func(*jwt.Token) (interface{}, error) {
		return t.secret, nil
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(t.now),
	)
	if err != nil {
		return nil, err
	}
	return claims, nil
}

// Group returns the permission group carried by token, or 0 when the token
// is missing, malformed, forged or expired.
func (t *Tokens) Group(token string) uint8 {
	claims, err := t.Parse(token)
	if err != nil {
		return 0
	}
	return claims.UGroup
}
