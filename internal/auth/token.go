package auth

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

const issuer = "marginalia"

// Claims authorize one collaborator on one document's relay.
type Claims struct {
	Name     string `json:"name"`
	Document string `json:"doc"`
	jwt.RegisteredClaims
}

var (
	ErrInvalidToken  = errors.New("invalid token")
	ErrExpiredToken  = errors.New("expired token")
	ErrWrongDocument = errors.New("token issued for another document")
)

func IssueToken(secret []byte, subject, name, documentID string, ttl time.Duration) (string, error) {
	now := time.Now()
	claims := Claims{
		Name:     name,
		Document: documentID,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   subject,
			Issuer:    issuer,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(secret)
	if err != nil {
		return "", fmt.Errorf("sign token: %w", err)
	}
	return signed, nil
}

func ParseToken(secret []byte, token string) (Claims, error) {
	var claims Claims
	_, err := jwt.ParseWithClaims(token, &claims, func(t *jwt.Token) (any, error) {
		return secret, nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}), jwt.WithIssuer(issuer), jwt.WithExpirationRequired())
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return Claims{}, ErrExpiredToken
		}
		return Claims{}, ErrInvalidToken
	}
	if claims.Subject == "" || claims.Document == "" {
		return Claims{}, ErrInvalidToken
	}
	return claims, nil
}

// ParseDocumentToken parses token and checks it was issued for documentID.
func ParseDocumentToken(secret []byte, token, documentID string) (Claims, error) {
	claims, err := ParseToken(secret, token)
	if err != nil {
		return Claims{}, err
	}
	if claims.Document != documentID {
		return Claims{}, ErrWrongDocument
	}
	return claims, nil
}
