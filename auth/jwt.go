package auth

import (
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

const tokenTypeRefresh = "refresh"

// JWTVerifier accepts HMAC-signed access tokens carrying the user id in "userId" (or "sub").
// Refresh tokens are rejected.
type JWTVerifier struct {
	secret []byte
	issuer string
}

func NewJWTVerifier(secret, issuer string) *JWTVerifier {
	return &JWTVerifier{secret: []byte(secret), issuer: issuer}
}

// Verify checks signature, expiry and issuer of token and returns the user id it names.
func (v *JWTVerifier) Verify(token string) (string, error) {
	opts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{"HS256", "HS384", "HS512"}),
		jwt.WithExpirationRequired(),
	}
	if v.issuer != "" {
		opts = append(opts, jwt.WithIssuer(v.issuer))
	}
	claims := jwt.MapClaims{}
	_, err := jwt.ParseWithClaims(token, claims, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %T", t.Method)
		}
		return v.secret, nil
	}, opts...)
	if err != nil {
		return "", err
	}
	if typ, _ := claims["type"].(string); typ == tokenTypeRefresh {
		return "", fmt.Errorf("refresh token cannot be used to connect")
	}
	userId, _ := claims["userId"].(string)
	if userId == "" {
		userId, _ = claims["sub"].(string)
	}
	if userId == "" {
		return "", fmt.Errorf("token names no user")
	}
	return userId, nil
}

// IssueToken signs an access token for userId, as the HTTP login does.
func IssueToken(secret, issuer, userId string, ttl time.Duration) (string, error) {
	now := time.Now()
	claims := jwt.MapClaims{
		"userId": userId,
		"sub":    userId,
		"iat":    now.Unix(),
		"exp":    now.Add(ttl).Unix(),
	}
	if issuer != "" {
		claims["iss"] = issuer
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(secret))
}
