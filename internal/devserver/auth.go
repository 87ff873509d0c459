package devserver

import (
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/wasel-chat/wasel/internal/domain"
)

const tokenTTL = 7 * 24 * time.Hour

// issueToken mints an HS256 token carrying the user identity.
func issueToken(secret string, user domain.User) (string, error) {
	claims := jwt.MapClaims{
		"sub":  string(user.ID),
		"name": user.Username,
		"role": user.Role,
		"exp":  jwt.NewNumericDate(time.Now().Add(tokenTTL)),
		"iat":  jwt.NewNumericDate(time.Now()),
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(secret))
}

// verifyToken validates a token and reconstructs the user from its
// claims.
func verifyToken(secret, token string) (domain.User, error) {
	parsed, err := jwt.Parse(token, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
		}
		return []byte(secret), nil
	}, jwt.WithValidMethods([]string{"HS256"}))
	if err != nil {
		return domain.User{}, err
	}
	claims, ok := parsed.Claims.(jwt.MapClaims)
	if !ok || !parsed.Valid {
		return domain.User{}, fmt.Errorf("invalid token claims")
	}
	sub, _ := claims["sub"].(string)
	if sub == "" {
		return domain.User{}, fmt.Errorf("token without subject")
	}
	name, _ := claims["name"].(string)
	role, _ := claims["role"].(string)
	return domain.User{ID: domain.UserID(sub), Username: name, Role: role}, nil
}
