package realtime

import (
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// tokenUsable reports whether a stored token is still worth replaying.
// JWTs with an exp claim in the past are dead on arrival, so they are
// dropped locally. Opaque (non-JWT) tokens are always replayed; the
// server is the judge of those.
func tokenUsable(token string) bool {
	claims := jwt.MapClaims{}
	_, _, err := jwt.NewParser().ParseUnverified(token, claims)
	if err != nil {
		return true
	}
	exp, err := claims.GetExpirationTime()
	if err != nil || exp == nil {
		return true
	}
	return exp.After(time.Now())
}
