package collab

import (
	"time"

	gojwt "github.com/golang-jwt/jwt/v5"
)

// the claims of the auth token the client cares about
// the token is verified by the server, the client only reads it to schedule renewal
type AuthJwt struct {
	ExpiresAt time.Time
}

func ParseAuthJwtUnverified(jwt string) (*AuthJwt, error) {
	parser := gojwt.NewParser()
	token, _, err := parser.ParseUnverified(jwt, gojwt.MapClaims{})
	if err != nil {
		return nil, err
	}

	claims := token.Claims.(gojwt.MapClaims)

	authJwt := &AuthJwt{}

	if exp, err := claims.GetExpirationTime(); err == nil && exp != nil {
		authJwt.ExpiresAt = exp.Time
	}

	return authJwt, nil
}

// renew at the interval, or at half the remaining lifetime if that comes first
func tokenRenewPeriod(token string, interval time.Duration, now time.Time) time.Duration {
	authJwt, err := ParseAuthJwtUnverified(token)
	if err != nil || authJwt.ExpiresAt.IsZero() {
		return interval
	}
	half := authJwt.ExpiresAt.Sub(now) / 2
	if half <= 0 {
		// expired or about to. renew as soon as possible
		return time.Second
	}
	return min(interval, half)
}
