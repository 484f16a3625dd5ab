package auth

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"game-soul-technology/joker/joker-presence-server/pkg/config"

	"github.com/golang-jwt/jwt/v5"
)

var (
	ErrMissingToken = errors.New("missing token")
	ErrInvalidToken = errors.New("invalid token")
)

// Verifier turns a bearer token into the actor id it was issued for.
type Verifier interface {
	Verify(ctx context.Context, token string) (actorId string, err error)
}

// JwtVerifier checks HS256 tokens signed by main server.
type JwtVerifier struct {
	secret     []byte
	actorClaim string
}

func ProvideJwtVerifier(cfg *config.Config) *JwtVerifier {
	return NewJwtVerifier([]byte(cfg.JwtSecret), cfg.JwtActorClaim)
}

func NewJwtVerifier(secret []byte, actorClaim string) *JwtVerifier {
	return &JwtVerifier{
		secret:     secret,
		actorClaim: actorClaim,
	}
}

func (v *JwtVerifier) Verify(ctx context.Context, token string) (string, error) {
	token = sanitizeToken(token)
	if token == "" {
		return "", ErrMissingToken
	}

	parsed, err := jwt.Parse(token, func(t *jwt.Token) (interface{}, error) {
		return v.secret, nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}), jwt.WithExpirationRequired())
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}

	claims, ok := parsed.Claims.(jwt.MapClaims)
	if !ok || !parsed.Valid {
		return "", ErrInvalidToken
	}

	actorId := claimString(claims, v.actorClaim)
	if actorId == "" {
		return "", fmt.Errorf("%w: no claim[%v]", ErrInvalidToken, v.actorClaim)
	}
	return actorId, nil
}

// TokenFromRequest finds the bearer token of a websocket handshake. Browsers
// cannot set headers on websocket, so query parameters come first.
func TokenFromRequest(r *http.Request) string {
	query := r.URL.Query()
	if token := query.Get("token"); token != "" {
		return token
	}
	if token := query.Get("auth"); token != "" {
		return token
	}
	return r.Header.Get("Authorization")
}

func sanitizeToken(token string) string {
	return strings.TrimSpace(strings.TrimPrefix(strings.TrimSpace(token), "Bearer "))
}

// Ids may be issued as numbers.
func claimString(claims jwt.MapClaims, key string) string {
	switch value := claims[key].(type) {
	case string:
		return value
	case float64:
		return fmt.Sprintf("%.0f", value)
	default:
		return ""
	}
}
