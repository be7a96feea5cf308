package auth

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

type contextKey string

const actorContextKey contextKey = "actor"

// Actor is the authenticated principal a session token resolves to. Role is
// one of "user", "admin", or "service".
type Actor struct {
	ID   string
	Role string
}

type TokenProvider struct {
	secret    []byte
	accessTTL time.Duration
	now       func() time.Time
}

func NewTokenProvider(secret string, accessTTL time.Duration) *TokenProvider {
	if accessTTL <= 0 {
		accessTTL = 24 * time.Hour
	}
	return &TokenProvider{
		secret:    []byte(secret),
		accessTTL: accessTTL,
		now:       func() time.Time { return time.Now().UTC() },
	}
}

// SetNowFunc overrides the token clock, for tests.
func (p *TokenProvider) SetNowFunc(now func() time.Time) {
	if p == nil || now == nil {
		return
	}
	p.now = now
}

func (p *TokenProvider) Issue(accountID, role string) (string, time.Time, error) {
	if accountID == "" || role == "" {
		return "", time.Time{}, errors.New("account id and role are required")
	}
	now := p.now()
	expiresAt := now.Add(p.accessTTL)
	claims := jwt.MapClaims{
		"sub":  accountID,
		"role": role,
		"iat":  now.Unix(),
		"exp":  expiresAt.Unix(),
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString(p.secret)
	if err != nil {
		return "", time.Time{}, err
	}
	return signed, expiresAt, nil
}

func (p *TokenProvider) ParseActor(tokenString string) (Actor, error) {
	claims := jwt.MapClaims{}
	tok, err := jwt.ParseWithClaims(tokenString, claims, func(token *jwt.Token) (any, error) {
		if token.Method != jwt.SigningMethodHS256 {
			return nil, errors.New("unexpected signing method")
		}
		return p.secret, nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}), jwt.WithLeeway(5*time.Second))
	if err != nil || !tok.Valid {
		return Actor{}, errors.New("invalid token")
	}

	sub, _ := claims["sub"].(string)
	role, _ := claims["role"].(string)
	if sub == "" || role == "" {
		return Actor{}, errors.New("missing actor claims")
	}
	return Actor{ID: sub, Role: role}, nil
}

func WithActor(ctx context.Context, actor Actor) context.Context {
	return context.WithValue(ctx, actorContextKey, actor)
}

func ActorFromContext(ctx context.Context) (Actor, bool) {
	v, ok := ctx.Value(actorContextKey).(Actor)
	return v, ok
}

func HTTPBearerMiddleware(provider *TokenProvider, next http.Handler) http.Handler {
	return HTTPBearerMiddlewareWithSkips(provider, next, nil)
}

func HTTPBearerMiddlewareWithSkips(provider *TokenProvider, next http.Handler, skipPaths []string) http.Handler {
	skip := make(map[string]struct{}, len(skipPaths))
	for _, p := range skipPaths {
		skip[p] = struct{}{}
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if _, ok := skip[r.URL.Path]; ok {
			next.ServeHTTP(w, r)
			return
		}
		h := r.Header.Get("Authorization")
		if !strings.HasPrefix(h, "Bearer ") {
			http.Error(w, "missing bearer token", http.StatusUnauthorized)
			return
		}
		tok := strings.TrimPrefix(h, "Bearer ")
		actor, err := provider.ParseActor(tok)
		if err != nil {
			http.Error(w, "invalid token", http.StatusUnauthorized)
			return
		}
		next.ServeHTTP(w, r.WithContext(WithActor(r.Context(), actor)))
	})
}
