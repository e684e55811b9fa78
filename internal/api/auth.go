package api

import (
	"context"
	"errors"
	"net/http"
	"strings"
)

const tokenCookieKey = "token"

var errNoToken = errors.New("no bearer token or token cookie")

type contextKey string

const userIdKey contextKey = "user-id"

func UserId(ctx context.Context) (int, bool) {
	userId, ok := ctx.Value(userIdKey).(int)

	return userId, ok
}

func WithUserId(ctx context.Context, userId int) context.Context {
	return context.WithValue(ctx, userIdKey, userId)
}

// requestToken returns the credential from the Authorization header, falling
// back to the token cookie set by the marketplace front end.
func requestToken(r *http.Request) (string, error) {
	if h := r.Header.Get("Authorization"); h != "" {
		scheme, token, ok := strings.Cut(h, " ")
		if !ok || !strings.EqualFold(scheme, "Bearer") || token == "" {
			return "", errors.New("malformed authorization header")
		}
		return token, nil
	}

	cookie, err := r.Cookie(tokenCookieKey)
	if err != nil {
		return "", errNoToken
	}

	return cookie.Value, nil
}
