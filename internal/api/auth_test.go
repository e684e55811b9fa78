package api

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestUserId(t *testing.T) {
	tcases := []struct {
		name     string
		ctx      context.Context
		userId   int
		expected bool
	}{
		{
			name:     "no user ID",
			ctx:      context.Background(),
			expected: false,
		},
		{
			name:     "user ID set",
			ctx:      WithUserId(context.Background(), 42),
			userId:   42,
			expected: true,
		},
	}

	for _, tc := range tcases {
		t.Run(tc.name, func(t *testing.T) {
			userId, ok := UserId(tc.ctx)
			assert.Equal(t, tc.expected, ok, "expected UserId to return %v", tc.expected)
			assert.Equal(t, tc.userId, userId, "expected UserId to return %d", tc.userId)
		})
	}
}

func Test_requestToken(t *testing.T) {
	tcases := []struct {
		name     string
		header   string
		cookie   string
		expected string
		err      bool
	}{
		{
			name:     "bearer header",
			header:   "Bearer abc.def",
			expected: "abc.def",
		},
		{
			name:     "scheme is case insensitive",
			header:   "bearer abc.def",
			expected: "abc.def",
		},
		{
			name:     "header wins over cookie",
			header:   "Bearer from-header",
			cookie:   "from-cookie",
			expected: "from-header",
		},
		{
			name:     "cookie",
			cookie:   "from-cookie",
			expected: "from-cookie",
		},
		{
			name:   "basic auth",
			header: "Basic dXNlcjpwYXNz",
			err:    true,
		},
		{
			name:   "empty bearer",
			header: "Bearer ",
			err:    true,
		},
		{
			name: "nothing",
			err:  true,
		},
	}

	for _, tc := range tcases {
		t.Run(tc.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/", nil)
			if tc.header != "" {
				req.Header.Set("Authorization", tc.header)
			}
			if tc.cookie != "" {
				req.AddCookie(&http.Cookie{Name: tokenCookieKey, Value: tc.cookie})
			}

			token, err := requestToken(req)
			if tc.err {
				assert.Error(t, err)
				return
			}
			assert.NoError(t, err)
			assert.Equal(t, tc.expected, token)
		})
	}
}
