package social

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"brandwatch/internal/domain"
)

func TestExists(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/tw/acmesupport":
			_, _ = w.Write([]byte("profile"))
		case "/tw/limited":
			w.WriteHeader(http.StatusTooManyRequests)
		default:
			http.NotFound(w, r)
		}
	}))
	defer srv.Close()

	c := New(map[string]string{"twitter": srv.URL + "/tw/%s"}, 1000, time.Second)
	ctx := context.Background()

	ok, url, err := c.Exists(ctx, "twitter", "@acmesupport")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, srv.URL+"/tw/acmesupport", url)

	ok, _, err = c.Exists(ctx, "twitter", "acme_hq")
	require.NoError(t, err)
	assert.False(t, ok)

	_, _, err = c.Exists(ctx, "twitter", "limited")
	require.Error(t, err)
	assert.True(t, domain.IsTransient(err))

	_, _, err = c.Exists(ctx, "myspace", "acme")
	assert.Error(t, err)
}
