package webfetch

import (
	"context"
	"net"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"brandwatch/internal/domain"
)

func TestFetch(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/":
			_, _ = w.Write([]byte("<title>Acme login</title>"))
		case "/slow":
			time.Sleep(200 * time.Millisecond)
		case "/down":
			w.WriteHeader(http.StatusBadGateway)
		default:
			http.NotFound(w, r)
		}
	}))
	defer srv.Close()
	ctx := context.Background()

	status, body, err := New(time.Second).Fetch(ctx, srv.URL+"/")
	require.NoError(t, err)
	assert.Equal(t, 200, status)
	assert.Contains(t, body, "Acme login")

	status, _, err = New(time.Second).Fetch(ctx, srv.URL+"/missing")
	require.NoError(t, err)
	assert.Equal(t, 404, status)

	_, _, err = New(time.Second).Fetch(ctx, srv.URL+"/down")
	assert.True(t, domain.IsTransient(err))

	_, _, err = New(50*time.Millisecond).Fetch(ctx, srv.URL+"/slow")
	assert.True(t, domain.IsTransient(err))
}

func TestFetch_UnreachableIsNotAnError(t *testing.T) {
	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := l.Addr().String()
	require.NoError(t, l.Close())

	status, body, err := New(time.Second).Fetch(context.Background(), "http://"+addr+"/")
	require.NoError(t, err)
	assert.Zero(t, status)
	assert.Empty(t, body)
}
