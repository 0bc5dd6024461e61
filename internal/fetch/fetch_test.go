package fetch

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/TobiSchelling/smallrss/internal/failure"
)

func TestGet(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, UserAgent, r.Header.Get("User-Agent"))
		switch r.URL.Path {
		case "/ok":
			w.Write([]byte("<rss/>"))
		case "/gone":
			w.WriteHeader(http.StatusGone)
		default:
			w.WriteHeader(http.StatusBadGateway)
		}
	}))
	defer srv.Close()

	c := NewClient(time.Second, 0)
	ctx := context.Background()

	body, err := c.Get(ctx, srv.URL+"/ok")
	require.NoError(t, err)
	assert.Equal(t, "<rss/>", string(body))

	_, err = c.Get(ctx, srv.URL+"/gone")
	assert.Equal(t, failure.KindNotFound, failure.KindOf(err))
	assert.Equal(t, http.StatusGone, StatusCode(err))

	_, err = c.Get(ctx, srv.URL+"/broken")
	assert.Equal(t, failure.KindTransient, failure.KindOf(err))
	assert.Equal(t, http.StatusBadGateway, StatusCode(err))
}

func TestGetConnectionRefused(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	url := srv.URL
	srv.Close()

	_, err := NewClient(time.Second, 0).Get(context.Background(), url)
	require.Error(t, err)
	assert.Equal(t, failure.KindTransient, failure.KindOf(err))
	assert.Zero(t, StatusCode(err))
}

func TestHostRateLimiterSpacesRequests(t *testing.T) {
	h := NewHostRateLimiter(50 * time.Millisecond)
	ctx := context.Background()

	start := time.Now()
	require.NoError(t, h.WaitForHost(ctx, "https://a.example/1"))
	require.NoError(t, h.WaitForHost(ctx, "https://b.example/1"))
	assert.Less(t, time.Since(start), 40*time.Millisecond, "different hosts do not wait")

	require.NoError(t, h.WaitForHost(ctx, "https://a.example/2"))
	assert.GreaterOrEqual(t, time.Since(start), 40*time.Millisecond)

	assert.Error(t, h.WaitForHost(ctx, "/relative"))
}
