package feed

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pders01/feedpipe/internal/config"
)

const rssBody = `<?xml version="1.0" encoding="UTF-8"?>
<rss version="2.0">
	<channel>
		<title>Test RSS Feed</title>
		<link>http://example.com</link>
		<item>
			<title>First Article</title>
			<link>http://example.com/article1</link>
			<guid>article-1</guid>
			<pubDate>Wed, 01 Jan 2025 12:00:00 GMT</pubDate>
		</item>
	</channel>
</rss>`

func newTestFetcher(t *testing.T, mutate ...func(*config.Config)) *Fetcher {
	t.Helper()
	cfg := config.TestConfig()
	for _, m := range mutate {
		m(cfg)
	}
	return NewFetcher(cfg)
}

func TestFetcher_Headers(t *testing.T) {
	var got http.Header
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got = r.Header.Clone()
		w.WriteHeader(http.StatusNotModified)
	}))
	defer server.Close()

	f := newTestFetcher(t)

	out := f.Fetch(context.Background(), server.URL, Conditional{}, 1)
	require.Equal(t, NotModified, out.Kind)
	assert.Equal(t, "feedpipe-test/1.0 (1 subscriber)", got.Get("User-Agent"))
	assert.Equal(t, acceptHeader, got.Get("Accept"))
	assert.Empty(t, got.Get("If-None-Match"))
	assert.Empty(t, got.Get("If-Modified-Since"))

	out = f.Fetch(context.Background(), server.URL, Conditional{ETag: "etag", LastModified: "1234"}, 2)
	require.Equal(t, NotModified, out.Kind)
	assert.Equal(t, "feedpipe-test/1.0 (2 subscribers)", got.Get("User-Agent"))
	assert.Equal(t, "etag", got.Get("If-None-Match"))
	assert.Equal(t, "1234", got.Get("If-Modified-Since"))
}

func TestFetcher_StatusOutcomes(t *testing.T) {
	tests := []struct {
		name       string
		handler    http.HandlerFunc
		kind       OutcomeKind
		status     int
		retryAfter time.Duration
	}{
		{
			name: "success without content type",
			handler: func(w http.ResponseWriter, r *http.Request) {
				w.Header()["Content-Type"] = nil
				w.Write([]byte(rssBody))
			},
			kind:   Success,
			status: http.StatusOK,
		},
		{
			name:    "not modified",
			handler: func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(http.StatusNotModified) },
			kind:    NotModified,
		},
		{
			name:    "gone",
			handler: func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(http.StatusGone) },
			kind:    Gone,
		},
		{
			name:    "not found",
			handler: func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(http.StatusNotFound) },
			kind:    HTTPError,
			status:  http.StatusNotFound,
		},
		{
			name: "unavailable with retry-after",
			handler: func(w http.ResponseWriter, r *http.Request) {
				w.Header().Set("Retry-After", "120")
				w.WriteHeader(http.StatusServiceUnavailable)
			},
			kind:       HTTPError,
			status:     http.StatusServiceUnavailable,
			retryAfter: 2 * time.Minute,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			server := httptest.NewServer(tt.handler)
			defer server.Close()

			out := newTestFetcher(t).Fetch(context.Background(), server.URL, Conditional{}, 1)
			assert.Equal(t, tt.kind, out.Kind, "outcome %s", out.Kind)
			assert.Equal(t, tt.status, out.Status)
			assert.Equal(t, tt.retryAfter, out.RetryAfter)
			assert.Equal(t, server.URL, out.FinalURL)
			assert.Empty(t, out.Redirects)
		})
	}
}

func TestFetcher_SuccessKeepsBodyAndValidators(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("ETag", `"abc"`)
		w.Header().Set("Last-Modified", "Wed, 01 Jan 2025 00:00:00 GMT")
		w.Write([]byte(rssBody))
	}))
	defer server.Close()

	out := newTestFetcher(t).Fetch(context.Background(), server.URL, Conditional{}, 1)
	require.Equal(t, Success, out.Kind)
	assert.Equal(t, rssBody, string(out.Body))
	assert.Equal(t, `"abc"`, out.Header.Get("ETag"))
	assert.Equal(t, "Wed, 01 Jan 2025 00:00:00 GMT", out.Header.Get("Last-Modified"))
}

func TestFetcher_PermanentRedirectIsFollowed(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/old", func(w http.ResponseWriter, r *http.Request) {
		http.Redirect(w, r, "/new", http.StatusMovedPermanently)
	})
	mux.HandleFunc("/new", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(rssBody))
	})
	server := httptest.NewServer(mux)
	defer server.Close()

	out := newTestFetcher(t).Fetch(context.Background(), server.URL+"/old", Conditional{}, 1)
	require.Equal(t, Success, out.Kind)
	require.Len(t, out.Redirects, 1)
	assert.Equal(t, Redirect{Status: http.StatusMovedPermanently, From: server.URL + "/old", To: server.URL + "/new"}, out.Redirects[0])
	assert.Equal(t, server.URL+"/new", out.FinalURL)
	assert.Equal(t, server.URL+"/new", out.MovedTo())
}

func TestFetcher_TemporaryRedirectDoesNotMove(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/feed", func(w http.ResponseWriter, r *http.Request) {
		http.Redirect(w, r, "/mirror", http.StatusFound)
	})
	mux.HandleFunc("/mirror", func(w http.ResponseWriter, r *http.Request) {
		http.Redirect(w, r, "/final", http.StatusMovedPermanently)
	})
	mux.HandleFunc("/final", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(rssBody))
	})
	server := httptest.NewServer(mux)
	defer server.Close()

	out := newTestFetcher(t).Fetch(context.Background(), server.URL+"/feed", Conditional{}, 1)
	require.Equal(t, Success, out.Kind)
	assert.Len(t, out.Redirects, 2)
	assert.Equal(t, server.URL+"/final", out.FinalURL)
	assert.Empty(t, out.MovedTo(), "a temporary first hop means the feed has not moved")
}

func TestFetcher_RedirectLimit(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Redirect(w, r, "/moved", http.StatusMovedPermanently)
	}))
	defer server.Close()

	f := newTestFetcher(t, func(c *config.Config) { c.Feed.MaxRedirects = 0 })
	out := f.Fetch(context.Background(), server.URL+"/feed", Conditional{}, 1)
	require.Equal(t, PermanentRedirect, out.Kind)
	assert.Equal(t, server.URL+"/moved", out.FinalURL)
	assert.Nil(t, out.Body)

	loop := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Redirect(w, r, r.URL.Path+"x", http.StatusFound)
	}))
	defer loop.Close()

	f = newTestFetcher(t, func(c *config.Config) { c.Feed.MaxRedirects = 3 })
	out = f.Fetch(context.Background(), loop.URL+"/a", Conditional{}, 1)
	require.Equal(t, TransportError, out.Kind)
	assert.Equal(t, TransportOther, out.Transport)
	assert.ErrorIs(t, out.Err, errTooManyRedirects)
}

func TestFetcher_PreconditionFailedRetriesUnconditionally(t *testing.T) {
	var calls atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		if r.Header.Get("If-None-Match") != "" {
			w.WriteHeader(http.StatusPreconditionFailed)
			return
		}
		w.Write([]byte(rssBody))
	}))
	defer server.Close()

	out := newTestFetcher(t).Fetch(context.Background(), server.URL, Conditional{ETag: "stale"}, 1)
	require.Equal(t, Success, out.Kind)
	assert.Equal(t, int32(2), calls.Load())

	calls.Store(0)
	always := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusPreconditionFailed)
	}))
	defer always.Close()

	out = newTestFetcher(t).Fetch(context.Background(), always.URL, Conditional{ETag: "stale"}, 1)
	require.Equal(t, HTTPError, out.Kind)
	assert.Equal(t, http.StatusPreconditionFailed, out.Status)
	assert.Equal(t, int32(2), calls.Load())
}

func TestFetcher_TransportErrors(t *testing.T) {
	t.Run("malformed url", func(t *testing.T) {
		out := newTestFetcher(t).Fetch(context.Background(), "not a url", Conditional{}, 1)
		require.Equal(t, TransportError, out.Kind)
		assert.Equal(t, TransportMalformedURL, out.Transport)
	})

	t.Run("request timeout", func(t *testing.T) {
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			select {
			case <-r.Context().Done():
			case <-time.After(2 * time.Second):
			}
		}))
		defer server.Close()

		f := newTestFetcher(t, func(c *config.Config) { c.Feed.HTTPTimeout = 50 * time.Millisecond })
		out := f.Fetch(context.Background(), server.URL, Conditional{}, 1)
		require.Equal(t, TransportError, out.Kind)
		assert.Equal(t, TransportTimeout, out.Transport)
	})

	t.Run("task deadline", func(t *testing.T) {
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			select {
			case <-r.Context().Done():
			case <-time.After(2 * time.Second):
			}
		}))
		defer server.Close()

		ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
		defer cancel()
		out := newTestFetcher(t).Fetch(ctx, server.URL, Conditional{}, 1)
		require.Equal(t, TransportError, out.Kind)
		assert.Equal(t, TransportTimeout, out.Transport)
	})

	t.Run("connection refused", func(t *testing.T) {
		server := httptest.NewServer(http.NotFoundHandler())
		url := server.URL
		server.Close()

		out := newTestFetcher(t).Fetch(context.Background(), url, Conditional{}, 1)
		require.Equal(t, TransportError, out.Kind)
		assert.Equal(t, TransportConnection, out.Transport)
	})

	t.Run("incomplete body", func(t *testing.T) {
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("Content-Length", "1000")
			w.Write([]byte("<rss>"))
		}))
		defer server.Close()

		out := newTestFetcher(t).Fetch(context.Background(), server.URL, Conditional{}, 1)
		require.Equal(t, TransportError, out.Kind)
		assert.Equal(t, TransportConnection, out.Transport)
	})

	t.Run("body too large", func(t *testing.T) {
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.Write([]byte(strings.Repeat("a", 2048)))
		}))
		defer server.Close()

		f := newTestFetcher(t, func(c *config.Config) { c.Feed.MaxBodySize = 1024 })
		out := f.Fetch(context.Background(), server.URL, Conditional{}, 1)
		require.Equal(t, TransportError, out.Kind)
		assert.ErrorIs(t, out.Err, errBodyTooLarge)
	})
}

func TestSubscriberLabel(t *testing.T) {
	assert.Equal(t, "1 subscriber", subscriberLabel(0))
	assert.Equal(t, "1 subscriber", subscriberLabel(1))
	assert.Equal(t, "7 subscribers", subscriberLabel(7))
}

func TestFormatUserAgentWithoutPlaceholder(t *testing.T) {
	f := newTestFetcher(t, func(c *config.Config) { c.Feed.UserAgent = "plain-agent" })
	assert.Equal(t, "plain-agent", f.formatUserAgent(3))
}
