package feed

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/pders01/feedpipe/internal/config"
	"github.com/pders01/feedpipe/internal/storage"
)

var fixedNow = time.Date(2025, 3, 14, 9, 26, 53, 589_000_000, time.UTC)

func newTestStore(t *testing.T, driver string) storage.Store {
	t.Helper()
	store, err := storage.Open(driver, filepath.Join(t.TempDir(), "test.db"), time.Second)
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	return store
}

func forEachDriver(t *testing.T, fn func(t *testing.T, store storage.Store)) {
	for _, driver := range []string{storage.DriverBolt, storage.DriverSQLite} {
		t.Run(driver, func(t *testing.T) {
			fn(t, newTestStore(t, driver))
		})
	}
}

func newTestUpdater(t *testing.T, store storage.Store) *Updater {
	t.Helper()
	u := NewUpdater(store, config.TestConfig())
	u.now = func() time.Time { return fixedNow }
	return u
}

// addFeed stores a subscription and its fetch record without fetching.
func addFeed(t *testing.T, store storage.Store, userID, url string) *storage.Feed {
	t.Helper()
	feed := &storage.Feed{ID: uuid.NewString(), UserID: userID, URL: url, CreatedAt: fixedNow}
	err := store.Update(context.Background(), func(tx storage.Tx) error {
		if err := tx.PutFeed(feed); err != nil {
			return err
		}
		if _, err := tx.FetchState(url); err == nil {
			return nil
		}
		return tx.PutFetchState(storage.NewFetchState(url))
	})
	require.NoError(t, err)
	return feed
}

func loadState(t *testing.T, store storage.Store, url string) *storage.FetchState {
	t.Helper()
	var state *storage.FetchState
	err := store.View(context.Background(), func(tx storage.Tx) error {
		var err error
		state, err = tx.FetchState(url)
		return err
	})
	require.NoError(t, err)
	return state
}

func saveState(t *testing.T, store storage.Store, state *storage.FetchState) {
	t.Helper()
	require.NoError(t, store.Update(context.Background(), func(tx storage.Tx) error {
		return tx.PutFetchState(state)
	}))
}

func loadFeed(t *testing.T, store storage.Store, id string) *storage.Feed {
	t.Helper()
	var feed *storage.Feed
	err := store.View(context.Background(), func(tx storage.Tx) error {
		var err error
		feed, err = tx.Feed(id)
		return err
	})
	require.NoError(t, err)
	return feed
}

func loadEntries(t *testing.T, store storage.Store, feedID string) []*storage.Entry {
	t.Helper()
	var entries []*storage.Entry
	err := store.View(context.Background(), func(tx storage.Tx) error {
		var err error
		entries, err = tx.Entries(storage.EntryFilter{FeedID: feedID})
		return err
	})
	require.NoError(t, err)
	return entries
}

// feedServer serves body with status and optional headers on every request.
func feedServer(t *testing.T, status int, body string, headers map[string]string) *httptest.Server {
	t.Helper()
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		for k, v := range headers {
			w.Header().Set(k, v)
		}
		w.WriteHeader(status)
		fmt.Fprint(w, body)
	}))
	t.Cleanup(server.Close)
	return server
}

// rssFeed builds an RSS document from items given as raw <item> bodies.
func rssFeed(title string, items ...string) string {
	doc := `<?xml version="1.0" encoding="UTF-8"?><rss version="2.0"><channel><title>` + title + `</title><link>http://example.org/</link>`
	for _, item := range items {
		doc += "<item>" + item + "</item>"
	}
	return doc + "</channel></rss>"
}
