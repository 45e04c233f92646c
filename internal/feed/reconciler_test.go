package feed

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pders01/feedpipe/internal/storage"
)

func reconcile(t *testing.T, store storage.Store, feedID string, entries []ParsedEntry, at time.Time) []*storage.Entry {
	t.Helper()
	var created []*storage.Entry
	err := store.Update(context.Background(), func(tx storage.Tx) error {
		feed, err := tx.Feed(feedID)
		if err != nil {
			return err
		}
		created, err = NewReconciler().Reconcile(tx, feed, entries, at)
		return err
	})
	require.NoError(t, err)
	return created
}

func TestReconcile_Idempotent(t *testing.T) {
	published := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	entries := []ParsedEntry{
		{GUID: "a", Title: "A", Published: &published},
		{Link: "http://example.org/b", Title: "B"},
		{Title: "C", Content: "no guid, no link"},
	}

	forEachDriver(t, func(t *testing.T, store storage.Store) {
		feed := addFeed(t, store, "u1", "http://example.org/feed")

		created := reconcile(t, store, feed.ID, entries, fixedNow)
		assert.Len(t, created, 3)
		assert.Equal(t, 3, loadFeed(t, store, feed.ID).UnreadCount)

		created = reconcile(t, store, feed.ID, entries, fixedNow.Add(time.Hour))
		assert.Empty(t, created)
		assert.Equal(t, 3, loadFeed(t, store, feed.ID).UnreadCount)
		assert.Len(t, loadEntries(t, store, feed.ID), 3)
	})
}

func TestReconcile_DoesNotOverwrite(t *testing.T) {
	forEachDriver(t, func(t *testing.T, store storage.Store) {
		feed := addFeed(t, store, "u1", "http://example.org/feed")

		created := reconcile(t, store, feed.ID, []ParsedEntry{{GUID: "a", Title: "Original"}}, fixedNow)
		require.Len(t, created, 1)
		require.NoError(t, store.Update(context.Background(), func(tx storage.Tx) error {
			if err := storage.MarkRead(tx, created[0].ID, true); err != nil {
				return err
			}
			return storage.SetStarred(tx, created[0].ID, true)
		}))

		reconcile(t, store, feed.ID, []ParsedEntry{{GUID: "a", Title: "Edited upstream"}}, fixedNow.Add(time.Hour))

		entries := loadEntries(t, store, feed.ID)
		require.Len(t, entries, 1)
		assert.Equal(t, "Original", entries[0].Title)
		assert.True(t, entries[0].Read)
		assert.True(t, entries[0].Starred)
		assert.True(t, entries[0].Date.Equal(fixedNow.Truncate(time.Second)), "date is never recomputed")
		assert.Equal(t, 0, loadFeed(t, store, feed.ID).UnreadCount)
	})
}

func TestReconcile_KeyFallback(t *testing.T) {
	store := newTestStore(t, storage.DriverBolt)
	feed := addFeed(t, store, "u1", "http://example.org/feed")

	reconcile(t, store, feed.ID, []ParsedEntry{{GUID: "g1", Link: "http://example.org/1", Title: "First"}}, fixedNow)

	// Same GUID, different title and link: same entry.
	created := reconcile(t, store, feed.ID, []ParsedEntry{{GUID: "g1", Link: "http://example.org/other", Title: "Renamed"}}, fixedNow)
	assert.Empty(t, created)

	// No GUID, link matches nothing stored as a key: new entry.
	created = reconcile(t, store, feed.ID, []ParsedEntry{{Link: "http://example.org/1", Title: "First"}}, fixedNow)
	assert.Len(t, created, 1)

	// No GUID, same link again with another title: duplicate.
	created = reconcile(t, store, feed.ID, []ParsedEntry{{Link: "http://example.org/1", Title: "Different title"}}, fixedNow)
	assert.Empty(t, created)

	// Different link: new entry even with an identical title.
	created = reconcile(t, store, feed.ID, []ParsedEntry{{Link: "http://example.org/2", Title: "First"}}, fixedNow)
	assert.Len(t, created, 1)

	assert.Len(t, loadEntries(t, store, feed.ID), 3)
	assert.Equal(t, 3, loadFeed(t, store, feed.ID).UnreadCount)
}

func TestReconcile_DuplicatesWithinOneDocument(t *testing.T) {
	store := newTestStore(t, storage.DriverSQLite)
	feed := addFeed(t, store, "u1", "http://example.org/feed")

	created := reconcile(t, store, feed.ID, []ParsedEntry{{GUID: "x", Title: "one"}, {GUID: "x", Title: "two"}}, fixedNow)
	require.Len(t, created, 1)
	assert.Equal(t, "one", created[0].Title)
	assert.Equal(t, 1, loadFeed(t, store, feed.ID).UnreadCount)
}

func TestReconcile_PerSubscriber(t *testing.T) {
	store := newTestStore(t, storage.DriverBolt)
	a := addFeed(t, store, "alice", "http://example.org/feed")
	b := addFeed(t, store, "bob", "http://example.org/feed")

	entries := []ParsedEntry{{GUID: "1"}, {GUID: "2"}}
	reconcile(t, store, a.ID, entries, fixedNow)
	reconcile(t, store, b.ID, entries, fixedNow)

	for _, id := range []string{a.ID, b.ID} {
		assert.Len(t, loadEntries(t, store, id), 2)
		assert.Equal(t, 2, loadFeed(t, store, id).UnreadCount)
	}
	assert.Equal(t, "bob", loadEntries(t, store, b.ID)[0].UserID)
}

func TestContentKey(t *testing.T) {
	assert.Equal(t, "guid", contentKey(ParsedEntry{GUID: "guid", Link: "link"}))
	assert.Equal(t, "link", contentKey(ParsedEntry{Link: "link"}))

	a := contentKey(ParsedEntry{Title: "t", Content: "c"})
	assert.Equal(t, a, contentKey(ParsedEntry{Title: "t", Content: "c"}))
	assert.NotEqual(t, a, contentKey(ParsedEntry{Title: "t2", Content: "c"}))
	assert.Contains(t, a, "sha256:")
}

func TestContentKey_LongIdentifiers(t *testing.T) {
	longGUID := strings.Repeat("g", 40000)
	key := contentKey(ParsedEntry{GUID: longGUID})
	assert.True(t, strings.HasPrefix(key, "sha256:"))
	assert.LessOrEqual(t, len(key), maxKeyLength)
	assert.Equal(t, key, contentKey(ParsedEntry{GUID: longGUID, Title: "other"}), "stable for the same GUID")
	assert.NotEqual(t, key, contentKey(ParsedEntry{GUID: longGUID + "x"}))

	longLink := "http://example.org/" + strings.Repeat("p", 1000)
	assert.True(t, strings.HasPrefix(contentKey(ParsedEntry{Link: longLink}), "sha256:"))

	atBound := strings.Repeat("k", maxKeyLength)
	assert.Equal(t, atBound, contentKey(ParsedEntry{GUID: atBound}))
}

func TestReconcile_LongGUID(t *testing.T) {
	entries := []ParsedEntry{
		{GUID: strings.Repeat("x", 40000), Title: "Huge"},
		{GUID: "normal", Title: "Normal"},
	}

	forEachDriver(t, func(t *testing.T, store storage.Store) {
		feed := addFeed(t, store, "u1", "http://example.org/feed")

		created := reconcile(t, store, feed.ID, entries, fixedNow)
		require.Len(t, created, 2)
		assert.Equal(t, strings.Repeat("x", 40000), created[0].GUID)

		assert.Empty(t, reconcile(t, store, feed.ID, entries, fixedNow))
		assert.Len(t, loadEntries(t, store, feed.ID), 2)
	})
}
