package feed

import (
	"crypto/sha256"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/pders01/feedpipe/internal/storage"
)

// Reconciler merges parsed entries into a subscriber's stored entries.
type Reconciler struct {
	newID func() string
}

func NewReconciler() *Reconciler {
	return &Reconciler{newID: uuid.NewString}
}

// Reconcile creates an entry for every parsed item whose content key is not
// yet stored for feed and bumps feed.UnreadCount once per created entry.
// Existing entries are never modified. It must run inside a write
// transaction, which makes repeated calls with the same input no-ops.
func (r *Reconciler) Reconcile(tx storage.Tx, feed *storage.Feed, entries []ParsedEntry, fetchedAt time.Time) ([]*storage.Entry, error) {
	dates := assignDates(entries, fetchedAt)
	seen := make(map[string]bool, len(entries))

	var created []*storage.Entry
	for i, pe := range entries {
		key := contentKey(pe)
		if seen[key] {
			continue
		}
		seen[key] = true

		_, err := tx.EntryByKey(feed.ID, key)
		if err == nil {
			continue
		}
		if !errors.Is(err, storage.ErrNotFound) {
			return nil, fmt.Errorf("looking up entry %q: %w", key, err)
		}

		entry := &storage.Entry{
			ID:       r.newID(),
			UserID:   feed.UserID,
			FeedID:   feed.ID,
			Key:      key,
			GUID:     pe.GUID,
			Link:     pe.Link,
			Title:    pe.Title,
			Author:   pe.Author,
			Subtitle: pe.Content,
			Date:     dates[i],
		}
		if err := tx.PutEntry(entry); err != nil {
			return nil, fmt.Errorf("saving entry %q: %w", key, err)
		}
		created = append(created, entry)
	}

	if len(created) == 0 {
		return nil, nil
	}

	feed.UnreadCount += len(created)
	if err := tx.PutFeed(feed); err != nil {
		return nil, fmt.Errorf("updating unread count: %w", err)
	}
	return created, nil
}

// maxKeyLength bounds stored keys; bbolt rejects keys over 32 KiB.
const maxKeyLength = 512

// contentKey is the dedup identity of an entry: its GUID, else its link.
// Items with neither are keyed by a digest of title and content, and
// identifiers longer than maxKeyLength by a digest of themselves.
func contentKey(e ParsedEntry) string {
	switch {
	case e.GUID != "":
		return boundedKey(e.GUID)
	case e.Link != "":
		return boundedKey(e.Link)
	default:
		return digestKey(e.Title + "\x00" + e.Content)
	}
}

func boundedKey(id string) string {
	if len(id) <= maxKeyLength {
		return id
	}
	return digestKey(id)
}

func digestKey(s string) string {
	return fmt.Sprintf("sha256:%x", sha256.Sum256([]byte(s)))
}
