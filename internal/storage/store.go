package storage

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"
)

// Drivers accepted by Open.
const (
	DriverBolt   = "bolt"
	DriverSQLite = "sqlite"
)

// Store is a transactional record store. Update runs fn in a single write
// transaction: either every change made through the Tx is committed or none.
type Store interface {
	View(ctx context.Context, fn func(Tx) error) error
	Update(ctx context.Context, fn func(Tx) error) error
	Close() error
}

// Tx is the set of record operations available inside a transaction.
type Tx interface {
	FetchState(url string) (*FetchState, error)
	FetchStates() ([]*FetchState, error)
	PutFetchState(state *FetchState) error
	DeleteFetchState(url string) error

	Feed(id string) (*Feed, error)
	Feeds() ([]*Feed, error)
	FeedsByURL(url string) ([]*Feed, error)
	PutFeed(feed *Feed) error
	DeleteFeed(id string) error

	Entry(id string) (*Entry, error)
	EntryByKey(feedID, key string) (*Entry, error)
	Entries(filter EntryFilter) ([]*Entry, error)
	PutEntry(entry *Entry) error
}

// Open opens the store for driver at path.
func Open(driver, path string, timeout time.Duration) (Store, error) {
	switch driver {
	case "", DriverBolt:
		return NewBoltStore(path, timeout)
	case DriverSQLite:
		return NewSQLiteStore(path, timeout)
	default:
		return nil, fmt.Errorf("unknown storage driver %q", driver)
	}
}

// MarkRead flips an entry's read flag and keeps its feed's unread count in step.
func MarkRead(tx Tx, entryID string, read bool) error {
	entry, err := tx.Entry(entryID)
	if err != nil {
		return fmt.Errorf("getting entry: %w", err)
	}
	if entry.Read == read {
		return nil
	}
	entry.Read = read
	if err := tx.PutEntry(entry); err != nil {
		return fmt.Errorf("saving entry: %w", err)
	}

	feed, err := tx.Feed(entry.FeedID)
	if err != nil {
		return fmt.Errorf("getting feed: %w", err)
	}
	if read {
		feed.UnreadCount--
	} else {
		feed.UnreadCount++
	}
	if feed.UnreadCount < 0 {
		feed.UnreadCount = 0
	}
	return tx.PutFeed(feed)
}

// SetStarred sets an entry's starred flag.
func SetStarred(tx Tx, entryID string, starred bool) error {
	entry, err := tx.Entry(entryID)
	if err != nil {
		return fmt.Errorf("getting entry: %w", err)
	}
	entry.Starred = starred
	return tx.PutEntry(entry)
}

// RenameURL points every feed subscribed to from at to instead and moves the
// fetch record. If a record for to already exists the two are merged, the
// existing target record keeping its own validators.
func RenameURL(tx Tx, from, to string) (*FetchState, error) {
	if from == to {
		return tx.FetchState(from)
	}

	feeds, err := tx.FeedsByURL(from)
	if err != nil {
		return nil, err
	}
	for _, f := range feeds {
		f.URL = to
		if err := tx.PutFeed(f); err != nil {
			return nil, fmt.Errorf("updating feed %s: %w", f.ID, err)
		}
	}

	old, err := tx.FetchState(from)
	if err != nil && !errors.Is(err, ErrNotFound) {
		return nil, err
	}
	target, err := tx.FetchState(to)
	switch {
	case errors.Is(err, ErrNotFound):
		if old == nil {
			target = NewFetchState(to)
		} else {
			moved := *old
			moved.URL = to
			target = &moved
		}
	case err != nil:
		return nil, err
	case old != nil:
		if old.BackoffFactor < target.BackoffFactor {
			target.BackoffFactor = old.BackoffFactor
		}
		if target.Title == "" {
			target.Title = old.Title
			target.Link = old.Link
		}
	}

	if old != nil {
		if err := tx.DeleteFetchState(from); err != nil {
			return nil, err
		}
	}
	if err := tx.PutFetchState(target); err != nil {
		return nil, err
	}
	return target, nil
}

func sortFeeds(feeds []*Feed) {
	sort.Slice(feeds, func(i, j int) bool {
		ti := feeds[i].Name
		tj := feeds[j].Name
		if ti == "" {
			ti = feeds[i].URL
		}
		if tj == "" {
			tj = feeds[j].URL
		}
		return strings.ToLower(ti) < strings.ToLower(tj)
	})
}

func sortEntries(entries []*Entry) {
	sort.SliceStable(entries, func(i, j int) bool {
		return entries[i].Date.After(entries[j].Date)
	})
}
