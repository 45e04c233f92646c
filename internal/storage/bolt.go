package storage

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	bolt "go.etcd.io/bbolt"
)

var (
	fetchStatesBucket = []byte("fetch_states")
	feedsBucket       = []byte("feeds")
	feedURLsBucket    = []byte("feeds_by_url")
	entriesBucket     = []byte("entries")
	entryKeysBucket   = []byte("entry_keys")
)

// BoltStore keeps records as JSON values in bbolt buckets. bbolt allows a
// single writer at a time, so every Update is serialized.
type BoltStore struct {
	db *bolt.DB
}

func NewBoltStore(dbPath string, timeout time.Duration) (*BoltStore, error) {
	if timeout <= 0 {
		timeout = time.Second
	}
	db, err := bolt.Open(dbPath, 0o600, &bolt.Options{Timeout: timeout})
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		for _, bucket := range [][]byte{fetchStatesBucket, feedsBucket, feedURLsBucket, entriesBucket, entryKeysBucket} {
			if _, createErr := tx.CreateBucketIfNotExists(bucket); createErr != nil {
				return createErr
			}
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("creating buckets: %w", err)
	}

	return &BoltStore{db: db}, nil
}

func (s *BoltStore) Close() error {
	return s.db.Close()
}

func (s *BoltStore) View(ctx context.Context, fn func(Tx) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return s.db.View(func(tx *bolt.Tx) error {
		return fn(&boltTx{tx: tx})
	})
}

func (s *BoltStore) Update(ctx context.Context, fn func(Tx) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		return fn(&boltTx{tx: tx})
	})
}

type boltTx struct {
	tx *bolt.Tx
}

func get[T any](b *bolt.Bucket, key string) (*T, error) {
	data := b.Get([]byte(key))
	if data == nil {
		return nil, ErrNotFound
	}
	var v T
	if err := json.Unmarshal(data, &v); err != nil {
		return nil, err
	}
	return &v, nil
}

func put(b *bolt.Bucket, key string, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return b.Put([]byte(key), data)
}

func (t *boltTx) FetchState(url string) (*FetchState, error) {
	return get[FetchState](t.tx.Bucket(fetchStatesBucket), url)
}

func (t *boltTx) FetchStates() ([]*FetchState, error) {
	var states []*FetchState
	err := t.tx.Bucket(fetchStatesBucket).ForEach(func(_, v []byte) error {
		var state FetchState
		if err := json.Unmarshal(v, &state); err != nil {
			return err
		}
		states = append(states, &state)
		return nil
	})
	return states, err
}

func (t *boltTx) PutFetchState(state *FetchState) error {
	if state.URL == "" {
		return fmt.Errorf("fetch state without URL")
	}
	return put(t.tx.Bucket(fetchStatesBucket), state.URL, state)
}

func (t *boltTx) DeleteFetchState(url string) error {
	return t.tx.Bucket(fetchStatesBucket).Delete([]byte(url))
}

func (t *boltTx) Feed(id string) (*Feed, error) {
	return get[Feed](t.tx.Bucket(feedsBucket), id)
}

func (t *boltTx) Feeds() ([]*Feed, error) {
	var feeds []*Feed
	err := t.tx.Bucket(feedsBucket).ForEach(func(_, v []byte) error {
		var feed Feed
		if err := json.Unmarshal(v, &feed); err != nil {
			return err
		}
		feeds = append(feeds, &feed)
		return nil
	})
	sortFeeds(feeds)
	return feeds, err
}

func (t *boltTx) FeedsByURL(url string) ([]*Feed, error) {
	idx := t.tx.Bucket(feedURLsBucket).Bucket([]byte(url))
	if idx == nil {
		return nil, nil
	}
	var feeds []*Feed
	err := idx.ForEach(func(k, _ []byte) error {
		feed, err := t.Feed(string(k))
		if err != nil {
			return err
		}
		feeds = append(feeds, feed)
		return nil
	})
	return feeds, err
}

func (t *boltTx) PutFeed(feed *Feed) error {
	if feed.ID == "" || feed.URL == "" {
		return fmt.Errorf("feed without ID or URL")
	}
	urls := t.tx.Bucket(feedURLsBucket)
	if prev, err := t.Feed(feed.ID); err == nil && prev.URL != feed.URL {
		if idx := urls.Bucket([]byte(prev.URL)); idx != nil {
			if err := idx.Delete([]byte(feed.ID)); err != nil {
				return err
			}
		}
	}
	idx, err := urls.CreateBucketIfNotExists([]byte(feed.URL))
	if err != nil {
		return err
	}
	if err := idx.Put([]byte(feed.ID), []byte{}); err != nil {
		return err
	}
	return put(t.tx.Bucket(feedsBucket), feed.ID, feed)
}

func (t *boltTx) DeleteFeed(id string) error {
	feed, err := t.Feed(id)
	if err != nil {
		return err
	}
	if idx := t.tx.Bucket(feedURLsBucket).Bucket([]byte(feed.URL)); idx != nil {
		if err := idx.Delete([]byte(id)); err != nil {
			return err
		}
	}

	keys := t.tx.Bucket(entryKeysBucket)
	if idx := keys.Bucket([]byte(id)); idx != nil {
		entries := t.tx.Bucket(entriesBucket)
		if err := idx.ForEach(func(_, entryID []byte) error {
			return entries.Delete(entryID)
		}); err != nil {
			return err
		}
		if err := keys.DeleteBucket([]byte(id)); err != nil {
			return err
		}
	}

	return t.tx.Bucket(feedsBucket).Delete([]byte(id))
}

func (t *boltTx) Entry(id string) (*Entry, error) {
	return get[Entry](t.tx.Bucket(entriesBucket), id)
}

func (t *boltTx) EntryByKey(feedID, key string) (*Entry, error) {
	idx := t.tx.Bucket(entryKeysBucket).Bucket([]byte(feedID))
	if idx == nil {
		return nil, ErrNotFound
	}
	id := idx.Get([]byte(key))
	if id == nil {
		return nil, ErrNotFound
	}
	return t.Entry(string(id))
}

func (t *boltTx) Entries(filter EntryFilter) ([]*Entry, error) {
	var entries []*Entry
	collect := func(data []byte) error {
		var entry Entry
		if err := json.Unmarshal(data, &entry); err != nil {
			return fmt.Errorf("decoding entry: %w", err)
		}
		if filter.match(&entry) {
			entries = append(entries, &entry)
		}
		return nil
	}

	var err error
	if filter.FeedID != "" {
		idx := t.tx.Bucket(entryKeysBucket).Bucket([]byte(filter.FeedID))
		if idx != nil {
			all := t.tx.Bucket(entriesBucket)
			err = idx.ForEach(func(_, id []byte) error {
				if data := all.Get(id); data != nil {
					return collect(data)
				}
				return nil
			})
		}
	} else {
		err = t.tx.Bucket(entriesBucket).ForEach(func(_, v []byte) error {
			return collect(v)
		})
	}
	if err != nil {
		return nil, err
	}

	sortEntries(entries)
	if filter.Limit > 0 && len(entries) > filter.Limit {
		entries = entries[:filter.Limit]
	}
	return entries, nil
}

func (t *boltTx) PutEntry(entry *Entry) error {
	if entry.ID == "" || entry.FeedID == "" || entry.Key == "" {
		return fmt.Errorf("entry without ID, feed or key")
	}
	idx, err := t.tx.Bucket(entryKeysBucket).CreateBucketIfNotExists([]byte(entry.FeedID))
	if err != nil {
		return err
	}
	if existing := idx.Get([]byte(entry.Key)); existing != nil && string(existing) != entry.ID {
		return fmt.Errorf("entry key %q already used in feed %s", entry.Key, entry.FeedID)
	}
	if err := idx.Put([]byte(entry.Key), []byte(entry.ID)); err != nil {
		return err
	}
	return put(t.tx.Bucket(entriesBucket), entry.ID, entry)
}
