package feed

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/pders01/feedpipe/internal/config"
	"github.com/pders01/feedpipe/internal/debuglog"
	"github.com/pders01/feedpipe/internal/storage"
)

// ErrNoSubscribers is returned by Push for a URL nobody subscribes to.
var ErrNoSubscribers = errors.New("no feed subscribes to this URL")

// Snapshot is the caller's view of a fetch record. It is only used to seed
// a record that does not exist yet; a stored record always wins.
type Snapshot struct {
	ETag          string
	LastModified  string
	BackoffFactor int
	Error         string
	// Subscribers overrides the count sent in the User-Agent when positive.
	Subscribers int
}

// EntryListener is told about entries after they are committed.
type EntryListener interface {
	OnEntriesCreated(entries []*storage.Entry)
}

// Updater runs the fetch, classify, reconcile and commit cycle for one URL.
type Updater struct {
	store      storage.Store
	fetcher    *Fetcher
	parser     *Parser
	reconciler *Reconciler
	locks      *urlLocks
	listeners  []EntryListener
	now        func() time.Time
}

func NewUpdater(store storage.Store, cfg *config.Config) *Updater {
	return &Updater{
		store:      store,
		fetcher:    NewFetcher(cfg),
		parser:     NewParser(),
		reconciler: NewReconciler(),
		locks:      newURLLocks(),
		now:        time.Now,
	}
}

// AddListener registers l for created entries. Not safe to call while
// updates are running.
func (u *Updater) AddListener(l EntryListener) {
	u.listeners = append(u.listeners, l)
}

// UpdateFeed fetches url and commits the resulting state. Network and parse
// failures are recorded on the returned state; only storage failures are
// returned as errors. A nil state with a nil error means the record was
// dropped because nobody subscribes to url any more.
//
// ctx bounds the network part. When its deadline passes mid-fetch the
// attempt counts as a timeout and is still committed; a cancelled ctx
// aborts without touching the record.
func (u *Updater) UpdateFeed(ctx context.Context, url string, snap *Snapshot) (*storage.FetchState, error) {
	unlock := u.locks.Lock(url)
	defer unlock()

	dbctx := context.WithoutCancel(ctx)
	log := debuglog.WithFields(map[string]any{"url": url})

	var prior *storage.FetchState
	var subscribers int
	err := u.store.View(dbctx, func(tx storage.Tx) error {
		feeds, err := tx.FeedsByURL(url)
		if err != nil {
			return err
		}
		subscribers = len(feeds)

		prior, err = tx.FetchState(url)
		if errors.Is(err, storage.ErrNotFound) {
			prior = nil
			return nil
		}
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("loading fetch state: %w", err)
	}

	if subscribers == 0 {
		if prior != nil {
			if err := u.store.Update(dbctx, func(tx storage.Tx) error {
				return tx.DeleteFetchState(url)
			}); err != nil {
				return nil, fmt.Errorf("deleting unsubscribed fetch state: %w", err)
			}
			log.Infof("dropped fetch state without subscribers")
		}
		return nil, nil
	}

	if prior == nil {
		prior = seedState(url, snap)
	}
	if prior.Muted {
		log.Debugf("skipping muted feed (%s)", prior.Error)
		return prior, nil
	}
	if snap != nil && snap.Subscribers > 0 {
		subscribers = snap.Subscribers
	}

	out := u.fetcher.Fetch(ctx, url, Conditional{ETag: prior.ETag, LastModified: prior.LastModified}, subscribers)
	if out.Kind == TransportError && errors.Is(ctx.Err(), context.Canceled) {
		// Shutdown, not a feed failure.
		return nil, ctx.Err()
	}
	a := attempt{outcome: out, at: u.now()}
	if out.Kind == Success {
		a.parsed, a.parseErr = u.parser.Parse(out.Body)
	}

	var next *storage.FetchState
	var created []*storage.Entry
	err = u.store.Update(dbctx, func(tx storage.Tx) error {
		created = nil

		current, err := tx.FetchState(url)
		if errors.Is(err, storage.ErrNotFound) {
			current = prior
			err = tx.PutFetchState(current)
		}
		if err != nil {
			return err
		}

		key := url
		if moved := out.MovedTo(); moved != "" && moved != url {
			if current, err = storage.RenameURL(tx, url, moved); err != nil {
				return fmt.Errorf("moving %s to %s: %w", url, moved, err)
			}
			key = moved
		}

		state := transition(*current, a)
		state.URL = key

		if a.parsed != nil && a.parseErr == nil {
			c, err := u.reconcileAll(tx, key, a.parsed.Entries, a.at)
			if err != nil {
				return err
			}
			created = c
		}

		if err := tx.PutFetchState(&state); err != nil {
			return err
		}
		next = &state
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("committing update of %s: %w", url, err)
	}

	logOutcome(log, out, a.parseErr, next, len(created))
	u.notify(created)
	return next, nil
}

// Push reconciles a feed document delivered by a hub for url, bypassing the
// fetcher. Backoff and error state are left alone.
func (u *Updater) Push(ctx context.Context, url string, parsed *Parsed) (int, error) {
	unlock := u.locks.Lock(url)
	defer unlock()

	at := u.now()
	var created []*storage.Entry
	err := u.store.Update(context.WithoutCancel(ctx), func(tx storage.Tx) error {
		created = nil

		feeds, err := tx.FeedsByURL(url)
		if err != nil {
			return err
		}
		if len(feeds) == 0 {
			return ErrNoSubscribers
		}

		state, err := tx.FetchState(url)
		if errors.Is(err, storage.ErrNotFound) {
			state = storage.NewFetchState(url)
		} else if err != nil {
			return err
		}
		if parsed.Title != "" {
			state.Title = parsed.Title
		}
		if parsed.Link != "" {
			state.Link = parsed.Link
		}
		if err := tx.PutFetchState(state); err != nil {
			return err
		}

		created, err = u.reconcileAll(tx, url, parsed.Entries, at)
		return err
	})
	if err != nil {
		return 0, fmt.Errorf("pushing entries for %s: %w", url, err)
	}

	debuglog.WithFields(map[string]any{"url": url, "created": len(created)}).Infof("push reconciled")
	u.notify(created)
	return len(created), nil
}

func (u *Updater) reconcileAll(tx storage.Tx, url string, entries []ParsedEntry, at time.Time) ([]*storage.Entry, error) {
	feeds, err := tx.FeedsByURL(url)
	if err != nil {
		return nil, err
	}

	var created []*storage.Entry
	for _, f := range feeds {
		c, err := u.reconciler.Reconcile(tx, f, entries, at)
		if err != nil {
			return nil, fmt.Errorf("reconciling feed %s: %w", f.ID, err)
		}
		created = append(created, c...)
	}
	return created, nil
}

func (u *Updater) notify(created []*storage.Entry) {
	if len(created) == 0 {
		return
	}
	for _, l := range u.listeners {
		l.OnEntriesCreated(created)
	}
}

func seedState(url string, snap *Snapshot) *storage.FetchState {
	state := storage.NewFetchState(url)
	if snap == nil {
		return state
	}
	state.ETag = snap.ETag
	state.LastModified = snap.LastModified
	state.Error = snap.Error
	if snap.BackoffFactor > 0 {
		state.BackoffFactor = min(snap.BackoffFactor, storage.MaxBackoffFactor)
	}
	return state
}

func logOutcome(log *debuglog.FieldLogger, out *Outcome, parseErr error, state *storage.FetchState, created int) {
	switch {
	case out.Kind == Success && parseErr != nil:
		log.Warnf("parse failed, muting: %v", parseErr)
	case out.Kind == Success:
		log.Infof("fetched, %d new entries", created)
	case out.Kind == NotModified:
		log.Debugf("not modified")
	case out.Kind == PermanentRedirect:
		log.Infof("moved permanently to %s", out.FinalURL)
	case out.Kind == Gone:
		log.Warnf("gone, muting")
	case out.Kind == HTTPError && out.RetryAfter > 0:
		log.Warnf("HTTP %d, backoff %d, server asks to retry after %s", out.Status, state.BackoffFactor, out.RetryAfter)
	case out.Kind == HTTPError:
		log.Warnf("HTTP %d, backoff %d", out.Status, state.BackoffFactor)
	case out.Kind == TransportError:
		log.Warnf("%s error (%v), backoff %d, muted %t", out.Transport, out.Err, state.BackoffFactor, state.Muted)
	}
}

// urlLocks serializes updates of the same URL within this process.
type urlLocks struct {
	mu    sync.Mutex
	locks map[string]*urlLock
}

type urlLock struct {
	mu   sync.Mutex
	refs int
}

func newURLLocks() *urlLocks {
	return &urlLocks{locks: make(map[string]*urlLock)}
}

// Lock blocks until key is free and returns its release func.
func (l *urlLocks) Lock(key string) func() {
	l.mu.Lock()
	lk, ok := l.locks[key]
	if !ok {
		lk = &urlLock{}
		l.locks[key] = lk
	}
	lk.refs++
	l.mu.Unlock()

	lk.mu.Lock()
	return func() {
		lk.mu.Unlock()

		l.mu.Lock()
		lk.refs--
		if lk.refs == 0 {
			delete(l.locks, key)
		}
		l.mu.Unlock()
	}
}
