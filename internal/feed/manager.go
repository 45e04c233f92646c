package feed

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/pders01/feedpipe/internal/config"
	"github.com/pders01/feedpipe/internal/debuglog"
	"github.com/pders01/feedpipe/internal/plugins"
	"github.com/pders01/feedpipe/internal/storage"
	"github.com/pders01/feedpipe/internal/validation"
)

// ErrAlreadySubscribed is returned when a user subscribes to a URL twice.
var ErrAlreadySubscribed = errors.New("already subscribed to this URL")

// FeedStatus is a subscription together with the shared fetch record.
type FeedStatus struct {
	Feed  *storage.Feed
	State *storage.FetchState
}

type Manager struct {
	store        storage.Store
	updater      *Updater
	config       *config.Config
	urlValidator *validation.FeedURLValidator
	plugins      *plugins.Registry
	now          func() time.Time
}

func NewManager(store storage.Store, cfg *config.Config) *Manager {
	urlValidator := validation.NewFeedURLValidator()
	if cfg.Feed.AllowPrivate {
		urlValidator = validation.NewPermissiveFeedURLValidator()
	}
	return &Manager{
		store:        store,
		updater:      NewUpdater(store, cfg),
		config:       cfg,
		urlValidator: urlValidator,
		plugins:      plugins.NewRegistry(),
		now:          time.Now,
	}
}

func (m *Manager) Updater() *Updater {
	return m.updater
}

// SetPermissiveValidation enables permissive URL validation for development/testing
func (m *Manager) SetPermissiveValidation(permissive bool) {
	if permissive {
		m.urlValidator = validation.NewPermissiveFeedURLValidator()
	} else {
		m.urlValidator = validation.NewFeedURLValidator()
	}
}

// Plugins returns the registry consulted by Subscribe.
func (m *Manager) Plugins() *plugins.Registry {
	return m.plugins
}

// Subscribe creates a feed for userID and runs its first update right away.
// Fetch problems end up on the fetch record, not in the returned error.
func (m *Manager) Subscribe(ctx context.Context, userID, category, rawURL, name string) (*storage.Feed, error) {
	resolved, err := m.plugins.Resolve(ctx, rawURL)
	if err != nil {
		return nil, err
	}
	if resolved.Plugin != "" {
		debuglog.Infof("plugin %s resolved %s to %s", resolved.Plugin, rawURL, resolved.FeedURL)
	}

	normalizedURL, err := m.urlValidator.ValidateAndNormalize(resolved.FeedURL)
	if err != nil {
		return nil, fmt.Errorf("invalid feed URL: %w", err)
	}

	feed := &storage.Feed{
		ID:        uuid.NewString(),
		UserID:    userID,
		Category:  category,
		URL:       normalizedURL,
		Name:      name,
		CreatedAt: m.now(),
	}

	err = m.store.Update(ctx, func(tx storage.Tx) error {
		existing, err := tx.FeedsByURL(normalizedURL)
		if err != nil {
			return err
		}
		for _, f := range existing {
			if f.UserID == userID {
				return ErrAlreadySubscribed
			}
		}

		if err := tx.PutFeed(feed); err != nil {
			return fmt.Errorf("saving feed: %w", err)
		}
		if _, err := tx.FetchState(normalizedURL); errors.Is(err, storage.ErrNotFound) {
			return tx.PutFetchState(storage.NewFetchState(normalizedURL))
		} else if err != nil {
			return err
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	state, err := m.updater.UpdateFeed(ctx, normalizedURL, nil)
	if err != nil {
		return nil, err
	}

	err = m.store.Update(ctx, func(tx storage.Tx) error {
		var err error
		feed, err = tx.Feed(feed.ID)
		if err != nil {
			return err
		}
		if feed.Name != "" {
			return nil
		}
		switch {
		case state != nil && state.Title != "":
			feed.Name = state.Title
		case resolved.Name != "":
			feed.Name = resolved.Name
		default:
			return nil
		}
		return tx.PutFeed(feed)
	})
	if err != nil {
		return nil, fmt.Errorf("reloading feed: %w", err)
	}
	return feed, nil
}

// Unsubscribe deletes a feed and its entries. The shared fetch record is
// dropped by the next update once no feed references it.
func (m *Manager) Unsubscribe(ctx context.Context, feedID string) error {
	return m.store.Update(ctx, func(tx storage.Tx) error {
		return tx.DeleteFeed(feedID)
	})
}

// Unmute clears a permanent error so the URL is scheduled again.
func (m *Manager) Unmute(ctx context.Context, url string) error {
	return m.store.Update(ctx, func(tx storage.Tx) error {
		state, err := tx.FetchState(url)
		if err != nil {
			return err
		}
		state.Unmute()
		state.LastUpdate = time.Time{}
		return tx.PutFetchState(state)
	})
}

// Status lists every feed with its fetch record.
func (m *Manager) Status(ctx context.Context) ([]FeedStatus, error) {
	var statuses []FeedStatus
	err := m.store.View(ctx, func(tx storage.Tx) error {
		feeds, err := tx.Feeds()
		if err != nil {
			return err
		}
		for _, f := range feeds {
			state, err := tx.FetchState(f.URL)
			if errors.Is(err, storage.ErrNotFound) {
				state = storage.NewFetchState(f.URL)
			} else if err != nil {
				return err
			}
			statuses = append(statuses, FeedStatus{Feed: f, State: state})
		}
		return nil
	})
	return statuses, err
}

// Entries lists stored entries matching filter, newest first.
func (m *Manager) Entries(ctx context.Context, filter storage.EntryFilter) ([]*storage.Entry, error) {
	var entries []*storage.Entry
	err := m.store.View(ctx, func(tx storage.Tx) error {
		var err error
		entries, err = tx.Entries(filter)
		return err
	})
	return entries, err
}

func (m *Manager) MarkRead(ctx context.Context, entryID string, read bool) error {
	return m.store.Update(ctx, func(tx storage.Tx) error {
		return storage.MarkRead(tx, entryID, read)
	})
}

func (m *Manager) SetStarred(ctx context.Context, entryID string, starred bool) error {
	return m.store.Update(ctx, func(tx storage.Tx) error {
		return storage.SetStarred(tx, entryID, starred)
	})
}

// Subscribed reports whether any feed references url.
func (m *Manager) Subscribed(ctx context.Context, url string) (bool, error) {
	var ok bool
	err := m.store.View(ctx, func(tx storage.Tx) error {
		feeds, err := tx.FeedsByURL(url)
		ok = len(feeds) > 0
		return err
	})
	return ok, err
}

// Push hands a hub-delivered document to the updater.
func (m *Manager) Push(ctx context.Context, url string, parsed *Parsed) (int, error) {
	return m.updater.Push(ctx, url, parsed)
}

type dueFeed struct {
	url  string
	snap *Snapshot
}

// due returns the unmuted records whose backed-off interval has elapsed.
func (m *Manager) due(ctx context.Context) ([]dueFeed, error) {
	now := m.now()
	var due []dueFeed
	err := m.store.View(ctx, func(tx storage.Tx) error {
		states, err := tx.FetchStates()
		if err != nil {
			return err
		}
		for _, s := range states {
			if s.Muted || now.Before(s.NextUpdate(m.config.Feed.RefreshInterval)) {
				continue
			}
			feeds, err := tx.FeedsByURL(s.URL)
			if err != nil {
				return err
			}
			due = append(due, dueFeed{
				url: s.URL,
				snap: &Snapshot{
					ETag:          s.ETag,
					LastModified:  s.LastModified,
					BackoffFactor: s.BackoffFactor,
					Error:         s.Error,
					Subscribers:   len(feeds),
				},
			})
		}
		return nil
	})
	return due, err
}

// RefreshDue updates every due URL, at most feed.workers at a time.
func (m *Manager) RefreshDue(ctx context.Context) error {
	due, err := m.due(ctx)
	if err != nil {
		return fmt.Errorf("listing due feeds: %w", err)
	}
	if len(due) == 0 {
		return nil
	}

	workers := m.config.Feed.Workers
	if workers <= 0 {
		workers = 5
	}

	var g errgroup.Group
	g.SetLimit(workers)

	var mu sync.Mutex
	var errs []error
	for _, d := range due {
		g.Go(func() error {
			taskCtx, cancel := m.taskContext(ctx)
			defer cancel()
			if _, err := m.updater.UpdateFeed(taskCtx, d.url, d.snap); err != nil && !errors.Is(err, context.Canceled) {
				mu.Lock()
				errs = append(errs, err)
				mu.Unlock()
			}
			return nil
		})
	}
	_ = g.Wait()

	if len(errs) > 0 {
		return fmt.Errorf("refresh errors: %w", errors.Join(errs...))
	}
	return nil
}

// taskContext bounds one scheduled update by feed.task_timeout. A deadline
// hit mid-fetch is recorded as a timeout.
func (m *Manager) taskContext(ctx context.Context) (context.Context, context.CancelFunc) {
	if m.config.Feed.TaskTimeout <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, m.config.Feed.TaskTimeout)
}

// Run refreshes due feeds now and then once per tick until ctx is done.
func (m *Manager) Run(ctx context.Context, tick time.Duration) error {
	if tick <= 0 {
		tick = time.Minute
	}
	ticker := time.NewTicker(tick)
	defer ticker.Stop()

	for {
		if err := m.RefreshDue(ctx); err != nil {
			debuglog.Errorf("scheduled refresh: %v", err)
		}
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}
