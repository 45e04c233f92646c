package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"
)

// SQLiteStore is the relational backend. The connection pool is limited to
// one connection so write transactions are serialized like bbolt's.
type SQLiteStore struct {
	db *sql.DB
}

func NewSQLiteStore(dbPath string, timeout time.Duration) (*SQLiteStore, error) {
	if dbPath != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(dbPath), 0o755); err != nil {
			return nil, fmt.Errorf("creating database directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}
	db.SetMaxOpenConns(1)

	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		fmt.Sprintf("PRAGMA busy_timeout=%d", timeout.Milliseconds()),
	}
	for _, p := range pragmas {
		if _, err := db.Exec(p); err != nil {
			db.Close()
			return nil, fmt.Errorf("%s: %w", p, err)
		}
	}

	s := &SQLiteStore{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *SQLiteStore) migrate() error {
	migrations := []string{
		`CREATE TABLE IF NOT EXISTS fetch_states (
			url TEXT PRIMARY KEY,
			etag TEXT NOT NULL DEFAULT '',
			last_modified TEXT NOT NULL DEFAULT '',
			title TEXT NOT NULL DEFAULT '',
			link TEXT NOT NULL DEFAULT '',
			error TEXT NOT NULL DEFAULT '',
			backoff_factor INTEGER NOT NULL DEFAULT 1,
			muted BOOLEAN NOT NULL DEFAULT 0,
			last_update INTEGER NOT NULL DEFAULT 0,
			last_update_nsec INTEGER NOT NULL DEFAULT 0
		)`,
		`CREATE TABLE IF NOT EXISTS feeds (
			id TEXT PRIMARY KEY,
			user_id TEXT NOT NULL DEFAULT '',
			category TEXT NOT NULL DEFAULT '',
			url TEXT NOT NULL,
			name TEXT NOT NULL DEFAULT '',
			unread_count INTEGER NOT NULL DEFAULT 0,
			created_at INTEGER NOT NULL DEFAULT 0,
			created_at_nsec INTEGER NOT NULL DEFAULT 0
		)`,
		`CREATE TABLE IF NOT EXISTS entries (
			id TEXT PRIMARY KEY,
			user_id TEXT NOT NULL DEFAULT '',
			feed_id TEXT NOT NULL REFERENCES feeds(id) ON DELETE CASCADE,
			key TEXT NOT NULL,
			guid TEXT NOT NULL DEFAULT '',
			link TEXT NOT NULL DEFAULT '',
			title TEXT NOT NULL DEFAULT '',
			author TEXT NOT NULL DEFAULT '',
			subtitle TEXT NOT NULL DEFAULT '',
			date INTEGER NOT NULL DEFAULT 0,
			date_nsec INTEGER NOT NULL DEFAULT 0,
			read BOOLEAN NOT NULL DEFAULT 0,
			starred BOOLEAN NOT NULL DEFAULT 0,
			broadcast BOOLEAN NOT NULL DEFAULT 0,
			read_later_url TEXT NOT NULL DEFAULT '',
			UNIQUE(feed_id, key)
		)`,
		`CREATE INDEX IF NOT EXISTS idx_feeds_url ON feeds(url)`,
		`CREATE INDEX IF NOT EXISTS idx_entries_user_date ON entries(user_id, date)`,
		`CREATE INDEX IF NOT EXISTS idx_entries_user_read ON entries(user_id, read)`,
		`CREATE INDEX IF NOT EXISTS idx_entries_user_starred ON entries(user_id, starred)`,
		`CREATE INDEX IF NOT EXISTS idx_entries_user_broadcast ON entries(user_id, broadcast)`,
	}
	for _, m := range migrations {
		if _, err := s.db.Exec(m); err != nil {
			return fmt.Errorf("migrating database: %w", err)
		}
	}
	return nil
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func (s *SQLiteStore) View(ctx context.Context, fn func(Tx) error) error {
	return s.run(ctx, fn)
}

func (s *SQLiteStore) Update(ctx context.Context, fn func(Tx) error) error {
	return s.run(ctx, fn)
}

func (s *SQLiteStore) run(ctx context.Context, fn func(Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("starting transaction: %w", err)
	}
	if err := fn(&sqliteTx{ctx: ctx, tx: tx}); err != nil {
		if rbErr := tx.Rollback(); rbErr != nil {
			return fmt.Errorf("%w (rollback failed: %v)", err, rbErr)
		}
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("committing transaction: %w", err)
	}
	return nil
}

type sqliteTx struct {
	ctx context.Context
	tx  *sql.Tx
}

// toUnix splits t into Unix seconds and the nanoseconds within that second.
// A single nanosecond count overflows int64 outside the years 1678 to 2262,
// and feeds do publish dates that far out. The zero time is stored as 0, 0.
func toUnix(t time.Time) (sec, nsec int64) {
	if t.IsZero() {
		return 0, 0
	}
	return t.Unix(), int64(t.Nanosecond())
}

func fromUnix(sec, nsec int64) time.Time {
	if sec == 0 && nsec == 0 {
		return time.Time{}
	}
	return time.Unix(sec, nsec).UTC()
}

func notFound(err error) error {
	if errors.Is(err, sql.ErrNoRows) {
		return ErrNotFound
	}
	return err
}

type scanner interface {
	Scan(dest ...any) error
}

const fetchStateColumns = `url, etag, last_modified, title, link, error, backoff_factor, muted, last_update, last_update_nsec`

func scanFetchState(row scanner) (*FetchState, error) {
	var s FetchState
	var sec, nsec int64
	err := row.Scan(&s.URL, &s.ETag, &s.LastModified, &s.Title, &s.Link, &s.Error, &s.BackoffFactor, &s.Muted, &sec, &nsec)
	if err != nil {
		return nil, notFound(err)
	}
	s.LastUpdate = fromUnix(sec, nsec)
	return &s, nil
}

func (t *sqliteTx) FetchState(url string) (*FetchState, error) {
	row := t.tx.QueryRowContext(t.ctx, `SELECT `+fetchStateColumns+` FROM fetch_states WHERE url = ?`, url)
	return scanFetchState(row)
}

func (t *sqliteTx) FetchStates() ([]*FetchState, error) {
	rows, err := t.tx.QueryContext(t.ctx, `SELECT `+fetchStateColumns+` FROM fetch_states ORDER BY url`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var states []*FetchState
	for rows.Next() {
		s, err := scanFetchState(rows)
		if err != nil {
			return nil, err
		}
		states = append(states, s)
	}
	return states, rows.Err()
}

func (t *sqliteTx) PutFetchState(s *FetchState) error {
	if s.URL == "" {
		return fmt.Errorf("fetch state without URL")
	}
	sec, nsec := toUnix(s.LastUpdate)
	_, err := t.tx.ExecContext(t.ctx, `INSERT INTO fetch_states (`+fetchStateColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(url) DO UPDATE SET
			etag = excluded.etag,
			last_modified = excluded.last_modified,
			title = excluded.title,
			link = excluded.link,
			error = excluded.error,
			backoff_factor = excluded.backoff_factor,
			muted = excluded.muted,
			last_update = excluded.last_update,
			last_update_nsec = excluded.last_update_nsec`,
		s.URL, s.ETag, s.LastModified, s.Title, s.Link, s.Error, s.BackoffFactor, s.Muted, sec, nsec)
	return err
}

func (t *sqliteTx) DeleteFetchState(url string) error {
	_, err := t.tx.ExecContext(t.ctx, `DELETE FROM fetch_states WHERE url = ?`, url)
	return err
}

const feedColumns = `id, user_id, category, url, name, unread_count, created_at, created_at_nsec`

func scanFeed(row scanner) (*Feed, error) {
	var f Feed
	var sec, nsec int64
	if err := row.Scan(&f.ID, &f.UserID, &f.Category, &f.URL, &f.Name, &f.UnreadCount, &sec, &nsec); err != nil {
		return nil, notFound(err)
	}
	f.CreatedAt = fromUnix(sec, nsec)
	return &f, nil
}

func (t *sqliteTx) queryFeeds(query string, args ...any) ([]*Feed, error) {
	rows, err := t.tx.QueryContext(t.ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var feeds []*Feed
	for rows.Next() {
		f, err := scanFeed(rows)
		if err != nil {
			return nil, err
		}
		feeds = append(feeds, f)
	}
	return feeds, rows.Err()
}

func (t *sqliteTx) Feed(id string) (*Feed, error) {
	return scanFeed(t.tx.QueryRowContext(t.ctx, `SELECT `+feedColumns+` FROM feeds WHERE id = ?`, id))
}

func (t *sqliteTx) Feeds() ([]*Feed, error) {
	feeds, err := t.queryFeeds(`SELECT ` + feedColumns + ` FROM feeds`)
	sortFeeds(feeds)
	return feeds, err
}

func (t *sqliteTx) FeedsByURL(url string) ([]*Feed, error) {
	return t.queryFeeds(`SELECT `+feedColumns+` FROM feeds WHERE url = ? ORDER BY id`, url)
}

func (t *sqliteTx) PutFeed(f *Feed) error {
	if f.ID == "" || f.URL == "" {
		return fmt.Errorf("feed without ID or URL")
	}
	sec, nsec := toUnix(f.CreatedAt)
	_, err := t.tx.ExecContext(t.ctx, `INSERT INTO feeds (`+feedColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			user_id = excluded.user_id,
			category = excluded.category,
			url = excluded.url,
			name = excluded.name,
			unread_count = excluded.unread_count`,
		f.ID, f.UserID, f.Category, f.URL, f.Name, f.UnreadCount, sec, nsec)
	return err
}

func (t *sqliteTx) DeleteFeed(id string) error {
	res, err := t.tx.ExecContext(t.ctx, `DELETE FROM feeds WHERE id = ?`, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	_, err = t.tx.ExecContext(t.ctx, `DELETE FROM entries WHERE feed_id = ?`, id)
	return err
}

const entryColumns = `id, user_id, feed_id, key, guid, link, title, author, subtitle, date, date_nsec, read, starred, broadcast, read_later_url`

func scanEntry(row scanner) (*Entry, error) {
	var e Entry
	var sec, nsec int64
	err := row.Scan(&e.ID, &e.UserID, &e.FeedID, &e.Key, &e.GUID, &e.Link, &e.Title, &e.Author,
		&e.Subtitle, &sec, &nsec, &e.Read, &e.Starred, &e.Broadcast, &e.ReadLaterURL)
	if err != nil {
		return nil, notFound(err)
	}
	e.Date = fromUnix(sec, nsec)
	return &e, nil
}

func (t *sqliteTx) Entry(id string) (*Entry, error) {
	return scanEntry(t.tx.QueryRowContext(t.ctx, `SELECT `+entryColumns+` FROM entries WHERE id = ?`, id))
}

func (t *sqliteTx) EntryByKey(feedID, key string) (*Entry, error) {
	return scanEntry(t.tx.QueryRowContext(t.ctx,
		`SELECT `+entryColumns+` FROM entries WHERE feed_id = ? AND key = ?`, feedID, key))
}

func (t *sqliteTx) Entries(filter EntryFilter) ([]*Entry, error) {
	query := `SELECT ` + entryColumns + ` FROM entries WHERE 1 = 1`
	var args []any
	if filter.UserID != "" {
		query += ` AND user_id = ?`
		args = append(args, filter.UserID)
	}
	if filter.FeedID != "" {
		query += ` AND feed_id = ?`
		args = append(args, filter.FeedID)
	}
	if filter.UnreadOnly {
		query += ` AND read = 0`
	}
	if filter.Starred {
		query += ` AND starred = 1`
	}
	query += ` ORDER BY date DESC, date_nsec DESC, rowid ASC`
	if filter.Limit > 0 {
		query += ` LIMIT ?`
		args = append(args, filter.Limit)
	}

	rows, err := t.tx.QueryContext(t.ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var entries []*Entry
	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			return nil, err
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

func (t *sqliteTx) PutEntry(e *Entry) error {
	if e.ID == "" || e.FeedID == "" || e.Key == "" {
		return fmt.Errorf("entry without ID, feed or key")
	}
	sec, nsec := toUnix(e.Date)
	_, err := t.tx.ExecContext(t.ctx, `INSERT INTO entries (`+entryColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			read = excluded.read,
			starred = excluded.starred,
			broadcast = excluded.broadcast,
			read_later_url = excluded.read_later_url`,
		e.ID, e.UserID, e.FeedID, e.Key, e.GUID, e.Link, e.Title, e.Author, e.Subtitle,
		sec, nsec, e.Read, e.Starred, e.Broadcast, e.ReadLaterURL)
	return err
}
