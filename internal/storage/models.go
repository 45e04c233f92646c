package storage

import (
	"errors"
	"time"
)

// ErrNotFound is returned when a record does not exist.
var ErrNotFound = errors.New("not found")

// Error codes recorded on a FetchState. An empty code means the last
// attempt succeeded; an HTTP failure stores the status code itself ("404").
const (
	ErrorNone       = ""
	ErrorGone       = "gone"
	ErrorParse      = "parseerror"
	ErrorTimeout    = "timeout"
	ErrorConnection = "connerror"
)

// MaxBackoffFactor bounds FetchState.BackoffFactor.
const MaxBackoffFactor = 10

// FetchState is the per-URL fetch record shared by every subscriber of the URL.
type FetchState struct {
	URL           string    `json:"url"`
	ETag          string    `json:"etag"`
	LastModified  string    `json:"last_modified"`
	Title         string    `json:"title"`
	Link          string    `json:"link"`
	Error         string    `json:"error"`
	BackoffFactor int       `json:"backoff_factor"`
	Muted         bool      `json:"muted"`
	LastUpdate    time.Time `json:"last_update"`
}

// NewFetchState returns a fresh record for url.
func NewFetchState(url string) *FetchState {
	return &FetchState{URL: url, BackoffFactor: 1}
}

// ResetBackoff records a successful attempt.
func (s *FetchState) ResetBackoff() {
	s.BackoffFactor = 1
	s.Error = ErrorNone
}

// IncreaseBackoff bumps the factor by one, bounded by MaxBackoffFactor.
func (s *FetchState) IncreaseBackoff() {
	if s.BackoffFactor < 1 {
		s.BackoffFactor = 1
	}
	s.BackoffFactor = min(s.BackoffFactor+1, MaxBackoffFactor)
}

// Mute stops automatic fetching until Unmute. code must be permanent.
func (s *FetchState) Mute(code string) {
	s.Muted = true
	s.Error = code
}

// Unmute clears a mute and any recorded error.
func (s *FetchState) Unmute() {
	s.Muted = false
	s.ResetBackoff()
}

// NextUpdate is when the record is due, given the base polling interval.
func (s *FetchState) NextUpdate(interval time.Duration) time.Time {
	factor := max(s.BackoffFactor, 1)
	return s.LastUpdate.Add(interval * time.Duration(factor))
}

// PermanentError reports whether code is one that mutes a feed.
func PermanentError(code string) bool {
	return code == ErrorGone || code == ErrorParse
}

// Feed is a user's subscription to a URL.
type Feed struct {
	ID          string    `json:"id"`
	UserID      string    `json:"user_id"`
	Category    string    `json:"category"`
	URL         string    `json:"url"`
	Name        string    `json:"name"`
	UnreadCount int       `json:"unread_count"`
	CreatedAt   time.Time `json:"created_at"`
}

// Entry is a feed item materialized for one subscriber. Key is the dedup
// identity within the feed.
type Entry struct {
	ID           string    `json:"id"`
	UserID       string    `json:"user_id"`
	FeedID       string    `json:"feed_id"`
	Key          string    `json:"key"`
	GUID         string    `json:"guid"`
	Link         string    `json:"link"`
	Title        string    `json:"title"`
	Author       string    `json:"author"`
	Subtitle     string    `json:"subtitle"`
	Date         time.Time `json:"date"`
	Read         bool      `json:"read"`
	Starred      bool      `json:"starred"`
	Broadcast    bool      `json:"broadcast"`
	ReadLaterURL string    `json:"read_later_url"`
}

// EntryFilter selects entries. Zero values mean "any".
type EntryFilter struct {
	UserID     string
	FeedID     string
	UnreadOnly bool
	Starred    bool
	Limit      int
}

func (f EntryFilter) match(e *Entry) bool {
	if f.UserID != "" && e.UserID != f.UserID {
		return false
	}
	if f.FeedID != "" && e.FeedID != f.FeedID {
		return false
	}
	if f.UnreadOnly && e.Read {
		return false
	}
	if f.Starred && !e.Starred {
		return false
	}
	return true
}
