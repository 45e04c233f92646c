package search

import "github.com/pders01/feedpipe/internal/storage"

// Searcher is the query side of an index.
type Searcher interface {
	Search(query string, limit int) ([]*Result, error)
}

// Result is a single entry hit.
type Result struct {
	EntryID string
	FeedID  string
	UserID  string
	Title   string
	Link    string
	Author  string
	Score   float64
}

// DocCounter reports how many entries an index holds.
type DocCounter interface {
	DocCount() (uint64, error)
}

func entryDoc(e *storage.Entry) map[string]any {
	return map[string]any{
		"user_id": e.UserID,
		"feed_id": e.FeedID,
		"title":   e.Title,
		"author":  e.Author,
		"content": e.Subtitle,
		"link":    e.Link,
	}
}
