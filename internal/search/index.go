package search

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"unicode"

	"github.com/blevesearch/bleve/v2"
	"github.com/blevesearch/bleve/v2/analysis/analyzer/keyword"
	"github.com/blevesearch/bleve/v2/analysis/analyzer/standard"
	"github.com/blevesearch/bleve/v2/mapping"
	bleveQuery "github.com/blevesearch/bleve/v2/search/query"

	"github.com/pders01/feedpipe/internal/debuglog"
	"github.com/pders01/feedpipe/internal/storage"
)

// Index is a full text index of entries backed by bleve.
type Index struct {
	idx bleve.Index
}

// Open creates or opens the index at path. An empty path gives an
// in-memory index.
func Open(path string) (*Index, error) {
	if path == "" {
		idx, err := bleve.NewMemOnly(buildIndexMapping())
		if err != nil {
			return nil, fmt.Errorf("creating in-memory index: %w", err)
		}
		return &Index{idx: idx}, nil
	}

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("creating index directory: %w", err)
	}

	idx, err := bleve.Open(path)
	if err != nil {
		idx, err = bleve.New(path, buildIndexMapping())
		if err != nil {
			return nil, fmt.Errorf("creating index at %s: %w", path, err)
		}
	}
	return &Index{idx: idx}, nil
}

func buildIndexMapping() mapping.IndexMapping {
	im := bleve.NewIndexMapping()
	im.DefaultAnalyzer = standard.Name

	dm := bleve.NewDocumentMapping()

	title := bleve.NewTextFieldMapping()
	title.Analyzer = standard.Name
	title.Store = true
	title.IncludeTermVectors = true

	author := bleve.NewTextFieldMapping()
	author.Analyzer = standard.Name
	author.Store = true

	content := bleve.NewTextFieldMapping()
	content.Analyzer = standard.Name
	content.Store = false
	content.IncludeTermVectors = false

	link := bleve.NewTextFieldMapping()
	link.Analyzer = standard.Name
	link.Store = true

	// IDs are matched exactly.
	feedID := bleve.NewTextFieldMapping()
	feedID.Analyzer = keyword.Name
	feedID.Store = true

	userID := bleve.NewTextFieldMapping()
	userID.Analyzer = keyword.Name
	userID.Store = true

	dm.AddFieldMappingsAt("title", title)
	dm.AddFieldMappingsAt("author", author)
	dm.AddFieldMappingsAt("content", content)
	dm.AddFieldMappingsAt("link", link)
	dm.AddFieldMappingsAt("feed_id", feedID)
	dm.AddFieldMappingsAt("user_id", userID)

	im.DefaultMapping = dm
	return im
}

// OnEntriesCreated indexes freshly reconciled entries. Indexing failures are
// logged; the entries are already committed and Reindex can recover.
func (x *Index) OnEntriesCreated(entries []*storage.Entry) {
	if err := x.index(entries); err != nil {
		debuglog.Warnf("indexing %d entries: %v", len(entries), err)
	}
}

func (x *Index) index(entries []*storage.Entry) error {
	batch := x.idx.NewBatch()
	for _, e := range entries {
		if err := batch.Index(e.ID, entryDoc(e)); err != nil {
			return err
		}
	}
	return x.idx.Batch(batch)
}

// Reindex adds every stored entry to the index.
func (x *Index) Reindex(ctx context.Context, store storage.Store) (int, error) {
	var entries []*storage.Entry
	err := store.View(ctx, func(tx storage.Tx) error {
		var err error
		entries, err = tx.Entries(storage.EntryFilter{})
		return err
	})
	if err != nil {
		return 0, fmt.Errorf("loading entries: %w", err)
	}
	if err := x.index(entries); err != nil {
		return 0, fmt.Errorf("indexing entries: %w", err)
	}
	return len(entries), nil
}

// DeleteFeed removes all entries of a feed from the index.
func (x *Index) DeleteFeed(feedID string) error {
	tq := bleve.NewTermQuery(feedID)
	tq.SetField("feed_id")

	const size = 1000
	for {
		req := bleve.NewSearchRequestOptions(tq, size, 0, false)
		res, err := x.idx.Search(req)
		if err != nil {
			return err
		}
		if len(res.Hits) == 0 {
			return nil
		}
		batch := x.idx.NewBatch()
		for _, h := range res.Hits {
			batch.Delete(h.ID)
		}
		if err := x.idx.Batch(batch); err != nil {
			return err
		}
		if len(res.Hits) < size {
			return nil
		}
	}
}

// Search looks query up across all users.
func (x *Index) Search(query string, limit int) ([]*Result, error) {
	return x.SearchUser("", query, limit)
}

// SearchUser looks query up among one user's entries, or everyone's when
// userID is empty.
func (x *Index) SearchUser(userID, query string, limit int) ([]*Result, error) {
	if len(strings.TrimSpace(query)) < 2 {
		return []*Result{}, nil
	}
	if limit <= 0 {
		limit = 10
	}

	// OR of per-term matches across fields, weighted by field.
	var qs []bleveQuery.Query
	for _, tok := range tokenize(query) {
		qs = append(qs,
			fieldMatch(tok, "title", 4.0),
			fieldPrefix(tok, "title", 3.5),
			fieldMatch(tok, "author", 2.0),
			fieldMatch(tok, "content", 1.0),
			fieldPrefix(tok, "content", 0.8),
			fieldMatch(tok, "link", 0.5),
		)
	}
	if len(qs) == 0 {
		return []*Result{}, nil
	}

	var q bleveQuery.Query = bleve.NewDisjunctionQuery(qs...)
	if userID != "" {
		uq := bleve.NewTermQuery(userID)
		uq.SetField("user_id")
		q = bleve.NewConjunctionQuery(uq, q)
	}

	req := bleve.NewSearchRequestOptions(q, limit, 0, false)
	req.Fields = []string{"title", "author", "link", "feed_id", "user_id"}
	res, err := x.idx.Search(req)
	if err != nil {
		return nil, err
	}

	out := make([]*Result, 0, len(res.Hits))
	for _, h := range res.Hits {
		r := &Result{EntryID: h.ID, Score: h.Score}
		r.Title, _ = h.Fields["title"].(string)
		r.Author, _ = h.Fields["author"].(string)
		r.Link, _ = h.Fields["link"].(string)
		r.FeedID, _ = h.Fields["feed_id"].(string)
		r.UserID, _ = h.Fields["user_id"].(string)
		out = append(out, r)
	}
	return out, nil
}

// DocCount reports the number of indexed entries.
func (x *Index) DocCount() (uint64, error) {
	return x.idx.DocCount()
}

func (x *Index) Close() error {
	return x.idx.Close()
}

func fieldMatch(tok, field string, boost float64) bleveQuery.Query {
	q := bleve.NewMatchQuery(tok)
	q.SetField(field)
	q.SetBoost(boost)
	return q
}

func fieldPrefix(tok, field string, boost float64) bleveQuery.Query {
	q := bleve.NewPrefixQuery(tok)
	q.SetField(field)
	q.SetBoost(boost)
	return q
}

// tokenize lowercases text and splits it on anything that is not a letter or
// digit, dropping single characters.
func tokenize(text string) []string {
	var terms []string
	var current strings.Builder

	flush := func() {
		if current.Len() > 1 {
			terms = append(terms, current.String())
		}
		current.Reset()
	}
	for _, r := range text {
		if unicode.IsLetter(r) || unicode.IsNumber(r) {
			current.WriteRune(unicode.ToLower(r))
		} else {
			flush()
		}
	}
	flush()
	return terms
}
