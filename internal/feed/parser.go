package feed

import (
	"bytes"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/mmcdole/gofeed"
)

// ErrParse is returned when a body yields no feed at all.
var ErrParse = errors.New("feed could not be parsed")

// Parsed is the canonical form of a feed document.
type Parsed struct {
	Title   string
	Link    string
	Entries []ParsedEntry
}

// ParsedEntry is one item in document order.
type ParsedEntry struct {
	GUID      string
	Link      string
	Title     string
	Author    string
	Content   string
	Published *time.Time
}

type Parser struct {
	parser *gofeed.Parser
}

func NewParser() *Parser {
	return &Parser{
		parser: gofeed.NewParser(),
	}
}

// Parse decodes an RSS, Atom or JSON feed. Recoverable markup problems are
// tolerated by the underlying parser; the result is ErrParse only when the
// format is not recognised or nothing could be extracted.
func (p *Parser) Parse(body []byte) (*Parsed, error) {
	feed, err := p.parser.Parse(bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrParse, err)
	}

	parsed := &Parsed{
		Title:   strings.TrimSpace(feed.Title),
		Link:    strings.TrimSpace(feed.Link),
		Entries: make([]ParsedEntry, 0, len(feed.Items)),
	}
	if parsed.Link == "" {
		parsed.Link = strings.TrimSpace(feed.FeedLink)
	}

	for _, item := range feed.Items {
		if item == nil {
			continue
		}
		parsed.Entries = append(parsed.Entries, ParsedEntry{
			GUID:      strings.TrimSpace(item.GUID),
			Link:      strings.TrimSpace(item.Link),
			Title:     strings.TrimSpace(item.Title),
			Author:    getAuthor(item),
			Content:   getContent(item),
			Published: getPublished(item),
		})
	}

	if parsed.Title == "" && parsed.Link == "" && len(parsed.Entries) == 0 {
		return nil, ErrParse
	}

	return parsed, nil
}

func getContent(item *gofeed.Item) string {
	if item.Content != "" {
		return item.Content
	}
	return item.Description
}

func getAuthor(item *gofeed.Item) string {
	for _, a := range item.Authors {
		if a != nil && a.Name != "" {
			return a.Name
		}
	}
	if item.Author != nil {
		if item.Author.Name != "" {
			return item.Author.Name
		}
		return item.Author.Email
	}
	return ""
}

func getPublished(item *gofeed.Item) *time.Time {
	t := item.PublishedParsed
	if t == nil {
		t = item.UpdatedParsed
	}
	if t == nil || t.IsZero() {
		return nil
	}
	utc := t.UTC()
	return &utc
}
