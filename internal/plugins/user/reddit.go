package user

import (
	"context"
	"net/url"
	"strings"

	"github.com/pders01/feedpipe/internal/plugins"
)

// RedditPlugin turns subreddit pages into their RSS feeds.
type RedditPlugin struct{}

func NewRedditPlugin() *RedditPlugin {
	return &RedditPlugin{}
}

func (p *RedditPlugin) Name() string {
	return "reddit"
}

func (p *RedditPlugin) CanHandle(u *url.URL) bool {
	return plugins.HostIs(u, "reddit.com") &&
		strings.HasPrefix(u.Path, "/r/") &&
		!strings.HasSuffix(u.Path, ".rss")
}

func (p *RedditPlugin) Priority() int {
	return 50
}

func (p *RedditPlugin) Resolve(_ context.Context, u *url.URL) (*plugins.Resolution, error) {
	// Reddit serves RSS when .rss is appended to a listing path.
	feed := url.URL{
		Scheme: "https",
		Host:   u.Host,
		Path:   strings.TrimSuffix(u.Path, "/") + ".rss",
	}

	subreddit := strings.SplitN(strings.TrimPrefix(u.Path, "/r/"), "/", 2)[0]
	if subreddit == "" {
		subreddit = "unknown"
	}

	return &plugins.Resolution{
		FeedURL: feed.String(),
		Name:    "Reddit - r/" + subreddit,
	}, nil
}
