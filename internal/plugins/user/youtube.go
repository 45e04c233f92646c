package user

import (
	"context"
	"fmt"
	"net/url"
	"strings"

	"github.com/pders01/feedpipe/internal/plugins"
)

const youtubeFeeds = "https://www.youtube.com/feeds/videos.xml"

// YouTubePlugin maps channel and playlist pages to YouTube's Atom feeds.
type YouTubePlugin struct{}

func NewYouTubePlugin() *YouTubePlugin {
	return &YouTubePlugin{}
}

func (p *YouTubePlugin) Name() string {
	return "youtube"
}

func (p *YouTubePlugin) CanHandle(u *url.URL) bool {
	if !plugins.HostIs(u, "youtube.com") {
		return false
	}
	return strings.HasPrefix(u.Path, "/channel/") ||
		(u.Path == "/playlist" && u.Query().Get("list") != "")
}

func (p *YouTubePlugin) Priority() int {
	return 50
}

func (p *YouTubePlugin) Resolve(_ context.Context, u *url.URL) (*plugins.Resolution, error) {
	q := url.Values{}
	var name string
	if u.Path == "/playlist" {
		id := u.Query().Get("list")
		q.Set("playlist_id", id)
		name = "YouTube - playlist " + id
	} else {
		id := strings.SplitN(strings.TrimPrefix(u.Path, "/channel/"), "/", 2)[0]
		if id == "" {
			return nil, fmt.Errorf("no channel ID in %s", u)
		}
		q.Set("channel_id", id)
		name = "YouTube - " + id
	}

	return &plugins.Resolution{
		FeedURL: youtubeFeeds + "?" + q.Encode(),
		Name:    name,
	}, nil
}
