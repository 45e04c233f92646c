// Package plugins maps site URLs to the feed URLs behind them at
// subscription time.
package plugins

import (
	"context"
	"fmt"
	"net/url"
	"strings"
)

// Resolution is what a plugin made of a requested URL.
type Resolution struct {
	// RequestedURL is what the user typed.
	RequestedURL string
	// FeedURL is what gets subscribed and fetched.
	FeedURL string
	// Name is a display name suggestion, may be empty.
	Name string
	// Plugin names the plugin that produced the resolution.
	Plugin string
}

// Plugin recognizes URLs of one site.
type Plugin interface {
	Name() string

	// CanHandle reports whether the plugin knows u.
	CanHandle(u *url.URL) bool

	Resolve(ctx context.Context, u *url.URL) (*Resolution, error)

	// Priority orders plugins that handle the same URL; higher wins.
	Priority() int
}

type Registry struct {
	plugins []Plugin
}

func NewRegistry() *Registry {
	return &Registry{plugins: make([]Plugin, 0)}
}

func (r *Registry) Register(plugin Plugin) {
	r.plugins = append(r.plugins, plugin)
}

// FindPlugin returns the highest priority plugin that can handle u.
func (r *Registry) FindPlugin(u *url.URL) Plugin {
	var best Plugin
	highest := -1
	for _, p := range r.plugins {
		if p.CanHandle(u) && p.Priority() > highest {
			best = p
			highest = p.Priority()
		}
	}
	return best
}

// Resolve maps rawURL through the best plugin. URLs no plugin knows, and
// input that does not parse as an absolute URL, come back unchanged; URL
// validation happens later.
func (r *Registry) Resolve(ctx context.Context, rawURL string) (*Resolution, error) {
	identity := &Resolution{RequestedURL: rawURL, FeedURL: rawURL}

	u, err := url.Parse(strings.TrimSpace(rawURL))
	if err != nil || u.Host == "" {
		return identity, nil
	}
	p := r.FindPlugin(u)
	if p == nil {
		return identity, nil
	}

	res, err := p.Resolve(ctx, u)
	if err != nil {
		return nil, fmt.Errorf("plugin %s: %w", p.Name(), err)
	}
	res.RequestedURL = rawURL
	res.Plugin = p.Name()
	return res, nil
}

func (r *Registry) ListPlugins() []Plugin {
	return append([]Plugin(nil), r.plugins...)
}

// HostIs reports whether u's host is domain or one of its subdomains.
func HostIs(u *url.URL, domain string) bool {
	host := strings.ToLower(u.Hostname())
	return host == domain || strings.HasSuffix(host, "."+domain)
}
