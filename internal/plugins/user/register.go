// Package user holds the bundled site plugins.
package user

import "github.com/pders01/feedpipe/internal/plugins"

// RegisterAll adds every bundled plugin to r.
func RegisterAll(r *plugins.Registry) {
	r.Register(NewRedditPlugin())
	r.Register(NewYouTubePlugin())
}
