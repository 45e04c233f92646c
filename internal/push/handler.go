// Package push receives content notifications from WebSub hubs.
package push

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/pders01/feedpipe/internal/config"
	"github.com/pders01/feedpipe/internal/debuglog"
	"github.com/pders01/feedpipe/internal/feed"
)

// Target is what the handler delivers to.
type Target interface {
	Subscribed(ctx context.Context, url string) (bool, error)
	Push(ctx context.Context, url string, parsed *feed.Parsed) (int, error)
}

// Handler is the subscriber callback of the WebSub protocol. GET requests are
// intent verifications from the hub; POST requests carry the feed document.
type Handler struct {
	target  Target
	parser  *feed.Parser
	maxBody int64
}

func NewHandler(target Target, cfg *config.Config) *Handler {
	return &Handler{
		target:  target,
		parser:  feed.NewParser(),
		maxBody: cfg.Feed.MaxBodySize,
	}
}

// Mount registers h under cfg.Push.Path on mux.
func (h *Handler) Mount(mux *http.ServeMux, cfg *config.Config) {
	path := cfg.Push.Path
	if path == "" {
		path = "/push/"
	}
	mux.Handle(path, h)
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		h.verify(w, r)
	case http.MethodPost:
		h.deliver(w, r)
	default:
		w.Header().Set("Allow", "GET, POST")
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
	}
}

func (h *Handler) verify(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	mode := q.Get("hub.mode")
	topic := q.Get("hub.topic")
	if mode == "" || topic == "" {
		http.Error(w, "Missing hub.mode or hub.topic", http.StatusBadRequest)
		return
	}
	log := debuglog.WithFields(map[string]any{"topic": topic, "mode": mode})

	if mode == "denied" {
		log.Warnf("hub denied subscription: %s", q.Get("hub.reason"))
		w.WriteHeader(http.StatusOK)
		return
	}
	if mode != "subscribe" && mode != "unsubscribe" {
		http.Error(w, "Unknown hub.mode", http.StatusBadRequest)
		return
	}

	subscribed, err := h.target.Subscribed(r.Context(), topic)
	if err != nil {
		log.Errorf("checking subscription: %v", err)
		http.Error(w, "Internal error", http.StatusInternalServerError)
		return
	}
	// Confirm only what we actually want.
	if subscribed != (mode == "subscribe") {
		log.Infof("refusing verification")
		http.NotFound(w, r)
		return
	}

	log.Infof("verified")
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_, _ = io.WriteString(w, q.Get("hub.challenge"))
}

func (h *Handler) deliver(w http.ResponseWriter, r *http.Request) {
	topic := selfLink(r.Header.Values("Link"))
	if topic == "" {
		topic = r.URL.Query().Get("topic")
	}
	if topic == "" {
		http.Error(w, "Missing topic", http.StatusBadRequest)
		return
	}
	log := debuglog.WithFields(map[string]any{"topic": topic})

	body := io.Reader(r.Body)
	if h.maxBody > 0 {
		body = http.MaxBytesReader(w, r.Body, h.maxBody)
	}
	data, err := io.ReadAll(body)
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			http.Error(w, "Body too large", http.StatusRequestEntityTooLarge)
			return
		}
		http.Error(w, "Reading body failed", http.StatusBadRequest)
		return
	}

	parsed, err := h.parser.Parse(data)
	if err != nil {
		log.Warnf("unparseable push: %v", err)
		http.Error(w, "Unparseable feed", http.StatusBadRequest)
		return
	}

	created, err := h.target.Push(r.Context(), topic, parsed)
	switch {
	case errors.Is(err, feed.ErrNoSubscribers):
		http.NotFound(w, r)
		return
	case err != nil:
		log.Errorf("push failed: %v", err)
		http.Error(w, "Internal error", http.StatusInternalServerError)
		return
	}

	w.Header().Set("X-Entries-Created", fmt.Sprint(created))
	w.WriteHeader(http.StatusNoContent)
}

// selfLink returns the target of the first rel="self" link in the given
// Link header values.
func selfLink(headers []string) string {
	for _, header := range headers {
		for _, link := range strings.Split(header, ",") {
			link = strings.TrimSpace(link)
			if !strings.HasPrefix(link, "<") {
				continue
			}
			end := strings.Index(link, ">")
			if end < 0 {
				continue
			}
			target := link[1:end]
			for _, param := range strings.Split(link[end+1:], ";") {
				name, value, ok := strings.Cut(strings.TrimSpace(param), "=")
				if !ok || !strings.EqualFold(strings.TrimSpace(name), "rel") {
					continue
				}
				for _, rel := range strings.Fields(strings.Trim(strings.TrimSpace(value), `"`)) {
					if strings.EqualFold(rel, "self") {
						return target
					}
				}
			}
		}
	}
	return ""
}
