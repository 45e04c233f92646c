package feed

import (
	"strconv"
	"time"

	"github.com/pders01/feedpipe/internal/storage"
)

// attempt is everything one update learned from the network.
type attempt struct {
	outcome  *Outcome
	parsed   *Parsed
	parseErr error
	at       time.Time
}

// transition computes the fetch state that follows prior after a. It is pure:
// redirect re-keying and entry reconciliation happen around it in the commit.
func transition(prior storage.FetchState, a attempt) storage.FetchState {
	next := prior
	next.LastUpdate = a.at

	out := a.outcome
	switch out.Kind {
	case NotModified:
		next.Muted = false
		next.ResetBackoff()

	case PermanentRedirect:
		// The move is applied by the caller; state is settled by the next
		// fetch against the new URL.

	case Gone:
		next.Mute(storage.ErrorGone)

	case HTTPError:
		next.Error = strconv.Itoa(out.Status)
		next.IncreaseBackoff()

	case TransportError:
		switch out.Transport {
		case TransportMalformedURL:
			next.Mute(storage.ErrorParse)
		case TransportTimeout:
			next.Error = storage.ErrorTimeout
			next.IncreaseBackoff()
		default:
			next.Error = storage.ErrorConnection
			next.IncreaseBackoff()
		}

	case Success:
		next.ETag = out.Header.Get("ETag")
		next.LastModified = out.Header.Get("Last-Modified")
		if a.parseErr != nil || a.parsed == nil {
			next.Mute(storage.ErrorParse)
			break
		}
		// A record merged in by a redirect may carry the target's old mute.
		next.Muted = false
		next.ResetBackoff()
		next.Title = a.parsed.Title
		next.Link = a.parsed.Link
	}

	return next
}
