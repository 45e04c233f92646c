package validation

import (
	"errors"
	"fmt"
	"net"
	"net/netip"
	"net/url"
	"strings"
)

var (
	ErrEmptyURL    = errors.New("URL cannot be empty")
	ErrURLTooLong  = errors.New("URL too long")
	ErrBadScheme   = errors.New("URL must use http or https protocol")
	ErrNoHost      = errors.New("URL must have a valid hostname")
	ErrPrivateHost = errors.New("local and private network hosts are not permitted")
)

// FeedURLValidator checks and normalizes subscription URLs before they are
// stored. The same rules decide whether a stored URL can be fetched at all.
type FeedURLValidator struct {
	// AllowPrivate permits localhost, loopback, link-local and private addresses.
	AllowPrivate bool
	MaxLength    int
}

// NewFeedURLValidator creates a validator that rejects local network hosts.
func NewFeedURLValidator() *FeedURLValidator {
	return &FeedURLValidator{MaxLength: 2048}
}

// NewPermissiveFeedURLValidator creates a validator that allows local development
func NewPermissiveFeedURLValidator() *FeedURLValidator {
	return &FeedURLValidator{AllowPrivate: true, MaxLength: 2048}
}

// ValidateAndNormalize validates a feed URL and returns the normalized version.
// A missing scheme defaults to https; feed:// and feed:http:// are unwrapped.
func (v *FeedURLValidator) ValidateAndNormalize(input string) (string, error) {
	input = strings.TrimSpace(input)
	if input == "" {
		return "", ErrEmptyURL
	}
	if v.MaxLength > 0 && len(input) > v.MaxLength {
		return "", fmt.Errorf("%w (max %d characters)", ErrURLTooLong, v.MaxLength)
	}

	input = unwrapFeedScheme(input)
	if !strings.Contains(input, "://") {
		input = "https://" + input
	}

	u, err := Parse(input)
	if err != nil {
		return "", err
	}

	if !v.AllowPrivate && isPrivateHost(u.Hostname()) {
		return "", ErrPrivateHost
	}

	u.Host = strings.ToLower(u.Host)
	u.Fragment = ""
	u.RawFragment = ""
	if u.Path == "" {
		u.Path = "/"
	}
	return u.String(), nil
}

// Parse parses a stored feed URL and checks it is fetchable over HTTP.
// Errors from Parse mean the URL can never succeed.
func Parse(raw string) (*url.URL, error) {
	u, err := url.Parse(raw)
	if err != nil {
		return nil, fmt.Errorf("invalid URL format: %w", err)
	}
	switch strings.ToLower(u.Scheme) {
	case "http", "https":
	default:
		return nil, fmt.Errorf("%w: %q", ErrBadScheme, u.Scheme)
	}
	if u.Hostname() == "" {
		return nil, ErrNoHost
	}
	if _, port, err := net.SplitHostPort(u.Host); err == nil && port == "" {
		return nil, fmt.Errorf("%w: empty port", ErrNoHost)
	}
	return u, nil
}

func unwrapFeedScheme(s string) string {
	lower := strings.ToLower(s)
	switch {
	case strings.HasPrefix(lower, "feed://"):
		return "http://" + s[len("feed://"):]
	case strings.HasPrefix(lower, "feed:"):
		return s[len("feed:"):]
	}
	return s
}

func isPrivateHost(hostname string) bool {
	hostname = strings.ToLower(strings.TrimSuffix(hostname, "."))
	if hostname == "localhost" || strings.HasSuffix(hostname, ".localhost") {
		return true
	}
	addr, err := netip.ParseAddr(hostname)
	if err != nil {
		return false
	}
	addr = addr.Unmap()
	return addr.IsLoopback() ||
		addr.IsPrivate() ||
		addr.IsLinkLocalUnicast() ||
		addr.IsUnspecified()
}
