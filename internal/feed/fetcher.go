package feed

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"syscall"
	"time"

	"github.com/pders01/feedpipe/internal/config"
	"github.com/pders01/feedpipe/internal/validation"
)

// acceptHeader advertises the feed formats the parser understands.
const acceptHeader = "application/atom+xml,application/rdf+xml,application/rss+xml,application/x-netcdf,application/xml;q=0.9,text/xml;q=0.2,*/*;q=0.1"

// OutcomeKind is the closed set of results of a single fetch.
type OutcomeKind int

const (
	NotModified OutcomeKind = iota
	Success
	PermanentRedirect
	Gone
	HTTPError
	TransportError
)

func (k OutcomeKind) String() string {
	switch k {
	case NotModified:
		return "not-modified"
	case Success:
		return "success"
	case PermanentRedirect:
		return "permanent-redirect"
	case Gone:
		return "gone"
	case HTTPError:
		return "http-error"
	case TransportError:
		return "transport-error"
	default:
		return "unknown"
	}
}

// TransportKind classifies failures that produced no usable HTTP response.
type TransportKind int

const (
	TransportNone TransportKind = iota
	TransportTimeout
	TransportConnection
	TransportMalformedURL
	TransportOther
)

func (k TransportKind) String() string {
	switch k {
	case TransportNone:
		return ""
	case TransportTimeout:
		return "timeout"
	case TransportConnection:
		return "connection"
	case TransportMalformedURL:
		return "malformed-url"
	default:
		return "other"
	}
}

// Redirect is one hop of a redirect chain.
type Redirect struct {
	Status int
	From   string
	To     string
}

// Permanent reports whether the hop was a 301 or 308.
func (r Redirect) Permanent() bool {
	return r.Status == http.StatusMovedPermanently || r.Status == http.StatusPermanentRedirect
}

// Outcome is the result of Fetcher.Fetch. Only the fields relevant to Kind
// are set: Body and Header for Success, Status for HTTPError, Transport and
// Err for TransportError. Redirects and FinalURL are set for every kind
// reached after at least one request was sent.
type Outcome struct {
	Kind      OutcomeKind
	Status    int
	Transport TransportKind
	Err       error

	// RetryAfter is the server's hint on an HTTPError, zero when absent.
	RetryAfter time.Duration

	Body      []byte
	Header    http.Header
	FinalURL  string
	Redirects []Redirect
}

// MovedTo returns the URL the feed has permanently moved to, or "" when the
// chain does not start with a permanent redirect. Only the leading run of
// 301/308 hops counts: a temporary hop means later targets are not canonical.
func (o *Outcome) MovedTo() string {
	moved := ""
	for _, r := range o.Redirects {
		if !r.Permanent() {
			break
		}
		moved = r.To
	}
	return moved
}

// Conditional carries the validators of a previous response.
type Conditional struct {
	ETag         string
	LastModified string
}

func (c Conditional) empty() bool {
	return c.ETag == "" && c.LastModified == ""
}

var (
	errTooManyRedirects = errors.New("too many redirects")
	errBodyTooLarge     = errors.New("response body too large")
)

type Fetcher struct {
	client       *http.Client
	userAgent    string
	maxRedirects int
	maxBodySize  int64
}

func NewFetcher(cfg *config.Config) *Fetcher {
	return &Fetcher{
		client: &http.Client{
			Timeout: cfg.Feed.HTTPTimeout,
			CheckRedirect: func(*http.Request, []*http.Request) error {
				return http.ErrUseLastResponse
			},
		},
		userAgent:    cfg.Feed.UserAgent,
		maxRedirects: cfg.Feed.MaxRedirects,
		maxBodySize:  cfg.Feed.MaxBodySize,
	}
}

// Fetch performs a conditional GET of rawURL and follows redirects itself so
// that every hop is recorded. It never returns an error: every failure is an
// Outcome.
func (f *Fetcher) Fetch(ctx context.Context, rawURL string, cond Conditional, subscribers int) *Outcome {
	out := &Outcome{FinalURL: rawURL}
	if _, err := validation.Parse(rawURL); err != nil {
		return out.transport(TransportMalformedURL, err)
	}

	current := rawURL
	retried := false
	for {
		resp, err := f.do(ctx, current, cond, subscribers)
		if err != nil {
			return out.transport(classifyTransport(ctx, err, TransportOther), err)
		}
		out.FinalURL = current

		if isRedirect(resp.StatusCode) {
			drain(resp)
			loc, err := resp.Location()
			if err == nil {
				_, err = validation.Parse(loc.String())
			}
			if err != nil {
				out.Kind = HTTPError
				out.Status = resp.StatusCode
				return out
			}
			out.Redirects = append(out.Redirects, Redirect{Status: resp.StatusCode, From: current, To: loc.String()})
			if len(out.Redirects) > f.maxRedirects {
				if moved := out.MovedTo(); moved != "" {
					out.Kind = PermanentRedirect
					out.FinalURL = moved
					return out
				}
				return out.transport(TransportOther, errTooManyRedirects)
			}
			current = loc.String()
			continue
		}

		switch {
		case resp.StatusCode == http.StatusNotModified:
			drain(resp)
			out.Kind = NotModified
			return out
		case resp.StatusCode == http.StatusGone:
			drain(resp)
			out.Kind = Gone
			return out
		case resp.StatusCode == http.StatusPreconditionFailed && !cond.empty() && !retried:
			// Validators from before a move can be rejected by the new host.
			drain(resp)
			cond = Conditional{}
			retried = true
			continue
		case resp.StatusCode >= 200 && resp.StatusCode < 300:
			body, err := f.readBody(resp)
			if err != nil {
				if errors.Is(err, errBodyTooLarge) {
					return out.transport(TransportOther, err)
				}
				return out.transport(classifyTransport(ctx, err, TransportConnection), err)
			}
			out.Kind = Success
			out.Status = resp.StatusCode
			out.Body = body
			out.Header = resp.Header
			return out
		default:
			drain(resp)
			out.Kind = HTTPError
			out.Status = resp.StatusCode
			out.RetryAfter = retryAfter(resp.Header)
			return out
		}
	}
}

func (f *Fetcher) do(ctx context.Context, rawURL string, cond Conditional, subscribers int) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, fmt.Errorf("creating request: %w", err)
	}

	req.Header.Set("User-Agent", f.formatUserAgent(subscribers))
	req.Header.Set("Accept", acceptHeader)

	if cond.ETag != "" {
		req.Header.Set("If-None-Match", cond.ETag)
	}

	if cond.LastModified != "" {
		req.Header.Set("If-Modified-Since", cond.LastModified)
	}

	return f.client.Do(req)
}

func (f *Fetcher) readBody(resp *http.Response) ([]byte, error) {
	defer resp.Body.Close()

	limit := f.maxBodySize
	if limit <= 0 {
		return io.ReadAll(resp.Body)
	}
	body, err := io.ReadAll(io.LimitReader(resp.Body, limit+1))
	if err != nil {
		return nil, err
	}
	if int64(len(body)) > limit {
		return nil, fmt.Errorf("%w (limit %d bytes)", errBodyTooLarge, limit)
	}
	return body, nil
}

func (f *Fetcher) formatUserAgent(subscribers int) string {
	if !strings.Contains(f.userAgent, "%s") {
		return f.userAgent
	}
	return fmt.Sprintf(f.userAgent, subscriberLabel(subscribers))
}

func subscriberLabel(n int) string {
	if n <= 1 {
		return "1 subscriber"
	}
	return fmt.Sprintf("%d subscribers", n)
}

func (o *Outcome) transport(kind TransportKind, err error) *Outcome {
	o.Kind = TransportError
	o.Transport = kind
	o.Err = err
	return o
}

// classifyTransport maps a request or body-read error onto a TransportKind.
// An expired task context counts as a timeout even when the client reports
// the cancellation differently.
func classifyTransport(ctx context.Context, err error, fallback TransportKind) TransportKind {
	if errors.Is(ctx.Err(), context.DeadlineExceeded) || errors.Is(err, context.DeadlineExceeded) {
		return TransportTimeout
	}

	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return TransportTimeout
	}

	var dnsErr *net.DNSError
	var opErr *net.OpError
	switch {
	case errors.As(err, &dnsErr),
		errors.As(err, &opErr),
		errors.Is(err, syscall.ECONNREFUSED),
		errors.Is(err, syscall.ECONNRESET),
		errors.Is(err, io.ErrUnexpectedEOF),
		errors.Is(err, io.EOF):
		return TransportConnection
	}

	return fallback
}

func isRedirect(status int) bool {
	switch status {
	case http.StatusMovedPermanently, http.StatusFound, http.StatusSeeOther,
		http.StatusTemporaryRedirect, http.StatusPermanentRedirect:
		return true
	}
	return false
}

func drain(resp *http.Response) {
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 64<<10))
	resp.Body.Close()
}

// retryAfter parses a Retry-After header given in seconds.
func retryAfter(h http.Header) time.Duration {
	if v := h.Get("Retry-After"); v != "" {
		if seconds, err := time.ParseDuration(strings.TrimSpace(v) + "s"); err == nil && seconds > 0 {
			return seconds
		}
	}
	return 0
}
