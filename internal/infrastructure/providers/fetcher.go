package providers

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/PuerkitoBio/goquery"
	"golang.org/x/time/rate"

	"ListingWatcher/internal/retry"
)

const defaultUserAgent = "Mozilla/5.0 (X11; Linux x86_64; rv:128.0) Gecko/20100101 Firefox/128.0"

// FetcherOptions tune the HTTP behaviour shared by all adapters.
type FetcherOptions struct {
	Client     *http.Client
	Timeout    time.Duration
	RatePerSec float64
	UserAgent  string
}

// Fetcher performs rate-limited GET requests with a browser-like User-Agent.
type Fetcher struct {
	client    *http.Client
	limiter   *rate.Limiter
	userAgent string
}

// StatusError is a non-2xx response.
type StatusError struct {
	URL    string
	Status int
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("GET %s returned %d %s", e.URL, e.Status, http.StatusText(e.Status))
}

// NewFetcher wires an HTTP client; timeout defaults to 20s and rate to 1 request per second.
func NewFetcher(opts FetcherOptions) *Fetcher {
	client := opts.Client
	if client == nil {
		timeout := opts.Timeout
		if timeout <= 0 {
			timeout = 20 * time.Second
		}
		client = &http.Client{Timeout: timeout}
	}
	rps := opts.RatePerSec
	if rps <= 0 {
		rps = 1
	}
	ua := opts.UserAgent
	if ua == "" {
		ua = defaultUserAgent
	}
	return &Fetcher{
		client:    client,
		limiter:   rate.NewLimiter(rate.Limit(rps), 1),
		userAgent: ua,
	}
}

// Document fetches and parses an HTML page.
func (f *Fetcher) Document(ctx context.Context, pageURL string) (*goquery.Document, error) {
	body, err := f.get(ctx, pageURL, nil)
	if err != nil {
		return nil, err
	}
	defer body.Close()

	doc, err := goquery.NewDocumentFromReader(body)
	if err != nil {
		return nil, fmt.Errorf("parse document: %w", err)
	}
	return doc, nil
}

// JSON fetches pageURL and decodes the response body into v.
func (f *Fetcher) JSON(ctx context.Context, pageURL string, headers map[string]string, v any) error {
	body, err := f.get(ctx, pageURL, headers)
	if err != nil {
		return err
	}
	defer body.Close()

	if err := json.NewDecoder(body).Decode(v); err != nil {
		return fmt.Errorf("decode %s: %w", pageURL, err)
	}
	return nil
}

func (f *Fetcher) get(ctx context.Context, pageURL string, headers map[string]string) (io.ReadCloser, error) {
	if err := f.limiter.Wait(ctx); err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, pageURL, nil)
	if err != nil {
		return nil, retry.Permanent(fmt.Errorf("build request: %w", err))
	}
	req.Header.Set("User-Agent", f.userAgent)
	req.Header.Set("Accept-Language", "es-AR,es;q=0.9,en;q=0.8")
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	resp, err := f.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request %s: %w", pageURL, err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
		resp.Body.Close()
		statusErr := &StatusError{URL: pageURL, Status: resp.StatusCode}
		if resp.StatusCode >= 400 && resp.StatusCode < 500 && resp.StatusCode != http.StatusTooManyRequests {
			return nil, retry.Permanent(statusErr)
		}
		return nil, statusErr
	}
	return resp.Body, nil
}

// CleanURL drops the query string and fragment.
func CleanURL(raw string) string {
	raw = strings.TrimSpace(raw)
	if i := strings.IndexAny(raw, "?#"); i >= 0 {
		raw = raw[:i]
	}
	return raw
}

// DecodeObjectAt decodes the first JSON object that starts at or after marker in text.
func DecodeObjectAt(text, marker string, v any) error {
	idx := 0
	if marker != "" {
		idx = strings.Index(text, marker)
		if idx < 0 {
			return fmt.Errorf("marker %q not found", marker)
		}
	}
	start := strings.IndexByte(text[idx:], '{')
	if start < 0 {
		return fmt.Errorf("no object after %q", marker)
	}
	dec := json.NewDecoder(strings.NewReader(text[idx+start:]))
	dec.UseNumber()
	if err := dec.Decode(v); err != nil {
		return fmt.Errorf("decode embedded state: %w", err)
	}
	return nil
}

// FlexString accepts a JSON string or number.
type FlexString string

func (f *FlexString) UnmarshalJSON(b []byte) error {
	raw := strings.TrimSpace(string(b))
	if raw == "null" || raw == "" {
		return nil
	}
	if raw[0] == '"' {
		var s string
		if err := json.Unmarshal(b, &s); err != nil {
			return err
		}
		*f = FlexString(s)
		return nil
	}
	*f = FlexString(raw)
	return nil
}

func (f FlexString) String() string { return string(f) }

// ParseTime reads provider timestamps; unknown layouts yield nil.
func ParseTime(raw string) *time.Time {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil
	}
	for _, layout := range []string{time.RFC3339Nano, "2006-01-02T15:04:05.000-0700", "2006-01-02T15:04:05-0700", "2006-01-02T15:04:05", "2006-01-02 15:04:05"} {
		if t, err := time.Parse(layout, raw); err == nil {
			return &t
		}
	}
	return nil
}
