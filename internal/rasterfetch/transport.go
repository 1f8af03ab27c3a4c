package rasterfetch

import (
	"context"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"
)

// TransportRequest is one conditional GET for a tile.
type TransportRequest struct {
	URL  string
	ETag string
}

// TransportResponse is what the transport learned about a tile. Body is
// empty for 304 responses.
type TransportResponse struct {
	StatusCode int
	Body       []byte
	ETag       string
	Expiration time.Time
}

// Transport performs the network side of a fetch.
type Transport interface {
	Fetch(ctx context.Context, req TransportRequest) (*TransportResponse, error)
}

// HTTPTransport fetches tiles over HTTP with If-None-Match revalidation.
type HTTPTransport struct {
	client            *http.Client
	userAgent         string
	defaultExpiration time.Duration
	now               func() time.Time
}

func NewHTTPTransport(client *http.Client, userAgent string, defaultExpiration time.Duration) *HTTPTransport {
	if client == nil {
		client = &http.Client{Timeout: 30 * time.Second}
	}
	return &HTTPTransport{
		client:            client,
		userAgent:         userAgent,
		defaultExpiration: defaultExpiration,
		now:               time.Now,
	}
}

func (t *HTTPTransport) Fetch(ctx context.Context, r TransportRequest) (*TransportResponse, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, r.URL, nil)
	if err != nil {
		return nil, err
	}
	if t.userAgent != "" {
		req.Header.Set("User-Agent", t.userAgent)
	}
	if r.ETag != "" {
		req.Header.Set("If-None-Match", r.ETag)
	}

	resp, err := t.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	out := &TransportResponse{StatusCode: resp.StatusCode}
	switch {
	case resp.StatusCode == http.StatusNotModified:
		_, _ = io.Copy(io.Discard, resp.Body)
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		body, err := io.ReadAll(resp.Body)
		if err != nil {
			return nil, err
		}
		out.Body = body
	default:
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil, &StatusError{StatusCode: resp.StatusCode, URL: redactToken(r.URL)}
	}

	out.ETag = resp.Header.Get("ETag")
	out.Expiration = t.expiration(resp.Header)
	return out, nil
}

// expiration prefers Cache-Control max-age, then Expires, then the
// configured default.
func (t *HTTPTransport) expiration(h http.Header) time.Time {
	now := t.now()
	for _, directive := range strings.Split(h.Get("Cache-Control"), ",") {
		directive = strings.TrimSpace(strings.ToLower(directive))
		if v, ok := strings.CutPrefix(directive, "max-age="); ok {
			if secs, err := strconv.Atoi(v); err == nil && secs >= 0 {
				return now.Add(time.Duration(secs) * time.Second)
			}
		}
	}
	if v := h.Get("Expires"); v != "" {
		if at, err := http.ParseTime(v); err == nil {
			return at
		}
	}
	return now.Add(t.defaultExpiration)
}

func redactToken(u string) string {
	if i := strings.Index(u, "access_token="); i >= 0 {
		return u[:i] + "access_token=REDACTED"
	}
	return u
}
