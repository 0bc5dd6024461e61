package fetch

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/TobiSchelling/smallrss/internal/failure"
)

const (
	defaultTimeout = 15 * time.Second
	maxRedirects   = 10
	maxBodyBytes   = 10 << 20
)

// UserAgent is sent with every request.
const UserAgent = "smallrss/1.0 (feed reader)"

// Client performs polite HTTP GETs: one shared http.Client, a per-host
// request interval, and failures classified by kind.
type Client struct {
	client  *http.Client
	limiter *HostRateLimiter
}

// NewClient creates a client. A zero timeout uses the default; a zero
// hostInterval disables per-host throttling.
func NewClient(timeout, hostInterval time.Duration) *Client {
	if timeout == 0 {
		timeout = defaultTimeout
	}
	c := &Client{
		client: &http.Client{
			Timeout: timeout,
			CheckRedirect: func(req *http.Request, via []*http.Request) error {
				if len(via) >= maxRedirects {
					return http.ErrUseLastResponse
				}
				return nil
			},
		},
	}
	if hostInterval > 0 {
		c.limiter = NewHostRateLimiter(hostInterval)
	}
	return c
}

// Get fetches rawURL and returns the response body. Network errors and
// 5xx/429 responses are transient; 404 and 410 are not-found; other 4xx
// responses are transient as well since a feed may recover.
func (c *Client) Get(ctx context.Context, rawURL string) ([]byte, error) {
	const op = "fetch"

	if c.limiter != nil {
		if err := c.limiter.WaitForHost(ctx, rawURL); err != nil {
			return nil, failure.Transient(op, err)
		}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, failure.Parse(op, fmt.Errorf("bad url %q: %w", rawURL, err))
	}
	req.Header.Set("User-Agent", UserAgent)

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, failure.Transient(op, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		herr := &HTTPError{Code: resp.StatusCode, URL: rawURL}
		log.WithFields(log.Fields{"url": rawURL, "status": resp.StatusCode}).Debug("HTTP error")
		if resp.StatusCode == http.StatusNotFound || resp.StatusCode == http.StatusGone {
			return nil, failure.New(failure.KindNotFound, op, herr)
		}
		return nil, failure.Transient(op, herr)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	if err != nil {
		return nil, failure.Transient(op, err)
	}
	return body, nil
}

// HTTPError is a non-success response status.
type HTTPError struct {
	Code int
	URL  string
}

func (e *HTTPError) Error() string {
	return fmt.Sprintf("%s: %d %s", e.URL, e.Code, http.StatusText(e.Code))
}

// StatusCode returns the HTTP status carried by err, or 0.
func StatusCode(err error) int {
	var herr *HTTPError
	if errors.As(err, &herr) {
		return herr.Code
	}
	return 0
}
