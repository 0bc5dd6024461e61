package enrich

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"strings"
	"sync"
	"time"
	"unicode"

	log "github.com/sirupsen/logrus"

	"github.com/TobiSchelling/smallrss/internal/failure"
)

// DefaultOMDbURL is the public OMDb endpoint.
const DefaultOMDbURL = "https://www.omdbapi.com/"

// ErrNoAPIKey means the lookup service has no credentials configured.
var ErrNoAPIKey = errors.New("no API key configured")

// Transport performs one metadata lookup for a subject.
type Transport interface {
	Lookup(ctx context.Context, subject string) (Payload, error)
	// Configured reports whether lookups can succeed without a
	// configuration change.
	Configured() bool
}

// OMDbClient looks up film and series metadata on OMDb.
type OMDbClient struct {
	baseURL string
	client  *http.Client

	mu     sync.RWMutex
	apiKey string
}

// NewOMDbClient creates a client. The key is taken from apiKey, or from
// the environment variable apiKeyEnv when apiKey is empty.
func NewOMDbClient(baseURL, apiKey, apiKeyEnv string, timeout time.Duration) *OMDbClient {
	if baseURL == "" {
		baseURL = DefaultOMDbURL
	}
	if timeout == 0 {
		timeout = 15 * time.Second
	}
	c := &OMDbClient{
		baseURL: baseURL,
		client:  &http.Client{Timeout: timeout},
	}
	c.SetAPIKey(ResolveAPIKey(apiKey, apiKeyEnv))
	return c
}

// ResolveAPIKey picks the configured key, falling back to the environment.
func ResolveAPIKey(apiKey, apiKeyEnv string) string {
	if k := SanitizeAPIKey(apiKey); k != "" {
		return k
	}
	if apiKeyEnv != "" {
		return SanitizeAPIKey(os.Getenv(apiKeyEnv))
	}
	return ""
}

// SanitizeAPIKey removes whitespace and invisible format characters that
// sneak in when a key is pasted.
func SanitizeAPIKey(key string) string {
	return strings.Map(func(r rune) rune {
		if unicode.IsSpace(r) || unicode.Is(unicode.Cf, r) {
			return -1
		}
		return r
	}, key)
}

// SetAPIKey replaces the key used by subsequent lookups.
func (c *OMDbClient) SetAPIKey(key string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.apiKey = SanitizeAPIKey(key)
}

func (c *OMDbClient) key() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.apiKey
}

// Configured returns whether an API key is available.
func (c *OMDbClient) Configured() bool {
	return c.key() != ""
}

// Lookup fetches metadata by title. A trailing "(YYYY)" is sent as the
// year filter.
func (c *OMDbClient) Lookup(ctx context.Context, subject string) (Payload, error) {
	const op = "omdb lookup"

	apiKey := c.key()
	if apiKey == "" {
		return nil, failure.Config(op, ErrNoAPIKey)
	}

	title, year := SplitYear(subject)
	params := url.Values{
		"apikey": {apiKey},
		"t":      {title},
	}
	if year != "" {
		params.Set("y", year)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"?"+params.Encode(), nil)
	if err != nil {
		return nil, failure.Config(op, err)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, failure.Transient(op, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, failure.Transient(op, err)
	}
	if resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests {
		return nil, failure.Transient(op, fmt.Errorf("HTTP %d", resp.StatusCode))
	}

	var p Payload
	if err := json.Unmarshal(body, &p); err != nil {
		if resp.StatusCode != http.StatusOK {
			return nil, failure.Transient(op, fmt.Errorf("HTTP %d", resp.StatusCode))
		}
		return nil, failure.Parse(op, fmt.Errorf("decoding response: %w", err))
	}

	if ok, _ := p["Response"].(string); strings.EqualFold(ok, "False") {
		msg, _ := p["Error"].(string)
		return nil, classifyOMDbError(op, msg)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, failure.Transient(op, fmt.Errorf("HTTP %d", resp.StatusCode))
	}

	log.WithFields(log.Fields{"subject": subject, "title": p.Title()}).Debug("OMDb match")
	return p, nil
}

func classifyOMDbError(op, msg string) error {
	err := errors.New(msg)
	lower := strings.ToLower(msg)
	switch {
	case strings.Contains(lower, "api key"):
		return failure.Config(op, err)
	case strings.Contains(lower, "not found"):
		return failure.New(failure.KindNotFound, op, err)
	default:
		return failure.Transient(op, err)
	}
}
