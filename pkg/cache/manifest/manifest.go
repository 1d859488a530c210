// Package manifest fetches the slide catalog and derives the asset map the
// engine prefetches from.
package manifest

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/sony/gobreaker/v2"

	"github.com/deckcache/deckcache/log"
)

const maxManifestBytes = 8 << 20

// Slide is one slide of a presentation. Template selects the payload shape:
// "img" slides carry Src, "html" slides carry markup with embedded asset
// references.
type Slide struct {
	Template   string `json:"template"`
	Src        string `json:"src,omitempty"`
	HTML       string `json:"html,omitempty"`
	Additional string `json:"additional,omitempty"`
}

// Presentation is one deck in the catalog. Version changes whenever the deck
// content changes; the engine fingerprints versions to detect rollover.
type Presentation struct {
	ID      string  `json:"id"`
	Title   string  `json:"title"`
	Version string  `json:"version"`
	Slides  []Slide `json:"slides"`
}

// Client fetches the presentation catalog over HTTP. Repeated endpoint
// failures open a circuit breaker so a flapping backend is not hammered.
type Client struct {
	url     string
	httpcl  *http.Client
	breaker *gobreaker.CircuitBreaker[[]Presentation]
	log     *log.LogHandle
}

// BreakerSettings tunes when the manifest circuit opens.
type BreakerSettings struct {
	MaxFailures uint32
	OpenTimeout time.Duration
}

// ClientOption mutates Client construction.
type ClientOption func(*Client)

// WithHTTPClient replaces the default HTTP client.
func WithHTTPClient(hc *http.Client) ClientOption {
	return func(c *Client) { c.httpcl = hc }
}

// WithLogger replaces the default logger.
func WithLogger(l *log.LogHandle) ClientOption {
	return func(c *Client) { c.log = l }
}

// NewClient builds a manifest client for url.
func NewClient(url string, bs BreakerSettings, opts ...ClientOption) *Client {
	c := &Client{
		url:    url,
		httpcl: &http.Client{Timeout: 30 * time.Second},
		log:    log.GetLogger("manifest"),
	}
	for _, opt := range opts {
		opt(c)
	}

	maxFailures := bs.MaxFailures
	if maxFailures == 0 {
		maxFailures = 5
	}
	openTimeout := bs.OpenTimeout
	if openTimeout == 0 {
		openTimeout = time.Minute
	}

	c.breaker = gobreaker.NewCircuitBreaker[[]Presentation](gobreaker.Settings{
		Name:    "manifest",
		Timeout: openTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= maxFailures
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			c.log.Warnf("circuit %s: %s -> %s", name, from, to)
		},
	})

	return c
}

// Fetch retrieves and decodes the catalog. When the breaker is open it fails
// fast with gobreaker.ErrOpenState.
func (c *Client) Fetch(ctx context.Context) ([]Presentation, error) {
	return c.breaker.Execute(func() ([]Presentation, error) {
		return c.fetchOnce(ctx)
	})
}

func (c *Client) fetchOnce(ctx context.Context) ([]Presentation, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.url, nil)
	if err != nil {
		return nil, fmt.Errorf("build manifest request: %w", err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpcl.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetch manifest: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("fetch manifest: unexpected status %d", resp.StatusCode)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxManifestBytes))
	if err != nil {
		return nil, fmt.Errorf("read manifest: %w", err)
	}

	var presentations []Presentation
	if err := json.Unmarshal(body, &presentations); err != nil {
		return nil, fmt.Errorf("decode manifest: %w", err)
	}
	return presentations, nil
}
