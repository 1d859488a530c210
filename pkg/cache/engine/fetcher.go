package engine

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"regexp"
	"strconv"
	"time"
)

// Asset is one downloaded payload before encryption.
type Asset struct {
	Data      []byte
	MimeType  string
	ExpiresAt time.Time
}

// Fetcher downloads a single asset URL.
type Fetcher interface {
	Fetch(ctx context.Context, assetURL string) (Asset, error)
}

var maxAgePattern = regexp.MustCompile(`(?i)max-age\s*=\s*(\d+)`)

// HTTPFetcher downloads assets over HTTP, resolving relative URLs against a
// base origin. Expiry comes from Cache-Control max-age, then the Expires
// header, then a configured fallback TTL.
type HTTPFetcher struct {
	base       *url.URL
	client     *http.Client
	defaultTTL time.Duration
	maxBytes   int64
	now        func() time.Time
}

// NewHTTPFetcher builds a fetcher rooted at baseURL.
func NewHTTPFetcher(baseURL string, timeout, defaultTTL time.Duration, maxBytes int64) (*HTTPFetcher, error) {
	base, err := url.Parse(baseURL)
	if err != nil {
		return nil, fmt.Errorf("parse asset base url: %w", err)
	}
	if base.Scheme == "" || base.Host == "" {
		return nil, fmt.Errorf("asset base url %q must be absolute", baseURL)
	}

	return &HTTPFetcher{
		base:       base,
		client:     &http.Client{Timeout: timeout},
		defaultTTL: defaultTTL,
		maxBytes:   maxBytes,
		now:        time.Now,
	}, nil
}

func (f *HTTPFetcher) Fetch(ctx context.Context, assetURL string) (Asset, error) {
	ref, err := url.Parse(assetURL)
	if err != nil {
		return Asset{}, fmt.Errorf("parse asset url %q: %w", assetURL, err)
	}
	target := f.base.ResolveReference(ref)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target.String(), nil)
	if err != nil {
		return Asset{}, fmt.Errorf("build asset request: %w", err)
	}

	resp, err := f.client.Do(req)
	if err != nil {
		return Asset{}, fmt.Errorf("fetch %s: %w", assetURL, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return Asset{}, fmt.Errorf("fetch %s: unexpected status %d", assetURL, resp.StatusCode)
	}

	data, err := io.ReadAll(io.LimitReader(resp.Body, f.maxBytes+1))
	if err != nil {
		return Asset{}, fmt.Errorf("read %s: %w", assetURL, err)
	}
	if int64(len(data)) > f.maxBytes {
		return Asset{}, fmt.Errorf("fetch %s: asset exceeds %d bytes", assetURL, f.maxBytes)
	}

	mimeType := resp.Header.Get("Content-Type")
	if mimeType == "" {
		mimeType = "application/octet-stream"
	}

	return Asset{
		Data:      data,
		MimeType:  mimeType,
		ExpiresAt: f.parseExpiry(resp.Header),
	}, nil
}

func (f *HTTPFetcher) parseExpiry(h http.Header) time.Time {
	if m := maxAgePattern.FindStringSubmatch(h.Get("Cache-Control")); m != nil {
		if secs, err := strconv.Atoi(m[1]); err == nil {
			return f.now().Add(time.Duration(secs) * time.Second)
		}
	}
	if raw := h.Get("Expires"); raw != "" {
		if t, err := http.ParseTime(raw); err == nil {
			return t
		}
	}
	return f.now().Add(f.defaultTTL)
}
