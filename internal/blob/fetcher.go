package blob

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
)

// Fetcher retrieves the bytes behind a URL.
type Fetcher interface {
	Fetch(ctx context.Context, rawURL string) (io.ReadCloser, error)
}

// FetcherFunc adapts a function to Fetcher.
type FetcherFunc func(ctx context.Context, rawURL string) (io.ReadCloser, error)

// Fetch calls f.
func (f FetcherFunc) Fetch(ctx context.Context, rawURL string) (io.ReadCloser, error) {
	return f(ctx, rawURL)
}

// Registry maps URL schemes to fetchers.
//
// Thread Safety: safe for concurrent use.
type Registry struct {
	mu       sync.RWMutex
	fetchers map[string]Fetcher
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{fetchers: make(map[string]Fetcher)}
}

// NewDefaultRegistry returns a registry with the http, https and data
// fetchers installed. client may be nil.
func NewDefaultRegistry(client *http.Client) *Registry {
	r := NewRegistry()
	h := NewHTTPFetcher(client)
	r.Register("http", h)
	r.Register("https", h)
	r.Register("data", DataFetcher{})
	return r
}

// Register installs f for scheme, replacing any previous fetcher.
func (r *Registry) Register(scheme string, f Fetcher) {
	r.mu.Lock()
	r.fetchers[strings.ToLower(scheme)] = f
	r.mu.Unlock()
}

// Lookup returns the fetcher for scheme.
func (r *Registry) Lookup(scheme string) (Fetcher, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	f, ok := r.fetchers[strings.ToLower(scheme)]
	return f, ok
}

// Fetch dispatches on the URL scheme.
func (r *Registry) Fetch(ctx context.Context, rawURL string) (io.ReadCloser, error) {
	scheme, err := schemeOf(rawURL)
	if err != nil {
		return nil, err
	}
	f, ok := r.Lookup(scheme)
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrNoFetcher, scheme)
	}
	return f.Fetch(ctx, rawURL)
}

func schemeOf(rawURL string) (string, error) {
	// data: URLs are opaque and may not survive url.Parse.
	if strings.HasPrefix(strings.ToLower(rawURL), "data:") {
		return "data", nil
	}
	u, err := url.Parse(rawURL)
	if err != nil {
		return "", fmt.Errorf("%w: %w", ErrInvalidJob, err)
	}
	if u.Scheme == "" {
		return "", fmt.Errorf("%w: url %q has no scheme", ErrInvalidJob, rawURL)
	}
	return u.Scheme, nil
}
