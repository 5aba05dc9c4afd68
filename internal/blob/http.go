package blob

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/sony/gobreaker"
)

// HTTPFetcher downloads blobs over HTTP(S). Consecutive failures open a
// circuit breaker so a dead blob server is not hammered by retries.
type HTTPFetcher struct {
	client  *http.Client
	breaker *gobreaker.CircuitBreaker
}

// NewHTTPFetcher wraps client (http.DefaultClient when nil).
func NewHTTPFetcher(client *http.Client) *HTTPFetcher {
	if client == nil {
		client = http.DefaultClient
	}
	return &HTTPFetcher{
		client: client,
		breaker: gobreaker.NewCircuitBreaker(gobreaker.Settings{
			Name:        "blob-http",
			MaxRequests: 1,
			Timeout:     30 * time.Second,
			ReadyToTrip: func(counts gobreaker.Counts) bool {
				return counts.ConsecutiveFailures >= 5
			},
		}),
	}
}

// BreakerState reports the circuit breaker state.
func (f *HTTPFetcher) BreakerState() gobreaker.State {
	return f.breaker.State()
}

// Fetch issues a GET and returns the response body. Any status other than
// 200 is an error.
func (f *HTTPFetcher) Fetch(ctx context.Context, rawURL string) (io.ReadCloser, error) {
	result, err := f.breaker.Execute(func() (interface{}, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
		if err != nil {
			return nil, err
		}
		resp, err := f.client.Do(req)
		if err != nil {
			return nil, err
		}
		if resp.StatusCode != http.StatusOK {
			resp.Body.Close()
			return nil, fmt.Errorf("unexpected status %s", resp.Status)
		}
		return resp.Body, nil
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %w", ErrFetchFailed, rawURL, err)
	}
	return result.(io.ReadCloser), nil
}
