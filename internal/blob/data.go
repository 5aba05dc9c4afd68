package blob

import (
	"bytes"
	"context"
	"encoding/base64"
	"fmt"
	"io"
	"net/url"
	"strings"
)

// DataFetcher serves RFC 2397 data: URLs, base64 or percent-encoded.
type DataFetcher struct{}

// Fetch decodes the URL payload.
func (DataFetcher) Fetch(_ context.Context, rawURL string) (io.ReadCloser, error) {
	data, err := DecodeDataURL(rawURL)
	if err != nil {
		return nil, err
	}
	return io.NopCloser(bytes.NewReader(data)), nil
}

// DecodeDataURL returns the bytes carried by a data: URL.
func DecodeDataURL(rawURL string) ([]byte, error) {
	if len(rawURL) < 5 || !strings.EqualFold(rawURL[:5], "data:") {
		return nil, fmt.Errorf("%w: missing data: prefix", ErrInvalidDataURL)
	}
	header, payload, ok := strings.Cut(rawURL[5:], ",")
	if !ok {
		return nil, fmt.Errorf("%w: missing comma", ErrInvalidDataURL)
	}

	if strings.HasSuffix(strings.ToLower(header), ";base64") {
		data, err := base64.StdEncoding.DecodeString(payload)
		if err != nil {
			// Some producers strip padding.
			data, err = base64.RawStdEncoding.DecodeString(strings.TrimRight(payload, "="))
		}
		if err != nil {
			return nil, fmt.Errorf("%w: %w", ErrInvalidDataURL, err)
		}
		return data, nil
	}

	text, err := url.PathUnescape(payload)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidDataURL, err)
	}
	return []byte(text), nil
}
