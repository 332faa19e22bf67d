package sentry

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"time"
)

// Fetched is the body and metadata of a remote object.
type Fetched struct {
	Data        []byte
	ContentType string
	// Size is the larger of the advertised length and the bytes read.
	Size int64
}

// Fetcher retrieves a remote object once. Implementations must not retry.
type Fetcher interface {
	Fetch(ctx context.Context, url string, limit int64) (*Fetched, error)
}

type HTTPFetcher struct {
	Client    *http.Client
	UserAgent string
}

func NewHTTPFetcher(timeout time.Duration) *HTTPFetcher {
	return &HTTPFetcher{
		Client:    &http.Client{Timeout: timeout},
		UserAgent: "ImageGuard/1.0",
	}
}

// Fetch issues a single GET. Bodies whose advertised length exceeds limit are
// not read; otherwise at most limit+1 bytes are kept so an oversized body is
// still detectable.
func (f *HTTPFetcher) Fetch(ctx context.Context, url string, limit int64) (*Fetched, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	if f.UserAgent != "" {
		req.Header.Set("User-Agent", f.UserAgent)
	}

	client := f.Client
	if client == nil {
		client = http.DefaultClient
	}
	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetch %s: %w", url, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, fmt.Errorf("unexpected status: %s", resp.Status)
	}

	out := &Fetched{ContentType: resp.Header.Get("Content-Type"), Size: resp.ContentLength}
	if limit > 0 && resp.ContentLength > limit {
		return out, nil
	}

	var body io.Reader = resp.Body
	if limit > 0 {
		body = io.LimitReader(resp.Body, limit+1)
	}
	out.Data, err = io.ReadAll(body)
	if err != nil {
		return nil, fmt.Errorf("read body: %w", err)
	}
	if n := int64(len(out.Data)); n > out.Size {
		out.Size = n
	}
	return out, nil
}
