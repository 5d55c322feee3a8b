package blobstore

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"
)

// HTTPBackend talks to the server's /blobs/{key} endpoint, grounded on the
// original client's blobs.Store: a GET to fetch, a PUT to store, both keyed
// by the content's SHA-256 hex digest.
type HTTPBackend struct {
	client  *http.Client
	baseURL string
}

// NewHTTPBackend constructs a backend against baseURL, e.g.
// "https://relay.example.com".
func NewHTTPBackend(baseURL string) *HTTPBackend {
	return &HTTPBackend{
		client:  &http.Client{Timeout: 60 * time.Second},
		baseURL: baseURL,
	}
}

func (b *HTTPBackend) blobURL(key string) (string, error) {
	u, err := url.Parse(b.baseURL)
	if err != nil {
		return "", fmt.Errorf("blobstore: invalid base url: %w", err)
	}
	u.Path = joinPath(u.Path, "blobs", key)
	return u.String(), nil
}

func joinPath(parts ...string) string {
	out := ""
	for _, p := range parts {
		for len(p) > 0 && p[0] == '/' {
			p = p[1:]
		}
		for len(p) > 0 && p[len(p)-1] == '/' {
			p = p[:len(p)-1]
		}
		if p == "" {
			continue
		}
		out += "/" + p
	}
	return out
}

func (b *HTTPBackend) Head(ctx context.Context, key string) (bool, error) {
	target, err := b.blobURL(key)
	if err != nil {
		return false, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodHead, target, nil)
	if err != nil {
		return false, fmt.Errorf("blobstore: build head request: %w", err)
	}
	resp, err := b.client.Do(req)
	if err != nil {
		return false, fmt.Errorf("blobstore: head request: %w", err)
	}
	defer resp.Body.Close()
	return resp.StatusCode == http.StatusOK, nil
}

func (b *HTTPBackend) Get(ctx context.Context, key string) (io.ReadCloser, error) {
	target, err := b.blobURL(key)
	if err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return nil, fmt.Errorf("blobstore: build get request: %w", err)
	}
	resp, err := b.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("blobstore: get request: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		resp.Body.Close()
		return nil, fmt.Errorf("blobstore: get %s returned status %d", key, resp.StatusCode)
	}
	return resp.Body, nil
}

func (b *HTTPBackend) Put(ctx context.Context, key string, content io.Reader, size int64) error {
	target, err := b.blobURL(key)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPut, target, content)
	if err != nil {
		return fmt.Errorf("blobstore: build put request: %w", err)
	}
	if size >= 0 {
		req.ContentLength = size
	}
	resp, err := b.client.Do(req)
	if err != nil {
		return fmt.Errorf("blobstore: put request: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("blobstore: put %s returned status %d", key, resp.StatusCode)
	}
	return nil
}
