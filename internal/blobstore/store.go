package blobstore

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"

	"go.uber.org/zap"

	"github.com/relayhq/agent/internal/agenterr"
)

// Store fronts an ordered chain of backends. Get tries each backend in
// order and returns the first hit; Put/PutStream write to the first
// backend only (after a Head check, to dedup a redundant upload), so any
// additional backends serve purely as a read fallback chain.
type Store struct {
	backends []Backend
	log      *zap.Logger
}

// New constructs a Store over the given backends, tried in order.
func New(log *zap.Logger, backends ...Backend) *Store {
	return &Store{backends: backends, log: log}
}

// Put uploads content and returns its SHA-256 hex key. It writes to the
// first backend only (spec: "put always writes to the first backend
// only"); a Head check against that backend still skips a redundant
// upload of a key already present.
func (s *Store) Put(ctx context.Context, content []byte) (string, error) {
	if len(s.backends) == 0 {
		return "", fmt.Errorf("blobstore: no backends configured")
	}
	sum := sha256.Sum256(content)
	key := hex.EncodeToString(sum[:])

	backend := s.backends[0]
	exists, err := backend.Head(ctx, key)
	if err != nil {
		return "", fmt.Errorf("blobstore: head %s: %w", key, err)
	}
	if !exists {
		if err := backend.Put(ctx, key, bytes.NewReader(content), int64(len(content))); err != nil {
			return "", fmt.Errorf("blobstore: put %s: %w", key, err)
		}
	}
	return key, nil
}

// PutStream uploads content of known size from a reader without buffering
// it whole in memory, for gigabyte-scale blobs. Unlike Put it cannot
// compute the key from content first, so the caller supplies it. Like Put,
// it writes to the first backend only.
func (s *Store) PutStream(ctx context.Context, key string, content io.Reader, size int64) error {
	if len(s.backends) == 0 {
		return fmt.Errorf("blobstore: no backends configured")
	}
	backend := s.backends[0]
	exists, err := backend.Head(ctx, key)
	if err != nil {
		return fmt.Errorf("blobstore: head %s: %w", key, err)
	}
	if exists {
		return nil
	}
	return backend.Put(ctx, key, content, size)
}

// Get fetches the full content stored under key, trying each backend in
// order until one succeeds.
func (s *Store) Get(ctx context.Context, key string) ([]byte, error) {
	rc, err := s.GetReader(ctx, key)
	if err != nil {
		return nil, err
	}
	defer rc.Close()
	return io.ReadAll(rc)
}

// GetReader is the streaming counterpart of Get, for callers (asset
// restore) that write the content straight to disk rather than holding it
// in memory.
func (s *Store) GetReader(ctx context.Context, key string) (io.ReadCloser, error) {
	var lastErr error
	for _, backend := range s.backends {
		rc, err := backend.Get(ctx, key)
		if err == nil {
			return rc, nil
		}
		lastErr = err
		s.log.Debug("blob miss, trying next backend", zap.String("key", key), zap.Error(err))
	}
	if lastErr == nil {
		lastErr = agenterr.ErrBlobMiss
	}
	return nil, fmt.Errorf("%w: %s: %w", agenterr.ErrBlobMiss, key, lastErr)
}
