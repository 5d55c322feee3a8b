package blobstore

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"io"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

// memBackend is a minimal in-memory Backend, standing in for the HTTP/S3
// backends in tests that only care about Store's own dedup/read-fallback
// logic.
type memBackend struct {
	data      map[string][]byte
	headCalls int
	putCalls  int
}

func newMemBackend() *memBackend {
	return &memBackend{data: make(map[string][]byte)}
}

func (b *memBackend) Head(ctx context.Context, key string) (bool, error) {
	b.headCalls++
	_, ok := b.data[key]
	return ok, nil
}

func (b *memBackend) Get(ctx context.Context, key string) (io.ReadCloser, error) {
	data, ok := b.data[key]
	if !ok {
		return nil, errNotFound
	}
	return io.NopCloser(bytes.NewReader(data)), nil
}

func (b *memBackend) Put(ctx context.Context, key string, content io.Reader, size int64) error {
	b.putCalls++
	data, err := io.ReadAll(content)
	if err != nil {
		return err
	}
	b.data[key] = data
	return nil
}

type notFoundErr struct{}

func (notFoundErr) Error() string { return "not found" }

var errNotFound = notFoundErr{}

func keyOf(content []byte) string {
	sum := sha256.Sum256(content)
	return hex.EncodeToString(sum[:])
}

func TestStore_PutComputesContentAddressedKey(t *testing.T) {
	backend := newMemBackend()
	store := New(zap.NewNop(), backend)

	content := []byte("hello blob")
	key, err := store.Put(context.Background(), content)
	require.NoError(t, err)
	assert.Equal(t, keyOf(content), key)

	got, err := store.Get(context.Background(), key)
	require.NoError(t, err)
	assert.Equal(t, content, got)
}

func TestStore_PutSkipsRedundantUpload(t *testing.T) {
	backend := newMemBackend()
	store := New(zap.NewNop(), backend)

	content := []byte("duplicate me")
	_, err := store.Put(context.Background(), content)
	require.NoError(t, err)
	assert.Equal(t, 1, backend.putCalls)

	_, err = store.Put(context.Background(), content)
	require.NoError(t, err)
	assert.Equal(t, 1, backend.putCalls, "second Put of identical content should be skipped after Head hits")
}

func TestStore_GetTriesBackendsInOrder(t *testing.T) {
	first := newMemBackend()
	second := newMemBackend()
	store := New(zap.NewNop(), first, second)

	content := []byte("only on second")
	key := keyOf(content)
	require.NoError(t, second.Put(context.Background(), key, bytes.NewReader(content), int64(len(content))))

	got, err := store.Get(context.Background(), key)
	require.NoError(t, err)
	assert.Equal(t, content, got)
}

func TestStore_GetReturnsBlobMissWhenNoBackendHasIt(t *testing.T) {
	store := New(zap.NewNop(), newMemBackend())
	_, err := store.Get(context.Background(), "nonexistent")
	assert.Error(t, err)
}

func TestStore_PutStream_SingleBackend(t *testing.T) {
	backend := newMemBackend()
	store := New(zap.NewNop(), backend)

	content := []byte("streamed content")
	key := keyOf(content)
	require.NoError(t, store.PutStream(context.Background(), key, bytes.NewReader(content), int64(len(content))))

	got, err := store.Get(context.Background(), key)
	require.NoError(t, err)
	assert.Equal(t, content, got)
}

func TestStore_PutStream_WritesFirstBackendOnly(t *testing.T) {
	first := newMemBackend()
	second := newMemBackend()
	store := New(zap.NewNop(), first, second)

	content := []byte("fan out")
	key := keyOf(content)
	require.NoError(t, store.PutStream(context.Background(), key, bytes.NewReader(content), int64(len(content))))

	assert.Equal(t, content, first.data[key])
	assert.Nil(t, second.data[key])
}

func TestStore_Put_WritesFirstBackendOnly(t *testing.T) {
	first := newMemBackend()
	second := newMemBackend()
	store := New(zap.NewNop(), first, second)

	content := []byte("only first")
	_, err := store.Put(context.Background(), content)
	require.NoError(t, err)

	assert.Equal(t, 1, first.putCalls)
	assert.Equal(t, 0, second.putCalls)
}

func TestStore_PutStream_NoBackendsConfigured(t *testing.T) {
	store := New(zap.NewNop())
	err := store.PutStream(context.Background(), "k", bytes.NewReader(nil), 0)
	assert.Error(t, err)
}
