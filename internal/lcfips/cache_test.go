package lcfips

import (
	"context"
	"errors"
	"os"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// memStore is an in-memory RemoteStore.
type memStore struct {
	mu      sync.Mutex
	objects map[string][]byte
	fail    error
}

func newMemStore() *memStore {
	return &memStore{objects: make(map[string][]byte)}
}

func (m *memStore) DownloadFile(_ context.Context, key string) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	data, ok := m.objects[key]
	if !ok {
		return nil, errors.New("NoSuchKey")
	}
	return data, nil
}

func (m *memStore) UploadFile(_ context.Context, key string, body []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.fail != nil {
		return m.fail
	}
	m.objects[key] = append([]byte(nil), body...)
	return nil
}

const testFingerprint = "ab12cd34ef"

func TestBindingCachePutGet(t *testing.T) {
	ctx := context.Background()
	c := &BindingCache{Dir: t.TempDir()}

	_, ok := c.Get(ctx, testFingerprint)
	assert.False(t, ok)

	require.NoError(t, c.Put(ctx, testFingerprint, []byte("package fipssys\n")))
	assert.FileExists(t, c.entryPath(testFingerprint))

	data, ok := c.Get(ctx, testFingerprint)
	require.True(t, ok)
	assert.Equal(t, "package fipssys\n", string(data))

	assert.Error(t, c.Put(ctx, "a", nil))
	_, ok = c.Get(ctx, "a")
	assert.False(t, ok)
}

func TestBindingCacheCorruptEntry(t *testing.T) {
	ctx := context.Background()
	c := &BindingCache{Dir: t.TempDir()}
	writeFile(t, c.entryPath(testFingerprint), "not zstd")

	_, ok := c.Get(ctx, testFingerprint)
	assert.False(t, ok)
}

func TestBindingCacheRemote(t *testing.T) {
	ctx := context.Background()
	remote := newMemStore()
	writer := &BindingCache{Dir: t.TempDir(), Remote: remote}
	require.NoError(t, writer.Put(ctx, testFingerprint, []byte("shared")))
	assert.Contains(t, remote.objects, "bindings/"+testFingerprint+".go.zst")

	// A second machine with an empty local cache.
	reader := &BindingCache{Dir: t.TempDir(), Remote: remote}
	data, ok := reader.Get(ctx, testFingerprint)
	require.True(t, ok)
	assert.Equal(t, "shared", string(data))

	_, err := os.Stat(reader.entryPath(testFingerprint))
	assert.NoError(t, err, "remote hits are kept locally")
}

func TestBindingCacheRemoteUploadFailure(t *testing.T) {
	remote := newMemStore()
	remote.fail = errors.New("AccessDenied")
	c := &BindingCache{Dir: t.TempDir(), Remote: remote}

	err := c.Put(context.Background(), testFingerprint, []byte("x"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "uploading bindings/"+testFingerprint+".go.zst")

	data, ok := c.Get(context.Background(), testFingerprint)
	require.True(t, ok, "the local entry is written before the upload")
	assert.Equal(t, "x", string(data))
}
