package archive

import (
	"context"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/minio/minio-go/v7"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

// fakeObjectClient is an in-memory stand-in for *minio.Client.
type fakeObjectClient struct {
	mu       sync.Mutex
	objects  map[string][]byte
	modified map[string]time.Time
	bucket   string
}

var _ ObjectClient = (*fakeObjectClient)(nil)

func newFakeObjectClient(bucket string) *fakeObjectClient {
	return &fakeObjectClient{
		objects:  make(map[string][]byte),
		modified: make(map[string]time.Time),
		bucket:   bucket,
	}
}

func (f *fakeObjectClient) BucketExists(_ context.Context, bucketName string) (bool, error) {
	return bucketName == f.bucket, nil
}

func (f *fakeObjectClient) FPutObject(_ context.Context, _, objectName, filePath string, _ minio.PutObjectOptions) (minio.UploadInfo, error) {
	data, err := os.ReadFile(filePath)
	if err != nil {
		return minio.UploadInfo{}, err
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	f.objects[objectName] = data
	f.modified[objectName] = time.Now()
	return minio.UploadInfo{Key: objectName, Size: int64(len(data))}, nil
}

func (f *fakeObjectClient) FGetObject(_ context.Context, _, objectName, filePath string, _ minio.GetObjectOptions) error {
	f.mu.Lock()
	data, ok := f.objects[objectName]
	f.mu.Unlock()
	if !ok {
		return minio.ErrorResponse{Code: "NoSuchKey"}
	}

	if err := os.MkdirAll(filepath.Dir(filePath), 0o755); err != nil {
		return err
	}
	return os.WriteFile(filePath, data, 0o644)
}

func (f *fakeObjectClient) ListObjects(ctx context.Context, _ string, opts minio.ListObjectsOptions) <-chan minio.ObjectInfo {
	ch := make(chan minio.ObjectInfo)

	f.mu.Lock()
	var keys []string
	for key := range f.objects {
		if strings.HasPrefix(key, opts.Prefix) {
			keys = append(keys, key)
		}
	}
	modified := make(map[string]time.Time, len(keys))
	for _, key := range keys {
		modified[key] = f.modified[key]
	}
	f.mu.Unlock()
	sort.Strings(keys)

	send := func(info minio.ObjectInfo) bool {
		select {
		case ch <- info:
			return true
		case <-ctx.Done():
			return false
		}
	}

	go func() {
		defer close(ch)
		if opts.Recursive {
			for _, key := range keys {
				if !send(minio.ObjectInfo{Key: key, LastModified: modified[key]}) {
					return
				}
			}
			return
		}

		// Collapse keys below the first delimiter into common prefixes.
		seen := make(map[string]bool)
		for _, key := range keys {
			rest := strings.TrimPrefix(key, opts.Prefix)
			if idx := strings.Index(rest, "/"); idx >= 0 {
				prefix := opts.Prefix + rest[:idx+1]
				if !seen[prefix] {
					seen[prefix] = true
					if !send(minio.ObjectInfo{Key: prefix}) {
						return
					}
				}
				continue
			}
			if !send(minio.ObjectInfo{Key: key, LastModified: modified[key]}) {
				return
			}
		}
	}()

	return ch
}

func (f *fakeObjectClient) RemoveObject(_ context.Context, _, objectName string, _ minio.RemoveObjectOptions) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.objects, objectName)
	delete(f.modified, objectName)
	return nil
}

func (f *fakeObjectClient) setModified(key string, at time.Time) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.modified[key] = at
}

func newTestArchive(t *testing.T) (*Archive, *fakeObjectClient) {
	t.Helper()

	client := newFakeObjectClient("docqa-sessions")
	a, err := NewWithClient(context.Background(), Config{
		Endpoint: "minio.test:9000",
		Bucket:   "docqa-sessions",
	}, client, zap.NewNop())
	require.NoError(t, err)
	require.True(t, a.Available())
	return a, client
}

// writeCollectionDir fakes a persisted collection directory.
func writeCollectionDir(t *testing.T, files map[string]string) string {
	t.Helper()

	dir := t.TempDir()
	for rel, content := range files {
		target := filepath.Join(dir, filepath.FromSlash(rel))
		require.NoError(t, os.MkdirAll(filepath.Dir(target), 0o755))
		require.NoError(t, os.WriteFile(target, []byte(content), 0o644))
	}
	return dir
}

func mustUpload(t *testing.T, a *Archive, userID, sessionID, src string) {
	t.Helper()

	uploaded, err := a.Upload(context.Background(), userID, sessionID, src)
	require.NoError(t, err)
	require.True(t, uploaded)
}

func TestNewWithClient_StrictRequiresBucket(t *testing.T) {
	client := newFakeObjectClient("other-bucket")

	_, err := NewWithClient(context.Background(), Config{
		Endpoint: "minio.test:9000",
		Bucket:   "docqa-sessions",
		Strict:   true,
	}, client, zap.NewNop())
	assert.ErrorIs(t, err, ErrArchiveUnavailable)
}

func TestNewWithClient_DegradesWithoutBucket(t *testing.T) {
	client := newFakeObjectClient("other-bucket")

	a, err := NewWithClient(context.Background(), Config{
		Endpoint: "minio.test:9000",
		Bucket:   "docqa-sessions",
	}, client, zap.NewNop())
	require.NoError(t, err)
	assert.False(t, a.Available())
}

func TestNew_UnconfiguredStrict(t *testing.T) {
	_, err := New(context.Background(), Config{Strict: true}, zap.NewNop())
	assert.ErrorIs(t, err, ErrArchiveUnavailable)
}

func TestArchive_UploadDownloadRoundTrip(t *testing.T) {
	a, _ := newTestArchive(t)
	ctx := context.Background()

	src := writeCollectionDir(t, map[string]string{
		"abc123/00000000":       "collection metadata",
		"abc123/chunk-00000.gz": "chunk zero",
		"abc123/chunk-00001.gz": "chunk one",
	})
	mustUpload(t, a, "user1", "sess1", src)

	dst := t.TempDir()
	found, err := a.Download(ctx, "user1", "sess1", dst)
	require.NoError(t, err)
	require.True(t, found)

	for _, rel := range []string{"abc123/00000000", "abc123/chunk-00000.gz", "abc123/chunk-00001.gz"} {
		want, err := os.ReadFile(filepath.Join(src, filepath.FromSlash(rel)))
		require.NoError(t, err)
		got, err := os.ReadFile(filepath.Join(dst, filepath.FromSlash(rel)))
		require.NoError(t, err)
		assert.Equal(t, want, got, rel)
	}
}

func TestArchive_UploadReplacesStaleObjects(t *testing.T) {
	a, client := newTestArchive(t)

	first := writeCollectionDir(t, map[string]string{"old-file": "old"})
	mustUpload(t, a, "user1", "sess1", first)

	second := writeCollectionDir(t, map[string]string{"new-file": "new"})
	mustUpload(t, a, "user1", "sess1", second)

	assert.NotContains(t, client.objects, "chroma_db/user1/sess1/old-file")
	assert.Contains(t, client.objects, "chroma_db/user1/sess1/new-file")
}

func TestArchive_Upload_MissingOrEmptyDir(t *testing.T) {
	a, client := newTestArchive(t)
	ctx := context.Background()

	uploaded, err := a.Upload(ctx, "user1", "sess1", filepath.Join(t.TempDir(), "does-not-exist"))
	require.NoError(t, err)
	assert.False(t, uploaded)

	uploaded, err = a.Upload(ctx, "user1", "sess1", t.TempDir())
	require.NoError(t, err)
	assert.False(t, uploaded)

	assert.Empty(t, client.objects)
}

func TestArchive_Download_Absent(t *testing.T) {
	a, _ := newTestArchive(t)

	found, err := a.Download(context.Background(), "user1", "ghost", t.TempDir())
	require.NoError(t, err)
	assert.False(t, found)
}

func TestArchive_ExistsAndDelete(t *testing.T) {
	a, _ := newTestArchive(t)
	ctx := context.Background()

	exists, err := a.Exists(ctx, "user1", "sess1")
	require.NoError(t, err)
	assert.False(t, exists)

	src := writeCollectionDir(t, map[string]string{"data": "x"})
	mustUpload(t, a, "user1", "sess1", src)

	exists, err = a.Exists(ctx, "user1", "sess1")
	require.NoError(t, err)
	assert.True(t, exists)

	removed, err := a.Delete(ctx, "user1", "sess1")
	require.NoError(t, err)
	assert.True(t, removed)

	// Deleting a session that is already gone is still a complete
	// delete.
	removed, err = a.Delete(ctx, "user1", "sess1")
	require.NoError(t, err)
	assert.True(t, removed)
}

func TestArchive_Delete_NeverArchived(t *testing.T) {
	a, _ := newTestArchive(t)

	removed, err := a.Delete(context.Background(), "ghost", "none")
	require.NoError(t, err)
	assert.True(t, removed)
}

func TestArchive_UserIsolation(t *testing.T) {
	a, _ := newTestArchive(t)
	ctx := context.Background()

	src := writeCollectionDir(t, map[string]string{"data": "x"})
	mustUpload(t, a, "user1", "shared-session-id", src)

	found, err := a.Download(ctx, "user2", "shared-session-id", t.TempDir())
	require.NoError(t, err)
	assert.False(t, found)
}

func TestArchive_ListSessions(t *testing.T) {
	a, _ := newTestArchive(t)
	ctx := context.Background()

	src := writeCollectionDir(t, map[string]string{"data": "x"})
	mustUpload(t, a, "user1", "sess1", src)
	mustUpload(t, a, "user1", "sess2", src)
	mustUpload(t, a, "user2", "sess3", src)

	sessions, err := a.ListSessions(ctx, "user1")
	require.NoError(t, err)
	sort.Strings(sessions)
	assert.Equal(t, []string{"sess1", "sess2"}, sessions)
}

func TestArchive_CleanupOlderThan(t *testing.T) {
	a, client := newTestArchive(t)
	ctx := context.Background()

	src := writeCollectionDir(t, map[string]string{"data": "x"})
	mustUpload(t, a, "user1", "stale", src)
	mustUpload(t, a, "user1", "fresh", src)

	client.setModified("chroma_db/user1/stale/data", time.Now().Add(-45*24*time.Hour))

	removed, err := a.CleanupOlderThan(ctx, 30*24*time.Hour)
	require.NoError(t, err)
	assert.Equal(t, 1, removed)

	exists, err := a.Exists(ctx, "user1", "stale")
	require.NoError(t, err)
	assert.False(t, exists)

	exists, err = a.Exists(ctx, "user1", "fresh")
	require.NoError(t, err)
	assert.True(t, exists)
}

func TestArchive_DegradedOps(t *testing.T) {
	a, err := New(context.Background(), Config{}, zap.NewNop())
	require.NoError(t, err)
	require.False(t, a.Available())

	ctx := context.Background()

	uploaded, err := a.Upload(ctx, "u", "s", t.TempDir())
	require.NoError(t, err)
	assert.False(t, uploaded)

	found, err := a.Download(ctx, "u", "s", t.TempDir())
	require.NoError(t, err)
	assert.False(t, found)

	exists, err := a.Exists(ctx, "u", "s")
	require.NoError(t, err)
	assert.False(t, exists)

	// A degraded archive holds no copy, so any delete is trivially
	// complete.
	removed, err := a.Delete(ctx, "u", "s")
	require.NoError(t, err)
	assert.True(t, removed)

	sessions, err := a.ListSessions(ctx, "u")
	require.NoError(t, err)
	assert.Empty(t, sessions)

	count, err := a.CleanupOlderThan(ctx, time.Hour)
	require.NoError(t, err)
	assert.Zero(t, count)
}
