// Package archive persists collection directories to S3-compatible
// object storage so sessions survive local cache loss.
//
// The archive is an optional collaborator. When no endpoint is
// configured (or the bucket is unreachable) the archive runs degraded:
// writes become no-ops and reads report absence, so the service keeps
// answering from local state alone. Strict mode turns that degradation
// into a startup failure.
package archive

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path"
	"path/filepath"
	"strings"
	"time"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
	"go.uber.org/zap"
)

var (
	// ErrInvalidConfig indicates invalid configuration
	ErrInvalidConfig = errors.New("invalid configuration")

	// ErrArchiveUnavailable indicates the archive backend could not be
	// reached and strict mode forbids running without it
	ErrArchiveUnavailable = errors.New("archive unavailable")
)

// ObjectClient is the subset of the MinIO client the archive uses.
// *minio.Client satisfies it.
type ObjectClient interface {
	BucketExists(ctx context.Context, bucketName string) (bool, error)
	FPutObject(ctx context.Context, bucketName, objectName, filePath string, opts minio.PutObjectOptions) (minio.UploadInfo, error)
	FGetObject(ctx context.Context, bucketName, objectName, filePath string, opts minio.GetObjectOptions) error
	ListObjects(ctx context.Context, bucketName string, opts minio.ListObjectsOptions) <-chan minio.ObjectInfo
	RemoveObject(ctx context.Context, bucketName, objectName string, opts minio.RemoveObjectOptions) error
}

// Config holds configuration for the remote archive.
type Config struct {
	// Endpoint is the S3-compatible endpoint host:port. Empty disables
	// the archive.
	Endpoint string

	// AccessKey and SecretKey authenticate against the endpoint.
	AccessKey string
	SecretKey string

	// Bucket is the bucket holding archived collections.
	Bucket string

	// Prefix is prepended to all object keys.
	// Default: "chroma_db"
	Prefix string

	// UseSSL enables TLS to the endpoint.
	UseSSL bool

	// Strict makes an unreachable archive a startup error instead of
	// degraded mode.
	Strict bool
}

// ApplyDefaults sets default values for unset fields.
func (c *Config) ApplyDefaults() {
	if c.Prefix == "" {
		c.Prefix = "chroma_db"
	}
}

// Archive stores collection directories under
// {prefix}/{userID}/{sessionID}/{relative file path}.
type Archive struct {
	client ObjectClient
	config Config
	logger *zap.Logger
}

// New creates an Archive backed by a MinIO client. An empty endpoint,
// or an unreachable bucket outside strict mode, yields a degraded
// archive that reports absence for every session.
func New(ctx context.Context, config Config, logger *zap.Logger) (*Archive, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	config.ApplyDefaults()

	if config.Endpoint == "" || config.Bucket == "" {
		if config.Strict {
			return nil, fmt.Errorf("%w: endpoint and bucket required in strict mode", ErrArchiveUnavailable)
		}
		logger.Warn("archive not configured, running with local cache only")
		return &Archive{config: config, logger: logger}, nil
	}

	client, err := minio.New(config.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(config.AccessKey, config.SecretKey, ""),
		Secure: config.UseSSL,
	})
	if err != nil {
		if config.Strict {
			return nil, fmt.Errorf("%w: creating client: %v", ErrArchiveUnavailable, err)
		}
		logger.Warn("archive client creation failed, running degraded", zap.Error(err))
		return &Archive{config: config, logger: logger}, nil
	}

	return NewWithClient(ctx, config, client, logger)
}

// NewWithClient creates an Archive over an existing object client.
func NewWithClient(ctx context.Context, config Config, client ObjectClient, logger *zap.Logger) (*Archive, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	config.ApplyDefaults()

	exists, err := client.BucketExists(ctx, config.Bucket)
	if err != nil || !exists {
		if config.Strict {
			return nil, fmt.Errorf("%w: bucket %q not accessible: %v", ErrArchiveUnavailable, config.Bucket, err)
		}
		logger.Warn("archive bucket not accessible, running degraded",
			zap.String("bucket", config.Bucket),
			zap.Error(err),
		)
		return &Archive{config: config, logger: logger}, nil
	}

	logger.Info("archive connected",
		zap.String("endpoint", config.Endpoint),
		zap.String("bucket", config.Bucket),
		zap.String("prefix", config.Prefix),
	)

	return &Archive{client: client, config: config, logger: logger}, nil
}

// Available reports whether the archive backend is reachable.
func (a *Archive) Available() bool {
	return a.client != nil
}

func (a *Archive) sessionPrefix(userID, sessionID string) string {
	return path.Join(a.config.Prefix, userID, sessionID) + "/"
}

// listKeys returns the object keys under prefix, recursively.
func (a *Archive) listKeys(ctx context.Context, prefix string) ([]string, error) {
	var keys []string
	for obj := range a.client.ListObjects(ctx, a.config.Bucket, minio.ListObjectsOptions{
		Prefix:    prefix,
		Recursive: true,
	}) {
		if obj.Err != nil {
			return nil, fmt.Errorf("listing objects under %s: %w", prefix, obj.Err)
		}
		keys = append(keys, obj.Key)
	}
	return keys, nil
}

// Upload replaces the archived copy of a session with the contents of
// localDir. Existing objects under the session prefix are removed
// first so stale files from a previous index never survive a replace.
// An absent or empty localDir is reported as false rather than an
// error, since there is simply nothing to archive. Degraded archives
// ignore uploads.
func (a *Archive) Upload(ctx context.Context, userID, sessionID, localDir string) (bool, error) {
	if !a.Available() {
		return false, nil
	}

	if info, err := os.Stat(localDir); err != nil || !info.IsDir() {
		return false, nil
	}

	prefix := a.sessionPrefix(userID, sessionID)

	stale, err := a.listKeys(ctx, prefix)
	if err != nil {
		return false, err
	}
	for _, key := range stale {
		if err := a.client.RemoveObject(ctx, a.config.Bucket, key, minio.RemoveObjectOptions{}); err != nil {
			return false, fmt.Errorf("removing stale object %s: %w", key, err)
		}
	}

	var uploaded int
	err = filepath.WalkDir(localDir, func(filePath string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return nil
		}

		rel, err := filepath.Rel(localDir, filePath)
		if err != nil {
			return err
		}

		key := prefix + filepath.ToSlash(rel)
		if _, err := a.client.FPutObject(ctx, a.config.Bucket, key, filePath, minio.PutObjectOptions{}); err != nil {
			return fmt.Errorf("uploading %s: %w", key, err)
		}
		uploaded++
		return nil
	})
	if err != nil {
		return false, fmt.Errorf("uploading session %s/%s: %w", userID, sessionID, err)
	}
	if uploaded == 0 {
		return false, nil
	}

	a.logger.Info("uploaded session to archive",
		zap.String("user_id", userID),
		zap.String("session_id", sessionID),
		zap.Int("files", uploaded),
	)
	return true, nil
}

// Download restores the archived session into localDir, recreating the
// file tree. It returns false with a nil error when the session is not
// archived; absence is an expected outcome, not a failure.
func (a *Archive) Download(ctx context.Context, userID, sessionID, localDir string) (bool, error) {
	if !a.Available() {
		return false, nil
	}

	prefix := a.sessionPrefix(userID, sessionID)
	keys, err := a.listKeys(ctx, prefix)
	if err != nil {
		return false, err
	}
	if len(keys) == 0 {
		return false, nil
	}

	for _, key := range keys {
		rel := strings.TrimPrefix(key, prefix)
		target := filepath.Join(localDir, filepath.FromSlash(rel))

		if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
			return false, fmt.Errorf("creating directory for %s: %w", target, err)
		}
		if err := a.client.FGetObject(ctx, a.config.Bucket, key, target, minio.GetObjectOptions{}); err != nil {
			return false, fmt.Errorf("downloading %s: %w", key, err)
		}
	}

	a.logger.Info("downloaded session from archive",
		zap.String("user_id", userID),
		zap.String("session_id", sessionID),
		zap.Int("files", len(keys)),
	)
	return true, nil
}

// Exists reports whether the session has an archived copy. The probe
// asks for at most one object and cancels the listing as soon as it
// sees it.
func (a *Archive) Exists(ctx context.Context, userID, sessionID string) (bool, error) {
	if !a.Available() {
		return false, nil
	}

	listCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	for obj := range a.client.ListObjects(listCtx, a.config.Bucket, minio.ListObjectsOptions{
		Prefix:    a.sessionPrefix(userID, sessionID),
		Recursive: true,
		MaxKeys:   1,
	}) {
		if obj.Err != nil {
			return false, fmt.Errorf("probing session %s/%s: %w", userID, sessionID, obj.Err)
		}
		return true, nil
	}
	return false, nil
}

// Delete removes the archived copy of a session. Deleting a session
// that was never archived is a successful no-op, so the result is true
// whenever no removal failed. A degraded archive has nothing to hold a
// copy, which makes every delete trivially complete.
func (a *Archive) Delete(ctx context.Context, userID, sessionID string) (bool, error) {
	if !a.Available() {
		return true, nil
	}

	keys, err := a.listKeys(ctx, a.sessionPrefix(userID, sessionID))
	if err != nil {
		return false, err
	}
	for _, key := range keys {
		if err := a.client.RemoveObject(ctx, a.config.Bucket, key, minio.RemoveObjectOptions{}); err != nil {
			return false, fmt.Errorf("removing %s: %w", key, err)
		}
	}

	if len(keys) > 0 {
		a.logger.Info("deleted session from archive",
			zap.String("user_id", userID),
			zap.String("session_id", sessionID),
			zap.Int("files", len(keys)),
		)
	}
	return true, nil
}

// ListSessions returns the session IDs archived for a user.
func (a *Archive) ListSessions(ctx context.Context, userID string) ([]string, error) {
	if !a.Available() {
		return nil, nil
	}

	prefix := path.Join(a.config.Prefix, userID) + "/"

	var sessions []string
	// Non-recursive listing yields one common-prefix entry per session
	// directory.
	for obj := range a.client.ListObjects(ctx, a.config.Bucket, minio.ListObjectsOptions{
		Prefix:    prefix,
		Recursive: false,
	}) {
		if obj.Err != nil {
			return nil, fmt.Errorf("listing sessions for %s: %w", userID, obj.Err)
		}
		name := strings.TrimPrefix(obj.Key, prefix)
		name = strings.TrimSuffix(name, "/")
		if name != "" {
			sessions = append(sessions, name)
		}
	}
	return sessions, nil
}

// CleanupOlderThan deletes archived sessions whose newest object is
// older than maxAge, returning the number of sessions removed.
func (a *Archive) CleanupOlderThan(ctx context.Context, maxAge time.Duration) (int, error) {
	if !a.Available() {
		return 0, nil
	}

	cutoff := time.Now().Add(-maxAge)
	root := a.config.Prefix + "/"

	// Newest object per session prefix decides the session's age.
	newest := make(map[string]time.Time)
	keys := make(map[string][]string)

	for obj := range a.client.ListObjects(ctx, a.config.Bucket, minio.ListObjectsOptions{
		Prefix:    root,
		Recursive: true,
	}) {
		if obj.Err != nil {
			return 0, fmt.Errorf("listing archive for cleanup: %w", obj.Err)
		}

		rel := strings.TrimPrefix(obj.Key, root)
		parts := strings.SplitN(rel, "/", 3)
		if len(parts) < 3 {
			continue
		}
		session := parts[0] + "/" + parts[1]

		if obj.LastModified.After(newest[session]) {
			newest[session] = obj.LastModified
		}
		keys[session] = append(keys[session], obj.Key)
	}

	var removed int
	for session, modified := range newest {
		if !modified.Before(cutoff) {
			continue
		}
		for _, key := range keys[session] {
			if err := a.client.RemoveObject(ctx, a.config.Bucket, key, minio.RemoveObjectOptions{}); err != nil {
				return removed, fmt.Errorf("removing %s: %w", key, err)
			}
		}
		removed++
		a.logger.Info("removed expired session from archive",
			zap.String("session", session),
			zap.Time("last_modified", modified),
		)
	}

	return removed, nil
}
