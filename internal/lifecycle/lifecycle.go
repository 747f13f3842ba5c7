// Package lifecycle orchestrates session vector stores across the
// local index and the remote archive: create on upload, load on
// question, delete on session teardown.
package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/amirshahdadian/document-qa/internal/archive"
	"github.com/amirshahdadian/document-qa/internal/chunker"
	"github.com/amirshahdadian/document-qa/internal/naming"
	"github.com/amirshahdadian/document-qa/internal/vectorindex"
)

var (
	// ErrInvalidConfig indicates invalid configuration
	ErrInvalidConfig = errors.New("invalid configuration")

	// ErrVectorStoreEmpty indicates an attempt to create a session
	// store from zero chunks
	ErrVectorStoreEmpty = errors.New("cannot create vector store from empty chunk list")
)

// Session identifies the scope a vector store belongs to. User and
// session together name the collection; neither is meaningful alone.
type Session struct {
	UserID    string
	SessionID string
}

// Validate validates the session identifiers.
func (s Session) Validate() error {
	if _, err := naming.CollectionID(s.UserID, s.SessionID); err != nil {
		return err
	}
	return nil
}

// CollectionID returns the collection name for this session.
func (s Session) CollectionID() (string, error) {
	return naming.CollectionID(s.UserID, s.SessionID)
}

// CreateResult describes a completed store creation.
type CreateResult struct {
	CollectionID string
	ChunkCount   int

	// Archived reports whether the remote copy was written. Archiving
	// is best-effort: a false value means the session lives only in
	// the local cache.
	Archived bool
}

// LoadStatus is the outcome of a load attempt.
type LoadStatus int

const (
	// LoadFound means a usable store was opened.
	LoadFound LoadStatus = iota

	// LoadNotFound means no store exists locally or in the archive.
	LoadNotFound

	// LoadCorrupted means store data exists but could not be opened as
	// a usable index. The unusable local copy has been removed.
	LoadCorrupted
)

// String returns the status label used in logs and metrics.
func (s LoadStatus) String() string {
	switch s {
	case LoadFound:
		return "found"
	case LoadNotFound:
		return "not_found"
	case LoadCorrupted:
		return "corrupted"
	default:
		return "unknown"
	}
}

// LoadResult describes a completed load attempt. Handle is non-nil
// only when Status is LoadFound.
type LoadResult struct {
	Status       LoadStatus
	CollectionID string
	Handle       *vectorindex.Handle
}

// Manager coordinates the local index and remote archive for session
// vector stores.
type Manager struct {
	index   *vectorindex.Index
	archive *archive.Archive
	logger  *zap.Logger
	metrics *Metrics
}

// NewManager creates a lifecycle manager. The archive may be degraded;
// the manager then operates on the local cache alone.
func NewManager(index *vectorindex.Index, arch *archive.Archive, logger *zap.Logger, reg prometheus.Registerer) (*Manager, error) {
	if index == nil {
		return nil, fmt.Errorf("%w: index is required", ErrInvalidConfig)
	}
	if arch == nil {
		return nil, fmt.Errorf("%w: archive is required", ErrInvalidConfig)
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	return &Manager{
		index:   index,
		archive: arch,
		logger:  logger,
		metrics: NewMetrics(reg),
	}, nil
}

// Create builds a fresh vector store for the session from the given
// chunks, replacing any existing store, and archives the result.
// Archive failures do not fail the creation; the local store is
// authoritative for the current process.
func (m *Manager) Create(ctx context.Context, sess Session, chunks []chunker.Chunk) (CreateResult, error) {
	start := time.Now()
	defer func() {
		m.metrics.durations.WithLabelValues("create").Observe(time.Since(start).Seconds())
	}()

	collectionID, err := sess.CollectionID()
	if err != nil {
		return CreateResult{}, err
	}
	if len(chunks) == 0 {
		return CreateResult{}, ErrVectorStoreEmpty
	}

	if _, err := m.index.CreateOrReplace(ctx, collectionID, chunks); err != nil {
		return CreateResult{}, fmt.Errorf("creating local store %s: %w", collectionID, err)
	}

	result := CreateResult{
		CollectionID: collectionID,
		ChunkCount:   len(chunks),
	}

	archived, err := m.archive.Upload(ctx, sess.UserID, sess.SessionID, m.index.CollectionPath(collectionID))
	if err != nil {
		m.logger.Warn("archiving session failed, continuing with local store",
			zap.String("collection", collectionID),
			zap.Error(err),
		)
	} else {
		result.Archived = archived
	}

	m.metrics.creates.Inc()
	m.logger.Info("created session vector store",
		zap.String("collection", collectionID),
		zap.Int("chunks", len(chunks)),
		zap.Bool("archived", result.Archived),
	)

	return result, nil
}

// Load opens the session's vector store, restoring it from the archive
// when the local cache misses. Absence and corruption are reported in
// the result status, not as errors; the error return is reserved for
// infrastructure failures.
func (m *Manager) Load(ctx context.Context, sess Session) (LoadResult, error) {
	start := time.Now()
	defer func() {
		m.metrics.durations.WithLabelValues("load").Observe(time.Since(start).Seconds())
	}()

	collectionID, err := sess.CollectionID()
	if err != nil {
		return LoadResult{}, err
	}

	result := LoadResult{CollectionID: collectionID}
	defer func() {
		m.metrics.loads.WithLabelValues(result.Status.String()).Inc()
	}()

	if m.index.Exists(collectionID) {
		handle, err := m.openUsable(ctx, collectionID)
		if err == nil {
			result.Status = LoadFound
			result.Handle = handle
			return result, nil
		}

		// Local copy is unusable. Drop it and try the archive.
		m.logger.Warn("local store unusable, discarding",
			zap.String("collection", collectionID),
			zap.Error(err),
		)
		if rmErr := m.index.Delete(collectionID); rmErr != nil {
			return LoadResult{}, fmt.Errorf("removing unusable store %s: %w", collectionID, rmErr)
		}
	}

	found, err := m.archive.Download(ctx, sess.UserID, sess.SessionID, m.index.CollectionPath(collectionID))
	if err != nil {
		return LoadResult{}, fmt.Errorf("restoring %s from archive: %w", collectionID, err)
	}
	if !found {
		result.Status = LoadNotFound
		return result, nil
	}

	handle, err := m.openUsable(ctx, collectionID)
	if err != nil {
		m.logger.Warn("archived store unusable",
			zap.String("collection", collectionID),
			zap.Error(err),
		)
		if rmErr := m.index.Delete(collectionID); rmErr != nil {
			return LoadResult{}, fmt.Errorf("removing unusable store %s: %w", collectionID, rmErr)
		}
		result.Status = LoadCorrupted
		return result, nil
	}

	m.logger.Info("restored session vector store from archive",
		zap.String("collection", collectionID),
		zap.Int("chunks", handle.Count()),
	)
	result.Status = LoadFound
	result.Handle = handle
	return result, nil
}

// openUsable opens the local collection and verifies it answers a
// probe query.
func (m *Manager) openUsable(ctx context.Context, collectionID string) (*vectorindex.Handle, error) {
	handle, err := m.index.Open(ctx, collectionID)
	if err != nil {
		return nil, err
	}
	if err := handle.Probe(ctx); err != nil {
		return nil, err
	}
	return handle, nil
}

// Exists reports whether the session has a store locally or in the
// archive, without opening it.
func (m *Manager) Exists(ctx context.Context, sess Session) (bool, error) {
	collectionID, err := sess.CollectionID()
	if err != nil {
		return false, err
	}

	if m.index.Exists(collectionID) {
		return true, nil
	}
	return m.archive.Exists(ctx, sess.UserID, sess.SessionID)
}

// Delete removes the session's store from the local cache and the
// archive. Deleting a session that has no store succeeds. Once the
// local store is gone a remote deletion failure no longer fails the
// operation; it is logged, and the boolean reports whether every step
// completed.
func (m *Manager) Delete(ctx context.Context, sess Session) (bool, error) {
	start := time.Now()
	defer func() {
		m.metrics.durations.WithLabelValues("delete").Observe(time.Since(start).Seconds())
	}()

	collectionID, err := sess.CollectionID()
	if err != nil {
		return false, err
	}

	if err := m.index.Delete(collectionID); err != nil {
		return false, fmt.Errorf("deleting local store %s: %w", collectionID, err)
	}

	complete, err := m.archive.Delete(ctx, sess.UserID, sess.SessionID)
	if err != nil {
		complete = false
		m.logger.Warn("deleting archived store failed, local store already removed",
			zap.String("collection", collectionID),
			zap.Error(err),
		)
	}

	m.metrics.deletes.Inc()
	m.logger.Info("deleted session vector store",
		zap.String("collection", collectionID),
		zap.Bool("complete", complete),
	)
	return complete, nil
}
