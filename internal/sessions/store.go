// Package sessions persists per-session metadata: which document a
// session holds and the chat transcript, keyed by user and session.
package sessions

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"go.uber.org/zap"
	_ "modernc.org/sqlite" // SQLite driver

	"github.com/amirshahdadian/document-qa/internal/retry"
)

// Message roles stored in the transcript.
const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// ErrInvalidConfig indicates invalid configuration
var ErrInvalidConfig = errors.New("invalid configuration")

const schema = `
CREATE TABLE IF NOT EXISTS documents (
	user_id        TEXT NOT NULL,
	session_id     TEXT NOT NULL,
	filename       TEXT NOT NULL,
	file_size      INTEGER NOT NULL DEFAULT 0,
	chunk_count    INTEGER NOT NULL,
	collection_id  TEXT NOT NULL,
	has_embeddings BOOLEAN NOT NULL DEFAULT 0,
	uploaded_at    TIMESTAMP NOT NULL,
	PRIMARY KEY (user_id, session_id)
);

CREATE TABLE IF NOT EXISTS messages (
	id         INTEGER PRIMARY KEY AUTOINCREMENT,
	user_id    TEXT NOT NULL,
	session_id TEXT NOT NULL,
	role       TEXT NOT NULL,
	content    TEXT NOT NULL,
	created_at TIMESTAMP NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_messages_session
	ON messages(user_id, session_id, id);
`

// DocumentRecord describes the document currently bound to a session.
// HasEmbeddings distinguishes a session whose vector store was built
// from one whose upload was recorded but never indexed.
type DocumentRecord struct {
	UserID        string
	SessionID     string
	Filename      string
	FileSize      int64
	ChunkCount    int
	CollectionID  string
	HasEmbeddings bool
	UploadedAt    time.Time
}

// Message is one transcript entry.
type Message struct {
	Role      string
	Content   string
	CreatedAt time.Time
}

// Store is a SQLite-backed session metadata store.
type Store struct {
	db     *sql.DB
	policy retry.Policy
	logger *zap.Logger
}

// NewStore opens (or creates) the session database at the given file
// path. WAL mode keeps concurrent request handlers from blocking on
// each other.
func NewStore(path string, logger *zap.Logger) (*Store, error) {
	if path == "" {
		return nil, fmt.Errorf("%w: database path required", ErrInvalidConfig)
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("creating data directory: %w", err)
	}

	db, err := sql.Open("sqlite", path+"?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)")
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}

	if _, err := db.Exec("PRAGMA foreign_keys = ON"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enabling foreign keys: %w", err)
	}

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("applying schema: %w", err)
	}

	policy := retry.DefaultPolicy()

	return &Store{db: db, policy: policy, logger: logger}, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// UpsertDocument records the document bound to a session, replacing
// any previous record. The write is retried on transient failures so a
// busy database does not lose the binding.
func (s *Store) UpsertDocument(ctx context.Context, rec DocumentRecord) error {
	if rec.UploadedAt.IsZero() {
		rec.UploadedAt = time.Now().UTC()
	}

	return s.policy.Do(ctx, func() error {
		_, err := s.db.ExecContext(ctx, `
			INSERT INTO documents (user_id, session_id, filename, file_size, chunk_count, collection_id, has_embeddings, uploaded_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT (user_id, session_id) DO UPDATE SET
				filename = excluded.filename,
				file_size = excluded.file_size,
				chunk_count = excluded.chunk_count,
				collection_id = excluded.collection_id,
				has_embeddings = excluded.has_embeddings,
				uploaded_at = excluded.uploaded_at`,
			rec.UserID, rec.SessionID, rec.Filename, rec.FileSize, rec.ChunkCount, rec.CollectionID, rec.HasEmbeddings, rec.UploadedAt,
		)
		if err != nil {
			return fmt.Errorf("upserting document record: %w", err)
		}
		return nil
	})
}

// GetDocument returns the document bound to a session. The boolean
// reports whether a binding exists; an unbound session is not an
// error.
func (s *Store) GetDocument(ctx context.Context, userID, sessionID string) (DocumentRecord, bool, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT user_id, session_id, filename, file_size, chunk_count, collection_id, has_embeddings, uploaded_at
		FROM documents WHERE user_id = ? AND session_id = ?`,
		userID, sessionID,
	)

	var rec DocumentRecord
	err := row.Scan(&rec.UserID, &rec.SessionID, &rec.Filename, &rec.FileSize, &rec.ChunkCount, &rec.CollectionID, &rec.HasEmbeddings, &rec.UploadedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return DocumentRecord{}, false, nil
	}
	if err != nil {
		return DocumentRecord{}, false, fmt.Errorf("reading document record: %w", err)
	}
	return rec, true, nil
}

// ListDocuments returns the document records for all of a user's
// sessions, newest upload first.
func (s *Store) ListDocuments(ctx context.Context, userID string) ([]DocumentRecord, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT user_id, session_id, filename, file_size, chunk_count, collection_id, has_embeddings, uploaded_at
		FROM documents WHERE user_id = ? ORDER BY uploaded_at DESC`,
		userID,
	)
	if err != nil {
		return nil, fmt.Errorf("listing documents: %w", err)
	}
	defer rows.Close()

	var records []DocumentRecord
	for rows.Next() {
		var rec DocumentRecord
		if err := rows.Scan(&rec.UserID, &rec.SessionID, &rec.Filename, &rec.FileSize, &rec.ChunkCount, &rec.CollectionID, &rec.HasEmbeddings, &rec.UploadedAt); err != nil {
			return nil, fmt.Errorf("scanning document record: %w", err)
		}
		records = append(records, rec)
	}
	return records, rows.Err()
}

// AppendMessage appends one transcript entry for a session.
func (s *Store) AppendMessage(ctx context.Context, userID, sessionID, role, content string) error {
	return s.policy.Do(ctx, func() error {
		_, err := s.db.ExecContext(ctx, `
			INSERT INTO messages (user_id, session_id, role, content, created_at)
			VALUES (?, ?, ?, ?, ?)`,
			userID, sessionID, role, content, time.Now().UTC(),
		)
		if err != nil {
			return fmt.Errorf("appending message: %w", err)
		}
		return nil
	})
}

// History returns up to limit transcript entries for a session in
// chronological order. limit <= 0 returns the full transcript.
func (s *Store) History(ctx context.Context, userID, sessionID string, limit int) ([]Message, error) {
	query := `
		SELECT role, content, created_at FROM messages
		WHERE user_id = ? AND session_id = ? ORDER BY id`
	args := []any{userID, sessionID}

	if limit > 0 {
		// Most recent entries win when truncating.
		query = `
			SELECT role, content, created_at FROM (
				SELECT id, role, content, created_at FROM messages
				WHERE user_id = ? AND session_id = ? ORDER BY id DESC LIMIT ?
			) ORDER BY id`
		args = append(args, limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("reading history: %w", err)
	}
	defer rows.Close()

	var messages []Message
	for rows.Next() {
		var msg Message
		if err := rows.Scan(&msg.Role, &msg.Content, &msg.CreatedAt); err != nil {
			return nil, fmt.Errorf("scanning message: %w", err)
		}
		messages = append(messages, msg)
	}
	return messages, rows.Err()
}

// DeleteSession removes the session's document binding and transcript.
// Deleting a session with no state is a no-op.
func (s *Store) DeleteSession(ctx context.Context, userID, sessionID string) error {
	return s.policy.Do(ctx, func() error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("starting transaction: %w", err)
		}
		defer tx.Rollback()

		if _, err := tx.ExecContext(ctx,
			`DELETE FROM documents WHERE user_id = ? AND session_id = ?`,
			userID, sessionID,
		); err != nil {
			return fmt.Errorf("deleting document record: %w", err)
		}
		if _, err := tx.ExecContext(ctx,
			`DELETE FROM messages WHERE user_id = ? AND session_id = ?`,
			userID, sessionID,
		); err != nil {
			return fmt.Errorf("deleting messages: %w", err)
		}

		return tx.Commit()
	})
}
