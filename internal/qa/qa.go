// Package qa answers questions over a session's document by
// retrieving relevant chunks and prompting a chat model with them.
package qa

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/amirshahdadian/document-qa/internal/lifecycle"
	"github.com/amirshahdadian/document-qa/internal/sessions"
	"github.com/amirshahdadian/document-qa/internal/vectorindex"
)

// ErrNoDocument indicates the session has no usable document store.
// The caller should ask the user to re-upload.
var ErrNoDocument = errors.New("no document associated with this session, please re-upload")

// Turn roles passed to the generator.
const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// Turn is one conversational exchange entry.
type Turn struct {
	Role    string
	Content string
}

// Generator produces an answer from a system prompt and conversation
// turns, the last of which is the current question.
type Generator interface {
	Generate(ctx context.Context, system string, turns []Turn) (string, error)
}

// Source is one retrieved chunk an answer was grounded on.
type Source struct {
	SourceID      string `json:"source_id"`
	SequenceIndex string `json:"sequence_index"`
	Text          string `json:"text"`
}

// Answer is the result of asking a question.
type Answer struct {
	Text    string   `json:"text"`
	Sources []Source `json:"sources"`
}

const defaultSystemPrompt = `You are an assistant for question-answering tasks. ` +
	`Use the following pieces of retrieved context to answer the question. ` +
	`If you don't know the answer, say that you don't know. Keep the answer concise.`

// Config holds retrieval and prompting parameters.
type Config struct {
	// TopK is the number of chunks given to the model.
	// Default: 5
	TopK int

	// FetchK is the candidate pool size before diversity re-ranking.
	// Default: 10
	FetchK int

	// Lambda trades retrieval relevance (1) against diversity (0).
	// Default: 0.5
	Lambda float32

	// HistoryLimit is the number of prior transcript entries included
	// in the prompt.
	// Default: 10
	HistoryLimit int

	// SystemPrompt overrides the built-in instruction preamble.
	SystemPrompt string
}

// ApplyDefaults sets default values for unset fields.
func (c *Config) ApplyDefaults() {
	if c.TopK == 0 {
		c.TopK = 5
	}
	if c.FetchK == 0 {
		c.FetchK = 10
	}
	if c.Lambda == 0 {
		c.Lambda = 0.5
	}
	if c.HistoryLimit == 0 {
		c.HistoryLimit = 10
	}
	if c.SystemPrompt == "" {
		c.SystemPrompt = defaultSystemPrompt
	}
}

// Service answers questions for sessions.
type Service struct {
	manager   *lifecycle.Manager
	store     *sessions.Store
	generator Generator
	config    Config
	logger    *zap.Logger
}

// NewService creates a question-answering service.
func NewService(manager *lifecycle.Manager, store *sessions.Store, generator Generator, config Config, logger *zap.Logger) (*Service, error) {
	if manager == nil {
		return nil, fmt.Errorf("lifecycle manager is required")
	}
	if store == nil {
		return nil, fmt.Errorf("session store is required")
	}
	if generator == nil {
		return nil, fmt.Errorf("generator is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	config.ApplyDefaults()

	return &Service{
		manager:   manager,
		store:     store,
		generator: generator,
		config:    config,
		logger:    logger,
	}, nil
}

// Ask answers a question over the session's document. A session
// without a usable store (never uploaded, deleted, or corrupted
// beyond restore) yields ErrNoDocument.
func (s *Service) Ask(ctx context.Context, sess lifecycle.Session, question string) (Answer, error) {
	question = strings.TrimSpace(question)
	if question == "" {
		return Answer{}, fmt.Errorf("question cannot be empty")
	}

	loaded, err := s.manager.Load(ctx, sess)
	if err != nil {
		return Answer{}, fmt.Errorf("loading session store: %w", err)
	}
	if loaded.Status != lifecycle.LoadFound {
		return Answer{}, fmt.Errorf("%w (session store %s)", ErrNoDocument, loaded.Status)
	}

	results, err := loaded.Handle.SimilaritySearch(ctx, question, s.config.TopK,
		vectorindex.WithMMR(s.config.FetchK, s.config.Lambda))
	if err != nil {
		return Answer{}, fmt.Errorf("retrieving context: %w", err)
	}

	history, err := s.store.History(ctx, sess.UserID, sess.SessionID, s.config.HistoryLimit)
	if err != nil {
		return Answer{}, fmt.Errorf("reading transcript: %w", err)
	}

	turns := make([]Turn, 0, len(history)+1)
	for _, msg := range history {
		turns = append(turns, Turn{Role: msg.Role, Content: msg.Content})
	}
	turns = append(turns, Turn{Role: RoleUser, Content: question})

	text, err := s.generator.Generate(ctx, s.buildSystemPrompt(results), turns)
	if err != nil {
		return Answer{}, fmt.Errorf("generating answer: %w", err)
	}

	// Transcript writes are best effort; the answer is already in hand.
	if err := s.store.AppendMessage(ctx, sess.UserID, sess.SessionID, sessions.RoleUser, question); err != nil {
		s.logger.Warn("recording question failed", zap.Error(err))
	} else if err := s.store.AppendMessage(ctx, sess.UserID, sess.SessionID, sessions.RoleAssistant, text); err != nil {
		s.logger.Warn("recording answer failed", zap.Error(err))
	}

	answer := Answer{Text: text, Sources: make([]Source, len(results))}
	for i, res := range results {
		answer.Sources[i] = Source{
			SourceID:      res.Metadata["source_id"],
			SequenceIndex: res.Metadata["sequence_index"],
			Text:          res.Text,
		}
	}

	s.logger.Info("answered question",
		zap.String("user_id", sess.UserID),
		zap.String("session_id", sess.SessionID),
		zap.Int("sources", len(results)),
	)
	return answer, nil
}

// buildSystemPrompt appends the retrieved chunks to the instruction
// preamble.
func (s *Service) buildSystemPrompt(results []vectorindex.SearchResult) string {
	var b strings.Builder
	b.WriteString(s.config.SystemPrompt)
	b.WriteString("\n\nContext:\n")
	for i, res := range results {
		if i > 0 {
			b.WriteString("\n---\n")
		}
		b.WriteString(res.Text)
	}
	return b.String()
}
