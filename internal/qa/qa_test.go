package qa

import (
	"context"
	"path/filepath"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/amirshahdadian/document-qa/internal/archive"
	"github.com/amirshahdadian/document-qa/internal/chunker"
	"github.com/amirshahdadian/document-qa/internal/lifecycle"
	"github.com/amirshahdadian/document-qa/internal/sessions"
	"github.com/amirshahdadian/document-qa/internal/vectorindex"
)

type stubEmbedder struct{}

var stubVocab = []string{"scholarship", "deadline", "march", "weather", "library"}

func (stubEmbedder) embed(text string) []float32 {
	vec := make([]float32, len(stubVocab)+1)
	lower := strings.ToLower(text)
	for i, word := range stubVocab {
		vec[i] = float32(strings.Count(lower, word))
	}
	vec[len(stubVocab)] = 0.1
	return vec
}

func (e stubEmbedder) EmbedDocuments(_ context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, len(texts))
	for i, text := range texts {
		out[i] = e.embed(text)
	}
	return out, nil
}

func (e stubEmbedder) EmbedQuery(_ context.Context, text string) ([]float32, error) {
	return e.embed(text), nil
}

// scriptedGenerator records what it was asked and returns a canned
// answer.
type scriptedGenerator struct {
	answer    string
	gotSystem string
	gotTurns  []Turn
	genErr    error
}

func (g *scriptedGenerator) Generate(_ context.Context, system string, turns []Turn) (string, error) {
	g.gotSystem = system
	g.gotTurns = turns
	if g.genErr != nil {
		return "", g.genErr
	}
	return g.answer, nil
}

type testEnv struct {
	service   *Service
	manager   *lifecycle.Manager
	store     *sessions.Store
	generator *scriptedGenerator
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	ctx := context.Background()

	index, err := vectorindex.New(vectorindex.Config{Root: t.TempDir()}, stubEmbedder{}, zap.NewNop())
	require.NoError(t, err)

	arch, err := archive.New(ctx, archive.Config{}, zap.NewNop())
	require.NoError(t, err)

	manager, err := lifecycle.NewManager(index, arch, zap.NewNop(), prometheus.NewRegistry())
	require.NoError(t, err)

	store, err := sessions.NewStore(filepath.Join(t.TempDir(), "sessions.db"), zap.NewNop())
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	generator := &scriptedGenerator{answer: "The deadline is March 31, 2024."}
	service, err := NewService(manager, store, generator, Config{}, zap.NewNop())
	require.NoError(t, err)

	return &testEnv{service: service, manager: manager, store: store, generator: generator}
}

func uploadScholarshipDoc(t *testing.T, env *testEnv, sess lifecycle.Session) {
	t.Helper()

	chunks := []chunker.Chunk{
		{Text: "the scholarship deadline is March 31, 2024", Metadata: chunker.Metadata{SourceID: "guide.pdf", SequenceIndex: 0, TotalInDocument: 3}},
		{Text: "the weather on campus is usually sunny", Metadata: chunker.Metadata{SourceID: "guide.pdf", SequenceIndex: 1, TotalInDocument: 3}},
		{Text: "the library is open until midnight", Metadata: chunker.Metadata{SourceID: "guide.pdf", SequenceIndex: 2, TotalInDocument: 3}},
	}
	_, err := env.manager.Create(context.Background(), sess, chunks)
	require.NoError(t, err)
}

func TestService_Ask(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	sess := lifecycle.Session{UserID: "u1", SessionID: "s1"}
	uploadScholarshipDoc(t, env, sess)

	answer, err := env.service.Ask(ctx, sess, "when is the scholarship deadline?")
	require.NoError(t, err)
	assert.Equal(t, "The deadline is March 31, 2024.", answer.Text)

	// Retrieved context reaches the model through the system prompt.
	assert.Contains(t, env.generator.gotSystem, "March 31, 2024")
	require.NotEmpty(t, env.generator.gotTurns)
	last := env.generator.gotTurns[len(env.generator.gotTurns)-1]
	assert.Equal(t, RoleUser, last.Role)
	assert.Equal(t, "when is the scholarship deadline?", last.Content)

	// Sources carry chunk provenance.
	require.NotEmpty(t, answer.Sources)
	assert.Equal(t, "guide.pdf", answer.Sources[0].SourceID)
	assert.Contains(t, answer.Sources[0].Text, "March 31")
}

func TestService_Ask_RecordsTranscript(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	sess := lifecycle.Session{UserID: "u1", SessionID: "s1"}
	uploadScholarshipDoc(t, env, sess)

	_, err := env.service.Ask(ctx, sess, "when is the deadline?")
	require.NoError(t, err)

	history, err := env.store.History(ctx, "u1", "s1", 0)
	require.NoError(t, err)
	require.Len(t, history, 2)
	assert.Equal(t, sessions.RoleUser, history[0].Role)
	assert.Equal(t, "when is the deadline?", history[0].Content)
	assert.Equal(t, sessions.RoleAssistant, history[1].Role)
	assert.Equal(t, "The deadline is March 31, 2024.", history[1].Content)
}

func TestService_Ask_IncludesHistory(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	sess := lifecycle.Session{UserID: "u1", SessionID: "s1"}
	uploadScholarshipDoc(t, env, sess)

	_, err := env.service.Ask(ctx, sess, "when is the deadline?")
	require.NoError(t, err)
	_, err = env.service.Ask(ctx, sess, "and what about the library?")
	require.NoError(t, err)

	// Second ask sees both earlier turns plus the new question.
	require.Len(t, env.generator.gotTurns, 3)
	assert.Equal(t, RoleUser, env.generator.gotTurns[0].Role)
	assert.Equal(t, RoleAssistant, env.generator.gotTurns[1].Role)
	assert.Equal(t, "and what about the library?", env.generator.gotTurns[2].Content)
}

func TestService_Ask_NoDocument(t *testing.T) {
	env := newTestEnv(t)

	_, err := env.service.Ask(context.Background(), lifecycle.Session{UserID: "u1", SessionID: "ghost"}, "anything?")
	assert.ErrorIs(t, err, ErrNoDocument)
}

func TestService_Ask_AfterDelete(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	sess := lifecycle.Session{UserID: "u1", SessionID: "s1"}
	uploadScholarshipDoc(t, env, sess)

	_, err := env.manager.Delete(ctx, sess)
	require.NoError(t, err)

	_, err = env.service.Ask(ctx, sess, "when is the deadline?")
	assert.ErrorIs(t, err, ErrNoDocument)
}

func TestService_Ask_EmptyQuestion(t *testing.T) {
	env := newTestEnv(t)

	_, err := env.service.Ask(context.Background(), lifecycle.Session{UserID: "u1", SessionID: "s1"}, "   ")
	assert.Error(t, err)
	assert.NotErrorIs(t, err, ErrNoDocument)
}

func TestIsRateLimitError(t *testing.T) {
	assert.False(t, isRateLimitError(nil))
	assert.False(t, isRateLimitError(assert.AnError))
}
