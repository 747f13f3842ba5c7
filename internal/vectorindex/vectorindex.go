// Package vectorindex manages per-collection persistent vector indexes
// backed by chromem-go.
//
// Each collection lives in its own directory under the configured root,
// so a collection can be archived, restored, or deleted as a unit by
// moving that directory. Replacing a collection is always destructive:
// the old directory is removed before the new index is built.
package vectorindex

import (
	"context"
	"errors"
	"fmt"
	"math"
	"os"
	"path/filepath"

	chromem "github.com/philippgille/chromem-go"
	"go.uber.org/zap"

	"github.com/amirshahdadian/document-qa/internal/chunker"
	"github.com/amirshahdadian/document-qa/internal/embeddings"
)

var (
	// ErrInvalidConfig indicates invalid configuration
	ErrInvalidConfig = errors.New("invalid configuration")

	// ErrCollectionNotFound indicates the collection does not exist locally
	ErrCollectionNotFound = errors.New("collection not found")

	// ErrPersistence indicates the on-disk index is missing data or
	// could not be read back
	ErrPersistence = errors.New("vector index persistence failed")

	// ErrEmptyChunks indicates an attempt to index zero chunks
	ErrEmptyChunks = errors.New("no chunks to index")
)

// Metadata keys stored with every indexed chunk.
const (
	metaSourceID      = "source_id"
	metaSequenceIndex = "sequence_index"
	metaTotalChunks   = "total_in_document"
)

// Config holds configuration for the index root.
type Config struct {
	// Root is the directory holding one subdirectory per collection.
	Root string

	// Compress enables gzip compression of persisted index files.
	Compress bool

	// Concurrency is the number of workers chromem uses when adding
	// documents.
	// Default: 1
	Concurrency int
}

// ApplyDefaults sets default values for unset fields.
func (c *Config) ApplyDefaults() {
	if c.Concurrency == 0 {
		c.Concurrency = 1
	}
}

// Validate validates the configuration.
func (c *Config) Validate() error {
	if c.Root == "" {
		return fmt.Errorf("%w: root directory required", ErrInvalidConfig)
	}
	return nil
}

// Index manages the local collection directories.
type Index struct {
	config   Config
	embedder embeddings.Embedder
	logger   *zap.Logger
}

// New creates an Index rooted at the configured directory.
func New(config Config, embedder embeddings.Embedder, logger *zap.Logger) (*Index, error) {
	if embedder == nil {
		return nil, fmt.Errorf("%w: embedder is required", ErrInvalidConfig)
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	config.ApplyDefaults()

	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	if err := os.MkdirAll(config.Root, 0o755); err != nil {
		return nil, fmt.Errorf("creating index root %s: %w", config.Root, err)
	}

	return &Index{
		config:   config,
		embedder: embedder,
		logger:   logger,
	}, nil
}

// CollectionPath returns the directory holding the named collection.
func (ix *Index) CollectionPath(collectionID string) string {
	return filepath.Join(ix.config.Root, collectionID)
}

// Exists reports whether the named collection is present locally.
func (ix *Index) Exists(collectionID string) bool {
	info, err := os.Stat(ix.CollectionPath(collectionID))
	return err == nil && info.IsDir()
}

// ListIDs returns the IDs of all collections stored under the index
// root, in lexical order. A missing root yields an empty list.
func (ix *Index) ListIDs() ([]string, error) {
	entries, err := os.ReadDir(ix.config.Root)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("listing collections under %s: %w", ix.config.Root, err)
	}

	var ids []string
	for _, entry := range entries {
		if entry.IsDir() {
			ids = append(ids, entry.Name())
		}
	}
	return ids, nil
}

// Delete removes the named collection's directory. Deleting a
// collection that does not exist is a no-op.
func (ix *Index) Delete(collectionID string) error {
	path := ix.CollectionPath(collectionID)
	if err := os.RemoveAll(path); err != nil {
		return fmt.Errorf("removing collection %s: %w", collectionID, err)
	}

	ix.logger.Debug("deleted local collection",
		zap.String("collection", collectionID),
	)
	return nil
}

// embeddingFunc adapts the query embedder to chromem's signature.
func (ix *Index) embeddingFunc() chromem.EmbeddingFunc {
	return func(ctx context.Context, text string) ([]float32, error) {
		return ix.embedder.EmbedQuery(ctx, text)
	}
}

// CreateOrReplace builds a fresh index for the given chunks, removing
// any previous index under the same collection ID first. Chunk
// embeddings are generated in one batch before the index is written.
func (ix *Index) CreateOrReplace(ctx context.Context, collectionID string, chunks []chunker.Chunk) (*Handle, error) {
	if len(chunks) == 0 {
		return nil, ErrEmptyChunks
	}

	path := ix.CollectionPath(collectionID)
	if err := os.RemoveAll(path); err != nil {
		return nil, fmt.Errorf("removing previous collection %s: %w", collectionID, err)
	}

	texts := make([]string, len(chunks))
	for i, chunk := range chunks {
		texts[i] = chunk.Text
	}

	vectors, err := ix.embedder.EmbedDocuments(ctx, texts)
	if err != nil {
		return nil, fmt.Errorf("embedding %d chunks: %w", len(chunks), err)
	}

	db, err := chromem.NewPersistentDB(path, ix.config.Compress)
	if err != nil {
		return nil, fmt.Errorf("%w: creating chromem DB at %s: %v", ErrPersistence, path, err)
	}

	collection, err := db.CreateCollection(collectionID, nil, ix.embeddingFunc())
	if err != nil {
		return nil, fmt.Errorf("%w: creating collection %s: %v", ErrPersistence, collectionID, err)
	}

	docs := make([]chromem.Document, len(chunks))
	for i, chunk := range chunks {
		docs[i] = chromem.Document{
			ID: fmt.Sprintf("chunk-%05d", chunk.Metadata.SequenceIndex),
			Metadata: map[string]string{
				metaSourceID:      chunk.Metadata.SourceID,
				metaSequenceIndex: fmt.Sprintf("%d", chunk.Metadata.SequenceIndex),
				metaTotalChunks:   fmt.Sprintf("%d", chunk.Metadata.TotalInDocument),
			},
			Embedding: vectors[i],
			Content:   chunk.Text,
		}
	}

	if err := collection.AddDocuments(ctx, docs, ix.config.Concurrency); err != nil {
		return nil, fmt.Errorf("%w: adding documents to %s: %v", ErrPersistence, collectionID, err)
	}

	// A creation that stored nothing is a failure, not a success.
	if stored := collection.Count(); stored == 0 {
		return nil, fmt.Errorf("%w: collection %s stored 0 of %d chunks", ErrPersistence, collectionID, len(chunks))
	}

	ix.logger.Info("created collection",
		zap.String("collection", collectionID),
		zap.Int("chunks", len(chunks)),
	)

	return &Handle{
		collectionID: collectionID,
		collection:   collection,
		embedder:     ix.embedder,
		logger:       ix.logger,
	}, nil
}

// Open opens an existing local collection. It returns
// ErrCollectionNotFound when the collection directory is absent or
// holds no documents, and ErrPersistence when the directory exists but
// cannot be loaded as a usable index.
func (ix *Index) Open(ctx context.Context, collectionID string) (*Handle, error) {
	path := ix.CollectionPath(collectionID)
	if !ix.Exists(collectionID) {
		return nil, fmt.Errorf("%w: %s", ErrCollectionNotFound, collectionID)
	}

	db, err := chromem.NewPersistentDB(path, ix.config.Compress)
	if err != nil {
		return nil, fmt.Errorf("%w: loading chromem DB at %s: %v", ErrPersistence, path, err)
	}

	collection := db.GetCollection(collectionID, ix.embeddingFunc())
	if collection == nil {
		return nil, fmt.Errorf("%w: collection %s missing from index at %s", ErrPersistence, collectionID, path)
	}
	if collection.Count() == 0 {
		return nil, fmt.Errorf("%w: collection %s holds no documents", ErrCollectionNotFound, collectionID)
	}

	return &Handle{
		collectionID: collectionID,
		collection:   collection,
		embedder:     ix.embedder,
		logger:       ix.logger,
	}, nil
}

// Handle is an open collection ready for similarity search.
type Handle struct {
	collectionID string
	collection   *chromem.Collection
	embedder     embeddings.Embedder
	logger       *zap.Logger
}

// CollectionID returns the collection this handle is bound to.
func (h *Handle) CollectionID() string {
	return h.collectionID
}

// Count returns the number of indexed chunks.
func (h *Handle) Count() int {
	return h.collection.Count()
}

// Probe verifies the collection is usable by running a minimal query.
// An empty collection fails the probe: it cannot answer anything.
func (h *Handle) Probe(ctx context.Context) error {
	if h.collection.Count() == 0 {
		return fmt.Errorf("%w: collection %s is empty", ErrPersistence, h.collectionID)
	}

	if _, err := h.collection.Query(ctx, "probe", 1, nil, nil); err != nil {
		return fmt.Errorf("%w: probing collection %s: %v", ErrPersistence, h.collectionID, err)
	}

	return nil
}

// SearchResult is one retrieved chunk.
type SearchResult struct {
	ID         string
	Text       string
	Metadata   map[string]string
	Similarity float32
}

// searchOptions holds per-query knobs.
type searchOptions struct {
	mmr    bool
	fetchK int
	lambda float32
}

// SearchOption configures a similarity search.
type SearchOption func(*searchOptions)

// WithMMR enables maximal marginal relevance re-ranking. fetchK is the
// candidate pool size fetched before re-ranking; lambda in [0,1] trades
// relevance (1) against diversity (0).
func WithMMR(fetchK int, lambda float32) SearchOption {
	return func(o *searchOptions) {
		o.mmr = true
		o.fetchK = fetchK
		o.lambda = lambda
	}
}

// SimilaritySearch returns the k chunks most relevant to the query,
// ordered by descending relevance. If fewer than k chunks are indexed,
// all of them are returned.
func (h *Handle) SimilaritySearch(ctx context.Context, query string, k int, opts ...SearchOption) ([]SearchResult, error) {
	if query == "" {
		return nil, fmt.Errorf("query cannot be empty")
	}
	if k <= 0 {
		return nil, fmt.Errorf("k must be positive, got %d", k)
	}

	options := searchOptions{fetchK: 2 * k, lambda: 0.5}
	for _, opt := range opts {
		opt(&options)
	}

	count := h.collection.Count()
	if count == 0 {
		return nil, fmt.Errorf("%w: collection %s is empty", ErrPersistence, h.collectionID)
	}

	fetch := k
	if options.mmr && options.fetchK > fetch {
		fetch = options.fetchK
	}
	// chromem rejects nResults above the document count.
	if fetch > count {
		fetch = count
	}

	results, err := h.collection.Query(ctx, query, fetch, nil, nil)
	if err != nil {
		return nil, fmt.Errorf("querying collection %s: %w", h.collectionID, err)
	}

	if options.mmr && len(results) > 1 {
		queryVec, err := h.embedder.EmbedQuery(ctx, query)
		if err != nil {
			return nil, fmt.Errorf("embedding query: %w", err)
		}
		results = rerankMMR(queryVec, results, k, options.lambda)
	}

	if len(results) > k {
		results = results[:k]
	}

	out := make([]SearchResult, len(results))
	for i, res := range results {
		out[i] = SearchResult{
			ID:         res.ID,
			Text:       res.Content,
			Metadata:   res.Metadata,
			Similarity: res.Similarity,
		}
	}

	return out, nil
}

// rerankMMR greedily selects up to k candidates maximizing
// lambda*sim(query, doc) - (1-lambda)*max sim(doc, selected).
// Candidate embeddings come back normalized from chromem; the query
// vector is normalized here so both terms are cosine similarities on
// the same scale. An unnormalized query would scale the relevance term
// by its magnitude and drown out the diversity penalty.
func rerankMMR(query []float32, candidates []chromem.Result, k int, lambda float32) []chromem.Result {
	if k > len(candidates) {
		k = len(candidates)
	}

	query = normalize(query)

	selected := make([]chromem.Result, 0, k)
	remaining := make([]chromem.Result, len(candidates))
	copy(remaining, candidates)

	for len(selected) < k && len(remaining) > 0 {
		bestIdx := 0
		bestScore := float32(-2)

		for i, cand := range remaining {
			score := lambda * dot(query, cand.Embedding)
			if len(selected) > 0 {
				maxSim := float32(-1)
				for _, sel := range selected {
					if sim := dot(cand.Embedding, sel.Embedding); sim > maxSim {
						maxSim = sim
					}
				}
				score -= (1 - lambda) * maxSim
			}
			if score > bestScore {
				bestScore = score
				bestIdx = i
			}
		}

		selected = append(selected, remaining[bestIdx])
		remaining = append(remaining[:bestIdx], remaining[bestIdx+1:]...)
	}

	return selected
}

func normalize(v []float32) []float32 {
	var sum float32
	for _, x := range v {
		sum += x * x
	}
	if sum == 0 {
		return v
	}

	inv := 1 / float32(math.Sqrt(float64(sum)))
	out := make([]float32, len(v))
	for i, x := range v {
		out[i] = x * inv
	}
	return out
}

func dot(a, b []float32) float32 {
	n := len(a)
	if len(b) < n {
		n = len(b)
	}
	var sum float32
	for i := 0; i < n; i++ {
		sum += a[i] * b[i]
	}
	return sum
}
