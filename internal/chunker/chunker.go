// Package chunker splits extracted document text into overlapping chunks
// with positional metadata, the unit of embedding and retrieval.
package chunker

import (
	"errors"
	"fmt"
	"path/filepath"
	"strings"

	"github.com/tmc/langchaingo/textsplitter"
)

var (
	// ErrEmptyDocument indicates the source yielded no extractable text.
	ErrEmptyDocument = errors.New("document contains no extractable text")

	// ErrValidation indicates the upload violated a size or type limit.
	ErrValidation = errors.New("upload validation failed")
)

// Metadata carries the position of a chunk within its source document.
type Metadata struct {
	// SourceID identifies the originating document (typically the filename).
	SourceID string `json:"source_id"`

	// SequenceIndex is the chunk's position, 0..TotalInDocument-1.
	SequenceIndex int `json:"sequence_index"`

	// TotalInDocument is the number of chunks produced from the source.
	TotalInDocument int `json:"total_in_document"`
}

// Chunk is a bounded slice of document text. Immutable once created.
type Chunk struct {
	Text     string   `json:"text"`
	Metadata Metadata `json:"metadata"`
}

// Config holds text splitting parameters.
type Config struct {
	// ChunkSize is the target chunk length in characters.
	// Default: 1000
	ChunkSize int

	// ChunkOverlap is the number of characters adjacent chunks share.
	// Default: 200
	ChunkOverlap int

	// Separators is the prioritized split separator list. The earliest
	// separator producing pieces within ChunkSize wins; the final empty
	// separator forces hard character cuts.
	// Default: ["\n\n", "\n", " ", ""]
	Separators []string
}

// ApplyDefaults sets default values for unset fields.
func (c *Config) ApplyDefaults() {
	if c.ChunkSize == 0 {
		c.ChunkSize = 1000
	}
	if c.ChunkOverlap == 0 {
		c.ChunkOverlap = 200
	}
	if c.Separators == nil {
		c.Separators = []string{"\n\n", "\n", " ", ""}
	}
}

// Validate validates the configuration.
func (c *Config) Validate() error {
	if c.ChunkSize <= 0 {
		return fmt.Errorf("chunk size must be positive, got %d", c.ChunkSize)
	}
	if c.ChunkOverlap < 0 {
		return fmt.Errorf("chunk overlap must be non-negative, got %d", c.ChunkOverlap)
	}
	if c.ChunkOverlap >= c.ChunkSize {
		return fmt.Errorf("chunk overlap %d must be smaller than chunk size %d", c.ChunkOverlap, c.ChunkSize)
	}
	return nil
}

// Splitter chunks document text segments.
type Splitter struct {
	config   Config
	splitter textsplitter.RecursiveCharacter
}

// New creates a Splitter with the given configuration.
func New(config Config) (*Splitter, error) {
	config.ApplyDefaults()

	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return &Splitter{
		config: config,
		splitter: textsplitter.NewRecursiveCharacter(
			textsplitter.WithChunkSize(config.ChunkSize),
			textsplitter.WithChunkOverlap(config.ChunkOverlap),
			textsplitter.WithSeparators(config.Separators),
		),
	}, nil
}

// Split chunks the ordered text segments of one document. Segments are
// split independently (they arrive per page from the extraction
// collaborator), then flattened so sequence indices run over the whole
// document.
func (s *Splitter) Split(sourceID string, segments []string) ([]Chunk, error) {
	var texts []string
	for _, segment := range segments {
		if strings.TrimSpace(segment) == "" {
			continue
		}

		pieces, err := s.splitter.SplitText(segment)
		if err != nil {
			return nil, fmt.Errorf("splitting segment: %w", err)
		}
		texts = append(texts, pieces...)
	}

	if len(texts) == 0 {
		return nil, ErrEmptyDocument
	}

	chunks := make([]Chunk, len(texts))
	for i, text := range texts {
		chunks[i] = Chunk{
			Text: text,
			Metadata: Metadata{
				SourceID:        sourceID,
				SequenceIndex:   i,
				TotalInDocument: len(texts),
			},
		}
	}

	return chunks, nil
}

// UploadLimits bounds accepted document uploads.
type UploadLimits struct {
	// MaxFileSize is the upload size ceiling in bytes.
	// Default: 50 MiB
	MaxFileSize int64

	// AllowedExtensions lists accepted file extensions, lowercase with
	// the leading dot.
	// Default: [".pdf"]
	AllowedExtensions []string
}

// ApplyDefaults sets default values for unset fields.
func (l *UploadLimits) ApplyDefaults() {
	if l.MaxFileSize == 0 {
		l.MaxFileSize = 50 * 1024 * 1024
	}
	if l.AllowedExtensions == nil {
		l.AllowedExtensions = []string{".pdf"}
	}
}

// ValidateUpload checks the upload preconditions before any chunking
// happens. Violations report the specific limit via ErrValidation.
func ValidateUpload(filename string, size int64, limits UploadLimits) error {
	limits.ApplyDefaults()

	if size > limits.MaxFileSize {
		return fmt.Errorf("%w: file size %d exceeds %d byte limit", ErrValidation, size, limits.MaxFileSize)
	}

	ext := strings.ToLower(filepath.Ext(filename))
	for _, allowed := range limits.AllowedExtensions {
		if ext == allowed {
			return nil
		}
	}

	return fmt.Errorf("%w: file type %q is not supported (allowed: %s)",
		ErrValidation, ext, strings.Join(limits.AllowedExtensions, ", "))
}
